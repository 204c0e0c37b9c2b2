package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	SessionOpen   = "OPEN"
	SessionClosed = "CLOSED"

	TerminalOpen   = "OPEN"
	TerminalClosed = "CLOSED"

	RemittancePendingReceipt = "PENDING_RECEIPT"

	PaymentCash = "CASH"

	MovementIn      = "IN"
	MovementOut     = "OUT"
	MovementOpening = "OPENING"
)

type Terminal struct {
	TerminalID       string  `json:"terminal_id"`
	BranchID         string  `json:"branch_id"`
	Name             string  `json:"name"`
	Status           string  `json:"status"`
	CurrentCashierID *string `json:"current_cashier_id,omitempty"`
}

type CashSession struct {
	SessionID     string           `json:"session_id"`
	TerminalID    string           `json:"terminal_id"`
	UserID        string           `json:"user_id"`
	OpeningAmount decimal.Decimal  `json:"opening_amount"`
	ClosingAmount *decimal.Decimal `json:"closing_amount,omitempty"`
	OpenedAt      time.Time        `json:"opened_at"`
	ClosedAt      *time.Time       `json:"closed_at,omitempty"`
	Status        string           `json:"status"`
}

// SessionTotals is what the store knows about an open session's cash flow.
type SessionTotals struct {
	Session       CashSession                `json:"session"`
	SalesByMethod map[string]decimal.Decimal `json:"sales_by_method"`
	CashIn        decimal.Decimal            `json:"cash_in"`
	CashOut       decimal.Decimal            `json:"cash_out"`
}

// CashSales is the CASH entry of SalesByMethod, zero when absent.
func (t SessionTotals) CashSales() decimal.Decimal {
	if amount, ok := t.SalesByMethod[PaymentCash]; ok {
		return amount
	}
	return decimal.Zero
}

// ExpectedCash is what the drawer should hold: opening + cash sales + cash in
// - cash out. CashIn already excludes the session's opening movement.
func (t SessionTotals) ExpectedCash() decimal.Decimal {
	return t.Session.OpeningAmount.Add(t.CashSales()).Add(t.CashIn).Sub(t.CashOut)
}

// HandoverPreview is the reconciliation breakdown shown to the operator
// before a handover is confirmed.
type HandoverPreview struct {
	TerminalID       string                     `json:"terminal_id"`
	SessionID        string                     `json:"session_id"`
	UserID           string                     `json:"user_id"`
	OpenedAt         time.Time                  `json:"opened_at"`
	OpeningAmount    decimal.Decimal            `json:"opening_amount"`
	SalesByMethod    map[string]decimal.Decimal `json:"sales_by_method"`
	CashSales        decimal.Decimal            `json:"cash_sales"`
	CashIn           decimal.Decimal            `json:"cash_in"`
	CashOut          decimal.Decimal            `json:"cash_out"`
	ExpectedCash     decimal.Decimal            `json:"expected_cash"`
	DeclaredCash     decimal.Decimal            `json:"declared_cash"`
	Diff             decimal.Decimal            `json:"diff"`
	AmountToWithdraw decimal.Decimal            `json:"amount_to_withdraw"`
	AmountToKeep     decimal.Decimal            `json:"amount_to_keep"`
	OperationalFloat decimal.Decimal            `json:"operational_float"`
}

type Remittance struct {
	RemittanceID  string          `json:"remittance_id"`
	TerminalID    string          `json:"terminal_id"`
	SessionID     string          `json:"session_id"`
	Amount        decimal.Decimal `json:"amount"`
	Status        string          `json:"status"`
	ShiftStart    time.Time       `json:"shift_start"`
	ShiftEnd      time.Time       `json:"shift_end"`
	CashCountDiff decimal.Decimal `json:"cash_count_diff"`
	Notes         string          `json:"notes"`
	CreatedBy     string          `json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
}

type HandoverResult struct {
	SessionID   string          `json:"session_id"`
	TerminalID  string          `json:"terminal_id"`
	ClosedAt    time.Time       `json:"closed_at"`
	ClosingCash decimal.Decimal `json:"closing_amount"`
	Diff        decimal.Decimal `json:"diff"`
	Remittance  *Remittance     `json:"remittance,omitempty"`
	ActorName   string          `json:"actor_name"`
}

type QuickHandoverResult struct {
	ClosedSessionID string          `json:"closed_session_id"`
	NewSession      CashSession     `json:"new_session"`
	TerminalID      string          `json:"terminal_id"`
	OutgoingUserID  string          `json:"outgoing_user_id"`
	IncomingUserID  string          `json:"incoming_user_id"`
	DeclaredCash    decimal.Decimal `json:"declared_cash"`
}

type AuditEntry struct {
	AuditID       int64           `json:"audit_id"`
	ActorID       string          `json:"actor_id"`
	Action        string          `json:"action"`
	EntityType    string          `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	Before        json.RawMessage `json:"before,omitempty"`
	After         json.RawMessage `json:"after,omitempty"`
	Justification string          `json:"justification,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	PrevHash      string          `json:"prev_hash"`
	Hash          string          `json:"hash"`
}

type AuditTrail struct {
	EntityType string       `json:"entity_type"`
	EntityID   string       `json:"entity_id"`
	Entries    []AuditEntry `json:"entries"`
	Verified   bool         `json:"verified"`
}
