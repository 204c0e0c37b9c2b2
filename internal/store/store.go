package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/models"
)

type CreateTicketInput struct {
	BranchID string
	// Identity is a normalized RUT or AnonymousIdentity.
	Identity  string
	Type      string
	Name      string
	Phone     string
	CreatedAt time.Time
}

type DispatchInput struct {
	BranchID   string
	AgentID    string
	TerminalID string
	CalledAt   time.Time
}

type CompleteAndDispatchInput struct {
	TicketID   string
	BranchID   string
	AgentID    string
	TerminalID string
	OccurredAt time.Time
}

// TicketActionInput acts on one ticket. BranchID is the agent's scope; an
// empty scope reaches every branch.
type TicketActionInput struct {
	TicketID   string
	AgentID    string
	BranchID   string
	Reason     string
	OccurredAt time.Time
}

// DispatchResult carries a nil Ticket when the queue is empty. Recovered is
// set when the agent's outstanding CALLED ticket was returned again.
type DispatchResult struct {
	Ticket    *models.Ticket `json:"ticket"`
	Recovered bool           `json:"recovered"`
}

type CompleteAndDispatchResult struct {
	Completed *models.Ticket `json:"completed"`
	Next      *models.Ticket `json:"next"`
	Recovered bool           `json:"recovered"`
}

type CompleteResult struct {
	Ticket         models.Ticket `json:"ticket"`
	ServiceSeconds float64       `json:"service_seconds"`
	Changed        bool          `json:"changed"`
}

type TicketStore interface {
	CreateTicket(ctx context.Context, input CreateTicketInput) (models.Ticket, error)
	DispatchNext(ctx context.Context, input DispatchInput) (DispatchResult, error)
	CompleteAndDispatchNext(ctx context.Context, input CompleteAndDispatchInput) (CompleteAndDispatchResult, error)
	Recall(ctx context.Context, input TicketActionInput) (models.Ticket, error)
	Complete(ctx context.Context, input TicketActionInput) (CompleteResult, error)
	Cancel(ctx context.Context, input TicketActionInput) (models.Ticket, error)
	QueueStatus(ctx context.Context, branchID string) (models.QueueStatus, error)
	// DailyMetrics aggregates tickets created in [from, to).
	DailyMetrics(ctx context.Context, branchID string, from, to time.Time) (models.DailyMetrics, error)
	ResetQueue(ctx context.Context, branchID, actorID string) (int64, error)
}

type ExecuteHandoverInput struct {
	TerminalID       string
	ActorID          string
	ActorName        string
	DeclaredCash     decimal.Decimal
	// ExpectedCash is the figure the operator saw, if any. The store computes
	// its own and rejects a mismatch.
	ExpectedCash     *decimal.Decimal
	AmountToWithdraw decimal.Decimal
	AmountToKeep     decimal.Decimal
	NextActorID      string
	Notes            string
	ClosedAt         time.Time
}

type QuickHandoverInput struct {
	TerminalID   string
	OutgoingID   string
	OutgoingName string
	IncomingID   string
	IncomingName string
	DeclaredCash decimal.Decimal
	Notes        string
	OccurredAt   time.Time
}

type OpenShiftInput struct {
	TerminalID    string
	ActorID       string
	ActorName     string
	OpeningAmount decimal.Decimal
	OpenedAt      time.Time
}

type CashStore interface {
	SessionTotals(ctx context.Context, terminalID string) (models.SessionTotals, error)
	ExecuteHandover(ctx context.Context, input ExecuteHandoverInput) (models.HandoverResult, error)
	QuickHandover(ctx context.Context, input QuickHandoverInput) (models.QuickHandoverResult, error)
	OpenShift(ctx context.Context, input OpenShiftInput) (models.CashSession, error)
}

// CredentialRecord is a staff member's stored secret. Exactly one of
// PasswordHash and LegacySecret is expected to be set.
type CredentialRecord struct {
	UserID       string
	Name         string
	Role         string
	BranchID     string
	PasswordHash string
	LegacySecret string
}

type CredentialStore interface {
	LoadCredential(ctx context.Context, userID string) (CredentialRecord, error)
	FlagCredentialRotation(ctx context.Context, userID string) error
}

type Principal struct {
	UserID   string
	Name     string
	Role     string
	BranchID string
}

type Verification struct {
	Valid     bool
	Principal Principal
}

type CredentialGate interface {
	Verify(ctx context.Context, identity, secret string) (Verification, error)
	RecordFailure(ctx context.Context, identity string) error
	ResetFailures(ctx context.Context, identity string) error
	IsLockedOut(ctx context.Context, identity string) (bool, string, error)
}

type AuditRecord struct {
	ActorID       string
	Action        string
	EntityType    string
	EntityID      string
	Before        interface{}
	After         interface{}
	Justification string
}

// AuditSink never reports failures to the caller.
type AuditSink interface {
	Append(ctx context.Context, record AuditRecord)
}

type AuditReader interface {
	AuditTrail(ctx context.Context, entityType, entityID string) ([]models.AuditEntry, error)
}

type RoleNotification struct {
	Role          string
	LocationScope string
	Title         string
	Message       string
	Link          string
}

// Notifier is fire-and-forget.
type Notifier interface {
	NotifyRole(ctx context.Context, notification RoleNotification)
}

const (
	ActionTicketCreated     = "TICKET_CREATED"
	ActionTicketCalled      = "TICKET_CALLED"
	ActionTicketRecalled    = "TICKET_RECALLED"
	ActionTicketCompleted   = "TICKET_COMPLETED"
	ActionTicketCancelled   = "TICKET_CANCELLED"
	ActionQueueReset        = "QUEUE_RESET"
	ActionCashHandover      = "CASH_HANDOVER"
	ActionCashQuickHandover = "CASH_QUICK_HANDOVER"
	ActionCashShiftOpened   = "CASH_SHIFT_OPENED"
	ActionCredentialLockout = "CREDENTIAL_LOCKOUT"

	EntityTicket      = "TICKET"
	EntityBranchQueue = "BRANCH_QUEUE"
	EntityCashSession = "CASH_SESSION"
	EntityUser        = "USER"
)

type OutboxNotification struct {
	NotificationID string
	Role           string
	LocationScope  string
	Title          string
	Message        string
	Link           string
	Attempts       int
	CreatedAt      time.Time
}

// NotificationOutbox holds role notifications until the delivery worker
// hands them to a provider. Delivery is at least once.
type NotificationOutbox interface {
	EnqueueNotification(ctx context.Context, notification RoleNotification) error
	// ClaimPendingNotifications leases due notifications to one worker for
	// the lease duration.
	ClaimPendingNotifications(ctx context.Context, limit int, lease time.Duration) ([]OutboxNotification, error)
	MarkNotificationSent(ctx context.Context, notificationID string) error
	// MarkNotificationRetry records a failed attempt and returns the new
	// attempt count.
	MarkNotificationRetry(ctx context.Context, notificationID, lastError string) (int, error)
	MarkNotificationFailed(ctx context.Context, notificationID, lastError string) error
}
