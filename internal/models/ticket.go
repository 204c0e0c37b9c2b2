package models

import "time"

type Ticket struct {
	TicketID     string     `json:"ticket_id"`
	BranchID     string     `json:"branch_id"`
	Code         string     `json:"code"`
	Type         string     `json:"type"`
	Status       string     `json:"status"`
	CustomerRUT  string     `json:"customer_rut,omitempty"`
	CustomerID   *string    `json:"customer_id,omitempty"`
	CustomerName string     `json:"customer_name,omitempty"`
	Phone        string     `json:"phone,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CalledAt     *time.Time `json:"called_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	TerminalID   *string    `json:"terminal_id,omitempty"`
	CalledBy     *string    `json:"called_by,omitempty"`
	CompletedBy  *string    `json:"completed_by,omitempty"`
	CancelReason string     `json:"cancel_reason,omitempty"`
}

const (
	StatusWaiting   = "WAITING"
	StatusCalled    = "CALLED"
	StatusCompleted = "COMPLETED"
	StatusNoShow    = "NO_SHOW"
)

const (
	TicketGeneral      = "GENERAL"
	TicketPreferential = "PREFERENTIAL"
)

// TypePrefix returns the letter used in front of a ticket code.
func TypePrefix(ticketType string) string {
	if ticketType == TicketPreferential {
		return "P"
	}
	return "G"
}

// QueueStatus is the live picture of one branch floor.
type QueueStatus struct {
	BranchID string   `json:"branch_id"`
	Waiting  []Ticket `json:"waiting"`
	Called   []Ticket `json:"called"`
	Recent   []Ticket `json:"recent"`
}

type DailyMetrics struct {
	BranchID          string         `json:"branch_id"`
	Date              string         `json:"date"`
	Total             int            `json:"total"`
	ByStatus          map[string]int `json:"by_status"`
	AvgWaitSeconds    float64        `json:"avg_wait_seconds"`
	AvgServiceSeconds float64        `json:"avg_service_seconds"`
}
