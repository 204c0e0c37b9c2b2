package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/models"
	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/store"
)

const (
	kioskActor      = "KIOSK"
	systemActor     = "SYSTEM"
	queueResetNote  = "QUEUE_RESET"
	recentTickets   = 5
	dispatchOrderBy = "CASE WHEN type = 'PREFERENTIAL' THEN 0 ELSE 1 END, created_at ASC"
)

var ticketFields = []string{
	"ticket_id::text", "branch_id", "code", "type", "status", "customer_rut", "customer_id::text",
	"customer_name", "phone", "created_at", "called_at", "completed_at", "cancelled_at",
	"terminal_id", "called_by", "completed_by", "cancel_reason",
}

func ticketColumns(prefix string) string {
	cols := make([]string, len(ticketFields))
	for i, field := range ticketFields {
		cols[i] = prefix + field
	}
	return strings.Join(cols, ", ")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTicket(row rowScanner) (models.Ticket, error) {
	var ticket models.Ticket
	var customerRUT, customerID, customerName, phone sql.NullString
	var terminalID, calledBy, completedBy, cancelReason sql.NullString
	var calledAt, completedAt, cancelledAt sql.NullTime
	if err := row.Scan(
		&ticket.TicketID, &ticket.BranchID, &ticket.Code, &ticket.Type, &ticket.Status,
		&customerRUT, &customerID, &customerName, &phone, &ticket.CreatedAt,
		&calledAt, &completedAt, &cancelledAt, &terminalID, &calledBy, &completedBy, &cancelReason,
	); err != nil {
		return models.Ticket{}, err
	}
	ticket.CreatedAt = ticket.CreatedAt.UTC()
	ticket.CustomerRUT = stringOrEmpty(customerRUT)
	ticket.CustomerID = nullStringPtr(customerID)
	ticket.CustomerName = stringOrEmpty(customerName)
	ticket.Phone = stringOrEmpty(phone)
	ticket.CalledAt = nullTimePtr(calledAt)
	ticket.CompletedAt = nullTimePtr(completedAt)
	ticket.CancelledAt = nullTimePtr(cancelledAt)
	ticket.TerminalID = nullStringPtr(terminalID)
	ticket.CalledBy = nullStringPtr(calledBy)
	ticket.CompletedBy = nullStringPtr(completedBy)
	ticket.CancelReason = stringOrEmpty(cancelReason)
	return ticket, nil
}

func (s *Store) CreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, error) {
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	var ticket models.Ticket
	err := s.serializable(ctx, "create_ticket", func(tx pgx.Tx) error {
		var customerID interface{}
		rut := ""
		if input.Identity != store.AnonymousIdentity {
			rut = input.Identity
			id, err := upsertCustomer(ctx, tx, rut, input.Name, input.Phone)
			if err != nil {
				return err
			}
			customerID = id
		}

		dayStart, dayEnd := s.dayBounds(createdAt)
		var todays int
		row := tx.QueryRow(ctx, `
			SELECT COUNT(*)
			FROM tickets
			WHERE branch_id = $1 AND created_at >= $2 AND created_at < $3
		`, input.BranchID, dayStart, dayEnd)
		if err := row.Scan(&todays); err != nil {
			return err
		}
		code := fmt.Sprintf("%s%0*d", models.TypePrefix(input.Type), ticketNumberPad, todays+1)

		created, err := scanTicket(tx.QueryRow(ctx, `
			INSERT INTO tickets (ticket_id, branch_id, code, type, status, customer_id, customer_rut, customer_name, phone, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING `+ticketColumns(""),
			uuid.NewString(), input.BranchID, code, input.Type, models.StatusWaiting,
			customerID, nullIfEmpty(rut), nullIfEmpty(input.Name), nullIfEmpty(input.Phone), createdAt,
		))
		if err != nil {
			return err
		}
		ticket = created

		s.appendAuditTx(ctx, tx, store.AuditRecord{
			ActorID:    kioskActor,
			Action:     store.ActionTicketCreated,
			EntityType: store.EntityTicket,
			EntityID:   ticket.TicketID,
			After:      map[string]interface{}{"status": ticket.Status, "code": ticket.Code, "type": ticket.Type, "branch_id": ticket.BranchID},
		})
		return nil
	})
	if err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func upsertCustomer(ctx context.Context, tx pgx.Tx, rut, name, phone string) (string, error) {
	var customerID string
	row := tx.QueryRow(ctx, `
		INSERT INTO customers (customer_id, rut, full_name, phone)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (rut) DO UPDATE
		SET full_name = COALESCE(EXCLUDED.full_name, customers.full_name),
			phone = COALESCE(EXCLUDED.phone, customers.phone),
			updated_at = now()
		RETURNING customer_id::text
	`, uuid.NewString(), rut, nullIfEmpty(name), nullIfEmpty(phone))
	if err := row.Scan(&customerID); err != nil {
		return "", err
	}
	return customerID, nil
}

func (s *Store) dayBounds(t time.Time) (time.Time, time.Time) {
	local := t.In(s.location)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.location)
	return start, start.AddDate(0, 0, 1)
}

func (s *Store) DispatchNext(ctx context.Context, input store.DispatchInput) (store.DispatchResult, error) {
	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = s.now()
	}

	var result store.DispatchResult
	err := s.serializable(ctx, "dispatch_next", func(tx pgx.Tx) error {
		var err error
		result, err = s.dispatchInTx(ctx, tx, input.BranchID, input.AgentID, input.TerminalID, calledAt)
		return err
	})
	if err != nil {
		return store.DispatchResult{}, err
	}
	return result, nil
}

// dispatchInTx returns the agent's outstanding CALLED ticket when there is
// one, otherwise calls the next WAITING ticket. An empty queue yields a nil
// ticket.
func (s *Store) dispatchInTx(ctx context.Context, tx pgx.Tx, branchID, agentID, terminalID string, calledAt time.Time) (store.DispatchResult, error) {
	existing, err := scanTicket(tx.QueryRow(ctx, `
		SELECT `+ticketColumns("")+`
		FROM tickets
		WHERE branch_id = $1 AND called_by = $2 AND status = 'CALLED'
		ORDER BY called_at DESC
		LIMIT 1
	`, branchID, agentID))
	if err == nil {
		s.logger.Info("returning outstanding called ticket",
			zap.String("ticket_id", existing.TicketID),
			zap.String("agent_id", agentID),
		)
		return store.DispatchResult{Ticket: &existing, Recovered: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return store.DispatchResult{}, err
	}

	next, err := callNextWaiting(ctx, tx, branchID, agentID, terminalID, calledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.DispatchResult{}, nil
	}
	if err != nil {
		return store.DispatchResult{}, err
	}

	s.appendAuditTx(ctx, tx, store.AuditRecord{
		ActorID:    agentID,
		Action:     store.ActionTicketCalled,
		EntityType: store.EntityTicket,
		EntityID:   next.TicketID,
		Before:     map[string]interface{}{"status": models.StatusWaiting},
		After: map[string]interface{}{
			"status":       next.Status,
			"terminal_id":  terminalID,
			"wait_seconds": calledAt.Sub(next.CreatedAt).Seconds(),
		},
	})
	return store.DispatchResult{Ticket: &next}, nil
}

func callNextWaiting(ctx context.Context, tx pgx.Tx, branchID, agentID, terminalID string, calledAt time.Time) (models.Ticket, error) {
	query := `
		WITH next_ticket AS (
			SELECT ticket_id
			FROM tickets
			WHERE branch_id = $1 AND status = ANY($5)
			ORDER BY ` + dispatchOrderBy + `
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE tickets
		SET status = 'CALLED',
			called_by = $2,
			terminal_id = $3,
			called_at = $4
		FROM next_ticket
		WHERE tickets.ticket_id = next_ticket.ticket_id
		RETURNING ` + ticketColumns("tickets.")
	return scanTicket(tx.QueryRow(ctx, query, branchID, agentID, nullIfEmpty(terminalID), calledAt, store.SourceStatuses("dispatch")))
}

// requireTicketBranch rejects agents scoped to another branch. An empty
// scope acts on any branch.
func requireTicketBranch(ticket models.Ticket, branchID string) error {
	if branchID != "" && ticket.BranchID != branchID {
		return store.ErrForbidden.WithMessage("ticket %s belongs to another branch", ticket.Code)
	}
	return nil
}

func lockTicket(ctx context.Context, tx pgx.Tx, ticketID string) (models.Ticket, bool, error) {
	ticket, err := scanTicket(tx.QueryRow(ctx, `
		SELECT `+ticketColumns("")+`
		FROM tickets
		WHERE ticket_id = $1
		FOR UPDATE
	`, ticketID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Ticket{}, false, nil
	}
	if err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) completeInTx(ctx context.Context, tx pgx.Tx, ticket models.Ticket, agentID string, completedAt time.Time) (models.Ticket, float64, error) {
	completed, err := scanTicket(tx.QueryRow(ctx, `
		UPDATE tickets
		SET status = 'COMPLETED',
			completed_at = $2,
			completed_by = $3
		WHERE ticket_id = $1 AND status = 'CALLED'
		RETURNING `+ticketColumns(""),
		ticket.TicketID, completedAt, agentID,
	))
	if err != nil {
		return models.Ticket{}, 0, err
	}

	var serviceSeconds float64
	if completed.CalledAt != nil {
		serviceSeconds = completedAt.Sub(*completed.CalledAt).Seconds()
	}
	s.appendAuditTx(ctx, tx, store.AuditRecord{
		ActorID:    agentID,
		Action:     store.ActionTicketCompleted,
		EntityType: store.EntityTicket,
		EntityID:   completed.TicketID,
		Before:     map[string]interface{}{"status": models.StatusCalled},
		After:      map[string]interface{}{"status": completed.Status, "service_seconds": serviceSeconds},
	})
	return completed, serviceSeconds, nil
}

func (s *Store) CompleteAndDispatchNext(ctx context.Context, input store.CompleteAndDispatchInput) (store.CompleteAndDispatchResult, error) {
	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.now()
	}

	var result store.CompleteAndDispatchResult
	err := s.serializable(ctx, "complete_and_dispatch_next", func(tx pgx.Tx) error {
		result = store.CompleteAndDispatchResult{}
		current, found, err := lockTicket(ctx, tx, input.TicketID)
		if err != nil {
			return err
		}

		if found {
			if err := requireTicketBranch(current, input.BranchID); err != nil {
				return err
			}
		}

		switch {
		case !found:
			s.logger.Warn("current ticket not found, dispatching next",
				zap.String("ticket_id", input.TicketID),
				zap.String("agent_id", input.AgentID),
			)
		case current.Status == models.StatusCompleted:
			result.Completed = &current
		case current.Status == models.StatusCalled:
			if current.CalledBy == nil || *current.CalledBy != input.AgentID {
				return store.ErrOwnerMismatch.WithMessage("ticket %s is being served by another agent", current.Code)
			}
			completed, _, err := s.completeInTx(ctx, tx, current, input.AgentID, occurredAt)
			if err != nil {
				return err
			}
			result.Completed = &completed
		default:
			s.logger.Warn("current ticket in unexpected state, dispatching next",
				zap.String("ticket_id", current.TicketID),
				zap.String("status", current.Status),
				zap.String("agent_id", input.AgentID),
			)
		}

		dispatched, err := s.dispatchInTx(ctx, tx, input.BranchID, input.AgentID, input.TerminalID, occurredAt)
		if err != nil {
			return err
		}
		result.Next = dispatched.Ticket
		result.Recovered = dispatched.Recovered
		return nil
	})
	if err != nil {
		return store.CompleteAndDispatchResult{}, err
	}
	return result, nil
}

func (s *Store) Recall(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.now()
	}

	var ticket models.Ticket
	err := s.serializable(ctx, "recall", func(tx pgx.Tx) error {
		current, found, err := lockTicket(ctx, tx, input.TicketID)
		if err != nil {
			return err
		}
		if !found {
			return store.ErrTicketNotFound
		}
		if err := requireTicketBranch(current, input.BranchID); err != nil {
			return err
		}
		if !store.ValidTransition("recall", current.Status) {
			return store.ErrTicketNotFound.WithMessage("no called ticket %s to recall", input.TicketID)
		}
		if current.CalledBy == nil || *current.CalledBy != input.AgentID {
			return store.ErrOwnerMismatch.WithMessage("ticket %s was called by another agent", current.Code)
		}

		recalled, err := scanTicket(tx.QueryRow(ctx, `
			UPDATE tickets
			SET called_at = $2
			WHERE ticket_id = $1
			RETURNING `+ticketColumns(""),
			current.TicketID, occurredAt,
		))
		if err != nil {
			return err
		}
		ticket = recalled

		s.appendAuditTx(ctx, tx, store.AuditRecord{
			ActorID:    input.AgentID,
			Action:     store.ActionTicketRecalled,
			EntityType: store.EntityTicket,
			EntityID:   ticket.TicketID,
			Before:     map[string]interface{}{"called_at": current.CalledAt},
			After:      map[string]interface{}{"called_at": ticket.CalledAt},
		})
		return nil
	})
	if err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) Complete(ctx context.Context, input store.TicketActionInput) (store.CompleteResult, error) {
	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.now()
	}

	var result store.CompleteResult
	err := s.serializable(ctx, "complete", func(tx pgx.Tx) error {
		current, found, err := lockTicket(ctx, tx, input.TicketID)
		if err != nil {
			return err
		}
		if !found {
			return store.ErrTicketNotFound
		}
		if err := requireTicketBranch(current, input.BranchID); err != nil {
			return err
		}
		if current.Status == models.StatusCompleted && current.CompletedBy != nil && *current.CompletedBy == input.AgentID {
			result = store.CompleteResult{Ticket: current, ServiceSeconds: serviceSeconds(current)}
			return nil
		}
		if !store.ValidTransition("complete", current.Status) {
			return store.ErrInvalidState.WithMessage("ticket %s is %s", current.Code, current.Status)
		}
		if current.CalledBy == nil || *current.CalledBy != input.AgentID {
			return store.ErrOwnerMismatch.WithMessage("ticket %s was called by another agent", current.Code)
		}

		completed, seconds, err := s.completeInTx(ctx, tx, current, input.AgentID, occurredAt)
		if err != nil {
			return err
		}
		result = store.CompleteResult{Ticket: completed, ServiceSeconds: seconds, Changed: true}
		return nil
	})
	if err != nil {
		return store.CompleteResult{}, err
	}
	return result, nil
}

func serviceSeconds(ticket models.Ticket) float64 {
	if ticket.CalledAt == nil || ticket.CompletedAt == nil {
		return 0
	}
	return ticket.CompletedAt.Sub(*ticket.CalledAt).Seconds()
}

func (s *Store) Cancel(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.now()
	}
	actor := input.AgentID
	if actor == "" {
		actor = systemActor
	}

	var ticket models.Ticket
	err := s.serializable(ctx, "cancel", func(tx pgx.Tx) error {
		current, found, err := lockTicket(ctx, tx, input.TicketID)
		if err != nil {
			return err
		}
		if !found {
			return store.ErrTicketNotFound
		}
		if err := requireTicketBranch(current, input.BranchID); err != nil {
			return err
		}
		if !store.ValidTransition("cancel", current.Status) {
			return store.ErrTicketNotFound.WithMessage("ticket %s is already %s", current.Code, current.Status)
		}

		cancelled, err := scanTicket(tx.QueryRow(ctx, `
			UPDATE tickets
			SET status = 'NO_SHOW',
				cancelled_at = $2,
				cancel_reason = $3
			WHERE ticket_id = $1
			RETURNING `+ticketColumns(""),
			current.TicketID, occurredAt, input.Reason,
		))
		if err != nil {
			return err
		}
		ticket = cancelled

		s.appendAuditTx(ctx, tx, store.AuditRecord{
			ActorID:       actor,
			Action:        store.ActionTicketCancelled,
			EntityType:    store.EntityTicket,
			EntityID:      ticket.TicketID,
			Before:        map[string]interface{}{"status": current.Status},
			After:         map[string]interface{}{"status": ticket.Status},
			Justification: input.Reason,
		})
		return nil
	})
	if err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) ResetQueue(ctx context.Context, branchID, actorID string) (int64, error) {
	var affected int64
	err := s.serializable(ctx, "reset_queue", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE tickets
			SET status = 'NO_SHOW',
				cancelled_at = $2,
				cancel_reason = $3
			WHERE branch_id = $1 AND status = ANY($4)
		`, branchID, s.now(), queueResetNote, store.SourceStatuses("reset"))
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()

		s.appendAuditTx(ctx, tx, store.AuditRecord{
			ActorID:       actorID,
			Action:        store.ActionQueueReset,
			EntityType:    store.EntityBranchQueue,
			EntityID:      branchID,
			After:         map[string]interface{}{"reset_count": affected},
			Justification: queueResetNote,
		})
		return nil
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

func (s *Store) QueueStatus(ctx context.Context, branchID string) (models.QueueStatus, error) {
	status := models.QueueStatus{BranchID: branchID, Waiting: []models.Ticket{}, Called: []models.Ticket{}, Recent: []models.Ticket{}}

	waiting := psql.Select(ticketFields...).From("tickets").
		Where(sq.Eq{"branch_id": branchID, "status": models.StatusWaiting}).
		OrderBy(dispatchOrderBy)
	called := psql.Select(ticketFields...).From("tickets").
		Where(sq.Eq{"branch_id": branchID, "status": models.StatusCalled}).
		OrderBy("called_at ASC")
	recent := psql.Select(ticketFields...).From("tickets").
		Where(sq.Eq{"branch_id": branchID, "status": []string{models.StatusCompleted, models.StatusNoShow}}).
		OrderBy("COALESCE(completed_at, cancelled_at) DESC").
		Limit(recentTickets)

	var err error
	if status.Waiting, err = s.selectTickets(ctx, waiting); err != nil {
		return models.QueueStatus{}, err
	}
	if status.Called, err = s.selectTickets(ctx, called); err != nil {
		return models.QueueStatus{}, err
	}
	if status.Recent, err = s.selectTickets(ctx, recent); err != nil {
		return models.QueueStatus{}, err
	}
	return status, nil
}

func (s *Store) selectTickets(ctx context.Context, builder sq.SelectBuilder) ([]models.Ticket, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, s.classify("queue_status", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, s.classify("queue_status", err)
	}
	defer rows.Close()

	tickets := []models.Ticket{}
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, s.classify("queue_status", err)
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify("queue_status", err)
	}
	return tickets, nil
}

func (s *Store) DailyMetrics(ctx context.Context, branchID string, from, to time.Time) (models.DailyMetrics, error) {
	metrics := models.DailyMetrics{
		BranchID: branchID,
		Date:     from.In(s.location).Format(time.DateOnly),
		ByStatus: map[string]int{
			models.StatusWaiting:   0,
			models.StatusCalled:    0,
			models.StatusCompleted: 0,
			models.StatusNoShow:    0,
		},
	}
	window := sq.And{
		sq.Eq{"branch_id": branchID},
		sq.GtOrEq{"created_at": from},
		sq.Lt{"created_at": to},
	}

	query, args, err := psql.Select("status", "COUNT(*)").From("tickets").Where(window).GroupBy("status").ToSql()
	if err != nil {
		return models.DailyMetrics{}, s.classify("daily_metrics", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return models.DailyMetrics{}, s.classify("daily_metrics", err)
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return models.DailyMetrics{}, s.classify("daily_metrics", err)
		}
		metrics.ByStatus[status] = count
		metrics.Total += count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return models.DailyMetrics{}, s.classify("daily_metrics", err)
	}

	query, args, err = psql.Select(
		"COALESCE(AVG(EXTRACT(EPOCH FROM (called_at - created_at))) FILTER (WHERE called_at IS NOT NULL), 0)::float8",
		"COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - called_at))) FILTER (WHERE status = 'COMPLETED' AND called_at IS NOT NULL), 0)::float8",
	).From("tickets").Where(window).ToSql()
	if err != nil {
		return models.DailyMetrics{}, s.classify("daily_metrics", err)
	}
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&metrics.AvgWaitSeconds, &metrics.AvgServiceSeconds); err != nil {
		return models.DailyMetrics{}, s.classify("daily_metrics", err)
	}
	return metrics, nil
}
