package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/models"
	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/store"
)

const sessionColumns = "session_id::text, terminal_id, user_id, opening_amount, closing_amount, opened_at, closed_at, status"

func scanSession(row rowScanner) (models.CashSession, error) {
	var session models.CashSession
	var closing decimal.NullDecimal
	var closedAt sql.NullTime
	if err := row.Scan(&session.SessionID, &session.TerminalID, &session.UserID, &session.OpeningAmount, &closing, &session.OpenedAt, &closedAt, &session.Status); err != nil {
		return models.CashSession{}, err
	}
	session.OpenedAt = session.OpenedAt.UTC()
	if closing.Valid {
		session.ClosingAmount = &closing.Decimal
	}
	session.ClosedAt = nullTimePtr(closedAt)
	return session, nil
}

// lockTerminal takes the terminal row with NOWAIT; a concurrent holder
// surfaces as lock_not_available and is classified as a conflict.
func lockTerminal(ctx context.Context, tx pgx.Tx, terminalID string) (models.Terminal, error) {
	var terminal models.Terminal
	var cashier sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT terminal_id, branch_id, name, status, current_cashier_id
		FROM terminals
		WHERE terminal_id = $1
		FOR UPDATE NOWAIT
	`, terminalID)
	if err := row.Scan(&terminal.TerminalID, &terminal.BranchID, &terminal.Name, &terminal.Status, &cashier); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Terminal{}, store.ErrTerminalNotFound
		}
		return models.Terminal{}, err
	}
	terminal.CurrentCashierID = nullStringPtr(cashier)
	return terminal, nil
}

func lockOpenSession(ctx context.Context, tx pgx.Tx, terminalID string) (models.CashSession, error) {
	session, err := scanSession(tx.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM cash_register_sessions
		WHERE terminal_id = $1 AND status = 'OPEN'
		FOR UPDATE NOWAIT
	`, terminalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CashSession{}, store.ErrNoActiveShift
	}
	return session, err
}

func requireHolder(terminal models.Terminal, actorID string) error {
	if terminal.CurrentCashierID != nil && *terminal.CurrentCashierID != actorID {
		return store.ErrOwnerMismatch.WithMessage("terminal %s is assigned to another cashier", terminal.Name)
	}
	return nil
}

func closeSession(ctx context.Context, tx pgx.Tx, sessionID string, closing decimal.Decimal, closedAt time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE cash_register_sessions
		SET status = 'CLOSED',
			closing_amount = $2::numeric,
			closed_at = $3
		WHERE session_id = $1
	`, sessionID, closing.String(), closedAt)
	return err
}

func openSession(ctx context.Context, tx pgx.Tx, terminalID, userID string, opening decimal.Decimal, openedAt time.Time) (models.CashSession, error) {
	session, err := scanSession(tx.QueryRow(ctx, `
		INSERT INTO cash_register_sessions (session_id, terminal_id, user_id, opening_amount, opened_at, status)
		VALUES ($1, $2, $3, $4::numeric, $5, 'OPEN')
		RETURNING `+sessionColumns,
		uuid.NewString(), terminalID, userID, opening.String(), openedAt,
	))
	if err != nil {
		return models.CashSession{}, err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO cash_movements (movement_id, session_id, direction, reason, amount, created_by, created_at)
		VALUES ($1, $2, 'IN', 'OPENING', $3::numeric, $4, $5)
	`, uuid.NewString(), session.SessionID, opening.String(), userID, openedAt)
	if err != nil {
		return models.CashSession{}, err
	}
	return session, nil
}

func assignTerminal(ctx context.Context, tx pgx.Tx, terminalID string, cashierID *string) error {
	status := models.TerminalClosed
	var cashier interface{}
	if cashierID != nil {
		status = models.TerminalOpen
		cashier = *cashierID
	}
	_, err := tx.Exec(ctx, `
		UPDATE terminals
		SET current_cashier_id = $2,
			status = $3
		WHERE terminal_id = $1
	`, terminalID, cashier, status)
	return err
}

func defaultRemittanceNote(terminal models.Terminal, input store.ExecuteHandoverInput, diff decimal.Decimal) string {
	return fmt.Sprintf("Handover of %s: withdrawn %s, kept %s, difference %s",
		terminal.Name, input.AmountToWithdraw.StringFixed(2), input.AmountToKeep.StringFixed(2), diff.StringFixed(2))
}

func (s *Store) ExecuteHandover(ctx context.Context, input store.ExecuteHandoverInput) (models.HandoverResult, error) {
	closedAt := input.ClosedAt
	if closedAt.IsZero() {
		closedAt = s.now()
	}

	var result models.HandoverResult
	err := s.serializable(ctx, "execute_handover", func(tx pgx.Tx) error {
		terminal, err := lockTerminal(ctx, tx, input.TerminalID)
		if err != nil {
			return err
		}
		if err := requireHolder(terminal, input.ActorID); err != nil {
			return err
		}
		session, err := lockOpenSession(ctx, tx, input.TerminalID)
		if err != nil {
			return err
		}
		totals, err := sessionFlows(ctx, tx, session)
		if err != nil {
			return err
		}
		expected := totals.ExpectedCash()
		if input.ExpectedCash != nil && !input.ExpectedCash.Equal(expected) {
			return store.ErrExpectedMismatch.WithMessage(
				"expected cash for this session is %s, not %s", expected.StringFixed(2), input.ExpectedCash.StringFixed(2))
		}
		diff := input.DeclaredCash.Sub(expected)

		result = models.HandoverResult{
			SessionID:   session.SessionID,
			TerminalID:  terminal.TerminalID,
			ClosedAt:    closedAt,
			ClosingCash: input.DeclaredCash,
			Diff:        diff,
			ActorName:   input.ActorName,
		}

		if input.AmountToWithdraw.IsPositive() {
			notes := input.Notes
			if notes == "" {
				notes = defaultRemittanceNote(terminal, input, diff)
			}
			remittance := models.Remittance{
				RemittanceID:  uuid.NewString(),
				TerminalID:    terminal.TerminalID,
				SessionID:     session.SessionID,
				Amount:        input.AmountToWithdraw,
				Status:        models.RemittancePendingReceipt,
				ShiftStart:    session.OpenedAt,
				ShiftEnd:      closedAt,
				CashCountDiff: diff,
				Notes:         notes,
				CreatedBy:     input.ActorID,
				CreatedAt:     closedAt,
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO treasury_remittances (remittance_id, terminal_id, session_id, amount, status, shift_start, shift_end, cash_count_diff, notes, created_by, created_at)
				VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8::numeric, $9, $10, $11)
			`, remittance.RemittanceID, remittance.TerminalID, remittance.SessionID, remittance.Amount.String(), remittance.Status,
				remittance.ShiftStart, remittance.ShiftEnd, remittance.CashCountDiff.String(), remittance.Notes, remittance.CreatedBy, remittance.CreatedAt); err != nil {
				return err
			}
			result.Remittance = &remittance
		}

		if err := closeSession(ctx, tx, session.SessionID, input.DeclaredCash, closedAt); err != nil {
			return err
		}
		if err := assignTerminal(ctx, tx, terminal.TerminalID, nil); err != nil {
			return err
		}

		after := map[string]interface{}{
			"status":             models.SessionClosed,
			"closing_amount":     input.DeclaredCash,
			"expected_cash":      expected,
			"diff":               diff,
			"amount_to_withdraw": input.AmountToWithdraw,
			"amount_to_keep":     input.AmountToKeep,
			"actor_name":         input.ActorName,
			"next_actor_id":      input.NextActorID,
		}
		if result.Remittance != nil {
			after["remittance_id"] = result.Remittance.RemittanceID
		}
		s.appendAuditTx(ctx, tx, store.AuditRecord{
			ActorID:    input.ActorID,
			Action:     store.ActionCashHandover,
			EntityType: store.EntityCashSession,
			EntityID:   session.SessionID,
			Before: map[string]interface{}{
				"status":         session.Status,
				"opening_amount": session.OpeningAmount,
				"user_id":        session.UserID,
				"terminal_id":    terminal.TerminalID,
			},
			After:         after,
			Justification: input.Notes,
		})
		return nil
	})
	if err != nil {
		return models.HandoverResult{}, err
	}
	return result, nil
}

func (s *Store) QuickHandover(ctx context.Context, input store.QuickHandoverInput) (models.QuickHandoverResult, error) {
	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.now()
	}

	var result models.QuickHandoverResult
	err := s.serializable(ctx, "quick_handover", func(tx pgx.Tx) error {
		terminal, err := lockTerminal(ctx, tx, input.TerminalID)
		if err != nil {
			return err
		}
		if err := requireHolder(terminal, input.OutgoingID); err != nil {
			return err
		}
		outgoing, err := lockOpenSession(ctx, tx, input.TerminalID)
		if err != nil {
			return err
		}

		if err := closeSession(ctx, tx, outgoing.SessionID, input.DeclaredCash, occurredAt); err != nil {
			return err
		}
		incoming, err := openSession(ctx, tx, terminal.TerminalID, input.IncomingID, input.DeclaredCash, occurredAt)
		if err != nil {
			return err
		}
		if err := assignTerminal(ctx, tx, terminal.TerminalID, &input.IncomingID); err != nil {
			return err
		}

		result = models.QuickHandoverResult{
			ClosedSessionID: outgoing.SessionID,
			NewSession:      incoming,
			TerminalID:      terminal.TerminalID,
			OutgoingUserID:  input.OutgoingID,
			IncomingUserID:  input.IncomingID,
			DeclaredCash:    input.DeclaredCash,
		}

		s.appendAuditTx(ctx, tx, store.AuditRecord{
			ActorID:    input.OutgoingID,
			Action:     store.ActionCashQuickHandover,
			EntityType: store.EntityCashSession,
			EntityID:   outgoing.SessionID,
			Before: map[string]interface{}{
				"status":         outgoing.Status,
				"opening_amount": outgoing.OpeningAmount,
				"user_id":        outgoing.UserID,
			},
			After: map[string]interface{}{
				"status":         models.SessionClosed,
				"closing_amount": input.DeclaredCash,
				"outgoing_user":  input.OutgoingID,
				"outgoing_name":  input.OutgoingName,
				"incoming_user":  input.IncomingID,
				"incoming_name":  input.IncomingName,
				"new_session_id": incoming.SessionID,
			},
			Justification: input.Notes,
		})
		return nil
	})
	if err != nil {
		return models.QuickHandoverResult{}, err
	}
	return result, nil
}

func (s *Store) OpenShift(ctx context.Context, input store.OpenShiftInput) (models.CashSession, error) {
	openedAt := input.OpenedAt
	if openedAt.IsZero() {
		openedAt = s.now()
	}

	var session models.CashSession
	err := s.serializable(ctx, "open_shift", func(tx pgx.Tx) error {
		terminal, err := lockTerminal(ctx, tx, input.TerminalID)
		if err != nil {
			return err
		}
		if terminal.CurrentCashierID != nil {
			return store.ErrShiftAlreadyOpen.WithMessage("terminal %s is already assigned", terminal.Name)
		}
		var open bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM cash_register_sessions WHERE terminal_id = $1 AND status = 'OPEN')
		`, terminal.TerminalID).Scan(&open); err != nil {
			return err
		}
		if open {
			return store.ErrShiftAlreadyOpen
		}

		session, err = openSession(ctx, tx, terminal.TerminalID, input.ActorID, input.OpeningAmount, openedAt)
		if err != nil {
			return err
		}
		if err := assignTerminal(ctx, tx, terminal.TerminalID, &input.ActorID); err != nil {
			return err
		}

		s.appendAuditTx(ctx, tx, store.AuditRecord{
			ActorID:    input.ActorID,
			Action:     store.ActionCashShiftOpened,
			EntityType: store.EntityCashSession,
			EntityID:   session.SessionID,
			After: map[string]interface{}{
				"status":         session.Status,
				"opening_amount": session.OpeningAmount,
				"terminal_id":    terminal.TerminalID,
				"actor_name":     input.ActorName,
			},
		})
		return nil
	})
	if err != nil {
		return models.CashSession{}, err
	}
	return session, nil
}

// SessionTotals reads the open session of a terminal with its sales and
// cash movement sums. It takes no locks.
func (s *Store) SessionTotals(ctx context.Context, terminalID string) (models.SessionTotals, error) {
	session, err := scanSession(s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM cash_register_sessions
		WHERE terminal_id = $1 AND status = 'OPEN'
	`, terminalID))
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM terminals WHERE terminal_id = $1)`, terminalID).Scan(&exists); err != nil {
			return models.SessionTotals{}, s.classify("session_totals", err)
		}
		if !exists {
			return models.SessionTotals{}, store.ErrTerminalNotFound
		}
		return models.SessionTotals{}, store.ErrNoActiveShift
	}
	if err != nil {
		return models.SessionTotals{}, s.classify("session_totals", err)
	}
	totals, err := sessionFlows(ctx, s.pool, session)
	if err != nil {
		return models.SessionTotals{}, s.classify("session_totals", err)
	}
	return totals, nil
}

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// sessionFlows sums a session's sales per payment method and its cash
// movements, leaving out the OPENING movement.
func sessionFlows(ctx context.Context, q querier, session models.CashSession) (models.SessionTotals, error) {
	totals := models.SessionTotals{
		Session:       session,
		SalesByMethod: map[string]decimal.Decimal{},
		CashIn:        decimal.Zero,
		CashOut:       decimal.Zero,
	}

	query, args, err := psql.Select("payment_method", "COALESCE(SUM(total), 0)").
		From("sales").
		Where(sq.Eq{"session_id": session.SessionID}).
		GroupBy("payment_method").
		ToSql()
	if err != nil {
		return models.SessionTotals{}, err
	}
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return models.SessionTotals{}, err
	}
	for rows.Next() {
		var method string
		var amount decimal.Decimal
		if err := rows.Scan(&method, &amount); err != nil {
			rows.Close()
			return models.SessionTotals{}, err
		}
		totals.SalesByMethod[method] = amount
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return models.SessionTotals{}, err
	}

	query, args, err = psql.Select(
		"COALESCE(SUM(amount) FILTER (WHERE direction = 'IN' AND reason <> 'OPENING'), 0)",
		"COALESCE(SUM(amount) FILTER (WHERE direction = 'OUT'), 0)",
	).From("cash_movements").Where(sq.Eq{"session_id": session.SessionID}).ToSql()
	if err != nil {
		return models.SessionTotals{}, err
	}
	if err := q.QueryRow(ctx, query, args...).Scan(&totals.CashIn, &totals.CashOut); err != nil {
		return models.SessionTotals{}, err
	}
	return totals, nil
}
