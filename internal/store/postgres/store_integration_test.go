package postgres

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/migrations"
	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/models"
	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/store"
)

func setupTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		t.Skip("TEST_DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	require.NoError(t, execOnce(ctx, dsn, "CREATE SCHEMA "+schema))

	cfg, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	cfg.ConnConfig.RuntimeParams["lock_timeout"] = "2000"
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		pool.Close()
		_ = execOnce(context.Background(), dsn, "DROP SCHEMA "+schema+" CASCADE")
	})

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	require.NoError(t, migrations.Up(ctx, db))

	return NewStore(pool, Options{Location: time.UTC}), pool
}

func execOnce(ctx context.Context, dsn, statement string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, statement)
	return err
}

// withRetry replays fn while it fails with a retryable conflict.
func withRetry[T any](t *testing.T, fn func() (T, error)) (T, error) {
	t.Helper()
	var (
		value T
		err   error
	)
	for attempt := 0; attempt < 10; attempt++ {
		value, err = fn()
		if !store.IsRetryable(err) {
			return value, err
		}
		time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
	}
	return value, err
}

func createTicket(t *testing.T, ctx context.Context, st *Store, branchID, ticketType string, createdAt time.Time) models.Ticket {
	t.Helper()
	ticket, err := st.CreateTicket(ctx, store.CreateTicketInput{
		BranchID:  branchID,
		Identity:  store.AnonymousIdentity,
		Type:      ticketType,
		CreatedAt: createdAt,
	})
	require.NoError(t, err)
	return ticket
}

func seedTerminal(t *testing.T, ctx context.Context, pool *pgxpool.Pool, terminalID string, users ...string) {
	t.Helper()
	for _, userID := range users {
		_, err := pool.Exec(ctx, `INSERT INTO users (user_id, full_name, role, branch_id) VALUES ($1, $2, 'CASHIER', 'b1')`, userID, "Cashier "+userID)
		require.NoError(t, err)
	}
	_, err := pool.Exec(ctx, `INSERT INTO terminals (terminal_id, branch_id, name) VALUES ($1, 'b1', $2)`, terminalID, "Caja "+terminalID)
	require.NoError(t, err)
}

func openShift(t *testing.T, ctx context.Context, st *Store, terminalID, userID, opening string) models.CashSession {
	t.Helper()
	session, err := st.OpenShift(ctx, store.OpenShiftInput{
		TerminalID:    terminalID,
		ActorID:       userID,
		ActorName:     "Cashier " + userID,
		OpeningAmount: decimal.RequireFromString(opening),
	})
	require.NoError(t, err)
	return session
}

func TestCreateTicketNumbersPerBranchDay(t *testing.T) {
	ctx := context.Background()
	st, _ := setupTestStore(t, ctx)
	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	first := createTicket(t, ctx, st, "b1", models.TicketGeneral, base)
	second := createTicket(t, ctx, st, "b1", models.TicketPreferential, base.Add(time.Minute))
	other := createTicket(t, ctx, st, "b2", models.TicketGeneral, base)
	nextDay := createTicket(t, ctx, st, "b1", models.TicketGeneral, base.AddDate(0, 0, 1))

	assert.Equal(t, "G001", first.Code)
	assert.Equal(t, "P002", second.Code)
	assert.Equal(t, "G001", other.Code)
	assert.Equal(t, "G001", nextDay.Code)
	assert.Equal(t, models.StatusWaiting, first.Status)
}

func TestCreateTicketUpsertsCustomer(t *testing.T) {
	ctx := context.Background()
	st, pool := setupTestStore(t, ctx)

	for _, name := range []string{"Ana", ""} {
		_, err := st.CreateTicket(ctx, store.CreateTicketInput{BranchID: "b1", Identity: "12345678-5", Type: models.TicketGeneral, Name: name})
		require.NoError(t, err)
	}
	var count int
	var fullName string
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*), MAX(full_name) FROM customers WHERE rut = '12345678-5'`).Scan(&count, &fullName))
	assert.Equal(t, 1, count)
	assert.Equal(t, "Ana", fullName)
}

func TestDispatchPrefersPreferentialThenArrival(t *testing.T) {
	ctx := context.Background()
	st, _ := setupTestStore(t, ctx)
	base := time.Now().UTC().Add(-time.Hour)

	g1 := createTicket(t, ctx, st, "b1", models.TicketGeneral, base)
	g2 := createTicket(t, ctx, st, "b1", models.TicketGeneral, base.Add(time.Minute))
	p1 := createTicket(t, ctx, st, "b1", models.TicketPreferential, base.Add(2*time.Minute))

	var order []string
	for _, agent := range []string{"a1", "a2", "a3"} {
		result, err := st.DispatchNext(ctx, store.DispatchInput{BranchID: "b1", AgentID: agent})
		require.NoError(t, err)
		require.NotNil(t, result.Ticket)
		order = append(order, result.Ticket.TicketID)
	}
	assert.Equal(t, []string{p1.TicketID, g1.TicketID, g2.TicketID}, order)

	result, err := st.DispatchNext(ctx, store.DispatchInput{BranchID: "b1", AgentID: "a4"})
	require.NoError(t, err)
	assert.Nil(t, result.Ticket)
}

func TestDispatchConcurrencyHandsOutDistinctTickets(t *testing.T) {
	ctx := context.Background()
	st, _ := setupTestStore(t, ctx)
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 4; i++ {
		createTicket(t, ctx, st, "b1", models.TicketGeneral, base.Add(time.Duration(i)*time.Second))
	}

	agents := []string{"a1", "a2", "a3", "a4", "a5", "a6"}
	var wg sync.WaitGroup
	results := make(chan store.DispatchResult, len(agents))
	errs := make(chan error, len(agents))
	for _, agent := range agents {
		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()
			result, err := withRetry(t, func() (store.DispatchResult, error) {
				return st.DispatchNext(ctx, store.DispatchInput{BranchID: "b1", AgentID: agentID})
			})
			if err != nil {
				errs <- err
				return
			}
			results <- result
		}(agent)
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("dispatch error: %v", err)
	}
	seen := map[string]string{}
	empty := 0
	for result := range results {
		if result.Ticket == nil {
			empty++
			continue
		}
		holder, dup := seen[result.Ticket.TicketID]
		require.False(t, dup, "ticket %s handed to %s and %s", result.Ticket.TicketID, holder, *result.Ticket.CalledBy)
		seen[result.Ticket.TicketID] = *result.Ticket.CalledBy
	}
	assert.Equal(t, len(agents), len(seen)+empty)
	assert.LessOrEqual(t, len(seen), 4)

	status, err := st.QueueStatus(ctx, "b1")
	require.NoError(t, err)
	assert.Len(t, status.Called, len(seen))
	assert.Equal(t, 4, len(status.Called)+len(status.Waiting))
}

func TestDispatchRecoversOutstandingTicket(t *testing.T) {
	ctx := context.Background()
	st, _ := setupTestStore(t, ctx)
	base := time.Now().UTC().Add(-time.Hour)
	createTicket(t, ctx, st, "b1", models.TicketGeneral, base)
	createTicket(t, ctx, st, "b1", models.TicketGeneral, base.Add(time.Minute))

	first, err := st.DispatchNext(ctx, store.DispatchInput{BranchID: "b1", AgentID: "a1", TerminalID: "M1"})
	require.NoError(t, err)
	require.NotNil(t, first.Ticket)
	assert.False(t, first.Recovered)

	again, err := st.DispatchNext(ctx, store.DispatchInput{BranchID: "b1", AgentID: "a1", TerminalID: "M1"})
	require.NoError(t, err)
	require.NotNil(t, again.Ticket)
	assert.True(t, again.Recovered)
	assert.Equal(t, first.Ticket.TicketID, again.Ticket.TicketID)

	status, err := st.QueueStatus(ctx, "b1")
	require.NoError(t, err)
	assert.Len(t, status.Called, 1)
	assert.Len(t, status.Waiting, 1)
}

func TestCompleteAndDispatchNext(t *testing.T) {
	ctx := context.Background()
	st, _ := setupTestStore(t, ctx)
	base := time.Now().UTC().Add(-time.Hour)
	createTicket(t, ctx, st, "b1", models.TicketGeneral, base)
	second := createTicket(t, ctx, st, "b1", models.TicketGeneral, base.Add(time.Minute))

	first, err := st.DispatchNext(ctx, store.DispatchInput{BranchID: "b1", AgentID: "a1"})
	require.NoError(t, err)

	result, err := st.CompleteAndDispatchNext(ctx, store.CompleteAndDispatchInput{TicketID: first.Ticket.TicketID, BranchID: "b1", AgentID: "a1"})
	require.NoError(t, err)
	require.NotNil(t, result.Completed)
	require.NotNil(t, result.Next)
	assert.Equal(t, models.StatusCompleted, result.Completed.Status)
	assert.Equal(t, second.TicketID, result.Next.TicketID)
	assert.False(t, result.Recovered)

	_, err = st.CompleteAndDispatchNext(ctx, store.CompleteAndDispatchInput{TicketID: second.TicketID, BranchID: "b1", AgentID: "a2"})
	assert.True(t, errors.Is(err, store.ErrOwnerMismatch))

	final, err := st.CompleteAndDispatchNext(ctx, store.CompleteAndDispatchInput{TicketID: uuid.NewString(), BranchID: "b1", AgentID: "a1"})
	require.NoError(t, err)
	assert.Nil(t, final.Completed)
	require.NotNil(t, final.Next)
	assert.True(t, final.Recovered)
}

func TestCompleteOwnershipAndIdempotence(t *testing.T) {
	ctx := context.Background()
	st, _ := setupTestStore(t, ctx)
	createTicket(t, ctx, st, "b1", models.TicketGeneral, time.Now().UTC().Add(-time.Minute))

	called, err := st.DispatchNext(ctx, store.DispatchInput{BranchID: "b1", AgentID: "a1"})
	require.NoError(t, err)
	ticketID := called.Ticket.TicketID

	_, err = st.Complete(ctx, store.TicketActionInput{TicketID: ticketID, AgentID: "a2"})
	assert.True(t, errors.Is(err, store.ErrOwnerMismatch))

	done, err := st.Complete(ctx, store.TicketActionInput{TicketID: ticketID, AgentID: "a1"})
	require.NoError(t, err)
	assert.True(t, done.Changed)
	assert.Equal(t, models.StatusCompleted, done.Ticket.Status)

	again, err := st.Complete(ctx, store.TicketActionInput{TicketID: ticketID, AgentID: "a1"})
	require.NoError(t, err)
	assert.False(t, again.Changed)

	_, err = st.Complete(ctx, store.TicketActionInput{TicketID: ticketID, AgentID: "a2"})
	assert.True(t, errors.Is(err, store.ErrInvalidState))

	_, err = st.Complete(ctx, store.TicketActionInput{TicketID: uuid.NewString(), AgentID: "a1"})
	assert.True(t, errors.Is(err, store.ErrTicketNotFound))
}

func TestRecallAndCancel(t *testing.T) {
	ctx := context.Background()
	st, _ := setupTestStore(t, ctx)
	waiting := createTicket(t, ctx, st, "b1", models.TicketGeneral, time.Now().UTC().Add(-time.Hour))
	createTicket(t, ctx, st, "b1", models.TicketGeneral, time.Now().UTC().Add(-time.Minute))

	_, err := st.Recall(ctx, store.TicketActionInput{TicketID: waiting.TicketID, AgentID: "a1"})
	assert.True(t, errors.Is(err, store.ErrTicketNotFound))

	called, err := st.DispatchNext(ctx, store.DispatchInput{BranchID: "b1", AgentID: "a1"})
	require.NoError(t, err)

	_, err = st.Recall(ctx, store.TicketActionInput{TicketID: called.Ticket.TicketID, AgentID: "a2"})
	assert.True(t, errors.Is(err, store.ErrOwnerMismatch))

	recalled, err := st.Recall(ctx, store.TicketActionInput{TicketID: called.Ticket.TicketID, AgentID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCalled, recalled.Status)
	assert.False(t, recalled.CalledAt.Before(*called.Ticket.CalledAt))

	cancelled, err := st.Cancel(ctx, store.TicketActionInput{TicketID: called.Ticket.TicketID, Reason: "customer left"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusNoShow, cancelled.Status)
	assert.Equal(t, "customer left", cancelled.CancelReason)

	_, err = st.Cancel(ctx, store.TicketActionInput{TicketID: called.Ticket.TicketID, Reason: "again please"})
	assert.True(t, errors.Is(err, store.ErrTicketNotFound))

	trail, err := st.AuditTrail(ctx, store.EntityTicket, called.Ticket.TicketID)
	require.NoError(t, err)
	var actions []string
	for _, entry := range trail {
		actions = append(actions, entry.Action)
	}
	assert.Equal(t, []string{store.ActionTicketCreated, store.ActionTicketCalled, store.ActionTicketRecalled, store.ActionTicketCancelled}, actions)
	assert.Equal(t, "SYSTEM", trail[3].ActorID)
	assert.True(t, store.VerifyAuditChain(trail))
}

func TestTicketActionsStayInAgentBranch(t *testing.T) {
	ctx := context.Background()
	st, _ := setupTestStore(t, ctx)
	createTicket(t, ctx, st, "b-b", models.TicketGeneral, time.Now().UTC().Add(-time.Minute))
	waiting := createTicket(t, ctx, st, "b-b", models.TicketGeneral, time.Now().UTC())

	called, err := st.DispatchNext(ctx, store.DispatchInput{BranchID: "b-b", AgentID: "a1"})
	require.NoError(t, err)

	_, err = st.Cancel(ctx, store.TicketActionInput{TicketID: waiting.TicketID, AgentID: "a9", BranchID: "b-a", Reason: "customer left"})
	assert.True(t, errors.Is(err, store.ErrForbidden))
	_, err = st.Recall(ctx, store.TicketActionInput{TicketID: called.Ticket.TicketID, AgentID: "a1", BranchID: "b-a"})
	assert.True(t, errors.Is(err, store.ErrForbidden))
	_, err = st.Complete(ctx, store.TicketActionInput{TicketID: called.Ticket.TicketID, AgentID: "a1", BranchID: "b-a"})
	assert.True(t, errors.Is(err, store.ErrForbidden))
	_, err = st.CompleteAndDispatchNext(ctx, store.CompleteAndDispatchInput{TicketID: called.Ticket.TicketID, BranchID: "b-a", AgentID: "a1"})
	assert.True(t, errors.Is(err, store.ErrForbidden))

	status, err := st.QueueStatus(ctx, "b-b")
	require.NoError(t, err)
	require.Len(t, status.Waiting, 1)
	assert.Equal(t, waiting.TicketID, status.Waiting[0].TicketID)
	require.Len(t, status.Called, 1)

	cancelled, err := st.Cancel(ctx, store.TicketActionInput{TicketID: waiting.TicketID, AgentID: "a2", BranchID: "b-b", Reason: "customer left"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusNoShow, cancelled.Status)
}

func TestResetQueueAndMetrics(t *testing.T) {
	ctx := context.Background()
	st, _ := setupTestStore(t, ctx)
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	createTicket(t, ctx, st, "b1", models.TicketGeneral, day.Add(9*time.Hour))
	createTicket(t, ctx, st, "b1", models.TicketGeneral, day.Add(10*time.Hour))
	createTicket(t, ctx, st, "b1", models.TicketPreferential, day.Add(11*time.Hour))

	called, err := st.DispatchNext(ctx, store.DispatchInput{BranchID: "b1", AgentID: "a1", CalledAt: day.Add(11*time.Hour + 10*time.Minute)})
	require.NoError(t, err)
	_, err = st.Complete(ctx, store.TicketActionInput{TicketID: called.Ticket.TicketID, AgentID: "a1", OccurredAt: day.Add(11*time.Hour + 15*time.Minute)})
	require.NoError(t, err)

	affected, err := st.ResetQueue(ctx, "b1", "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), affected)

	metrics, err := st.DailyMetrics(ctx, "b1", day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 3, metrics.Total)
	assert.Equal(t, 1, metrics.ByStatus[models.StatusCompleted])
	assert.Equal(t, 2, metrics.ByStatus[models.StatusNoShow])
	assert.InDelta(t, 600.0, metrics.AvgWaitSeconds, 0.001)
	assert.InDelta(t, 300.0, metrics.AvgServiceSeconds, 0.001)

	trail, err := st.AuditTrail(ctx, store.EntityBranchQueue, "b1")
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, "m1", trail[0].ActorID)
}

// seedSessionFlows records 120000 in cash sales, 80000 by debit, 10000 cash
// in and 5000 cash out. With a 50000 opening the drawer should hold 175000.
func seedSessionFlows(t *testing.T, ctx context.Context, pool *pgxpool.Pool, sessionID string) {
	t.Helper()
	for _, sale := range []struct {
		method string
		total  string
	}{{models.PaymentCash, "70000"}, {models.PaymentCash, "50000"}, {"DEBIT", "80000"}} {
		_, err := pool.Exec(ctx, `INSERT INTO sales (sale_id, session_id, payment_method, total) VALUES ($1, $2, $3, $4::numeric)`,
			uuid.NewString(), sessionID, sale.method, sale.total)
		require.NoError(t, err)
	}
	_, err := pool.Exec(ctx, `INSERT INTO cash_movements (movement_id, session_id, direction, reason, amount) VALUES ($1, $2, 'IN', 'CHANGE', 10000), ($3, $2, 'OUT', 'SUPPLIES', 5000)`,
		uuid.NewString(), sessionID, uuid.NewString())
	require.NoError(t, err)
}

func TestSessionTotalsArithmetic(t *testing.T) {
	ctx := context.Background()
	st, pool := setupTestStore(t, ctx)
	seedTerminal(t, ctx, pool, "T1", "u1")

	_, err := st.SessionTotals(ctx, "T1")
	assert.True(t, errors.Is(err, store.ErrNoActiveShift))
	_, err = st.SessionTotals(ctx, "T9")
	assert.True(t, errors.Is(err, store.ErrTerminalNotFound))

	session := openShift(t, ctx, st, "T1", "u1", "50000")
	seedSessionFlows(t, ctx, pool, session.SessionID)

	totals, err := st.SessionTotals(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, "120000", totals.CashSales().String())
	assert.Equal(t, "10000", totals.CashIn.String())
	assert.Equal(t, "5000", totals.CashOut.String())
	assert.Equal(t, "50000", totals.Session.OpeningAmount.String())
}

func TestExecuteHandoverClosesSessionAndRemits(t *testing.T) {
	ctx := context.Background()
	st, pool := setupTestStore(t, ctx)
	seedTerminal(t, ctx, pool, "T1", "u1", "u2")
	session := openShift(t, ctx, st, "T1", "u1", "50000")
	seedSessionFlows(t, ctx, pool, session.SessionID)

	_, err := st.ExecuteHandover(ctx, store.ExecuteHandoverInput{TerminalID: "T1", ActorID: "u2", DeclaredCash: decimal.NewFromInt(1)})
	assert.True(t, errors.Is(err, store.ErrOwnerMismatch))

	expected := decimal.NewFromInt(175000)
	result, err := st.ExecuteHandover(ctx, store.ExecuteHandoverInput{
		TerminalID:       "T1",
		ActorID:          "u1",
		ActorName:        "Cashier u1",
		DeclaredCash:     decimal.NewFromInt(174000),
		ExpectedCash:     &expected,
		AmountToWithdraw: decimal.NewFromInt(124000),
		AmountToKeep:     decimal.NewFromInt(50000),
	})
	require.NoError(t, err)
	assert.Equal(t, session.SessionID, result.SessionID)
	assert.Equal(t, "-1000", result.Diff.String())
	require.NotNil(t, result.Remittance)
	assert.Equal(t, models.RemittancePendingReceipt, result.Remittance.Status)

	var recordedDiff decimal.Decimal
	require.NoError(t, pool.QueryRow(ctx, `SELECT cash_count_diff FROM treasury_remittances WHERE session_id = $1`, session.SessionID).Scan(&recordedDiff))
	assert.Equal(t, "-1000", recordedDiff.String())

	var status string
	var closing decimal.Decimal
	require.NoError(t, pool.QueryRow(ctx, `SELECT status, closing_amount FROM cash_register_sessions WHERE session_id = $1`, session.SessionID).Scan(&status, &closing))
	assert.Equal(t, models.SessionClosed, status)
	assert.Equal(t, "174000", closing.String())

	var cashier *string
	var terminalStatus string
	require.NoError(t, pool.QueryRow(ctx, `SELECT status, current_cashier_id FROM terminals WHERE terminal_id = 'T1'`).Scan(&terminalStatus, &cashier))
	assert.Equal(t, models.TerminalClosed, terminalStatus)
	assert.Nil(t, cashier)

	_, err = st.ExecuteHandover(ctx, store.ExecuteHandoverInput{TerminalID: "T1", ActorID: "u1", DeclaredCash: decimal.NewFromInt(1)})
	assert.True(t, errors.Is(err, store.ErrNoActiveShift))

	trail, err := st.AuditTrail(ctx, store.EntityCashSession, session.SessionID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, store.ActionCashHandover, trail[1].Action)
	assert.Contains(t, string(trail[1].Before), `"OPEN"`)
	assert.Contains(t, string(trail[1].After), `"CLOSED"`)
	assert.True(t, store.VerifyAuditChain(trail))
}

func TestExecuteHandoverRecomputesExpectedCash(t *testing.T) {
	ctx := context.Background()
	st, pool := setupTestStore(t, ctx)
	seedTerminal(t, ctx, pool, "T1", "u1")
	session := openShift(t, ctx, st, "T1", "u1", "50000")
	seedSessionFlows(t, ctx, pool, session.SessionID)

	forged := decimal.NewFromInt(-999999)
	_, err := st.ExecuteHandover(ctx, store.ExecuteHandoverInput{
		TerminalID:       "T1",
		ActorID:          "u1",
		DeclaredCash:     decimal.NewFromInt(80000),
		ExpectedCash:     &forged,
		AmountToWithdraw: decimal.NewFromInt(30000),
		AmountToKeep:     decimal.NewFromInt(50000),
	})
	assert.True(t, errors.Is(err, store.ErrExpectedMismatch))
	assert.Contains(t, err.Error(), "175000.00")

	var status string
	require.NoError(t, pool.QueryRow(ctx, `SELECT status FROM cash_register_sessions WHERE session_id = $1`, session.SessionID).Scan(&status))
	assert.Equal(t, models.SessionOpen, status)

	result, err := st.ExecuteHandover(ctx, store.ExecuteHandoverInput{
		TerminalID:       "T1",
		ActorID:          "u1",
		DeclaredCash:     decimal.NewFromInt(80000),
		AmountToWithdraw: decimal.NewFromInt(30000),
		AmountToKeep:     decimal.NewFromInt(50000),
	})
	require.NoError(t, err)
	assert.Equal(t, "-95000", result.Diff.String())
	require.NotNil(t, result.Remittance)
	assert.Equal(t, "-95000", result.Remittance.CashCountDiff.String())

	trail, err := st.AuditTrail(ctx, store.EntityCashSession, session.SessionID)
	require.NoError(t, err)
	assert.Contains(t, string(trail[len(trail)-1].After), `"expected_cash":"175000"`)
}

func TestExecuteHandoverBelowFloatSkipsRemittance(t *testing.T) {
	ctx := context.Background()
	st, pool := setupTestStore(t, ctx)
	seedTerminal(t, ctx, pool, "T1", "u1")
	openShift(t, ctx, st, "T1", "u1", "20000")

	result, err := st.ExecuteHandover(ctx, store.ExecuteHandoverInput{
		TerminalID:   "T1",
		ActorID:      "u1",
		DeclaredCash: decimal.NewFromInt(30000),
		AmountToKeep: decimal.NewFromInt(30000),
	})
	require.NoError(t, err)
	assert.Nil(t, result.Remittance)
	assert.Equal(t, "10000", result.Diff.String())

	var remittances int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM treasury_remittances`).Scan(&remittances))
	assert.Zero(t, remittances)
}

func TestExecuteHandoverConflictsWithLockedTerminal(t *testing.T) {
	ctx := context.Background()
	st, pool := setupTestStore(t, ctx)
	seedTerminal(t, ctx, pool, "T1", "u1")
	openShift(t, ctx, st, "T1", "u1", "50000")

	holder, err := pool.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = holder.Rollback(ctx) }()
	_, err = holder.Exec(ctx, `SELECT 1 FROM terminals WHERE terminal_id = 'T1' FOR UPDATE`)
	require.NoError(t, err)

	_, err = st.ExecuteHandover(ctx, store.ExecuteHandoverInput{TerminalID: "T1", ActorID: "u1", DeclaredCash: decimal.NewFromInt(50000), AmountToKeep: decimal.NewFromInt(50000)})
	require.Error(t, err)
	assert.Equal(t, store.KindConflict, store.KindOf(err))
	assert.True(t, store.IsRetryable(err))
}

func TestConcurrentHandoversExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	st, pool := setupTestStore(t, ctx)
	seedTerminal(t, ctx, pool, "T1", "u1")
	openShift(t, ctx, st, "T1", "u1", "50000")

	const contenders = 5
	var wg sync.WaitGroup
	errs := make(chan error, contenders)
	start := make(chan struct{})
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := st.ExecuteHandover(ctx, store.ExecuteHandoverInput{
				TerminalID:       "T1",
				ActorID:          "u1",
				DeclaredCash:     decimal.NewFromInt(80000),
				AmountToWithdraw: decimal.NewFromInt(30000),
				AmountToKeep:     decimal.NewFromInt(50000),
			})
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
			continue
		}
		kind := store.KindOf(err)
		assert.True(t, kind == store.KindConflict || errors.Is(err, store.ErrNoActiveShift), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, wins)

	var open, closed, remittances int
	require.NoError(t, pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'OPEN'),
			COUNT(*) FILTER (WHERE status = 'CLOSED'),
			(SELECT COUNT(*) FROM treasury_remittances)
		FROM cash_register_sessions
	`).Scan(&open, &closed, &remittances))
	assert.Zero(t, open)
	assert.Equal(t, 1, closed)
	assert.Equal(t, 1, remittances)
}

func TestQuickHandoverMovesTerminal(t *testing.T) {
	ctx := context.Background()
	st, pool := setupTestStore(t, ctx)
	seedTerminal(t, ctx, pool, "T1", "u1", "u2")
	outgoing := openShift(t, ctx, st, "T1", "u1", "50000")

	result, err := st.QuickHandover(ctx, store.QuickHandoverInput{
		TerminalID:   "T1",
		OutgoingID:   "u1",
		IncomingID:   "u2",
		DeclaredCash: decimal.NewFromInt(92000),
	})
	require.NoError(t, err)
	assert.Equal(t, outgoing.SessionID, result.ClosedSessionID)
	assert.Equal(t, "u2", result.NewSession.UserID)
	assert.Equal(t, "92000", result.NewSession.OpeningAmount.String())

	totals, err := st.SessionTotals(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, result.NewSession.SessionID, totals.Session.SessionID)
	assert.True(t, totals.CashIn.IsZero())

	_, err = st.QuickHandover(ctx, store.QuickHandoverInput{TerminalID: "T1", OutgoingID: "u1", IncomingID: "u2", DeclaredCash: decimal.NewFromInt(1)})
	assert.True(t, errors.Is(err, store.ErrOwnerMismatch))
}

func TestOpenShiftRejectsSecondSession(t *testing.T) {
	ctx := context.Background()
	st, pool := setupTestStore(t, ctx)
	seedTerminal(t, ctx, pool, "T1", "u1", "u2")
	openShift(t, ctx, st, "T1", "u1", "50000")

	_, err := st.OpenShift(ctx, store.OpenShiftInput{TerminalID: "T1", ActorID: "u2", OpeningAmount: decimal.Zero})
	assert.True(t, errors.Is(err, store.ErrShiftAlreadyOpen))

	_, err = st.OpenShift(ctx, store.OpenShiftInput{TerminalID: "T404", ActorID: "u2", OpeningAmount: decimal.Zero})
	assert.True(t, errors.Is(err, store.ErrTerminalNotFound))
}

func TestNotificationOutboxLifecycle(t *testing.T) {
	ctx := context.Background()
	st, _ := setupTestStore(t, ctx)

	for _, role := range []string{"MANAGER", "ADMIN"} {
		require.NoError(t, st.EnqueueNotification(ctx, store.RoleNotification{Role: role, LocationScope: "b1", Title: "Pending remittance", Message: "m", Link: "/treasury/remittances/r1"}))
	}
	pending, err := st.ClaimPendingNotifications(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	again, err := st.ClaimPendingNotifications(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again, "claimed rows stay hidden until the lease runs out")

	require.NoError(t, st.MarkNotificationSent(ctx, pending[0].NotificationID))
	attempts, err := st.MarkNotificationRetry(ctx, pending[1].NotificationID, "timeout")
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	pending, err = st.ClaimPendingNotifications(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)

	require.NoError(t, st.MarkNotificationFailed(ctx, pending[0].NotificationID, "max attempts reached"))
	pending, err = st.ClaimPendingNotifications(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestConcurrentClaimsNeverShareRows(t *testing.T) {
	ctx := context.Background()
	st, _ := setupTestStore(t, ctx)
	for i := 0; i < 20; i++ {
		require.NoError(t, st.EnqueueNotification(ctx, store.RoleNotification{Role: "MANAGER", Title: "Pending remittance", Message: "m"}))
	}

	const workers = 4
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[string]int{}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := st.ClaimPendingNotifications(ctx, 5, time.Minute)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, n := range claimed {
				seen[n.NotificationID]++
			}
		}()
	}
	wg.Wait()

	for id, count := range seen {
		assert.Equal(t, 1, count, "notification %s claimed twice", id)
	}
}

func TestLoadCredentialHidesUnknownUsers(t *testing.T) {
	ctx := context.Background()
	st, pool := setupTestStore(t, ctx)
	_, err := pool.Exec(ctx, `INSERT INTO users (user_id, full_name, role, legacy_secret) VALUES ('u1', 'Ana', 'CASHIER', '1234')`)
	require.NoError(t, err)

	record, err := st.LoadCredential(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "1234", record.LegacySecret)
	assert.Empty(t, record.PasswordHash)

	_, err = st.LoadCredential(ctx, "ghost")
	assert.True(t, errors.Is(err, store.ErrInvalidCredentials))

	require.NoError(t, st.FlagCredentialRotation(ctx, "u1"))
	var flagged bool
	require.NoError(t, pool.QueryRow(ctx, `SELECT credential_rotation_required FROM users WHERE user_id = 'u1'`).Scan(&flagged))
	assert.True(t, flagged)
}

func TestStandaloneAuditAppendChains(t *testing.T) {
	ctx := context.Background()
	st, _ := setupTestStore(t, ctx)

	for i := 0; i < 3; i++ {
		st.Append(ctx, store.AuditRecord{ActorID: "SYSTEM", Action: store.ActionCredentialLockout, EntityType: store.EntityUser, EntityID: "u1", After: map[string]int{"attempt": i}})
	}
	trail, err := st.AuditTrail(ctx, store.EntityUser, "u1")
	require.NoError(t, err)
	require.Len(t, trail, 3)
	assert.Empty(t, trail[0].PrevHash)
	assert.Equal(t, trail[0].Hash, trail[1].PrevHash)
	assert.True(t, store.VerifyAuditChain(trail))

	trail[1].Justification = "tampered"
	assert.False(t, store.VerifyAuditChain(trail))
}
