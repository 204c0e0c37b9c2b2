package queue

import (
	"context"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/models"
	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/store"
	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/validation"
)

// Counter is the shared issuance counter. *limiter.Counter satisfies it.
type Counter interface {
	Incr(ctx context.Context, name string, window time.Duration) (int64, error)
	Decr(ctx context.Context, name string) error
}

type Config struct {
	DailyCap              int
	CancelReasonMinLength int
	AdminRoles            []string
	Location              *time.Location
}

// Engine is the ticket queue dispatch engine. Every mutating call maps to
// one store transaction.
type Engine struct {
	store     store.TicketStore
	issuance  Counter
	logger    *zap.Logger
	validate  *validator.Validate
	tracer    trace.Tracer
	dailyCap  int
	minReason int
	admins    map[string]bool
	location  *time.Location
	now       func() time.Time
}

func New(ticketStore store.TicketStore, issuance Counter, logger *zap.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	minReason := cfg.CancelReasonMinLength
	if minReason <= 0 {
		minReason = 5
	}
	admins := map[string]bool{}
	for _, role := range cfg.AdminRoles {
		admins[strings.ToUpper(role)] = true
	}
	return &Engine{
		store:     ticketStore,
		issuance:  issuance,
		logger:    logger,
		validate:  validation.New(),
		tracer:    otel.Tracer("retail-core/queue"),
		dailyCap:  cfg.DailyCap,
		minReason: minReason,
		admins:    admins,
		location:  location,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type CreateTicketRequest struct {
	BranchID string `json:"branch_id" validate:"required,max=64"`
	RUT      string `json:"rut" validate:"required,rut"`
	Type     string `json:"type" validate:"required,oneof=GENERAL PREFERENTIAL"`
	Name     string `json:"name" validate:"omitempty,max=120"`
	Phone    string `json:"phone" validate:"omitempty,e164"`
}

type DispatchRequest struct {
	BranchID   string `json:"branch_id" validate:"required,max=64"`
	AgentID    string `json:"-" validate:"required"`
	TerminalID string `json:"terminal_id" validate:"omitempty,max=64"`
}

type CompleteAndDispatchRequest struct {
	TicketID   string `json:"ticket_id" validate:"required,uuid"`
	BranchID   string `json:"branch_id" validate:"required,max=64"`
	AgentID    string `json:"-" validate:"required"`
	TerminalID string `json:"terminal_id" validate:"omitempty,max=64"`
}

type TicketActionRequest struct {
	TicketID string `json:"-" validate:"required,uuid"`
	AgentID  string `json:"-"`
	// BranchID limits the action to tickets of one branch when set.
	BranchID string `json:"-"`
	Reason   string `json:"reason" validate:"max=500"`
}

type ResetQueueRequest struct {
	BranchID  string `json:"branch_id" validate:"required,max=64"`
	ActorID   string `json:"-" validate:"required"`
	ActorRole string `json:"-"`
}

func (e *Engine) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "queue."+op, trace.WithAttributes(attrs...))
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(store.KindOf(err)))
	}
	span.End()
}

func (e *Engine) CreateTicket(ctx context.Context, req CreateTicketRequest) (ticket models.Ticket, err error) {
	ctx, span := e.start(ctx, "CreateTicket", attribute.String("branch_id", req.BranchID))
	defer func() { finish(span, err) }()

	if err := validation.Check(e.validate, req); err != nil {
		return models.Ticket{}, err
	}
	identity, _ := store.NormalizeRUT(req.RUT)

	capKey, counted, err := e.reserveIssuance(ctx, identity)
	if err != nil {
		return models.Ticket{}, err
	}

	ticket, err = e.store.CreateTicket(ctx, store.CreateTicketInput{
		BranchID:  req.BranchID,
		Identity:  identity,
		Type:      req.Type,
		Name:      strings.TrimSpace(req.Name),
		Phone:     req.Phone,
		CreatedAt: e.now(),
	})
	if err != nil {
		if counted {
			e.releaseIssuance(ctx, capKey)
		}
		return models.Ticket{}, err
	}

	e.logger.Info("ticket created",
		zap.String("ticket_id", ticket.TicketID),
		zap.String("code", ticket.Code),
		zap.String("branch_id", ticket.BranchID),
	)
	return ticket, nil
}

// reserveIssuance counts one ticket against the identity's daily cap. An
// unreachable counter store lets the ticket through.
func (e *Engine) reserveIssuance(ctx context.Context, identity string) (string, bool, error) {
	if identity == store.AnonymousIdentity || e.issuance == nil || e.dailyCap <= 0 {
		return "", false, nil
	}
	now := e.now().In(e.location)
	key := "tickets_issued:" + now.Format(time.DateOnly) + ":" + identity
	endOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, e.location).AddDate(0, 0, 1)

	count, err := e.issuance.Incr(ctx, key, endOfDay.Sub(now))
	if err != nil {
		e.logger.Warn("issuance counter unavailable, skipping daily cap", zap.Error(err))
		return "", false, nil
	}
	if count > int64(e.dailyCap) {
		e.releaseIssuance(ctx, key)
		return "", false, store.ErrDailyCapExceeded.WithMessage("customer already has %d tickets today", e.dailyCap)
	}
	return key, true, nil
}

func (e *Engine) releaseIssuance(ctx context.Context, key string) {
	if err := e.issuance.Decr(ctx, key); err != nil {
		e.logger.Warn("release issuance counter", zap.String("key", key), zap.Error(err))
	}
}

func (e *Engine) DispatchNext(ctx context.Context, req DispatchRequest) (result store.DispatchResult, err error) {
	ctx, span := e.start(ctx, "DispatchNext", attribute.String("branch_id", req.BranchID), attribute.String("agent_id", req.AgentID))
	defer func() { finish(span, err) }()

	if err := validation.Check(e.validate, req); err != nil {
		return store.DispatchResult{}, err
	}
	result, err = e.store.DispatchNext(ctx, store.DispatchInput{
		BranchID:   req.BranchID,
		AgentID:    req.AgentID,
		TerminalID: req.TerminalID,
		CalledAt:   e.now(),
	})
	if err != nil {
		return store.DispatchResult{}, err
	}
	span.SetAttributes(attribute.Bool("recovered", result.Recovered), attribute.Bool("empty", result.Ticket == nil))
	return result, nil
}

func (e *Engine) CompleteAndDispatchNext(ctx context.Context, req CompleteAndDispatchRequest) (result store.CompleteAndDispatchResult, err error) {
	ctx, span := e.start(ctx, "CompleteAndDispatchNext", attribute.String("ticket_id", req.TicketID), attribute.String("agent_id", req.AgentID))
	defer func() { finish(span, err) }()

	if err := validation.Check(e.validate, req); err != nil {
		return store.CompleteAndDispatchResult{}, err
	}
	return e.store.CompleteAndDispatchNext(ctx, store.CompleteAndDispatchInput{
		TicketID:   req.TicketID,
		BranchID:   req.BranchID,
		AgentID:    req.AgentID,
		TerminalID: req.TerminalID,
		OccurredAt: e.now(),
	})
}

func (e *Engine) Recall(ctx context.Context, req TicketActionRequest) (ticket models.Ticket, err error) {
	ctx, span := e.start(ctx, "Recall", attribute.String("ticket_id", req.TicketID))
	defer func() { finish(span, err) }()

	if err := e.checkAgentAction(req); err != nil {
		return models.Ticket{}, err
	}
	return e.store.Recall(ctx, store.TicketActionInput{TicketID: req.TicketID, AgentID: req.AgentID, BranchID: req.BranchID, OccurredAt: e.now()})
}

func (e *Engine) Complete(ctx context.Context, req TicketActionRequest) (result store.CompleteResult, err error) {
	ctx, span := e.start(ctx, "Complete", attribute.String("ticket_id", req.TicketID))
	defer func() { finish(span, err) }()

	if err := e.checkAgentAction(req); err != nil {
		return store.CompleteResult{}, err
	}
	result, err = e.store.Complete(ctx, store.TicketActionInput{TicketID: req.TicketID, AgentID: req.AgentID, BranchID: req.BranchID, OccurredAt: e.now()})
	if err != nil {
		return store.CompleteResult{}, err
	}
	if !result.Changed {
		e.logger.Info("ticket already completed by agent", zap.String("ticket_id", req.TicketID), zap.String("agent_id", req.AgentID))
	}
	return result, nil
}

func (e *Engine) checkAgentAction(req TicketActionRequest) error {
	if err := validation.Check(e.validate, req); err != nil {
		return err
	}
	if req.AgentID == "" {
		return store.ErrInvalidInput.WithMessage("agent is required")
	}
	return nil
}

func (e *Engine) Cancel(ctx context.Context, req TicketActionRequest) (ticket models.Ticket, err error) {
	ctx, span := e.start(ctx, "Cancel", attribute.String("ticket_id", req.TicketID))
	defer func() { finish(span, err) }()

	if err := validation.Check(e.validate, req); err != nil {
		return models.Ticket{}, err
	}
	reason := strings.TrimSpace(req.Reason)
	if len([]rune(reason)) < e.minReason {
		return models.Ticket{}, store.ErrReasonTooShort.WithMessage("reason must have at least %d characters", e.minReason)
	}
	return e.store.Cancel(ctx, store.TicketActionInput{TicketID: req.TicketID, AgentID: req.AgentID, BranchID: req.BranchID, Reason: reason, OccurredAt: e.now()})
}

// QueueStatus always reads live state.
func (e *Engine) QueueStatus(ctx context.Context, branchID string) (status models.QueueStatus, err error) {
	ctx, span := e.start(ctx, "QueueStatus", attribute.String("branch_id", branchID))
	defer func() { finish(span, err) }()

	if strings.TrimSpace(branchID) == "" {
		return models.QueueStatus{}, store.ErrInvalidInput.WithMessage("branch_id is required")
	}
	return e.store.QueueStatus(ctx, branchID)
}

// DailyMetrics aggregates the tickets created on date (YYYY-MM-DD in the
// business time zone). An empty date means today.
func (e *Engine) DailyMetrics(ctx context.Context, branchID, date string) (metrics models.DailyMetrics, err error) {
	ctx, span := e.start(ctx, "DailyMetrics", attribute.String("branch_id", branchID), attribute.String("date", date))
	defer func() { finish(span, err) }()

	if strings.TrimSpace(branchID) == "" {
		return models.DailyMetrics{}, store.ErrInvalidInput.WithMessage("branch_id is required")
	}
	var day time.Time
	if date == "" {
		now := e.now().In(e.location)
		day = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, e.location)
	} else {
		day, err = time.ParseInLocation(time.DateOnly, date, e.location)
		if err != nil {
			return models.DailyMetrics{}, store.ErrInvalidInput.WithMessage("date must be YYYY-MM-DD")
		}
	}
	return e.store.DailyMetrics(ctx, branchID, day, day.AddDate(0, 0, 1))
}

func (e *Engine) ResetQueue(ctx context.Context, req ResetQueueRequest) (affected int64, err error) {
	ctx, span := e.start(ctx, "ResetQueue", attribute.String("branch_id", req.BranchID))
	defer func() { finish(span, err) }()

	if err := validation.Check(e.validate, req); err != nil {
		return 0, err
	}
	if !e.admins[strings.ToUpper(req.ActorRole)] {
		return 0, store.ErrForbidden.WithMessage("role %s cannot reset the queue", req.ActorRole)
	}
	affected, err = e.store.ResetQueue(ctx, req.BranchID, req.ActorID)
	if err != nil {
		return 0, err
	}
	e.logger.Info("queue reset",
		zap.String("branch_id", req.BranchID),
		zap.String("actor_id", req.ActorID),
		zap.Int64("affected", affected),
	)
	return affected, nil
}
