package handover

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/credential"
	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/models"
	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/store"
	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/validation"
)

type Config struct {
	OperationalFloat decimal.Decimal
	SupervisorRoles  []string
}

// Coordinator owns a terminal's cash accountability: previews, handovers
// and shift openings. Credentials are checked before any row is locked.
type Coordinator struct {
	store    store.CashStore
	gate     store.CredentialGate
	notifier store.Notifier
	logger   *zap.Logger
	validate *validator.Validate
	tracer   trace.Tracer
	float    decimal.Decimal
	roles    []string
	now      func() time.Time
}

func New(cashStore store.CashStore, gate store.CredentialGate, notifier store.Notifier, logger *zap.Logger, cfg Config) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store:    cashStore,
		gate:     gate,
		notifier: notifier,
		logger:   logger,
		validate: validation.New(),
		tracer:   otel.Tracer("retail-core/handover"),
		float:    cfg.OperationalFloat,
		roles:    cfg.SupervisorRoles,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type PreviewRequest struct {
	TerminalID   string          `json:"terminal_id" validate:"required,max=64"`
	DeclaredCash decimal.Decimal `json:"declared_cash" validate:"money"`
}

type ExecuteRequest struct {
	TerminalID       string           `json:"terminal_id" validate:"required,max=64"`
	DeclaredCash     decimal.Decimal  `json:"declared_cash" validate:"money"`
	// ExpectedCash echoes the preview the operator confirmed. It is checked
	// against the session records, never used to compute the difference.
	ExpectedCash     *decimal.Decimal `json:"expected_cash" validate:"omitempty,money"`
	AmountToWithdraw decimal.Decimal  `json:"amount_to_withdraw" validate:"money"`
	AmountToKeep     decimal.Decimal  `json:"amount_to_keep" validate:"money"`
	ActorID          string           `json:"actor_id" validate:"required"`
	ActorSecret      string           `json:"actor_secret" validate:"required"`
	NextActorID      string           `json:"next_actor_id" validate:"omitempty,max=64"`
	Notes            string           `json:"notes" validate:"max=500"`
}

type QuickRequest struct {
	TerminalID     string          `json:"terminal_id" validate:"required,max=64"`
	OutgoingID     string          `json:"outgoing_id" validate:"required"`
	OutgoingSecret string          `json:"outgoing_secret" validate:"required"`
	IncomingID     string          `json:"incoming_id" validate:"required,nefield=OutgoingID"`
	IncomingSecret string          `json:"incoming_secret" validate:"required"`
	DeclaredCash   decimal.Decimal `json:"declared_cash" validate:"money"`
	Notes          string          `json:"notes" validate:"max=500"`
}

type OpenShiftRequest struct {
	TerminalID    string          `json:"terminal_id" validate:"required,max=64"`
	ActorID       string          `json:"actor_id" validate:"required"`
	ActorSecret   string          `json:"actor_secret" validate:"required"`
	OpeningAmount decimal.Decimal `json:"opening_amount" validate:"money"`
}

func (c *Coordinator) start(ctx context.Context, op, terminalID string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "handover."+op, trace.WithAttributes(attribute.String("terminal_id", terminalID)))
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(store.KindOf(err)))
	}
	span.End()
}

// ComputeHandoverPreview is read-only.
func (c *Coordinator) ComputeHandoverPreview(ctx context.Context, req PreviewRequest) (preview models.HandoverPreview, err error) {
	ctx, span := c.start(ctx, "Preview", req.TerminalID)
	defer func() { finish(span, err) }()

	if err := validation.Check(c.validate, req); err != nil {
		return models.HandoverPreview{}, err
	}
	totals, err := c.store.SessionTotals(ctx, req.TerminalID)
	if err != nil {
		return models.HandoverPreview{}, err
	}
	return Preview(req.TerminalID, totals, req.DeclaredCash, c.float), nil
}

func (c *Coordinator) ExecuteHandover(ctx context.Context, req ExecuteRequest) (result models.HandoverResult, err error) {
	ctx, span := c.start(ctx, "Execute", req.TerminalID)
	defer func() { finish(span, err) }()

	if err := validation.Check(c.validate, req); err != nil {
		return models.HandoverResult{}, err
	}
	withdraw, keep := WithdrawalPolicy(req.DeclaredCash, c.float)
	if !withdraw.Equal(req.AmountToWithdraw) || !keep.Equal(req.AmountToKeep) {
		return models.HandoverResult{}, store.ErrAmountMismatch.WithMessage(
			"declared %s requires withdrawing %s and keeping %s", req.DeclaredCash.StringFixed(2), withdraw.StringFixed(2), keep.StringFixed(2))
	}

	actor, err := credential.Authenticate(ctx, c.gate, req.ActorID, req.ActorSecret)
	if err != nil {
		return models.HandoverResult{}, err
	}

	result, err = c.store.ExecuteHandover(ctx, store.ExecuteHandoverInput{
		TerminalID:       req.TerminalID,
		ActorID:          actor.UserID,
		ActorName:        actor.Name,
		DeclaredCash:     req.DeclaredCash,
		ExpectedCash:     req.ExpectedCash,
		AmountToWithdraw: req.AmountToWithdraw,
		AmountToKeep:     req.AmountToKeep,
		NextActorID:      req.NextActorID,
		Notes:            strings.TrimSpace(req.Notes),
		ClosedAt:         c.now(),
	})
	if err != nil {
		if store.IsRetryable(err) {
			c.logger.Info("handover conflict", zap.String("terminal_id", req.TerminalID), zap.Error(err))
		}
		return models.HandoverResult{}, err
	}

	c.logger.Info("handover committed",
		zap.String("terminal_id", req.TerminalID),
		zap.String("session_id", result.SessionID),
		zap.String("actor_id", actor.UserID),
		zap.String("diff", result.Diff.StringFixed(2)),
	)
	if result.Remittance != nil {
		c.notifyRemittance(ctx, actor, *result.Remittance)
	}
	return result, nil
}

// notifyRemittance runs after commit; the notifier never fails the caller.
func (c *Coordinator) notifyRemittance(ctx context.Context, actor store.Principal, remittance models.Remittance) {
	if c.notifier == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, role := range c.roles {
		c.notifier.NotifyRole(ctx, store.RoleNotification{
			Role:          role,
			LocationScope: actor.BranchID,
			Title:         "Pending remittance",
			Message: fmt.Sprintf("%s handed over terminal %s: %s pending receipt (difference %s)",
				actor.Name, remittance.TerminalID, remittance.Amount.StringFixed(2), remittance.CashCountDiff.StringFixed(2)),
			Link: "/treasury/remittances/" + remittance.RemittanceID,
		})
	}
}

func (c *Coordinator) QuickHandover(ctx context.Context, req QuickRequest) (result models.QuickHandoverResult, err error) {
	ctx, span := c.start(ctx, "Quick", req.TerminalID)
	defer func() { finish(span, err) }()

	if err := validation.Check(c.validate, req); err != nil {
		return models.QuickHandoverResult{}, err
	}
	outgoing, err := credential.Authenticate(ctx, c.gate, req.OutgoingID, req.OutgoingSecret)
	if err != nil {
		return models.QuickHandoverResult{}, err
	}
	incoming, err := credential.Authenticate(ctx, c.gate, req.IncomingID, req.IncomingSecret)
	if err != nil {
		return models.QuickHandoverResult{}, err
	}

	result, err = c.store.QuickHandover(ctx, store.QuickHandoverInput{
		TerminalID:   req.TerminalID,
		OutgoingID:   outgoing.UserID,
		OutgoingName: outgoing.Name,
		IncomingID:   incoming.UserID,
		IncomingName: incoming.Name,
		DeclaredCash: req.DeclaredCash,
		Notes:        strings.TrimSpace(req.Notes),
		OccurredAt:   c.now(),
	})
	if err != nil {
		return models.QuickHandoverResult{}, err
	}
	c.logger.Info("quick handover committed",
		zap.String("terminal_id", req.TerminalID),
		zap.String("outgoing_id", outgoing.UserID),
		zap.String("incoming_id", incoming.UserID),
	)
	return result, nil
}

func (c *Coordinator) OpenShift(ctx context.Context, req OpenShiftRequest) (session models.CashSession, err error) {
	ctx, span := c.start(ctx, "OpenShift", req.TerminalID)
	defer func() { finish(span, err) }()

	if err := validation.Check(c.validate, req); err != nil {
		return models.CashSession{}, err
	}
	actor, err := credential.Authenticate(ctx, c.gate, req.ActorID, req.ActorSecret)
	if err != nil {
		return models.CashSession{}, err
	}
	session, err = c.store.OpenShift(ctx, store.OpenShiftInput{
		TerminalID:    req.TerminalID,
		ActorID:       actor.UserID,
		ActorName:     actor.Name,
		OpeningAmount: req.OpeningAmount,
		OpenedAt:      c.now(),
	})
	if err != nil {
		return models.CashSession{}, err
	}
	c.logger.Info("shift opened", zap.String("terminal_id", req.TerminalID), zap.String("session_id", session.SessionID))
	return session, nil
}
