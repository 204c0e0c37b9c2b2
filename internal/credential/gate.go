package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/limiter"
	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/store"
)

type Config struct {
	MaxAttempts int
	Lockout     time.Duration
}

// Gate verifies staff secrets and suppresses repeated failures per identity
// using shared Redis counters.
type Gate struct {
	credentials store.CredentialStore
	counter     *limiter.Counter
	audit       store.AuditSink
	logger      *zap.Logger
	maxAttempts int
	lockout     time.Duration
}

func NewGate(credentials store.CredentialStore, counter *limiter.Counter, audit store.AuditSink, logger *zap.Logger, cfg Config) *Gate {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	lockout := cfg.Lockout
	if lockout <= 0 {
		lockout = 15 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		credentials: credentials,
		counter:     counter,
		audit:       audit,
		logger:      logger,
		maxAttempts: maxAttempts,
		lockout:     lockout,
	}
}

func attemptsKey(identity string) string { return "credential_attempts:" + identity }
func lockoutKey(identity string) string { return "credential_lockout:" + identity }

func (g *Gate) Verify(ctx context.Context, identity, secret string) (store.Verification, error) {
	record, err := g.credentials.LoadCredential(ctx, identity)
	if errors.Is(err, store.ErrInvalidCredentials) {
		return store.Verification{}, nil
	}
	if err != nil {
		return store.Verification{}, err
	}

	stored, ok := FromRecord(record)
	if !ok {
		g.logger.Warn("user has no stored credential", zap.String("user_id", identity))
		return store.Verification{}, nil
	}
	if !Match(stored, secret) {
		return store.Verification{}, nil
	}

	if _, legacy := stored.(Legacy); legacy {
		g.logger.Warn("legacy plaintext credential matched, rotation required", zap.String("user_id", identity))
		if err := g.credentials.FlagCredentialRotation(ctx, identity); err != nil {
			g.logger.Warn("flag credential rotation failed", zap.String("user_id", identity), zap.Error(err))
		}
	}

	return store.Verification{
		Valid: true,
		Principal: store.Principal{
			UserID:   record.UserID,
			Name:     record.Name,
			Role:     record.Role,
			BranchID: record.BranchID,
		},
	}, nil
}

// RecordFailure counts a failed attempt and locks the identity out once the
// limit is reached.
func (g *Gate) RecordFailure(ctx context.Context, identity string) error {
	attempts, err := g.counter.Incr(ctx, attemptsKey(identity), g.lockout)
	if err != nil {
		g.logger.Warn("record credential failure", zap.String("user_id", identity), zap.Error(err))
		return err
	}
	if attempts < int64(g.maxAttempts) {
		return nil
	}

	reason := fmt.Sprintf("%d failed attempts", attempts)
	if err := g.counter.Lock(ctx, lockoutKey(identity), reason, g.lockout); err != nil {
		g.logger.Warn("set credential lockout", zap.String("user_id", identity), zap.Error(err))
		return err
	}
	if err := g.counter.Reset(ctx, attemptsKey(identity)); err != nil {
		g.logger.Warn("reset credential attempts", zap.String("user_id", identity), zap.Error(err))
	}
	g.logger.Warn("credential locked out", zap.String("user_id", identity), zap.Duration("lockout", g.lockout))
	if g.audit != nil {
		g.audit.Append(ctx, store.AuditRecord{
			ActorID:       identity,
			Action:        store.ActionCredentialLockout,
			EntityType:    store.EntityUser,
			EntityID:      identity,
			After:         map[string]interface{}{"attempts": attempts, "lockout_seconds": g.lockout.Seconds()},
			Justification: reason,
		})
	}
	return nil
}

func (g *Gate) ResetFailures(ctx context.Context, identity string) error {
	if err := g.counter.Reset(ctx, attemptsKey(identity), lockoutKey(identity)); err != nil {
		g.logger.Warn("reset credential failures", zap.String("user_id", identity), zap.Error(err))
		return err
	}
	return nil
}

func (g *Gate) IsLockedOut(ctx context.Context, identity string) (bool, string, error) {
	return g.counter.Locked(ctx, lockoutKey(identity))
}

// Authenticate runs the full gate sequence for one identity: lockout check,
// verification, failure accounting and reset on success. A lockout lookup
// that cannot reach the counter store fails closed.
func Authenticate(ctx context.Context, gate store.CredentialGate, identity, secret string) (store.Principal, error) {
	if identity == "" || secret == "" {
		return store.Principal{}, store.ErrInvalidCredentials
	}
	locked, reason, err := gate.IsLockedOut(ctx, identity)
	if err != nil {
		return store.Principal{}, store.Infrastructure(fmt.Errorf("lockout lookup: %w", err))
	}
	if locked {
		return store.Principal{}, store.ErrLockedOut.WithMessage("too many failed attempts (%s), try again later", reason)
	}

	verification, err := gate.Verify(ctx, identity, secret)
	if err != nil {
		return store.Principal{}, store.AsError(err)
	}
	if !verification.Valid {
		_ = gate.RecordFailure(ctx, identity)
		return store.Principal{}, store.ErrInvalidCredentials
	}
	_ = gate.ResetFailures(ctx, identity)
	return verification.Principal, nil
}
