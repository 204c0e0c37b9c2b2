package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/store"
)

type Config struct {
	BatchSize   int
	MaxAttempts int
	// Lease is how long a claimed batch stays hidden from other workers.
	Lease time.Duration
}

// Worker drains the outbox. Delivery is at least once: a crash between Send
// and MarkNotificationSent resends once the claim lease runs out.
type Worker struct {
	outbox      store.NotificationOutbox
	provider    Provider
	logger      *zap.Logger
	batchSize   int
	maxAttempts int
	lease       time.Duration
}

func NewWorker(outbox store.NotificationOutbox, provider Provider, logger *zap.Logger, cfg Config) *Worker {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 50
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	lease := cfg.Lease
	if lease <= 0 {
		lease = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		outbox:      outbox,
		provider:    provider,
		logger:      logger,
		batchSize:   batch,
		maxAttempts: maxAttempts,
		lease:       lease,
	}
}

// RunOnce delivers one batch and returns how many were sent.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	pending, err := w.outbox.ClaimPendingNotifications(ctx, w.batchSize, w.lease)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, notification := range pending {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		if err := w.deliver(ctx, notification); err != nil {
			w.logger.Warn("notification not delivered",
				zap.String("notification_id", notification.NotificationID), zap.Error(err))
			continue
		}
		sent++
	}
	return sent, nil
}

func (w *Worker) deliver(ctx context.Context, notification store.OutboxNotification) error {
	sendErr := w.provider.Send(ctx, notification)
	if sendErr == nil {
		return w.outbox.MarkNotificationSent(ctx, notification.NotificationID)
	}

	attempts, err := w.outbox.MarkNotificationRetry(ctx, notification.NotificationID, sendErr.Error())
	if err != nil {
		return err
	}
	if attempts >= w.maxAttempts {
		w.logger.Error("notification dead-lettered",
			zap.String("notification_id", notification.NotificationID),
			zap.Int("attempts", attempts),
			zap.Error(sendErr),
		)
		if err := w.outbox.MarkNotificationFailed(ctx, notification.NotificationID, "max attempts reached: "+sendErr.Error()); err != nil {
			return err
		}
		return sendErr
	}
	w.logger.Info("notification send failed, will retry",
		zap.String("notification_id", notification.NotificationID),
		zap.Int("attempts", attempts),
		zap.Error(sendErr),
	)
	return sendErr
}

func Start(ctx context.Context, interval time.Duration, w *Worker) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("notification worker pass failed", zap.Error(err))
			}
		}
	}
}
