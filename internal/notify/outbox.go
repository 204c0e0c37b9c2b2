// Package notify delivers role-scoped notifications through a durable outbox.
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/store"
)

// Outbox is the Notifier handed to the coordinators. Enqueue failures are
// logged and dropped.
type Outbox struct {
	outbox store.NotificationOutbox
	logger *zap.Logger
}

func NewOutbox(outbox store.NotificationOutbox, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Outbox{outbox: outbox, logger: logger}
}

func (o *Outbox) NotifyRole(ctx context.Context, notification store.RoleNotification) {
	if err := o.outbox.EnqueueNotification(ctx, notification); err != nil {
		o.logger.Warn("notification enqueue failed",
			zap.String("role", notification.Role),
			zap.String("location", notification.LocationScope),
			zap.String("link", notification.Link),
			zap.Error(err),
		)
	}
}
