package postgres

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/store"
)

func (s *Store) EnqueueNotification(ctx context.Context, notification store.RoleNotification) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notification_outbox (notification_id, role, location_scope, title, message, link, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.NewString(), notification.Role, notification.LocationScope, notification.Title, notification.Message, notification.Link, s.now())
	if err != nil {
		return s.classify("enqueue_notification", err)
	}
	return nil
}

// ClaimPendingNotifications leases up to limit due notifications to the
// caller. Rows held by another worker are skipped, and a lease that runs out
// before the row is marked makes it due again.
func (s *Store) ClaimPendingNotifications(ctx context.Context, limit int, lease time.Duration) ([]store.OutboxNotification, error) {
	now := s.now()
	rows, err := s.pool.Query(ctx, `
		WITH due AS (
			SELECT notification_id
			FROM notification_outbox
			WHERE status = 'PENDING' AND next_attempt_at <= $1
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		UPDATE notification_outbox o
		SET next_attempt_at = $3
		FROM due
		WHERE o.notification_id = due.notification_id
		RETURNING o.notification_id::text, o.role, o.location_scope, o.title, o.message, o.link, o.attempts, o.created_at
	`, now, limit, now.Add(lease))
	if err != nil {
		return nil, s.classify("claim_notifications", err)
	}
	defer rows.Close()

	var claimed []store.OutboxNotification
	for rows.Next() {
		var n store.OutboxNotification
		if err := rows.Scan(&n.NotificationID, &n.Role, &n.LocationScope, &n.Title, &n.Message, &n.Link, &n.Attempts, &n.CreatedAt); err != nil {
			return nil, s.classify("claim_notifications", err)
		}
		claimed = append(claimed, n)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify("claim_notifications", err)
	}
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].CreatedAt.Before(claimed[j].CreatedAt) })
	return claimed, nil
}

func (s *Store) MarkNotificationSent(ctx context.Context, notificationID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE notification_outbox
		SET status = 'SENT', attempts = attempts + 1, sent_at = $2, last_error = NULL
		WHERE notification_id = $1
	`, notificationID, s.now())
	if err != nil {
		return s.classify("mark_notification_sent", err)
	}
	return nil
}

func (s *Store) MarkNotificationRetry(ctx context.Context, notificationID, lastError string) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx, `
		UPDATE notification_outbox
		SET attempts = attempts + 1, last_error = $2, next_attempt_at = $3
		WHERE notification_id = $1
		RETURNING attempts
	`, notificationID, lastError, s.now()).Scan(&attempts)
	if err != nil {
		return 0, s.classify("mark_notification_retry", err)
	}
	return attempts, nil
}

func (s *Store) MarkNotificationFailed(ctx context.Context, notificationID, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE notification_outbox
		SET status = 'FAILED', last_error = $2
		WHERE notification_id = $1
	`, notificationID, lastError)
	if err != nil {
		return s.classify("mark_notification_failed", err)
	}
	return nil
}
