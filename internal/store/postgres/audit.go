package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/models"
	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/store"
)

// appendAuditTx records an audit entry inside tx under a savepoint. A failed
// write is rolled back to the savepoint and logged; the enclosing business
// transaction carries on.
func (s *Store) appendAuditTx(ctx context.Context, tx pgx.Tx, record store.AuditRecord) {
	savepoint, err := tx.Begin(ctx)
	if err != nil {
		s.logAuditFailure(record, err)
		return
	}
	if err := s.insertAudit(ctx, savepoint, record); err != nil {
		_ = savepoint.Rollback(ctx)
		s.logAuditFailure(record, err)
		return
	}
	if err := savepoint.Commit(ctx); err != nil {
		s.logAuditFailure(record, err)
	}
}

// Append writes a standalone audit entry in its own transaction.
func (s *Store) Append(ctx context.Context, record store.AuditRecord) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		s.logAuditFailure(record, err)
		return
	}
	if err := s.insertAudit(ctx, tx, record); err != nil {
		_ = tx.Rollback(ctx)
		s.logAuditFailure(record, err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		s.logAuditFailure(record, err)
	}
}

func (s *Store) logAuditFailure(record store.AuditRecord, err error) {
	s.logger.Warn("audit write failed",
		zap.String("action", record.Action),
		zap.String("entity_type", record.EntityType),
		zap.String("entity_id", record.EntityID),
		zap.Error(err),
	)
}

func (s *Store) insertAudit(ctx context.Context, tx pgx.Tx, record store.AuditRecord) error {
	before, err := snapshot(record.Before)
	if err != nil {
		return err
	}
	after, err := snapshot(record.After)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "audit:"+record.EntityType+":"+record.EntityID); err != nil {
		return err
	}

	var prevHash sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT hash
		FROM audit_entries
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY audit_id DESC
		LIMIT 1
	`, record.EntityType, record.EntityID)
	if err := row.Scan(&prevHash); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}

	entry := models.AuditEntry{
		ActorID:       record.ActorID,
		Action:        record.Action,
		EntityType:    record.EntityType,
		EntityID:      record.EntityID,
		Before:        before,
		After:         after,
		Justification: record.Justification,
		CreatedAt:     store.AuditTimestamp(s.now()),
		PrevHash:      stringOrEmpty(prevHash),
	}
	entry.Hash = store.ComputeAuditHash(entry.PrevHash, entry)

	_, err = tx.Exec(ctx, `
		INSERT INTO audit_entries (actor_id, action, entity_type, entity_id, old_values, new_values, justification, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5::json, $6::json, $7, $8, $9, $10)
	`, entry.ActorID, entry.Action, entry.EntityType, entry.EntityID, rawOrNil(entry.Before), rawOrNil(entry.After), entry.Justification, entry.CreatedAt, entry.PrevHash, entry.Hash)
	return err
}

// AuditTrail lists the entries of one entity in insertion order.
func (s *Store) AuditTrail(ctx context.Context, entityType, entityID string) ([]models.AuditEntry, error) {
	query, args, err := psql.
		Select("audit_id", "actor_id", "action", "entity_type", "entity_id", "old_values::text", "new_values::text", "justification", "created_at", "prev_hash", "hash").
		From("audit_entries").
		Where(sq.Eq{"entity_type": entityType, "entity_id": entityID}).
		OrderBy("audit_id ASC").
		ToSql()
	if err != nil {
		return nil, s.classify("audit_trail", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, s.classify("audit_trail", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var entry models.AuditEntry
		var before, after sql.NullString
		if err := rows.Scan(&entry.AuditID, &entry.ActorID, &entry.Action, &entry.EntityType, &entry.EntityID, &before, &after, &entry.Justification, &entry.CreatedAt, &entry.PrevHash, &entry.Hash); err != nil {
			return nil, s.classify("audit_trail", err)
		}
		if before.Valid {
			entry.Before = json.RawMessage(before.String)
		}
		if after.Valid {
			entry.After = json.RawMessage(after.String)
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify("audit_trail", err)
	}
	return entries, nil
}

func snapshot(value interface{}) (json.RawMessage, error) {
	if value == nil {
		return nil, nil
	}
	if raw, ok := value.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(value)
}

func rawOrNil(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
