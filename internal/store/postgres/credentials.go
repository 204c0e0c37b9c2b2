package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/store"
)

// LoadCredential returns ErrInvalidCredentials for unknown users so callers
// cannot tell a missing account from a wrong secret.
func (s *Store) LoadCredential(ctx context.Context, userID string) (store.CredentialRecord, error) {
	var record store.CredentialRecord
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, full_name, role, COALESCE(branch_id, ''), COALESCE(password_hash, ''), COALESCE(legacy_secret, '')
		FROM users
		WHERE user_id = $1
	`, userID)
	if err := row.Scan(&record.UserID, &record.Name, &record.Role, &record.BranchID, &record.PasswordHash, &record.LegacySecret); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.CredentialRecord{}, store.ErrInvalidCredentials
		}
		return store.CredentialRecord{}, s.classify("load_credential", err)
	}
	return record, nil
}

func (s *Store) FlagCredentialRotation(ctx context.Context, userID string) error {
	if _, err := s.pool.Exec(ctx, `
		UPDATE users SET credential_rotation_required = true WHERE user_id = $1
	`, userID); err != nil {
		return s.classify("flag_credential_rotation", err)
	}
	return nil
}
