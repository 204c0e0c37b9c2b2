package store

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/models"
)

// AuditTimestamp truncates to the precision PostgreSQL keeps for timestamptz
// so a stored entry hashes the same when read back.
func AuditTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func ComputeAuditHash(prevHash string, entry models.AuditEntry) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s|%s|%s",
		prevHash,
		entry.EntityType,
		entry.EntityID,
		entry.Action,
		entry.ActorID,
		AuditTimestamp(entry.CreatedAt).Format(time.RFC3339Nano),
		entry.Before,
		entry.After,
		entry.Justification,
	)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// VerifyAuditChain checks that entries, in insertion order for a single
// entity, link to each other and that every hash matches its content.
func VerifyAuditChain(entries []models.AuditEntry) bool {
	prev := ""
	for _, entry := range entries {
		if entry.PrevHash != prev {
			return false
		}
		if ComputeAuditHash(prev, entry) != entry.Hash {
			return false
		}
		prev = entry.Hash
	}
	return true
}
