package credential

import (
	"crypto/subtle"

	"golang.org/x/crypto/bcrypt"

	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/store"
)

// Secret is the stored form of a staff credential: either Hashed or Legacy.
type Secret interface {
	isSecret()
}

// Hashed is a bcrypt digest.
type Hashed struct {
	Digest string
}

// Legacy is a plaintext secret from before hashing was introduced. Users
// holding one are flagged for rotation whenever it matches.
type Legacy struct {
	Plaintext string
}

func (Hashed) isSecret() {}
func (Legacy) isSecret() {}

// FromRecord picks the variant stored for a user. A digest wins over a
// leftover plaintext column.
func FromRecord(record store.CredentialRecord) (Secret, bool) {
	switch {
	case record.PasswordHash != "":
		return Hashed{Digest: record.PasswordHash}, true
	case record.LegacySecret != "":
		return Legacy{Plaintext: record.LegacySecret}, true
	default:
		return nil, false
	}
}

func Match(stored Secret, presented string) bool {
	switch secret := stored.(type) {
	case Hashed:
		return bcrypt.CompareHashAndPassword([]byte(secret.Digest), []byte(presented)) == nil
	case Legacy:
		return subtle.ConstantTimeCompare([]byte(secret.Plaintext), []byte(presented)) == 1
	default:
		return false
	}
}

func Hash(secret string) (string, error) {
	digest, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(digest), nil
}
