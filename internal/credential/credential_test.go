package credential

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/limiter"
	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/store"
)

type fakeCredentials struct {
	records map[string]store.CredentialRecord
	flagged []string
}

func (f *fakeCredentials) LoadCredential(ctx context.Context, userID string) (store.CredentialRecord, error) {
	record, ok := f.records[userID]
	if !ok {
		return store.CredentialRecord{}, store.ErrInvalidCredentials
	}
	return record, nil
}

func (f *fakeCredentials) FlagCredentialRotation(ctx context.Context, userID string) error {
	f.flagged = append(f.flagged, userID)
	return nil
}

type auditRecorder struct {
	mu      sync.Mutex
	records []store.AuditRecord
}

func (a *auditRecorder) Append(ctx context.Context, record store.AuditRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, record)
}

func digest(t *testing.T, secret string) string {
	t.Helper()
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hashed)
}

func newGate(t *testing.T, maxAttempts int) (*Gate, *fakeCredentials, *auditRecorder, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	creds := &fakeCredentials{records: map[string]store.CredentialRecord{
		"ana":  {UserID: "ana", Name: "Ana Rojas", Role: "CASHIER", PasswordHash: digest(t, "1234")},
		"luis": {UserID: "luis", Name: "Luis Soto", Role: "CASHIER", LegacySecret: "4321"},
		"none": {UserID: "none", Name: "No Secret", Role: "CASHIER"},
	}}
	audit := &auditRecorder{}
	gate := NewGate(creds, limiter.New(client, "test"), audit, nil, Config{MaxAttempts: maxAttempts, Lockout: time.Minute})
	return gate, creds, audit, mr
}

func TestMatchResolvesBothVariants(t *testing.T) {
	assert.True(t, Match(Hashed{Digest: digest(t, "s3cret")}, "s3cret"))
	assert.False(t, Match(Hashed{Digest: digest(t, "s3cret")}, "other"))
	assert.True(t, Match(Legacy{Plaintext: "plain"}, "plain"))
	assert.False(t, Match(Legacy{Plaintext: "plain"}, "plai"))
	assert.False(t, Match(nil, "anything"))
}

func TestFromRecordPrefersDigest(t *testing.T) {
	secret, ok := FromRecord(store.CredentialRecord{PasswordHash: "$2a$x", LegacySecret: "old"})
	require.True(t, ok)
	assert.IsType(t, Hashed{}, secret)

	_, ok = FromRecord(store.CredentialRecord{})
	assert.False(t, ok)
}

func TestVerifyHashedAndLegacy(t *testing.T) {
	ctx := context.Background()
	gate, creds, _, _ := newGate(t, 3)

	result, err := gate.Verify(ctx, "ana", "1234")
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, "Ana Rojas", result.Principal.Name)
	assert.Empty(t, creds.flagged)

	result, err = gate.Verify(ctx, "luis", "4321")
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, []string{"luis"}, creds.flagged)

	for _, tc := range []struct{ id, secret string }{{"ana", "bad"}, {"ghost", "1234"}, {"none", ""}} {
		result, err = gate.Verify(ctx, tc.id, tc.secret)
		require.NoError(t, err)
		assert.False(t, result.Valid, tc.id)
	}
}

func TestRepeatedFailuresLockOut(t *testing.T) {
	ctx := context.Background()
	gate, _, audit, mr := newGate(t, 3)

	for i := 0; i < 2; i++ {
		_, err := Authenticate(ctx, gate, "ana", "wrong")
		assert.ErrorIs(t, err, store.ErrInvalidCredentials)
	}
	locked, _, err := gate.IsLockedOut(ctx, "ana")
	require.NoError(t, err)
	assert.False(t, locked)

	_, err = Authenticate(ctx, gate, "ana", "wrong")
	assert.ErrorIs(t, err, store.ErrInvalidCredentials)

	_, err = Authenticate(ctx, gate, "ana", "1234")
	assert.ErrorIs(t, err, store.ErrLockedOut)
	assert.Equal(t, store.KindRateLimit, store.KindOf(err))

	require.Len(t, audit.records, 1)
	assert.Equal(t, store.ActionCredentialLockout, audit.records[0].Action)

	mr.FastForward(time.Minute + time.Second)
	principal, err := Authenticate(ctx, gate, "ana", "1234")
	require.NoError(t, err)
	assert.Equal(t, "ana", principal.UserID)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	ctx := context.Background()
	gate, _, _, _ := newGate(t, 3)

	_, _ = Authenticate(ctx, gate, "ana", "wrong")
	_, _ = Authenticate(ctx, gate, "ana", "wrong")
	_, err := Authenticate(ctx, gate, "ana", "1234")
	require.NoError(t, err)

	_, _ = Authenticate(ctx, gate, "ana", "wrong")
	_, _ = Authenticate(ctx, gate, "ana", "wrong")
	locked, _, err := gate.IsLockedOut(ctx, "ana")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestAuthenticateRejectsEmptyInput(t *testing.T) {
	gate, _, _, _ := newGate(t, 3)
	_, err := Authenticate(context.Background(), gate, "", "x")
	assert.ErrorIs(t, err, store.ErrInvalidCredentials)
}

func TestLockoutLookupFailsClosed(t *testing.T) {
	gate, _, _, mr := newGate(t, 3)
	mr.SetError("ERR unavailable")
	_, err := Authenticate(context.Background(), gate, "ana", "1234")
	require.Error(t, err)
	assert.Equal(t, store.KindInfrastructure, store.KindOf(err))
}
