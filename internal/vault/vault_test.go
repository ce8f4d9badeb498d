package vault

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"erp-bridge/internal/models"
)

type memBackend struct {
	recs map[string]models.CredentialRecord
}

func newMemBackend() *memBackend {
	return &memBackend{recs: make(map[string]models.CredentialRecord)}
}

func (m *memBackend) UpsertCredential(_ context.Context, rec models.CredentialRecord) error {
	m.recs[rec.UserID] = rec
	return nil
}

func (m *memBackend) GetCredential(_ context.Context, userID string) (models.CredentialRecord, bool, error) {
	rec, ok := m.recs[userID]
	return rec, ok, nil
}

func (m *memBackend) AllCredentials(_ context.Context) ([]models.CredentialRecord, error) {
	out := make([]models.CredentialRecord, 0, len(m.recs))
	for _, rec := range m.recs {
		out = append(out, rec)
	}
	return out, nil
}

func (m *memBackend) DeleteCredential(_ context.Context, userID string) error {
	delete(m.recs, userID)
	return nil
}

func newTestVault(t *testing.T, backend Backend) *Vault {
	t.Helper()
	// Minimum iteration count keeps the KDF affordable in tests.
	v, err := New(backend, "server-secret", 1, 10_000)
	require.NoError(t, err)
	return v
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	v := newTestVault(t, backend)

	plaintexts := []string{
		"",
		"pa55word!",
		"täst-пароль-密码",
		strings.Repeat("long", 4096),
	}
	for _, p := range plaintexts {
		require.NoError(t, v.Store(ctx, "mario", p))

		// Read back through a fresh vault so the cache cannot mask a
		// broken ciphertext.
		fresh := newTestVault(t, backend)
		loaded, skipped, err := fresh.Load(ctx)
		require.NoError(t, err)
		require.Empty(t, skipped)
		require.Equal(t, 1, loaded)

		got, ok := fresh.Fetch("mario")
		require.True(t, ok)
		require.Equal(t, p, got)
	}
}

func TestTamperFailsClosed(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	v := newTestVault(t, backend)
	require.NoError(t, v.Store(ctx, "mario", "segretissimo"))

	base := backend.recs["mario"]
	corrupt := func(mutate func(rec *models.CredentialRecord)) models.CredentialRecord {
		rec := base
		rec.Ciphertext = append([]byte(nil), base.Ciphertext...)
		rec.IV = append([]byte(nil), base.IV...)
		rec.AuthTag = append([]byte(nil), base.AuthTag...)
		mutate(&rec)
		return rec
	}

	cases := map[string]models.CredentialRecord{
		"ciphertext bit": corrupt(func(r *models.CredentialRecord) { r.Ciphertext[0] ^= 0x01 }),
		"iv bit":         corrupt(func(r *models.CredentialRecord) { r.IV[3] ^= 0x80 }),
		"tag bit":        corrupt(func(r *models.CredentialRecord) { r.AuthTag[7] ^= 0x10 }),
		"wrong user":     corrupt(func(r *models.CredentialRecord) { r.UserID = "luigi" }),
	}
	for name, rec := range cases {
		_, err := v.open(v.secret, rec)
		require.Error(t, err, name)
	}

	// The untouched record still opens.
	got, err := v.open(v.secret, base)
	require.NoError(t, err)
	require.Equal(t, "segretissimo", got)
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	v := newTestVault(t, backend)
	require.NoError(t, v.Store(ctx, "mario", "pw"))

	require.NoError(t, v.Purge(ctx, "mario"))
	_, ok := v.Fetch("mario")
	require.False(t, ok)
	_, found, err := backend.GetCredential(ctx, "mario")
	require.NoError(t, err)
	require.False(t, found)
}

// A credential stored while a rotation is in flight lands either fully
// before the sweep or fully after the secret swap; either way every
// persisted record opens under the secret the vault ends up holding.
func TestStoreDuringRotate(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	v := newTestVault(t, backend)
	require.NoError(t, v.Store(ctx, "mario", "pw-mario"))

	errs := make(chan error, 32)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			errs <- v.Store(ctx, "luigi", fmt.Sprintf("pw-%d", i))
		}
	}()
	go func() {
		defer wg.Done()
		_, err := v.Rotate(ctx, "server-secret", "next-secret")
		errs <- err
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, 2, v.keyVersion)
	for user, rec := range backend.recs {
		require.Equal(t, v.keyVersion, rec.KeyVersion, user)
		_, err := v.open(v.secret, rec)
		require.NoError(t, err, user)
	}
}

func TestRotate(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	v := newTestVault(t, backend)
	require.NoError(t, v.Store(ctx, "mario", "pw-mario"))
	require.NoError(t, v.Store(ctx, "luigi", "pw-luigi"))

	n, err := v.Rotate(ctx, "server-secret", "next-secret")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 2, v.keyVersion)

	// Old secret no longer opens the records; the new one does.
	old, err := New(newMemBackend(), "server-secret", 1, 10_000)
	require.NoError(t, err)
	for user := range backend.recs {
		_, err := old.open([]byte("server-secret"), backend.recs[user])
		require.Error(t, err, user)
	}

	fresh, err := New(backend, "next-secret", 2, 10_000)
	require.NoError(t, err)
	loaded, skipped, err := fresh.Load(ctx)
	require.NoError(t, err)
	require.Empty(t, skipped)
	require.Equal(t, 2, loaded)
	got, ok := fresh.Fetch("luigi")
	require.True(t, ok)
	require.Equal(t, "pw-luigi", got)
}
