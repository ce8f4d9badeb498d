// Package vault keeps per-user remote-system credentials encrypted at rest
// so sessions can be re-established after a restart without the owning
// user re-typing a password.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"erp-bridge/internal/models"
)

const (
	keyLen   = 32
	nonceLen = 12
	saltLen  = 16
	tagLen   = 16
)

// Backend persists credential records. *store.Store satisfies it.
type Backend interface {
	UpsertCredential(ctx context.Context, rec models.CredentialRecord) error
	GetCredential(ctx context.Context, userID string) (models.CredentialRecord, bool, error)
	AllCredentials(ctx context.Context) ([]models.CredentialRecord, error)
	DeleteCredential(ctx context.Context, userID string) error
}

// Vault encrypts credentials with AES-256-GCM under per-user keys derived
// from a server-wide secret via PBKDF2. The derivation is deliberately
// slow so a leaked backing store resists offline attack. The decrypted
// plaintexts live in an explicit in-memory cache filled at boot.
type Vault struct {
	backend    Backend
	secret     []byte
	keyVersion int
	iterations int

	mu    sync.RWMutex
	cache map[string]string
}

// New builds a vault over the backend. The server secret must be non-empty.
func New(backend Backend, secret string, keyVersion, iterations int) (*Vault, error) {
	if secret == "" {
		return nil, fmt.Errorf("vault: server secret is required")
	}
	if iterations < 10_000 {
		iterations = 10_000
	}
	return &Vault{
		backend:    backend,
		secret:     []byte(secret),
		keyVersion: keyVersion,
		iterations: iterations,
		cache:      make(map[string]string),
	}, nil
}

// Load decrypts every stored record into the cache. Called once at boot so
// scheduled work can acquire sessions while users are offline. Records that
// fail to decrypt are skipped and reported; they need the user to log in
// again.
func (v *Vault) Load(ctx context.Context) (loaded int, skipped []string, err error) {
	recs, err := v.backend.AllCredentials(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("vault load: %w", err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, rec := range recs {
		plaintext, err := v.open(v.secret, rec)
		if err != nil {
			skipped = append(skipped, rec.UserID)
			continue
		}
		v.cache[rec.UserID] = plaintext
		loaded++
	}
	return loaded, skipped, nil
}

// Reset clears the in-memory cache. The backing store is untouched.
func (v *Vault) Reset() {
	v.mu.Lock()
	v.cache = make(map[string]string)
	v.mu.Unlock()
}

// Store encrypts and persists a credential, replacing any previous record,
// and refreshes the cache. It holds the vault lock from seal to persist so
// a concurrent Rotate cannot leave a record sealed under a retired secret.
func (v *Vault) Store(ctx context.Context, userID, plaintext string) error {
	if userID == "" {
		return fmt.Errorf("vault store: userID is required")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	rec, err := v.seal(v.secret, v.keyVersion, userID, plaintext)
	if err != nil {
		return err
	}
	if err := v.backend.UpsertCredential(ctx, rec); err != nil {
		return err
	}
	v.cache[userID] = plaintext
	return nil
}

// Fetch returns the cached plaintext for a user, if present.
func (v *Vault) Fetch(userID string) (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	p, ok := v.cache[userID]
	return p, ok
}

// Purge removes a user's credential from cache and store, after a confirmed
// authentication rejection.
func (v *Vault) Purge(ctx context.Context, userID string) error {
	v.mu.Lock()
	delete(v.cache, userID)
	v.mu.Unlock()
	return v.backend.DeleteCredential(ctx, userID)
}

// Rotate re-encrypts every record under newSecret, bumping the key version.
// Plaintext never leaves the process. Returns how many records migrated.
// It holds the vault lock for the whole migration, so a Store racing the
// rotation either lands fully under the old secret before the sweep reads
// the records, or under the new one after the swap.
func (v *Vault) Rotate(ctx context.Context, oldSecret, newSecret string) (int, error) {
	if newSecret == "" {
		return 0, fmt.Errorf("vault rotate: new secret is required")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	recs, err := v.backend.AllCredentials(ctx)
	if err != nil {
		return 0, fmt.Errorf("vault rotate: %w", err)
	}
	newVersion := v.keyVersion + 1
	migrated := 0
	for _, rec := range recs {
		plaintext, err := v.open([]byte(oldSecret), rec)
		if err != nil {
			return migrated, fmt.Errorf("vault rotate: decrypt %s: %w", rec.UserID, err)
		}
		next, err := v.seal([]byte(newSecret), newVersion, rec.UserID, plaintext)
		if err != nil {
			return migrated, fmt.Errorf("vault rotate: re-encrypt %s: %w", rec.UserID, err)
		}
		if err := v.backend.UpsertCredential(ctx, next); err != nil {
			return migrated, fmt.Errorf("vault rotate: persist %s: %w", rec.UserID, err)
		}
		migrated++
	}
	v.secret = []byte(newSecret)
	v.keyVersion = newVersion
	return migrated, nil
}

// deriveKey stretches the server secret with the per-user salt and the
// user id, so records cannot be swapped between users.
func (v *Vault) deriveKey(secret []byte, salt []byte, userID string) []byte {
	material := make([]byte, 0, len(salt)+len(userID))
	material = append(material, salt...)
	material = append(material, userID...)
	return pbkdf2.Key(secret, material, v.iterations, keyLen, sha256.New)
}

func (v *Vault) seal(secret []byte, keyVersion int, userID, plaintext string) (models.CredentialRecord, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return models.CredentialRecord{}, fmt.Errorf("vault: salt: %w", err)
	}
	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return models.CredentialRecord{}, fmt.Errorf("vault: nonce: %w", err)
	}
	gcm, err := newGCM(v.deriveKey(secret, salt, userID))
	if err != nil {
		return models.CredentialRecord{}, err
	}
	sealed := gcm.Seal(nil, nonce, []byte(plaintext), []byte(userID))
	split := len(sealed) - tagLen
	return models.CredentialRecord{
		UserID:     userID,
		Ciphertext: sealed[:split],
		IV:         nonce,
		AuthTag:    sealed[split:],
		Salt:       salt,
		KeyVersion: keyVersion,
	}, nil
}

// open fails closed: any alteration of ciphertext, IV, or tag makes the
// GCM open fail rather than return wrong plaintext.
func (v *Vault) open(secret []byte, rec models.CredentialRecord) (string, error) {
	if len(rec.IV) != nonceLen || len(rec.AuthTag) != tagLen {
		return "", fmt.Errorf("vault: malformed record for %s", rec.UserID)
	}
	gcm, err := newGCM(v.deriveKey(secret, rec.Salt, rec.UserID))
	if err != nil {
		return "", err
	}
	sealed := make([]byte, 0, len(rec.Ciphertext)+tagLen)
	sealed = append(sealed, rec.Ciphertext...)
	sealed = append(sealed, rec.AuthTag...)
	plaintext, err := gcm.Open(nil, rec.IV, sealed, []byte(rec.UserID))
	if err != nil {
		return "", fmt.Errorf("vault: decrypt %s: %w", rec.UserID, err)
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: gcm: %w", err)
	}
	return gcm, nil
}
