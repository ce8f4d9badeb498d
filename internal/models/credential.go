package models

import "time"

// CredentialRecord is one user's encrypted remote-system credential as
// persisted. Ciphertext, IV and AuthTag are the AES-GCM triple; Salt feeds
// the per-user key derivation; KeyVersion ties the record to the server
// secret generation it was sealed under.
type CredentialRecord struct {
	UserID     string
	Ciphertext []byte
	IV         []byte
	AuthTag    []byte
	Salt       []byte
	KeyVersion int
	UpdatedAt  time.Time
}
