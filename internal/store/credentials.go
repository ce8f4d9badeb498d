package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"erp-bridge/internal/models"
)

// UpsertCredential creates or overwrites a user's encrypted credential.
func (s *Store) UpsertCredential(ctx context.Context, rec models.CredentialRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO credentials (user_id, ciphertext, iv, auth_tag, salt, key_version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			ciphertext = EXCLUDED.ciphertext,
			iv = EXCLUDED.iv,
			auth_tag = EXCLUDED.auth_tag,
			salt = EXCLUDED.salt,
			key_version = EXCLUDED.key_version,
			updated_at = NOW()
	`, rec.UserID, rec.Ciphertext, rec.IV, rec.AuthTag, rec.Salt, rec.KeyVersion)
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

// GetCredential fetches one user's record.
func (s *Store) GetCredential(ctx context.Context, userID string) (models.CredentialRecord, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, ciphertext, iv, auth_tag, salt, key_version, updated_at
		FROM credentials WHERE user_id = $1
	`, userID)
	var rec models.CredentialRecord
	err := row.Scan(&rec.UserID, &rec.Ciphertext, &rec.IV, &rec.AuthTag, &rec.Salt, &rec.KeyVersion, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CredentialRecord{}, false, nil
	}
	if err != nil {
		return models.CredentialRecord{}, false, fmt.Errorf("query credential: %w", err)
	}
	return rec, true, nil
}

// AllCredentials lists every stored record, for boot load and rotation.
func (s *Store) AllCredentials(ctx context.Context) ([]models.CredentialRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, ciphertext, iv, auth_tag, salt, key_version, updated_at FROM credentials
	`)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	var recs []models.CredentialRecord
	for rows.Next() {
		var rec models.CredentialRecord
		if err := rows.Scan(&rec.UserID, &rec.Ciphertext, &rec.IV, &rec.AuthTag, &rec.Salt, &rec.KeyVersion, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// DeleteCredential purges a record after a confirmed authentication
// rejection.
func (s *Store) DeleteCredential(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM credentials WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}
