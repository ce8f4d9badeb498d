package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"erp-bridge/internal/models"
)

// Store wraps pgxpool for Postgres persistence of jobs and credentials.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Type           string
	OwnerID        string
	Payload        map[string]any
	IdempotencyKey string
	RetryOf        string
	RetryCount     int
}

// CreateJob inserts a job row, honoring idempotency if a key is provided.
// At most one non-terminal job may exist per (owner, key); when the mapped
// job is already terminal the key is rebound to the new job. The boolean
// reports whether an existing job was reused.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal payload: %w", err)
	}

	if p.IdempotencyKey != "" {
		if existing, found, err := s.FindByIdempotencyKey(ctx, p.OwnerID, p.IdempotencyKey); err != nil {
			return models.Job{}, false, err
		} else if found && !models.Terminal(existing.State) {
			return existing, true, nil
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, type, owner_id, payload, idempotency_key, state, progress, retry_of, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $9)
	`, id, p.Type, p.OwnerID, payloadJSON, emptyToNil(p.IdempotencyKey), models.StateWaiting, emptyToNil(p.RetryOf), p.RetryCount, now)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}

	if p.IdempotencyKey != "" {
		tag, err := tx.Exec(ctx, `
			INSERT INTO job_idempotency (owner_id, key, job_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (owner_id, key) DO NOTHING
		`, p.OwnerID, p.IdempotencyKey, id)
		if err != nil {
			return models.Job{}, false, fmt.Errorf("insert idempotency key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Key exists. Re-check under the tx: reuse the mapped job if
			// it is still non-terminal, otherwise rebind the key.
			existing, found, err := s.findByIdempotencyKeyTx(ctx, tx, p.OwnerID, p.IdempotencyKey)
			if err != nil {
				return models.Job{}, false, err
			}
			if found && !models.Terminal(existing.State) {
				if err := tx.Rollback(ctx); err != nil {
					return models.Job{}, false, fmt.Errorf("rollback after idempotency conflict: %w", err)
				}
				return existing, true, nil
			}
			if _, err := tx.Exec(ctx, `
				UPDATE job_idempotency SET job_id = $3 WHERE owner_id = $1 AND key = $2
			`, p.OwnerID, p.IdempotencyKey, id); err != nil {
				return models.Job{}, false, fmt.Errorf("rebind idempotency key: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, false, fmt.Errorf("commit: %w", err)
	}

	return models.Job{
		ID:             id,
		Type:           p.Type,
		OwnerID:        p.OwnerID,
		Payload:        p.Payload,
		IdempotencyKey: emptyToNil(p.IdempotencyKey),
		State:          models.StateWaiting,
		RetryOf:        emptyToNil(p.RetryOf),
		RetryCount:     p.RetryCount,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, false, nil
}

// FindByIdempotencyKey returns the job currently mapped to (owner, key).
func (s *Store) FindByIdempotencyKey(ctx context.Context, ownerID, key string) (models.Job, bool, error) {
	return s.findByIdempotencyKeyTx(ctx, s.pool, ownerID, key)
}

type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) findByIdempotencyKeyTx(ctx context.Context, q queryer, ownerID, key string) (models.Job, bool, error) {
	var id string
	err := q.QueryRow(ctx, `
		SELECT job_id FROM job_idempotency WHERE owner_id = $1 AND key = $2
	`, ownerID, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("query idempotency key: %w", err)
	}
	job, err := s.getJob(ctx, q, id)
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

const jobColumns = `id, type, owner_id, payload, idempotency_key, state, progress, result, failed_reason, retry_of, retry_count, created_at, updated_at`

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	return s.getJob(ctx, s.pool, id)
}

func (s *Store) getJob(ctx context.Context, q queryer, id string) (models.Job, error) {
	row := q.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, fmt.Errorf("job %s not found: %w", id, err)
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var payloadJSON []byte
	var resultJSON []byte
	var idem, reason pgtype.Text
	var retryOf pgtype.Text

	if err := row.Scan(&job.ID, &job.Type, &job.OwnerID, &payloadJSON, &idem, &job.State,
		&job.Progress, &resultJSON, &reason, &retryOf, &job.RetryCount, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	job.IdempotencyKey = textPtr(idem)
	job.FailedReason = textPtr(reason)
	job.RetryOf = textPtr(retryOf)
	return job, nil
}

// MarkActive transitions a job to active.
func (s *Store) MarkActive(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, updated_at = NOW() WHERE id = $1
	`, id, models.StateActive)
	return err
}

// SetProgress records executor progress (0-100).
func (s *Store) SetProgress(ctx context.Context, id string, progress int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET progress = $2, updated_at = NOW() WHERE id = $1
	`, id, progress)
	return err
}

// MarkCompleted stores the result and transitions to completed.
func (s *Store) MarkCompleted(ctx context.Context, id string, result map[string]any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, progress = 100, result = $3, failed_reason = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.StateCompleted, resultJSON)
	return err
}

// MarkFailed transitions to failed with a human-readable reason.
func (s *Store) MarkFailed(ctx context.Context, id, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, failed_reason = $3, updated_at = NOW() WHERE id = $1
	`, id, models.StateFailed, reason)
	return err
}

// WaitingJobs returns all waiting jobs in enqueue order, for boot recovery.
func (s *Store) WaitingJobs(ctx context.Context) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE state = $1 ORDER BY created_at
	`, models.StateWaiting)
	if err != nil {
		return nil, fmt.Errorf("query waiting jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan waiting job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// FailInterrupted marks jobs caught active at boot as failed. The automated
// session they held died with the process, so they cannot be resumed.
func (s *Store) FailInterrupted(ctx context.Context, reason string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE jobs SET state = $1, failed_reason = $2, updated_at = NOW()
		WHERE state = $3
		RETURNING id
	`, models.StateFailed, reason, models.StateActive)
	if err != nil {
		return nil, fmt.Errorf("fail interrupted jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (job_id, event, detail, ts) VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

// CountByState returns persisted per-state job counts, used to seed the
// in-memory dashboard counters at boot.
func (s *Store) CountByState(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = int(n)
	}
	return counts, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
