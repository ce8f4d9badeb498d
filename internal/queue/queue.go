// Package queue implements the operation queue and its executor: typed
// operation requests ordered by priority and enqueue order, executed one
// per pooled session, with idempotent enqueue and explicit cancel/retry.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"erp-bridge/internal/models"
	"erp-bridge/internal/session"
	"erp-bridge/internal/store"
	"erp-bridge/internal/telemetry"
)

// Publisher forwards queue events to the realtime channel.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload map[string]any) error
}

// JobStore is the persistence the queue needs; *store.Store satisfies it.
type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkActive(ctx context.Context, id string) error
	SetProgress(ctx context.Context, id string, progress int) error
	MarkCompleted(ctx context.Context, id string, result map[string]any) error
	MarkFailed(ctx context.Context, id, reason string) error
	WaitingJobs(ctx context.Context) ([]models.Job, error)
	FailInterrupted(ctx context.Context, reason string) ([]string, error)
	CountByState(ctx context.Context) (map[string]int, error)
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// SessionPool is the slice of the pool the executor needs; *session.Pool
// satisfies it.
type SessionPool interface {
	Acquire(ctx context.Context, userID string) (*session.Slot, error)
	Release(slotID string)
	Invalidate(ctx context.Context, slotID string, authRejected bool)
}

// Config tunes the executor.
type Config struct {
	// MaxConcurrent caps in-flight jobs; set to the session pool capacity.
	MaxConcurrent int
	// AttemptTimeout is the hard per-attempt execution timeout.
	AttemptTimeout time.Duration
	// AcquireBudget bounds the wait for a session slot; on expiry the job
	// simply goes back to waiting.
	AcquireBudget time.Duration
	// TransientRetryLimit is the in-attempt retry ceiling for transient
	// upstream failures.
	TransientRetryLimit int
}

// Queue owns job ordering and the dispatch loop. All state transitions go
// through it (single writer per job) so the lifecycle invariant holds.
type Queue struct {
	store    JobStore
	pool     SessionPool
	pub      Publisher
	cfg      Config
	handlers map[string]Handler
	log      zerolog.Logger

	mu       sync.Mutex
	waiting  jobHeap
	seq      uint64
	inflight map[string]*running
	stats    models.QueueStats
	pending  map[string]int // waiting+active per type
	wake     chan struct{}
}

type running struct {
	job          models.Job
	cancelAsked  bool
	irreversible bool
}

// New builds the queue over its collaborators.
func New(st JobStore, pool SessionPool, pub Publisher, cfg Config, log zerolog.Logger) *Queue {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.TransientRetryLimit < 0 {
		cfg.TransientRetryLimit = 0
	}
	return &Queue{
		store:    st,
		pool:     pool,
		pub:      pub,
		cfg:      cfg,
		handlers: make(map[string]Handler),
		log:      log,
		inflight: make(map[string]*running),
		pending:  make(map[string]int),
		wake:     make(chan struct{}, 1),
	}
}

// RegisterHandler binds a handler to an operation type.
func (q *Queue) RegisterHandler(opType string, h Handler) {
	if opType == "" || h == nil {
		return
	}
	q.handlers[opType] = h
}

// Recover restores queue state after a restart: jobs caught mid-flight are
// failed (their session died with the process), waiting jobs re-enter the
// in-memory order, and dashboard counters are reseeded.
func (q *Queue) Recover(ctx context.Context) error {
	interrupted, err := q.store.FailInterrupted(ctx, "interrupted by restart")
	if err != nil {
		return err
	}
	for _, id := range interrupted {
		_ = q.store.AppendAudit(ctx, id, "failed", "interrupted by restart")
		q.publishJobEvent(ctx, models.Job{ID: id, State: models.StateFailed})
	}

	jobs, err := q.store.WaitingJobs(ctx)
	if err != nil {
		return err
	}
	counts, err := q.store.CountByState(ctx)
	if err != nil {
		return err
	}

	q.mu.Lock()
	q.stats = models.QueueStats{
		Waiting:   counts[models.StateWaiting],
		Active:    0,
		Completed: counts[models.StateCompleted],
		Failed:    counts[models.StateFailed],
	}
	for _, job := range jobs {
		q.pushLocked(job)
		// pushLocked counts it again; the seed above already did.
		q.stats.Waiting--
	}
	q.mu.Unlock()
	q.poke()

	if len(interrupted) > 0 {
		q.log.Warn().Int("jobs", len(interrupted)).Msg("failed jobs interrupted by restart")
	}
	q.log.Info().Int("waiting", len(jobs)).Msg("queue recovered")
	return nil
}

// Enqueue validates and records a new operation request. If a non-terminal
// job already exists for (owner, idempotencyKey) its ID is returned instead
// of creating a duplicate.
func (q *Queue) Enqueue(ctx context.Context, opType, ownerID string, payload map[string]any, idempotencyKey string) (string, error) {
	if ownerID == "" {
		return "", fmt.Errorf("ownerId is required")
	}
	if !models.KnownType(opType) {
		return "", fmt.Errorf("unknown operation type %q", opType)
	}

	job, reused, err := q.store.CreateJob(ctx, store.CreateJobParams{
		Type:           opType,
		OwnerID:        ownerID,
		Payload:        payload,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return "", err
	}
	if reused {
		return job.ID, nil
	}

	q.mu.Lock()
	q.pushLocked(job)
	q.mu.Unlock()
	q.poke()

	telemetry.JobsEnqueued.Inc()
	_ = q.store.AppendAudit(ctx, job.ID, "enqueued", fmt.Sprintf("type=%s owner=%s", opType, ownerID))
	q.publishJobEvent(ctx, job)
	return job.ID, nil
}

// Status returns the persisted job record.
func (q *Queue) Status(ctx context.Context, jobID string) (models.Job, error) {
	return q.store.GetJob(ctx, jobID)
}

// Cancel stops a job. Waiting jobs cancel immediately; active jobs cancel
// cooperatively at the executor's next checkpoint, unless the irreversible
// remote action has already been issued.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	q.mu.Lock()
	if r, ok := q.inflight[jobID]; ok {
		if r.irreversible {
			q.mu.Unlock()
			return fmt.Errorf("job %s already issued its remote action and cannot be cancelled", jobID)
		}
		r.cancelAsked = true
		q.mu.Unlock()
		_ = q.store.AppendAudit(ctx, jobID, "cancel_requested", "will stop at next checkpoint")
		return nil
	}
	job, removed := q.removeWaitingLocked(jobID)
	q.mu.Unlock()

	if removed {
		reason := "cancelled before start"
		if err := q.store.MarkFailed(ctx, jobID, reason); err != nil {
			return err
		}
		q.mu.Lock()
		q.stats.Failed++
		q.mu.Unlock()
		telemetry.JobsCancelled.Inc()
		_ = q.store.AppendAudit(ctx, jobID, "cancelled", reason)
		job.State = models.StateFailed
		job.FailedReason = &reason
		q.publishJobEvent(ctx, job)
		return nil
	}

	stored, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	return fmt.Errorf("job %s is %s and cannot be cancelled", jobID, stored.State)
}

// Retry creates a fresh attempt for a failed job as a new linked record.
// Business operations are never retried automatically; this is the explicit
// operator path.
func (q *Queue) Retry(ctx context.Context, jobID string) (string, error) {
	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.State != models.StateFailed {
		return "", fmt.Errorf("job %s is %s; only failed jobs can be retried", jobID, job.State)
	}

	key := ""
	if job.IdempotencyKey != nil {
		key = *job.IdempotencyKey
	}
	next, reused, err := q.store.CreateJob(ctx, store.CreateJobParams{
		Type:           job.Type,
		OwnerID:        job.OwnerID,
		Payload:        job.Payload,
		IdempotencyKey: key,
		RetryOf:        job.ID,
		RetryCount:     job.RetryCount + 1,
	})
	if err != nil {
		return "", err
	}
	if reused {
		return next.ID, nil
	}

	q.mu.Lock()
	q.pushLocked(next)
	q.mu.Unlock()
	q.poke()

	_ = q.store.AppendAudit(ctx, next.ID, "retry", fmt.Sprintf("retry_of=%s attempt=%d", job.ID, next.RetryCount))
	q.publishJobEvent(ctx, next)
	return next.ID, nil
}

// Dashboard reports derived queue state and the in-flight jobs.
func (q *Queue) Dashboard() (models.QueueStats, []models.ActiveJob) {
	q.mu.Lock()
	defer q.mu.Unlock()
	active := make([]models.ActiveJob, 0, len(q.inflight))
	for _, r := range q.inflight {
		active = append(active, models.ActiveJob{UserID: r.job.OwnerID, JobID: r.job.ID, Type: r.job.Type})
	}
	return q.stats, active
}

// HasPending reports whether a job of the type is waiting or active. The
// auto-sync scheduler uses it to avoid stacking refreshes behind a slow
// remote system.
func (q *Queue) HasPending(opType string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending[opType] > 0
}

// Run is the dispatch loop: whenever a slot frees or a job arrives, assign
// the best eligible waiting job. Blocks until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for {
		q.dispatch(ctx, &wg)
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-q.wake:
		}
	}
}

func (q *Queue) dispatch(ctx context.Context, wg *sync.WaitGroup) {
	for {
		q.mu.Lock()
		if len(q.inflight) >= q.cfg.MaxConcurrent || q.waiting.Len() == 0 {
			q.mu.Unlock()
			return
		}
		item := heap.Pop(&q.waiting).(*jobItem)
		q.inflight[item.job.ID] = &running{job: item.job}
		q.mu.Unlock()

		wg.Add(1)
		go func(job models.Job, seq uint64) {
			defer wg.Done()
			q.execute(ctx, job, seq)
		}(item.job, item.seq)
	}
}

// pushLocked adds a waiting job to the in-memory order and counters.
func (q *Queue) pushLocked(job models.Job) {
	rank, _ := models.RankOf(job.Type)
	q.seq++
	heap.Push(&q.waiting, &jobItem{job: job, rank: rank, seq: q.seq})
	q.stats.Waiting++
	if rank < models.DefaultRank {
		q.stats.Prioritized++
	}
	q.pending[job.Type]++
}

// requeueLocked puts a job back with its original sequence so FIFO order
// within its priority class survives a failed slot acquisition. Counters are
// untouched: the job counted as waiting the whole time.
func (q *Queue) requeueLocked(job models.Job, seq uint64) {
	rank, _ := models.RankOf(job.Type)
	heap.Push(&q.waiting, &jobItem{job: job, rank: rank, seq: seq})
}

func (q *Queue) removeWaitingLocked(jobID string) (models.Job, bool) {
	for i, item := range q.waiting {
		if item.job.ID == jobID {
			heap.Remove(&q.waiting, i)
			q.noteLeftWaitingLocked(item.job)
			return item.job, true
		}
	}
	return models.Job{}, false
}

// noteLeftWaitingLocked adjusts counters when a job leaves the waiting set.
func (q *Queue) noteLeftWaitingLocked(job models.Job) {
	q.stats.Waiting--
	if rank, _ := models.RankOf(job.Type); rank < models.DefaultRank {
		q.stats.Prioritized--
	}
	q.pending[job.Type]--
}

func (q *Queue) poke() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) publishJobEvent(ctx context.Context, job models.Job) {
	payload := map[string]any{
		"jobId":    job.ID,
		"type":     job.Type,
		"userId":   job.OwnerID,
		"state":    job.State,
		"progress": job.Progress,
	}
	if job.FailedReason != nil {
		payload["failedReason"] = *job.FailedReason
	}
	if err := q.pub.Publish(ctx, models.EventJobStateChanged, payload); err != nil {
		q.log.Warn().Err(err).Str("job", job.ID).Msg("publish job event")
	}
}
