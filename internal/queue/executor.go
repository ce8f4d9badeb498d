package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"erp-bridge/internal/erp"
	"erp-bridge/internal/models"
	"erp-bridge/internal/session"
	"erp-bridge/internal/telemetry"
)

// Handler executes one operation type against an acquired session.
type Handler func(ctx context.Context, exec *Execution) (map[string]any, error)

// Execution is the handler's view of a running job: the session to drive,
// the payload, and the cooperation points for cancel and progress.
type Execution struct {
	Job     models.Job
	Session erp.Session
	q       *Queue
}

// Checkpoint is a safe point to honor a pending cancel. Handlers call it
// before each remote step; once MarkIrreversible has been called the job
// can no longer be cancelled and Checkpoint always passes.
func (e *Execution) Checkpoint() error {
	e.q.mu.Lock()
	r, ok := e.q.inflight[e.Job.ID]
	asked := ok && r.cancelAsked && !r.irreversible
	e.q.mu.Unlock()
	if asked {
		return erp.Errf(erp.KindCancelled, "cancelled at checkpoint")
	}
	return nil
}

// MarkIrreversible latches the point of no return: the next remote step has
// business side effects that cannot be rolled back.
func (e *Execution) MarkIrreversible() {
	e.q.mu.Lock()
	if r, ok := e.q.inflight[e.Job.ID]; ok {
		r.irreversible = true
	}
	e.q.mu.Unlock()
}

// Progress records completion percent and pushes a sync-progress event.
func (e *Execution) Progress(ctx context.Context, percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if err := e.q.store.SetProgress(ctx, e.Job.ID, percent); err != nil {
		e.q.log.Warn().Err(err).Str("job", e.Job.ID).Msg("record progress")
	}
	_ = e.q.pub.Publish(ctx, models.EventSyncProgress, map[string]any{
		"jobId":    e.Job.ID,
		"type":     e.Job.Type,
		"userId":   e.Job.OwnerID,
		"progress": percent,
	})
}

// execute runs one dispatched job to a terminal state.
func (q *Queue) execute(ctx context.Context, job models.Job, seq uint64) {
	acquireCtx, cancelAcquire := context.WithTimeout(ctx, q.cfg.AcquireBudget)
	slot, err := q.pool.Acquire(acquireCtx, job.OwnerID)
	cancelAcquire()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			// A cancel accepted while we waited for a slot must not be lost
			// in the requeue; settle it now, before the job ever runs.
			q.mu.Lock()
			r, ok := q.inflight[job.ID]
			cancelAsked := ok && r.cancelAsked
			if !cancelAsked {
				delete(q.inflight, job.ID)
				q.requeueLocked(job, seq)
			}
			q.mu.Unlock()
			if cancelAsked {
				q.finish(ctx, job, nil, erp.Errf(erp.KindCancelled, "cancelled while waiting for a session"))
				return
			}
			// No slot within budget (or shutdown): not a failure, the job
			// just keeps waiting at its original position.
			q.poke()
			return
		}
		q.finish(ctx, job, nil, err)
		return
	}

	if err := q.store.MarkActive(ctx, job.ID); err != nil {
		q.log.Error().Err(err).Str("job", job.ID).Msg("mark active")
	}
	q.mu.Lock()
	q.stats.Waiting--
	if rank, _ := models.RankOf(job.Type); rank < models.DefaultRank {
		q.stats.Prioritized--
	}
	q.stats.Active++
	if r, ok := q.inflight[job.ID]; ok {
		r.job.State = models.StateActive
	}
	q.mu.Unlock()
	job.State = models.StateActive
	_ = q.store.AppendAudit(ctx, job.ID, "started", fmt.Sprintf("slot=%s", slot.ID))
	q.publishJobEvent(ctx, job)
	telemetry.JobsActive.Inc()

	started := time.Now()
	attemptCtx, cancelAttempt := context.WithTimeout(ctx, q.cfg.AttemptTimeout)
	result, err := q.runAttempt(attemptCtx, job, slot)
	timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
	cancelAttempt()
	telemetry.AttemptDuration.WithLabelValues(job.Type).Observe(time.Since(started).Seconds())
	telemetry.JobsActive.Dec()

	switch {
	case err == nil:
		q.pool.Release(slot.ID)
		q.finish(ctx, job, result, nil)
	case timedOut:
		// Forcibly release the slot; the session state is unknown after a
		// hung interaction.
		q.pool.Invalidate(ctx, slot.ID, false)
		q.finish(ctx, job, nil, erp.Wrap(erp.KindPermanent,
			fmt.Sprintf("attempt timed out after %s", q.cfg.AttemptTimeout), err))
	case erp.IsAuthExpired(err):
		q.pool.Invalidate(ctx, slot.ID, true)
		q.finish(ctx, job, nil, err)
	default:
		q.pool.Release(slot.ID)
		q.finish(ctx, job, nil, err)
	}
}

// runAttempt invokes the type handler, absorbing transient upstream
// failures up to the configured ceiling. The ceiling is scoped to this one
// attempt; exceeding it fails the job and nothing is resubmitted.
func (q *Queue) runAttempt(ctx context.Context, job models.Job, slot *session.Slot) (map[string]any, error) {
	handler, ok := q.handlers[job.Type]
	if !ok {
		return nil, erp.Errf(erp.KindPermanent, "no handler registered for type %q", job.Type)
	}
	exec := &Execution{Job: job, Session: slot.Session, q: q}

	if err := exec.Checkpoint(); err != nil {
		return nil, err
	}

	for try := 0; ; try++ {
		result, err := handler(ctx, exec)
		if err == nil {
			return result, nil
		}
		if !erp.IsTransient(err) || ctx.Err() != nil || try >= q.cfg.TransientRetryLimit {
			return nil, err
		}
		wait := backoffWithJitter(250*time.Millisecond, 2*time.Second, try+1)
		q.log.Debug().Err(err).Str("job", job.ID).Int("try", try+1).
			Dur("backoff", wait).Msg("transient failure, retrying within attempt")
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(wait):
		}
		if cerr := exec.Checkpoint(); cerr != nil {
			return nil, cerr
		}
	}
}

// finish settles the job's terminal state and wakes the dispatcher.
func (q *Queue) finish(ctx context.Context, job models.Job, result map[string]any, err error) {
	q.mu.Lock()
	wasActive := false
	if r, ok := q.inflight[job.ID]; ok {
		wasActive = r.job.State == models.StateActive
		delete(q.inflight, job.ID)
	}
	if wasActive {
		q.stats.Active--
	} else {
		// Failed before ever going active (e.g. missing credential).
		q.stats.Waiting--
		if rank, _ := models.RankOf(job.Type); rank < models.DefaultRank {
			q.stats.Prioritized--
		}
	}
	q.pending[job.Type]--
	if err == nil {
		q.stats.Completed++
	} else {
		q.stats.Failed++
	}
	q.mu.Unlock()
	q.poke()

	if err == nil {
		if serr := q.store.MarkCompleted(ctx, job.ID, result); serr != nil {
			q.log.Error().Err(serr).Str("job", job.ID).Msg("mark completed")
		}
		_ = q.store.AppendAudit(ctx, job.ID, "completed", "")
		telemetry.JobsCompleted.Inc()
		job.State = models.StateCompleted
		job.Progress = 100
		job.Result = result
		q.publishJobEvent(ctx, job)
		if isSyncType(job.Type) {
			_ = q.pub.Publish(ctx, models.EventSyncCompleted, map[string]any{
				"jobId":  job.ID,
				"type":   job.Type,
				"userId": job.OwnerID,
				"result": result,
			})
		}
		return
	}

	reason := failedReason(err)
	if serr := q.store.MarkFailed(ctx, job.ID, reason); serr != nil {
		q.log.Error().Err(serr).Str("job", job.ID).Msg("mark failed")
	}
	_ = q.store.AppendAudit(ctx, job.ID, "failed", reason)
	if erp.KindOf(err) == erp.KindCancelled {
		telemetry.JobsCancelled.Inc()
	} else {
		telemetry.JobsFailed.Inc()
	}
	q.log.Warn().Str("job", job.ID).Str("type", job.Type).Str("reason", reason).Msg("job failed")
	job.State = models.StateFailed
	job.FailedReason = &reason
	q.publishJobEvent(ctx, job)
}

func isSyncType(opType string) bool {
	for _, t := range models.SyncTypes() {
		if t == opType {
			return true
		}
	}
	return false
}

// failedReason renders a human-readable reason with the taxonomy prefix.
func failedReason(err error) string {
	var e *erp.Error
	if errors.As(err, &e) {
		return e.Error()
	}
	return fmt.Sprintf("%s: %v", erp.KindOf(err), err)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
