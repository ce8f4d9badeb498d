// Package api exposes the bridge's HTTP surface: the operation queue,
// dashboard, scheduler control, credential management, and the realtime
// websocket endpoint.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"erp-bridge/internal/config"
	"erp-bridge/internal/models"
	"erp-bridge/internal/scheduler"
	"erp-bridge/internal/session"
	"erp-bridge/internal/telemetry"
)

// OperationQueue is the queue surface the API exposes; *queue.Queue
// satisfies it.
type OperationQueue interface {
	Enqueue(ctx context.Context, opType, ownerID string, payload map[string]any, idempotencyKey string) (string, error)
	Status(ctx context.Context, jobID string) (models.Job, error)
	Cancel(ctx context.Context, jobID string) error
	Retry(ctx context.Context, jobID string) (string, error)
	Dashboard() (models.QueueStats, []models.ActiveJob)
}

// PoolStats reports session pool occupancy; *session.Pool satisfies it.
type PoolStats interface {
	Stats() session.Stats
}

// SchedulerControl drives the auto-sync scheduler; *scheduler.Scheduler
// satisfies it.
type SchedulerControl interface {
	Start()
	Stop()
	Status() scheduler.Status
}

// CredentialStore is the vault surface for credential management;
// *vault.Vault satisfies it.
type CredentialStore interface {
	Store(ctx context.Context, userID, plaintext string) error
	Rotate(ctx context.Context, oldSecret, newSecret string) (int, error)
}

// Limiter bounds per-user submission rates; *ratelimit.TokenBucket
// satisfies it. A nil limiter disables limiting.
type Limiter interface {
	AllowOperation(ctx context.Context, userID, opType string) (bool, float64, error)
}

// Server wires the HTTP handlers.
type Server struct {
	cfg     config.Config
	queue   OperationQueue
	pool    PoolStats
	sched   SchedulerControl
	vault   CredentialStore
	hub     http.Handler
	limiter Limiter
	log     zerolog.Logger
}

// New constructs the API server.
func New(cfg config.Config, q OperationQueue, pool PoolStats, sched SchedulerControl, v CredentialStore, hub http.Handler, limiter Limiter, log zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		queue:   q,
		pool:    pool,
		sched:   sched,
		vault:   v,
		hub:     hub,
		limiter: limiter,
		log:     log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/ws", s.hub)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.auth)
		r.Post("/operations", s.handleEnqueue)
		r.Get("/operations/{id}", s.handleStatus)
		r.Post("/operations/{id}/cancel", s.handleCancel)
		r.Post("/operations/{id}/retry", s.handleRetry)
		r.Get("/dashboard", s.handleDashboard)
		r.Post("/scheduler/start", s.handleSchedulerStart)
		r.Post("/scheduler/stop", s.handleSchedulerStop)
		r.Get("/scheduler/status", s.handleSchedulerStatus)
		r.Post("/credentials", s.handleStoreCredential)
		r.Post("/credentials/rotate", s.handleRotate)
	})
	return r
}

type enqueueRequest struct {
	Type           string         `json:"type"`
	Data           map[string]any `json:"data"`
	IdempotencyKey string         `json:"idempotencyKey"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	userID := userFromRequest(r)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "X-User-ID header is required")
		return
	}
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.AllowOperation(r.Context(), userID, req.Type)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	jobID, err := s.queue.Enqueue(r.Context(), req.Type, userID, req.Data, req.IdempotencyKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "jobId": jobID})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "job": jobView(job)})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	jobID, err := s.queue.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "jobId": jobID})
}

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	stats, active := s.queue.Dashboard()
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"queue":       stats,
		"activeJobs":  active,
		"sessionPool": s.pool.Stats(),
	})
}

func (s *Server) handleSchedulerStart(w http.ResponseWriter, _ *http.Request) {
	s.sched.Start()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleSchedulerStop(w http.ResponseWriter, _ *http.Request) {
	s.sched.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, _ *http.Request) {
	status := s.sched.Status()
	intervals := make(map[string]string, len(status.Intervals))
	for k, v := range status.Intervals {
		intervals[k] = v.String()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"running":          status.Running,
		"perTypeIntervals": intervals,
	})
}

type credentialRequest struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleStoreCredential saves a user's remote-system credential after the
// UI has verified it, so sessions can be re-established unattended.
func (s *Server) handleStoreCredential(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.UserID == "" || req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "userId, username and password are required")
		return
	}
	plaintext, err := json.Marshal(map[string]string{
		"username": req.Username,
		"password": req.Password,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode credential")
		return
	}
	if err := s.vault.Store(r.Context(), req.UserID, string(plaintext)); err != nil {
		s.log.Error().Err(err).Str("user", req.UserID).Msg("store credential")
		writeError(w, http.StatusInternalServerError, "store credential")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type rotateRequest struct {
	OldSecret string `json:"oldSecret"`
	NewSecret string `json:"newSecret"`
}

func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	var req rotateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	migrated, err := s.vault.Rotate(r.Context(), req.OldSecret, req.NewSecret)
	if err != nil {
		s.log.Error().Err(err).Msg("rotate vault secret")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "countMigrated": migrated})
}

// auth enforces the configured bearer tokens; an empty list disables auth
// for local development.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.cfg.APITokens) > 0 {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			ok := false
			for _, t := range s.cfg.APITokens {
				if token == t {
					ok = true
					break
				}
			}
			if !ok {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// jobView is the external job shape.
func jobView(job models.Job) map[string]any {
	view := map[string]any{
		"jobId":    job.ID,
		"type":     job.Type,
		"userId":   job.OwnerID,
		"state":    job.State,
		"progress": job.Progress,
	}
	if job.Result != nil {
		view["result"] = job.Result
	}
	if job.FailedReason != nil {
		view["failedReason"] = *job.FailedReason
	}
	if job.RetryOf != nil {
		view["retryOf"] = *job.RetryOf
	}
	if job.RetryCount > 0 {
		view["retryCount"] = job.RetryCount
	}
	return view
}

func userFromRequest(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"success": false, "error": msg})
}
