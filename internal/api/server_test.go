package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"erp-bridge/internal/config"
	"erp-bridge/internal/models"
	"erp-bridge/internal/scheduler"
	"erp-bridge/internal/session"
)

type fakeQueue struct {
	jobs      map[string]models.Job
	enqueued  []string
	cancelErr error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{jobs: make(map[string]models.Job)}
}

func (q *fakeQueue) Enqueue(_ context.Context, opType, ownerID string, payload map[string]any, _ string) (string, error) {
	if opType == "bogus" {
		return "", fmt.Errorf("unknown operation type %q", opType)
	}
	id := fmt.Sprintf("job-%d", len(q.jobs)+1)
	q.jobs[id] = models.Job{ID: id, Type: opType, OwnerID: ownerID, Payload: payload, State: models.StateWaiting}
	q.enqueued = append(q.enqueued, opType)
	return id, nil
}

func (q *fakeQueue) Status(_ context.Context, jobID string) (models.Job, error) {
	job, ok := q.jobs[jobID]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s not found", jobID)
	}
	return job, nil
}

func (q *fakeQueue) Cancel(_ context.Context, jobID string) error { return q.cancelErr }

func (q *fakeQueue) Retry(_ context.Context, jobID string) (string, error) {
	return jobID + "-retry", nil
}

func (q *fakeQueue) Dashboard() (models.QueueStats, []models.ActiveJob) {
	return models.QueueStats{Waiting: 2, Active: 1}, []models.ActiveJob{{UserID: "u1", JobID: "job-1", Type: "sync.orders"}}
}

type fakePoolStats struct{}

func (fakePoolStats) Stats() session.Stats {
	return session.Stats{Sessions: 1, ActiveSessions: 1, MaxSessions: 2}
}

type fakeSched struct{ running bool }

func (s *fakeSched) Start() { s.running = true }
func (s *fakeSched) Stop()  { s.running = false }
func (s *fakeSched) Status() scheduler.Status {
	return scheduler.Status{Running: s.running}
}

type fakeVault struct {
	stored map[string]string
}

func (v *fakeVault) Store(_ context.Context, userID, plaintext string) error {
	if v.stored == nil {
		v.stored = make(map[string]string)
	}
	v.stored[userID] = plaintext
	return nil
}

func (v *fakeVault) Rotate(context.Context, string, string) (int, error) { return 3, nil }

type denyLimiter struct{ allow bool }

func (l denyLimiter) AllowOperation(context.Context, string, string) (bool, float64, error) {
	return l.allow, 0, nil
}

func newTestServer(t *testing.T, cfg config.Config, q *fakeQueue, limiter Limiter) (*httptest.Server, *fakeSched, *fakeVault) {
	t.Helper()
	sched := &fakeSched{}
	vault := &fakeVault{}
	hub := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusSwitchingProtocols) })
	s := New(cfg, q, fakePoolStats{}, sched, vault, hub, limiter, zerolog.Nop())
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return srv, sched, vault
}

func doJSON(t *testing.T, method, url, user, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, decoded
}

func TestEnqueueAndStatus(t *testing.T) {
	q := newFakeQueue()
	srv, _, _ := newTestServer(t, config.Config{}, q, nil)

	code, body := doJSON(t, http.MethodPost, srv.URL+"/api/operations", "u1",
		`{"type":"order.place","data":{"customerCode":"C1"},"idempotencyKey":"k1"}`)
	if code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", code)
	}
	if body["success"] != true || body["jobId"] == "" {
		t.Fatalf("body = %v", body)
	}

	jobID := body["jobId"].(string)
	code, body = doJSON(t, http.MethodGet, srv.URL+"/api/operations/"+jobID, "u1", "")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	job := body["job"].(map[string]any)
	if job["jobId"] != jobID || job["type"] != "order.place" || job["userId"] != "u1" || job["state"] != "waiting" {
		t.Fatalf("job = %v", job)
	}
}

func TestEnqueueRequiresUser(t *testing.T) {
	srv, _, _ := newTestServer(t, config.Config{}, newFakeQueue(), nil)
	code, body := doJSON(t, http.MethodPost, srv.URL+"/api/operations", "", `{"type":"order.place"}`)
	if code != http.StatusBadRequest || body["success"] != false {
		t.Fatalf("code=%d body=%v", code, body)
	}
}

func TestEnqueueUnknownType(t *testing.T) {
	srv, _, _ := newTestServer(t, config.Config{}, newFakeQueue(), nil)
	code, body := doJSON(t, http.MethodPost, srv.URL+"/api/operations", "u1", `{"type":"bogus"}`)
	if code != http.StatusBadRequest || body["success"] != false {
		t.Fatalf("code=%d body=%v", code, body)
	}
}

func TestEnqueueRateLimited(t *testing.T) {
	srv, _, _ := newTestServer(t, config.Config{}, newFakeQueue(), denyLimiter{allow: false})
	code, body := doJSON(t, http.MethodPost, srv.URL+"/api/operations", "u1", `{"type":"order.place"}`)
	if code != http.StatusTooManyRequests || body["success"] != false {
		t.Fatalf("code=%d body=%v", code, body)
	}
}

func TestDashboard(t *testing.T) {
	srv, _, _ := newTestServer(t, config.Config{}, newFakeQueue(), nil)
	code, body := doJSON(t, http.MethodGet, srv.URL+"/api/dashboard", "u1", "")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	queueStats := body["queue"].(map[string]any)
	if queueStats["waiting"] != float64(2) || queueStats["active"] != float64(1) {
		t.Fatalf("queue = %v", queueStats)
	}
	pool := body["sessionPool"].(map[string]any)
	if pool["maxSessions"] != float64(2) {
		t.Fatalf("sessionPool = %v", pool)
	}
	active := body["activeJobs"].([]any)
	if len(active) != 1 {
		t.Fatalf("activeJobs = %v", active)
	}
}

func TestSchedulerEndpoints(t *testing.T) {
	srv, sched, _ := newTestServer(t, config.Config{}, newFakeQueue(), nil)

	if code, _ := doJSON(t, http.MethodPost, srv.URL+"/api/scheduler/start", "u1", ""); code != http.StatusOK {
		t.Fatalf("start status = %d", code)
	}
	if !sched.running {
		t.Fatal("scheduler not started")
	}
	_, body := doJSON(t, http.MethodGet, srv.URL+"/api/scheduler/status", "u1", "")
	if body["running"] != true {
		t.Fatalf("status body = %v", body)
	}
	if code, _ := doJSON(t, http.MethodPost, srv.URL+"/api/scheduler/stop", "u1", ""); code != http.StatusOK {
		t.Fatalf("stop status = %d", code)
	}
	if sched.running {
		t.Fatal("scheduler not stopped")
	}
}

func TestCancelConflict(t *testing.T) {
	q := newFakeQueue()
	q.cancelErr = fmt.Errorf("job job-1 already issued its remote action and cannot be cancelled")
	srv, _, _ := newTestServer(t, config.Config{}, q, nil)

	code, body := doJSON(t, http.MethodPost, srv.URL+"/api/operations/job-1/cancel", "u1", "")
	if code != http.StatusConflict || body["success"] != false {
		t.Fatalf("code=%d body=%v", code, body)
	}
}

func TestRetryEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, config.Config{}, newFakeQueue(), nil)
	code, body := doJSON(t, http.MethodPost, srv.URL+"/api/operations/job-9/retry", "u1", "")
	if code != http.StatusOK || body["jobId"] != "job-9-retry" {
		t.Fatalf("code=%d body=%v", code, body)
	}
}

func TestStoreCredential(t *testing.T) {
	srv, _, vault := newTestServer(t, config.Config{}, newFakeQueue(), nil)

	code, _ := doJSON(t, http.MethodPost, srv.URL+"/api/credentials", "u1",
		`{"userId":"u1","username":"mario","password":"pw"}`)
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	var creds map[string]string
	if err := json.Unmarshal([]byte(vault.stored["u1"]), &creds); err != nil {
		t.Fatalf("stored plaintext not json: %v", err)
	}
	if creds["username"] != "mario" || creds["password"] != "pw" {
		t.Fatalf("stored = %v", creds)
	}

	code, _ = doJSON(t, http.MethodPost, srv.URL+"/api/credentials", "u1", `{"userId":"u1"}`)
	if code != http.StatusBadRequest {
		t.Fatalf("incomplete credential status = %d", code)
	}
}

func TestBearerAuth(t *testing.T) {
	cfg := config.Config{APITokens: []string{"sekret"}}
	srv, _, _ := newTestServer(t, cfg, newFakeQueue(), nil)

	code, _ := doJSON(t, http.MethodGet, srv.URL+"/api/dashboard", "u1", "")
	if code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", code)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/dashboard", nil)
	req.Header.Set("Authorization", "Bearer sekret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status = %d", resp.StatusCode)
	}

	// Health stays open for probes.
	health, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", health.StatusCode)
	}
}
