package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/vai-callbridge/pkg/core"
	"github.com/vango-go/vai-callbridge/pkg/gateway/calls"
	"github.com/vango-go/vai-callbridge/pkg/gateway/dialer"
)

type fakeDialer struct {
	mu        sync.Mutex
	jobs      map[string]dialer.Job
	completed []dialer.Outcome
	startErr  error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{jobs: make(map[string]dialer.Job)}
}

func (f *fakeDialer) Enqueue(_ context.Context, job dialer.Job) (dialer.Job, error) {
	job, err := job.Normalize(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	if err != nil {
		return dialer.Job{}, err
	}
	f.mu.Lock()
	f.jobs[job.ID] = job
	f.mu.Unlock()
	return job, nil
}

func (f *fakeDialer) Start(_ context.Context, jobID string) (dialer.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return dialer.Job{}, f.startErr
	}
	job, ok := f.jobs[jobID]
	if !ok {
		return dialer.Job{}, dialer.ErrJobNotFound
	}
	job.Status = dialer.StatusClaimed
	job.Attempts++
	f.jobs[jobID] = job
	return job, nil
}

func (f *fakeDialer) Job(_ context.Context, jobID string) (dialer.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return dialer.Job{}, dialer.ErrJobNotFound
	}
	return job, nil
}

func (f *fakeDialer) Complete(_ context.Context, jobID, token string, out dialer.Outcome) (dialer.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if token != "lease-1" {
		return dialer.Job{}, dialer.ErrLeaseLost
	}
	f.completed = append(f.completed, out)
	return f.jobs[jobID], nil
}

func (f *fakeDialer) outcomes() []dialer.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dialer.Outcome(nil), f.completed...)
}

func jobsMux(h JobsHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/outbound/jobs", h.Create)
	mux.HandleFunc("GET /v1/outbound/jobs/{id}", h.Get)
	mux.HandleFunc("POST /v1/outbound/jobs/{id}/dial", h.Dial)
	return mux
}

func TestJobsHandler_CreateGetDial(t *testing.T) {
	d := newFakeDialer()
	mux := jobsMux(JobsHandler{Dialer: d, MaxBodyBytes: 1 << 10})

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/outbound/jobs",
		strings.NewReader(`{"tenant_id":"acme","to":"+15550001111","max_attempts":3}`)))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("create status=%d body=%q", rr.Code, rr.Body.String())
	}
	var created dialer.Job
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.ID == "" || created.Status != dialer.StatusPending || created.MaxAttempts != 3 {
		t.Fatalf("created=%+v", created)
	}
	if strings.Contains(rr.Body.String(), "lease") {
		t.Fatalf("lease token must not be exposed: %s", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/outbound/jobs/"+created.ID, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("get status=%d", rr.Code)
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/outbound/jobs/"+created.ID+"/dial", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"status":"claimed"`) {
		t.Fatalf("dial status=%d body=%q", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/outbound/jobs/job_missing", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing status=%d", rr.Code)
	}
}

func TestJobsHandler_CreateRejects(t *testing.T) {
	mux := jobsMux(JobsHandler{Dialer: newFakeDialer(), MaxBodyBytes: 64})
	tests := map[string]string{
		"unknown field": `{"tenant_id":"acme","to":"+15550001111","priority":1}`,
		"bad number":    `{"tenant_id":"acme","to":"555-CALL"}`,
		"not json":      `tenant=acme`,
		"too large":     `{"tenant_id":"` + strings.Repeat("a", 100) + `","to":"+15550001111"}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/outbound/jobs", strings.NewReader(body)))
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
			}
			var env struct {
				Error core.Error `json:"error"`
			}
			if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if env.Error.Type != core.ErrInvalidRequest {
				t.Fatalf("type=%q", env.Error.Type)
			}
		})
	}
}

func TestJobsHandler_DialAtCapacity(t *testing.T) {
	d := newFakeDialer()
	d.startErr = dialer.ErrNoCapacity
	mux := jobsMux(JobsHandler{Dialer: d})

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/outbound/jobs/job_1/dial", nil))
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status=%d", rr.Code)
	}
}

func postStatus(h http.Handler, query string, status string) *httptest.ResponseRecorder {
	form := url.Values{"CallSid": {"CA1"}, "CallStatus": {status}}
	req := httptest.NewRequest(http.MethodPost, "/v1/outbound/status?"+query, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestStatusHandler(t *testing.T) {
	d := newFakeDialer()
	h := StatusHandler{Leases: d}

	if rr := postStatus(h, "job_id=job_1&lease_token=lease-1", "ringing"); rr.Code != http.StatusNoContent {
		t.Fatalf("ringing status=%d", rr.Code)
	}
	if got := d.outcomes(); len(got) != 0 {
		t.Fatalf("non-terminal status completed the lease: %+v", got)
	}

	if rr := postStatus(h, "job_id=job_1&lease_token=lease-1", "no-answer"); rr.Code != http.StatusNoContent {
		t.Fatalf("no-answer status=%d", rr.Code)
	}
	got := d.outcomes()
	if len(got) != 1 || got[0].Success || !got[0].Retryable {
		t.Fatalf("outcomes=%+v", got)
	}

	// A lease already released elsewhere is acknowledged.
	if rr := postStatus(h, "job_id=job_1&lease_token=stale", "completed"); rr.Code != http.StatusNoContent {
		t.Fatalf("stale lease status=%d", rr.Code)
	}

	if rr := postStatus(h, "job_id=job_1", "completed"); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing token status=%d", rr.Code)
	}
}

func TestStatusHandler_WithCoordinatorRequeuesBusy(t *testing.T) {
	starter := &recordingStarter{}
	coord, err := dialer.NewCoordinator(dialer.Dependencies{
		Store:   dialer.NewMemoryStore(),
		Starter: starter,
		Config:  dialer.Config{Concurrency: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(coord.Close)

	job, err := coord.Enqueue(context.Background(), dialer.Job{TenantID: "acme", To: "+15550001111", MaxAttempts: 2})
	if err != nil {
		t.Fatal(err)
	}
	first := starter.waitFor(t, 1)

	rr := postStatus(StatusHandler{Leases: coord}, "job_id="+job.ID+"&lease_token="+first.LeaseToken, "busy")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}

	second := starter.waitFor(t, 2)
	if second.ID != job.ID || second.LeaseToken == first.LeaseToken || second.Attempts != 2 {
		t.Fatalf("second dial=%+v", second)
	}
}

type recordingStarter struct {
	mu   sync.Mutex
	jobs []dialer.Job
}

func (s *recordingStarter) StartCall(_ context.Context, job dialer.Job) (string, error) {
	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	s.mu.Unlock()
	return "CA" + job.ID, nil
}

func (s *recordingStarter) waitFor(t *testing.T, n int) dialer.Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		if len(s.jobs) >= n {
			job := s.jobs[n-1]
			s.mu.Unlock()
			return job
		}
		s.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d dials", n)
	return dialer.Job{}
}

func TestCallsHandler_Hangup(t *testing.T) {
	tracker := calls.NewTracker()
	var reason string
	unregister := tracker.Register("call_1", calls.Handle{
		TenantID: "acme",
		Hangup:   func(r string) { reason = r },
	})
	defer unregister()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/calls/{id}/hangup", CallsHandler{Calls: tracker}.Hangup)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/calls/call_1/hangup", nil))
	if rr.Code != http.StatusAccepted || reason != "external" {
		t.Fatalf("status=%d reason=%q", rr.Code, reason)
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/calls/call_2/hangup", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown call status=%d", rr.Code)
	}
}
