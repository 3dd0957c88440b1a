package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vango-go/vai-callbridge/pkg/core"
	"github.com/vango-go/vai-callbridge/pkg/gateway/call"
	"github.com/vango-go/vai-callbridge/pkg/gateway/calls"
	"github.com/vango-go/vai-callbridge/pkg/gateway/dialer"
	"github.com/vango-go/vai-callbridge/pkg/gateway/mw"
)

// Dialer is the part of the outbound coordinator the job API uses.
type Dialer interface {
	LeaseCompleter
	Enqueue(ctx context.Context, job dialer.Job) (dialer.Job, error)
	Start(ctx context.Context, jobID string) (dialer.Job, error)
	Job(ctx context.Context, jobID string) (dialer.Job, error)
}

type createJobRequest struct {
	TenantID    string `json:"tenant_id"`
	To          string `json:"to"`
	From        string `json:"from,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
}

// JobsHandler serves the outbound job API:
//
//	POST /v1/outbound/jobs            queue a call
//	GET  /v1/outbound/jobs/{id}       job state
//	POST /v1/outbound/jobs/{id}/dial  claim a slot and dial now
type JobsHandler struct {
	Dialer       Dialer
	MaxBodyBytes int64
	Logger       *slog.Logger
}

func (h JobsHandler) Create(w http.ResponseWriter, r *http.Request) {
	req, err := decodeStrict[createJobRequest](r, h.MaxBodyBytes)
	if err != nil {
		writeErrorJSON(w, r, err)
		return
	}
	job, err := h.Dialer.Enqueue(r.Context(), dialer.Job{
		TenantID:    strings.TrimSpace(req.TenantID),
		To:          strings.TrimSpace(req.To),
		From:        strings.TrimSpace(req.From),
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		writeErrorJSON(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (h JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.Dialer.Job(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErrorJSON(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h JobsHandler) Dial(w http.ResponseWriter, r *http.Request) {
	job, err := h.Dialer.Start(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErrorJSON(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// StatusHandler receives call status callbacks for outbound calls. Calls that
// never reach the media endpoint (busy, no answer, failed) release their
// lease here.
type StatusHandler struct {
	Leases LeaseCompleter
	Logger *slog.Logger
}

func (h StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	reqID, _ := mw.RequestIDFrom(r.Context())
	q := r.URL.Query()
	jobID, token := q.Get("job_id"), q.Get("lease_token")
	if jobID == "" || token == "" {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrInvalidRequest, Message: "job_id and lease_token are required"}, http.StatusBadRequest)
		return
	}
	status := r.PostFormValue("CallStatus")
	out, terminal := dialer.OutcomeFromCallStatus(status)
	if !terminal {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	job, err := h.Leases.Complete(r.Context(), jobID, token, out)
	switch {
	case err == nil:
		if h.Logger != nil {
			h.Logger.Info("outbound call finished",
				"request_id", reqID,
				"job_id", jobID,
				"call_status", status,
				"job_status", job.Status,
			)
		}
	case errors.Is(err, dialer.ErrLeaseLost), errors.Is(err, dialer.ErrJobNotFound):
		// Already released by the media stream or the reaper.
	default:
		writeErrorJSON(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CallsHandler lets operators end a live call.
type CallsHandler struct {
	Calls *calls.Tracker
}

// Hangup handles POST /v1/calls/{id}/hangup.
func (h CallsHandler) Hangup(w http.ResponseWriter, r *http.Request) {
	if !h.Calls.Hangup(r.PathValue("id"), call.ReasonExternal) {
		writeErrorJSON(w, r, core.NewNotFoundError("call not found"))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func decodeStrict[T any](r *http.Request, maxBytes int64) (T, error) {
	var v T
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
	if err != nil {
		return v, core.NewInvalidRequestError("failed to read request body")
	}
	if int64(len(body)) > maxBytes {
		return v, core.NewInvalidRequestError(fmt.Sprintf("request body exceeds %d bytes", maxBytes))
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, core.NewInvalidRequestError("invalid JSON body: " + err.Error())
	}
	return v, nil
}
