package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/vango-go/vai-callbridge/pkg/core"
	"github.com/vango-go/vai-callbridge/pkg/gateway/call"
	"github.com/vango-go/vai-callbridge/pkg/gateway/calls"
	"github.com/vango-go/vai-callbridge/pkg/gateway/dialer"
	"github.com/vango-go/vai-callbridge/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-callbridge/pkg/gateway/media"
	"github.com/vango-go/vai-callbridge/pkg/gateway/mw"
)

// LeaseCompleter releases the dial slot of an outbound call.
type LeaseCompleter interface {
	Complete(ctx context.Context, jobID, token string, out dialer.Outcome) (dialer.Job, error)
}

// MediaHandler accepts telephony media streams on /v1/media and runs one
// call per connection.
type MediaHandler struct {
	Media     media.Config
	Call      call.Config
	Logger    *slog.Logger
	Lifecycle *lifecycle.Lifecycle
	Calls     *calls.Tracker
	Prompts   call.PromptProvider
	Sink      call.Sink
	Metrics   call.Metrics
	Dial      call.Dialer
	// Leases is nil when outbound dialing is not configured; outbound
	// streams are refused then.
	Leases LeaseCompleter
	Now    func() time.Time
}

func (h MediaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if h.Lifecycle.IsDraining() {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrExhausted, Message: "bridge is draining", Code: "draining"}, http.StatusServiceUnavailable)
		return
	}

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := h.Now
	if now == nil {
		now = time.Now
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := media.NewConn(ws, h.Media, logger)
	defer conn.Close()

	start, err := conn.AwaitStart(r.Context())
	if err != nil {
		logger.Warn("media handshake failed", "request_id", reqID, "error", err)
		return
	}

	callID := "call_" + strings.ToLower(ulid.Make().String())
	sess, err := call.NewSession(callID, start, now())
	if err != nil {
		logger.Warn("rejecting media stream", "request_id", reqID, "stream_sid", start.StreamSID, "error", err)
		return
	}
	if sess.Direction == call.DirectionOutbound && h.Leases == nil {
		logger.Warn("rejecting outbound stream: dialing not configured", "stream_sid", sess.StreamSID, "job_id", sess.JobID)
		return
	}

	deps := call.Dependencies{
		Session: sess,
		Media:   conn,
		Dial:    h.Dial,
		Prompts: h.Prompts,
		Sink:    h.Sink,
		Metrics: h.Metrics,
		Logger:  logger,
		Now:     now,
		Config:  h.Call,
	}
	if sess.Direction == call.DirectionOutbound {
		deps.OnClose = h.releaseLease(logger, sess)
	}

	ctrl, err := call.NewController(deps)
	if err != nil {
		logger.Error("call setup failed", "call_id", callID, "error", err)
		return
	}

	unregister := h.Calls.Register(callID, calls.Handle{
		TenantID:  sess.TenantID,
		Direction: string(sess.Direction),
		Hangup:    ctrl.Hangup,
		Close:     ctrl.Close,
	})
	defer unregister()

	// The request context ends with this handler; the call owns its lifetime
	// until the stream stops or a hangup completes.
	if err := ctrl.Run(context.WithoutCancel(r.Context())); err != nil {
		logger.Warn("call ended with error", "call_id", callID, "error", err)
	}
}

// releaseLease returns the OnClose hook of an outbound call. A call that
// never produced a conversation is retried when attempts remain.
func (h MediaHandler) releaseLease(logger *slog.Logger, sess call.Session) func(context.Context, call.Record) {
	return func(ctx context.Context, rec call.Record) {
		out := dialer.Outcome{
			Success:   !rec.Failed(),
			Retryable: rec.Failed(),
			Reason:    rec.HangupReason,
		}
		_, err := h.Leases.Complete(ctx, sess.JobID, sess.LeaseToken, out)
		switch {
		case err == nil:
		case errors.Is(err, dialer.ErrLeaseLost):
			// The status callback got there first.
			logger.Debug("lease already released", "job_id", sess.JobID)
		default:
			logger.Warn("lease release failed", "job_id", sess.JobID, "error", err)
		}
	}
}
