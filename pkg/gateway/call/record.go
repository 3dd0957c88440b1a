package call

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vango-go/vai-callbridge/pkg/core/turn"
)

// Record is the post-call summary handed to a Sink when a call closes.
type Record struct {
	CallID    string    `json:"call_id"`
	TenantID  string    `json:"tenant_id"`
	Direction Direction `json:"direction"`
	StreamSID string    `json:"stream_sid"`
	CallSID   string    `json:"call_sid,omitempty"`
	JobID     string    `json:"job_id,omitempty"`

	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
	DurationMS   int64     `json:"duration_ms"`
	HangupReason string    `json:"hangup_reason"`
	Error        string    `json:"error,omitempty"`

	Transcript []turn.Entry `json:"transcript"`
	Turns      int          `json:"turns"`
	BargeIns   int          `json:"barge_ins"`

	EchoRejections int               `json:"echo_rejections"`
	Rejections     map[string]int    `json:"rejections,omitempty"`
	FramesSent     uint64            `json:"frames_sent"`
	FramesDropped  map[string]uint64 `json:"frames_dropped,omitempty"`
	InboundDropped uint64            `json:"inbound_dropped"`
	ConfigResends  int               `json:"config_resends"`
	DTMF           string            `json:"dtmf,omitempty"`
}

// Failed reports whether the call ended without a usable conversation.
func (r Record) Failed() bool {
	return r.HangupReason == ReasonFatalError && r.Turns == 0
}

// Sink receives post-call records. Submit is called off the call's hot
// path with a bounded context.
type Sink interface {
	Submit(ctx context.Context, r Record) error
}

// LogSink writes a one-line summary of each record.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Submit(_ context.Context, r Record) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("call record",
		"call_id", r.CallID,
		"tenant_id", r.TenantID,
		"direction", string(r.Direction),
		"job_id", r.JobID,
		"duration_ms", r.DurationMS,
		"hangup_reason", r.HangupReason,
		"turns", r.Turns,
		"barge_ins", r.BargeIns,
		"echo_rejections", r.EchoRejections,
		"frames_sent", r.FramesSent,
		"dtmf", r.DTMF,
	)
	return nil
}

// WebhookSink POSTs each record as JSON, retrying transient failures.
type WebhookSink struct {
	URL     string
	Client  *http.Client
	Retries uint64
	Backoff time.Duration
}

func NewWebhookSink(url string, client *http.Client) *WebhookSink {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookSink{URL: url, Client: client, Retries: 3, Backoff: 250 * time.Millisecond}
}

func (s *WebhookSink) Submit(ctx context.Context, r Record) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode call record: %w", err)
	}
	backoff := retry.WithMaxRetries(s.Retries, retry.NewExponential(s.Backoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", r.CallID)
		resp, err := s.Client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		switch {
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return retry.RetryableError(fmt.Errorf("call record webhook: status %d", resp.StatusCode))
		case resp.StatusCode >= 300:
			return fmt.Errorf("call record webhook: status %d", resp.StatusCode)
		}
		return nil
	})
}

// MultiSink fans a record out to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Submit(ctx context.Context, r Record) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Submit(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
