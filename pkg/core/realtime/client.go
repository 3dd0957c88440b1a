package realtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-go/vai-callbridge/pkg/core"
)

var (
	// ErrConfigureTimeout is wrapped in a fatal session error when the
	// backend never acknowledges the session configuration.
	ErrConfigureTimeout = errors.New("session configuration not acknowledged")
	ErrNotConfigured    = errors.New("realtime session not configured")
	ErrPayloadTooLarge  = errors.New("payload exceeds size limit")
	ErrPayloadConflict  = errors.New("payload already injected with different content")
)

// CodeCancelNotActive is the backend error code for cancelling a turn that
// has already ended.
const CodeCancelNotActive = "response_cancel_not_active"

// PayloadKind names a one-time conversation payload.
type PayloadKind string

const (
	PayloadSystem PayloadKind = "system"
	PayloadScript PayloadKind = "script"
)

type Config struct {
	// SoftTimeout triggers one forced resend of an unacknowledged config.
	SoftTimeout time.Duration
	// HardTimeout, measured from the first send, fails the session.
	HardTimeout     time.Duration
	MaxPayloadBytes int
	EventBuffer     int
}

func (c Config) withDefaults() Config {
	if c.SoftTimeout <= 0 {
		c.SoftTimeout = 3 * time.Second
	}
	if c.HardTimeout <= 0 {
		c.HardTimeout = 8 * time.Second
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = 32 * 1024
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 512
	}
	return c
}

// Client owns one call's AI session: configuration handshake, input gating,
// one-time payloads and idempotent turn cancellation.
type Client struct {
	t      Transport
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	configured bool
	ack        chan struct{}
	inputOpen  bool
	activeTurn string
	cancelTurn string
	cancelAt   time.Time
	payloads   map[PayloadKind]string
	resends    int

	closing atomic.Bool
	events  chan Event
}

func NewClient(t Transport, cfg Config, logger *slog.Logger) *Client {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		t:        t,
		cfg:      cfg,
		logger:   logger,
		payloads: make(map[PayloadKind]string),
		events:   make(chan Event, cfg.EventBuffer),
	}
}

// Events delivers transport events after the client has applied them to its
// own state. Closed when Run returns.
func (c *Client) Events() <-chan Event { return c.events }

// Run pumps transport events until the transport closes or ctx is done.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)
	in := c.t.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-in:
			if !ok {
				closed := Event{Type: EventClosed, At: time.Now(), Fatal: !c.closing.Load()}
				if closed.Fatal {
					closed.Err = core.NewFatalSessionError("realtime transport closed", nil)
				}
				select {
				case c.events <- closed:
				case <-ctx.Done():
				}
				return nil
			}
			ev = c.observe(ev)
			select {
			case c.events <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (c *Client) observe(ev Event) Event {
	if ev.Type == EventError && ev.Code == CodeCancelNotActive {
		ev.Type = EventCancelNotActive
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev.Type {
	case EventSessionUpdated:
		if c.ack != nil {
			c.configured = true
			c.inputOpen = true
			close(c.ack)
			c.ack = nil
		}
	case EventTurnStarted:
		c.activeTurn = ev.TurnID
	case EventTurnDone:
		if c.activeTurn == ev.TurnID {
			c.activeTurn = ""
		}
		if c.cancelTurn == ev.TurnID {
			c.cancelTurn = ""
		}
	case EventCancelNotActive:
		c.logger.Debug("cancel raced turn completion", "turn_id", c.cancelTurn)
		if ev.TurnID == "" {
			ev.TurnID = c.cancelTurn
		}
		c.cancelTurn = ""
		c.activeTurn = ""
	}
	return ev
}

// Configure sends the session configuration and waits for the backend to
// acknowledge it. An unacknowledged config is resent once with the force
// flag after SoftTimeout; HardTimeout after the first send fails the session
// with a fatal error wrapping ErrConfigureTimeout. Configure is a no-op once
// the session is configured.
func (c *Client) Configure(ctx context.Context, sc SessionConfig) error {
	c.mu.Lock()
	if c.configured {
		c.mu.Unlock()
		return nil
	}
	ack := make(chan struct{})
	c.ack = ack
	c.mu.Unlock()

	start := time.Now()
	if err := c.t.UpdateSession(ctx, sc, false); err != nil {
		return core.NewFatalSessionError("send session config", err)
	}

	soft := time.NewTimer(c.cfg.SoftTimeout)
	defer soft.Stop()
	hard := time.NewTimer(c.cfg.HardTimeout)
	defer hard.Stop()

	for {
		select {
		case <-ack:
			c.logger.Info("realtime session configured", "elapsed_ms", time.Since(start).Milliseconds())
			return nil
		case <-soft.C:
			c.mu.Lock()
			c.resends++
			c.mu.Unlock()
			c.logger.Warn("session config not acknowledged, resending", "elapsed_ms", time.Since(start).Milliseconds())
			if err := c.t.UpdateSession(ctx, sc, true); err != nil {
				return core.NewFatalSessionError("resend session config", err)
			}
		case <-hard.C:
			c.mu.Lock()
			c.ack = nil
			c.mu.Unlock()
			return &core.Error{
				Type:    core.ErrFatalSession,
				Code:    "config_timeout",
				Message: fmt.Sprintf("no acknowledgement after %s", c.cfg.HardTimeout),
				Err:     ErrConfigureTimeout,
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Configured reports whether the backend acknowledged the session config.
func (c *Client) Configured() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.configured
}

// ConfigResends returns how many forced config resends were needed.
func (c *Client) ConfigResends() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resends
}

// SetInputGate opens or closes caller-audio forwarding.
func (c *Client) SetInputGate(open bool) {
	c.mu.Lock()
	c.inputOpen = open
	c.mu.Unlock()
}

// AppendAudio forwards caller audio. Audio is refused before configuration
// is acknowledged and silently discarded while the input gate is closed.
func (c *Client) AppendAudio(ctx context.Context, ulaw []byte) error {
	c.mu.Lock()
	configured, open := c.configured, c.inputOpen
	c.mu.Unlock()
	if !configured {
		return ErrNotConfigured
	}
	if !open {
		return nil
	}
	return c.t.AppendAudio(ctx, ulaw)
}

// InjectPayload adds a system or script payload to the conversation exactly
// once per call. Re-injecting identical content is a no-op; different
// content for the same kind is refused. Oversized payloads are rejected, not
// truncated. It reports whether the payload was sent.
func (c *Client) InjectPayload(ctx context.Context, kind PayloadKind, text string) (bool, error) {
	if len(text) > c.cfg.MaxPayloadBytes {
		return false, fmt.Errorf("%w: %s payload is %d bytes, limit %d", ErrPayloadTooLarge, kind, len(text), c.cfg.MaxPayloadBytes)
	}
	sum := sha256.Sum256([]byte(text))
	hash := hex.EncodeToString(sum[:])

	c.mu.Lock()
	if !c.configured {
		c.mu.Unlock()
		return false, ErrNotConfigured
	}
	if prev, ok := c.payloads[kind]; ok {
		c.mu.Unlock()
		if prev == hash {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s", ErrPayloadConflict, kind)
	}
	c.payloads[kind] = hash
	c.mu.Unlock()

	if err := c.t.InjectText(ctx, text); err != nil {
		c.mu.Lock()
		delete(c.payloads, kind)
		c.mu.Unlock()
		return false, err
	}
	c.logger.Debug("payload injected", "kind", kind, "bytes", len(text), "sha256", hash[:12])
	return true, nil
}

// PayloadHash returns the hex sha-256 of the injected payload, or "".
func (c *Client) PayloadHash(kind PayloadKind) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.payloads[kind]
}

// CreateResponse asks the model to start a turn.
func (c *Client) CreateResponse(ctx context.Context, instructions string) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	return c.t.CreateResponse(ctx, instructions)
}

// Cancel requests cancellation of turnID. The request is sent only when that
// turn is the active one and no cancellation for it is already in flight,
// so repeated calls are safe. It reports whether a request went out.
func (c *Client) Cancel(ctx context.Context, turnID string) (bool, error) {
	c.mu.Lock()
	if turnID == "" || c.activeTurn != turnID || c.cancelTurn == turnID {
		c.mu.Unlock()
		return false, nil
	}
	c.cancelTurn = turnID
	c.cancelAt = time.Now()
	c.mu.Unlock()

	if err := c.t.CancelResponse(ctx, turnID); err != nil {
		c.mu.Lock()
		if c.cancelTurn == turnID {
			c.cancelTurn = ""
		}
		c.mu.Unlock()
		return false, err
	}
	return true, nil
}

// ActiveTurn returns the model turn currently producing output, or "".
func (c *Client) ActiveTurn() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeTurn
}

// PendingCancel returns the turn with a cancellation in flight and when it
// was sent.
func (c *Client) PendingCancel() (string, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelTurn, c.cancelAt
}

// ClearPendingCancel forgets an unacknowledged cancellation.
func (c *Client) ClearPendingCancel(turnID string) {
	c.mu.Lock()
	if c.cancelTurn == turnID {
		c.cancelTurn = ""
	}
	c.mu.Unlock()
}

// Close closes the transport. Events emitted afterwards are not treated as a
// session failure.
func (c *Client) Close() error {
	c.closing.Store(true)
	return c.t.Close()
}
