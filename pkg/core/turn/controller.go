// Package turn decides who holds the floor on a call: it filters echo and
// noise out of caller speech and executes barge-in when the caller really
// interrupts the agent.
package turn

import (
	"context"
	"log/slog"
	"time"

	"github.com/vango-go/vai-callbridge/pkg/core/audio"
)

// State is the turn-taking state of one call. Exactly one is active.
type State int

const (
	AiIdle State = iota
	AiSpeaking
	CandidateUserSpeech
	ConfirmedUserSpeech
	CancelInFlight
)

func (s State) String() string {
	switch s {
	case AiIdle:
		return "AI_IDLE"
	case AiSpeaking:
		return "AI_SPEAKING"
	case CandidateUserSpeech:
		return "CANDIDATE_USER_SPEECH"
	case ConfirmedUserSpeech:
		return "CONFIRMED_USER_SPEECH"
	case CancelInFlight:
		return "CANCEL_IN_FLIGHT"
	default:
		return "UNKNOWN"
	}
}

// Canceler cancels model turns. Cancel must be idempotent per turn.
type Canceler interface {
	Cancel(ctx context.Context, turnID string) (bool, error)
	ClearPendingCancel(turnID string)
}

// Output is the outbound audio queue of the call.
type Output interface {
	Enqueue(f audio.Frame) error
	FlushTurn(turnID string) int
	PendingMedia() int
	LastMediaSentAt() time.Time
}

// Metrics receives turn-taking measurements.
type Metrics interface {
	BargeIn(latency time.Duration)
	Rejected(reason RejectReason)
}

type Config struct {
	// EchoWindow discards speech starting this soon after the last AI audio
	// chunk hit the wire, once no AI audio is left queued.
	EchoWindow time.Duration
	// GreetingProtection suppresses cancellation right after the greeting
	// starts.
	GreetingProtection time.Duration
	// NoResponseTimeout force-finalizes a caller turn this long after the
	// caller stops speaking.
	NoResponseTimeout time.Duration
	// CancelAckTimeout bounds how long an unacknowledged cancellation is
	// remembered.
	CancelAckTimeout time.Duration
	// BargeInTarget is the latency above which a barge-in is logged as slow.
	BargeInTarget time.Duration
	Validation    ValidationConfig
}

func (c Config) withDefaults() Config {
	if c.EchoWindow <= 0 {
		c.EchoWindow = 350 * time.Millisecond
	}
	if c.GreetingProtection <= 0 {
		c.GreetingProtection = 500 * time.Millisecond
	}
	if c.NoResponseTimeout <= 0 {
		c.NoResponseTimeout = 1800 * time.Millisecond
	}
	if c.CancelAckTimeout <= 0 {
		c.CancelAckTimeout = 5 * time.Second
	}
	if c.BargeInTarget <= 0 {
		c.BargeInTarget = 250 * time.Millisecond
	}
	c.Validation = c.Validation.withDefaults()
	return c
}

// PendingCancellation tracks a cancel request awaiting acknowledgement.
type PendingCancellation struct {
	TurnID   string
	InFlight bool
	At       time.Time
}

// Stats counts turn-taking outcomes for the post-call record.
type Stats struct {
	BargeIns           int                  `json:"barge_ins"`
	LastBargeInLatency time.Duration        `json:"last_barge_in_latency"`
	EchoRejections     int                  `json:"echo_rejections"`
	Rejections         map[RejectReason]int `json:"rejections,omitempty"`
	GreetingSuppressed int                  `json:"greeting_suppressed"`
	ForcedFinalized    int                  `json:"forced_finalized"`
}

type Dependencies struct {
	Canceler Canceler
	Output   Output
	Logger   *slog.Logger
	Metrics  Metrics
	Now      func() time.Time
}

// Controller is the turn-taking state machine of one call. It is not safe
// for concurrent use: the call's event loop is its only writer.
type Controller struct {
	cfg      Config
	canceler Canceler
	out      Output
	logger   *slog.Logger
	metrics  Metrics
	now      func() time.Time

	state           State
	aiSpeaking      bool
	activeTurn      string
	lastTurn        string
	pending         PendingCancellation
	lastFlushedTurn string
	lastRejected    string

	candidateOpen   bool
	candidateAt     time.Time
	speechStoppedAt time.Time
	confirmedHold   bool
	confirmedAt     time.Time

	protectUntil        time.Time
	cancellationEnabled bool

	history *History
	stats   Stats
}

func NewController(cfg Config, deps Dependencies) *Controller {
	cfg = cfg.withDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = noopMetrics{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Controller{
		cfg:                 cfg,
		canceler:            deps.Canceler,
		out:                 deps.Output,
		logger:              deps.Logger,
		metrics:             deps.Metrics,
		now:                 deps.Now,
		state:               AiIdle,
		cancellationEnabled: true,
		history:             NewHistory(),
		stats:               Stats{Rejections: make(map[RejectReason]int)},
	}
}

func (c *Controller) State() State                 { return c.state }
func (c *Controller) ActiveTurn() string           { return c.activeTurn }
func (c *Controller) Pending() PendingCancellation { return c.pending }
func (c *Controller) History() *History            { return c.history }

// WasInterrupted reports whether turnID was cut off by the caller. Late
// audio for such a turn must not be played.
func (c *Controller) WasInterrupted(turnID string) bool {
	return turnID != "" && (turnID == c.lastFlushedTurn || turnID == c.pending.TurnID)
}

// Stats returns a copy of the counters.
func (c *Controller) Stats() Stats {
	out := c.stats
	out.Rejections = make(map[RejectReason]int, len(c.stats.Rejections))
	for k, v := range c.stats.Rejections {
		out.Rejections[k] = v
	}
	return out
}

// BeginGreeting starts the greeting protection window.
func (c *Controller) BeginGreeting(at time.Time) {
	c.protectUntil = at.Add(c.cfg.GreetingProtection)
}

// SetCancellationEnabled turns barge-in on or off, e.g. while a farewell
// plays out.
func (c *Controller) SetCancellationEnabled(enabled bool) {
	c.cancellationEnabled = enabled
}

// settle derives the single active state from the underlying flags.
func (c *Controller) settle() {
	prev := c.state
	switch {
	case c.pending.InFlight:
		c.state = CancelInFlight
	case c.candidateOpen:
		c.state = CandidateUserSpeech
	case c.confirmedHold:
		c.state = ConfirmedUserSpeech
	case c.aiSpeaking:
		c.state = AiSpeaking
	default:
		c.state = AiIdle
	}
	if prev != c.state {
		c.logger.Debug("turn state", "from", prev.String(), "to", c.state.String())
	}
}

// OnTurnStarted records that the model began producing turnID.
func (c *Controller) OnTurnStarted(turnID string) {
	c.activeTurn = turnID
	c.lastTurn = turnID
	c.aiSpeaking = true
	c.confirmedHold = false
	c.settle()
}

// OnTurnDone records a finished, cancelled or failed model turn. A done
// event for the turn being cancelled acknowledges the cancellation.
func (c *Controller) OnTurnDone(turnID string) {
	if c.activeTurn == turnID {
		c.activeTurn = ""
		c.aiSpeaking = false
	}
	if c.pending.TurnID == turnID {
		c.pending = PendingCancellation{}
	}
	c.settle()
}

// OnCancelNotActive handles the benign race where the turn being cancelled
// had already finished.
func (c *Controller) OnCancelNotActive(turnID string) {
	if turnID == "" {
		turnID = c.pending.TurnID
	}
	c.logger.Debug("cancel target already finished", "turn_id", turnID)
	if c.pending.TurnID == turnID {
		c.pending = PendingCancellation{}
	}
	if c.activeTurn == turnID {
		c.activeTurn = ""
		c.aiSpeaking = false
	}
	c.settle()
}

// OnSpeechStarted opens a candidate caller utterance unless it falls inside
// the echo window. It reports whether the candidate was opened.
func (c *Controller) OnSpeechStarted(at time.Time) bool {
	if c.isEcho(at) {
		c.stats.EchoRejections++
		c.metrics.Rejected(RejectEcho)
		c.logger.Debug("speech start discarded as echo")
		return false
	}
	c.candidateOpen = true
	c.candidateAt = at
	c.speechStoppedAt = time.Time{}
	c.confirmedHold = false
	c.settle()
	return true
}

func (c *Controller) isEcho(at time.Time) bool {
	if c.out == nil || c.out.PendingMedia() > 0 {
		return false
	}
	last := c.out.LastMediaSentAt()
	if last.IsZero() {
		return false
	}
	since := at.Sub(last)
	return since >= 0 && since < c.cfg.EchoWindow
}

// OnSpeechStopped arms the no-response timeout for the open candidate.
func (c *Controller) OnSpeechStopped(at time.Time) {
	if !c.candidateOpen {
		return
	}
	c.speechStoppedAt = at
}

// OnTranscript validates the transcript of the open candidate and, when it
// is confirmed while the agent is speaking or its audio is still playing,
// executes barge-in.
func (c *Controller) OnTranscript(ctx context.Context, text string, energy, noiseFloor float64, at time.Time) Verdict {
	if !c.candidateOpen {
		c.logger.Debug("transcript without open candidate ignored")
		return Verdict{Normalized: Normalize(text), Reason: RejectNoCandidate}
	}
	end := c.speechStoppedAt
	if end.IsZero() {
		end = at
	}
	v := Validate(Candidate{
		Text:         text,
		Duration:     end.Sub(c.candidateAt),
		Energy:       energy,
		NoiseFloor:   noiseFloor,
		LastRejected: c.lastRejected,
	}, c.cfg.Validation)

	c.candidateOpen = false
	c.speechStoppedAt = time.Time{}

	if !v.Confirmed {
		c.stats.Rejections[v.Reason]++
		c.metrics.Rejected(v.Reason)
		c.lastRejected = v.Normalized
		c.logger.Debug("candidate rejected", "reason", string(v.Reason), "text", v.Normalized)
		c.settle()
		return v
	}

	c.lastRejected = ""
	c.history.AddCaller(text, at)

	generating := c.aiSpeaking && c.activeTurn != "" && !c.pending.InFlight
	target := c.activeTurn
	if !generating {
		target = c.playingTurn()
	}
	if target != "" {
		switch {
		case at.Before(c.protectUntil):
			c.stats.GreetingSuppressed++
			c.logger.Debug("barge-in suppressed during greeting protection", "turn_id", target)
		case !c.cancellationEnabled:
			c.logger.Debug("barge-in disabled", "turn_id", target)
		default:
			c.bargeIn(ctx, target, generating, at)
		}
		if generating {
			c.settle()
			return v
		}
	}

	c.confirmedHold = true
	c.confirmedAt = at
	c.settle()
	return v
}

// playingTurn returns the finished turn whose audio the caller is still
// hearing, or "" when nothing of it is queued.
func (c *Controller) playingTurn() string {
	if c.out == nil || c.lastTurn == "" || c.lastTurn == c.lastFlushedTurn || c.lastTurn == c.pending.TurnID {
		return ""
	}
	if c.out.PendingMedia() == 0 {
		return ""
	}
	return c.lastTurn
}

// bargeIn stops the agent turn the caller interrupted. A turn the model is
// still generating is cancelled; one that only remains queued is flushed.
// Only the speaking flags are cleared; history and session configuration
// are untouched.
func (c *Controller) bargeIn(ctx context.Context, turnID string, cancel bool, confirmedAt time.Time) {
	sent := false
	if cancel {
		c.pending = PendingCancellation{TurnID: turnID, InFlight: true, At: c.now()}
		if c.canceler != nil {
			var err error
			sent, err = c.canceler.Cancel(ctx, turnID)
			if err != nil {
				c.logger.Warn("cancel request failed", "turn_id", turnID, "error", err)
			}
		}
		c.aiSpeaking = false
	}

	flushed := 0
	if c.out != nil && c.lastFlushedTurn != turnID {
		flushed = c.out.FlushTurn(turnID)
		c.lastFlushedTurn = turnID
		if err := c.out.Enqueue(audio.NewClear()); err != nil {
			c.logger.Warn("stream reset not queued", "turn_id", turnID, "error", err)
		}
	}
	c.history.MarkInterrupted(turnID)

	latency := c.now().Sub(confirmedAt)
	c.stats.BargeIns++
	c.stats.LastBargeInLatency = latency
	c.metrics.BargeIn(latency)

	attrs := []any{"turn_id", turnID, "latency_ms", latency.Milliseconds(), "flushed_frames", flushed, "cancel_sent", sent}
	if latency > c.cfg.BargeInTarget {
		c.logger.Warn("slow barge-in", attrs...)
	} else {
		c.logger.Info("barge-in", attrs...)
	}
}

// Tick runs time-based transitions: the no-response timeout and expiry of
// unacknowledged cancellations.
func (c *Controller) Tick(now time.Time) {
	if c.candidateOpen && !c.speechStoppedAt.IsZero() && now.Sub(c.speechStoppedAt) >= c.cfg.NoResponseTimeout {
		c.candidateOpen = false
		c.speechStoppedAt = time.Time{}
		c.stats.ForcedFinalized++
		c.metrics.Rejected(RejectNoResponse)
		c.logger.Debug("caller turn force-finalized after silence")
	}
	if c.confirmedHold && now.Sub(c.confirmedAt) >= c.cfg.NoResponseTimeout {
		c.confirmedHold = false
	}
	if c.pending.InFlight && now.Sub(c.pending.At) >= c.cfg.CancelAckTimeout {
		turnID := c.pending.TurnID
		c.logger.Warn("cancellation never acknowledged, clearing", "turn_id", turnID)
		c.pending = PendingCancellation{}
		if c.canceler != nil {
			c.canceler.ClearPendingCancel(turnID)
		}
		if c.activeTurn == turnID {
			c.activeTurn = ""
		}
	}
	c.settle()
}

// AgentSaid records the final transcript of an agent turn.
func (c *Controller) AgentSaid(turnID, text string, at time.Time) {
	c.history.AddAgent(turnID, text, at)
}

type noopMetrics struct{}

func (noopMetrics) BargeIn(time.Duration) {}
func (noopMetrics) Rejected(RejectReason) {}
