package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/vango-go/vai-callbridge/pkg/core"
	"github.com/vango-go/vai-callbridge/pkg/core/audio"
	"github.com/vango-go/vai-callbridge/pkg/core/realtime"
	"github.com/vango-go/vai-callbridge/pkg/core/turn"
	"github.com/vango-go/vai-callbridge/pkg/gateway/media/pacer"
	"github.com/vango-go/vai-callbridge/pkg/gateway/media/protocol"
)

const fallbackTurnID = "fallback"

// Media is the telephony side of a call. *media.Conn implements it.
type Media interface {
	pacer.Sink
	Inbound() <-chan any
	ReadLoop(ctx context.Context) error
	KeepAlive(ctx context.Context) error
	DroppedInbound() uint64
	Close() error
}

// Dialer opens the realtime model transport for a call.
type Dialer func(ctx context.Context, s Session) (realtime.Transport, error)

// Metrics receives call measurements. One instance is shared by all calls.
type Metrics interface {
	pacer.Recorder
	turn.Metrics
	CallStarted(dir Direction)
	CallEnded(dir Direction, reason string, d time.Duration)
	ConfigResends(n int)
}

type Config struct {
	Pacer    pacer.Config
	Turn     turn.Config
	Realtime realtime.Config

	VAD                realtime.VADConfig
	TranscriptionModel string
	Voice              string

	TickInterval   time.Duration
	HangupBuffer   time.Duration
	HangupTimeout  time.Duration
	MaxDuration    time.Duration
	SinkTimeout    time.Duration
	ReleaseTimeout time.Duration

	// OutputBacklog is how many frames of model audio may wait for room in
	// the pacer. Beyond it the oldest waiting audio is dropped.
	OutputBacklog int

	// FallbackAudio is μ-law audio played before hanging up after a fatal
	// session error.
	FallbackAudio []byte
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	if c.HangupBuffer <= 0 {
		c.HangupBuffer = 2 * time.Second
	}
	if c.HangupTimeout <= 0 {
		c.HangupTimeout = 15 * time.Second
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = 30 * time.Minute
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = 10 * time.Second
	}
	if c.ReleaseTimeout <= 0 {
		c.ReleaseTimeout = 5 * time.Second
	}
	if c.OutputBacklog <= 0 {
		c.OutputBacklog = 3000
	}
	return c
}

type Dependencies struct {
	Session Session
	Media   Media
	Dial    Dialer
	Prompts PromptProvider
	Sink    Sink
	Metrics Metrics
	Logger  *slog.Logger
	Now     func() time.Time
	// OnClose runs once after the call has closed, before the record is
	// submitted. Outbound calls release their dial slot here.
	OnClose func(ctx context.Context, r Record)
	Config  Config
}

// Controller runs the lifecycle of one call. Run owns all call state; the
// only methods safe to use from other goroutines are Hangup, Close, State
// and Session.
type Controller struct {
	session Session
	media   Media
	dial    Dialer
	prompts PromptProvider
	sink    Sink
	metrics Metrics
	logger  *slog.Logger
	now     func() time.Time
	onClose func(context.Context, Record)
	cfg     Config

	ctx    context.Context
	cancel context.CancelFunc

	pacer *pacer.Pacer
	out   *outputQueue
	ai    *realtime.Client
	turn  *turn.Controller

	state     atomic.Int32
	hangupReq chan string
	closeOnce sync.Once

	// Owned by the event loop.
	prompt       Prompt
	greetingTurn string
	framer       audio.Framer
	framerTurn   string
	floor        *audio.NoiseFloor
	meter        audio.Meter
	measuring    bool
	hangupReason string
	hangupAt     time.Time
	drainedAt    time.Time
	aiDead       bool
	turns        int
	dtmf         strings.Builder
	failure      error
	logAppend    rate.Sometimes
}

func NewController(deps Dependencies) (*Controller, error) {
	if deps.Media == nil {
		return nil, fmt.Errorf("media is required")
	}
	if deps.Dial == nil {
		return nil, fmt.Errorf("realtime dialer is required")
	}
	if deps.Prompts == nil {
		return nil, fmt.Errorf("prompt provider is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = noopMetrics{}
	}
	if deps.Sink == nil {
		deps.Sink = LogSink{Logger: deps.Logger}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Session.StartedAt.IsZero() {
		deps.Session.StartedAt = deps.Now()
	}
	cfg := deps.Config.withDefaults()
	logger := deps.Logger.With(
		"call_id", deps.Session.ID,
		"tenant_id", deps.Session.TenantID,
		"direction", string(deps.Session.Direction),
		"stream_sid", deps.Session.StreamSID,
	)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		session:   deps.Session,
		media:     deps.Media,
		dial:      deps.Dial,
		prompts:   deps.Prompts,
		sink:      deps.Sink,
		metrics:   deps.Metrics,
		logger:    logger,
		now:       deps.Now,
		onClose:   deps.OnClose,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		hangupReq: make(chan string, 1),
		floor:     audio.NewNoiseFloor(0.01),
		logAppend: rate.Sometimes{Interval: 5 * time.Second},
	}
	c.pacer = pacer.New(cfg.Pacer, deps.Media, logger, deps.Metrics)
	c.out = newOutputQueue(c.pacer, cfg.OutputBacklog)
	c.turn = c.newTurn(nil)
	c.state.Store(int32(StateSetup))
	return c, nil
}

func (c *Controller) newTurn(whitelist []string) *turn.Controller {
	cfg := c.cfg.Turn
	if len(whitelist) > 0 {
		cfg.Validation.Whitelist = whitelist
	}
	return turn.NewController(cfg, turn.Dependencies{
		Canceler: aiCanceler{c: c},
		Output:   c.out,
		Logger:   c.logger,
		Metrics:  c.metrics,
		Now:      c.now,
	})
}

func (c *Controller) Session() Session { return c.session }

func (c *Controller) State() State { return State(c.state.Load()) }

// Hangup asks the call to finish its current output and hang up. It never
// blocks; repeated requests are ignored.
func (c *Controller) Hangup(reason string) {
	select {
	case c.hangupReq <- reason:
	default:
	}
}

// Close stops the call immediately: pending audio is dropped and the media
// stream is closed. Safe to call more than once and from any goroutine.
func (c *Controller) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		c.pacer.Close()
		err = c.media.Close()
		c.cancel()
	})
	return err
}

// Run drives the call until it closes. It returns after every call
// goroutine has stopped, the lease has been released and the post-call
// record has been handed to the sink.
func (c *Controller) Run(parent context.Context) error {
	stopLink := context.AfterFunc(parent, c.cancel)
	defer stopLink()
	defer c.cancel()

	c.metrics.CallStarted(c.session.Direction)
	c.logger.Info("call started")

	g, gctx := errgroup.WithContext(c.ctx)
	c.goSafe(g, "media_read", func() error { return c.media.ReadLoop(gctx) })
	c.goSafe(g, "keepalive", func() error { return c.media.KeepAlive(gctx) })
	c.goSafe(g, "pacer", func() error { return c.pacer.Run(gctx) })
	c.goSafe(g, "event_loop", func() error {
		defer c.Close()
		return c.loop(gctx, g, parent)
	})

	err := g.Wait()
	_ = c.Close()
	c.out.discard()
	if c.ai != nil {
		_ = c.ai.Close()
	}

	rec := c.record()
	c.metrics.CallEnded(c.session.Direction, rec.HangupReason, time.Duration(rec.DurationMS)*time.Millisecond)
	c.logger.Info("call closed",
		"reason", rec.HangupReason,
		"duration_ms", rec.DurationMS,
		"turns", rec.Turns,
		"barge_ins", rec.BargeIns,
		"frames_sent", rec.FramesSent,
	)
	if c.onClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ReleaseTimeout)
		c.onClose(ctx, rec)
		cancel()
	}
	go c.submit(rec)

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (c *Controller) goSafe(g *errgroup.Group, name string, fn func() error) {
	g.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("call goroutine panicked", "goroutine", name, "panic", r, "stack", string(debug.Stack()))
				err = fmt.Errorf("%s: panic: %v", name, r)
			}
		}()
		return fn()
	})
}

func (c *Controller) submit(rec Record) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SinkTimeout)
	defer cancel()
	if err := c.sink.Submit(ctx, rec); err != nil {
		c.logger.Warn("call record not delivered", "error", err)
	}
}

func (c *Controller) loop(ctx context.Context, g *errgroup.Group, parent context.Context) error {
	setupCtx, cancelSetup := context.WithCancel(ctx)
	w := c.watchSetup(setupCtx, cancelSetup)
	err := c.setup(setupCtx, ctx, g)
	cancelSetup()
	switch <-w {
	case setupStopped:
		c.logger.Info("caller hung up during setup")
		c.finish(ReasonCallerHangup)
		return nil
	case setupInboundClosed:
		c.finish(closeReason(parent))
		return nil
	}
	if err != nil {
		if ctx.Err() != nil {
			c.finish(closeReason(parent))
			return nil
		}
		c.fail(err)
	}

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()
	maxTimer := time.NewTimer(c.cfg.MaxDuration)
	defer maxTimer.Stop()

	inbound := c.media.Inbound()
	var events <-chan realtime.Event
	if c.ai != nil {
		events = c.ai.Events()
	}

	for {
		select {
		case <-ctx.Done():
			c.finish(closeReason(parent))
			return nil
		case msg, ok := <-inbound:
			if !ok {
				c.finish(closeReason(parent))
				return nil
			}
			if c.handleInbound(ctx, msg) {
				return nil
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				c.aiDead = true
				continue
			}
			c.handleEvent(ctx, ev)
		case <-ticker.C:
			c.pump()
			now := c.now()
			c.turn.Tick(now)
			if c.State() == StateHangupPending && c.hangupDrained(now) {
				c.finish(c.hangupReason)
				return nil
			}
		case <-maxTimer.C:
			c.logger.Info("call reached max duration", "max", c.cfg.MaxDuration.String())
			c.beginHangup(ReasonMaxDuration)
		case reason := <-c.hangupReq:
			c.beginHangup(reason)
		}
	}
}

type setupOutcome int

const (
	setupDone setupOutcome = iota
	setupStopped
	setupInboundClosed
)

// watchSetup reads the telephony stream while setup blocks the event loop.
// A stop message or a closed stream cancels setup. Caller audio only feeds
// the noise floor since no session exists yet to forward it to. The
// returned channel yields once the watcher has exited; until then it is the
// only reader of inbound state.
func (c *Controller) watchSetup(ctx context.Context, cancel context.CancelFunc) <-chan setupOutcome {
	out := make(chan setupOutcome, 1)
	inbound := c.media.Inbound()
	go func() {
		for {
			select {
			case <-ctx.Done():
				out <- setupDone
				return
			case msg, ok := <-inbound:
				if !ok {
					cancel()
					out <- setupInboundClosed
					return
				}
				switch m := msg.(type) {
				case protocol.Media:
					c.floor.Observe(audio.UlawRMS(m.Payload))
				case protocol.DTMF:
					c.dtmf.WriteString(m.Digit)
				case protocol.Stop:
					cancel()
					out <- setupStopped
					return
				}
			}
		}
	}()
	return out
}

func closeReason(parent context.Context) string {
	if parent.Err() != nil {
		return ReasonShutdown
	}
	return ReasonTransportLost
}

// setup loads the prompt, opens and configures the AI session, injects the
// one-time payloads and starts the greeting. ctx bounds setup itself;
// runCtx bounds the session reader, which outlives setup.
func (c *Controller) setup(ctx, runCtx context.Context, g *errgroup.Group) error {
	prompt, err := c.prompts.Prompt(ctx, c.session.TenantID, c.session.Direction)
	if err != nil {
		return fmt.Errorf("load prompt: %w", err)
	}
	if len(prompt.HangupPhrases) == 0 {
		prompt.HangupPhrases = DefaultHangupPhrases
	}
	c.prompt = prompt
	if len(prompt.Whitelist) > 0 {
		c.turn = c.newTurn(prompt.Whitelist)
	}

	transport, err := c.dial(ctx, c.session)
	if err != nil {
		return core.NewFatalSessionError("dial realtime session", err)
	}
	c.ai = realtime.NewClient(transport, c.cfg.Realtime, c.logger)
	ai := c.ai
	c.goSafe(g, "realtime", func() error { return ai.Run(runCtx) })

	err = c.ai.Configure(ctx, c.sessionConfig())
	if n := c.ai.ConfigResends(); n > 0 {
		c.metrics.ConfigResends(n)
	}
	if err != nil {
		return err
	}

	payloads := []struct {
		kind realtime.PayloadKind
		text string
	}{
		{realtime.PayloadSystem, prompt.System},
		{realtime.PayloadScript, prompt.Script},
	}
	for _, p := range payloads {
		if strings.TrimSpace(p.text) == "" {
			continue
		}
		if _, err := c.ai.InjectPayload(ctx, p.kind, p.text); err != nil {
			return core.NewFatalSessionError(fmt.Sprintf("inject %s payload", p.kind), err)
		}
	}

	c.setState(StateGreeting)
	c.turn.BeginGreeting(c.now())
	if err := c.ai.CreateResponse(ctx, prompt.Greeting); err != nil {
		return core.NewFatalSessionError("start greeting", err)
	}
	return nil
}

func (c *Controller) sessionConfig() realtime.SessionConfig {
	voice := c.prompt.Voice
	if voice == "" {
		voice = c.cfg.Voice
	}
	return realtime.SessionConfig{
		Voice:               voice,
		Language:            c.prompt.Language,
		TranscriptionModel:  c.cfg.TranscriptionModel,
		TranscriptionPrompt: c.prompt.TranscriptionPrompt,
		Temperature:         c.prompt.Temperature,
		VAD:                 c.cfg.VAD,
	}
}

// handleInbound processes one telephony message and reports whether the
// call has ended.
func (c *Controller) handleInbound(ctx context.Context, msg any) bool {
	switch m := msg.(type) {
	case protocol.Media:
		energy := audio.UlawRMS(m.Payload)
		if c.measuring {
			c.meter.Add(energy)
		} else {
			c.floor.Observe(energy)
		}
		if c.ai == nil {
			return false
		}
		if err := c.ai.AppendAudio(ctx, m.Payload); err != nil && !errors.Is(err, realtime.ErrNotConfigured) {
			c.logAppend.Do(func() {
				c.logger.Warn("caller audio not forwarded", "error", err)
			})
		}
	case protocol.DTMF:
		c.dtmf.WriteString(m.Digit)
		c.logger.Info("dtmf", "digit", m.Digit)
	case protocol.Mark:
		c.logger.Debug("playback mark reached", "name", m.Name)
	case protocol.Stop:
		c.logger.Info("caller hung up")
		c.finish(ReasonCallerHangup)
		return true
	}
	return false
}

func (c *Controller) handleEvent(ctx context.Context, ev realtime.Event) {
	now := ev.At
	if now.IsZero() {
		now = c.now()
	}
	switch ev.Type {
	case realtime.EventTurnStarted:
		c.turns++
		c.turn.OnTurnStarted(ev.TurnID)
		if c.State() == StateGreeting && c.greetingTurn == "" {
			c.greetingTurn = ev.TurnID
		}
	case realtime.EventAudio:
		c.playAudio(ev.TurnID, ev.Audio)
	case realtime.EventAgentTranscript:
		if !ev.Final {
			return
		}
		c.turn.AgentSaid(ev.TurnID, ev.Text, now)
		if c.State() < StateHangupPending && containsHangupPhrase(ev.Text, c.prompt.HangupPhrases) {
			c.logger.Info("agent ended the conversation", "turn_id", ev.TurnID)
			c.beginHangup(ReasonAgentHangup)
		}
	case realtime.EventTurnDone:
		c.endTurnAudio(ev.TurnID, ev.Status)
		c.turn.OnTurnDone(ev.TurnID)
		if ev.TurnID == c.greetingTurn && c.State() == StateGreeting {
			c.setState(StateActive)
		}
	case realtime.EventSpeechStarted:
		if c.turn.OnSpeechStarted(now) {
			c.meter.Start()
			c.measuring = true
		}
	case realtime.EventSpeechStopped:
		c.turn.OnSpeechStopped(now)
		c.meter.Stop()
		c.measuring = false
	case realtime.EventCallerTranscript:
		if !ev.Final {
			return
		}
		c.meter.Stop()
		c.measuring = false
		c.turn.OnTranscript(ctx, ev.Text, c.meter.Mean(), c.floor.Level(), now)
	case realtime.EventCancelNotActive:
		c.turn.OnCancelNotActive(ev.TurnID)
	case realtime.EventError:
		switch {
		case ev.Fatal:
			c.fail(ev.Err)
		case core.IsBenign(ev.Err):
			c.logger.Debug("realtime protocol race", "code", ev.Code)
		default:
			c.logger.Warn("realtime error", "code", ev.Code, "error", ev.Err)
		}
	case realtime.EventClosed:
		c.aiDead = true
		if ev.Fatal {
			c.fail(ev.Err)
		}
	}
}

// playAudio cuts model audio into wire frames and queues them. Audio of an
// interrupted turn is discarded.
func (c *Controller) playAudio(turnID string, data []byte) {
	if len(data) == 0 || c.turn.WasInterrupted(turnID) || c.State() == StateClosed {
		return
	}
	if turnID != c.framerTurn {
		c.flushFramer()
		c.framerTurn = turnID
	}
	for _, f := range c.framer.Push(data) {
		c.enqueue(audio.NewMedia(turnID, f))
	}
}

func (c *Controller) endTurnAudio(turnID, status string) {
	if turnID != c.framerTurn {
		return
	}
	if status == realtime.StatusCompleted {
		c.flushFramer()
		c.enqueue(audio.NewMark(turnID))
	} else {
		c.framer.Reset()
	}
	c.framerTurn = ""
}

func (c *Controller) flushFramer() {
	if f := c.framer.Flush(); f != nil {
		c.enqueue(audio.NewMedia(c.framerTurn, f))
	}
}

func (c *Controller) enqueue(f audio.Frame) {
	if err := c.out.Enqueue(f); err != nil && !errors.Is(err, pacer.ErrClosed) {
		c.logger.Warn("outbound frame not queued", "class", f.Class.String(), "error", err)
	}
}

func (c *Controller) pump() {
	if err := c.out.Pump(); err != nil && !errors.Is(err, pacer.ErrClosed) {
		c.logger.Warn("outbound backlog not moved", "backlog", c.out.Len(), "error", err)
	}
}

// fail handles an unrecoverable AI session error: the caller hears the
// fallback phrase and the call hangs up. Other calls are unaffected.
func (c *Controller) fail(err error) {
	if err == nil {
		err = core.NewFatalSessionError("realtime session failed", nil)
	}
	if c.failure == nil {
		c.failure = err
	}
	c.aiDead = true
	if c.State() >= StateHangupPending {
		c.logger.Warn("realtime session ended during hangup", "error", err)
		return
	}
	c.logger.Error("realtime session failed", "error", err)
	if active := c.turn.ActiveTurn(); active != "" {
		c.out.FlushTurn(active)
	}
	c.playFallback()
	c.beginHangup(ReasonFatalError)
}

func (c *Controller) playFallback() {
	if len(c.cfg.FallbackAudio) == 0 {
		return
	}
	var fr audio.Framer
	for _, f := range fr.Push(c.cfg.FallbackAudio) {
		c.enqueue(audio.NewMedia(fallbackTurnID, f))
	}
	if f := fr.Flush(); f != nil {
		c.enqueue(audio.NewMedia(fallbackTurnID, f))
	}
}

func (c *Controller) beginHangup(reason string) {
	if !c.setState(StateHangupPending) {
		return
	}
	c.hangupReason = reason
	c.hangupAt = c.now()
	c.turn.SetCancellationEnabled(false)
	if c.ai != nil {
		c.ai.SetInputGate(false)
	}
	c.logger.Info("hangup pending", "reason", reason)
}

// hangupDrained reports whether a pending hangup may close the call: the
// agent has finished speaking, the backlog and the pacer are empty and
// HangupBuffer has passed since then. HangupTimeout bounds the wait.
func (c *Controller) hangupDrained(now time.Time) bool {
	if now.Sub(c.hangupAt) >= c.cfg.HangupTimeout {
		c.logger.Warn("hangup drain timed out", "depth", c.pacer.Depth(), "backlog", c.out.Len(), "active_turn", c.turn.ActiveTurn())
		return true
	}
	agentDone := c.aiDead || c.turn.ActiveTurn() == ""
	if !agentDone || c.out.Len() > 0 || c.pacer.Depth() > 0 {
		c.drainedAt = time.Time{}
		return false
	}
	if c.drainedAt.IsZero() {
		c.drainedAt = now
	}
	return now.Sub(c.drainedAt) >= c.cfg.HangupBuffer
}

func (c *Controller) finish(reason string) {
	if c.hangupReason == "" {
		c.hangupReason = reason
	}
	c.setState(StateClosed)
	_ = c.Close()
}

func (c *Controller) setState(next State) bool {
	cur := c.State()
	if cur == next {
		return false
	}
	if !cur.canTransition(next) {
		c.logger.Warn("invalid call state transition", "from", cur.String(), "to", next.String())
		return false
	}
	c.state.Store(int32(next))
	c.logger.Debug("call state", "from", cur.String(), "to", next.String())
	return true
}

func (c *Controller) record() Record {
	ended := c.now()
	st := c.turn.Stats()
	ps := c.pacer.Stats()
	reason := c.hangupReason
	if reason == "" {
		reason = ReasonTransportLost
	}
	rec := Record{
		CallID:         c.session.ID,
		TenantID:       c.session.TenantID,
		Direction:      c.session.Direction,
		StreamSID:      c.session.StreamSID,
		CallSID:        c.session.CallSID,
		JobID:          c.session.JobID,
		StartedAt:      c.session.StartedAt,
		EndedAt:        ended,
		DurationMS:     ended.Sub(c.session.StartedAt).Milliseconds(),
		HangupReason:   reason,
		Transcript:     c.turn.History().Entries(),
		Turns:          c.turns,
		BargeIns:       st.BargeIns,
		EchoRejections: st.EchoRejections,
		FramesSent:     ps.Sent,
		InboundDropped: c.media.DroppedInbound(),
		DTMF:           c.dtmf.String(),
	}
	if len(st.Rejections) > 0 {
		rec.Rejections = make(map[string]int, len(st.Rejections))
		for k, v := range st.Rejections {
			rec.Rejections[string(k)] = v
		}
	}
	if len(ps.Dropped) > 0 {
		rec.FramesDropped = make(map[string]uint64, len(ps.Dropped))
		for k, v := range ps.Dropped {
			rec.FramesDropped[string(k)] = v
		}
	}
	if c.ai != nil {
		rec.ConfigResends = c.ai.ConfigResends()
	}
	if c.failure != nil {
		rec.Error = c.failure.Error()
	}
	return rec
}

type aiCanceler struct {
	c *Controller
}

func (a aiCanceler) Cancel(ctx context.Context, turnID string) (bool, error) {
	if a.c.ai == nil {
		return false, nil
	}
	return a.c.ai.Cancel(ctx, turnID)
}

func (a aiCanceler) ClearPendingCancel(turnID string) {
	if a.c.ai != nil {
		a.c.ai.ClearPendingCancel(turnID)
	}
}

type noopMetrics struct{}

func (noopMetrics) FrameSent(time.Duration)                    {}
func (noopMetrics) FramesDropped(pacer.DropReason, int)        {}
func (noopMetrics) Backpressure()                              {}
func (noopMetrics) QueueDepth(int)                             {}
func (noopMetrics) BargeIn(time.Duration)                      {}
func (noopMetrics) Rejected(turn.RejectReason)                 {}
func (noopMetrics) CallStarted(Direction)                      {}
func (noopMetrics) CallEnded(Direction, string, time.Duration) {}
func (noopMetrics) ConfigResends(int)                          {}
