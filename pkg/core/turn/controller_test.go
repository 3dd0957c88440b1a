package turn

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/vango-go/vai-callbridge/pkg/core/audio"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.t = c.t.Add(d)
	return c.t
}

type fakeCanceler struct {
	calls   []string
	cleared []string
	err     error
}

func (f *fakeCanceler) Cancel(_ context.Context, turnID string) (bool, error) {
	f.calls = append(f.calls, turnID)
	return f.err == nil, f.err
}

func (f *fakeCanceler) ClearPendingCancel(turnID string) {
	f.cleared = append(f.cleared, turnID)
}

type fakeOutput struct {
	frames   []audio.Frame
	flushes  []string
	pending  int
	lastSent time.Time
}

func (f *fakeOutput) Enqueue(fr audio.Frame) error {
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeOutput) FlushTurn(turnID string) int {
	f.flushes = append(f.flushes, turnID)
	n := f.pending
	f.pending = 0
	return n
}

func (f *fakeOutput) PendingMedia() int          { return f.pending }
func (f *fakeOutput) LastMediaSentAt() time.Time { return f.lastSent }

type fakeMetrics struct {
	bargeIns []time.Duration
	rejected []RejectReason
}

func (f *fakeMetrics) BargeIn(d time.Duration) { f.bargeIns = append(f.bargeIns, d) }
func (f *fakeMetrics) Rejected(r RejectReason) { f.rejected = append(f.rejected, r) }

type harness struct {
	clk     *fakeClock
	cancel  *fakeCanceler
	out     *fakeOutput
	metrics *fakeMetrics
	c       *Controller
}

func newHarness() *harness {
	h := &harness{
		clk:     &fakeClock{t: time.Unix(1_700_000_000, 0)},
		cancel:  &fakeCanceler{},
		out:     &fakeOutput{},
		metrics: &fakeMetrics{},
	}
	h.c = NewController(Config{}, Dependencies{
		Canceler: h.cancel,
		Output:   h.out,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:  h.metrics,
		Now:      h.clk.Now,
	})
	return h
}

// speak drives a full caller utterance of length d ending in text.
func (h *harness) speak(text string, d time.Duration, energy float64) Verdict {
	ctx := context.Background()
	h.c.OnSpeechStarted(h.clk.Now())
	h.c.OnSpeechStopped(h.clk.Advance(d))
	return h.c.OnTranscript(ctx, text, energy, 0.01, h.clk.Advance(40*time.Millisecond))
}

func TestController_BargeIn(t *testing.T) {
	h := newHarness()
	h.c.OnTurnStarted("resp_1")
	h.c.AgentSaid("resp_1", "Hello, I am calling about your appointment", h.clk.Now())
	h.out.pending = 40
	h.clk.Advance(2 * time.Second)

	v := h.speak("wait I have a question", 900*time.Millisecond, 0.2)
	if !v.Confirmed {
		t.Fatalf("expected confirmation, got %q", v.Reason)
	}
	if h.c.State() != CancelInFlight {
		t.Fatalf("state=%s, want CANCEL_IN_FLIGHT", h.c.State())
	}
	if len(h.cancel.calls) != 1 || h.cancel.calls[0] != "resp_1" {
		t.Fatalf("cancels=%v", h.cancel.calls)
	}
	if len(h.out.flushes) != 1 || h.out.flushes[0] != "resp_1" {
		t.Fatalf("flushes=%v", h.out.flushes)
	}
	if len(h.out.frames) != 1 || h.out.frames[0].Control != audio.ControlClear {
		t.Fatalf("expected one clear frame, got %+v", h.out.frames)
	}
	if len(h.metrics.bargeIns) != 1 {
		t.Fatalf("barge-in latency not recorded")
	}

	// Ack arrives as a cancelled turn.
	h.c.OnTurnDone("resp_1")
	if h.c.State() != AiIdle {
		t.Fatalf("state=%s, want AI_IDLE", h.c.State())
	}
	if p := h.c.Pending(); p.InFlight {
		t.Fatalf("pending not cleared: %+v", p)
	}

	entries := h.c.History().Entries()
	if len(entries) != 2 {
		t.Fatalf("history len=%d, want 2", len(entries))
	}
	if !entries[0].Interrupted || entries[1].Role != RoleCaller {
		t.Fatalf("unexpected history %+v", entries)
	}
	if got := h.c.Stats().BargeIns; got != 1 {
		t.Fatalf("BargeIns=%d, want 1", got)
	}
}

func TestController_SingleFlushPerTurn(t *testing.T) {
	h := newHarness()
	h.c.OnTurnStarted("resp_1")
	h.out.pending = 10
	h.clk.Advance(time.Second)
	h.speak("hold on a second", 800*time.Millisecond, 0.2)

	// The cancel race: not-active reply, then the same turn resumes in a
	// late event and the caller interrupts again.
	h.c.OnCancelNotActive("resp_1")
	h.c.OnTurnStarted("resp_1")
	h.out.pending = 5
	h.clk.Advance(time.Second)
	h.speak("no really hold on", 800*time.Millisecond, 0.2)

	if len(h.out.flushes) != 1 {
		t.Fatalf("flushes=%v, want one", h.out.flushes)
	}
	if len(h.cancel.calls) != 2 {
		t.Fatalf("cancels=%v, want two dispatch attempts", h.cancel.calls)
	}
}

func TestController_CancelErrorStillFlushes(t *testing.T) {
	h := newHarness()
	h.cancel.err = errors.New("socket write failed")
	h.c.OnTurnStarted("resp_1")
	h.out.pending = 3
	h.clk.Advance(time.Second)
	h.speak("please stop talking", 800*time.Millisecond, 0.2)

	if len(h.out.flushes) != 1 {
		t.Fatalf("flush should happen even if cancel dispatch fails")
	}
	if h.c.State() != CancelInFlight {
		t.Fatalf("state=%s, want CANCEL_IN_FLIGHT", h.c.State())
	}
}

func TestController_EchoWindow(t *testing.T) {
	tests := []struct {
		name    string
		since   time.Duration
		pending int
		opened  bool
	}{
		{name: "inside window", since: 200 * time.Millisecond, opened: false},
		{name: "at window", since: 350 * time.Millisecond, opened: true},
		{name: "outside window", since: 600 * time.Millisecond, opened: true},
		{name: "media still pending", since: 100 * time.Millisecond, pending: 4, opened: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.out.lastSent = h.clk.Now()
			h.out.pending = tt.pending
			got := h.c.OnSpeechStarted(h.clk.Advance(tt.since))
			if got != tt.opened {
				t.Fatalf("opened=%v, want %v", got, tt.opened)
			}
			wantEcho := 0
			if !tt.opened {
				wantEcho = 1
			}
			if h.c.Stats().EchoRejections != wantEcho {
				t.Fatalf("EchoRejections=%d, want %d", h.c.Stats().EchoRejections, wantEcho)
			}
		})
	}
}

func TestController_EchoDiscardsTranscript(t *testing.T) {
	h := newHarness()
	h.c.OnTurnStarted("resp_1")
	h.out.lastSent = h.clk.Now()
	h.c.OnSpeechStarted(h.clk.Advance(100 * time.Millisecond))
	h.c.OnSpeechStopped(h.clk.Advance(time.Second))
	v := h.c.OnTranscript(context.Background(), "calling about your appointment", 0.3, 0.01, h.clk.Now())
	if v.Confirmed {
		t.Fatalf("echo transcript must not confirm")
	}
	if len(h.cancel.calls) != 0 {
		t.Fatalf("echo must not cancel")
	}
	if h.c.History().Len() != 0 {
		t.Fatalf("echo must not enter history")
	}
}

func TestController_GreetingProtection(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	// Caller starts talking just before the greeting goes out.
	h.c.OnSpeechStarted(h.clk.Now())
	h.c.BeginGreeting(h.clk.Advance(300 * time.Millisecond))
	h.c.OnTurnStarted("greet")
	h.c.OnSpeechStopped(h.clk.Advance(300 * time.Millisecond))
	v := h.c.OnTranscript(ctx, "hello who is this", 0.3, 0.01, h.clk.Advance(50*time.Millisecond))
	if !v.Confirmed {
		t.Fatalf("expected confirmation, got %q", v.Reason)
	}
	if len(h.cancel.calls) != 0 {
		t.Fatalf("cancel during greeting protection")
	}
	if h.c.Stats().GreetingSuppressed != 1 {
		t.Fatalf("GreetingSuppressed=%d, want 1", h.c.Stats().GreetingSuppressed)
	}
	if h.c.State() != AiSpeaking {
		t.Fatalf("state=%s, want AI_SPEAKING", h.c.State())
	}

	h.clk.Advance(time.Second)
	h.speak("hello who is this please", 800*time.Millisecond, 0.3)
	if len(h.cancel.calls) != 1 {
		t.Fatalf("expected cancel after protection window, got %v", h.cancel.calls)
	}
}

func TestController_CancellationDisabled(t *testing.T) {
	h := newHarness()
	h.c.SetCancellationEnabled(false)
	h.c.OnTurnStarted("bye")
	h.clk.Advance(time.Second)
	h.speak("wait one more thing", 800*time.Millisecond, 0.3)
	if len(h.cancel.calls) != 0 || len(h.out.flushes) != 0 {
		t.Fatalf("no barge-in expected while cancellation disabled")
	}
}

func TestController_NoResponseTimeout(t *testing.T) {
	h := newHarness()
	h.c.OnSpeechStarted(h.clk.Now())
	h.c.OnSpeechStopped(h.clk.Advance(700 * time.Millisecond))
	if h.c.State() != CandidateUserSpeech {
		t.Fatalf("state=%s, want CANDIDATE_USER_SPEECH", h.c.State())
	}

	h.c.Tick(h.clk.Advance(1700 * time.Millisecond))
	if h.c.State() != CandidateUserSpeech {
		t.Fatalf("finalized too early")
	}
	h.c.Tick(h.clk.Advance(200 * time.Millisecond))
	if h.c.State() != AiIdle {
		t.Fatalf("state=%s, want AI_IDLE", h.c.State())
	}
	if h.c.Stats().ForcedFinalized != 1 {
		t.Fatalf("ForcedFinalized=%d, want 1", h.c.Stats().ForcedFinalized)
	}

	// A late transcript after finalization is ignored.
	v := h.c.OnTranscript(context.Background(), "are you there", 0.3, 0.01, h.clk.Now())
	if v.Confirmed {
		t.Fatalf("late transcript should not confirm")
	}
	if v.Reason != RejectNoCandidate {
		t.Fatalf("reason=%q, want %q", v.Reason, RejectNoCandidate)
	}
	if n := h.c.Stats().EchoRejections; n != 0 {
		t.Fatalf("EchoRejections=%d, a late transcript is not echo", n)
	}
}

func TestController_StaleCancelCleared(t *testing.T) {
	h := newHarness()
	h.c.OnTurnStarted("resp_1")
	h.clk.Advance(time.Second)
	h.speak("stop stop stop", 800*time.Millisecond, 0.3)
	if !h.c.Pending().InFlight {
		t.Fatalf("expected pending cancellation")
	}

	h.c.Tick(h.clk.Advance(4 * time.Second))
	if !h.c.Pending().InFlight {
		t.Fatalf("cleared too early")
	}
	h.c.Tick(h.clk.Advance(2 * time.Second))
	if h.c.Pending().InFlight {
		t.Fatalf("stale cancellation not cleared")
	}
	if len(h.cancel.cleared) != 1 || h.cancel.cleared[0] != "resp_1" {
		t.Fatalf("canceler not told to clear: %v", h.cancel.cleared)
	}
	if h.c.State() != AiIdle {
		t.Fatalf("state=%s, want AI_IDLE", h.c.State())
	}
}

func TestController_RejectionsCounted(t *testing.T) {
	h := newHarness()
	h.c.OnTurnStarted("resp_1")
	h.clk.Advance(time.Second)

	h.speak("thank you for watching", 900*time.Millisecond, 0.011)
	h.speak("thank you for watching", 900*time.Millisecond, 0.3)

	st := h.c.Stats()
	if st.Rejections[RejectLowEnergy] != 1 || st.Rejections[RejectDuplicate] != 1 {
		t.Fatalf("rejections=%v", st.Rejections)
	}
	if len(h.cancel.calls) != 0 {
		t.Fatalf("rejected speech must not cancel")
	}
	if h.c.State() != AiSpeaking {
		t.Fatalf("state=%s, want AI_SPEAKING", h.c.State())
	}
}

func TestController_ConfirmedWhileIdle(t *testing.T) {
	h := newHarness()
	h.speak("I want to book a table", time.Second, 0.3)
	if h.c.State() != ConfirmedUserSpeech {
		t.Fatalf("state=%s, want CONFIRMED_USER_SPEECH", h.c.State())
	}
	h.c.OnTurnStarted("resp_2")
	if h.c.State() != AiSpeaking {
		t.Fatalf("state=%s, want AI_SPEAKING", h.c.State())
	}
}

func TestState_String(t *testing.T) {
	if AiIdle.String() != "AI_IDLE" || CancelInFlight.String() != "CANCEL_IN_FLIGHT" || State(42).String() != "UNKNOWN" {
		t.Fatalf("unexpected state names")
	}
}

func TestController_WasInterrupted(t *testing.T) {
	h := newHarness()
	h.c.OnTurnStarted("resp_1")
	h.clk.Advance(time.Second)
	if h.c.WasInterrupted("resp_1") {
		t.Fatalf("not interrupted yet")
	}
	h.speak("let me stop you there", 800*time.Millisecond, 0.3)
	h.c.OnTurnDone("resp_1")
	if !h.c.WasInterrupted("resp_1") {
		t.Fatalf("resp_1 should stay interrupted after the ack")
	}
	if h.c.WasInterrupted("") || h.c.WasInterrupted("resp_2") {
		t.Fatalf("unexpected interrupted turn")
	}
}

func TestController_BargeInDuringQueuedPlayback(t *testing.T) {
	h := newHarness()
	h.c.OnTurnStarted("resp_1")
	h.c.AgentSaid("resp_1", "Your appointment is on Tuesday at nine in the morning", h.clk.Now())
	h.out.pending = 140
	// Generation finished well before the caller heard all of it.
	h.c.OnTurnDone("resp_1")
	h.clk.Advance(time.Second)

	v := h.speak("stop stop I have a question", 900*time.Millisecond, 0.3)
	if !v.Confirmed {
		t.Fatalf("expected confirmation, got %q", v.Reason)
	}
	if len(h.cancel.calls) != 0 {
		t.Fatalf("cancels=%v, a finished turn needs no cancel", h.cancel.calls)
	}
	if len(h.out.flushes) != 1 || h.out.flushes[0] != "resp_1" || h.out.pending != 0 {
		t.Fatalf("flushes=%v pending=%d", h.out.flushes, h.out.pending)
	}
	if len(h.out.frames) != 1 || h.out.frames[0].Control != audio.ControlClear {
		t.Fatalf("expected one clear frame, got %+v", h.out.frames)
	}
	if h.c.State() != ConfirmedUserSpeech {
		t.Fatalf("state=%s, want CONFIRMED_USER_SPEECH", h.c.State())
	}
	if got := h.c.Stats().BargeIns; got != 1 {
		t.Fatalf("BargeIns=%d, want 1", got)
	}
	if !h.c.History().Entries()[0].Interrupted {
		t.Fatalf("agent entry should be marked interrupted")
	}

	// Nothing left to flush the second time.
	h.clk.Advance(time.Second)
	h.out.pending = 3
	h.speak("and another thing please", 900*time.Millisecond, 0.3)
	if len(h.out.flushes) != 1 || h.c.Stats().BargeIns != 1 {
		t.Fatalf("flushes=%v barge-ins=%d, want a single flush", h.out.flushes, h.c.Stats().BargeIns)
	}
}

func TestController_NoPlaybackBargeInWhenNothingQueued(t *testing.T) {
	h := newHarness()
	h.c.OnTurnStarted("resp_1")
	h.c.OnTurnDone("resp_1")
	h.clk.Advance(time.Second)

	h.speak("I would like to move it", 900*time.Millisecond, 0.3)
	if len(h.out.flushes) != 0 || len(h.out.frames) != 0 || h.c.Stats().BargeIns != 0 {
		t.Fatalf("flushes=%v frames=%d barge-ins=%d", h.out.flushes, len(h.out.frames), h.c.Stats().BargeIns)
	}
}
