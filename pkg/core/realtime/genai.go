package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/vango-go/vai-callbridge/pkg/core"
	"github.com/vango-go/vai-callbridge/pkg/core/audio"
)

const (
	genaiInputRate  = 16000
	genaiOutputRate = 24000
)

// GenAIConfig configures the Gemini Live backend.
type GenAIConfig struct {
	APIKey string
	Model  string
}

type liveSession interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	SendClientContent(input genai.LiveClientContentInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

// GenAITransport adapts a Gemini Live session to Transport. Live sessions
// take their configuration at connect time, so the connection is opened by
// the first UpdateSession. Gemini has no explicit response cancel; a
// cancelled turn is finished locally and its remaining audio is discarded.
type GenAITransport struct {
	client *genai.Client
	cfg    GenAIConfig
	logger *slog.Logger

	connect func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error)

	mu        sync.Mutex
	session   liveSession
	turnSeq   int
	turnID    string
	cancelled map[string]bool
	inputText strings.Builder

	// discarding is set while the model finishes a locally cancelled turn.
	discarding bool

	// sendMu orders sends on events against the reader closing it; done
	// is closed with events once the reader has exited.
	sendMu    sync.RWMutex
	events    chan Event
	done      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// NewGenAITransport builds a transport; no network I/O happens until
// UpdateSession.
func NewGenAITransport(ctx context.Context, cfg GenAIConfig, logger *slog.Logger) (*GenAITransport, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, core.NewInvalidRequestError("gemini api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash-live-001"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}
	t := newGenAITransport(cfg, logger)
	t.client = client
	t.connect = func(ctx context.Context, model string, lc *genai.LiveConnectConfig) (liveSession, error) {
		return client.Live.Connect(ctx, model, lc)
	}
	return t, nil
}

func newGenAITransport(cfg GenAIConfig, logger *slog.Logger) *GenAITransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &GenAITransport{
		cfg:       cfg,
		logger:    logger,
		cancelled: make(map[string]bool),
		events:    make(chan Event, 512),
		done:      make(chan struct{}),
		closed:    make(chan struct{}),
	}
}

func (t *GenAITransport) Events() <-chan Event { return t.events }

func (t *GenAITransport) UpdateSession(ctx context.Context, cfg SessionConfig, force bool) error {
	t.mu.Lock()
	if t.session != nil {
		t.mu.Unlock()
		if force {
			t.logger.Debug("gemini live session already connecting, ignoring forced config resend")
		}
		return nil
	}
	t.mu.Unlock()

	session, err := t.connect(ctx, t.cfg.Model, liveConnectConfig(cfg))
	if err != nil {
		return core.NewTransientError("gemini live connect", err)
	}
	t.mu.Lock()
	t.session = session
	t.mu.Unlock()
	go t.readLoop(session)
	return nil
}

func liveConnectConfig(cfg SessionConfig) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
		RealtimeInputConfig: &genai.RealtimeInputConfig{
			AutomaticActivityDetection: &genai.AutomaticActivityDetection{
				PrefixPaddingMs:   int32Ptr(cfg.VAD.PrefixPadding),
				SilenceDurationMs: int32Ptr(cfg.VAD.SilenceDuration),
			},
			ActivityHandling: genai.ActivityHandlingNoInterruption,
		},
	}
	if cfg.Instructions != "" {
		lc.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: cfg.Instructions}}}
	}
	if cfg.Voice != "" || cfg.Language != "" {
		lc.SpeechConfig = &genai.SpeechConfig{LanguageCode: cfg.Language}
		if cfg.Voice != "" {
			lc.SpeechConfig.VoiceConfig = &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			}
		}
	}
	if cfg.Temperature > 0 {
		temp := float32(cfg.Temperature)
		lc.Temperature = &temp
	}
	return lc
}

func int32Ptr(d time.Duration) *int32 {
	if d <= 0 {
		return nil
	}
	v := int32(d.Milliseconds())
	return &v
}

func boolPtr(v bool) *bool { return &v }

func (t *GenAITransport) live() (liveSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil {
		return nil, ErrNotConfigured
	}
	return t.session, nil
}

func (t *GenAITransport) AppendAudio(_ context.Context, ulaw []byte) error {
	s, err := t.live()
	if err != nil {
		return err
	}
	pcm := audio.Upsample(audio.UlawToPCM16(ulaw), genaiInputRate/audio.SampleRate)
	return s.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: pcm, MIMEType: fmt.Sprintf("audio/pcm;rate=%d", genaiInputRate)},
	})
}

func (t *GenAITransport) InjectText(_ context.Context, text string) error {
	s, err := t.live()
	if err != nil {
		return err
	}
	return s.SendClientContent(genai.LiveClientContentInput{
		Turns:        []*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: text}}}},
		TurnComplete: boolPtr(false),
	})
}

func (t *GenAITransport) CreateResponse(_ context.Context, instructions string) error {
	s, err := t.live()
	if err != nil {
		return err
	}
	if instructions == "" {
		instructions = "Begin the conversation."
	}
	return s.SendClientContent(genai.LiveClientContentInput{
		Turns:        []*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: instructions}}}},
		TurnComplete: boolPtr(true),
	})
}

func (t *GenAITransport) CancelResponse(_ context.Context, turnID string) error {
	t.mu.Lock()
	if turnID == "" || turnID != t.turnID || t.cancelled[turnID] {
		t.mu.Unlock()
		t.emit(Event{Type: EventCancelNotActive, TurnID: turnID, Code: CodeCancelNotActive})
		return nil
	}
	t.cancelled[turnID] = true
	t.turnID = ""
	t.discarding = true
	t.mu.Unlock()
	t.emit(Event{Type: EventTurnDone, TurnID: turnID, Status: StatusCancelled})
	return nil
}

func (t *GenAITransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.mu.Lock()
		s := t.session
		t.mu.Unlock()
		if s != nil {
			_ = s.Close()
		}
	})
	return nil
}

// emit delivers ev unless the transport is closed or the reader has
// already closed the event stream.
func (t *GenAITransport) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	t.sendMu.RLock()
	defer t.sendMu.RUnlock()
	select {
	case <-t.done:
		return
	default:
	}
	select {
	case t.events <- ev:
	case <-t.closed:
	}
}

func (t *GenAITransport) finishEvents() {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	close(t.done)
	close(t.events)
}

func (t *GenAITransport) readLoop(s liveSession) {
	defer t.finishEvents()
	for {
		msg, err := s.Receive()
		if err != nil {
			select {
			case <-t.closed:
			default:
				t.logger.Warn("gemini live receive failed", "error", err)
			}
			return
		}
		for _, ev := range t.translate(msg) {
			t.emit(ev)
		}
	}
}

// translate maps one server message to zero or more events, tracking the
// synthetic turn id Gemini does not provide.
func (t *GenAITransport) translate(msg *genai.LiveServerMessage) []Event {
	var out []Event
	if msg == nil {
		return nil
	}
	if msg.SetupComplete != nil {
		out = append(out, Event{Type: EventSessionUpdated})
	}
	if va := msg.VoiceActivity; va != nil {
		switch va.VoiceActivityType {
		case genai.VoiceActivityTypeActivityStart:
			out = append(out, Event{Type: EventSpeechStarted})
		case genai.VoiceActivityTypeActivityEnd:
			out = append(out, Event{Type: EventSpeechStopped})
		}
	}
	if msg.GoAway != nil {
		out = append(out, Event{Type: EventError, Code: "go_away", Err: core.NewTransientError("gemini live session ending", nil)})
	}
	sc := msg.ServerContent
	if sc == nil {
		return out
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if it := sc.InputTranscription; it != nil {
		t.inputText.WriteString(it.Text)
		if it.Finished {
			out = append(out, Event{Type: EventCallerTranscript, Text: strings.TrimSpace(t.inputText.String()), Final: true})
			t.inputText.Reset()
		}
	}
	if t.discarding {
		if sc.TurnComplete || sc.Interrupted {
			t.discarding = false
		}
		return out
	}
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			if t.turnID == "" {
				t.turnSeq++
				t.turnID = fmt.Sprintf("g_%d", t.turnSeq)
				out = append(out, Event{Type: EventTurnStarted, TurnID: t.turnID})
			}
			ulaw := audio.PCM16ToUlaw(audio.Downsample(part.InlineData.Data, genaiOutputRate/audio.SampleRate))
			out = append(out, Event{Type: EventAudio, TurnID: t.turnID, Audio: ulaw})
		}
	}
	if ot := sc.OutputTranscription; ot != nil && t.turnID != "" {
		out = append(out, Event{Type: EventAgentTranscript, TurnID: t.turnID, Text: ot.Text, Final: ot.Finished})
	}
	if (sc.TurnComplete || sc.Interrupted) && t.turnID != "" {
		status := StatusCompleted
		if sc.Interrupted {
			status = StatusCancelled
		}
		out = append(out, Event{Type: EventTurnDone, TurnID: t.turnID, Status: status})
		t.turnID = ""
	}
	return out
}
