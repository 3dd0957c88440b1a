package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"

	"github.com/vango-go/vai-callbridge/pkg/core"
)

const defaultRealtimeURL = "wss://api.openai.com/v1/realtime"

// WSConfig configures the realtime WebSocket backend.
type WSConfig struct {
	URL          string
	APIKey       string
	Model        string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	DialRetries  uint64
	Header       http.Header
}

// WSTransport speaks the realtime JSON event protocol over one WebSocket.
type WSTransport struct {
	conn   *websocket.Conn
	cfg    WSConfig
	logger *slog.Logger

	writeMu   sync.Mutex
	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once
	eventSeq  uint64
}

// DialWS connects to the realtime backend, retrying transient failures.
func DialWS(ctx context.Context, cfg WSConfig, logger *slog.Logger) (*WSTransport, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, core.NewInvalidRequestError("realtime api key is required")
	}
	if cfg.URL == "" {
		cfg.URL = defaultRealtimeURL
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.DialRetries == 0 {
		cfg.DialRetries = 2
	}
	if logger == nil {
		logger = slog.Default()
	}

	target := cfg.URL
	if cfg.Model != "" {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + "model=" + cfg.Model
	}
	header := http.Header{}
	for k, vs := range cfg.Header {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	header.Set("Authorization", "Bearer "+strings.TrimSpace(cfg.APIKey))
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{HandshakeTimeout: cfg.DialTimeout, Proxy: http.ProxyFromEnvironment}
	backoff := retry.WithMaxRetries(cfg.DialRetries, retry.NewExponential(200*time.Millisecond))

	var conn *websocket.Conn
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		c, resp, err := dialer.DialContext(ctx, target, header)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return fmt.Errorf("realtime dial rejected: status %d", resp.StatusCode)
			}
			logger.Warn("realtime dial failed, retrying", "error", err)
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, core.NewTransientError("dial realtime backend", err)
	}

	t := &WSTransport{
		conn:   conn,
		cfg:    cfg,
		logger: logger,
		events: make(chan Event, 512),
		closed: make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *WSTransport) Events() <-chan Event { return t.events }

func (t *WSTransport) UpdateSession(ctx context.Context, cfg SessionConfig, force bool) error {
	session := map[string]any{
		"modalities":          []string{"audio", "text"},
		"instructions":        cfg.Instructions,
		"input_audio_format":  "g711_ulaw",
		"output_audio_format": "g711_ulaw",
		"turn_detection": map[string]any{
			"type":                "server_vad",
			"threshold":           cfg.VAD.Threshold,
			"prefix_padding_ms":   cfg.VAD.PrefixPadding.Milliseconds(),
			"silence_duration_ms": cfg.VAD.SilenceDuration.Milliseconds(),
			"create_response":     true,
			"interrupt_response":  false,
		},
	}
	if cfg.Voice != "" {
		session["voice"] = cfg.Voice
	}
	if cfg.Temperature > 0 {
		session["temperature"] = cfg.Temperature
	}
	if cfg.TranscriptionModel != "" {
		transcription := map[string]any{"model": cfg.TranscriptionModel}
		if cfg.Language != "" {
			transcription["language"] = cfg.Language
		}
		if cfg.TranscriptionPrompt != "" {
			transcription["prompt"] = cfg.TranscriptionPrompt
		}
		session["input_audio_transcription"] = transcription
	}
	msg := map[string]any{"type": "session.update", "session": session}
	if force {
		msg["event_id"] = t.nextEventID("cfg_force")
	}
	return t.writeJSON(ctx, msg)
}

func (t *WSTransport) AppendAudio(ctx context.Context, ulaw []byte) error {
	return t.writeJSON(ctx, map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(ulaw),
	})
}

func (t *WSTransport) InjectText(ctx context.Context, text string) error {
	return t.writeJSON(ctx, map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "system",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	})
}

func (t *WSTransport) CreateResponse(ctx context.Context, instructions string) error {
	msg := map[string]any{"type": "response.create"}
	if instructions != "" {
		msg["response"] = map[string]any{"instructions": instructions}
	}
	return t.writeJSON(ctx, msg)
}

func (t *WSTransport) CancelResponse(ctx context.Context, turnID string) error {
	msg := map[string]any{"type": "response.cancel"}
	if turnID != "" {
		msg["response_id"] = turnID
	}
	return t.writeJSON(ctx, msg)
}

func (t *WSTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		t.writeMu.Unlock()
		_ = t.conn.Close()
	})
	return nil
}

func (t *WSTransport) nextEventID(prefix string) string {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.eventSeq++
	return fmt.Sprintf("%s_%d", prefix, t.eventSeq)
}

func (t *WSTransport) writeJSON(ctx context.Context, payload any) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	select {
	case <-t.closed:
		return core.NewFatalSessionError("realtime transport closed", nil)
	default:
	}
	deadline := time.Now().Add(t.cfg.WriteTimeout)
	if ctx != nil {
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
	}
	_ = t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteJSON(payload); err != nil {
		return core.NewTransientError("realtime write", err)
	}
	return nil
}

func (t *WSTransport) readLoop() {
	defer close(t.events)
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.closed:
			default:
				var closeErr *websocket.CloseError
				if errors.As(err, &closeErr) {
					t.logger.Warn("realtime socket closed", "code", closeErr.Code, "text", closeErr.Text)
				} else {
					t.logger.Warn("realtime read failed", "error", err)
				}
			}
			return
		}
		ev, ok := decodeServerEvent(data)
		if !ok {
			continue
		}
		ev.At = time.Now()
		select {
		case t.events <- ev:
		case <-t.closed:
			return
		}
	}
}

type serverEvent struct {
	Type         string `json:"type"`
	ResponseID   string `json:"response_id"`
	Delta        string `json:"delta"`
	Transcript   string `json:"transcript"`
	AudioStartMS int    `json:"audio_start_ms"`
	AudioEndMS   int    `json:"audio_end_ms"`
	Response     *struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"response"`
	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

var fatalErrorCodes = map[string]bool{
	"session_expired":    true,
	"session_not_found":  true,
	"invalid_api_key":    true,
	"insufficient_quota": true,
	"model_not_found":    true,
}

// decodeServerEvent maps one backend message to an Event. Unhandled message
// types return ok=false.
func decodeServerEvent(data []byte) (Event, bool) {
	var msg serverEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		return Event{}, false
	}
	responseID := msg.ResponseID
	if responseID == "" && msg.Response != nil {
		responseID = msg.Response.ID
	}

	switch msg.Type {
	case "session.updated":
		return Event{Type: EventSessionUpdated}, true
	case "response.created":
		return Event{Type: EventTurnStarted, TurnID: responseID}, true
	case "response.audio.delta", "response.output_audio.delta":
		audio, err := base64.StdEncoding.DecodeString(msg.Delta)
		if err != nil || len(audio) == 0 {
			return Event{}, false
		}
		return Event{Type: EventAudio, TurnID: responseID, Audio: audio}, true
	case "response.audio_transcript.delta", "response.output_audio_transcript.delta":
		return Event{Type: EventAgentTranscript, TurnID: responseID, Text: msg.Delta}, true
	case "response.audio_transcript.done", "response.output_audio_transcript.done":
		return Event{Type: EventAgentTranscript, TurnID: responseID, Text: msg.Transcript, Final: true}, true
	case "response.done":
		status := StatusCompleted
		if msg.Response != nil && msg.Response.Status != "" {
			status = msg.Response.Status
		}
		return Event{Type: EventTurnDone, TurnID: responseID, Status: status}, true
	case "input_audio_buffer.speech_started":
		return Event{Type: EventSpeechStarted, AudioMS: msg.AudioStartMS}, true
	case "input_audio_buffer.speech_stopped":
		return Event{Type: EventSpeechStopped, AudioMS: msg.AudioEndMS}, true
	case "conversation.item.input_audio_transcription.completed":
		return Event{Type: EventCallerTranscript, Text: msg.Transcript, Final: true}, true
	case "error":
		if msg.Error == nil {
			return Event{Type: EventError, Err: errors.New("realtime error without detail")}, true
		}
		code := msg.Error.Code
		if code == CodeCancelNotActive {
			return Event{Type: EventCancelNotActive, Code: code}, true
		}
		fatal := fatalErrorCodes[code]
		var err error
		if fatal {
			err = &core.Error{Type: core.ErrFatalSession, Code: code, Message: msg.Error.Message}
		} else {
			err = &core.Error{Type: core.ErrTransient, Code: code, Message: msg.Error.Message}
		}
		return Event{Type: EventError, Code: code, Err: err, Fatal: fatal}, true
	default:
		return Event{}, false
	}
}
