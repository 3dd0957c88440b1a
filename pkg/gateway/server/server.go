package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vango-go/vai-callbridge/pkg/core/realtime"
	"github.com/vango-go/vai-callbridge/pkg/core/turn"
	"github.com/vango-go/vai-callbridge/pkg/gateway/call"
	"github.com/vango-go/vai-callbridge/pkg/gateway/calls"
	"github.com/vango-go/vai-callbridge/pkg/gateway/config"
	"github.com/vango-go/vai-callbridge/pkg/gateway/handlers"
	"github.com/vango-go/vai-callbridge/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-callbridge/pkg/gateway/media"
	"github.com/vango-go/vai-callbridge/pkg/gateway/media/pacer"
	"github.com/vango-go/vai-callbridge/pkg/gateway/metrics"
	"github.com/vango-go/vai-callbridge/pkg/gateway/mw"
	"github.com/vango-go/vai-callbridge/pkg/gateway/tenants"
)

// Dependencies are the process-wide collaborators the HTTP surface needs.
type Dependencies struct {
	Prompts call.PromptProvider
	Sink    call.Sink
	Metrics *metrics.Metrics
	// Outbound is nil when dialing is not configured. The job API is not
	// mounted then and outbound media streams are refused.
	Outbound handlers.Dialer
	// Realtime overrides the session backend selected by the config.
	Realtime    call.Dialer
	ReadyChecks map[string]handlers.ReadyCheck
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	deps      Dependencies
	metrics   *metrics.Metrics
	lifecycle *lifecycle.Lifecycle
	calls     *calls.Tracker
}

func New(cfg config.Config, logger *slog.Logger, deps Dependencies) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New("")
	}
	if deps.Prompts == nil {
		deps.Prompts = call.StaticPrompt{}
	}
	if deps.Sink == nil {
		deps.Sink = call.LogSink{Logger: logger}
	}
	if deps.Realtime == nil {
		deps.Realtime = RealtimeDialer(cfg, logger)
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		deps:      deps,
		metrics:   deps.Metrics,
		lifecycle: &lifecycle.Lifecycle{},
		calls:     calls.NewTracker(),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Lifecycle:   s.lifecycle,
		Checks:      s.deps.ReadyChecks,
		ActiveCalls: s.calls.Count,
	})
	s.mux.Handle("GET /metrics", s.metrics.Handler())

	mediaHandler := handlers.MediaHandler{
		Media:     MediaConfig(s.cfg),
		Call:      CallConfig(s.cfg),
		Logger:    s.logger,
		Lifecycle: s.lifecycle,
		Calls:     s.calls,
		Prompts:   s.deps.Prompts,
		Sink:      s.deps.Sink,
		Metrics:   s.metrics,
		Dial:      s.deps.Realtime,
	}
	if s.deps.Outbound != nil {
		mediaHandler.Leases = s.deps.Outbound
	}
	wsOrigin := strings.TrimSuffix(s.cfg.StreamURL(), "/v1/media")
	s.mux.Handle("/v1/media", s.signed(wsOrigin, mediaHandler))

	s.mux.Handle("/v1/twiml/inbound", s.signed(s.cfg.PublicURL, handlers.InboundTwiMLHandler{
		StreamURL:     s.cfg.StreamURL(),
		DefaultTenant: tenants.DefaultTenant,
		Logger:        s.logger,
	}))

	callsAPI := handlers.CallsHandler{Calls: s.calls}
	s.mux.Handle("POST /v1/calls/{id}/hangup", s.authed(http.HandlerFunc(callsAPI.Hangup)))
	s.mux.Handle("/", handlers.NotFoundHandler{})

	if s.deps.Outbound == nil {
		return
	}
	s.mux.Handle("/v1/outbound/status", s.signed(s.cfg.PublicURL, handlers.StatusHandler{
		Leases: s.deps.Outbound,
		Logger: s.logger,
	}))
	jobs := handlers.JobsHandler{
		Dialer:       s.deps.Outbound,
		MaxBodyBytes: s.cfg.MaxBodyBytes,
		Logger:       s.logger,
	}
	s.mux.Handle("POST /v1/outbound/jobs", s.authed(http.HandlerFunc(jobs.Create)))
	s.mux.Handle("GET /v1/outbound/jobs/{id}", s.authed(http.HandlerFunc(jobs.Get)))
	s.mux.Handle("POST /v1/outbound/jobs/{id}/dial", s.authed(http.HandlerFunc(jobs.Dial)))
}

func (s *Server) signed(origin string, h http.Handler) http.Handler {
	if !s.cfg.ValidateTwilioSignature {
		return h
	}
	return mw.TwilioSignature(s.cfg.TwilioAuthToken, origin, h)
}

func (s *Server) authed(h http.Handler) http.Handler {
	return mw.Auth(s.cfg, h)
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLogWithMetrics(s.logger, s.metrics, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining fails readiness and refuses new media streams.
func (s *Server) SetDraining() {
	if s.lifecycle.BeginDrain(time.Now()) {
		s.logger.Info("draining", "active_calls", s.calls.Count())
	}
}

// HangupCalls asks every live call to finish its current sentence and hang
// up.
func (s *Server) HangupCalls(reason string) int {
	return s.calls.HangupAll(reason)
}

// WaitCalls blocks until every call has closed or ctx is done.
func (s *Server) WaitCalls(ctx context.Context) bool {
	return s.calls.Wait(ctx)
}

// CloseCalls ends the remaining calls without waiting for them to drain.
func (s *Server) CloseCalls() int {
	return s.calls.CloseAll()
}

func (s *Server) ActiveCalls() int {
	return s.calls.Count()
}

// MediaConfig maps the media stream settings.
func MediaConfig(cfg config.Config) media.Config {
	return media.Config{
		WriteTimeout:     cfg.MediaWriteTimeout,
		PingInterval:     cfg.MediaPingInterval,
		HandshakeTimeout: cfg.MediaHandshakeTimeout,
		InboundFPS:       cfg.MediaInboundFPS,
	}
}

// CallConfig maps the per-call settings shared by every call.
func CallConfig(cfg config.Config) call.Config {
	return call.Config{
		Pacer: pacer.Config{
			Capacity:              cfg.PacerCapacity,
			HighWatermark:         cfg.PacerHighWatermark,
			ControlEnqueueTimeout: cfg.PacerControlTimeout,
		},
		Turn: turn.Config{
			EchoWindow:         cfg.EchoWindow,
			GreetingProtection: cfg.GreetingProtection,
			NoResponseTimeout:  cfg.NoResponseTimeout,
			CancelAckTimeout:   cfg.CancelAckTimeout,
			BargeInTarget:      cfg.BargeInTarget,
			Validation: turn.ValidationConfig{
				MinDuration: cfg.MinSpeechDuration,
				EnergyDelta: cfg.EnergyDelta,
				MinWords:    cfg.MinWords,
			},
		},
		Realtime: realtime.Config{
			SoftTimeout:     cfg.ConfigSoftTimeout,
			HardTimeout:     cfg.ConfigHardTimeout,
			MaxPayloadBytes: cfg.MaxPayloadBytes,
		},
		VAD: realtime.VADConfig{
			Threshold:       cfg.VADThreshold,
			PrefixPadding:   cfg.VADPrefixPadding,
			SilenceDuration: cfg.VADSilence,
		},
		TranscriptionModel: cfg.TranscriptionModel,
		Voice:              cfg.Voice,
		HangupBuffer:       cfg.HangupBuffer,
		HangupTimeout:      cfg.HangupTimeout,
		MaxDuration:        cfg.MaxCallDuration,
		OutputBacklog:      cfg.OutputBacklog,
		FallbackAudio:      cfg.FallbackAudio,
	}
}

// RealtimeDialer opens the configured realtime backend for each call.
func RealtimeDialer(cfg config.Config, logger *slog.Logger) call.Dialer {
	if cfg.Backend == config.BackendGemini {
		gc := realtime.GenAIConfig{APIKey: cfg.GeminiAPIKey, Model: cfg.GeminiModel}
		return func(ctx context.Context, s call.Session) (realtime.Transport, error) {
			t, err := realtime.NewGenAITransport(ctx, gc, logger.With("call_id", s.ID))
			if err != nil {
				return nil, err
			}
			return t, nil
		}
	}

	wc := realtime.WSConfig{
		URL:         cfg.RealtimeURL,
		APIKey:      cfg.RealtimeAPIKey,
		Model:       cfg.RealtimeModel,
		DialRetries: uint64(max(cfg.RealtimeDialRetry, 0)),
	}
	return func(ctx context.Context, s call.Session) (realtime.Transport, error) {
		t, err := realtime.DialWS(ctx, wc, logger.With("call_id", s.ID))
		if err != nil {
			return nil, err
		}
		return t, nil
	}
}
