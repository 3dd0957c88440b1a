package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

// Backend selects the realtime model session transport.
type Backend string

const (
	BackendOpenAI Backend = "openai"
	BackendGemini Backend = "gemini"
)

// StoreKind selects where dial jobs and slots live.
type StoreKind string

const (
	StoreMemory   StoreKind = "memory"
	StorePostgres StoreKind = "postgres"
	StoreRedis    StoreKind = "redis"
)

// frameBytes is one 20ms μ-law frame.
const frameBytes = 160

type Config struct {
	Addr string
	// PublicURL is the externally reachable https origin of this service.
	// Stream and status-callback URLs handed to the telephony provider are
	// derived from it.
	PublicURL string

	// Outbound job API authentication.
	AuthMode AuthMode
	APIKeys  map[string]struct{}

	MaxBodyBytes int64

	LogLevel  string
	LogFormat string

	// Realtime model session.
	Backend            Backend
	RealtimeURL        string
	RealtimeAPIKey     string
	RealtimeModel      string
	GeminiAPIKey       string
	GeminiModel        string
	Voice              string
	TranscriptionModel string
	ConfigSoftTimeout  time.Duration
	ConfigHardTimeout  time.Duration
	MaxPayloadBytes    int
	RealtimeDialRetry  int
	VADThreshold       float64
	VADPrefixPadding   time.Duration
	VADSilence         time.Duration

	// Telephony media stream.
	MediaWriteTimeout     time.Duration
	MediaPingInterval     time.Duration
	MediaHandshakeTimeout time.Duration
	MediaInboundFPS       float64

	// TX pacer.
	PacerCapacity       int
	PacerHighWatermark  float64
	PacerControlTimeout time.Duration
	// OutputBacklog bounds model audio waiting for room in the pacer, in
	// frames.
	OutputBacklog int

	// Turn taking.
	EchoWindow         time.Duration
	GreetingProtection time.Duration
	NoResponseTimeout  time.Duration
	CancelAckTimeout   time.Duration
	BargeInTarget      time.Duration
	MinSpeechDuration  time.Duration
	EnergyDelta        float64
	MinWords           int

	// Call lifecycle.
	HangupBuffer    time.Duration
	HangupTimeout   time.Duration
	MaxCallDuration time.Duration
	// FallbackAudio is loaded from CALLBRIDGE_FALLBACK_AUDIO_FILE (raw μ-law).
	FallbackAudio    []byte
	RecordWebhookURL string

	// Tenants file (YAML).
	TenantsFile string

	// Outbound dialing.
	DialerStore       StoreKind
	DatabaseURL       string
	RedisURL          string
	DialConcurrency   int
	LeaseTimeout      time.Duration
	LeaseHeartbeat    time.Duration
	ReapInterval      time.Duration
	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioFromNumber  string
	TwilioBaseURL     string
	TwilioRingTimeout time.Duration

	// Reject webhook requests without a valid X-Twilio-Signature.
	ValidateTwilioSignature bool

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                    envOr("CALLBRIDGE_ADDR", ":8080"),
		PublicURL:               strings.TrimRight(envOr("CALLBRIDGE_PUBLIC_URL", ""), "/"),
		AuthMode:                AuthMode(envOr("CALLBRIDGE_AUTH_MODE", string(AuthModeRequired))),
		APIKeys:                 make(map[string]struct{}),
		MaxBodyBytes:            envInt64Or("CALLBRIDGE_MAX_BODY_BYTES", 1<<20), // 1 MiB
		LogLevel:                envOr("CALLBRIDGE_LOG_LEVEL", "info"),
		LogFormat:               envOr("CALLBRIDGE_LOG_FORMAT", "json"),
		Backend:                 Backend(strings.ToLower(envOr("CALLBRIDGE_BACKEND", string(BackendOpenAI)))),
		RealtimeURL:             envOr("CALLBRIDGE_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		RealtimeAPIKey:          envOr("OPENAI_API_KEY", ""),
		RealtimeModel:           envOr("CALLBRIDGE_REALTIME_MODEL", "gpt-realtime"),
		GeminiAPIKey:            envOr("GEMINI_API_KEY", envOr("GOOGLE_API_KEY", "")),
		GeminiModel:             envOr("CALLBRIDGE_GEMINI_MODEL", "gemini-2.0-flash-live-001"),
		Voice:                   envOr("CALLBRIDGE_VOICE", "alloy"),
		TranscriptionModel:      envOr("CALLBRIDGE_TRANSCRIPTION_MODEL", "gpt-4o-mini-transcribe"),
		ConfigSoftTimeout:       envDurationOr("CALLBRIDGE_CONFIG_SOFT_TIMEOUT", 3*time.Second),
		ConfigHardTimeout:       envDurationOr("CALLBRIDGE_CONFIG_HARD_TIMEOUT", 8*time.Second),
		MaxPayloadBytes:         envIntOr("CALLBRIDGE_MAX_PAYLOAD_BYTES", 32<<10),
		RealtimeDialRetry:       envIntOr("CALLBRIDGE_REALTIME_DIAL_RETRIES", 2),
		VADThreshold:            envFloat64Or("CALLBRIDGE_VAD_THRESHOLD", 0.5),
		VADPrefixPadding:        envDurationOr("CALLBRIDGE_VAD_PREFIX_PADDING", 300*time.Millisecond),
		VADSilence:              envDurationOr("CALLBRIDGE_VAD_SILENCE", 500*time.Millisecond),
		MediaWriteTimeout:       envDurationOr("CALLBRIDGE_MEDIA_WRITE_TIMEOUT", 5*time.Second),
		MediaPingInterval:       envDurationOr("CALLBRIDGE_MEDIA_PING_INTERVAL", 20*time.Second),
		MediaHandshakeTimeout:   envDurationOr("CALLBRIDGE_MEDIA_HANDSHAKE_TIMEOUT", 10*time.Second),
		MediaInboundFPS:         envFloat64Or("CALLBRIDGE_MEDIA_INBOUND_FPS", 100),
		PacerCapacity:           envIntOr("CALLBRIDGE_PACER_CAPACITY", 150),
		PacerHighWatermark:      envFloat64Or("CALLBRIDGE_PACER_HIGH_WATERMARK", 0.9),
		PacerControlTimeout:     envDurationOr("CALLBRIDGE_PACER_CONTROL_TIMEOUT", time.Second),
		OutputBacklog:           envIntOr("CALLBRIDGE_OUTPUT_BACKLOG_FRAMES", 3000), // 60s of audio
		EchoWindow:              envDurationOr("CALLBRIDGE_ECHO_WINDOW", 350*time.Millisecond),
		GreetingProtection:      envDurationOr("CALLBRIDGE_GREETING_PROTECTION", 500*time.Millisecond),
		NoResponseTimeout:       envDurationOr("CALLBRIDGE_NO_RESPONSE_TIMEOUT", 1800*time.Millisecond),
		CancelAckTimeout:        envDurationOr("CALLBRIDGE_CANCEL_ACK_TIMEOUT", 5*time.Second),
		BargeInTarget:           envDurationOr("CALLBRIDGE_BARGE_IN_TARGET", 250*time.Millisecond),
		MinSpeechDuration:       envDurationOr("CALLBRIDGE_MIN_SPEECH_DURATION", 500*time.Millisecond),
		EnergyDelta:             envFloat64Or("CALLBRIDGE_ENERGY_DELTA", 0.01),
		MinWords:                envIntOr("CALLBRIDGE_MIN_WORDS", 2),
		HangupBuffer:            envDurationOr("CALLBRIDGE_HANGUP_BUFFER", 2*time.Second),
		HangupTimeout:           envDurationOr("CALLBRIDGE_HANGUP_TIMEOUT", 15*time.Second),
		MaxCallDuration:         envDurationOr("CALLBRIDGE_MAX_CALL_DURATION", 30*time.Minute),
		RecordWebhookURL:        envOr("CALLBRIDGE_RECORD_WEBHOOK_URL", ""),
		TenantsFile:             envOr("CALLBRIDGE_TENANTS_FILE", ""),
		DialerStore:             StoreKind(strings.ToLower(envOr("CALLBRIDGE_DIALER_STORE", string(StoreMemory)))),
		DatabaseURL:             envOr("CALLBRIDGE_DATABASE_URL", envOr("DATABASE_URL", "")),
		RedisURL:                envOr("CALLBRIDGE_REDIS_URL", ""),
		DialConcurrency:         envIntOr("CALLBRIDGE_DIAL_CONCURRENCY", 3),
		LeaseTimeout:            envDurationOr("CALLBRIDGE_LEASE_TIMEOUT", 5*time.Minute),
		LeaseHeartbeat:          envDurationOr("CALLBRIDGE_LEASE_HEARTBEAT", 30*time.Second),
		ReapInterval:            envDurationOr("CALLBRIDGE_REAP_INTERVAL", time.Minute),
		TwilioAccountSID:        envOr("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:         envOr("TWILIO_AUTH_TOKEN", ""),
		TwilioFromNumber:        envOr("TWILIO_FROM_NUMBER", ""),
		TwilioBaseURL:           envOr("TWILIO_BASE_URL", "https://api.twilio.com/2010-04-01"),
		TwilioRingTimeout:       envDurationOr("CALLBRIDGE_RING_TIMEOUT", 30*time.Second),
		ValidateTwilioSignature: envBoolOr("CALLBRIDGE_VALIDATE_TWILIO_SIGNATURE", true),
		ReadHeaderTimeout:       envDurationOr("CALLBRIDGE_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:             envDurationOr("CALLBRIDGE_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:     envDurationOr("CALLBRIDGE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("CALLBRIDGE_AUTH_MODE must be one of required|optional|disabled")
	}
	for _, key := range splitCSV(os.Getenv("CALLBRIDGE_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}
	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_API_KEYS must be set when CALLBRIDGE_AUTH_MODE=required")
	}

	if cfg.PublicURL != "" {
		u, err := url.Parse(cfg.PublicURL)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return Config{}, fmt.Errorf("CALLBRIDGE_PUBLIC_URL must be an absolute http(s) URL")
		}
	}
	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_MAX_BODY_BYTES must be > 0")
	}

	switch cfg.Backend {
	case BackendOpenAI:
		if cfg.RealtimeAPIKey == "" {
			return Config{}, fmt.Errorf("OPENAI_API_KEY must be set when CALLBRIDGE_BACKEND=openai")
		}
	case BackendGemini:
		if cfg.GeminiAPIKey == "" {
			return Config{}, fmt.Errorf("GEMINI_API_KEY must be set when CALLBRIDGE_BACKEND=gemini")
		}
	default:
		return Config{}, fmt.Errorf("CALLBRIDGE_BACKEND must be one of openai|gemini")
	}
	if cfg.ConfigSoftTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_CONFIG_SOFT_TIMEOUT must be > 0")
	}
	if cfg.ConfigHardTimeout <= cfg.ConfigSoftTimeout {
		return Config{}, fmt.Errorf("CALLBRIDGE_CONFIG_HARD_TIMEOUT must be > CALLBRIDGE_CONFIG_SOFT_TIMEOUT")
	}
	if cfg.MaxPayloadBytes <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_MAX_PAYLOAD_BYTES must be > 0")
	}
	if cfg.RealtimeDialRetry < 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_REALTIME_DIAL_RETRIES must be >= 0")
	}
	if cfg.VADThreshold <= 0 || cfg.VADThreshold >= 1 {
		return Config{}, fmt.Errorf("CALLBRIDGE_VAD_THRESHOLD must be within (0,1)")
	}

	if cfg.MediaWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_MEDIA_WRITE_TIMEOUT must be > 0")
	}
	if cfg.MediaPingInterval <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_MEDIA_PING_INTERVAL must be > 0")
	}
	if cfg.MediaHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_MEDIA_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.MediaInboundFPS < 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_MEDIA_INBOUND_FPS must be >= 0")
	}

	if cfg.PacerCapacity <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_PACER_CAPACITY must be > 0")
	}
	if cfg.PacerHighWatermark <= 0 || cfg.PacerHighWatermark > 1 {
		return Config{}, fmt.Errorf("CALLBRIDGE_PACER_HIGH_WATERMARK must be within (0,1]")
	}
	if cfg.PacerControlTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_PACER_CONTROL_TIMEOUT must be > 0")
	}
	if cfg.OutputBacklog < cfg.PacerCapacity {
		return Config{}, fmt.Errorf("CALLBRIDGE_OUTPUT_BACKLOG_FRAMES must be >= CALLBRIDGE_PACER_CAPACITY")
	}

	if cfg.EchoWindow < 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_ECHO_WINDOW must be >= 0")
	}
	if cfg.GreetingProtection < 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_GREETING_PROTECTION must be >= 0")
	}
	if cfg.NoResponseTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_NO_RESPONSE_TIMEOUT must be > 0")
	}
	if cfg.CancelAckTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_CANCEL_ACK_TIMEOUT must be > 0")
	}
	if cfg.MinSpeechDuration <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_MIN_SPEECH_DURATION must be > 0")
	}
	if cfg.EnergyDelta <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_ENERGY_DELTA must be > 0")
	}
	if cfg.MinWords <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_MIN_WORDS must be > 0")
	}

	if cfg.HangupBuffer < 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_HANGUP_BUFFER must be >= 0")
	}
	if cfg.HangupTimeout <= cfg.HangupBuffer {
		return Config{}, fmt.Errorf("CALLBRIDGE_HANGUP_TIMEOUT must be > CALLBRIDGE_HANGUP_BUFFER")
	}
	if cfg.MaxCallDuration <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_MAX_CALL_DURATION must be > 0")
	}
	if path := envOr("CALLBRIDGE_FALLBACK_AUDIO_FILE", ""); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("CALLBRIDGE_FALLBACK_AUDIO_FILE: %w", err)
		}
		if frames := (len(data) + frameBytes - 1) / frameBytes; frames > cfg.OutputBacklog {
			return Config{}, fmt.Errorf("CALLBRIDGE_FALLBACK_AUDIO_FILE is %d frames, exceeds CALLBRIDGE_OUTPUT_BACKLOG_FRAMES=%d", frames, cfg.OutputBacklog)
		}
		cfg.FallbackAudio = data
	}

	switch cfg.DialerStore {
	case StoreMemory:
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("CALLBRIDGE_DATABASE_URL must be set when CALLBRIDGE_DIALER_STORE=postgres")
		}
	case StoreRedis:
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("CALLBRIDGE_REDIS_URL must be set when CALLBRIDGE_DIALER_STORE=redis")
		}
	default:
		return Config{}, fmt.Errorf("CALLBRIDGE_DIALER_STORE must be one of memory|postgres|redis")
	}
	if cfg.DialConcurrency <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_DIAL_CONCURRENCY must be > 0")
	}
	if cfg.LeaseHeartbeat <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_LEASE_HEARTBEAT must be > 0")
	}
	if cfg.LeaseTimeout <= 2*cfg.LeaseHeartbeat {
		return Config{}, fmt.Errorf("CALLBRIDGE_LEASE_TIMEOUT must be > 2x CALLBRIDGE_LEASE_HEARTBEAT")
	}
	if cfg.ReapInterval <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_REAP_INTERVAL must be > 0")
	}
	if cfg.OutboundEnabled() && cfg.PublicURL == "" {
		return Config{}, fmt.Errorf("CALLBRIDGE_PUBLIC_URL must be set when Twilio credentials are configured")
	}

	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

// LeaseMaxAge bounds how long a dial lease is kept alive: the provider
// rings, the call runs for at most MaxCallDuration and then hangs up. A
// lease older than this belongs to a call whose end was never reported.
func (c Config) LeaseMaxAge() time.Duration {
	return c.TwilioRingTimeout + c.MaxCallDuration + c.HangupTimeout + time.Minute
}

// OutboundEnabled reports whether outbound dialing is configured.
func (c Config) OutboundEnabled() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != ""
}

// StreamURL is the wss:// address of the media endpoint.
func (c Config) StreamURL() string {
	switch {
	case strings.HasPrefix(c.PublicURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.PublicURL, "https://") + "/v1/media"
	case strings.HasPrefix(c.PublicURL, "http://"):
		return "ws://" + strings.TrimPrefix(c.PublicURL, "http://") + "/v1/media"
	default:
		return ""
	}
}

// StatusCallbackURL receives outbound call status callbacks.
func (c Config) StatusCallbackURL() string {
	if c.PublicURL == "" {
		return ""
	}
	return c.PublicURL + "/v1/outbound/status"
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
