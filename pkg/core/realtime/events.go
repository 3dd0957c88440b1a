// Package realtime drives a duplex conversational model session: it
// configures the session, streams caller audio in and turns model output into
// events for the call controller.
package realtime

import "time"

// EventType enumerates events surfaced to the call controller.
type EventType int

const (
	EventSessionUpdated EventType = iota + 1
	EventTurnStarted
	EventAudio
	EventAgentTranscript
	EventTurnDone
	EventSpeechStarted
	EventSpeechStopped
	EventCallerTranscript
	EventCancelNotActive
	EventError
	EventClosed
)

func (t EventType) String() string {
	switch t {
	case EventSessionUpdated:
		return "session_updated"
	case EventTurnStarted:
		return "turn_started"
	case EventAudio:
		return "audio"
	case EventAgentTranscript:
		return "agent_transcript"
	case EventTurnDone:
		return "turn_done"
	case EventSpeechStarted:
		return "speech_started"
	case EventSpeechStopped:
		return "speech_stopped"
	case EventCallerTranscript:
		return "caller_transcript"
	case EventCancelNotActive:
		return "cancel_not_active"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Turn completion statuses.
const (
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// Event is one backend-neutral session event.
type Event struct {
	Type   EventType
	At     time.Time
	TurnID string

	// Audio is G.711 μ-law at 8 kHz regardless of backend.
	Audio []byte

	// Text carries transcript text. Final marks a completed transcript.
	Text  string
	Final bool

	// AudioMS is the caller-audio offset reported with speech start/stop.
	AudioMS int

	Status string
	Code   string
	Err    error
	Fatal  bool
}

// VADConfig tunes the model side voice activity detector.
type VADConfig struct {
	Threshold       float64
	PrefixPadding   time.Duration
	SilenceDuration time.Duration
}

// SessionConfig is sent once per call before any audio flows.
type SessionConfig struct {
	Instructions        string
	Voice               string
	Language            string
	TranscriptionModel  string
	TranscriptionPrompt string
	Temperature         float64
	VAD                 VADConfig
}
