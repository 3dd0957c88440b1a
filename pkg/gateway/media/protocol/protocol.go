// Package protocol encodes and decodes the telephony media stream: JSON text
// frames carrying base64 G.711 μ-law audio plus stream control events.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventDTMF      = "dtmf"
	EventStop      = "stop"
	EventClear     = "clear"

	EncodingMulaw = "audio/x-mulaw"

	TrackInbound  = "inbound"
	TrackOutbound = "outbound"
)

// Custom parameter names carried on the start event.
const (
	ParamTenantID   = "tenant_id"
	ParamDirection  = "direction"
	ParamJobID      = "job_id"
	ParamLeaseToken = "lease_token"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// MediaFormat describes the negotiated audio shape.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// Connected is the first message on a new stream.
type Connected struct {
	Protocol string `json:"protocol,omitempty"`
	Version  string `json:"version,omitempty"`
}

// Start carries stream metadata. CustomParameters are set by whoever created
// the stream, e.g. tenant and dial-job identifiers.
type Start struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters"`
}

// Param returns a trimmed custom parameter.
func (s Start) Param(name string) string {
	return strings.TrimSpace(s.CustomParameters[name])
}

// Media is one inbound audio chunk, already base64-decoded.
type Media struct {
	StreamSID string
	Track     string
	Chunk     string
	Timestamp string
	Payload   []byte
}

// Mark echoes a mark once its preceding audio has played.
type Mark struct {
	StreamSID string
	Name      string
}

// DTMF is a keypad digit pressed by the caller.
type DTMF struct {
	StreamSID string
	Digit     string
}

// Stop ends the stream.
type Stop struct {
	StreamSID string
	CallSID   string
}

type envelope struct {
	Event          string          `json:"event"`
	SequenceNumber string          `json:"sequenceNumber,omitempty"`
	StreamSID      string          `json:"streamSid,omitempty"`
	Protocol       string          `json:"protocol,omitempty"`
	Version        string          `json:"version,omitempty"`
	Start          *Start          `json:"start,omitempty"`
	Media          *mediaPayload   `json:"media,omitempty"`
	Mark           *markPayload    `json:"mark,omitempty"`
	DTMF           *dtmfPayload    `json:"dtmf,omitempty"`
	Stop           *stopPayload    `json:"stop,omitempty"`
}

type mediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type markPayload struct {
	Name string `json:"name"`
}

type dtmfPayload struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

type stopPayload struct {
	AccountSID string `json:"accountSid,omitempty"`
	CallSID    string `json:"callSid,omitempty"`
}

// Decode parses one inbound text frame. It returns nil, nil for events this
// bridge does not handle.
func Decode(data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	switch strings.TrimSpace(env.Event) {
	case "":
		return nil, badRequest("missing event", "event")
	case EventConnected:
		return Connected{Protocol: env.Protocol, Version: env.Version}, nil
	case EventStart:
		if env.Start == nil {
			return nil, badRequest("start payload is required", "start")
		}
		start := *env.Start
		if start.StreamSID == "" {
			start.StreamSID = env.StreamSID
		}
		if strings.TrimSpace(start.StreamSID) == "" {
			return nil, badRequest("start.streamSid is required", "streamSid")
		}
		if enc := start.MediaFormat.Encoding; enc != "" && enc != EncodingMulaw {
			return nil, badRequest("unsupported media encoding", "mediaFormat.encoding")
		}
		return start, nil
	case EventMedia:
		if env.Media == nil {
			return nil, badRequest("media payload is required", "media")
		}
		payload, err := base64.StdEncoding.DecodeString(env.Media.Payload)
		if err != nil {
			return nil, badRequest("media.payload is not valid base64", "media.payload")
		}
		return Media{
			StreamSID: env.StreamSID,
			Track:     env.Media.Track,
			Chunk:     env.Media.Chunk,
			Timestamp: env.Media.Timestamp,
			Payload:   payload,
		}, nil
	case EventMark:
		if env.Mark == nil || strings.TrimSpace(env.Mark.Name) == "" {
			return nil, badRequest("mark.name is required", "mark.name")
		}
		return Mark{StreamSID: env.StreamSID, Name: env.Mark.Name}, nil
	case EventDTMF:
		if env.DTMF == nil || strings.TrimSpace(env.DTMF.Digit) == "" {
			return nil, badRequest("dtmf.digit is required", "dtmf.digit")
		}
		return DTMF{StreamSID: env.StreamSID, Digit: env.DTMF.Digit}, nil
	case EventStop:
		stop := Stop{StreamSID: env.StreamSID}
		if env.Stop != nil {
			stop.CallSID = env.Stop.CallSID
		}
		return stop, nil
	default:
		return nil, nil
	}
}

type outboundMedia struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid"`
	Media     mediaPayload `json:"media"`
}

type outboundMark struct {
	Event     string      `json:"event"`
	StreamSID string      `json:"streamSid"`
	Mark      markPayload `json:"mark"`
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

// EncodeMedia builds an outbound media message for one μ-law frame.
func EncodeMedia(streamSID string, ulaw []byte) ([]byte, error) {
	return json.Marshal(outboundMedia{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     mediaPayload{Payload: base64.StdEncoding.EncodeToString(ulaw)},
	})
}

// EncodeMark builds an outbound mark message.
func EncodeMark(streamSID, name string) ([]byte, error) {
	return json.Marshal(outboundMark{Event: EventMark, StreamSID: streamSID, Mark: markPayload{Name: name}})
}

// EncodeClear builds the message that discards audio buffered on the
// telephony side.
func EncodeClear(streamSID string) ([]byte, error) {
	return json.Marshal(outboundClear{Event: EventClear, StreamSID: streamSID})
}
