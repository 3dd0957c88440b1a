// Package audio holds the G.711 frame model shared by the media transport,
// the TX pacer and the AI session bridge.
package audio

import "time"

const (
	// SampleRate is the telephony sample rate.
	SampleRate = 8000
	// FrameDuration is the wire cadence of one media frame.
	FrameDuration = 20 * time.Millisecond
	// FrameBytes is one frame of μ-law: 8 kHz * 20ms, one byte per sample.
	FrameBytes = SampleRate * int(FrameDuration/time.Millisecond) / 1000
	// UlawSilence is the μ-law code for zero amplitude.
	UlawSilence byte = 0xFF
)

// Class separates droppable audio from control frames that must reach the wire.
type Class uint8

const (
	ClassMedia Class = iota + 1
	ClassControl
)

func (c Class) String() string {
	switch c {
	case ClassMedia:
		return "media"
	case ClassControl:
		return "control"
	default:
		return "unknown"
	}
}

// ControlKind identifies a control frame.
type ControlKind string

const (
	// ControlClear tells the telephony side to discard buffered playback.
	ControlClear ControlKind = "clear"
	// ControlMark asks the telephony side to echo a named mark once
	// everything before it has been played.
	ControlMark ControlKind = "mark"
)

// Frame is one unit on the outbound queue. Frames are immutable once
// enqueued; Seq and Arrived are stamped by the queue.
type Frame struct {
	Class   Class
	Seq     uint64
	Arrived time.Time

	// TurnID is the AI turn that produced a media frame.
	TurnID  string
	Payload []byte

	Control ControlKind
	Mark    string
}

// NewMedia builds a media frame for the given AI turn.
func NewMedia(turnID string, payload []byte) Frame {
	return Frame{Class: ClassMedia, TurnID: turnID, Payload: payload}
}

// NewClear builds a stream-reset control frame.
func NewClear() Frame {
	return Frame{Class: ClassControl, Control: ControlClear}
}

// NewMark builds a named mark control frame.
func NewMark(name string) Frame {
	return Frame{Class: ClassControl, Control: ControlMark, Mark: name}
}

// IsMedia reports whether the frame may be dropped under pressure.
func (f Frame) IsMedia() bool { return f.Class == ClassMedia }
