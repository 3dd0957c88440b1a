// Package call runs one telephony call end to end: it sets up the AI
// session, routes audio both ways, applies turn-taking and tears everything
// down exactly once.
package call

import (
	"fmt"
	"strings"
	"time"

	"github.com/vango-go/vai-callbridge/pkg/gateway/media/protocol"
)

// Direction is who placed the call.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// ParseDirection maps a stream parameter to a Direction. Anything other
// than "outbound" is treated as inbound.
func ParseDirection(s string) Direction {
	if strings.EqualFold(strings.TrimSpace(s), string(DirectionOutbound)) {
		return DirectionOutbound
	}
	return DirectionInbound
}

// State is the lifecycle phase of a call.
type State int

const (
	StateSetup State = iota
	StateGreeting
	StateActive
	StateHangupPending
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateSetup:
		return "setup"
	case StateGreeting:
		return "greeting"
	case StateActive:
		return "active"
	case StateHangupPending:
		return "hangup_pending"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// canTransition reports whether the lifecycle may move from s to next.
// Lifecycle states only move forward.
func (s State) canTransition(next State) bool {
	switch s {
	case StateSetup:
		return next == StateGreeting || next == StateHangupPending || next == StateClosed
	case StateGreeting:
		return next == StateActive || next == StateHangupPending || next == StateClosed
	case StateActive:
		return next == StateHangupPending || next == StateClosed
	case StateHangupPending:
		return next == StateClosed
	default:
		return false
	}
}

// Hangup reasons recorded on the post-call record.
const (
	ReasonCallerHangup  = "caller_hangup"
	ReasonAgentHangup   = "agent_hangup"
	ReasonMaxDuration   = "max_duration"
	ReasonFatalError    = "fatal_error"
	ReasonShutdown      = "shutdown"
	ReasonTransportLost = "transport_lost"
	ReasonExternal      = "external"
)

// Session identifies one call.
type Session struct {
	ID        string
	TenantID  string
	Direction Direction
	StreamSID string
	CallSID   string

	// Outbound calls carry the dial job and the lease protecting its slot.
	JobID      string
	LeaseToken string

	StartedAt time.Time
}

// NewSession builds a session from the stream start event.
func NewSession(id string, start protocol.Start, now time.Time) (Session, error) {
	s := Session{
		ID:         id,
		TenantID:   start.Param(protocol.ParamTenantID),
		Direction:  ParseDirection(start.Param(protocol.ParamDirection)),
		StreamSID:  start.StreamSID,
		CallSID:    start.CallSID,
		JobID:      start.Param(protocol.ParamJobID),
		LeaseToken: start.Param(protocol.ParamLeaseToken),
		StartedAt:  now,
	}
	if s.TenantID == "" {
		return Session{}, fmt.Errorf("stream %s: missing %s parameter", start.StreamSID, protocol.ParamTenantID)
	}
	if s.Direction == DirectionOutbound && (s.JobID == "" || s.LeaseToken == "") {
		return Session{}, fmt.Errorf("stream %s: outbound call without job lease", start.StreamSID)
	}
	return s, nil
}
