package realtime

import "context"

// Transport is one backend connection. Implementations must be safe for
// concurrent use by one writer and one Events reader.
type Transport interface {
	// UpdateSession sends the session configuration. force marks a resend
	// after an unacknowledged first attempt.
	UpdateSession(ctx context.Context, cfg SessionConfig, force bool) error
	AppendAudio(ctx context.Context, ulaw []byte) error
	// InjectText adds a system message to the conversation without starting
	// a model turn.
	InjectText(ctx context.Context, text string) error
	CreateResponse(ctx context.Context, instructions string) error
	CancelResponse(ctx context.Context, turnID string) error
	// Events is closed when the transport is closed or the peer goes away.
	Events() <-chan Event
	Close() error
}
