// Package media owns the telephony media WebSocket for one call: decoding
// inbound events, writing paced outbound frames and keeping the socket alive.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/vango-go/vai-callbridge/pkg/core/audio"
	"github.com/vango-go/vai-callbridge/pkg/gateway/media/protocol"
)

// ErrHandshake is returned when the stream does not send a valid start event
// in time.
var ErrHandshake = errors.New("media stream handshake failed")

type wsConn interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

type Config struct {
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	// InboundFPS caps inbound media frames per second; 0 disables the cap.
	InboundFPS          float64
	InboundBurstSeconds int
	InboundBuffer       int
}

func (c Config) withDefaults() Config {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.InboundBurstSeconds <= 0 {
		c.InboundBurstSeconds = 2
	}
	if c.InboundBuffer <= 0 {
		c.InboundBuffer = 256
	}
	return c
}

// Conn is one telephony media stream.
type Conn struct {
	ws     wsConn
	cfg    Config
	logger *slog.Logger

	writeMu   sync.Mutex
	streamSID atomic.Value

	inbound chan any
	limiter *rate.Limiter

	closeOnce sync.Once
	closed    chan struct{}

	droppedInbound atomic.Uint64
}

// NewConn wraps an upgraded socket.
func NewConn(ws wsConn, cfg Config, logger *slog.Logger) *Conn {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conn{
		ws:      ws,
		cfg:     cfg,
		logger:  logger,
		inbound: make(chan any, cfg.InboundBuffer),
		closed:  make(chan struct{}),
	}
	if cfg.InboundFPS > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.InboundFPS), int(cfg.InboundFPS)*cfg.InboundBurstSeconds)
	}
	c.streamSID.Store("")
	return c
}

// AwaitStart reads until the stream's start event, skipping the connected
// preamble.
func (c *Conn) AwaitStart(ctx context.Context) (protocol.Start, error) {
	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetReadDeadline(deadline)
	defer func() { _ = c.ws.SetReadDeadline(time.Time{}) }()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return protocol.Start{}, fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			return protocol.Start{}, fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		switch m := msg.(type) {
		case protocol.Start:
			c.streamSID.Store(m.StreamSID)
			return m, nil
		case protocol.Stop:
			return protocol.Start{}, fmt.Errorf("%w: stream stopped before start", ErrHandshake)
		}
	}
}

// StreamSID returns the stream id learned from the start event.
func (c *Conn) StreamSID() string {
	s, _ := c.streamSID.Load().(string)
	return s
}

// Inbound delivers decoded messages in arrival order. It is closed when
// ReadLoop returns.
func (c *Conn) Inbound() <-chan any { return c.inbound }

// ReadLoop decodes inbound frames until the stream stops, the socket fails
// or ctx is done. A stop event is delivered before the loop returns nil.
func (c *Conn) ReadLoop(ctx context.Context) error {
	defer close(c.inbound)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return nil
			default:
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
				return nil
			}
			return fmt.Errorf("media read: %w", err)
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("media frame rejected", "error", err)
			continue
		}
		if msg == nil {
			continue
		}
		if m, ok := msg.(protocol.Media); ok {
			if m.Track != "" && m.Track != protocol.TrackInbound {
				continue
			}
			if c.limiter != nil && !c.limiter.Allow() {
				c.droppedInbound.Add(1)
				continue
			}
			select {
			case c.inbound <- m:
			default:
				c.droppedInbound.Add(1)
			}
			continue
		}
		select {
		case c.inbound <- msg:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return nil
		}
		if _, ok := msg.(protocol.Stop); ok {
			return nil
		}
	}
}

// SendFrame writes one paced frame.
func (c *Conn) SendFrame(f audio.Frame) error {
	sid := c.StreamSID()
	var (
		data []byte
		err  error
	)
	switch {
	case f.IsMedia():
		data, err = protocol.EncodeMedia(sid, f.Payload)
	case f.Control == audio.ControlClear:
		data, err = protocol.EncodeClear(sid)
	case f.Control == audio.ControlMark:
		data, err = protocol.EncodeMark(sid, f.Mark)
	default:
		return fmt.Errorf("unsupported frame class=%s control=%q", f.Class, f.Control)
	}
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *Conn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// KeepAlive pings the peer until ctx is done or the connection closes.
func (c *Conn) KeepAlive(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.closed:
			return nil
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(c.cfg.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return fmt.Errorf("media ping: %w", err)
			}
		}
	}
}

// DroppedInbound returns how many inbound media frames were discarded by the
// rate limiter or a full buffer.
func (c *Conn) DroppedInbound() uint64 { return c.droppedInbound.Load() }

// Close sends a normal close frame and closes the socket. Safe to call more
// than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		close(c.closed)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(c.cfg.WriteTimeout))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
