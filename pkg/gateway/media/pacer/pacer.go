// Package pacer releases outbound audio to the telephony socket at exactly
// one frame per 20ms, regardless of how bursty the AI output is.
package pacer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/vango-go/vai-callbridge/pkg/core/audio"
)

var (
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("pacer closed")
	// ErrControlTimeout is returned when a control frame could not be queued
	// within Config.ControlEnqueueTimeout.
	ErrControlTimeout = errors.New("pacer: timed out queueing control frame")
)

// DropReason attributes a discarded frame.
type DropReason string

const (
	DropQueueFull   DropReason = "queue_full"
	DropCancelFlush DropReason = "cancellation_flush"
	DropShutdown    DropReason = "shutdown_drain"
	DropUnknown     DropReason = "unknown"
)

// Sink writes one frame to the wire.
type Sink interface {
	SendFrame(f audio.Frame) error
}

// Recorder receives pacer measurements. Implementations must be cheap; they
// are called from the send loop.
type Recorder interface {
	FrameSent(gap time.Duration)
	FramesDropped(reason DropReason, n int)
	Backpressure()
	QueueDepth(n int)
}

type Config struct {
	Capacity              int
	Interval              time.Duration
	HighWatermark         float64
	ControlEnqueueTimeout time.Duration
	StatsInterval         time.Duration
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = 150
	}
	if c.Interval <= 0 {
		c.Interval = audio.FrameDuration
	}
	if c.HighWatermark <= 0 || c.HighWatermark > 1 {
		c.HighWatermark = 0.9
	}
	if c.ControlEnqueueTimeout <= 0 {
		c.ControlEnqueueTimeout = time.Second
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = time.Second
	}
	return c
}

// Stats is a snapshot of pacer counters.
type Stats struct {
	Depth        int
	Capacity     int
	Sent         uint64
	Backpressure uint64
	MaxGap       time.Duration
	Dropped      map[DropReason]uint64
}

type Pacer struct {
	cfg    Config
	sink   Sink
	logger *slog.Logger
	rec    Recorder

	mu         sync.Mutex
	queue      []audio.Frame
	mediaCount int
	seq        uint64
	closed     bool
	changed    chan struct{}
	dropped    map[DropReason]uint64
	sent       uint64
	bpCycles   uint64
	maxGap     time.Duration

	lastMediaSent atomic.Int64

	logStats   rate.Sometimes
	logUnknown rate.Sometimes
	logBP      rate.Sometimes
}

// New builds a pacer writing to sink. Call Run to start sending.
func New(cfg Config, sink Sink, logger *slog.Logger, rec Recorder) *Pacer {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if rec == nil {
		rec = noopRecorder{}
	}
	return &Pacer{
		cfg:        cfg,
		sink:       sink,
		logger:     logger,
		rec:        rec,
		queue:      make([]audio.Frame, 0, cfg.Capacity),
		changed:    make(chan struct{}),
		dropped:    make(map[DropReason]uint64),
		logStats:   rate.Sometimes{Interval: cfg.StatsInterval},
		logUnknown: rate.Sometimes{Interval: time.Second},
		logBP:      rate.Sometimes{Interval: time.Second},
	}
}

// Enqueue queues a frame. Media frames never block: when the queue is full
// the oldest queued media frame is evicted. Control frames are never
// dropped; they wait for space up to ControlEnqueueTimeout.
func (p *Pacer) Enqueue(f audio.Frame) error {
	switch f.Class {
	case audio.ClassMedia:
		return p.enqueueMedia(f)
	case audio.ClassControl:
		return p.enqueueControl(f)
	default:
		p.mu.Lock()
		p.dropLocked(DropUnknown, 1)
		p.mu.Unlock()
		return nil
	}
}

func (p *Pacer) enqueueMedia(f audio.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.dropLocked(DropShutdown, 1)
		return ErrClosed
	}
	if len(p.queue) >= p.cfg.Capacity {
		if !p.evictOldestMediaLocked() {
			p.dropLocked(DropQueueFull, 1)
			return nil
		}
		p.dropLocked(DropQueueFull, 1)
	}
	p.pushLocked(f)
	return nil
}

func (p *Pacer) enqueueControl(f audio.Frame) error {
	deadline := time.NewTimer(p.cfg.ControlEnqueueTimeout)
	defer deadline.Stop()
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return ErrClosed
		}
		if len(p.queue) < p.cfg.Capacity {
			p.pushLocked(f)
			p.mu.Unlock()
			return nil
		}
		if p.evictOldestMediaLocked() {
			p.dropLocked(DropQueueFull, 1)
			p.pushLocked(f)
			p.mu.Unlock()
			return nil
		}
		wait := p.changed
		p.mu.Unlock()

		select {
		case <-wait:
		case <-deadline.C:
			return fmt.Errorf("%w: %s", ErrControlTimeout, f.Control)
		}
	}
}

func (p *Pacer) pushLocked(f audio.Frame) {
	p.seq++
	f.Seq = p.seq
	if f.Arrived.IsZero() {
		f.Arrived = time.Now()
	}
	p.queue = append(p.queue, f)
	if f.IsMedia() {
		p.mediaCount++
	}
}

func (p *Pacer) evictOldestMediaLocked() bool {
	for i, f := range p.queue {
		if !f.IsMedia() {
			continue
		}
		p.queue = append(p.queue[:i], p.queue[i+1:]...)
		p.mediaCount--
		return true
	}
	return false
}

func (p *Pacer) dropLocked(reason DropReason, n int) {
	if n <= 0 {
		return
	}
	p.dropped[reason] += uint64(n)
	p.rec.FramesDropped(reason, n)
	if reason == DropUnknown {
		p.logUnknown.Do(func() {
			p.logger.Error("pacer dropped frames for an unclassified reason", "count", p.dropped[DropUnknown])
		})
	}
}

func (p *Pacer) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// FlushTurn discards every queued media frame produced by turnID and
// returns how many were removed. Control frames stay queued.
func (p *Pacer) FlushTurn(turnID string) int {
	if turnID == "" {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.queue[:0]
	removed := 0
	for _, f := range p.queue {
		if f.IsMedia() && f.TurnID == turnID {
			removed++
			continue
		}
		kept = append(kept, f)
	}
	p.queue = kept
	p.mediaCount -= removed
	if removed > 0 {
		p.dropLocked(DropCancelFlush, removed)
		p.notifyLocked()
	}
	return removed
}

func (p *Pacer) pop() (audio.Frame, int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	depth := len(p.queue)
	if depth == 0 {
		return audio.Frame{}, 0, false
	}
	f := p.queue[0]
	p.queue[0] = audio.Frame{}
	p.queue = p.queue[1:]
	if f.IsMedia() {
		p.mediaCount--
	}
	p.notifyLocked()
	return f, depth, true
}

// Run sends one frame per interval until ctx is done or the pacer is closed.
func (p *Pacer) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	next := time.Now()
	var prevSent time.Time
	windowStart := time.Now()
	var windowSent uint64
	var windowGap time.Duration

	for {
		if p.isClosed() {
			return nil
		}
		if now := time.Now(); next.Before(now) {
			next = now
		}
		if wait := time.Until(next); wait > 0 {
			timer.Reset(wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		f, depth, ok := p.pop()
		now := time.Now()
		if ok {
			if err := p.sink.SendFrame(f); err != nil {
				return fmt.Errorf("pacer send: %w", err)
			}
			var gap time.Duration
			if !prevSent.IsZero() {
				gap = now.Sub(prevSent)
			}
			prevSent = now
			if f.IsMedia() {
				p.lastMediaSent.Store(now.UnixNano())
			}
			p.recordSent(gap)
			p.rec.FrameSent(gap)
			windowSent++
			if gap > windowGap {
				windowGap = gap
			}
		} else {
			prevSent = time.Time{}
		}

		backpressure := float64(depth) > p.cfg.HighWatermark*float64(p.cfg.Capacity)
		if backpressure {
			p.mu.Lock()
			p.bpCycles++
			p.mu.Unlock()
			p.rec.Backpressure()
			p.logBP.Do(func() {
				p.logger.Warn("pacer backpressure", "depth", depth, "capacity", p.cfg.Capacity)
			})
		}
		next = nextDeadline(next, now, p.cfg.Interval, backpressure)

		if elapsed := now.Sub(windowStart); elapsed >= p.cfg.StatsInterval {
			p.emitStats(elapsed, windowSent, windowGap)
			windowStart, windowSent, windowGap = now, 0, 0
		}
	}
}

// nextDeadline advances the send schedule by one interval (two under
// backpressure). A schedule that has fallen behind restarts from now instead
// of bursting to catch up.
func nextDeadline(prev, now time.Time, interval time.Duration, backpressure bool) time.Time {
	next := prev.Add(interval)
	if backpressure {
		next = next.Add(interval)
	}
	if next.Before(now) {
		return now
	}
	return next
}

func (p *Pacer) recordSent(gap time.Duration) {
	p.mu.Lock()
	p.sent++
	if gap > p.maxGap {
		p.maxGap = gap
	}
	p.mu.Unlock()
}

func (p *Pacer) emitStats(elapsed time.Duration, sent uint64, maxGap time.Duration) {
	depth := p.Depth()
	p.rec.QueueDepth(depth)
	p.logStats.Do(func() {
		p.logger.Debug("pacer stats",
			"depth", depth,
			"fps", float64(sent)/elapsed.Seconds(),
			"max_gap_ms", maxGap.Milliseconds(),
		)
	})
}

// WaitEmpty blocks until the queue is empty or ctx is done.
func (p *Pacer) WaitEmpty(ctx context.Context) error {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return nil
		}
		wait := p.changed
		p.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// Close discards queued frames as shutdown drops and stops Run. Safe to call
// more than once.
func (p *Pacer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.dropLocked(DropShutdown, len(p.queue))
	p.queue = nil
	p.mediaCount = 0
	p.notifyLocked()
}

func (p *Pacer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Headroom returns how many frames can be queued before the depth reaches
// the high watermark. Producers that can wait use it to avoid evictions.
func (p *Pacer) Headroom() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0
	}
	n := int(p.cfg.HighWatermark*float64(p.cfg.Capacity)) - len(p.queue)
	if n < 0 {
		return 0
	}
	return n
}

// Discard attributes n frames that were dropped before reaching the queue,
// so upstream buffers share the pacer's drop accounting.
func (p *Pacer) Discard(reason DropReason, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropLocked(reason, n)
}

// Depth returns the number of queued frames.
func (p *Pacer) Depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// PendingMedia returns the number of queued media frames.
func (p *Pacer) PendingMedia() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mediaCount
}

// LastMediaSentAt returns when the most recent media frame hit the wire.
func (p *Pacer) LastMediaSentAt() time.Time {
	ns := p.lastMediaSent.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Stats returns lifetime counters.
func (p *Pacer) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	dropped := make(map[DropReason]uint64, len(p.dropped))
	for k, v := range p.dropped {
		dropped[k] = v
	}
	return Stats{
		Depth:        len(p.queue),
		Capacity:     p.cfg.Capacity,
		Sent:         p.sent,
		Backpressure: p.bpCycles,
		MaxGap:       p.maxGap,
		Dropped:      dropped,
	}
}

type noopRecorder struct{}

func (noopRecorder) FrameSent(time.Duration)       {}
func (noopRecorder) FramesDropped(DropReason, int) {}
func (noopRecorder) Backpressure()                 {}
func (noopRecorder) QueueDepth(int)                {}
