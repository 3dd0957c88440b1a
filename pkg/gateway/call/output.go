package call

import (
	"time"

	"github.com/vango-go/vai-callbridge/pkg/core/audio"
	"github.com/vango-go/vai-callbridge/pkg/gateway/media/pacer"
)

// outputQueue holds model audio that arrived faster than real time and
// feeds it to the pacer only while the pacer is below its high watermark.
// The model streams a whole answer in a burst; without the backlog the
// pacer would evict most of it. Owned by the event loop.
type outputQueue struct {
	pacer  *pacer.Pacer
	frames []audio.Frame
	media  int
	limit  int
}

func newOutputQueue(p *pacer.Pacer, limit int) *outputQueue {
	return &outputQueue{pacer: p, limit: limit}
}

// Enqueue appends a frame to the backlog and moves what fits into the
// pacer. Clear frames skip the backlog: they reset playback and must not
// wait behind audio.
func (q *outputQueue) Enqueue(f audio.Frame) error {
	if f.Class == audio.ClassControl && f.Control == audio.ControlClear {
		return q.pacer.Enqueue(f)
	}
	if f.IsMedia() && q.limit > 0 && q.media >= q.limit {
		q.evictOldestMedia()
		q.pacer.Discard(pacer.DropQueueFull, 1)
	}
	q.frames = append(q.frames, f)
	if f.IsMedia() {
		q.media++
	}
	return q.Pump()
}

// Pump moves backlog frames into the pacer until it reaches the high
// watermark.
func (q *outputQueue) Pump() error {
	for n := q.pacer.Headroom(); n > 0 && len(q.frames) > 0; n-- {
		f := q.frames[0]
		q.frames[0] = audio.Frame{}
		q.frames = q.frames[1:]
		if f.IsMedia() {
			q.media--
		}
		if err := q.pacer.Enqueue(f); err != nil {
			return err
		}
	}
	if len(q.frames) == 0 {
		q.frames = nil
	}
	return nil
}

func (q *outputQueue) evictOldestMedia() {
	for i, f := range q.frames {
		if f.IsMedia() {
			q.frames = append(q.frames[:i], q.frames[i+1:]...)
			q.media--
			return
		}
	}
}

// FlushTurn drops every media frame of turnID, queued or backlogged.
func (q *outputQueue) FlushTurn(turnID string) int {
	if turnID == "" {
		return 0
	}
	kept := q.frames[:0]
	removed := 0
	for _, f := range q.frames {
		if f.IsMedia() && f.TurnID == turnID {
			removed++
			continue
		}
		kept = append(kept, f)
	}
	q.frames = kept
	q.media -= removed
	q.pacer.Discard(pacer.DropCancelFlush, removed)
	return removed + q.pacer.FlushTurn(turnID)
}

// PendingMedia counts media frames not yet sent.
func (q *outputQueue) PendingMedia() int {
	return q.media + q.pacer.PendingMedia()
}

func (q *outputQueue) LastMediaSentAt() time.Time {
	return q.pacer.LastMediaSentAt()
}

// Len returns the number of backlogged frames.
func (q *outputQueue) Len() int { return len(q.frames) }

// discard drops the backlog when the call closes.
func (q *outputQueue) discard() {
	q.pacer.Discard(pacer.DropShutdown, q.media)
	q.frames = nil
	q.media = 0
}
