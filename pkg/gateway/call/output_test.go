package call

import (
	"testing"

	"github.com/vango-go/vai-callbridge/pkg/core/audio"
	"github.com/vango-go/vai-callbridge/pkg/gateway/media/pacer"
)

func frame(turnID string) audio.Frame {
	return audio.NewMedia(turnID, make([]byte, audio.FrameBytes))
}

func TestOutputQueue_BacklogsAboveWatermark(t *testing.T) {
	p := pacer.New(pacer.Config{Capacity: 10, HighWatermark: 0.5}, newFakeMedia(), nil, nil)
	q := newOutputQueue(p, 100)

	for i := 0; i < 8; i++ {
		if err := q.Enqueue(frame("r1")); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if p.Depth() != 5 || q.Len() != 3 {
		t.Fatalf("pacer depth=%d backlog=%d, want 5 and 3", p.Depth(), q.Len())
	}
	if q.PendingMedia() != 8 {
		t.Fatalf("pending=%d, want 8", q.PendingMedia())
	}

	// A mark waits behind the audio it follows; a clear does not.
	_ = q.Enqueue(audio.NewMark("r1"))
	_ = q.Enqueue(audio.NewClear())
	if p.Depth() != 6 || q.Len() != 4 {
		t.Fatalf("pacer depth=%d backlog=%d, want 6 and 4", p.Depth(), q.Len())
	}

	if n := q.FlushTurn("r1"); n != 8 {
		t.Fatalf("flushed=%d, want 8", n)
	}
	if q.PendingMedia() != 0 || q.Len() != 1 {
		t.Fatalf("pending=%d backlog=%d after flush", q.PendingMedia(), q.Len())
	}
	if got := p.Stats().Dropped[pacer.DropCancelFlush]; got != 8 {
		t.Fatalf("cancellation_flush=%d, want 8", got)
	}
	if err := q.Pump(); err != nil {
		t.Fatalf("Pump: %v", err)
	}
	if q.Len() != 0 {
		t.Fatalf("mark still backlogged")
	}
}

func TestOutputQueue_LimitDropsOldest(t *testing.T) {
	p := pacer.New(pacer.Config{Capacity: 4, HighWatermark: 0.5}, newFakeMedia(), nil, nil)
	q := newOutputQueue(p, 3)

	for i := 0; i < 2; i++ {
		_ = q.Enqueue(frame("r1"))
	}
	for i := 0; i < 5; i++ {
		_ = q.Enqueue(frame("r2"))
	}
	if q.Len() != 3 {
		t.Fatalf("backlog=%d, want 3", q.Len())
	}
	if got := p.Stats().Dropped[pacer.DropQueueFull]; got != 2 {
		t.Fatalf("queue_full=%d, want 2", got)
	}

	q.discard()
	if q.Len() != 0 || q.PendingMedia() != 2 {
		t.Fatalf("backlog=%d pending=%d after discard", q.Len(), q.PendingMedia())
	}
	if got := p.Stats().Dropped[pacer.DropShutdown]; got != 3 {
		t.Fatalf("shutdown_drain=%d, want 3", got)
	}
}

func TestOutputQueue_ClosedPacer(t *testing.T) {
	p := pacer.New(pacer.Config{Capacity: 4}, newFakeMedia(), nil, nil)
	q := newOutputQueue(p, 10)
	p.Close()

	if err := q.Enqueue(frame("r1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("frame should wait in the backlog while the pacer is closed")
	}
}
