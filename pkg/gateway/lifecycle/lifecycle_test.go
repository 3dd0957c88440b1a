package lifecycle

import (
	"testing"
	"time"
)

func TestLifecycle_BeginDrainOnce(t *testing.T) {
	var l Lifecycle
	if l.IsDraining() || !l.DrainingSince().IsZero() {
		t.Fatal("new lifecycle should not be draining")
	}

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if !l.BeginDrain(t0) {
		t.Fatal("first BeginDrain should start the drain")
	}
	if l.BeginDrain(t0.Add(time.Second)) {
		t.Fatal("second BeginDrain should be a no-op")
	}
	if !l.IsDraining() {
		t.Fatal("expected draining")
	}
	if got := l.DrainingSince(); !got.Equal(t0) {
		t.Fatalf("DrainingSince = %v, want %v", got, t0)
	}
}

func TestLifecycle_NilSafe(t *testing.T) {
	var l *Lifecycle
	if l.BeginDrain(time.Now()) || l.IsDraining() {
		t.Fatal("nil lifecycle must report not draining")
	}
}
