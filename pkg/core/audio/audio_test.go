package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/zaf/g711"
)

func tone(amplitude int16, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		v := amplitude
		if i%2 == 1 {
			v = -amplitude
		}
		out[i] = g711.EncodeUlawFrame(v)
	}
	return out
}

func TestFrameBytes(t *testing.T) {
	if FrameBytes != 160 {
		t.Fatalf("FrameBytes=%d, want 160", FrameBytes)
	}
}

func TestUlawRMS(t *testing.T) {
	if got := UlawRMS(nil); got != 0 {
		t.Fatalf("empty rms=%v, want 0", got)
	}
	if got := UlawRMS(bytes.Repeat([]byte{UlawSilence}, FrameBytes)); got != 0 {
		t.Fatalf("silence rms=%v, want 0", got)
	}
	got := UlawRMS(tone(16000, FrameBytes))
	if math.Abs(got-0.49) > 0.03 {
		t.Fatalf("tone rms=%v, want ~0.49", got)
	}
}

func TestNoiseFloor_FollowsQuietAndResistsSpeech(t *testing.T) {
	nf := NewNoiseFloor(0.05)
	for i := 0; i < 200; i++ {
		nf.Observe(0.005)
	}
	quiet := nf.Level()
	if quiet > 0.01 {
		t.Fatalf("floor=%v after quiet audio, want <= 0.01", quiet)
	}
	for i := 0; i < 25; i++ {
		nf.Observe(0.4)
	}
	if nf.Level() > quiet+0.05 {
		t.Fatalf("floor rose to %v after half a second of speech", nf.Level())
	}
}

func TestMeter(t *testing.T) {
	var m Meter
	m.Add(1)
	if m.Frames() != 0 {
		t.Fatalf("meter counted frames before Start")
	}
	m.Start()
	m.Add(0.2)
	m.Add(0.4)
	m.Stop()
	m.Add(10)
	if m.Frames() != 2 || math.Abs(m.Mean()-0.3) > 1e-9 {
		t.Fatalf("frames=%d mean=%v, want 2 and 0.3", m.Frames(), m.Mean())
	}
}

func TestFramer(t *testing.T) {
	var f Framer
	if frames := f.Push(make([]byte, 100)); len(frames) != 0 {
		t.Fatalf("frames=%d, want 0", len(frames))
	}
	frames := f.Push(make([]byte, 300))
	if len(frames) != 2 {
		t.Fatalf("frames=%d, want 2", len(frames))
	}
	for _, fr := range frames {
		if len(fr) != FrameBytes {
			t.Fatalf("frame len=%d", len(fr))
		}
	}
	tail := f.Flush()
	if len(tail) != FrameBytes {
		t.Fatalf("tail len=%d, want %d", len(tail), FrameBytes)
	}
	if tail[79] != 0 || tail[80] != UlawSilence {
		t.Fatalf("tail padding wrong: %x %x", tail[79], tail[80])
	}
	if f.Flush() != nil {
		t.Fatalf("second flush should be empty")
	}
}

func TestResample(t *testing.T) {
	pcm := make([]byte, 0, 8)
	for _, v := range []int16{0, 300, 600, 900} {
		pcm = binary.LittleEndian.AppendUint16(pcm, uint16(v))
	}
	up := Upsample(pcm, 2)
	if len(up) != len(pcm)*2 {
		t.Fatalf("up len=%d", len(up))
	}
	if v := int16(binary.LittleEndian.Uint16(up[2:])); v != 150 {
		t.Fatalf("interpolated=%d, want 150", v)
	}
	down := Downsample(up, 2)
	if len(down) != len(pcm) {
		t.Fatalf("down len=%d", len(down))
	}
	if v := int16(binary.LittleEndian.Uint16(down[2:])); v != 375 {
		t.Fatalf("averaged=%d, want 375", v)
	}
}
