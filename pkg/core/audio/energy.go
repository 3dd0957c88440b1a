package audio

import (
	"math"

	"github.com/zaf/g711"
)

// UlawRMS computes the root-mean-square energy of μ-law audio, normalized to
// 0.0..1.0 of full-scale 16-bit PCM.
func UlawRMS(ulaw []byte) float64 {
	if len(ulaw) == 0 {
		return 0
	}
	var sum float64
	for _, b := range ulaw {
		normalized := float64(g711.DecodeUlawFrame(b)) / 32768.0
		sum += normalized * normalized
	}
	return math.Sqrt(sum / float64(len(ulaw)))
}

// NoiseFloor tracks the ambient energy level of a call's inbound audio. It
// follows quiet frames quickly and rises slowly so speech does not drag it up.
type NoiseFloor struct {
	level   float64
	fall    float64
	rise    float64
	minimum float64
}

// NewNoiseFloor returns a tracker starting at initial.
func NewNoiseFloor(initial float64) *NoiseFloor {
	if initial <= 0 {
		initial = 0.01
	}
	return &NoiseFloor{level: initial, fall: 0.1, rise: 0.002, minimum: 0.0005}
}

// Observe feeds one frame energy into the tracker.
func (n *NoiseFloor) Observe(energy float64) {
	if energy < n.level {
		n.level += (energy - n.level) * n.fall
	} else {
		n.level += (energy - n.level) * n.rise
	}
	if n.level < n.minimum {
		n.level = n.minimum
	}
}

// Level returns the current floor estimate.
func (n *NoiseFloor) Level() float64 { return n.level }

// Meter averages frame energy over one caller utterance.
type Meter struct {
	sum    float64
	frames int
	active bool
}

// Start begins a new utterance, discarding any previous one.
func (m *Meter) Start() {
	m.sum, m.frames, m.active = 0, 0, true
}

// Stop freezes the current measurement.
func (m *Meter) Stop() { m.active = false }

// Add records one frame energy if an utterance is being measured.
func (m *Meter) Add(energy float64) {
	if !m.active {
		return
	}
	m.sum += energy
	m.frames++
}

// Mean returns the average energy of the utterance.
func (m *Meter) Mean() float64 {
	if m.frames == 0 {
		return 0
	}
	return m.sum / float64(m.frames)
}

// Frames returns the number of frames measured.
func (m *Meter) Frames() int { return m.frames }
