package turn

import (
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	const floor = 0.02
	tests := []struct {
		name   string
		c      Candidate
		want   bool
		reason RejectReason
	}{
		{
			name:   "empty",
			c:      Candidate{Text: "  ...  ", Duration: time.Second, Energy: 0.5, NoiseFloor: floor},
			reason: RejectEmpty,
		},
		{
			name:   "too short",
			c:      Candidate{Text: "what about tomorrow", Duration: 300 * time.Millisecond, Energy: 0.5, NoiseFloor: floor},
			reason: RejectTooShort,
		},
		{
			name: "short whitelisted and loud",
			c:    Candidate{Text: "Stop!", Duration: 200 * time.Millisecond, Energy: floor + 0.021, NoiseFloor: floor},
			want: true,
		},
		{
			name:   "short whitelisted below doubled threshold",
			c:      Candidate{Text: "stop", Duration: 200 * time.Millisecond, Energy: floor + 0.015, NoiseFloor: floor},
			reason: RejectTooShort,
		},
		{
			name:   "low energy",
			c:      Candidate{Text: "can you repeat that", Duration: time.Second, Energy: floor + 0.005, NoiseFloor: floor},
			reason: RejectLowEnergy,
		},
		{
			name:   "single word not whitelisted",
			c:      Candidate{Text: "umbrella", Duration: time.Second, Energy: 0.5, NoiseFloor: floor},
			reason: RejectTooFew,
		},
		{
			name: "single whitelisted word",
			c:    Candidate{Text: "Hola.", Duration: 700 * time.Millisecond, Energy: 0.5, NoiseFloor: floor},
			want: true,
		},
		{
			name:   "duplicate of rejected",
			c:      Candidate{Text: "Thank you for watching", Duration: time.Second, Energy: 0.5, NoiseFloor: floor, LastRejected: "thank you for watching"},
			reason: RejectDuplicate,
		},
		{
			name: "normal sentence",
			c:    Candidate{Text: "I'd like to reschedule", Duration: 1200 * time.Millisecond, Energy: 0.2, NoiseFloor: floor},
			want: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Validate(tt.c, ValidationConfig{})
			if v.Confirmed != tt.want {
				t.Fatalf("Confirmed=%v, want %v (reason %q)", v.Confirmed, tt.want, v.Reason)
			}
			if v.Reason != tt.reason {
				t.Fatalf("Reason=%q, want %q", v.Reason, tt.reason)
			}
		})
	}
}

func TestValidate_Deterministic(t *testing.T) {
	c := Candidate{Text: "yes please", Duration: 600 * time.Millisecond, Energy: 0.1, NoiseFloor: 0.01}
	first := Validate(c, ValidationConfig{})
	for i := 0; i < 10; i++ {
		if got := Validate(c, ValidationConfig{}); got != first {
			t.Fatalf("run %d: %+v, want %+v", i, got, first)
		}
	}
}

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"  Hello,   World! ": "hello world",
		"¿Perdón?":           "perdón",
		"don't":              "don t",
		"re-try":             "re try",
		"":                   "",
	}
	for in, want := range tests {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q)=%q, want %q", in, got, want)
		}
	}
}
