package turn

import (
	"strings"
	"time"
	"unicode"
)

// RejectReason explains why a candidate utterance was not accepted as real
// caller speech.
type RejectReason string

const (
	RejectNone        RejectReason = ""
	RejectEmpty       RejectReason = "empty_transcript"
	RejectTooShort    RejectReason = "too_short"
	RejectLowEnergy   RejectReason = "low_energy"
	RejectTooFew      RejectReason = "too_few_words"
	RejectDuplicate   RejectReason = "duplicate_of_rejected"
	RejectEcho        RejectReason = "echo_window"
	RejectNoResponse  RejectReason = "no_response_timeout"
	RejectNoCandidate RejectReason = "no_candidate"
)

// DefaultWhitelist holds short replies that count as real speech on their
// own, in the languages the agents usually run in.
var DefaultWhitelist = []string{
	"yes", "no", "stop", "wait", "hello", "hi", "ok", "okay", "sure", "correct", "nope",
	"si", "sí", "vale", "claro", "espera", "hola", "bueno", "alto", "oiga", "perdón",
}

type ValidationConfig struct {
	// MinDuration is the shortest utterance accepted without the whitelist
	// energy exception.
	MinDuration time.Duration
	// EnergyDelta is the margin above the noise floor an utterance must
	// clear. Whitelisted short utterances must clear twice the margin.
	EnergyDelta float64
	MinWords    int
	Whitelist   []string
}

func (c ValidationConfig) withDefaults() ValidationConfig {
	if c.MinDuration <= 0 {
		c.MinDuration = 500 * time.Millisecond
	}
	if c.EnergyDelta <= 0 {
		c.EnergyDelta = 0.01
	}
	if c.MinWords <= 0 {
		c.MinWords = 2
	}
	if c.Whitelist == nil {
		c.Whitelist = DefaultWhitelist
	}
	return c
}

// Candidate is one transcribed caller utterance awaiting confirmation.
type Candidate struct {
	Text       string
	Duration   time.Duration
	Energy     float64
	NoiseFloor float64
	// LastRejected is the normalized text of the previous rejected candidate.
	LastRejected string
}

// Verdict is the outcome of Validate.
type Verdict struct {
	Confirmed   bool
	Reason      RejectReason
	Normalized  string
	Whitelisted bool
}

// Validate decides whether a candidate is real caller speech. It is pure:
// the same inputs always give the same verdict. A candidate is rejected when
// its transcript is empty, it is shorter than MinDuration (unless it is a
// whitelisted phrase spoken clearly above the noise floor), its energy does
// not clear the noise floor by EnergyDelta, it has fewer than MinWords words
// and is not whitelisted, or it repeats the last rejected transcript.
func Validate(c Candidate, cfg ValidationConfig) Verdict {
	cfg = cfg.withDefaults()
	norm := Normalize(c.Text)
	v := Verdict{Normalized: norm, Whitelisted: isWhitelisted(norm, cfg.Whitelist)}

	reject := func(r RejectReason) Verdict {
		v.Reason = r
		return v
	}
	if norm == "" {
		return reject(RejectEmpty)
	}
	if c.Duration < cfg.MinDuration {
		if !v.Whitelisted || c.Energy <= c.NoiseFloor+2*cfg.EnergyDelta {
			return reject(RejectTooShort)
		}
	}
	if c.Energy < c.NoiseFloor+cfg.EnergyDelta {
		return reject(RejectLowEnergy)
	}
	if len(strings.Fields(norm)) < cfg.MinWords && !v.Whitelisted {
		return reject(RejectTooFew)
	}
	if c.LastRejected != "" && norm == c.LastRejected {
		return reject(RejectDuplicate)
	}
	v.Confirmed = true
	return v
}

// Normalize lowercases text, strips punctuation and collapses whitespace.
func Normalize(text string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '-' || r == '\'':
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func isWhitelisted(norm string, whitelist []string) bool {
	for _, w := range whitelist {
		if norm == Normalize(w) {
			return true
		}
	}
	return false
}
