package turn

import (
	"fmt"
	"strings"
	"time"
)

// Role identifies the speaker of a history entry.
type Role string

const (
	RoleCaller Role = "caller"
	RoleAgent  Role = "agent"
)

// Entry is one utterance in the conversation.
type Entry struct {
	Role        Role      `json:"role"`
	Text        string    `json:"text"`
	TurnID      string    `json:"turn_id,omitempty"`
	Interrupted bool      `json:"interrupted,omitempty"`
	At          time.Time `json:"at"`
}

// History is the call transcript. It survives interruptions: a barge-in
// only marks the agent turn as interrupted.
type History struct {
	entries     []Entry
	interrupted map[string]bool
}

func NewHistory() *History {
	return &History{
		entries:     make([]Entry, 0, 32),
		interrupted: make(map[string]bool),
	}
}

func (h *History) AddCaller(text string, at time.Time) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	h.entries = append(h.entries, Entry{Role: RoleCaller, Text: text, At: at})
}

func (h *History) AddAgent(turnID, text string, at time.Time) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	h.entries = append(h.entries, Entry{Role: RoleAgent, Text: text, TurnID: turnID, Interrupted: h.interrupted[turnID], At: at})
}

// MarkInterrupted flags an agent turn as cut off, including its transcript
// if it has not arrived yet.
func (h *History) MarkInterrupted(turnID string) {
	if turnID == "" {
		return
	}
	h.interrupted[turnID] = true
	for i := range h.entries {
		if h.entries[i].Role == RoleAgent && h.entries[i].TurnID == turnID {
			h.entries[i].Interrupted = true
		}
	}
}

func (h *History) Len() int { return len(h.entries) }

func (h *History) Entries() []Entry {
	out := make([]Entry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Transcript renders the history one line per utterance.
func (h *History) Transcript() string {
	var b strings.Builder
	for _, e := range h.entries {
		suffix := ""
		if e.Interrupted {
			suffix = " [interrupted]"
		}
		fmt.Fprintf(&b, "%s: %s%s\n", e.Role, e.Text, suffix)
	}
	return b.String()
}
