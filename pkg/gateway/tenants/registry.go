// Package tenants loads per-tenant call settings from a YAML file and serves
// them as the prompt provider and dial-slot limits.
package tenants

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vango-go/vai-callbridge/pkg/core"
	"github.com/vango-go/vai-callbridge/pkg/gateway/call"
)

// DefaultTenant holds settings for tenants the file does not list.
const DefaultTenant = "default"

// Script is the per-direction part of a tenant's prompt.
type Script struct {
	Greeting string `yaml:"greeting"`
	Script   string `yaml:"script"`
}

// Tenant is one entry of the tenants file.
type Tenant struct {
	// Concurrency caps simultaneous outbound calls; 0 uses the global cap.
	Concurrency         int      `yaml:"concurrency"`
	Voice               string   `yaml:"voice"`
	Language            string   `yaml:"language"`
	Temperature         float64  `yaml:"temperature"`
	SystemPrompt        string   `yaml:"system_prompt"`
	TranscriptionPrompt string   `yaml:"transcription_prompt"`
	HangupPhrases       []string `yaml:"hangup_phrases"`
	Whitelist           []string `yaml:"whitelist"`
	Inbound             Script   `yaml:"inbound"`
	Outbound            Script   `yaml:"outbound"`
}

type file struct {
	Tenants map[string]Tenant `yaml:"tenants"`
}

// Registry is immutable after load and safe for concurrent use.
type Registry struct {
	tenants map[string]Tenant
}

// Load reads a tenants file. An empty path yields an empty registry.
func Load(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return &Registry{tenants: map[string]Tenant{}}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tenants file: %w", err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// Parse decodes a tenants document. Unknown keys are rejected so typos do
// not silently fall back to defaults.
func Parse(data []byte) (*Registry, error) {
	var f file
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode tenants: %w", err)
	}
	r := &Registry{tenants: make(map[string]Tenant, len(f.Tenants))}
	for id, t := range f.Tenants {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, errors.New("tenant with empty id")
		}
		if t.Concurrency < 0 {
			return nil, fmt.Errorf("tenant %s: concurrency must be >= 0", id)
		}
		if t.Temperature < 0 || t.Temperature > 2 {
			return nil, fmt.Errorf("tenant %s: temperature must be within [0,2]", id)
		}
		r.tenants[id] = t
	}
	return r, nil
}

// IDs returns the configured tenant ids in order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.tenants))
	for id := range r.tenants {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Lookup returns the tenant's settings, falling back to the default entry.
func (r *Registry) Lookup(tenantID string) (Tenant, bool) {
	if t, ok := r.tenants[tenantID]; ok {
		return t, true
	}
	t, ok := r.tenants[DefaultTenant]
	return t, ok
}

// Capacity returns the tenant's outbound slot cap, or 0 to use the global
// default. It matches dialer.Dependencies.Capacity.
func (r *Registry) Capacity(tenantID string) int {
	t, _ := r.Lookup(tenantID)
	return t.Concurrency
}

// Prompt implements call.PromptProvider.
func (r *Registry) Prompt(_ context.Context, tenantID string, dir call.Direction) (call.Prompt, error) {
	t, ok := r.Lookup(tenantID)
	if !ok {
		return call.Prompt{}, core.NewNotFoundError(fmt.Sprintf("unknown tenant %q", tenantID))
	}
	s := t.Inbound
	if dir == call.DirectionOutbound {
		s = t.Outbound
	}
	return call.Prompt{
		System:              t.SystemPrompt,
		Script:              s.Script,
		Greeting:            s.Greeting,
		Voice:               t.Voice,
		Language:            t.Language,
		TranscriptionPrompt: t.TranscriptionPrompt,
		Temperature:         t.Temperature,
		HangupPhrases:       slices.Clone(t.HangupPhrases),
		Whitelist:           slices.Clone(t.Whitelist),
	}, nil
}
