package handlers

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/vango-go/vai-callbridge/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyCheck probes one dependency. A nil error means ready.
type ReadyCheck func(ctx context.Context) error

// ReadyHandler reports not-ready while draining or when a dependency check
// fails, so load balancers stop routing new calls here.
type ReadyHandler struct {
	Lifecycle *lifecycle.Lifecycle
	Checks    map[string]ReadyCheck
	// ActiveCalls reports the number of bridged calls.
	ActiveCalls func() int
	Timeout     time.Duration
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK          bool     `json:"ok"`
		Draining    bool     `json:"draining"`
		ActiveCalls int      `json:"active_calls"`
		Issues      []string `json:"issues,omitempty"`
	}

	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	issues := make([]string, 0, len(h.Checks))
	draining := h.Lifecycle.IsDraining()
	if draining {
		issues = append(issues, "draining")
	}
	names := make([]string, 0, len(h.Checks))
	for name := range h.Checks {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if err := h.Checks[name](ctx); err != nil {
			issues = append(issues, name+": "+err.Error())
		}
	}

	active := 0
	if h.ActiveCalls != nil {
		active = h.ActiveCalls()
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, readyResp{
		OK:          ok,
		Draining:    draining,
		ActiveCalls: active,
		Issues:      issues,
	})
}
