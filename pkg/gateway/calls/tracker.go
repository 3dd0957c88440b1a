// Package calls keeps the set of live calls so the server can report them
// and hang them up on shutdown.
package calls

import (
	"context"
	"sync"
)

// Handle is what the tracker needs from a live call.
type Handle struct {
	TenantID  string
	Direction string
	// Hangup asks the call to finish speaking and hang up.
	Hangup func(reason string)
	// Close ends the call immediately.
	Close func() error
}

type Tracker struct {
	mu    sync.Mutex
	calls map[string]*trackedCall
	wg    sync.WaitGroup
}

type trackedCall struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		calls: make(map[string]*trackedCall),
	}
}

// Register adds a call. A call registered twice under the same id replaces
// the older entry.
func (t *Tracker) Register(callID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &trackedCall{handle: h}

	t.mu.Lock()
	if t.calls == nil {
		t.calls = make(map[string]*trackedCall)
	}
	old := t.calls[callID]
	t.calls[callID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(callID, old)
	}

	return func() { t.unregister(callID, entry) }
}

func (t *Tracker) unregister(callID string, entry *trackedCall) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.calls != nil && t.calls[callID] == entry {
			delete(t.calls, callID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// CountTenant returns the number of live calls for tenantID.
func (t *Tracker) CountTenant(tenantID string) int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, entry := range t.calls {
		if entry.handle.TenantID == tenantID {
			n++
		}
	}
	return n
}

// Hangup asks one call to hang up. It reports whether the call was found.
func (t *Tracker) Hangup(callID, reason string) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	entry := t.calls[callID]
	t.mu.Unlock()
	if entry == nil || entry.handle.Hangup == nil {
		return false
	}
	entry.handle.Hangup(reason)
	return true
}

func (t *Tracker) HangupAll(reason string) (sent int) {
	if t == nil {
		return 0
	}

	var hangups []func(string)
	t.mu.Lock()
	for _, entry := range t.calls {
		if entry == nil || entry.handle.Hangup == nil {
			continue
		}
		hangups = append(hangups, entry.handle.Hangup)
	}
	t.mu.Unlock()

	for _, hangup := range hangups {
		hangup(reason)
		sent++
	}
	return sent
}

func (t *Tracker) CloseAll() (closed int) {
	if t == nil {
		return 0
	}

	var closers []func() error
	t.mu.Lock()
	for _, entry := range t.calls {
		if entry == nil || entry.handle.Close == nil {
			continue
		}
		closers = append(closers, entry.handle.Close)
	}
	t.mu.Unlock()

	for _, closeFn := range closers {
		_ = closeFn()
		closed++
	}
	return closed
}

// Wait blocks until every registered call has unregistered or ctx is done.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
