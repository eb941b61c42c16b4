package scrape

import "sync"

// eventHub is a typed subscription registry. Emission snapshots the
// subscriber list under the lock and invokes callbacks outside it, so a
// callback may subscribe or call back into the scheduler freely.
type eventHub struct {
	mu       sync.Mutex
	started  []func()
	stopped  []func()
	summary  []func(CycleSummary)
	warnings []func(key, msg string)
	errors   map[Category][]func(error)
}

func newEventHub() *eventHub {
	return &eventHub{errors: make(map[Category][]func(error))}
}

func (h *eventHub) onStarted(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = append(h.started, fn)
}

func (h *eventHub) onStopped(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = append(h.stopped, fn)
}

func (h *eventHub) onSummary(fn func(CycleSummary)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.summary = append(h.summary, fn)
}

func (h *eventHub) onWarning(fn func(key, msg string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.warnings = append(h.warnings, fn)
}

func (h *eventHub) onError(c Category, fn func(error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errors[c] = append(h.errors[c], fn)
}

func (h *eventHub) emitStarted() {
	h.mu.Lock()
	subs := append([]func(){}, h.started...)
	h.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

func (h *eventHub) emitStopped() {
	h.mu.Lock()
	subs := append([]func(){}, h.stopped...)
	h.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

func (h *eventHub) emitSummary(s CycleSummary) {
	h.mu.Lock()
	subs := append([]func(CycleSummary){}, h.summary...)
	h.mu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}

func (h *eventHub) emitWarning(key, msg string) {
	h.mu.Lock()
	subs := append([]func(string, string){}, h.warnings...)
	h.mu.Unlock()
	for _, fn := range subs {
		fn(key, msg)
	}
}

func (h *eventHub) emitError(c Category, err error) {
	h.mu.Lock()
	subs := append([]func(error){}, h.errors[c]...)
	h.mu.Unlock()
	for _, fn := range subs {
		fn(err)
	}
}
