package pipeline

import "sync"

// RunHistory retains the most recent run summary so the records API can
// serve it without reaching into the orchestrator.
type RunHistory struct {
	mu     sync.RWMutex
	latest *Summary
}

// Record stores the summary as the latest run. Nil summaries are ignored.
func (h *RunHistory) Record(s *Summary) {
	if s == nil {
		return
	}
	h.mu.Lock()
	h.latest = s
	h.mu.Unlock()
}

// Latest returns the most recent run summary, or nil before the first run
// completes.
func (h *RunHistory) Latest() *Summary {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.latest
}
