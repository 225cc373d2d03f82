package api

import "sync"

// HealthState tracks readiness for the HTTP surface. Liveness holds while
// the process runs; readiness flips on once the store is wired and off
// again at the start of shutdown so load balancers drain before the
// listener closes.
type HealthState struct {
	mu    sync.RWMutex
	ready bool
}

func NewHealthState() *HealthState {
	return &HealthState{}
}

// SetReady flips the readiness flag.
func (h *HealthState) SetReady(value bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = value
}

// Ready reports the current readiness flag.
func (h *HealthState) Ready() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}
