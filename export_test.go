package outbox

import (
	"context"
	"time"
)

// Generation returns how many background loops have been started.
func (r *Relay) Generation() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation
}

// DrainOnce runs one cycle and returns the cooldown chosen for the next one.
func (r *Relay) DrainOnce(ctx context.Context) (CycleResult, time.Duration) {
	return r.drain(ctx)
}

// TrackedAttempts returns how many events currently have failed attempts recorded.
func (r *Relay) TrackedAttempts() int {
	r.drainMu.Lock()
	defer r.drainMu.Unlock()
	return len(r.attempts)
}
