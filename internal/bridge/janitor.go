package bridge

import (
	"context"
	"time"
)

// RunJanitor expires parked events and evicts finished sessions every
// interval until ctx is cancelled.
func (o *Orchestrator) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Sweep()
		}
	}
}

// Sweep runs one janitor pass and returns the number of parked events that
// expired and sessions that were evicted.
func (o *Orchestrator) Sweep() (expired, evicted int) {
	now := o.now()
	o.store.Range(func(sess *Session) bool {
		expired += sess.expireParked(now)
		return true
	})
	if expired > 0 {
		o.stats.eventsDropped.Add(int64(expired))
		o.logger.Warn("expired events for legs that never registered", "events", expired)
	}

	evicted = o.store.Sweep(now)
	if evicted > 0 {
		o.logger.Debug("evicted finished sessions", "removed", evicted)
	}
	return expired, evicted
}
