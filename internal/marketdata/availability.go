package marketdata

import (
	"context"
	"sync"
	"time"
)

// DefaultCooldown is how long provider access stays suspended after a quota response.
const DefaultCooldown = time.Minute

// Availability tracks whether the provider may be called. A quota response
// suspends access; a one-shot timer restores it after the cooldown.
type Availability struct {
	mu        sync.Mutex
	available bool
	cooldown  time.Duration
	timer     *time.Timer
}

// NewAvailability creates an available flag with the given cooldown.
func NewAvailability(cooldown time.Duration) *Availability {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Availability{available: true, cooldown: cooldown}
}

// Available reports whether the provider may be called.
func (a *Availability) Available() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.available
}

// Suspend marks the provider unavailable and schedules its restoration.
// Only the first call of a suspension starts the timer; it reports whether
// this call did so.
func (a *Availability) Suspend() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.available {
		return false
	}
	a.available = false
	a.timer = time.AfterFunc(a.cooldown, a.restore)
	return true
}

func (a *Availability) restore() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.available = true
	a.timer = nil
}

// Wait polls every interval until the provider is available or ctx ends.
func (a *Availability) Wait(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for !a.Available() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Stop cancels a pending restoration and marks the provider available, so a
// later Suspend starts a fresh cooldown.
func (a *Availability) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.available = true
}
