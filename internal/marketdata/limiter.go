// Package marketdata implements the rate-limited market-data provider client.
package marketdata

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultWindow is the provider's quota window.
const DefaultWindow = time.Minute

// Limiter spaces provider calls so that no more than capacity calls fall
// inside any window, and rotates API keys round-robin.
//
// The timestamp window and the key index each have their own mutex, held only
// for the queue or index update and never across the sleep or the network call.
type Limiter struct {
	mu       sync.Mutex
	calls    []time.Time // FIFO, oldest first
	capacity int
	window   time.Duration

	keyMu sync.Mutex
	keys  []string
	next  int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLimiter creates a limiter allowing callsPerMinute calls per key inside window.
func NewLimiter(keys []string, callsPerMinute int, window time.Duration) (*Limiter, error) {
	if len(keys) == 0 {
		return nil, errors.New("at least one API key is required")
	}
	if callsPerMinute < 1 {
		return nil, errors.New("calls per minute must be at least 1")
	}
	if window <= 0 {
		window = DefaultWindow
	}

	capacity := callsPerMinute * len(keys)
	return &Limiter{
		calls:    make([]time.Time, 0, capacity),
		capacity: capacity,
		window:   window,
		keys:     append([]string(nil), keys...),
		now:      time.Now,
		sleep:    sleepContext,
	}, nil
}

// Capacity returns the number of calls allowed per window across all keys.
func (l *Limiter) Capacity() int {
	return l.capacity
}

// Acquire blocks until a call is permitted and returns the key to use.
// The key index advances on every call, throttled or not.
func (l *Limiter) Acquire(ctx context.Context) (string, error) {
	key := l.nextKey()

	if wait := l.reserve(); wait > 0 {
		if err := l.sleep(ctx, wait); err != nil {
			return "", err
		}
	}
	return key, nil
}

// reserve records a call slot and returns how long the caller must wait for it.
func (l *Limiter) reserve() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if len(l.calls) < l.capacity {
		l.calls = append(l.calls, now)
		return 0
	}

	passed := now.Sub(l.calls[0])
	l.calls = l.calls[1:]
	if passed > l.window {
		l.calls = append(l.calls, now)
		return 0
	}

	remaining := l.window - passed
	l.calls = append(l.calls, now.Add(remaining))
	return remaining
}

func (l *Limiter) nextKey() string {
	l.keyMu.Lock()
	defer l.keyMu.Unlock()

	key := l.keys[l.next]
	l.next = (l.next + 1) % len(l.keys)
	return key
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
