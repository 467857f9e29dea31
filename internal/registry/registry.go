// Package registry maps endpoint keys to their EndpointLimiter, creating
// entries on demand and expiring idle ones. The registry lock is separate
// from each limiter's own mutex: it protects the map itself, never limiter
// internals.
package registry

import (
	"time"

	"throttleagent/internal/limiter"

	"golang.org/x/sync/singleflight"

	"sync"
)

// ActivityView reports, for a given endpoint name, whether the transport
// still holds any open, free, or pending sockets/requests for it. Cleanup
// must never remove a limiter while this returns true.
type ActivityView interface {
	HasActivity(name string) bool
}

// Registry holds one EndpointLimiter per composite (name, flag) key.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*limiter.EndpointLimiter
	interval time.Duration
	group    singleflight.Group

	now func() time.Time
}

// New creates an empty Registry whose limiters account in windows of
// interval (the configured rateInterval).
func New(interval time.Duration) *Registry {
	return NewWithClock(interval, time.Now)
}

// NewWithClock is New with an injectable clock, for deterministic tests.
func NewWithClock(interval time.Duration, now func() time.Time) *Registry {
	return &Registry{
		limiters: make(map[string]*limiter.EndpointLimiter),
		interval: interval,
		now:      now,
	}
}

func compositeKey(name, flag string) string {
	if flag == "" {
		return name
	}
	return name + "\x00" + flag
}

// Get returns the limiter for (name, flag), creating it with a working
// limit of min(targetRate, MaxRate) if absent. On an existing limiter, if
// targetRate differs from the limiter's lastRate, the limiter is re-clamped
// to min(currentLimit, targetRate) — a lowered cap applies immediately, a
// raised cap only lifts a ceiling the feedback loop may later climb into.
func (r *Registry) Get(name, flag string, targetRate int) *limiter.EndpointLimiter {
	key := compositeKey(name, flag)

	r.mu.RLock()
	l, ok := r.limiters[key]
	r.mu.RUnlock()
	if ok {
		l.ReclampToTarget(targetRate)
		return l
	}

	v, _, _ := r.group.Do(key, func() (interface{}, error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		if existing, ok := r.limiters[key]; ok {
			return existing, nil
		}

		newLimiter := limiter.NewWithClock(name, flag, targetRate, r.interval, r.now)
		r.limiters[key] = newLimiter
		return newLimiter, nil
	})

	l = v.(*limiter.EndpointLimiter)
	if l.LastRate() != targetRate {
		l.ReclampToTarget(targetRate)
	}
	return l
}

// Snapshot returns every currently-registered limiter, keyed by its
// composite registry key.
func (r *Registry) Snapshot() map[string]*limiter.EndpointLimiter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]*limiter.EndpointLimiter, len(r.limiters))
	for k, l := range r.limiters {
		out[k] = l
	}
	return out
}

// Cleanup removes every limiter whose current interval started more than
// cleanupAfter ago and whose name has no activity per activity. Returns the
// number of limiters removed.
func (r *Registry) Cleanup(activity ActivityView, cleanupAfter time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, l := range r.limiters {
		if !l.Idle(cleanupAfter) {
			continue
		}
		if activity.HasActivity(l.Name()) {
			continue
		}
		delete(r.limiters, key)
		removed++
	}
	return removed
}

// Len returns the number of currently-registered limiters.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.limiters)
}
