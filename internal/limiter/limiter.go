// Package limiter implements the per-endpoint token-bucket admission
// counter: the lowest-level component of the throttle agent. One
// EndpointLimiter tracks accepted/incoming counts and average service time
// for a single endpoint key, and also carries the feedback-tally state
// (success/failed/lastRate) a typed implementation keeps alongside the
// token bucket rather than bolting on afterward.
package limiter

import (
	"sync"
	"time"

	"throttleagent/config"
)

// Stat is a snapshot of a limiter's counters.
type Stat struct {
	Accepted    int
	Incoming    int
	Limit       int
	AverageTime float64
}

// EndpointLimiter is the token bucket plus feedback-tally state for one
// endpoint key (name + flag). All mutation goes through its exported
// methods, which serialize access with a single mutex — the "one lock per
// limiter" discipline.
type EndpointLimiter struct {
	mu sync.Mutex

	name string
	flag string

	limit         int
	interval      time.Duration
	intervalStart time.Time

	accepted int
	incoming int

	averageTime float64

	success int
	failed  int

	lastRate     int
	lastRateTime time.Time

	now func() time.Time
}

// New creates an EndpointLimiter for (name, flag), with its working limit
// initialized to min(targetRate, MaxRate).
func New(name, flag string, targetRate int, interval time.Duration) *EndpointLimiter {
	return NewWithClock(name, flag, targetRate, interval, time.Now)
}

// NewWithClock is New with an injectable clock, for deterministic tests.
func NewWithClock(name, flag string, targetRate int, interval time.Duration, now func() time.Time) *EndpointLimiter {
	n := now()
	return &EndpointLimiter{
		name:          name,
		flag:          flag,
		limit:         clamp(targetRate),
		interval:      interval,
		intervalStart: n,
		lastRate:      targetRate,
		lastRateTime:  n,
		now:           now,
	}
}

func clamp(v int) int {
	if v < config.MinRate {
		return config.MinRate
	}
	if v > config.MaxRate {
		return config.MaxRate
	}
	return v
}

// Name returns the limiter's endpoint name (without flag).
func (l *EndpointLimiter) Name() string { return l.name }

// Flag returns the limiter's grouping flag.
func (l *EndpointLimiter) Flag() string { return l.flag }

// rollover advances intervalStart and resets the current-window counters if
// the window has elapsed. Lazy and idempotent: repeated calls within one
// window are no-ops. Must be called with mu held.
func (l *EndpointLimiter) rollover() {
	now := l.now()
	if now.Before(l.intervalStart.Add(l.interval)) {
		return
	}
	l.accepted = 0
	l.incoming = 0
	l.intervalStart = now
}

// Accept attempts to consume n tokens from the current interval. It always
// increments incoming by n, rolling the interval over first if elapsed, and
// increments accepted by n iff accepted+n <= limit.
func (l *EndpointLimiter) Accept(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollover()
	l.incoming += n

	if l.accepted+n <= l.limit {
		l.accepted += n
		return true
	}
	return false
}

// Reject records a pre-emptive rejection (queue-depth or buffer-pressure
// gate) without attempting to consume a token: increments incoming for the
// current interval, and, if withFailed, counts the rejection against the
// feedback engine's failed tally for the current rate-adjustment window.
func (l *EndpointLimiter) Reject(withFailed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	l.incoming++
	if withFailed {
		l.failed++
	}
}

// TokensThisInterval reports whether the limiter has admitted at least one
// token in the current interval. Used by the admission controller's buffer
// gate to exempt the first request of a quiet interval.
func (l *EndpointLimiter) TokensThisInterval() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	return l.accepted > 0
}

// SetLimit clamps newLimit to [MinRate, MaxRate] and installs it as the new limit,
// effective immediately for subsequent Accept calls in the current interval.
func (l *EndpointLimiter) SetLimit(newLimit int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limit = clamp(newLimit)
}

// Limit returns the current working limit.
func (l *EndpointLimiter) Limit() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit
}

// AddTime folds an observed request duration into averageTime using simple
// exponential smoothing.
func (l *EndpointLimiter) AddTime(d time.Duration) {
	const smoothing = 0.2

	l.mu.Lock()
	defer l.mu.Unlock()

	ms := float64(d.Milliseconds())
	if l.averageTime == 0 {
		l.averageTime = ms
		return
	}
	l.averageTime = l.averageTime*(1-smoothing) + ms*smoothing
}

// AverageTime returns the current smoothed average request duration, in ms.
func (l *EndpointLimiter) AverageTime() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.averageTime
}

// GetStat returns a snapshot of the limiter's counters.
func (l *EndpointLimiter) GetStat() Stat {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	return Stat{
		Accepted:    l.accepted,
		Incoming:    l.incoming,
		Limit:       l.limit,
		AverageTime: l.averageTime,
	}
}

// LastRate returns the target rate last observed from the caller's rate
// function.
func (l *EndpointLimiter) LastRate() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastRate
}

// ReclampToTarget updates lastRate and, if the target rate has
// changed, re-clamps the working limit to min(limit, targetRate) — a
// lowered cap applies immediately, a raised cap only removes a ceiling.
func (l *EndpointLimiter) ReclampToTarget(targetRate int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if targetRate == l.lastRate {
		return
	}
	l.lastRate = targetRate
	if l.limit > targetRate {
		l.limit = clamp(targetRate)
	}
}

// FeedbackDue reports whether the rate-adjustment interval has elapsed and
// a recomputation is due, per the caller-supplied rateInterval.
func (l *EndpointLimiter) FeedbackDue(rateInterval time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.now().Before(l.lastRateTime.Add(rateInterval))
}

// RecordOutcome increments the success or failed tally for the current
// rate-adjustment window. direction must be +1, -1, or 0.
func (l *EndpointLimiter) RecordOutcome(direction int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case direction > 0:
		l.success++
	case direction < 0:
		l.failed++
	}
}

// Idle reports whether the limiter's current interval started more than
// cleanupAfter ago, i.e. it has been quiescent long enough to be a cleanup
// candidate (subject to the transport having no activity for its name).
func (l *EndpointLimiter) Idle(cleanupAfter time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now().After(l.intervalStart.Add(cleanupAfter))
}

// Tallies is a snapshot of the feedback tallies used for a rate
// recomputation, along with the current working limit.
type Tallies struct {
	Success int
	Failed  int
	Limit   int
}

// ResetTalliesAndRecompute atomically reads the current success/failed/limit
// tallies, resets success/failed to zero, stamps lastRateTime to now, and
// returns the pre-reset snapshot for the feedback engine to recompute a new
// limit from. Keeping read+reset atomic under one lock acquisition avoids a
// race where a concurrent RecordOutcome is lost between read and reset.
func (l *EndpointLimiter) ResetTalliesAndRecompute() Tallies {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := Tallies{Success: l.success, Failed: l.failed, Limit: l.limit}
	l.success = 0
	l.failed = 0
	l.lastRateTime = l.now()
	return t
}
