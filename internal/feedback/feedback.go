// Package feedback implements the feedback engine: it classifies each
// completed request's outcome as an up/down/neutral signal, accumulates
// per-interval tallies on the limiter, and periodically recomputes the
// limiter's working limit from those tallies.
package feedback

import (
	"math"
	"sync"
	"time"

	"throttleagent/config"
	"throttleagent/internal/limiter"
	"throttleagent/internal/logger"
)

// Outcome tags exactly one of a numeric HTTP status code, a transport error
// code string (e.g. "ETIMEDOUT"), or an abort with neither.
type Outcome struct {
	StatusCode int
	ErrCode    string
	Aborted    bool
}

// DirectionView is the slice of transport/socket state the default
// rate-direction function needs.
type DirectionView interface {
	OpenSockets(name string) int
	MaxSockets() int
	PendingLen(name string) int
}

// DirectionFunc classifies an outcome as +1 (up), -1 (down), or 0 (no
// change). It is pluggable; DefaultDirection implements the spec's default.
type DirectionFunc func(outcome Outcome, view DirectionView, name string) int

// DefaultDirection is the default rate-direction function:
//  1. no sockets for name, no configured socket cap, or spare capacity
//     exists -> up
//  2. pending requests for name exceed 1000 -> down
//  3. a 2xx/3xx status code -> up
//  4. anything else -> down
func DefaultDirection(outcome Outcome, view DirectionView, name string) int {
	open := view.OpenSockets(name)
	max := view.MaxSockets()
	if open == 0 || max == 0 || max-open > 0 {
		return 1
	}
	if view.PendingLen(name) > 1000 {
		return -1
	}
	if outcome.StatusCode >= 200 && outcome.StatusCode < 400 {
		return 1
	}
	return -1
}

// Engine recomputes limiter limits from accumulated feedback tallies.
type Engine struct {
	direction DirectionFunc
	getRate   func(name, flag string) int

	mu  sync.RWMutex
	cfg config.RateLimitConfig

	// OnAdjust, when set, is called after every limit recomputation with a
	// non-zero diff, even when clamping leaves the new limit equal to the old
	// one. It is not called when diff == 0. Used to surface stat events
	// to observability hooks without the engine knowing about channels.
	OnAdjust func(name string, oldLimit, newLimit int)
}

// New creates an Engine from the rate-limit configuration. direction
// defaults to DefaultDirection when nil. getRate supplies the caller's
// per-endpoint target rate, falling back to config.MaxRate when nil.
func New(cfg config.RateLimitConfig, direction DirectionFunc, getRate func(name, flag string) int) *Engine {
	if direction == nil {
		direction = DefaultDirection
	}
	if getRate == nil {
		getRate = func(string, string) int { return config.MaxRate }
	}
	return &Engine{
		cfg:       cfg,
		direction: direction,
		getRate:   getRate,
	}
}

// UpdateConfig swaps in new rate-limit tuning knobs, applied to every
// subsequent recomputation. Used by the hot-reload path.
func (e *Engine) UpdateConfig(cfg config.RateLimitConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
}

func (e *Engine) config() config.RateLimitConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// OnOutcome is called exactly once per request. It classifies the outcome,
// tallies it on l, and, if the rate-adjustment window has elapsed,
// recomputes l's working limit.
func (e *Engine) OnOutcome(l *limiter.EndpointLimiter, flag string, view DirectionView, outcome Outcome) {
	direction := e.direction(outcome, view, l.Name())
	l.RecordOutcome(direction)

	cfg := e.config()
	rateInterval := time.Duration(cfg.RateIntervalMs) * time.Millisecond
	if !l.FeedbackDue(rateInterval) {
		return
	}

	tallies := l.ResetTalliesAndRecompute()
	target := e.getRate(l.Name(), flag)
	e.recompute(l, tallies, target, cfg)
}

func (e *Engine) recompute(l *limiter.EndpointLimiter, t limiter.Tallies, target int, cfg config.RateLimitConfig) {
	diff := t.Success - t.Failed*cfg.RateLowerWeight
	if diff == 0 {
		return
	}

	koef := cfg.RateRaiseKoef
	if diff < 0 {
		koef = cfg.RateLowerKoef
	}
	step := int(math.Floor(float64(t.Limit) * koef))
	if step < 1 {
		step = 1
	}

	newLimit := t.Limit + step
	if diff < 0 {
		newLimit = t.Limit - step
	}
	newLimit = clampToTarget(newLimit, target)
	l.SetLimit(newLimit)

	reason := "raise"
	if diff < 0 {
		reason = "lower"
	}
	logger.Debug("limiter_rate_adjusted",
		"name", l.Name(),
		"direction", reason,
		"diff", diff,
		"step", step,
		"old_limit", t.Limit,
		"new_limit", newLimit,
		"target", target,
	)

	if e.OnAdjust != nil {
		e.OnAdjust(l.Name(), t.Limit, newLimit)
	}
}

func clampToTarget(v, target int) int {
	if v < config.MinRate {
		return config.MinRate
	}
	if v > target {
		return target
	}
	if v > config.MaxRate {
		return config.MaxRate
	}
	return v
}
