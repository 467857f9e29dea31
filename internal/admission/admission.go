// Package admission implements the admission controller: the component that
// combines the token-bucket limiter's verdict with queue-depth and
// socket-buffer pre-emptive checks, and exposes both a pre-check entry point
// (which, when enabled, also consumes a token) and an on-submit
// check-and-consume entry point.
package admission

import (
	"sync"

	"throttleagent/config"
	"throttleagent/internal/limiter"
	"throttleagent/internal/registry"
)

// TransportView is the read-only slice of transport state the admission
// controller needs. Implementations may return stale snapshots — decisions
// here are heuristic, not exact, so staleness is harmless.
type TransportView interface {
	// PendingLen returns the current pending-request queue depth for name.
	PendingLen(name string) int
	// SocketBufferStats returns the average per-socket write-buffer
	// occupancy (bytes) and the count of open sockets for name.
	SocketBufferStats(name string) (avgBuffer float64, openSockets int)
}

// Error is the synthetic error surfaced to a caller whose request was
// rejected at submit time, mirroring an HTTP 429 response.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string { return e.Message }

// RejectedError is the single Error value returned for every admission
// rejection.
var RejectedError = &Error{StatusCode: 429, Message: "429 Too Many Requests"}

// Controller evaluates admission decisions for a registry of limiters
// against a transport's queue/buffer state.
type Controller struct {
	registry  *registry.Registry
	transport TransportView
	getRate   func(name, flag string) int

	mu  sync.RWMutex
	cfg config.AdmissionConfig
}

// UpdateConfig swaps in a new admission configuration, applied to every
// subsequent decision. Used by the hot-reload path to change maxPending,
// maxBuffer, or checkBeforeRequest on a running agent.
func (c *Controller) UpdateConfig(cfg config.AdmissionConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
}

// CheckBeforeRequest reports whether the pre-check admission path is
// currently enabled.
func (c *Controller) CheckBeforeRequest() bool {
	return c.config().CheckBeforeRequest
}

func (c *Controller) config() config.AdmissionConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// New creates a Controller. getRate supplies the caller's per-endpoint
// target rate (falling back to config.MaxRate when nil).
func New(reg *registry.Registry, transport TransportView, cfg config.AdmissionConfig, getRate func(name, flag string) int) *Controller {
	if getRate == nil {
		getRate = func(string, string) int { return config.MaxRate }
	}
	return &Controller{registry: reg, transport: transport, cfg: cfg, getRate: getRate}
}

// CanAcceptRequest is the pre-check entry point, callable before a request
// object is constructed. It only has effect when checkBeforeRequest is
// enabled; otherwise it always returns true. Matching source behavior
// (design note 2, option b), the pre-check path consumes a token exactly
// like the on-submit path — callers that pre-check successfully are
// expected to submit the corresponding request without a second admission
// check.
func (c *Controller) CanAcceptRequest(name, flag string) bool {
	if !c.config().CheckBeforeRequest {
		return true
	}
	ok, _ := c.evaluate(name, flag, true)
	return ok
}

// Admit is the check-and-consume entry point invoked by the transport
// adapter at request submission. withFailed controls whether a rejection
// counts against the feedback engine's failed tally (true for the pre-check
// path, false for the on-submit path).
func (c *Controller) Admit(name, flag string, withFailed bool) (bool, *limiter.EndpointLimiter) {
	return c.evaluate(name, flag, withFailed)
}

func (c *Controller) evaluate(name, flag string, withFailed bool) (bool, *limiter.EndpointLimiter) {
	cfg := c.config()
	target := c.getRate(name, flag)
	l := c.registry.Get(name, flag, target)

	// Rule 1: queue-depth gate.
	if c.transport.PendingLen(name) >= cfg.MaxPending {
		l.Reject(withFailed)
		return false, l
	}

	// Rule 2: buffer-pressure gate, only once the limiter is actively
	// serving this interval (design note 3: exempt the first request of a
	// quiet interval).
	if l.TokensThisInterval() {
		avgBuffer, openSockets := c.transport.SocketBufferStats(name)
		if openSockets > 0 {
			cap := float64(cfg.MaxBuffer)
			if l.AverageTime() < config.AvgTimeThresholdMs {
				cap *= 7
			}
			if avgBuffer > cap {
				l.Reject(withFailed)
				return false, l
			}
		}
	}

	// Rule 3: token bucket.
	return l.Accept(1), l
}
