// Package transport provides the transport adapter: it wraps an
// http.RoundTripper in admission control and connection-pressure tracking,
// invoking the registry, admission controller, and feedback engine at the
// right moments of a request's lifecycle.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"throttleagent/config"
	"throttleagent/internal/admission"
	"throttleagent/internal/feedback"
	"throttleagent/internal/limiter"
	"throttleagent/internal/logger"
	"throttleagent/internal/registry"
	"throttleagent/internal/requestid"

	"golang.org/x/time/rate"
)

// StatEvent is emitted whenever a limiter's working limit is recomputed.
type StatEvent struct {
	Name     string
	OldLimit int
	NewLimit int
	At       time.Time
}

// GetRateFunc supplies the caller's per-endpoint target rate.
type GetRateFunc func(name, flag string) int

// GetFlagFunc maps a request URL to its grouping flag.
type GetFlagFunc func(u *url.URL) string

// Options configures a Throttler.
type Options struct {
	Config              *config.Config
	GetRate             GetRateFunc
	GetFlag             GetFlagFunc
	Direction           feedback.DirectionFunc
	CleanupSweepsPerSec float64 // cleanup-sweep debounce rate; 0 uses a sane default
	Clock               func() time.Time
}

// Throttler implements http.RoundTripper, admitting or rejecting each
// request on behalf of an inner RoundTripper based on per-endpoint
// token-bucket limits, queue depth, and socket-buffer pressure, and feeding
// the outcome of admitted requests back into the limit that governed them.
type Throttler struct {
	inner http.RoundTripper

	registry  *registry.Registry
	admission *admission.Controller
	feedback  *feedback.Engine
	observer  *socketObserver

	cfg     *config.Config
	getFlag GetFlagFunc
	getRate GetRateFunc

	mu      sync.Mutex
	pending map[string]int

	events chan StatEvent

	lastCleanup    time.Time
	cleanupLimiter *rate.Limiter
	cleanupAfter   time.Duration

	now func() time.Time
}

// New wraps inner in a Throttler configured by opts.
func New(inner http.RoundTripper, opts Options) *Throttler {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	getRate := GetRateFunc(opts.GetRate)
	if getRate == nil {
		getRate = func(string, string) int { return cfg.RateLimit.Rate }
	}
	getFlag := opts.GetFlag
	if getFlag == nil {
		getFlag = func(*url.URL) string { return "" }
	}

	reg := registry.NewWithClock(time.Duration(cfg.RateLimit.RateIntervalMs)*time.Millisecond, now)

	t := &Throttler{
		inner:        inner,
		registry:     reg,
		observer:     newSocketObserver(nil),
		cfg:          cfg,
		getFlag:      getFlag,
		getRate:      getRate,
		pending:      make(map[string]int),
		events:       make(chan StatEvent, 64),
		cleanupAfter: time.Duration(config.CleanupIntervalMs) * time.Millisecond,
		now:          now,
	}

	sweepRate := opts.CleanupSweepsPerSec
	if sweepRate <= 0 {
		sweepRate = 5
	}
	t.cleanupLimiter = rate.NewLimiter(rate.Limit(sweepRate), 1)
	t.observer.onSocketRemoved = t.onSocketRemoved

	t.admission = admission.New(reg, t, cfg.Admission, getRate)
	t.feedback = feedback.New(cfg.RateLimit, opts.Direction, getRate)
	t.feedback.OnAdjust = t.publishAdjustEvent

	if tr, ok := inner.(*http.Transport); ok {
		tr.DialContext = t.observer.DialContext
	}

	return t
}

// NewHTTPTransport builds a Throttler-wrapped plain (cleartext) HTTP
// transport, per the "mixin over two base classes" guidance: one throttler
// implementation, two thin façades binding it to a concrete transport.
func NewHTTPTransport(cfg *config.Config, opts Options) (*Throttler, *http.Transport) {
	tr := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	opts.Config = cfg
	return New(tr, opts), tr
}

// NewHTTPSTransport builds a Throttler-wrapped TLS-capable HTTP transport.
func NewHTTPSTransport(cfg *config.Config, tlsConfig *tls.Config, opts Options) (*Throttler, *http.Transport) {
	tr := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig:     tlsConfig,
	}
	opts.Config = cfg
	return New(tr, opts), tr
}

// RoundTrip admits or rejects req and, once the inner transport completes
// it, feeds the outcome back into the limit that governed it.
func (t *Throttler) RoundTrip(req *http.Request) (*http.Response, error) {
	name := nameOf(req)
	flag := t.getFlag(req.URL)
	reqID := requestid.New()

	t.incPending(name)
	defer t.decPending(name)

	var lim *limiter.EndpointLimiter
	if t.admission.CheckBeforeRequest() {
		// The pre-check path (CanAcceptRequest) already consumed the
		// decision; on-submit does no further admission work here,
		// matching source behavior (design note 2, option b). We still
		// need the limiter reference for timing/feedback.
		lim = t.registry.Get(name, flag, t.rateFor(name, flag))
	} else {
		ok, l := t.admission.Admit(name, flag, false)
		lim = l
		if !ok {
			logger.Debug("request_rejected", "name", name, "flag", flag, "request_id", reqID)
			return nil, admission.RejectedError
		}
	}

	start := t.now()
	resp, err := t.inner.RoundTrip(req)
	elapsed := t.now().Sub(start)
	lim.AddTime(elapsed)

	outcome := classify(resp, err)
	t.feedback.OnOutcome(lim, flag, t, outcome)

	logger.Debug("request_completed",
		"name", name, "flag", flag, "request_id", reqID,
		"elapsed_ms", elapsed.Milliseconds(),
	)

	return resp, err
}

// UpdateConfig re-applies a reloaded configuration's admission and
// rate-limit knobs to the running admission controller and feedback engine.
// Existing limiters keep their working limit; only the admission gates and
// the rate-adjustment window and coefficients governing future decisions
// change. The default target rate (RateLimit.Rate, used when no GetRate was
// supplied) and the limiters' accounting interval stay as they were when the
// Throttler was built.
func (t *Throttler) UpdateConfig(admissionCfg config.AdmissionConfig, rateLimitCfg config.RateLimitConfig) {
	t.admission.UpdateConfig(admissionCfg)
	t.feedback.UpdateConfig(rateLimitCfg)
}

// CanAcceptRequest is the pre-check entry point exposed to callers before
// they construct a request, only meaningful when checkBeforeRequest is
// enabled.
func (t *Throttler) CanAcceptRequest(rawName, flag string) bool {
	return t.admission.CanAcceptRequest(rawName, flag)
}

// Events returns the channel of limiter rate-adjustment events. Sends are
// non-blocking; an unread or nil-capacity channel never stalls the hot path.
func (t *Throttler) Events() <-chan StatEvent {
	return t.events
}

// EndpointStats mirrors the caller-facing stats mapping.
type EndpointStats struct {
	Name        string
	Accepted    int
	Incoming    int
	Rate        int
	AverageTime float64
	Used        int
	Free        int
	Pending     int
	BufferSize  float64
}

// Stats returns a snapshot of every currently-registered endpoint, keyed by
// its flag if non-empty, else its name.
func (t *Throttler) Stats() map[string]EndpointStats {
	out := make(map[string]EndpointStats)
	for _, l := range t.registry.Snapshot() {
		stat := l.GetStat()
		name := l.Name()
		open := t.observer.OpenSockets(name)
		pending := t.PendingLen(name)
		avgBuf, _ := t.observer.BufferStats(name)

		label := l.Flag()
		if label == "" {
			label = name
		}
		free := open - pending
		if free < 0 {
			free = 0
		}
		out[label] = EndpointStats{
			Name:        name,
			Accepted:    stat.Accepted,
			Incoming:    stat.Incoming,
			Rate:        stat.Limit,
			AverageTime: stat.AverageTime,
			Used:        open,
			Free:        free,
			Pending:     pending,
			BufferSize:  avgBuf,
		}
	}
	return out
}

// PendingLen implements admission.TransportView and feedback.DirectionView.
func (t *Throttler) PendingLen(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending[name]
}

// SocketBufferStats implements admission.TransportView.
func (t *Throttler) SocketBufferStats(name string) (float64, int) {
	return t.observer.BufferStats(name)
}

// OpenSockets implements feedback.DirectionView.
func (t *Throttler) OpenSockets(name string) int {
	return t.observer.OpenSockets(name)
}

// MaxSockets implements feedback.DirectionView.
func (t *Throttler) MaxSockets() int {
	if tr, ok := t.inner.(*http.Transport); ok && tr.MaxConnsPerHost > 0 {
		return tr.MaxConnsPerHost
	}
	return 0 // 0 signals "unbounded"; DefaultDirection special-cases it as spare capacity
}

// HasActivity implements registry.ActivityView.
func (t *Throttler) HasActivity(name string) bool {
	if t.observer.OpenSockets(name) > 0 {
		return true
	}
	return t.PendingLen(name) > 0
}

func (t *Throttler) incPending(name string) {
	t.mu.Lock()
	t.pending[name]++
	t.mu.Unlock()
}

func (t *Throttler) decPending(name string) {
	t.mu.Lock()
	t.pending[name]--
	if t.pending[name] <= 0 {
		delete(t.pending, name)
	}
	t.mu.Unlock()
}

func (t *Throttler) rateFor(name, flag string) int {
	return t.getRate(name, flag)
}

// onSocketRemoved is invoked by the socket observer on every connection
// close. It runs a debounced cleanup sweep, mirroring the source's
// piggyback-cleanup-on-removeSocket behavior, bounded by a token-bucket
// debouncer so a burst of churn can't turn this into an O(n) storm.
func (t *Throttler) onSocketRemoved() {
	if t.now().Sub(t.lastCleanupSnapshot()) < t.cleanupAfter {
		return
	}
	if !t.cleanupLimiter.Allow() {
		return
	}

	t.mu.Lock()
	t.lastCleanup = t.now()
	t.mu.Unlock()

	removed := t.registry.Cleanup(t, t.cleanupAfter)
	if removed > 0 {
		logger.Info("registry_cleanup_swept", "removed", removed)
	}
}

func (t *Throttler) lastCleanupSnapshot() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastCleanup
}

func (t *Throttler) publishAdjustEvent(name string, oldLimit, newLimit int) {
	select {
	case t.events <- StatEvent{Name: name, OldLimit: oldLimit, NewLimit: newLimit, At: t.now()}:
	default:
	}
}

// nameOf computes the "host:port:" endpoint key from a request, per the
// consumed transport interface's nameOf contract.
func nameOf(req *http.Request) string {
	host := req.URL.Hostname()
	port := req.URL.Port()
	if port == "" {
		if req.URL.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	return host + ":" + port + ":"
}

// classify maps an (http.Response, error) pair from RoundTrip into a
// feedback outcome.
func classify(resp *http.Response, err error) feedback.Outcome {
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return feedback.Outcome{Aborted: true}
		}
		return feedback.Outcome{ErrCode: classifyErrCode(err)}
	}
	return feedback.Outcome{StatusCode: resp.StatusCode}
}

func classifyErrCode(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "ETIMEDOUT"
	}
	if errors.Is(err, net.ErrClosed) {
		return "ECONNRESET"
	}
	return err.Error()
}
