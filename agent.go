// Package throttleagent is a client-side HTTP connection agent that
// adaptively throttles outbound requests on a per-destination basis,
// closing the loop on observed server behavior and local transport health.
// Drop an Agent's transport into an http.Client to get per-endpoint
// admission control and connection pooling for free.
package throttleagent

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"

	"throttleagent/config"
	"throttleagent/internal/hotreload"
	"throttleagent/internal/logger"
	"throttleagent/internal/transport"
)

// StatEvent re-exports transport.StatEvent at the package boundary.
type StatEvent = transport.StatEvent

// EndpointStats re-exports transport.EndpointStats at the package boundary.
type EndpointStats = transport.EndpointStats

// GetRateFunc supplies the caller's per-endpoint target rate.
type GetRateFunc = transport.GetRateFunc

// GetFlagFunc maps a request URL to its grouping flag.
type GetFlagFunc = transport.GetFlagFunc

// Options configures an Agent beyond its base Config.
type Options struct {
	GetRate   GetRateFunc
	GetFlag   GetFlagFunc
	TLSConfig *tls.Config // used only by NewHTTPSAgent
}

// Agent owns one Throttler (and therefore one limiter registry) and an
// optional hot-reload watcher that re-applies configuration file changes to
// it without a restart.
type Agent struct {
	throttler *transport.Throttler
	transport *http.Transport
	client    *http.Client
	hotReload *hotreload.Manager
	getFlag   GetFlagFunc
}

// NewHTTPAgent builds an Agent backed by a plain (cleartext) HTTP transport.
func NewHTTPAgent(cfg *config.Config, opts Options) *Agent {
	initLogging(cfg)
	th, tr := transport.NewHTTPTransport(cfg, transport.Options{
		GetRate: opts.GetRate,
		GetFlag: opts.GetFlag,
	})
	return &Agent{
		throttler: th,
		transport: tr,
		client:    &http.Client{Transport: th},
		getFlag:   opts.GetFlag,
	}
}

// NewHTTPSAgent builds an Agent backed by a TLS-capable HTTP transport.
func NewHTTPSAgent(cfg *config.Config, opts Options) *Agent {
	initLogging(cfg)
	th, tr := transport.NewHTTPSTransport(cfg, opts.TLSConfig, transport.Options{
		GetRate: opts.GetRate,
		GetFlag: opts.GetFlag,
	})
	return &Agent{
		throttler: th,
		transport: tr,
		client:    &http.Client{Transport: th},
		getFlag:   opts.GetFlag,
	}
}

// initLogging wires the agent-wide logger from cfg.Logging. Every
// logger.Info/Debug/Warn/Error call elsewhere in the agent is a no-op until
// this runs, so both constructors call it before building the throttler.
func initLogging(cfg *config.Config) {
	logger.InitFromConfig(
		cfg.Logging.Level,
		cfg.Logging.Format,
		cfg.Logging.Output,
		cfg.Logging.FilePath,
		cfg.Logging.MaxSize,
		cfg.Logging.MaxBackups,
		cfg.Logging.MaxAge,
		cfg.Logging.Compress,
	)
}

// Client returns an *http.Client wired to this Agent's throttled transport.
func (a *Agent) Client() *http.Client { return a.client }

// Transport returns the Agent's http.RoundTripper, for embedding into a
// caller's own http.Client.
func (a *Agent) Transport() http.RoundTripper { return a.throttler }

// CanAcceptRequest runs the pre-check admission path for rawURL, only
// meaningful when checkBeforeRequest is enabled in configuration; otherwise
// it always returns true.
func (a *Agent) CanAcceptRequest(rawURL string) (bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, fmt.Errorf("parsing url: %w", err)
	}
	name := endpointName(u)
	flag := ""
	if a.getFlag != nil {
		flag = a.getFlag(u)
	}
	return a.throttler.CanAcceptRequest(name, flag), nil
}

// GetStats returns a snapshot of every currently-registered endpoint, keyed
// by its flag if non-empty else its name.
func (a *Agent) GetStats() map[string]EndpointStats {
	return a.throttler.Stats()
}

// Events returns the channel of limiter rate-adjustment events. Sends are
// non-blocking; an unread channel never stalls the hot path.
func (a *Agent) Events() <-chan StatEvent {
	return a.throttler.Events()
}

// WatchConfig starts watching configPath for changes, re-applying a
// successfully reloaded configuration's rate-limit and admission knobs to
// the running agent without restarting it.
func (a *Agent) WatchConfig(configPath string) error {
	mgr, err := hotreload.NewManager()
	if err != nil {
		return fmt.Errorf("creating hot-reload manager: %w", err)
	}

	mgr.Register("throttle-agent", func(cfg *config.Config) {
		logger.Info("applying_reloaded_config", "config", cfg.ToSafeMap())
		a.ApplyConfig(cfg)
	})

	if err := mgr.StartWatching(configPath); err != nil {
		return err
	}
	a.hotReload = mgr
	return nil
}

// ApplyConfig re-applies a configuration's live-tunable knobs (maxPending,
// maxBuffer, checkBeforeRequest, rate-adjustment window and coefficients) to
// the running agent. The default target rate (RateLimit.Rate) is read once
// when the agent is built; a changed Rate here does not change it.
func (a *Agent) ApplyConfig(cfg *config.Config) {
	a.throttler.UpdateConfig(cfg.Admission, cfg.RateLimit)
}

// Close stops the hot-reload watcher, if one was started.
func (a *Agent) Close() {
	if a.hotReload != nil {
		a.hotReload.Stop()
	}
}

func endpointName(u *url.URL) string {
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	return host + ":" + port + ":"
}
