// Package hotreload watches the agent's configuration file and re-applies a
// freshly loaded config.Config to running callbacks without a restart.
package hotreload

import (
	"fmt"
	"sync"
	"time"

	"throttleagent/config"
	"throttleagent/internal/logger"

	"github.com/fsnotify/fsnotify"
)

const (
	// DefaultDebounceDuration is the default debounce duration for config changes.
	DefaultDebounceDuration = 2 * time.Second
)

// ApplyFunc receives a freshly loaded configuration. Implementations update
// whatever live state they own (target rates, admission gates, log level)
// and must not block for long — each call runs in its own goroutine started
// by the reload dispatch, not on the hot path.
type ApplyFunc func(cfg *config.Config)

// Manager watches a config file and re-applies reloaded configuration to a
// set of registered ApplyFuncs, debouncing bursts of filesystem events into
// a single reload.
type Manager struct {
	mu               sync.RWMutex
	callbacks        map[string]ApplyFunc
	watcher          *fsnotify.Watcher
	debounceTimer    *time.Timer
	debounceDuration time.Duration
	stopChan         chan struct{}
	configPath       string
}

// NewManager creates a Manager with its own fsnotify watcher.
func NewManager() (*Manager, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &Manager{
		callbacks:        make(map[string]ApplyFunc),
		watcher:          watcher,
		debounceDuration: DefaultDebounceDuration,
		stopChan:         make(chan struct{}),
	}, nil
}

// SetDebounceDuration overrides the default debounce window.
func (m *Manager) SetDebounceDuration(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.debounceDuration = d
}

// Register adds a named callback that receives every reloaded configuration.
// Registering under a name already in use replaces its callback.
func (m *Manager) Register(name string, fn ApplyFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks[name] = fn
}

// Unregister removes a named callback.
func (m *Manager) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.callbacks, name)
}

// StartWatching begins monitoring configPath for writes, applying a debounced
// reload to every registered callback on change.
func (m *Manager) StartWatching(configPath string) error {
	m.configPath = configPath
	if err := m.watcher.Add(configPath); err != nil {
		return fmt.Errorf("failed to watch config file: %w", err)
	}

	go m.watchLoop()

	logger.Info("started_watching_config_file", "path", configPath)
	return nil
}

func (m *Manager) watchLoop() {
	defer m.watcher.Close()

	for {
		select {
		case event := <-m.watcher.Events:
			if event.Op&fsnotify.Write == fsnotify.Write {
				m.handleConfigChange()
			}
		case err := <-m.watcher.Errors:
			logger.Error("config_file_watcher_error", "error", err)
		case <-m.stopChan:
			logger.Info("config_file_watcher_stopped")
			return
		}
	}
}

func (m *Manager) handleConfigChange() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
	}

	m.debounceTimer = time.AfterFunc(m.debounceDuration, m.reload)
}

// reload re-reads the config file and dispatches it to every registered
// callback. A bad config file is logged and left in place — the agent keeps
// running on its last-known-good configuration.
func (m *Manager) reload() {
	cfg, err := config.Load(m.configPath)
	if err != nil {
		logger.Error("config_reload_failed", "path", m.configPath, "error", err)
		return
	}

	logger.Info("configuration_file_changed", "path", m.configPath)
	m.dispatch(cfg)
}

func (m *Manager) dispatch(cfg *config.Config) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, fn := range m.callbacks {
		go func(name string, fn ApplyFunc) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("config_callback_panicked", "callback", name, "recover", r)
				}
			}()
			fn(cfg)
		}(name, fn)
	}
}

// Stop gracefully stops the manager's watcher goroutine.
func (m *Manager) Stop() {
	close(m.stopChan)

	m.mu.Lock()
	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
	}
	m.mu.Unlock()
}

// ConfigPath returns the path of the watched config file.
func (m *Manager) ConfigPath() string {
	return m.configPath
}
