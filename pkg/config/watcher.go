package config

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads a YAML config file, publishing each successfully
// parsed and validated snapshot behind an atomic.Pointer so readers never
// observe a partially-applied config. Only a handful of fields are safe to
// change live (log level, refresh tunables); a change to anything else
// (listen/upstream addresses, transport) is logged as a warning and
// otherwise ignored until the process restarts.
type Watcher struct {
	path    string
	current atomic.Pointer[Config]
	fsw     *fsnotify.Watcher

	onChange func(old, new *Config)
}

// restartOnlyFields names the Config fields a live reload must not apply,
// because they are bound to resources created once at startup (listening
// sockets, upstream connection pools).
var restartOnlyFields = []struct {
	name string
	get  func(*Config) any
}{
	{"listen_host", func(c *Config) any { return c.ListenHost }},
	{"listen_port", func(c *Config) any { return c.ListenPort }},
	{"metrics_host", func(c *Config) any { return c.MetricsHost }},
	{"metrics_port", func(c *Config) any { return c.MetricsPort }},
	{"upstream_transport", func(c *Config) any { return c.UpstreamTransport }},
	{"upstream_host", func(c *Config) any { return c.UpstreamHost }},
	{"upstream_port", func(c *Config) any { return c.UpstreamPort }},
	{"cache_max_entries", func(c *Config) any { return c.CacheMaxEntries }},
}

// NewWatcher loads path once, validates it, and returns a Watcher ready to
// Run. The initial load failing is a startup error; later reload failures
// are logged and leave the previous snapshot in place.
func NewWatcher(path string) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: initial config invalid: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create file watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	w := &Watcher{path: path, fsw: fsw}
	w.current.Store(cfg)
	return w, nil
}

// Current returns the most recently applied snapshot.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// OnChange registers a callback invoked after every successful reload, even
// one that changed no live-reloadable field, with the prior and new
// snapshots.
func (w *Watcher) OnChange(fn func(old, new *Config)) {
	w.onChange = fn
}

// logger is the narrow slice of *logging.Logger the watcher needs, kept as
// an interface here so pkg/config never imports pkg/logging (which already
// imports pkg/config for LoggingConfig).
type logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Run watches the file for writes, debouncing rapid successive events (editors
// commonly write a file more than once per save), and applies each valid
// reload until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context, log logger) error {
	const debounce = 150 * time.Millisecond
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return w.fsw.Close()

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return fmt.Errorf("config: watcher events channel closed")
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				timer.Reset(debounce)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return fmt.Errorf("config: watcher errors channel closed")
			}
			if log != nil {
				log.Warn("config watcher error", "error", err)
			}

		case <-timer.C:
			w.reload(log)
		}
	}
}

func (w *Watcher) reload(log logger) {
	next, err := Load(w.path)
	if err != nil {
		if log != nil {
			log.Warn("config reload failed", "path", w.path, "error", err)
		}
		return
	}
	if err := next.Validate(); err != nil {
		if log != nil {
			log.Warn("config reload rejected: invalid config", "path", w.path, "error", err)
		}
		return
	}

	prev := w.current.Load()
	for _, f := range restartOnlyFields {
		if f.get(prev) != f.get(next) {
			if log != nil {
				log.Warn("config field changed but requires restart to take effect; keeping old value",
					"field", f.name, "old", f.get(prev), "new", f.get(next))
			}
			restoreRestartOnlyFields(next, prev)
		}
	}

	w.current.Store(next)
	if log != nil {
		log.Info("config reloaded", "path", w.path)
	}
	if w.onChange != nil {
		w.onChange(prev, next)
	}
}

// restoreRestartOnlyFields copies every restart-only field from prev onto
// next in place, so a live reload can still pick up safe-to-change fields
// (log level, refresh tunables) from the same file edit.
func restoreRestartOnlyFields(next, prev *Config) {
	next.ListenHost = prev.ListenHost
	next.ListenPort = prev.ListenPort
	next.MetricsHost = prev.MetricsHost
	next.MetricsPort = prev.MetricsPort
	next.UpstreamTransport = prev.UpstreamTransport
	next.UpstreamHost = prev.UpstreamHost
	next.UpstreamPort = prev.UpstreamPort
	next.CacheMaxEntries = prev.CacheMaxEntries
}

// Close releases the underlying file watcher without waiting for Run to
// observe ctx cancellation; safe to call after Run has already returned.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
