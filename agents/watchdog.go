package agents

import (
	"log/slog"
	"sync"
	"time"
)

// WatchdogConfig carries the run supervision thresholds. User-facing
// configuration is in seconds; by the time a value reaches this struct it is
// a Duration.
type WatchdogConfig struct {
	Inactivity  time.Duration // silence threshold before the kill fires
	MaxTotal    time.Duration // wall-clock session cap, enforced by the caller
	ToolTimeout time.Duration // per-tool cap, consumed by tool runners
}

// DefaultWatchdogConfig returns the hardcoded fallbacks: 2 minutes of
// silence, 2 hours total, 10 minutes per tool.
func DefaultWatchdogConfig() WatchdogConfig {
	return WatchdogConfig{
		Inactivity:  2 * time.Minute,
		MaxTotal:    2 * time.Hour,
		ToolTimeout: 10 * time.Minute,
	}
}

// ProfileSource supplies per-agent watchdog overrides. Lookups must not fail
// the run: implementations return ok=false on any error.
type ProfileSource interface {
	WatchdogProfile(agentID string) (WatchdogConfig, bool)
}

// ResolveWatchdogConfig applies the override order: per-agent profile, then
// caller-supplied config, then defaults. Zero fields fall through to the next
// layer.
func ResolveWatchdogConfig(profiles ProfileSource, agentID string, caller *WatchdogConfig) WatchdogConfig {
	cfg := DefaultWatchdogConfig()
	if caller != nil {
		overlayWatchdog(&cfg, *caller)
	}
	if profiles != nil {
		if profile, ok := profiles.WatchdogProfile(agentID); ok {
			overlayWatchdog(&cfg, profile)
		}
	}
	return cfg
}

func overlayWatchdog(dst *WatchdogConfig, src WatchdogConfig) {
	if src.Inactivity > 0 {
		dst.Inactivity = src.Inactivity
	}
	if src.MaxTotal > 0 {
		dst.MaxTotal = src.MaxTotal
	}
	if src.ToolTimeout > 0 {
		dst.ToolTimeout = src.ToolTimeout
	}
}

// minRecheck clamps the rescheduled check so a tick arriving just before the
// threshold cannot cause a hot loop.
const minRecheck = time.Second

// Watchdog detects absence of progress from a long-running agent and invokes
// its kill callback exactly once. Ticks record activity; the deferred check
// compares observed silence against the threshold and either fires or
// reschedules itself for the remaining window.
type Watchdog struct {
	mu           sync.Mutex
	inactivity   time.Duration
	onKill       func(reason string)
	logger       *slog.Logger
	timer        *time.Timer
	lastActivity time.Time
	started      bool
	stopped      bool
	killed       bool
}

// NewWatchdog creates a watchdog that will call onKill after cfg.Inactivity
// of silence. onKill runs on the timer goroutine; panics are recovered and
// logged, never re-thrown.
func NewWatchdog(cfg WatchdogConfig, onKill func(reason string), logger *slog.Logger) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	inactivity := cfg.Inactivity
	if inactivity <= 0 {
		inactivity = DefaultWatchdogConfig().Inactivity
	}
	return &Watchdog{
		inactivity: inactivity,
		onKill:     onKill,
		logger:     logger,
	}
}

// Start arms the watchdog. Idempotent; a stopped watchdog stays stopped.
func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.stopped {
		return
	}
	w.started = true
	w.lastActivity = time.Now()
	w.timer = time.AfterFunc(w.inactivity, w.check)
}

// Tick records activity. It never resets the timer directly; the next check
// observes the new lastActivity and reschedules.
func (w *Watchdog) Tick() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.lastActivity = time.Now()
}

// Stop cancels the pending check. Later ticks and starts are no-ops.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
}

// WasKilled reports whether the kill callback fired. Monotonic: once true it
// stays true.
func (w *Watchdog) WasKilled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.killed
}

// Silence returns the time since the last recorded activity.
func (w *Watchdog) Silence() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastActivity.IsZero() {
		return 0
	}
	return time.Since(w.lastActivity)
}

func (w *Watchdog) check() {
	w.mu.Lock()
	if w.killed || w.stopped {
		w.mu.Unlock()
		return
	}
	silence := time.Since(w.lastActivity)
	if silence < w.inactivity {
		remaining := w.inactivity - silence
		if remaining < minRecheck {
			remaining = minRecheck
		}
		w.timer = time.AfterFunc(remaining, w.check)
		w.mu.Unlock()
		return
	}
	w.killed = true
	w.mu.Unlock()

	w.fireKill("inactivity", silence)
}

func (w *Watchdog) fireKill(reason string, silence time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("watchdog kill callback panicked", "reason", reason, "panic", r)
		}
	}()
	w.logger.Warn("watchdog firing", "reason", reason, "silence", silence)
	if w.onKill != nil {
		w.onKill(reason)
	}
}
