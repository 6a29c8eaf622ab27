package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Truncation caps for the three emitted activity classes.
const (
	thoughtMaxLen    = 500
	toolResultMaxLen = 300
	toolStartMaxLen  = 200
	minThoughtLen    = 10
)

// Wrapper uniformly executes agent runs: it arms a watchdog around every run,
// feeds it ticks from the backend's streaming callbacks, forwards translated
// activity to the caller's sink, and retries exactly once when the watchdog
// was the cause of failure.
type Wrapper struct {
	runner   Runner
	profiles ProfileSource // optional per-agent watchdog overrides
	watchdog *WatchdogConfig
	logger   *slog.Logger
}

// NewWrapper builds a wrapper over a runner. profiles and watchdog may be
// nil; defaults apply.
func NewWrapper(runner Runner, profiles ProfileSource, watchdog *WatchdogConfig, logger *slog.Logger) *Wrapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Wrapper{
		runner:   runner,
		profiles: profiles,
		watchdog: watchdog,
		logger:   logger,
	}
}

// Run executes the request with up to two attempts. Only a watchdog kill is
// retried; any other failure is returned as-is. The sink may be nil, in which
// case the run falls back to the backend's aggregated output. The watchdog is
// armed with the inactivity threshold on every attempt, but only a streaming
// backend with a sink ticks it: on the aggregated path it fires once that
// threshold has elapsed from the start of the attempt, whether or not the
// request's total timeout has been reached.
func (w *Wrapper) Run(ctx context.Context, req RunRequest, sink ActivitySink) *RunResult {
	cfg := ResolveWatchdogConfig(w.profiles, req.AgentID, w.watchdog)

	var res *RunResult
	for attempt := 0; attempt < 2; attempt++ {
		res = w.runOnce(ctx, req, cfg, sink)
		if !res.WatchdogKilled || attempt > 0 {
			return res
		}

		w.logger.Warn("agent run killed by watchdog, retrying once",
			"agent", req.AgentID,
			"session", req.SessionID)
		if sink != nil {
			sink(Activity{
				Type: "thought",
				Body: fmt.Sprintf("No activity for %s; killed the run and retrying once.", cfg.Inactivity),
			})
		}
	}
	return res
}

func (w *Wrapper) runOnce(ctx context.Context, req RunRequest, cfg WatchdogConfig, sink ActivitySink) *RunResult {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = cfg.MaxTotal
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wd := NewWatchdog(cfg, func(reason string) {
		// Both the hard abort and the cooperative cancellation fire: the
		// backend kills its child, and anything watching the context stops.
		w.runner.Abort(req.SessionID)
		cancel()
	}, w.logger)
	wd.Start()
	defer wd.Stop()

	start := time.Now()
	var res *RunResult
	var err error

	if sr, ok := w.runner.(StreamingRunner); ok && sink != nil {
		res, err = sr.RunStreaming(runCtx, req, func(ev StreamEvent) {
			wd.Tick()
			if act, emit := translateEvent(ev); emit {
				sink(act)
			}
		})
	} else {
		res, err = w.runner.Run(runCtx, req)
	}

	if res == nil {
		res = &RunResult{}
	}
	if err != nil && res.Error == "" {
		res.Error = err.Error()
	}
	if err != nil {
		res.Success = false
	}
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}
	if wd.WasKilled() {
		res.Success = false
		res.WatchdogKilled = true
	}
	return res
}

// translateEvent maps a backend stream event to an external activity. Every
// event class counts as watchdog activity; partial replies tick without being
// emitted.
func translateEvent(ev StreamEvent) (Activity, bool) {
	switch ev.Kind {
	case StreamReasoning:
		text := strings.TrimSpace(ev.Text)
		if len(text) < minThoughtLen {
			return Activity{}, false
		}
		return Activity{Type: "thought", Body: truncate(text, thoughtMaxLen)}, true
	case StreamToolResult:
		return Activity{
			Type:      "action",
			Action:    ev.Tool,
			Parameter: truncate(ev.Text, toolResultMaxLen),
		}, true
	case StreamToolStart:
		return Activity{
			Type:      "action",
			Action:    ev.Tool,
			Parameter: truncate(ev.Metadata, toolStartMaxLen),
		}, true
	default:
		return Activity{}, false
	}
}

// truncate shortens a string to maxLen with ellipsis.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
