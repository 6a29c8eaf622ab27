package openclaw

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/calltelemetry/openclaw/dispatch"
)

// Monitor is the engine's last line of defense: a periodic sweep that
// classifies wedged dispatches as stuck, recovers dispatches whose worker
// finished but whose audit never started, and prunes old completed records.
type Monitor struct {
	engine *Engine
	logger *slog.Logger
}

// NewMonitor creates a monitor over an engine.
func NewMonitor(engine *Engine) *Monitor {
	return &Monitor{engine: engine, logger: engine.logger}
}

// Run executes sweeps on the configured tick until the context is cancelled.
// The first sweep runs immediately.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("background monitor starting", "tick", m.engine.cfg.MonitorTick())

	ticker := time.NewTicker(m.engine.cfg.MonitorTick())
	defer ticker.Stop()

	m.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("background monitor stopping")
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs the three duties once and returns the number of completed
// records pruned. Each duty uses its own locked mutation to keep lock-hold
// times short.
func (m *Monitor) Sweep(ctx context.Context) int {
	m.sweepStale()
	m.recoverMissedAudits(ctx)
	return m.pruneCompleted()
}

// sweepStale marks dispatches that have made no terminal progress within the
// stale window. The observed status is used as the CAS expected-from; a
// mismatch means a concurrent transition got there first, which is fine.
func (m *Monitor) sweepStale() {
	st, err := m.engine.store.Read()
	if err != nil {
		m.logger.Error("stale sweep: state read failed", "error", err)
		return
	}

	maxAge := m.engine.cfg.StaleMaxAge()
	for identifier, d := range st.Dispatches.Active {
		if d.Status == dispatch.StatusStuck {
			continue
		}
		if time.Since(d.DispatchedAt) <= maxAge {
			continue
		}

		patch := dispatch.NewPatch().WithStuckReason(StuckStaleNoProgress)
		if err := m.engine.store.Transition(identifier, d.Status, dispatch.StatusStuck, patch); err != nil {
			m.logger.Debug("stale sweep: transition skipped", "issue", identifier, "error", err)
			continue
		}

		m.logger.Warn("stale dispatch marked stuck",
			"issue", identifier,
			"age", time.Since(d.DispatchedAt),
			"was", d.Status)
		m.engine.notify(NotifyStuck, Notification{
			Identifier: identifier,
			Status:     dispatch.StatusStuck,
			Attempt:    d.Attempt,
			Reason:     StuckStaleNoProgress,
		})
	}
}

// recoverMissedAudits finds dispatches whose worker finished but whose audit
// never started — working status, a worker session, no audit session, and a
// persisted worker artifact — and re-fires the audit trigger. Best-effort:
// the trigger's event guard and CAS tolerate races with a live pipeline.
func (m *Monitor) recoverMissedAudits(ctx context.Context) {
	st, err := m.engine.store.Read()
	if err != nil {
		m.logger.Error("audit recovery: state read failed", "error", err)
		return
	}

	for identifier, d := range st.Dispatches.Active {
		if d.Status != dispatch.StatusWorking || d.WorkerSessionKey == "" || d.AuditSessionKey != "" {
			continue
		}

		output, ok := m.readWorkerArtifact(d)
		if !ok {
			// No artifact yet: the worker is presumed still running; the
			// stale sweep catches it if it never finishes.
			continue
		}

		m.logger.Warn("recovering dispatch with missed audit trigger",
			"issue", identifier,
			"attempt", d.Attempt)

		issue := m.engine.issueContext(ctx, d)
		if err := m.engine.TriggerAudit(ctx, identifier, issue, d.Attempt, output); err != nil {
			m.logger.Debug("audit recovery skipped", "issue", identifier, "error", err)
		}
	}
}

func (m *Monitor) readWorkerArtifact(d *dispatch.ActiveDispatch) (string, bool) {
	if d.WorktreePath == "" {
		return "", false
	}
	data, err := os.ReadFile(workerArtifactPath(d.WorktreePath, d.Attempt)) // #nosec G304 -- path derived from our own state
	if err != nil {
		return "", false
	}
	return string(data), true
}

// pruneCompleted deletes completed records older than the retention window
// and reports how many were removed.
func (m *Monitor) pruneCompleted() int {
	retention := m.engine.cfg.CompletedRetention()
	pruned := 0
	err := m.engine.store.Mutate(func(st *dispatch.State) error {
		for identifier, c := range st.Dispatches.Completed {
			if time.Since(c.CompletedAt) > retention {
				delete(st.Dispatches.Completed, identifier)
				pruned++
			}
		}
		return nil
	})
	if err != nil {
		m.logger.Error("pruning failed", "error", err)
		return 0
	}
	if pruned > 0 {
		m.logger.Info("pruned completed dispatches", "count", pruned)
	}
	return pruned
}
