package openclaw

import (
	"context"
	"log/slog"

	"github.com/calltelemetry/openclaw/dispatch"
)

// HookAdapter bridges externally-delivered "agent finished" signals back into
// the pipeline using the persisted session map.
type HookAdapter struct {
	engine *Engine
	logger *slog.Logger
}

// NewHookAdapter creates an adapter over an engine.
func NewHookAdapter(engine *Engine) *HookAdapter {
	return &HookAdapter{engine: engine, logger: engine.logger}
}

// AgentFinished resumes the pipeline for a completed agent session. Unknown
// sessions, dispatches that are no longer active, and events from a stale
// attempt are ignored: an older run finishing after a newer one started must
// not disturb the newer one.
func (h *HookAdapter) AgentFinished(ctx context.Context, sessionKey, output string, success bool) error {
	st, err := h.engine.store.Read()
	if err != nil {
		return err
	}

	mapping, ok := dispatch.LookupSession(st, sessionKey)
	if !ok {
		h.logger.Debug("hook: unknown session", "session", sessionKey)
		return nil
	}

	d, ok := st.Dispatches.Active[mapping.DispatchID]
	if !ok {
		h.logger.Debug("hook: dispatch no longer active", "session", sessionKey, "issue", mapping.DispatchID)
		return nil
	}

	if d.Attempt != mapping.Attempt {
		h.logger.Info("hook: stale completion ignored",
			"issue", d.Identifier,
			"sessionAttempt", mapping.Attempt,
			"currentAttempt", d.Attempt)
		return nil
	}

	h.logger.Info("hook: agent completion received",
		"issue", d.Identifier,
		"phase", mapping.Phase,
		"attempt", mapping.Attempt,
		"success", success)

	issue := h.engine.issueContext(ctx, d)

	switch mapping.Phase {
	case dispatch.PhaseWorker:
		return h.engine.TriggerAudit(ctx, d.Identifier, issue, mapping.Attempt, output)
	case dispatch.PhaseAudit:
		return h.engine.ProcessVerdict(ctx, d.Identifier, issue, mapping.Attempt, output)
	default:
		h.logger.Warn("hook: unknown phase", "session", sessionKey, "phase", mapping.Phase)
		return nil
	}
}
