package openclaw

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/calltelemetry/openclaw/agents"
	"github.com/calltelemetry/openclaw/dispatch"
)

// Stuck reasons written by the pipeline.
const (
	StuckWatchdogKill     = "watchdog_kill_2x"
	StuckWorkerFailed     = "worker_failed"
	StuckAuditFailed      = "audit_failed"
	StuckAuditMaxAttempts = "audit_failed_max_attempts"
	StuckStaleNoProgress  = "stale_no_progress"
)

// Agent profile ids used for runner requests and watchdog overrides.
const (
	agentWorker = "worker"
	agentAudit  = "audit"
)

// IssueContext is the slice of tracker data the prompts need.
type IssueContext struct {
	Identifier      string
	Title           string
	Description     string
	CommentsPreview string
}

// Metrics tracks engine statistics.
type Metrics struct {
	DispatchesRegistered int `json:"dispatchesRegistered"`
	WorkersSpawned       int `json:"workersSpawned"`
	AuditsRun            int `json:"auditsRun"`
	VerdictsPassed       int `json:"verdictsPassed"`
	VerdictsFailed       int `json:"verdictsFailed"`
	Escalations          int `json:"escalations"`
}

// Engine owns the worker -> audit -> verdict -> rework/stuck pipeline. The
// audit phase is triggered exclusively by the engine, never by the worker
// agent's own decisions.
type Engine struct {
	store    dispatch.Store
	registry *dispatch.Registry
	tracker  IssueTracker
	runner   *agents.Wrapper
	notifier Notifier
	prompts  agents.PromptBuilder
	cfg      Config
	logger   *slog.Logger

	mu      sync.Mutex
	metrics Metrics
}

// NewEngine wires the pipeline to its ports.
func NewEngine(
	store dispatch.Store,
	registry *dispatch.Registry,
	tracker IssueTracker,
	runner *agents.Wrapper,
	notifier Notifier,
	prompts agents.PromptBuilder,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    store,
		registry: registry,
		tracker:  tracker,
		runner:   runner,
		notifier: notifier,
		prompts:  prompts,
		cfg:      cfg,
		logger:   logger,
	}
}

// Metrics returns a snapshot of the engine counters.
func (e *Engine) Metrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metrics
}

func (e *Engine) count(fn func(*Metrics)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.metrics)
}

func workerSessionKey(identifier string, attempt int) string {
	return fmt.Sprintf("linear-worker-%s-%d", identifier, attempt)
}

func auditSessionKey(identifier string, attempt int) string {
	return fmt.Sprintf("linear-audit-%s-%d", identifier, attempt)
}

// Dispatch registers a draft dispatch and runs the pipeline for it. The call
// blocks for the whole pipeline; callers that dispatch from a webhook handler
// run it on its own goroutine.
func (e *Engine) Dispatch(ctx context.Context, draft dispatch.ActiveDispatch, issue IssueContext) error {
	if err := e.store.Register(draft.Identifier, draft); err != nil {
		return err
	}
	e.count(func(m *Metrics) { m.DispatchesRegistered++ })
	e.logger.Info("dispatch registered",
		"issue", draft.Identifier,
		"tier", draft.Tier,
		"branch", draft.Branch)
	e.notify(NotifyDispatch, Notification{
		Identifier: draft.Identifier,
		Title:      issue.Title,
		Status:     dispatch.StatusDispatched,
	})

	return e.runWorker(ctx, draft.Identifier, issue, 0, nil, true)
}

// runWorker executes one worker attempt. fresh marks the first attempt, where
// the dispatched -> working CAS and the session registration still have to
// happen; rework attempts arrive with both already done by ProcessVerdict.
func (e *Engine) runWorker(ctx context.Context, identifier string, issue IssueContext, attempt int, gaps []string, fresh bool) error {
	key := workerSessionKey(identifier, attempt)

	if fresh {
		patch := dispatch.NewPatch().WithWorkerSessionKey(key)
		if err := e.store.Transition(identifier, dispatch.StatusDispatched, dispatch.StatusWorking, patch); err != nil {
			return err
		}
		if err := e.registerSession(key, dispatch.SessionMapping{
			DispatchID: identifier,
			Phase:      dispatch.PhaseWorker,
			Attempt:    attempt,
		}); err != nil {
			return err
		}
	}

	d, err := e.activeDispatch(identifier)
	if err != nil {
		return err
	}

	e.notify(NotifyWorking, Notification{
		Identifier: identifier,
		Title:      issue.Title,
		Status:     dispatch.StatusWorking,
		Attempt:    attempt,
	})

	section := agents.SectionWorker
	if len(gaps) > 0 {
		section = agents.SectionRework
	}
	message, err := e.prompts.Render(section, agents.PromptVars{
		Identifier:   identifier,
		Title:        issue.Title,
		Description:  issue.Description,
		Comments:     issue.CommentsPreview,
		WorktreePath: d.WorktreePath,
		Tier:         string(d.Tier),
		Attempt:      attempt,
		Gaps:         gaps,
	})
	if err != nil {
		e.logger.Error("worker prompt render failed", "issue", identifier, "error", err)
		e.escalate(ctx, identifier, d.IssueID, issue, dispatch.StatusWorking, StuckWorkerFailed, attempt, false)
		return err
	}

	e.count(func(m *Metrics) { m.WorkersSpawned++ })
	e.logger.Info("worker starting", "issue", identifier, "attempt", attempt, "session", key)

	res := e.runner.Run(ctx, agents.RunRequest{
		AgentID:   agentWorker,
		SessionID: key,
		Message:   message,
		Model:     d.Model,
		WorkDir:   d.WorktreePath,
	}, e.activitySink(key))

	switch {
	case res.WatchdogKilled:
		e.logger.Error("worker killed by watchdog twice", "issue", identifier, "attempt", attempt)
		e.escalate(ctx, identifier, d.IssueID, issue, dispatch.StatusWorking, StuckWatchdogKill, attempt, true)
		return nil
	case !res.Success:
		e.logger.Error("worker failed", "issue", identifier, "attempt", attempt, "error", res.Error)
		e.escalate(ctx, identifier, d.IssueID, issue, dispatch.StatusWorking, StuckWorkerFailed, attempt, false)
		return nil
	}

	e.persistWorkerArtifact(d.WorktreePath, attempt, res.Output)

	// Audit is invoked by pipeline code, never by the worker.
	return e.TriggerAudit(ctx, identifier, issue, attempt, res.Output)
}

// TriggerAudit starts the audit phase for a finished worker attempt. Safe to
// call more than once per attempt: the event guard absorbs duplicates.
// Entry points: worker completion in-process, the hook adapter, and the
// background monitor's recovery sweep.
func (e *Engine) TriggerAudit(ctx context.Context, identifier string, issue IssueContext, attempt int, workerOutput string) error {
	wasNew, err := e.store.MarkEventProcessed(fmt.Sprintf("audit-trigger:%s:%d", identifier, attempt))
	if err != nil {
		return err
	}
	if !wasNew {
		return nil
	}

	key := auditSessionKey(identifier, attempt)
	patch := dispatch.NewPatch().WithAuditSessionKey(key)
	if err := e.store.Transition(identifier, dispatch.StatusWorking, dispatch.StatusAuditing, patch); err != nil {
		return err
	}
	if err := e.registerSession(key, dispatch.SessionMapping{
		DispatchID: identifier,
		Phase:      dispatch.PhaseAudit,
		Attempt:    attempt,
	}); err != nil {
		return err
	}

	d, err := e.activeDispatch(identifier)
	if err != nil {
		return err
	}

	e.notify(NotifyAuditing, Notification{
		Identifier: identifier,
		Title:      issue.Title,
		Status:     dispatch.StatusAuditing,
		Attempt:    attempt,
	})

	// The issue description is the audit's source of truth, not the worker's
	// claims. The template carries the JSON verdict instructions.
	message, err := e.prompts.Render(agents.SectionAudit, agents.PromptVars{
		Identifier:   identifier,
		Title:        issue.Title,
		Description:  issue.Description,
		Comments:     issue.CommentsPreview,
		WorktreePath: d.WorktreePath,
		Tier:         string(d.Tier),
		Attempt:      attempt,
	})
	if err != nil {
		e.logger.Error("audit prompt render failed", "issue", identifier, "error", err)
		e.escalate(ctx, identifier, d.IssueID, issue, dispatch.StatusAuditing, StuckAuditFailed, attempt, false)
		return err
	}

	e.count(func(m *Metrics) { m.AuditsRun++ })
	e.logger.Info("audit starting", "issue", identifier, "attempt", attempt, "session", key)

	res := e.runner.Run(ctx, agents.RunRequest{
		AgentID:   agentAudit,
		SessionID: key,
		Message:   message,
		Model:     d.Model,
		WorkDir:   d.WorktreePath,
	}, e.activitySink(key))

	switch {
	case res.WatchdogKilled:
		e.logger.Error("audit killed by watchdog twice", "issue", identifier, "attempt", attempt)
		e.escalate(ctx, identifier, d.IssueID, issue, dispatch.StatusAuditing, StuckWatchdogKill, attempt, true)
		return nil
	case !res.Success:
		e.logger.Error("audit run failed", "issue", identifier, "attempt", attempt, "error", res.Error)
		e.escalate(ctx, identifier, d.IssueID, issue, dispatch.StatusAuditing, StuckAuditFailed, attempt, false)
		return nil
	}

	return e.ProcessVerdict(ctx, identifier, issue, attempt, res.Output)
}

// ProcessVerdict applies the auditor's judgment: complete on pass, rework
// while attempts remain, escalate otherwise.
func (e *Engine) ProcessVerdict(ctx context.Context, identifier string, issue IssueContext, attempt int, auditOutput string) error {
	wasNew, err := e.store.MarkEventProcessed(fmt.Sprintf("verdict:%s:%d", identifier, attempt))
	if err != nil {
		return err
	}
	if !wasNew {
		return nil
	}

	verdict := ParseVerdict(auditOutput)
	d, err := e.activeDispatch(identifier)
	if err != nil {
		return err
	}

	if verdict.Pass {
		if err := e.store.Transition(identifier, dispatch.StatusAuditing, dispatch.StatusDone, nil); err != nil {
			return err
		}
		if err := e.store.Complete(identifier, dispatch.Completion{
			Status:      dispatch.StatusDone,
			CompletedAt: time.Now(),
			PRUrl:       verdict.PRUrl,
		}); err != nil {
			return err
		}
		e.registry.RemoveDispatch(identifier)
		e.count(func(m *Metrics) { m.VerdictsPassed++ })
		e.logger.Info("audit passed", "issue", identifier, "attempt", attempt)

		e.postComment(ctx, d.IssueID, approvalComment(identifier, verdict))
		e.notify(NotifyAuditPass, Notification{
			Identifier: identifier,
			Title:      issue.Title,
			Status:     dispatch.StatusDone,
			Attempt:    attempt,
			Verdict:    verdict,
		})
		return nil
	}

	e.count(func(m *Metrics) { m.VerdictsFailed++ })
	next := attempt + 1
	if next <= e.cfg.MaxReworkAttempts {
		nextKey := workerSessionKey(identifier, next)
		patch := dispatch.NewPatch().
			WithAttempt(next).
			WithAuditSessionKey("").
			WithWorkerSessionKey(nextKey)
		if err := e.store.Transition(identifier, dispatch.StatusAuditing, dispatch.StatusWorking, patch); err != nil {
			return err
		}
		e.removeSession(auditSessionKey(identifier, attempt))
		if err := e.registerSession(nextKey, dispatch.SessionMapping{
			DispatchID: identifier,
			Phase:      dispatch.PhaseWorker,
			Attempt:    next,
		}); err != nil {
			return err
		}

		e.logger.Info("audit failed, reworking",
			"issue", identifier,
			"attempt", next,
			"gaps", strings.Join(verdict.Gaps, "; "))
		e.notify(NotifyAuditFail, Notification{
			Identifier: identifier,
			Title:      issue.Title,
			Status:     dispatch.StatusWorking,
			Attempt:    next,
			Verdict:    verdict,
		})

		return e.runWorker(ctx, identifier, issue, next, verdict.Gaps, false)
	}

	e.logger.Error("audit failed at max rework attempts", "issue", identifier, "attempt", attempt)
	e.escalateVerdict(ctx, identifier, d.IssueID, issue, attempt, verdict)
	return nil
}

// escalate transitions a wedged dispatch to stuck and performs the
// user-visible failure behavior: one issue comment, one escalation
// notification.
func (e *Engine) escalate(ctx context.Context, identifier, issueID string, issue IssueContext, from dispatch.Status, reason string, attempt int, watchdog bool) {
	patch := dispatch.NewPatch().WithStuckReason(reason)
	if err := e.store.Transition(identifier, from, dispatch.StatusStuck, patch); err != nil {
		e.logger.Error("escalation transition failed", "issue", identifier, "error", err)
		return
	}
	e.count(func(m *Metrics) { m.Escalations++ })

	if watchdog {
		e.notify(NotifyWatchdogKill, Notification{
			Identifier: identifier,
			Title:      issue.Title,
			Status:     dispatch.StatusStuck,
			Attempt:    attempt,
			Reason:     reason,
		})
	}

	e.finishStuck(ctx, identifier, issueID, issue, reason, attempt, nil)
}

// escalateVerdict is the §terminal audit-failure branch: stuck with the
// audit's gaps attached.
func (e *Engine) escalateVerdict(ctx context.Context, identifier, issueID string, issue IssueContext, attempt int, verdict *Verdict) {
	patch := dispatch.NewPatch().WithStuckReason(StuckAuditMaxAttempts)
	if err := e.store.Transition(identifier, dispatch.StatusAuditing, dispatch.StatusStuck, patch); err != nil {
		e.logger.Error("escalation transition failed", "issue", identifier, "error", err)
		return
	}
	e.count(func(m *Metrics) { m.Escalations++ })
	e.finishStuck(ctx, identifier, issueID, issue, StuckAuditMaxAttempts, attempt, verdict)
}

// finishStuck applies the terminal-failure policy and emits the single
// comment + escalation notification pair.
func (e *Engine) finishStuck(ctx context.Context, identifier, issueID string, issue IssueContext, reason string, attempt int, verdict *Verdict) {
	// A deployment either terminates stuck dispatches or leaves them active
	// for humans; one policy, chosen at configuration time.
	if e.cfg.CompleteOnStuck {
		if err := e.store.Complete(identifier, dispatch.Completion{
			Status:      dispatch.StatusFailed,
			CompletedAt: time.Now(),
		}); err != nil {
			e.logger.Error("failed to complete stuck dispatch", "issue", identifier, "error", err)
		}
		e.registry.RemoveDispatch(identifier)
	}

	e.postComment(ctx, issueID, escalationComment(identifier, reason, attempt, verdict))
	e.notify(NotifyEscalation, Notification{
		Identifier: identifier,
		Title:      issue.Title,
		Status:     dispatch.StatusStuck,
		Attempt:    attempt,
		Reason:     reason,
		Verdict:    verdict,
	})
}

// --- helpers ---

func (e *Engine) activeDispatch(identifier string) (*dispatch.ActiveDispatch, error) {
	st, err := e.store.Read()
	if err != nil {
		return nil, err
	}
	d, ok := st.Dispatches.Active[identifier]
	if !ok {
		return nil, fmt.Errorf("dispatch %s is not active", identifier)
	}
	return d, nil
}

func (e *Engine) registerSession(key string, m dispatch.SessionMapping) error {
	if err := e.store.RegisterSession(key, m); err != nil {
		return err
	}
	e.registry.Put(key, m)
	return nil
}

func (e *Engine) removeSession(key string) {
	if err := e.store.RemoveSession(key); err != nil {
		e.logger.Warn("failed to remove session mapping", "session", key, "error", err)
	}
	e.registry.Remove(key)
}

// activitySink forwards streamed agent activity to the tracker's activity
// feed. Tracker failures never affect the run.
func (e *Engine) activitySink(sessionKey string) agents.ActivitySink {
	if e.tracker == nil {
		return nil
	}
	return func(act agents.Activity) {
		if err := e.tracker.EmitActivity(sessionKey, act); err != nil {
			e.logger.Debug("failed to emit activity", "session", sessionKey, "error", err)
		}
	}
}

func (e *Engine) notify(kind NotifyKind, n Notification) {
	if e.notifier != nil {
		e.notifier.Notify(kind, n)
	}
}

func (e *Engine) postComment(ctx context.Context, issueID, markdown string) {
	if e.tracker == nil || issueID == "" {
		return
	}
	if err := e.tracker.PostComment(ctx, issueID, markdown); err != nil {
		e.logger.Warn("failed to post issue comment", "issue", issueID, "error", err)
	}
}

// persistWorkerArtifact stores the worker's final output next to the work.
// The content is opaque to the engine; the monitor uses its presence as
// evidence that the worker finished.
func (e *Engine) persistWorkerArtifact(worktreePath string, attempt int, output string) {
	if worktreePath == "" {
		return
	}
	dir := filepath.Join(worktreePath, ".openclaw")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.logger.Warn("failed to create artifact directory", "dir", dir, "error", err)
		return
	}
	path := workerArtifactPath(worktreePath, attempt)
	if err := os.WriteFile(path, []byte(output), 0o644); err != nil {
		e.logger.Warn("failed to persist worker output", "path", path, "error", err)
	}
}

func workerArtifactPath(worktreePath string, attempt int) string {
	return filepath.Join(worktreePath, ".openclaw", fmt.Sprintf("worker-output-%d.md", attempt))
}

// issueContext fetches the issue behind a dispatch, degrading to the bare
// identifier when the tracker is unreachable.
func (e *Engine) issueContext(ctx context.Context, d *dispatch.ActiveDispatch) IssueContext {
	if e.tracker == nil || d.IssueID == "" {
		return IssueContext{Identifier: d.Identifier}
	}
	issue, err := e.tracker.FetchIssue(ctx, d.IssueID)
	if err != nil {
		e.logger.Warn("failed to fetch issue", "issue", d.Identifier, "error", err)
		return IssueContext{Identifier: d.Identifier}
	}
	return IssueContextFrom(issue)
}

// IssueContextFrom shapes a tracker issue for the prompts: the first few
// comments become a short preview.
func IssueContextFrom(issue *Issue) IssueContext {
	preview := issue.Comments
	if len(preview) > 5 {
		preview = preview[:5]
	}
	return IssueContext{
		Identifier:      issue.Identifier,
		Title:           issue.Title,
		Description:     issue.Description,
		CommentsPreview: strings.Join(preview, "\n---\n"),
	}
}

// ParseVerdict extracts the auditor's JSON verdict from its output. The first
// balanced JSON object is authoritative; anything unparsable degrades to a
// failing verdict so the pipeline proceeds through the fail branch instead of
// wedging.
func ParseVerdict(output string) *Verdict {
	raw, ok := firstJSONObject(output)
	if ok {
		var v Verdict
		if err := json.Unmarshal([]byte(raw), &v); err == nil {
			return &v
		}
	}
	return &Verdict{
		Pass: false,
		Gaps: []string{"audit output could not be parsed"},
	}
}

// firstJSONObject scans for the first balanced {...} in the text, tracking
// strings and escapes so braces inside values do not fool the depth count.
func firstJSONObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

func approvalComment(identifier string, verdict *Verdict) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ **Audit passed** for %s.\n", identifier)
	if len(verdict.Criteria) > 0 {
		b.WriteString("\nVerified criteria:\n")
		for _, c := range verdict.Criteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if verdict.TestResults != "" {
		fmt.Fprintf(&b, "\nTest results:\n```\n%s\n```\n", verdict.TestResults)
	}
	if verdict.PRUrl != "" {
		fmt.Fprintf(&b, "\nPR: %s\n", verdict.PRUrl)
	}
	return b.String()
}

func escalationComment(identifier, reason string, attempt int, verdict *Verdict) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🚨 **Dispatch stuck** for %s (reason: `%s`, attempt %d). A human needs to take over.\n", identifier, reason, attempt)
	if verdict != nil && len(verdict.Gaps) > 0 {
		b.WriteString("\nOutstanding gaps from the last audit:\n")
		for _, g := range verdict.Gaps {
			fmt.Fprintf(&b, "- %s\n", g)
		}
	}
	return b.String()
}
