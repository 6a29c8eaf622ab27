package openclaw

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calltelemetry/openclaw/agents"
	"github.com/calltelemetry/openclaw/dispatch"
)

func TestStaleSweepMarksOldDispatchesStuck(t *testing.T) {
	runner := newScriptedRunner()
	h := newTestEngine(t, DefaultConfig(), runner)

	draft := testDraft(t, "CT-100")
	draft.DispatchedAt = time.Now().Add(-3 * time.Hour)
	require.NoError(t, h.store.Register("CT-100", draft))
	require.NoError(t, h.store.Transition("CT-100", dispatch.StatusDispatched, dispatch.StatusWorking, nil))

	fresh := testDraft(t, "CT-200")
	require.NoError(t, h.store.Register("CT-200", fresh))

	NewMonitor(h.engine).Sweep(context.Background())

	st, err := h.store.Read()
	require.NoError(t, err)
	d := st.Dispatches.Active["CT-100"]
	require.NotNil(t, d)
	assert.Equal(t, dispatch.StatusStuck, d.Status)
	assert.Equal(t, StuckStaleNoProgress, d.StuckReason)

	assert.Equal(t, dispatch.StatusDispatched, st.Dispatches.Active["CT-200"].Status,
		"fresh dispatches are untouched")
	assert.Equal(t, 1, h.notifier.countOf(NotifyStuck))

	// A stuck dispatch is not re-marked on the next sweep.
	NewMonitor(h.engine).Sweep(context.Background())
	assert.Equal(t, 1, h.notifier.countOf(NotifyStuck))
}

func TestRecoverySweepTriggersMissedAudit(t *testing.T) {
	runner := newScriptedRunner()
	runner.queue(agentAudit, &agents.RunResult{Success: true, Output: passVerdict})
	h := newTestEngine(t, DefaultConfig(), runner)

	draft := testDraft(t, "CT-100")
	require.NoError(t, h.store.Register("CT-100", draft))
	require.NoError(t, h.store.Transition("CT-100", dispatch.StatusDispatched, dispatch.StatusWorking,
		dispatch.NewPatch().WithWorkerSessionKey("linear-worker-CT-100-0")))

	// The worker finished (its artifact exists) but the audit trigger was
	// lost, e.g. to a crash between worker completion and the audit CAS.
	artifactDir := filepath.Join(draft.WorktreePath, ".openclaw")
	require.NoError(t, os.MkdirAll(artifactDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(artifactDir, "worker-output-0.md"), []byte("worker said done"), 0o644))

	NewMonitor(h.engine).Sweep(context.Background())

	st, err := h.store.Read()
	require.NoError(t, err)
	c := st.Dispatches.Completed["CT-100"]
	require.NotNil(t, c)
	assert.Equal(t, dispatch.StatusDone, c.Status)
	assert.Len(t, runner.callsFor(agentAudit), 1)
}

func TestRecoverySkipsRunningWorker(t *testing.T) {
	runner := newScriptedRunner()
	h := newTestEngine(t, DefaultConfig(), runner)

	// Working with a session but no artifact: the worker is presumed still
	// running, so recovery leaves it alone.
	require.NoError(t, h.store.Register("CT-100", testDraft(t, "CT-100")))
	require.NoError(t, h.store.Transition("CT-100", dispatch.StatusDispatched, dispatch.StatusWorking,
		dispatch.NewPatch().WithWorkerSessionKey("linear-worker-CT-100-0")))

	NewMonitor(h.engine).Sweep(context.Background())

	assert.Empty(t, runner.callsFor(agentAudit))
	st, err := h.store.Read()
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusWorking, st.Dispatches.Active["CT-100"].Status)
}

func TestRecoverySkipsDispatchWithAuditSession(t *testing.T) {
	runner := newScriptedRunner()
	h := newTestEngine(t, DefaultConfig(), runner)

	require.NoError(t, h.store.Register("CT-100", testDraft(t, "CT-100")))
	require.NoError(t, h.store.Transition("CT-100", dispatch.StatusDispatched, dispatch.StatusWorking,
		dispatch.NewPatch().WithWorkerSessionKey("linear-worker-CT-100-0").WithAuditSessionKey("linear-audit-CT-100-0")))

	NewMonitor(h.engine).Sweep(context.Background())

	assert.Empty(t, runner.callsFor(agentAudit), "audit already in flight")
}

func TestPruneCompletedHonorsRetention(t *testing.T) {
	runner := newScriptedRunner()
	h := newTestEngine(t, DefaultConfig(), runner)

	err := h.store.Mutate(func(st *dispatch.State) error {
		st.Dispatches.Completed["CT-OLD"] = &dispatch.CompletedDispatch{
			Identifier:  "CT-OLD",
			Status:      dispatch.StatusDone,
			CompletedAt: time.Now().Add(-8 * 24 * time.Hour),
		}
		st.Dispatches.Completed["CT-NEW"] = &dispatch.CompletedDispatch{
			Identifier:  "CT-NEW",
			Status:      dispatch.StatusFailed,
			CompletedAt: time.Now().Add(-time.Hour),
		}
		return nil
	})
	require.NoError(t, err)

	pruned := NewMonitor(h.engine).Sweep(context.Background())
	assert.Equal(t, 1, pruned)

	st, err := h.store.Read()
	require.NoError(t, err)
	assert.NotContains(t, st.Dispatches.Completed, "CT-OLD")
	assert.Contains(t, st.Dispatches.Completed, "CT-NEW")
}

func TestMonitorRunStopsOnContextCancel(t *testing.T) {
	runner := newScriptedRunner()
	cfg := DefaultConfig()
	cfg.MonitorTickMs = 20
	h := newTestEngine(t, cfg, runner)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewMonitor(h.engine).Run(ctx)
		close(done)
	}()

	time.Sleep(60 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop on cancel")
	}
}
