package agents

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memAuditStore struct {
	mu      sync.Mutex
	entries []AuditEntry
	config  map[string]string
}

func newMemAuditStore() *memAuditStore {
	return &memAuditStore{config: make(map[string]string)}
}

func (s *memAuditStore) AddAuditEntry(entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, *entry)
	return nil
}

func (s *memAuditStore) GetConfigValue(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config[key], nil
}

func (s *memAuditStore) byType(eventType string) []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AuditEntry
	for _, e := range s.entries {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type stubRunner struct {
	result *RunResult
	err    error
}

func (r *stubRunner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	return r.result, r.err
}

func (r *stubRunner) Abort(string) {}

func TestAuditingRunnerRecordsPromptAndResponse(t *testing.T) {
	store := newMemAuditStore()
	inner := &stubRunner{result: &RunResult{Success: true, Output: "all done", Duration: 2 * time.Second}}
	runner := NewAuditingRunner(inner, NewStoreAuditLogger(store))

	res, err := runner.Run(context.Background(), RunRequest{
		AgentID:   "worker",
		SessionID: "linear-worker-CT-1-0",
		Message:   "implement the thing",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)

	prompts := store.byType(AuditEventPromptSent)
	require.Len(t, prompts, 1)
	assert.Equal(t, "implement the thing", prompts[0].EventData)
	assert.Equal(t, "worker", prompts[0].Agent)
	assert.Equal(t, "linear-worker-CT-1-0", prompts[0].DispatchID)

	responses := store.byType(AuditEventResponseReceived)
	require.Len(t, responses, 1)
	assert.Equal(t, 2000, responses[0].DurationMs)
	assert.Empty(t, store.byType(AuditEventError))
}

func TestAuditingRunnerRecordsFailures(t *testing.T) {
	store := newMemAuditStore()
	inner := &stubRunner{result: &RunResult{Success: false, Error: "exit status 1"}}
	runner := NewAuditingRunner(inner, NewStoreAuditLogger(store))

	_, err := runner.Run(context.Background(), RunRequest{AgentID: "worker", SessionID: "s"})
	require.NoError(t, err)

	errorsLogged := store.byType(AuditEventError)
	require.Len(t, errorsLogged, 1)
	assert.Equal(t, "exit status 1", errorsLogged[0].EventData)
}

func TestAuditLoggingCanBeDisabled(t *testing.T) {
	store := newMemAuditStore()
	store.config["enable_audit_logging"] = "false"
	logger := NewStoreAuditLogger(store)

	require.NoError(t, logger.LogPromptSent("r", "d", "worker", "prompt"))
	assert.Empty(t, store.entries)
}

func TestAuditLoggerTruncatesLargePayloads(t *testing.T) {
	store := newMemAuditStore()
	logger := NewStoreAuditLogger(store)

	big := strings.Repeat("x", auditPayloadCap+100)
	require.NoError(t, logger.LogPromptSent("r", "d", "worker", big))

	prompts := store.byType(AuditEventPromptSent)
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0].EventData, "[truncated]")
	assert.Less(t, len(prompts[0].EventData), auditPayloadCap+50)
}
