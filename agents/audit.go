package agents

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Audit event types.
const (
	AuditEventPromptSent       = "prompt_sent"
	AuditEventResponseReceived = "response_received"
	AuditEventError            = "error"
)

// AuditEntry is one recorded agent interaction.
type AuditEntry struct {
	ID         string    `json:"id"`
	RunID      string    `json:"runId"`
	DispatchID string    `json:"dispatchId"`
	Agent      string    `json:"agent"`
	EventType  string    `json:"eventType"`
	EventData  string    `json:"eventData"`
	DurationMs int       `json:"durationMs,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// AuditStore is what the persistence layer must offer for audit logging.
type AuditStore interface {
	AddAuditEntry(entry *AuditEntry) error
	GetConfigValue(key string) (string, error)
}

// AuditLogger records agent interactions.
type AuditLogger interface {
	LogPromptSent(runID, dispatchID, agent, prompt string) error
	LogResponseReceived(runID, dispatchID, agent, response string, durationMs int) error
	LogError(runID, dispatchID, agent, errorMsg string) error
}

// StoreAuditLogger implements AuditLogger on top of an AuditStore.
type StoreAuditLogger struct {
	store   AuditStore
	enabled bool
}

// NewStoreAuditLogger creates a store-backed audit logger. Logging is on
// unless the config value enable_audit_logging is "false".
func NewStoreAuditLogger(store AuditStore) *StoreAuditLogger {
	enabled := true
	if v, _ := store.GetConfigValue("enable_audit_logging"); v == "false" {
		enabled = false
	}
	return &StoreAuditLogger{store: store, enabled: enabled}
}

// Keep first 50KB of long payloads for storage efficiency.
const auditPayloadCap = 50000

func capPayload(s string) string {
	if len(s) > auditPayloadCap {
		return s[:auditPayloadCap] + "\n...[truncated]"
	}
	return s
}

// LogPromptSent records the prompt sent to an agent.
func (l *StoreAuditLogger) LogPromptSent(runID, dispatchID, agent, prompt string) error {
	if !l.enabled {
		return nil
	}
	return l.store.AddAuditEntry(&AuditEntry{
		ID:         uuid.New().String(),
		RunID:      runID,
		DispatchID: dispatchID,
		Agent:      agent,
		EventType:  AuditEventPromptSent,
		EventData:  capPayload(prompt),
		CreatedAt:  time.Now(),
	})
}

// LogResponseReceived records the response from an agent.
func (l *StoreAuditLogger) LogResponseReceived(runID, dispatchID, agent, response string, durationMs int) error {
	if !l.enabled {
		return nil
	}
	data := map[string]any{
		"response":    capPayload(response),
		"duration_ms": durationMs,
	}
	if len(response) > auditPayloadCap {
		data["truncated"] = true
		data["original_length"] = len(response)
	}
	payload, _ := json.Marshal(data)

	return l.store.AddAuditEntry(&AuditEntry{
		ID:         uuid.New().String(),
		RunID:      runID,
		DispatchID: dispatchID,
		Agent:      agent,
		EventType:  AuditEventResponseReceived,
		EventData:  string(payload),
		DurationMs: durationMs,
		CreatedAt:  time.Now(),
	})
}

// LogError records an error during agent execution.
func (l *StoreAuditLogger) LogError(runID, dispatchID, agent, errorMsg string) error {
	if !l.enabled {
		return nil
	}
	return l.store.AddAuditEntry(&AuditEntry{
		ID:         uuid.New().String(),
		RunID:      runID,
		DispatchID: dispatchID,
		Agent:      agent,
		EventType:  AuditEventError,
		EventData:  errorMsg,
		CreatedAt:  time.Now(),
	})
}

// NoOpAuditLogger does nothing, for deployments with logging disabled.
type NoOpAuditLogger struct{}

func (NoOpAuditLogger) LogPromptSent(runID, dispatchID, agent, prompt string) error { return nil }
func (NoOpAuditLogger) LogResponseReceived(runID, dispatchID, agent, response string, durationMs int) error {
	return nil
}
func (NoOpAuditLogger) LogError(runID, dispatchID, agent, errorMsg string) error { return nil }

// AuditingRunner wraps a Runner to record every interaction. Audit failures
// are non-fatal: the run proceeds regardless.
type AuditingRunner struct {
	inner  Runner
	logger AuditLogger
}

// NewAuditingRunner creates the auditing decorator.
func NewAuditingRunner(inner Runner, logger AuditLogger) *AuditingRunner {
	return &AuditingRunner{inner: inner, logger: logger}
}

// Run executes the inner runner and logs the interaction.
func (a *AuditingRunner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	runID := a.logStart(req)
	res, err := a.inner.Run(ctx, req)
	a.logFinish(runID, req, res, err)
	return res, err
}

// RunStreaming delegates to the inner backend's streaming entry point when it
// has one, so wrapping does not hide the capability.
func (a *AuditingRunner) RunStreaming(ctx context.Context, req RunRequest, onEvent func(StreamEvent)) (*RunResult, error) {
	runID := a.logStart(req)
	var res *RunResult
	var err error
	if sr, ok := a.inner.(StreamingRunner); ok {
		res, err = sr.RunStreaming(ctx, req, onEvent)
	} else {
		res, err = a.inner.Run(ctx, req)
	}
	a.logFinish(runID, req, res, err)
	return res, err
}

// Abort delegates to the inner runner.
func (a *AuditingRunner) Abort(sessionID string) {
	a.inner.Abort(sessionID)
}

func (a *AuditingRunner) logStart(req RunRequest) string {
	runID := req.SessionID + "-" + uuid.New().String()[:8]
	_ = a.logger.LogPromptSent(runID, req.SessionID, req.AgentID, req.Message)
	return runID
}

func (a *AuditingRunner) logFinish(runID string, req RunRequest, res *RunResult, err error) {
	if err != nil {
		_ = a.logger.LogError(runID, req.SessionID, req.AgentID, err.Error())
		return
	}
	if res == nil {
		return
	}
	_ = a.logger.LogResponseReceived(runID, req.SessionID, req.AgentID, res.Output, int(res.Duration.Milliseconds()))
	if !res.Success && res.Error != "" {
		_ = a.logger.LogError(runID, req.SessionID, req.AgentID, res.Error)
	}
}
