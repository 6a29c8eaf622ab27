// Package dispatch holds the persistent dispatch state: the state document,
// the locked file store, the status state machine, the session map and the
// processed-event set.
package dispatch

import "time"

// Tier is the externally-chosen complexity label for an issue. The engine
// carries it for reporting only.
type Tier string

const (
	TierJunior Tier = "junior"
	TierMedior Tier = "medior"
	TierSenior Tier = "senior"
)

// Status is the lifecycle state of an active dispatch.
type Status string

const (
	StatusDispatched Status = "dispatched"
	StatusWorking    Status = "working"
	StatusAuditing   Status = "auditing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusStuck      Status = "stuck"
)

// legacyStatusRunning is the historical name for StatusWorking. It is
// migrated on read; any other unknown status is a corruption.
const legacyStatusRunning Status = "running"

// knownStatuses is the set of statuses accepted when loading a state file.
var knownStatuses = map[Status]bool{
	StatusDispatched: true,
	StatusWorking:    true,
	StatusAuditing:   true,
	StatusDone:       true,
	StatusFailed:     true,
	StatusStuck:      true,
}

// Phase identifies which pipeline phase a session key belongs to.
type Phase string

const (
	PhaseWorker Phase = "worker"
	PhaseAudit  Phase = "audit"
)

// ActiveDispatch is one issue currently in flight through the pipeline.
type ActiveDispatch struct {
	IssueID      string    `json:"issueId"`
	Identifier   string    `json:"issueIdentifier"`
	Branch       string    `json:"branch"`
	WorktreePath string    `json:"worktreePath"`
	Tier         Tier      `json:"tier"`
	Model        string    `json:"model,omitempty"`
	Status       Status    `json:"status"`
	Attempt      int       `json:"attempt"`
	DispatchedAt time.Time `json:"dispatchedAt"`
	StuckReason  string    `json:"stuckReason,omitempty"`

	WorkerSessionKey string `json:"workerSessionKey,omitempty"`
	AuditSessionKey  string `json:"auditSessionKey,omitempty"`
	AgentSessionID   string `json:"agentSessionId,omitempty"`
	Project          string `json:"project,omitempty"`
}

// CompletedDispatch is the snapshot kept after a dispatch reaches a terminal
// status.
type CompletedDispatch struct {
	Identifier    string    `json:"issueIdentifier"`
	Tier          Tier      `json:"tier"`
	Status        Status    `json:"status"` // done or failed
	CompletedAt   time.Time `json:"completedAt"`
	TotalAttempts int       `json:"totalAttempts"`
	PRUrl         string    `json:"prUrl,omitempty"`
	Project       string    `json:"project,omitempty"`
}

// SessionMapping joins an agent session key back to a dispatch and phase.
type SessionMapping struct {
	DispatchID string `json:"dispatchId"`
	Phase      Phase  `json:"phase"`
	Attempt    int    `json:"attempt"`
}

// Dispatches partitions records into in-flight and terminal.
type Dispatches struct {
	Active    map[string]*ActiveDispatch    `json:"active"`
	Completed map[string]*CompletedDispatch `json:"completed"`
}

// maxProcessedEvents bounds the processed-event FIFO.
const maxProcessedEvents = 200

// State is the top-level persisted document.
type State struct {
	Dispatches      Dispatches                `json:"dispatches"`
	SessionMap      map[string]SessionMapping `json:"sessionMap"`
	ProcessedEvents []string                  `json:"processedEvents"`
}

// NewState returns an empty document with all maps initialized.
func NewState() *State {
	return &State{
		Dispatches: Dispatches{
			Active:    make(map[string]*ActiveDispatch),
			Completed: make(map[string]*CompletedDispatch),
		},
		SessionMap: make(map[string]SessionMapping),
	}
}

// normalize repairs nil maps after JSON decoding so callers never have to
// nil-check.
func (s *State) normalize() {
	if s.Dispatches.Active == nil {
		s.Dispatches.Active = make(map[string]*ActiveDispatch)
	}
	if s.Dispatches.Completed == nil {
		s.Dispatches.Completed = make(map[string]*CompletedDispatch)
	}
	if s.SessionMap == nil {
		s.SessionMap = make(map[string]SessionMapping)
	}
}

// LookupSession returns the session mapping for a key, if present.
func LookupSession(s *State, sessionKey string) (SessionMapping, bool) {
	m, ok := s.SessionMap[sessionKey]
	return m, ok
}
