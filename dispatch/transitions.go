package dispatch

import (
	"fmt"
	"time"
)

// legalTransitions is the status graph. done and failed are reached through
// Complete, which moves the record out of the active table; stuck is reachable
// from any non-terminal status.
var legalTransitions = map[Status]map[Status]bool{
	StatusDispatched: {StatusWorking: true, StatusStuck: true},
	StatusWorking:    {StatusAuditing: true, StatusStuck: true},
	StatusAuditing:   {StatusDone: true, StatusWorking: true, StatusStuck: true},
}

// Patch carries the optional field updates bundled with a transition. A nil
// pointer leaves the field untouched; a pointer to the zero value clears it.
type Patch struct {
	Attempt          *int
	StuckReason      *string
	WorkerSessionKey *string
	AuditSessionKey  *string
	AgentSessionID   *string
}

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }

// NewPatch returns an empty patch for fluent construction.
func NewPatch() *Patch { return &Patch{} }

// WithAttempt sets the attempt counter.
func (p *Patch) WithAttempt(n int) *Patch { p.Attempt = intPtr(n); return p }

// WithStuckReason records why the dispatch was escalated.
func (p *Patch) WithStuckReason(r string) *Patch { p.StuckReason = strPtr(r); return p }

// WithWorkerSessionKey sets (or clears, with "") the worker session key.
func (p *Patch) WithWorkerSessionKey(k string) *Patch { p.WorkerSessionKey = strPtr(k); return p }

// WithAuditSessionKey sets (or clears, with "") the audit session key.
func (p *Patch) WithAuditSessionKey(k string) *Patch { p.AuditSessionKey = strPtr(k); return p }

// WithAgentSessionID sets the backend agent session id.
func (p *Patch) WithAgentSessionID(id string) *Patch { p.AgentSessionID = strPtr(id); return p }

func (p *Patch) apply(d *ActiveDispatch) {
	if p == nil {
		return
	}
	if p.Attempt != nil {
		d.Attempt = *p.Attempt
	}
	if p.StuckReason != nil {
		d.StuckReason = *p.StuckReason
	}
	if p.WorkerSessionKey != nil {
		d.WorkerSessionKey = *p.WorkerSessionKey
	}
	if p.AuditSessionKey != nil {
		d.AuditSessionKey = *p.AuditSessionKey
	}
	if p.AgentSessionID != nil {
		d.AgentSessionID = *p.AgentSessionID
	}
}

// Completion is the terminal record handed to Complete.
type Completion struct {
	Status      Status // StatusDone or StatusFailed
	CompletedAt time.Time
	PRUrl       string
}

// registerState creates a fresh active dispatch. A completed record for the
// same identifier is dropped: re-dispatching a finished issue supersedes its
// old snapshot, keeping the exclusive-presence invariant.
func registerState(st *State, identifier string, d ActiveDispatch) error {
	if _, exists := st.Dispatches.Active[identifier]; exists {
		return fmt.Errorf("dispatch %s is already active", identifier)
	}
	d.Identifier = identifier
	d.Status = StatusDispatched
	d.Attempt = 0
	if d.DispatchedAt.IsZero() {
		d.DispatchedAt = time.Now()
	}
	delete(st.Dispatches.Completed, identifier)
	st.Dispatches.Active[identifier] = &d
	return nil
}

// transitionState performs the CAS status change. It fails without mutating
// the document when the record is missing, the observed status differs from
// the expected one, or the edge is not in the graph.
func transitionState(st *State, identifier string, from, to Status, patch *Patch) error {
	d, ok := st.Dispatches.Active[identifier]
	if !ok {
		return &TransitionError{Identifier: identifier, Expected: from, Target: to}
	}
	if d.Status != from {
		return &TransitionError{Identifier: identifier, Expected: from, Actual: d.Status, Target: to}
	}
	if !legalTransitions[from][to] {
		return &TransitionError{Identifier: identifier, Expected: from, Actual: d.Status, Target: to}
	}
	d.Status = to
	patch.apply(d)
	return nil
}

// completeState moves a record from active to completed and purges its
// session mappings in the same operation.
func completeState(st *State, identifier string, c Completion) error {
	if c.Status != StatusDone && c.Status != StatusFailed {
		return fmt.Errorf("dispatch %s: completion status must be done or failed, got %q", identifier, c.Status)
	}
	d, ok := st.Dispatches.Active[identifier]
	if !ok {
		return fmt.Errorf("dispatch %s is not active", identifier)
	}
	completedAt := c.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now()
	}
	st.Dispatches.Completed[identifier] = &CompletedDispatch{
		Identifier:    identifier,
		Tier:          d.Tier,
		Status:        c.Status,
		CompletedAt:   completedAt,
		TotalAttempts: d.Attempt + 1,
		PRUrl:         c.PRUrl,
		Project:       d.Project,
	}
	delete(st.Dispatches.Active, identifier)
	purgeSessions(st, identifier)
	return nil
}

// removeActiveState drops a record and its session mappings without
// completing it. Used by retry and cancel paths.
func removeActiveState(st *State, identifier string) error {
	if _, ok := st.Dispatches.Active[identifier]; !ok {
		return fmt.Errorf("dispatch %s is not active", identifier)
	}
	delete(st.Dispatches.Active, identifier)
	purgeSessions(st, identifier)
	return nil
}

func purgeSessions(st *State, dispatchID string) {
	for key, m := range st.SessionMap {
		if m.DispatchID == dispatchID {
			delete(st.SessionMap, key)
		}
	}
}

// markEventProcessedState appends a new event key and evicts the oldest entry
// once the FIFO exceeds its bound. Returns true only on first sight.
func markEventProcessedState(st *State, eventKey string) bool {
	for _, e := range st.ProcessedEvents {
		if e == eventKey {
			return false
		}
	}
	st.ProcessedEvents = append(st.ProcessedEvents, eventKey)
	for len(st.ProcessedEvents) > maxProcessedEvents {
		st.ProcessedEvents = st.ProcessedEvents[1:]
	}
	return true
}

// --- Store-level primitives ---

// Register creates a new dispatch with status dispatched and attempt 0.
func (s *FileStore) Register(identifier string, d ActiveDispatch) error {
	return s.Mutate(func(st *State) error {
		return registerState(st, identifier, d)
	})
}

// Transition is the CAS primitive: the expected source status is observed and
// the change aborts with TransitionError on any mismatch.
func (s *FileStore) Transition(identifier string, from, to Status, patch *Patch) error {
	return s.Mutate(func(st *State) error {
		return transitionState(st, identifier, from, to, patch)
	})
}

// Complete moves a dispatch to the completed table, preserving tier and
// project, and purges its session mappings.
func (s *FileStore) Complete(identifier string, c Completion) error {
	return s.Mutate(func(st *State) error {
		return completeState(st, identifier, c)
	})
}

// UpdateStatus is a weak, non-CAS setter for out-of-band repair. The pipeline
// must never call it.
func (s *FileStore) UpdateStatus(identifier string, status Status) error {
	return s.Mutate(func(st *State) error {
		d, ok := st.Dispatches.Active[identifier]
		if !ok {
			return fmt.Errorf("dispatch %s is not active", identifier)
		}
		d.Status = status
		return nil
	})
}

// RemoveActive drops a dispatch and its sessions without completing it.
func (s *FileStore) RemoveActive(identifier string) error {
	return s.Mutate(func(st *State) error {
		return removeActiveState(st, identifier)
	})
}

// RegisterSession records a sessionKey -> dispatch mapping.
func (s *FileStore) RegisterSession(sessionKey string, m SessionMapping) error {
	return s.Mutate(func(st *State) error {
		st.SessionMap[sessionKey] = m
		return nil
	})
}

// RemoveSession drops a single session mapping.
func (s *FileStore) RemoveSession(sessionKey string) error {
	return s.Mutate(func(st *State) error {
		delete(st.SessionMap, sessionKey)
		return nil
	})
}

// MarkEventProcessed returns true the first time an event key is seen. The
// check-and-append is linearized by the store lock, so at-least-once webhook
// deliveries collapse to exactly-once pipeline actions.
func (s *FileStore) MarkEventProcessed(eventKey string) (bool, error) {
	var wasNew bool
	err := s.Mutate(func(st *State) error {
		wasNew = markEventProcessedState(st, eventKey)
		return nil
	})
	return wasNew, err
}
