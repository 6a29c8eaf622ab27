// Package openclaw implements the dispatch engine of the Linear-driven AI
// coding assistant: the worker/audit/verdict pipeline, the background
// monitor and the hook adapter that resumes pipelines from external agent
// completion signals.
package openclaw

import (
	"context"

	"github.com/calltelemetry/openclaw/agents"
	"github.com/calltelemetry/openclaw/dispatch"
)

// Issue is the tracker's view of an issue, as much of it as the engine needs.
type Issue struct {
	ID          string
	Identifier  string
	Title       string
	Description string
	Comments    []string
}

// IssueTracker is the port to the issue tracker. The engine never speaks the
// tracker's protocol; transport, GraphQL and auth live behind this interface.
type IssueTracker interface {
	FetchIssue(ctx context.Context, issueID string) (*Issue, error)
	PostComment(ctx context.Context, issueID, markdown string) error
	EmitActivity(sessionID string, activity agents.Activity) error
}

// NotifyKind enumerates the notification channels' event kinds.
type NotifyKind string

const (
	NotifyDispatch     NotifyKind = "dispatch"
	NotifyWorking      NotifyKind = "working"
	NotifyAuditing     NotifyKind = "auditing"
	NotifyAuditPass    NotifyKind = "audit_pass"
	NotifyAuditFail    NotifyKind = "audit_fail"
	NotifyEscalation   NotifyKind = "escalation"
	NotifyStuck        NotifyKind = "stuck"
	NotifyWatchdogKill NotifyKind = "watchdog_kill"
)

// Notification is the payload handed to notifiers.
type Notification struct {
	Identifier string          `json:"identifier"`
	Title      string          `json:"title,omitempty"`
	Status     dispatch.Status `json:"status"`
	Attempt    int             `json:"attempt,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Verdict    *Verdict        `json:"verdict,omitempty"`
}

// Notifier is the port to notification channels. Implementations must never
// propagate failures into the pipeline; they log and move on.
type Notifier interface {
	Notify(kind NotifyKind, n Notification)
}

// Verdict is the auditor's structured judgment.
type Verdict struct {
	Pass        bool     `json:"pass"`
	Criteria    []string `json:"criteria,omitempty"`
	Gaps        []string `json:"gaps,omitempty"`
	TestResults string   `json:"testResults,omitempty"`
	PRUrl       string   `json:"prUrl,omitempty"`
}
