// Package agents provides the agent-runner port, the inactivity watchdog and
// the retrying run wrapper that connects the two.
package agents

import (
	"context"
	"time"
)

// RunRequest describes one agent run.
type RunRequest struct {
	AgentID   string        // which agent profile to run (worker, audit, ...)
	SessionID string        // opaque session key for this run
	Message   string        // rendered prompt
	Model     string        // model override, empty for the backend default
	WorkDir   string        // working directory for the run
	Timeout   time.Duration // wall-clock cap; zero selects the watchdog MaxTotal
}

// RunResult is the outcome of an agent run.
type RunResult struct {
	Success        bool          `json:"success"`
	Output         string        `json:"output"`
	WatchdogKilled bool          `json:"watchdogKilled,omitempty"`
	Error          string        `json:"error,omitempty"`
	ExitCode       int           `json:"exitCode"`
	Duration       time.Duration `json:"duration"`
}

// Runner is the AgentRunner port. Implementations aggregate the run's output;
// backends that can stream implement StreamingRunner as well.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (*RunResult, error)

	// Abort terminates the run identified by sessionID, if it is still
	// in flight. Called by the wrapper on watchdog fire.
	Abort(sessionID string)
}

// StreamKind classifies the activity chunks a streaming backend produces.
type StreamKind string

const (
	StreamReasoning    StreamKind = "reasoning"
	StreamToolStart    StreamKind = "tool-start"
	StreamToolResult   StreamKind = "tool-result"
	StreamPartialReply StreamKind = "partial-reply"
)

// StreamEvent is one streamed chunk from a running agent.
type StreamEvent struct {
	Kind     StreamKind
	Text     string
	Tool     string
	Metadata string
}

// StreamingRunner is implemented by backends that expose mid-run activity.
// The callback is invoked from the run's goroutine; it must be fast.
type StreamingRunner interface {
	Runner
	RunStreaming(ctx context.Context, req RunRequest, onEvent func(StreamEvent)) (*RunResult, error)
}

// Activity is the external representation of streamed agent progress, shaped
// for the issue tracker's activity feed.
type Activity struct {
	Type      string `json:"type"` // "thought" or "action"
	Body      string `json:"body,omitempty"`
	Action    string `json:"action,omitempty"`
	Parameter string `json:"parameter,omitempty"`
}

// ActivitySink receives translated activities during a streamed run.
type ActivitySink func(Activity)
