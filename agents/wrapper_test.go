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

// stallThenSucceedRunner blocks silently on its first run (so the watchdog
// fires) and streams normally on the second.
type stallThenSucceedRunner struct {
	mu     sync.Mutex
	runs   int
	aborts int
}

func (r *stallThenSucceedRunner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	return r.RunStreaming(ctx, req, nil)
}

func (r *stallThenSucceedRunner) RunStreaming(ctx context.Context, req RunRequest, onEvent func(StreamEvent)) (*RunResult, error) {
	r.mu.Lock()
	r.runs++
	run := r.runs
	r.mu.Unlock()

	if run == 1 {
		<-ctx.Done()
		return &RunResult{Success: false, Error: "aborted"}, nil
	}
	if onEvent != nil {
		onEvent(StreamEvent{Kind: StreamReasoning, Text: "making good progress now"})
	}
	return &RunResult{Success: true, Output: "second attempt output"}, nil
}

func (r *stallThenSucceedRunner) Abort(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborts++
}

func (r *stallThenSucceedRunner) counts() (runs, aborts int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs, r.aborts
}

func TestWrapperRetriesOnceOnWatchdogKill(t *testing.T) {
	runner := &stallThenSucceedRunner{}
	cfg := WatchdogConfig{Inactivity: 40 * time.Millisecond, MaxTotal: 5 * time.Second}
	w := NewWrapper(runner, nil, &cfg, nil)

	var mu sync.Mutex
	var activities []Activity
	sink := func(a Activity) {
		mu.Lock()
		activities = append(activities, a)
		mu.Unlock()
	}

	res := w.Run(context.Background(), RunRequest{AgentID: "worker", SessionID: "s1"}, sink)

	require.True(t, res.Success)
	assert.Equal(t, "second attempt output", res.Output)
	assert.False(t, res.WatchdogKilled, "final result came from the healthy retry")

	runs, aborts := runner.counts()
	assert.Equal(t, 2, runs)
	assert.Equal(t, 1, aborts, "abort fires on the killed run only")

	mu.Lock()
	defer mu.Unlock()
	var sawRetryNotice bool
	for _, a := range activities {
		if a.Type == "thought" && strings.Contains(a.Body, "retrying") {
			sawRetryNotice = true
		}
	}
	assert.True(t, sawRetryNotice, "sink should carry the retry notice")
}

// alwaysStallingRunner never produces activity.
type alwaysStallingRunner struct {
	mu   sync.Mutex
	runs int
}

func (r *alwaysStallingRunner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	r.mu.Lock()
	r.runs++
	r.mu.Unlock()
	<-ctx.Done()
	return &RunResult{Success: false, Error: "aborted"}, nil
}

func (r *alwaysStallingRunner) Abort(string) {}

func TestWrapperGivesUpAfterSecondKill(t *testing.T) {
	runner := &alwaysStallingRunner{}
	cfg := WatchdogConfig{Inactivity: 30 * time.Millisecond, MaxTotal: 5 * time.Second}
	w := NewWrapper(runner, nil, &cfg, nil)

	res := w.Run(context.Background(), RunRequest{AgentID: "worker", SessionID: "s1"}, nil)

	assert.False(t, res.Success)
	assert.True(t, res.WatchdogKilled)
	runner.mu.Lock()
	assert.Equal(t, 2, runner.runs, "exactly one retry")
	runner.mu.Unlock()
}

// failingRunner fails immediately for a non-watchdog reason.
type failingRunner struct {
	mu   sync.Mutex
	runs int
}

func (r *failingRunner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	r.mu.Lock()
	r.runs++
	r.mu.Unlock()
	return &RunResult{Success: false, Error: "exit status 1", ExitCode: 1}, nil
}

func (r *failingRunner) Abort(string) {}

func TestWrapperDoesNotRetryNonWatchdogFailure(t *testing.T) {
	runner := &failingRunner{}
	w := NewWrapper(runner, nil, nil, nil)

	res := w.Run(context.Background(), RunRequest{AgentID: "worker", SessionID: "s1"}, nil)

	assert.False(t, res.Success)
	assert.False(t, res.WatchdogKilled)
	assert.Equal(t, "exit status 1", res.Error)
	runner.mu.Lock()
	assert.Equal(t, 1, runner.runs)
	runner.mu.Unlock()
}

// scriptedStreamRunner replays a fixed event sequence.
type scriptedStreamRunner struct {
	events []StreamEvent
}

func (r *scriptedStreamRunner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	return &RunResult{Success: true, Output: "aggregated"}, nil
}

func (r *scriptedStreamRunner) RunStreaming(ctx context.Context, req RunRequest, onEvent func(StreamEvent)) (*RunResult, error) {
	for _, ev := range r.events {
		onEvent(ev)
	}
	return &RunResult{Success: true, Output: "streamed"}, nil
}

func (r *scriptedStreamRunner) Abort(string) {}

func TestStreamTranslationRules(t *testing.T) {
	long := strings.Repeat("x", 600)
	runner := &scriptedStreamRunner{events: []StreamEvent{
		{Kind: StreamReasoning, Text: "short"},                                  // < 10 chars: tick only
		{Kind: StreamReasoning, Text: "  analyzing the failing test cases  "},   // emitted trimmed
		{Kind: StreamReasoning, Text: long},                                     // truncated to 500
		{Kind: StreamToolStart, Tool: "bash", Metadata: strings.Repeat("m", 300)}, // truncated to 200
		{Kind: StreamToolResult, Tool: "bash", Text: strings.Repeat("r", 400)},  // truncated to 300
		{Kind: StreamPartialReply, Text: "partial reply text that is long enough"}, // never emitted
	}}
	w := NewWrapper(runner, nil, nil, nil)

	var activities []Activity
	res := w.Run(context.Background(), RunRequest{AgentID: "worker", SessionID: "s1"}, func(a Activity) {
		activities = append(activities, a)
	})

	require.True(t, res.Success)
	assert.Equal(t, "streamed", res.Output)
	require.Len(t, activities, 4)

	assert.Equal(t, "thought", activities[0].Type)
	assert.Equal(t, "analyzing the failing test cases", activities[0].Body)

	assert.Equal(t, "thought", activities[1].Type)
	assert.Len(t, activities[1].Body, 500)

	assert.Equal(t, "action", activities[2].Type)
	assert.Equal(t, "bash", activities[2].Action)
	assert.Len(t, activities[2].Parameter, 200)

	assert.Equal(t, "action", activities[3].Type)
	assert.Len(t, activities[3].Parameter, 300)
}

func TestWrapperFallsBackToAggregatedRunWithoutSink(t *testing.T) {
	runner := &scriptedStreamRunner{events: []StreamEvent{{Kind: StreamReasoning, Text: "should not stream"}}}
	w := NewWrapper(runner, nil, nil, nil)

	res := w.Run(context.Background(), RunRequest{AgentID: "worker", SessionID: "s1"}, nil)

	require.True(t, res.Success)
	assert.Equal(t, "aggregated", res.Output, "no sink means the aggregated entry point")
}
