package agents

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchdogFiresOnceOnSilence(t *testing.T) {
	var kills atomic.Int32
	wd := NewWatchdog(WatchdogConfig{Inactivity: 40 * time.Millisecond}, func(reason string) {
		assert.Equal(t, "inactivity", reason)
		kills.Add(1)
	}, nil)

	wd.Start()
	defer wd.Stop()

	require.Eventually(t, wd.WasKilled, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), kills.Load(), "onKill must fire at most once")
}

func TestWatchdogTickPreventsFire(t *testing.T) {
	wd := NewWatchdog(WatchdogConfig{Inactivity: 60 * time.Millisecond}, func(string) {
		t.Error("watchdog should not have fired")
	}, nil)

	wd.Start()
	defer wd.Stop()

	// Keep ticking just under the threshold.
	for i := 0; i < 5; i++ {
		time.Sleep(30 * time.Millisecond)
		wd.Tick()
	}
	assert.False(t, wd.WasKilled())
	assert.Less(t, wd.Silence(), 60*time.Millisecond)
}

func TestWatchdogStopCancelsPendingCheck(t *testing.T) {
	var kills atomic.Int32
	wd := NewWatchdog(WatchdogConfig{Inactivity: 30 * time.Millisecond}, func(string) {
		kills.Add(1)
	}, nil)

	wd.Start()
	wd.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.False(t, wd.WasKilled())
	assert.Equal(t, int32(0), kills.Load())

	// After Stop, Tick and Start are no-ops.
	wd.Tick()
	wd.Start()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), kills.Load())
}

func TestWatchdogStartIsIdempotent(t *testing.T) {
	var kills atomic.Int32
	wd := NewWatchdog(WatchdogConfig{Inactivity: 40 * time.Millisecond}, func(string) {
		kills.Add(1)
	}, nil)

	wd.Start()
	wd.Start()
	wd.Start()
	defer wd.Stop()

	require.Eventually(t, wd.WasKilled, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), kills.Load())
}

func TestWatchdogSwallowsKillPanics(t *testing.T) {
	wd := NewWatchdog(WatchdogConfig{Inactivity: 30 * time.Millisecond}, func(string) {
		panic("kill handler exploded")
	}, nil)

	wd.Start()
	defer wd.Stop()

	// If the panic escaped the timer goroutine the test binary would crash.
	require.Eventually(t, wd.WasKilled, time.Second, 5*time.Millisecond)
}

func TestResolveWatchdogConfigLayering(t *testing.T) {
	caller := &WatchdogConfig{Inactivity: 5 * time.Minute}
	profiles := profileSourceFunc(func(agentID string) (WatchdogConfig, bool) {
		if agentID == "worker" {
			return WatchdogConfig{MaxTotal: time.Hour}, true
		}
		return WatchdogConfig{}, false
	})

	cfg := ResolveWatchdogConfig(profiles, "worker", caller)
	assert.Equal(t, 5*time.Minute, cfg.Inactivity, "caller override kept")
	assert.Equal(t, time.Hour, cfg.MaxTotal, "profile override wins")
	assert.Equal(t, DefaultWatchdogConfig().ToolTimeout, cfg.ToolTimeout, "default fills the rest")

	cfg = ResolveWatchdogConfig(profiles, "audit", nil)
	assert.Equal(t, DefaultWatchdogConfig(), cfg)
}

type profileSourceFunc func(agentID string) (WatchdogConfig, bool)

func (f profileSourceFunc) WatchdogProfile(agentID string) (WatchdogConfig, bool) {
	return f(agentID)
}
