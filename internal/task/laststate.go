package task

import (
	"fmt"
	"time"
)

// LastRunState summarizes the most recently finished attempt. It is the only
// trace of an execution that outlives its future.
type LastRunState struct {
	EndState    EndState
	RunStarted  time.Time
	RunDuration time.Duration
}

func (l LastRunState) String() string {
	return fmt.Sprintf("%s started=%s duration=%s", l.EndState, l.RunStarted.Format(time.RFC3339), l.RunDuration)
}

// Configuration keys holding the last run state.
const (
	KeyLastRunEndState    = "lastRunState.endState"
	KeyLastRunStarted     = "lastRunState.runStarted"
	KeyLastRunDuration    = "lastRunState.runDuration"
	lastRunStateKeyPrefix = "lastRunState."
)

// SetLastRunState records an outcome. dur must not be negative; a negative
// duration means a clock bug upstream and panics.
func (c *Configuration) SetLastRunState(end EndState, started time.Time, dur time.Duration) {
	if dur < 0 {
		panic(fmt.Sprintf("task: negative run duration %s for %s", dur, c.ID()))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[KeyLastRunEndState] = string(end)
	c.m[KeyLastRunStarted] = formatMillis(started.UnixMilli())
	c.m[KeyLastRunDuration] = formatMillis(dur.Milliseconds())
}

// HasLastRunState reports whether an outcome has been recorded.
func (c *Configuration) HasLastRunState() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.m[KeyLastRunEndState]
	return ok
}

// LastRunState returns the recorded outcome, or nil when none is recorded
// or the stored values don't parse.
func (c *Configuration) LastRunState() *LastRunState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	end, ok := ParseEndState(c.m[KeyLastRunEndState])
	if !ok {
		return nil
	}
	started, ok := parseMillis(c.m[KeyLastRunStarted])
	if !ok {
		return nil
	}
	dur, ok := parseMillis(c.m[KeyLastRunDuration])
	if !ok || dur < 0 {
		return nil
	}
	return &LastRunState{
		EndState:    end,
		RunStarted:  time.UnixMilli(started),
		RunDuration: time.Duration(dur) * time.Millisecond,
	}
}

// ClearLastRunState drops the recorded outcome.
func (c *Configuration) ClearLastRunState() {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, KeyLastRunEndState)
	delete(c.m, KeyLastRunStarted)
	delete(c.m, KeyLastRunDuration)
}
