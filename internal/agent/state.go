// internal/agent/state.go
package agent

import "sync"

// Status is the agent's view of collector reachability
type Status int32

const (
	Disconnected Status = iota
	Connected
)

func (s Status) String() string {
	switch s {
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// connState is the disconnected/connected machine. Transitions are keyed on
// the current state, not on the call, so repeated or overlapping outcomes of
// the same kind change nothing.
type connState struct {
	mu     sync.Mutex
	status Status
}

func (c *connState) get() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// transition moves to target and reports whether the state changed
func (c *connState) transition(target Status) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == target {
		return false
	}
	c.status = target
	return true
}
