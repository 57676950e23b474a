package master

import (
	"sync/atomic"

	"github.com/codewandler/shardmaster-go/core/rpc"
)

// HandleState is the lifecycle state of one shard.
type HandleState int

const (
	// StateUnattached: the index is known but there is no live connection.
	StateUnattached HandleState = iota
	// StateAuthenticated: handshake passed, not yet told to run.
	StateAuthenticated
	// StateRunning: the shard acknowledged the connect call.
	StateRunning
	// StateDying: the master sent die; waiting for the process to exit.
	StateDying
	// StateTerminated: subprocess exit observed during shutdown. Final.
	StateTerminated
)

func (s HandleState) String() string {
	switch s {
	case StateUnattached:
		return "unattached"
	case StateAuthenticated:
		return "authenticated"
	case StateRunning:
		return "running"
	case StateDying:
		return "dying"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Handle is one shard's identity and connection slot. A handle may cycle
// unattached -> authenticated -> running many times across reconnects
// before reaching terminated. state and ep are guarded by the master's
// lock; nextID is shared with the attached endpoint so call ids keep
// increasing across reconnects.
type Handle struct {
	index  int
	nextID atomic.Uint64

	state         HandleState
	ep            *rpc.Endpoint
	everConnected bool
}

func newHandle(index int) *Handle {
	return &Handle{index: index, state: StateUnattached}
}

// Index is the shard's identity in [0, shardCount).
func (h *Handle) Index() int { return h.index }
