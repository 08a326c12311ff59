package orchestrator

import "time"

// Policy decides what happens to a worker handle after each task.
// Explicit variants instead of overloading the pool limit value.
type Policy uint8

const (
	// PolicyPooled borrows one handle per task and returns it for
	// reuse by other orchestrators under the same key.
	PolicyPooled Policy = iota + 1
	// PolicySingleUse destroys the handle after each task. For worker
	// programs that leak resources or cannot be reset safely. Requires
	// the key to be registered with pool.Unlimited.
	PolicySingleUse
	// PolicyDedicated retains one handle for the orchestrator's whole
	// lifetime and funnels concurrent requests through a FIFO, one at
	// a time: the worker program holds state shared across tasks.
	// Requires pool.Unlimited.
	PolicyDedicated
)

func (p Policy) String() string {
	switch p {
	case PolicyPooled:
		return "pooled"
	case PolicySingleUse:
		return "single-use"
	case PolicyDedicated:
		return "dedicated"
	default:
		return "unknown"
	}
}

// State is the orchestrator-local execution state of one task.
type State uint8

const (
	StateInitialized State = iota + 1
	StateQueued
	StateProcessing
	StateDone
	StateAborted
	StateError
	StateTimeout
)

// Terminal states are absorbing; exactly one is reached per task.
func (s State) Terminal() bool { return s >= StateDone }

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateQueued:
		return "queued"
	case StateProcessing:
		return "processing"
	case StateDone:
		return "done"
	case StateAborted:
		return "aborted"
	case StateError:
		return "error"
	case StateTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Transition records one state change for observability.
type Transition struct {
	From   State
	To     State
	At     time.Time
	Reason string
}
