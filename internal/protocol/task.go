package protocol

import "sync/atomic"

// Task is the descriptor handed from an orchestrator to an executor.
// The id is unique for the lifetime of the task's channel. Payload is
// transferred with the descriptor; the orchestrator keeps no reference.
type Task struct {
	ID      string
	Op      string
	Args    map[string]any
	Payload []byte

	// Port is the worker-side endpoint of the task channel.
	Port *Port

	// Result and Transfer are filled in by the execution hook before
	// the terminal signal is sent.
	Result   any
	Transfer [][]byte

	aborted atomic.Bool
}

// Abort sets the cooperative-cancellation flag. Once set it is never
// cleared; execution hooks must poll it at safe points.
func (t *Task) Abort() { t.aborted.Store(true) }

// Aborted reports whether cancellation has been requested.
func (t *Task) Aborted() bool { return t.aborted.Load() }
