// Package protocol defines the vocabulary exchanged between the
// caller-side orchestrator and a worker-side executor: the handshake
// signals, the envelope carried over each task channel, and the shared
// outcome taxonomy used by both the task protocol and the transform
// pipeline.
package protocol

// Signal is one leg of the per-task handshake.
type Signal uint8

const (
	SignalQueued  Signal = iota + 1 // worker→caller: accepted into the worker queue
	SignalReady                     // worker→caller: about to run, wants the payload
	SignalData                      // caller→worker: payload delivered (may be empty)
	SignalCancel                    // caller→worker: cooperative cancellation
	SignalDone                      // worker→caller: finished normally, carries result
	SignalAborted                   // worker→caller: ended via cancellation
)

func (s Signal) String() string {
	switch s {
	case SignalQueued:
		return "queued"
	case SignalReady:
		return "ready"
	case SignalData:
		return "data"
	case SignalCancel:
		return "cancel"
	case SignalDone:
		return "done"
	case SignalAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether s ends a task's channel lifetime.
// Exactly one terminal signal is sent per task.
func (s Signal) Terminal() bool {
	return s == SignalDone || s == SignalAborted
}

// Envelope is the message exchanged over a task Port. Payload is a
// transferred buffer: the sender must not read or write it after Send
// returns.
type Envelope struct {
	ID      string
	Signal  Signal
	Payload []byte
	Result  *Result
}

// Result carries the outcome of a finished task. Transfer holds result
// sub-buffers whose ownership moves with the envelope instead of being
// copied.
type Result struct {
	Value    any
	Transfer [][]byte
	Err      error
}
