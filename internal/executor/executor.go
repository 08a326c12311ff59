// Package executor is the worker-side half of the task protocol: it
// accepts task descriptors over an inbound channel, queues them, and
// runs exactly one at a time through an abstract execution hook.
package executor

import (
	"context"
	"fmt"

	"offload/internal/logging"
	"offload/internal/protocol"
)

// Hook is the execution body invoked once per task, after the payload
// has arrived. Cancellation is cooperative: a long-running hook must
// poll t.Aborted() at safe points and return early when set.
type Hook interface {
	Run(ctx context.Context, t *protocol.Task) error
}

// HookFunc adapts a function to Hook.
type HookFunc func(ctx context.Context, t *protocol.Task) error

func (f HookFunc) Run(ctx context.Context, t *protocol.Task) error { return f(ctx, t) }

type hookResult struct {
	task *protocol.Task
	err  error
}

// Executor processes at most one task at a time. Accepted-but-not-yet-
// running tasks sit in an internal queue; the most recently appended
// entry is dequeued first (LIFO, covered by a dedicated test).
type Executor struct {
	hook Hook

	submit   chan *protocol.Task
	events   chan protocol.Envelope
	hookDone chan hookResult

	queue       []*protocol.Task
	index       map[string]*protocol.Task
	current     *protocol.Task
	busy        bool
	hookRunning bool
}

func New(hook Hook) *Executor {
	return &Executor{
		hook:     hook,
		submit:   make(chan *protocol.Task, 16),
		events:   make(chan protocol.Envelope, 16),
		hookDone: make(chan hookResult, 1),
		index:    make(map[string]*protocol.Task),
	}
}

// Submit is the inbound descriptor channel. The sender transfers the
// descriptor (and its payload buffer) with the send.
func (e *Executor) Submit() chan<- *protocol.Task { return e.submit }

// Run drives the executor until ctx is cancelled. On teardown every
// live task port is closed so no peer is left waiting.
func (e *Executor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for _, t := range e.index {
				t.Port.Close()
			}
			return
		case t := <-e.submit:
			e.accept(ctx, t)
		case ev := <-e.events:
			e.dispatch(ctx, ev)
		case res := <-e.hookDone:
			e.end(res.task, res.err)
		}
	}
}

func (e *Executor) accept(ctx context.Context, t *protocol.Task) {
	e.queue = append(e.queue, t)
	e.index[t.ID] = t
	_ = t.Port.Send(protocol.Envelope{ID: t.ID, Signal: protocol.SignalQueued})
	go e.pump(ctx, t)
	e.tryDequeue()
}

// pump forwards one task's inbound envelopes into the event loop until
// its channel dies.
func (e *Executor) pump(ctx context.Context, t *protocol.Task) {
	for {
		select {
		case ev := <-t.Port.Recv():
			select {
			case e.events <- ev:
			case <-ctx.Done():
				return
			}
		case <-t.Port.Done():
			return
		case <-t.Port.PeerDone():
			return
		case <-ctx.Done():
			return
		}
	}
}

// tryDequeue pulls the most recently appended entry when idle.
func (e *Executor) tryDequeue() {
	if e.busy || len(e.queue) == 0 {
		return
	}
	t := e.queue[len(e.queue)-1]
	e.queue = e.queue[:len(e.queue)-1]
	e.current, e.busy = t, true
	_ = t.Port.Send(protocol.Envelope{ID: t.ID, Signal: protocol.SignalReady})
}

func (e *Executor) dispatch(ctx context.Context, ev protocol.Envelope) {
	t, ok := e.index[ev.ID]
	if !ok {
		// late signal for a task already terminal: no-op
		return
	}
	switch ev.Signal {
	case protocol.SignalData:
		if t != e.current {
			logging.L().Warn("executor: data for task not current", "id", ev.ID)
			return
		}
		t.Payload = ev.Payload
		e.hookRunning = true
		go func() {
			err := runHook(ctx, e.hook, t)
			e.hookDone <- hookResult{task: t, err: err}
		}()
	case protocol.SignalCancel:
		if t == e.current {
			t.Abort()
			if !e.hookRunning {
				// payload never arrived; nothing to interrupt
				e.end(t, nil)
			}
			// otherwise cooperative: the hook checks the flag and returns
			return
		}
		// still queued: splice out, acknowledge, never run
		e.remove(t)
		t.Abort()
		_ = t.Port.Send(protocol.Envelope{
			ID:     t.ID,
			Signal: protocol.SignalAborted,
			Result: &protocol.Result{},
		})
		t.Port.Close()
		delete(e.index, t.ID)
	default:
		logging.L().Warn("executor: unexpected signal", "id", ev.ID, "signal", ev.Signal.String())
	}
}

func (e *Executor) remove(t *protocol.Task) {
	for i, q := range e.queue {
		if q == t {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			return
		}
	}
}

// end sends the single terminal signal, closes the task endpoint,
// clears busy state, and dequeues the next entry.
func (e *Executor) end(t *protocol.Task, err error) {
	sig := protocol.SignalDone
	res := &protocol.Result{Value: t.Result, Transfer: t.Transfer}
	if t.Aborted() {
		sig = protocol.SignalAborted
	}
	if err != nil {
		// no third terminal signal exists: a hook fault travels as
		// Aborted with the fault in the result envelope
		if _, voluntary := protocol.AsAbort(err); !voluntary {
			res.Err = err
		}
		sig = protocol.SignalAborted
	}
	_ = t.Port.Send(protocol.Envelope{ID: t.ID, Signal: sig, Result: res})
	t.Port.Close()
	delete(e.index, t.ID)
	e.current, e.busy, e.hookRunning = nil, false, false
	e.tryDequeue()
}

func runHook(ctx context.Context, h Hook, t *protocol.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor: hook panic: %v", r)
		}
	}()
	return h.Run(ctx, t)
}
