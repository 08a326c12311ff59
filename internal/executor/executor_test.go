package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"offload/internal/protocol"
)

// gatedHook blocks each run until released and records which tasks ran.
type gatedHook struct {
	mu      sync.Mutex
	ran     []string
	started chan string
	release chan struct{}
	err     error
}

func newGatedHook() *gatedHook {
	return &gatedHook{
		started: make(chan string, 16),
		release: make(chan struct{}, 16),
	}
}

func (h *gatedHook) Run(ctx context.Context, t *protocol.Task) error {
	h.mu.Lock()
	h.ran = append(h.ran, t.ID)
	h.mu.Unlock()
	h.started <- t.ID
	select {
	case <-h.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return h.err
}

func (h *gatedHook) ranIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.ran...)
}

func start(t *testing.T, hook Hook) *Executor {
	t.Helper()
	ex := New(hook)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go ex.Run(ctx)
	return ex
}

// submit wires a fresh pipe, hands the executor its end, and returns the
// caller end.
func submit(t *testing.T, ex *Executor, id string) *protocol.Port {
	t.Helper()
	mine, theirs := protocol.NewPipe(4)
	task := &protocol.Task{ID: id, Op: "noop", Port: theirs}
	select {
	case ex.Submit() <- task:
	case <-time.After(time.Second):
		t.Fatalf("submit %s stalled", id)
	}
	return mine
}

func expect(t *testing.T, p *protocol.Port, want protocol.Signal) protocol.Envelope {
	t.Helper()
	select {
	case ev := <-p.Recv():
		if ev.Signal != want {
			t.Fatalf("got %s, want %s", ev.Signal, want)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
	}
	return protocol.Envelope{}
}

func sendData(t *testing.T, p *protocol.Port, id string, payload []byte) {
	t.Helper()
	if err := p.Send(protocol.Envelope{ID: id, Signal: protocol.SignalData, Payload: payload}); err != nil {
		t.Fatalf("data: %v", err)
	}
}

func TestExecutor_HappyPath(t *testing.T) {
	hook := HookFunc(func(ctx context.Context, task *protocol.Task) error {
		task.Result = len(task.Payload)
		return nil
	})
	ex := start(t, hook)
	p := submit(t, ex, "t1")

	expect(t, p, protocol.SignalQueued)
	expect(t, p, protocol.SignalReady)
	sendData(t, p, "t1", []byte("abc"))
	ev := expect(t, p, protocol.SignalDone)
	if ev.Result == nil || ev.Result.Value != 3 {
		t.Fatalf("result: %+v", ev.Result)
	}

	// terminal is followed only by port close, never a second signal
	select {
	case ev := <-p.Recv():
		t.Fatalf("signal after terminal: %+v", ev)
	case <-p.PeerDone():
	case <-time.After(2 * time.Second):
		t.Fatal("executor never closed its end")
	}
}

func TestExecutor_MostRecentQueuedRunsFirst(t *testing.T) {
	hook := newGatedHook()
	ex := start(t, hook)

	p1 := submit(t, ex, "t1")
	expect(t, p1, protocol.SignalQueued)
	expect(t, p1, protocol.SignalReady)
	sendData(t, p1, "t1", nil)
	<-hook.started // t1 occupies the worker

	p2 := submit(t, ex, "t2")
	expect(t, p2, protocol.SignalQueued)
	p3 := submit(t, ex, "t3")
	expect(t, p3, protocol.SignalQueued)

	hook.release <- struct{}{}
	expect(t, p1, protocol.SignalDone)

	// t3 was appended last and is picked first
	expect(t, p3, protocol.SignalReady)
	sendData(t, p3, "t3", nil)
	<-hook.started
	hook.release <- struct{}{}
	expect(t, p3, protocol.SignalDone)

	expect(t, p2, protocol.SignalReady)
	sendData(t, p2, "t2", nil)
	<-hook.started
	hook.release <- struct{}{}
	expect(t, p2, protocol.SignalDone)

	want := []string{"t1", "t3", "t2"}
	got := hook.ranIDs()
	if len(got) != len(want) {
		t.Fatalf("ran %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("run order %v, want %v", got, want)
		}
	}
}

func TestExecutor_CancelQueuedNeverRuns(t *testing.T) {
	hook := newGatedHook()
	ex := start(t, hook)

	p1 := submit(t, ex, "t1")
	expect(t, p1, protocol.SignalQueued)
	expect(t, p1, protocol.SignalReady)
	sendData(t, p1, "t1", nil)
	<-hook.started

	p2 := submit(t, ex, "t2")
	expect(t, p2, protocol.SignalQueued)
	if err := p2.Send(protocol.Envelope{ID: "t2", Signal: protocol.SignalCancel}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// aborted immediately, without waiting for the current task
	ev := expect(t, p2, protocol.SignalAborted)
	if ev.Result == nil || ev.Result.Err != nil {
		t.Fatalf("queued cancel is not a fault: %+v", ev.Result)
	}

	hook.release <- struct{}{}
	expect(t, p1, protocol.SignalDone)

	for _, id := range hook.ranIDs() {
		if id == "t2" {
			t.Fatal("cancelled queued task must never run")
		}
	}
}

func TestExecutor_CancelCurrentCooperative(t *testing.T) {
	// the hook polls the abort flag the way a chunk loop would
	hook := HookFunc(func(ctx context.Context, task *protocol.Task) error {
		for !task.Aborted() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Millisecond):
			}
		}
		return nil
	})
	ex := start(t, hook)
	p := submit(t, ex, "t1")

	expect(t, p, protocol.SignalQueued)
	expect(t, p, protocol.SignalReady)
	sendData(t, p, "t1", nil)
	if err := p.Send(protocol.Envelope{ID: "t1", Signal: protocol.SignalCancel}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	ev := expect(t, p, protocol.SignalAborted)
	if ev.Result != nil && ev.Result.Err != nil {
		t.Fatalf("cooperative abort is not a fault: %v", ev.Result.Err)
	}
}

func TestExecutor_CancelBeforeDataEndsImmediately(t *testing.T) {
	hook := newGatedHook()
	ex := start(t, hook)

	p1 := submit(t, ex, "t1")
	expect(t, p1, protocol.SignalQueued)
	expect(t, p1, protocol.SignalReady)
	// never send Data: cancel while the executor is waiting for payload
	if err := p1.Send(protocol.Envelope{ID: "t1", Signal: protocol.SignalCancel}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	expect(t, p1, protocol.SignalAborted)
	if len(hook.ranIDs()) != 0 {
		t.Fatal("hook must not run without payload")
	}

	// the worker is free again
	p2 := submit(t, ex, "t2")
	expect(t, p2, protocol.SignalQueued)
	expect(t, p2, protocol.SignalReady)
	sendData(t, p2, "t2", nil)
	<-hook.started
	hook.release <- struct{}{}
	expect(t, p2, protocol.SignalDone)
}

func TestExecutor_HookFaultTravelsInResult(t *testing.T) {
	boom := errors.New("hook blew up")
	hook := HookFunc(func(context.Context, *protocol.Task) error { return boom })
	ex := start(t, hook)
	p := submit(t, ex, "t1")

	expect(t, p, protocol.SignalQueued)
	expect(t, p, protocol.SignalReady)
	sendData(t, p, "t1", nil)
	ev := expect(t, p, protocol.SignalAborted)
	if ev.Result == nil || !errors.Is(ev.Result.Err, boom) {
		t.Fatalf("fault lost: %+v", ev.Result)
	}
}

func TestExecutor_HookPanicTravelsInResult(t *testing.T) {
	hook := HookFunc(func(context.Context, *protocol.Task) error { panic("kaboom") })
	ex := start(t, hook)
	p := submit(t, ex, "t1")

	expect(t, p, protocol.SignalQueued)
	expect(t, p, protocol.SignalReady)
	sendData(t, p, "t1", nil)
	ev := expect(t, p, protocol.SignalAborted)
	if ev.Result == nil || ev.Result.Err == nil {
		t.Fatal("panic must surface as a fault")
	}
}

func TestExecutor_VoluntaryHookAbortIsNotFault(t *testing.T) {
	hook := HookFunc(func(_ context.Context, task *protocol.Task) error {
		return protocol.Abort("nothing to do")
	})
	ex := start(t, hook)
	p := submit(t, ex, "t1")

	expect(t, p, protocol.SignalQueued)
	expect(t, p, protocol.SignalReady)
	sendData(t, p, "t1", nil)
	ev := expect(t, p, protocol.SignalAborted)
	if ev.Result != nil && ev.Result.Err != nil {
		t.Fatalf("voluntary abort carried a fault: %v", ev.Result.Err)
	}
}

func TestExecutor_TeardownClosesLivePorts(t *testing.T) {
	hook := newGatedHook()
	ex := New(hook)
	ctx, cancel := context.WithCancel(context.Background())
	go ex.Run(ctx)

	p := submit(t, ex, "t1")
	expect(t, p, protocol.SignalQueued)
	expect(t, p, protocol.SignalReady)
	cancel()

	select {
	case <-p.PeerDone():
	case <-time.After(2 * time.Second):
		t.Fatal("teardown left the caller hanging")
	}
}
