// Package orchestrator drives the caller side of the task protocol:
// one instance per logical operation family. It borrows worker handles
// from the pool, runs the per-task state machine, applies
// timeout-driven cancellation escalation, and decides whether a worker
// is reused or destroyed afterwards.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"offload/internal/logging"
	"offload/internal/pool"
	"offload/internal/protocol"
	"offload/internal/telemetry"
	"offload/source"
)

var ErrClosed = errors.New("orchestrator: closed")

type Config struct {
	Key    string
	Policy Policy

	Timeout time.Duration // per-task deadline; 0 disables
	Grace   time.Duration // cooperative shutdown budget after Cancel
	Tick    time.Duration // shared timer interval

	PortBuffer int
}

// Request describes one execution. When Source is set, exactly one
// payload is pulled from it at Ready; a source that yields nothing is a
// voluntary-abort request. Otherwise Payload is sent as-is (possibly
// empty).
type Request struct {
	Op      string
	Args    map[string]any
	Payload []byte
	Source  source.Datable
}

// Result is the terminal record of one task.
type Result struct {
	State       State
	Outcome     protocol.Outcome
	Value       any
	Transfer    [][]byte
	Transitions []Transition
}

type flight struct {
	id string
	op string

	state       State
	outcome     protocol.Outcome
	transitions []Transition

	port   *protocol.Port
	handle *pool.Handle

	runCtx    context.Context
	cancelRun context.CancelFunc

	deadline     time.Time
	graceUntil   time.Time
	cancelSent   bool
	cancelReason string
	timedOut     bool
	pendingFault error
	fatal        error

	res *protocol.Result

	forceReason string
	forceOnce   sync.Once
	forced      chan struct{}
	wedged      bool // resolved by force: the worker never sent a terminal

	cleanupOnce sync.Once
}

type Orchestrator struct {
	cfg   Config
	mgr   *pool.Manager
	owner string

	mu       sync.Mutex
	flights  map[string]*flight
	ticker   *time.Ticker
	tickQuit chan struct{}

	dedicated *pool.Handle
	dedBusy   bool
	dedWait   []chan struct{}

	closed bool
	fatal  error
}

// New validates the policy against the key's registration. No handle is
// borrowed here: orchestrators are often constructed eagerly and used
// later, so the first Execute borrows lazily.
func New(cfg Config, mgr *pool.Manager) (*Orchestrator, error) {
	if cfg.Key == "" {
		return nil, errors.New("orchestrator: key required")
	}
	if !mgr.IsRegistered(cfg.Key) {
		return nil, fmt.Errorf("orchestrator: program %q not registered", cfg.Key)
	}
	if cfg.Policy == 0 {
		cfg.Policy = PolicyPooled
	}
	limit, err := mgr.Limit(cfg.Key)
	if err != nil {
		return nil, err
	}
	if (cfg.Policy == PolicySingleUse || cfg.Policy == PolicyDedicated) && limit != pool.Unlimited {
		return nil, fmt.Errorf("orchestrator: %s policy requires %q registered with pool.Unlimited", cfg.Policy, cfg.Key)
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 500 * time.Millisecond
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 10 * time.Millisecond
	}
	if cfg.PortBuffer <= 0 {
		cfg.PortBuffer = 4
	}
	return &Orchestrator{
		cfg:     cfg,
		mgr:     mgr,
		owner:   uuid.NewString(),
		flights: make(map[string]*flight),
	}, nil
}

// Execute runs one task to its terminal state. The returned error is
// reserved for orchestrator-level failures (closed instance, protocol
// violation); aborts, timeouts, and hook faults are reported in the
// Result.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (Result, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return Result{}, ErrClosed
	}
	if o.fatal != nil {
		err := o.fatal
		o.mu.Unlock()
		return Result{}, err
	}
	o.mu.Unlock()

	if o.cfg.Policy == PolicyDedicated {
		if err := o.acquireTurn(ctx); err != nil {
			return Result{}, err
		}
	}

	h, err := o.acquireHandle(ctx)
	if err != nil {
		if o.cfg.Policy == PolicyDedicated {
			o.releaseTurn()
		}
		return Result{}, err
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	caller, worker := protocol.NewPipe(o.cfg.PortBuffer)
	f := &flight{
		id:        uuid.NewString(),
		op:        req.Op,
		state:     StateInitialized,
		port:      caller,
		handle:    h,
		runCtx:    runCtx,
		cancelRun: cancelRun,
		forced:    make(chan struct{}),
	}
	o.registerFlight(f)
	telemetry.TasksInFlight.Inc()
	defer telemetry.TasksInFlight.Dec()

	task := &protocol.Task{ID: f.id, Op: req.Op, Args: req.Args, Port: worker}
	if err := h.Submit(runCtx, task); err != nil {
		o.resolve(f, StateError, protocol.Errored(err), nil)
		o.cleanup(f)
		return o.finish(f)
	}
	return o.await(ctx, f, req)
}

// await is the per-task event loop. All paths end in exactly one
// terminal state followed by the idempotent cleanup.
func (o *Orchestrator) await(ctx context.Context, f *flight, req Request) (Result, error) {
	ctxDone := ctx.Done()
	for {
		select {
		case ev := <-f.port.Recv():
			o.handleEvent(f, req, ev)
		case <-f.port.PeerDone():
			o.drain(f, req)
			if !o.terminal(f) {
				o.resolve(f, StateAborted, protocol.AbortedWith("worker closed channel"), nil)
			}
		case <-f.forced:
			o.mu.Lock()
			st := StateAborted
			if f.timedOut {
				st = StateTimeout
			}
			reason := f.forceReason
			f.wedged = true
			o.mu.Unlock()
			o.resolve(f, st, protocol.AbortedWith(reason), nil)
		case <-ctxDone:
			ctxDone = nil
			o.requestCancel(f, "caller cancelled", false)
		}
		if o.terminal(f) {
			o.cleanup(f)
			return o.finish(f)
		}
	}
}

// drain empties envelopes the worker buffered before closing its side,
// so a terminal signal is never lost to the close race.
func (o *Orchestrator) drain(f *flight, req Request) {
	for {
		select {
		case ev := <-f.port.Recv():
			o.handleEvent(f, req, ev)
			if o.terminal(f) {
				return
			}
		default:
			return
		}
	}
}

func (o *Orchestrator) handleEvent(f *flight, req Request, ev protocol.Envelope) {
	if ev.ID != f.id {
		o.poison(f, fmt.Errorf("orchestrator: envelope for unknown task %q (want %q)", ev.ID, f.id))
		return
	}
	o.mu.Lock()
	state := f.state
	o.mu.Unlock()
	if state.Terminal() {
		return
	}

	switch ev.Signal {
	case protocol.SignalQueued:
		if state != StateInitialized {
			o.poison(f, fmt.Errorf("orchestrator: queued signal in state %s", state))
			return
		}
		o.transition(f, StateQueued, "")
	case protocol.SignalReady:
		if state != StateQueued {
			o.poison(f, fmt.Errorf("orchestrator: ready signal in state %s", state))
			return
		}
		o.transition(f, StateProcessing, "")
		// pulled off the event loop: a slow source must not stop the
		// loop from observing Cancel escalation or the worker's reply
		go o.deliverPayload(f, req)
	case protocol.SignalDone:
		if state != StateProcessing {
			o.poison(f, fmt.Errorf("orchestrator: done signal in state %s", state))
			return
		}
		o.resolve(f, StateDone, protocol.Completed(), ev.Result)
	case protocol.SignalAborted:
		o.mu.Lock()
		fault := f.pendingFault
		timedOut := f.timedOut
		reason := f.cancelReason
		o.mu.Unlock()
		switch {
		case ev.Result != nil && ev.Result.Err != nil:
			o.resolve(f, StateError, protocol.Errored(ev.Result.Err), ev.Result)
		case fault != nil:
			o.resolve(f, StateError, protocol.Errored(fault), ev.Result)
		case timedOut:
			o.resolve(f, StateTimeout, protocol.AbortedWith("timeout"), ev.Result)
		default:
			if reason == "" {
				reason = "cancelled"
			}
			o.resolve(f, StateAborted, protocol.AbortedWith(reason), ev.Result)
		}
	default:
		o.poison(f, fmt.Errorf("orchestrator: unexpected signal %s", ev.Signal))
	}
}

// deliverPayload answers Ready: pull exactly one payload from the lazy
// source if one was supplied, otherwise send the request payload as-is.
// A source yielding nothing is a voluntary-abort request.
func (o *Orchestrator) deliverPayload(f *flight, req Request) {
	if req.Source == nil {
		_ = f.port.Send(protocol.Envelope{ID: f.id, Signal: protocol.SignalData, Payload: req.Payload})
		return
	}
	data, err := req.Source.NextPayload(f.runCtx)
	switch {
	case err == nil:
		telemetry.BytesProcessed.Add(float64(len(data)))
		_ = f.port.Send(protocol.Envelope{ID: f.id, Signal: protocol.SignalData, Payload: data})
	case errors.Is(err, io.EOF):
		o.requestCancel(f, "source yielded no payload", false)
	default:
		if ae, ok := protocol.AsAbort(err); ok {
			o.requestCancel(f, ae.Reason, false)
			return
		}
		o.mu.Lock()
		f.pendingFault = err
		o.mu.Unlock()
		o.requestCancel(f, "source fault", false)
	}
}

// requestCancel sends Cancel once and opens the grace window. Cancel
// for a task already terminal is a no-op.
func (o *Orchestrator) requestCancel(f *flight, reason string, timedOut bool) {
	o.mu.Lock()
	if f.state.Terminal() || f.cancelSent {
		o.mu.Unlock()
		return
	}
	f.cancelSent = true
	f.cancelReason = reason
	f.timedOut = f.timedOut || timedOut
	f.graceUntil = time.Now().Add(o.cfg.Grace)
	o.mu.Unlock()
	_ = f.port.Send(protocol.Envelope{ID: f.id, Signal: protocol.SignalCancel})
}

/*──────── timer ───────*/

func (o *Orchestrator) registerFlight(f *flight) {
	o.mu.Lock()
	o.flights[f.id] = f
	if o.cfg.Timeout > 0 {
		f.deadline = time.Now().Add(o.cfg.Timeout)
	}
	// one shared timer per orchestrator, started with the first
	// in-flight task
	if o.ticker == nil {
		o.ticker = time.NewTicker(o.cfg.Tick)
		o.tickQuit = make(chan struct{})
		go o.timerLoop(o.ticker, o.tickQuit)
	}
	o.mu.Unlock()
}

// timerLoop inspects every in-flight task on each tick: an elapsed
// deadline escalates to Cancel plus a grace extension; an elapsed grace
// window forces cleanup so the caller never hangs.
func (o *Orchestrator) timerLoop(tk *time.Ticker, quit chan struct{}) {
	for {
		select {
		case <-quit:
			return
		case now := <-tk.C:
			var toCancel []*flight
			o.mu.Lock()
			for _, f := range o.flights {
				if f.state.Terminal() {
					continue
				}
				if !f.cancelSent {
					if !f.deadline.IsZero() && now.After(f.deadline) {
						toCancel = append(toCancel, f)
					}
				} else if now.After(f.graceUntil) {
					f.force("grace period elapsed")
				}
			}
			o.mu.Unlock()
			for _, f := range toCancel {
				o.requestCancel(f, "timeout", true)
			}
		}
	}
}

func (f *flight) force(reason string) {
	f.forceOnce.Do(func() {
		f.forceReason = reason
		// unblock a payload pull stuck in the source
		f.cancelRun()
		close(f.forced)
	})
}

/*──────── terminal bookkeeping ───────*/

func (o *Orchestrator) transition(f *flight, to State, reason string) {
	o.mu.Lock()
	f.transitions = append(f.transitions, Transition{From: f.state, To: to, At: time.Now(), Reason: reason})
	f.state = to
	o.mu.Unlock()
}

// resolve records the single terminal state; terminal states are
// absorbing, so a second resolution is ignored.
func (o *Orchestrator) resolve(f *flight, st State, out protocol.Outcome, res *protocol.Result) {
	o.mu.Lock()
	if f.state.Terminal() {
		o.mu.Unlock()
		return
	}
	f.transitions = append(f.transitions, Transition{From: f.state, To: st, At: time.Now(), Reason: out.Reason})
	f.state = st
	f.outcome = out
	f.res = res
	o.mu.Unlock()
	telemetry.TasksTotal.WithLabelValues(f.op, st.String()).Inc()
}

// poison marks a protocol invariant violation: fatal to this
// orchestrator instance and surfaced to the caller.
func (o *Orchestrator) poison(f *flight, err error) {
	logging.L().Error("orchestrator: protocol violation", "op", f.op, "id", f.id, "err", err)
	o.mu.Lock()
	if o.fatal == nil {
		o.fatal = err
	}
	o.mu.Unlock()
	o.resolve(f, StateError, protocol.Errored(err), nil)
	o.mu.Lock()
	f.fatal = err
	o.mu.Unlock()
}

func (o *Orchestrator) terminal(f *flight) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return f.state.Terminal()
}

// cleanup is idempotent: both normal completion and forced timeout
// cleanup may race into it.
func (o *Orchestrator) cleanup(f *flight) {
	f.cleanupOnce.Do(func() {
		f.cancelRun()
		f.port.Close()

		o.mu.Lock()
		wedged := f.wedged
		delete(o.flights, f.id)
		if len(o.flights) == 0 && o.ticker != nil {
			o.ticker.Stop()
			close(o.tickQuit)
			o.ticker, o.tickQuit = nil, nil
		}
		o.mu.Unlock()

		if wedged {
			// the worker ignored Cancel through the whole grace window;
			// it must never be lent out again
			owned := true
			o.mu.Lock()
			if o.cfg.Policy == PolicyDedicated {
				// Close may already have detached and destroyed it
				owned = o.dedicated == f.handle
				if owned {
					o.dedicated = nil
				}
			}
			o.mu.Unlock()
			if owned {
				o.mgr.Destroy(o.cfg.Key, f.handle)
			}
			if o.cfg.Policy == PolicyDedicated {
				o.releaseTurn()
			}
			return
		}

		switch o.cfg.Policy {
		case PolicyPooled:
			o.mgr.Return(o.cfg.Key, f.handle)
		case PolicySingleUse:
			o.mgr.Destroy(o.cfg.Key, f.handle)
		case PolicyDedicated:
			// handle retained; hand the worker to the next queued task
			o.releaseTurn()
		}
	})
}

func (o *Orchestrator) finish(f *flight) (Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r := Result{
		State:       f.state,
		Outcome:     f.outcome,
		Transitions: f.transitions,
	}
	if f.res != nil {
		r.Value = f.res.Value
		r.Transfer = f.res.Transfer
	}
	return r, f.fatal
}

/*──────── handle + dedicated FIFO ───────*/

func (o *Orchestrator) acquireHandle(ctx context.Context) (*pool.Handle, error) {
	if o.cfg.Policy == PolicyDedicated {
		o.mu.Lock()
		h := o.dedicated
		o.mu.Unlock()
		if h != nil {
			return h, nil
		}
		h, err := o.mgr.Borrow(ctx, o.owner, o.cfg.Key)
		if err != nil {
			return nil, err
		}
		o.mu.Lock()
		o.dedicated = h
		o.mu.Unlock()
		return h, nil
	}
	return o.mgr.Borrow(ctx, o.owner, o.cfg.Key)
}

func (o *Orchestrator) acquireTurn(ctx context.Context) error {
	o.mu.Lock()
	if !o.dedBusy {
		o.dedBusy = true
		o.mu.Unlock()
		return nil
	}
	turn := make(chan struct{})
	o.dedWait = append(o.dedWait, turn)
	o.mu.Unlock()
	select {
	case <-turn:
		return nil
	case <-ctx.Done():
		o.mu.Lock()
		for i, w := range o.dedWait {
			if w == turn {
				o.dedWait = append(o.dedWait[:i], o.dedWait[i+1:]...)
				break
			}
		}
		o.mu.Unlock()
		// the turn may have been granted concurrently; pass it on
		select {
		case <-turn:
			o.releaseTurn()
		default:
		}
		return ctx.Err()
	}
}

func (o *Orchestrator) releaseTurn() {
	o.mu.Lock()
	if len(o.dedWait) > 0 {
		turn := o.dedWait[0]
		o.dedWait = o.dedWait[1:]
		o.mu.Unlock()
		close(turn)
		return
	}
	o.dedBusy = false
	o.mu.Unlock()
}

// Close tears the orchestrator down: in-flight tasks resolve with a
// synthetic Aborted, the dedicated handle (if any) is destroyed, and
// further Executes fail.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	inflight := make([]*flight, 0, len(o.flights))
	for _, f := range o.flights {
		inflight = append(inflight, f)
	}
	ded := o.dedicated
	o.dedicated = nil
	o.mu.Unlock()

	for _, f := range inflight {
		f.force("orchestrator teardown")
	}
	if ded != nil {
		o.mgr.Destroy(o.cfg.Key, ded)
	}
}
