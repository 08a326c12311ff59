// Package pool owns worker lifecycle: it registers worker programs
// under a key with a concurrency limit, lends out handles, and reuses
// or destroys workers as each borrower decides.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"offload/internal/executor"
	"offload/internal/logging"
	"offload/internal/protocol"
	"offload/internal/telemetry"
)

// Unlimited disables the per-key concurrency bound. Required for
// single-use and dedicated borrowers, whose handles never return to the
// shared pool.
const Unlimited = -1

var (
	ErrNotRegistered = errors.New("pool: program not registered")
	ErrClosed        = errors.New("pool: closed")
)

// Program builds the execution hook for a fresh worker.
type Program func() (executor.Hook, error)

// Handle is an opaque reference to one running worker, owned by at most
// one borrower at a time.
type Handle struct {
	key    string
	exec   *executor.Executor
	cancel context.CancelFunc
}

// Submit transfers a task descriptor to the worker.
func (h *Handle) Submit(ctx context.Context, t *protocol.Task) error {
	select {
	case h.exec.Submit() <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) Key() string { return h.key }

type entry struct {
	program Program
	limit   int
	sem     chan struct{} // nil when unlimited
	idle    []*Handle
}

type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

func NewManager() *Manager {
	return &Manager{entries: make(map[string]*entry)}
}

// Register installs a worker program under key. limit bounds how many
// handles may be borrowed concurrently; Unlimited removes the bound.
func (m *Manager) Register(key string, program Program, limit int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.entries[key]; ok {
		return fmt.Errorf("pool: program %q already registered", key)
	}
	e := &entry{program: program, limit: limit}
	if limit != Unlimited {
		if limit < 1 {
			return fmt.Errorf("pool: program %q: limit must be positive or Unlimited", key)
		}
		e.sem = make(chan struct{}, limit)
	}
	m.entries[key] = e
	return nil
}

func (m *Manager) IsRegistered(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key]
	return ok
}

// Limit returns the registered concurrency limit for key.
func (m *Manager) Limit(key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return 0, ErrNotRegistered
	}
	return e.limit, nil
}

// Borrow lends a handle to owner, blocking while the key is at its
// concurrency limit. An idle worker is reused when one exists;
// otherwise a fresh worker is started.
func (m *Manager) Borrow(ctx context.Context, owner, key string) (*Handle, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	e, ok := m.entries[key]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, key)
	}

	if e.sem != nil {
		done := telemetry.BorrowWaitTimer(key)
		select {
		case e.sem <- struct{}{}:
			done()
		case <-ctx.Done():
			done()
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	if n := len(e.idle); n > 0 {
		h := e.idle[0]
		e.idle = e.idle[:copy(e.idle, e.idle[1:])]
		m.mu.Unlock()
		return h, nil
	}
	m.mu.Unlock()

	h, err := m.spawn(e, key)
	if err != nil {
		if e.sem != nil {
			<-e.sem
		}
		return nil, err
	}
	logging.L().Debug("pool: worker started", "key", key, "owner", owner)
	return h, nil
}

func (m *Manager) spawn(e *entry, key string) (*Handle, error) {
	hook, err := e.program()
	if err != nil {
		return nil, fmt.Errorf("pool: program %q: %w", key, err)
	}
	ex := executor.New(hook)
	wctx, cancel := context.WithCancel(context.Background())
	go ex.Run(wctx)
	telemetry.WorkersLive.Inc()
	return &Handle{key: key, exec: ex, cancel: cancel}, nil
}

// Return gives the handle back for reuse by other borrowers of the
// same key.
func (m *Manager) Return(key string, h *Handle) {
	m.mu.Lock()
	e, ok := m.entries[key]
	closed := m.closed
	if ok && !closed {
		e.idle = append(e.idle, h)
	}
	m.mu.Unlock()
	if !ok || closed {
		m.stop(h)
		return
	}
	if e.sem != nil {
		<-e.sem
	}
}

// Destroy surrenders the handle: the worker is stopped instead of
// returning to the pool. Used when the program leaks resources or
// cannot be reset safely.
func (m *Manager) Destroy(key string, h *Handle) {
	m.stop(h)
	m.mu.Lock()
	e, ok := m.entries[key]
	m.mu.Unlock()
	if ok && e.sem != nil {
		<-e.sem
	}
}

func (m *Manager) stop(h *Handle) {
	h.cancel()
	telemetry.WorkersLive.Dec()
	logging.L().Debug("pool: worker stopped", "key", h.key)
}

// Close stops all idle workers and fails further borrows. Handles still
// on loan are stopped when returned or destroyed.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	var idle []*Handle
	for _, e := range m.entries {
		idle = append(idle, e.idle...)
		e.idle = nil
	}
	m.mu.Unlock()
	for _, h := range idle {
		m.stop(h)
	}
}
