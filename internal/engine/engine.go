package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"offload/internal/logging"
	"offload/internal/orchestrator"
	"offload/internal/pool"
	"offload/internal/protocol"
	"offload/source"
)

// Engine owns the pool, one orchestrator per program, and the optional
// ingest source.
type Engine struct {
	mgr    *pool.Manager
	orcs   map[string]*orchestrator.Orchestrator
	src    source.Driver
	ingest string

	printResult bool
	resultMax   int
}

// Orchestrator exposes the orchestrator for a declared program, for
// embedding callers that dispatch their own tasks.
func (e *Engine) Orchestrator(key string) (*orchestrator.Orchestrator, bool) {
	o, ok := e.orcs[key]
	return o, ok
}

// Run drains the ingest source: every payload becomes one task on the
// ingest program. Without a source it idles until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	if e.src == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	orc := e.orcs[e.ingest]

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		payload, err := e.src.NextPayload(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ae, ok := protocol.AsAbort(err); ok {
				logging.L().Info("engine: source aborted", "reason", ae.Reason)
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func(p []byte) {
			defer wg.Done()
			res, err := orc.Execute(ctx, orchestrator.Request{Op: e.ingest, Payload: p})
			if err != nil {
				logging.L().Error("engine: execute", "op", e.ingest, "err", err)
				return
			}
			kv := []any{"op", e.ingest, "state", res.State.String(), "buffers", len(res.Transfer)}
			if e.printResult {
				kv = append(kv, "result", preview(res.Transfer, e.resultMax))
			}
			logging.L().Info("engine: task finished", kv...)
		}(payload)
	}
}

// preview renders the leading result bytes for debug logging.
func preview(bufs [][]byte, max int) string {
	if max <= 0 {
		max = 64
	}
	var b []byte
	for _, c := range bufs {
		b = append(b, c...)
		if len(b) >= max {
			b = b[:max]
			break
		}
	}
	return fmt.Sprintf("%q", b)
}

// Close tears down orchestrators, the pool, and the source. Idempotent.
func (e *Engine) Close() {
	for _, o := range e.orcs {
		o.Close()
	}
	e.mgr.Close()
	if e.src != nil {
		_ = e.src.Close()
	}
}
