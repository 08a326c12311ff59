// Package pipeline rechunks a lazy byte sequence and threads it through
// an ordered list of transform stages with unified abort/error/flush
// semantics. It is used both to prepare payloads before handoff to a
// worker and inside worker execution hooks.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"sync"

	"offload/internal/protocol"
	"offload/source"
)

// DefaultChunkSize is used when Options.ChunkSize is zero; the engine
// config may override it per run.
const DefaultChunkSize = 64 * 1024

// Stage is one step of the pipeline.
//
// Transform is the steady-state shape, called once per chunk in
// registration order. Internally retained state (e.g. a partially
// filled cipher block) must survive across Transform calls and be fully
// drained exactly once at Flush.
//
// Flush is called exactly once per run, in reverse registration order,
// on every path. cause is nil on a successful run (success-flush, may
// return drained bytes); on a failed run cause carries the failure and
// the returned error must be cause itself or an escalation of it.
//
// A stage signals a voluntary abort by returning a *protocol.AbortError
// from Transform.
type Stage interface {
	Name() string
	Transform(chunk []byte) ([]byte, error)
	Flush(cause error) ([]byte, error)
}

// Sink is the downstream consumer. Write returning *protocol.AbortError
// is a downstream cancellation; any other error is a fault. Finalize is
// called exactly once with the unified outcome.
type Sink interface {
	Write(chunk []byte) error
	Finalize(o protocol.Outcome)
}

type Options struct {
	ChunkSize int
	// AllowVariable permits stages to change a chunk's byte length.
	// Off by default: most consumers (fixed-size block ciphers) depend
	// on length preservation, so a length change is a fatal error.
	AllowVariable bool
}

// Pipeline owns one run's state: the residual reassembly buffer, the
// running chunk index, and the list of stages still owed a flush.
type Pipeline struct {
	stages        []Stage
	chunkSize     int
	allowVariable bool

	residual    []byte
	chunkIndex  int
	leftToFlush []Stage

	finalizeOnce sync.Once
	outcome      protocol.Outcome
}

func New(opts Options, stages ...Stage) *Pipeline {
	cs := opts.ChunkSize
	if cs <= 0 {
		cs = DefaultChunkSize
	}
	return &Pipeline{
		stages:        stages,
		chunkSize:     cs,
		allowVariable: opts.AllowVariable,
	}
}

// Run pulls src until exhaustion and drives every chunk through the
// stage chain into dst. Errors from a stage, from src, and downstream
// cancellation all converge on one finalize path; neither side is left
// waiting. Run is single-use.
func (p *Pipeline) Run(ctx context.Context, src source.Datable, dst Sink) protocol.Outcome {
	p.leftToFlush = append([]Stage(nil), p.stages...)
	runErr := p.pump(ctx, src, dst)
	runErr = p.flushAll(dst, runErr)
	return p.finalize(src, dst, runErr)
}

// pump is the steady-state loop: pull, rechunk, transform, write.
// Upstream is pulled only after the previous write returned, and the
// residual stays under one chunk between pulls, so a slow consumer
// bounds memory.
func (p *Pipeline) pump(ctx context.Context, src source.Datable, dst Sink) error {
	for {
		if err := ctx.Err(); err != nil {
			return protocol.Abort(err.Error())
		}
		data, err := src.NextPayload(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		p.residual = append(p.residual, data...)
		for len(p.residual) >= p.chunkSize {
			chunk := make([]byte, p.chunkSize)
			copy(chunk, p.residual)
			p.residual = p.residual[p.chunkSize:]
			if err := p.emit(chunk, dst); err != nil {
				return err
			}
		}
	}
	// leftover shorter than one chunk goes through the chain once more
	if len(p.residual) > 0 {
		tail := p.residual
		p.residual = nil
		return p.emit(tail, dst)
	}
	return nil
}

func (p *Pipeline) emit(chunk []byte, dst Sink) error {
	out := chunk
	for _, s := range p.stages {
		in := len(out)
		var err error
		out, err = callTransform(s, out)
		if err != nil {
			return err
		}
		if !p.allowVariable && len(out) != in {
			return fmt.Errorf("pipeline: stage %s changed chunk %d length %d→%d without variable-length mode",
				s.Name(), p.chunkIndex, in, len(out))
		}
	}
	p.chunkIndex++
	// variable-length stages may legitimately hold everything back
	if p.allowVariable && len(out) == 0 {
		return nil
	}
	return dst.Write(out)
}

// flushAll drains every stage exactly once, last-registered first,
// regardless of whether the run succeeded: later stages may own
// resources needing release even after an earlier stage faulted.
func (p *Pipeline) flushAll(dst Sink, runErr error) error {
	for len(p.leftToFlush) > 0 {
		s := p.leftToFlush[len(p.leftToFlush)-1]
		p.leftToFlush = p.leftToFlush[:len(p.leftToFlush)-1]

		out, ferr := callFlush(s, runErr)
		if runErr != nil {
			// failure flush: the stage returns the same failure or an
			// escalated one; its data output is discarded.
			if ferr != nil {
				runErr = ferr
			}
			continue
		}
		if ferr != nil {
			runErr = ferr
			continue
		}
		if len(out) > 0 {
			if werr := dst.Write(out); werr != nil {
				runErr = werr
			}
		}
	}
	return runErr
}

// finalize classifies the run and tells both sides, once: the upstream
// reader is released and the downstream consumer is closed with the
// outcome.
func (p *Pipeline) finalize(src source.Datable, dst Sink, runErr error) protocol.Outcome {
	p.finalizeOnce.Do(func() {
		p.outcome = protocol.Classify(runErr)
		_ = src.Close()
		dst.Finalize(p.outcome)
	})
	return p.outcome
}

// Stage faults stay inside the pipeline boundary: panics become errors
// feeding the unified classification.

func callTransform(s Stage, chunk []byte) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline: stage %s: panic: %v", s.Name(), r)
		}
	}()
	return s.Transform(chunk)
}

func callFlush(s Stage, cause error) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline: stage %s: flush panic: %v", s.Name(), r)
		}
	}()
	return s.Flush(cause)
}
