package pipeline

import (
	"context"
	"io"
	"sync"

	"offload/internal/protocol"
	"offload/source"
)

// AsDatable runs p over src in the background and exposes the
// transformed stream as a Datable, chunk by chunk. The consumer's pull
// is the demand signal: the run blocks until the previous chunk has
// been taken, so upstream is never read ahead of downstream. Closing
// the returned Datable cancels the run.
func AsDatable(ctx context.Context, p *Pipeline, src source.Datable) source.Datable {
	runCtx, cancel := context.WithCancel(ctx)
	s := &streamSource{
		ch:     make(chan []byte),
		runCtx: runCtx,
		cancel: cancel,
	}
	go func() {
		p.Run(runCtx, src, (*streamSink)(s))
	}()
	return s
}

type streamSource struct {
	ch      chan []byte
	runCtx  context.Context
	cancel  context.CancelFunc
	outcome protocol.Outcome

	closeOnce sync.Once
}

func (s *streamSource) NextPayload(ctx context.Context) ([]byte, error) {
	select {
	case chunk, ok := <-s.ch:
		if !ok {
			return nil, s.eofErr()
		}
		return chunk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// eofErr maps the finished run's outcome onto the Datable contract.
// The channel is closed after the outcome is stored, so the read is
// ordered.
func (s *streamSource) eofErr() error {
	switch s.outcome.State {
	case protocol.OutcomeAborted:
		return protocol.Abort(s.outcome.Reason)
	case protocol.OutcomeErrored:
		return s.outcome.Err
	default:
		return io.EOF
	}
}

func (s *streamSource) Close() error {
	s.closeOnce.Do(s.cancel)
	return nil
}

// streamSink is the producing side of the same struct. A consumer that
// walked away cancels the run context, so a blocked Write always ends.
type streamSink streamSource

func (s *streamSink) Write(chunk []byte) error {
	select {
	case s.ch <- chunk:
		return nil
	case <-s.runCtx.Done():
		return protocol.Abort("stream consumer gone")
	}
}

func (s *streamSink) Finalize(o protocol.Outcome) {
	s.outcome = o
	close(s.ch)
}
