package executor

import (
	"context"

	"offload/internal/pipeline"
	"offload/internal/protocol"
	"offload/source/bytes"
)

// StageSet builds a fresh stage chain per task. Stages hold per-run
// drain state, so they cannot be shared across tasks.
type StageSet func() ([]pipeline.Stage, error)

// PipelineHook turns a stage chain into an execution hook: the task
// payload is rechunked through the stages and the emitted chunks become
// the task's transferred result buffers. The task's cooperative-cancel
// flag is polled once per chunk; on abort the chunks produced so far
// are kept as the partial result.
func PipelineHook(opts pipeline.Options, stages StageSet) Hook {
	return HookFunc(func(ctx context.Context, t *protocol.Task) error {
		chain, err := stages()
		if err != nil {
			return err
		}
		chain = append([]pipeline.Stage{abortPoll{t: t}}, chain...)

		src := bytes.FromPayloads(t.Payload)
		t.Payload = nil // transferred into the run

		var out pipeline.Collect
		o := pipeline.New(opts, chain...).Run(ctx, src, &out)

		n := 0
		for _, c := range out.Chunks {
			n += len(c)
		}
		t.Transfer = out.Chunks
		t.Result = n
		switch o.State {
		case protocol.OutcomeCompleted:
			return nil
		case protocol.OutcomeAborted:
			return protocol.Abort(o.Reason)
		default:
			return o.Err
		}
	})
}

// abortPoll surfaces the task's aborted flag as a voluntary pipeline
// abort at the next chunk boundary.
type abortPoll struct {
	t *protocol.Task
}

func (abortPoll) Name() string { return "abort-poll" }

func (s abortPoll) Transform(chunk []byte) ([]byte, error) {
	if s.t.Aborted() {
		return nil, protocol.Abort("task cancelled")
	}
	return chunk, nil
}

func (abortPoll) Flush(cause error) ([]byte, error) { return nil, cause }
