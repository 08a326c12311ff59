package pipeline

import "offload/internal/protocol"

// Collect buffers every emitted chunk in memory. The zero value is
// ready to use.
type Collect struct {
	Chunks  [][]byte
	Outcome protocol.Outcome
}

func (c *Collect) Write(chunk []byte) error {
	c.Chunks = append(c.Chunks, chunk)
	return nil
}

func (c *Collect) Finalize(o protocol.Outcome) { c.Outcome = o }

// Bytes concatenates all collected chunks.
func (c *Collect) Bytes() []byte {
	n := 0
	for _, ch := range c.Chunks {
		n += len(ch)
	}
	out := make([]byte, 0, n)
	for _, ch := range c.Chunks {
		out = append(out, ch...)
	}
	return out
}
