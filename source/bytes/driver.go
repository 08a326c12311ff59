// Package bytes provides an in-memory source driver: a fixed list of
// payloads handed out one per call. Used by tests, the demo binary, and
// anywhere a payload is already resident.
package bytes

import (
	"context"
	"fmt"
	"io"
	"sync"

	"offload/source"
)

type Config struct {
	Payloads [][]byte
}

type driver struct {
	mu   sync.Mutex
	next int
	cfg  Config
}

// FromPayloads wraps ready buffers as a Datable without the registry.
func FromPayloads(payloads ...[]byte) source.Driver {
	d := &driver{}
	d.cfg.Payloads = payloads
	return d
}

func (d *driver) Configure(raw any) error {
	c, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("bytes-source: expected Config, got %T", raw)
	}
	d.cfg = c
	return nil
}

func (d *driver) NextPayload(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.next >= len(d.cfg.Payloads) {
		return nil, io.EOF
	}
	p := d.cfg.Payloads[d.next]
	d.cfg.Payloads[d.next] = nil // transferred
	d.next++
	return p, nil
}

func (d *driver) Close() error { return nil }

func init() {
	source.Register("bytes", func() source.Driver { return &driver{} })
}
