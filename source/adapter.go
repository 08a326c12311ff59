// Package source defines the lazy data source ("Datable") consumed by
// the orchestrator for payload handoff and by the transform pipeline as
// its upstream, plus the driver registry.
package source

import (
	"context"
	"fmt"
)

// Datable is a lazy payload producer.
//
// NextPayload returns the next payload, which may be empty. End of the
// sequence is reported as io.EOF. A *protocol.AbortError means the
// producer itself chose to abort; any other error is a fault. The
// orchestrator treats both io.EOF and an abort as "no payload" and
// cancels the task; the pipeline flushes on io.EOF.
type Datable interface {
	NextPayload(ctx context.Context) ([]byte, error)
	Close() error
}

// Driver is the common behaviour every source driver exposes.
type Driver interface {
	Configure(any) error // driver-specific config block ⇒ struct
	Datable
}

/*──────── registry ───────*/

type factory = func() Driver

var reg = map[string]factory{}

func Register(name string, f factory) { reg[name] = f }

func New(name string) (Driver, error) {
	if f, ok := reg[name]; ok {
		return f(), nil
	}
	return nil, fmt.Errorf("unknown source %q", name)
}
