package protocol

import (
	"errors"
	"sync"
)

// ErrPortClosed is returned by Send once either side has closed.
var ErrPortClosed = errors.New("protocol: port closed")

// Port is one endpoint of a bidirectional message pipe. Each side holds
// exactly one Port; a task channel is done once both sides have closed.
type Port struct {
	out  chan Envelope
	in   chan Envelope
	done chan struct{}
	peer chan struct{}
	once sync.Once
}

// NewPipe returns the two endpoints of a fresh pipe. buf bounds the
// number of in-flight envelopes per direction.
func NewPipe(buf int) (*Port, *Port) {
	ab := make(chan Envelope, buf)
	ba := make(chan Envelope, buf)
	aDone := make(chan struct{})
	bDone := make(chan struct{})
	a := &Port{out: ab, in: ba, done: aDone, peer: bDone}
	b := &Port{out: ba, in: ab, done: bDone, peer: aDone}
	return a, b
}

// Send delivers env to the peer. It fails with ErrPortClosed once either
// side has closed, so a late sender never blocks on a dead channel.
func (p *Port) Send(env Envelope) error {
	select {
	case <-p.done:
		return ErrPortClosed
	case <-p.peer:
		return ErrPortClosed
	default:
	}
	select {
	case p.out <- env:
		return nil
	case <-p.done:
		return ErrPortClosed
	case <-p.peer:
		return ErrPortClosed
	}
}

// Recv exposes the inbound direction. Receivers should select against
// Done and PeerDone as well.
func (p *Port) Recv() <-chan Envelope { return p.in }

// Done is closed when this side closes.
func (p *Port) Done() <-chan struct{} { return p.done }

// PeerDone is closed when the other side closes.
func (p *Port) PeerDone() <-chan struct{} { return p.peer }

// Close releases this endpoint. Safe to call more than once.
func (p *Port) Close() {
	p.once.Do(func() { close(p.done) })
}

// Closed reports whether this side has closed its endpoint.
func (p *Port) Closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
