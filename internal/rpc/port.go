package rpc

import (
	"errors"
	"sync"
)

// ErrPortClosed is returned when sending on a closed port.
var ErrPortClosed = errors.New("rpc: port closed")

// Port is one end of an in-process duplex message channel, the local
// equivalent of a worker message port. Values sent through a port are
// ownership-transferred: the sender must not touch them again.
type Port struct {
	out chan<- any
	in  <-chan any

	closeOnce sync.Once
	done      chan struct{}
	peerDone  chan struct{}
}

// NewPortPair creates two connected ports. buffer sizes each direction's
// queue; sends block once the peer falls that far behind.
func NewPortPair(buffer int) (*Port, *Port) {
	ab := make(chan any, buffer)
	ba := make(chan any, buffer)
	aDone := make(chan struct{})
	bDone := make(chan struct{})

	a := &Port{out: ab, in: ba, done: aDone, peerDone: bDone}
	b := &Port{out: ba, in: ab, done: bDone, peerDone: aDone}
	return a, b
}

// Send transfers v to the peer. It fails once either end is closed.
func (p *Port) Send(v any) error {
	select {
	case <-p.done:
		return ErrPortClosed
	case <-p.peerDone:
		return ErrPortClosed
	case p.out <- v:
		return nil
	}
}

// Receive returns the next transferred value. ok is false once the port is
// closed and drained of nothing further.
func (p *Port) Receive() (v any, ok bool) {
	select {
	case <-p.done:
		return nil, false
	case <-p.peerDone:
		return nil, false
	case v = <-p.in:
		return v, true
	}
}

// Close shuts down this end. Both ends observe the closure.
func (p *Port) Close() {
	p.closeOnce.Do(func() { close(p.done) })
}

// Done is closed when this end has been closed.
func (p *Port) Done() <-chan struct{} { return p.done }
