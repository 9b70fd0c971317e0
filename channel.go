package scheduler

import (
	"sync"
)

// MessageChannel is an entangled pair of [MessagePort] instances bound to a
// [Loop]. A value posted on one port is delivered to the other port's
// message handler as a fresh macrotask, mirroring the web platform's
// MessageChannel.
type MessageChannel struct {
	// Port1 is one end of the channel.
	Port1 *MessagePort
	// Port2 is the other end.
	Port2 *MessagePort
}

// NewMessageChannel creates a port pair whose deliveries run on loop.
func NewMessageChannel(loop *Loop) *MessageChannel {
	p1 := &MessagePort{loop: loop}
	p2 := &MessagePort{loop: loop}
	p1.peer = p2
	p2.peer = p1
	return &MessageChannel{Port1: p1, Port2: p2}
}

// MessagePort is one end of a [MessageChannel].
//
// PostMessage is safe from any goroutine; the peer's message handler always
// runs on the loop goroutine, in posting order. A port with no handler, or a
// closed port, silently drops deliveries; that drop is the cancellation
// mechanism for in-flight messages.
type MessagePort struct {
	loop      *Loop
	peer      *MessagePort
	onMessage func(data any)
	mu        sync.Mutex
	closed    bool
}

// SetOnMessage installs the handler invoked for each value posted on the
// peer port. A nil handler causes subsequent deliveries to be dropped.
func (p *MessagePort) SetOnMessage(fn func(data any)) {
	p.mu.Lock()
	p.onMessage = fn
	p.mu.Unlock()
}

// PostMessage posts data to the peer port. Delivery happens in a separate
// task on the loop goroutine; an error is returned only if this port is
// closed or the loop has terminated.
func (p *MessagePort) PostMessage(data any) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrPortClosed
	}

	peer := p.peer
	return p.loop.Submit(func() {
		peer.deliver(data)
	})
}

// deliver hands data to the port's handler, on the loop goroutine.
func (p *MessagePort) deliver(data any) {
	p.mu.Lock()
	fn := p.onMessage
	closed := p.closed
	p.mu.Unlock()

	if closed || fn == nil {
		return
	}
	fn(data)
}

// Close disentangles the port: in-flight and future deliveries to it are
// dropped, and posting from it returns [ErrPortClosed]. Close is idempotent.
func (p *MessagePort) Close() {
	p.mu.Lock()
	p.closed = true
	p.onMessage = nil
	p.mu.Unlock()
}
