package transport

import (
	"context"
	"sync"

	"go-ssr/protocol"
)

const pipeBuffer = 64

type pipeEnd struct {
	in  <-chan protocol.Message
	out chan<- protocol.Message

	done      chan struct{}
	closeOnce *sync.Once
}

// NewPipe returns two connected in-process channel ends. Messages sent on
// one are received on the other in order. Streams are not copied: the
// receiver gets the very reader the sender attached. Closing either end
// closes both.
func NewPipe() (Channel, Channel) {
	ab := make(chan protocol.Message, pipeBuffer)
	ba := make(chan protocol.Message, pipeBuffer)
	done := make(chan struct{})
	once := &sync.Once{}

	a := &pipeEnd{in: ba, out: ab, done: done, closeOnce: once}
	b := &pipeEnd{in: ab, out: ba, done: done, closeOnce: once}
	return a, b
}

func (p *pipeEnd) Send(ctx context.Context, m protocol.Message) error {
	select {
	case <-p.done:
		closeStream(m)
		return ErrClosed
	default:
	}

	select {
	case p.out <- m:
		return nil
	case <-p.done:
		closeStream(m)
		return ErrClosed
	case <-ctx.Done():
		closeStream(m)
		return ctx.Err()
	}
}

func (p *pipeEnd) Receive(ctx context.Context) (protocol.Message, error) {
	select {
	case m := <-p.in:
		return m, nil
	case <-p.done:
		// Deliver what was already queued before the close.
		select {
		case m := <-p.in:
			return m, nil
		default:
			return protocol.Message{}, ErrClosed
		}
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

func closeStream(m protocol.Message) {
	if m.Stream != nil {
		_ = m.Stream.Close()
	}
}
