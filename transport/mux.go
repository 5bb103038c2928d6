package transport

import (
	"context"
	"errors"
	"io"
	"sync"

	"go-ssr/protocol"
)

// HandlerFunc handles one inbound message. It owns the message's stream.
type HandlerFunc func(ctx context.Context, m protocol.Message)

// Mux dispatches inbound messages to handlers by type.
type Mux struct {
	mu       sync.RWMutex
	handlers map[protocol.Type]HandlerFunc

	// OnUnknown, if set, observes messages whose type has no handler. Such
	// messages are otherwise dropped.
	OnUnknown func(m protocol.Message)
}

func NewMux() *Mux {
	return &Mux{handlers: make(map[protocol.Type]HandlerFunc)}
}

// Handle registers h for messages of type t, replacing any previous handler.
func (x *Mux) Handle(t protocol.Type, h HandlerFunc) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.handlers[t] = h
}

func (x *Mux) handler(t protocol.Type) (HandlerFunc, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	h, ok := x.handlers[t]
	return h, ok
}

// Serve receives from ch until it closes or ctx ends, running every handler
// on its own goroutine. Handlers are not cancelled when ctx ends: a
// dispatched request always runs to completion, and Serve waits for all of
// them before returning. A peer hang-up returns nil.
func (x *Mux) Serve(ctx context.Context, ch Channel) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	hctx := context.WithoutCancel(ctx)

	for {
		m, err := ch.Receive(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		h, ok := x.handler(m.Type)
		if !ok {
			if m.Stream != nil {
				_ = m.Stream.Close()
			}
			if x.OnUnknown != nil {
				x.OnUnknown(m)
			}
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			h(hctx, m)
		}()
	}
}
