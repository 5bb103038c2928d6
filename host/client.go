// Package host is the host side of the worker protocol: a client that
// correlates responses with requests, a supervisor for the worker process
// and a websocket hub that relays reload events to browsers.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"go-ssr/protocol"
	"go-ssr/transport"
)

// ErrWorkerGone is returned for requests whose worker channel closed before
// a terminal response arrived.
var ErrWorkerGone = errors.New("host: worker channel closed")

const eventBuffer = 64

// RemoteError is an err response from the worker.
type RemoteError struct {
	Message string
	Status  int
}

func (e *RemoteError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("worker: %s (status %d)", e.Message, e.Status)
	}
	return "worker: " + e.Message
}

// StatusCode returns the status hint, or 0.
func (e *RemoteError) StatusCode() int {
	return e.Status
}

// RenderRequest is the host side of a render message.
type RenderRequest struct {
	Config       *protocol.ResolvedConfig
	Input        string
	SearchParams string
	Method       string
	Context      map[string]any
	ContentType  string
	Body         io.ReadCloser

	// OnModuleID, if set, is called with each module id the render reports,
	// in order, before Render returns. It runs on the client's receive loop
	// and must not block.
	OnModuleID func(id string)
}

// RenderResult is a started render.
type RenderResult struct {
	Context map[string]any
	Body    io.ReadCloser
}

// SSRConfigResult is the worker's answer to getSsrConfig.
type SSRConfigResult struct {
	Input        string
	SearchParams string
	Body         io.ReadCloser
}

type call struct {
	resp       chan protocol.Message
	onModuleID func(string)
}

// Client issues requests over a channel and routes the responses back to
// their callers.
type Client struct {
	ch transport.Channel

	mu      sync.Mutex
	pending map[string]*call
	err     error

	events chan protocol.Message
	done   chan struct{}
}

// NewClient starts receiving from ch.
func NewClient(ch transport.Channel) *Client {
	c := &Client{
		ch:      ch,
		pending: make(map[string]*call),
		events:  make(chan protocol.Message, eventBuffer),
		done:    make(chan struct{}),
	}
	go c.loop()
	return c
}

// Events returns the unsolicited messages of the worker. It is closed when
// the channel closes. Events are dropped while the buffer is full.
func (c *Client) Events() <-chan protocol.Message {
	return c.events
}

// Done is closed once the channel has closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the receive loop ended, or nil while it runs.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Close() error {
	return c.ch.Close()
}

func (c *Client) loop() {
	defer close(c.done)
	defer close(c.events)

	for {
		m, err := c.ch.Receive(context.Background())
		if err != nil {
			c.shutdown(err)
			return
		}
		c.dispatch(m)
	}
}

func (c *Client) dispatch(m protocol.Message) {
	if m.Unsolicited() {
		EventsTotal.WithLabelValues(string(m.Type)).Inc()
		select {
		case c.events <- m:
		default:
			log.Printf("[host] event buffer full, dropping %s", m.Type)
			closeStream(m)
		}
		return
	}

	c.mu.Lock()
	cl := c.pending[m.ID]
	if cl != nil && m.Terminal() {
		delete(c.pending, m.ID)
		// resp has room for the one terminal message, so this never blocks.
		cl.resp <- m
	}
	c.mu.Unlock()

	switch {
	case cl == nil:
		log.Printf("[host] dropping %s for unknown request %s", m.Type, m.ID)
		closeStream(m)
	case m.Type == protocol.TypeModuleID:
		if cl.onModuleID != nil {
			cl.onModuleID(m.ModuleID)
		}
	case !m.Terminal():
		log.Printf("[host] dropping unexpected %s for request %s", m.Type, m.ID)
		closeStream(m)
	}
}

func (c *Client) shutdown(err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, transport.ErrClosed) {
		err = ErrWorkerGone
	} else {
		err = fmt.Errorf("%w: %v", ErrWorkerGone, err)
	}

	c.mu.Lock()
	c.err = err
	pending := c.pending
	c.pending = make(map[string]*call)
	c.mu.Unlock()

	for _, cl := range pending {
		close(cl.resp)
	}
}

// roundTrip sends m under a fresh id and waits for its terminal response.
// If ctx ends first, the call is abandoned: the worker still finishes the
// request and its late response is discarded.
func (c *Client) roundTrip(ctx context.Context, m protocol.Message, onModuleID func(string)) (protocol.Message, error) {
	m.ID = uuid.NewString()
	cl := &call{resp: make(chan protocol.Message, 1), onModuleID: onModuleID}

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		closeStream(m)
		RequestsTotal.WithLabelValues(string(m.Type), "gone").Inc()
		return protocol.Message{}, err
	}
	c.pending[m.ID] = cl
	c.mu.Unlock()

	InflightRequests.Inc()
	defer InflightRequests.Dec()
	start := time.Now()

	if err := c.ch.Send(ctx, m); err != nil {
		c.abandon(m.ID, cl)
		RequestsTotal.WithLabelValues(string(m.Type), "gone").Inc()
		return protocol.Message{}, fmt.Errorf("sending %s: %w", m.Type, err)
	}

	select {
	case resp, ok := <-cl.resp:
		if !ok {
			RequestsTotal.WithLabelValues(string(m.Type), "gone").Inc()
			return protocol.Message{}, c.Err()
		}
		RequestDuration.WithLabelValues(string(m.Type)).Observe(time.Since(start).Seconds())
		RequestsTotal.WithLabelValues(string(m.Type), string(resp.Type)).Inc()
		return resp, nil
	case <-ctx.Done():
		c.abandon(m.ID, cl)
		RequestsTotal.WithLabelValues(string(m.Type), "canceled").Inc()
		return protocol.Message{}, ctx.Err()
	}
}

// abandon forgets the call. A response that raced in is drained and its
// stream closed.
func (c *Client) abandon(id string, cl *call) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()

	select {
	case m, ok := <-cl.resp:
		if ok {
			closeStream(m)
		}
	default:
	}
}

// Render asks the worker to render req. An err response is returned as a
// *RemoteError.
func (c *Client) Render(ctx context.Context, req RenderRequest) (*RenderResult, error) {
	resp, err := c.roundTrip(ctx, protocol.Message{
		Type:                protocol.TypeRender,
		Config:              req.Config,
		Input:               req.Input,
		SearchParamsString:  req.SearchParams,
		Method:              req.Method,
		Context:             req.Context,
		ContentType:         req.ContentType,
		HasModuleIDCallback: req.OnModuleID != nil,
		Stream:              req.Body,
	}, req.OnModuleID)
	if err != nil {
		return nil, err
	}

	switch resp.Type {
	case protocol.TypeStart:
		return &RenderResult{Context: resp.Context, Body: resp.Stream}, nil
	case protocol.TypeErr:
		return nil, remoteError(resp)
	default:
		closeStream(resp)
		return nil, fmt.Errorf("host: unexpected %s response to render", resp.Type)
	}
}

// GetSSRConfig asks the worker how to render pathname. A nil result with a
// nil error means the pathname is not server-rendered.
func (c *Client) GetSSRConfig(ctx context.Context, cfg *protocol.ResolvedConfig, pathname, searchParams string) (*SSRConfigResult, error) {
	resp, err := c.roundTrip(ctx, protocol.Message{
		Type:               protocol.TypeGetSSRConfig,
		Config:             cfg,
		Pathname:           pathname,
		SearchParamsString: searchParams,
	}, nil)
	if err != nil {
		return nil, err
	}

	switch resp.Type {
	case protocol.TypeSSRConfig:
		return &SSRConfigResult{Input: resp.Input, SearchParams: resp.SearchParamsString, Body: resp.Stream}, nil
	case protocol.TypeNoSSRConfig:
		closeStream(resp)
		return nil, nil
	case protocol.TypeErr:
		return nil, remoteError(resp)
	default:
		closeStream(resp)
		return nil, fmt.Errorf("host: unexpected %s response to getSsrConfig", resp.Type)
	}
}

func remoteError(m protocol.Message) *RemoteError {
	e := &RemoteError{Status: m.StatusCode}
	if m.Err != nil {
		e.Message = m.Err.Message
		if e.Status == 0 {
			e.Status = m.Err.StatusCode
		}
	}
	return e
}

func closeStream(m protocol.Message) {
	if m.Stream != nil {
		_ = m.Stream.Close()
	}
}
