package transport

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"

	"go-ssr/protocol"
)

const (
	chunkSize   = 32 * 1024
	inboxBuffer = 64
)

// Framed is a Channel over a byte stream pair, typically a worker process's
// stdin and stdout. Message frames are written whole under a lock, so they
// are never interleaved; stream chunks for different messages may interleave
// freely between them.
type Framed struct {
	r io.Reader
	w io.WriteCloser

	wmu        sync.Mutex
	nextStream atomic.Uint64
	pumps      sync.WaitGroup

	inbox chan protocol.Message

	smu     sync.Mutex
	streams map[uint64]*inStream

	closed    chan struct{}
	closeOnce sync.Once

	readDone chan struct{}
	readErr  error
}

// NewFramed starts reading frames from r and returns the channel. w
// receives outgoing frames.
func NewFramed(r io.Reader, w io.WriteCloser) *Framed {
	c := &Framed{
		r:        r,
		w:        w,
		inbox:    make(chan protocol.Message, inboxBuffer),
		streams:  make(map[uint64]*inStream),
		closed:   make(chan struct{}),
		readDone: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Send writes m as a message frame. If m carries a stream, the stream is
// pumped in the background as chunk frames and closed when drained.
func (c *Framed) Send(ctx context.Context, m protocol.Message) error {
	stream := m.Stream
	m.Stream = nil

	select {
	case <-c.closed:
		if stream != nil {
			_ = stream.Close()
		}
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		if stream != nil {
			_ = stream.Close()
		}
		return err
	}

	if stream != nil {
		m.StreamID = c.nextStream.Add(1)
	}

	if err := c.write(&protocol.Frame{Kind: protocol.FrameMessage, Message: &m}); err != nil {
		if stream != nil {
			_ = stream.Close()
		}
		return err
	}

	if stream != nil {
		c.pumps.Add(1)
		go c.pump(m.StreamID, stream)
	}
	return nil
}

// Drain waits until every stream handed to Send has been written out, or
// ctx ends. Call it before Close so bodies of answered requests are not cut
// short.
func (c *Framed) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.pumps.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the next inbound message. Once the peer hangs up it
// returns io.EOF (or the read error), after every queued message has been
// delivered.
func (c *Framed) Receive(ctx context.Context) (protocol.Message, error) {
	select {
	case m := <-c.inbox:
		return m, nil
	case <-c.readDone:
		select {
		case m := <-c.inbox:
			return m, nil
		default:
		}
		return protocol.Message{}, c.readErr
	case <-c.closed:
		return protocol.Message{}, ErrClosed
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

// Close closes the write side and, when possible, the read side. Streams
// still being pumped are cut off; see Drain.
func (c *Framed) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		// w is closed without wmu: a write blocked on a peer that stopped
		// reading holds the lock, and only the close releases it.
		err = c.w.Close()
		if rc, ok := c.r.(io.Closer); ok {
			_ = rc.Close()
		}
	})
	return err
}

func (c *Framed) write(f *protocol.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	return protocol.WriteFrame(c.w, f)
}

func (c *Framed) pump(id uint64, stream io.ReadCloser) {
	defer c.pumps.Done()
	defer stream.Close()

	buf := make([]byte, chunkSize)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			if werr := c.write(&protocol.Frame{Kind: protocol.FrameChunk, Stream: id, Data: buf[:n]}); werr != nil {
				return
			}
		}
		if errors.Is(err, io.EOF) {
			_ = c.write(&protocol.Frame{Kind: protocol.FrameEnd, Stream: id})
			return
		}
		if err != nil {
			_ = c.write(&protocol.Frame{Kind: protocol.FrameAbort, Stream: id, Error: err.Error()})
			return
		}
	}
}

func (c *Framed) readLoop() {
	var err error
	defer func() {
		if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.ErrUnexpectedEOF) {
			err = io.EOF
		}
		c.readErr = err
		c.abortStreams(io.ErrUnexpectedEOF)
		close(c.readDone)
	}()

	for {
		var f *protocol.Frame
		f, err = protocol.ReadFrame(c.r)
		if err != nil {
			var de *protocol.DecodeError
			if errors.As(err, &de) {
				log.Printf("[transport] dropping undecodable frame: %v", err)
				continue
			}
			return
		}

		switch f.Kind {
		case protocol.FrameMessage:
			if f.Message == nil {
				continue
			}
			m := *f.Message
			if m.StreamID != 0 {
				m.Stream = c.openStream(m.StreamID)
			}
			select {
			case c.inbox <- m:
			case <-c.closed:
				if m.Stream != nil {
					_ = m.Stream.Close()
				}
				err = ErrClosed
				return
			}

		case protocol.FrameChunk:
			if s := c.stream(f.Stream); s != nil {
				s.push(f.Data)
			}

		case protocol.FrameEnd:
			c.finishStream(f.Stream, nil)

		case protocol.FrameAbort:
			c.finishStream(f.Stream, errors.New(f.Error))

		default:
			// Frames of a newer protocol revision are ignored.
		}
	}
}

// inStream re-materializes a remote stream as a pipe. The read loop only
// appends to the backlog and never waits on the stream's reader, so a slow
// or absent reader stalls nothing but its own body.
type inStream struct {
	mu      sync.Mutex
	cond    *sync.Cond
	backlog [][]byte
	done    bool
	err     error
	gone    bool
}

func (s *inStream) push(data []byte) {
	s.mu.Lock()
	if !s.gone {
		s.backlog = append(s.backlog, data)
	}
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *inStream) finish(err error) {
	s.mu.Lock()
	s.done = true
	s.err = err
	s.mu.Unlock()
	s.cond.Signal()
}

// next blocks for the next chunk. ok is false once the stream has ended and
// the backlog is empty.
func (s *inStream) next() (data []byte, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.backlog) == 0 && !s.done {
		s.cond.Wait()
	}
	if len(s.backlog) == 0 {
		return nil, false
	}
	data = s.backlog[0]
	s.backlog[0] = nil
	s.backlog = s.backlog[1:]
	return data, true
}

// hangUp drops the backlog after the reader went away.
func (s *inStream) hangUp() {
	s.mu.Lock()
	s.gone = true
	s.backlog = nil
	s.mu.Unlock()
}

func (s *inStream) drain(pw *io.PipeWriter) {
	for {
		data, ok := s.next()
		if !ok {
			break
		}
		if _, err := pw.Write(data); err != nil {
			s.hangUp()
			return
		}
	}

	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		_ = pw.CloseWithError(err)
		return
	}
	_ = pw.Close()
}

func (c *Framed) openStream(id uint64) io.ReadCloser {
	pr, pw := io.Pipe()
	s := &inStream{}
	s.cond = sync.NewCond(&s.mu)

	c.smu.Lock()
	c.streams[id] = s
	c.smu.Unlock()

	go s.drain(pw)
	return pr
}

func (c *Framed) stream(id uint64) *inStream {
	c.smu.Lock()
	defer c.smu.Unlock()
	return c.streams[id]
}

func (c *Framed) finishStream(id uint64, err error) {
	c.smu.Lock()
	s := c.streams[id]
	delete(c.streams, id)
	c.smu.Unlock()

	if s != nil {
		s.finish(err)
	}
}

func (c *Framed) abortStreams(err error) {
	c.smu.Lock()
	streams := c.streams
	c.streams = make(map[uint64]*inStream)
	c.smu.Unlock()

	for _, s := range streams {
		s.finish(err)
	}
}
