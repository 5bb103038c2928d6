// Package transport moves protocol messages between a host and a worker.
//
// A Channel is a duplex, FIFO message pipe. Two implementations exist: an
// in-process Pipe, where messages and their streams are handed over by
// reference, and a Framed channel, which speaks length-prefixed JSON frames
// over a byte stream (a child process's stdin/stdout) and pumps attached
// streams as chunk frames.
package transport

import (
	"context"
	"errors"

	"go-ssr/protocol"
)

// ErrClosed is returned by operations on a closed channel.
var ErrClosed = errors.New("transport: channel closed")

// Channel is one end of a duplex message channel. Send and Receive are safe
// for concurrent use. Sending a message with a Stream transfers ownership of
// that stream to the channel.
type Channel interface {
	Send(ctx context.Context, m protocol.Message) error
	Receive(ctx context.Context) (protocol.Message, error)
	Close() error
}
