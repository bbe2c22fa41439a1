// Package transport carries framed protocol messages between members.
// The consensus core depends only on the Transport interface; the TCP
// implementation is the production wiring and Local backs tests.
package transport

import (
	"context"
	"errors"

	"github.com/copycat-io/copycat/pkg/protocol"
)

var (
	// ErrUnreachable is returned when the target cannot be contacted.
	ErrUnreachable = errors.New("transport: member unreachable")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport: closed")
)

// Handler serves an inbound request and returns the response frame.
type Handler func(ctx context.Context, msg protocol.Message) protocol.Message

// Transport is a pluggable request/response message layer.
type Transport interface {
	// Listen binds the server side and dispatches inbound requests to
	// the handler until Close.
	Listen(address string, handler Handler) error
	// Send delivers a request to the member at the address and waits
	// for its response.
	Send(ctx context.Context, address string, msg protocol.Message) (protocol.Message, error)
	Close() error
}
