package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/copycat-io/copycat/pkg/protocol"
)

// TCP is the production transport: one long-lived framed connection
// per peer, re-dialed on error. Responses are matched to requests by
// correlation id, so a connection may carry pipelined requests.
type TCP struct {
	codec  protocol.Codec
	logger *zap.Logger

	listener net.Listener
	handler  Handler

	mu    sync.Mutex
	conns map[string]*tcpConn

	nextCorrelation atomic.Uint64
	closed          atomic.Bool
	wg              sync.WaitGroup
}

// NewTCP creates a TCP transport using the given codec.
func NewTCP(codec protocol.Codec, logger *zap.Logger) *TCP {
	if codec == nil {
		codec = protocol.Msgpack{}
	}
	return &TCP{
		codec:  codec,
		logger: logger,
		conns:  make(map[string]*tcpConn),
	}
}

func (t *TCP) Listen(address string, handler Handler) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("transport listen: %w", err)
	}
	t.listener = ln
	t.handler = handler
	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

func (t *TCP) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.closed.Load() {
				return
			}
			t.logger.Warn("Accept failed", zap.Error(err))
			continue
		}
		t.wg.Add(1)
		go t.serveConn(conn)
	}
}

// serveConn reads request frames and answers each on the same stream
// with the request's correlation id.
func (t *TCP) serveConn(conn net.Conn) {
	defer t.wg.Done()
	defer conn.Close()
	var writeMu sync.Mutex
	for {
		msg, correlationID, err := protocol.ReadFrame(conn, t.codec)
		if err != nil {
			return
		}
		go func() {
			resp := t.handler(context.Background(), msg)
			if resp == nil {
				return
			}
			writeMu.Lock()
			defer writeMu.Unlock()
			if err := protocol.WriteFrame(conn, t.codec, correlationID, resp); err != nil {
				t.logger.Warn("Response write failed", zap.Error(err))
			}
		}()
	}
}

func (t *TCP) Send(ctx context.Context, address string, msg protocol.Message) (protocol.Message, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	c, err := t.conn(address)
	if err != nil {
		return nil, err
	}
	resp, err := c.roundTrip(ctx, t.nextCorrelation.Add(1), msg)
	if err != nil {
		// Drop the broken connection; the next send re-dials.
		t.mu.Lock()
		if t.conns[address] == c {
			delete(t.conns, address)
		}
		t.mu.Unlock()
		c.close()
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, address, err)
	}
	return resp, nil
}

func (t *TCP) conn(address string) (*tcpConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[address]; ok {
		return c, nil
	}
	raw, err := net.DialTimeout("tcp", address, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, address, err)
	}
	c := &tcpConn{
		raw:     raw,
		codec:   t.codec,
		pending: make(map[uint64]chan protocol.Message),
	}
	go c.readLoop()
	t.conns[address] = c
	return c, nil
}

func (t *TCP) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	if t.listener != nil {
		t.listener.Close()
	}
	t.mu.Lock()
	for _, c := range t.conns {
		c.close()
	}
	t.conns = make(map[string]*tcpConn)
	t.mu.Unlock()
	t.wg.Wait()
	return nil
}

// tcpConn is one client connection with pipelined request matching.
type tcpConn struct {
	raw   net.Conn
	codec protocol.Codec

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan protocol.Message
	dead    bool
}

func (c *tcpConn) roundTrip(ctx context.Context, correlationID uint64, msg protocol.Message) (protocol.Message, error) {
	ch := make(chan protocol.Message, 1)
	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return nil, ErrUnreachable
	}
	c.pending[correlationID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := protocol.WriteFrame(c.raw, c.codec, correlationID, msg)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, correlationID)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrUnreachable
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, correlationID)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *tcpConn) readLoop() {
	for {
		msg, correlationID, err := protocol.ReadFrame(c.raw, c.codec)
		if err != nil {
			c.close()
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[correlationID]
		delete(c.pending, correlationID)
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
	}
}

func (c *tcpConn) close() {
	c.mu.Lock()
	if !c.dead {
		c.dead = true
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.raw.Close()
	}
	c.mu.Unlock()
}
