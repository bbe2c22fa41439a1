package transport

import (
	"context"
	"sync"

	"github.com/copycat-io/copycat/pkg/protocol"
)

// Registry connects Local transports in one process. Tests use
// Partition/Heal to simulate network splits.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	blocked  map[[2]string]bool
}

// NewRegistry creates an empty in-process network.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		blocked:  make(map[[2]string]bool),
	}
}

// Partition blocks traffic in both directions between two addresses.
func (r *Registry) Partition(a, b string) {
	r.mu.Lock()
	r.blocked[[2]string{a, b}] = true
	r.blocked[[2]string{b, a}] = true
	r.mu.Unlock()
}

// Heal restores traffic between two addresses.
func (r *Registry) Heal(a, b string) {
	r.mu.Lock()
	delete(r.blocked, [2]string{a, b})
	delete(r.blocked, [2]string{b, a})
	r.mu.Unlock()
}

// Local is an in-process transport bound to one address.
type Local struct {
	registry *Registry
	address  string
	closed   bool
	mu       sync.Mutex
}

// NewLocal creates a transport on the registry.
func NewLocal(registry *Registry) *Local {
	return &Local{registry: registry}
}

func (l *Local) Listen(address string, handler Handler) error {
	l.mu.Lock()
	l.address = address
	l.mu.Unlock()
	l.registry.mu.Lock()
	l.registry.handlers[address] = handler
	l.registry.mu.Unlock()
	return nil
}

func (l *Local) Send(ctx context.Context, address string, msg protocol.Message) (protocol.Message, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	from := l.address
	l.mu.Unlock()

	l.registry.mu.RLock()
	handler, ok := l.registry.handlers[address]
	blocked := l.registry.blocked[[2]string{from, address}]
	l.registry.mu.RUnlock()
	if !ok || blocked {
		return nil, ErrUnreachable
	}

	done := make(chan protocol.Message, 1)
	go func() { done <- handler(ctx, msg) }()
	select {
	case resp := <-done:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Local) Close() error {
	l.mu.Lock()
	l.closed = true
	address := l.address
	l.mu.Unlock()
	l.registry.mu.Lock()
	delete(l.registry.handlers, address)
	l.registry.mu.Unlock()
	return nil
}
