package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Network connects in-process replicas. Each replica gets its own
// MemoryTransport; a transport can be cut off to simulate a bus outage.
type Network struct {
	mu    sync.RWMutex
	nodes map[string]*MemoryTransport
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{nodes: make(map[string]*MemoryTransport)}
}

// Transport returns the transport for replica, creating it on first use.
func (n *Network) Transport(replica string) *MemoryTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.nodes[replica]; ok {
		return t
	}
	t := &MemoryTransport{
		network:  n,
		replica:  replica,
		handlers: make(map[string]Handler),
		inbox:    make(chan Event, 1024),
		done:     make(chan struct{}),
	}
	t.healthy.Store(true)
	go t.deliver()
	n.nodes[replica] = t
	return t
}

func (n *Network) peers(except string) []*MemoryTransport {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*MemoryTransport, 0, len(n.nodes))
	for id, t := range n.nodes {
		if id != except {
			out = append(out, t)
		}
	}
	return out
}

func (n *Network) remove(replica string) {
	n.mu.Lock()
	delete(n.nodes, replica)
	n.mu.Unlock()
}

// MemoryTransport is one replica's view of a Network.
type MemoryTransport struct {
	network *Network
	replica string

	mu       sync.RWMutex
	handlers map[string]Handler

	healthy   atomic.Bool
	reconnect []func()
	inbox     chan Event
	done    chan struct{}
	once    sync.Once
}

var _ Transport = (*MemoryTransport)(nil)

// SetHealthy cuts the replica off the network or reconnects it. Reconnect
// hooks run before SetHealthy returns.
func (t *MemoryTransport) SetHealthy(ok bool) {
	if was := t.healthy.Swap(ok); was || !ok {
		return
	}
	t.mu.RLock()
	hooks := append([]func(){}, t.reconnect...)
	t.mu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
}

func (t *MemoryTransport) OnReconnect(fn func()) {
	t.mu.Lock()
	t.reconnect = append(t.reconnect, fn)
	t.mu.Unlock()
}

func (t *MemoryTransport) Healthy() bool { return t.healthy.Load() }

func (t *MemoryTransport) Publish(ctx context.Context, ev Event) error {
	if !t.Healthy() {
		return ErrUnavailable
	}
	if ev.SentAt.IsZero() {
		ev.SentAt = time.Now()
	}
	ev.Origin.Replica = t.replica
	for _, peer := range t.network.peers(t.replica) {
		if !peer.Healthy() || !peer.joined(ev.DocumentID) {
			continue
		}
		select {
		case peer.inbox <- ev:
		case <-peer.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (t *MemoryTransport) joined(doc string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.handlers[doc]
	return ok
}

func (t *MemoryTransport) Join(_ context.Context, doc string, h Handler) error {
	t.mu.Lock()
	t.handlers[doc] = h
	t.mu.Unlock()
	return nil
}

func (t *MemoryTransport) Leave(_ context.Context, doc string) error {
	t.mu.Lock()
	delete(t.handlers, doc)
	t.mu.Unlock()
	return nil
}

func (t *MemoryTransport) deliver() {
	for {
		select {
		case <-t.done:
			return
		case ev := <-t.inbox:
			if ev.Origin.Replica == t.replica {
				continue
			}
			t.mu.RLock()
			h := t.handlers[ev.DocumentID]
			t.mu.RUnlock()
			if h != nil {
				h(ev)
			}
		}
	}
}

func (t *MemoryTransport) Close() error {
	t.once.Do(func() {
		t.network.remove(t.replica)
		close(t.done)
	})
	return nil
}
