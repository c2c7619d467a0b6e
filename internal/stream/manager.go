package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"collabtext/internal/bus"
	"collabtext/internal/crdt"
	"collabtext/internal/metrics"
	"collabtext/internal/presence"
	"collabtext/internal/snapshot"
)

// ErrClosed is returned once the manager or a stream has shut down.
var ErrClosed = errors.New("stream: closed")

// Config tunes the Manager.
type Config struct {
	Replica     string
	IdleTimeout time.Duration
}

// EvictFunc runs before an idle stream is closed.
type EvictFunc func(ctx context.Context, doc snapshot.Document) error

type entry struct {
	stream    *Stream
	err       error
	ready     chan struct{}
	refs      int
	idleSince time.Time
}

func (e *entry) loaded() bool {
	select {
	case <-e.ready:
		return e.err == nil
	default:
		return false
	}
}

// Manager opens, shares and evicts document streams on this replica.
type Manager struct {
	cfg     Config
	snaps   snapshot.Store
	bus     bus.Transport
	tracker *presence.Tracker
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	streams map[string]*entry
	evict   []EvictFunc
	closed  bool
}

var _ snapshot.Documents = (*Manager)(nil)

// NewManager returns a manager. Expired presence on any open document is
// announced to that document's local peers.
func NewManager(cfg Config, snaps snapshot.Store, transport bus.Transport, tracker *presence.Tracker, logger *slog.Logger, m *metrics.Metrics) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}
	mgr := &Manager{
		cfg:     cfg,
		snaps:   snaps,
		bus:     transport,
		tracker: tracker,
		log:     logger.With("component", "stream", "replica", cfg.Replica),
		metrics: m,
		now:     time.Now,
		streams: make(map[string]*entry),
	}
	tracker.OnExpire(mgr.expire)
	transport.OnReconnect(mgr.resync)
	return mgr
}

// resync exchanges full state for every open document after the bus comes
// back, since events published during the outage are gone.
func (m *Manager) resync() {
	ctx := context.Background()
	docs := m.Documents()
	for _, d := range docs {
		s := d.(*Stream)
		s.announceState(ctx)
		s.requestState(ctx)
	}
	if len(docs) > 0 {
		m.log.Info("bus reconnected, exchanging state", "documents", len(docs))
	}
}

// OnEvict registers fn to run before idle streams close.
func (m *Manager) OnEvict(fn EvictFunc) {
	m.mu.Lock()
	m.evict = append(m.evict, fn)
	m.mu.Unlock()
}

// Acquire returns the open stream for id, loading it on first use. Every
// successful Acquire must be paired with Release.
func (m *Manager) Acquire(ctx context.Context, id string) (*Stream, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	e, ok := m.streams[id]
	if ok {
		e.refs++
		m.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
			m.unref(id, e)
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		return e.stream, nil
	}
	e = &entry{ready: make(chan struct{}), refs: 1}
	m.streams[id] = e
	m.mu.Unlock()

	e.stream, e.err = m.open(ctx, id)
	if e.err != nil {
		m.mu.Lock()
		delete(m.streams, id)
		m.mu.Unlock()
	}
	close(e.ready)
	return e.stream, e.err
}

func (m *Manager) open(ctx context.Context, id string) (*Stream, error) {
	var (
		store     *crdt.Store
		persisted crdt.Baseline
	)
	snap, err := m.snaps.Latest(ctx, id)
	switch {
	case errors.Is(err, snapshot.ErrNotFound):
		genesis, gerr := crdt.Genesis()
		if gerr != nil {
			return nil, gerr
		}
		store, err = crdt.Load(genesis, 0)
	case err != nil:
		return nil, fmt.Errorf("load snapshot of %s: %w", id, err)
	default:
		store, err = crdt.Load(snap.State, snap.Epoch)
		persisted = crdt.Baseline{Epoch: snap.Epoch, Heads: snap.Heads}
	}
	if err != nil {
		return nil, fmt.Errorf("restore %s: %w", id, err)
	}

	s := newStream(id, store, persisted, streamDeps{
		replica: m.cfg.Replica,
		tracker: m.tracker,
		bus:     m.bus,
		log:     m.log,
		metrics: m.metrics,
	})
	if err := m.bus.Join(ctx, id, s.handleRemote); err != nil {
		m.log.Warn("bus join failed, serving locally", "document", id, "error", err)
	}
	s.requestState(ctx)
	m.metrics.Streams.Inc()
	m.log.Debug("stream opened", "document", id, "epoch", store.Epoch())
	return s, nil
}

func (m *Manager) unref(id string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.streams[id] != e || e.refs == 0 {
		return
	}
	e.refs--
	if e.refs == 0 {
		e.idleSince = m.now()
	}
}

// Release drops one reference taken by Acquire.
func (m *Manager) Release(s *Stream) {
	m.mu.Lock()
	e := m.streams[s.id]
	m.mu.Unlock()
	if e != nil && e.stream == s {
		m.unref(s.id, e)
	}
}

// Lookup returns the stream for id if it is open.
func (m *Manager) Lookup(id string) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.streams[id]
	if !ok || !e.loaded() {
		return nil, false
	}
	return e.stream, true
}

// Open lists the IDs of open streams, sorted.
func (m *Manager) Open() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.streams))
	for id, e := range m.streams {
		if e.loaded() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (m *Manager) Documents() []snapshot.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]snapshot.Document, 0, len(m.streams))
	for _, e := range m.streams {
		if e.loaded() {
			out = append(out, e.stream)
		}
	}
	return out
}

func (m *Manager) Document(id string) (snapshot.Document, bool) {
	s, ok := m.Lookup(id)
	if !ok {
		return nil, false
	}
	return s, true
}

// Reset installs a new baseline on the local stream, if open, and tells
// every other replica to do the same.
func (m *Manager) Reset(ctx context.Context, id string, state []byte, epoch uint64) error {
	if s, ok := m.Lookup(id); ok {
		if _, err := s.Reset(state, epoch); err != nil {
			return err
		}
	}
	err := m.bus.Publish(ctx, bus.Event{
		Kind:       bus.KindReset,
		DocumentID: id,
		Origin:     bus.Origin{Replica: m.cfg.Replica},
		Epoch:      epoch,
		Delta:      state,
		SentAt:     m.now(),
	})
	if err != nil {
		m.metrics.BusPublishFailures.Inc()
		m.log.Warn("reset not published, other replicas keep their baseline", "document", id, "error", err)
	}
	return nil
}

func (m *Manager) expire(doc, userID string) {
	if s, ok := m.Lookup(doc); ok {
		s.leaveFrame(userID)
	}
}

// Reap closes streams that have had no references for the idle timeout. It
// returns how many were closed.
func (m *Manager) Reap(ctx context.Context) int {
	now := m.now()
	m.mu.Lock()
	var idle []*entry
	for _, e := range m.streams {
		if e.loaded() && e.refs == 0 && now.Sub(e.idleSince) >= m.cfg.IdleTimeout {
			idle = append(idle, e)
		}
	}
	hooks := append([]EvictFunc(nil), m.evict...)
	m.mu.Unlock()

	closed := 0
	for _, e := range idle {
		for _, fn := range hooks {
			if err := fn(ctx, e.stream); err != nil {
				m.log.Error("evict hook failed", "document", e.stream.id, "error", err)
			}
		}
		m.mu.Lock()
		still := m.streams[e.stream.id] == e && e.refs == 0
		if still {
			delete(m.streams, e.stream.id)
		}
		m.mu.Unlock()
		if !still {
			continue
		}
		m.shutdown(ctx, e.stream)
		m.log.Debug("stream evicted", "document", e.stream.id)
		closed++
	}
	return closed
}

func (m *Manager) shutdown(ctx context.Context, s *Stream) {
	if err := m.bus.Leave(ctx, s.id); err != nil {
		m.log.Warn("bus leave failed", "document", s.id, "error", err)
	}
	s.close()
	m.tracker.Forget(s.id)
	m.metrics.Streams.Dec()
}

// Run reaps idle streams until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Reap(ctx)
		}
	}
}

// Close shuts every stream down. Sessions still attached see their queues
// closed.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	streams := make([]*Stream, 0, len(m.streams))
	for id, e := range m.streams {
		if e.loaded() {
			streams = append(streams, e.stream)
		}
		delete(m.streams, id)
	}
	m.mu.Unlock()
	for _, s := range streams {
		m.shutdown(ctx, s)
	}
}
