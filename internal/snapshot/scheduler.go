package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"collabtext/internal/crdt"
	"collabtext/internal/metrics"
)

// Document is an open document the scheduler can persist.
type Document interface {
	ID() string
	Epoch() uint64
	// Capture takes the full state under the document's store lock.
	Capture() crdt.Baseline
	// Dirty reports whether the document changed since MarkPersisted.
	Dirty() bool
	MarkPersisted(b crdt.Baseline)
}

// Documents is the set of documents open on this replica.
type Documents interface {
	Documents() []Document
	Document(id string) (Document, bool)
	// Reset installs a new baseline locally, if the document is open, and on
	// every other replica hosting it.
	Reset(ctx context.Context, id string, state []byte, epoch uint64) error
}

// SchedulerConfig tunes the Scheduler.
type SchedulerConfig struct {
	Interval  time.Duration
	QueueSize int
}

type capture struct {
	doc  Document
	base crdt.Baseline
}

// Scheduler snapshots dirty documents on a fixed cadence and on demand, and
// performs rollbacks. Periodic captures go through a bounded queue drained by
// one writer goroutine, so a slow store never stalls editing.
type Scheduler struct {
	store   Store
	docs    Documents
	log     *slog.Logger
	metrics *metrics.Metrics

	interval time.Duration
	now      func() time.Time

	queue   chan capture
	mu      sync.Mutex
	pending map[string]bool
}

// NewScheduler returns a scheduler persisting docs into store.
func NewScheduler(store Store, docs Documents, cfg SchedulerConfig, logger *slog.Logger, m *metrics.Metrics) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Scheduler{
		store:    store,
		docs:     docs,
		log:      logger.With("component", "snapshot"),
		metrics:  m,
		interval: cfg.Interval,
		now:      time.Now,
		queue:    make(chan capture, cfg.QueueSize),
		pending:  make(map[string]bool),
	}
}

// Store returns the backing store.
func (s *Scheduler) Store() Store { return s.store }

// Run ticks until ctx is done. Captures still queued at that point are
// dropped; call FlushAll afterwards for a final pass.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.write(ctx)
	}()

	ticker := time.NewTicker(s.interval)
	defer func() {
		ticker.Stop()
		wg.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick captures every dirty document and queues it for the writer. It
// returns the number of captures queued.
func (s *Scheduler) Tick() int {
	queued := 0
	for _, doc := range s.docs.Documents() {
		if !doc.Dirty() || !s.claim(doc.ID()) {
			continue
		}
		c := capture{doc: doc, base: doc.Capture()}
		select {
		case s.queue <- c:
			queued++
		default:
			s.release(doc.ID())
			s.log.Warn("snapshot queue full, retrying next cycle", "document", doc.ID())
		}
	}
	return queued
}

func (s *Scheduler) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[id] {
		return false
	}
	s.pending[id] = true
	return true
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Scheduler) write(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-s.queue:
			_, _ = s.persist(ctx, c.doc, c.base)
			s.release(c.doc.ID())
		}
	}
}

func (s *Scheduler) persist(ctx context.Context, doc Document, base crdt.Baseline) (Snapshot, error) {
	start := s.now()
	snap, err := s.store.Save(ctx, Draft{
		DocumentID: doc.ID(),
		Epoch:      base.Epoch,
		State:      base.State,
		Heads:      base.Heads,
	})
	s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.SnapshotFailures.Inc()
		s.log.Error("snapshot failed", "document", doc.ID(), "error", err)
		return Snapshot{}, err
	}
	doc.MarkPersisted(base)
	s.metrics.SnapshotSaves.Inc()
	s.log.Debug("snapshot saved", "document", doc.ID(), "version", snap.Version, "epoch", snap.Epoch, "size", snap.Size)
	return snap, nil
}

// Trigger persists an open document right away. For a document that is not
// open on this replica it returns the latest stored snapshot.
func (s *Scheduler) Trigger(ctx context.Context, id string) (Snapshot, error) {
	doc, ok := s.docs.Document(id)
	if !ok {
		return s.store.Latest(ctx, id)
	}
	return s.persist(ctx, doc, doc.Capture())
}

// Flush persists doc if it is dirty.
func (s *Scheduler) Flush(ctx context.Context, doc Document) error {
	if !doc.Dirty() {
		return nil
	}
	_, err := s.persist(ctx, doc, doc.Capture())
	return err
}

// FlushAll persists every dirty open document.
func (s *Scheduler) FlushAll(ctx context.Context) error {
	var errs []error
	for _, doc := range s.docs.Documents() {
		if err := s.Flush(ctx, doc); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", doc.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// NextEpoch returns the epoch a rollback installs over cur. Wall-clock nanos
// keep epochs increasing across replicas that never saw each other's resets.
func NextEpoch(cur uint64, now time.Time) uint64 {
	next := cur + 1
	if n := uint64(now.UnixNano()); n > next {
		next = n
	}
	return next
}

// Rollback makes version the document's current state. The restored state is
// saved as a new snapshot under a fresh epoch, then installed on every
// replica; deltas produced against the old baseline are rejected from then on.
func (s *Scheduler) Rollback(ctx context.Context, id string, version int64) (Snapshot, error) {
	target, err := s.store.Get(ctx, id, version)
	if err != nil {
		return Snapshot{}, err
	}

	cur := target.Epoch
	if latest, err := s.store.Latest(ctx, id); err == nil && latest.Epoch > cur {
		cur = latest.Epoch
	}
	doc, open := s.docs.Document(id)
	if open {
		if e := doc.Epoch(); e > cur {
			cur = e
		}
	}
	epoch := NextEpoch(cur, s.now())

	snap, err := s.store.Save(ctx, Draft{
		DocumentID:   id,
		Epoch:        epoch,
		State:        target.State,
		Heads:        target.Heads,
		RestoredFrom: version,
	})
	if err != nil {
		s.metrics.SnapshotFailures.Inc()
		return Snapshot{}, fmt.Errorf("save restored snapshot: %w", err)
	}
	if err := s.docs.Reset(ctx, id, target.State, epoch); err != nil {
		return snap, fmt.Errorf("install restored state: %w", err)
	}
	if open {
		doc.MarkPersisted(crdt.Baseline{Epoch: epoch, Heads: target.Heads})
	}
	s.metrics.Rollbacks.Inc()
	s.log.Info("document rolled back", "document", id, "from_version", version, "version", snap.Version, "epoch", epoch)
	return snap, nil
}
