// Package stream runs one actor per open document. A Stream owns the
// document's delta store and its hub of local sessions, and bridges them to
// the fan-out bus.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"collabtext/internal/auth"
	"collabtext/internal/bus"
	"collabtext/internal/crdt"
	"collabtext/internal/metrics"
	"collabtext/internal/presence"
	"collabtext/internal/protocol"
	"collabtext/internal/snapshot"
)

// Stream is the per-document actor.
type Stream struct {
	id      string
	replica string
	store   *crdt.Store
	hub     *hub
	tracker *presence.Tracker
	bus     bus.Transport
	log     *slog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	persisted crdt.Baseline

	// ahead is the highest epoch a remote update arrived for before this
	// replica installed it.
	ahead atomic.Uint64
}

var _ snapshot.Document = (*Stream)(nil)

type streamDeps struct {
	replica string
	tracker *presence.Tracker
	bus     bus.Transport
	log     *slog.Logger
	metrics *metrics.Metrics
}

func newStream(id string, store *crdt.Store, persisted crdt.Baseline, d streamDeps) *Stream {
	s := &Stream{
		id:        id,
		replica:   d.replica,
		store:     store,
		tracker:   d.tracker,
		bus:       d.bus,
		log:       d.log.With("document", id),
		metrics:   d.metrics,
		persisted: crdt.Baseline{Epoch: persisted.Epoch, Heads: persisted.Heads},
	}
	s.hub = newHub(func(p *Peer) {
		s.metrics.SlowConsumers.Inc()
		s.log.Warn("dropping slow consumer", "session", p.ID, "user", p.UserID)
	})
	go s.hub.run()
	return s
}

// ID returns the document ID.
func (s *Stream) ID() string { return s.id }

// Epoch returns the current baseline epoch.
func (s *Stream) Epoch() uint64 { return s.store.Epoch() }

// Capture returns the full state under the store lock.
func (s *Stream) Capture() crdt.Baseline { return s.store.FullState() }

// Text returns the current document text.
func (s *Stream) Text() (string, error) { return s.store.Text() }

// Sessions returns the number of local peers.
func (s *Stream) Sessions() int { return s.hub.size() }

// Dirty reports whether the document moved since the last snapshot.
func (s *Stream) Dirty() bool {
	epoch, heads := s.store.Epoch(), s.store.Heads()
	s.mu.Lock()
	defer s.mu.Unlock()
	return epoch != s.persisted.Epoch || !heads.Equal(s.persisted.Heads)
}

// MarkPersisted records b as the latest durable version.
func (s *Stream) MarkPersisted(b crdt.Baseline) {
	s.mu.Lock()
	s.persisted = crdt.Baseline{Epoch: b.Epoch, Heads: b.Heads}
	s.mu.Unlock()
}

func syncFrame(b crdt.Baseline) Outbound {
	return Outbound{
		Kind:  protocol.TypeSyncState,
		Data:  protocol.MustEncode(protocol.SyncState(b.State, b.Epoch, b.Heads)),
		Epoch: b.Epoch,
	}
}

func frame(m protocol.Message) Outbound {
	return Outbound{Kind: m.Type, Data: protocol.MustEncode(m)}
}

// Join registers p. Its queue receives the full state followed by every
// live presence record before any other frame. The returned epoch is the
// baseline that state belongs to.
func (s *Stream) Join(p *Peer) (uint64, error) {
	epoch, ok := s.hub.join(p, func() ([]Outbound, uint64) {
		b := s.store.FullState()
		frames := []Outbound{syncFrame(b)}
		for _, rec := range s.tracker.Live(s.id) {
			frames = append(frames, frame(protocol.Presence(rec)))
		}
		return frames, b.Epoch
	})
	if !ok {
		return 0, ErrClosed
	}
	return epoch, nil
}

// Leave unregisters p. When it was the user's last local session their
// presence is marked disconnected and expires on its own.
func (s *Stream) Leave(p *Peer) {
	if s.hub.leave(p) == 0 {
		s.tracker.Release(s.id, p.UserID)
	}
}

// SendTo queues out for p alone.
func (s *Stream) SendTo(p *Peer, out Outbound) {
	s.hub.send(delivery{out: out, to: p})
}

// Resync queues a fresh full state for p alone.
func (s *Stream) Resync(p *Peer) {
	s.SendTo(p, syncFrame(s.store.FullState()))
}

func (s *Stream) publish(ctx context.Context, ev bus.Event) {
	ev.DocumentID = s.id
	ev.Origin.Replica = s.replica
	if ev.SentAt.IsZero() {
		ev.SentAt = time.Now()
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.metrics.BusPublishFailures.Inc()
		s.log.Warn("bus publish failed, local delivery only", "kind", ev.Kind, "error", err)
	}
}

// SubmitUpdate merges a client delta produced against epoch, forwards it to
// the other local peers and publishes it. Store errors are returned
// unchanged and nothing is forwarded.
func (s *Stream) SubmitUpdate(ctx context.Context, p *Peer, user auth.User, epoch uint64, delta []byte) error {
	if _, err := s.store.Apply(epoch, delta); err != nil {
		reason := "invalid"
		switch {
		case errors.Is(err, crdt.ErrStaleEpoch):
			reason = "stale_epoch"
		case errors.Is(err, crdt.ErrFutureEpoch):
			reason = "future_epoch"
		}
		s.metrics.MergeErrors.WithLabelValues(reason).Inc()
		return err
	}
	msg := protocol.Update(delta, user.ID, user.Username, time.Now())
	out := frame(msg)
	s.hub.send(delivery{out: out, except: p.ID})
	s.publish(ctx, bus.Event{
		Kind:    bus.KindUpdate,
		Origin:  bus.Origin{Session: p.ID},
		Epoch:   epoch,
		Delta:   delta,
		Message: out.Data,
	})
	return nil
}

// SubmitPresence records the user's presence heartbeat and fans it out.
func (s *Stream) SubmitPresence(ctx context.Context, p *Peer, user auth.User, cursor []byte) {
	rec := s.tracker.Update(s.id, user.ID, presence.Record{
		DisplayName: user.Username,
		Color:       user.Color,
		AvatarRef:   user.AvatarURL,
		Cursor:      cursor,
	})
	out := frame(protocol.Presence(rec))
	s.hub.send(delivery{out: out, except: p.ID})
	s.publish(ctx, bus.Event{
		Kind:    bus.KindPresence,
		Origin:  bus.Origin{Session: p.ID},
		Message: out.Data,
	})
}

// SubmitAwareness relays an opaque awareness payload. It is not stored.
func (s *Stream) SubmitAwareness(ctx context.Context, p *Peer, user auth.User, payload []byte) {
	out := frame(protocol.Awareness(payload, user.ID))
	s.hub.send(delivery{out: out, except: p.ID})
	s.publish(ctx, bus.Event{
		Kind:    bus.KindAwareness,
		Origin:  bus.Origin{Session: p.ID},
		Message: out.Data,
	})
}

// Reset installs state as the new baseline if epoch is newer than the
// current one, and pushes it to every local peer.
func (s *Stream) Reset(state []byte, epoch uint64) (bool, error) {
	applied, err := s.store.Reset(state, epoch)
	if err != nil || !applied {
		return applied, err
	}
	s.hub.send(delivery{out: syncFrame(s.store.FullState())})
	s.log.Info("baseline reset", "epoch", epoch)
	return true, nil
}

func (s *Stream) leaveFrame(userID string) {
	s.hub.send(delivery{out: frame(protocol.PresenceLeave(userID))})
}

// requestState asks other replicas for their live copy of the document.
func (s *Stream) requestState(ctx context.Context) {
	s.publish(ctx, bus.Event{Kind: bus.KindStateRequest, Epoch: s.store.Epoch()})
}

// announceState publishes the full document so other replicas merge what
// they missed, or re-baseline if this replica holds a newer epoch.
func (s *Stream) announceState(ctx context.Context) {
	b := s.store.FullState()
	s.publish(ctx, bus.Event{Kind: bus.KindState, Epoch: b.Epoch, Delta: b.State})
}

// catchUp requests state once per epoch that remote updates are ahead of.
func (s *Stream) catchUp(epoch uint64) {
	for {
		cur := s.ahead.Load()
		if epoch <= cur {
			return
		}
		if s.ahead.CompareAndSwap(cur, epoch) {
			s.log.Debug("remote update ahead of baseline, requesting state", "epoch", epoch)
			s.requestState(context.Background())
			return
		}
	}
}

// handleRemote applies an event from another replica. It runs on the
// transport's delivery goroutine.
func (s *Stream) handleRemote(ev bus.Event) {
	s.metrics.BusEvents.WithLabelValues(string(ev.Kind)).Inc()
	switch ev.Kind {
	case bus.KindUpdate:
		if _, err := s.store.Apply(ev.Epoch, ev.Delta); err != nil {
			if errors.Is(err, crdt.ErrFutureEpoch) {
				s.catchUp(ev.Epoch)
				return
			}
			s.log.Debug("remote update rejected", "origin", ev.Origin.Replica, "error", err)
			return
		}
		s.hub.send(delivery{out: Outbound{Kind: protocol.TypeUpdate, Data: ev.Message}})

	case bus.KindPresence:
		msg, err := protocol.DecodeServer(ev.Message)
		if err != nil || msg.UserID == "" {
			s.log.Warn("bad remote presence", "origin", ev.Origin.Replica, "error", err)
			return
		}
		s.tracker.Update(s.id, msg.UserID, presence.Record{
			DisplayName: msg.Username,
			Color:       msg.Color,
			AvatarRef:   msg.AvatarURL,
			Cursor:      msg.Cursor,
		})
		s.hub.send(delivery{out: Outbound{Kind: protocol.TypePresence, Data: ev.Message}})

	case bus.KindAwareness:
		s.hub.send(delivery{out: Outbound{Kind: protocol.TypeAwareness, Data: ev.Message}})

	case bus.KindReset:
		applied, err := s.Reset(ev.Delta, ev.Epoch)
		if err != nil {
			s.log.Error("remote reset failed", "origin", ev.Origin.Replica, "error", err)
			return
		}
		if applied {
			// The replica that ran the rollback saved the snapshot.
			s.MarkPersisted(crdt.Baseline{Epoch: ev.Epoch, Heads: s.store.Heads()})
			if s.ahead.Load() >= ev.Epoch {
				// Updates made on the new baseline were dropped while waiting.
				s.requestState(context.Background())
			}
		}

	case bus.KindStateRequest:
		s.announceState(context.Background())

	case bus.KindState:
		if ev.Epoch < s.store.Epoch() {
			// The sender missed a rollback.
			s.announceState(context.Background())
			return
		}
		delta, reset, err := s.store.Merge(ev.Epoch, ev.Delta)
		switch {
		case err != nil:
			s.log.Warn("remote state rejected", "origin", ev.Origin.Replica, "error", err)
		case reset:
			s.hub.send(delivery{out: syncFrame(s.store.FullState())})
		case len(delta) > 0:
			s.hub.send(delivery{out: frame(protocol.Update(delta, "", "", time.Now()))})
		}
	}
}

func (s *Stream) close() { s.hub.close() }
