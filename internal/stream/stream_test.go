package stream

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/auth"
	"collabtext/internal/bus"
	"collabtext/internal/crdt"
	"collabtext/internal/metrics"
	"collabtext/internal/presence"
	"collabtext/internal/protocol"
	"collabtext/internal/snapshot"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store   *snapshot.MemoryStore
	network *bus.Network
	clock   *clock
}

func newFixture() *fixture {
	return &fixture{
		store:   snapshot.NewMemoryStore(),
		network: bus.NewNetwork(),
		clock:   &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
	}
}

func (f *fixture) manager(t *testing.T, replica string) (*Manager, *presence.Tracker) {
	t.Helper()
	transport := f.network.Transport(replica)
	tracker := presence.NewTracker(5*time.Second, presence.WithClock(f.clock.Now))
	m := NewManager(Config{Replica: replica, IdleTimeout: time.Minute}, f.store, transport, tracker, discard, metrics.Discard())
	m.now = f.clock.Now
	t.Cleanup(func() {
		m.Close(context.Background())
		_ = transport.Close()
	})
	return m, tracker
}

func recv(t *testing.T, p *Peer) Outbound {
	t.Helper()
	select {
	case out, ok := <-p.Send():
		require.True(t, ok, "peer queue closed")
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("no frame")
		return Outbound{}
	}
}

// recvType skips frames until one of kind arrives.
func recvType(t *testing.T, p *Peer, kind protocol.Type) protocol.Message {
	t.Helper()
	for {
		out := recv(t, p)
		if out.Kind != kind {
			continue
		}
		msg, err := protocol.DecodeServer(out.Data)
		require.NoError(t, err)
		return msg
	}
}

func seedState(t *testing.T, text string) []byte {
	t.Helper()
	g, err := crdt.Genesis()
	require.NoError(t, err)
	ed, err := crdt.NewEditor(g)
	require.NoError(t, err)
	_, err = ed.Append(text)
	require.NoError(t, err)
	return ed.State()
}

func editorFor(t *testing.T, s *Stream) *crdt.Editor {
	t.Helper()
	e, err := crdt.NewEditor(s.Capture().State)
	require.NoError(t, err)
	return e
}

var alice = auth.User{ID: "alice", Username: "Alice", Color: "#f00"}

func TestAcquireSharesOneStream(t *testing.T) {
	f := newFixture()
	m, _ := f.manager(t, "r1")
	ctx := context.Background()

	a, err := m.Acquire(ctx, "doc")
	require.NoError(t, err)
	b, err := m.Acquire(ctx, "doc")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, []string{"doc"}, m.Open())

	text, err := a.Text()
	require.NoError(t, err)
	assert.Equal(t, "", text)
	assert.Zero(t, a.Epoch())
}

func TestJoinQueuesStateThenPresence(t *testing.T) {
	f := newFixture()
	m, tracker := f.manager(t, "r1")
	s, err := m.Acquire(context.Background(), "doc")
	require.NoError(t, err)
	tracker.Update("doc", "bob", presence.Record{DisplayName: "Bob"})

	p := NewPeer("s1", "alice", 8)
	epoch, err := s.Join(p)
	require.NoError(t, err)
	assert.Zero(t, epoch)

	first := recv(t, p)
	assert.Equal(t, protocol.TypeSyncState, first.Kind)
	second := recv(t, p)
	require.Equal(t, protocol.TypePresence, second.Kind)
	msg, err := protocol.DecodeServer(second.Data)
	require.NoError(t, err)
	assert.Equal(t, "bob", msg.UserID)
	assert.Equal(t, 1, s.Sessions())
}

func TestSubmitUpdateSkipsSender(t *testing.T) {
	f := newFixture()
	m, _ := f.manager(t, "r1")
	ctx := context.Background()
	s, err := m.Acquire(ctx, "doc")
	require.NoError(t, err)

	p1, p2 := NewPeer("s1", "alice", 8), NewPeer("s2", "bob", 8)
	_, err = s.Join(p1)
	require.NoError(t, err)
	_, err = s.Join(p2)
	require.NoError(t, err)
	recv(t, p1)
	recv(t, p2)

	delta, err := editorFor(t, s).Append("hi")
	require.NoError(t, err)
	require.NoError(t, s.SubmitUpdate(ctx, p1, alice, 0, delta))

	msg := recvType(t, p2, protocol.TypeUpdate)
	assert.Equal(t, delta, msg.Update)
	assert.Equal(t, "alice", msg.UserID)
	assert.Empty(t, p1.Send())
	assert.True(t, s.Dirty())
}

func TestSubmitPresenceSkipsSender(t *testing.T) {
	f := newFixture()
	m, tracker := f.manager(t, "r1")
	ctx := context.Background()
	s, err := m.Acquire(ctx, "doc")
	require.NoError(t, err)

	p1, p2 := NewPeer("s1", "alice", 8), NewPeer("s2", "bob", 8)
	_, err = s.Join(p1)
	require.NoError(t, err)
	_, err = s.Join(p2)
	require.NoError(t, err)
	recv(t, p1)
	recv(t, p2)

	s.SubmitPresence(ctx, p1, alice, []byte(`{"pos":1}`))

	msg := recvType(t, p2, protocol.TypePresence)
	assert.Equal(t, "alice", msg.UserID)
	assert.JSONEq(t, `{"pos":1}`, string(msg.Cursor))
	assert.Empty(t, p1.Send())
	require.Len(t, tracker.Live("doc"), 1)
}

func TestLeaveReleasesPresenceWithLastSession(t *testing.T) {
	f := newFixture()
	m, tracker := f.manager(t, "r1")
	s, err := m.Acquire(context.Background(), "doc")
	require.NoError(t, err)

	tab1, tab2 := NewPeer("s1", "alice", 8), NewPeer("s2", "alice", 8)
	_, err = s.Join(tab1)
	require.NoError(t, err)
	_, err = s.Join(tab2)
	require.NoError(t, err)
	tracker.Update("doc", "alice", presence.Record{DisplayName: "Alice"})

	s.Leave(tab1)
	live := tracker.Live("doc")
	require.Len(t, live, 1)
	assert.False(t, live[0].Disconnected, "alice still has a session open")

	s.Leave(tab2)
	live = tracker.Live("doc")
	require.Len(t, live, 1)
	assert.True(t, live[0].Disconnected)
}

func TestSubmitUpdateRejectsStaleEpoch(t *testing.T) {
	f := newFixture()
	m, _ := f.manager(t, "r1")
	ctx := context.Background()
	s, err := m.Acquire(ctx, "doc")
	require.NoError(t, err)

	e := editorFor(t, s)
	applied, err := s.Reset(s.Capture().State, 10)
	require.NoError(t, err)
	require.True(t, applied)

	delta, err := e.Append("late")
	require.NoError(t, err)
	err = s.SubmitUpdate(ctx, NewPeer("s1", "alice", 1), alice, 9, delta)
	assert.ErrorIs(t, err, crdt.ErrStaleEpoch)
}

func TestSlowConsumerIsDropped(t *testing.T) {
	f := newFixture()
	m, _ := f.manager(t, "r1")
	ctx := context.Background()
	s, err := m.Acquire(ctx, "doc")
	require.NoError(t, err)

	slow := NewPeer("slow", "carol", 1)
	_, err = s.Join(slow)
	require.NoError(t, err)

	e := editorFor(t, s)
	for _, text := range []string{"a", "b"} {
		delta, err := e.Append(text)
		require.NoError(t, err)
		require.NoError(t, s.SubmitUpdate(ctx, NewPeer("other", "alice", 1), alice, 0, delta))
	}

	// The sync_state filled the queue, so the first update overflowed it.
	out := recv(t, slow)
	assert.Equal(t, protocol.TypeSyncState, out.Kind)
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-slow.Send():
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, s.Sessions())
}

func TestUpdatesCrossReplicas(t *testing.T) {
	f := newFixture()
	ma, _ := f.manager(t, "a")
	mb, trackerB := f.manager(t, "b")
	ctx := context.Background()

	sa, err := ma.Acquire(ctx, "doc")
	require.NoError(t, err)
	sb, err := mb.Acquire(ctx, "doc")
	require.NoError(t, err)

	peer := NewPeer("s-b", "bob", 16)
	_, err = sb.Join(peer)
	require.NoError(t, err)
	recv(t, peer)

	delta, err := editorFor(t, sa).Append("shared")
	require.NoError(t, err)
	require.NoError(t, sa.SubmitUpdate(ctx, NewPeer("s-a", "alice", 1), alice, 0, delta))

	msg := recvType(t, peer, protocol.TypeUpdate)
	assert.Equal(t, "alice", msg.UserID)
	text, err := sb.Text()
	require.NoError(t, err)
	assert.Equal(t, "shared", text)

	sa.SubmitPresence(ctx, NewPeer("s-a", "alice", 1), alice, []byte(`{"pos":6}`))
	pres := recvType(t, peer, protocol.TypePresence)
	assert.Equal(t, "alice", pres.UserID)
	assert.Equal(t, "#f00", pres.Color)
	require.Len(t, trackerB.Live("doc"), 1)
}

func TestLateReplicaCatchesUpFromStateReply(t *testing.T) {
	f := newFixture()
	ma, _ := f.manager(t, "a")
	mb, _ := f.manager(t, "b")
	ctx := context.Background()

	sa, err := ma.Acquire(ctx, "doc")
	require.NoError(t, err)
	delta, err := editorFor(t, sa).Append("before b")
	require.NoError(t, err)
	require.NoError(t, sa.SubmitUpdate(ctx, NewPeer("s-a", "alice", 1), alice, 0, delta))

	sb, err := mb.Acquire(ctx, "doc")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		text, _ := sb.Text()
		return text == "before b"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestResetReachesOtherReplicas(t *testing.T) {
	f := newFixture()
	ma, _ := f.manager(t, "a")
	mb, _ := f.manager(t, "b")
	ctx := context.Background()

	sa, err := ma.Acquire(ctx, "doc")
	require.NoError(t, err)
	sb, err := mb.Acquire(ctx, "doc")
	require.NoError(t, err)
	peer := NewPeer("s-b", "bob", 16)
	_, err = sb.Join(peer)
	require.NoError(t, err)
	recv(t, peer)

	restored := seedState(t, "restored")
	require.NoError(t, ma.Reset(ctx, "doc", restored, 42))
	assert.EqualValues(t, 42, sa.Epoch())

	out := recv(t, peer)
	for out.Kind != protocol.TypeSyncState {
		out = recv(t, peer)
	}
	assert.EqualValues(t, 42, out.Epoch)
	text, err := sb.Text()
	require.NoError(t, err)
	assert.Equal(t, "restored", text)
	// The resetting replica persisted the baseline.
	require.Eventually(t, func() bool { return !sb.Dirty() }, time.Second, 10*time.Millisecond)
}

func TestReplicasReconvergeAfterBusOutage(t *testing.T) {
	for _, cut := range []string{"a", "b"} {
		t.Run("cut "+cut, func(t *testing.T) {
			f := newFixture()
			ma, _ := f.manager(t, "a")
			mb, _ := f.manager(t, "b")
			ctx := context.Background()

			sa, err := ma.Acquire(ctx, "doc")
			require.NoError(t, err)
			sb, err := mb.Acquire(ctx, "doc")
			require.NoError(t, err)
			writer := NewPeer("s-a", "alice", 1)

			f.network.Transport(cut).SetHealthy(false)
			lost, err := editorFor(t, sa).Append("a")
			require.NoError(t, err)
			require.NoError(t, sa.SubmitUpdate(ctx, writer, alice, 0, lost))
			f.network.Transport(cut).SetHealthy(true)

			next, err := editorFor(t, sa).Append("b")
			require.NoError(t, err)
			require.NoError(t, sa.SubmitUpdate(ctx, writer, alice, 0, next))

			require.Eventually(t, func() bool {
				text, _ := sb.Text()
				return text == "ab" && sb.store.Heads().Equal(sa.store.Heads())
			}, 5*time.Second, 10*time.Millisecond)
		})
	}
}

func TestRollbackDuringOutageReachesPeersOnReconnect(t *testing.T) {
	f := newFixture()
	ma, _ := f.manager(t, "a")
	mb, _ := f.manager(t, "b")
	ctx := context.Background()

	_, err := ma.Acquire(ctx, "doc")
	require.NoError(t, err)
	sb, err := mb.Acquire(ctx, "doc")
	require.NoError(t, err)
	peer := NewPeer("s-b", "bob", 16)
	_, err = sb.Join(peer)
	require.NoError(t, err)
	recv(t, peer)

	f.network.Transport("a").SetHealthy(false)
	require.NoError(t, ma.Reset(ctx, "doc", seedState(t, "restored"), 42))
	assert.Zero(t, sb.Epoch())

	f.network.Transport("a").SetHealthy(true)
	out := recv(t, peer)
	for out.Kind != protocol.TypeSyncState {
		out = recv(t, peer)
	}
	assert.EqualValues(t, 42, out.Epoch)
	text, err := sb.Text()
	require.NoError(t, err)
	assert.Equal(t, "restored", text)
}

func TestUpdateAheadOfResetIsNotLost(t *testing.T) {
	f := newFixture()
	ma, _ := f.manager(t, "a")
	mb, _ := f.manager(t, "b")
	ctx := context.Background()

	sa, err := ma.Acquire(ctx, "doc")
	require.NoError(t, err)
	sb, err := mb.Acquire(ctx, "doc")
	require.NoError(t, err)

	// a re-baselines but b has not seen the reset yet.
	restored := seedState(t, "restored")
	applied, err := sa.Reset(restored, 42)
	require.NoError(t, err)
	require.True(t, applied)

	delta, err := editorFor(t, sa).Append(" more")
	require.NoError(t, err)
	require.NoError(t, sa.SubmitUpdate(ctx, NewPeer("s-a", "alice", 1), alice, 42, delta))

	require.Eventually(t, func() bool {
		text, _ := sb.Text()
		return sb.Epoch() == 42 && text == "restored more"
	}, 5*time.Second, 10*time.Millisecond)

	// The reset arriving late changes nothing.
	applied, err = sb.Reset(restored, 42)
	require.NoError(t, err)
	assert.False(t, applied)
	text, err := sb.Text()
	require.NoError(t, err)
	assert.Equal(t, "restored more", text)
}

func TestReapFlushesAndEvictsIdleStreams(t *testing.T) {
	f := newFixture()
	m, _ := f.manager(t, "r1")
	sched := snapshot.NewScheduler(f.store, m, snapshot.SchedulerConfig{}, discard, metrics.Discard())
	m.OnEvict(sched.Flush)
	ctx := context.Background()

	s, err := m.Acquire(ctx, "doc")
	require.NoError(t, err)
	delta, err := editorFor(t, s).Append("keep me")
	require.NoError(t, err)
	require.NoError(t, s.SubmitUpdate(ctx, NewPeer("s1", "alice", 1), alice, 0, delta))

	assert.Zero(t, m.Reap(ctx), "referenced streams stay open")
	m.Release(s)
	f.clock.Advance(30 * time.Second)
	assert.Zero(t, m.Reap(ctx), "not idle long enough")
	f.clock.Advance(31 * time.Second)
	assert.Equal(t, 1, m.Reap(ctx))
	assert.Empty(t, m.Open())

	snap, err := f.store.Latest(ctx, "doc")
	require.NoError(t, err)
	assert.EqualValues(t, 1, snap.Version)

	again, err := m.Acquire(ctx, "doc")
	require.NoError(t, err)
	assert.NotSame(t, s, again)
	text, err := again.Text()
	require.NoError(t, err)
	assert.Equal(t, "keep me", text)
	assert.False(t, again.Dirty())
}

func TestExpiredPresenceIsAnnounced(t *testing.T) {
	f := newFixture()
	m, tracker := f.manager(t, "r1")
	s, err := m.Acquire(context.Background(), "doc")
	require.NoError(t, err)

	p := NewPeer("s1", "alice", 8)
	_, err = s.Join(p)
	require.NoError(t, err)
	recv(t, p)

	tracker.Update("doc", "bob", presence.Record{DisplayName: "Bob"})
	f.clock.Advance(6 * time.Second)
	assert.Equal(t, 1, tracker.Sweep(f.clock.Now()))

	msg := recvType(t, p, protocol.TypePresenceLeave)
	assert.Equal(t, "bob", msg.UserID)
}

func TestClosedManagerRefusesAcquire(t *testing.T) {
	f := newFixture()
	m, _ := f.manager(t, "r1")
	s, err := m.Acquire(context.Background(), "doc")
	require.NoError(t, err)
	p := NewPeer("s1", "alice", 8)
	_, err = s.Join(p)
	require.NoError(t, err)

	m.Close(context.Background())
	_, err = m.Acquire(context.Background(), "doc")
	assert.ErrorIs(t, err, ErrClosed)

	// The sync_state is still queued; then the queue closes.
	recv(t, p)
	_, ok := <-p.Send()
	assert.False(t, ok)
}
