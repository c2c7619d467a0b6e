package client

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/auth"
	"collabtext/internal/bus"
	"collabtext/internal/metrics"
	"collabtext/internal/presence"
	"collabtext/internal/protocol"
	"collabtext/internal/server"
	"collabtext/internal/session"
	"collabtext/internal/snapshot"
	"collabtext/internal/stream"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestDelayGrowsLinearly(t *testing.T) {
	var got []time.Duration
	for attempt := 1; attempt <= 5; attempt++ {
		got = append(got, Delay(attempt, time.Second))
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second, 5 * time.Second}, got)
}

func TestRunGivesUpAfterFiveAttempts(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/documents/d/sync"
	srv.Close()

	c := New(Config{URL: url}, Handlers{}, discard)
	var delays []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	err := c.Run(context.Background())
	require.ErrorIs(t, err, ErrGaveUp)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second, 5 * time.Second}, delays)
}

func TestRunStopsWhenRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	c := New(Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}, Handlers{}, discard)
	c.sleep = func(context.Context, time.Duration) error {
		t.Fatal("refusals are not retried")
		return nil
	}
	err := c.Run(context.Background())
	assert.ErrorIs(t, err, ErrRefused)
}

func TestEditBeforeSyncFails(t *testing.T) {
	c := New(Config{URL: "ws://unused"}, Handlers{}, discard)
	assert.ErrorIs(t, c.Append("x"), ErrNotSynced)
	_, err := c.Text()
	assert.ErrorIs(t, err, ErrNotSynced)
}

type replica struct {
	http   *httptest.Server
	server *server.Server
	tokens *auth.Tokens
}

func startReplica(t *testing.T) *replica {
	t.Helper()
	tokens, err := auth.NewTokens("client-test-secret-0123456789", time.Hour)
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	store := snapshot.NewMemoryStore()
	transport := bus.NewNetwork().Transport("r1")
	tracker := presence.NewTracker(5 * time.Second)
	mgr := stream.NewManager(stream.Config{Replica: "r1"}, store, transport, tracker, discard, m)
	srv := server.New(server.Deps{
		Replica:    "r1",
		Authorizer: auth.NewAuthorizer(tokens, auth.NewOpenDirectory()),
		Streams:    mgr,
		Scheduler:  snapshot.NewScheduler(store, mgr, snapshot.SchedulerConfig{}, discard, m),
		Tracker:    tracker,
		Bus:        transport,
		Gatherer:   reg,
		Metrics:    m,
		Session: session.Config{
			OutboundQueue:     64,
			MaxProtocolErrors: 10,
			Rate:              1000,
			Burst:             1000,
			PingInterval:      time.Second,
			PongWait:          5 * time.Second,
			WriteWait:         time.Second,
			MaxMessageBytes:   1 << 20,
		},
		Logger: discard,
	})
	r := &replica{http: httptest.NewServer(srv.Handler()), server: srv, tokens: tokens}
	t.Cleanup(func() {
		srv.Shutdown()
		r.http.Close()
		mgr.Close(context.Background())
		_ = transport.Close()
	})
	return r
}

func (r *replica) client(t *testing.T, user string, h Handlers) *Client {
	t.Helper()
	tok, err := r.tokens.Issue(user)
	require.NoError(t, err)
	return New(Config{
		URL:       "ws" + strings.TrimPrefix(r.http.URL, "http") + "/documents/notes/sync",
		Token:     tok,
		Heartbeat: 50 * time.Millisecond,
		BaseDelay: 10 * time.Millisecond,
	}, h, discard)
}

type texts struct {
	mu   sync.Mutex
	last string
}

func (x *texts) set(s string) {
	x.mu.Lock()
	x.last = s
	x.mu.Unlock()
}

func (x *texts) get() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.last
}

func TestClientsEditTogether(t *testing.T) {
	r := startReplica(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var bobText texts
	seen := make(chan protocol.Message, 16)
	alice := r.client(t, "alice", Handlers{})
	bob := r.client(t, "bob", Handlers{
		Change: bobText.set,
		Presence: func(m protocol.Message) {
			select {
			case seen <- m:
			default:
			}
		},
	})
	alice.SetCursor(json.RawMessage(`{"offset":0}`))

	go alice.Run(ctx)
	go bob.Run(ctx)

	require.Eventually(t, func() bool {
		_, errA := alice.Text()
		_, errB := bob.Text()
		return errA == nil && errB == nil
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.Append("hello"))
	require.Eventually(t, func() bool { return bobText.get() == "hello" }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, bob.Insert(0, ">> "))
	require.Eventually(t, func() bool {
		text, _ := alice.Text()
		return text == ">> hello"
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case m := <-seen:
		assert.Equal(t, "alice", m.UserID)
		assert.JSONEq(t, `{"offset":0}`, string(m.Cursor))
	case <-time.After(5 * time.Second):
		t.Fatal("no presence heartbeat from alice")
	}
}
