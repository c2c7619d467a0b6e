package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/auth"
	"collabtext/internal/client"
	"collabtext/internal/config"
	"collabtext/internal/crdt"
	"collabtext/internal/snapshot"
)

const secret = "app-test-secret-0123456789"

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig(t *testing.T, replica string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.ReplicaID = replica
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.Auth.Secret = secret
	cfg.Auth.Directory = "open"
	cfg.Snapshot.Driver = "memory"
	cfg.Redis = config.RedisConfig{}
	require.NoError(t, cfg.Validate())
	return cfg
}

type running struct {
	app  *App
	addr string
	stop func()
}

func start(t *testing.T, cfg config.Config) *running {
	t.Helper()
	a, err := New(context.Background(), cfg, discard)
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, ln) }()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			assert.NoError(t, <-done)
			a.Close()
		})
	}
	t.Cleanup(stop)
	return &running{app: a, addr: ln.Addr().String(), stop: stop}
}

func (r *running) health(t *testing.T) map[string]any {
	t.Helper()
	resp, err := http.Get("http://" + r.addr + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func (r *running) connect(t *testing.T, ctx context.Context, user string) *client.Client {
	t.Helper()
	tokens, err := auth.NewTokens(secret, time.Hour)
	require.NoError(t, err)
	tok, err := tokens.Issue(user)
	require.NoError(t, err)
	c := client.New(client.Config{
		URL:   "ws://" + r.addr + "/documents/notes/sync",
		Token: tok,
	}, client.Handlers{}, discard)
	go c.Run(ctx)
	require.Eventually(t, func() bool {
		_, err := c.Text()
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	return c
}

func waitText(t *testing.T, c *client.Client, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		text, _ := c.Text()
		return text == want
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHealthReportsReplica(t *testing.T) {
	r := start(t, testConfig(t, "r1"))
	body := r.health(t)
	assert.Equal(t, "r1", body["replica"])
	assert.Equal(t, "ok", body["status"])
}

func TestReplicasShareEditsOverRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var replicas []*running
	for _, name := range []string{"a", "b"} {
		cfg := testConfig(t, name)
		cfg.Redis = config.RedisConfig{Enabled: true, Addr: mr.Addr()}
		r := start(t, cfg)
		require.Eventually(t, func() bool { return r.health(t)["bus_healthy"] == true }, 5*time.Second, 20*time.Millisecond)
		replicas = append(replicas, r)
	}

	alice := replicas[0].connect(t, ctx, "alice")
	bob := replicas[1].connect(t, ctx, "bob")

	require.NoError(t, alice.Append("over redis"))
	waitText(t, bob, "over redis")
	require.NoError(t, bob.Insert(0, "sent "))
	waitText(t, alice, "sent over redis")
}

func TestShutdownFlushesDirtyDocuments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.bolt")
	cfg := testConfig(t, "r1")
	cfg.Snapshot.Driver = "bolt"
	cfg.Snapshot.BoltPath = path
	cfg.Snapshot.Interval = time.Hour
	r := start(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	alice := r.connect(t, ctx, "alice")
	bob := r.connect(t, ctx, "bob")
	require.NoError(t, alice.Append("persist me"))
	waitText(t, bob, "persist me")

	cancel()
	r.stop()

	store, err := snapshot.NewBoltStore(path)
	require.NoError(t, err)
	defer store.Close()
	snap, err := store.Latest(context.Background(), "notes")
	require.NoError(t, err)
	doc, err := crdt.Load(snap.State, snap.Epoch)
	require.NoError(t, err)
	text, err := doc.Text()
	require.NoError(t, err)
	assert.Equal(t, "persist me", text)
}

func TestNewRejectsUnreachablePostgres(t *testing.T) {
	cfg := testConfig(t, "r1")
	cfg.Snapshot.Driver = "postgres"
	cfg.Postgres.URL = "postgres://nobody@127.0.0.1:1/none?connect_timeout=1"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := New(ctx, cfg, discard)
	assert.Error(t, err)
}
