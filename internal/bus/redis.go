package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/redis/go-redis/v9"
)

// RedisTransport relays events through Redis pub/sub, one channel per
// document. A single PubSub connection carries every joined channel; when it
// breaks the transport reports unhealthy and reconnects with backoff for as
// long as it runs.
type RedisTransport struct {
	client  *redis.Client
	replica string
	log     *slog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	ps       *redis.PubSub

	healthy    atomic.Bool
	reconnect  []func()
	newBackoff func() backoff.BackOff

	cancel context.CancelFunc
	done   chan struct{}
}

var _ Transport = (*RedisTransport)(nil)

// NewRedis returns a transport for replica. Call Start to connect.
func NewRedis(client *redis.Client, replica string, logger *slog.Logger) *RedisTransport {
	return &RedisTransport{
		client:     client,
		replica:    replica,
		log:        logger.With("component", "bus", "transport", "redis"),
		handlers:   make(map[string]Handler),
		newBackoff: defaultBackoff,
		done:       make(chan struct{}),
	}
}

func defaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Start launches the receive loop. It returns immediately; the transport
// becomes healthy once Redis answers.
func (t *RedisTransport) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	go t.run(ctx)
}

func (t *RedisTransport) run(ctx context.Context) {
	defer close(t.done)
	b := t.newBackoff()
	for {
		connected, err := t.listen(ctx)
		t.healthy.Store(false)
		if ctx.Err() != nil {
			return
		}
		if connected {
			b.Reset()
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			wait = 30 * time.Second
		}
		t.log.Warn("bus disconnected, retrying", "err", err, "in", wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// listen runs one connection's lifetime. connected reports whether the
// subscription came up before it failed.
func (t *RedisTransport) listen(ctx context.Context) (connected bool, err error) {
	if err := t.client.Ping(ctx).Err(); err != nil {
		return false, fmt.Errorf("ping: %w", err)
	}

	t.mu.Lock()
	channels := make([]string, 0, len(t.handlers))
	for doc := range t.handlers {
		channels = append(channels, Channel(doc))
	}
	ps := t.client.Subscribe(ctx, channels...)
	t.ps = ps
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		if t.ps == ps {
			t.ps = nil
		}
		t.mu.Unlock()
		_ = ps.Close()
	}()

	t.healthy.Store(true)
	t.log.Info("bus connected", "channels", len(channels))
	t.mu.Lock()
	hooks := append([]func(){}, t.reconnect...)
	t.mu.Unlock()
	for _, fn := range hooks {
		go fn()
	}

	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			return true, err
		}
		t.dispatch(msg)
	}
}

func (t *RedisTransport) dispatch(msg *redis.Message) {
	doc, ok := documentFromChannel(msg.Channel)
	if !ok {
		return
	}
	var ev Event
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		t.log.Warn("dropping malformed bus event", "channel", msg.Channel, "err", err)
		return
	}
	if ev.Origin.Replica == t.replica {
		return
	}
	ev.DocumentID = doc
	t.mu.Lock()
	h := t.handlers[doc]
	t.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (t *RedisTransport) Publish(ctx context.Context, ev Event) error {
	if !t.Healthy() {
		return ErrUnavailable
	}
	ev.Origin.Replica = t.replica
	if ev.SentAt.IsZero() {
		ev.SentAt = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := t.client.Publish(ctx, Channel(ev.DocumentID), data).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (t *RedisTransport) Join(ctx context.Context, doc string, h Handler) error {
	t.mu.Lock()
	_, existed := t.handlers[doc]
	t.handlers[doc] = h
	ps := t.ps
	t.mu.Unlock()
	if existed || ps == nil {
		return nil
	}
	// A failure here surfaces on the receive loop too, which resubscribes
	// every joined channel on reconnect.
	if err := ps.Subscribe(ctx, Channel(doc)); err != nil {
		return fmt.Errorf("%w: subscribe %s: %v", ErrUnavailable, doc, err)
	}
	return nil
}

func (t *RedisTransport) Leave(ctx context.Context, doc string) error {
	t.mu.Lock()
	delete(t.handlers, doc)
	ps := t.ps
	t.mu.Unlock()
	if ps == nil {
		return nil
	}
	if err := ps.Unsubscribe(ctx, Channel(doc)); err != nil {
		return fmt.Errorf("%w: unsubscribe %s: %v", ErrUnavailable, doc, err)
	}
	return nil
}

func (t *RedisTransport) Healthy() bool { return t.healthy.Load() }

// OnReconnect registers fn to run after every successful (re)subscription.
func (t *RedisTransport) OnReconnect(fn func()) {
	t.mu.Lock()
	t.reconnect = append(t.reconnect, fn)
	t.mu.Unlock()
}

// Close stops the receive loop and waits for it.
func (t *RedisTransport) Close() error {
	if t.cancel == nil {
		return nil
	}
	t.cancel()
	t.mu.Lock()
	if t.ps != nil {
		_ = t.ps.Close()
	}
	t.mu.Unlock()
	<-t.done
	return nil
}
