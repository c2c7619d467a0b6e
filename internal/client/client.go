// Package client is a sync client that keeps a local replica of one
// document. It reconnects on its own and sends presence heartbeats.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"collabtext/internal/crdt"
	"collabtext/internal/protocol"
)

var (
	// ErrGaveUp is returned by Run once every reconnect attempt failed.
	ErrGaveUp = errors.New("client: reconnect attempts exhausted")
	// ErrRefused is returned when the server rejects the handshake. Retrying
	// would not help.
	ErrRefused = errors.New("client: refused by server")
	// ErrNotSynced is returned by edits made before the first sync_state.
	ErrNotSynced = errors.New("client: no document state yet")
	// ErrBacklog is returned when the outbound queue is full.
	ErrBacklog = errors.New("client: outbound queue full")
)

// Config tunes a Client.
type Config struct {
	// URL is the sync endpoint, ws://host/documents/{id}/sync.
	URL   string
	Token string

	Heartbeat   time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	WriteWait   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Heartbeat <= 0 {
		c.Heartbeat = 3 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	return c
}

// Delay is the wait before reconnect attempt n, counting from 1.
func Delay(attempt int, base time.Duration) time.Duration {
	return time.Duration(attempt) * base
}

// Handlers receive what the server pushes. Any of them may be nil. They run
// on the read goroutine.
type Handlers struct {
	Change   func(text string)
	Presence func(protocol.Message)
	Leave    func(userID string)
	Error    func(code, message string)
}

// Client is one connection, kept alive across drops, to one document.
type Client struct {
	cfg    Config
	h      Handlers
	log    *slog.Logger
	dialer *websocket.Dialer
	sleep  func(context.Context, time.Duration) error

	mu     sync.Mutex
	editor *crdt.Editor
	epoch  uint64
	cursor json.RawMessage

	out       chan []byte
	connected atomic.Bool
}

// New returns a client. Call Run to connect.
func New(cfg Config, h Handlers, logger *slog.Logger) *Client {
	return &Client{
		cfg:    cfg.withDefaults(),
		h:      h,
		log:    logger.With("component", "client"),
		dialer: websocket.DefaultDialer,
		sleep:  sleep,
		out:    make(chan []byte, 256),
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run keeps the client connected until ctx is done, the server refuses it,
// or MaxAttempts reconnects in a row fail. A connection that reached the
// server resets the count.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		connected, err := c.connect(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrRefused) {
			return err
		}
		if connected {
			attempt = 0
		}
		attempt++
		if attempt > c.cfg.MaxAttempts {
			return fmt.Errorf("%w: %v", ErrGaveUp, err)
		}
		delay := Delay(attempt, c.cfg.BaseDelay)
		c.log.Warn("disconnected, retrying", "attempt", attempt, "delay", delay, "error", err)
		if err := c.sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

func (c *Client) connect(ctx context.Context) (bool, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
				return false, fmt.Errorf("%w: %s", ErrRefused, resp.Status)
			}
		}
		return false, fmt.Errorf("dial: %w", err)
	}
	c.drain()
	c.connected.Store(true)
	defer c.connected.Store(false)
	c.log.Info("connected", "url", c.cfg.URL)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readPump(conn) })
	g.Go(func() error { return c.writePump(gctx, conn) })
	return true, g.Wait()
}

// drain discards frames queued for a connection that is gone. Whatever they
// carried is resent from the editor after the next sync_state.
func (c *Client) drain() {
	for {
		select {
		case <-c.out:
		default:
			return
		}
	}
}

func (c *Client) readPump(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		msg, err := protocol.DecodeServer(data)
		if err != nil {
			c.log.Warn("dropping bad frame", "error", err)
			continue
		}
		if err := c.handle(msg); err != nil {
			c.log.Warn("frame not applied", "type", msg.Type, "error", err)
		}
	}
}

func (c *Client) handle(msg protocol.Message) error {
	switch msg.Type {
	case protocol.TypeSyncState:
		var epoch uint64
		if msg.Version != nil {
			epoch = *msg.Version
		}
		text, err := c.syncState(msg.State, epoch)
		if err != nil {
			return err
		}
		c.changed(text)
	case protocol.TypeUpdate:
		c.mu.Lock()
		if c.editor == nil {
			c.mu.Unlock()
			return ErrNotSynced
		}
		err := c.editor.Apply(msg.Update)
		text, _ := c.editor.Text()
		c.mu.Unlock()
		if err != nil {
			return err
		}
		c.changed(text)
	case protocol.TypePresence:
		if c.h.Presence != nil {
			c.h.Presence(msg)
		}
	case protocol.TypePresenceLeave:
		if c.h.Leave != nil {
			c.h.Leave(msg.UserID)
		}
	case protocol.TypeError:
		c.log.Warn("server error", "code", msg.Code, "message", msg.Reason)
		if c.h.Error != nil {
			c.h.Error(msg.Code, msg.Reason)
		}
	}
	return nil
}

// syncState installs a full state. Within the same epoch local edits the
// server has not seen survive and are sent again; a new epoch means the
// document was rolled back and the local replica is replaced.
func (c *Client) syncState(state []byte, epoch uint64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.editor == nil:
		e, err := crdt.NewEditor(state)
		if err != nil {
			return "", err
		}
		c.editor = e
	case epoch != c.epoch:
		if err := c.editor.Rebase(state); err != nil {
			return "", err
		}
		c.log.Info("document rebased", "epoch", epoch)
	default:
		pending, err := c.editor.Merge(state)
		if err != nil {
			return "", err
		}
		if len(pending) > 0 {
			c.log.Debug("resending local edits", "bytes", len(pending))
			if err := c.queue(protocol.ClientUpdate(pending)); err != nil {
				return "", err
			}
		}
	}
	c.epoch = epoch
	return c.editor.Text()
}

func (c *Client) changed(text string) {
	if c.h.Change != nil {
		c.h.Change(text)
	}
}

func (c *Client) queue(m protocol.Message) error {
	select {
	case c.out <- protocol.MustEncode(m):
		return nil
	default:
		return ErrBacklog
	}
}

func (c *Client) writePump(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	if err := c.write(conn, c.heartbeat()); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteWait))
			return nil
		case data := <-c.out:
			if err := c.write(conn, data); err != nil {
				return err
			}
		case <-ticker.C:
			if err := c.write(conn, c.heartbeat()); err != nil {
				return err
			}
		}
	}
}

func (c *Client) write(conn *websocket.Conn, data []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (c *Client) heartbeat() []byte {
	c.mu.Lock()
	cursor := c.cursor
	c.mu.Unlock()
	return protocol.MustEncode(protocol.ClientPresence(cursor))
}

// SetCursor changes the cursor sent with every heartbeat.
func (c *Client) SetCursor(cursor json.RawMessage) {
	c.mu.Lock()
	c.cursor = cursor
	c.mu.Unlock()
}

// Text returns the local text.
func (c *Client) Text() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.editor == nil {
		return "", ErrNotSynced
	}
	return c.editor.Text()
}

// Epoch returns the baseline the local replica belongs to.
func (c *Client) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Insert inserts s at rune offset pos.
func (c *Client) Insert(pos int, s string) error {
	return c.edit(func(e *crdt.Editor) ([]byte, error) { return e.Insert(pos, s) })
}

// Append adds s at the end.
func (c *Client) Append(s string) error {
	return c.edit(func(e *crdt.Editor) ([]byte, error) { return e.Append(s) })
}

// Delete removes n runes at pos.
func (c *Client) Delete(pos, n int) error {
	return c.edit(func(e *crdt.Editor) ([]byte, error) { return e.Delete(pos, n) })
}

// edit applies a local change and sends it. While disconnected the change
// stays local and is sent after the next sync_state.
func (c *Client) edit(fn func(*crdt.Editor) ([]byte, error)) error {
	c.mu.Lock()
	if c.editor == nil {
		c.mu.Unlock()
		return ErrNotSynced
	}
	delta, err := fn(c.editor)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if len(delta) == 0 || !c.connected.Load() {
		return nil
	}
	return c.queue(protocol.ClientUpdate(delta))
}
