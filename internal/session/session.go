// Package session drives one websocket connection through
// HANDSHAKING, ACTIVE, CLOSING and CLOSED.
//
// A session runs a read loop and a write loop joined by an errgroup. The
// write loop is the only goroutine that writes to the socket; when it
// returns it closes the socket, which unblocks the read loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"collabtext/internal/auth"
	"collabtext/internal/crdt"
	"collabtext/internal/metrics"
	"collabtext/internal/protocol"
	"collabtext/internal/stream"
)

// ErrProtocol ends a session that sent too many malformed frames in a row.
var ErrProtocol = errors.New("session: too many protocol errors")

var (
	errPeerClosed   = errors.New("session: peer closed")
	errStreamClosed = errors.New("session: dropped by stream")
)

// State is the lifecycle position of a session.
type State int32

const (
	Handshaking State = iota
	Active
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Config tunes a session.
type Config struct {
	OutboundQueue     int
	MaxProtocolErrors int
	Rate              float64
	Burst             int
	PingInterval      time.Duration
	PongWait          time.Duration
	WriteWait         time.Duration
	MaxMessageBytes   int64
}

// Session is one client connection to one document.
type Session struct {
	id      string
	conn    *websocket.Conn
	stream  *stream.Stream
	grant   auth.Grant
	cfg     Config
	limiter *rate.Limiter
	log     *slog.Logger
	metrics *metrics.Metrics

	peer  *stream.Peer
	state atomic.Int32
	epoch atomic.Uint64
	// closeCode is the close frame code the write loop sends; zero means
	// going away.
	closeCode atomic.Int32

	protocolErrors int
}

// New prepares a session over an upgraded connection. The grant has
// already been checked.
func New(conn *websocket.Conn, st *stream.Stream, grant auth.Grant, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Session {
	id := uuid.NewString()
	return &Session{
		id:      id,
		conn:    conn,
		stream:  st,
		grant:   grant,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		log:     logger.With("session", id, "document", grant.DocumentID, "user", grant.User.ID),
		metrics: m,
	}
}

// ID returns the session ID used as bus origin.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	s.log.Debug("session state", "state", st)
}

// Run serves the connection until either side closes it or ctx is done.
// Normal closes return nil.
func (s *Session) Run(ctx context.Context) error {
	s.peer = stream.NewPeer(s.id, s.grant.User.ID, s.cfg.OutboundQueue)
	epoch, err := s.stream.Join(s.peer)
	if err != nil {
		s.conn.Close()
		s.setState(Closed)
		return err
	}
	s.epoch.Store(epoch)
	s.setState(Active)
	s.metrics.Sessions.Inc()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.writeLoop(gctx) })
	err = g.Wait()

	s.setState(Closing)
	s.stream.Leave(s.peer)
	s.conn.Close()
	s.metrics.Sessions.Dec()
	s.setState(Closed)

	switch {
	case err == nil, errors.Is(err, errPeerClosed), errors.Is(err, errStreamClosed), errors.Is(err, context.Canceled):
		s.log.Debug("session closed", "reason", err)
		return nil
	default:
		s.log.Info("session ended", "error", err)
		return err
	}
}

func (s *Session) readLoop(ctx context.Context) error {
	s.conn.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.closeCode.CompareAndSwap(0, websocket.CloseNormalClosure)
				return errPeerClosed
			}
			return fmt.Errorf("read: %w", err)
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := s.handle(ctx, data); err != nil {
			return err
		}
	}
}

func (s *Session) reply(code, reason string) {
	s.stream.SendTo(s.peer, stream.Outbound{
		Kind: protocol.TypeError,
		Data: protocol.MustEncode(protocol.Error(code, reason)),
	})
}

func (s *Session) handle(ctx context.Context, data []byte) error {
	msg, err := protocol.Decode(data)
	if err != nil {
		s.metrics.ProtocolErrors.Inc()
		s.protocolErrors++
		s.log.Debug("dropping malformed frame", "error", err, "consecutive", s.protocolErrors)
		if s.protocolErrors > s.cfg.MaxProtocolErrors {
			s.closeCode.Store(websocket.ClosePolicyViolation)
			return ErrProtocol
		}
		return nil
	}
	s.protocolErrors = 0
	s.metrics.MessagesIn.WithLabelValues(string(msg.Type)).Inc()

	user := s.grant.User
	switch msg.Type {
	case protocol.TypeUpdate:
		if !s.grant.Role.CanEdit() {
			s.metrics.MergeErrors.WithLabelValues("read_only").Inc()
			s.reply(protocol.CodeReadOnly, "viewers cannot edit this document")
			return nil
		}
		err := s.stream.SubmitUpdate(ctx, s.peer, user, s.epoch.Load(), msg.Update)
		switch {
		case err == nil:
		case errors.Is(err, crdt.ErrStaleEpoch), errors.Is(err, crdt.ErrFutureEpoch):
			s.reply(protocol.CodeStaleEpoch, "document was rolled back; resynchronising")
			s.stream.Resync(s.peer)
		default:
			s.log.Debug("update rejected", "error", err)
			s.reply(protocol.CodeInvalidUpdate, "update could not be merged")
		}
	case protocol.TypePresence:
		s.stream.SubmitPresence(ctx, s.peer, user, msg.Cursor)
	case protocol.TypeAwareness:
		s.stream.SubmitAwareness(ctx, s.peer, user, msg.Update)
	}
	return nil
}

func (s *Session) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case out, ok := <-s.peer.Send():
			if !ok {
				s.writeClose(websocket.CloseGoingAway, "stream closed")
				return errStreamClosed
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, out.Data); err != nil {
				return fmt.Errorf("write: %w", err)
			}
			if out.Kind == protocol.TypeSyncState {
				s.epoch.Store(out.Epoch)
			}
			s.metrics.MessagesOut.WithLabelValues(string(out.Kind)).Inc()
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteWait)); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		case <-ctx.Done():
			code := int(s.closeCode.Load())
			reason := ""
			switch code {
			case 0:
				code, reason = websocket.CloseGoingAway, "server shutting down"
			case websocket.ClosePolicyViolation:
				reason = "too many protocol errors"
			}
			s.writeClose(code, reason)
			return nil
		}
	}
}

func (s *Session) writeClose(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteWait))
}
