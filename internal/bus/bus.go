// Package bus carries document events between replicas.
//
// Every replica joins the channel of each document it hosts. Delivery is
// at-least-once with no ordering across documents and no deduplication; the
// CRDT absorbs duplicates. A transport never hands a replica back its own
// events.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrUnavailable is returned by Publish while the backing transport is down.
var ErrUnavailable = errors.New("bus: transport unavailable")

// Kind discriminates bus events.
type Kind string

const (
	KindUpdate       Kind = "update"
	KindPresence     Kind = "presence"
	KindAwareness    Kind = "awareness"
	KindReset        Kind = "reset"
	KindStateRequest Kind = "state_request"
	KindState        Kind = "state"
)

// Origin names the replica and session an event came from.
type Origin struct {
	Replica string `json:"replica"`
	Session string `json:"session,omitempty"`
}

// Event is one message on a document channel.
type Event struct {
	Kind       Kind   `json:"kind"`
	DocumentID string `json:"document_id"`
	Origin     Origin `json:"origin"`
	Epoch      uint64 `json:"epoch"`

	// Delta holds CRDT bytes for update, reset and state events.
	Delta []byte `json:"delta,omitempty"`

	// Message is the client-facing frame to forward verbatim.
	Message json.RawMessage `json:"message,omitempty"`

	SentAt time.Time `json:"sent_at"`
}

// Handler receives events for a joined document. Handlers run on the
// transport's delivery goroutine and must not block for long.
type Handler func(Event)

// Transport is a cross-replica publish/subscribe channel per document.
type Transport interface {
	// Publish sends ev to every other replica that joined ev.DocumentID.
	Publish(ctx context.Context, ev Event) error
	// Join starts delivering the document's events to h.
	Join(ctx context.Context, documentID string, h Handler) error
	// Leave stops delivery for the document.
	Leave(ctx context.Context, documentID string) error
	// Healthy reports whether cross-replica delivery currently works.
	Healthy() bool
	// OnReconnect registers fn to run each time delivery comes back up.
	// Events published while the transport was down are not replayed.
	OnReconnect(fn func())
	Close() error
}

// Channel is the pub/sub channel name for a document.
func Channel(documentID string) string { return "doc:" + documentID }

func documentFromChannel(ch string) (string, bool) {
	const prefix = "doc:"
	if len(ch) <= len(prefix) || ch[:len(prefix)] != prefix {
		return "", false
	}
	return ch[len(prefix):], true
}
