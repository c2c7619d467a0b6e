// Package presence keeps the last known presence of every user per document.
// Records expire by time: a record whose last heartbeat is older than the
// liveness window is never returned, whether or not the sweep has removed it.
package presence

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Record is one user's presence on one document.
type Record struct {
	UserID      string          `json:"user_id"`
	DisplayName string          `json:"username"`
	Color       string          `json:"color,omitempty"`
	AvatarRef   string          `json:"avatar_url,omitempty"`
	Cursor      json.RawMessage `json:"cursor,omitempty"`
	LastSeen    time.Time       `json:"last_seen"`

	// Disconnected is set once the user's last local session went away.
	// The record still lives until the window passes.
	Disconnected bool `json:"disconnected,omitempty"`
}

// ExpiryFunc is told about every record the sweep removes.
type ExpiryFunc func(documentID, userID string)

type bucket struct {
	mu      sync.RWMutex
	records map[string]Record
}

// Tracker holds presence for every document on this replica.
type Tracker struct {
	window time.Duration
	now    func() time.Time

	mu       sync.RWMutex
	docs     map[string]*bucket
	handlers []ExpiryFunc
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker returns a tracker with the given liveness window.
func NewTracker(window time.Duration, opts ...Option) *Tracker {
	t := &Tracker{
		window: window,
		now:    time.Now,
		docs:   make(map[string]*bucket),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Window returns the liveness window.
func (t *Tracker) Window() time.Duration { return t.window }

// OnExpire registers fn to be called for each record removed by Sweep.
func (t *Tracker) OnExpire(fn ExpiryFunc) {
	t.mu.Lock()
	t.handlers = append(t.handlers, fn)
	t.mu.Unlock()
}

func (t *Tracker) bucket(doc string, create bool) *bucket {
	t.mu.RLock()
	b := t.docs[doc]
	t.mu.RUnlock()
	if b != nil || !create {
		return b
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if b = t.docs[doc]; b == nil {
		b = &bucket{records: make(map[string]Record)}
		t.docs[doc] = b
	}
	return b
}

// Update replaces the user's record wholesale and stamps it with the current
// time. The stored record is returned.
func (t *Tracker) Update(doc, userID string, rec Record) Record {
	rec.UserID = userID
	rec.LastSeen = t.now()
	rec.Disconnected = false
	b := t.bucket(doc, true)
	b.mu.Lock()
	b.records[userID] = rec
	b.mu.Unlock()
	return rec
}

// Release marks the user's record as disconnected without touching its
// timestamp, so it still expires on schedule and a later heartbeat revives it.
func (t *Tracker) Release(doc, userID string) {
	b := t.bucket(doc, false)
	if b == nil {
		return
	}
	b.mu.Lock()
	if rec, ok := b.records[userID]; ok {
		rec.Disconnected = true
		b.records[userID] = rec
	}
	b.mu.Unlock()
}

// LiveSet returns the records on doc seen within the window ending at now,
// ordered by user ID.
func (t *Tracker) LiveSet(doc string, now time.Time) []Record {
	b := t.bucket(doc, false)
	if b == nil {
		return nil
	}
	b.mu.RLock()
	out := make([]Record, 0, len(b.records))
	for _, rec := range b.records {
		if t.live(rec, now) {
			out = append(out, rec)
		}
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Live is LiveSet evaluated at the tracker's clock.
func (t *Tracker) Live(doc string) []Record { return t.LiveSet(doc, t.now()) }

func (t *Tracker) live(rec Record, now time.Time) bool {
	return now.Sub(rec.LastSeen) <= t.window
}

type expired struct{ doc, user string }

// Sweep physically removes stale records and notifies expiry handlers. Empty
// buckets are dropped.
func (t *Tracker) Sweep(now time.Time) int {
	t.mu.RLock()
	docs := make(map[string]*bucket, len(t.docs))
	for id, b := range t.docs {
		docs[id] = b
	}
	handlers := append([]ExpiryFunc(nil), t.handlers...)
	t.mu.RUnlock()

	var gone []expired
	var empty []string
	for id, b := range docs {
		b.mu.Lock()
		for user, rec := range b.records {
			if !t.live(rec, now) {
				delete(b.records, user)
				gone = append(gone, expired{id, user})
			}
		}
		if len(b.records) == 0 {
			empty = append(empty, id)
		}
		b.mu.Unlock()
	}

	if len(empty) > 0 {
		t.mu.Lock()
		for _, id := range empty {
			if b := t.docs[id]; b != nil {
				b.mu.RLock()
				n := len(b.records)
				b.mu.RUnlock()
				if n == 0 {
					delete(t.docs, id)
				}
			}
		}
		t.mu.Unlock()
	}

	for _, g := range gone {
		for _, fn := range handlers {
			fn(g.doc, g.user)
		}
	}
	return len(gone)
}

// Forget drops every record for doc.
func (t *Tracker) Forget(doc string) {
	t.mu.Lock()
	delete(t.docs, doc)
	t.mu.Unlock()
}

// Run sweeps on every tick until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep(t.now())
		}
	}
}
