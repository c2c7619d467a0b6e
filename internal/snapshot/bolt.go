package snapshot

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/snappy"
	bolt "go.etcd.io/bbolt"
)

var snapshotsBucket = []byte("snapshots")

// BoltStore keeps snapshots in an embedded bbolt file: one nested bucket per
// document, keyed by big-endian version. State is snappy-compressed.
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

type boltRecord struct {
	Epoch        uint64    `json:"epoch"`
	Heads        []string  `json:"heads"`
	RestoredFrom int64     `json:"restored_from,omitempty"`
	Size         int       `json:"size"`
	CreatedAt    time.Time `json:"created_at"`
	State        []byte    `json:"state,omitempty"`
}

// NewBoltStore opens the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func versionKey(v int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(v))
	return k
}

func (s *BoltStore) Save(_ context.Context, d Draft) (Snapshot, error) {
	var snap Snapshot
	err := s.db.Update(func(tx *bolt.Tx) error {
		docs, err := tx.Bucket(snapshotsBucket).CreateBucketIfNotExists([]byte(d.DocumentID))
		if err != nil {
			return err
		}
		var version int64 = 1
		if k, _ := docs.Cursor().Last(); k != nil {
			version = int64(binary.BigEndian.Uint64(k)) + 1
		}
		snap = fromDraft(d, version, time.Now())
		data, err := json.Marshal(boltRecord{
			Epoch:        snap.Epoch,
			Heads:        snap.Heads,
			RestoredFrom: snap.RestoredFrom,
			Size:         snap.Size,
			CreatedAt:    snap.CreatedAt,
			State:        snappy.Encode(nil, d.State),
		})
		if err != nil {
			return err
		}
		return docs.Put(versionKey(version), data)
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("save snapshot: %w", err)
	}
	return snap, nil
}

func decodeBolt(doc string, k, v []byte, withState bool) (Snapshot, error) {
	var rec boltRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	snap := Snapshot{
		DocumentID:   doc,
		Version:      int64(binary.BigEndian.Uint64(k)),
		Epoch:        rec.Epoch,
		Heads:        rec.Heads,
		RestoredFrom: rec.RestoredFrom,
		Size:         rec.Size,
		CreatedAt:    rec.CreatedAt,
	}
	if withState {
		state, err := snappy.Decode(nil, rec.State)
		if err != nil {
			return Snapshot{}, fmt.Errorf("decompress snapshot: %w", err)
		}
		snap.State = state
	}
	return snap, nil
}

func (s *BoltStore) Get(_ context.Context, doc string, version int64) (Snapshot, error) {
	var snap Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		docs := tx.Bucket(snapshotsBucket).Bucket([]byte(doc))
		if docs == nil || version < 1 {
			return ErrNotFound
		}
		k := versionKey(version)
		v := docs.Get(k)
		if v == nil {
			return ErrNotFound
		}
		var err error
		snap, err = decodeBolt(doc, k, v, true)
		return err
	})
	return snap, err
}

func (s *BoltStore) Latest(_ context.Context, doc string) (Snapshot, error) {
	var snap Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		docs := tx.Bucket(snapshotsBucket).Bucket([]byte(doc))
		if docs == nil {
			return ErrNotFound
		}
		k, v := docs.Cursor().Last()
		if k == nil {
			return ErrNotFound
		}
		var err error
		snap, err = decodeBolt(doc, k, v, true)
		return err
	})
	return snap, err
}

func (s *BoltStore) List(_ context.Context, doc string) ([]Snapshot, error) {
	var out []Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		docs := tx.Bucket(snapshotsBucket).Bucket([]byte(doc))
		if docs == nil {
			return nil
		}
		c := docs.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			snap, err := decodeBolt(doc, k, v, false)
			if err != nil {
				return err
			}
			out = append(out, snap)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) Close() error { return s.db.Close() }
