package stitch

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"
)

var spillBucket = []byte("children")

const spillBatch = 256

// spillStore is a disk-backed multimap from parent id to children, kept in
// arrival order by a monotonically increasing sequence in the key.
type spillStore struct {
	db      *bolt.DB
	path    string
	seq     uint64
	pending []spillEntry
}

type spillEntry struct {
	key, value []byte
}

func openSpill(dir string) (*spillStore, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating scratch dir: %w", err)
	}
	f, err := os.CreateTemp(dir, "stitch-*.bolt")
	if err != nil {
		return nil, fmt.Errorf("creating spill file: %w", err)
	}
	path := f.Name()
	f.Close()

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second, NoSync: true, NoFreelistSync: true})
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("opening spill store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(spillBucket)
		return err
	}); err != nil {
		db.Close()
		os.Remove(path)
		return nil, fmt.Errorf("creating spill bucket: %w", err)
	}
	return &spillStore{db: db, path: path}, nil
}

func spillPrefix(parentID string) []byte {
	p := make([]byte, 0, len(parentID)+1)
	p = append(p, parentID...)
	return append(p, 0)
}

// Entry layout: kind(1) line(8) offset(8) idLen(4) id raw.
const spillHeader = 21

func encodeSpill(rec Record) []byte {
	v := make([]byte, spillHeader+len(rec.ID)+len(rec.Raw))
	v[0] = byte(rec.Kind)
	binary.BigEndian.PutUint64(v[1:9], uint64(rec.Pos.Line))
	binary.BigEndian.PutUint64(v[9:17], uint64(rec.Pos.Offset))
	binary.BigEndian.PutUint32(v[17:21], uint32(len(rec.ID)))
	n := copy(v[spillHeader:], rec.ID)
	copy(v[spillHeader+n:], rec.Raw)
	return v
}

func decodeSpill(parentID string, v []byte) (Record, error) {
	if len(v) < spillHeader {
		return Record{}, fmt.Errorf("corrupt spill entry for %s", parentID)
	}
	idLen := int(binary.BigEndian.Uint32(v[17:21]))
	if len(v) < spillHeader+idLen {
		return Record{}, fmt.Errorf("corrupt spill entry for %s", parentID)
	}
	raw := make([]byte, len(v)-spillHeader-idLen)
	copy(raw, v[spillHeader+idLen:])
	return Record{
		Kind:     Kind(v[0]),
		ID:       string(v[spillHeader : spillHeader+idLen]),
		ParentID: parentID,
		Raw:      raw,
		Pos: Position{
			Line:   int64(binary.BigEndian.Uint64(v[1:9])),
			Offset: int64(binary.BigEndian.Uint64(v[9:17])),
		},
	}, nil
}

// put queues a child; writes are applied in batches.
func (s *spillStore) put(rec Record) error {
	s.seq++
	key := spillPrefix(rec.ParentID)
	key = binary.BigEndian.AppendUint64(key, s.seq)
	s.pending = append(s.pending, spillEntry{key: key, value: encodeSpill(rec)})
	if len(s.pending) >= spillBatch {
		return s.flush()
	}
	return nil
}

func (s *spillStore) flush() error {
	if len(s.pending) == 0 {
		return nil
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(spillBucket)
		for _, e := range s.pending {
			if err := b.Put(e.key, e.value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing spill batch: %w", err)
	}
	s.pending = s.pending[:0]
	return nil
}

// take removes and returns every child of parentID in arrival order. With
// decode false the entries are only counted.
func (s *spillStore) take(parentID string, decode bool) ([]Record, int, error) {
	if err := s.flush(); err != nil {
		return nil, 0, err
	}
	prefix := spillPrefix(parentID)
	var (
		out  []Record
		keys [][]byte
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(spillBucket)
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
			if decode {
				rec, err := decodeSpill(parentID, v)
				if err != nil {
					return err
				}
				out = append(out, rec)
			}
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("draining spill for %s: %w", parentID, err)
	}
	return out, len(keys), nil
}

func (s *spillStore) close() error {
	err := s.db.Close()
	if rmErr := os.Remove(s.path); err == nil {
		err = rmErr
	}
	return err
}
