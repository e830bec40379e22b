package ormap

import (
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
)

// MemStore keeps all replica state in process memory. Reads never
// block; iteration snapshots the key set and walks it in sorted order
// so every replica yields the same sequence.
type MemStore struct {
	pairs      *xsync.MapOf[string, Pair]
	tombstones *xsync.MapOf[string, string]
	insertSigs *xsync.MapOf[string, string]
	deleteSigs *xsync.MapOf[string, string]
}

func NewMemStore() *MemStore {
	return &MemStore{
		pairs:      xsync.NewMapOf[string, Pair](),
		tombstones: xsync.NewMapOf[string, string](),
		insertSigs: xsync.NewMapOf[string, string](),
		deleteSigs: xsync.NewMapOf[string, string](),
	}
}

func (s *MemStore) GetPair(key string) (Pair, bool, error) {
	p, ok := s.pairs.Load(key)
	return p, ok, nil
}

func (s *MemStore) PutPair(key string, p Pair) error {
	s.pairs.Store(key, p)
	return nil
}

func (s *MemStore) DeletePair(key string) error {
	s.pairs.Delete(key)
	return nil
}

func (s *MemStore) Pairs() (Cursor, error) {
	keys := make([]string, 0, s.pairs.Size())
	s.pairs.Range(func(key string, _ Pair) bool {
		keys = append(keys, key)
		return true
	})
	sort.Strings(keys)
	return &memCursor{store: s, keys: keys}, nil
}

func (s *MemStore) PutTombstone(id, key string) error {
	s.tombstones.Store(id, key)
	return nil
}

func (s *MemStore) HasTombstone(id string) (bool, error) {
	_, ok := s.tombstones.Load(id)
	return ok, nil
}

func (s *MemStore) Tombstones() (TombstoneCursor, error) {
	ids := make([]string, 0, s.tombstones.Size())
	s.tombstones.Range(func(id string, _ string) bool {
		ids = append(ids, id)
		return true
	})
	sort.Strings(ids)
	return &memTombstoneCursor{store: s, ids: ids}, nil
}

func (s *MemStore) FlushTombstones(bound string) error {
	s.tombstones.Range(func(id string, _ string) bool {
		if id < bound {
			s.tombstones.Delete(id)
			s.deleteSigs.Delete(id)
		}
		return true
	})
	return nil
}

func (s *MemStore) PutInsertSignature(id, signature string) error {
	s.insertSigs.Store(id, signature)
	return nil
}

func (s *MemStore) GetInsertSignature(id string) (string, bool, error) {
	sg, ok := s.insertSigs.Load(id)
	return sg, ok, nil
}

func (s *MemStore) DeleteInsertSignature(id string) error {
	s.insertSigs.Delete(id)
	return nil
}

func (s *MemStore) PutDeleteSignature(id, signature string) error {
	s.deleteSigs.Store(id, signature)
	return nil
}

func (s *MemStore) GetDeleteSignature(id string) (string, bool, error) {
	sg, ok := s.deleteSigs.Load(id)
	return sg, ok, nil
}

func (s *MemStore) Close() error {
	return nil
}

type memCursor struct {
	store *MemStore
	keys  []string
	key   string
	pair  Pair
}

func (c *memCursor) Next() bool {
	for len(c.keys) > 0 {
		key := c.keys[0]
		c.keys = c.keys[1:]
		// a key removed since the snapshot is skipped
		if p, ok := c.store.pairs.Load(key); ok {
			c.key, c.pair = key, p
			return true
		}
	}
	return false
}

func (c *memCursor) Key() string  { return c.key }
func (c *memCursor) Pair() Pair   { return c.pair }
func (c *memCursor) Err() error   { return nil }
func (c *memCursor) Close() error { return nil }

type memTombstoneCursor struct {
	store *MemStore
	ids   []string
	id    string
	key   string
}

func (c *memTombstoneCursor) Next() bool {
	for len(c.ids) > 0 {
		id := c.ids[0]
		c.ids = c.ids[1:]
		if key, ok := c.store.tombstones.Load(id); ok {
			c.id, c.key = id, key
			return true
		}
	}
	return false
}

func (c *memTombstoneCursor) ID() string   { return c.id }
func (c *memTombstoneCursor) Key() string  { return c.key }
func (c *memTombstoneCursor) Err() error   { return nil }
func (c *memTombstoneCursor) Close() error { return nil }
