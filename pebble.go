package ormap

import (
	"encoding/json"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
)

// PebbleStore persists replica state in four disjoint ranges under a
// namespace prefix. Each range starts at the namespace plus its ASCII
// punctuation separator and ends below the separator's successor byte:
//
//	live pairs  N > key   ->  [id, value]
//	tombstones  N < id    ->  key
//	ins-sig     N [ id    ->  signature
//	del-sig     N ] id    ->  signature
//
// Several replicas may share one database under distinct namespaces;
// concurrent access within a namespace is not supported.
type PebbleStore struct {
	db    *pebble.DB
	ns    string
	owned bool
}

const (
	sepPair      = '>'
	sepTombstone = '<'
	sepInsertSig = '['
	sepDeleteSig = ']'
)

var writeOptions = pebble.WriteOptions{Sync: false}

// NewPebbleStore wraps an already-open database.
func NewPebbleStore(db *pebble.DB, namespace string) *PebbleStore {
	return &PebbleStore{db: db, ns: namespace}
}

// OpenMap builds a persistent replica over db, keyed under the
// Namespace option.
func OpenMap(db *pebble.DB, obs Observer, o Options, entries ...Entry) (*Map, error) {
	return New(NewPebbleStore(db, o.Namespace), obs, o, entries...)
}

// OpenSignedMap is OpenMap for the signed variant.
func OpenSignedMap(db *pebble.DB, obs SignedObserver, o Options, entries ...SignedInsertion) (*SignedMap, error) {
	return NewSignedMap(NewPebbleStore(db, o.Namespace), obs, o, entries...)
}

// OpenPebbleStore opens (creating if needed) a database at path and
// owns it: Close closes the database.
func OpenPebbleStore(path, namespace string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "ormap: open store")
	}
	return &PebbleStore{db: db, ns: namespace, owned: true}, nil
}

func (s *PebbleStore) key(sep byte, rest string) []byte {
	k := make([]byte, 0, len(s.ns)+1+len(rest))
	k = append(k, s.ns...)
	k = append(k, sep)
	return append(k, rest...)
}

// bounds returns the [lower, upper) range holding every key under sep.
func (s *PebbleStore) bounds(sep byte) (lo, hi []byte) {
	return s.key(sep, ""), s.key(sep+1, "")
}

func (s *PebbleStore) get(key []byte) ([]byte, bool, error) {
	val, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "ormap: store get")
	}
	out := append([]byte(nil), val...)
	_ = closer.Close()
	return out, true, nil
}

func (s *PebbleStore) GetPair(key string) (Pair, bool, error) {
	raw, ok, err := s.get(s.key(sepPair, key))
	if err != nil || !ok {
		return Pair{}, false, err
	}
	p, err := decodePair(raw)
	if err != nil {
		return Pair{}, false, err
	}
	return p, true, nil
}

func (s *PebbleStore) PutPair(key string, p Pair) error {
	raw, err := encodePair(p)
	if err != nil {
		return err
	}
	return errors.Wrap(s.db.Set(s.key(sepPair, key), raw, &writeOptions), "ormap: store put")
}

func (s *PebbleStore) DeletePair(key string) error {
	return errors.Wrap(s.db.Delete(s.key(sepPair, key), &writeOptions), "ormap: store delete")
}

func (s *PebbleStore) Pairs() (Cursor, error) {
	lo, hi := s.bounds(sepPair)
	it := s.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	it.First()
	return &pebbleCursor{it: it, prefix: len(lo)}, nil
}

func (s *PebbleStore) PutTombstone(id, key string) error {
	return errors.Wrap(s.db.Set(s.key(sepTombstone, id), []byte(key), &writeOptions), "ormap: store put")
}

func (s *PebbleStore) HasTombstone(id string) (bool, error) {
	_, ok, err := s.get(s.key(sepTombstone, id))
	return ok, err
}

func (s *PebbleStore) Tombstones() (TombstoneCursor, error) {
	lo, hi := s.bounds(sepTombstone)
	it := s.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	it.First()
	return &pebbleTombstoneCursor{it: it, prefix: len(lo)}, nil
}

// FlushTombstones is two range deletes: every tombstone and every
// deletion signature below the id bound goes in one store call each.
func (s *PebbleStore) FlushTombstones(bound string) error {
	lo, _ := s.bounds(sepTombstone)
	if err := s.db.DeleteRange(lo, s.key(sepTombstone, bound), &writeOptions); err != nil {
		return errors.Wrap(err, "ormap: flush tombstones")
	}
	lo, _ = s.bounds(sepDeleteSig)
	err := s.db.DeleteRange(lo, s.key(sepDeleteSig, bound), &writeOptions)
	return errors.Wrap(err, "ormap: flush signatures")
}

func (s *PebbleStore) PutInsertSignature(id, signature string) error {
	return errors.Wrap(s.db.Set(s.key(sepInsertSig, id), []byte(signature), &writeOptions), "ormap: store put")
}

func (s *PebbleStore) GetInsertSignature(id string) (string, bool, error) {
	raw, ok, err := s.get(s.key(sepInsertSig, id))
	return string(raw), ok, err
}

func (s *PebbleStore) DeleteInsertSignature(id string) error {
	return errors.Wrap(s.db.Delete(s.key(sepInsertSig, id), &writeOptions), "ormap: store delete")
}

func (s *PebbleStore) PutDeleteSignature(id, signature string) error {
	return errors.Wrap(s.db.Set(s.key(sepDeleteSig, id), []byte(signature), &writeOptions), "ormap: store put")
}

func (s *PebbleStore) GetDeleteSignature(id string) (string, bool, error) {
	raw, ok, err := s.get(s.key(sepDeleteSig, id))
	return string(raw), ok, err
}

func (s *PebbleStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying database for metrics collection.
func (s *PebbleStore) DB() *pebble.DB {
	return s.db
}

func encodePair(p Pair) ([]byte, error) {
	raw, err := json.Marshal([]any{p.ID, p.Value})
	return raw, errors.Wrap(err, "ormap: encode pair")
}

func decodePair(raw []byte) (Pair, error) {
	var tuple []json.RawMessage
	if err := json.Unmarshal(raw, &tuple); err != nil || len(tuple) != 2 {
		return Pair{}, errors.New("ormap: corrupt pair record")
	}
	var p Pair
	if err := json.Unmarshal(tuple[0], &p.ID); err != nil {
		return Pair{}, errors.New("ormap: corrupt pair record")
	}
	if err := json.Unmarshal(tuple[1], &p.Value); err != nil {
		return Pair{}, errors.New("ormap: corrupt pair record")
	}
	return p, nil
}

type pebbleCursor struct {
	it     *pebble.Iterator
	prefix int
	key    string
	pair   Pair
	err    error
	primed bool
}

func (c *pebbleCursor) Next() bool {
	if c.err != nil {
		return false
	}
	if c.primed {
		c.it.Next()
	}
	c.primed = true
	if !c.it.Valid() {
		return false
	}
	c.key = string(c.it.Key()[c.prefix:])
	c.pair, c.err = decodePair(c.it.Value())
	return c.err == nil
}

func (c *pebbleCursor) Key() string { return c.key }
func (c *pebbleCursor) Pair() Pair  { return c.pair }

func (c *pebbleCursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.it.Error()
}

func (c *pebbleCursor) Close() error { return c.it.Close() }

type pebbleTombstoneCursor struct {
	it     *pebble.Iterator
	prefix int
	id     string
	key    string
	primed bool
}

func (c *pebbleTombstoneCursor) Next() bool {
	if c.primed {
		c.it.Next()
	}
	c.primed = true
	if !c.it.Valid() {
		return false
	}
	c.id = string(c.it.Key()[c.prefix:])
	c.key = string(c.it.Value())
	return true
}

func (c *pebbleTombstoneCursor) ID() string   { return c.id }
func (c *pebbleTombstoneCursor) Key() string  { return c.key }
func (c *pebbleTombstoneCursor) Err() error   { return c.it.Error() }
func (c *pebbleTombstoneCursor) Close() error { return c.it.Close() }
