package ormap

// Pair is the live entry installed for a key: the winning insertion id
// and its value.
type Pair struct {
	ID    string
	Value any
}

// Cursor walks live pairs in key order. Close releases the underlying
// store resources; a cursor left open pins a persistent snapshot.
type Cursor interface {
	Next() bool
	Key() string
	Pair() Pair
	Err() error
	Close() error
}

// TombstoneCursor walks tombstones in id order.
type TombstoneCursor interface {
	Next() bool
	ID() string
	Key() string
	Err() error
	Close() error
}

// Store is the state back-end of a replica: the live-pair table, the
// tombstone table, and the two signature tables of the signed variant.
// Lookups signal absence with a false flag, never an error. Mutations
// are called under the owning map's mutex; the map's read accessors
// (Get, Has, the startup size count, and the Pairs cursor behind
// Entries, Keys and Values) call the store without it.
type Store interface {
	GetPair(key string) (Pair, bool, error)
	PutPair(key string, p Pair) error
	DeletePair(key string) error
	Pairs() (Cursor, error)

	PutTombstone(id, key string) error
	HasTombstone(id string) (bool, error)
	Tombstones() (TombstoneCursor, error)

	// FlushTombstones removes every tombstone and deletion signature
	// whose id sorts below bound.
	FlushTombstones(bound string) error

	PutInsertSignature(id, signature string) error
	GetInsertSignature(id string) (string, bool, error)
	DeleteInsertSignature(id string) error
	PutDeleteSignature(id, signature string) error
	GetDeleteSignature(id string) (string, bool, error)

	Close() error
}
