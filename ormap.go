// Package ormap implements an observed-remove replicated map. Replicas
// mutate independently, exchange opaque batches through any transport,
// and converge once they have seen the same operations. Every insertion
// carries a sortable unique id; a deletion tombstones exactly the ids it
// has observed, so re-delivered or reordered batches cannot resurrect
// removed entries. Tombstones are garbage collected by age.
package ormap

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/observed-remove/ormap/oid"
	"github.com/observed-remove/ormap/utils"
)

// Map is one replica. All state lives in its Store; a single mutex
// serializes local mutators with remote batch processing, so local and
// remote operations observe identical rules.
type Map struct {
	store Store
	obs   Observer
	log   utils.Logger

	maxAge    time.Duration
	buffering time.Duration

	mu   sync.Mutex
	size atomic.Int64

	qmu     sync.Mutex
	inserts []Insertion
	deletes []Deletion
	timer   *time.Timer
	closed  bool
}

// Entry seeds a map at construction time.
type Entry struct {
	Key   string
	Value any
}

// New builds a replica over the given store. Initial entries are applied
// (and queued for publish) before New returns; the error reports any
// failure of that initial ingestion or of the startup size reconciliation.
func New(store Store, obs Observer, o Options, entries ...Entry) (*Map, error) {
	o.SetDefaults()
	if obs == nil {
		obs = NopObserver{}
	}
	m := &Map{
		store:     store,
		obs:       obs,
		log:       o.Logger,
		maxAge:    o.MaxAge,
		buffering: o.BufferPublishing,
	}
	if err := m.reconcileSize(); err != nil {
		obs.OnError(err)
		return nil, err
	}
	for _, e := range entries {
		if err := m.Set(e.Key, e.Value); err != nil {
			obs.OnError(err)
			return nil, err
		}
	}
	return m, nil
}

// NewMap is the in-memory convenience constructor.
func NewMap(obs Observer, o Options, entries ...Entry) (*Map, error) {
	return New(NewMemStore(), obs, o, entries...)
}

// The live-pair count survives restarts only as stored keys; recount
// them so Len is O(1) afterwards.
func (m *Map) reconcileSize() error {
	cur, err := m.store.Pairs()
	if err != nil {
		return err
	}
	defer cur.Close()
	var n int64
	for cur.Next() {
		n++
	}
	if err := cur.Err(); err != nil {
		return err
	}
	m.size.Store(n)
	return nil
}

// Set assigns value to key under a fresh id and schedules a publish.
func (m *Map) Set(key string, value any) error {
	return m.SetWithID(key, value, oid.New())
}

// SetWithID is Set with a caller-chosen id. The id must come from oid
// generation on some replica; reusing an id breaks convergence.
func (m *Map) SetWithID(key string, value any, id string) error {
	m.mu.Lock()
	prev, ok, err := m.store.GetPair(key)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	var b Batch
	if ok {
		b.Deletions = append(b.Deletions, Deletion{ID: prev.ID, Key: key})
	}
	b.Insertions = append(b.Insertions, Insertion{Key: key, ID: id, Value: value})
	// skipFlush: the local observation must match what a remote replica
	// sees when it processes this batch, flushing is a separate concern
	err = m.processLocked(b, true)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.enqueue(b)
	m.dequeue()
	return nil
}

// Delete removes the live pair of key, if any. Deleting an absent key
// is a no-op and publishes nothing.
func (m *Map) Delete(key string) error {
	m.mu.Lock()
	prev, ok, err := m.store.GetPair(key)
	if err != nil || !ok {
		m.mu.Unlock()
		return err
	}
	b := Batch{Deletions: []Deletion{{ID: prev.ID, Key: key}}}
	err = m.processLocked(b, false)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.enqueue(b)
	m.dequeue()
	return nil
}

// Clear deletes every key.
func (m *Map) Clear() error {
	keys, err := m.Keys()
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := m.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the live value of key.
func (m *Map) Get(key string) (any, bool, error) {
	p, ok, err := m.store.GetPair(key)
	if err != nil || !ok {
		return nil, false, err
	}
	return p.Value, true, nil
}

// Has reports whether key has a live pair.
func (m *Map) Has(key string) (bool, error) {
	_, ok, err := m.store.GetPair(key)
	return ok, err
}

// Len is the number of live pairs.
func (m *Map) Len() int64 {
	return m.size.Load()
}

// Entries opens a cursor over live pairs in key order. The caller must
// Close it.
func (m *Map) Entries() (Cursor, error) {
	return m.store.Pairs()
}

// Keys drains Entries into a key slice.
func (m *Map) Keys() ([]string, error) {
	cur, err := m.Entries()
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	var keys []string
	for cur.Next() {
		keys = append(keys, cur.Key())
	}
	return keys, cur.Err()
}

// Values drains Entries into a value slice.
func (m *Map) Values() ([]any, error) {
	cur, err := m.Entries()
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	var vals []any
	for cur.Next() {
		vals = append(vals, cur.Pair().Value)
	}
	return vals, cur.Err()
}

// Dump snapshots the full state as a batch: every live pair as an
// insertion and every tombstone as a deletion. Processing a dump brings
// a peer up to date.
func (m *Map) Dump() (Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dumpLocked()
}

func (m *Map) dumpLocked() (Batch, error) {
	var b Batch
	cur, err := m.store.Pairs()
	if err != nil {
		return b, err
	}
	for cur.Next() {
		p := cur.Pair()
		b.Insertions = append(b.Insertions, Insertion{Key: cur.Key(), ID: p.ID, Value: p.Value})
	}
	if err := cur.Err(); err != nil {
		_ = cur.Close()
		return b, err
	}
	if err := cur.Close(); err != nil {
		return b, err
	}
	tcur, err := m.store.Tombstones()
	if err != nil {
		return b, err
	}
	for tcur.Next() {
		b.Deletions = append(b.Deletions, Deletion{ID: tcur.ID(), Key: tcur.Key()})
	}
	if err := tcur.Err(); err != nil {
		_ = tcur.Close()
		return b, err
	}
	return b, tcur.Close()
}

// Sync publishes the given batch, or a full dump when batch is nil.
func (m *Map) Sync(batch *Batch) error {
	if batch == nil {
		d, err := m.Dump()
		if err != nil {
			return err
		}
		batch = &d
	}
	m.obs.OnPublish(*batch)
	return nil
}

// Process applies a batch from a peer (or a local dump). Calls are
// serialized: a second Process blocks until the first one, including
// its flush, has finished.
func (m *Map) Process(b Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processLocked(b, false)
}

// processLocked is the convergence core. Two passes over the deletions
// bracket the insertion pass, which makes the outcome independent of
// operation order inside the batch:
//
//  1. record every tombstone, so insertions cancelled by this very
//     batch are suppressed even if they sort later;
//  2. apply insertions, larger id wins;
//  3. drop live pairs whose exact id got tombstoned.
func (m *Map) processLocked(b Batch, skipFlush bool) error {
	for _, d := range b.Deletions {
		if err := m.store.PutTombstone(d.ID, d.Key); err != nil {
			return err
		}
	}
	for _, in := range b.Insertions {
		dead, err := m.store.HasTombstone(in.ID)
		if err != nil {
			return err
		}
		if dead {
			continue
		}
		cur, ok, err := m.store.GetPair(in.Key)
		if err != nil {
			return err
		}
		switch {
		case !ok:
			if err := m.store.PutPair(in.Key, Pair{ID: in.ID, Value: in.Value}); err != nil {
				return err
			}
			m.size.Add(1)
			m.obs.OnSet(in.Key, in.Value, nil)
		case cur.ID < in.ID:
			if err := m.store.PutPair(in.Key, Pair{ID: in.ID, Value: in.Value}); err != nil {
				return err
			}
			m.obs.OnSet(in.Key, in.Value, cur.Value)
		case cur.ID == in.ID:
			m.obs.OnAffirm(in.Key, in.Value)
		}
	}
	for _, d := range b.Deletions {
		cur, ok, err := m.store.GetPair(d.Key)
		if err != nil {
			return err
		}
		if !ok || cur.ID != d.ID {
			continue
		}
		if err := m.store.DeletePair(d.Key); err != nil {
			return err
		}
		m.size.Add(-1)
		m.obs.OnDelete(d.Key, cur.Value)
	}
	if skipFlush {
		return nil
	}
	return m.flushLocked()
}

// Flush drops tombstones (and deletion signatures) older than MaxAge.
func (m *Map) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushLocked()
}

func (m *Map) flushLocked() error {
	bound := oid.Min(time.Now().Add(-m.maxAge).UnixMilli())
	return m.store.FlushTombstones(bound)
}

// Shutdown cancels any pending publish and waits for in-flight
// processing to drain. Mutating after Shutdown is undefined.
func (m *Map) Shutdown() {
	m.qmu.Lock()
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.qmu.Unlock()
	// taking the mutex once drains whatever Process is still running
	m.mu.Lock()
	m.mu.Unlock()
}

func (m *Map) enqueue(b Batch) {
	m.qmu.Lock()
	m.inserts = append(m.inserts, b.Insertions...)
	m.deletes = append(m.deletes, b.Deletions...)
	m.qmu.Unlock()
}

// dequeue arranges at most one pending publish.
func (m *Map) dequeue() {
	m.qmu.Lock()
	if m.closed || m.timer != nil {
		m.qmu.Unlock()
		return
	}
	if m.buffering > 0 {
		m.timer = time.AfterFunc(m.buffering, m.publish)
		m.qmu.Unlock()
		return
	}
	m.qmu.Unlock()
	m.publish()
}

// publish swaps the queues for empty ones and emits the batch.
func (m *Map) publish() {
	m.qmu.Lock()
	m.timer = nil
	b := Batch{Insertions: m.inserts, Deletions: m.deletes}
	m.inserts, m.deletes = nil, nil
	m.qmu.Unlock()
	if b.Empty() {
		return
	}
	if err := m.Sync(&b); err != nil {
		m.log.Error("publish failed", "err", err)
		m.obs.OnError(err)
	}
}
