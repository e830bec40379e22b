package ormap

import (
	"bytes"
	"encoding/json"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/observed-remove/ormap/canon"
	"github.com/observed-remove/ormap/oid"
	"github.com/observed-remove/ormap/utils"
)

var ErrBadWire = ErrBadBatch

// Set is the value-keyed variant: elements are keyed by the canonical
// fingerprint of their content instead of a user key, so two adds of
// equal values collapse to one entry under the larger id. The wire
// format is a gzip-compressed JSON array mixing bare id strings
// (deletions) with [id, value] pairs (insertions).
type Set struct {
	obs SetObserver
	log utils.Logger

	maxAge    time.Duration
	buffering time.Duration

	mu         sync.Mutex
	elements   *xsync.MapOf[string, Pair]   // fingerprint -> (id, value)
	byID       *xsync.MapOf[string, string] // live insertion id -> fingerprint
	tombstones *xsync.MapOf[string, struct{}]

	qmu    sync.Mutex
	queue  []json.RawMessage
	timer  *time.Timer
	closed bool
}

type setInsertion struct {
	id    string
	fp    string
	value any
}

// NewSet builds an in-memory set replica seeded with the given values.
func NewSet(obs SetObserver, o Options, values ...any) (*Set, error) {
	o.SetDefaults()
	if obs == nil {
		obs = NopSetObserver{}
	}
	s := &Set{
		obs:        obs,
		log:        o.Logger,
		maxAge:     o.MaxAge,
		buffering:  o.BufferPublishing,
		elements:   xsync.NewMapOf[string, Pair](),
		byID:       xsync.NewMapOf[string, string](),
		tombstones: xsync.NewMapOf[string, struct{}](),
	}
	for _, v := range values {
		if err := s.Add(v); err != nil {
			obs.OnError(err)
			return nil, err
		}
	}
	return s, nil
}

// Add inserts value under a fresh id and schedules a publish.
func (s *Set) Add(value any) error {
	fp, err := canon.Hash(value)
	if err != nil {
		return err
	}
	wire, err := canon.Marshal(value)
	if err != nil {
		return err
	}
	id := oid.New()
	s.mu.Lock()
	s.applyLocked([]setInsertion{{id: id, fp: fp, value: value}}, nil, true)
	s.mu.Unlock()
	s.enqueue(insertionElement(id, wire))
	s.dequeue()
	return nil
}

// Remove deletes the observed copy of value; removing an absent value
// is a no-op.
func (s *Set) Remove(value any) error {
	fp, err := canon.Hash(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	cur, ok := s.elements.Load(fp)
	if !ok {
		s.mu.Unlock()
		return nil
	}
	s.applyLocked(nil, []string{cur.ID}, false)
	s.mu.Unlock()
	s.enqueue(deletionElement(cur.ID))
	s.dequeue()
	return nil
}

// Has reports whether an equal-fingerprint value is live.
func (s *Set) Has(value any) (bool, error) {
	fp, err := canon.Hash(value)
	if err != nil {
		return false, err
	}
	_, ok := s.elements.Load(fp)
	return ok, nil
}

// Len is the number of live elements.
func (s *Set) Len() int {
	return s.elements.Size()
}

// Values returns the live elements in fingerprint order, so replicas
// with equal state iterate identically.
func (s *Set) Values() []any {
	type fpv struct {
		fp string
		v  any
	}
	var all []fpv
	s.elements.Range(func(fp string, p Pair) bool {
		all = append(all, fpv{fp: fp, v: p.Value})
		return true
	})
	sort.Slice(all, func(i, j int) bool { return all[i].fp < all[j].fp })
	vals := make([]any, 0, len(all))
	for _, e := range all {
		vals = append(vals, e.v)
	}
	return vals
}

// Dump encodes the full state as one compressed wire message.
func (s *Set) Dump() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dumpLocked()
}

func (s *Set) dumpLocked() ([]byte, error) {
	var elems []json.RawMessage
	ids := make([]string, 0, s.byID.Size())
	s.byID.Range(func(id string, _ string) bool {
		ids = append(ids, id)
		return true
	})
	sort.Strings(ids)
	for _, id := range ids {
		fp, ok := s.byID.Load(id)
		if !ok {
			continue
		}
		p, ok := s.elements.Load(fp)
		if !ok {
			continue
		}
		wire, err := canon.Marshal(p.Value)
		if err != nil {
			return nil, err
		}
		elems = append(elems, insertionElement(id, wire))
	}
	var tombs []string
	s.tombstones.Range(func(id string, _ struct{}) bool {
		tombs = append(tombs, id)
		return true
	})
	sort.Strings(tombs)
	for _, id := range tombs {
		elems = append(elems, deletionElement(id))
	}
	return encodeWire(elems)
}

// Sync publishes the given wire message, or a full dump when nil.
func (s *Set) Sync(wire []byte) error {
	if wire == nil {
		d, err := s.Dump()
		if err != nil {
			return err
		}
		wire = d
	}
	s.obs.OnPublish(wire)
	return nil
}

// Process applies a compressed wire message from a peer.
func (s *Set) Process(wire []byte) error {
	ins, dels, err := decodeWire(wire)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(ins, dels, false)
	return nil
}

// applyLocked mirrors the map's two-pass batch algorithm: tombstones
// first, then insertions (larger id wins), then removals of exactly
// tombstoned ids.
func (s *Set) applyLocked(ins []setInsertion, dels []string, skipFlush bool) {
	for _, id := range dels {
		s.tombstones.Store(id, struct{}{})
	}
	for _, in := range ins {
		if _, dead := s.tombstones.Load(in.id); dead {
			continue
		}
		cur, ok := s.elements.Load(in.fp)
		switch {
		case !ok:
			s.elements.Store(in.fp, Pair{ID: in.id, Value: in.value})
			s.byID.Store(in.id, in.fp)
			s.obs.OnAdd(in.value)
		case cur.ID < in.id:
			// same content, newer tag; no observable change
			s.byID.Delete(cur.ID)
			s.elements.Store(in.fp, Pair{ID: in.id, Value: in.value})
			s.byID.Store(in.id, in.fp)
		}
	}
	for _, id := range dels {
		fp, ok := s.byID.Load(id)
		if !ok {
			continue
		}
		cur, ok := s.elements.Load(fp)
		if !ok || cur.ID != id {
			continue
		}
		s.elements.Delete(fp)
		s.byID.Delete(id)
		s.obs.OnRemove(cur.Value)
	}
	if !skipFlush {
		s.flushLocked()
	}
}

// Flush drops tombstones older than MaxAge.
func (s *Set) Flush() {
	s.mu.Lock()
	s.flushLocked()
	s.mu.Unlock()
}

func (s *Set) flushLocked() {
	bound := oid.Min(time.Now().Add(-s.maxAge).UnixMilli())
	s.tombstones.Range(func(id string, _ struct{}) bool {
		if id < bound {
			s.tombstones.Delete(id)
		}
		return true
	})
}

// Shutdown cancels the pending publish and drains processing.
func (s *Set) Shutdown() {
	s.qmu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.qmu.Unlock()
	s.mu.Lock()
	s.mu.Unlock()
}

func (s *Set) enqueue(el json.RawMessage) {
	s.qmu.Lock()
	s.queue = append(s.queue, el)
	s.qmu.Unlock()
}

func (s *Set) dequeue() {
	s.qmu.Lock()
	if s.closed || s.timer != nil {
		s.qmu.Unlock()
		return
	}
	if s.buffering > 0 {
		s.timer = time.AfterFunc(s.buffering, s.publish)
		s.qmu.Unlock()
		return
	}
	s.qmu.Unlock()
	s.publish()
}

func (s *Set) publish() {
	s.qmu.Lock()
	s.timer = nil
	queue := s.queue
	s.queue = nil
	s.qmu.Unlock()
	if len(queue) == 0 {
		return
	}
	wire, err := encodeWire(queue)
	if err != nil {
		s.log.Error("set publish failed", "err", err)
		s.obs.OnError(err)
		return
	}
	if err := s.Sync(wire); err != nil {
		s.log.Error("set publish failed", "err", err)
		s.obs.OnError(err)
	}
}

func insertionElement(id string, canonValue []byte) json.RawMessage {
	el := make([]byte, 0, len(id)+len(canonValue)+5)
	el = append(el, '[', '"')
	el = append(el, id...)
	el = append(el, '"', ',')
	el = append(el, canonValue...)
	return append(el, ']')
}

func deletionElement(id string) json.RawMessage {
	el := make([]byte, 0, len(id)+2)
	el = append(el, '"')
	el = append(el, id...)
	return append(el, '"')
}

func encodeWire(elems []json.RawMessage) ([]byte, error) {
	if elems == nil {
		elems = []json.RawMessage{}
	}
	plain, err := json.Marshal(elems)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(plain); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeWire(wire []byte) (ins []setInsertion, dels []string, err error) {
	zr, err := gzip.NewReader(bytes.NewReader(wire))
	if err != nil {
		return nil, nil, ErrBadWire
	}
	plain, err := io.ReadAll(zr)
	if cerr := zr.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, nil, ErrBadWire
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(plain, &elems); err != nil {
		return nil, nil, ErrBadWire
	}
	for _, el := range elems {
		trimmed := bytes.TrimSpace(el)
		if len(trimmed) == 0 {
			return nil, nil, ErrBadWire
		}
		switch trimmed[0] {
		case '"':
			var id string
			if err := json.Unmarshal(trimmed, &id); err != nil {
				return nil, nil, ErrBadWire
			}
			dels = append(dels, id)
		case '[':
			var pair []json.RawMessage
			if err := json.Unmarshal(trimmed, &pair); err != nil || len(pair) != 2 {
				return nil, nil, ErrBadWire
			}
			var id string
			if err := json.Unmarshal(pair[0], &id); err != nil {
				return nil, nil, ErrBadWire
			}
			var value any
			if err := json.Unmarshal(pair[1], &value); err != nil {
				return nil, nil, ErrBadWire
			}
			fp, err := canon.Hash(value)
			if err != nil {
				return nil, nil, err
			}
			ins = append(ins, setInsertion{id: id, fp: fp, value: value})
		default:
			return nil, nil, ErrBadWire
		}
	}
	return ins, dels, nil
}
