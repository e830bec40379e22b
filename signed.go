package ormap

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/observed-remove/ormap/canon"
	"github.com/observed-remove/ormap/sig"
	"github.com/observed-remove/ormap/utils"
)

var (
	// ErrInvalidSignature rejects a batch containing any bad signature.
	ErrInvalidSignature = sig.ErrInvalidSignature
	// ErrMissingSignature means Dump found an operation whose stored
	// signature is gone: the store is corrupt.
	ErrMissingSignature = errors.New("signature record missing from store")
	// ErrVerifierRequired rejects signed-map construction without key
	// material.
	ErrVerifierRequired = errors.New("signed map requires the Key and Format options")
)

const verifiedCacheSize = 1024

// SignedMap composes the unsigned core with signature verification and
// signature persistence. Every mutation must arrive pre-signed over its
// (key, value?, id) tuple; unsigned Set/Delete/Clear simply do not
// exist on this type, so misuse fails at compile time.
type SignedMap struct {
	core     *Map
	verifier sig.Verifier
	obs      SignedObserver
	log      utils.Logger

	buffering time.Duration

	// verified signatures, so idempotent re-receipt of the same batch
	// skips the public-key operation
	seen *lru.Cache[string, struct{}]

	qmu     sync.Mutex
	inserts []SignedInsertion
	deletes []SignedDeletion
	timer   *time.Timer
	closed  bool
}

// NewSignedMap builds a signed replica over store. Options must carry
// the verifier key material. Initial entries are applied before
// NewSignedMap returns.
func NewSignedMap(store Store, obs SignedObserver, o Options, entries ...SignedInsertion) (*SignedMap, error) {
	o.SetDefaults()
	if obs == nil {
		obs = NopSignedObserver{}
	}
	if len(o.Key) == 0 || o.Format == "" {
		return nil, ErrVerifierRequired
	}
	verifier, err := sig.NewVerifier(o.Key, o.Format)
	if err != nil {
		return nil, err
	}
	core, err := New(store, signedForward{obs: obs}, o)
	if err != nil {
		return nil, err
	}
	seen, err := lru.New[string, struct{}](verifiedCacheSize)
	if err != nil {
		return nil, err
	}
	sm := &SignedMap{
		core:      core,
		verifier:  verifier,
		obs:       obs,
		log:       o.Logger,
		buffering: o.BufferPublishing,
		seen:      seen,
	}
	for _, e := range entries {
		if err := sm.SetSigned(e.Key, e.Value, e.ID, e.Signature); err != nil {
			obs.OnError(err)
			return nil, err
		}
	}
	return sm, nil
}

// SetSigned installs value under a caller-supplied id and signature.
func (sm *SignedMap) SetSigned(key string, value any, id, signature string) error {
	sb := SignedBatch{Insertions: []SignedInsertion{
		{Signature: signature, ID: id, Key: key, Value: value},
	}}
	sm.core.mu.Lock()
	err := sm.processSignedLocked(sb, true)
	sm.core.mu.Unlock()
	if err != nil {
		return err
	}
	sm.enqueue(sb)
	sm.dequeue()
	return nil
}

// DeleteSigned removes the insertion carrying id from key.
func (sm *SignedMap) DeleteSigned(key, id, signature string) error {
	sb := SignedBatch{Deletions: []SignedDeletion{
		{Signature: signature, ID: id, Key: key},
	}}
	sm.core.mu.Lock()
	err := sm.processSignedLocked(sb, false)
	sm.core.mu.Unlock()
	if err != nil {
		return err
	}
	sm.enqueue(sb)
	sm.dequeue()
	return nil
}

// ProcessSigned applies a signed batch from a peer. Any verification
// failure aborts the whole batch before the first write.
func (sm *SignedMap) ProcessSigned(sb SignedBatch) error {
	sm.core.mu.Lock()
	defer sm.core.mu.Unlock()
	return sm.processSignedLocked(sb, false)
}

func (sm *SignedMap) processSignedLocked(sb SignedBatch, skipFlush bool) error {
	for _, d := range sb.Deletions {
		if err := sm.verifyDelete(d); err != nil {
			return err
		}
	}
	for _, in := range sb.Insertions {
		if err := sm.verifySet(in); err != nil {
			return err
		}
	}
	store := sm.core.store
	// the batch's own insertion ids plus the live ids it may supersede
	candidates := make(map[string]string, 2*len(sb.Insertions))
	for _, in := range sb.Insertions {
		candidates[in.ID] = in.Key
		cur, ok, err := store.GetPair(in.Key)
		if err != nil {
			return err
		}
		if ok {
			candidates[cur.ID] = in.Key
		}
	}
	for _, in := range sb.Insertions {
		if err := store.PutInsertSignature(in.ID, in.Signature); err != nil {
			return err
		}
	}
	for _, d := range sb.Deletions {
		if err := store.PutDeleteSignature(d.ID, d.Signature); err != nil {
			return err
		}
	}
	if err := sm.core.processLocked(sb.Unsigned(), true); err != nil {
		return err
	}
	// an insertion signature only authorizes the live pair; once the id
	// is superseded or tombstoned the record must not be dumpable
	for id, key := range candidates {
		cur, ok, err := store.GetPair(key)
		if err != nil {
			return err
		}
		if !ok || cur.ID != id {
			if err := store.DeleteInsertSignature(id); err != nil {
				return err
			}
		}
	}
	if skipFlush {
		return nil
	}
	return sm.core.flushLocked()
}

func (sm *SignedMap) verifySet(in SignedInsertion) error {
	tuple, err := canon.Hash([]any{in.Key, in.Value, in.ID})
	if err != nil {
		return err
	}
	ck := in.Signature + "|" + tuple
	if sm.seen.Contains(ck) {
		return nil
	}
	if err := sm.verifier.VerifySet(in.Signature, in.Key, in.Value, in.ID); err != nil {
		return err
	}
	sm.seen.Add(ck, struct{}{})
	return nil
}

func (sm *SignedMap) verifyDelete(d SignedDeletion) error {
	tuple, err := canon.Hash([]any{d.Key, d.ID})
	if err != nil {
		return err
	}
	ck := d.Signature + "|" + tuple
	if sm.seen.Contains(ck) {
		return nil
	}
	if err := sm.verifier.VerifyDelete(d.Signature, d.Key, d.ID); err != nil {
		return err
	}
	sm.seen.Add(ck, struct{}{})
	return nil
}

// Dump snapshots the full state with the stored signature re-attached
// to every operation. A missing signature is store corruption and
// aborts the dump.
func (sm *SignedMap) Dump() (SignedBatch, error) {
	sm.core.mu.Lock()
	defer sm.core.mu.Unlock()
	b, err := sm.core.dumpLocked()
	if err != nil {
		return SignedBatch{}, err
	}
	store := sm.core.store
	var out SignedBatch
	for _, in := range b.Insertions {
		sg, ok, err := store.GetInsertSignature(in.ID)
		if err != nil {
			return SignedBatch{}, err
		}
		if !ok {
			return SignedBatch{}, errors.Wrapf(ErrMissingSignature, "insertion %s of key %q", in.ID, in.Key)
		}
		out.Insertions = append(out.Insertions, SignedInsertion{
			Signature: sg, ID: in.ID, Key: in.Key, Value: in.Value,
		})
	}
	for _, d := range b.Deletions {
		sg, ok, err := store.GetDeleteSignature(d.ID)
		if err != nil {
			return SignedBatch{}, err
		}
		if !ok {
			return SignedBatch{}, errors.Wrapf(ErrMissingSignature, "deletion %s of key %q", d.ID, d.Key)
		}
		out.Deletions = append(out.Deletions, SignedDeletion{
			Signature: sg, ID: d.ID, Key: d.Key,
		})
	}
	return out, nil
}

// Sync publishes the given signed batch, or a full signed dump when
// batch is nil.
func (sm *SignedMap) Sync(batch *SignedBatch) error {
	if batch == nil {
		d, err := sm.Dump()
		if err != nil {
			return err
		}
		batch = &d
	}
	sm.obs.OnPublish(*batch)
	return nil
}

func (sm *SignedMap) Get(key string) (any, bool, error) { return sm.core.Get(key) }
func (sm *SignedMap) Has(key string) (bool, error)      { return sm.core.Has(key) }
func (sm *SignedMap) Len() int64                        { return sm.core.Len() }
func (sm *SignedMap) Entries() (Cursor, error)          { return sm.core.Entries() }
func (sm *SignedMap) Keys() ([]string, error)           { return sm.core.Keys() }
func (sm *SignedMap) Values() ([]any, error)            { return sm.core.Values() }
func (sm *SignedMap) Flush() error                      { return sm.core.Flush() }

// Shutdown cancels the pending publish and drains processing.
func (sm *SignedMap) Shutdown() {
	sm.qmu.Lock()
	sm.closed = true
	if sm.timer != nil {
		sm.timer.Stop()
		sm.timer = nil
	}
	sm.qmu.Unlock()
	sm.core.Shutdown()
}

func (sm *SignedMap) enqueue(sb SignedBatch) {
	sm.qmu.Lock()
	sm.inserts = append(sm.inserts, sb.Insertions...)
	sm.deletes = append(sm.deletes, sb.Deletions...)
	sm.qmu.Unlock()
}

func (sm *SignedMap) dequeue() {
	sm.qmu.Lock()
	if sm.closed || sm.timer != nil {
		sm.qmu.Unlock()
		return
	}
	if sm.buffering > 0 {
		sm.timer = time.AfterFunc(sm.buffering, sm.publish)
		sm.qmu.Unlock()
		return
	}
	sm.qmu.Unlock()
	sm.publish()
}

func (sm *SignedMap) publish() {
	sm.qmu.Lock()
	sm.timer = nil
	sb := SignedBatch{Insertions: sm.inserts, Deletions: sm.deletes}
	sm.inserts, sm.deletes = nil, nil
	sm.qmu.Unlock()
	if sb.Empty() {
		return
	}
	if err := sm.Sync(&sb); err != nil {
		sm.log.Error("signed publish failed", "err", err)
		sm.obs.OnError(err)
	}
}
