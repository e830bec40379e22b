package ormap

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type setRecorder struct {
	mu      sync.Mutex
	adds    int
	removes int
	wires   [][]byte
}

func (r *setRecorder) OnAdd(any)     { r.mu.Lock(); r.adds++; r.mu.Unlock() }
func (r *setRecorder) OnRemove(any)  { r.mu.Lock(); r.removes++; r.mu.Unlock() }
func (r *setRecorder) OnError(error) {}

func (r *setRecorder) OnPublish(wire []byte) {
	r.mu.Lock()
	r.wires = append(r.wires, wire)
	r.mu.Unlock()
}

func (r *setRecorder) lastWire(t *testing.T) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.wires)
	return r.wires[len(r.wires)-1]
}

func newTestSet(t *testing.T, obs SetObserver) *Set {
	s, err := NewSet(obs, immediate)
	require.Nil(t, err)
	return s
}

func TestSetAddRemove(t *testing.T) {
	rec := &setRecorder{}
	s := newTestSet(t, rec)

	require.Nil(t, s.Add("x"))
	require.Nil(t, s.Add(map[string]any{"k": 1.0}))
	assert.Equal(t, 2, s.Len())

	has, err := s.Has(map[string]any{"k": 1.0})
	require.Nil(t, err)
	assert.True(t, has)

	require.Nil(t, s.Remove("x"))
	assert.Equal(t, 1, s.Len())
	has, err = s.Has("x")
	require.Nil(t, err)
	assert.False(t, has)

	// removing an absent value is a no-op
	wires := len(rec.wires)
	require.Nil(t, s.Remove("x"))
	assert.Equal(t, 1, s.Len())
	rec.mu.Lock()
	assert.Equal(t, wires, len(rec.wires))
	rec.mu.Unlock()
}

func TestSetEqualValuesCollapse(t *testing.T) {
	rec := &setRecorder{}
	s := newTestSet(t, rec)
	require.Nil(t, s.Add(map[string]any{"a": 1.0, "b": 2.0}))
	require.Nil(t, s.Add(map[string]any{"b": 2.0, "a": 1.0})) // same fingerprint
	assert.Equal(t, 1, s.Len())
	rec.mu.Lock()
	assert.Equal(t, 1, rec.adds)
	rec.mu.Unlock()

	// one remove of the surviving tag empties the set
	require.Nil(t, s.Remove(map[string]any{"a": 1.0, "b": 2.0}))
	assert.Equal(t, 0, s.Len())
}

func TestSetWireIsGzipJSON(t *testing.T) {
	rec := &setRecorder{}
	s := newTestSet(t, rec)
	require.Nil(t, s.Add("v"))
	wire := rec.lastWire(t)

	zr, err := gzip.NewReader(bytes.NewReader(wire))
	require.Nil(t, err)
	var plain bytes.Buffer
	_, err = plain.ReadFrom(zr)
	require.Nil(t, err)
	require.Nil(t, zr.Close())
	assert.True(t, bytes.HasPrefix(plain.Bytes(), []byte(`[[`)), "insertion element is [id, value]: %s", plain.String())
}

func TestSetPeersConverge(t *testing.T) {
	aliceRec, bobRec := &setRecorder{}, &setRecorder{}
	alice := newTestSet(t, aliceRec)
	bob := newTestSet(t, bobRec)

	require.Nil(t, alice.Add("shared"))
	require.Nil(t, bob.Process(aliceRec.lastWire(t)))
	has, err := bob.Has("shared")
	require.Nil(t, err)
	assert.True(t, has)

	require.Nil(t, bob.Remove("shared"))
	require.Nil(t, alice.Process(bobRec.lastWire(t)))
	assert.Equal(t, 0, alice.Len())
	assert.Equal(t, 0, bob.Len())

	// the stale insertion cannot resurrect the value
	require.Nil(t, bob.Process(aliceRec.lastWire(t)))
	assert.Equal(t, 0, bob.Len())
}

func TestSetDumpBringsPeerUp(t *testing.T) {
	alice := newTestSet(t, &setRecorder{})
	require.Nil(t, alice.Add("a"))
	require.Nil(t, alice.Add("b"))
	require.Nil(t, alice.Remove("a"))

	dump, err := alice.Dump()
	require.Nil(t, err)

	bob := newTestSet(t, &setRecorder{})
	require.Nil(t, bob.Process(dump))
	assert.Equal(t, alice.Values(), bob.Values())
	assert.Equal(t, []any{"b"}, bob.Values())
}

func TestSetFlush(t *testing.T) {
	s, err := NewSet(nil, Options{MaxAge: 200 * time.Millisecond, BufferPublishing: -1})
	require.Nil(t, err)
	require.Nil(t, s.Add("v"))
	require.Nil(t, s.Remove("v"))
	assert.Equal(t, 1, s.tombstones.Size())

	s.Flush()
	assert.Equal(t, 1, s.tombstones.Size())

	time.Sleep(300 * time.Millisecond)
	s.Flush()
	assert.Equal(t, 0, s.tombstones.Size())
}

func TestSetBufferedPublishCoalesces(t *testing.T) {
	rec := &setRecorder{}
	s, err := NewSet(rec, Options{BufferPublishing: 20 * time.Millisecond})
	require.Nil(t, err)
	require.Nil(t, s.Add("a"))
	require.Nil(t, s.Add("b"))

	assert.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.wires) == 1
	}, time.Second, 5*time.Millisecond)

	bob := newTestSet(t, &setRecorder{})
	require.Nil(t, bob.Process(rec.lastWire(t)))
	assert.Equal(t, 2, bob.Len())
	s.Shutdown()
}
