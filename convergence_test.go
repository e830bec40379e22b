package ormap

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector gathers every batch published by any replica.
type collector struct {
	NopObserver
	log *[]Batch
}

func (c collector) OnPublish(b Batch) {
	*c.log = append(*c.log, b)
}

// A hundred interconnected replicas: a few sets and deletes originate
// on random members, the whole history is then replayed duplicated and
// shuffled per replica, and everyone still ends at the same (empty) state.
func TestFanOutConvergence(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	const n = 100

	var log []Batch
	replicas := make([]*Map, n)
	for i := range replicas {
		m, err := NewMap(collector{log: &log}, immediate)
		require.Nil(t, err)
		replicas[i] = m
	}

	deliverAll := func() {
		for _, m := range replicas {
			for _, b := range log {
				require.Nil(t, m.Process(b))
			}
		}
	}

	for i := 0; i < 3; i++ {
		src := replicas[rng.Intn(n)]
		key := fmt.Sprintf("k%d", i)
		require.Nil(t, src.Set(key, i))
		deliverAll()

		dst := replicas[rng.Intn(n)]
		require.Nil(t, dst.Delete(key))
		deliverAll()
	}

	// replay the whole history once more, shuffled and with duplicates,
	// independently per replica
	for _, m := range replicas {
		replay := append([]Batch(nil), log...)
		replay = append(replay, log[rng.Intn(len(log))], log[rng.Intn(len(log))])
		rng.Shuffle(len(replay), func(i, j int) { replay[i], replay[j] = replay[j], replay[i] })
		for _, b := range replay {
			require.Nil(t, m.Process(b))
		}
	}

	want, err := replicas[0].Keys()
	require.Nil(t, err)
	assert.Empty(t, want)
	for _, m := range replicas {
		keys, err := m.Keys()
		require.Nil(t, err)
		assert.Equal(t, want, keys)
		assert.Equal(t, int64(0), m.Len())
	}
}

// Two replicas fed the same operations in opposite orders, with
// duplicates, end byte-for-byte equal.
func TestPairwiseOrderIndependence(t *testing.T) {
	var history []Batch
	src, err := NewMap(collector{log: &history}, immediate)
	require.Nil(t, err)

	require.Nil(t, src.Set("a", 1))
	require.Nil(t, src.Set("b", 2))
	require.Nil(t, src.Set("a", 3))
	require.Nil(t, src.Delete("b"))

	forward := newTestMap(t, nil)
	backward := newTestMap(t, nil)
	for _, b := range history {
		require.Nil(t, forward.Process(b))
	}
	for i := len(history) - 1; i >= 0; i-- {
		require.Nil(t, backward.Process(history[i]))
		require.Nil(t, backward.Process(history[i])) // duplicate on purpose
	}

	fk, err := forward.Keys()
	require.Nil(t, err)
	bk, err := backward.Keys()
	require.Nil(t, err)
	assert.Equal(t, []string{"a"}, fk)
	assert.Equal(t, fk, bk)

	va, ok, err := forward.Get("a")
	require.Nil(t, err)
	require.True(t, ok)
	vb, ok, err := backward.Get("a")
	require.Nil(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, va)
	assert.Equal(t, va, vb)
}
