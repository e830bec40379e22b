package canon

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSortedKeys(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1, "c": []any{true, nil}}
	got, err := Marshal(a)
	assert.Nil(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":[true,null]}`, string(got))
}

func TestStructAndMapAgree(t *testing.T) {
	type pt struct {
		X int    `json:"x"`
		Y string `json:"y"`
	}
	s, err := Marshal(pt{X: 3, Y: "z"})
	assert.Nil(t, err)
	m, err := Marshal(map[string]any{"y": "z", "x": 3})
	assert.Nil(t, err)
	assert.Equal(t, string(s), string(m))
}

func TestNumberFormatting(t *testing.T) {
	got, err := Marshal([]any{int64(7), 7.0, 0.1, 1e300})
	assert.Nil(t, err)
	assert.Equal(t, `[7,7,0.1,1e+300]`, string(got))
}

func TestNonFiniteRejected(t *testing.T) {
	_, err := Marshal(math.NaN())
	assert.NotNil(t, err)
	_, err = Marshal(math.Inf(1))
	assert.NotNil(t, err)
}

func TestHashStable(t *testing.T) {
	h1, err := Hash(map[string]any{"k": 1, "j": 2})
	assert.Nil(t, err)
	h2, err := Hash(map[string]any{"j": 2, "k": 1})
	assert.Nil(t, err)
	assert.Equal(t, h1, h2)
	assert.Equal(t, 32, len(h1))

	h3, err := Hash(map[string]any{"j": 2, "k": 2})
	assert.Nil(t, err)
	assert.NotEqual(t, h1, h3)
}
