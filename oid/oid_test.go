package oid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewShape(t *testing.T) {
	id := New()
	assert.Equal(t, Length, len(id))
	assert.True(t, Valid(id))
}

func TestMonotonic(t *testing.T) {
	prev := New()
	for i := 0; i < 1000; i++ {
		next := New()
		assert.True(t, prev < next, "%s !< %s", prev, next)
		prev = next
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	before := time.Now().UnixMilli()
	id := New()
	after := time.Now().UnixMilli()
	ms, err := Timestamp(id)
	assert.Nil(t, err)
	assert.LessOrEqual(t, before, ms)
	assert.LessOrEqual(t, ms, after)
}

func TestMinBounds(t *testing.T) {
	older := New()
	time.Sleep(2 * time.Millisecond)
	bound := Min(time.Now().UnixMilli())
	assert.Equal(t, Length, len(bound))
	assert.True(t, older < bound)
	newer := New()
	assert.True(t, bound <= newer)
}

func TestMinIsFloorForItsMillisecond(t *testing.T) {
	ms := int64(1234567890123)
	bound := Min(ms)
	got, err := Timestamp(bound)
	assert.Nil(t, err)
	assert.Equal(t, ms, got)
}

func TestValid(t *testing.T) {
	assert.False(t, Valid("short"))
	assert.False(t, Valid("0123456789ABCDEF"))
	assert.True(t, Valid("0123456789abcdef"))
	_, err := Timestamp("x")
	assert.Equal(t, ErrBadId, err)
}
