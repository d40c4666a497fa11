package frameid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrap(t *testing.T) {
	id := New(4)
	var seen []int
	for i := 0; i < 6; i++ {
		seen = append(seen, id.Int())
		id.Next()
	}
	assert.Equal(t, []int{0, 1, 2, 3, 0, 1}, seen)
	assert.Equal(t, uint64(1), id.Turns())
	assert.Equal(t, uint64(6), id.Seq())
	assert.Equal(t, "2/4", id.String())
}

func TestAdd(t *testing.T) {
	id := New(3)
	id.Add(7)
	assert.Equal(t, 1, id.Int())
	assert.Equal(t, uint64(2), id.Turns())
	assert.Equal(t, uint64(7), id.Seq())

	assert.Panics(t, func() { id.Add(-1) })
	assert.Panics(t, func() { New(0) })
}
