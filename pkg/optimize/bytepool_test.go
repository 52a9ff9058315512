package optimize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBytePoolReturnsRequestedLength(t *testing.T) {
	p := NewBytePool(1200)

	buf := p.Get(300)
	assert.Len(t, buf, 300)
	assert.Equal(t, 1200, cap(buf))
}

func TestBytePoolZeroesRecycledBuffers(t *testing.T) {
	p := NewBytePool(64)

	buf := p.Get(64)
	for i := range buf {
		buf[i] = 0xAB
	}
	p.Put(buf)

	again := p.Get(64)
	for _, b := range again {
		assert.Zero(t, b)
	}
}

func TestBytePoolOversizedRequestsAllocateFresh(t *testing.T) {
	p := NewBytePool(64)

	buf := p.Get(128)
	assert.Len(t, buf, 128)

	// Dropping it back must not poison the pool.
	p.Put(buf)
	assert.Equal(t, 64, cap(p.Get(16)))
}
