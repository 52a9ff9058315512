// Package optimize holds small allocation helpers for hot paths.
package optimize

import "sync"

// BytePool recycles byte buffers of one capacity class. Media pacing
// produces a buffer per RTP packet; recycling them keeps the generator
// off the allocator at steady state.
type BytePool struct {
	pool     sync.Pool
	capacity int
}

func NewBytePool(capacity int) *BytePool {
	return &BytePool{
		capacity: capacity,
		pool: sync.Pool{
			New: func() any {
				buf := make([]byte, 0, capacity)
				return &buf
			},
		},
	}
}

// Get returns a zeroed buffer of length n. Requests larger than the
// pool's capacity class are allocated fresh and never recycled.
func (p *BytePool) Get(n int) []byte {
	if n > p.capacity {
		return make([]byte, n)
	}
	buf := *p.pool.Get().(*[]byte)
	buf = buf[:n]
	for i := range buf {
		buf[i] = 0
	}
	return buf
}

// Put returns a buffer obtained from Get. Oversized buffers are dropped.
func (p *BytePool) Put(b []byte) {
	if cap(b) != p.capacity {
		return
	}
	b = b[:0]
	p.pool.Put(&b)
}
