// Package pool provides reusable I/O buffers for the copy workers.
//
// sync.Pool caches allocated but unused objects for later reuse, relieving
// pressure on the garbage collector. Items are dropped during garbage
// collection, so it suits short-lived objects like copy buffers.
package pool

import "sync"

// DefaultBufferSize is used when a non-positive size is requested.
const DefaultBufferSize int64 = 256 * 1024

// FixedBufferPool hands out byte slices of a single fixed size.
type FixedBufferPool struct {
	size int64
	pool sync.Pool
}

// NewFixedBuffer creates a pool of buffers with the given size in bytes.
func NewFixedBuffer(size int64) *FixedBufferPool {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &FixedBufferPool{
		size: size,
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, int(size))
				return &b
			},
		},
	}
}

// Size returns the length of the buffers handed out by Get.
func (fp *FixedBufferPool) Size() int64 {
	return fp.size
}

// Get returns a buffer of exactly Size() bytes.
func (fp *FixedBufferPool) Get() *[]byte {
	return fp.pool.Get().(*[]byte)
}

// Put returns a buffer to the pool. Buffers of a foreign size are dropped.
func (fp *FixedBufferPool) Put(b *[]byte) {
	if b == nil || int64(cap(*b)) != fp.size {
		return
	}
	*b = (*b)[:fp.size]
	fp.pool.Put(b)
}
