// File: api/buffer.go
// Package api defines the buffer abstraction shared by the buffer pool and
// the connection state machine.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A zero-copy Buffer/BufferPool pair with no NUMA-awareness: this spec
// runs a single accept/receive path per connection and has no use for
// per-node slab classes.

package api

// Buffer is a reusable byte slice obtained from a BufferPool. Release
// returns it to the pool that issued it.
type Buffer struct {
	Data []byte
	pool BufferPool
}

// NewBuffer wraps data with the pool that owns it. Used by BufferPool
// implementations to construct the Buffer they hand back from Get.
func NewBuffer(data []byte, pool BufferPool) Buffer {
	return Buffer{Data: data, pool: pool}
}

// Bytes returns the backing slice.
func (b Buffer) Bytes() []byte { return b.Data }

// Release returns the buffer to its owning pool, if any.
func (b Buffer) Release() {
	if b.pool != nil {
		b.pool.Put(b)
	}
}

// BufferPool hands out reusable byte buffers of at least the requested
// size and reclaims them on Put.
type BufferPool interface {
	Get(size int) Buffer
	Put(b Buffer)
}
