// File: pool/bufferpool.go
// Package pool implements a simple size-classed buffer pool for connection
// receive scratch buffers.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// This spec runs one socket per connection with no NUMA placement
// concerns, so the pool is a handful of sync.Pool size classes, a request
// being served from the smallest fixed class (1 KiB to 1 MiB) that covers
// it: "do not allocate a
// fresh []byte on every read," without any NUMA machinery around it.

package pool

import (
	"sync"

	"github.com/wsforge/wsserver/api"
)

// classSizes are the size classes a BytePool maintains, chosen to cover
// typical HTTP header blocks and WebSocket frame payloads without forcing
// every caller up to the largest class.
var classSizes = []int{1 << 10, 4 << 10, 16 << 10, 64 << 10, 256 << 10, 1 << 20}

// BytePool is a sync.Pool-backed api.BufferPool with fixed size classes.
type BytePool struct {
	classes []*sync.Pool

	mu         sync.Mutex
	totalAlloc int64
	totalFree  int64
}

var _ api.BufferPool = (*BytePool)(nil)

// NewBytePool constructs a pool with the default size classes.
func NewBytePool() *BytePool {
	p := &BytePool{classes: make([]*sync.Pool, len(classSizes))}
	for i, sz := range classSizes {
		sz := sz
		p.classes[i] = &sync.Pool{
			New: func() any {
				return make([]byte, sz)
			},
		}
	}
	return p
}

// classFor returns the index of the smallest class covering size, or -1 if
// size exceeds the largest class (caller should allocate directly).
func (p *BytePool) classFor(size int) int {
	for i, sz := range classSizes {
		if size <= sz {
			return i
		}
	}
	return -1
}

// Get returns a buffer with at least size bytes of capacity.
func (p *BytePool) Get(size int) api.Buffer {
	idx := p.classFor(size)
	if idx < 0 {
		p.mu.Lock()
		p.totalAlloc++
		p.mu.Unlock()
		return api.NewBuffer(make([]byte, size), p)
	}
	buf := p.classes[idx].Get().([]byte)
	if cap(buf) < size {
		buf = make([]byte, size)
	}
	p.mu.Lock()
	p.totalAlloc++
	p.mu.Unlock()
	return api.NewBuffer(buf[:size], p)
}

// Put returns a buffer to its size class. Buffers larger than the biggest
// class are simply dropped for the GC to reclaim.
func (p *BytePool) Put(b api.Buffer) {
	idx := p.classFor(cap(b.Data))
	p.mu.Lock()
	p.totalFree++
	p.mu.Unlock()
	if idx < 0 {
		return
	}
	// Reset length to the class capacity before returning so the next Get
	// sees the full backing array.
	p.classes[idx].Put(b.Data[:cap(b.Data)])
}

// Stats reports cumulative allocation and release counts, primarily for
// OnError/debug instrumentation by an embedder.
func (p *BytePool) Stats() (allocs, frees int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalAlloc, p.totalFree
}
