// Package bufpool recycles binary buffers by capacity class so the frame
// path does not allocate per request.
package bufpool

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/ezplayer/statesync/internal/metrics"
)

const (
	// minClass is the smallest capacity class handed out. Requests below
	// this still get a minClass buffer; tiny classes just fragment the pool.
	minClass = 1 << 10 // 1 KiB

	// maxCapacity guards against a corrupted length field upstream turning
	// into a giant allocation. Requests beyond it are programming errors.
	maxCapacity = 256 << 20 // 256 MiB
)

// Buffer is a pooled byte buffer. It must be released exactly once; using
// it after release, or releasing twice, panics.
//
// Contents are NOT zeroed between uses. Callers must not assume a fresh
// buffer is clean.
type Buffer struct {
	data     []byte
	pool     *Pool
	released bool
}

// Bytes returns the buffer contents, sized to the length requested from Get.
func (b *Buffer) Bytes() []byte {
	if b.released {
		panic("bufpool: use of released buffer")
	}
	return b.data
}

// Cap returns the buffer's capacity class size.
func (b *Buffer) Cap() int {
	if b.released {
		panic("bufpool: use of released buffer")
	}
	return cap(b.data)
}

// Release returns the buffer to its pool. Releasing twice panics.
func (b *Buffer) Release() {
	if b.released {
		panic("bufpool: buffer released twice")
	}
	b.released = true
	b.pool.put(b.data)
}

// Pool hands out buffers grouped into power-of-two capacity classes. A
// class is created the first time a request lands in it; classes are never
// removed, and freed buffers are kept for reuse indefinitely.
type Pool struct {
	mu      sync.Mutex
	classes map[int][][]byte
}

func New() *Pool {
	return &Pool{classes: make(map[int][][]byte)}
}

// Get returns a buffer whose capacity is at least minSize, with its length
// set to minSize. A released buffer of adequate capacity is reused when one
// is available.
func (p *Pool) Get(minSize int) *Buffer {
	if minSize < 0 {
		panic(fmt.Sprintf("bufpool: negative size %d", minSize))
	}
	if minSize > maxCapacity {
		panic(fmt.Sprintf("bufpool: requested %d bytes exceeds maximum %d", minSize, maxCapacity))
	}

	class := classFor(minSize)

	p.mu.Lock()
	free := p.classes[class]
	if n := len(free); n > 0 {
		data := free[n-1]
		p.classes[class] = free[:n-1]
		p.mu.Unlock()
		metrics.PoolGetsTotal.WithLabelValues("reused").Inc()
		return &Buffer{data: data[:minSize], pool: p}
	}
	p.mu.Unlock()

	metrics.PoolGetsTotal.WithLabelValues("allocated").Inc()
	return &Buffer{data: make([]byte, minSize, class), pool: p}
}

func (p *Pool) put(data []byte) {
	class := cap(data)

	p.mu.Lock()
	p.classes[class] = append(p.classes[class], data[:0])
	p.mu.Unlock()
}

// FreeBuffers returns the number of buffers currently held for reuse.
func (p *Pool) FreeBuffers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, free := range p.classes {
		total += len(free)
	}
	return total
}

// classFor rounds n up to the next power of two, clamped to minClass.
func classFor(n int) int {
	if n <= minClass {
		return minClass
	}
	return 1 << bits.Len(uint(n-1))
}
