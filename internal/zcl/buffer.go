package zcl

import "sync"

// BufferPool hands out transmit buffers. Allocate may fail under memory
// pressure; every allocated buffer is returned with Free.
type BufferPool interface {
	Allocate(n int) ([]byte, bool)
	Free(buf []byte)
}

// FixedPool is a BufferPool with a fixed number of slots of bounded size,
// mirroring the static buffer pool of an embedded radio stack.
type FixedPool struct {
	mu      sync.Mutex
	slots   int
	maxSize int
	inUse   int
}

// NewFixedPool returns a pool of slots buffers of at most maxSize bytes.
func NewFixedPool(slots, maxSize int) *FixedPool {
	return &FixedPool{slots: slots, maxSize: maxSize}
}

func (p *FixedPool) Allocate(n int) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > p.maxSize || p.inUse >= p.slots {
		return nil, false
	}
	p.inUse++
	return make([]byte, n), true
}

func (p *FixedPool) Free(buf []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inUse > 0 {
		p.inUse--
	}
}

// InUse returns the number of outstanding buffers.
func (p *FixedPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// MaxSize returns the largest buffer the pool hands out.
func (p *FixedPool) MaxSize() int { return p.maxSize }
