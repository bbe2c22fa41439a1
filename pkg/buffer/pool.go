package buffer

import (
	"sync"
)

// ReaderPool recycles read cursors over a single region. Acquiring a
// reader pins the region; releasing it returns the cursor to the free
// list and drops the pin.
type ReaderPool struct {
	region *Region

	mu   sync.Mutex
	free []*Reader
}

// NewReaderPool creates a pool over the given region.
func NewReaderPool(region *Region) *ReaderPool {
	return &ReaderPool{region: region}
}

// Acquire returns a reader positioned at zero.
func (p *ReaderPool) Acquire() *Reader {
	p.region.Acquire()
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		r := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		r.pos = 0
		r.limit = p.region.Capacity()
		return r
	}
	p.mu.Unlock()
	return &Reader{region: p.region, limit: p.region.Capacity(), pool: p}
}

// Release returns the reader to the free list.
func (p *ReaderPool) Release(r *Reader) {
	p.mu.Lock()
	p.free = append(p.free, r)
	p.mu.Unlock()
	p.region.Release()
}

// WriterPool recycles write cursors over a single region.
type WriterPool struct {
	region *Region

	mu   sync.Mutex
	free []*Writer
}

// NewWriterPool creates a pool over the given region.
func NewWriterPool(region *Region) *WriterPool {
	return &WriterPool{region: region}
}

// Acquire returns a writer positioned at zero.
func (p *WriterPool) Acquire() *Writer {
	p.region.Acquire()
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		w := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		w.pos = 0
		w.limit = p.region.Capacity()
		return w
	}
	p.mu.Unlock()
	return &Writer{region: p.region, limit: p.region.Capacity(), pool: p}
}

// Release returns the writer to the free list.
func (p *WriterPool) Release(w *Writer) {
	p.mu.Lock()
	p.free = append(p.free, w)
	p.mu.Unlock()
	p.region.Release()
}
