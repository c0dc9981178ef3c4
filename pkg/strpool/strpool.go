// Package strpool implements the engine's reference-counted string pool
// and blob heap. Strings are interned once and addressed by
// handle.Handle; the blob heap stores opaque byte payloads (used for
// large property values that do not fit inline) addressed the same way.
package strpool

import (
	"sync"

	"github.com/veloxdb/veloxdb/pkg/handle"
)

type stringEntry struct {
	value    string
	refCount int32
}

// Pool interns strings, reference-counting each distinct value so that
// many objects referencing the same string share one copy.
type Pool struct {
	mu      sync.RWMutex
	byValue map[string]handle.Handle
	entries map[handle.Handle]*stringEntry
	next    uint64
}

// NewPool creates an empty string pool.
func NewPool() *Pool {
	return &Pool{
		byValue: make(map[string]handle.Handle),
		entries: make(map[handle.Handle]*stringEntry),
		next:    1,
	}
}

// Intern returns a handle for s, creating the entry if needed and
// incrementing its reference count.
func (p *Pool) Intern(s string) handle.Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h, ok := p.byValue[s]; ok {
		p.entries[h].refCount++
		return h
	}

	h := handle.Handle(p.next)
	p.next++
	p.byValue[s] = h
	p.entries[h] = &stringEntry{value: s, refCount: 1}
	return h
}

// Lookup resolves a handle back to its string value.
func (p *Pool) Lookup(h handle.Handle) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[h]
	if !ok {
		return "", false
	}
	return e.value, true
}

// Release decrements the reference count for h, freeing the entry once
// it drops to zero.
func (p *Pool) Release(h handle.Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[h]
	if !ok {
		return
	}
	e.refCount--
	if e.refCount <= 0 {
		delete(p.entries, h)
		delete(p.byValue, e.value)
	}
}

// Retain increments the reference count for an already-interned handle
// (used when a second property/object takes on the same string handle
// without going through Intern's value lookup, e.g. copying a value
// during a version chain append).
func (p *Pool) Retain(h handle.Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[h]; ok {
		e.refCount++
	}
}

// Size returns the number of distinct interned strings.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// BlobHeap stores opaque byte payloads addressed by handle. Unlike the
// string pool there is no interning — each Put produces a fresh handle.
type BlobHeap struct {
	mu   sync.RWMutex
	data map[handle.Handle][]byte
	next uint64
}

// NewBlobHeap creates an empty blob heap.
func NewBlobHeap() *BlobHeap {
	return &BlobHeap{data: make(map[handle.Handle][]byte), next: 1}
}

// Put stores a copy of b and returns its handle.
func (bh *BlobHeap) Put(b []byte) handle.Handle {
	cp := make([]byte, len(b))
	copy(cp, b)

	bh.mu.Lock()
	defer bh.mu.Unlock()
	h := handle.Handle(bh.next)
	bh.next++
	bh.data[h] = cp
	return h
}

// Get returns the stored payload for h.
func (bh *BlobHeap) Get(h handle.Handle) ([]byte, bool) {
	bh.mu.RLock()
	defer bh.mu.RUnlock()
	b, ok := bh.data[h]
	return b, ok
}

// Free releases the payload for h.
func (bh *BlobHeap) Free(h handle.Handle) {
	bh.mu.Lock()
	defer bh.mu.Unlock()
	delete(bh.data, h)
}
