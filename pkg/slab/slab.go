// Package slab implements the engine's memory manager: a size-classed
// allocator returning opaque handle.Handle values, backed by per-CPU
// free lists and mmap-ed arenas. Allocation is size-classed — one
// *Allocator per fixed buffer size, exactly as object storage wants
// one allocator per class's record size.
package slab

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"

	"github.com/veloxdb/veloxdb/pkg/concurrent"
	"github.com/veloxdb/veloxdb/pkg/cpu"
	"github.com/veloxdb/veloxdb/pkg/epoch"
	"github.com/veloxdb/veloxdb/pkg/handle"
)

// ArenaSize is the default slab block size: 256 KiB.
const ArenaSize = 256 * 1024

const maxPerCPUFree = 1024 // per-CPU free list capacity before overflowing to the shared pool

// Allocator carves fixed-size buffers out of mmap-ed arenas. A Handle
// encodes (arena index << 32 | offset); offset is always a multiple of
// itemSize.
type Allocator struct {
	itemSize  int
	arenaSize int

	mu     sync.Mutex // protects arenas + bump cursor
	arenas []mmap.MMap
	cursor int // byte offset of next free slot in the last arena

	perCPU []*freeList
	shared *freeList

	guard *epoch.Guard
}

// freeList wraps the teacher's pkg/concurrent.LockFreeStack (still
// interface{}-valued; handles are boxed going in and type-asserted
// back out on pop) with an atomic size, so Allocate/Free can decide
// overflow to the shared pool without an O(n) stack walk.
type freeList struct {
	stack *concurrent.LockFreeStack
	size  atomic.Int64
}

func newFreeList() *freeList {
	return &freeList{stack: concurrent.NewLockFreeStack()}
}

func (f *freeList) push(h handle.Handle) {
	f.stack.Push(h)
	f.size.Add(1)
}

func (f *freeList) pop() (handle.Handle, bool) {
	v, ok := f.stack.Pop()
	if !ok {
		return handle.Null, false
	}
	f.size.Add(-1)
	return v.(handle.Handle), true
}

func (f *freeList) len() int { return int(f.size.Load()) }

// NewAllocator creates an allocator for fixed-size buffers of itemSize
// bytes, with arenaSize-byte backing arenas (defaults to ArenaSize).
func NewAllocator(itemSize int, arenaSize int) *Allocator {
	if arenaSize <= 0 {
		arenaSize = ArenaSize
	}
	if itemSize <= 0 {
		panic("slab: itemSize must be positive")
	}
	n := cpu.Count()
	a := &Allocator{
		itemSize:  itemSize,
		arenaSize: arenaSize,
		perCPU:    make([]*freeList, n),
		shared:    newFreeList(),
		guard:     epoch.NewGuard(),
	}
	for i := range a.perCPU {
		a.perCPU[i] = newFreeList()
	}
	return a
}

// Close stops the allocator's epoch guard. Safe to skip in short-lived
// tests; production StorageEngine.Close calls it for every allocator.
func (a *Allocator) Close() {
	a.guard.Close()
}

// Enter pins the calling goroutine inside the slab for the duration of a
// buffer access, preventing SafeFree from reclaiming anything the caller
// might still be reading. Exit must be called, even on error paths.
func (a *Allocator) Enter() (token int, epochID uint64) {
	for {
		shard, ep, ok := a.guard.Pin(shardHint())
		if ok {
			return shard, ep
		}
		// guard disabled mid-call: re-read nothing to re-read here, the
		// allocator is shutting down; callers should abandon the access.
		return -1, 0
	}
}

// Exit releases a token obtained from Enter.
func (a *Allocator) Exit(token int) {
	if token < 0 {
		return
	}
	a.guard.Unpin(token)
}

func shardHint() int {
	return cpu.Current()
}

// Allocate returns a handle to a zeroed buffer of itemSize bytes.
func (a *Allocator) Allocate() handle.Handle {
	cpuIdx := cpu.Current() % len(a.perCPU)
	p := a.perCPU[cpuIdx]

	if h, ok := p.pop(); ok {
		a.zero(h)
		return h
	}
	if h, ok := a.shared.pop(); ok {
		a.zero(h)
		return h
	}

	return a.bumpAllocate()
}

func (a *Allocator) bumpAllocate() handle.Handle {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.arenas) == 0 || a.cursor+a.itemSize > a.arenaSize {
		region, err := mmap.MapRegion(nil, a.arenaSize, mmap.RDWR, mmap.ANON, 0)
		if err != nil {
			panic(fmt.Sprintf("slab: out of memory: mmap failed: %v", err))
		}
		a.arenas = append(a.arenas, region)
		a.cursor = 0
	}

	arenaIdx := len(a.arenas) - 1
	offset := a.cursor
	a.cursor += a.itemSize

	return encodeHandle(arenaIdx, offset)
}

// Free returns h to the allocator once no pinned reader could still
// observe it, deferring the reclaim until every in-flight epoch guard
// has exited.
func (a *Allocator) Free(h handle.Handle) {
	a.guard.Defer(func() {
		a.reclaim(h)
	})
}

func (a *Allocator) reclaim(h handle.Handle) {
	cpuIdx := cpu.Current() % len(a.perCPU)
	p := a.perCPU[cpuIdx]

	if p.len() < maxPerCPUFree {
		p.push(h)
		return
	}
	a.shared.push(h)
}

// Buffer returns the backing byte slice for h. Callers must hold an
// Enter/Exit pin, or otherwise know the handle cannot be concurrently
// freed (e.g. a value only they hold a reference to).
func (a *Allocator) Buffer(h handle.Handle) []byte {
	arenaIdx, offset := decodeHandle(h)
	a.mu.Lock()
	arena := a.arenas[arenaIdx]
	a.mu.Unlock()
	return arena[offset : offset+a.itemSize]
}

func (a *Allocator) zero(h handle.Handle) {
	buf := a.Buffer(h)
	for i := range buf {
		buf[i] = 0
	}
}

func encodeHandle(arenaIdx, offset int) handle.Handle {
	return handle.Handle(uint64(arenaIdx)<<32 | uint64(uint32(offset)))
}

func decodeHandle(h handle.Handle) (arenaIdx, offset int) {
	v := uint64(h)
	return int(v >> 32), int(uint32(v))
}

// ItemSize returns the fixed buffer size this allocator serves.
func (a *Allocator) ItemSize() int { return a.itemSize }
