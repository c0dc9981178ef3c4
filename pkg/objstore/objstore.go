// Package objstore implements per-class object storage: fixed-size
// versioned records carved out of 256 KiB blocks allocated through
// pkg/slab, one current block per CPU shard, and scan-range splitting
// so a full-table scan (used by class iteration and the referential-
// integrity validator's untracked-reference resolution) can be handed
// to a worker pool.
//
// The per-record version/in-use word is kept in a parallel Go-managed
// header slice rather than packed into the raw mmap-ed buffer bytes:
// Go gives no atomicity guarantee for unsafe.Pointer access into an
// mmap region, so splitting "hot, atomically-touched metadata" from
// "bulk payload bytes" costs nothing here and avoids unsafe pointer
// arithmetic over memory the allocator is still extending.
package objstore

import (
	"sync"
	"sync/atomic"

	"github.com/veloxdb/veloxdb/pkg/concurrent"
	"github.com/veloxdb/veloxdb/pkg/cpu"
	"github.com/veloxdb/veloxdb/pkg/epoch"
	"github.com/veloxdb/veloxdb/pkg/handle"
	"github.com/veloxdb/veloxdb/pkg/slab"
)

// BlockSize is the size of a single arena block (spec.md §4.2).
const BlockSize = 256 * 1024

// recordHeaderSize is the fixed prefix every record carries ahead of
// its property payload: version:u64 + id:i64 (spec.md §3).
const recordHeaderSize = 16

// recordsPerRange is the default scan-split granularity.
const recordsPerRange = 4096

const maxPerCPUFree = 1024

// header is the per-record metadata word: version's low bit marks
// in-use, matching the source's "even = free, odd = in-use" scheme.
type header struct {
	version atomic.Uint64
}

// IsUsed reports whether the record is live, along with the version
// word observed (callers re-check it for consistency with whatever
// payload read they performed under it).
func (h *header) IsUsed() (used bool, version uint64) {
	v := h.version.Load()
	return v&1 == 1, v
}

// MarkUsed toggles the record in-use, publishing version. Callers must
// write payload bytes before calling this: Go's memory model
// guarantees writes preceding an atomic store are visible to any
// goroutine that observes the store (the store-store fence the spec
// calls for).
func (h *header) MarkUsed(version uint64) { h.version.Store(version | 1) }

// MarkFree toggles the record free (version's low bit cleared).
func (h *header) MarkFree(version uint64) { h.version.Store(version &^ 1) }

// Version returns the raw version word without interpreting the
// in-use bit.
func (h *header) Version() uint64 { return h.version.Load() }

// block is one 256 KiB arena, allocated through pkg/slab, carved into
// fixed-size record slots.
type block struct {
	handle  handle.Handle // the slab.Allocator handle backing mem, for recycling on dispose
	mem     []byte
	headers []header
	slots   int
	sealed  atomic.Bool // true once fully bump-allocated
}

func newBlock(itemSize int, blockAlloc *slab.Allocator) *block {
	h := blockAlloc.Allocate()
	mem := blockAlloc.Buffer(h)
	slots := len(mem) / itemSize
	return &block{handle: h, mem: mem, headers: make([]header, slots), slots: slots}
}

type perCPUArea struct {
	mu       sync.Mutex
	curBlock int // index into Store.blocks, -1 if none yet
	nextSlot int
	free     []handle.Handle // freed slots reclaimed by this shard first
}

// Store is the per-class object allocator: one fixed record size,
// organized as a slice of blocks addressed by Handle = blockIdx<<32 |
// slotIdx.
type Store struct {
	itemSize int

	mu     sync.RWMutex
	blocks []*block

	perCPU []*perCPUArea

	// sharedFree is the overflow pool once a per-CPU area's free list
	// would exceed maxPerCPUFree: a lock-free Treiber stack (the
	// teacher's pkg/concurrent.LockFreeStack) rather than a mutex-slice,
	// since this pool is contended across every shard, not owned by one.
	sharedFree *concurrent.LockFreeStack

	// blockAlloc carves whole 256 KiB blocks out of pkg/slab's mmap
	// arenas. itemSize == arenaSize == BlockSize, so every slab.Allocate
	// call hands back exactly one fresh arena: blocks are recycled
	// through slab's per-CPU free list once DisposeRange frees them,
	// instead of leaking their mmap region forever.
	blockAlloc *slab.Allocator

	guard *epoch.Guard
}

// NewStore creates an object store for a fixed payload size (excluding
// the 16-byte version/id prefix every record carries).
func NewStore(payloadSize int) *Store {
	s := &Store{
		itemSize:   payloadSize + recordHeaderSize,
		perCPU:     make([]*perCPUArea, cpu.Count()),
		sharedFree: concurrent.NewLockFreeStack(),
		blockAlloc: slab.NewAllocator(BlockSize, BlockSize),
		guard:      epoch.NewGuard(),
	}
	for i := range s.perCPU {
		s.perCPU[i] = &perCPUArea{curBlock: -1}
	}
	return s
}

// Close stops the store's epoch guard and its block allocator's.
func (s *Store) Close() {
	s.guard.Close()
	s.blockAlloc.Close()
}

// ItemSize returns the total record size including the prefix.
func (s *Store) ItemSize() int { return s.itemSize }

func encodeHandle(blockIdx, slot int) handle.Handle {
	return handle.Handle(uint64(uint32(blockIdx))<<32 | uint64(uint32(slot)))
}

func decodeHandle(h handle.Handle) (blockIdx, slot int) {
	v := uint64(h)
	return int(uint32(v >> 32)), int(uint32(v))
}

// Allocate reserves a new record slot and returns its handle. The
// caller must write the record prefix and payload, then call
// Header(h).MarkUsed(version).
func (s *Store) Allocate() handle.Handle {
	cpuIdx := cpu.Current() % len(s.perCPU)
	area := s.perCPU[cpuIdx]

	area.mu.Lock()
	defer area.mu.Unlock()

	if n := len(area.free); n > 0 {
		h := area.free[n-1]
		area.free = area.free[:n-1]
		return h
	}

	if v, ok := s.sharedFree.Pop(); ok {
		return v.(handle.Handle)
	}

	if area.curBlock < 0 || area.nextSlot >= s.blockAt(area.curBlock).slots {
		area.curBlock = s.growBlock()
		area.nextSlot = 0
	}

	slot := area.nextSlot
	area.nextSlot++
	if area.nextSlot >= s.blockAt(area.curBlock).slots {
		s.blockAt(area.curBlock).sealed.Store(true)
	}
	return encodeHandle(area.curBlock, slot)
}

func (s *Store) blockAt(idx int) *block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blocks[idx]
}

func (s *Store) growBlock() int {
	blk := newBlock(s.itemSize, s.blockAlloc)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = append(s.blocks, blk)
	return len(s.blocks) - 1
}

// Header returns the record's version/in-use header.
func (s *Store) Header(h handle.Handle) *header {
	blockIdx, slot := decodeHandle(h)
	blk := s.blockAt(blockIdx)
	return &blk.headers[slot]
}

// Buffer returns the raw record bytes (16-byte prefix + payload)
// addressed by h.
func (s *Store) Buffer(h handle.Handle) []byte {
	blockIdx, slot := decodeHandle(h)
	blk := s.blockAt(blockIdx)
	off := slot * s.itemSize
	return blk.mem[off : off+s.itemSize]
}

// Free returns h to the allocator once no pinned reader could still
// observe it, deferring the reclaim until every epoch guard pinned at
// free time has exited (mirrors pkg/slab.Allocator.Free).
func (s *Store) Free(h handle.Handle) {
	hdr := s.Header(h)
	hdr.MarkFree(hdr.Version())
	s.guard.Defer(func() { s.reclaim(h) })
}

func (s *Store) reclaim(h handle.Handle) {
	cpuIdx := cpu.Current() % len(s.perCPU)
	area := s.perCPU[cpuIdx]

	area.mu.Lock()
	if len(area.free) < maxPerCPUFree {
		area.free = append(area.free, h)
		area.mu.Unlock()
		return
	}
	area.mu.Unlock()

	s.sharedFree.Push(h)
}

// Range is a contiguous span of a single block's slots a scan worker
// owns.
type Range struct {
	store     *Store
	blockIdx  int
	loSlot    int
	hiSlot    int // exclusive
	disposeOf bool
}

// ForEach visits every in-use record in the range.
func (r *Range) ForEach(visit func(h handle.Handle, version uint64, buf []byte)) {
	blk := r.store.blockAt(r.blockIdx)
	for slot := r.loSlot; slot < r.hiSlot; slot++ {
		hdr := &blk.headers[slot]
		used, version := hdr.IsUsed()
		if !used {
			continue
		}
		h := encodeHandle(r.blockIdx, slot)
		visit(h, version, r.store.Buffer(h))
	}
}

// SplitScanRange partitions every record slot currently allocated
// (sealed blocks plus each per-CPU block still being filled, frozen at
// its current cursor) into ranges of roughly itemsPerRange records
// each, coalesced toward `workers` groups (see coalesce). Per-CPU in-progress
// blocks are "collected" (their cursor frozen under the per-CPU lock)
// and their ranges are ordered last, matching the source's rule that
// the partial range is scanned last.
func (s *Store) SplitScanRange(itemsPerRange, workers int) []*Range {
	if itemsPerRange <= 0 {
		itemsPerRange = recordsPerRange
	}

	partialEnd := make(map[int]int)
	for _, area := range s.perCPU {
		area.mu.Lock()
		if area.curBlock >= 0 {
			if end, ok := partialEnd[area.curBlock]; !ok || area.nextSlot > end {
				partialEnd[area.curBlock] = area.nextSlot
			}
		}
		area.mu.Unlock()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var full, partial []*Range
	for idx, blk := range s.blocks {
		end := blk.slots
		if e, ok := partialEnd[idx]; ok {
			end = e
		}
		if end == 0 {
			continue
		}
		ranges := chunk(s, idx, end, itemsPerRange)
		if blk.sealed.Load() {
			full = append(full, ranges...)
		} else {
			partial = append(partial, ranges...)
		}
	}

	out := append(full, partial...)
	if workers > 0 && len(out) > workers {
		out = coalesce(out, workers)
	}
	return out
}

// SplitDisposableScanRange is SplitScanRange's Drop-time variant: each
// returned Range owns its block and frees it (via DisposeRange) once
// the caller's scan of it completes.
func (s *Store) SplitDisposableScanRange(itemsPerRange, workers int) []*Range {
	ranges := s.SplitScanRange(itemsPerRange, workers)
	for _, r := range ranges {
		r.disposeOf = true
	}
	return ranges
}

// DisposeRange frees a disposable range's block after its scan has
// completed, returning its backing arena to blockAlloc for reuse.
// No-op for non-disposable ranges.
func (r *Range) DisposeRange() {
	if !r.disposeOf {
		return
	}
	r.store.mu.Lock()
	blk := r.store.blocks[r.blockIdx]
	r.store.blocks[r.blockIdx] = nil
	r.store.mu.Unlock()

	if blk != nil {
		r.store.blockAlloc.Free(blk.handle)
	}
}

func chunk(s *Store, blockIdx, end, itemsPerRange int) []*Range {
	var out []*Range
	for lo := 0; lo < end; lo += itemsPerRange {
		hi := lo + itemsPerRange
		if hi > end {
			hi = end
		}
		out = append(out, &Range{store: s, blockIdx: blockIdx, loSlot: lo, hiSlot: hi})
	}
	return out
}

// coalesce splits ranges into `workers` consecutive groups and merges
// each group whose ranges all lie in one block into a single range. A
// group spanning more than one block is returned unmerged, so the
// result can hold more than `workers` ranges.
func coalesce(ranges []*Range, workers int) []*Range {
	perWorker := (len(ranges) + workers - 1) / workers
	var out []*Range
	for i := 0; i < len(ranges); i += perWorker {
		end := i + perWorker
		if end > len(ranges) {
			end = len(ranges)
		}
		group := ranges[i:end]
		first, last := group[0], group[len(group)-1]
		if first.blockIdx == last.blockIdx {
			out = append(out, &Range{store: first.store, blockIdx: first.blockIdx, loSlot: first.loSlot, hiSlot: last.hiSlot, disposeOf: first.disposeOf})
		} else {
			out = append(out, group...)
		}
	}
	return out
}

// Count returns the number of live records across all blocks
// (diagnostic / metrics use; O(n) over slots).
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, blk := range s.blocks {
		if blk == nil {
			continue
		}
		for i := range blk.headers {
			if used, _ := blk.headers[i].IsUsed(); used {
				n++
			}
		}
	}
	return n
}
