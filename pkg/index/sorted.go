package index

import (
	"bytes"
	"sync"

	"github.com/google/btree"

	"github.com/veloxdb/veloxdb/pkg/handle"
	"github.com/veloxdb/veloxdb/pkg/readerinfo"
	"github.com/veloxdb/veloxdb/pkg/txn"
	"github.com/veloxdb/veloxdb/pkg/veloxerr"
)

// btreeDegree picks a b-tree node fan-out around the 118-key leaf
// default; google/btree's degree is "minimum children per node", so
// a leaf holds up to 2*degree-1 keys.
const btreeDegree = 59

type itemState struct {
	version     uint64 // current authoritative version: the writer's tx id while pending, rewritten to the commit version at Finalize
	prevVersion uint64 // version immediately before this write, 0 if the (key,id) pair didn't exist before
	deleted     bool
	prevDeleted bool
}

// sortedEntry is the value stored in the btree; Less only compares
// key and id so a lookup by (key,id) finds the live entry regardless
// of its state.
type sortedEntry struct {
	key   []byte
	id    int64
	state *itemState
}

func (a sortedEntry) Less(than btree.Item) bool {
	b := than.(sortedEntry)
	if c := bytes.Compare(a.key, b.key); c != 0 {
		return c < 0
	}
	return a.id < b.id
}

// rangeLock is an active sorted-index scan's phantom-read guard: any
// insert or delete landing inside [lo, hi] must bump this lock's
// watermark so a transaction that scanned the range (and later tries
// to commit) detects the interference via its held cell, mirroring
// spec.md §4.3's object conflict rule but for a key range instead of a
// single object.
type rangeLock struct {
	lo, hi []byte // inclusive bounds
	cell   readerinfo.Cell
}

func (r *rangeLock) overlaps(lo, hi []byte) bool {
	return bytes.Compare(lo, r.hi) <= 0 && bytes.Compare(r.lo, hi) <= 0
}

// SortedIndex is a B-tree-ordered index over a class's property,
// supporting equality and range scans. The underlying google/btree
// tree is a plain (non-concurrent) ordered structure guarded by a
// single RWMutex: reads take the read lock for the scan's duration and
// writes take the write lock, while the phantom-read protection that
// makes concurrent scans and inserts serializable is the rangeLock list
// below, not lock-free traversal of the tree itself (google/btree has
// no optimistic-read mode to port the source's lock-free node walk
// onto). Reads are not epoch-guarded, and range locks are pruned by
// GarbageCollectRangeLocks under rangeMu rather than epoch-reclaimed.
type SortedIndex struct {
	ID     int32
	Unique bool

	mu   sync.RWMutex
	tree *btree.BTree

	rangeMu    sync.Mutex
	rangeLocks []*rangeLock
}

// NewSortedIndex creates an empty sorted index.
func NewSortedIndex(id int32, unique bool) *SortedIndex {
	return &SortedIndex{ID: id, Unique: unique, tree: btree.New(btreeDegree)}
}

func versionOf(v uint64) handle.Version { return handle.Version(v) }

// conflict applies spec.md §4.3's object conflict rules to a single
// sorted-index entry's pending/committed state.
func conflict(tx *txn.Transaction, st *itemState) bool {
	if st == nil {
		return false
	}
	if !versionOf(st.version).IsCommitted() && st.version != uint64(tx.ID) {
		return true
	}
	if versionOf(st.version).IsCommitted() && versionOf(st.version) > tx.ReadVersion {
		return true
	}
	return false
}

// visible reports whether st's current transition is visible to tx
// and, if so, whether it represents a deletion.
func visible(tx *txn.Transaction, st *itemState) (ok, deleted bool) {
	if st.version == uint64(tx.ID) {
		return true, st.deleted
	}
	v := versionOf(st.version)
	if v.IsCommitted() && v <= tx.ReadVersion {
		return true, st.deleted
	}
	// Not yet committed by someone else and not ours: fall back to the
	// previous transition, if any (mirrors a version chain walk with a
	// single-slot chain).
	if st.prevVersion == 0 {
		return false, false
	}
	pv := versionOf(st.prevVersion)
	if pv.IsCommitted() && pv <= tx.ReadVersion {
		return true, st.prevDeleted
	}
	return false, false
}

func (idx *SortedIndex) applyRangeTouches(tx *txn.Transaction, key []byte) {
	idx.rangeMu.Lock()
	defer idx.rangeMu.Unlock()
	ctx := tx.Context()
	for _, rl := range idx.rangeLocks {
		if rl.overlaps(key, key) {
			ctx.WriteTouches = append(ctx.WriteTouches, &rl.cell)
		}
	}
}

// Insert records that id carries key in this index.
func (idx *SortedIndex) Insert(tx *txn.Transaction, key []byte, id int64) error {
	return idx.apply(tx, key, id, false)
}

// Delete records that id no longer carries key.
func (idx *SortedIndex) Delete(tx *txn.Transaction, key []byte, id int64) error {
	return idx.apply(tx, key, id, true)
}

func (idx *SortedIndex) apply(tx *txn.Transaction, key []byte, id int64, deleted bool) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	probe := sortedEntry{key: key, id: id}
	existing := idx.tree.Get(probe)

	var st *itemState
	if existing != nil {
		e := existing.(sortedEntry)
		if conflict(tx, e.state) {
			return veloxerr.Conflict
		}
		st = e.state
	}

	if !deleted && idx.Unique {
		if v := idx.uniqueHolder(tx, key, id); v {
			return veloxerr.UniqueViolation
		}
	}

	if st == nil {
		st = &itemState{}
		idx.tree.ReplaceOrInsert(sortedEntry{key: key, id: id, state: st})
	}
	st.prevVersion = st.version
	st.prevDeleted = st.deleted
	st.version = uint64(tx.ID)
	st.deleted = deleted

	idx.applyRangeTouches(tx, key)

	ctx := tx.Context()
	ctx.FinalizeHooks = append(ctx.FinalizeHooks, func(commitVersion handle.Version) {
		if st.version == uint64(tx.ID) {
			st.version = uint64(commitVersion)
		}
	})
	ctx.RollbackHooks = append(ctx.RollbackHooks, func() {
		if st.version == uint64(tx.ID) {
			st.version = st.prevVersion
			st.deleted = st.prevDeleted
		}
	})
	return nil
}

// uniqueHolder reports whether some id other than id is visibly
// present for key in tx's snapshot.
func (idx *SortedIndex) uniqueHolder(tx *txn.Transaction, key []byte, id int64) bool {
	found := false
	idx.tree.AscendGreaterOrEqual(sortedEntry{key: key, id: minInt64}, func(i btree.Item) bool {
		e := i.(sortedEntry)
		if !bytes.Equal(e.key, key) {
			return false
		}
		if e.id == id {
			return true
		}
		if ok, del := visible(tx, e.state); ok && !del {
			found = true
			return false
		}
		return true
	})
	return found
}

const minInt64 = -1 << 63

// Lookup resolves the ids carrying key, visible at tx's read version.
func (idx *SortedIndex) Lookup(tx *txn.Transaction, key []byte) []int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var ids []int64
	idx.tree.AscendGreaterOrEqual(sortedEntry{key: key, id: minInt64}, func(i btree.Item) bool {
		e := i.(sortedEntry)
		if !bytes.Equal(e.key, key) {
			return false
		}
		if ok, del := visible(tx, e.state); ok && !del {
			ids = append(ids, e.id)
		}
		return true
	})
	return ids
}

// RangeItem is one (key, id) pair a range scan observed.
type RangeItem struct {
	Key []byte
	ID  int64
}

// RangeScan returns every visible (key, id) pair in [lo, hi] and, for
// a read-write transaction, takes a range lock covering the scanned
// span so a later insert/delete inside it is detected as a conflict
// when tx commits (spec.md §4.6's phantom-read scenario).
func (idx *SortedIndex) RangeScan(tx *txn.Transaction, lo, hi []byte) []RangeItem {
	idx.mu.RLock()
	var out []RangeItem
	idx.tree.AscendRange(sortedEntry{key: lo, id: minInt64}, sortedEntry{key: hi, id: 1<<63 - 1}, func(i btree.Item) bool {
		e := i.(sortedEntry)
		if bytes.Compare(e.key, hi) > 0 {
			return false
		}
		if ok, del := visible(tx, e.state); ok && !del {
			out = append(out, RangeItem{Key: e.key, ID: e.id})
		}
		return true
	})
	idx.mu.RUnlock()

	if tx.IsReadWrite() {
		idx.takeRangeLock(tx, lo, hi)
	}
	return out
}

func (idx *SortedIndex) takeRangeLock(tx *txn.Transaction, lo, hi []byte) {
	idx.rangeMu.Lock()
	rl := &rangeLock{lo: lo, hi: hi}
	idx.rangeLocks = append(idx.rangeLocks, rl)
	idx.rangeMu.Unlock()

	already, inline := rl.cell.TakeLock(tx.Slot)
	if already {
		return
	}
	ctx := tx.Context()
	ctx.KeyLocks = append(ctx.KeyLocks, txn.LockRef{Cell: &rl.cell, Slot: tx.Slot, ClassIndex: -1, WasInline: inline, EligibleGC: true, ReadVersion: tx.ReadVersion})
}

// GarbageCollectRangeLocks drops range locks with no active holders,
// called periodically by the same collector that folds class and
// inverse-reference deltas (spec.md §4.9).
func (idx *SortedIndex) GarbageCollectRangeLocks() {
	idx.rangeMu.Lock()
	defer idx.rangeMu.Unlock()
	kept := idx.rangeLocks[:0]
	for _, rl := range idx.rangeLocks {
		if rl.cell.LockCount() > 0 {
			kept = append(kept, rl)
		}
	}
	idx.rangeLocks = kept
}

// GarbageCollect physically removes entries whose most recent
// transition is a committed delete older than oldestReadVersion: no
// active reader can need the tombstone once every open snapshot starts
// after it.
func (idx *SortedIndex) GarbageCollect(oldestReadVersion handle.Version) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var dead []sortedEntry
	idx.tree.Ascend(func(i btree.Item) bool {
		e := i.(sortedEntry)
		if e.state.deleted && versionOf(e.state.version).IsCommitted() && versionOf(e.state.version) <= oldestReadVersion {
			dead = append(dead, e)
		}
		return true
	})
	for _, e := range dead {
		idx.tree.Delete(e)
	}
}

// GarbageCollectPeriodic implements pkg/gc.PeriodicCollector: sorted
// indexes have no per-write affected-item list (range locks cover
// spans, not single ids), so they are swept on the GC's fixed interval
// instead of being driven off a committed transaction's write set.
func (idx *SortedIndex) GarbageCollectPeriodic(oldestReadVersion handle.Version) {
	idx.GarbageCollect(oldestReadVersion)
	idx.GarbageCollectRangeLocks()
}
