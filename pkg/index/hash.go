// Package index implements the engine's secondary indexes: a sharded
// hash index for equality lookups and a B-tree-backed sorted index for
// range scans, each paired with a ReaderInfo-based key locker so
// repeatable reads (and phantom protection, for the sorted index) hold
// across commit. The sharding and lock-cell usage mirror pkg/class's
// striped object index and pkg/invref's entry map; see pkg/class's doc
// comment for the grounding note.
package index

import (
	"encoding/binary"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/veloxdb/veloxdb/pkg/handle"
	"github.com/veloxdb/veloxdb/pkg/readerinfo"
	"github.com/veloxdb/veloxdb/pkg/txn"
	"github.com/veloxdb/veloxdb/pkg/veloxerr"
)

const numShards = 256

// opType distinguishes an insert delta from a delete delta, same
// encoding as pkg/invref.
type opType uint8

const (
	opInsert opType = iota
	opDelete
)

type keyDelta struct {
	op      opType
	id      int64
	version uint64
}

type keyBase struct {
	members map[int64]bool
	version uint64
}

type hentry struct {
	mu     sync.Mutex
	base   keyBase
	deltas []keyDelta
	cell   readerinfo.Cell
}

type hshard struct {
	mu      sync.RWMutex
	entries map[string]*hentry
}

// HashIndex is an equality index over a class's property: key bytes to
// a set of object ids (a single id when Unique is set). Uniqueness is
// enforced against the snapshot each writer observes, same as a class's
// object chain.
type HashIndex struct {
	ID     int32
	Unique bool

	shards [numShards]*hshard
}

// NewHashIndex creates an empty hash index. id must be unique among an
// engine's indexes: it seeds the overflow-lock hash so two indexes'
// keys never alias in a transaction's OverflowByKeyHash bookkeeping.
func NewHashIndex(id int32, unique bool) *HashIndex {
	idx := &HashIndex{ID: id, Unique: unique}
	for i := range idx.shards {
		idx.shards[i] = &hshard{entries: make(map[string]*hentry)}
	}
	return idx
}

func (idx *HashIndex) shardFor(key []byte) *hshard {
	h := fnv.New32a()
	h.Write(key)
	return idx.shards[h.Sum32()%numShards]
}

func (idx *HashIndex) overflowHash(key []byte) uint64 {
	h := fnv.New64a()
	var idBuf [4]byte
	binary.LittleEndian.PutUint32(idBuf[:], uint32(idx.ID))
	h.Write(idBuf[:])
	h.Write(key)
	return h.Sum64()
}

func (idx *HashIndex) getOrCreate(key string) *hentry {
	sh := idx.shardFor([]byte(key))

	sh.mu.RLock()
	e, ok := sh.entries[key]
	sh.mu.RUnlock()
	if ok {
		return e
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.entries[key]; ok {
		return e
	}
	e = &hentry{base: keyBase{members: make(map[int64]bool)}}
	sh.entries[key] = e
	return e
}

func (idx *HashIndex) lookup(key string) (*hentry, bool) {
	sh := idx.shardFor([]byte(key))
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.entries[key]
	return e, ok
}

// Insert records that id now carries key in this index, as part of
// tx's write set. Returns UniqueViolation if the index is unique and a
// different id already occupies key in tx's snapshot.
func (idx *HashIndex) Insert(tx *txn.Transaction, key []byte, id int64) error {
	return idx.apply(tx, key, opInsert, id)
}

// Delete records that id no longer carries key.
func (idx *HashIndex) Delete(tx *txn.Transaction, key []byte, id int64) error {
	return idx.apply(tx, key, opDelete, id)
}

func (idx *HashIndex) apply(tx *txn.Transaction, key []byte, op opType, id int64) error {
	ks := string(key)
	e := idx.getOrCreate(ks)

	e.mu.Lock()
	defer e.mu.Unlock()

	if tx.IsReadWrite() {
		amOverflow := tx.Context().OverflowByKeyHash[idx.overflowHash(key)]
		if e.cell.IsConflict(tx.Slot, uint64(tx.ReadVersion), amOverflow) {
			return veloxerr.Conflict
		}
	}

	if op == opInsert && idx.Unique {
		for other := range idx.visibleMembers(e, tx) {
			if other != id {
				return veloxerr.UniqueViolation
			}
		}
	}

	e.deltas = append(e.deltas, keyDelta{op: op, id: id, version: uint64(tx.ID)})

	txID := tx.ID
	ctx := tx.Context()
	ctx.FinalizeHooks = append(ctx.FinalizeHooks, func(commitVersion handle.Version) {
		e.mu.Lock()
		for i := range e.deltas {
			if e.deltas[i].version == uint64(txID) {
				e.deltas[i].version = uint64(commitVersion)
			}
		}
		e.mu.Unlock()
	})
	ctx.RollbackHooks = append(ctx.RollbackHooks, func() {
		e.mu.Lock()
		kept := e.deltas[:0]
		for _, d := range e.deltas {
			if d.version != uint64(txID) {
				kept = append(kept, d)
			}
		}
		e.deltas = kept
		e.mu.Unlock()
	})
	already, inline := e.cell.TakeLock(tx.Slot)
	if !already && !inline {
		ctx.OverflowByKeyHash[idx.overflowHash(key)] = true
	}
	if !already {
		ctx.KeyLocks = append(ctx.KeyLocks, txn.LockRef{Cell: &e.cell, Slot: tx.Slot, ClassIndex: -1, WasInline: inline, EligibleGC: true, ReadVersion: tx.ReadVersion})
	}
	return nil
}

// visibleMembers must be called with e.mu held.
func (idx *HashIndex) visibleMembers(e *hentry, tx *txn.Transaction) map[int64]bool {
	out := make(map[int64]bool, len(e.base.members))
	for id := range e.base.members {
		out[id] = true
	}
	for _, d := range e.deltas {
		if !versionVisible(d.version, tx) {
			continue
		}
		switch d.op {
		case opInsert:
			out[d.id] = true
		case opDelete:
			delete(out, d.id)
		}
	}
	return out
}

func versionVisible(version uint64, tx *txn.Transaction) bool {
	if version == uint64(tx.ID) {
		return true
	}
	v := handle.Version(version)
	return v.IsCommitted() && v <= tx.ReadVersion
}

// Lookup resolves the ids carrying key, visible at tx's read version.
// Read-write transactions take a key lock on the entry for repeatable
// reads, same as an object read.
func (idx *HashIndex) Lookup(tx *txn.Transaction, key []byte) []int64 {
	e, ok := idx.lookup(string(key))
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if tx.IsReadWrite() {
		already, inline := e.cell.TakeLock(tx.Slot)
		if !already {
			ctx := tx.Context()
			if !inline {
				ctx.OverflowByKeyHash[idx.overflowHash(key)] = true
			}
			ctx.KeyLocks = append(ctx.KeyLocks, txn.LockRef{Cell: &e.cell, Slot: tx.Slot, ClassIndex: -1, WasInline: inline, EligibleGC: true, ReadVersion: tx.ReadVersion})
		}
	}

	members := idx.visibleMembers(e, tx)
	ids := make([]int64, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Finalize rewrites every delta this transaction wrote against key
// from tx.ID to its assigned commit version.
func (idx *HashIndex) Finalize(key []byte, txID, commitVersion handle.Version) {
	e, ok := idx.lookup(string(key))
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.deltas {
		if e.deltas[i].version == uint64(txID) {
			e.deltas[i].version = uint64(commitVersion)
		}
	}
}

// GarbageCollect folds every delta with version <= oldestReadVersion
// into the entry's base and drops the entry if it ends up empty and
// unlocked.
func (idx *HashIndex) GarbageCollect(key []byte, oldestReadVersion handle.Version) {
	ks := string(key)
	sh := idx.shardFor(key)

	sh.mu.RLock()
	e, ok := sh.entries[ks]
	sh.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	kept := e.deltas[:0]
	for _, d := range e.deltas {
		if handle.Version(d.version).IsCommitted() && handle.Version(d.version) <= oldestReadVersion {
			switch d.op {
			case opInsert:
				e.base.members[d.id] = true
			case opDelete:
				delete(e.base.members, d.id)
			}
			if d.version > e.base.version {
				e.base.version = d.version
			}
			continue
		}
		kept = append(kept, d)
	}
	e.deltas = kept
	empty := len(e.base.members) == 0 && len(e.deltas) == 0
	locked := e.cell.LockCount() > 0
	e.mu.Unlock()

	if empty && !locked {
		sh.mu.Lock()
		if cur, ok := sh.entries[ks]; ok && cur == e {
			delete(sh.entries, ks)
		}
		sh.mu.Unlock()
	}
}

// GarbageCollectAll sweeps every key currently present in the index,
// folding deltas as GarbageCollect does. Called periodically by
// pkg/gc rather than per-key, since a hash index has no affected-key
// list threaded through a transaction's Context the way objects and
// inverse-refs do (spec.md §4.9's HashKeyReadLocker.garbageCollect is
// driven off a scan here instead of a per-write work item).
func (idx *HashIndex) GarbageCollectAll(oldestReadVersion handle.Version) {
	for _, sh := range idx.shards {
		sh.mu.RLock()
		keys := make([]string, 0, len(sh.entries))
		for k := range sh.entries {
			keys = append(keys, k)
		}
		sh.mu.RUnlock()
		for _, k := range keys {
			idx.GarbageCollect([]byte(k), oldestReadVersion)
		}
	}
}

// GarbageCollectPeriodic implements pkg/gc.PeriodicCollector.
func (idx *HashIndex) GarbageCollectPeriodic(oldestReadVersion handle.Version) {
	idx.GarbageCollectAll(oldestReadVersion)
}
