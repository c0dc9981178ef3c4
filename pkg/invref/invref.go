// Package invref implements the inverse-reference map: for a
// reference property `A.p -> B`, the set of A ids currently pointing
// at a given B. Each (id, propertyId) entry holds a base item (the
// last-folded set of referencing ids and its version) plus a chain of deltas
// recording individual insert/delete operations since that base was
// folded, and a ReaderInfo lock cell for repeatable-read protection
// across GetReferences/Insert/Delete.
//
// Sharding and the lock-cell usage mirror pkg/class's striped id
// index; see that package's doc comment for the grounding note.
package invref

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

// OpType distinguishes an insert delta from a delete delta.
type OpType uint8

const (
	OpInsert OpType = iota
	OpDelete
)

// Key identifies one (id, propertyId) inverse-reference entry.
type Key struct {
	ID         int64
	PropertyID int32
}

// delta is a single recorded change against an entry's base, not yet
// folded in because some active reader might still need the
// pre-delta view.
type delta struct {
	op          OpType
	referencing int64
	version     uint64 // committed version, or the writing tx's id while uncommitted
	direct      bool   // true if this delta came from a direct reference write (Propagated/Inverse ordering, spec.md §4.5)
}

// base is the last-folded state: the committed reference count isn't
// tracked as a bare integer since callers need the actual id set, so
// base carries the folded-in committed members directly.
type base struct {
	members map[int64]bool
	version uint64
}

type entryState struct {
	mu     sync.Mutex
	base   base
	deltas []delta
	cell   readerinfo.Cell
}

type shard struct {
	mu      sync.RWMutex
	entries map[Key]*entryState
}

const numShards = 256

// Map is the per-class inverse-reference map.
type Map struct {
	shards [numShards]*shard
}

// NewMap creates an empty inverse-reference map.
func NewMap() *Map {
	m := &Map{}
	for i := range m.shards {
		m.shards[i] = &shard{entries: make(map[Key]*entryState)}
	}
	return m
}

func (m *Map) shardFor(k Key) *shard {
	var buf [12]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(k.ID))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(k.PropertyID))
	h := fnv.New32a()
	h.Write(buf[:])
	return m.shards[h.Sum32()%numShards]
}

func (m *Map) getOrCreate(k Key) *entryState {
	sh := m.shardFor(k)

	sh.mu.RLock()
	e, ok := sh.entries[k]
	sh.mu.RUnlock()
	if ok {
		return e
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.entries[k]; ok {
		return e
	}
	e = &entryState{base: base{members: make(map[int64]bool)}}
	sh.entries[k] = e
	return e
}

func (m *Map) lookup(k Key) (*entryState, bool) {
	sh := m.shardFor(k)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.entries[k]
	return e, ok
}

// Insert records that referencingID now references k.ID via
// k.PropertyID, as part of tx's write set. direct distinguishes a
// direct reference write from one discovered by the referential-
// integrity validator's untracked-reference scan (spec.md §4.5's
// Propagated/Inverse sort keys both read this flag). targetClassIndex
// is the class the writer resolved k.ID against (one of the
// property's accepted target classes) and referencingClassIndex is
// the class that owns k.PropertyID; the validator uses both to look
// up the property descriptor and check the target class/id.
func (m *Map) Insert(tx *txn.Transaction, k Key, referencingID int64, direct bool, targetClassIndex, referencingClassIndex int32) error {
	return m.apply(tx, k, OpInsert, referencingID, direct, targetClassIndex, referencingClassIndex)
}

// Delete records that referencingID no longer references k.ID.
func (m *Map) Delete(tx *txn.Transaction, k Key, referencingID int64, direct bool, targetClassIndex, referencingClassIndex int32) error {
	return m.apply(tx, k, OpDelete, referencingID, direct, targetClassIndex, referencingClassIndex)
}

func (m *Map) apply(tx *txn.Transaction, k Key, op OpType, referencingID int64, direct bool, targetClassIndex, referencingClassIndex int32) error {
	e := m.getOrCreate(k)

	e.mu.Lock()
	defer e.mu.Unlock()

	if tx.IsReadWrite() {
		amOverflow := tx.Context().OverflowByInvRef[txn.InvRefKey(k)]
		if e.cell.IsConflict(tx.Slot, uint64(tx.ReadVersion), amOverflow) {
			return veloxerr.Conflict
		}
	}

	e.deltas = append(e.deltas, delta{op: op, referencing: referencingID, version: uint64(tx.ID), direct: direct})

	ctx := tx.Context()
	ctx.AffectedInvRefs = append(ctx.AffectedInvRefs, txn.AffectedInvRef{
		TargetID:              k.ID,
		PropertyID:            k.PropertyID,
		ReferencingID:         referencingID,
		Insert:                op == OpInsert,
		TargetClassIndex:      targetClassIndex,
		ReferencingClassIndex: referencingClassIndex,
		TxID:                  tx.ID,
	})

	already, inline := e.cell.TakeLock(tx.Slot)
	if !already && !inline {
		ctx.OverflowByInvRef[txn.InvRefKey(k)] = true
	}
	if !already {
		ctx.ReadLocks = append(ctx.ReadLocks, txn.LockRef{Cell: &e.cell, Slot: tx.Slot, ClassIndex: -1, WasInline: inline, EligibleGC: true, ReadVersion: tx.ReadVersion})
	}
	return nil
}

// GetReferences resolves the ids referencing k.ID via k.PropertyID,
// visible at tx's read version: the folded base plus every delta with
// version <= tx.ReadVersion (or belonging to tx itself).
func (m *Map) GetReferences(tx *txn.Transaction, k Key) []int64 {
	e, ok := m.lookup(k)
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
				ctx.OverflowByInvRef[txn.InvRefKey(k)] = true
			}
			ctx.ReadLocks = append(ctx.ReadLocks, txn.LockRef{Cell: &e.cell, Slot: tx.Slot, ClassIndex: -1, WasInline: inline, EligibleGC: true, ReadVersion: tx.ReadVersion})
		}
	}

	out := make(map[int64]bool, len(e.base.members))
	for id := range e.base.members {
		out[id] = true
	}
	for _, d := range e.deltas {
		if !visible(d.version, tx) {
			continue
		}
		switch d.op {
		case OpInsert:
			out[d.referencing] = true
		case OpDelete:
			delete(out, d.referencing)
		}
	}

	refs := make([]int64, 0, len(out))
	for id := range out {
		refs = append(refs, id)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i] < refs[j] })
	return refs
}

func visible(version uint64, tx *txn.Transaction) bool {
	if version == uint64(tx.ID) {
		return true
	}
	v := handle.Version(version)
	return v.IsCommitted() && v <= tx.ReadVersion
}

// Finalize rewrites every delta this transaction wrote against k from
// tx.ID to its assigned commit version, mirroring pkg/class.Finalize.
func (m *Map) Finalize(k Key, txID handle.Version, commitVersion handle.Version) {
	e, ok := m.lookup(k)
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

// Rollback discards every delta this transaction wrote against k: the
// engine calls this per AffectedInvRef when a commit is aborted,
// mirroring pkg/class.Rollback so an abandoned reference never lingers
// as a permanently-uncommitted delta nothing would otherwise collect.
func (m *Map) Rollback(k Key, txID handle.Version) {
	e, ok := m.lookup(k)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.deltas[:0]
	for _, d := range e.deltas {
		if d.version != uint64(txID) {
			kept = append(kept, d)
		}
	}
	e.deltas = kept
}

// GarbageCollect folds every delta with version <= oldestReadVersion
// into the entry's base and drops the entry entirely if it ends up
// empty and unlocked (spec.md §4.5/§4.9).
func (m *Map) GarbageCollect(k Key, oldestReadVersion handle.Version) {
	sh := m.shardFor(k)

	sh.mu.RLock()
	e, ok := sh.entries[k]
	sh.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	kept := e.deltas[:0]
	for _, d := range e.deltas {
		if handle.Version(d.version).IsCommitted() && handle.Version(d.version) <= oldestReadVersion {
			switch d.op {
			case OpInsert:
				e.base.members[d.referencing] = true
			case OpDelete:
				delete(e.base.members, d.referencing)
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
		if cur, ok := sh.entries[k]; ok && cur == e {
			delete(sh.entries, k)
		}
		sh.mu.Unlock()
	}
}

// CompareInverse orders propagation operations by the "Inverse"
// comparator of spec.md §4.5: direct reference id, then (propertyId,
// opType), then the inverse (target) id. Ties break deterministically
// on the documented fields, matching the spec's strict-weak-order
// requirement.
func CompareInverse(a, b PropagationOp) bool {
	if a.DirectID != b.DirectID {
		return a.DirectID < b.DirectID
	}
	if a.PropertyID != b.PropertyID {
		return a.PropertyID < b.PropertyID
	}
	if a.Op != b.Op {
		return a.Op < b.Op
	}
	return a.InverseID < b.InverseID
}

// ComparePropagated orders by the "Propagated" comparator: inverse
// (target) id first, then opType, then propertyId, then direct id.
func ComparePropagated(a, b PropagationOp) bool {
	if a.InverseID != b.InverseID {
		return a.InverseID < b.InverseID
	}
	if a.Op != b.Op {
		return a.Op < b.Op
	}
	if a.PropertyID != b.PropertyID {
		return a.PropertyID < b.PropertyID
	}
	return a.DirectID < b.DirectID
}

// PropagationOp is one unit of referential-integrity propagation work
// (pkg/integrity builds these; this package only defines the sort
// orders spec.md §4.5 requires of them, since both the inverse-
// reference map and the validator need the same ordering contract).
type PropagationOp struct {
	DirectID   int64 // the object whose reference is being propagated
	InverseID  int64 // the target object the reference pointed to
	PropertyID int32
	Op         OpType
}
