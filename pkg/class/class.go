// Package class implements the per-class live-object index: a
// striped hash keyed by object id, a version-chain head per id stored
// in pkg/objstore records, and the optimistic conflict rules that
// decide whether an Insert/Update/Delete may chain a new version.
//
// The id-keyed hash is modeled on the teacher's striped document-lock
// manager (fixed shard count, FNV hash, per-shard mutex) generalized
// from "lock for a string key" to "lock + version-chain head for an
// int64 object id".
package class

import (
	"encoding/binary"
	"hash/fnv"
	"sync"

	"github.com/veloxdb/veloxdb/pkg/handle"
	"github.com/veloxdb/veloxdb/pkg/objstore"
	"github.com/veloxdb/veloxdb/pkg/readerinfo"
	"github.com/veloxdb/veloxdb/pkg/txn"
	"github.com/veloxdb/veloxdb/pkg/veloxerr"
)

// recordPrefixSize is version:u64 + id:i64 (spec.md §3's 16-byte
// prefix), followed by an 8-byte previous-version handle and a
// 1-byte tombstone flag this port adds to thread the version chain
// and represent deletes without a separate record kind.
const recordPrefixSize = 16
const prevHandleOffset = 16
const tombstoneOffset = 24
const payloadOffset = 25

const numShards = 256

// entry is one live id's bucket: the version-chain head handle plus
// the object read-lock cell, guarded by a per-entry mutex (the
// source's bucket top-bit spinlock collapses here into a plain mutex
// since Go's scheduler makes spin-locking an anti-pattern for
// anything but the shortest possible critical sections, and this one
// needs to make a multi-field decision, not a single CAS).
type entry struct {
	mu   sync.Mutex
	head handle.Handle
	cell readerinfo.Cell
}

type shard struct {
	mu      sync.RWMutex
	entries map[int64]*entry
}

// Class is a leaf object class: one fixed property-payload size, a
// striped id index, and the backing objstore.Store for its records.
type Class struct {
	Index       int32
	PayloadSize int // declared property payload size, excluding the chain prefix this package adds

	store  *objstore.Store
	shards [numShards]*shard
}

// New creates a class with the given schema index and declared
// property-payload size.
func New(index int32, payloadSize int) *Class {
	c := &Class{
		Index:       index,
		PayloadSize: payloadSize,
		store:       objstore.NewStore(payloadSize + 9), // +8 prevHandle, +1 tombstone flag
	}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[int64]*entry)}
	}
	return c
}

// Close releases the class's backing storage.
func (c *Class) Close() { c.store.Close() }

func (c *Class) shardFor(id int64) *shard {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(id))
	h := fnv.New32a()
	h.Write(buf[:])
	return c.shards[h.Sum32()%numShards]
}

func (c *Class) getEntry(id int64) *entry {
	sh := c.shardFor(id)

	sh.mu.RLock()
	e, ok := sh.entries[id]
	sh.mu.RUnlock()
	if ok {
		return e
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.entries[id]; ok {
		return e
	}
	e = &entry{}
	sh.entries[id] = e
	return e
}

func (c *Class) lookupEntry(id int64) (*entry, bool) {
	sh := c.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.entries[id]
	return e, ok
}

// ObjectReader views a single resolved record version.
type ObjectReader struct {
	Handle  handle.Handle
	Version uint64
	ID      int64
	buf     []byte
}

// Payload returns the property-payload bytes of the resolved version.
func (r *ObjectReader) Payload() []byte { return r.buf[payloadOffset:] }

func readID(buf []byte) int64 { return int64(binary.LittleEndian.Uint64(buf[8:16])) }
func readPrev(buf []byte) handle.Handle {
	return handle.Handle(binary.LittleEndian.Uint64(buf[prevHandleOffset : prevHandleOffset+8]))
}
func readTombstone(buf []byte) bool { return buf[tombstoneOffset] == 1 }

func writeRecord(buf []byte, version uint64, id int64, prev handle.Handle, tombstone bool, payload []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], version)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(id))
	binary.LittleEndian.PutUint64(buf[prevHandleOffset:prevHandleOffset+8], uint64(prev))
	if tombstone {
		buf[tombstoneOffset] = 1
	} else {
		buf[tombstoneOffset] = 0
	}
	copy(buf[payloadOffset:], payload)
}

// resolve walks the version chain from head, returning the first
// record visible at readVersion (committed version <= readVersion, or
// the reader's own uncommitted write), skipping nothing else — a
// tombstone is returned as-is so callers can distinguish "deleted" from
// "never existed".
func (c *Class) resolve(head handle.Handle, readVersion handle.Version, selfTxID handle.Version) (buf []byte, h handle.Handle, ok bool) {
	cur := head
	for cur != handle.Null {
		b := c.store.Buffer(cur)
		v := readVersionOf(b)
		if v == uint64(selfTxID) || handle.Version(v).IsCommitted() && handle.Version(v) <= readVersion {
			return b, cur, true
		}
		cur = readPrev(b)
	}
	return nil, handle.Null, false
}

func readVersionOf(buf []byte) uint64 { return binary.LittleEndian.Uint64(buf[0:8]) }

// isUncommittedByOther reports whether the chain head is a live write
// from some transaction other than tx.
func isUncommittedByOther(head []byte, tx *txn.Transaction) bool {
	v := handle.Version(readVersionOf(head))
	return !v.IsCommitted() && v != tx.ID
}

// GetObject locates id's current chain head and resolves the version
// visible to tx, taking the object read lock on read-write
// transactions (spec.md §4.3).
func (c *Class) GetObject(tx *txn.Transaction, id int64) (*ObjectReader, error) {
	e, ok := c.lookupEntry(id)
	if !ok {
		return nil, veloxerr.NotFound
	}

	e.mu.Lock()
	head := e.head
	e.mu.Unlock()
	if head == handle.Null {
		return nil, veloxerr.NotFound
	}

	buf, h, ok := c.resolve(head, tx.ReadVersion, tx.ID)
	if !ok || readTombstone(buf) {
		return nil, veloxerr.NotFound
	}

	if tx.IsReadWrite() {
		c.takeObjectLock(tx, id, e, h)
	}

	return &ObjectReader{Handle: h, Version: readVersionOf(buf), ID: id, buf: buf}, nil
}

// Exists reports whether id has a live (non-tombstone) version visible
// at readVersion, without taking any lock. The referential-integrity
// validator uses this for its optimistic "does the target still exist"
// check (spec.md §4.7): a positive check under no read lock may race a
// concurrent overwrite, so a negative result there is re-verified by a
// second Exists call rather than trusted outright.
func (c *Class) Exists(readVersion handle.Version, id int64) bool {
	e, ok := c.lookupEntry(id)
	if !ok {
		return false
	}
	e.mu.Lock()
	head := e.head
	e.mu.Unlock()
	if head == handle.Null {
		return false
	}
	buf, _, ok := c.resolve(head, readVersion, 0)
	return ok && !readTombstone(buf)
}

// ExistsForTx is Exists but also treats id as live if tx itself wrote
// a live (non-tombstone) version of it earlier in the same transaction
// — needed when validating a reference to an object inserted earlier
// in the same batch, before that insert has a commit version.
func (c *Class) ExistsForTx(tx *txn.Transaction, id int64) bool {
	e, ok := c.lookupEntry(id)
	if !ok {
		return false
	}
	e.mu.Lock()
	head := e.head
	e.mu.Unlock()
	if head == handle.Null {
		return false
	}
	buf, _, ok := c.resolve(head, tx.ReadVersion, tx.ID)
	return ok && !readTombstone(buf)
}

func (c *Class) takeObjectLock(tx *txn.Transaction, id int64, e *entry, h handle.Handle) {
	already, inline := e.cell.TakeLock(tx.Slot)
	if already {
		return
	}
	ctx := tx.Context()
	if !inline {
		ctx.OverflowByObjectID[id] = true
	}
	ctx.ReadLocks = append(ctx.ReadLocks, txn.LockRef{
		Cell:        &e.cell,
		Slot:        tx.Slot,
		ClassIndex:  int(c.Index),
		WasInline:   inline,
		EligibleGC:  true,
		ReadVersion: tx.ReadVersion,
	})
}

// conflict applies spec.md §4.3's three conflict rules against the
// current chain head for a write tx.
func (c *Class) conflict(tx *txn.Transaction, e *entry, head []byte) bool {
	if isUncommittedByOther(head, tx) {
		return true
	}
	v := handle.Version(readVersionOf(head))
	if v.IsCommitted() && v > tx.ReadVersion {
		return true
	}
	_, amOverflow := tx.Context().OverflowByObjectID[readID(head)]
	if e.cell.IsConflict(tx.Slot, uint64(tx.ReadVersion), amOverflow) {
		return true
	}
	return false
}

func (c *Class) chain(tx *txn.Transaction, id int64, payload []byte, tombstone bool, requireExisting, requireAbsent bool) (handle.Handle, error) {
	e := c.getEntry(id)

	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.head
	var prevBuf []byte
	exists := false
	if prev != handle.Null {
		prevBuf = c.store.Buffer(prev)
		if c.conflict(tx, e, prevBuf) {
			return handle.Null, veloxerr.Conflict
		}
		exists = !readTombstone(prevBuf)
	}

	if requireExisting && !exists {
		return handle.Null, veloxerr.NotFound
	}
	if requireAbsent && exists {
		return handle.Null, veloxerr.UniqueViolation
	}

	h := c.store.Allocate()
	buf := c.store.Buffer(h)
	writeRecord(buf, uint64(tx.ID), id, prev, tombstone, payload)
	c.store.Header(h).MarkUsed(uint64(tx.ID))

	e.head = h

	ctx := tx.Context()
	ctx.AffectedObjects = append(ctx.AffectedObjects, txn.AffectedObject{
		ClassIndex:  int(c.Index),
		ID:          id,
		NewVersion:  h,
		PrevVersion: prev,
		Tombstone:   tombstone,
	})
	return h, nil
}

// Insert chains a brand-new version for id, failing with
// UniqueViolation if a live (non-tombstone) version already exists.
func (c *Class) Insert(tx *txn.Transaction, id int64, payload []byte) (handle.Handle, error) {
	return c.chain(tx, id, payload, false, false, true)
}

// Update chains a new version over an existing live object.
func (c *Class) Update(tx *txn.Transaction, id int64, payload []byte) (handle.Handle, error) {
	return c.chain(tx, id, payload, false, true, false)
}

// Delete chains a tombstone over an existing live object.
func (c *Class) Delete(tx *txn.Transaction, id int64) (handle.Handle, error) {
	return c.chain(tx, id, nil, true, true, false)
}

// Finalize rewrites a chained-in head's version word from the writer's
// transaction id to its assigned commit version, called by the engine
// once commitVersion is known (spec.md §3: "Uncommitted head becomes
// committed by assigning a real commit version at finalization").
func (c *Class) Finalize(obj txn.AffectedObject, commitVersion handle.Version) {
	buf := c.store.Buffer(obj.NewVersion)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(commitVersion))
}

// Rollback undoes a chained-in head that never committed: restores the
// id's head to the previous version and frees the abandoned record.
func (c *Class) Rollback(obj txn.AffectedObject) {
	e := c.getEntry(obj.ID)
	e.mu.Lock()
	if e.head == obj.NewVersion {
		e.head = obj.PrevVersion
	}
	e.mu.Unlock()
	c.store.Free(obj.NewVersion)
}

// GarbageCollect trims id's version chain: every record strictly older
// than the newest committed record with version <= oldestReadVersion is
// unreachable by any present or future reader (spec.md §4.9/§8 property
// 9) and is freed. The boundary record itself is always kept, tombstone
// or not, so GetObject/Scan still observe a delete until no reader
// predates it either.
func (c *Class) GarbageCollect(id int64, oldestReadVersion handle.Version) {
	e, ok := c.lookupEntry(id)
	if !ok {
		return
	}

	e.mu.Lock()
	head := e.head
	e.mu.Unlock()
	if head == handle.Null {
		return
	}

	// Find the newest record with a committed version <= oldestReadVersion:
	// everything reachable from *its* prev pointer is dead.
	cur := head
	var boundary handle.Handle = handle.Null
	for cur != handle.Null {
		buf := c.store.Buffer(cur)
		v := handle.Version(readVersionOf(buf))
		if v.IsCommitted() && v <= oldestReadVersion {
			boundary = cur
			break
		}
		cur = readPrev(buf)
	}
	if boundary == handle.Null {
		return
	}

	dead := readPrev(c.store.Buffer(boundary))
	// Detach the boundary record from anything older than it, then free
	// the detached tail.
	buf := c.store.Buffer(boundary)
	binary.LittleEndian.PutUint64(buf[prevHandleOffset:prevHandleOffset+8], uint64(handle.Null))

	for dead != handle.Null {
		next := readPrev(c.store.Buffer(dead))
		c.store.Free(dead)
		dead = next
	}
}

// Scan invokes visit for every live (head, resolved-at-readVersion, non-tombstone) object,
// used by full-table class scans and the referential-integrity
// validator's untracked-reference resolution (spec.md §4.7 step 2).
// Scan walks the per-id index rather than the raw record storage,
// since only chain heads (not every historical version still pinned
// by a reader) represent "objects currently in the class".
func (c *Class) Scan(readVersion handle.Version, visit func(id int64, reader *ObjectReader)) {
	for _, sh := range c.shards {
		sh.mu.RLock()
		ids := make([]int64, 0, len(sh.entries))
		entries := make([]*entry, 0, len(sh.entries))
		for id, e := range sh.entries {
			ids = append(ids, id)
			entries = append(entries, e)
		}
		sh.mu.RUnlock()

		for i, id := range ids {
			e := entries[i]
			e.mu.Lock()
			head := e.head
			e.mu.Unlock()
			if head == handle.Null {
				continue
			}
			buf, h, ok := c.resolve(head, readVersion, 0)
			if !ok || readTombstone(buf) {
				continue
			}
			visit(id, &ObjectReader{Handle: h, Version: readVersionOf(buf), ID: id, buf: buf})
		}
	}
}

// Count returns the number of distinct ids ever inserted into this
// class's index (live or tombstoned); diagnostic/metrics use.
func (c *Class) Count() int {
	n := 0
	for _, sh := range c.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// InheritedKind distinguishes a leaf class entry from a polymorphic
// parent entry in the schema's class array (spec.md §9: "Inheritance
// ... is expressed as a tagged variant").
type InheritedKind int

const (
	// Leaf is a concrete, instantiable class.
	Leaf InheritedKind = iota
	// Inherited is an abstract or polymorphic parent; it has no
	// storage of its own, only a list of child class indices to
	// dispatch scans across.
	Inherited
)

// Entry is one slot in the schema's class array: either a leaf Class
// or an Inherited holder naming its children.
type Entry struct {
	Kind     InheritedKind
	Leaf     *Class  // set iff Kind == Leaf
	Children []int32 // set iff Kind == Inherited; indices into the owning array
}

// InheritedClass unions scans across every concrete descendant of a
// polymorphic base class, for operations (e.g. integrity validation)
// that must treat "any instance of this hierarchy" uniformly.
type InheritedClass struct {
	Entry    Entry
	Resolver func(classIndex int32) *Class // looks up a sibling Entry's Leaf by index
}

// Scan visits every live object across every concrete descendant.
func (ic *InheritedClass) Scan(readVersion handle.Version, visit func(classIndex int32, id int64, reader *ObjectReader)) {
	for _, childIdx := range ic.Entry.Children {
		cls := ic.Resolver(childIdx)
		if cls == nil {
			continue
		}
		cls.Scan(readVersion, func(id int64, r *ObjectReader) { visit(childIdx, id, r) })
	}
}
