package txn

import (
	"sync"

	"github.com/veloxdb/veloxdb/pkg/handle"
	"github.com/veloxdb/veloxdb/pkg/readerinfo"
)

// AffectedObject records a version this transaction wrote, for the GC
// to pick up once no reader can observe the prior version.
type AffectedObject struct {
	ClassIndex  int
	ID          int64
	NewVersion  handle.Handle // the handle this tx chained in
	PrevVersion handle.Handle // the version it replaced (0 if new)
	Tombstone   bool          // true if this write deleted the object
}

// AffectedInvRef records an inverse-reference delta this transaction
// wrote, so the GC can fold it into the base once visible to everyone
// and the referential-integrity validator can check the newly written
// reference (ReferencingID -> TargetID via PropertyID) before commit.
type AffectedInvRef struct {
	TargetID              int64
	PropertyID            int32
	ReferencingID         int64
	Insert                bool  // true for a new reference, false for a removed one
	TargetClassIndex      int32 // the class the writer resolved TargetID against
	ReferencingClassIndex int32 // the class that owns PropertyID

	// TxID is the ID of the specific transaction that wrote this delta,
	// which may differ from a merged commit group's head: pkg/invref's
	// Finalize/Rollback key deltas by the writer's own tx.ID, not the
	// head's, so the engine must dispatch each AffectedInvRef with its
	// original writer's ID even after merging folds them all into one
	// Context.
	TxID handle.Version
}

// InvRefKey identifies an inverse-reference map entry for overflow
// lock bookkeeping.
type InvRefKey struct {
	ID         int64
	PropertyID int32
}

// LockRef records a read lock this transaction holds, for release at
// finalize time and for GC eligibility bookkeeping. Slot is the owning
// transaction's slot at the moment the lock was taken: a merged
// follower keeps its own slot even after its write set is folded into
// the head's Context, since readerinfo.Cell.Finalize/Release must
// address the inline slot the original acquirer actually occupies.
type LockRef struct {
	Cell        *readerinfo.Cell
	Slot        readerinfo.Slot
	ClassIndex  int // -1 for non-object locks (inverse-ref, index key)
	WasInline   bool
	EligibleGC  bool
	ReadVersion handle.Version // the holder's snapshot version, for commit-time revalidation
}

// Context is the per-transaction working state: write sets, read-lock
// lists, overflow-lock membership, and per-log changeset writers.
// Instances are pooled — see Pool below — since transactions are
// created and torn down at high rates under the commit pipeline.
type Context struct {
	AffectedObjects []AffectedObject
	AffectedInvRefs []AffectedInvRef

	ReadLocks []LockRef
	KeyLocks  []LockRef

	// WriteTouches holds lock cells a write in this transaction landed
	// inside (e.g. an index insert falling within an active range-scan
	// lock) without this tx itself owning the lock. On commit these are
	// bumped to the assigned commit version but never released/removed,
	// unlike ReadLocks/KeyLocks (pkg/index's phantom-read protection,
	// spec.md §4.6).
	WriteTouches []*readerinfo.Cell

	OverflowByObjectID map[int64]bool
	OverflowByInvRef   map[InvRefKey]bool
	OverflowByKeyHash  map[uint64]bool

	// FinalizeHooks and RollbackHooks let a package register a direct
	// commit/rollback callback instead of a dedicated typed record like
	// AffectedObjects/AffectedInvRefs: pkg/index's hash and sorted
	// entries use these, since their per-write state (a single pending
	// version/tombstone slot or a range lock) doesn't warrant its own
	// engine-side dispatch table.
	FinalizeHooks []func(commitVersion handle.Version)
	RollbackHooks []func()

	// LogWriters accumulates the pending changeset bytes for this
	// transaction, keyed by persistence log index, since a single tx
	// may be partitioned across several log streams.
	LogWriters map[uint8][]byte
}

func newContext() *Context {
	return &Context{
		OverflowByObjectID: make(map[int64]bool),
		OverflowByInvRef:   make(map[InvRefKey]bool),
		OverflowByKeyHash:  make(map[uint64]bool),
		LogWriters:         make(map[uint8][]byte),
	}
}

func (c *Context) reset() {
	c.AffectedObjects = c.AffectedObjects[:0]
	c.AffectedInvRefs = c.AffectedInvRefs[:0]
	c.ReadLocks = c.ReadLocks[:0]
	c.KeyLocks = c.KeyLocks[:0]
	c.WriteTouches = c.WriteTouches[:0]
	c.FinalizeHooks = c.FinalizeHooks[:0]
	c.RollbackHooks = c.RollbackHooks[:0]
	for k := range c.OverflowByObjectID {
		delete(c.OverflowByObjectID, k)
	}
	for k := range c.OverflowByInvRef {
		delete(c.OverflowByInvRef, k)
	}
	for k := range c.OverflowByKeyHash {
		delete(c.OverflowByKeyHash, k)
	}
	for k := range c.LogWriters {
		delete(c.LogWriters, k)
	}
}

// Pool recycles Context values across transaction lifetimes to keep
// the begin/commit path free of per-transaction allocation churn.
type Pool struct {
	sp sync.Pool
}

// NewPool creates an empty context pool.
func NewPool() *Pool {
	return &Pool{sp: sync.Pool{New: func() any { return newContext() }}}
}

// Get returns a reset Context ready for a new transaction.
func (p *Pool) Get() *Context {
	c := p.sp.Get().(*Context)
	c.reset()
	return c
}

// Put returns ctx to the pool for reuse.
func (p *Pool) Put(ctx *Context) {
	if ctx == nil {
		return
	}
	p.sp.Put(ctx)
}
