// Package txn implements the transaction lifecycle, per-CPU commit
// staging, commit ordering, and the database version cursor. It knows
// nothing about classes, indexes, or inverse references — those
// packages hold *txn.Transaction values and attach their own lock
// bookkeeping to the Transaction's Context.
package txn

import (
	"sync/atomic"
	"time"

	"github.com/veloxdb/veloxdb/pkg/cpu"
	"github.com/veloxdb/veloxdb/pkg/handle"
	"github.com/veloxdb/veloxdb/pkg/readerinfo"
)

// Type distinguishes read-only from read-write transactions.
type Type int

const (
	Read Type = iota
	ReadWrite
)

// State is the transaction lifecycle state.
type State int32

const (
	StateActive State = iota
	StateCommitted
	StateAborted
)

// Transaction is the engine's unit of work.
type Transaction struct {
	ID            handle.Version
	Type          Type
	ReadVersion   handle.Version
	CommitVersion handle.Version
	LogSeqNum     uint64
	Slot          readerinfo.Slot
	Source        string
	StartTime     time.Time
	CommitTime    time.Time

	// IsAlignment marks a bulk state-transfer transaction used during
	// replica catch-up; the commit pipeline assigns its commit version
	// like any other (no pre-assigned version is taken) and the orderer
	// publishes it through Versions.PublishAlignment. IsPropagated
	// marks a changeset generated by referential-integrity propagation.
	// Propagated alignments are a strict subset of alignments — enforced
	// here by construction: NewAlignmentTransaction always sets both.
	IsAlignment  bool
	IsPropagated bool

	AllowOtherWrites bool

	state           atomic.Int32
	cancelRequested atomic.Bool

	ctx *Context

	// nextMerged chains transactions that were merged into this one
	// during commit staging; only the head transaction (nextMerged
	// chain owner) actually runs the commit routine.
	nextMerged *Transaction

	// AsyncCallback is invoked once this transaction's outcome is known,
	// possibly from a commit-worker goroutine rather than the caller's.
	AsyncCallback func(error)
}

// Context returns the transaction's pooled TransactionContext.
func (t *Transaction) Context() *Context { return t.ctx }

// State returns the current lifecycle state.
func (t *Transaction) State() State { return State(t.state.Load()) }

func (t *Transaction) setState(s State) { t.state.Store(int32(s)) }

// RequestCancel marks the transaction for cancellation; long operations
// poll CancelRequested at scan boundaries and lock acquisitions.
func (t *Transaction) RequestCancel() { t.cancelRequested.Store(true) }

// CancelRequested reports whether cancellation was requested.
func (t *Transaction) CancelRequested() bool { return t.cancelRequested.Load() }

// IsReadWrite reports whether this transaction may mutate state.
func (t *Transaction) IsReadWrite() bool { return t.Type == ReadWrite }

// idGenerator assigns transaction ids from per-CPU partitions of
// [handle.MinTxID, 2^63), one partition per core, to avoid contending
// a single shared counter on the hot begin-transaction path.
type idGenerator struct {
	partitions []atomic.Uint64
	stride     uint64
}

func newIDGenerator() *idGenerator {
	n := cpu.Count()
	g := &idGenerator{
		partitions: make([]atomic.Uint64, n),
		stride:     (uint64(1)<<63 - uint64(handle.MinTxID)) / uint64(n),
	}
	for i := range g.partitions {
		g.partitions[i].Store(uint64(handle.MinTxID) + uint64(i)*g.stride)
	}
	return g
}

func (g *idGenerator) next() handle.Version {
	shard := cpu.Current() % len(g.partitions)
	return handle.Version(g.partitions[shard].Add(1))
}
