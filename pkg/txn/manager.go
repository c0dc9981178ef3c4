package txn

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veloxdb/veloxdb/pkg/cpu"
	"github.com/veloxdb/veloxdb/pkg/handle"
	"github.com/veloxdb/veloxdb/pkg/readerinfo"
)

// Validator performs referential-integrity validation and delete
// propagation during commit. It may append further writes to tx's
// Context (propagated cascade-delete/set-null operations).
type Validator interface {
	Validate(tx *Transaction) error
}

// Persister is the narrow collaborator a durable backing store
// implements: it durably appends the transaction's changeset and
// invokes onDurable once persisted (synchronously or asynchronously).
type Persister interface {
	BeginCommitTransaction(tx *Transaction, changeset []byte, onDurable func(error))
}

// ManagerConfig controls commit-pipeline shape.
type ManagerConfig struct {
	Workers                   int
	MaxMergedTransactionCount int
	MaxMergedOperationCount   int
	InitialTerm               uuid.UUID
}

// DefaultManagerConfig returns sensible defaults sized off GOMAXPROCS.
func DefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		Workers:                   cpu.Count(),
		MaxMergedTransactionCount: 64,
		MaxMergedOperationCount:   4096,
		InitialTerm:               uuid.New(),
	}
}

// Manager owns transaction lifecycle, the commit pipeline, the commit
// orderer, and the version cursor.
type Manager struct {
	cfg      *ManagerConfig
	versions *Versions
	orderer  *Orderer
	ctxPool  *Pool
	ids      *idGenerator

	validator Validator
	persister Persister

	activeMu sync.RWMutex
	active   map[handle.Version]*Transaction

	staging []*stagingGroup
	global  *queue

	// OnBegin/OnEnd let the GC (pkg/gc) track the active-transaction
	// list without pkg/txn importing pkg/gc.
	OnBegin func(tx *Transaction)
	OnEnd   func(tx *Transaction)

	// OnFinalize/OnRollback let the engine rewrite each affected class
	// object and inverse-reference delta's pending version to its
	// commit version (or undo it) without pkg/txn importing pkg/class
	// or pkg/invref. Both run against the head transaction of a merged
	// commit group, whose Context already holds every merged
	// transaction's write set. Context's own FinalizeHooks/RollbackHooks
	// (pkg/index's hash and sorted entries) are invoked directly by the
	// manager and need no engine wiring.
	OnFinalize func(tx *Transaction)
	OnRollback func(tx *Transaction)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type stagingGroup struct {
	mu    sync.Mutex
	items []*Transaction
}

// NewManager creates a Manager and starts its commit-pipeline workers.
// Callers must call Close to stop them.
func NewManager(cfg *ManagerConfig, validator Validator, persister Persister) *Manager {
	if cfg == nil {
		cfg = DefaultManagerConfig()
	}
	m := &Manager{
		cfg:          cfg,
		versions:     NewVersions(cfg.InitialTerm),
		ctxPool:      NewPool(),
		ids:          newIDGenerator(),
		validator:    validator,
		persister:    persister,
		active:       make(map[handle.Version]*Transaction),
		global:       newQueue(),
		stopCh:       make(chan struct{}),
	}
	m.orderer = NewOrderer(m.versions)

	m.staging = make([]*stagingGroup, cpu.Count())
	for i := range m.staging {
		m.staging[i] = &stagingGroup{}
	}

	m.wg.Add(1)
	go m.stagingFlusher()

	for i := 0; i < cfg.Workers; i++ {
		m.wg.Add(1)
		go m.commitWorker()
	}

	return m
}

// Versions exposes the database version cursor.
func (m *Manager) Versions() *Versions { return m.versions }

// Orderer exposes the commit orderer (diagnostics/metrics).
func (m *Manager) Orderer() *Orderer { return m.orderer }

// Begin starts a new transaction, capturing the current read version.
func (m *Manager) Begin(txType Type, source string, allowOtherWrites bool) *Transaction {
	id := m.ids.next()
	tx := &Transaction{
		ID:               id,
		Type:             txType,
		ReadVersion:      m.versions.ReadVersion(),
		Slot:             slotFromID(id),
		Source:           source,
		StartTime:        time.Now(),
		AllowOtherWrites: allowOtherWrites,
		ctx:              m.ctxPool.Get(),
	}
	tx.setState(StateActive)

	m.activeMu.Lock()
	m.active[id] = tx
	m.activeMu.Unlock()

	if m.OnBegin != nil {
		m.OnBegin(tx)
	}
	return tx
}

// NewAlignmentTransaction begins a transaction representing a bulk
// state-transfer; both IsAlignment and IsPropagated are set, since a
// propagated alignment is always a bulk transfer in this engine.
func (m *Manager) NewAlignmentTransaction(source string) *Transaction {
	tx := m.Begin(ReadWrite, source, true)
	tx.IsAlignment = true
	tx.IsPropagated = true
	return tx
}

func slotFromID(id handle.Version) readerinfo.Slot {
	return readerinfo.Slot(uint64(id) & 0xFFFF)
}

// Rollback discards tx's writes and releases its held locks: any
// chained object/inverse-ref version it wrote is unwound via its
// Context's RollbackHooks (pkg/index's pending slots) and the engine's
// OnRollback (pkg/class/pkg/invref's AffectedObjects/AffectedInvRefs),
// and every read/key lock it acquired is dropped without bumping the
// lock's committed watermark, since nothing in this transaction ever
// became visible.
func (m *Manager) Rollback(tx *Transaction) {
	tx.setState(StateAborted)
	hctx := tx.Context()
	for _, hook := range hctx.RollbackHooks {
		hook()
	}
	releaseLocks(hctx)
	if m.OnRollback != nil {
		m.OnRollback(tx)
	}
	m.endTransaction(tx)
}

// Cancel requests cooperative cancellation of an in-flight operation.
func (m *Manager) Cancel(tx *Transaction) {
	tx.RequestCancel()
}

// CancelAll requests cooperative cancellation of every currently
// active transaction. It is the cancel closure a schema change passes
// to pkg/enginelock.AcquireWrite's drain mode: the lock waits for
// active transactions to end, and without this every read-write
// transaction active at the moment of the schema change would have to
// run to completion (or time out on its own) before the drain
// finishes.
func (m *Manager) CancelAll() {
	m.activeMu.RLock()
	txs := make([]*Transaction, 0, len(m.active))
	for _, tx := range m.active {
		txs = append(txs, tx)
	}
	m.activeMu.RUnlock()

	for _, tx := range txs {
		tx.RequestCancel()
	}
}

func (m *Manager) endTransaction(tx *Transaction) {
	m.activeMu.Lock()
	delete(m.active, tx.ID)
	m.activeMu.Unlock()

	if m.OnEnd != nil {
		m.OnEnd(tx)
	}
	m.ctxPool.Put(tx.Context())
}

// ActiveCount returns the number of active transactions.
func (m *Manager) ActiveCount() int {
	m.activeMu.RLock()
	defer m.activeMu.RUnlock()
	return len(m.active)
}

// Close stops the commit-pipeline workers.
func (m *Manager) Close() {
	close(m.stopCh)
	m.global.close()
	m.wg.Wait()
}
