// Package engine wires every storage-engine package into the public
// surface applications see: schema registration, the transaction API
// of spec.md §6, and the class/index read and write paths that sit on
// top of pkg/class, pkg/invref, pkg/index, and pkg/integrity.
package engine

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/veloxdb/veloxdb/internal/telemetry"
	"github.com/veloxdb/veloxdb/pkg/audit"
	"github.com/veloxdb/veloxdb/pkg/changeset"
	"github.com/veloxdb/veloxdb/pkg/class"
	"github.com/veloxdb/veloxdb/pkg/concurrent"
	"github.com/veloxdb/veloxdb/pkg/enginelock"
	"github.com/veloxdb/veloxdb/pkg/gc"
	"github.com/veloxdb/veloxdb/pkg/handle"
	"github.com/veloxdb/veloxdb/pkg/index"
	"github.com/veloxdb/veloxdb/pkg/integrity"
	"github.com/veloxdb/veloxdb/pkg/invref"
	"github.com/veloxdb/veloxdb/pkg/persist"
	"github.com/veloxdb/veloxdb/pkg/strpool"
	"github.com/veloxdb/veloxdb/pkg/txn"
	"github.com/veloxdb/veloxdb/pkg/veloxerr"
)

var log = telemetry.Component("engine")

// defaultLogIndex is the single persistence log stream this engine
// writes to; pkg/persist.Store itself only ever durably tracks one log
// index per commit call, so every write lands here.
const defaultLogIndex uint8 = 0

// schemaTok is the enginelock.Token every schema-changing call (class
// or index registration, rewind) acquires the write handle with.
var schemaTok = struct{ name string }{"schema"}

// Config bundles the per-subsystem configuration a Database needs.
type Config struct {
	Manager *txn.ManagerConfig
	GC      *gc.Config
	Metrics *telemetry.Metrics
	Audit   *audit.Config
}

// DefaultConfig returns sensible defaults for every subsystem.
func DefaultConfig() *Config {
	return &Config{
		Manager: txn.DefaultManagerConfig(),
		GC:      gc.DefaultConfig(),
		Metrics: telemetry.Default(),
		Audit:   audit.DefaultConfig(),
	}
}

type classEntry struct {
	def   *ClassDef
	class *class.Class
	info  *integrity.ClassInfo
}

type propKey struct {
	classIndex int32
	propertyID int32
}

type indexEntry struct {
	id         int32
	classIndex int32
	propertyID int32
	unique     bool
	hash       *index.HashIndex
	sorted     *index.SortedIndex
}

func (ix *indexEntry) insert(tx *txn.Transaction, key []byte, id int64) error {
	if ix.hash != nil {
		return ix.hash.Insert(tx, key, id)
	}
	return ix.sorted.Insert(tx, key, id)
}

func (ix *indexEntry) delete(tx *txn.Transaction, key []byte, id int64) error {
	if ix.hash != nil {
		return ix.hash.Delete(tx, key, id)
	}
	return ix.sorted.Delete(tx, key, id)
}

// invRefGC adapts one class's per-property inverse-reference maps to
// pkg/gc's InvRefCollector: a single collector per target class,
// dispatching to the right property's Map at collection time, since
// ClassInfo.InvRefMaps is keyed by propertyID and new maps can appear
// after RegisterClass via a later schema change.
type invRefGC struct{ info *integrity.ClassInfo }

func (g *invRefGC) GarbageCollect(id int64, propertyID int32, oldestReadVersion handle.Version) {
	if m, ok := g.info.InvRefMaps[propertyID]; ok {
		m.GarbageCollect(invref.Key{ID: id, PropertyID: propertyID}, oldestReadVersion)
	}
}

// Database is the storage engine: schema registry, class/index
// instances, and the transaction lifecycle that drives them.
type Database struct {
	lock      *enginelock.EngineLock
	manager   *txn.Manager
	gcc       *gc.GC
	validator *integrity.Validator
	persister txn.Persister
	strings   *strpool.Pool
	blobs     *strpool.BlobHeap
	metrics   *telemetry.Metrics
	audit     *audit.Logger
	writes    *concurrent.Counter

	classes       map[int32]*classEntry
	indexes       map[int32]*indexEntry
	indexesByProp map[propKey][]*indexEntry
}

// NewDatabase wires a fresh Database. Callers register every class and
// index before beginning transactions, then call Close to stop the
// commit pipeline and GC worker pools.
func NewDatabase(cfg *Config, persister txn.Persister) (*Database, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.Default()
	}

	auditLogger, err := audit.NewLogger(cfg.Audit)
	if err != nil {
		return nil, fmt.Errorf("engine: audit logger: %w", err)
	}

	db := &Database{
		lock:          enginelock.New(),
		validator:     integrity.NewValidator(),
		gcc:           gc.New(cfg.GC, metrics),
		strings:       strpool.NewPool(),
		blobs:         strpool.NewBlobHeap(),
		metrics:       metrics,
		audit:         auditLogger,
		writes:        concurrent.NewCounter(),
		persister:     persister,
		classes:       make(map[int32]*classEntry),
		indexes:       make(map[int32]*indexEntry),
		indexesByProp: make(map[propKey][]*indexEntry),
	}
	db.manager = txn.NewManager(cfg.Manager, db.validator, persister)
	db.manager.OnBegin = db.gcc.TrackBegin
	db.manager.OnEnd = db.gcc.TrackEnd
	db.manager.OnFinalize = db.onFinalize
	db.manager.OnRollback = db.onRollback

	db.gcc.Start(cfg.GC)
	log.Info().Msg("database started")
	return db, nil
}

// Close stops the commit pipeline and GC worker pools and releases
// every class's underlying object storage.
func (db *Database) Close() {
	db.gcc.Close()
	db.manager.Close()
	for _, entry := range db.classes {
		entry.class.Close()
	}
	if closer, ok := db.persister.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			log.Warn().Err(err).Msg("error closing persister")
		}
	}
	log.Info().Msg("database closed")
}

// WriteCount reports the number of Insert/Update/Delete/ApplyChangeset
// operations this Database has completed successfully; a write that
// returns an error is not counted.
func (db *Database) WriteCount() uint64 { return db.writes.Load() }

// ---- schema registration ----

// RegisterClass adds def's class to the schema under a drained schema-
// change write lock (spec.md §4.10), then recomputes every registered
// class's incoming-reference metadata, since a newly registered class
// may itself be the target of references declared on classes that
// registered before it existed.
func (db *Database) RegisterClass(def *ClassDef) error {
	db.lock.AcquireWrite(schemaTok, true, db.manager.CancelAll)
	defer db.lock.ReleaseWrite(schemaTok)
	resume := db.gcc.Drain()
	defer resume()

	if _, exists := db.classes[def.Index]; exists {
		return fmt.Errorf("%w: class %d already registered", veloxerr.InvalidArgument, def.Index)
	}

	cls := class.New(def.Index, def.PayloadSize())
	info := &integrity.ClassInfo{
		Index:      def.Index,
		Class:      cls,
		InvRefMaps: make(map[int32]*invref.Map),
	}
	entry := &classEntry{def: def, class: cls, info: info}

	for i := range def.Properties {
		pd := &def.Properties[i]
		if pd.Kind != RefOne && pd.Kind != RefMany {
			continue
		}
		info.OutgoingRefs = append(info.OutgoingRefs, integrity.OutgoingRef{
			PropertyID:    pd.ID,
			Many:          pd.Kind == RefMany,
			TargetClasses: pd.RefTargetClasses,
			Action:        pd.RefAction,
			Extractor:     db.buildExtractor(pd),
			Mutator:       db.buildMutator(entry, pd),
		})
	}

	db.classes[def.Index] = entry
	db.validator.RegisterClass(info)
	db.gcc.RegisterClass(def.Index, cls)
	db.gcc.RegisterInvRef(def.Index, &invRefGC{info: info})

	db.rebuildIncomingRefs()

	db.audit.SchemaChange("register_class", def.Name, def.Index)
	log.Info().Str("class", def.Name).Int32("index", def.Index).Int("payload_size", def.PayloadSize()).Msg("class registered")
	return nil
}

// rebuildIncomingRefs recomputes every registered class's IncomingRefs
// from scratch off the current set of classes' declared reference
// properties. It preserves any inverse-reference map already present
// in a ClassInfo, so a schema change never discards recorded
// references; it only ever adds maps for newly-tracked properties.
func (db *Database) rebuildIncomingRefs() {
	for _, target := range db.classes {
		target.info.IncomingRefs = target.info.IncomingRefs[:0]
	}
	for _, owner := range db.classes {
		for i := range owner.def.Properties {
			pd := &owner.def.Properties[i]
			if pd.Kind != RefOne && pd.Kind != RefMany {
				continue
			}
			for _, targetIdx := range pd.RefTargetClasses {
				target, ok := db.classes[targetIdx]
				if !ok {
					continue
				}
				inc := integrity.IncomingRef{
					FromClassIndex: owner.def.Index,
					PropertyID:     pd.ID,
					Many:           pd.Kind == RefMany,
					Action:         pd.RefAction,
					Tracked:        pd.RefTracked,
				}
				if pd.RefTracked {
					if target.info.InvRefMaps[pd.ID] == nil {
						target.info.InvRefMaps[pd.ID] = invref.NewMap()
					}
				} else {
					inc.ScanClasses = []int32{owner.def.Index}
				}
				target.info.IncomingRefs = append(target.info.IncomingRefs, inc)
			}
		}
	}
}

func (db *Database) buildExtractor(pd *PropertyDef) integrity.RefExtractor {
	offset := pd.Offset
	switch pd.Kind {
	case RefOne:
		return func(payload []byte) []int64 {
			id := readRefOne(payload, offset)
			if id == 0 {
				return nil
			}
			return []int64{id}
		}
	case RefMany:
		blobs := db.blobs
		return func(payload []byte) []int64 {
			return readManyRef(payload, offset, blobs)
		}
	default:
		return nil
	}
}

// buildMutator implements RefMutator for a SetToNull reference
// property: it filters deletedIDs out of the stored reference(s) and
// writes the mutated payload back, then drops the corresponding
// tracked inverse-reference entries (if any) so they do not outlive
// the reference they describe.
func (db *Database) buildMutator(entry *classEntry, pd *PropertyDef) integrity.RefMutator {
	return func(tx *txn.Transaction, cls *class.Class, id int64, deletedIDs map[int64]bool) error {
		reader, err := cls.GetObject(tx, id)
		if err != nil {
			return err
		}
		payload := append([]byte(nil), reader.Payload()...)

		switch pd.Kind {
		case RefOne:
			if cur := readRefOne(payload, pd.Offset); deletedIDs[cur] {
				binary.LittleEndian.PutUint64(payload[pd.Offset:], 0)
			}
		case RefMany:
			ids := readManyRef(payload, pd.Offset, db.blobs)
			kept := ids[:0]
			for _, rid := range ids {
				if !deletedIDs[rid] {
					kept = append(kept, rid)
				}
			}
			writeManyRef(payload, pd.Offset, db.blobs, kept)
		}

		if _, err := cls.Update(tx, id, payload); err != nil {
			return err
		}

		if pd.RefTracked && len(pd.RefTargetClasses) > 0 {
			if target, ok := db.classes[pd.RefTargetClasses[0]]; ok {
				if m := target.info.InvRefMaps[pd.ID]; m != nil {
					for rid := range deletedIDs {
						_ = m.Delete(tx, invref.Key{ID: rid, PropertyID: pd.ID}, id, true, pd.RefTargetClasses[0], entry.def.Index)
					}
				}
			}
		}
		return nil
	}
}

// RegisterHashIndex builds an equality index over classIndex's
// propertyID property.
func (db *Database) RegisterHashIndex(id, classIndex, propertyID int32, unique bool) error {
	db.lock.AcquireWrite(schemaTok, true, db.manager.CancelAll)
	defer db.lock.ReleaseWrite(schemaTok)

	if _, exists := db.indexes[id]; exists {
		return fmt.Errorf("%w: index %d already registered", veloxerr.InvalidIndex, id)
	}
	if _, ok := db.classes[classIndex]; !ok {
		return fmt.Errorf("%w: class %d not registered", veloxerr.InvalidArgument, classIndex)
	}

	hi := index.NewHashIndex(id, unique)
	ix := &indexEntry{id: id, classIndex: classIndex, propertyID: propertyID, unique: unique, hash: hi}
	db.indexes[id] = ix
	key := propKey{classIndex, propertyID}
	db.indexesByProp[key] = append(db.indexesByProp[key], ix)
	db.gcc.RegisterPeriodic(hi)
	db.audit.SchemaChange("register_hash_index", fmt.Sprintf("class=%d prop=%d", classIndex, propertyID), id)
	return nil
}

// RegisterSortedIndex builds a range-scannable index over classIndex's
// propertyID property.
func (db *Database) RegisterSortedIndex(id, classIndex, propertyID int32, unique bool) error {
	db.lock.AcquireWrite(schemaTok, true, db.manager.CancelAll)
	defer db.lock.ReleaseWrite(schemaTok)

	if _, exists := db.indexes[id]; exists {
		return fmt.Errorf("%w: index %d already registered", veloxerr.InvalidIndex, id)
	}
	if _, ok := db.classes[classIndex]; !ok {
		return fmt.Errorf("%w: class %d not registered", veloxerr.InvalidArgument, classIndex)
	}

	si := index.NewSortedIndex(id, unique)
	ix := &indexEntry{id: id, classIndex: classIndex, propertyID: propertyID, unique: unique, sorted: si}
	db.indexes[id] = ix
	key := propKey{classIndex, propertyID}
	db.indexesByProp[key] = append(db.indexesByProp[key], ix)
	db.gcc.RegisterPeriodic(si)
	db.audit.SchemaChange("register_sorted_index", fmt.Sprintf("class=%d prop=%d", classIndex, propertyID), id)
	return nil
}

// ---- transaction lifecycle ----

// Begin starts a transaction and registers it as an engine-lock reader
// for its whole lifetime, so a concurrent schema change drains it
// before proceeding.
func (db *Database) Begin(txType txn.Type, source string, allowOtherWrites bool) *txn.Transaction {
	tx := db.manager.Begin(txType, source, allowOtherWrites)
	db.lock.AcquireRead(tx)
	db.audit.Begin(tx)
	return tx
}

// Commit blocks until tx has committed or failed.
func (db *Database) Commit(tx *txn.Transaction) error {
	err := db.manager.Commit(tx)
	db.lock.ReleaseRead(tx)
	return err
}

// CommitAsync stages tx for commit and invokes cb once its outcome is
// known, releasing tx's engine-lock read handle first.
func (db *Database) CommitAsync(tx *txn.Transaction, cb func(error)) {
	db.manager.CommitAsync(tx, func(err error) {
		db.lock.ReleaseRead(tx)
		cb(err)
	})
}

// Rollback discards tx's writes.
func (db *Database) Rollback(tx *txn.Transaction) {
	db.manager.Rollback(tx)
	db.lock.ReleaseRead(tx)
	db.audit.Rollback(tx)
}

// Cancel requests cooperative cancellation of tx's in-flight operation.
func (db *Database) Cancel(tx *txn.Transaction) { db.manager.Cancel(tx) }

func (db *Database) onFinalize(tx *txn.Transaction) {
	ctx := tx.Context()
	for _, obj := range ctx.AffectedObjects {
		if entry, ok := db.classes[int32(obj.ClassIndex)]; ok {
			entry.class.Finalize(obj, tx.CommitVersion)
		}
	}
	for _, ref := range ctx.AffectedInvRefs {
		if entry, ok := db.classes[ref.TargetClassIndex]; ok {
			if m, ok := entry.info.InvRefMaps[ref.PropertyID]; ok {
				m.Finalize(invref.Key{ID: ref.TargetID, PropertyID: ref.PropertyID}, ref.TxID, tx.CommitVersion)
			}
		}
	}
	db.metrics.CommitsTotal.Inc()
	db.audit.Commit(tx)
}

func (db *Database) onRollback(tx *txn.Transaction) {
	ctx := tx.Context()
	for _, obj := range ctx.AffectedObjects {
		if entry, ok := db.classes[int32(obj.ClassIndex)]; ok {
			entry.class.Rollback(obj)
		}
	}
	for _, ref := range ctx.AffectedInvRefs {
		if entry, ok := db.classes[ref.TargetClassIndex]; ok {
			if m, ok := entry.info.InvRefMaps[ref.PropertyID]; ok {
				m.Rollback(invref.Key{ID: ref.TargetID, PropertyID: ref.PropertyID}, ref.TxID)
			}
		}
	}
	db.metrics.CommitConflicts.Inc()
}

// ---- object reads and writes ----

// Insert writes a brand-new object, failing with UniqueViolation if a
// live object with id already exists.
func (db *Database) Insert(tx *txn.Transaction, classIndex int32, id int64, values Values, many ManyRefs) (handle.Handle, error) {
	return db.write(tx, classIndex, id, values, many, changeset.OpInsert)
}

// Update overwrites an existing live object's declared properties.
func (db *Database) Update(tx *txn.Transaction, classIndex int32, id int64, values Values, many ManyRefs) (handle.Handle, error) {
	return db.write(tx, classIndex, id, values, many, changeset.OpUpdate)
}

// Delete tombstones an existing live object, running referential-
// integrity propagation for any reference pointing at it at commit
// time (pkg/integrity, spec.md §4.7).
func (db *Database) Delete(tx *txn.Transaction, classIndex int32, id int64) (handle.Handle, error) {
	return db.write(tx, classIndex, id, nil, nil, changeset.OpDelete)
}

func (db *Database) write(tx *txn.Transaction, classIndex int32, id int64, values Values, many ManyRefs, op changeset.OpType) (handle.Handle, error) {
	entry, ok := db.classes[classIndex]
	if !ok {
		return handle.Null, fmt.Errorf("%w: class %d not registered", veloxerr.InvalidArgument, classIndex)
	}

	var oldPayload []byte
	if op != changeset.OpInsert {
		reader, err := entry.class.GetObject(tx, id)
		if err != nil {
			return handle.Null, err
		}
		oldPayload = append([]byte(nil), reader.Payload()...)
	}

	var newPayload []byte
	var h handle.Handle
	var err error
	switch op {
	case changeset.OpInsert:
		newPayload = encodePayload(entry.def, db.strings, db.blobs, values, many)
		h, err = entry.class.Insert(tx, id, newPayload)
	case changeset.OpUpdate:
		newPayload = encodePayload(entry.def, db.strings, db.blobs, values, many)
		h, err = entry.class.Update(tx, id, newPayload)
	case changeset.OpDelete:
		h, err = entry.class.Delete(tx, id)
	}
	if err != nil {
		return handle.Null, err
	}

	if err := db.maintainRefsAndIndexes(tx, entry, id, oldPayload, newPayload); err != nil {
		return handle.Null, err
	}

	db.logOperation(tx, entry, id, op, values)
	db.writes.Inc()
	return h, nil
}

// maintainRefsAndIndexes diffs oldPayload against newPayload (either
// may be nil, for an insert or a delete respectively) and applies the
// resulting inverse-reference and secondary-index deltas.
func (db *Database) maintainRefsAndIndexes(tx *txn.Transaction, entry *classEntry, id int64, oldPayload, newPayload []byte) error {
	for i := range entry.def.Properties {
		pd := &entry.def.Properties[i]

		if pd.Kind == RefOne || pd.Kind == RefMany {
			added, removed := diffIDs(refIDs(pd, oldPayload, db.blobs), refIDs(pd, newPayload, db.blobs))
			if pd.RefTracked && len(pd.RefTargetClasses) > 0 {
				targetIdx := pd.RefTargetClasses[0]
				if target, ok := db.classes[targetIdx]; ok {
					if m := target.info.InvRefMaps[pd.ID]; m != nil {
						for _, tid := range added {
							if err := m.Insert(tx, invref.Key{ID: tid, PropertyID: pd.ID}, id, true, targetIdx, entry.def.Index); err != nil {
								return err
							}
						}
						for _, tid := range removed {
							if err := m.Delete(tx, invref.Key{ID: tid, PropertyID: pd.ID}, id, true, targetIdx, entry.def.Index); err != nil {
								return err
							}
						}
					}
				}
			}
		}

		idxs := db.indexesByProp[propKey{entry.def.Index, pd.ID}]
		if len(idxs) == 0 {
			continue
		}
		oldKey, oldPresent := indexKey(pd, oldPayload, db.strings, db.blobs)
		newKey, newPresent := indexKey(pd, newPayload, db.strings, db.blobs)
		for _, ix := range idxs {
			if oldPresent {
				if err := ix.delete(tx, oldKey, id); err != nil {
					return err
				}
			}
			if newPresent {
				if err := ix.insert(tx, newKey, id); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (db *Database) logOperation(tx *txn.Transaction, entry *classEntry, id int64, op changeset.OpType, values Values) {
	props := make([]changeset.PropertyDescriptor, 0, len(entry.def.Properties))
	var vals []changeset.Value
	for i := range entry.def.Properties {
		pd := &entry.def.Properties[i]
		wt, ok := pd.Kind.wireType()
		if !ok {
			continue
		}
		props = append(props, changeset.PropertyDescriptor{PropertyID: pd.ID, Type: wt})
		if op == changeset.OpDelete {
			continue
		}
		if v, ok := values[pd.ID]; ok {
			vals = append(vals, v)
		} else {
			vals = append(vals, changeset.Value{Type: wt, Defined: false})
		}
	}

	block := &changeset.Block{
		OpType:     op,
		ClassID:    int16(entry.def.Index),
		Properties: props,
		Operations: []changeset.Operation{{ID: id, Values: vals}},
	}

	ctx := tx.Context()
	ctx.LogWriters[defaultLogIndex] = changeset.AppendBlock(ctx.LogWriters[defaultLogIndex], block)
}

// GetObject reads id's visible payload at tx's read version.
func (db *Database) GetObject(tx *txn.Transaction, classIndex int32, id int64) (Values, ManyRefs, error) {
	entry, ok := db.classes[classIndex]
	if !ok {
		return nil, nil, fmt.Errorf("%w: class %d not registered", veloxerr.InvalidArgument, classIndex)
	}
	reader, err := entry.class.GetObject(tx, id)
	if err != nil {
		return nil, nil, err
	}
	values, many := decodePayload(entry.def, db.strings, db.blobs, reader.Payload())
	return values, many, nil
}

// Scan visits every object of classIndex visible at tx's read version.
func (db *Database) Scan(tx *txn.Transaction, classIndex int32, visit func(id int64, values Values, many ManyRefs)) error {
	entry, ok := db.classes[classIndex]
	if !ok {
		return fmt.Errorf("%w: class %d not registered", veloxerr.InvalidArgument, classIndex)
	}
	entry.class.Scan(tx.ReadVersion, func(id int64, reader *class.ObjectReader) {
		values, many := decodePayload(entry.def, db.strings, db.blobs, reader.Payload())
		visit(id, values, many)
	})
	return nil
}

// HashLookup resolves every id whose indexed property equals key.
func (db *Database) HashLookup(tx *txn.Transaction, indexID int32, key []byte) ([]int64, error) {
	ix, ok := db.indexes[indexID]
	if !ok || ix.hash == nil {
		return nil, fmt.Errorf("%w: %d is not a hash index", veloxerr.InvalidIndex, indexID)
	}
	return ix.hash.Lookup(tx, key), nil
}

// SortedLookup resolves every id whose indexed property equals key.
func (db *Database) SortedLookup(tx *txn.Transaction, indexID int32, key []byte) ([]int64, error) {
	ix, ok := db.indexes[indexID]
	if !ok || ix.sorted == nil {
		return nil, fmt.Errorf("%w: %d is not a sorted index", veloxerr.InvalidIndex, indexID)
	}
	return ix.sorted.Lookup(tx, key), nil
}

// RangeScan resolves every id whose indexed property falls in [lo, hi].
func (db *Database) RangeScan(tx *txn.Transaction, indexID int32, lo, hi []byte) ([]index.RangeItem, error) {
	ix, ok := db.indexes[indexID]
	if !ok || ix.sorted == nil {
		return nil, fmt.Errorf("%w: %d is not a sorted index", veloxerr.InvalidIndex, indexID)
	}
	return ix.sorted.RangeScan(tx, lo, hi), nil
}

// ---- wire changeset application ----

// ApplyChangeset decodes data (pkg/changeset's buffer-chaining wire
// format) and replays its operations against tx, per spec.md §6's
// applyChangeset(tx, changeset) operation.
func (db *Database) ApplyChangeset(tx *txn.Transaction, data []byte) error {
	logs, err := changeset.DecodeLogs(data)
	if err != nil {
		return err
	}
	for _, bufs := range logs {
		for _, buf := range bufs {
			if err := db.applyLog(tx, buf); err != nil {
				return err
			}
		}
	}
	return nil
}

func (db *Database) applyLog(tx *txn.Transaction, buf []byte) error {
	r, err := changeset.NewReader(buf)
	if err != nil {
		return err
	}
	for !r.Done() {
		block, err := r.ReadBlock()
		if err != nil {
			return err
		}
		if block.OpType == changeset.OpRewind {
			return db.Rewind(handle.Version(block.RewindVersion))
		}
		if err := db.applyBlock(tx, block); err != nil {
			return err
		}
	}
	return nil
}

func (db *Database) applyBlock(tx *txn.Transaction, block *changeset.Block) error {
	classIndex := int32(block.ClassID)
	if _, ok := db.classes[classIndex]; !ok {
		return fmt.Errorf("%w: class %d not registered", veloxerr.InvalidArgument, classIndex)
	}
	for _, op := range block.Operations {
		values := make(Values, len(block.Properties))
		for i, pd := range block.Properties {
			if i < len(op.Values) {
				values[pd.PropertyID] = op.Values[i]
			}
		}
		var err error
		switch block.OpType {
		case changeset.OpInsert, changeset.OpDefaultValue:
			_, err = db.write(tx, classIndex, op.ID, values, nil, changeset.OpInsert)
		case changeset.OpUpdate:
			_, err = db.write(tx, classIndex, op.ID, values, nil, changeset.OpUpdate)
		case changeset.OpDelete:
			_, err = db.write(tx, classIndex, op.ID, nil, nil, changeset.OpDelete)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Rewind discards every commit past target, coordinating the engine
// lock's drain, the GC's pending-work cutoff, and the version cursor
// and persister rewind. Correctness beyond the oldest version the GC
// has not yet collected is not guaranteed: there is no log-replay-based
// state reconstruction in this engine, so an object version already
// reclaimed by GC cannot be un-reclaimed by rewinding the cursor past
// it.
func (db *Database) Rewind(target handle.Version) error {
	db.lock.AcquireWrite(schemaTok, true, db.manager.CancelAll)
	defer db.lock.ReleaseWrite(schemaTok)
	resume := db.gcc.Drain()
	defer resume()

	db.manager.Versions().Rewind(target)
	db.gcc.Rewind(target)
	if store, ok := db.persister.(*persist.Store); ok {
		if err := store.Rewind(uint64(target)); err != nil {
			return err
		}
	}
	db.audit.SchemaChange("rewind", "", int32(target))
	log.Warn().Uint64("target", uint64(target)).Msg("database rewound")
	return nil
}
