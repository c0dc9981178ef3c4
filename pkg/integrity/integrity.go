// Package integrity implements the referential-integrity validator:
// on commit it confirms every newly written reference points at a
// live, accepted object, then propagates the deletes in the same
// transaction's write set according to each referencing property's
// DeleteTargetAction (cascade, set-to-null, or reject).
//
// Grounded on mnohosten-laura-db's commit-time validation hook (the
// same shape as pkg/txn.Validator: a single Validate(tx) call invoked
// from the commit pipeline before a transaction is handed to the
// persister), generalized from document schema checks to the engine's
// class/inverse-reference model.
package integrity

import (
	"sort"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/veloxdb/veloxdb/internal/telemetry"
	"github.com/veloxdb/veloxdb/pkg/class"
	"github.com/veloxdb/veloxdb/pkg/invref"
	"github.com/veloxdb/veloxdb/pkg/txn"
	"github.com/veloxdb/veloxdb/pkg/veloxerr"
)

var log = telemetry.Component("integrity")

// maxDeletedSet bounds the per-commit DeletedSet before the validator
// gives up tracking individual ids and conservatively treats every
// untracked reference in the scan set as potentially affected.
const maxDeletedSet = 1024

// DeleteTargetAction describes what happens to a referencing property
// when the object it points at is deleted.
type DeleteTargetAction int

const (
	PreventDelete DeleteTargetAction = iota
	SetToNull
	CascadeDelete
)

// RefExtractor reads the ids a reference property currently holds out
// of a scanned object's raw payload. Schema registration supplies one
// per untracked reference property; the validator never interprets
// payload bytes itself.
type RefExtractor func(payload []byte) []int64

// RefMutator applies a SetToNull propagation to a scanned object's
// stored payload and writes the result back (e.g. via class.Update),
// filtering deletedIDs out of a many-cardinality property or zeroing a
// cardinality-one one. Schema registration supplies one per SetToNull
// reference property.
type RefMutator func(tx *txn.Transaction, cls *class.Class, id int64, deletedIDs map[int64]bool) error

// OutgoingRef describes one reference property a class owns: the
// classes it may point at (for new-reference validation) and, when it
// is an untracked reference absent from the inverse-reference map, the
// extractor/mutator pair the delete-propagation scan needs.
type OutgoingRef struct {
	PropertyID    int32
	Many          bool
	TargetClasses []int32
	Action        DeleteTargetAction
	Extractor     RefExtractor
	Mutator       RefMutator
}

// IncomingRef describes one other class's property that may reference
// this ClassInfo's class. Tracked references are resolved through the
// target class's own inverse-reference map; untracked ones fall back
// to a full scan of ScanClasses driven by the owning OutgoingRef's
// Extractor.
type IncomingRef struct {
	FromClassIndex int32
	PropertyID     int32
	Many           bool
	Action         DeleteTargetAction
	Tracked        bool
	ScanClasses    []int32
}

// ClassInfo is the schema metadata the validator needs for one class:
// its own reference properties (for validating new writes), the
// properties of other classes that may reference it (for delete
// propagation), and the tracked inverse-reference maps keyed by
// property id.
type ClassInfo struct {
	Index        int32
	Class        *class.Class
	OutgoingRefs []OutgoingRef
	IncomingRefs []IncomingRef
	InvRefMaps   map[int32]*invref.Map // propertyID -> map of refs targeting this class
}

func (ci *ClassInfo) outgoingRef(propertyID int32) *OutgoingRef {
	for i := range ci.OutgoingRefs {
		if ci.OutgoingRefs[i].PropertyID == propertyID {
			return &ci.OutgoingRefs[i]
		}
	}
	return nil
}

// Validator implements pkg/txn.Validator against a registered schema.
type Validator struct {
	classes map[int32]*ClassInfo
}

// NewValidator creates an empty Validator. Callers register every
// class via RegisterClass before the engine starts accepting writes.
func NewValidator() *Validator {
	return &Validator{classes: make(map[int32]*ClassInfo)}
}

// RegisterClass adds ci to the schema the validator checks against.
func (v *Validator) RegisterClass(ci *ClassInfo) {
	v.classes[ci.Index] = ci
}

// Validate runs spec.md §4.7's algorithm: new-reference validation,
// then iterative delete propagation (a cascade delete may itself
// trigger further propagation, so newly appended tombstones are
// reprocessed until no more appear).
func (v *Validator) Validate(tx *txn.Transaction) error {
	ctx := tx.Context()

	for _, ref := range ctx.AffectedInvRefs {
		if !ref.Insert {
			continue
		}
		if err := v.validateNewReference(tx, ref); err != nil {
			return err
		}
	}

	processed := 0
	for {
		ctx := tx.Context() // re-fetch: propagation may have grown AffectedObjects
		var deleted []txn.AffectedObject
		for processed < len(ctx.AffectedObjects) {
			obj := ctx.AffectedObjects[processed]
			processed++
			if obj.Tombstone {
				deleted = append(deleted, obj)
			}
		}
		if len(deleted) == 0 {
			break
		}
		if err := v.propagateDeletes(tx, deleted); err != nil {
			return err
		}
	}
	return nil
}

// validateNewReference checks one newly written (ReferencingID,
// PropertyID) -> TargetID edge: the target class is registered, the
// referencing property accepts it, and an object with TargetID exists.
func (v *Validator) validateNewReference(tx *txn.Transaction, ref txn.AffectedInvRef) error {
	target, ok := v.classes[ref.TargetClassIndex]
	if !ok {
		return veloxerr.InvalidReferencedClass
	}
	owner, ok := v.classes[ref.ReferencingClassIndex]
	if !ok {
		veloxerr.Raise("integrity: unregistered referencing class", nil)
	}
	prop := owner.outgoingRef(ref.PropertyID)
	if prop == nil {
		veloxerr.Raise("integrity: unregistered reference property", nil)
	}
	if !containsClass(prop.TargetClasses, ref.TargetClassIndex) {
		return veloxerr.InvalidReferencedClass
	}
	if !target.Class.ExistsForTx(tx, ref.TargetID) {
		// Re-verify once: a negative result here may be a race against a
		// concurrent commit that is about to make the target visible,
		// not a genuinely missing object (spec.md §4.7).
		if !target.Class.ExistsForTx(tx, ref.TargetID) {
			return veloxerr.UnknownReference
		}
	}
	return nil
}

func containsClass(classes []int32, idx int32) bool {
	for _, c := range classes {
		if c == idx {
			return true
		}
	}
	return false
}

// propOp is one propagation operation, carrying invref's ordering
// payload plus the fields needed to apply it.
type propOp struct {
	invref.PropagationOp
	DirectClassIndex int32
	Action           DeleteTargetAction
	Many             bool
}

// propagateDeletes runs the algorithm's steps 1-4 for one batch of
// newly observed tombstones.
func (v *Validator) propagateDeletes(tx *txn.Transaction, deleted []txn.AffectedObject) error {
	deletedSet := roaring64.New()
	overflow := false
	scanClasses := make(map[int32]bool)
	var ops []propOp

	// Step 1: tracked references propagate directly; untracked ones are
	// deferred to a scan over their declared ScanClasses.
	for _, obj := range deleted {
		deletedSet.Add(uint64(obj.ID))
		if deletedSet.GetCardinality() > maxDeletedSet {
			overflow = true
		}

		info, ok := v.classes[int32(obj.ClassIndex)]
		if !ok {
			continue
		}
		for _, inc := range info.IncomingRefs {
			if inc.Tracked {
				m := info.InvRefMaps[inc.PropertyID]
				if m == nil {
					continue
				}
				refs := m.GetReferences(tx, invref.Key{ID: obj.ID, PropertyID: inc.PropertyID})
				for _, directID := range refs {
					ops = append(ops, propOp{
						PropagationOp: invref.PropagationOp{
							DirectID:   directID,
							InverseID:  obj.ID,
							PropertyID: inc.PropertyID,
							Op:         invref.OpDelete,
						},
						DirectClassIndex: inc.FromClassIndex,
						Action:           inc.Action,
						Many:             inc.Many,
					})
				}
			} else {
				for _, sc := range inc.ScanClasses {
					scanClasses[sc] = true
				}
			}
		}
	}

	// Step 2: resolve untracked references by scanning the classes that
	// hold them, comparing every extracted reference against DeletedSet.
	for classIdx := range scanClasses {
		scanInfo, ok := v.classes[classIdx]
		if !ok {
			continue
		}
		scanInfo.Class.Scan(tx.ReadVersion, func(id int64, reader *class.ObjectReader) {
			for _, ref := range scanInfo.OutgoingRefs {
				if ref.Extractor == nil {
					continue
				}
				for _, targetID := range ref.Extractor(reader.Payload()) {
					if overflow || deletedSet.Contains(uint64(targetID)) {
						ops = append(ops, propOp{
							PropagationOp: invref.PropagationOp{
								DirectID:   id,
								InverseID:  targetID,
								PropertyID: ref.PropertyID,
								Op:         invref.OpDelete,
							},
							DirectClassIndex: classIdx,
							Action:           ref.Action,
							Many:             ref.Many,
						})
					}
				}
			}
		})
	}

	if len(ops) == 0 {
		return nil
	}

	// Step 3: sort so every operation against the same direct object is
	// contiguous, letting a many-cardinality SetToNull batch every
	// deleted id it must filter in one mutation.
	sort.Slice(ops, func(i, j int) bool {
		return invref.CompareInverse(ops[i].PropagationOp, ops[j].PropagationOp)
	})

	return v.applyPropagation(tx, ops)
}

// applyPropagation generates the changeset for step 4: a cascade
// delete recurses through Validate's outer loop once appended to
// AffectedObjects; a set-null groups every deleted target against one
// direct object into a single mutation; a prevent-delete aborts.
func (v *Validator) applyPropagation(tx *txn.Transaction, ops []propOp) error {
	i := 0
	for i < len(ops) {
		j := i + 1
		for j < len(ops) && ops[j].DirectID == ops[i].DirectID &&
			ops[j].DirectClassIndex == ops[i].DirectClassIndex &&
			ops[j].PropertyID == ops[i].PropertyID {
			j++
		}
		group := ops[i:j]
		if err := v.applyGroup(tx, group); err != nil {
			return err
		}
		i = j
	}
	return nil
}

func (v *Validator) applyGroup(tx *txn.Transaction, group []propOp) error {
	action := group[0].Action
	switch action {
	case PreventDelete:
		log.Debug().Int32("class", group[0].DirectClassIndex).Int64("id", group[0].DirectID).Msg("delete blocked by prevent-delete reference")
		return veloxerr.ReferencedDelete
	case CascadeDelete:
		info, ok := v.classes[group[0].DirectClassIndex]
		if !ok {
			veloxerr.Raise("integrity: unregistered class in cascade delete", nil)
		}
		if info.Class.ExistsForTx(tx, group[0].DirectID) {
			if _, err := info.Class.Delete(tx, group[0].DirectID); err != nil {
				return err
			}
		}
		return nil
	case SetToNull:
		info, ok := v.classes[group[0].DirectClassIndex]
		if !ok {
			veloxerr.Raise("integrity: unregistered class in set-to-null", nil)
		}
		prop := info.outgoingRef(group[0].PropertyID)
		if prop == nil || prop.Mutator == nil {
			veloxerr.Raise("integrity: set-to-null property missing mutator", nil)
		}
		deletedIDs := make(map[int64]bool, len(group))
		for _, op := range group {
			deletedIDs[op.InverseID] = true
		}
		return prop.Mutator(tx, info.Class, group[0].DirectID, deletedIDs)
	default:
		veloxerr.Raise("integrity: unknown delete target action", nil)
		return nil
	}
}
