package engine

import (
	"fmt"

	"github.com/veloxdb/veloxdb/pkg/changeset"
	"github.com/veloxdb/veloxdb/pkg/integrity"
)

// PropertyKind identifies a declared property's storage representation
// within a class's fixed-width payload buffer. The scalar kinds are
// stored inline at a fixed offset; String, RefOne, and RefMany store an
// 8-byte indirect handle instead of the value itself, so every class's
// payload has a uniform, precomputable width regardless of how much
// string or many-reference data an individual object carries.
type PropertyKind int

const (
	Bool PropertyKind = iota
	Byte
	Short
	Int
	Long
	Float
	Double
	DateTime
	String  // 8-byte handle into Database.strings
	RefOne  // 8-byte object id, 0 meaning unset
	RefMany // 8-byte handle into Database.blobs, holding an encoded []int64
)

func (k PropertyKind) width() int {
	switch k {
	case Bool, Byte:
		return 1
	case Short:
		return 2
	case Int, Float:
		return 4
	case Long, Double, DateTime, String, RefOne, RefMany:
		return 8
	default:
		panic(fmt.Sprintf("engine: unknown property kind %d", k))
	}
}

// wireType reports the changeset.PropertyType a property of this kind
// carries on the wire, and whether it is representable at all: RefMany
// has no wire encoding (spec.md §6 defines no list value), so it is
// only ever set through Database's direct API, never ApplyChangeset.
func (k PropertyKind) wireType() (changeset.PropertyType, bool) {
	switch k {
	case Bool:
		return changeset.PropertyBool, true
	case Byte:
		return changeset.PropertyByte, true
	case Short:
		return changeset.PropertyShort, true
	case Int:
		return changeset.PropertyInt, true
	case Long:
		return changeset.PropertyLong, true
	case Float:
		return changeset.PropertyFloat, true
	case Double:
		return changeset.PropertyDouble, true
	case DateTime:
		return changeset.PropertyDateTime, true
	case String:
		return changeset.PropertyString, true
	case RefOne:
		return changeset.PropertyLong, true
	default:
		return 0, false
	}
}

// PropertyDef describes one declared property of a class, in the order
// AddProperty/AddReference/AddReferenceMany were called. Offset is
// computed by the builder, not supplied by the caller.
type PropertyDef struct {
	ID     int32
	Name   string
	Kind   PropertyKind
	Offset int

	// Reference-only fields, set by AddReference/AddReferenceMany.
	RefTargetClasses []int32
	RefAction        integrity.DeleteTargetAction
	RefTracked       bool
}

// ClassDef builds a class's schema: its declared properties and their
// computed fixed-width payload layout. Register the finished def with
// Database.RegisterClass.
type ClassDef struct {
	Index       int32
	Name        string
	Properties  []PropertyDef
	payloadSize int
}

// NewClassDef starts an empty class definition. index must be unique
// across every class registered against the same Database.
func NewClassDef(index int32, name string) *ClassDef {
	return &ClassDef{Index: index, Name: name}
}

func (d *ClassDef) addProperty(name string, kind PropertyKind) *PropertyDef {
	pd := PropertyDef{
		ID:     int32(len(d.Properties)) + 1, // property 0 is the implicit object id
		Name:   name,
		Kind:   kind,
		Offset: d.payloadSize,
	}
	d.payloadSize += kind.width()
	d.Properties = append(d.Properties, pd)
	return &d.Properties[len(d.Properties)-1]
}

// AddProperty declares a scalar or string property.
func (d *ClassDef) AddProperty(name string, kind PropertyKind) *ClassDef {
	if kind == RefOne || kind == RefMany {
		panic("engine: AddProperty does not accept reference kinds; use AddReference/AddReferenceMany")
	}
	d.addProperty(name, kind)
	return d
}

// AddReference declares a cardinality-one reference property. tracked
// selects whether the target classes maintain an inverse-reference map
// for it (O(1) propagation lookups) or resolve it via a full scan at
// delete-propagation time (no per-write bookkeeping, costlier deletes).
func (d *ClassDef) AddReference(name string, targetClasses []int32, action integrity.DeleteTargetAction, tracked bool) *ClassDef {
	pd := d.addProperty(name, RefOne)
	pd.RefTargetClasses = targetClasses
	pd.RefAction = action
	pd.RefTracked = tracked
	return d
}

// AddReferenceMany declares a many-cardinality reference property,
// stored as a handle into the database's blob heap.
func (d *ClassDef) AddReferenceMany(name string, targetClasses []int32, action integrity.DeleteTargetAction, tracked bool) *ClassDef {
	pd := d.addProperty(name, RefMany)
	pd.RefTargetClasses = targetClasses
	pd.RefAction = action
	pd.RefTracked = tracked
	return d
}

// PayloadSize returns the fixed width every object of this class's
// payload occupies, computed as properties are added.
func (d *ClassDef) PayloadSize() int { return d.payloadSize }

func (d *ClassDef) property(id int32) *PropertyDef {
	for i := range d.Properties {
		if d.Properties[i].ID == id {
			return &d.Properties[i]
		}
	}
	return nil
}
