package engine

import (
	"encoding/binary"
	"math"

	"github.com/veloxdb/veloxdb/pkg/changeset"
	"github.com/veloxdb/veloxdb/pkg/strpool"
)

// encodeKey renders a property value as the order-preserving byte
// key pkg/index's hash and sorted indexes store: fixed-width integer
// and float kinds are big-endian with their sign bit handled so two's-
// complement/IEEE-754 byte order matches numeric order, and strings
// are their raw UTF-8 bytes (Go's native []byte comparison is
// byte-lexicographic, which matches string comparison for valid UTF-8).
func encodeKey(kind PropertyKind, v changeset.Value) []byte {
	switch kind {
	case Bool:
		if v.Bool() {
			return []byte{1}
		}
		return []byte{0}
	case Byte:
		return []byte{v.Byte()}
	case Short:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(v.Short())^0x8000)
		return b
	case Int:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(v.Int())^0x80000000)
		return b
	case Long, RefOne:
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, uint64(v.Long())^0x8000000000000000)
		return b
	case DateTime:
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, uint64(v.DateTime())^0x8000000000000000)
		return b
	case Float:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, floatKeyBits(v.Float()))
		return b
	case Double:
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, doubleKeyBits(v.Double()))
		return b
	case String:
		return []byte(v.Str)
	default:
		panic("engine: property kind is not indexable")
	}
}

// floatKeyBits and doubleKeyBits flip IEEE-754 bit patterns so their
// big-endian byte order matches numeric order for both signs: for a
// non-negative value flip only the sign bit; for a negative value flip
// every bit, which reverses its (otherwise descending) magnitude order.
func floatKeyBits(f float32) uint32 {
	b := math.Float32bits(f)
	if b&0x80000000 != 0 {
		return ^b
	}
	return b | 0x80000000
}

func doubleKeyBits(f float64) uint64 {
	b := math.Float64bits(f)
	if b&0x8000000000000000 != 0 {
		return ^b
	}
	return b | 0x8000000000000000
}

// indexKey extracts pd's index key out of payload, reporting false if
// payload is nil or the property has no indexable value (an unset
// RefOne, or a RefMany property, which is never indexable).
func indexKey(pd *PropertyDef, payload []byte, strings *strpool.Pool, blobs *strpool.BlobHeap) ([]byte, bool) {
	if payload == nil {
		return nil, false
	}
	switch pd.Kind {
	case RefMany:
		return nil, false
	case RefOne:
		id := readRefOne(payload, pd.Offset)
		if id == 0 {
			return nil, false
		}
		return encodeKey(RefOne, changeset.LongValue(id)), true
	case String:
		return []byte(readString(payload, pd.Offset, strings)), true
	default:
		return scalarKeyFromPayload(pd.Kind, payload, pd.Offset), true
	}
}

func scalarKeyFromPayload(kind PropertyKind, payload []byte, offset int) []byte {
	return encodeKey(kind, readScalar(kind, payload, offset))
}
