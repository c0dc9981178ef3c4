package engine

import (
	"encoding/binary"
	"math"

	"github.com/veloxdb/veloxdb/pkg/changeset"
	"github.com/veloxdb/veloxdb/pkg/handle"
	"github.com/veloxdb/veloxdb/pkg/strpool"
)

// Values is the set of scalar/string/reference-one property values for
// one write, keyed by PropertyDef.ID. A property absent from the map
// is left at its zero value (false/0/empty string/unset reference).
type Values map[int32]changeset.Value

// ManyRefs is the set of many-cardinality reference property values
// for one write, keyed by PropertyDef.ID.
type ManyRefs map[int32][]int64

// encodePayload lays values and many out into def's fixed-width
// buffer, interning strings and many-reference id lists as it goes.
func encodePayload(def *ClassDef, strings *strpool.Pool, blobs *strpool.BlobHeap, values Values, many ManyRefs) []byte {
	buf := make([]byte, def.PayloadSize())
	for i := range def.Properties {
		pd := &def.Properties[i]
		switch pd.Kind {
		case RefMany:
			writeManyRef(buf, pd.Offset, blobs, many[pd.ID])
		case String:
			v, ok := values[pd.ID]
			if !ok || v.Null {
				binary.LittleEndian.PutUint64(buf[pd.Offset:], 0)
				continue
			}
			h := strings.Intern(v.Str)
			binary.LittleEndian.PutUint64(buf[pd.Offset:], uint64(h))
		default:
			v, ok := values[pd.ID]
			if !ok {
				continue
			}
			writeScalar(buf, pd.Offset, pd.Kind, v)
		}
	}
	return buf
}

func writeScalar(buf []byte, offset int, kind PropertyKind, v changeset.Value) {
	switch kind {
	case Bool:
		if v.Bool() {
			buf[offset] = 1
		}
	case Byte:
		buf[offset] = v.Byte()
	case Short:
		binary.LittleEndian.PutUint16(buf[offset:], uint16(v.Short()))
	case Int:
		binary.LittleEndian.PutUint32(buf[offset:], uint32(v.Int()))
	case Float:
		binary.LittleEndian.PutUint32(buf[offset:], math.Float32bits(v.Float()))
	case Long:
		binary.LittleEndian.PutUint64(buf[offset:], uint64(v.Long()))
	case Double:
		binary.LittleEndian.PutUint64(buf[offset:], math.Float64bits(v.Double()))
	case DateTime:
		binary.LittleEndian.PutUint64(buf[offset:], uint64(v.DateTime()))
	case RefOne:
		binary.LittleEndian.PutUint64(buf[offset:], uint64(v.Long()))
	}
}

func writeManyRef(buf []byte, offset int, blobs *strpool.BlobHeap, ids []int64) {
	if len(ids) == 0 {
		binary.LittleEndian.PutUint64(buf[offset:], 0)
		return
	}
	h := blobs.Put(encodeIDs(ids))
	binary.LittleEndian.PutUint64(buf[offset:], uint64(h))
}

func encodeIDs(ids []int64) []byte {
	out := make([]byte, 8*len(ids))
	for i, id := range ids {
		binary.LittleEndian.PutUint64(out[i*8:], uint64(id))
	}
	return out
}

func decodeIDs(b []byte) []int64 {
	ids := make([]int64, len(b)/8)
	for i := range ids {
		ids[i] = int64(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return ids
}

// readRefOne returns the object id stored at a RefOne property's
// offset, or 0 if unset.
func readRefOne(payload []byte, offset int) int64 {
	return int64(binary.LittleEndian.Uint64(payload[offset:]))
}

// readManyRef resolves a RefMany property's stored handle through
// blobs, returning nil if unset.
func readManyRef(payload []byte, offset int, blobs *strpool.BlobHeap) []int64 {
	h := handle.Handle(binary.LittleEndian.Uint64(payload[offset:]))
	if h == handle.Null {
		return nil
	}
	b, ok := blobs.Get(h)
	if !ok {
		return nil
	}
	return decodeIDs(b)
}

// readString resolves a String property's stored handle through
// strings, returning "" if unset.
func readString(payload []byte, offset int, strings *strpool.Pool) string {
	h := handle.Handle(binary.LittleEndian.Uint64(payload[offset:]))
	if h == handle.Null {
		return ""
	}
	s, _ := strings.Lookup(h)
	return s
}

// decodePayload reconstructs a class's declared properties out of a
// raw payload buffer, the inverse of encodePayload.
func decodePayload(def *ClassDef, strings *strpool.Pool, blobs *strpool.BlobHeap, payload []byte) (Values, ManyRefs) {
	values := make(Values, len(def.Properties))
	var many ManyRefs
	for i := range def.Properties {
		pd := &def.Properties[i]
		switch pd.Kind {
		case RefMany:
			if ids := readManyRef(payload, pd.Offset, blobs); len(ids) > 0 {
				if many == nil {
					many = make(ManyRefs)
				}
				many[pd.ID] = ids
			}
		case String:
			values[pd.ID] = changeset.StringValue(readString(payload, pd.Offset, strings))
		case RefOne:
			values[pd.ID] = changeset.LongValue(readRefOne(payload, pd.Offset))
		default:
			values[pd.ID] = readScalar(pd.Kind, payload, pd.Offset)
		}
	}
	return values, many
}

func readScalar(kind PropertyKind, payload []byte, offset int) changeset.Value {
	switch kind {
	case Bool:
		return changeset.BoolValue(payload[offset] != 0)
	case Byte:
		return changeset.ByteValue(payload[offset])
	case Short:
		return changeset.ShortValue(int16(binary.LittleEndian.Uint16(payload[offset:])))
	case Int:
		return changeset.IntValue(int32(binary.LittleEndian.Uint32(payload[offset:])))
	case Long:
		return changeset.LongValue(int64(binary.LittleEndian.Uint64(payload[offset:])))
	case DateTime:
		return changeset.DateTimeValue(int64(binary.LittleEndian.Uint64(payload[offset:])))
	case Float:
		return changeset.FloatValue(math.Float32frombits(binary.LittleEndian.Uint32(payload[offset:])))
	case Double:
		return changeset.DoubleValue(math.Float64frombits(binary.LittleEndian.Uint64(payload[offset:])))
	default:
		return changeset.Value{}
	}
}

// refIDs returns the object ids a reference property holds in payload,
// or nil if payload is nil (the object doesn't exist on that side of a
// diff) or the property is unset.
func refIDs(pd *PropertyDef, payload []byte, blobs *strpool.BlobHeap) []int64 {
	if payload == nil {
		return nil
	}
	switch pd.Kind {
	case RefOne:
		if id := readRefOne(payload, pd.Offset); id != 0 {
			return []int64{id}
		}
		return nil
	case RefMany:
		return readManyRef(payload, pd.Offset, blobs)
	default:
		return nil
	}
}

// diffIDs reports which ids newIDs has that oldIDs doesn't (added) and
// vice versa (removed).
func diffIDs(oldIDs, newIDs []int64) (added, removed []int64) {
	oldSet := make(map[int64]bool, len(oldIDs))
	for _, id := range oldIDs {
		oldSet[id] = true
	}
	newSet := make(map[int64]bool, len(newIDs))
	for _, id := range newIDs {
		newSet[id] = true
	}
	for id := range newSet {
		if !oldSet[id] {
			added = append(added, id)
		}
	}
	for id := range oldSet {
		if !newSet[id] {
			removed = append(removed, id)
		}
	}
	return added, removed
}
