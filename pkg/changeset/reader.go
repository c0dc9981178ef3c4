package changeset

import (
	"encoding/binary"
	"fmt"

	"github.com/veloxdb/veloxdb/pkg/veloxerr"
)

// Reader decodes a buffer produced by Writer back into Blocks.
type Reader struct {
	buf []byte
	pos int
}

// NewReader validates the serialization-version header and returns a
// Reader positioned at the first block.
func NewReader(data []byte) (*Reader, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: truncated header", veloxerr.InvalidChangeset)
	}
	ver := binary.LittleEndian.Uint16(data)
	if ver != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", veloxerr.InvalidChangeset, ver)
	}
	return &Reader{buf: data, pos: 2}, nil
}

// Done reports whether every block has been consumed.
func (r *Reader) Done() bool { return r.pos >= len(r.buf) }

func (r *Reader) need(n int) error {
	if r.pos+n > len(r.buf) {
		return fmt.Errorf("%w: truncated at offset %d", veloxerr.InvalidChangeset, r.pos)
	}
	return nil
}

// ReadBlock decodes the next block. Callers should stop after a
// Rewind block, since spec.md §6 requires it be the only block in the
// changeset; ReadBlock does not itself enforce that (the writer side
// does, by construction of how rewind changesets are built).
func (r *Reader) ReadBlock() (*Block, error) {
	if err := r.need(1); err != nil {
		return nil, err
	}
	opType := OpType(r.buf[r.pos])
	r.pos++

	b := &Block{OpType: opType}

	if opType == OpRewind {
		if err := r.need(8); err != nil {
			return nil, err
		}
		b.RewindVersion = binary.LittleEndian.Uint64(r.buf[r.pos:])
		r.pos += 8
		return b, nil
	}

	if err := r.need(2); err != nil {
		return nil, err
	}
	b.ClassID = int16(binary.LittleEndian.Uint16(r.buf[r.pos:]))
	r.pos += 2

	var opCount int
	switch opType {
	case OpInsert, OpDefaultValue:
		if err := r.need(2); err != nil {
			return nil, err
		}
		opCount = int(binary.LittleEndian.Uint16(r.buf[r.pos:]))
		r.pos += 2
	case OpUpdate, OpDelete:
		if err := r.need(2); err != nil {
			return nil, err
		}
		opCount = int(r.buf[r.pos])
		r.pos += 2 // count byte + pad
	default:
		return nil, fmt.Errorf("%w: unknown opType %d", veloxerr.InvalidChangeset, opType)
	}

	if err := r.need(2); err != nil {
		return nil, err
	}
	propertyCount := int(int16(binary.LittleEndian.Uint16(r.buf[r.pos:])))
	r.pos += 2
	if propertyCount < 1 {
		return nil, fmt.Errorf("%w: propertyCount %d < 1", veloxerr.InvalidChangeset, propertyCount)
	}

	b.Properties = make([]PropertyDescriptor, propertyCount-1)
	for i := range b.Properties {
		if err := r.need(5); err != nil {
			return nil, err
		}
		pid := int32(binary.LittleEndian.Uint32(r.buf[r.pos:]))
		typ := PropertyType(r.buf[r.pos+4])
		r.pos += 5
		b.Properties[i] = PropertyDescriptor{PropertyID: pid, Type: typ}
	}

	b.Operations = make([]Operation, opCount)
	for i := range b.Operations {
		op, err := r.readOperation(b)
		if err != nil {
			return nil, err
		}
		b.Operations[i] = op
	}

	return b, nil
}

func (r *Reader) readOperation(b *Block) (Operation, error) {
	if err := r.need(16); err != nil {
		return Operation{}, err
	}
	header := binary.LittleEndian.Uint64(r.buf[r.pos:])
	id := int64(binary.LittleEndian.Uint64(r.buf[r.pos+8:]))
	r.pos += 16

	prevVersion, notLast := decodeOperationHeader(header)
	op := Operation{PrevVersion: prevVersion, NotLast: notLast, ID: id, Values: make([]Value, len(b.Properties))}

	for i, pd := range b.Properties {
		v, err := r.readValue(pd.Type)
		if err != nil {
			return Operation{}, err
		}
		op.Values[i] = v
	}
	return op, nil
}

func (r *Reader) readValue(typ PropertyType) (Value, error) {
	switch typ {
	case PropertyBool:
		if err := r.need(1); err != nil {
			return Value{}, err
		}
		v := BoolValue(r.buf[r.pos] != 0)
		r.pos++
		return v, nil
	case PropertyByte:
		if err := r.need(1); err != nil {
			return Value{}, err
		}
		v := ByteValue(r.buf[r.pos])
		r.pos++
		return v, nil
	case PropertyShort:
		if err := r.need(2); err != nil {
			return Value{}, err
		}
		v := ShortValue(int16(binary.LittleEndian.Uint16(r.buf[r.pos:])))
		r.pos += 2
		return v, nil
	case PropertyInt:
		if err := r.need(4); err != nil {
			return Value{}, err
		}
		v := IntValue(int32(binary.LittleEndian.Uint32(r.buf[r.pos:])))
		r.pos += 4
		return v, nil
	case PropertyLong:
		if err := r.need(8); err != nil {
			return Value{}, err
		}
		v := LongValue(int64(binary.LittleEndian.Uint64(r.buf[r.pos:])))
		r.pos += 8
		return v, nil
	case PropertyDateTime:
		if err := r.need(8); err != nil {
			return Value{}, err
		}
		v := DateTimeValue(int64(binary.LittleEndian.Uint64(r.buf[r.pos:])))
		r.pos += 8
		return v, nil
	case PropertyFloat:
		if err := r.need(4); err != nil {
			return Value{}, err
		}
		v := FloatValue(bitsFloat(binary.LittleEndian.Uint32(r.buf[r.pos:])))
		r.pos += 4
		return v, nil
	case PropertyDouble:
		if err := r.need(8); err != nil {
			return Value{}, err
		}
		v := DoubleValue(bitsDouble(binary.LittleEndian.Uint64(r.buf[r.pos:])))
		r.pos += 8
		return v, nil
	case PropertyString:
		return r.readString()
	default:
		return Value{}, fmt.Errorf("%w: unknown property type %d", veloxerr.InvalidChangeset, typ)
	}
}

func (r *Reader) readString() (Value, error) {
	if err := r.need(1); err != nil {
		return Value{}, err
	}
	tag := r.buf[r.pos]
	r.pos++

	if tag == 0x00 {
		if err := r.need(1); err != nil {
			return Value{}, err
		}
		defined := r.buf[r.pos] != 0
		r.pos++
		return Value{Type: PropertyString, Null: true, Defined: defined}, nil
	}

	var n int
	if tag == 0x80 {
		if err := r.need(4); err != nil {
			return Value{}, err
		}
		n = int(binary.LittleEndian.Uint32(r.buf[r.pos:]))
		r.pos += 4
	} else if tag&0xC0 == 0xC0 {
		n = int(tag &^ 0xC0)
	} else {
		return Value{}, fmt.Errorf("%w: bad string tag 0x%x", veloxerr.InvalidChangeset, tag)
	}

	if err := r.need(4); err != nil {
		return Value{}, err
	}
	r.pos += 4 // string-pool index, unused by this port's reader

	if err := r.need(n * 2); err != nil {
		return Value{}, err
	}
	units := make([]uint16, n)
	for i := 0; i < n; i++ {
		units[i] = binary.LittleEndian.Uint16(r.buf[r.pos:])
		r.pos += 2
	}
	return StringValue(decodeUTF16(units)), nil
}
