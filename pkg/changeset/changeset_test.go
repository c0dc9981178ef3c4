package changeset

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	w := NewWriter()
	insert := &Block{
		OpType:  OpInsert,
		ClassID: 7,
		Properties: []PropertyDescriptor{
			{PropertyID: 1, Type: PropertyInt},
			{PropertyID: 2, Type: PropertyString},
			{PropertyID: 3, Type: PropertyDouble},
		},
		Operations: []Operation{
			{ID: 100, Values: []Value{IntValue(42), StringValue("hello"), DoubleValue(3.5)}},
			{ID: 101, Values: []Value{IntValue(-7), NullValue(PropertyString), DoubleValue(-1.25)}},
		},
	}
	w.WriteBlock(insert)

	del := &Block{
		OpType:     OpDelete,
		ClassID:    7,
		Properties: nil,
		Operations: []Operation{{ID: 55}},
	}
	w.WriteBlock(del)

	r, err := NewReader(w.Bytes())
	require.NoError(t, err)

	got, err := r.ReadBlock()
	require.NoError(t, err)
	require.Equal(t, OpInsert, got.OpType)
	require.Equal(t, int16(7), got.ClassID)
	require.Len(t, got.Operations, 2)
	require.Equal(t, int64(100), got.Operations[0].ID)
	require.Equal(t, int32(42), got.Operations[0].Values[0].Int())
	require.Equal(t, "hello", got.Operations[0].Values[1].Str)
	require.False(t, got.Operations[0].Values[1].Null)
	require.InDelta(t, 3.5, got.Operations[0].Values[2].Double(), 0)
	require.True(t, got.Operations[1].Values[1].Null)
	require.True(t, got.Operations[1].Values[1].Defined)

	got2, err := r.ReadBlock()
	require.NoError(t, err)
	require.Equal(t, OpDelete, got2.OpType)
	require.Len(t, got2.Operations, 1)
	require.Equal(t, int64(55), got2.Operations[0].ID)

	require.True(t, r.Done())
}

func TestRewindBlockIsSoleBlock(t *testing.T) {
	w := NewWriter()
	w.WriteBlock(&Block{OpType: OpRewind, RewindVersion: 9001})

	r, err := NewReader(w.Bytes())
	require.NoError(t, err)

	b, err := r.ReadBlock()
	require.NoError(t, err)
	require.Equal(t, OpRewind, b.OpType)
	require.Equal(t, uint64(9001), b.RewindVersion)
	require.True(t, r.Done())
}

func TestLongStringRoundTrip(t *testing.T) {
	long := make([]byte, 200)
	for i := range long {
		long[i] = byte('a' + i%26)
	}
	w := NewWriter()
	w.WriteBlock(&Block{
		OpType:     OpInsert,
		ClassID:    1,
		Properties: []PropertyDescriptor{{PropertyID: 1, Type: PropertyString}},
		Operations: []Operation{{ID: 1, Values: []Value{StringValue(string(long))}}},
	})

	r, err := NewReader(w.Bytes())
	require.NoError(t, err)
	b, err := r.ReadBlock()
	require.NoError(t, err)
	require.Equal(t, string(long), b.Operations[0].Values[0].Str)
}

func TestRejectsBadVersion(t *testing.T) {
	_, err := NewReader([]byte{0xFF, 0xFF})
	require.Error(t, err)
}

func TestLogFrameRoundTrip(t *testing.T) {
	framed := EncodeLog(3, [][]byte{[]byte("abc"), []byte("de"), {}})
	idx, bufs, err := DecodeLog(framed)
	require.NoError(t, err)
	require.Equal(t, uint8(3), idx)
	require.Equal(t, [][]byte{[]byte("abc"), []byte("de"), {}}, bufs)
}

func TestSealUnsealRoundTrip(t *testing.T) {
	w := NewWriter()
	w.WriteBlock(&Block{
		OpType:     OpInsert,
		ClassID:    1,
		Properties: []PropertyDescriptor{{PropertyID: 1, Type: PropertyLong}},
		Operations: []Operation{{ID: 1, Values: []Value{LongValue(123456789)}}},
	})

	sealed, err := Seal(w.Bytes())
	require.NoError(t, err)
	require.NotEqual(t, w.Bytes(), sealed)

	opened, err := Unseal(sealed)
	require.NoError(t, err)
	require.Equal(t, w.Bytes(), opened)
}

func TestUnsealRejectsCorruption(t *testing.T) {
	w := NewWriter()
	w.WriteBlock(&Block{OpType: OpRewind, RewindVersion: 1})
	sealed, err := Seal(w.Bytes())
	require.NoError(t, err)

	corrupt := append([]byte{}, sealed...)
	corrupt[checksumSize] ^= 0xFF
	_, err = Unseal(corrupt)
	require.Error(t, err)
}
