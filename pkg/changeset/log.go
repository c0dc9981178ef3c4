package changeset

import (
	"encoding/binary"
	"fmt"

	"github.com/veloxdb/veloxdb/pkg/veloxerr"
)

// EncodeLog frames the buffers a single log stream's changeset was
// split into, per spec.md §6's buffer-chaining format: logIndex:u8,
// bufferCount:u16, then size:i32 + payload for each buffer.
func EncodeLog(logIndex uint8, buffers [][]byte) []byte {
	size := 3
	for _, b := range buffers {
		size += 4 + len(b)
	}
	out := make([]byte, 0, size)
	out = append(out, logIndex)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(buffers)))
	for _, b := range buffers {
		out = binary.LittleEndian.AppendUint32(out, uint32(len(b)))
		out = append(out, b...)
	}
	return out
}

// DecodeLogs splits data into the sequence of EncodeLog frames it was
// built from (one frame per log stream that had pending writes at
// commit time, in ascending logIndex order per encodeChangeset) and
// groups their buffers by logIndex.
func DecodeLogs(data []byte) (map[uint8][][]byte, error) {
	out := make(map[uint8][][]byte)
	for len(data) > 0 {
		idx, bufs, err := DecodeLog(data)
		if err != nil {
			return nil, err
		}
		out[idx] = append(out[idx], bufs...)

		consumed := 3
		for _, b := range bufs {
			consumed += 4 + len(b)
		}
		data = data[consumed:]
	}
	return out, nil
}

// DecodeLog is EncodeLog's inverse.
func DecodeLog(data []byte) (logIndex uint8, buffers [][]byte, err error) {
	if len(data) < 3 {
		return 0, nil, fmt.Errorf("%w: truncated log frame", veloxerr.InvalidChangeset)
	}
	logIndex = data[0]
	count := binary.LittleEndian.Uint16(data[1:])
	pos := 3
	buffers = make([][]byte, 0, count)
	for i := uint16(0); i < count; i++ {
		if pos+4 > len(data) {
			return 0, nil, fmt.Errorf("%w: truncated buffer size", veloxerr.InvalidChangeset)
		}
		n := int(binary.LittleEndian.Uint32(data[pos:]))
		pos += 4
		if pos+n > len(data) {
			return 0, nil, fmt.Errorf("%w: truncated buffer payload", veloxerr.InvalidChangeset)
		}
		buf := make([]byte, n)
		copy(buf, data[pos:pos+n])
		buffers = append(buffers, buf)
		pos += n
	}
	return logIndex, buffers, nil
}
