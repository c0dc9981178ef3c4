package changeset

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/blake2b"

	"github.com/veloxdb/veloxdb/pkg/veloxerr"
)

const checksumSize = 32

// Seal compresses data and prefixes it with a blake2b-256 checksum of
// the uncompressed payload, producing the buffer handed to the
// persister. Checksumming the uncompressed form lets a corrupt
// compressed buffer surface as a decompression error while a bit-flip
// that happens to decompress cleanly is still caught against the
// original bytes.
func Seal(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("changeset: new zstd encoder: %w", err)
	}
	defer enc.Close()

	sum := blake2b.Sum256(data)
	compressed := enc.EncodeAll(data, make([]byte, 0, len(data)))

	out := make([]byte, 0, checksumSize+len(compressed))
	out = append(out, sum[:]...)
	out = append(out, compressed...)
	return out, nil
}

// Unseal reverses Seal, rejecting the buffer if the checksum does not
// match the decompressed payload.
func Unseal(framed []byte) ([]byte, error) {
	if len(framed) < checksumSize {
		return nil, fmt.Errorf("%w: sealed buffer too short", veloxerr.InvalidChangeset)
	}
	want := framed[:checksumSize]
	compressed := framed[checksumSize:]

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("changeset: new zstd decoder: %w", err)
	}
	defer dec.Close()

	data, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", veloxerr.InvalidChangeset, err)
	}

	got := blake2b.Sum256(data)
	if !bytes.Equal(got[:], want) {
		return nil, fmt.Errorf("%w: checksum mismatch", veloxerr.InvalidChangeset)
	}
	return data, nil
}
