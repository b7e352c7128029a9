package compress

import (
	"bytes"
	"encoding/binary"
	"fmt"

	xerial "github.com/eapache/go-xerial-snappy"
	"github.com/golang/snappy"
)

// SnappyCompressor writes plain snappy blocks and reads both plain blocks and
// the xerial framing, a magic header followed by length-prefixed snappy blocks.
type SnappyCompressor struct{}

var xerialMagic = []byte{0x82, 'S', 'N', 'A', 'P', 'P', 'Y', 0}

// xerialBlocksOffset skips the magic and the two version words
const xerialBlocksOffset = 16

// Compress takes in data and applies snappy to it
func (c *SnappyCompressor) Compress(data []byte) ([]byte, error) {
	return xerial.Encode(data), nil
}

// Decompress decompresses snappy-compressed data. The decoded length is read
// from the block headers and checked against limit before decoding.
func (c *SnappyCompressor) Decompress(data []byte, limit int) ([]byte, error) {
	if limit > 0 {
		size, err := snappyDecodedLen(data)
		if err != nil {
			return nil, fmt.Errorf("snappy decompress: %w", err)
		}
		if size > limit {
			return nil, sizeExceeded(size, limit)
		}
	}
	decompressed, err := xerial.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("snappy decompress: %w", err)
	}
	return decompressed, nil
}

func snappyDecodedLen(data []byte) (int, error) {
	if len(data) < len(xerialMagic) || !bytes.Equal(data[:len(xerialMagic)], xerialMagic) {
		return snappy.DecodedLen(data)
	}
	total := 0
	for pos := xerialBlocksOffset; pos+4 <= len(data); {
		size := int(binary.BigEndian.Uint32(data[pos:]))
		pos += 4
		if size < 0 || pos+size > len(data) || pos+size < pos {
			return 0, xerial.ErrMalformed
		}
		n, err := snappy.DecodedLen(data[pos : pos+size])
		if err != nil {
			return 0, err
		}
		total += n
		pos += size
	}
	return total, nil
}
