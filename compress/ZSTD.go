package compress

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// ZSTDCompressor implements Compressor interface
type ZSTDCompressor struct{}

// encoders and decoders are expensive to build, pooled for reuse.
// Bounded decoders stop DecodeAll at the capacity of the destination.
var (
	zstdWriterPool, zstdReaderPool, zstdBoundedReaderPool sync.Pool
)

// Compress takes in data and applies ZSTD to it
func (c *ZSTDCompressor) Compress(data []byte) ([]byte, error) {
	encoder, found := zstdWriterPool.Get().(*zstd.Encoder)
	if !found {
		var err error
		// WithZeroFrames encodes 0 length input as a full frame
		encoder, err = zstd.NewWriter(nil, zstd.WithZeroFrames(true))
		if err != nil {
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
	}
	defer zstdWriterPool.Put(encoder)
	return encoder.EncodeAll(data, nil), nil
}

// Decompress decompresses ZSTD-compressed data
func (c *ZSTDCompressor) Decompress(data []byte, limit int) ([]byte, error) {
	pool := &zstdReaderPool
	var dst []byte
	if limit > 0 {
		pool = &zstdBoundedReaderPool
		dst = make([]byte, 0, limit)
	}
	decoder, found := pool.Get().(*zstd.Decoder)
	if !found {
		var err error
		decoder, err = zstd.NewReader(nil, zstd.WithDecodeAllCapLimit(limit > 0))
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
	}
	defer pool.Put(decoder)

	decompressed, err := decoder.DecodeAll(data, dst)
	if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
		return nil, fmt.Errorf("zstd decompress: %w: limit %d bytes", ErrSizeExceeded, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return decompressed, nil
}
