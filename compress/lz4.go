package compress

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/pierrec/lz4/v4"
)

// LZ4Compressor implements Compressor interface
type LZ4Compressor struct{}

var (
	lz4WriterPool = sync.Pool{
		New: func() any {
			return lz4.NewWriter(nil)
		},
	}
	lz4ReaderPool = sync.Pool{
		New: func() any {
			return lz4.NewReader(nil)
		},
	}
)

// Compress takes in data and applies LZ4 to it
func (c *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := lz4WriterPool.Get().(*lz4.Writer)
	writer.Reset(&buf)
	defer lz4WriterPool.Put(writer)

	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("lz4 close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress decompresses LZ4-compressed data
func (c *LZ4Compressor) Decompress(data []byte, limit int) ([]byte, error) {
	reader := lz4ReaderPool.Get().(*lz4.Reader)
	reader.Reset(bytes.NewReader(data))
	defer lz4ReaderPool.Put(reader)

	var r io.Reader = reader
	if limit > 0 {
		r = io.LimitReader(reader, int64(limit)+1)
	}
	var decompressed bytes.Buffer
	if _, err := decompressed.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if limit > 0 && decompressed.Len() > limit {
		return nil, sizeExceeded(decompressed.Len(), limit)
	}
	return decompressed.Bytes(), nil
}
