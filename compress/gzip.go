package compress

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"sync"
)

var (
	gzipWriterPool = sync.Pool{
		New: func() any {
			return gzip.NewWriter(nil)
		},
	}
	// no New: gzip.NewReader can fail
	gzipReaderPool sync.Pool
)

// GzipCompressor implements Compressor interface
type GzipCompressor struct{}

// Compress takes in data and applies gzip to it
func (c *GzipCompressor) Compress(data []byte) ([]byte, error) {
	var compressed bytes.Buffer
	gzipWriter := gzipWriterPool.Get().(*gzip.Writer)
	defer gzipWriterPool.Put(gzipWriter)
	gzipWriter.Reset(&compressed)

	if _, err := gzipWriter.Write(data); err != nil {
		return nil, fmt.Errorf("gzip compress: %w", err)
	}
	if err := gzipWriter.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return compressed.Bytes(), nil
}

// Decompress decompresses gzip-compressed data
func (c *GzipCompressor) Decompress(data []byte, limit int) ([]byte, error) {
	var err error
	gzipReader, found := gzipReaderPool.Get().(*gzip.Reader)
	bytesReader := bytes.NewReader(data)
	if found {
		err = gzipReader.Reset(bytesReader)
	} else {
		gzipReader, err = gzip.NewReader(bytesReader)
	}
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer gzipReaderPool.Put(gzipReader)

	var r io.Reader = gzipReader
	if limit > 0 {
		r = io.LimitReader(gzipReader, int64(limit)+1)
	}
	decompressed, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip decompress: %w", err)
	}
	if limit > 0 && len(decompressed) > limit {
		return nil, sizeExceeded(len(decompressed), limit)
	}
	if err := gzipReader.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return decompressed, nil
}
