package compress

import (
	"errors"
	"fmt"
	"strings"
)

// CompressionType represents one of the supported compression types
type CompressionType uint8

// Compression types, stored in the low 3 bits of a packet or record attributes byte
const (
	NONE   CompressionType = 0
	GZIP   CompressionType = 1
	SNAPPY CompressionType = 2
	LZ4    CompressionType = 3
	ZSTD   CompressionType = 4
)

// AttributeMask selects the compression bits of an attributes byte
const AttributeMask = 0x07

// ErrSizeExceeded is returned when decompressed data would grow past the caller's limit
var ErrSizeExceeded = errors.New("decompressed size exceeds limit")

func sizeExceeded(size, limit int) error {
	return fmt.Errorf("%w: %d > %d bytes", ErrSizeExceeded, size, limit)
}

var compressors = map[CompressionType]Compressor{
	NONE:   nil,
	GZIP:   &GzipCompressor{},
	SNAPPY: &SnappyCompressor{},
	LZ4:    &LZ4Compressor{},
	ZSTD:   &ZSTDCompressor{},
}

var names = map[CompressionType]string{
	NONE:   "none",
	GZIP:   "gzip",
	SNAPPY: "snappy",
	LZ4:    "lz4",
	ZSTD:   "zstd",
}

func (c CompressionType) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", uint8(c))
}

// ParseCompressionType maps a configuration value such as "zstd" to its type
func ParseCompressionType(s string) (CompressionType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return NONE, nil
	}
	for c, n := range names {
		if n == s {
			return c, nil
		}
	}
	return NONE, fmt.Errorf("unknown compression type %q", s)
}

// GetCompressor returns the Compressor selected by an attributes byte, nil for NONE
func GetCompressor(attributes uint8) Compressor {
	return compressors[CompressionType(attributes&AttributeMask)]
}

// Compress applies the compressor selected by attributes, returning data unchanged for NONE
func Compress(attributes uint8, data []byte) ([]byte, error) {
	c := GetCompressor(attributes)
	if c == nil {
		if CompressionType(attributes&AttributeMask) != NONE {
			return nil, fmt.Errorf("unsupported compression attribute %d", attributes&AttributeMask)
		}
		return data, nil
	}
	return c.Compress(data)
}

// Decompress reverses Compress. A positive limit bounds the decompressed size,
// decoding stops with ErrSizeExceeded as soon as it is crossed.
func Decompress(attributes uint8, data []byte, limit int) ([]byte, error) {
	c := GetCompressor(attributes)
	if c == nil {
		if CompressionType(attributes&AttributeMask) != NONE {
			return nil, fmt.Errorf("unsupported compression attribute %d", attributes&AttributeMask)
		}
		if limit > 0 && len(data) > limit {
			return nil, sizeExceeded(len(data), limit)
		}
		return data, nil
	}
	return c.Decompress(data, limit)
}

// Compressor represents one of the supported compressors
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	// Decompress decodes data, producing at most limit bytes when limit > 0
	Decompress(data []byte, limit int) ([]byte, error)
}
