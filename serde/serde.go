package serde

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Encoding is Big Endian across the wire and on disk
var Encoding = binary.BigEndian

// ErrShortBuffer is returned by a Decoder reading past the end of its input
var ErrShortBuffer = errors.New("serde: short buffer")

// Encoder appends big-endian values to a growing byte slice
type Encoder struct {
	b []byte
}

// NewEncoder creates a new Encoder with a small initial buffer
func NewEncoder() Encoder {
	return Encoder{b: make([]byte, 0, 64)}
}

// PutInt64 encodes a uint64 value into the buffer
func (e *Encoder) PutInt64(i uint64) {
	e.b = Encoding.AppendUint64(e.b, i)
}

// PutInt32 encodes a uint32 value into the buffer
func (e *Encoder) PutInt32(i uint32) {
	e.b = Encoding.AppendUint32(e.b, i)
}

// PutInt16 encodes a uint16 value into the buffer
func (e *Encoder) PutInt16(i uint16) {
	e.b = Encoding.AppendUint16(e.b, i)
}

// PutInt8 encodes a uint8 value into the buffer
func (e *Encoder) PutInt8(i uint8) {
	e.b = append(e.b, i)
}

// PutBool encodes a boolean value into the buffer
func (e *Encoder) PutBool(b bool) {
	if b {
		e.b = append(e.b, 1)
		return
	}
	e.b = append(e.b, 0)
}

// PutString encodes a string prefixed with its uint16 length
func (e *Encoder) PutString(s string) {
	e.PutInt16(uint16(len(s)))
	e.b = append(e.b, s...)
}

// PutBytes appends raw bytes
func (e *Encoder) PutBytes(b []byte) {
	e.b = append(e.b, b...)
}

// PutLenBytes encodes a byte slice prefixed with its uint32 length
func (e *Encoder) PutLenBytes(b []byte) {
	e.PutInt32(uint32(len(b)))
	e.b = append(e.b, b...)
}

// PutLen prefixes the whole buffer with its uint32 length
func (e *Encoder) PutLen() {
	out := make([]byte, 4, 4+len(e.b))
	Encoding.PutUint32(out, uint32(len(e.b)))
	e.b = append(out, e.b...)
}

// Len is the number of bytes encoded so far
func (e *Encoder) Len() int {
	return len(e.b)
}

// Bytes returns the encoded data as a byte slice
func (e *Encoder) Bytes() []byte {
	return e.b
}

// Decoder reads big-endian values from a byte slice.
// The first out-of-range read sets Err and every later read returns zero values.
type Decoder struct {
	b      []byte
	Offset int
	err    error
}

// NewDecoder creates a Decoder over b
func NewDecoder(b []byte) *Decoder {
	return &Decoder{b: b}
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.Offset+n > len(d.b) {
		d.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortBuffer, n, d.Offset, len(d.b)-d.Offset)
		return nil
	}
	res := d.b[d.Offset : d.Offset+n]
	d.Offset += n
	return res
}

// UInt64 decodes a uint64
func (d *Decoder) UInt64() uint64 {
	if b := d.take(8); b != nil {
		return Encoding.Uint64(b)
	}
	return 0
}

// UInt32 decodes a uint32
func (d *Decoder) UInt32() uint32 {
	if b := d.take(4); b != nil {
		return Encoding.Uint32(b)
	}
	return 0
}

// UInt16 decodes a uint16
func (d *Decoder) UInt16() uint16 {
	if b := d.take(2); b != nil {
		return Encoding.Uint16(b)
	}
	return 0
}

// UInt8 decodes a single byte
func (d *Decoder) UInt8() uint8 {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

// Bool decodes a boolean
func (d *Decoder) Bool() bool {
	return d.UInt8() != 0
}

// String decodes a uint16 length-prefixed string
func (d *Decoder) String() string {
	n := int(d.UInt16())
	return string(d.take(n))
}

// GetNBytes returns the next n bytes
func (d *Decoder) GetNBytes(n int) []byte {
	return d.take(n)
}

// LenBytes decodes a uint32 length-prefixed byte slice
func (d *Decoder) LenBytes() []byte {
	n := int(d.UInt32())
	return d.take(n)
}

// GetRemainingBytes returns everything not consumed yet
func (d *Decoder) GetRemainingBytes() []byte {
	return d.take(len(d.b) - d.Offset)
}

// Remaining is the number of unread bytes
func (d *Decoder) Remaining() int {
	return len(d.b) - d.Offset
}

// Err returns the first decoding error, if any
func (d *Decoder) Err() error {
	return d.err
}
