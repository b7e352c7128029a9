package serde

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeDecode(t *testing.T) {
	as := assert.New(t)
	e := NewEncoder()
	e.PutInt64(1 << 40)
	e.PutInt32(7)
	e.PutInt16(3)
	e.PutInt8(9)
	e.PutBool(true)
	e.PutString("cats")
	e.PutLenBytes([]byte{1, 2, 3})
	e.PutBytes([]byte("tail"))

	d := NewDecoder(e.Bytes())
	as.Equal(uint64(1<<40), d.UInt64())
	as.Equal(uint32(7), d.UInt32())
	as.Equal(uint16(3), d.UInt16())
	as.Equal(uint8(9), d.UInt8())
	as.True(d.Bool())
	as.Equal("cats", d.String())
	as.Equal([]byte{1, 2, 3}, d.LenBytes())
	as.Equal([]byte("tail"), d.GetRemainingBytes())
	as.NoError(d.Err())
	as.Zero(d.Remaining())
}

func TestPutLen(t *testing.T) {
	e := NewEncoder()
	e.PutBytes([]byte("abc"))
	e.PutLen()
	assert.Equal(t, []byte{0, 0, 0, 3, 'a', 'b', 'c'}, e.Bytes())
}

func TestShortBuffer(t *testing.T) {
	as := assert.New(t)
	d := NewDecoder([]byte{0, 1})
	as.Zero(d.UInt32())
	as.True(errors.Is(d.Err(), ErrShortBuffer))
	// sticky
	as.Zero(d.UInt8())
	as.Error(d.Err())
}

func TestLenBytesTruncated(t *testing.T) {
	e := NewEncoder()
	e.PutInt32(10)
	e.PutBytes([]byte{1, 2})
	d := NewDecoder(e.Bytes())
	assert.Nil(t, d.LenBytes())
	assert.ErrorIs(t, d.Err(), ErrShortBuffer)
}
