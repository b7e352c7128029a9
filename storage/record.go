package storage

import (
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/CefBoud/monpost/compress"
	"github.com/CefBoud/monpost/serde"
	"github.com/CefBoud/monpost/types"
)

// RecordKind tells what a journal record holds
type RecordKind uint8

// Journal record kinds
const (
	RecordPostInfo RecordKind = 1
	RecordPacket   RecordKind = 2
	RecordAbort    RecordKind = 3
)

// recordHeaderSize is seq 8 + length 4
const recordHeaderSize = 12

// recordOverhead is crc 4 + kind 1 + attributes 1
const recordOverhead = 6

// maxRecordBody bounds a decompressed body: a full packet plus its post id and final flag
const maxRecordBody = types.MaxPacketSize + 9

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ErrCorruptRecord is returned for a record failing its CRC or otherwise unreadable
var ErrCorruptRecord = errors.New("corrupt record")

// Record is one journal entry. Body is kept uncompressed in memory.
type Record struct {
	Seq        uint64
	Kind       RecordKind
	Attributes uint8
	Body       []byte
}

// NewPostInfoRecord journals an accepted PostInfo
func NewPostInfoRecord(info types.PostInfo) Record {
	encoder := serde.NewEncoder()
	encoder.PutString(info.PosterID)
	encoder.PutString(info.Extension)
	encoder.PutInt64(info.ID)
	return Record{Kind: RecordPostInfo, Body: encoder.Bytes()}
}

// NewPacketRecord journals an accepted packet
func NewPacketRecord(p types.Packet) Record {
	encoder := serde.NewEncoder()
	encoder.PutInt64(p.PostID)
	encoder.PutBool(p.Final)
	encoder.PutBytes(p.Payload)
	return Record{Kind: RecordPacket, Body: encoder.Bytes()}
}

// NewAbortRecord journals a dropped post
func NewAbortRecord(postID uint64) Record {
	encoder := serde.NewEncoder()
	encoder.PutInt64(postID)
	return Record{Kind: RecordAbort, Body: encoder.Bytes()}
}

// PostInfo decodes a RecordPostInfo body
func (r Record) PostInfo() (types.PostInfo, error) {
	decoder := serde.NewDecoder(r.Body)
	info := types.PostInfo{PosterID: decoder.String(), Extension: decoder.String(), ID: decoder.UInt64()}
	if err := decoder.Err(); err != nil {
		return info, fmt.Errorf("%w: post info at seq %d: %v", ErrCorruptRecord, r.Seq, err)
	}
	return info, nil
}

// Packet decodes a RecordPacket body
func (r Record) Packet() (types.Packet, error) {
	decoder := serde.NewDecoder(r.Body)
	p := types.Packet{PostID: decoder.UInt64(), Final: decoder.Bool()}
	p.Payload = decoder.GetRemainingBytes()
	if err := decoder.Err(); err != nil {
		return p, fmt.Errorf("%w: packet at seq %d: %v", ErrCorruptRecord, r.Seq, err)
	}
	return p, nil
}

// PostID decodes a RecordAbort body
func (r Record) PostID() (uint64, error) {
	decoder := serde.NewDecoder(r.Body)
	id := decoder.UInt64()
	if err := decoder.Err(); err != nil {
		return 0, fmt.Errorf("%w: abort at seq %d: %v", ErrCorruptRecord, r.Seq, err)
	}
	return id, nil
}

// WriteRecord encodes a record as
// `seq 8 | length 4 | crc 4 | kind 1 | attributes 1 | body`,
// length covering everything after itself and the CRC covering kind, attributes and body.
// The body is compressed according to the attributes.
func WriteRecord(r Record) ([]byte, error) {
	body, err := compress.Compress(r.Attributes, r.Body)
	if err != nil {
		return nil, err
	}
	checkSummed := serde.NewEncoder()
	checkSummed.PutInt8(uint8(r.Kind))
	checkSummed.PutInt8(r.Attributes)
	checkSummed.PutBytes(body)
	crc := crc32.Checksum(checkSummed.Bytes(), crcTable)

	encoder := serde.NewEncoder()
	encoder.PutInt64(r.Seq)
	encoder.PutInt32(uint32(4 + checkSummed.Len()))
	encoder.PutInt32(crc)
	encoder.PutBytes(checkSummed.Bytes())
	return encoder.Bytes(), nil
}

// ReadRecord decodes the record at the start of b and returns it with its encoded size
func ReadRecord(b []byte) (Record, int, error) {
	if len(b) < recordHeaderSize {
		return Record{}, 0, fmt.Errorf("%w: truncated header", ErrCorruptRecord)
	}
	decoder := serde.NewDecoder(b)
	r := Record{Seq: decoder.UInt64()}
	length := int(decoder.UInt32())
	if length < recordOverhead || len(b)-recordHeaderSize < length {
		return Record{}, 0, fmt.Errorf("%w: truncated record at seq %d", ErrCorruptRecord, r.Seq)
	}
	crc := decoder.UInt32()
	checkSummed := decoder.GetNBytes(length - 4)
	if crc32.Checksum(checkSummed, crcTable) != crc {
		return Record{}, 0, fmt.Errorf("%w: CRC mismatch at seq %d", ErrCorruptRecord, r.Seq)
	}
	r.Kind = RecordKind(checkSummed[0])
	r.Attributes = checkSummed[1]
	body, err := compress.Decompress(r.Attributes, checkSummed[2:], maxRecordBody)
	if err != nil {
		return Record{}, 0, fmt.Errorf("%w: seq %d: %v", ErrCorruptRecord, r.Seq, err)
	}
	r.Body = body
	return r, recordHeaderSize + length, nil
}
