package types

import (
	"crypto/sha256"
	"encoding/binary"
)

const routingLanes = 4

// RoutingHash derives a 32-bit routing value from a topic name, the topic's only identity.
// The SHA-256 digest is split into four lanes, each lane is XOR-folded into
// one byte and the four bytes are read as a big-endian signed integer.
func RoutingHash(name string) int32 {
	digest := sha256.Sum256([]byte(name))
	width := len(digest) / routingLanes
	var folded [routingLanes]byte
	for lane := 0; lane < routingLanes; lane++ {
		for _, b := range digest[lane*width : (lane+1)*width] {
			folded[lane] ^= b
		}
	}
	return int32(binary.BigEndian.Uint32(folded[:]))
}

// OwnerIndex applies the ownership rule for a broker that knows `peers` other brokers.
// A result equal to peers means the broker itself owns the topic.
func OwnerIndex(name string, peers int) int {
	h := int64(RoutingHash(name))
	if h < 0 {
		h = -h
	}
	return int(h % int64(peers+1))
}
