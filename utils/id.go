package utils

import (
	"math/rand/v2"
	"sync"
	"time"
)

const idRandomBits = 20

// IDGenerator hands out post identifiers: the millisecond clock in the high bits,
// random low bits to keep concurrent publishers apart. Identifiers from one
// generator are strictly increasing and never zero.
type IDGenerator struct {
	mu   sync.Mutex
	last uint64
	now  func() time.Time
}

// NewIDGenerator returns a generator driven by the wall clock
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{now: time.Now}
}

// Next returns a fresh identifier
func (g *IDGenerator) Next() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := uint64(g.now().UnixMilli())<<idRandomBits | uint64(rand.IntN(1<<idRandomBits))
	if id <= g.last {
		id = g.last + 1
	}
	if id == 0 {
		id = 1
	}
	g.last = id
	return id
}
