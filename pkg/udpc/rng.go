package udpc

import (
	"math/rand"
	"sync"
	"time"
)

// seededRNG wraps math/rand with its own mutex since the generator is
// shared by a Context's tick and any concurrently-servicing API call that
// needs randomness (connection-id allocation).
type seededRNG struct {
	mu  sync.Mutex
	src *rand.Rand
}

func newSeededRNG(seed int64) *seededRNG {
	return &seededRNG{src: rand.New(rand.NewSource(seed))}
}

func newWallClockSeededRNG() *seededRNG {
	return newSeededRNG(time.Now().UnixNano())
}

func (r *seededRNG) Uint32() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.src.Uint32()
}

// allocateConnectionID draws uniformly from [0, 2^28) until it finds a value
// not already present in use.
func (r *seededRNG) allocateConnectionID(inUse func(id uint32) bool) uint32 {
	for {
		id := r.Uint32() & connIDMask
		if !inUse(id) {
			return id
		}
	}
}
