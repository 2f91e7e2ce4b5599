package relay

import (
	"math/rand/v2"
	"sync/atomic"
)

// idAllocator hands out connection ids that are unique for the lifetime of
// the owning Manager. Counting starts at a random offset so two nodes opening
// connections to each other rarely pick the same id.
type idAllocator struct {
	next atomic.Uint64
}

func newIDAllocator() *idAllocator {
	a := &idAllocator{}
	a.next.Store(uint64(rand.Uint32()))
	return a
}

func (a *idAllocator) allocate() uint64 {
	for {
		if id := a.next.Add(1); id != 0 {
			return id
		}
	}
}
