package reconcile

import "sync/atomic"

// Guard is a one-shot latch for the compensating write. It is owned by a single
// session and is never reset.
type Guard struct {
	issued atomic.Bool
}

// TryLatch returns true exactly once.
func (g *Guard) TryLatch() bool {
	return g.issued.CompareAndSwap(false, true)
}

func (g *Guard) Latched() bool {
	return g.issued.Load()
}
