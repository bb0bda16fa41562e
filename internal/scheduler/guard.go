package scheduler

import "sync/atomic"

// cycleGuard admits one cycle at a time. It never queues: a second claim
// while held simply fails.
type cycleGuard struct {
	running atomic.Bool
}

func (g *cycleGuard) tryAcquire() bool {
	return g.running.CompareAndSwap(false, true)
}

func (g *cycleGuard) release() {
	g.running.Store(false)
}

func (g *cycleGuard) held() bool {
	return g.running.Load()
}
