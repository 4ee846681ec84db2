package task

import "sync"

// Guard implements the one-OTF-per-host policy. At most one task holds the
// slot; claiming it while another task holds it displaces that task.
type Guard struct {
	mu     sync.Mutex
	holder int64
}

// NewGuard returns an empty guard.
func NewGuard() *Guard {
	return &Guard{}
}

// Claim makes taskID the holder and returns the previously holding task ids.
// Claiming a slot you already hold is a no-op.
func (g *Guard) Claim(taskID int64) []int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.holder == taskID {
		return nil
	}
	var displaced []int64
	if g.holder != 0 {
		displaced = []int64{g.holder}
	}
	g.holder = taskID
	return displaced
}

// Release frees the slot if taskID holds it.
func (g *Guard) Release(taskID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.holder == taskID {
		g.holder = 0
	}
}

// Holder reports the current slot owner, zero when free.
func (g *Guard) Holder() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holder
}
