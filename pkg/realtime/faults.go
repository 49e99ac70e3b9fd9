package realtime

import (
	"math/rand/v2"
	"sync"
)

// FaultPolicy decides whether to drop a healthy channel after a message, as
// if the transport had closed mid-stream. It is consulted on the loop.
type FaultPolicy interface {
	Disconnect(jobID string) bool
}

// NoFaults never injects a disconnect.
type NoFaults struct{}

// Disconnect implements FaultPolicy.
func (NoFaults) Disconnect(string) bool { return false }

// FaultFunc adapts a function to FaultPolicy.
type FaultFunc func(jobID string) bool

// Disconnect implements FaultPolicy.
func (f FaultFunc) Disconnect(jobID string) bool { return f(jobID) }

// RandomFaults drops channels with a fixed probability. It exists to exercise
// the reconnect path in demo mode.
type RandomFaults struct {
	mu   sync.Mutex
	p    float64
	rand *rand.Rand
}

// NewRandomFaults returns a policy that disconnects with probability p,
// clamped to [0, 1].
func NewRandomFaults(p float64, seed uint64) *RandomFaults {
	p = max(0, min(1, p))
	return &RandomFaults{p: p, rand: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Disconnect implements FaultPolicy.
func (r *RandomFaults) Disconnect(string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Float64() < r.p
}
