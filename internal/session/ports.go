package session

import (
	"fmt"
	"sync"

	apperrors "github.com/conduithq/conduit/internal/common/errors"
)

// PortPool hands out bridge ports from the configured inclusive range.
// Allocation returns the lowest unused port; exhaustion is a conflict error.
type PortPool struct {
	start int
	end   int

	mu    sync.Mutex
	inUse map[int]bool
}

// NewPortPool creates a pool over the closed interval [start, end].
func NewPortPool(start, end int) *PortPool {
	return &PortPool{
		start: start,
		end:   end,
		inUse: make(map[int]bool),
	}
}

// Allocate reserves and returns the lowest free port.
func (p *PortPool) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for port := p.start; port <= p.end; port++ {
		if !p.inUse[port] {
			p.inUse[port] = true
			return port, nil
		}
	}
	return 0, apperrors.Conflict(fmt.Sprintf("bridge port pool exhausted (%d-%d)", p.start, p.end))
}

// Release returns a port to the pool. Releasing an unallocated port is a
// no-op.
func (p *PortPool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inUse, port)
}

// Reserve marks a specific port as in use, if it is inside the range and
// free. Used when re-adopting persisted state.
func (p *PortPool) Reserve(port int) bool {
	if port < p.start || port > p.end {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inUse[port] {
		return false
	}
	p.inUse[port] = true
	return true
}

// Allocated returns a snapshot of the ports currently in use.
func (p *PortPool) Allocated() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, 0, len(p.inUse))
	for port := range p.inUse {
		out = append(out, port)
	}
	return out
}
