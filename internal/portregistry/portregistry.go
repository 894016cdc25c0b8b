// Package portregistry allocates TCP ports for spawned agent instances
// out of a bounded range, preferring recently-released ports over
// scanning forward so the allocated set doesn't drift toward the top
// of the range over the daemon's lifetime.
package portregistry

import (
	"net"
	"strconv"
	"sync"

	"github.com/telegram-agentctl/controller/internal/ctlerr"
)

const (
	DefaultLo = 4097
	DefaultHi = 4200
)

// Registry tracks allocated and recently-released ports in [lo, hi).
type Registry struct {
	mu       sync.Mutex
	lo, hi   int
	used     map[int]bool
	released []int // FIFO, oldest first
}

// New creates a registry over the half-open range [lo, hi).
func New(lo, hi int) *Registry {
	return &Registry{
		lo:   lo,
		hi:   hi,
		used: make(map[int]bool),
	}
}

// IsPortAvailable reports whether a TCP listener can bind the port right
// now, using SO_REUSEADDR semantics (Go's net package enables address
// reuse by default on Listen).
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// Allocate picks the oldest released port that's bindable, or scans the
// range for the first free, bindable port.
func (r *Registry) Allocate() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for idx, p := range r.released {
		if IsPortAvailable(p) {
			r.released = append(r.released[:idx:idx], r.released[idx+1:]...)
			r.used[p] = true
			return p, nil
		}
	}

	for p := r.lo; p < r.hi; p++ {
		if r.used[p] {
			continue
		}
		if IsPortAvailable(p) {
			r.used[p] = true
			return p, nil
		}
	}

	return 0, ctlerr.ErrNoPortsAvailable
}

// AllocateSpecific reserves p if free, otherwise falls back to Allocate.
func (r *Registry) AllocateSpecific(p int) (int, error) {
	r.mu.Lock()
	if IsPortAvailable(p) {
		r.removeReleasedLocked(p)
		r.used[p] = true
		r.mu.Unlock()
		return p, nil
	}
	r.mu.Unlock()
	return r.Allocate()
}

// Release returns a port to the pool, appending it to the released FIFO.
func (r *Registry) Release(p int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.used, p)
	if p < r.lo || p >= r.hi {
		return
	}
	for _, existing := range r.released {
		if existing == p {
			return
		}
	}
	r.released = append(r.released, p)
}

// MarkUsed reserves a port without going through allocation, used when
// restoring instances from persisted state.
func (r *Registry) MarkUsed(p int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.used[p] = true
	r.removeReleasedLocked(p)
}

// UsedPorts returns a snapshot of the currently allocated ports.
func (r *Registry) UsedPorts() map[int]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int]bool, len(r.used))
	for p := range r.used {
		out[p] = true
	}
	return out
}

func (r *Registry) removeReleasedLocked(p int) {
	for idx, existing := range r.released {
		if existing == p {
			r.released = append(r.released[:idx:idx], r.released[idx+1:]...)
			return
		}
	}
}
