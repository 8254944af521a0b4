package mode

import (
	"sync"
	"sync/atomic"

	"github.com/snapp-incubator/frl-proxy/internal/config"
)

// Flag holds the proxy's current operational mode behind an atomic.Value so
// the request-handling hot path can read it without locking, while control
// updates go through a mutex to serialize writers.
type Flag struct {
	v    atomic.Value // config.Mode
	mu   sync.Mutex
}

// New builds a Flag initialized to the given mode.
func New(initial config.Mode) *Flag {
	f := &Flag{}
	f.v.Store(initial)
	return f
}

// Get returns the current mode.
func (f *Flag) Get() config.Mode {
	return f.v.Load().(config.Mode)
}

// Set installs a new mode, returning the previous one.
func (f *Flag) Set(m config.Mode) config.Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev := f.v.Load().(config.Mode)
	f.v.Store(m)
	return prev
}
