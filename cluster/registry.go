package cluster

import (
	"fmt"
	"slices"
	"sync"

	"github.com/miladsoleymani/pubsub/core"
	"github.com/miladsoleymani/pubsub/plugins/noop"
)

// Factory creates a Driver from the given Config. It must not block on
// network I/O; drivers connect on first use.
type Factory func(cfg Config) (core.Driver, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

func init() {
	Register("noop", func(Config) (core.Driver, error) { return noop.New(), nil })
}

// Register adds a named backend factory. Plugins call this from init().
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[name] = factory
}

// Backends lists the registered backend names in sorted order.
func Backends() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// newDriver instantiates a driver by backend name using the registered factory.
func newDriver(cfg Config) (core.Driver, error) {
	mu.RLock()
	f, ok := factories[cfg.Backend]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	return f(cfg)
}
