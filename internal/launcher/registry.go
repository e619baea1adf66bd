package launcher

import "sync"

// Factory constructs a launcher instance for a start method.
type Factory func() Launcher

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes a start method available to NewRegistry. Registering a name
// twice replaces the earlier factory.
func Register(name string, factory Factory) {
	if name == "" {
		panic("launcher.Register: name must not be empty")
	}
	if factory == nil {
		panic("launcher.Register: factory must not be nil")
	}
	factoriesMu.Lock()
	factories[name] = factory
	factoriesMu.Unlock()
}

// NewRegistry instantiates every registered start method.
func NewRegistry() Registry {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	reg := make(Registry, len(factories))
	for name, factory := range factories {
		reg[name] = factory()
	}
	return reg
}
