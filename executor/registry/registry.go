// Package registry resolves trainable names to factories. The registry is
// an explicit dependency of whoever constructs and starts trials, so
// resolution failures stay easy to test.
package registry

import (
	"sync"

	derror "github.com/hanfei1991/tuneflow/pkg/errors"
	"github.com/hanfei1991/tuneflow/substrate"
)

// Factory builds the trainable a trial runs.
type Factory = substrate.TrainableFactory

type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register binds a name to a factory. Registering the same name twice is
// an error.
func (r *Registry) Register(name string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return derror.ErrTrainableDuplicate.GenWithStackByArgs(name)
	}
	r.factories[name] = factory
	return nil
}

// Resolve looks up the factory for a name.
func (r *Registry) Resolve(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[name]
	if !ok {
		return nil, derror.ErrTrainableNotFound.GenWithStackByArgs(name)
	}
	return factory, nil
}
