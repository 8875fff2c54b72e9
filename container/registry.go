package container

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/ruteri/octagon-trust/interfaces"
)

// Factory builds the container for a key on first use.
type Factory func(ctx context.Context, key interfaces.ContainerKey) (*Container, error)

// Registry owns the containers of a process, keyed by (account, context).
type Registry struct {
	mu         sync.Mutex
	containers map[interfaces.ContainerKey]*Container
	factory    Factory
}

func NewRegistry(factory Factory) *Registry {
	return &Registry{
		containers: make(map[interfaces.ContainerKey]*Container),
		factory:    factory,
	}
}

func normalizeKey(key interfaces.ContainerKey) interfaces.ContainerKey {
	if key.ContextID == "" {
		key.ContextID = interfaces.DefaultContextID
	}
	return key
}

// GetOrCreate returns the container for key, creating it with the factory.
func (r *Registry) GetOrCreate(ctx context.Context, key interfaces.ContainerKey) (*Container, error) {
	key = normalizeKey(key)

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.containers[key]; ok {
		return c, nil
	}
	c, err := r.factory(ctx, key)
	if err != nil {
		return nil, err
	}
	r.containers[key] = c
	return c, nil
}

// Get returns an existing container.
func (r *Registry) Get(key interfaces.ContainerKey) (*Container, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[normalizeKey(key)]
	return c, ok
}

// Insert adds a container built elsewhere. A key can only be registered once.
func (r *Registry) Insert(c *Container) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.containers[c.Key()]; ok {
		return interfaces.NewError(interfaces.CodeInvalidArgument, "container %s already registered", c.Key())
	}
	r.containers[c.Key()] = c
	return nil
}

// Remove closes and forgets a container. Its persisted state is kept.
func (r *Registry) Remove(key interfaces.ContainerKey) bool {
	key = normalizeKey(key)

	r.mu.Lock()
	c, ok := r.containers[key]
	delete(r.containers, key)
	r.mu.Unlock()

	if ok {
		c.Close()
	}
	return ok
}

// Clear closes and forgets every container.
func (r *Registry) Clear() {
	r.mu.Lock()
	containers := r.containers
	r.containers = make(map[interfaces.ContainerKey]*Container)
	r.mu.Unlock()

	for _, c := range containers {
		c.Close()
	}
}

// Keys lists the registered containers in a stable order.
func (r *Registry) Keys() []interfaces.ContainerKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]interfaces.ContainerKey, 0, len(r.containers))
	for k := range r.containers {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b interfaces.ContainerKey) int {
		return strings.Compare(a.String(), b.String())
	})
	return keys
}
