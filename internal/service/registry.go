// Package service holds the external integration surface: the registry of
// callable services used by call_service actions and rule lookups, and the
// baseline store consulted by baseline conditions.
package service

import (
	"context"
	"sort"
	"sync"

	"github.com/hamicek/noex-rules-sub008/internal/rule"
)

// Service is a callable external integration. Method signatures are
// dynamic: an argument array in, any value out.
type Service interface {
	Invoke(ctx context.Context, method string, args []any) (any, error)
}

// Func adapts a map of method implementations into a Service.
type Func map[string]func(ctx context.Context, args []any) (any, error)

// Invoke dispatches to the named method.
func (f Func) Invoke(ctx context.Context, method string, args []any) (any, error) {
	fn, ok := f[method]
	if !ok {
		return nil, rule.NewNotFound("method", method)
	}
	return fn(ctx, args)
}

// Registry maps service names to implementations. Registering an existing
// name replaces it, so embedders can swap integrations without restarting.
type Registry struct {
	mu       sync.RWMutex
	services map[string]Service
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]Service)}
}

// Register adds or replaces the named service.
func (r *Registry) Register(name string, svc Service) error {
	if name == "" {
		return rule.NewInvalidArgument("service name is required")
	}
	if svc == nil {
		return rule.NewInvalidArgument("service %q: implementation is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[name] = svc
	return nil
}

// Unregister removes the named service.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.services[name]
	delete(r.services, name)
	return ok
}

// Invoke calls method on the named service.
func (r *Registry) Invoke(ctx context.Context, service, method string, args []any) (any, error) {
	r.mu.RLock()
	svc, ok := r.services[service]
	r.mu.RUnlock()
	if !ok {
		return nil, rule.NewNotFound("service", service)
	}
	return svc.Invoke(ctx, method, args)
}

// Has reports whether the named service is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.services[name]
	return ok
}

// Names returns the registered service names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
