// Package kernelservices implements the kernel-service registry described
// in spec.md section 9: "dynamic dispatch of kernel services maps to a
// registry keyed by service name holding a uniform handler signature
// (method: string, args: CapData) -> Future<CapData>". Kernel services are
// exposed to vats as ordinary object krefs owned by domain.OwnerKernel; a
// send to such a kref is routed here instead of to a VatSupervisor.
package kernelservices

import (
	"context"
	"fmt"
	"sync"

	"github.com/oriys/vatkernel/internal/db"
	"github.com/oriys/vatkernel/internal/domain"
	"github.com/oriys/vatkernel/internal/kstore"
)

// Handler answers one method call against a kernel service.
type Handler func(ctx context.Context, method string, args domain.CapData) (domain.CapData, error)

// Registry holds named kernel service handlers and the kernel-owned object
// krefs bound to them. A given service name is lazily allocated exactly one
// kref the first time a subcluster references it, and that kref is reused
// by every later launch, matching the "registered by name" phrasing in
// spec.md section 4.8 (services are kernel-wide, not per-subcluster).
type Registry struct {
	store kstore.KernelStore

	mu       sync.RWMutex
	handlers map[string]Handler
	krefs    map[string]domain.KRef
	names    map[domain.KRef]string
}

// New creates an empty Registry backed by store.
func New(store kstore.KernelStore) *Registry {
	return &Registry{
		store:    store,
		handlers: make(map[string]Handler),
		krefs:    make(map[string]domain.KRef),
		names:    make(map[domain.KRef]string),
	}
}

// Register installs (or replaces) the handler for a named service.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Has reports whether name is a registered service.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// Names returns every registered service name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		out = append(out, n)
	}
	return out
}

// KRefFor returns the kernel-owned object kref for name, allocating it on
// first use. Returns an error matching spec.md's "no registered kernel
// service '<name>'" wording if name was never Register-ed.
func (r *Registry) KRefFor(ctx context.Context, ex db.Executor, name string) (domain.KRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[name]; !ok {
		return "", fmt.Errorf("no registered kernel service '%s'", name)
	}
	if kref, ok := r.krefs[name]; ok {
		return kref, nil
	}

	kref, err := r.store.AllocateObject(ctx, ex, domain.OwnerKernel)
	if err != nil {
		return "", fmt.Errorf("allocate kernel service object for '%s': %w", name, err)
	}
	r.krefs[name] = kref
	r.names[kref] = name
	return kref, nil
}

// ServiceForKRef returns the service name bound to kref, if any.
func (r *Registry) ServiceForKRef(kref domain.KRef) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.names[kref]
	return name, ok
}

// Call dispatches method against the service bound to kref.
func (r *Registry) Call(ctx context.Context, kref domain.KRef, method string, args domain.CapData) (domain.CapData, error) {
	r.mu.RLock()
	name, ok := r.names[kref]
	if !ok {
		r.mu.RUnlock()
		return domain.CapData{}, fmt.Errorf("no kernel service bound to %s", kref)
	}
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return domain.CapData{}, fmt.Errorf("no registered kernel service '%s'", name)
	}
	return h(ctx, method, args)
}
