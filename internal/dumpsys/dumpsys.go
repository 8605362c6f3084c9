package dumpsys

import (
	"context"
	"fmt"
	"runtime"
	"slices"
	"sync"

	"github.com/mattjoyce/dumpsys/internal/binder"
	"github.com/mattjoyce/dumpsys/internal/log"
)

// initRuntime performs best-effort process runtime setup. Failures are
// ignored: a runtime that did not come up shows as failed lookups later.
func initRuntime(r binder.Resolver) {
	if in, ok := r.(binder.Initializer); ok {
		if err := in.InitProcess(); err != nil {
			log.WithComponent("dumpsys").Debug("runtime init failed", "error", err)
		}
	}
}

func resolve(ctx context.Context, r binder.Resolver, name string) (binder.Handle, error) {
	h, ok := r.Resolve(ctx, name)
	if !ok || h == nil {
		return nil, fmt.Errorf("%w: %q", ErrServiceNotExist, name)
	}
	return h, nil
}

// Dump resolves name and dumps it once on a short-lived worker configured
// by opts. Nothing is cached.
//
//	dumpsys SurfaceFlinger --latency
//
// is equivalent to
//
//	out, err := dumpsys.Dump(ctx, hub, "SurfaceFlinger", []string{"--latency"})
func Dump(ctx context.Context, r binder.Resolver, name string, args []string, opts ...Option) (string, error) {
	initRuntime(r)

	h, err := resolve(ctx, r, name)
	if err != nil {
		return "", err
	}

	w := Spawn(opts...)
	defer w.Close()
	return perform(w, name, h, args)
}

// stopWhenUnreachable closes w once owner is garbage collected, so a client
// dropped without Close does not leak its worker goroutine. The worker must
// not reference owner.
func stopWhenUnreachable[T any](owner *T, w *Worker) {
	runtime.AddCleanup(owner, func(w *Worker) { w.Close() }, w)
}

// Bound is a client tied to one service resolved at construction. It owns a
// dedicated worker.
type Bound struct {
	name   string
	handle binder.Handle
	worker *Worker
}

// NewBound resolves name, blocking for the resolver's grace period if the
// service has not registered yet.
func NewBound(ctx context.Context, r binder.Resolver, name string, opts ...Option) (*Bound, error) {
	initRuntime(r)

	h, err := resolve(ctx, r, name)
	if err != nil {
		return nil, err
	}
	b := &Bound{
		name:   name,
		handle: h,
		worker: Spawn(opts...),
	}
	stopWhenUnreachable(b, b.worker)
	return b, nil
}

// Name returns the bound service name.
func (b *Bound) Name() string { return b.name }

// Dump runs the bound service's dump with args.
func (b *Bound) Dump(args ...string) (string, error) {
	out, err := perform(b.worker, b.name, b.handle, args)
	runtime.KeepAlive(b)
	return out, err
}

// Close shuts down the worker after queued dumps complete.
func (b *Bound) Close() { b.worker.Close() }

// Done is closed once the worker has exited.
func (b *Bound) Done() <-chan struct{} { return b.worker.Done() }

// Dumpsys caches resolved service handles by name. Insert populates the
// cache; Dump never resolves on its own, so a miss is always visible as
// ErrNoEntryFound.
type Dumpsys struct {
	resolver binder.Resolver
	worker   *Worker

	mu       sync.RWMutex
	services map[string]binder.Handle
}

// New creates an empty cache backed by r, with its own worker.
func New(r binder.Resolver, opts ...Option) *Dumpsys {
	initRuntime(r)

	d := &Dumpsys{
		resolver: r,
		worker:   Spawn(opts...),
		services: make(map[string]binder.Handle),
	}
	stopWhenUnreachable(d, d.worker)
	return d
}

// Insert resolves name and stores its handle, reporting whether an existing
// entry was replaced. The previous entry is left untouched on failure.
func (d *Dumpsys) Insert(ctx context.Context, name string) (bool, error) {
	h, err := resolve(ctx, d.resolver, name)
	if err != nil {
		return false, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	_, replaced := d.services[name]
	d.services[name] = h
	return replaced, nil
}

// Remove evicts name and returns its handle.
func (d *Dumpsys) Remove(name string) (binder.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	h, ok := d.services[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoEntryFound, name)
	}
	delete(d.services, name)
	return h, nil
}

// Dump runs the cached service's dump with args.
func (d *Dumpsys) Dump(name string, args ...string) (string, error) {
	d.mu.RLock()
	h, ok := d.services[name]
	d.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrNoEntryFound, name)
	}
	out, err := perform(d.worker, name, h, args)
	runtime.KeepAlive(d)
	return out, err
}

// Names returns the cached service names, sorted.
func (d *Dumpsys) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.services))
	for name := range d.services {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Len returns the number of cached services.
func (d *Dumpsys) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.services)
}

// Pending returns the number of dumps waiting behind the one in flight.
func (d *Dumpsys) Pending() int { return d.worker.Pending() }

// Close shuts down the worker after queued dumps complete. Cached handles
// are kept; further dumps fail with ErrWorkerGone. A Dumpsys that becomes
// unreachable is closed by the garbage collector, but not promptly.
func (d *Dumpsys) Close() { d.worker.Close() }

// Done is closed once the worker has exited.
func (d *Dumpsys) Done() <-chan struct{} { return d.worker.Done() }
