// Package hub is an in-process service manager. Services register a
// binder.Proxy under a name; clients resolve names to handles, waiting a
// bounded grace period for late registrations the way Android's service
// manager does.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/dumpsys/internal/binder"
	"github.com/mattjoyce/dumpsys/internal/log"
)

const (
	// DefaultGracePeriod is how long Resolve waits for a service to appear.
	DefaultGracePeriod = 5 * time.Second

	// DefaultPollInterval is the re-check interval while waiting.
	DefaultPollInterval = 100 * time.Millisecond
)

var ErrEmptyName = errors.New("service name is empty")

// Handle is the hub's binder.Handle. Unregistering a service kills its
// handles; a dead handle is no longer callable.
type Handle struct {
	name  string
	proxy binder.Proxy
	alive atomic.Bool
}

// Name returns the name the handle was registered under.
func (h *Handle) Name() string { return h.name }

// Alive reports whether the service is still registered.
func (h *Handle) Alive() bool { return h.alive.Load() }

// AsCallable implements binder.Handle.
func (h *Handle) AsCallable() (binder.Proxy, bool) {
	if !h.alive.Load() {
		return nil, false
	}
	return h.proxy, true
}

// Hub maps names to live handles.
type Hub struct {
	mu       sync.RWMutex
	services map[string]*Handle

	grace    time.Duration
	poll     time.Duration
	initOnce sync.Once
	inited   atomic.Bool
	logger   *slog.Logger
}

// Option configures a Hub.
type Option func(*Hub)

// WithGracePeriod sets how long Resolve waits for a missing service. Zero
// makes Resolve return immediately.
func WithGracePeriod(d time.Duration) Option {
	return func(h *Hub) {
		if d >= 0 {
			h.grace = d
		}
	}
}

// WithPollInterval sets the re-check interval used while waiting.
func WithPollInterval(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.poll = d
		}
	}
}

// New creates an empty hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		services: make(map[string]*Handle),
		grace:    DefaultGracePeriod,
		poll:     DefaultPollInterval,
		logger:   log.WithComponent("hub"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// InitProcess implements binder.Initializer. It is idempotent.
func (h *Hub) InitProcess() error {
	h.initOnce.Do(func() {
		h.inited.Store(true)
		h.logger.Debug("process runtime initialized", "grace_period", h.grace, "poll_interval", h.poll)
	})
	return nil
}

// Initialized reports whether InitProcess has run.
func (h *Hub) Initialized() bool { return h.inited.Load() }

// Register publishes proxy under name, replacing (and killing) any previous
// registration.
func (h *Hub) Register(name string, proxy binder.Proxy) error {
	if name == "" {
		return ErrEmptyName
	}
	if proxy == nil {
		return fmt.Errorf("register %q: proxy is nil", name)
	}

	handle := &Handle{name: name, proxy: proxy}
	handle.alive.Store(true)

	h.mu.Lock()
	prev := h.services[name]
	h.services[name] = handle
	h.mu.Unlock()

	if prev != nil {
		prev.alive.Store(false)
	}
	h.logger.Debug("service registered", "service", name, "replaced", prev != nil)
	return nil
}

// Unregister removes name and kills its handle. It reports whether the name
// was registered.
func (h *Hub) Unregister(name string) bool {
	h.mu.Lock()
	prev, ok := h.services[name]
	delete(h.services, name)
	h.mu.Unlock()

	if ok {
		prev.alive.Store(false)
		h.logger.Debug("service unregistered", "service", name)
	}
	return ok
}

// Names returns the registered service names, sorted.
func (h *Hub) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.services))
	for name := range h.services {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (h *Hub) lookup(name string) (*Handle, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	handle, ok := h.services[name]
	return handle, ok
}

// Resolve implements binder.Resolver. It waits up to the grace period for
// name to be registered, or until ctx is done.
func (h *Hub) Resolve(ctx context.Context, name string) (binder.Handle, bool) {
	if handle, ok := h.lookup(name); ok {
		return handle, true
	}
	if h.grace <= 0 {
		return nil, false
	}

	h.logger.Debug("waiting for service", "service", name, "grace_period", h.grace)

	deadline := time.NewTimer(h.grace)
	defer deadline.Stop()
	ticker := time.NewTicker(h.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-deadline.C:
			// One last look so a registration racing the deadline still counts.
			if handle, ok := h.lookup(name); ok {
				return handle, true
			}
			h.logger.Debug("service did not appear", "service", name)
			return nil, false
		case <-ticker.C:
			if handle, ok := h.lookup(name); ok {
				return handle, true
			}
		}
	}
}
