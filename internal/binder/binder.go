package binder

import (
	"context"
	"errors"
	"os"
)

//go:generate mockgen -destination=mocks/mock_binder.go -package=mocks github.com/mattjoyce/dumpsys/internal/binder Handle,Proxy,Resolver

// Handle is an opaque reference to a service object living in another
// process. Handles are shared freely; they are never mutated after resolution.
type Handle interface {
	// AsCallable returns a proxy for the remote object, or false when the
	// handle does not currently support calls (for example a dead stub).
	AsCallable() (Proxy, bool)
}

// Proxy is the callable side of a Handle.
type Proxy interface {
	// Dump writes diagnostic text into sink and closes it. A non-nil return
	// is a StatusCode; any other error is treated as StatusUnknownError. How
	// much was written before a failure is unspecified.
	Dump(sink *os.File, args []string) error
}

// Resolver turns a service name into a Handle. Resolve may block for a
// bounded grace period while the service registers.
type Resolver interface {
	Resolve(ctx context.Context, name string) (Handle, bool)
}

// Initializer is implemented by resolvers that need process-wide runtime
// setup before the first lookup. InitProcess must be idempotent.
type Initializer interface {
	InitProcess() error
}

// ProxyFunc adapts an ordinary function to the Proxy interface.
type ProxyFunc func(sink *os.File, args []string) error

// Dump calls f(sink, args).
func (f ProxyFunc) Dump(sink *os.File, args []string) error {
	return f(sink, args)
}

// StatusOf maps the error returned by Proxy.Dump onto the status code space.
func StatusOf(err error) StatusCode {
	if err == nil {
		return StatusOK
	}
	var code StatusCode
	if errors.As(err, &code) {
		return code
	}
	return StatusUnknownError
}
