package dumpsys

import (
	"errors"
	"fmt"
	"io"

	"github.com/mattjoyce/dumpsys/internal/binder"
)

var (
	// ErrServiceNotExist is returned when name resolution fails.
	ErrServiceNotExist = errors.New("service not exist")

	// ErrNoEntryFound is returned by Dumpsys.Dump and Dumpsys.Remove for names
	// that were never inserted or have been removed.
	ErrNoEntryFound = errors.New("no such entry found in dumpsys cache")

	// ErrInvalidMethod is reserved for a sink type mismatch. The documented
	// API never returns it.
	ErrInvalidMethod = errors.New("invalid method call for current sink type")

	// ErrWorkerGone is returned when a task is submitted after the worker
	// began shutting down. It wraps io.ErrClosedPipe.
	ErrWorkerGone = fmt.Errorf("worker dropped receiver: %w", io.ErrClosedPipe)
)

// StatusError reports a remote dump that completed with a non-OK status.
type StatusError struct {
	Service string
	Code    binder.StatusCode
	// Output holds whatever the service wrote before failing. Dump never
	// returns it as a success value.
	Output string
}

func (e *StatusError) Error() string {
	if e.Service == "" {
		return fmt.Sprintf("dump failed: %s", e.Code)
	}
	return fmt.Sprintf("dump %q failed: %s", e.Service, e.Code)
}

// Is matches another *StatusError with the same code, or the bare StatusCode.
func (e *StatusError) Is(target error) bool {
	switch t := target.(type) {
	case *StatusError:
		return t.Code == e.Code
	case binder.StatusCode:
		return t == e.Code
	}
	return false
}

// Unwrap exposes the status code so errors.As(err, &binder.StatusCode) works.
func (e *StatusError) Unwrap() error { return e.Code }
