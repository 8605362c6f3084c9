package dumpsys

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/mattjoyce/dumpsys/internal/binder"
)

// perform runs one dump of handle on w and blocks until the service closed
// the pipe. A non-OK status recorded by the worker wins over any output.
func perform(w *Worker, service string, handle binder.Handle, args []string) (string, error) {
	r, sink, err := os.Pipe()
	if err != nil {
		return "", fmt.Errorf("create pipe: %w", err)
	}
	defer r.Close()

	t := &task{
		service: service,
		args:    slices.Clone(args),
		sink:    sink,
		handle:  handle,
		status:  new(atomic.Int32),
		done:    make(chan struct{}),
	}
	if err := w.Submit(t); err != nil {
		_ = sink.Close()
		return "", fmt.Errorf("broken pipe: %w", err)
	}

	var buf strings.Builder
	if _, err := io.Copy(&buf, r); err != nil {
		return "", fmt.Errorf("read dump output: %w", err)
	}
	<-t.done

	if code := binder.StatusCode(t.status.Load()); !code.IsOK() {
		return "", &StatusError{Service: service, Code: code, Output: buf.String()}
	}
	return buf.String(), nil
}
