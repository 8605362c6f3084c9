package dumpsys

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/mattjoyce/dumpsys/internal/binder"
	"github.com/mattjoyce/dumpsys/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

// staticHandle is a Handle with a fixed proxy; a nil proxy makes it a dead stub.
type staticHandle struct {
	proxy binder.Proxy
}

func (h staticHandle) AsCallable() (binder.Proxy, bool) {
	return h.proxy, h.proxy != nil
}

// mapResolver resolves names from a fixed map.
type mapResolver struct {
	handles  map[string]binder.Handle
	initErr  error
	initCall int
}

func (r *mapResolver) Resolve(_ context.Context, name string) (binder.Handle, bool) {
	h, ok := r.handles[name]
	return h, ok
}

func (r *mapResolver) InitProcess() error {
	r.initCall++
	return r.initErr
}

// writeText returns a proxy that writes text, closes the sink and reports code.
func writeText(text string, code binder.StatusCode) binder.ProxyFunc {
	return func(sink *os.File, _ []string) error {
		defer sink.Close()
		if _, err := io.WriteString(sink, text); err != nil {
			return binder.StatusDeadObject
		}
		if code.IsOK() {
			return nil
		}
		return code
	}
}

func textHandle(text string) binder.Handle {
	return staticHandle{proxy: writeText(text, binder.StatusOK)}
}
