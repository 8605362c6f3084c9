package hub

import (
	"fmt"
	"sort"

	"github.com/mattjoyce/dumpsys/internal/config"
)

// FromConfig builds a hub with one ExecProxy per configured service.
func FromConfig(cfg *config.Config) (*Hub, error) {
	h := New(
		WithGracePeriod(cfg.Hub.GracePeriod),
		WithPollInterval(cfg.Hub.PollInterval),
	)
	for _, name := range cfg.ServiceNames() {
		if err := h.Register(name, execProxyFor(name, cfg.Services[name])); err != nil {
			return nil, fmt.Errorf("register service %q: %w", name, err)
		}
	}
	return h, nil
}

func execProxyFor(name string, sc config.ServiceConf) *ExecProxy {
	p := NewExecProxy(name, sc.Command, sc.Args...)
	p.Dir = sc.Dir
	p.Timeout = sc.Timeout

	keys := make([]string, 0, len(sc.Env))
	for k := range sc.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		p.Env = append(p.Env, k+"="+sc.Env[k])
	}
	return p
}
