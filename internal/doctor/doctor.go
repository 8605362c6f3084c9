// Package doctor checks a dumpsys configuration for problems that parse-time
// validation cannot see: missing executables, unknown token scopes and
// settings that are legal but probably unintended.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/mattjoyce/dumpsys/internal/auth"
	"github.com/mattjoyce/dumpsys/internal/config"
)

type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

var knownScopes = map[string]bool{
	auth.ScopeAll:          true,
	auth.ScopeServicesRead: true,
	auth.ScopeServicesRW:   true,
	auth.ScopeDump:         true,
	auth.ScopeHistoryRead:  true,
	auth.ScopeEventsRead:   true,
}

type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
}

func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, lookPath: exec.LookPath}
}

// Check runs every check.
func (d *Doctor) Check() *Result {
	r := &Result{}

	d.checkServices(r)
	d.checkHub(r)
	d.checkHistory(r)
	d.checkAPI(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) checkServices(r *Result) {
	names := d.cfg.ServiceNames()
	if len(names) == 0 {
		addWarning(r, "services", "services", "no services configured; every dump will fail")
		return
	}
	for _, name := range names {
		svc := d.cfg.Services[name]
		field := "services." + name
		if _, err := d.lookPath(svc.Command); err != nil {
			addError(r, "services", field+".command", fmt.Sprintf("command %q not found: %v", svc.Command, err))
		}
		if svc.Dir != "" {
			if info, err := os.Stat(svc.Dir); err != nil || !info.IsDir() {
				addError(r, "services", field+".dir", fmt.Sprintf("working directory %q does not exist", svc.Dir))
			}
		}
		if svc.Timeout == 0 {
			addWarning(r, "services", field+".timeout", "no timeout; a hung command blocks every later dump")
		}
	}
}

func (d *Doctor) checkHub(r *Result) {
	if d.cfg.Hub.GracePeriod > 0 && d.cfg.Hub.PollInterval > d.cfg.Hub.GracePeriod {
		addWarning(r, "hub", "hub.poll_interval", "poll_interval exceeds grace_period; late services are checked only once")
	}
}

func (d *Doctor) checkHistory(r *Result) {
	if d.cfg.History.Enabled && d.cfg.History.Retention == 0 {
		addWarning(r, "history", "history.retention", "retention is 0; history is never pruned")
	}
}

func (d *Doctor) checkAPI(r *Result) {
	api := d.cfg.API
	if api.APIKey == "" && len(api.Tokens) == 0 {
		addWarning(r, "api", "api", "no api_key or tokens; `dumpsys serve` will refuse to start")
	}
	if api.APIKey != "" && len(api.Tokens) > 0 {
		addWarning(r, "api", "api.api_key", "api_key grants every scope; prefer scoped tokens")
	}
	for i, tok := range api.Tokens {
		if len(tok.Scopes) == 0 {
			addWarning(r, "api", fmt.Sprintf("api.tokens[%d].scopes", i), "token has no scopes and can only reach /healthz")
		}
		for j, scope := range tok.Scopes {
			if !knownScopes[strings.TrimSpace(scope)] {
				addError(r, "api", fmt.Sprintf("api.tokens[%d].scopes[%d]", i, j), fmt.Sprintf("unknown scope %q", scope))
			}
		}
	}
}

// FormatHuman renders r for a terminal.
func FormatHuman(r *Result) string {
	var b strings.Builder
	if r.Valid {
		b.WriteString("Configuration valid")
	} else {
		b.WriteString("Configuration invalid")
	}
	fmt.Fprintf(&b, " (%d errors, %d warnings)\n", len(r.Errors), len(r.Warnings))

	for _, e := range r.Errors {
		fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
	}
	return b.String()
}

func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
