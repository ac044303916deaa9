// Package doctor validates profiled configuration and runtime environment.
package doctor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/profiled/internal/config"
	"github.com/mattjoyce/profiled/internal/lock"
	"github.com/mattjoyce/profiled/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration and the environment it points at.
type Doctor struct {
	cfg *config.Config
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all static checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateServiceConfig(r)
	d.validateFetchConfig(r)
	d.validateAPIConfig(r)
	d.validateTokenScopes(r)
	d.warnDeprecatedSyntax(r)

	r.Valid = len(r.Errors) == 0
	return r
}

// CheckRuntime probes the state database, the data directory, and the PID
// lock. It appends to an existing result so callers can combine it with
// Validate.
func (d *Doctor) CheckRuntime(r *Result, lockPath string) {
	db, err := storage.OpenSQLite(context.Background(), d.cfg.State.Path)
	if err != nil {
		d.addError(r, "runtime", "state.path", fmt.Sprintf("cannot open state database: %v", err))
	} else {
		_ = db.Close()
	}

	if err := checkWritable(d.cfg.Data.Dir); err != nil {
		d.addError(r, "runtime", "data.dir", fmt.Sprintf("data directory not writable: %v", err))
	}

	if lockPath != "" {
		if pid := lock.ReadPID(lockPath); pid > 0 {
			d.addWarning(r, "runtime", "lock",
				fmt.Sprintf("lock file present, daemon may be running as pid %d", pid))
		}
	}

	r.Valid = len(r.Errors) == 0
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateServiceConfig checks required service fields.
func (d *Doctor) validateServiceConfig(r *Result) {
	if d.cfg.State.Path == "" {
		d.addError(r, "service", "state.path", "state.path is required")
	}
	if d.cfg.Data.Dir == "" {
		d.addError(r, "service", "data.dir", "data.dir is required")
	}
	if d.cfg.Service.TickInterval <= 0 {
		d.addError(r, "service", "service.tick_interval", "tick_interval must be positive")
	}
	if d.cfg.Service.WorkerIdleTimeout <= 0 {
		d.addError(r, "service", "service.worker_idle_timeout", "worker_idle_timeout must be positive")
	}
}

// validateFetchConfig checks source download limits.
func (d *Doctor) validateFetchConfig(r *Result) {
	if d.cfg.Fetch.MaxBytes <= 0 {
		d.addError(r, "fetch", "fetch.max_bytes", "max_bytes must be positive")
	}
	if d.cfg.Fetch.Timeout <= 0 {
		d.addError(r, "fetch", "fetch.timeout", "timeout must be positive")
	}
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if d.cfg.API.Auth.APIKey == "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth", "API enabled but no authentication configured")
	}
}

// validateTokenScopes checks that scopes use known resources and access levels.
func (d *Doctor) validateTokenScopes(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		if token.Token == "" {
			d.addWarning(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].token", i),
				"token value is empty (possibly unresolved environment variable)")
		}
		for j, scope := range token.Scopes {
			field := fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j)
			validateSingleScope(d, r, scope, field)
		}
	}
}

func validateSingleScope(d *Doctor, r *Result, scope, field string) {
	if scope == "*" {
		return
	}

	parts := strings.SplitN(scope, ":", 2)
	if len(parts) < 2 {
		d.addError(r, "token_scopes", field,
			fmt.Sprintf("invalid scope %q (expected format: resource:access)", scope))
		return
	}

	resource, access := parts[0], parts[1]
	switch resource {
	case "profiles", "events":
	default:
		d.addError(r, "token_scopes", field,
			fmt.Sprintf("scope %q references unknown resource %q", scope, resource))
		return
	}
	switch access {
	case "ro", "rw":
	default:
		d.addError(r, "token_scopes", field,
			fmt.Sprintf("scope %q: invalid access type %q (expected ro or rw)", scope, access))
	}
}

// warnDeprecatedSyntax warns about legacy config patterns.
func (d *Doctor) warnDeprecatedSyntax(r *Result) {
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) > 0 {
		d.addWarning(r, "deprecated", "api.auth",
			"both api_key and tokens configured; prefer tokens array only")
	}
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "deprecated", "api.auth.api_key",
			"legacy api_key grants full access; migrate to tokens array with scopes")
	}
}

func checkWritable(dir string) error {
	if dir == "" {
		return fmt.Errorf("directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return err
	}
	return os.Remove(probe)
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
