package doctor

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/profiled/internal/config"
)

func validConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	return &config.Config{
		Service: config.ServiceConfig{
			Name:              "test",
			LogLevel:          "info",
			TickInterval:      60 * time.Second,
			WorkerIdleTimeout: 30 * time.Second,
		},
		State: config.StateConfig{Path: filepath.Join(dir, "profiled.db")},
		Data:  config.DataConfig{Dir: filepath.Join(dir, "profiles")},
		Fetch: config.FetchConfig{
			Timeout:  60 * time.Second,
			MaxBytes: 32 << 20,
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	r := New(validConfig(t)).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
}

func TestValidate_MissingStatePath(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.State.Path = ""
	r := New(cfg).Validate()
	if r.Valid {
		t.Fatalf("expected invalid config")
	}
	assertIssueField(t, r.Errors, "state.path")
}

func TestValidate_BadTickInterval(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Service.TickInterval = 0
	r := New(cfg).Validate()
	if r.Valid {
		t.Fatalf("expected invalid config")
	}
	assertIssueField(t, r.Errors, "service.tick_interval")
}

func TestValidate_APIEnabledWithoutListen(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.API.Enabled = true
	cfg.API.Listen = ""
	r := New(cfg).Validate()
	if r.Valid {
		t.Fatalf("expected invalid config")
	}
	assertIssueField(t, r.Errors, "api.listen")
}

func TestValidate_APIEnabledWithoutAuthWarns(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.API.Enabled = true
	cfg.API.Listen = "127.0.0.1:8080"
	r := New(cfg).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	assertIssueField(t, r.Warnings, "api.auth")
}

func TestValidate_TokenScopes(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.API.Auth.Tokens = []config.APIToken{
		{Token: "t1", Scopes: []string{"profiles:ro", "events:ro", "*"}},
		{Token: "t2", Scopes: []string{"jobs:ro"}},
		{Token: "t3", Scopes: []string{"profiles:execute"}},
		{Token: "t4", Scopes: []string{"badscope"}},
	}
	r := New(cfg).Validate()
	if r.Valid {
		t.Fatalf("expected invalid config")
	}
	if len(r.Errors) != 3 {
		t.Fatalf("expected 3 scope errors, got %d: %v", len(r.Errors), r.Errors)
	}
}

func TestValidate_LegacyAPIKeyWarns(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.API.Auth.APIKey = "legacy"
	r := New(cfg).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	assertIssueField(t, r.Warnings, "api.auth.api_key")
}

func TestCheckRuntime(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	d := New(cfg)

	r := d.Validate()
	d.CheckRuntime(r, "")
	if !r.Valid {
		t.Fatalf("expected valid runtime, got errors: %v", r.Errors)
	}
}

func TestFormatHuman(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.State.Path = ""
	r := New(cfg).Validate()

	out := FormatHuman(r)
	if !strings.Contains(out, "Configuration invalid") {
		t.Fatalf("expected invalid report, got: %s", out)
	}
	if !strings.Contains(out, "state.path") {
		t.Fatalf("expected state.path in report, got: %s", out)
	}
}

func assertIssueField(t *testing.T, issues []Issue, field string) {
	t.Helper()
	for _, i := range issues {
		if i.Field == field {
			return
		}
	}
	t.Fatalf("expected an issue for field %q, got %v", field, issues)
}
