package main

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/profiled/internal/config"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func TestRunCLIUnknownCommand(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"bogus"})
	})
	if code != 1 {
		t.Fatalf("runCLI() code = %d", code)
	}
	if !strings.Contains(stderr, "Unknown command") {
		t.Fatalf("stderr missing unknown command message: %s", stderr)
	}
}

func TestRunVersion(t *testing.T) {
	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"version"})
	})
	if code != 0 {
		t.Fatalf("runCLI() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "profiled ") {
		t.Fatalf("stdout missing version line: %s", stdout)
	}
}

func TestRunSystemNounActionHelp(t *testing.T) {
	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runSystemNoun([]string{"start", "--help"})
	})
	if code != 0 {
		t.Fatalf("runSystemNoun() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "Usage: profiled system start") {
		t.Fatalf("stdout missing start action help usage: %s", stdout)
	}
}

func TestRunConfigCheckValid(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	configYAML := `
service:
  name: test
state:
  path: ` + filepath.Join(tmpDir, "profiled.db") + `
data:
  dir: ` + filepath.Join(tmpDir, "profiles") + `
`
	if err := os.WriteFile(configPath, []byte(configYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", configPath})
	})
	if code != 0 {
		t.Fatalf("runConfigCheck() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "Configuration valid") {
		t.Fatalf("stdout missing valid report: %s", stdout)
	}
}

func TestPrintUsageUsesActionTerminology(t *testing.T) {
	_, stdout, _ := captureOutputWithExitCode(t, func() int {
		printUsage()
		return 0
	})
	if !strings.Contains(stdout, "profiled <noun> <action> [flags]") {
		t.Fatalf("usage missing action terminology: %s", stdout)
	}
}

func TestGetPIDLockPath(t *testing.T) {
	cfg := &config.Config{}
	cfg.State.Path = "/var/lib/profiled/profiled.db"
	got := getPIDLockPath(cfg)
	if got != "/var/lib/profiled/profiled.pid" {
		t.Fatalf("getPIDLockPath() = %s", got)
	}
}

func TestTakeIDArg(t *testing.T) {
	id, rest, ok := takeIDArg([]string{"42", "--wait"})
	if !ok || id != 42 || len(rest) != 1 || rest[0] != "--wait" {
		t.Fatalf("takeIDArg() = %d, %v, %v", id, rest, ok)
	}

	if _, _, ok := takeIDArg([]string{"--wait"}); ok {
		t.Fatal("expected missing id to fail")
	}
	if _, _, ok := takeIDArg([]string{"-3"}); ok {
		t.Fatal("expected negative id to fail")
	}
	if _, _, ok := takeIDArg([]string{"abc"}); ok {
		t.Fatal("expected non-numeric id to fail")
	}
}
