package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/profiled/internal/api"
	"github.com/mattjoyce/profiled/internal/auth"
	"github.com/mattjoyce/profiled/internal/config"
	"github.com/mattjoyce/profiled/internal/content"
	"github.com/mattjoyce/profiled/internal/dispatch"
	"github.com/mattjoyce/profiled/internal/doctor"
	"github.com/mattjoyce/profiled/internal/events"
	"github.com/mattjoyce/profiled/internal/fetch"
	"github.com/mattjoyce/profiled/internal/lock"
	"github.com/mattjoyce/profiled/internal/log"
	"github.com/mattjoyce/profiled/internal/manager"
	"github.com/mattjoyce/profiled/internal/profile"
	"github.com/mattjoyce/profiled/internal/sched"
	"github.com/mattjoyce/profiled/internal/storage"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "profile":
		return runProfileNoun(args)
	case "config":
		return runConfigNoun(args)

	// --- ROOT ALIASES ---
	case "start":
		return runStart(args)
	case "doctor":
		return runConfigCheck(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: profiled version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("profiled %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}

	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalizedBuildTime, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalizedBuildTime
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}

	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`profiled - Profile manager daemon for named configuration bundles

Usage:
  profiled <noun> <action> [flags]

Core Resources (Nouns):
  system    Daemon lifecycle and health
  profile   Profile resources (via the daemon API)
  config    Configuration validation

System Commands:
  system start      Start the daemon in foreground
  system status     Show daemon and state health

Profile Commands:
  profile list      List profiles
  profile show      Show one profile by id
  profile add       Create a profile
  profile remove    Remove a profile by id
  profile activate  Mark a profile as the active one

Config Commands:
  config check      Validate the configuration

General:
  --version         Show version information
  version           Show version information
  help              Show this help message

Use 'profiled <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: profiled system start [--config PATH]")
			return 0
		}
		return runStart(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: profiled system status [--config PATH] [--json]")
			return 0
		}
		return runSystemStatus(actionArgs)
	case "help":
		printSystemNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: profiled config check [--config PATH] [--strict] [--json]")
			return 0
		}
		return runConfigCheck(actionArgs)
	case "help":
		printConfigNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprint(w, `System commands:
  profiled system start   [--config PATH]
  profiled system status  [--config PATH] [--json]
`)
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprint(w, `Config commands:
  profiled config check [--config PATH] [--strict] [--json]
`)
}

func isHelpToken(s string) bool {
	return s == "help" || s == "--help" || s == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, a := range args {
		if a == "--help" || a == "-h" {
			return true
		}
	}
	return false
}

// --- ACTION IMPLEMENTATIONS ---

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if *configPath == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		*configPath = discovered
		fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", *configPath)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("profiled starting", "version", version, "config", *configPath)

	pidLockPath := getPIDLockPath(cfg)
	pidLock, err := lock.AcquirePIDLock(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLockPath)

	db, err := storage.OpenSQLite(context.Background(), cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	store := profile.NewStore(db)
	fs2, err := content.NewFS(cfg.Data.Dir)
	if err != nil {
		logger.Error("failed to initialize content directory", "dir", cfg.Data.Dir, "error", err)
		return 1
	}
	hub := events.NewHub(256)
	fetcher := fetch.NewHTTPFetcher(fetch.Options{
		Timeout:   cfg.Fetch.Timeout,
		MaxBytes:  cfg.Fetch.MaxBytes,
		UserAgent: cfg.Fetch.UserAgent,
	}, log.WithComponent("fetch"))

	// The scheduler re-delivers through the dispatcher, and the dispatcher's
	// handler books refreshes through the scheduler. Late-bind the submit
	// side to break the construction cycle.
	var disp *dispatch.Dispatcher
	submit := submitFunc(func(req *profile.Request) { disp.Enqueue(req) })

	scheduler := sched.New(sched.NewStore(db), submit, hub, cfg.Service.TickInterval, log.Get())
	mgr := manager.New(store, fetcher, fs2, scheduler, hub)
	disp = dispatch.New(mgr,
		dispatch.WithIdleTimeout(cfg.Service.WorkerIdleTimeout),
		dispatch.WithEvents(hub))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)

	go func() {
		if err := scheduler.Start(ctx); err != nil && err != context.Canceled {
			errCh <- fmt.Errorf("scheduler: %w", err)
		}
	}()

	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
		for _, t := range cfg.API.Auth.Tokens {
			tokens = append(tokens, auth.TokenConfig{
				Token:  t.Token,
				Scopes: t.Scopes,
			})
		}
		apiConfig := api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.Auth.APIKey,
			Tokens: tokens,
		}
		apiServer := api.New(apiConfig, disp, store, mgr, hub, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && err != context.Canceled {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("profiled running (press Ctrl+C to stop)")

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		exitCode = 1
	}

	scheduler.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := disp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("dispatcher shutdown timed out", "error", err)
	}

	logger.Info("profiled stopped")
	return exitCode
}

// submitFunc adapts a closure to the scheduler's Submitter interface.
type submitFunc func(req *profile.Request)

func (f submitFunc) Enqueue(req *profile.Request) { f(req) }

type systemStatus struct {
	ConfigPath     string `json:"config_path"`
	StatePath      string `json:"state_path"`
	DataDir        string `json:"data_dir"`
	Profiles       int    `json:"profiles"`
	ActiveProfile  string `json:"active_profile,omitempty"`
	PendingRefresh int    `json:"pending_refresh"`
	DaemonPID      int    `json:"daemon_pid,omitempty"`
	APIEnabled     bool   `json:"api_enabled"`
	APIListen      string `json:"api_listen,omitempty"`
	ConfigValid    bool   `json:"config_valid"`
	ConfigWarnings int    `json:"config_warnings"`
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output status as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if *configPath == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		*configPath = discovered
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	result := doctor.New(cfg).Validate()

	status := systemStatus{
		ConfigPath:     *configPath,
		StatePath:      cfg.State.Path,
		DataDir:        cfg.Data.Dir,
		APIEnabled:     cfg.API.Enabled,
		APIListen:      cfg.API.Listen,
		ConfigValid:    result.Valid,
		ConfigWarnings: len(result.Warnings),
		DaemonPID:      lock.ReadPID(getPIDLockPath(cfg)),
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	store := profile.NewStore(db)
	records, err := store.All(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list profiles: %v\n", err)
		return 1
	}
	status.Profiles = len(records)

	if active, err := store.GetActive(ctx); err == nil && active != nil {
		status.ActiveProfile = fmt.Sprintf("%s (id %d)", active.Name, active.ID)
	}

	if pending, err := sched.NewStore(db).Count(ctx); err == nil {
		status.PendingRefresh = pending
	}

	if *jsonOut {
		data, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render status JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("config:          %s (valid=%v, warnings=%d)\n", status.ConfigPath, status.ConfigValid, status.ConfigWarnings)
	fmt.Printf("state:           %s\n", status.StatePath)
	fmt.Printf("data dir:        %s\n", status.DataDir)
	fmt.Printf("profiles:        %d\n", status.Profiles)
	if status.ActiveProfile != "" {
		fmt.Printf("active profile:  %s\n", status.ActiveProfile)
	}
	fmt.Printf("pending refresh: %d\n", status.PendingRefresh)
	if status.DaemonPID > 0 {
		fmt.Printf("daemon pid:      %d\n", status.DaemonPID)
	} else {
		fmt.Println("daemon pid:      not running")
	}
	if status.APIEnabled {
		fmt.Printf("api:             enabled on %s\n", status.APIListen)
	} else {
		fmt.Println("api:             disabled")
	}
	return 0
}

func runConfigCheck(args []string) int {
	var configPath string
	var strict, jsonOut bool

	fs := flag.NewFlagSet("check", flag.ExitOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if configPath == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		configPath = discovered
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	result := doctor.New(cfg).Validate()

	if jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func getPIDLockPath(cfg *config.Config) string {
	dbPath := cfg.State.Path
	dbDir := filepath.Dir(dbPath)
	dbBase := filepath.Base(dbPath)
	ext := filepath.Ext(dbBase)
	nameWithoutExt := dbBase[:len(dbBase)-len(ext)]
	return filepath.Join(dbDir, nameWithoutExt+".pid")
}
