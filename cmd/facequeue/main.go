package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/duzhobots/facequeue/internal/api"
	"github.com/duzhobots/facequeue/internal/auth"
	"github.com/duzhobots/facequeue/internal/config"
	"github.com/duzhobots/facequeue/internal/engine"
	"github.com/duzhobots/facequeue/internal/events"
	"github.com/duzhobots/facequeue/internal/joblog"
	"github.com/duzhobots/facequeue/internal/lock"
	"github.com/duzhobots/facequeue/internal/log"
	"github.com/duzhobots/facequeue/internal/storage"
	"github.com/duzhobots/facequeue/internal/tui/watch"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

const apiKeyEnv = "FACEQUEUE_API_KEY"

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

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "job":
		return runJobNoun(args)

	// --- ROOT ALIASES ---
	case "start":
		return runStart(args)
	case "watch":
		return runWatch(args)
	case "version", "--version":
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
		fmt.Fprintln(os.Stderr, "Usage: facequeue version [--json]")
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

	fmt.Printf("facequeue %s\n", info.Version)
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

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(built); ok {
		info.BuildTime = normalized
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
	fmt.Print(`facequeue - lazy single-worker subprocess queue for face jobs

Usage:
  facequeue <noun> <action> [flags]

Core Resources (Nouns):
  system    Service lifecycle and health
  config    Configuration and integrity
  job       Submitting and inspecting jobs

System Commands:
  system start      Start the service in foreground
  system status     Show config, job log, and PID lock state
  system watch      Real-time lane and event dashboard (TUI)

Config Commands:
  config check      Validate configuration against this host
  config lock       Write the .checksums integrity manifest
  config show       Show the resolved configuration
  config get        Read one value
  config set        Change one value (--dry-run | --apply)
  config token      Generate a scoped API token

Job Commands:
  job submit        Run one job locally through the queue
  job list          Show recent jobs from the job log
  job export        Write the job log to an .xlsx workbook
  job inspect <id>  Show one job and its worker session

General:
  version           Show version information
  help              Show this help message

Use 'facequeue <noun> help' for resource-specific flags.
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
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			printSystemStatusHelp()
			return 0
		}
		return runSystemStatus(actionArgs)
	case "watch":
		if hasHelpFlag(actionArgs) {
			printSystemWatchHelp()
			return 0
		}
		return runWatch(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: facequeue system <action>")
	fmt.Fprintln(w, "Actions: start, status, watch")
}

func printSystemStartHelp() {
	fmt.Println("Usage: facequeue system start [--config PATH] [--shutdown-timeout DURATION]")
	fmt.Println("Start the service in the foreground. Workers are spawned on first use.")
}

func printSystemStatusHelp() {
	fmt.Println("Usage: facequeue system status [--config PATH] [--json]")
	fmt.Println("Show config, job log, and PID lock state, plus live lanes when the API is up.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  All required checks passed")
	fmt.Println("  1  One or more checks failed")
}

func printSystemWatchHelp() {
	fmt.Println("Usage: facequeue system watch [flags]")
	fmt.Println()
	fmt.Println("Real-time dashboard of worker lanes and the event stream.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL    Service API URL (default: http://localhost:8080)")
	fmt.Println("  --api-key KEY    API Bearer Token (or " + apiKeyEnv + " env var)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  ↑/↓, k/j         Select lane")
}

// --- ACTION IMPLEMENTATIONS ---

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://localhost:8080", "Service API URL")
	apiKey := fs.String("api-key", os.Getenv(apiKeyEnv), "API Bearer Token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required. Use --api-key or "+apiKeyEnv+" env var.")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := watch.Run(ctx, strings.TrimRight(*apiURL, "/"), *apiKey); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

type statusCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

type statusReport struct {
	Healthy bool                         `json:"healthy"`
	Checks  []statusCheck                `json:"checks"`
	Lanes   map[string]engine.LaneStatus `json:"lanes,omitempty"`
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	report := statusReport{Healthy: true}
	add := func(name string, ok bool, detail string) {
		report.Checks = append(report.Checks, statusCheck{Name: name, OK: ok, Detail: detail})
		if !ok {
			report.Healthy = false
		}
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		add("config", false, err.Error())
	} else {
		add("config", true, fmt.Sprintf("%d kind(s) configured", len(cfg.Kinds)))

		db, err := storage.OpenSQLite(context.Background(), cfg.State.Path)
		if err != nil {
			add("job_log", false, err.Error())
		} else {
			add("job_log", true, cfg.State.Path)
			_ = db.Close()
		}

		pidPath := getPIDLockPath(cfg)
		switch pid, held, err := lock.Probe(pidPath); {
		case err != nil:
			add("pid_lock", false, err.Error())
		case held:
			add("pid_lock", true, fmt.Sprintf("held by pid %d (%s)", pid, pidPath))
		default:
			add("pid_lock", true, "not running")
		}

		if cfg.API.Enabled {
			lanes, err := fetchLaneStatus("http://" + cfg.API.Listen)
			if err != nil {
				add("api", false, err.Error())
			} else {
				add("api", true, cfg.API.Listen)
				report.Lanes = lanes
			}
		}
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(data))
	} else {
		for _, c := range report.Checks {
			mark := "✓"
			if !c.OK {
				mark = "✗"
			}
			fmt.Printf("%s %-9s %s\n", mark, c.Name, c.Detail)
		}
		for _, kind := range sortedKeys(report.Lanes) {
			l := report.Lanes[kind]
			state := "idle"
			if l.Running {
				state = "running " + l.WorkerID
			}
			fmt.Printf("  %-11s %-18s queued=%d pending=%d ok=%d failed=%d\n",
				kind, state, l.QueueDepth, len(l.Pending), l.Succeeded, l.Failed)
		}
	}

	if !report.Healthy {
		return 1
	}
	return 0
}

func fetchLaneStatus(baseURL string) (map[string]engine.LaneStatus, error) {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(baseURL + "/healthz")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("healthz returned %s", resp.Status)
	}
	var h api.HealthzResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("decode healthz: %w", err)
	}
	return h.Kinds, nil
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	shutdownTimeout := fs.Duration("shutdown-timeout", 30*time.Second, "How long to wait for queued jobs on shutdown")
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

	log.SetupWithFormat(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("facequeue starting", "version", version, "config", *configPath)

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

	store := joblog.New(db)
	pruner, err := joblog.NewPruner(store, cfg.State.JobLogRetention, cfg.State.PruneInterval, log.WithComponent("joblog"))
	if err != nil {
		logger.Error("failed to configure job log pruner", "error", err)
		return 1
	}
	pruner.Start()
	defer func() {
		if err := pruner.Stop(); err != nil {
			logger.Warn("pruner shutdown failed", "error", err)
		}
	}()

	hub := events.NewHub(256)
	eng, err := engine.New(cfg,
		engine.WithRecorder(store),
		engine.WithPublisher(hub),
		engine.WithLogger(log.WithComponent("engine")),
	)
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		return 1
	}
	logger.Info("engine ready", "kinds", eng.Kinds())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	apiDone := make(chan struct{})

	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
		for _, t := range cfg.API.Auth.Tokens {
			tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
		}
		apiConfig := api.Config{
			Listen:          cfg.API.Listen,
			APIKey:          cfg.API.Auth.APIKey,
			Tokens:          tokens,
			MaxPayloadBytes: cfg.API.MaxPayloadBytes,
		}
		apiServer := api.New(apiConfig, eng, store, hub, log.WithComponent("api"))
		go func() {
			defer close(apiDone)
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	} else {
		close(apiDone)
	}

	logger.Info("facequeue running (press Ctrl+C to stop)")

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		exitCode = 1
	}

	// Close the engine first so new submissions are refused while queued
	// jobs drain, then stop the listener.
	closeCtx, closeCancel := context.WithTimeout(context.Background(), *shutdownTimeout)
	if err := eng.Close(closeCtx); err != nil {
		logger.Warn("engine shutdown incomplete", "error", err)
	}
	closeCancel()
	cancel()
	<-apiDone

	logger.Info("facequeue stopped")
	return exitCode
}

// getPIDLockPath places the lock next to the job log: data/facequeue.db
// locks data/facequeue.pid.
func getPIDLockPath(cfg *config.Config) string {
	dbPath := cfg.State.Path
	base := filepath.Base(dbPath)
	return filepath.Join(filepath.Dir(dbPath), strings.TrimSuffix(base, filepath.Ext(base))+".pid")
}

func loadConfigForTool(configPath string) (*config.Config, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			return nil, err
		}
		configPath = discovered
	}
	return config.Load(configPath)
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
