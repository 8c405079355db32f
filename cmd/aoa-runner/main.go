package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/aoa-runner/internal/api"
	"github.com/mattjoyce/aoa-runner/internal/config"
	"github.com/mattjoyce/aoa-runner/internal/coordinator"
	"github.com/mattjoyce/aoa-runner/internal/doctor"
	"github.com/mattjoyce/aoa-runner/internal/events"
	"github.com/mattjoyce/aoa-runner/internal/inspect"
	"github.com/mattjoyce/aoa-runner/internal/lock"
	"github.com/mattjoyce/aoa-runner/internal/log"
	"github.com/mattjoyce/aoa-runner/internal/scheduler"
	"github.com/mattjoyce/aoa-runner/internal/storage"
	"github.com/mattjoyce/aoa-runner/internal/supervisor"
	"github.com/mattjoyce/aoa-runner/internal/tui/tokenmgr"
	"github.com/mattjoyce/aoa-runner/internal/tui/watch"
	"github.com/mattjoyce/aoa-runner/internal/upload"
	"github.com/mattjoyce/aoa-runner/internal/workspace"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// shutdownSlack is added to the termination grace when waiting for running
// jobs to be finalized on exit.
const shutdownSlack = 10 * time.Second

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
	case "start":
		if hasHelpFlag(args) {
			printStartHelp()
			return 0
		}
		return runStart(args)
	case "doctor":
		if hasHelpFlag(args) {
			printDoctorHelp()
			return 0
		}
		return runDoctor(args)
	case "status":
		if hasHelpFlag(args) {
			printStatusHelp()
			return 0
		}
		return runStatus(args)
	case "inspect":
		if hasHelpFlag(args) {
			printInspectHelp()
			return 0
		}
		return runInspect(args)
	case "token":
		if hasHelpFlag(args) {
			printTokenHelp()
			return 0
		}
		return runToken(args)
	case "watch":
		if hasHelpFlag(args) {
			printWatchHelp()
			return 0
		}
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
		fmt.Fprintln(os.Stderr, "Usage: aoa-runner version [--json]")
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

	fmt.Printf("aoa-runner %s\n", info.Version)
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
	if normalized, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
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
	fmt.Print(`aoa-runner - Area-of-applicability job runner

Usage:
  aoa-runner <command> [flags]

Commands:
  start      Start the API and job supervisor in the foreground
  doctor     Check that the configuration can run jobs on this host
  status     Show config, job store, and lock state
  inspect    Show a job's record, workspace files, and log tail
  token      Generate an API token entry for config.yaml
  watch      Live job monitor TUI
  version    Show version information
  help       Show this help message

Use 'aoa-runner <command> --help' for command flags.
`)
}

func printStartHelp() {
	fmt.Println("Usage: aoa-runner start [--config PATH]")
	fmt.Println("Start the API server, job supervisor, and workspace janitor.")
}

func printDoctorHelp() {
	fmt.Println("Usage: aoa-runner doctor [--config PATH] [--json] [--strict]")
	fmt.Println("Validate the configuration against this host.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  No errors (warnings allowed unless --strict)")
	fmt.Println("  1  One or more errors")
}

func printStatusHelp() {
	fmt.Println("Usage: aoa-runner status [--config PATH] [--json]")
	fmt.Println("Show config load, job store reachability, and PID lock state.")
}

func printInspectHelp() {
	fmt.Println("Usage: aoa-runner inspect <job-id> [--config PATH] [--json] [--tail N]")
	fmt.Println("Show a job's record, workspace files, and the end of its output log.")
}

func printTokenHelp() {
	fmt.Println("Usage: aoa-runner token --owner NAME [--scopes LIST] [--env VAR]")
	fmt.Println("Generate a random API token and print its api.tokens entry.")
	fmt.Println("Without --scopes an interactive scope picker is shown.")
}

func printWatchHelp() {
	fmt.Println("Usage: aoa-runner watch [flags]")
	fmt.Println()
	fmt.Println("Live job monitor. Shows runner health, jobs, and the event stream.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL    Runner API URL (default: http://127.0.0.1:9000)")
	fmt.Println("  --token TOKEN    API bearer token (or AOA_TOKEN env var)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  r                Refresh jobs")
	fmt.Println("  ↑/↓, k/j         Navigate jobs")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// loadConfig resolves --config (or discovers one) and loads it.
func loadConfig(configPath string) (*config.Config, error) {
	if configPath == "" {
		discovered, err := config.Discover()
		if err != nil {
			return nil, err
		}
		configPath = discovered
	}
	return config.Load(configPath)
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("aoa-runner starting",
		"version", version,
		"config", cfg.SourcePath,
		"config_fingerprint", cfg.Fingerprint(),
		"environment", cfg.Service.Environment,
	)

	pidLockPath := lock.PathFor(cfg.Jobs.Dir)
	pidLock, err := lock.AcquirePIDLock(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer func() { _ = pidLock.Release() }()
	logger.Info("acquired PID lock", "path", pidLockPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.State)
	if err != nil {
		logger.Error("failed to open job store", "driver", cfg.State.Driver, "error", err)
		return 1
	}
	defer func() { _ = store.Close() }()
	logger.Info("job store opened", "driver", cfg.State.Driver)

	wsManager, err := workspace.NewFSManager(cfg.Jobs.Dir)
	if err != nil {
		logger.Error("failed to initialize workspace manager", "base_dir", cfg.Jobs.Dir, "error", err)
		return 1
	}

	hub := events.NewHub(256)

	sup := supervisor.New(supervisor.Config{
		Command:          cfg.Jobs.Tool.Command,
		Args:             cfg.Jobs.Tool.Args,
		TerminationGrace: cfg.Jobs.TerminationGrace,
	}, store, wsManager, hub)

	maxUpload := cfg.Uploads.MaxUploadBytes()
	coord := coordinator.New(store, wsManager, sup, coordinator.Policies{
		Samples: upload.NewPolicy(maxUpload, cfg.Uploads.Samples.MIMETypes...),
		Model:   upload.NewPolicy(maxUpload, cfg.Uploads.Model.MIMETypes...),
	}, hub)

	sched := scheduler.New(cfg.Jobs, store, wsManager, sup, hub, log.Get())
	if err := sched.Recover(ctx); err != nil {
		logger.Error("scheduler failed to start", "error", err)
		return 1
	}
	defer sched.Stop()

	apiServer := api.New(api.Config{
		Listen:       cfg.API.Listen,
		Tokens:       cfg.API.Tokens,
		MaxBodyBytes: int64(cfg.API.MaxBodyMB) << 20,
		Dev:          cfg.IsDev(),
	}, coord, runnerHealth{Store: store, sup: sup}, hub, log.WithComponent("api"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := apiServer.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("api: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sched.Run(gctx)
	})

	logger.Info("aoa-runner running (press Ctrl+C to stop)", "listen", cfg.API.Listen)

	runErr := g.Wait()
	if runErr != nil {
		logger.Error("component failed", "error", runErr)
	} else {
		logger.Info("received shutdown signal")
	}

	sched.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Jobs.TerminationGrace+shutdownSlack)
	defer cancel()
	if running := len(sup.Running()); running > 0 {
		logger.Info("terminating running jobs", "count", running)
	}
	if err := sup.Shutdown(shutdownCtx); err != nil {
		logger.Warn("jobs still running at exit", "error", err)
	}

	if runErr != nil {
		return 1
	}
	logger.Info("aoa-runner stopped")
	return 0
}

// runnerHealth reports store reachability and the supervisor's live count.
type runnerHealth struct {
	storage.Store
	sup *supervisor.Supervisor
}

func (h runnerHealth) RunningCount() int {
	return len(h.sup.Running())
}

func runDoctor(args []string) int {
	var configPath string
	var strict, jsonOut bool

	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(configPath)
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
		return 1
	}
	return 0
}

type statusCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

type statusReport struct {
	Healthy bool          `json:"healthy"`
	Checks  []statusCheck `json:"checks"`
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	report := collectStatus(*configPath)

	if *jsonOut {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render status JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
	} else {
		for _, c := range report.Checks {
			state := "OK"
			if !c.OK {
				state = "FAIL"
			}
			if c.Detail != "" {
				fmt.Printf("%s: %s (%s)\n", c.Name, state, c.Detail)
			} else {
				fmt.Printf("%s: %s\n", c.Name, state)
			}
		}
	}

	if !report.Healthy {
		return 1
	}
	return 0
}

func collectStatus(configPath string) statusReport {
	report := statusReport{Healthy: true}
	add := func(c statusCheck) {
		report.Checks = append(report.Checks, c)
		if !c.OK {
			report.Healthy = false
		}
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		add(statusCheck{Name: "config_load", Detail: err.Error()})
		add(statusCheck{Name: "job_store", Detail: "skipped: config not loaded"})
		add(statusCheck{Name: "pid_lock", Detail: "skipped: config not loaded"})
		return report
	}
	add(statusCheck{Name: "config_load", OK: true, Detail: cfg.SourcePath})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store, err := storage.Open(ctx, cfg.State)
	if err != nil {
		add(statusCheck{Name: "job_store", Detail: err.Error()})
	} else {
		if err := store.Ping(ctx); err != nil {
			add(statusCheck{Name: "job_store", Detail: err.Error()})
		} else {
			add(statusCheck{Name: "job_store", OK: true, Detail: cfg.State.Driver})
		}
		_ = store.Close()
	}

	// The lock is free when it can be taken; status only reports, so it is
	// released immediately.
	lockPath := lock.PathFor(cfg.Jobs.Dir)
	l, err := lock.AcquirePIDLock(lockPath)
	switch {
	case err == nil:
		_ = l.Release()
		add(statusCheck{Name: "pid_lock", OK: true, Detail: "not held"})
	case errors.Is(err, lock.ErrHeld):
		detail := "held"
		if pid, ok := lock.Holder(lockPath); ok {
			detail = fmt.Sprintf("held by pid %d", pid)
		}
		add(statusCheck{Name: "pid_lock", OK: true, Detail: detail})
	default:
		add(statusCheck{Name: "pid_lock", Detail: err.Error()})
	}

	return report
}

func runInspect(args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	tail := fs.Int("tail", inspect.DefaultTailLines, "Output log lines to show")

	// Allow the job id before or after flags.
	var jobID string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		jobID, args = args[0], args[1:]
	}
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if jobID == "" && fs.NArg() > 0 {
		jobID = fs.Arg(0)
	}
	if jobID == "" {
		printInspectHelp()
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	store, err := storage.Open(ctx, cfg.State)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open job store: %v\n", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	wsManager, err := workspace.NewFSManager(cfg.Jobs.Dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open jobs dir: %v\n", err)
		return 1
	}

	var out string
	if *jsonOut {
		out, err = inspect.BuildJSONReport(ctx, store, wsManager, jobID, *tail)
	} else {
		out, err = inspect.BuildReport(ctx, store, wsManager, jobID, *tail)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return 1
	}
	fmt.Print(out)
	if *jsonOut {
		fmt.Println()
	}
	return 0
}

func runToken(args []string) int {
	var owner, scopesArg, envVar string

	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.StringVar(&owner, "owner", "", "Owner whose jobs the token may touch")
	fs.StringVar(&scopesArg, "scopes", "", "Comma-separated scopes")
	fs.StringVar(&envVar, "env", "", "Reference the token as ${VAR} instead of inlining it")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	owner = strings.TrimSpace(owner)
	if owner == "" {
		fmt.Fprintln(os.Stderr, "Error: --owner is required")
		return 1
	}

	var scopes []string
	if scopesArg != "" {
		for _, s := range strings.Split(scopesArg, ",") {
			if s = strings.TrimSpace(s); s != "" {
				scopes = append(scopes, s)
			}
		}
	} else {
		picked, ok, err := pickScopes(owner)
		if err != nil {
			fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
			return 1
		}
		if !ok {
			return 1
		}
		scopes = picked
	}
	if len(scopes) == 0 {
		fmt.Fprintln(os.Stderr, "Error: no scopes provided")
		return 1
	}
	for _, s := range scopes {
		if !tokenmgr.Known(s) {
			fmt.Fprintf(os.Stderr, "Error: unknown scope %q\n", s)
			return 1
		}
	}

	secret, err := generateSecureToken(32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate token: %v\n", err)
		return 1
	}

	entry := config.APIToken{Token: secret, Owner: owner, Scopes: scopes}
	if envVar != "" {
		entry.Token = fmt.Sprintf("${%s}", envVar)
	}
	out, err := yaml.Marshal([]config.APIToken{entry})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode token entry: %v\n", err)
		return 1
	}

	fmt.Println("# add under api.tokens in config.yaml")
	fmt.Print(string(out))
	if envVar != "" {
		fmt.Printf("\n# export before start:\nexport %s=%s\n", envVar, secret)
	}
	return 0
}

func pickScopes(owner string) ([]string, bool, error) {
	final, err := tea.NewProgram(tokenmgr.New(owner)).Run()
	if err != nil {
		return nil, false, err
	}
	m, ok := final.(tokenmgr.Model)
	if !ok {
		return nil, false, nil
	}
	scopes, done := m.Selected()
	return scopes, done, nil
}

func generateSecureToken(bytesLen int) (string, error) {
	buf := make([]byte, bytesLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://127.0.0.1:9000", "Runner API URL")
	token := fs.String("token", os.Getenv("AOA_TOKEN"), "API bearer token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if *token == "" {
		fmt.Fprintln(os.Stderr, "Error: API token required. Use --token or AOA_TOKEN env var.")
		return 1
	}

	m := watch.New(strings.TrimRight(*apiURL, "/"), *token)
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}
