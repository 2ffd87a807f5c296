package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/edwardlabs/edward-engine/internal/checkpointstore"
	"github.com/edwardlabs/edward-engine/internal/config"
	"github.com/edwardlabs/edward-engine/internal/depresolve"
	"github.com/edwardlabs/edward-engine/internal/engine"
	"github.com/edwardlabs/edward-engine/internal/lockfile"
	"github.com/edwardlabs/edward-engine/internal/modelstream"
	"github.com/edwardlabs/edward-engine/internal/monitor"
	"github.com/edwardlabs/edward-engine/internal/sandbox"
	"github.com/edwardlabs/edward-engine/internal/toolgateway"
	"github.com/edwardlabs/edward-engine/internal/websearch"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "resume":
		resumeCmd(os.Args[2:])
	case "version":
		fmt.Printf("edward-engine %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `edward-engine

Usage:
  edward-engine run [flags] <prompt>
  edward-engine resume [flags] <run-id>
  edward-engine version

Commands:
  run       Start a fresh agent run from a prompt. Events stream to stdout as NDJSON.
  resume    Continue an interrupted run from its latest checkpoint.
  version   Print build information.

`)
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	runID := fs.String("run-id", "", "Run id (default: generated)")
	system := fs.String("system", "", "Extra system prompt prepended to the conversation")
	_ = fs.Parse(args)

	prompt := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if prompt == "" {
		fs.Usage()
		os.Exit(2)
	}

	id := strings.TrimSpace(*runID)
	if id == "" {
		id = "run_" + uuid.NewString()
	}

	env, cleanup := setup(*cfgPath, id)
	defer cleanup()

	conversation := []engine.Message{}
	if s := strings.TrimSpace(*system); s != "" {
		conversation = append(conversation, engine.Message{Role: "system", Content: s})
	}
	conversation = append(conversation, engine.Message{Role: "user", Content: prompt})

	ctx := signalContext()
	result, err := env.loop.Run(ctx, conversation)
	finish(env, id, result, err, ctx)
}

func resumeCmd(args []string) {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)

	id := strings.TrimSpace(fs.Arg(0))
	if id == "" {
		fs.Usage()
		os.Exit(2)
	}

	env, cleanup := setup(*cfgPath, id)
	defer cleanup()

	ctx := signalContext()
	cp, err := env.store.LoadLatest(ctx, id)
	if err != nil {
		fatalf("failed to load checkpoint: %v", err)
	}
	if cp == nil {
		fatalf("no checkpoint found for run %s", id)
	}

	result, err := env.loop.Resume(ctx, *cp)
	finish(env, id, result, err, ctx)
}

// environment bundles everything a subcommand needs after setup.
type environment struct {
	log   *slog.Logger
	loop  *engine.Loop
	store *checkpointstore.Store
}

func setup(cfgPath string, runID string) (*environment, func()) {
	cfg, err := config.Load(filepath.Clean(cfgPath))
	if err != nil {
		fatalf("failed to load config: %v", err)
	}
	cfg = cfg.WithDefaults()

	log, err := newLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fatalf("%v", err)
	}

	lock, err := lockfile.AcquireRunLock(cfg.LockDir, runID)
	if err != nil {
		fatalf("run %s is locked by another process: %v", runID, err)
	}

	store, err := checkpointstore.Open(cfg.CheckpointDBPath)
	if err != nil {
		_ = lock.Release()
		fatalf("failed to open checkpoint store: %v", err)
	}

	workspace, err := sandbox.NewWorkspace(log, cfg.WorkspaceDir)
	if err != nil {
		_ = store.Close()
		_ = lock.Release()
		fatalf("failed to init workspace: %v", err)
	}

	var search *websearch.Client
	if strings.TrimSpace(cfg.WebSearch.APIKey) != "" {
		search, err = websearch.New(websearch.Options{
			Provider: cfg.WebSearch.Provider,
			APIKey:   cfg.WebSearch.APIKey,
		})
		if err != nil {
			log.Warn("web search disabled", "error", err)
			search = nil
		}
	}

	gateway := toolgateway.New(toolgateway.Options{
		Log:      log,
		WorkDir:  workspace.Root,
		Search:   search,
		Resolver: depresolve.New(depresolve.Options{}),
	})

	model, err := modelstream.New(cfg.Provider.Type, cfg.Provider.BaseURL, cfg.Provider.APIKey)
	if err != nil {
		_ = store.Close()
		_ = lock.Release()
		fatalf("failed to init model provider: %v", err)
	}

	loop, err := engine.NewLoop(engine.LoopOptions{
		Log:             log,
		RunID:           runID,
		ModelID:         cfg.Provider.ModelID,
		Temperature:     cfg.Provider.Temperature,
		MaxOutputTokens: cfg.Provider.MaxOutputTokens,
		Budgets:         cfg.Budgets.EngineBudgets(),
		Model:           model,
		Sandbox:         workspace,
		Tools:           gateway,
		Checkpoints:     store,
		Output:          engine.NewNDJSONOutput(log, os.Stdout),
		Host:            monitor.NewService(log),
	})
	if err != nil {
		_ = store.Close()
		_ = lock.Release()
		fatalf("failed to init loop: %v", err)
	}

	env := &environment{log: log, loop: loop, store: store}
	cleanup := func() {
		_ = store.Close()
		_ = lock.Release()
	}
	return env, cleanup
}

func finish(env *environment, runID string, result engine.RunResult, err error, ctx context.Context) {
	if err != nil && ctx.Err() == nil {
		env.log.Error("run failed", "run_id", runID, "error", err)
		os.Exit(1)
	}
	if result.Cancelled {
		env.log.Info("run cancelled", "run_id", runID, "turns", result.TurnsExecuted)
		return
	}
	env.log.Info("run finished",
		"run_id", runID,
		"turns", result.TurnsExecuted,
		"stop_reason", string(result.StopReason),
	)
}

func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()
	return ctx
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// --- logger ---

func newLogger(format string, level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	// Logs go to stderr; stdout carries the NDJSON event stream.
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "":
		if term.IsTerminal(int(os.Stderr.Fd())) {
			h = slog.NewTextHandler(os.Stderr, opts)
		} else {
			h = slog.NewJSONHandler(os.Stderr, opts)
		}
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	case "text":
		h = slog.NewTextHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}
