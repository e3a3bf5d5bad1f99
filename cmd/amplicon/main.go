package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"

	"github.com/itsmirapie/breast-cancer-microbiome/internal/api"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/config"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/doctor"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/lock"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/log"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/pipeline"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/report"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/stages"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/storage"
	"github.com/itsmirapie/breast-cancer-microbiome/internal/workspace"
)

const version = "0.2.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "run":
		os.Exit(runRun(args))
	case "plan":
		os.Exit(runPlan(args))
	case "status":
		os.Exit(runStatus(args))
	case "doctor":
		os.Exit(runDoctor(args))
	case "config":
		os.Exit(runConfigNoun(args))
	case "version":
		fmt.Printf("amplicon version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`amplicon - 16S rRNA amplicon pipeline runner

Usage:
  amplicon <command> [flags]

Commands:
  run               Execute the pipeline, skipping completed stages
  plan              Show what a run would execute, without executing
  status            Show per-stage completion and run history
  doctor            Preflight: config, tools, workspace
  config lock       Authorize current config (update integrity hashes)
  config check      Verify config integrity hashes
  version           Show version information
  help              Show this help message

Every command accepts --config PATH; without it the config is discovered
from $AMPLICON_CONFIG, ./pipeline.yaml, then ~/.config/amplicon/.
run and plan accept --no-manifest to trust existing outputs as complete
without fingerprint checks.
`)
}

// --- NOUN DISPATCHERS ---

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: amplicon config <action> [flags]")
		fmt.Fprintln(os.Stderr, "Actions: lock, check")
		return 1
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "lock":
		return runConfigLock(actionArgs)
	case "check":
		return runConfigCheck(actionArgs)
	case "help", "--help", "-h":
		fmt.Println("Usage: amplicon config <action> [flags]")
		fmt.Println("Actions: lock, check")
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

// --- ACTION IMPLEMENTATIONS ---

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	noManifest := fs.Bool("no-manifest", false, "Trust existing outputs without fingerprint checks")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Logging.Level, cfg.Logging.Format)
	logger := log.WithComponent("main")
	logger.Info("amplicon starting", "version", version, "config", path)

	pidLockPath := pidLockPathFor(cfg)
	pidLock, err := lock.AcquirePIDLock(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another run may be active)", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Warn("signal received, aborting after current stage", "signal", sig.String())
		cancel()
	}()

	ws, err := workspace.New(cfg.Workspace)
	if err != nil {
		logger.Error("invalid workspace", "error", err)
		return 1
	}
	if err := ws.Init(ctx); err != nil {
		logger.Error("failed to initialize workspace", "root", ws.Root(), "error", err)
		return 1
	}

	swept, err := ws.CleanupPartials(ctx)
	if err != nil {
		logger.Error("failed to sweep partial outputs", "error", err)
		return 1
	}
	if swept.DeletedPaths > 0 {
		logger.Info("removed partial outputs from interrupted run", "count", swept.DeletedPaths)
	}

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open state database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()

	runID := uuid.NewString()
	runner := pipeline.New(ws, manifestStore(db, *noManifest),
		pipeline.NewRunRecorder(db, runID))

	pipe := stages.Build(cfg, ws)
	logger.Info("run starting", "run_id", runID, "pipeline", pipe.Name, "stages", len(pipe.Stages))

	if cfg.API.Enabled {
		srv := api.New(api.Config{
			Listen: cfg.API.Listen,
			Token:  cfg.API.Token,
		}, db, ws, pipe, log.WithComponent("api"))
		go func() {
			if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("status server failed", "error", err)
			}
		}()
	}

	if err := runner.Run(ctx, pipe); err != nil {
		var stageErr *pipeline.StageError
		if errors.As(err, &stageErr) {
			logger.Error("run failed", "run_id", runID, "stage", stageErr.Stage, "error", err)
		} else {
			logger.Error("run failed", "run_id", runID, "error", err)
		}
		return 1
	}

	logger.Info("run complete", "run_id", runID)
	return 0
}

func runPlan(args []string) int {
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	noManifest := fs.Bool("no-manifest", false, "Trust existing outputs without fingerprint checks")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.Setup(cfg.Logging.Level, cfg.Logging.Format)

	ctx := context.Background()
	ws, err := workspace.New(cfg.Workspace)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid workspace: %v\n", err)
		return 1
	}

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open state database: %v\n", err)
		return 1
	}
	defer db.Close()

	runner := pipeline.New(ws, manifestStore(db, *noManifest), nil)
	decisions, err := runner.Plan(ctx, stages.Build(cfg, ws))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Plan failed: %v\n", err)
		return 1
	}

	pending := 0
	for _, d := range decisions {
		verdict := "skip"
		if d.Execute {
			verdict = "execute"
			pending++
		}
		fmt.Printf("%-8s %-14s %s\n", verdict, d.Stage, d.Reason)
	}
	fmt.Printf("\n%d of %d stage(s) would execute.\n", pending, len(decisions))
	return 0
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	serve := fs.Bool("serve", false, "Serve status over HTTP instead of printing")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.Setup(cfg.Logging.Level, cfg.Logging.Format)

	ctx := context.Background()
	ws, err := workspace.New(cfg.Workspace)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid workspace: %v\n", err)
		return 1
	}

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open state database: %v\n", err)
		return 1
	}
	defer db.Close()

	pipe := stages.Build(cfg, ws)

	if *serve {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
		}()

		srv := api.New(api.Config{
			Listen: cfg.API.Listen,
			Token:  cfg.API.Token,
		}, db, ws, pipe, log.WithComponent("api"))
		if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "Status server failed: %v\n", err)
			return 1
		}
		return 0
	}

	rep, err := report.Build(ctx, db, ws, pipe)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		out, err := report.FormatJSON(rep)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Println(out)
		return 0
	}
	fmt.Print(report.FormatHuman(rep))
	return 0
}

func runDoctor(args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	result := doctor.New(cfg).Validate()

	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	path := *configPath
	if path == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		path = discovered
	}

	manifestPath, err := config.Lock(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lock failed: %v\n", err)
		return 1
	}
	fmt.Printf("Config locked. Hashes written to %s\n", manifestPath)
	return 0
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	path := *configPath
	if path == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		path = discovered
	}

	if err := config.Check(path); err != nil {
		fmt.Fprintf(os.Stderr, "Config check FAILED: %v\n", err)
		return 1
	}
	fmt.Println("Config check passed.")
	return 0
}

// manifestStore returns the fingerprint store for a run, or nil when the
// operator opted into pure existence-based completion checks.
func manifestStore(db *sql.DB, disabled bool) *pipeline.ManifestStore {
	if disabled {
		return nil
	}
	return pipeline.NewManifestStore(db)
}

func loadConfig(configPath string) (*config.Config, string, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			return nil, "", err
		}
		configPath = discovered
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, "", err
	}
	return cfg, configPath, nil
}

func pidLockPathFor(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.State.Path), "amplicon.pid")
}
