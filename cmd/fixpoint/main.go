package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"fixpoint/internal/agent"
	"fixpoint/internal/config"
	"fixpoint/internal/engine"
	"fixpoint/internal/gitrepo"
	"fixpoint/internal/history"
	"fixpoint/internal/logging"
	"fixpoint/internal/metrics"
	"fixpoint/internal/notify"
	"fixpoint/internal/safety"
	"fixpoint/internal/task"
	"fixpoint/internal/telemetry"
	"fixpoint/internal/validate"
)

// cliFlags holds the parsed command line for a fixpoint run.
type cliFlags struct {
	configPath   string
	once         bool
	resetBreaker bool
}

func parseFlags() cliFlags {
	var fl cliFlags

	flag.StringVar(&fl.configPath, "config", "fixpoint.yaml", "path to the config file")
	flag.BoolVar(&fl.once, "once", false, "run a single cycle and exit")
	flag.BoolVar(&fl.resetBreaker, "reset-breaker", false, "request a circuit breaker reset and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: fixpoint [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Fixpoint runs an autonomous improvement loop against a git repository:\n")
		fmt.Fprintf(os.Stderr, "pick tasks, run an agent, validate, then commit or roll back.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	return fl
}

func run(fl cliFlags) error {
	cfg, err := config.Load(fl.configPath)
	if err != nil {
		return err
	}

	if fl.resetBreaker {
		return requestBreakerReset(cfg)
	}

	logger, err := logging.New(cfg.Logging, cfg.Paths.LogFile)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hist, err := history.Open(cfg.Paths.HistoryFile, cfg.Engine.HistoryCap, logger)
	if err != nil {
		return err
	}

	repo, err := gitrepo.New(cfg.Target.RepoPath, cfg.Target.MainBranch, cfg.Target.Remote, logger)
	if err != nil {
		return err
	}

	source, err := task.NewDirSource(cfg.Tasks, logger)
	if err != nil {
		return err
	}
	var wake <-chan struct{}
	if cfg.Tasks.Watch {
		wake, err = source.Watch(ctx)
		if err != nil {
			logger.Warn("task watcher unavailable, falling back to polling", zap.Error(err))
		}
	}

	runner := agent.New(cfg.Agent, logger)
	var exec engine.Executor
	if cfg.Pipeline.Enabled {
		exec = engine.NewPipelineExecutor(runner, cfg.Pipeline, cfg.Safety.ProtectedPaths, logger)
	} else {
		exec = engine.NewSingleExecutor(runner, cfg.Safety.ProtectedPaths, logger)
	}

	tracer, err := telemetry.New(ctx, logger)
	if err != nil {
		logger.Warn("trace exporter unavailable", zap.Error(err))
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(sctx); err != nil {
			logger.Warn("trace exporter shutdown", zap.Error(err))
		}
	}()

	var mets *metrics.Metrics
	if cfg.Metrics.Enabled {
		mets = metrics.New()
		go func() {
			if err := mets.Serve(ctx, cfg.Metrics.ListenAddr, logger); err != nil {
				logger.Warn("metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	notifier := notify.New(cfg.Notify, logger)
	defer notifier.Close()

	eng := engine.New(cfg, engine.Deps{
		Repo:      repo,
		Gate:      safety.New(cfg.Safety, cfg.Target.RepoPath, hist, logger),
		Source:    source,
		History:   hist,
		Executor:  exec,
		Validator: validate.New(cfg.Checks, logger),
		Status:    engine.NewStatusWriter(engine.StatusPath(cfg.Paths.StateDir), logger),
		Notifier:  notifier,
		Metrics:   mets,
		Overlay:   engine.NewOverlay(cfg.Engine.SelfModify, cfg.Target.RepoPath, logger),
		Tracer:    tracer,
		Wake:      wake,
		Output:    os.Stdout,
		Log:       logger,
	})

	if fl.once {
		return eng.RunOnce(ctx)
	}
	return eng.Run(ctx)
}

// requestBreakerReset drops the marker file the safety gate consumes on
// its next check. Writing a file instead of editing history keeps this
// safe to run while the loop holds the lock.
func requestBreakerReset(cfg *config.Config) error {
	path := cfg.Safety.BreakerResetFile
	if path == "" {
		return errors.New("safety.breaker_reset_file is not configured")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	stamp := time.Now().UTC().Format(time.RFC3339) + "\n"
	if err := os.WriteFile(path, []byte(stamp), 0o644); err != nil {
		return fmt.Errorf("writing breaker reset file: %w", err)
	}
	fmt.Printf("breaker reset requested; the loop consumes %s on its next safety check\n", path)
	return nil
}

func main() {
	fl := parseFlags()
	if err := run(fl); err != nil {
		fmt.Fprintf(os.Stderr, "fixpoint: %v\n", err)
		os.Exit(1)
	}
}
