package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/woxQAQ/wasm-sandbox-host/internal/config"
	"github.com/woxQAQ/wasm-sandbox-host/internal/supervisor"
	"github.com/woxQAQ/wasm-sandbox-host/internal/wasm"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error), overrides the configuration")
	supervisorName := flag.String("supervisor", "", "Name of the supervisor to run, defaults to the one exporting -method")
	method := flag.String("method", "", "Supervisor method to call")
	input := flag.String("input", "", "Hex-encoded method input")
	list := flag.Bool("list", false, "List the loaded supervisors and exit")
	flag.Parse()

	cfg, err := config.LoadExecutorConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	var logger *zap.Logger
	if cfg.LogLevel == "debug" {
		logger, _ = zap.NewDevelopment()
	} else {
		pc := zap.NewProductionConfig()
		if level, err := zap.ParseAtomicLevel(cfg.LogLevel); err == nil {
			pc.Level = level
		}
		logger, _ = pc.Build()
	}
	defer logger.Sync()

	logger.Info("Starting sandbox-executor",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("date", date),
	)

	if *method == "" && !*list {
		logger.Fatal("-method is required")
	}
	payload, err := hex.DecodeString(*input)
	if err != nil {
		logger.Fatal("Invalid -input", zap.Error(err))
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A cancelled context stops the running supervisor.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	if *list {
		if err := listSupervisors(ctx, cfg, logger); err != nil {
			logger.Fatal("Listing supervisors failed", zap.Error(err))
		}
		return
	}

	output, err := run(ctx, cfg, logger, *supervisorName, *method, payload)
	if err != nil {
		logger.Fatal("Call failed",
			zap.String("supervisor", *supervisorName),
			zap.String("method", *method),
			zap.Error(err),
		)
	}

	fmt.Println(hex.EncodeToString(output))
}

func run(ctx context.Context, cfg *config.ExecutorConfig, logger *zap.Logger, name, method string, input []byte) ([]byte, error) {
	var output []byte
	err := withManager(ctx, cfg, logger, func(manager *supervisor.Manager) error {
		var err error
		output, err = manager.Call(ctx, name, method, input)
		return err
	})
	return output, err
}

func listSupervisors(ctx context.Context, cfg *config.ExecutorConfig, logger *zap.Logger) error {
	return withManager(ctx, cfg, logger, func(manager *supervisor.Manager) error {
		for _, s := range manager.List() {
			fmt.Printf("%s\t%s\t%s\n", s.Name(), s.Version(), strings.Join(s.Exports(), ","))
		}
		return nil
	})
}

// withManager loads the configured supervisors and shuts them down after fn.
func withManager(ctx context.Context, cfg *config.ExecutorConfig, logger *zap.Logger, fn func(*supervisor.Manager) error) error {
	runtime, err := wasm.NewRuntime(ctx, logger, cfg.RuntimeConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize Wasm runtime: %w", err)
	}

	manager := supervisor.NewManager(cfg, runtime, logger)
	defer func() {
		// The call context may already be cancelled.
		if err := manager.Shutdown(context.Background()); err != nil {
			logger.Error("Shutdown failed", zap.Error(err))
		}
	}()

	if err := manager.LoadAll(ctx); err != nil {
		return err
	}
	return fn(manager)
}
