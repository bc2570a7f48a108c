package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/docsplus/docstore/internal/logger"
	"github.com/docsplus/docstore/pkg/api"
	"github.com/docsplus/docstore/pkg/config"
	"github.com/docsplus/docstore/pkg/metrics"
	"github.com/docsplus/docstore/pkg/nm"
	"github.com/docsplus/docstore/pkg/ss"
)

// Build-time variables injected via ldflags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const usage = `docstore - distributed collaborative document store

Usage:
  docstore <command> [flags]

Commands:
  init     Write a default configuration file
  nm       Run the naming manager
  ss       Run a storage server
  version  Show version information

Flags:
  --config string    Path to config file (default: docstore.yaml in the search path)
  --force            Overwrite an existing config file (init only)

Examples:
  # Write a starter config and edit it
  docstore init --config docstore.yaml

  # Run the naming manager
  docstore nm --config docstore.yaml

  # Run storage server 2 on the same config
  DOCSTORE_SS_ID=2 docstore ss --config docstore.yaml

Environment Variables:
  Every configuration key can be overridden as DOCSTORE_<SECTION>_<KEY>.

  Examples:
    DOCSTORE_LOG_LEVEL=DEBUG
    DOCSTORE_NM_PORT=9100
    DOCSTORE_SS_DATA_DIR=/var/lib/docstore/ss1
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit()
	case "nm":
		runNM()
	case "ss":
		runSS()
	case "help", "--help", "-h":
		fmt.Print(usage)
	case "version", "--version", "-v":
		fmt.Printf("docstore %s (commit: %s, built: %s)\n", version, commit, date)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

func runInit() {
	initFlags := flag.NewFlagSet("init", flag.ExitOnError)
	configFile := initFlags.String("config", "docstore.yaml", "Path to config file")
	force := initFlags.Bool("force", false, "Overwrite an existing config file")
	if err := initFlags.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}

	if *force {
		_ = os.Remove(*configFile)
	}
	if err := config.WriteDefault(*configFile); err != nil {
		log.Fatalf("Failed to write config: %v", err)
	}

	fmt.Printf("Configuration file created at: %s\n", *configFile)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file to customize your setup")
	fmt.Printf("  2. Start the naming manager: docstore nm --config %s\n", *configFile)
	fmt.Printf("  3. Start a storage server:   docstore ss --config %s\n", *configFile)
}

// loadConfig parses the shared --config flag and initializes the logger.
func loadConfig(args []string, name string) *config.Config {
	flags := flag.NewFlagSet(name, flag.ExitOnError)
	configFile := flags.String("config", "", "Path to config file")
	if err := flags.Parse(args); err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := logger.Init(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	return cfg
}

func runNM() {
	cfg := loadConfig(os.Args[2:], "nm")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	srv, err := nm.New(cfg.NM, m)
	if err != nil {
		log.Fatalf("Failed to start naming manager: %v", err)
	}

	logger.Info("naming manager starting", "version", version,
		"port", cfg.NM.Port, "state_file", cfg.NM.StateFile)

	if cfg.NM.API.Enabled {
		admin := api.NewServer(cfg.NM.API, srv, m)
		go func() {
			if err := admin.Start(ctx); err != nil {
				logger.Error("admin API failed", "error", err)
			}
		}()
		logger.Info("admin API enabled", "port", admin.Port())
	}

	runUntilSignal(ctx, cancel, func() error { return srv.Serve(ctx) })
}

func runSS() {
	cfg := loadConfig(os.Args[2:], "ss")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	srv, err := ss.New(cfg.SS, m)
	if err != nil {
		log.Fatalf("Failed to start storage server: %v", err)
	}

	logger.Info("storage server starting", "version", version, "ss_id", cfg.SS.ID,
		"ctrl_port", cfg.SS.CtrlPort, "data_port", cfg.SS.DataPort,
		"data_dir", cfg.SS.DataDir)

	runUntilSignal(ctx, cancel, func() error { return srv.Serve(ctx) })
}

// runUntilSignal runs serve in the background and blocks until SIGINT/SIGTERM
// or a server error, then drains the graceful shutdown.
func runUntilSignal(ctx context.Context, cancel context.CancelFunc, serve func() error) {
	serverDone := make(chan error, 1)
	go func() { serverDone <- serve() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("server is running, press Ctrl+C to stop")

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("shutdown signal received, initiating graceful shutdown")
		cancel()
		if err := <-serverDone; err != nil && err != context.Canceled {
			logger.Error("server shutdown error", "error", err)
			os.Exit(1)
		}
		logger.Info("server stopped gracefully")
	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil && err != context.Canceled {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
		logger.Info("server stopped")
	}
}
