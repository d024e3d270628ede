// Package main serves experiment checkpoints and the run ledger over a
// read-only REST API, with checkpoint commits pushed over a WebSocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ramonehamilton/forecast-experimenter/internal/api"
	"github.com/ramonehamilton/forecast-experimenter/internal/checkpoint"
	"github.com/ramonehamilton/forecast-experimenter/internal/config"
	"github.com/ramonehamilton/forecast-experimenter/internal/logging"
	"github.com/ramonehamilton/forecast-experimenter/internal/storage"
	"github.com/ramonehamilton/forecast-experimenter/internal/version"
	"github.com/ramonehamilton/forecast-experimenter/internal/watch"
)

var (
	configPath = flag.String("config", "", "Path to config.toml (default: ~/.forecast-experimenter/config.toml)")
	port       = flag.Int("port", 0, "API server port (default: from config)")
	noWatch    = flag.Bool("no-watch", false, "Do not push checkpoint events to WebSocket clients")
	debug      = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("[ERROR] %v", err)
	}
	logging.Configure(os.Stderr, cfg.App.DebugMode || *debug)
	if *port != 0 {
		cfg.API.Port = *port
	}

	fmt.Println("Forecast Experimenter - REST API Server", version.GetVersion())
	fmt.Println("=======================================")
	fmt.Printf("Results: %s\n", cfg.Paths.ResultsRoot)

	deps := api.Deps{Experiments: checkpoint.NewExperiments(cfg.Paths.ResultsRoot)}

	if cfg.Paths.LedgerPath != "" {
		ledger, err := storage.OpenLedger(cfg.Paths.LedgerPath)
		if err != nil {
			log.Fatalf("[ERROR] Failed to open ledger: %v", err)
		}
		defer func() {
			if err := ledger.Close(); err != nil {
				log.Printf("[WARN] Error closing ledger: %v", err)
			}
		}()
		deps.Runs = ledger
		fmt.Printf("Ledger:  %s\n", cfg.Paths.LedgerPath)
	}

	if !*noWatch {
		debounce, err := cfg.GetWatchDebounce()
		if err != nil {
			log.Fatalf("[ERROR] %v", err)
		}
		deps.Watcher = watch.New(cfg.Paths.ResultsRoot, watch.Options{
			Debounce: debounce,
			Rate:     cfg.Watch.Rate,
			Burst:    cfg.Watch.Burst,
		})
	}

	server, err := api.NewServer(&api.Config{Port: cfg.API.Port, AllowedOrigins: cfg.API.AllowedOrigins}, deps)
	if err != nil {
		log.Fatalf("[ERROR] %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("API server running at http://localhost:%d\n", cfg.API.Port)
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	if err := server.Run(ctx); err != nil {
		log.Printf("[ERROR] %v", err)
		return
	}
	fmt.Println("API server stopped.")
}

func loadConfig() (*config.Config, error) {
	path := *configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
