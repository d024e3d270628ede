// Command experimenter runs walk-forward grid searches over forecasting models
// and replays the checkpoints they leave behind.
//
// Usage:
//
//	experimenter -bundle default -mode train_test [-model seq2seq] [-device cuda:0]
//	experimenter -mode inference -model seq2seq -exp 3 [-heldout data.csv]
//	experimenter -mode watch
//	experimenter -mode report -model seq2seq
//	experimenter -mode migrate [-steps -1]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ramonehamilton/forecast-experimenter/internal/config"
	"github.com/ramonehamilton/forecast-experimenter/internal/logging"
	"github.com/ramonehamilton/forecast-experimenter/internal/version"
)

const (
	modeTrainTest = "train_test"
	modeInference = "inference"
	modeWatch     = "watch"
	modeReport    = "report"
	modeMigrate   = "migrate"
)

var (
	configPath   = flag.String("config", "", "Path to config.toml (default: ~/.forecast-experimenter/config.toml)")
	bundleName   = flag.String("bundle", "default", "Bundle name under the configured bundle directory")
	mode         = flag.String("mode", modeTrainTest, "Mode: train_test, inference, watch, report or migrate")
	modelName    = flag.String("model", "", "Model to run (default: every model in the bundle)")
	experimentID = flag.Int("exp", 0, "Experiment id to replay in inference mode (required)")
	deviceFlag   = flag.String("device", "", "Device override, e.g. cpu or cuda:1")
	heldOutPath  = flag.String("heldout", "", "CSV file to score in inference mode instead of the stored test split")
	heldOutStart = flag.String("heldout-start", "", "First day of the held-out rows (YYYY-MM-DD)")
	heldOutEnd   = flag.String("heldout-end", "", "Last day of the held-out rows (YYYY-MM-DD)")
	openReport   = flag.Bool("open", false, "Open the rendered report in a browser")
	steps        = flag.Int("steps", 0, "Migration steps in migrate mode; 0 applies every pending migration")
	forceVersion = flag.Int("force", -1, "Force the ledger schema version in migrate mode without migrating")
	debug        = flag.Bool("debug", false, "Enable debug logging")
	showVersion  = flag.Bool("version", false, "Print the version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("experimenter", version.GetVersion())
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("[ERROR] %v", err)
	}
	logging.Configure(os.Stderr, cfg.App.DebugMode || *debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *mode); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Printf("[WARN] Interrupted")
			os.Exit(130)
		}
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, mode string) error {
	switch mode {
	case modeTrainTest:
		return trainTest(ctx, cfg)
	case modeInference:
		return inferenceMode(ctx, cfg)
	case modeWatch:
		return watchMode(ctx, cfg)
	case modeReport:
		return reportMode(cfg)
	case modeMigrate:
		return migrateMode(cfg)
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
}

// loadConfig reads path, or the per-user default when path is empty. A missing
// file yields the defaults.
func loadConfig(path string) (*config.Config, error) {
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
