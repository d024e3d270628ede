package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/ramonehamilton/forecast-experimenter/internal/checkpoint"
	"github.com/ramonehamilton/forecast-experimenter/internal/config"
	"github.com/ramonehamilton/forecast-experimenter/internal/report"
	"github.com/ramonehamilton/forecast-experimenter/internal/storage"
	"github.com/ramonehamilton/forecast-experimenter/internal/watch"
)

// watchMode prints every checkpoint commit under the results root until interrupted.
func watchMode(ctx context.Context, cfg *config.Config) error {
	debounce, err := cfg.GetWatchDebounce()
	if err != nil {
		return err
	}
	w := watch.New(cfg.Paths.ResultsRoot, watch.Options{
		Debounce: debounce,
		Rate:     cfg.Watch.Rate,
		Burst:    cfg.Watch.Burst,
	})

	err = w.Run(ctx, func(e watch.Event) {
		fmt.Printf("%s  %s/exp_%d  %-10s  run %s\n", e.SavedAt.Format("15:04:05"), e.Model, e.ExperimentID, e.Stage, e.RunID)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// reportMode renders the experiments of -model, or of every model, to HTML.
func reportMode(cfg *config.Config) error {
	exps := checkpoint.NewExperiments(cfg.Paths.ResultsRoot)

	names := []string{*modelName}
	if *modelName == "" {
		var err error
		if names, err = exps.Models(); err != nil {
			return err
		}
		if len(names) == 0 {
			return fmt.Errorf("no experiments under %s", cfg.Paths.ResultsRoot)
		}
	}

	for _, name := range names {
		path := filepath.Join(cfg.Paths.ReportDir, name+".html")
		if err := writeReport(exps, name, path); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if *openReport {
			if err := report.OpenInBrowser(path); err != nil {
				log.Printf("[WARN] Failed to open browser: %v", err)
			}
		}
	}
	return nil
}

func writeReport(exps *checkpoint.Experiments, name, path string) error {
	entries, err := report.Collect(exps, name)
	if err != nil {
		return err
	}
	if err := report.WriteFile(path, name, entries, report.DefaultChartConfig()); err != nil {
		return err
	}
	log.Printf("[INFO] Report for %s (%d experiments) written to %s", name, len(entries), path)
	return nil
}

// migrateMode moves the ledger schema by -steps, fully up when -steps is 0, or
// marks it as -force without running anything.
func migrateMode(cfg *config.Config) error {
	if cfg.Paths.LedgerPath == "" {
		return errors.New("no ledger_path configured")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Paths.LedgerPath), 0o755); err != nil {
		return fmt.Errorf("failed to create ledger directory: %w", err)
	}
	mm, err := storage.NewMigrationManager(cfg.Paths.LedgerPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := mm.Close(); err != nil {
			log.Printf("[WARN] Failed to close migration manager: %v", err)
		}
	}()

	switch {
	case *forceVersion >= 0:
		err = mm.Force(*forceVersion)
	case *steps == 0:
		err = mm.Up()
	default:
		err = mm.Steps(*steps)
	}
	if err != nil {
		return err
	}

	v, dirty, err := mm.Version()
	if err != nil {
		return err
	}
	fmt.Printf("Ledger %s at schema version %d (dirty: %v)\n", cfg.Paths.LedgerPath, v, dirty)
	return nil
}
