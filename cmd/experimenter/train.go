package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/ramonehamilton/forecast-experimenter/internal/bundle"
	"github.com/ramonehamilton/forecast-experimenter/internal/checkpoint"
	"github.com/ramonehamilton/forecast-experimenter/internal/config"
	"github.com/ramonehamilton/forecast-experimenter/internal/dataset"
	"github.com/ramonehamilton/forecast-experimenter/internal/device"
	"github.com/ramonehamilton/forecast-experimenter/internal/experiment"
	"github.com/ramonehamilton/forecast-experimenter/internal/metrics"
	"github.com/ramonehamilton/forecast-experimenter/internal/model"
	"github.com/ramonehamilton/forecast-experimenter/internal/model/builtin"
	"github.com/ramonehamilton/forecast-experimenter/internal/orchestrator"
	"github.com/ramonehamilton/forecast-experimenter/internal/storage"
	"github.com/ramonehamilton/forecast-experimenter/internal/trainer"
)

var _ orchestrator.Journal = (*storage.Ledger)(nil)

// newStore returns a checkpoint store that restores models through reg. Models
// are restored on the CPU; callers relocate them.
func newStore(reg *model.Registry) *checkpoint.Store {
	return checkpoint.NewStore(checkpoint.Decoders{
		Model: func(name string, state []byte) (experiment.Model, error) {
			return reg.Restore(name, state, device.CPU)
		},
		Trainer:        trainer.Decode,
		BatchGenerator: dataset.Decode,
	})
}

// resolveDevice applies the config and flag overrides to the bundle device.
func resolveDevice(bundleDevice device.Device, cfg *config.Config) (device.Device, error) {
	dev := bundleDevice
	for _, override := range []string{cfg.Training.Device, *deviceFlag} {
		if override == "" {
			continue
		}
		d, err := device.Parse(override)
		if err != nil {
			return "", err
		}
		dev = d
	}
	if dev == "" {
		dev = device.CPU
	}
	return dev, nil
}

// selectModels returns the bundle models to run: the one named by -model, or all
// of them in document order.
func selectModels(b *bundle.Bundle) ([]string, error) {
	if *modelName == "" {
		return b.Models(), nil
	}
	if _, err := b.Model(*modelName); err != nil {
		return nil, err
	}
	return []string{*modelName}, nil
}

func trainTest(ctx context.Context, cfg *config.Config) error {
	b, err := bundle.Load(cfg.Paths.BundleDir, *bundleName)
	if err != nil {
		return err
	}
	names, err := selectModels(b)
	if err != nil {
		return err
	}
	dev, err := resolveDevice(b.Experiment.Device, cfg)
	if err != nil {
		return err
	}
	windows, err := b.Experiment.Windows()
	if err != nil {
		return fmt.Errorf("bundle %s: %w", b.Name, err)
	}

	reg := builtin.NewRegistry()
	exps := checkpoint.NewExperiments(cfg.Paths.ResultsRoot)
	opts := orchestrator.Options{
		Registry:    reg,
		NewTrainer:  trainer.NewFactory(log.Default()),
		Store:       newStore(reg),
		Experiments: exps,
		Metrics:     metrics.NewRunMetrics(),
	}

	if cfg.Paths.LedgerPath != "" {
		ledger, err := storage.OpenLedger(cfg.Paths.LedgerPath)
		if err != nil {
			return err
		}
		defer func() {
			if err := ledger.Close(); err != nil {
				log.Printf("[WARN] Failed to close ledger: %v", err)
			}
		}()
		opts.Journal = ledger
	}

	orch, err := orchestrator.New(opts)
	if err != nil {
		return err
	}

	source := dataset.NewCSVSource(b.Data.Path, b.Data.CSVOptions())
	log.Printf("[INFO] Bundle %s: %d window(s), models %v, device %s", b.Name, len(windows), names, dev)

	for _, name := range names {
		spaces, err := b.Model(name)
		if err != nil {
			return err
		}
		batchCombo, batchParams, err := spaces.BatchParams()
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}

		plan := orchestrator.Plan{
			Bundle:    b.Name,
			Model:     name,
			Device:    dev,
			Criterion: b.Experiment.SelectedCriterion,
			Windows:   windows,
			Trainer:   spaces.Trainer,
			Core:      spaces.Core,
			Data:      &dataset.Builder{Source: source, Split: b.Experiment.Split(), Batch: batchParams},
			Config: checkpoint.RunConfig{
				Bundle:            b.Name,
				Model:             name,
				Device:            dev,
				SelectedCriterion: b.Experiment.SelectedCriterion,
				Experiment:        b.Params,
				BatchGen:          batchCombo,
			},
		}

		summary, err := orch.Run(ctx, plan)
		if summary != nil {
			summary.Print(os.Stdout)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}

		if cfg.Training.WriteReport {
			path := filepath.Join(cfg.Paths.ReportDir, name+".html")
			if err := writeReport(exps, name, path); err != nil {
				log.Printf("[WARN] Report for %s not written: %v", name, err)
			}
		}
	}

	printStats(orch.Metrics().GetStats())
	return nil
}

func printStats(s *metrics.RunStats) {
	fmt.Println()
	fmt.Printf("Windows:       %d completed of %d started\n", s.WindowsCompleted, s.WindowsStarted)
	fmt.Printf("Combinations:  %d trained, %d failed (%.1f%%), %d improvements\n",
		s.CombinationsRun, s.CombinationsFailed, s.FailureRate, s.Improvements)
	fmt.Printf("Checkpoints:   %d saved, p95 %.1fms\n", s.CheckpointsSaved, s.CheckpointLatency.P95)
	fmt.Printf("Training:      mean %.1fms, p95 %.1fms per combination\n", s.TrainLatency.Mean, s.TrainLatency.P95)
	fmt.Printf("Elapsed:       %s\n", s.Uptime)
}
