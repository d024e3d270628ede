package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ramonehamilton/forecast-experimenter/internal/bundle"
	"github.com/ramonehamilton/forecast-experimenter/internal/checkpoint"
	"github.com/ramonehamilton/forecast-experimenter/internal/config"
	"github.com/ramonehamilton/forecast-experimenter/internal/dataset"
	"github.com/ramonehamilton/forecast-experimenter/internal/device"
	"github.com/ramonehamilton/forecast-experimenter/internal/inference"
	"github.com/ramonehamilton/forecast-experimenter/internal/model/builtin"
)

const dayLayout = "2006-01-02"

func inferenceMode(ctx context.Context, cfg *config.Config) error {
	if *experimentID <= 0 {
		return fmt.Errorf("%w (use -exp)", inference.ErrUsage)
	}

	dev, err := resolveDevice(device.CPU, cfg)
	if err != nil {
		return err
	}
	req := inference.Request{Model: *modelName, ExperimentID: *experimentID, Device: dev}

	if *heldOutPath != "" {
		heldOut, err := heldOutRequest(cfg)
		if err != nil {
			return err
		}
		req.HeldOut = heldOut
	}

	reg := builtin.NewRegistry()
	runner := inference.NewRunner(newStore(reg), checkpoint.NewExperiments(cfg.Paths.ResultsRoot), nil)
	res, err := runner.Run(ctx, req)
	if err != nil {
		return err
	}

	fmt.Printf("%s exp_%d on %s\n", res.Model, res.ExperimentID, res.Device)
	fmt.Printf("  window:   %s\n", res.Window.Label())
	fmt.Printf("  samples:  %d\n", res.Samples)
	fmt.Printf("  loss:     %.5f\n", res.Loss)
	fmt.Printf("  metrics:  %s\n", res.Metrics)
	return nil
}

// heldOutRequest reads the held-out file with the bundle's column layout.
func heldOutRequest(cfg *config.Config) (*inference.HeldOut, error) {
	b, err := bundle.Load(cfg.Paths.BundleDir, *bundleName)
	if err != nil {
		return nil, err
	}
	h := &inference.HeldOut{Source: dataset.NewCSVSource(*heldOutPath, b.Data.CSVOptions())}
	if *heldOutStart != "" {
		if h.Start, err = time.Parse(dayLayout, *heldOutStart); err != nil {
			return nil, fmt.Errorf("%w: -heldout-start: %v", inference.ErrUsage, err)
		}
	}
	if *heldOutEnd != "" {
		end, err := time.Parse(dayLayout, *heldOutEnd)
		if err != nil {
			return nil, fmt.Errorf("%w: -heldout-end: %v", inference.ErrUsage, err)
		}
		// windows end on the last hour of their final day
		h.End = end.AddDate(0, 0, 1).Add(-time.Hour)
	}
	return h, nil
}
