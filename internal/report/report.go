// Package report renders HTML charts of the experiments saved for a model:
// selection and test scores per window, and the loss curves of each winner.
package report

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/ramonehamilton/forecast-experimenter/internal/checkpoint"
)

// missing is how echarts marks a gap in a series.
const missing = "-"

// ChartConfig holds configuration for charts.
type ChartConfig struct {
	Width  string   // Chart width (e.g., "900px")
	Height string   // Chart height (e.g., "500px")
	Theme  string   // Chart theme
	Smooth bool     // Smooth lines
	Colors []string // Series colors
}

// DefaultChartConfig returns default chart configuration.
func DefaultChartConfig() ChartConfig {
	return ChartConfig{
		Width:  "900px",
		Height: "500px",
		Theme:  "light",
		Smooth: false,
		Colors: []string{"#5470C6", "#91CC75", "#FAC858", "#EE6666", "#73C0DE", "#3BA272", "#FC8452", "#9A60B4", "#EA7CCC"},
	}
}

// Entry is one saved experiment.
type Entry struct {
	ExperimentID int
	Window       string
	Stage        string
	Scores       checkpoint.Scores
}

// Collect reads the scores of every experiment of model in id order.
// Directories that are not complete checkpoints are skipped.
func Collect(exps *checkpoint.Experiments, model string) ([]Entry, error) {
	ids, err := exps.List(model)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		m, scores, cfg, err := checkpoint.LoadScores(exps.Dir(model, id))
		if errors.Is(err, checkpoint.ErrCheckpointNotFound) {
			log.Printf("[WARN] Skipping exp_%d of %s: %v", id, model, err)
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{
			ExperimentID: id,
			Window:       cfg.Window.Label(),
			Stage:        m.Stage,
			Scores:       scores,
		})
	}
	return entries, nil
}

// Render writes a page of charts for the entries of model.
func Render(w io.Writer, model string, entries []Entry, config ChartConfig) error {
	if len(entries) == 0 {
		return fmt.Errorf("no experiments to report for %s", model)
	}

	page := components.NewPage()
	page.PageTitle = model + " experiments"
	page.AddCharts(
		scoresChart(model, entries, config),
		metricsChart(model, entries, config),
	)
	for _, e := range entries {
		if len(e.Scores.TrainLoss) > 0 || len(e.Scores.ValLoss) > 0 {
			page.AddCharts(lossChart(e, config))
		}
	}

	if err := page.Render(w); err != nil {
		return fmt.Errorf("failed to render report: %w", err)
	}
	return nil
}

// WriteFile renders the report of model into path.
func WriteFile(path, model string, entries []Entry, config ChartConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	defer f.Close()

	return Render(f, model, entries, config)
}

func globalOpts(config ChartConfig, title, subtitle string) []charts.GlobalOpts {
	return []charts.GlobalOpts{
		charts.WithInitializationOpts(opts.Initialization{
			Width:  config.Width,
			Height: config.Height,
			Theme:  config.Theme,
		}),
		charts.WithTitleOpts(opts.Title{
			Title:    title,
			Subtitle: subtitle,
		}),
		charts.WithTooltipOpts(opts.Tooltip{
			Show:    opts.Bool(true),
			Trigger: "axis",
		}),
		charts.WithLegendOpts(opts.Legend{
			Show: opts.Bool(true),
			Top:  "bottom",
		}),
		charts.WithColorsOpts(opts.Colors(config.Colors)),
	}
}

func labels(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = fmt.Sprintf("exp_%d %s", e.ExperimentID, e.Window)
	}
	return out
}

func lineValue(v *float64) opts.LineData {
	if v == nil {
		return opts.LineData{Value: missing}
	}
	return opts.LineData{Value: *v}
}

// scoresChart plots the selection criterion, evaluation loss and test loss per window.
func scoresChart(model string, entries []Entry, config ChartConfig) *charts.Line {
	line := charts.NewLine()
	criterion := entries[0].Scores.CriterionName
	line.SetGlobalOptions(globalOpts(config, model+": scores per window", "selected on "+criterion)...)

	selected := make([]opts.LineData, len(entries))
	eval := make([]opts.LineData, len(entries))
	test := make([]opts.LineData, len(entries))
	for i, e := range entries {
		selected[i] = lineValue(checkpoint.Finite(e.Scores.Criterion))
		eval[i] = lineValue(e.Scores.EvalLoss)
		test[i] = lineValue(e.Scores.TestLoss)
	}

	line.SetXAxis(labels(entries)).
		AddSeries("validation "+criterion, selected).
		AddSeries("evaluation loss", eval).
		AddSeries("test loss", test).
		SetSeriesOptions(
			charts.WithLineChartOpts(opts.LineChart{
				Smooth: opts.Bool(config.Smooth),
			}),
			charts.WithLabelOpts(opts.Label{
				Show: opts.Bool(false),
			}),
		)
	return line
}

// metricsChart groups every test metric per window.
func metricsChart(model string, entries []Entry, config ChartConfig) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(globalOpts(config, model+": test metrics per window", "")...)
	bar.SetXAxis(labels(entries))

	names := map[string]bool{}
	for _, e := range entries {
		for name := range e.Scores.Test {
			names[name] = true
		}
	}
	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	for _, name := range sorted {
		data := make([]opts.BarData, len(entries))
		for i, e := range entries {
			if v, ok := e.Scores.Test.Lookup(name); ok {
				data[i] = opts.BarData{Value: v}
			} else {
				data[i] = opts.BarData{Value: missing}
			}
		}
		bar.AddSeries(name, data)
	}
	return bar
}

// lossChart plots the per-epoch train and validation loss of one winner.
func lossChart(e Entry, config ChartConfig) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(globalOpts(config,
		fmt.Sprintf("exp_%d loss history", e.ExperimentID),
		fmt.Sprintf("%s, combination %d", e.Window, e.Scores.Combination))...)

	epochs := max(len(e.Scores.TrainLoss), len(e.Scores.ValLoss))
	x := make([]int, epochs)
	for i := range x {
		x[i] = i + 1
	}

	line.SetXAxis(x).
		AddSeries("train", series(e.Scores.TrainLoss, epochs)).
		AddSeries("validation", series(e.Scores.ValLoss, epochs)).
		SetSeriesOptions(
			charts.WithLineChartOpts(opts.LineChart{
				Smooth: opts.Bool(config.Smooth),
			}),
		)
	return line
}

func series(values []float64, n int) []opts.LineData {
	out := make([]opts.LineData, n)
	for i := range out {
		if i < len(values) {
			out[i] = lineValue(checkpoint.Finite(values[i]))
		} else {
			out[i] = opts.LineData{Value: missing}
		}
	}
	return out
}

// OpenInBrowser opens the given file path in the default web browser.
func OpenInBrowser(filePath string) error {
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", absPath)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", absPath)
	case "linux":
		cmd = exec.Command("xdg-open", absPath)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}

	return cmd.Start()
}
