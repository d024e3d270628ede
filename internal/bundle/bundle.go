// Package bundle loads named experiment bundles: one YAML document per bundle
// holding the experiment schedule, the data source and, per model, the core,
// trainer and batch generator parameter spaces.
//
//	experiment:
//	  global_start_date: 2000-01-01
//	  global_end_date: 2008-12-31
//	  data_step: 3
//	  data_length: 12
//	  val_ratio: 0.1
//	  selected_criterion: mse
//	data:
//	  path: data/series.csv
//	  features: [temperature, pressure]
//	models:
//	  seq2seq:
//	    core: {window_in: 10, window_out: 5, encoder: {hidden_dim: [16, 32]}}
//	    trainer: {num_epochs: 50, learning_rate: [0.001, 0.0001]}
//	    batch_gen: {window_in: 10, window_out: 5, batch_size: 8}
package bundle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ramonehamilton/forecast-experimenter/internal/dataset"
	"github.com/ramonehamilton/forecast-experimenter/internal/device"
	"github.com/ramonehamilton/forecast-experimenter/internal/grid"
	"github.com/ramonehamilton/forecast-experimenter/internal/window"
)

// Ext is the file extension of bundle documents.
const Ext = ".yaml"

const dateLayout = "2006-01-02"

var (
	// ErrBundleNotFound is returned when no document exists for a bundle name.
	ErrBundleNotFound = errors.New("bundle: not found")

	// ErrModelNotInBundle is returned when a bundle has no section for a model.
	ErrModelNotInBundle = errors.New("bundle: model not configured")
)

// Experiment holds the schedule and selection settings of a bundle.
type Experiment struct {
	GlobalStart       time.Time
	GlobalEnd         time.Time
	DataStep          int
	DataLength        int
	ValRatio          float64
	TestRatio         float64
	Normalize         bool
	SelectedCriterion string
	Device            device.Device
	MaxWindows        int
}

type experimentDoc struct {
	GlobalStartDate   string  `yaml:"global_start_date"`
	GlobalEndDate     string  `yaml:"global_end_date"`
	DataStep          int     `yaml:"data_step"`
	DataLength        int     `yaml:"data_length"`
	ValRatio          float64 `yaml:"val_ratio"`
	TestRatio         float64 `yaml:"test_ratio"`
	NormalizeFlag     *bool   `yaml:"normalize_flag"`
	SelectedCriterion string  `yaml:"selected_criterion"`
	Device            string  `yaml:"device"`
	MaxWindows        int     `yaml:"max_windows"`
}

// Data locates the series a bundle trains on.
type Data struct {
	Path       string   `yaml:"path"`
	TimeColumn string   `yaml:"time_column"`
	Features   []string `yaml:"features"`
}

// Spaces are the parameter spaces of one model.
type Spaces struct {
	Core     *grid.Space
	Trainer  *grid.Space
	BatchGen *grid.Space
}

// Bundle is one decoded bundle document.
type Bundle struct {
	Name       string
	Experiment Experiment
	Data       Data

	// Params is the experiment section as written, recorded in checkpoints.
	Params grid.Combination

	models map[string]Spaces
	order  []string
}

// Path returns the document path of a bundle inside dir.
func Path(dir, name string) string {
	return filepath.Join(dir, name+Ext)
}

// Load reads the bundle called name from dir.
func Load(dir, name string) (*Bundle, error) {
	data, err := os.ReadFile(Path(dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %q in %s", ErrBundleNotFound, name, dir)
		}
		return nil, fmt.Errorf("failed to read bundle: %w", err)
	}
	b, err := Parse(name, data)
	if err != nil {
		return nil, err
	}
	// relative data paths are resolved against the bundle directory
	if b.Data.Path != "" && !filepath.IsAbs(b.Data.Path) {
		b.Data.Path = filepath.Join(dir, b.Data.Path)
	}
	return b, nil
}

// List returns the names of every bundle in dir.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != Ext {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), Ext))
	}
	sort.Strings(names)
	return names, nil
}

// Parse decodes a bundle document.
func Parse(name string, data []byte) (*Bundle, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: bundle %s: %v", grid.ErrConfig, name, err)
	}
	if len(doc.Content) == 0 {
		return nil, fmt.Errorf("%w: bundle %s is empty", grid.ErrConfig, name)
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: bundle %s: top level must be a mapping", grid.ErrConfig, name)
	}

	b := &Bundle{Name: name, models: map[string]Spaces{}}
	sections := map[string]*yaml.Node{}
	for i := 0; i+1 < len(root.Content); i += 2 {
		sections[root.Content[i].Value] = root.Content[i+1]
	}

	expNode, ok := sections["experiment"]
	if !ok {
		return nil, fmt.Errorf("%w: bundle %s has no experiment section", grid.ErrConfig, name)
	}
	if err := b.decodeExperiment(expNode); err != nil {
		return nil, fmt.Errorf("bundle %s: %w", name, err)
	}

	if n, ok := sections["data"]; ok {
		if err := n.Decode(&b.Data); err != nil {
			return nil, fmt.Errorf("%w: bundle %s data: %v", grid.ErrConfig, name, err)
		}
	}

	modelsNode, ok := sections["models"]
	if !ok || modelsNode.Kind != yaml.MappingNode || len(modelsNode.Content) == 0 {
		return nil, fmt.Errorf("%w: bundle %s configures no models", grid.ErrConfig, name)
	}
	for i := 0; i+1 < len(modelsNode.Content); i += 2 {
		modelName := modelsNode.Content[i].Value
		spaces, err := decodeSpaces(modelsNode.Content[i+1])
		if err != nil {
			return nil, fmt.Errorf("bundle %s model %s: %w", name, modelName, err)
		}
		b.models[modelName] = spaces
		b.order = append(b.order, modelName)
	}
	return b, nil
}

func (b *Bundle) decodeExperiment(n *yaml.Node) error {
	var doc experimentDoc
	if err := n.Decode(&doc); err != nil {
		return fmt.Errorf("%w: experiment: %v", grid.ErrConfig, err)
	}
	space, err := grid.FromYAML(n)
	if err != nil {
		return fmt.Errorf("experiment: %w", err)
	}
	if b.Params, err = grid.NewCombination(space); err != nil {
		return fmt.Errorf("experiment: %w", err)
	}

	e := Experiment{
		DataStep:          doc.DataStep,
		DataLength:        doc.DataLength,
		ValRatio:          doc.ValRatio,
		TestRatio:         doc.TestRatio,
		Normalize:         true,
		SelectedCriterion: doc.SelectedCriterion,
		Device:            device.CPU,
		MaxWindows:        doc.MaxWindows,
	}
	if doc.NormalizeFlag != nil {
		e.Normalize = *doc.NormalizeFlag
	}
	if e.SelectedCriterion == "" {
		e.SelectedCriterion = "mse"
	}
	if e.GlobalStart, err = time.Parse(dateLayout, doc.GlobalStartDate); err != nil {
		return fmt.Errorf("%w: global_start_date %q", grid.ErrConfig, doc.GlobalStartDate)
	}
	if e.GlobalEnd, err = time.Parse(dateLayout, doc.GlobalEndDate); err != nil {
		return fmt.Errorf("%w: global_end_date %q", grid.ErrConfig, doc.GlobalEndDate)
	}
	if doc.Device != "" {
		if e.Device, err = device.Parse(doc.Device); err != nil {
			return fmt.Errorf("%w: %v", grid.ErrConfig, err)
		}
	}
	if err := e.Split().Validate(); err != nil {
		return fmt.Errorf("%w: %v", grid.ErrConfig, err)
	}
	b.Experiment = e
	return nil
}

func decodeSpaces(n *yaml.Node) (Spaces, error) {
	var s Spaces
	if n.Kind != yaml.MappingNode {
		return s, fmt.Errorf("%w: model section must be a mapping", grid.ErrConfig)
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, val := n.Content[i].Value, n.Content[i+1]
		space, err := grid.FromYAML(val)
		if err != nil {
			return s, fmt.Errorf("%s: %w", key, err)
		}
		switch key {
		case "core":
			s.Core = space
		case "trainer":
			s.Trainer = space
		case "batch_gen":
			s.BatchGen = space
		default:
			return s, fmt.Errorf("%w: unknown model section %q", grid.ErrConfig, key)
		}
	}
	if s.Core == nil {
		return s, fmt.Errorf("%w: core parameters are required", grid.ErrConfig)
	}
	if s.Trainer == nil {
		s.Trainer = grid.NewSpace()
	}
	if s.BatchGen == nil {
		s.BatchGen = grid.NewSpace()
	}
	return s, nil
}

// Models returns the configured model names in declaration order.
func (b *Bundle) Models() []string {
	return append([]string(nil), b.order...)
}

// Model returns the parameter spaces of a model.
func (b *Bundle) Model(name string) (Spaces, error) {
	s, ok := b.models[name]
	if !ok {
		return Spaces{}, fmt.Errorf("%w: %q in bundle %s (have %s)", ErrModelNotInBundle, name, b.Name, strings.Join(b.order, ", "))
	}
	return s, nil
}

// Split returns the dataset split options of the experiment.
func (e Experiment) Split() dataset.SplitOptions {
	return dataset.SplitOptions{ValRatio: e.ValRatio, TestRatio: e.TestRatio, Normalize: e.Normalize}
}

// Windows schedules the experiment's windows, truncated to MaxWindows.
func (e Experiment) Windows() ([]window.Window, error) {
	ws, err := window.Schedule(e.GlobalStart, e.GlobalEnd, e.DataStep, e.DataLength)
	if err != nil {
		return nil, err
	}
	return window.Limit(ws, e.MaxWindows), nil
}

// BatchParams resolves a model's batch generator parameters. The batch
// generator is not searched, so its space must be a single combination.
func (s Spaces) BatchParams() (grid.Combination, dataset.BatchParams, error) {
	c, err := grid.NewCombination(s.BatchGen)
	if err != nil {
		return grid.Combination{}, dataset.BatchParams{}, fmt.Errorf("batch_gen: %w", err)
	}
	p, err := dataset.ParseBatchParams(c)
	if err != nil {
		return grid.Combination{}, dataset.BatchParams{}, fmt.Errorf("batch_gen: %w", err)
	}
	return c, p, nil
}

// CSVOptions returns the dataset options of the data section.
func (d Data) CSVOptions() dataset.CSVOptions {
	return dataset.CSVOptions{TimeColumn: d.TimeColumn, Features: d.Features}
}
