package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/ramonehamilton/forecast-experimenter/internal/device"
)

// Config represents the application configuration.
type Config struct {
	// Where bundles, results and the ledger live
	Paths PathsConfig `toml:"paths"`

	// Training defaults
	Training TrainingConfig `toml:"training"`

	// Read-only API server
	API APIConfig `toml:"api"`

	// Checkpoint watcher
	Watch WatchConfig `toml:"watch"`

	// Application configuration
	App AppConfig `toml:"app"`
}

// PathsConfig contains filesystem locations.
type PathsConfig struct {
	BundleDir   string `toml:"bundle_dir"`   // Directory of <name>.yaml bundles
	ResultsRoot string `toml:"results_root"` // results/<model>/exp_<N>
	LedgerPath  string `toml:"ledger_path"`  // SQLite run ledger ("" disables it)
	ReportDir   string `toml:"report_dir"`   // HTML reports
}

// TrainingConfig contains defaults applied when a bundle leaves them out.
type TrainingConfig struct {
	Device      string `toml:"device"`       // Overrides the bundle device when set
	WriteReport bool   `toml:"write_report"` // Render a report after each run
}

// APIConfig contains API server settings.
type APIConfig struct {
	Port           int      `toml:"port"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// WatchConfig contains checkpoint watcher settings.
type WatchConfig struct {
	Debounce string  `toml:"debounce"` // Quiet period before a commit is reported (e.g., "500ms")
	Rate     float64 `toml:"rate"`     // Max events per second
	Burst    int     `toml:"burst"`
}

// AppConfig contains general application settings.
type AppConfig struct {
	DebugMode bool `toml:"debug_mode"` // Enable debug logging
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			BundleDir:   "configs/bundles",
			ResultsRoot: "results",
			LedgerPath:  "results/ledger.db",
			ReportDir:   "results/reports",
		},
		Training: TrainingConfig{
			Device:      "",
			WriteReport: true,
		},
		API: APIConfig{
			Port:           8080,
			AllowedOrigins: []string{"http://localhost:*"},
		},
		Watch: WatchConfig{
			Debounce: "500ms",
			Rate:     5,
			Burst:    10,
		},
		App: AppConfig{
			DebugMode: false,
		},
	}
}

// DefaultPath returns the per-user configuration path.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".forecast-experimenter", "config.toml"), nil
}

// Load loads the configuration at path. Returns default config if the file
// doesn't exist. Keys missing from the file keep their defaults.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return config, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return config, nil
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration values.
func (c *Config) Validate() error {
	if c.Paths.BundleDir == "" {
		return fmt.Errorf("bundle dir cannot be empty")
	}
	if c.Paths.ResultsRoot == "" {
		return fmt.Errorf("results root cannot be empty")
	}

	if c.Training.Device != "" {
		if _, err := device.Parse(c.Training.Device); err != nil {
			return fmt.Errorf("invalid training device: %w", err)
		}
	}

	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("invalid API port: %d", c.API.Port)
	}

	if _, err := time.ParseDuration(c.Watch.Debounce); err != nil {
		return fmt.Errorf("invalid watch debounce %q: %w", c.Watch.Debounce, err)
	}
	if c.Watch.Rate <= 0 {
		return fmt.Errorf("watch rate must be positive: %v", c.Watch.Rate)
	}
	if c.Watch.Burst < 1 {
		return fmt.Errorf("watch burst must be at least 1: %d", c.Watch.Burst)
	}

	return nil
}

// GetWatchDebounce returns the watch debounce as a duration.
func (c *Config) GetWatchDebounce() (time.Duration, error) {
	return time.ParseDuration(c.Watch.Debounce)
}
