// Package config loads and validates the session configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/handleui/mend/patch"
)

const (
	// DefaultFileName is looked up in the project root when no explicit
	// config path is given.
	DefaultFileName = ".mend.yml"

	// maxConfigSizeBytes caps the config file to prevent resource
	// exhaustion from a maliciously large file.
	maxConfigSizeBytes = 256 * 1024
)

// Config is the full session configuration. Zero values are filled
// with defaults by Load.
type Config struct {
	// TestCommand is the argv that runs the suite and writes the JSON
	// failure report to stdout.
	TestCommand []string `yaml:"test_command"`

	// MaxRetries bounds fix cycles per session.
	MaxRetries int `yaml:"max_retries"`

	// TimeoutSeconds bounds each individual test run.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// ConfidenceFloor gates strategies whose score fell below it.
	ConfidenceFloor float64 `yaml:"confidence_floor"`

	// EnabledStrategies restricts patch origins. Empty enables all.
	EnabledStrategies []string `yaml:"enabled_strategies"`

	// SuccessRate and FailureRate tune the confidence moving average.
	SuccessRate float64 `yaml:"success_rate"`
	FailureRate float64 `yaml:"failure_rate"`

	// LearnedThreshold is the minimum cached confidence for a verified
	// fix to be reused.
	LearnedThreshold float64 `yaml:"learned_threshold"`

	// Provider selects the model backend: "anthropic", "openai" or ""
	// to disable generation.
	Provider string `yaml:"provider"`

	// Model overrides the provider's default model.
	Model string `yaml:"model"`

	// ContextLines controls source excerpt size around failing lines.
	ContextLines int `yaml:"context_lines"`

	// Watch lists glob patterns for files captured in the session
	// baseline snapshot.
	Watch []string `yaml:"watch"`

	// CommitOnSuccess creates a git commit after a committed session
	// when the root is a git repository.
	CommitOnSuccess bool `yaml:"commit_on_success"`

	// StateDir holds the attempt log, learning cache, confidence model
	// and lockfile. Relative paths resolve against the project root.
	StateDir string `yaml:"state_dir"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		TestCommand:      []string{"python", "-m", "pytest", "--json-report", "--json-report-file=-", "-q"},
		MaxRetries:       5,
		TimeoutSeconds:   600,
		ConfidenceFloor:  0.2,
		SuccessRate:      0.3,
		FailureRate:      0.2,
		LearnedThreshold: 0.6,
		ContextLines:     5,
		Watch:            []string{"**/*.py"},
		StateDir:         ".mend",
	}
}

// Load reads the config file at path, or the default file under root
// when path is empty. A missing file yields the defaults.
func Load(root, path string) (*Config, error) {
	if path == "" {
		path = filepath.Join(root, DefaultFileName)
	}

	data, err := os.ReadFile(path) // #nosec G304 - user-designated config path
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := validateContent(data); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validateContent checks for malformed or binary content before the
// YAML parser sees it.
func validateContent(data []byte) error {
	if len(data) > maxConfigSizeBytes {
		return fmt.Errorf("config file exceeds maximum size of %d bytes", maxConfigSizeBytes)
	}
	if bytes.Contains(data, []byte{0x00}) {
		return fmt.Errorf("config file contains null bytes (binary content not allowed)")
	}
	return nil
}

// Validate checks ranges and cross-field consistency.
func (c *Config) Validate() error {
	if len(c.TestCommand) == 0 {
		return fmt.Errorf("test_command must not be empty")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1, got %d", c.MaxRetries)
	}
	if c.TimeoutSeconds < 1 {
		return fmt.Errorf("timeout_seconds must be at least 1, got %d", c.TimeoutSeconds)
	}
	if c.ConfidenceFloor < 0 || c.ConfidenceFloor > 1 {
		return fmt.Errorf("confidence_floor must be within [0,1], got %g", c.ConfidenceFloor)
	}
	if c.SuccessRate <= 0 || c.SuccessRate >= 1 {
		return fmt.Errorf("success_rate must be within (0,1), got %g", c.SuccessRate)
	}
	if c.FailureRate <= 0 || c.FailureRate >= 1 {
		return fmt.Errorf("failure_rate must be within (0,1), got %g", c.FailureRate)
	}
	if c.LearnedThreshold < 0 || c.LearnedThreshold > 1 {
		return fmt.Errorf("learned_threshold must be within [0,1], got %g", c.LearnedThreshold)
	}
	if c.ContextLines < 0 {
		return fmt.Errorf("context_lines must not be negative, got %d", c.ContextLines)
	}
	if _, err := c.Strategies(); err != nil {
		return err
	}
	switch c.Provider {
	case "", "anthropic", "openai":
	default:
		return fmt.Errorf("unknown provider %q (want anthropic or openai)", c.Provider)
	}
	return nil
}

// Strategies maps the configured strategy names onto patch origins.
func (c *Config) Strategies() ([]patch.Origin, error) {
	if len(c.EnabledStrategies) == 0 {
		return nil, nil
	}
	out := make([]patch.Origin, 0, len(c.EnabledStrategies))
	for _, name := range c.EnabledStrategies {
		origin := patch.Origin(name)
		if !origin.Valid() {
			return nil, fmt.Errorf("unknown strategy %q", name)
		}
		out = append(out, origin)
	}
	return out, nil
}

// Timeout returns the per-run deadline as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ResolveStateDir returns the absolute state directory for a root.
func (c *Config) ResolveStateDir(root string) string {
	if filepath.IsAbs(c.StateDir) {
		return c.StateDir
	}
	return filepath.Join(root, c.StateDir)
}
