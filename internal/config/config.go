package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models phonoflow.yml.
type Config struct {
	Run       RunConfig    `yaml:"run"`
	Engine    EngineConfig `yaml:"engine"`
	SeedModel []float64    `yaml:"seed_model,omitempty"`
}

// RunConfig holds the knobs of the iterative harmonic workflow.
type RunConfig struct {
	// Mode selects the workflow: "iterative" runs the self-consistent
	// loop, "one-pass" does a single generate-dispatch-fit cycle.
	Mode                 string    `yaml:"mode"`
	MaxIterations        int       `yaml:"max_iterations"`
	ConvergenceTolerance float64   `yaml:"convergence_tolerance"`
	SamplesPerIteration  int       `yaml:"samples_per_iteration"`
	MinSuccessFraction   float64   `yaml:"min_success_fraction"`
	Amplitude            Amplitude `yaml:"amplitude"`
	Seed                 int64     `yaml:"seed"`
	// ColdStart selects where the first iteration's samples come from:
	// "displacements" derives them from the bare structure, "seed-model"
	// samples the externally supplied seed_model.
	ColdStart string `yaml:"cold_start"`
	NumAtoms  int    `yaml:"num_atoms"`
}

// Amplitude describes the displacement amplitude of generated samples.
type Amplitude struct {
	// TemperatureK sets thermal sampling amplitude when a model is available.
	TemperatureK float64 `yaml:"temperature_k"`
	// Distance is the fixed displacement distance for model-free samples,
	// in the same length unit as the structure.
	Distance float64 `yaml:"distance"`
}

// EngineConfig selects and tunes the compute engine running sub-jobs.
type EngineConfig struct {
	Kind         string  `yaml:"kind"` // "local" or "imported"
	Workers      int     `yaml:"workers"`
	PollInterval string  `yaml:"poll_interval"`
	ForceNoise   float64 `yaml:"force_noise,omitempty"`
	// ImportDir holds pre-computed force artifacts for the "imported"
	// engine, one <label>.forces file per sample.
	ImportDir string `yaml:"import_dir,omitempty"`
}

const (
	ColdStartDisplacements = "displacements"
	ColdStartSeedModel     = "seed-model"

	ModeIterative = "iterative"
	ModeOnePass   = "one-pass"

	EngineLocal    = "local"
	EngineImported = "imported"
)

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with pf config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets the required structure. Violations are
// caught here, before any sub-job is dispatched.
func (c *Config) Validate() error {
	r := c.Run
	if r.Mode != ModeIterative && r.Mode != ModeOnePass {
		return fmt.Errorf("run.mode must be %q or %q, got %q", ModeIterative, ModeOnePass, r.Mode)
	}
	if r.MaxIterations < 1 {
		return fmt.Errorf("run.max_iterations must be >= 1, got %d", r.MaxIterations)
	}
	if r.ConvergenceTolerance <= 0 {
		return fmt.Errorf("run.convergence_tolerance must be > 0, got %g", r.ConvergenceTolerance)
	}
	if r.SamplesPerIteration < 1 {
		return fmt.Errorf("run.samples_per_iteration must be >= 1, got %d", r.SamplesPerIteration)
	}
	if r.MinSuccessFraction <= 0 || r.MinSuccessFraction > 1 {
		return fmt.Errorf("run.min_success_fraction must be in (0,1], got %g", r.MinSuccessFraction)
	}
	if r.NumAtoms < 1 {
		return fmt.Errorf("run.num_atoms must be >= 1, got %d", r.NumAtoms)
	}
	if r.Amplitude.Distance <= 0 {
		return fmt.Errorf("run.amplitude.distance must be > 0, got %g", r.Amplitude.Distance)
	}
	if r.Amplitude.TemperatureK < 0 {
		return fmt.Errorf("run.amplitude.temperature_k must be >= 0, got %g", r.Amplitude.TemperatureK)
	}
	switch r.ColdStart {
	case ColdStartDisplacements:
	case ColdStartSeedModel:
		if len(c.SeedModel) != 3*r.NumAtoms {
			return fmt.Errorf("seed_model must have %d entries for %d atoms, got %d",
				3*r.NumAtoms, r.NumAtoms, len(c.SeedModel))
		}
	default:
		return fmt.Errorf("run.cold_start must be %q or %q, got %q",
			ColdStartDisplacements, ColdStartSeedModel, r.ColdStart)
	}
	switch c.Engine.Kind {
	case "", EngineLocal:
	case EngineImported:
		if c.Engine.ImportDir == "" {
			return fmt.Errorf("engine.import_dir is required for engine.kind %q", EngineImported)
		}
	default:
		return fmt.Errorf("engine.kind %q not supported", c.Engine.Kind)
	}
	if c.Engine.Workers < 0 {
		return fmt.Errorf("engine.workers must be >= 0, got %d", c.Engine.Workers)
	}
	if c.Engine.PollInterval != "" {
		if _, err := time.ParseDuration(c.Engine.PollInterval); err != nil {
			return fmt.Errorf("engine.poll_interval %q is not a duration: %w", c.Engine.PollInterval, err)
		}
	}
	return nil
}

// PollDuration parses PollInterval; zero when unset, letting the dispatcher
// fall back to its default.
func (e EngineConfig) PollDuration() time.Duration {
	d, err := time.ParseDuration(e.PollInterval)
	if err != nil {
		return 0
	}
	return d
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "phonoflow.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `run:
  mode: iterative
  max_iterations: 10
  convergence_tolerance: 0.01
  samples_per_iteration: 8
  min_success_fraction: 1.0
  seed: 42
  cold_start: displacements
  num_atoms: 8
  amplitude:
    temperature_k: 300
    distance: 0.01

engine:
  kind: local
  workers: 4
  poll_interval: 200ms
`
