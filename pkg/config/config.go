// Package config provides configuration loading and management for migp.
// It handles loading configuration from YAML files, provides default values,
// and validates run parameters before any data is loaded.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ValidationError reports an invalid run configuration. It is returned by
// Validate before any imaging data has been touched, so a misconfigured run
// fails fast.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + e.Reason
}

func invalidf(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Input parameters
	Input struct {
		// Subjects is an explicit list of 4D NIfTI dataset paths, one per subject
		Subjects []string `yaml:"subjects"`

		// SubjectsFile is an optional text file listing one dataset path per line.
		// Paths from this file are appended after the Subjects list.
		SubjectsFile string `yaml:"subjectsFile"`

		// Mask is the path to the 3D brain mask shared by all subjects
		Mask string `yaml:"mask"`
	} `yaml:"input"`

	// PCA parameters controlling the incremental reduction
	PCA struct {
		// InternalDim bounds the working matrix row count between subjects (dPCAint)
		InternalDim int `yaml:"internalDim"`

		// OutputDim is the number of group components written out (dPCAout).
		// Must not exceed InternalDim.
		OutputDim int `yaml:"outputDim"`

		// VarianceNormalize enables per-subject residual variance normalization,
		// which stops a single high-variance subject from dominating the group basis
		VarianceNormalize bool `yaml:"varianceNormalize"`

		// Seed fixes the subject processing order for reproducible runs.
		// A negative seed selects a time-based order.
		Seed int64 `yaml:"seed"`
	} `yaml:"pca"`

	// Output parameters
	Output struct {
		// Path is the output NIfTI file for the group components
		Path string `yaml:"path"`

		// SaveIntermediaryResults determines whether to save intermediary processing results
		SaveIntermediaryResults bool `yaml:"saveIntermediaryResults"`

		// IntermediaryDir is the directory where intermediary results will be saved.
		// Only used when SaveIntermediaryResults is true.
		IntermediaryDir string `yaml:"intermediaryDir"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`

	// Processing parameters
	Processing struct {
		// Lookahead is the number of subjects that may be loaded and normalized
		// ahead of the strictly sequential fold-in
		Lookahead int `yaml:"lookahead"`
	} `yaml:"processing"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default PCA parameters
	cfg.PCA.InternalDim = 1200
	cfg.PCA.OutputDim = 100
	cfg.PCA.VarianceNormalize = true
	cfg.PCA.Seed = -1 // time-based order unless fixed by the caller

	// Set default output parameters
	cfg.Output.Path = "migp_components.nii.gz"
	cfg.Output.SaveIntermediaryResults = false
	cfg.Output.IntermediaryDir = "intermediary_results"
	cfg.Output.Verbose = true

	// Set default processing parameters
	cfg.Processing.Lookahead = 1

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// SubjectPaths resolves the full subject list: the inline Subjects entries
// followed by any paths read from SubjectsFile.
func (c *Config) SubjectPaths() ([]string, error) {
	paths := append([]string{}, c.Input.Subjects...)

	if c.Input.SubjectsFile != "" {
		f, err := os.Open(c.Input.SubjectsFile)
		if err != nil {
			return nil, fmt.Errorf("error reading subjects file: %w", err)
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if line != "" {
				paths = append(paths, line)
			}
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("error reading subjects file: %w", err)
		}
	}

	return paths, nil
}

// Validate checks the configuration for errors that would make a run
// meaningless. It must pass before any imaging data is loaded.
func (c *Config) Validate() error {
	if c.PCA.InternalDim <= 0 {
		return invalidf("internal dimensionality must be positive, got %d", c.PCA.InternalDim)
	}
	if c.PCA.OutputDim <= 0 {
		return invalidf("output dimensionality must be positive, got %d", c.PCA.OutputDim)
	}
	if c.PCA.OutputDim > c.PCA.InternalDim {
		return invalidf("output dimensionality %d exceeds internal dimensionality %d",
			c.PCA.OutputDim, c.PCA.InternalDim)
	}
	if c.Input.Mask == "" {
		return invalidf("no mask specified")
	}
	if c.Output.Path == "" {
		return invalidf("no output path specified")
	}

	subjects, err := c.SubjectPaths()
	if err != nil {
		return err
	}
	if len(subjects) == 0 {
		return invalidf("no subject datasets specified")
	}

	return nil
}
