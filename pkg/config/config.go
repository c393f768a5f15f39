// Package config provides configuration loading for tumorscan. Defaults
// can be overridden by a YAML file and, last, by TUMORSCAN_* environment
// variables; model paths are always carried explicitly here rather than
// read from ambient process state by the pipeline.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config is the application configuration.
type Config struct {
	// Server parameters for the HTTP boundary.
	Server struct {
		// Address is the listen address.
		Address string `yaml:"address" envconfig:"SERVER_ADDRESS"`

		// ReadTimeout bounds reading one request, uploads included.
		ReadTimeout time.Duration `yaml:"readTimeout" envconfig:"SERVER_READ_TIMEOUT"`

		// WriteTimeout bounds writing one response.
		WriteTimeout time.Duration `yaml:"writeTimeout" envconfig:"SERVER_WRITE_TIMEOUT"`

		// BodyLimit is the maximum accepted request body size in bytes.
		// Four uncompressed MRI volumes add up quickly.
		BodyLimit int `yaml:"bodyLimit" envconfig:"SERVER_BODY_LIMIT"`
	} `yaml:"server"`

	// Storage parameters for record persistence.
	Storage struct {
		// Root is the directory containing storage/records.
		Root string `yaml:"root" envconfig:"STORAGE_ROOT"`
	} `yaml:"storage"`

	// Model parameters for the segmentation predictor.
	Model struct {
		// Folder is the default trained-model folder used when a request
		// does not name one.
		Folder string `yaml:"folder" envconfig:"MODEL_FOLDER"`

		// Device is the compute device; empty selects automatically.
		Device string `yaml:"device" envconfig:"MODEL_DEVICE"`

		// Command is the external predictor executable.
		Command string `yaml:"command" envconfig:"MODEL_COMMAND"`

		// Folds are the cross-validation folds to run.
		Folds []int `yaml:"folds" envconfig:"MODEL_FOLDS"`

		// Mirroring enables test-time augmentation.
		Mirroring bool `yaml:"mirroring" envconfig:"MODEL_MIRRORING"`
	} `yaml:"model"`

	// Detection parameters for the pipeline.
	Detection struct {
		// CropMargin is the ROI margin in voxels.
		CropMargin int `yaml:"cropMargin" envconfig:"DETECTION_CROP_MARGIN"`
	} `yaml:"detection"`

	// Synthetic parameters for the demo/fallback mask generator.
	Synthetic struct {
		// Mode is "always" (replace every mask, demo behavior) or
		// "fallback" (only when inference fails or finds nothing).
		Mode string `yaml:"mode" envconfig:"SYNTHETIC_MODE"`

		// BrainThreshold is the brain-region intensity threshold.
		BrainThreshold float64 `yaml:"brainThreshold" envconfig:"SYNTHETIC_BRAIN_THRESHOLD"`

		// TargetFraction is the target tumor fraction of brain volume.
		TargetFraction float64 `yaml:"targetFraction" envconfig:"SYNTHETIC_TARGET_FRACTION"`

		// Seed fixes the random source when non-zero; zero seeds from
		// the clock for demo variety.
		Seed int64 `yaml:"seed" envconfig:"SYNTHETIC_SEED"`
	} `yaml:"synthetic"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8000"
	cfg.Server.ReadTimeout = 120 * time.Second
	cfg.Server.WriteTimeout = 120 * time.Second
	cfg.Server.BodyLimit = 512 << 20

	cfg.Storage.Root = "."

	cfg.Model.Folder = "models/Dataset002_BRATS19/nnUNetTrainer__nnUNetPlans__3d_fullres"
	cfg.Model.Command = "nnunet-predict"
	cfg.Model.Folds = []int{0}
	cfg.Model.Mirroring = false

	cfg.Detection.CropMargin = 8

	cfg.Synthetic.Mode = "always"
	cfg.Synthetic.BrainThreshold = 80
	cfg.Synthetic.TargetFraction = 0.04

	return cfg
}

// LoadConfig loads configuration from a YAML file, then applies
// TUMORSCAN_* environment overrides. A missing file is not an error; the
// defaults (plus environment) apply.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	if err := envconfig.Process("tumorscan", cfg); err != nil {
		return nil, fmt.Errorf("error applying environment overrides: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the configuration to a YAML file, creating parent
// directories as needed.
func SaveConfig(cfg *Config, configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}
