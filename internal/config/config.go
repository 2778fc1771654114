package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/menta2k/image-tiler/pkg/tiling"
)

// Config holds the application configuration
type Config struct {
	Tiling    tiling.Params   `json:"tiling"`
	Output    OutputConfig    `json:"output"`
	Detection DetectionConfig `json:"detection"`
	Workers   int             `json:"workers"`
}

// OutputConfig holds configuration for tile output
type OutputConfig struct {
	Format    string `json:"format"`
	Quality   int    `json:"quality"`
	Lossless  bool   `json:"lossless"`
	OutputDir string `json:"output_dir"`
	Prefix    string `json:"prefix"`
	// Debug writes an overlay of the tile grid next to the tiles
	Debug bool `json:"debug"`
}

// DetectionConfig holds configuration for vision-model annotation
type DetectionConfig struct {
	Enabled           bool    `json:"enabled"`
	Backend           string  `json:"backend"`
	URL               string  `json:"url"`
	Model             string  `json:"model"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	IoUThreshold      float64 `json:"iou_threshold"`
	MinConfidence     float64 `json:"min_confidence"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Tiling: tiling.Params{
			SliceWidth:        512,
			SliceHeight:       512,
			HorizontalOverlap: 0.8,
			VerticalOverlap:   0.8,
		},
		Output: OutputConfig{
			Format:    "jpg",
			Quality:   90,
			OutputDir: "./tiles",
		},
		Detection: DetectionConfig{
			Backend:           "ollama",
			URL:               "http://localhost:11434",
			Model:             "qwen2.5vl:7b",
			RequestsPerSecond: 2,
			IoUThreshold:      0.5,
			MinConfidence:     0.25,
		},
		Workers: 4,
	}
}

// LoadFromFile loads configuration from a JSON file. Fields missing from
// the file keep their default values.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid. Slice sizes are only
// checked for positivity here; the image bounds are checked when tiling.
func (c *Config) Validate() error {
	if c.Tiling.SliceWidth < 1 {
		return fmt.Errorf("tiling.slice_width must be positive")
	}
	if c.Tiling.SliceHeight < 1 {
		return fmt.Errorf("tiling.slice_height must be positive")
	}
	if !(c.Tiling.HorizontalOverlap > 0 && c.Tiling.HorizontalOverlap <= 1) {
		return fmt.Errorf("tiling.horizontal_overlap_ratio must be greater than 0 and at most 1")
	}
	if !(c.Tiling.VerticalOverlap > 0 && c.Tiling.VerticalOverlap <= 1) {
		return fmt.Errorf("tiling.vertical_overlap_ratio must be greater than 0 and at most 1")
	}

	switch strings.ToLower(c.Output.Format) {
	case "jpg", "jpeg", "png", "webp":
	default:
		return fmt.Errorf("output.format must be one of jpg, png, webp")
	}
	if c.Output.Quality < 1 || c.Output.Quality > 100 {
		return fmt.Errorf("output.quality must be between 1 and 100")
	}

	if c.Workers < 1 {
		return fmt.Errorf("workers must be positive")
	}

	if c.Detection.Enabled {
		switch c.Detection.Backend {
		case "ollama", "llamacpp":
		default:
			return fmt.Errorf("detection.backend must be ollama or llamacpp")
		}
		if c.Detection.Model == "" {
			return fmt.Errorf("detection.model cannot be empty")
		}
	}
	if c.Detection.RequestsPerSecond < 0 {
		return fmt.Errorf("detection.requests_per_second cannot be negative")
	}
	if c.Detection.IoUThreshold < 0 || c.Detection.IoUThreshold > 1 {
		return fmt.Errorf("detection.iou_threshold must be between 0 and 1")
	}
	if c.Detection.MinConfidence < 0 || c.Detection.MinConfidence > 1 {
		return fmt.Errorf("detection.min_confidence must be between 0 and 1")
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "image-tiler", "config.json")
}
