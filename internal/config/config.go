// Package config handles configuration loading for the WSI tile server.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Cache  CacheConfig  `yaml:"cache"`
	Render RenderConfig `yaml:"render"`
	Data   DataConfig   `yaml:"data"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	TileCacheMB        int `yaml:"tile_cache_mb"`
	ResponseCacheMB    int `yaml:"response_cache_mb"`
	ResponseTTLMinutes int `yaml:"response_ttl_minutes"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	TileSize        int    `yaml:"tile_size"`
	DefaultColormap string `yaml:"default_colormap"`
}

// DatasetConfig describes one dataset's source.
type DatasetConfig struct {
	URI  string   `yaml:"uri"`
	Args []string `yaml:"args"`
}

// DataConfig maps dataset IDs to their sources. YAML order is preserved;
// the first dataset is the default.
type DataConfig struct {
	Datasets       map[string]DatasetConfig
	DefaultDataset string
	order          []string
}

// UnmarshalYAML decodes the data section, keeping the dataset order of the
// YAML document.
func (d *DataConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("data section must be a mapping of dataset id to source")
	}
	d.Datasets = make(map[string]DatasetConfig)
	for i := 0; i+1 < len(value.Content); i += 2 {
		var id string
		if err := value.Content[i].Decode(&id); err != nil {
			return err
		}
		var ds DatasetConfig
		if err := value.Content[i+1].Decode(&ds); err != nil {
			return err
		}
		d.Datasets[id] = ds
		d.order = append(d.order, id)
	}
	if len(d.order) > 0 {
		d.DefaultDataset = d.order[0]
	}
	return nil
}

// DatasetIDs returns the dataset IDs in config order.
func (d DataConfig) DatasetIDs() []string {
	return d.order
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration, serving one synthetic
// demo dataset.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "WSI Tiles",
		},
		Cache: CacheConfig{
			TileCacheMB:        512,
			ResponseCacheMB:    128,
			ResponseTTLMinutes: 10,
		},
		Render: RenderConfig{
			TileSize:        256,
			DefaultColormap: "viridis",
		},
		Data: DataConfig{
			Datasets: map[string]DatasetConfig{
				"demo": {URI: "synthetic://?width=8192&height=8192&channels=1"},
			},
			DefaultDataset: "demo",
			order:          []string{"demo"},
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	if cfg.Cache.TileCacheMB == 0 {
		cfg.Cache.TileCacheMB = defaults.Cache.TileCacheMB
	}
	if cfg.Cache.ResponseCacheMB == 0 {
		cfg.Cache.ResponseCacheMB = defaults.Cache.ResponseCacheMB
	}
	if cfg.Cache.ResponseTTLMinutes == 0 {
		cfg.Cache.ResponseTTLMinutes = defaults.Cache.ResponseTTLMinutes
	}
	if cfg.Render.TileSize == 0 {
		cfg.Render.TileSize = defaults.Render.TileSize
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}
	if len(cfg.Data.Datasets) == 0 {
		cfg.Data = defaults.Data
	}
}
