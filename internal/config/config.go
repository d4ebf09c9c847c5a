// Package config loads the agent configuration file. YAML is the primary
// format (read through viper, so environment overrides prefixed MTC_ work);
// a .toml extension is decoded directly. The configuration is fixed for the
// life of the process: a watcher reports changes but never applies them.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultPort            = 7000
	DefaultBufferSize      = 10000
	DefaultAssetBufferSize = 1024
	DefaultMetricsInterval = time.Minute
)

// DeviceConfig describes one configured device: its schema document and the
// adapter endpoint feeding it.
type DeviceConfig struct {
	UUID       string `mapstructure:"uuid" yaml:"uuid" toml:"uuid"`
	Name       string `mapstructure:"name" yaml:"name" toml:"name"`
	SchemaFile string `mapstructure:"schema_file" yaml:"schema_file" toml:"schema_file"`
	XMLFile    string `mapstructure:"xml_file" yaml:"xml_file,omitempty" toml:"xml_file"`
	Adapter    string `mapstructure:"adapter" yaml:"adapter" toml:"adapter"`
}

// MetricsConfig controls the optional stdout metric exporter.
type MetricsConfig struct {
	Stdout   bool          `mapstructure:"stdout" yaml:"stdout" toml:"stdout"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval" toml:"interval"`
}

// Config is the agent configuration.
type Config struct {
	Port            int            `mapstructure:"port" yaml:"port" toml:"port"`
	BufferSize      int            `mapstructure:"buffer_size" yaml:"buffer_size" toml:"buffer_size"`
	AssetBufferSize int            `mapstructure:"asset_buffer_size" yaml:"asset_buffer_size" toml:"asset_buffer_size"`
	StateDir        string         `mapstructure:"state_dir" yaml:"state_dir" toml:"state_dir"`
	ValidatorCmd    string         `mapstructure:"xsd_validator" yaml:"xsd_validator,omitempty" toml:"xsd_validator"`
	Devices         []DeviceConfig `mapstructure:"devices" yaml:"devices" toml:"devices"`
	Metrics         MetricsConfig  `mapstructure:"metrics" yaml:"metrics" toml:"metrics"`

	// Path the config was loaded from; set by Load, not serialized.
	Path string `mapstructure:"-" yaml:"-" toml:"-"`
}

// Default returns a config with the documented defaults and no devices.
func Default() *Config {
	return &Config{
		Port:            DefaultPort,
		BufferSize:      DefaultBufferSize,
		AssetBufferSize: DefaultAssetBufferSize,
		StateDir:        ".mtcagent",
		Metrics:         MetricsConfig{Interval: DefaultMetricsInterval},
	}
}

// Load reads a configuration file. The extension picks the decoder.
func Load(path string) (*Config, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return loadTOML(path)
	default:
		return loadViper(path)
	}
}

func loadViper(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MTC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", DefaultPort)
	v.SetDefault("buffer_size", DefaultBufferSize)
	v.SetDefault("asset_buffer_size", DefaultAssetBufferSize)
	v.SetDefault("state_dir", ".mtcagent")
	v.SetDefault("metrics.interval", DefaultMetricsInterval)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.Path = path
	return cfg, cfg.validate()
}

func loadTOML(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.Path = path
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	seen := make(map[string]bool)
	for i, d := range c.Devices {
		if d.UUID == "" {
			return fmt.Errorf("device %d has no uuid", i)
		}
		if seen[d.UUID] {
			return fmt.Errorf("duplicate device uuid %s", d.UUID)
		}
		seen[d.UUID] = true
		if d.SchemaFile == "" {
			return fmt.Errorf("device %s has no schema_file", d.UUID)
		}
	}
	return nil
}

// ListenAddr returns the host:port the HTTP server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// ResolveFile resolves a device file path relative to the config file.
func (c *Config) ResolveFile(path string) string {
	if filepath.IsAbs(path) || c.Path == "" {
		return path
	}
	return filepath.Join(filepath.Dir(c.Path), path)
}

// WriteExample writes a starter config in YAML.
func WriteExample(path string) error {
	cfg := Default()
	cfg.Devices = []DeviceConfig{{
		UUID:       "000",
		Name:       "VMC-3Axis",
		SchemaFile: "devices/vmc-3axis.json",
		Adapter:    "127.0.0.1:7878",
	}}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling example config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
