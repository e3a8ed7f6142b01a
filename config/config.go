package config

import (
	"fmt"
	"os"
	"time"

	"github.com/TheSmallBoat/tcpduplex/duplex"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Client  ClientConfig  `yaml:"client"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	ReadBufferSize int      `yaml:"read_buffer_size"`
	WriteTimeout   Duration `yaml:"write_timeout"`
	Echo           bool     `yaml:"echo"`
}

type ClientConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	ReadBufferSize int      `yaml:"read_buffer_size"`
	WriteTimeout   Duration `yaml:"write_timeout"`
	DialTimeout    Duration `yaml:"dial_timeout"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables the /metrics endpoint
}

type Duration struct{ time.Duration }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dd, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = dd
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           20007,
			ReadBufferSize: duplex.DefaultReadBufferSize,
		},
		Client: ClientConfig{
			Host:           "127.0.0.1",
			Port:           20007,
			ReadBufferSize: duplex.DefaultReadBufferSize,
			DialTimeout:    Duration{5 * time.Second},
		},
	}
}

// Load reads path over the defaults. Keys missing from the file keep their
// default value.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config '%s': %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config '%s': %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if !duplex.ValidPort(c.Server.Port) {
		return fmt.Errorf("server.port: %w: %d", duplex.ErrInvalidPort, c.Server.Port)
	}
	if !duplex.ValidPort(c.Client.Port) {
		return fmt.Errorf("client.port: %w: %d", duplex.ErrInvalidPort, c.Client.Port)
	}
	if c.Server.ReadBufferSize < 0 {
		return fmt.Errorf("server.read_buffer_size must not be negative: %d", c.Server.ReadBufferSize)
	}
	if c.Client.ReadBufferSize < 0 {
		return fmt.Errorf("client.read_buffer_size must not be negative: %d", c.Client.ReadBufferSize)
	}
	if c.Client.Host == "" {
		return fmt.Errorf("client.host is empty")
	}
	return nil
}
