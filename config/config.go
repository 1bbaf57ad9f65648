// Package config loads the gateway's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	FactoryLocal = "local"

	DefaultRegistryPort   = 1099
	DefaultScoringPort    = 2534
	DefaultHeaderLocation = "models"
	DefaultThreadPoolSize = 20
)

type Config struct {
	FactoryName      string `yaml:"factoryName"`
	RegistryPort     int    `yaml:"registryPort"`
	ScoringPort      int    `yaml:"scoringPort"`
	EmbeddedRegistry bool   `yaml:"embeddedRegistry"`
	HeaderLocation   string `yaml:"headerLocation"`
	ThreadPoolSize   int    `yaml:"threadPoolSize"`
	CacheSize        int    `yaml:"cacheSize"`
	Log              Log    `yaml:"log"`
	Timeouts         struct {
		Request  time.Duration `yaml:"request"`
		Shutdown time.Duration `yaml:"shutdown"`
	} `yaml:"timeouts"`
}

type Log struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{
		FactoryName:      FactoryLocal,
		RegistryPort:     DefaultRegistryPort,
		ScoringPort:      DefaultScoringPort,
		EmbeddedRegistry: true,
		HeaderLocation:   DefaultHeaderLocation,
		ThreadPoolSize:   DefaultThreadPoolSize,
		CacheSize:        64,
		Log: Log{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
	c.Timeouts.Request = 30 * time.Second
	c.Timeouts.Shutdown = 10 * time.Second
	return c
}

// Load reads path over the defaults. Keys missing from the file keep their
// default value.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	config := Default()
	if err := yaml.NewDecoder(file).Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return config, nil
}

func (c *Config) Validate() error {
	if strings.ToLower(strings.TrimSpace(c.FactoryName)) != FactoryLocal {
		return fmt.Errorf("unknown manager factory %q", c.FactoryName)
	}
	if err := checkPort("registryPort", c.RegistryPort); err != nil {
		return err
	}
	if err := checkPort("scoringPort", c.ScoringPort); err != nil {
		return err
	}
	if c.RegistryPort == c.ScoringPort && c.RegistryPort != 0 {
		return fmt.Errorf("registryPort and scoringPort are both %d", c.RegistryPort)
	}
	if c.ThreadPoolSize <= 0 {
		return fmt.Errorf("threadPoolSize must be positive, got %d", c.ThreadPoolSize)
	}
	if c.CacheSize <= 0 {
		return fmt.Errorf("cacheSize must be positive, got %d", c.CacheSize)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Timeouts.Request < 0 || c.Timeouts.Shutdown < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}
	return nil
}

func checkPort(name string, port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("%s out of range: %d", name, port)
	}
	return nil
}

// RegistryAddr is the control-plane listen address.
func (c *Config) RegistryAddr() string {
	return fmt.Sprintf(":%d", c.RegistryPort)
}

// ScoringAddr is the scoring-protocol listen address.
func (c *Config) ScoringAddr() string {
	return fmt.Sprintf(":%d", c.ScoringPort)
}
