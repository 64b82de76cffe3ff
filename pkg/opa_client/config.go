package opa_client

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

const (
	EnvAddress = "OPA_ADDRESS"
	EnvToken   = "OPA_TOKEN"
)

// Config is the file form of the client settings
type Config struct {
	Address            string        `yaml:"address"`
	Token              string        `yaml:"token"`
	Timeout            time.Duration `yaml:"timeout"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	LogLevel           string        `yaml:"log_level"`
}

// DefaultConfig returns the settings New uses when given no options
func DefaultConfig() *Config {
	return &Config{
		Address:  DefaultAddress,
		Timeout:  DefaultTimeout,
		LogLevel: logrus.InfoLevel.String(),
	}
}

// LoadConfig reads a YAML config file on top of DefaultConfig, then applies
// OPA_ADDRESS and OPA_TOKEN from the environment. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		bs, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(bs, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if v, ok := os.LookupEnv(EnvAddress); ok && v != "" {
		cfg.Address = v
	}
	if v, ok := os.LookupEnv(EnvToken); ok && v != "" {
		cfg.Token = v
	}

	return cfg, nil
}

// Validate reports every problem with the config, not just the first one.
// A valid Address is normalized in place.
func (cfg *Config) Validate() error {
	var err error

	addr, addrErr := ParseAddress(cfg.Address)
	if addrErr != nil {
		err = multierr.Append(err, addrErr)
	} else {
		cfg.Address = addr
	}

	if cfg.Timeout < 0 {
		err = multierr.Append(err, fmt.Errorf("timeout must not be negative, got %s", cfg.Timeout))
	}

	if cfg.LogLevel != "" {
		if _, lvlErr := logrus.ParseLevel(cfg.LogLevel); lvlErr != nil {
			err = multierr.Append(err, lvlErr)
		}
	}

	return err
}

// Options converts the config into client options
func (cfg *Config) Options() []Option {
	opts := []Option{
		WithInsecureSkipVerify(cfg.InsecureSkipVerify),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, WithTimeout(cfg.Timeout))
	}
	if cfg.Token != "" {
		opts = append(opts, WithToken(cfg.Token))
	}
	return opts
}

// NewFromConfig validates cfg and builds a client from it
func NewFromConfig(cfg *Config, opts ...Option) (Clienter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return New(cfg.Address, append(cfg.Options(), opts...)...), nil
}
