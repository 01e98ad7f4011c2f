// Package config loads the optional YAML configuration file and wires the
// process-wide logger.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/opd-ai/oldschool/transport"
)

// Config is the server's file-backed configuration. Flags given on the
// command line take precedence over values loaded from the file.
type Config struct {
	Listen   string `yaml:"listen"`
	Password string `yaml:"password"`
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen:   fmt.Sprintf(":%d", transport.DefaultPort),
		LogLevel: "info",
		LogFile:  "stderr",
	}
}

// Load reads a YAML configuration file on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	content, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// SetupLogger applies the configured level and output to logrus. "stderr"
// and "stdout" name the standard streams; anything else is a file path.
func (c Config) SetupLogger() error {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return fmt.Errorf("unable to parse %q as a log level: %w", c.LogLevel, err)
	}
	logrus.SetLevel(level)

	switch c.LogFile {
	case "", "stderr":
		logrus.SetOutput(os.Stderr)
	case "stdout":
		logrus.SetOutput(os.Stdout)
	default:
		path, err := filepath.Abs(c.LogFile)
		if err != nil {
			return fmt.Errorf("resolving log file path: %w", err)
		}
		out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		logrus.SetOutput(out)
	}
	return nil
}
