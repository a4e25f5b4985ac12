package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	transportAuto   = "auto"
	transportHidraw = "hidraw"
	transportLibusb = "libusb"
)

// Config carries the optional settings of relayctl. Every field has a
// working zero value, so the config file itself is optional and flags given
// on the command line override whatever it says.
type Config struct {
	// LogLevel is one of error, warn, info, debug or trace. Empty means
	// warn; trace is an alias for debug.
	LogLevel string `yaml:"log_level"`
	// Transport selects the HID backend: auto, hidraw or libusb.
	Transport string `yaml:"transport"`
	// SkipUnsupported makes discovery skip devices that fail validation
	// instead of aborting the whole command.
	SkipUnsupported bool `yaml:"skip_unsupported"`
}

// loadConfig reads path as YAML. An empty path yields the defaults.
func loadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.Transport {
	case "", transportAuto, transportHidraw, transportLibusb:
		return nil
	}
	return fmt.Errorf("unknown transport %q (allowed: auto, hidraw, libusb)", c.Transport)
}

func parseLogLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "", "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "info":
		return slog.LevelInfo, nil
	case "debug", "trace":
		return slog.LevelDebug, nil
	}
	return 0, fmt.Errorf("unknown log level %q", name)
}
