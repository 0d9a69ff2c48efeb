// Refcache uses flags and a single config file for configuration.
// A config file is a YAML mapping from flag names to flag values, e.g.
//
//	address: ":6380"
//	cache_default_ttl: 30s
//	cache_shard_count: 8
//
// Flags given explicitly on the command line win over the config file.

package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
)

var configFilePath = flag.String("config_file", "", "Path to the YAML configuration file.")

// InitFlags parses the command line and then applies the config file specified by the -config_file flag.
// It should be called after defining all flags and before using them.
func InitFlags() error {
	flag.Parse()

	if *configFilePath == "" {
		slog.Info("Config file not specified. Skipping config initialization.")
		return nil
	}

	// Read config file.
	configBytes, err := os.ReadFile(*configFilePath)
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("Config file does not exist.", "path", *configFilePath, "error", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// Apply configurations.
	conf, err := parseConfig(configBytes)
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", *configFilePath, err)
	}
	if err := setConfigFlags(flag.CommandLine, conf); err != nil {
		return fmt.Errorf("failed to set flags from config file: %w", err)
	}
	return nil
}
