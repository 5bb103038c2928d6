package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PrivateEnvPrefix marks environment variables that are handed to the
// render pipelines as the private runtime environment.
const PrivateEnvPrefix = "SSR_PRIVATE_"

// Load loads configuration from a layered set of sources. See the package
// documentation for the order.
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	filePath := discoverConfigFile(configPath)
	if filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
	}

	applyEnvOverrides(&cfg)
	applyPrivateEnv(&cfg, os.Environ())

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// discoverConfigFile finds the config file path using the discovery order:
// 1. Explicit configPath argument
// 2. SSRDEV_CONFIG environment variable
// 3. ./ssrdev.yaml in the current directory
//
// Returns empty string if no config file is found.
func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}
	if envPath := os.Getenv("SSRDEV_CONFIG"); envPath != "" {
		return envPath
	}
	if _, err := os.Stat("ssrdev.yaml"); err == nil {
		return "ssrdev.yaml"
	}
	return ""
}

// loadYAMLFile reads and parses a YAML file into cfg. Fields not present in
// the YAML keep their current (default) values.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyEnvOverrides maps SSRDEV_* environment variables onto config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SSRDEV_ROOT"); v != "" {
		cfg.Worker.Root = v
	}
	if v := os.Getenv("SSRDEV_SRC_DIR"); v != "" {
		cfg.Worker.SrcDir = v
	}
	if v := os.Getenv("SSRDEV_ENTRIES_FILE"); v != "" {
		cfg.Worker.EntriesFile = v
	}
	if v := os.Getenv("SSRDEV_CONDITIONS"); v != "" {
		cfg.Worker.Conditions = splitList(v)
	}
	if v := os.Getenv("SSRDEV_WATCH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Worker.Watch = b
		}
	}
	if v := os.Getenv("SSRDEV_ADDR"); v != "" {
		cfg.Dev.Addr = v
	}
	if v := os.Getenv("SSRDEV_WORKER_BINARY"); v != "" {
		cfg.Dev.WorkerBinary = v
	}
	if v := os.Getenv("SSRDEV_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Dev.RequestTimeout = d
		}
	}
	if v := os.Getenv("SSRDEV_RELOAD_JWT_SECRET"); v != "" {
		cfg.Dev.ReloadJWTSecret = v
	}
}

// applyPrivateEnv copies SSR_PRIVATE_* variables into the worker's private
// environment, with the prefix stripped. Values from the YAML file win.
func applyPrivateEnv(cfg *Config, environ []string) {
	for _, kv := range environ {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, PrivateEnvPrefix) {
			continue
		}
		name := strings.TrimPrefix(key, PrivateEnvPrefix)
		if name == "" {
			continue
		}
		if cfg.Worker.Env == nil {
			cfg.Worker.Env = make(map[string]string)
		}
		if _, exists := cfg.Worker.Env[name]; !exists {
			cfg.Worker.Env[name] = val
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
