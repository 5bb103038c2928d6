package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Validate checks the configuration for errors. It also normalizes a few
// fields (static prefixes, base path) in place.
func (c *Config) Validate() error {
	var errs []error

	if c.Worker.SrcDir == "" {
		errs = append(errs, errors.New("worker.src_dir is required"))
	}
	if filepath.IsAbs(c.Worker.SrcDir) {
		errs = append(errs, fmt.Errorf("worker.src_dir %q must be relative to worker.root", c.Worker.SrcDir))
	}
	if c.Worker.EntriesFile == "" {
		errs = append(errs, errors.New("worker.entries_file is required"))
	}
	if strings.ContainsAny(c.Worker.EntriesFile, `/\`) {
		errs = append(errs, fmt.Errorf("worker.entries_file %q must be a file name", c.Worker.EntriesFile))
	}

	if c.Dev.Addr == "" {
		errs = append(errs, errors.New("dev.addr is required"))
	}
	if c.Dev.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("dev.request_timeout must not be negative, got %s", c.Dev.RequestTimeout))
	}
	if c.Dev.ReloadPath != "" && !strings.HasPrefix(c.Dev.ReloadPath, "/") {
		errs = append(errs, fmt.Errorf("dev.reload_path %q must start with '/'", c.Dev.ReloadPath))
	}
	if c.Dev.MetricsPath != "" && !strings.HasPrefix(c.Dev.MetricsPath, "/") {
		errs = append(errs, fmt.Errorf("dev.metrics_path %q must start with '/'", c.Dev.MetricsPath))
	}

	if !strings.HasPrefix(c.Dev.BasePath, "/") {
		c.Dev.BasePath = "/" + c.Dev.BasePath
	}
	for i, rule := range c.Dev.Static {
		if !strings.HasPrefix(rule.Prefix, "/") {
			c.Dev.Static[i].Prefix = "/" + rule.Prefix
		}
		if rule.Dir == "" {
			errs = append(errs, fmt.Errorf("dev.static[%d].dir is required", i))
		}
	}

	return errors.Join(errs...)
}
