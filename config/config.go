// Package config provides configuration for the SSR worker and the dev
// server that drives it.
//
// Configuration is loaded in layers:
//  1. Built-in defaults
//  2. YAML config file (explicit path, SSRDEV_CONFIG, ./ssrdev.yaml)
//  3. Environment variable overrides (SSRDEV_ prefix)
//  4. Private runtime environment (SSR_PRIVATE_ prefix)
//  5. Validation
package config

import "time"

// Config holds all configuration.
type Config struct {
	Worker Worker `yaml:"worker"`
	Dev    Dev    `yaml:"dev"`
}

// Worker configures the worker process and its module environment.
type Worker struct {
	Root          string            `yaml:"root"`           // default: working directory
	SrcDir        string            `yaml:"src_dir"`        // default: "src"
	EntriesFile   string            `yaml:"entries_file"`   // default: "entries.tsx"
	Conditions    []string          `yaml:"conditions"`     // module resolution conditions
	Watch         bool              `yaml:"watch"`          // default: true
	StrictContext bool              `yaml:"strict_context"` // default: true
	Env           map[string]string `yaml:"env"`            // private runtime environment
}

// StaticRule maps a URL prefix to a directory under the project root.
type StaticRule struct {
	Prefix string `yaml:"prefix"`
	Dir    string `yaml:"dir"`
}

// Dev configures the development HTTP server.
type Dev struct {
	Addr            string        `yaml:"addr"`              // default: ":3000"
	WorkerBinary    string        `yaml:"worker_binary"`     // default: "ssrworker"
	WorkerArgs      []string      `yaml:"worker_args"`       // extra arguments for the worker
	RequestTimeout  time.Duration `yaml:"request_timeout"`   // default: 30s
	ReloadPath      string        `yaml:"reload_path"`       // default: "/__ssr/reload"
	ReloadJWTSecret string        `yaml:"reload_jwt_secret"` // optional
	MetricsPath     string        `yaml:"metrics_path"`      // default: "/__ssr/metrics"
	BasePath        string        `yaml:"base_path"`         // default: "/"
	RSCPath         string        `yaml:"rsc_path"`          // default: "RSC"
	Static          []StaticRule  `yaml:"static"`
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Worker: Worker{
			SrcDir:        "src",
			EntriesFile:   "entries.tsx",
			Conditions:    []string{"react-server", "workerd"},
			Watch:         true,
			StrictContext: true,
		},
		Dev: Dev{
			Addr:           ":3000",
			WorkerBinary:   "ssrworker",
			RequestTimeout: 30 * time.Second,
			ReloadPath:     "/__ssr/reload",
			MetricsPath:    "/__ssr/metrics",
			BasePath:       "/",
			RSCPath:        "RSC",
			Static: []StaticRule{
				{Prefix: "/assets/", Dir: "public/assets"},
			},
		},
	}
}
