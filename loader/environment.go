// Package loader provides the module-loading environment the worker renders
// with, and the lazily constructed handle every request shares.
package loader

import (
	"context"

	"go-ssr/protocol"
)

// Module is a compiled server module.
type Module struct {
	// ID is the module path relative to the environment root, slash separated.
	ID string
	// Path is the absolute source path.
	Path string
	// Code is the compiled ESM output.
	Code string
	// Inputs lists the absolute paths of every local file compiled into Code.
	Inputs []string
	// DynamicImports lists the import() targets found while compiling.
	DynamicImports []protocol.ImportResult
}

// LoadFunc loads a module by path. Relative paths resolve against the
// environment root.
type LoadFunc func(ctx context.Context, path string) (*Module, error)

// Environment compiles and evaluates server modules on demand. Implementations
// must be safe for concurrent use.
type Environment interface {
	Root() string
	Load(ctx context.Context, path string) (*Module, error)
	// CloseLive shuts down the environment's own live-update channel.
	CloseLive() error
	Close() error
}

// ModuleEvent is either a dynamic import result or a hot import source.
type ModuleEvent struct {
	Import    *protocol.ImportResult
	HotSource string
}

// Options configures an Environment.
type Options struct {
	Root       string
	Conditions []string
	Watch      bool

	// OnReload is called with a reload kind whenever watched sources change.
	OnReload func(kind protocol.Type)
	// OnModule is called for dynamic imports and hot import sources.
	OnModule func(ev ModuleEvent)
	// KnownImports returns the ids of modules known to be imported
	// dynamically.
	KnownImports func() []string
}

func (o Options) reload(kind protocol.Type) {
	if o.OnReload != nil {
		o.OnReload(kind)
	}
}

func (o Options) module(ev ModuleEvent) {
	if o.OnModule != nil {
		o.OnModule(ev)
	}
}

func (o Options) knownImports() map[string]struct{} {
	known := make(map[string]struct{})
	if o.KnownImports == nil {
		return known
	}
	for _, id := range o.KnownImports() {
		known[id] = struct{}{}
	}
	return known
}

// Factory starts an Environment.
type Factory func(ctx context.Context, opts Options) (Environment, error)
