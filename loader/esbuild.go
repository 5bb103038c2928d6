package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	esbuild "github.com/evanw/esbuild/pkg/api"

	"go-ssr/protocol"
)

// outDir is where esbuild would write output. Nothing is written; it only
// lets a module pull in side outputs such as stylesheets.
const outDir = ".ssr-out"

var styleExts = map[string]bool{
	".css":  true,
	".scss": true,
	".sass": true,
	".less": true,
}

// Esbuild is an Environment that compiles server modules on demand with
// esbuild. Local imports are bundled into the requested module; bare
// package imports stay external. Compiled modules are cached until one of
// their inputs changes on disk.
type Esbuild struct {
	root       string
	conditions []string
	opts       Options

	mu    sync.Mutex
	cache map[string]*Module

	live    *liveHub
	watcher *treeWatcher
}

var _ Environment = (*Esbuild)(nil)

// NewEsbuild starts an esbuild environment rooted at opts.Root (the working
// directory when empty). It is a Factory.
func NewEsbuild(_ context.Context, opts Options) (Environment, error) {
	root := opts.Root
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		root = wd
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("module root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("module root %s is not a directory", root)
	}

	e := &Esbuild{
		root:       root,
		conditions: opts.Conditions,
		opts:       opts,
		cache:      make(map[string]*Module),
		live:       newLiveHub(),
	}

	if opts.Watch {
		w, err := watchTree(root, e.changed)
		if err != nil {
			return nil, fmt.Errorf("watching %s: %w", root, err)
		}
		e.watcher = w
	}
	return e, nil
}

func (e *Esbuild) Root() string {
	return e.root
}

// Load compiles path, or returns the cached module.
func (e *Esbuild) Load(ctx context.Context, path string) (*Module, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(e.root, abs)
	}
	abs = filepath.Clean(abs)

	e.mu.Lock()
	m, ok := e.cache[abs]
	e.mu.Unlock()
	if ok {
		return m, nil
	}

	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("loading %s: %w", e.id(abs), err)
	}

	m, err := e.compile(abs)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[abs] = m
	e.mu.Unlock()

	for i := range m.DynamicImports {
		imp := m.DynamicImports[i]
		e.opts.module(ModuleEvent{Import: &imp})
	}
	return m, nil
}

type metafile struct {
	Inputs map[string]struct {
		Imports []struct {
			Path     string `json:"path"`
			Kind     string `json:"kind"`
			External bool   `json:"external"`
			Original string `json:"original"`
		} `json:"imports"`
	} `json:"inputs"`
}

func (e *Esbuild) compile(abs string) (*Module, error) {
	result := esbuild.Build(esbuild.BuildOptions{
		EntryPoints:   []string{abs},
		AbsWorkingDir: e.root,
		Outdir:        filepath.Join(e.root, outDir),
		Bundle:        true,
		Write:         false,
		Metafile:      true,
		Format:        esbuild.FormatESModule,
		Platform:      esbuild.PlatformNode,
		Target:        esbuild.ES2022,
		Packages:      esbuild.PackagesExternal,
		Conditions:    e.conditions,
		JSX:           esbuild.JSXAutomatic,
		Sourcemap:     esbuild.SourceMapInline,
		LogLevel:      esbuild.LogLevelSilent,
	})

	if len(result.Errors) > 0 {
		msgs := make([]string, 0, len(result.Errors))
		for _, m := range result.Errors {
			if m.Location != nil {
				msgs = append(msgs, fmt.Sprintf("%s:%d:%d: %s", m.Location.File, m.Location.Line, m.Location.Column, m.Text))
				continue
			}
			msgs = append(msgs, m.Text)
		}
		return nil, fmt.Errorf("compiling %s: %s", e.id(abs), strings.Join(msgs, "; "))
	}

	var code string
	for _, f := range result.OutputFiles {
		if strings.HasSuffix(f.Path, ".js") {
			code = string(f.Contents)
			break
		}
	}
	if code == "" {
		return nil, fmt.Errorf("compiling %s: no javascript output", e.id(abs))
	}

	var meta metafile
	if err := json.Unmarshal([]byte(result.Metafile), &meta); err != nil {
		return nil, fmt.Errorf("compiling %s: reading metafile: %w", e.id(abs), err)
	}

	m := &Module{
		ID:   e.id(abs),
		Path: abs,
		Code: code,
	}
	for input, info := range meta.Inputs {
		m.Inputs = append(m.Inputs, filepath.Join(e.root, filepath.FromSlash(input)))
		for _, imp := range info.Imports {
			if imp.Kind != "dynamic-import" {
				continue
			}
			m.DynamicImports = append(m.DynamicImports, protocol.ImportResult{
				ID:        imp.Path,
				Importer:  input,
				Specifier: imp.Original,
			})
		}
	}
	slices.Sort(m.Inputs)
	slices.SortFunc(m.DynamicImports, func(a, b protocol.ImportResult) int {
		return strings.Compare(a.ID, b.ID)
	})
	return m, nil
}

// id returns the root-relative, slash-separated id of abs.
func (e *Esbuild) id(abs string) string {
	rel, err := filepath.Rel(e.root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(abs)
	}
	return filepath.ToSlash(rel)
}

// Invalidate evicts every cached module compiled from path, plus every
// module known to be imported dynamically, and returns how many were
// evicted.
func (e *Esbuild) Invalidate(path string) int {
	known := e.opts.knownImports()

	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for key, m := range e.cache {
		_, dynamic := known[m.ID]
		if dynamic || slices.Contains(m.Inputs, path) {
			delete(e.cache, key)
			n++
		}
	}
	return n
}

func (e *Esbuild) changed(path string) {
	path = filepath.Clean(path)
	n := e.Invalidate(path)
	id := e.id(path)

	kind := protocol.ReloadFull
	if styleExts[strings.ToLower(filepath.Ext(path))] {
		kind = protocol.ReloadUpdate
	}
	log.Printf("[loader] %s changed, %d module(s) invalidated", id, n)

	e.live.publish(kind)
	e.opts.reload(kind)

	if _, ok := e.opts.knownImports()[id]; ok {
		e.opts.module(ModuleEvent{HotSource: id})
	}
}

// Subscribe returns the environment's own live-update feed. Handle.Get
// closes that feed right after construction, so under a worker the returned
// channel is already closed; only a standalone environment delivers on it.
func (e *Esbuild) Subscribe() (<-chan protocol.Type, func()) {
	return e.live.subscribe()
}

// LiveClosed reports whether the environment's own live feed has been shut
// off by CloseLive.
func (e *Esbuild) LiveClosed() bool {
	return e.live.isClosed()
}

func (e *Esbuild) CloseLive() error {
	e.live.close()
	return nil
}

func (e *Esbuild) Close() error {
	e.live.close()
	if e.watcher != nil {
		return e.watcher.close()
	}
	return nil
}
