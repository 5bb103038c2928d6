package loader

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"go-ssr/protocol"
)

// Handle is the single shared, lazily started Environment of a worker. The
// first Get starts it; every caller, concurrent or later, observes the same
// environment or the same construction error. A failed construction is
// never retried.
type Handle struct {
	factory Factory
	opts    Options

	sf singleflight.Group

	mu   sync.RWMutex
	done bool
	env  Environment
	err  error

	builds atomic.Int32
}

func NewHandle(factory Factory, opts Options) *Handle {
	return &Handle{factory: factory, opts: opts}
}

func (h *Handle) result() (Environment, bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.env, h.done, h.err
}

// Get returns the environment, starting it on first use. Construction is
// detached from ctx; a caller whose ctx ends only stops waiting.
func (h *Handle) Get(ctx context.Context) (Environment, error) {
	if env, ok, err := h.result(); ok {
		return env, err
	}

	ch := h.sf.DoChan("env", func() (any, error) {
		if env, ok, err := h.result(); ok {
			return env, err
		}

		env, err := h.build(context.WithoutCancel(ctx))

		h.mu.Lock()
		h.done = true
		h.env, h.err = env, err
		h.mu.Unlock()
		return env, err
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(Environment), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handle) build(ctx context.Context) (Environment, error) {
	h.builds.Add(1)

	env, err := h.factory(ctx, h.opts)
	if err != nil {
		return nil, fmt.Errorf("starting module environment: %w", err)
	}

	// The worker broadcasts reloads itself; the environment's own live
	// channel must not stay open.
	if err := env.CloseLive(); err != nil {
		log.Printf("[loader] closing live channel: %v", err)
	}

	log.Printf("[loader] module environment ready (root=%s)", env.Root())
	return env, nil
}

// Builds reports how many times the factory has run: 0 or 1.
func (h *Handle) Builds() int {
	return int(h.builds.Load())
}

// Load loads path through the shared environment.
func (h *Handle) Load(ctx context.Context, path string) (*Module, error) {
	env, err := h.Get(ctx)
	if err != nil {
		return nil, err
	}
	return env.Load(ctx, path)
}

// LoadFileURL resolves a file URL (or plain path) and loads it.
func (h *Handle) LoadFileURL(ctx context.Context, ref string) (*Module, error) {
	path, err := FileURLToPath(ref)
	if err != nil {
		return nil, err
	}
	return h.Load(ctx, path)
}

// EntriesPath returns the canonical entries module path for cfg under root.
func EntriesPath(root string, cfg protocol.ResolvedConfig) string {
	return filepath.Join(root, cfg.SrcDir, cfg.EntriesFile)
}

// LoadEntries loads the entries module configured by cfg.
func (h *Handle) LoadEntries(ctx context.Context, cfg protocol.ResolvedConfig) (*Module, error) {
	env, err := h.Get(ctx)
	if err != nil {
		return nil, err
	}
	return env.Load(ctx, EntriesPath(env.Root(), cfg))
}

// Close closes the environment if it was started.
func (h *Handle) Close() error {
	env, ok, _ := h.result()
	if !ok || env == nil {
		return nil
	}
	return env.Close()
}
