// Package worker answers render and getSsrConfig requests arriving on a
// transport.Channel, driving pluggable render pipelines against a lazily
// started module environment.
package worker

import (
	"context"
	"errors"
	"log"
	"maps"
	"net/http"
	"sync"

	"go-ssr/broadcast"
	"go-ssr/config"
	"go-ssr/loader"
	"go-ssr/protocol"
	"go-ssr/transport"
)

// ErrNoPipeline is returned for a request type whose pipeline is not
// configured.
var ErrNoPipeline = protocol.NewHTTPError(http.StatusNotImplemented, "no pipeline configured for this request")

// Worker is one SSR worker. It is constructed once per process and serves a
// single channel.
type Worker struct {
	cfg     config.Worker
	pipes   Pipelines
	factory loader.Factory
	env     map[string]string

	mu     sync.Mutex
	ch     transport.Channel
	handle *loader.Handle
	bcast  *broadcast.Broadcaster

	failOnce sync.Once
	failErr  error

	// OnUnknown observes messages of a type the worker does not handle.
	// They are dropped either way.
	OnUnknown func(m protocol.Message)
}

// New returns a worker. The private environment map in cfg is copied and
// never changes afterwards.
func New(cfg config.Worker, pipes Pipelines, factory loader.Factory) *Worker {
	env := maps.Clone(cfg.Env)
	if env == nil {
		env = make(map[string]string)
	}
	return &Worker{cfg: cfg, pipes: pipes, factory: factory, env: env}
}

// Env returns a copy of the private runtime environment.
func (w *Worker) Env() map[string]string {
	return maps.Clone(w.env)
}

// Handle returns the loader handle, or nil before Serve.
func (w *Worker) Handle() *loader.Handle {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.handle
}

// Refs returns the module reference set, or nil before Serve.
func (w *Worker) Refs() *broadcast.RefSet {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.bcast == nil {
		return nil
	}
	return w.bcast.Refs()
}

// Failed returns the module environment construction error, if the
// environment failed to start. A failed worker answers every request with
// that error and should be replaced by its host.
func (w *Worker) Failed() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failErr
}

// Serve handles requests from ch until it closes or ctx ends. In-flight
// requests always run to completion before Serve returns. Serve must be
// called at most once.
func (w *Worker) Serve(ctx context.Context, ch transport.Channel) error {
	bcast := broadcast.New(ch)
	opts := loader.Options{
		Root:       w.cfg.Root,
		Conditions: w.cfg.Conditions,
		Watch:      w.cfg.Watch,
	}
	bcast.Hooks(&opts)
	handle := loader.NewHandle(w.factory, opts)

	w.mu.Lock()
	if w.ch != nil {
		w.mu.Unlock()
		return errors.New("worker: Serve called twice")
	}
	w.ch, w.bcast, w.handle = ch, bcast, handle
	w.mu.Unlock()

	defer func() {
		if err := handle.Close(); err != nil {
			log.Printf("[worker] closing module environment: %v", err)
		}
	}()

	mux := transport.NewMux()
	mux.Handle(protocol.TypeRender, w.handleRender)
	mux.Handle(protocol.TypeGetSSRConfig, w.handleSSRConfig)
	mux.OnUnknown = w.OnUnknown

	log.Printf("[worker] serving (root=%s src_dir=%s)", w.cfg.Root, w.cfg.SrcDir)
	return mux.Serve(ctx, ch)
}

// resolvedConfig falls back to the worker's own settings for fields the
// host left empty.
func (w *Worker) resolvedConfig(m protocol.Message) protocol.ResolvedConfig {
	var cfg protocol.ResolvedConfig
	if m.Config != nil {
		cfg = *m.Config
	}
	if cfg.SrcDir == "" {
		cfg.SrcDir = w.cfg.SrcDir
	}
	if cfg.EntriesFile == "" {
		cfg.EntriesFile = w.cfg.EntriesFile
	}
	return cfg
}

// environment waits for the shared module environment and resolves the
// entries module for cfg.
func (w *Worker) environment(ctx context.Context, cfg protocol.ResolvedConfig) (loader.LoadFunc, *loader.Module, error) {
	if _, err := w.handle.Get(ctx); err != nil {
		w.failOnce.Do(func() {
			w.mu.Lock()
			w.failErr = err
			w.mu.Unlock()
			log.Printf("[worker] FATAL: %v; every request will fail until the worker is replaced", err)
		})
		return nil, nil, err
	}

	entries, err := w.handle.LoadEntries(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return w.handle.LoadFileURL, entries, nil
}

func (w *Worker) send(ctx context.Context, m protocol.Message) {
	if err := w.ch.Send(ctx, m); err != nil {
		log.Printf("[worker] sending %s for %s: %v", m.Type, m.ID, err)
	}
}

// fail sends the err response for id.
func (w *Worker) fail(ctx context.Context, id string, err error) {
	payload := protocol.NewErrorPayload(err)
	w.send(ctx, protocol.Message{
		ID:         id,
		Type:       protocol.TypeErr,
		Err:        payload,
		StatusCode: payload.StatusCode,
	})
}
