package worker

import (
	"context"
	"log"

	"go-ssr/protocol"
)

func (w *Worker) handleSSRConfig(ctx context.Context, m protocol.Message) {
	if m.Stream != nil {
		_ = m.Stream.Close()
	}

	resolved, err := w.resolveSSRConfig(ctx, m)
	switch {
	case err != nil:
		log.Printf("[worker] ssr config %s (%s): %v", m.ID, m.Pathname, err)
		w.fail(ctx, m.ID, err)
	case resolved == nil:
		w.send(ctx, protocol.Message{ID: m.ID, Type: protocol.TypeNoSSRConfig})
	default:
		w.send(ctx, protocol.Message{
			ID:                 m.ID,
			Type:               protocol.TypeSSRConfig,
			Input:              resolved.Input,
			SearchParamsString: resolved.SearchParams.Encode(),
			Stream:             resolved.Body,
		})
	}
}

func (w *Worker) resolveSSRConfig(ctx context.Context, m protocol.Message) (*SSRConfig, error) {
	if w.pipes.SSRConfig == nil {
		return nil, ErrNoPipeline
	}

	cfg := w.resolvedConfig(m)
	load, entries, err := w.environment(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return w.pipes.SSRConfig.ResolveSSRConfig(ctx, &SSRConfigRequest{
		Config:       cfg,
		Pathname:     m.Pathname,
		SearchParams: parseSearchParams(m.SearchParamsString),
		LoadModule:   load,
		Entries:      entries,
		Env:          w.Env(),
		IsDev:        true,
	})
}
