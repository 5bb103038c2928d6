package worker

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"go-ssr/protocol"
)

// session is the correlated side of one render request. It forwards module
// ids until the terminal message goes out and drops them afterwards.
type session struct {
	w   *Worker
	ctx context.Context
	id  string

	mu   sync.Mutex
	done bool
}

func (s *session) ModuleID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		log.Printf("[worker] dropping module id %q reported after %s finished", id, s.id)
		return
	}
	s.w.send(s.ctx, protocol.Message{ID: s.id, Type: protocol.TypeModuleID, ModuleID: id})
}

// finish sends the terminal message built by msg, after which module ids
// are no longer forwarded. msg runs under the session lock.
func (s *session) finish(msg func() protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	s.w.send(s.ctx, msg())
}

func (w *Worker) handleRender(ctx context.Context, m protocol.Message) {
	s := &session{w: w, ctx: ctx, id: m.ID}

	rc, stream, err := w.render(ctx, m, s)
	if err != nil {
		log.Printf("[worker] render %s (%s): %v", m.ID, m.Input, err)
		s.finish(func() protocol.Message {
			payload := protocol.NewErrorPayload(err)
			return protocol.Message{ID: m.ID, Type: protocol.TypeErr, Err: payload, StatusCode: payload.StatusCode}
		})
		return
	}

	s.finish(func() protocol.Message {
		return protocol.Message{ID: m.ID, Type: protocol.TypeStart, Context: rc.Seal(), Stream: stream}
	})
}

func (w *Worker) render(ctx context.Context, m protocol.Message, s *session) (*Context, io.ReadCloser, error) {
	body := m.Stream
	defer func() {
		// Ownership of the body passes to the renderer once it is called.
		if body != nil {
			_ = body.Close()
		}
	}()

	if w.pipes.Renderer == nil {
		return nil, nil, ErrNoPipeline
	}

	cfg := w.resolvedConfig(m)
	load, entries, err := w.environment(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	req := &RenderRequest{
		Config:       cfg,
		Input:        m.Input,
		SearchParams: parseSearchParams(m.SearchParamsString),
		Method:       m.Method,
		Context:      NewContext(m.Context, w.cfg.StrictContext),
		ContentType:  m.ContentType,
		Body:         body,
		LoadModule:   load,
		Entries:      entries,
		Env:          w.Env(),
		IsDev:        true,
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if m.HasModuleIDCallback {
		req.ModuleIDs = s
	}
	body = nil

	stream, err := w.pipes.Renderer.Render(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	if stream == nil {
		stream = http.NoBody
	}
	return req.Context, stream, nil
}

// parseSearchParams is lenient: malformed pairs are skipped.
func parseSearchParams(s string) url.Values {
	values, _ := url.ParseQuery(strings.TrimPrefix(s, "?"))
	if values == nil {
		values = url.Values{}
	}
	return values
}
