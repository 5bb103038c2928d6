package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"go-ssr/config"
	"go-ssr/host"
	"go-ssr/protocol"
)

// workerSource hands out the client of a live worker. *host.Process is the
// real one.
type workerSource interface {
	Client() (*host.Client, error)
	Restart() error
	Dead() bool
}

// Outcomes recorded in the render log.
const (
	outcomeStatic   = "static"
	outcomeNotSSR   = "not-ssr"
	outcomeRendered = "rendered"
	outcomeFailed   = "failed"
)

// renderLog is the JSON line ssrdev prints per request. Handlers fill in
// the render side (outcome, page input, modules); the wrapper adds status,
// size and timing.
type renderLog struct {
	Time       time.Time `json:"time"`
	RequestID  string    `json:"request_id"`
	Method     string    `json:"method"`
	URL        string    `json:"url"`
	Pathname   string    `json:"pathname,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	Input      string    `json:"input,omitempty"`
	Modules    []string  `json:"modules,omitempty"`
	Status     int       `json:"status"`
	Bytes      int64     `json:"bytes"`
	DurationMs float64   `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

type renderLogKey struct{}

// entryFor returns the log entry of r. Outside withRenderLog it returns a
// scratch entry nobody prints.
func entryFor(r *http.Request) *renderLog {
	if e, ok := r.Context().Value(renderLogKey{}).(*renderLog); ok {
		return e
	}
	return &renderLog{}
}

// countingWriter records the status and body size sent to the browser.
type countingWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *countingWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *countingWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *countingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *countingWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// withRenderLog tags the request with an id and prints one renderLog line
// once the handler returns, after the streamed body is done.
func withRenderLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)

		entry := &renderLog{RequestID: id, Method: r.Method, URL: r.URL.RequestURI()}
		cw := &countingWriter{ResponseWriter: w}
		next.ServeHTTP(cw, r.WithContext(context.WithValue(r.Context(), renderLogKey{}, entry)))

		entry.Time = time.Now()
		entry.Status = cw.status
		if entry.Status == 0 {
			entry.Status = http.StatusOK
		}
		entry.Bytes = cw.bytes
		entry.DurationMs = float64(time.Since(start).Microseconds()) / 1000

		b, err := json.Marshal(entry)
		if err != nil {
			log.Printf("[req %s] encoding render log: %v", id, err)
			return
		}
		log.Println(string(b))
	})
}

type devServer struct {
	cfg     *config.Config
	root    string
	workers workerSource
}

// serveStatic serves GET/HEAD requests matching a static rule from the
// project tree. It reports whether it answered the request.
func (s *devServer) serveStatic(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}

	for _, rule := range s.cfg.Dev.Static {
		rest, ok := strings.CutPrefix(r.URL.Path, rule.Prefix)
		if !ok {
			continue
		}

		dir := filepath.Join(s.root, rule.Dir)
		file := filepath.Join(dir, filepath.FromSlash(rest))
		if rel, err := filepath.Rel(dir, file); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			entryFor(r).Outcome = outcomeStatic
			http.Error(w, "Forbidden", http.StatusForbidden)
			return true
		}

		info, err := os.Stat(file)
		if err != nil || info.IsDir() {
			continue
		}

		entryFor(r).Outcome = outcomeStatic
		http.ServeFile(w, r, file)
		return true
	}

	return false
}

// mapWorkerErrorToStatus converts worker errors into HTTP status codes. A
// status hint from the render pipeline wins.
func mapWorkerErrorToStatus(err error) int {
	var sc protocol.StatusCoder
	switch {
	case errors.As(err, &sc) && sc.StatusCode() >= 400 && sc.StatusCode() < 600:
		return sc.StatusCode()
	case errors.Is(err, context.DeadlineExceeded):
		// the worker did not answer in time
		return http.StatusGatewayTimeout
	case errors.Is(err, host.ErrWorkerGone):
		// the worker died mid-request
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeWorkerError logs and sends an appropriate HTTP error to the client.
func writeWorkerError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapWorkerErrorToStatus(err)
	log.Printf("[worker] error (status=%d): %v", status, err)
	entry := entryFor(r)
	entry.Outcome = outcomeFailed
	entry.Error = err.Error()

	msg := http.StatusText(status)
	var remote *host.RemoteError
	if errors.As(err, &remote) && remote.Message != "" {
		// Development server: show the pipeline's own message.
		msg = remote.Message
	}
	http.Error(w, msg, status)
}

func (s *devServer) resolvedConfig() *protocol.ResolvedConfig {
	return &protocol.ResolvedConfig{
		BasePath:    s.cfg.Dev.BasePath,
		SrcDir:      s.cfg.Worker.SrcDir,
		EntriesFile: s.cfg.Worker.EntriesFile,
		RSCPath:     s.cfg.Dev.RSCPath,
	}
}

// pathname strips the base path; ok is false outside of it.
func (s *devServer) pathname(urlPath string) (string, bool) {
	base := strings.TrimSuffix(s.cfg.Dev.BasePath, "/")
	if base == "" {
		return urlPath, true
	}
	if urlPath == base {
		return "/", true
	}
	if !strings.HasPrefix(urlPath, base+"/") {
		return "", false
	}
	return strings.TrimPrefix(urlPath, base), true
}

// handleSSR serves static files first, then asks the worker whether the
// path is server-rendered and streams the render.
func (s *devServer) handleSSR(w http.ResponseWriter, r *http.Request) {
	if s.serveStatic(w, r) {
		return
	}

	entry := entryFor(r)
	pathname, ok := s.pathname(r.URL.Path)
	if !ok {
		entry.Outcome = outcomeNotSSR
		http.NotFound(w, r)
		return
	}
	entry.Pathname = pathname

	ctx := r.Context()
	if s.cfg.Dev.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Dev.RequestTimeout)
		defer cancel()
	}

	client, err := s.workers.Client()
	if err != nil {
		writeWorkerError(w, r, err)
		return
	}

	rc := s.resolvedConfig()
	ssr, err := client.GetSSRConfig(ctx, rc, pathname, r.URL.RawQuery)
	if err != nil {
		writeWorkerError(w, r, err)
		return
	}
	if ssr == nil {
		entry.Outcome = outcomeNotSSR
		http.NotFound(w, r)
		return
	}
	entry.Input = ssr.Input

	var modules []string
	req := host.RenderRequest{
		Config:       rc,
		Input:        ssr.Input,
		SearchParams: ssr.SearchParams,
		Method:       r.Method,
		Context: map[string]any{
			"requestId": r.Header.Get("X-Request-Id"),
			"pathname":  pathname,
		},
		Body:       ssr.Body,
		OnModuleID: func(id string) { modules = append(modules, id) },
	}
	if ssr.Body != nil {
		req.ContentType = "application/json"
	}

	res, err := client.Render(ctx, req)
	if err != nil {
		writeWorkerError(w, r, err)
		return
	}
	defer res.Body.Close()
	entry.Outcome = outcomeRendered
	entry.Modules = modules

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if len(modules) > 0 {
		w.Header().Set("X-SSR-Modules", strings.Join(modules, ","))
	}
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return
	}
	if err := streamBody(w, res.Body); err != nil {
		entry.Error = err.Error()
		log.Printf("[req %s] %s -> stream error: %v", r.Header.Get("X-Request-Id"), r.URL.Path, err)
	}
}

// streamBody copies the render to the client, flushing every chunk.
func streamBody(w http.ResponseWriter, body io.Reader) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// handleHealth reports whether the worker is up.
func (s *devServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.workers.Dead() {
		status = "dead"
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"worker": status})
}

// handleRestart replaces the worker; the next request uses a fresh one.
func (s *devServer) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := s.workers.Restart(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
