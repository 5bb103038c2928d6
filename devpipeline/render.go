// Package devpipeline holds the render and SSR config pipelines the
// development binaries use: pages are modules under the source directory,
// and rendering a page serves its compiled code inside an HTML shell.
package devpipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"go-ssr/protocol"
	"go-ssr/worker"
)

// ModuleRenderer renders the module named by the request input, a path
// relative to the source directory.
type ModuleRenderer struct {
	// ReloadPath is the reload websocket the page connects to. Empty
	// disables the reload client.
	ReloadPath string
}

func (r ModuleRenderer) Render(ctx context.Context, req *worker.RenderRequest) (io.ReadCloser, error) {
	if req.Body != nil {
		_ = req.Body.Close()
	}
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return nil, protocol.NewHTTPError(http.StatusMethodNotAllowed, "")
	}

	input, err := cleanInput(req.Input)
	if err != nil {
		return nil, err
	}

	if req.ModuleIDs != nil && req.Entries != nil {
		req.ModuleIDs.ModuleID(req.Entries.ID)
	}

	mod, err := req.LoadModule(ctx, path.Join(req.Config.SrcDir, input))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, protocol.NewHTTPError(http.StatusNotFound, "page %s not found", input)
		}
		return nil, fmt.Errorf("loading %s: %w", input, err)
	}
	if req.ModuleIDs != nil {
		req.ModuleIDs.ModuleID(mod.ID)
	}

	_ = req.Context.Set("module", mod.ID)
	if len(mod.DynamicImports) > 0 {
		ids := make([]any, 0, len(mod.DynamicImports))
		for _, imp := range mod.DynamicImports {
			ids = append(ids, imp.ID)
		}
		_ = req.Context.Set("dynamicImports", ids)
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(r.writePage(pw, mod.ID, mod.Code))
	}()
	return pr, nil
}

func (r ModuleRenderer) writePage(w io.Writer, id, code string) error {
	parts := []string{
		"<!doctype html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n",
		fmt.Sprintf("<meta name=\"ssr-module\" content=%q>\n", id),
		"</head>\n<body>\n<div id=\"root\"></div>\n<script type=\"module\">\n",
		escapeScript(code),
		"\n</script>\n",
	}
	if r.ReloadPath != "" {
		parts = append(parts, fmt.Sprintf(reloadClient, r.ReloadPath))
	}
	parts = append(parts, "</body>\n</html>\n")

	for _, p := range parts {
		if _, err := io.WriteString(w, p); err != nil {
			return err
		}
	}
	return nil
}

const reloadClient = `<script>
(() => {
  const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + %q);
  ws.onmessage = (e) => {
    const ev = JSON.parse(e.data);
    if (ev.type === "full-reload") location.reload();
    if (ev.type === "update") document.querySelectorAll("link[rel=stylesheet]").forEach((l) => { l.href = l.href.split("?")[0] + "?t=" + Date.now(); });
  };
})();
</script>
`

// escapeScript keeps compiled code from closing its script element early.
func escapeScript(code string) string {
	return strings.ReplaceAll(code, "</script", `<\/script`)
}

// cleanInput rejects inputs that leave the source directory.
func cleanInput(input string) (string, error) {
	if input == "" {
		return "", protocol.NewHTTPError(http.StatusBadRequest, "missing render input")
	}
	cleaned := path.Clean("/" + strings.ReplaceAll(input, `\`, "/"))
	if cleaned != "/"+strings.TrimPrefix(input, "/") || strings.Contains(input, "..") {
		return "", protocol.NewHTTPError(http.StatusBadRequest, "invalid render input %q", input)
	}
	return strings.TrimPrefix(cleaned, "/"), nil
}
