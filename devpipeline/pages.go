package devpipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"path"
	"strings"

	"go-ssr/worker"
)

// PageExtensions are tried in order when resolving a page module.
var PageExtensions = []string{".tsx", ".ts", ".jsx", ".js"}

// PageConfigResolver server-renders every pathname that has a module under
// pages/ in the source directory. "/" maps to pages/index and a trailing
// slash to the directory's index.
type PageConfigResolver struct{}

func (PageConfigResolver) ResolveSSRConfig(ctx context.Context, req *worker.SSRConfigRequest) (*worker.SSRConfig, error) {
	page, ok := pageForPathname(req.Pathname)
	if !ok {
		return nil, nil
	}

	for _, ext := range PageExtensions {
		input := page + ext
		_, err := req.LoadModule(ctx, path.Join(req.Config.SrcDir, input))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}

		body, err := json.Marshal(map[string]string{"pathname": req.Pathname})
		if err != nil {
			return nil, err
		}
		return &worker.SSRConfig{
			Input:        input,
			SearchParams: req.SearchParams,
			Body:         io.NopCloser(strings.NewReader(string(body))),
		}, nil
	}
	return nil, nil
}

func pageForPathname(pathname string) (string, bool) {
	if pathname == "" || !strings.HasPrefix(pathname, "/") {
		return "", false
	}
	p := path.Clean(pathname)
	if p != pathname && p+"/" != pathname {
		// Unclean paths (//, /./, /../) are never pages.
		return "", false
	}
	if strings.HasSuffix(pathname, "/") {
		p = path.Join(p, "index")
	}
	if base := path.Base(p); strings.HasPrefix(base, "_") || strings.HasPrefix(base, ".") {
		return "", false
	}
	return "pages" + p, true
}

var (
	_ worker.Renderer          = ModuleRenderer{}
	_ worker.SSRConfigResolver = PageConfigResolver{}
)
