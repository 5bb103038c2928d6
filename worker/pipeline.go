package worker

import (
	"context"
	"io"
	"net/url"

	"go-ssr/loader"
	"go-ssr/protocol"
)

// ModuleIDSink receives the ids of client modules a render resolves. The
// worker forwards each id to the host as it arrives.
type ModuleIDSink interface {
	ModuleID(id string)
}

// RenderRequest is what a Renderer gets for one render session.
type RenderRequest struct {
	Config       protocol.ResolvedConfig
	Input        string
	SearchParams url.Values
	Method       string
	Context      *Context
	ContentType  string
	// Body is the request body, or nil. The renderer owns it.
	Body io.ReadCloser

	// LoadModule accepts project paths and file:// URLs.
	LoadModule loader.LoadFunc
	Entries    *loader.Module

	// ModuleIDs is nil unless the host asked for module id callbacks.
	ModuleIDs ModuleIDSink

	Env   map[string]string
	IsDev bool
}

// Renderer turns a render request into a byte stream.
type Renderer interface {
	Render(ctx context.Context, req *RenderRequest) (io.ReadCloser, error)
}

// RenderFunc adapts a function to Renderer.
type RenderFunc func(ctx context.Context, req *RenderRequest) (io.ReadCloser, error)

func (f RenderFunc) Render(ctx context.Context, req *RenderRequest) (io.ReadCloser, error) {
	return f(ctx, req)
}

// SSRConfigRequest is what an SSRConfigResolver gets.
type SSRConfigRequest struct {
	Config       protocol.ResolvedConfig
	Pathname     string
	SearchParams url.Values

	LoadModule loader.LoadFunc
	Entries    *loader.Module

	Env   map[string]string
	IsDev bool
}

// SSRConfig tells the host how to server-render a pathname.
type SSRConfig struct {
	Input        string
	SearchParams url.Values
	Body         io.ReadCloser
}

// SSRConfigResolver resolves the SSR config for a pathname. A nil config
// with a nil error means the pathname is not server-rendered.
type SSRConfigResolver interface {
	ResolveSSRConfig(ctx context.Context, req *SSRConfigRequest) (*SSRConfig, error)
}

// SSRConfigFunc adapts a function to SSRConfigResolver.
type SSRConfigFunc func(ctx context.Context, req *SSRConfigRequest) (*SSRConfig, error)

func (f SSRConfigFunc) ResolveSSRConfig(ctx context.Context, req *SSRConfigRequest) (*SSRConfig, error) {
	return f(ctx, req)
}

// Pipelines bundles the collaborators a Worker drives.
type Pipelines struct {
	Renderer  Renderer
	SSRConfig SSRConfigResolver
}
