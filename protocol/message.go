// Package protocol defines the messages exchanged between a host and an SSR
// worker, and the length-prefixed frame codec used when the two live in
// different processes.
package protocol

import (
	"encoding/json"
	"io"
)

// Type is the discriminant of a Message.
type Type string

// Inbound requests.
const (
	TypeRender       Type = "render"
	TypeGetSSRConfig Type = "getSsrConfig"
)

// Correlated responses.
const (
	TypeStart       Type = "start"
	TypeErr         Type = "err"
	TypeModuleID    Type = "moduleId"
	TypeSSRConfig   Type = "ssrConfig"
	TypeNoSSRConfig Type = "noSsrConfig"
)

// Unsolicited events. Reload kinds travel as the type itself.
const (
	TypeModuleImport Type = "module-import"
	TypeHotImport    Type = "hot-import"

	ReloadFull   Type = "full-reload"
	ReloadUpdate Type = "update"
)

// ResolvedConfig is the configuration object the host sends with every
// request.
type ResolvedConfig struct {
	BasePath    string `json:"basePath,omitempty"`
	SrcDir      string `json:"srcDir"`
	EntriesFile string `json:"entriesFile"`
	RSCPath     string `json:"rscPath,omitempty"`
}

// ImportResult describes a module that the environment saw being imported
// dynamically.
type ImportResult struct {
	ID        string `json:"id"`
	Importer  string `json:"importer,omitempty"`
	Specifier string `json:"specifier,omitempty"`
}

// Message is the single envelope for every tag of the protocol. Fields that
// don't apply to a given Type are left zero and omitted on the wire.
type Message struct {
	ID   string `json:"id,omitempty"`
	Type Type   `json:"type"`

	// render / getSsrConfig
	Config              *ResolvedConfig `json:"config,omitempty"`
	Input               string          `json:"input,omitempty"`
	SearchParamsString  string          `json:"searchParamsString,omitempty"`
	Method              string          `json:"method,omitempty"`
	Context             map[string]any  `json:"context,omitempty"`
	ContentType         string          `json:"contentType,omitempty"`
	HasModuleIDCallback bool            `json:"hasModuleIdCallback,omitempty"`
	Pathname            string          `json:"pathname,omitempty"`

	// err
	Err        *ErrorPayload `json:"err,omitempty"`
	StatusCode int           `json:"statusCode,omitempty"`

	// moduleId
	ModuleID string `json:"moduleId,omitempty"`

	// module-import / hot-import
	Result *ImportResult `json:"result,omitempty"`
	Source string        `json:"source,omitempty"`

	// StreamID is assigned by framed transports; zero means no stream.
	StreamID uint64 `json:"streamId,omitempty"`

	// Stream is the transferable body. Whoever holds the Message owns it;
	// once sent, the sender must not touch it again.
	Stream io.ReadCloser `json:"-"`
}

// MarshalJSON encodes m. A start always carries its context, so an empty one
// is written as {} rather than omitted.
func (m Message) MarshalJSON() ([]byte, error) {
	type plain Message
	if m.Type != TypeStart {
		return json.Marshal(plain(m))
	}
	ctx := m.Context
	if ctx == nil {
		ctx = map[string]any{}
	}
	return json.Marshal(struct {
		plain
		Context map[string]any `json:"context"`
	}{plain(m), ctx})
}

// Unsolicited reports whether m is an uncorrelated event.
func (m Message) Unsolicited() bool {
	return m.ID == ""
}

// Terminal reports whether m ends a request's session.
func (m Message) Terminal() bool {
	switch m.Type {
	case TypeStart, TypeErr, TypeSSRConfig, TypeNoSSRConfig:
		return true
	}
	return false
}

// IsReloadKind reports whether t is one of the reload event kinds.
func IsReloadKind(t Type) bool {
	return t == ReloadFull || t == ReloadUpdate
}
