// Package broadcast forwards module-environment events to the host as
// unsolicited messages.
package broadcast

import (
	"context"
	"log"
	"time"

	"go-ssr/loader"
	"go-ssr/protocol"
	"go-ssr/transport"
)

const sendTimeout = 5 * time.Second

// Broadcaster turns reload and module events into uncorrelated messages on
// a channel. Events are fire-and-forget: a failed send is logged and
// dropped.
type Broadcaster struct {
	ch   transport.Channel
	refs *RefSet
}

func New(ch transport.Channel) *Broadcaster {
	return &Broadcaster{ch: ch, refs: NewRefSet()}
}

// Refs returns the set of module ids seen as dynamic imports.
func (b *Broadcaster) Refs() *RefSet {
	return b.refs
}

// Hooks subscribes the broadcaster to an environment's events by filling in
// the callbacks of opts.
func (b *Broadcaster) Hooks(opts *loader.Options) {
	opts.OnReload = b.Reload
	opts.OnModule = b.Module
	opts.KnownImports = b.refs.Snapshot
}

// Reload forwards a reload trigger as {type: kind}.
func (b *Broadcaster) Reload(kind protocol.Type) {
	b.send(protocol.Message{Type: kind})
}

// Module forwards a module event: an import result becomes module-import
// (and joins the reference set), a hot source becomes hot-import.
func (b *Broadcaster) Module(ev loader.ModuleEvent) {
	switch {
	case ev.Import != nil:
		b.refs.Add(ev.Import.ID)
		b.send(protocol.Message{Type: protocol.TypeModuleImport, Result: ev.Import})
	case ev.HotSource != "":
		b.send(protocol.Message{Type: protocol.TypeHotImport, Source: ev.HotSource})
	}
}

func (b *Broadcaster) send(m protocol.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if err := b.ch.Send(ctx, m); err != nil {
		log.Printf("[broadcast] dropping %s event: %v", m.Type, err)
	}
}
