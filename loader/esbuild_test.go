package loader

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go-ssr/protocol"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func newEsbuild(t *testing.T, opts Options) *Esbuild {
	t.Helper()
	env, err := NewEsbuild(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewEsbuild: %v", err)
	}
	t.Cleanup(func() { _ = env.Close() })
	return env.(*Esbuild)
}

func TestEsbuildCompilesTypeScript(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "src", "util.ts"), "export const greet = (name: string): string => `hi ${name}`;\n")
	writeFile(t, filepath.Join(root, "src", "entries.ts"), "import { greet } from './util';\nexport const message: string = greet('ssr');\n")

	env := newEsbuild(t, Options{Root: root})

	m, err := env.Load(context.Background(), "src/entries.ts")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.ID != "src/entries.ts" {
		t.Fatalf("unexpected id %q", m.ID)
	}
	if strings.Contains(m.Code, ": string") {
		t.Fatalf("type annotations survived compilation:\n%s", m.Code)
	}
	if !strings.Contains(m.Code, "hi ") {
		t.Fatalf("expected local import to be bundled:\n%s", m.Code)
	}

	util := filepath.Join(root, "src", "util.ts")
	found := false
	for _, in := range m.Inputs {
		if in == util {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s among inputs %v", util, m.Inputs)
	}

	again, err := env.Load(context.Background(), filepath.Join(root, "src", "entries.ts"))
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if again != m {
		t.Fatalf("expected cached module on second load")
	}
}

func TestEsbuildMissingModule(t *testing.T) {
	env := newEsbuild(t, Options{Root: t.TempDir()})

	_, err := env.Load(context.Background(), "src/nope.tsx")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", err)
	}
}

func TestEsbuildCompileError(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "broken.ts"), "export const = ;\n")
	env := newEsbuild(t, Options{Root: root})

	_, err := env.Load(context.Background(), "broken.ts")
	if err == nil || !strings.Contains(err.Error(), "compiling broken.ts") {
		t.Fatalf("expected compile error, got %v", err)
	}
}

func TestEsbuildReportsDynamicImports(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "src", "pages", "about.ts"), "export default 'about';\n")
	writeFile(t, filepath.Join(root, "src", "entries.ts"), "export const load = () => import('./pages/about');\n")

	var mu sync.Mutex
	var events []ModuleEvent
	env := newEsbuild(t, Options{
		Root: root,
		OnModule: func(ev ModuleEvent) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		},
	})

	m, err := env.Load(context.Background(), "src/entries.ts")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(m.DynamicImports) != 1 {
		t.Fatalf("expected one dynamic import, got %+v", m.DynamicImports)
	}
	if !strings.HasSuffix(m.DynamicImports[0].ID, "pages/about.ts") {
		t.Fatalf("unexpected dynamic import id %q", m.DynamicImports[0].ID)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 || events[0].Import == nil || events[0].Import.ID != m.DynamicImports[0].ID {
		t.Fatalf("expected a module-import event, got %+v", events)
	}
}

func TestEsbuildInvalidate(t *testing.T) {
	root := t.TempDir()
	util := filepath.Join(root, "util.ts")
	writeFile(t, util, "export const n = 1;\n")
	writeFile(t, filepath.Join(root, "a.ts"), "import { n } from './util';\nexport const a = n;\n")
	writeFile(t, filepath.Join(root, "b.ts"), "export const b = 2;\n")

	env := newEsbuild(t, Options{
		Root:         root,
		KnownImports: func() []string { return []string{"b.ts"} },
	})

	for _, p := range []string{"a.ts", "b.ts"} {
		if _, err := env.Load(context.Background(), p); err != nil {
			t.Fatalf("Load %s: %v", p, err)
		}
	}

	// a.ts depends on util.ts; b.ts is a known dynamic import.
	if n := env.Invalidate(util); n != 2 {
		t.Fatalf("expected 2 modules invalidated, got %d", n)
	}

	writeFile(t, util, "export const n = 42;\n")
	m, err := env.Load(context.Background(), "a.ts")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !strings.Contains(m.Code, "42") {
		t.Fatalf("expected recompiled code, got:\n%s", m.Code)
	}
}

func TestEsbuildWatchEmitsReloadAndHotImport(t *testing.T) {
	root := t.TempDir()
	page := filepath.Join(root, "src", "pages", "about.ts")
	writeFile(t, page, "export default 1;\n")

	reloads := make(chan protocol.Type, 16)
	hot := make(chan string, 16)

	env := newEsbuild(t, Options{
		Root:         root,
		Watch:        true,
		OnReload:     func(kind protocol.Type) { reloads <- kind },
		KnownImports: func() []string { return []string{"src/pages/about.ts"} },
		OnModule: func(ev ModuleEvent) {
			if ev.HotSource != "" {
				hot <- ev.HotSource
			}
		},
	})

	live, cancel := env.Subscribe()
	defer cancel()

	writeFile(t, page, "export default 2;\n")

	select {
	case kind := <-reloads:
		if kind != protocol.ReloadFull {
			t.Fatalf("expected full-reload, got %q", kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no reload event after file change")
	}

	select {
	case src := <-hot:
		if src != "src/pages/about.ts" {
			t.Fatalf("unexpected hot source %q", src)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no hot-import event for a known dynamic import")
	}

	select {
	case kind := <-live:
		if kind != protocol.ReloadFull {
			t.Fatalf("unexpected live kind %q", kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("live channel did not see the change before being closed")
	}
}

func TestEsbuildStylesheetChangeIsUpdate(t *testing.T) {
	root := t.TempDir()
	reloads := make(chan protocol.Type, 16)
	newEsbuild(t, Options{
		Root:     root,
		Watch:    true,
		OnReload: func(kind protocol.Type) { reloads <- kind },
	})

	writeFile(t, filepath.Join(root, "styles.css"), "body{}\n")

	select {
	case kind := <-reloads:
		if kind != protocol.ReloadUpdate {
			t.Fatalf("expected update for stylesheet, got %q", kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no reload event for stylesheet")
	}
}

func TestEsbuildCloseLive(t *testing.T) {
	env := newEsbuild(t, Options{Root: t.TempDir()})

	if err := env.CloseLive(); err != nil {
		t.Fatalf("CloseLive: %v", err)
	}
	if !env.LiveClosed() {
		t.Fatalf("expected live channel to report closed")
	}

	ch, _ := env.Subscribe()
	if _, ok := <-ch; ok {
		t.Fatalf("expected subscription on a closed live channel to be closed")
	}
}

func TestNewEsbuildRejectsMissingRoot(t *testing.T) {
	_, err := NewEsbuild(context.Background(), Options{Root: filepath.Join(t.TempDir(), "missing")})
	if err == nil {
		t.Fatalf("expected an error for a missing root")
	}
}
