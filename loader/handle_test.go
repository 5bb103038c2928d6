package loader

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go-ssr/protocol"
)

// fakeEnv is an in-memory Environment.
type fakeEnv struct {
	root       string
	liveClosed atomic.Bool
	loads      sync.Map // path -> true
}

func (f *fakeEnv) Root() string { return f.root }

func (f *fakeEnv) Load(_ context.Context, path string) (*Module, error) {
	f.loads.Store(path, true)
	return &Module{ID: filepath.Base(path), Path: path}, nil
}

func (f *fakeEnv) CloseLive() error {
	f.liveClosed.Store(true)
	return nil
}

func (f *fakeEnv) Close() error { return nil }

func TestHandleBuildsOnceUnderConcurrency(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	env := &fakeEnv{root: "/app"}

	h := NewHandle(func(ctx context.Context, opts Options) (Environment, error) {
		calls.Add(1)
		<-release
		return env, nil
	}, Options{})

	const n = 32
	var wg sync.WaitGroup
	results := make(chan Environment, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := h.Get(context.Background())
			if err != nil {
				t.Errorf("Get: %v", err)
				return
			}
			results <- got
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	for got := range results {
		if got != env {
			t.Fatalf("callers observed different environments")
		}
	}
	if calls.Load() != 1 || h.Builds() != 1 {
		t.Fatalf("expected exactly one construction, got calls=%d builds=%d", calls.Load(), h.Builds())
	}
	if !env.liveClosed.Load() {
		t.Fatalf("expected the environment's live channel to be closed after start")
	}
}

func TestHandleFailureIsSharedAndNotRetried(t *testing.T) {
	var calls atomic.Int32
	boom := errors.New("no tsconfig")

	h := NewHandle(func(ctx context.Context, opts Options) (Environment, error) {
		calls.Add(1)
		return nil, boom
	}, Options{})

	for i := 0; i < 3; i++ {
		_, err := h.Get(context.Background())
		if !errors.Is(err, boom) {
			t.Fatalf("attempt %d: expected construction error, got %v", i, err)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("failed construction was retried: %d calls", calls.Load())
	}

	if _, err := h.LoadEntries(context.Background(), protocol.ResolvedConfig{SrcDir: "src", EntriesFile: "entries.tsx"}); !errors.Is(err, boom) {
		t.Fatalf("expected LoadEntries to surface construction error, got %v", err)
	}
}

func TestHandleCallerCancellationDoesNotAbortConstruction(t *testing.T) {
	release := make(chan struct{})
	var sawCancel atomic.Bool
	env := &fakeEnv{root: "/app"}

	h := NewHandle(func(ctx context.Context, opts Options) (Environment, error) {
		<-release
		if ctx.Err() != nil {
			sawCancel.Store(true)
		}
		return env, nil
	}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := h.Get(ctx)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected the cancelled caller to stop waiting, got %v", err)
	}

	close(release)
	got, err := h.Get(context.Background())
	if err != nil || got != env {
		t.Fatalf("expected construction to complete, got %v, %v", got, err)
	}
	if sawCancel.Load() {
		t.Fatalf("construction observed the first caller's cancellation")
	}
	if h.Builds() != 1 {
		t.Fatalf("expected one build, got %d", h.Builds())
	}
}

func TestHandleLoadEntriesAndFileURL(t *testing.T) {
	env := &fakeEnv{root: filepath.FromSlash("/app")}
	h := NewHandle(func(ctx context.Context, opts Options) (Environment, error) {
		return env, nil
	}, Options{})

	m, err := h.LoadEntries(context.Background(), protocol.ResolvedConfig{SrcDir: "src", EntriesFile: "entries.tsx"})
	if err != nil {
		t.Fatalf("LoadEntries: %v", err)
	}
	want := filepath.Join(env.root, "src", "entries.tsx")
	if m.Path != want {
		t.Fatalf("entries path = %q, want %q", m.Path, want)
	}

	if _, err := h.LoadFileURL(context.Background(), "file:///app/src/pages/about.tsx"); err != nil {
		t.Fatalf("LoadFileURL: %v", err)
	}
	if _, ok := env.loads.Load(filepath.FromSlash("/app/src/pages/about.tsx")); !ok {
		t.Fatalf("expected file url to resolve to a local path")
	}
}

func TestFileURLToPath(t *testing.T) {
	cases := map[string]string{
		"file:///srv/app/x.ts":          filepath.FromSlash("/srv/app/x.ts"),
		"file://localhost/srv/a%20b.ts": filepath.FromSlash("/srv/a b.ts"),
		"src/entries.tsx":               "src/entries.tsx",
	}
	for in, want := range cases {
		got, err := FileURLToPath(in)
		if err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if got != want {
			t.Fatalf("%s: got %q, want %q", in, got, want)
		}
	}

	if _, err := FileURLToPath("file://example.com/x.ts"); err == nil {
		t.Fatalf("expected remote file url to be rejected")
	}
}
