package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ragd/internal/rag"
)

type call struct {
	op     string
	source string
	text   string
}

type recordingIngester struct {
	mu    sync.Mutex
	calls []call
	fail  error
}

func (r *recordingIngester) Ingest(_ context.Context, req rag.IngestRequest) (rag.IngestResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{op: "ingest", source: req.Source, text: req.Text})
	if r.fail != nil {
		return rag.IngestResponse{}, r.fail
	}
	return rag.IngestResponse{Source: req.Source, ChunksInserted: 1}, nil
}

func (r *recordingIngester) Remove(_ context.Context, source string) (rag.IngestResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{op: "remove", source: source})
	return rag.IngestResponse{Source: source, ChunksDeleted: 1}, nil
}

func (r *recordingIngester) snapshot() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

func (r *recordingIngester) find(op, source string) (call, bool) {
	for _, c := range r.snapshot() {
		if c.op == op && c.source == source {
			return c, true
		}
	}
	return call{}, false
}

const testDebounce = 50 * time.Millisecond

func startWatcher(t *testing.T, root string, ing Ingester, initial bool) {
	t.Helper()
	w, err := New(root, Options{Debounce: testDebounce, InitialScan: initial}, ing, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("watcher did not stop")
		}
	})

	// Give Run time to register the watches.
	time.Sleep(100 * time.Millisecond)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestWatcher_InitialScan(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.md"), "alpha")
	writeFile(t, filepath.Join(root, "docs", "b.txt"), "beta")
	writeFile(t, filepath.Join(root, "main.go"), "package main")
	writeFile(t, filepath.Join(root, ".git", "c.md"), "hidden")

	ing := &recordingIngester{}
	startWatcher(t, root, ing, true)

	require.Eventually(t, func() bool { return len(ing.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
	a, ok := ing.find("ingest", "a.md")
	require.True(t, ok)
	assert.Equal(t, "alpha", a.text)
	_, ok = ing.find("ingest", "docs/b.txt")
	assert.True(t, ok)

	time.Sleep(3 * testDebounce)
	assert.Len(t, ing.snapshot(), 2, "non-matching and hidden files are ignored")
}

func TestWatcher_HonoursIgnoreFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ".gitignore"), "build/\n*.draft.md\n")
	writeFile(t, filepath.Join(root, ".ragdignore"), "/private\n")
	writeFile(t, filepath.Join(root, "guide.md"), "guide")
	writeFile(t, filepath.Join(root, "build", "out.md"), "generated")
	writeFile(t, filepath.Join(root, "idea.draft.md"), "draft")
	writeFile(t, filepath.Join(root, "private", "notes.md"), "private")

	ing := &recordingIngester{}
	startWatcher(t, root, ing, true)

	require.Eventually(t, func() bool { return len(ing.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	_, ok := ing.find("ingest", "guide.md")
	assert.True(t, ok)

	writeFile(t, filepath.Join(root, "build", "later.md"), "generated")
	writeFile(t, filepath.Join(root, "other.draft.md"), "draft")
	writeFile(t, filepath.Join(root, "kept.md"), "kept")

	require.Eventually(t, func() bool {
		_, ok := ing.find("ingest", "kept.md")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(3 * testDebounce)
	assert.Len(t, ing.snapshot(), 2)
}

func TestWatcher_DebouncesWrites(t *testing.T) {
	root := t.TempDir()
	ing := &recordingIngester{}
	startWatcher(t, root, ing, false)

	path := filepath.Join(root, "notes.md")
	for _, content := range []string{"one", "one two", "one two three"} {
		writeFile(t, path, content)
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		c, ok := ing.find("ingest", "notes.md")
		return ok && c.text == "one two three"
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(3 * testDebounce)
	ingests := 0
	for _, c := range ing.snapshot() {
		if c.op == "ingest" {
			ingests++
		}
	}
	assert.Equal(t, 1, ingests)
}

func TestWatcher_RemoveDeletesSource(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "gone.md")
	writeFile(t, path, "soon gone")

	ing := &recordingIngester{}
	startWatcher(t, root, ing, true)
	require.Eventually(t, func() bool {
		_, ok := ing.find("ingest", "gone.md")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		_, ok := ing.find("remove", "gone.md")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_NewDirectory(t *testing.T) {
	root := t.TempDir()
	ing := &recordingIngester{}
	startWatcher(t, root, ing, false)

	writeFile(t, filepath.Join(root, "new", "deep.md"), "nested")
	require.Eventually(t, func() bool {
		_, ok := ing.find("ingest", "new/deep.md")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_IngestErrorKeepsWatching(t *testing.T) {
	root := t.TempDir()
	ing := &recordingIngester{fail: errors.New("store down")}
	startWatcher(t, root, ing, false)

	writeFile(t, filepath.Join(root, "a.md"), "first")
	require.Eventually(t, func() bool {
		_, ok := ing.find("ingest", "a.md")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	writeFile(t, filepath.Join(root, "b.md"), "second")
	require.Eventually(t, func() bool {
		_, ok := ing.find("ingest", "b.md")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNew_Errors(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "file.md")
	writeFile(t, file, "x")

	_, err := New(file, Options{}, &recordingIngester{}, nil)
	assert.ErrorIs(t, err, ErrNotDirectory)

	_, err = New(filepath.Join(root, "missing"), Options{}, &recordingIngester{}, nil)
	assert.Error(t, err)
}

func TestWatcher_Matches(t *testing.T) {
	w := &Watcher{exts: map[string]bool{".md": true, ".txt": true}}
	tests := []struct {
		path string
		want bool
	}{
		{"a.md", true},
		{"A.MD", true},
		{"notes/b.txt", true},
		{"main.go", false},
		{"README", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, w.matches(tt.path))
		})
	}
}

func TestWatcher_Source(t *testing.T) {
	root := t.TempDir()
	w := &Watcher{root: root}

	got, err := w.source(filepath.Join(root, "docs", "a.md"))
	require.NoError(t, err)
	assert.Equal(t, "docs/a.md", got)

	_, err = w.source(filepath.Join(filepath.Dir(root), "elsewhere.md"))
	assert.Error(t, err)
}
