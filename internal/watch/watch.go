// Package watch keeps a directory of documents ingested.
//
// Files with a watched extension are ingested when created or written, with
// source set to the slash-separated path relative to the root. Bursts of
// writes to one file are debounced into a single ingestion. A removed or
// renamed file has its chunks deleted. Paths matched by the root's
// .gitignore or .ragdignore are skipped; the ignore files are read once.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/ignore"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/rag"
)

const (
	// DefaultDebounce is the quiet period after the last event for a file.
	DefaultDebounce = 500 * time.Millisecond

	// MaxFileBytes caps the size of an ingested file.
	MaxFileBytes = 10 << 20
)

var (
	// ErrNotDirectory indicates the watch root is not a directory.
	ErrNotDirectory = errors.New("watch root is not a directory")

	// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
	ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")
)

// Ingester is the part of rag.Service the watcher drives.
type Ingester interface {
	Ingest(ctx context.Context, req rag.IngestRequest) (rag.IngestResponse, error)
	Remove(ctx context.Context, source string) (rag.IngestResponse, error)
}

// Options configure a Watcher.
type Options struct {
	// Extensions are matched case-insensitively, with the leading dot.
	Extensions []string
	Debounce   time.Duration
	// InitialScan ingests every matching file already under the root.
	InitialScan bool
}

// OptionsFromConfig converts the watch config section.
func OptionsFromConfig(cfg config.WatchConfig) Options {
	return Options{
		Extensions:  cfg.Extensions,
		Debounce:    cfg.Debounce.Duration(),
		InitialScan: true,
	}
}

// Watcher ingests files under a root directory as they change.
type Watcher struct {
	root     string
	exts     map[string]bool
	debounce time.Duration
	initial  bool
	ignore   *ignore.Matcher
	ingester Ingester
	logger   *logging.Logger

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
	wg      sync.WaitGroup
}

// New creates a Watcher for root. Call Run to start it.
func New(root string, opts Options, ingester Ingester, logger *logging.Logger) (*Watcher, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, abs)
	}

	exts := opts.Extensions
	if len(exts) == 0 {
		exts = []string{".md", ".txt"}
	}
	extSet := make(map[string]bool, len(exts))
	for _, e := range exts {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		extSet[e] = true
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	matcher, err := ignore.NewParser(ignore.DefaultFiles, nil).ParseProject(abs)
	if err != nil {
		return nil, fmt.Errorf("reading ignore files: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}

	return &Watcher{
		root:     abs,
		exts:     extSet,
		debounce: debounce,
		initial:  opts.InitialScan,
		ignore:   matcher,
		ingester: ingester,
		logger:   logger.Named("watch"),
		fsw:      fsw,
		pending:  make(map[string]*time.Timer),
	}, nil
}

// Run watches until ctx is done, then waits for in-flight ingestions and
// releases the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.shutdown()

	if err := w.addTree(ctx, w.root, w.initial); err != nil {
		return err
	}
	w.logger.Info(ctx, "watching directory",
		zap.String("root", w.root),
		zap.Duration("debounce", w.debounce))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn(ctx, "watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	if hidden(filepath.Base(event.Name)) {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if w.ignored(event.Name, true) {
				return
			}
			// Files created before the watch was added are picked up by the scan.
			if err := w.addTree(ctx, event.Name, true); err != nil {
				w.logger.Warn(ctx, "watching new directory failed",
					zap.String("path", event.Name), zap.Error(err))
			}
			return
		}
	}

	if !w.matches(event.Name) || w.ignored(event.Name, false) {
		return
	}
	if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) ||
		event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		w.schedule(ctx, event.Name)
	}
}

// addTree watches dir and its subdirectories, optionally scheduling every
// matching file found.
func (w *Watcher) addTree(ctx context.Context, dir string, scan bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != dir && (hidden(d.Name()) || w.ignored(path, d.IsDir())) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if err := w.fsw.Add(path); err != nil {
				return fmt.Errorf("watching %s: %w", path, err)
			}
			return nil
		}
		if scan && w.matches(path) {
			w.schedule(ctx, path)
		}
		return nil
	})
}

// schedule (re)starts the debounce timer for path.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[path]; ok {
		if t.Stop() {
			t.Reset(w.debounce)
			return
		}
	}
	w.wg.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(w.debounce, func() {
		defer w.wg.Done()
		w.mu.Lock()
		if w.pending[path] == timer {
			delete(w.pending, path)
		}
		w.mu.Unlock()
		w.sync(ctx, path)
	})
	w.pending[path] = timer
}

// sync ingests path, or removes its source when the file is gone.
func (w *Watcher) sync(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}
	source, err := w.source(path)
	if err != nil {
		w.logger.Warn(ctx, "skipping file outside root", zap.String("path", path), zap.Error(err))
		return
	}

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		resp, err := w.ingester.Remove(ctx, source)
		if err != nil {
			w.logger.Warn(ctx, "removing source failed", zap.String("source", source), zap.Error(err))
			return
		}
		w.logger.Info(ctx, "file removed",
			zap.String("source", source),
			zap.Int("chunks_deleted", resp.ChunksDeleted))
		return
	}
	if err != nil {
		w.logger.Warn(ctx, "stat failed", zap.String("path", path), zap.Error(err))
		return
	}
	if info.Size() > MaxFileBytes {
		w.logger.Warn(ctx, "file too large, skipping",
			zap.String("source", source),
			zap.Int64("bytes", info.Size()),
			zap.Int("max_bytes", MaxFileBytes))
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn(ctx, "reading file failed", zap.String("path", path), zap.Error(err))
		return
	}
	if len(data) == 0 {
		// Ingest requires text; an emptied file drops its chunks.
		if _, err := w.ingester.Remove(ctx, source); err != nil {
			w.logger.Warn(ctx, "removing source failed", zap.String("source", source), zap.Error(err))
		}
		return
	}

	resp, err := w.ingester.Ingest(ctx, rag.IngestRequest{
		Source: source,
		Title:  strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Text:   string(data),
	})
	if err != nil {
		w.logger.Warn(ctx, "ingesting file failed",
			zap.String("source", source),
			zap.String("kind", rag.Classify(err).String()),
			zap.Error(err))
		return
	}
	w.logger.Info(ctx, "file ingested",
		zap.String("source", source),
		zap.Int("chunks_deleted", resp.ChunksDeleted),
		zap.Int("chunks_inserted", resp.ChunksInserted))
}

func (w *Watcher) source(path string) (string, error) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside %s", path, w.root)
	}
	return filepath.ToSlash(rel), nil
}

func (w *Watcher) ignored(path string, isDir bool) bool {
	rel, err := w.source(path)
	if err != nil {
		return false
	}
	return w.ignore.Match(rel, isDir)
}

func (w *Watcher) matches(path string) bool {
	return w.exts[strings.ToLower(filepath.Ext(path))]
}

func (w *Watcher) shutdown() {
	w.mu.Lock()
	for path, t := range w.pending {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.pending, path)
	}
	w.mu.Unlock()
	w.wg.Wait()
	_ = w.fsw.Close()
}

// hidden reports dotfiles and editor swap files.
func hidden(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~")
}
