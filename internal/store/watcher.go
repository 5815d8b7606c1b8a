package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/ottlab/media-server/internal/codec"
	"github.com/ottlab/media-server/internal/observability"
)

// Watcher populates one channel's index. It registers a filesystem watch
// on every format directory, then scans existing files; the watch is
// registered first so a rename landing during the scan is not lost. Scan
// and watch share IngestPath, which is idempotent per (timestamp, format).
type Watcher struct {
	channel *Channel
	fsw     *fsnotify.Watcher
	logger  *slog.Logger
}

// NewWatcher creates a watcher for the channel and registers its
// directory watches. The per-channel directories must already exist; the
// encoder pipeline creates them before the server starts.
func NewWatcher(c *Channel, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}

	for _, dir := range c.WatchDirs() {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watching %s: %w", dir, err)
		}
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		channel: c,
		fsw:     fsw,
		logger:  logger.With(slog.String("channel", c.Name())),
	}, nil
}

// Scan ingests every file already present in the watched directories.
func (w *Watcher) Scan() error {
	for _, dir := range w.channel.WatchDirs() {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("scanning %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			w.ingest(filepath.Join(dir, e.Name()))
		}
	}
	return nil
}

// Run consumes filesystem events until the context is cancelled. A bad
// file is logged and skipped; only watcher-level failures end the loop.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			// The pipeline publishes chunks via atomic rename, which
			// fsnotify surfaces as Create in the target directory.
			if ev.Op.Has(fsnotify.Create) {
				w.ingest(ev.Name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("filesystem watch error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) ingest(path string) {
	kind, err := w.channel.IngestPath(path)
	if err != nil {
		observability.RecordIngestError(w.channel.Name())
		w.logger.Warn("skipping unreadable chunk file",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return
	}
	observability.RecordIngestEvent(w.channel.Name(), kind)

	if kind == "video_init" {
		w.sniffInit(path)
	}

	w.logger.Debug("ingested chunk file",
		slog.String("path", path),
		slog.String("kind", kind))
}

// sniffInit parses a freshly ingested video init segment and warns when
// its track codec disagrees with the channel configuration. Advisory
// only; dispatch treats chunks as opaque bytes.
func (w *Watcher) sniffInit(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	detected, err := codec.DetectVideoInit(data)
	if err != nil {
		w.logger.Debug("init segment codec sniff failed",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return
	}
	if !codec.MatchesConfigured(detected, w.channel.VideoCodec()) {
		w.logger.Warn("init segment codec differs from channel config",
			slog.String("path", path),
			slog.String("detected", detected),
			slog.String("configured", w.channel.VideoCodec()))
	}
}
