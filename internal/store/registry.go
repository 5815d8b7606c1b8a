package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ottlab/media-server/internal/config"
)

// Registry holds one chunk store per configured channel.
type Registry struct {
	channels map[string]*Channel
	watchers map[string]*Watcher
	logger   *slog.Logger

	wg sync.WaitGroup
}

// NewRegistry builds a channel index and watcher for every configured
// channel and performs the startup scan. Watchers are registered before
// scanning so no rename is missed.
func NewRegistry(cfg *config.Config, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		channels: make(map[string]*Channel, len(cfg.Channels)),
		watchers: make(map[string]*Watcher, len(cfg.Channels)),
		logger:   logger,
	}

	for _, name := range cfg.Channels {
		ch, err := NewChannel(name, cfg.MediaDir, cfg.ChannelConfigs[name], logger)
		if err != nil {
			return nil, err
		}
		w, err := NewWatcher(ch, logger)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", name, err)
		}
		if err := w.Scan(); err != nil {
			return nil, fmt.Errorf("channel %s: %w", name, err)
		}
		r.channels[name] = ch
		r.watchers[name] = w
	}

	return r, nil
}

// Start launches the watcher goroutines.
func (r *Registry) Start(ctx context.Context) {
	for name, w := range r.watchers {
		r.wg.Add(1)
		go func(name string, w *Watcher) {
			defer r.wg.Done()
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("channel watcher stopped",
					slog.String("channel", name),
					slog.String("error", err.Error()))
			}
		}(name, w)
	}
}

// Wait blocks until every watcher goroutine has returned.
func (r *Registry) Wait() { r.wg.Wait() }

// Lookup returns the channel store for name.
func (r *Registry) Lookup(name string) (*Channel, bool) {
	ch, ok := r.channels[name]
	return ch, ok
}

// Names returns the configured channel names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases every channel's mappings.
func (r *Registry) Close() {
	for _, ch := range r.channels {
		ch.Close()
	}
}
