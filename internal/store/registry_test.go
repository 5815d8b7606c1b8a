package store

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ottlab/media-server/internal/config"
)

func registryConfig(t *testing.T) *config.Config {
	t.Helper()
	mediaDir := t.TempDir()
	cfg := &config.Config{
		MediaDir: mediaDir,
		Channels: []string{"abc"},
		ChannelConfigs: map[string]config.ChannelConfig{
			"abc": testChannelConfig(),
		},
	}

	// Pre-create the ready directories the encoder pipeline would own.
	ch, err := NewChannel("abc", mediaDir, cfg.ChannelConfigs["abc"], slog.Default())
	require.NoError(t, err)
	for _, dir := range ch.WatchDirs() {
		require.NoError(t, os.MkdirAll(dir, 0o755))
	}
	return cfg
}

func TestNewRegistryScansExisting(t *testing.T) {
	cfg := registryConfig(t)
	chunk := filepath.Join(cfg.MediaDir, "abc", "ready", "1280x720-20", "180180.m4s")
	require.NoError(t, os.WriteFile(chunk, []byte("x"), 0o644))

	r, err := NewRegistry(cfg, slog.Default())
	require.NoError(t, err)
	t.Cleanup(r.Close)

	ch, ok := r.Lookup("abc")
	require.True(t, ok)
	_, ok = ch.VDataAt(vf720, 180180)
	assert.True(t, ok)

	_, ok = r.Lookup("nope")
	assert.False(t, ok)
	assert.Equal(t, []string{"abc"}, r.Names())
}

func TestRegistryStartAndShutdown(t *testing.T) {
	r, err := NewRegistry(registryConfig(t), slog.Default())
	require.NoError(t, err)
	t.Cleanup(r.Close)

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	cancel()
	r.Wait()
}

func TestNewRegistryMissingDirs(t *testing.T) {
	cfg := &config.Config{
		MediaDir: t.TempDir(),
		Channels: []string{"abc"},
		ChannelConfigs: map[string]config.ChannelConfig{
			"abc": testChannelConfig(),
		},
	}
	_, err := NewRegistry(cfg, slog.Default())
	assert.Error(t, err)
}
