package store

import (
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ottlab/media-server/internal/config"
	"github.com/ottlab/media-server/internal/format"
)

// VariantMeta describes one video rendition of a chunk: its encoded size
// and quality. ABR decisions consume slices of these rather than touching
// the index directly, so a whole decision sees one consistent snapshot.
type VariantMeta struct {
	Format format.VideoFormat
	Size   int
	SSIM   float64
}

// AudioVariantMeta describes one audio rendition of a chunk.
type AudioVariantMeta struct {
	Format format.AudioFormat
	Size   int
}

// Channel is the live chunk index for one channel. All methods are safe
// for concurrent use; ingestion takes the write lock, readers the read
// lock, so eviction never races an in-flight copy.
type Channel struct {
	name string
	root string // <media_dir>/<name>

	vformats []format.VideoFormat
	aformats []format.AudioFormat

	videoCodec string
	audioCodec string

	timescale uint64
	vduration uint64
	aduration uint64

	initVTS     *uint64
	cleanWindow *uint64

	mu    sync.RWMutex
	vdata map[uint64]map[format.VideoFormat]Span
	vssim map[uint64]map[format.VideoFormat]float64
	adata map[uint64]map[format.AudioFormat]Span
	vinit map[format.VideoFormat]Span
	ainit map[format.AudioFormat]Span

	vcleanFrontier *uint64
	acleanFrontier *uint64

	logger *slog.Logger
}

// NewChannel builds an empty channel index from its configuration.
// The index is populated by a Watcher (startup scan + move-in events).
func NewChannel(name string, mediaDir string, cfg config.ChannelConfig, logger *slog.Logger) (*Channel, error) {
	vformats, err := cfg.VideoFormats()
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", name, err)
	}
	aformats, err := cfg.AudioFormats()
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", name, err)
	}

	root := cfg.Output
	if root == "" {
		root = filepath.Join(mediaDir, name)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Channel{
		name:        name,
		root:        root,
		vformats:    vformats,
		aformats:    aformats,
		videoCodec:  cfg.VideoCodec,
		audioCodec:  cfg.AudioCodec,
		timescale:   cfg.Timescale,
		vduration:   cfg.VideoDuration,
		aduration:   cfg.AudioDuration,
		initVTS:     cfg.InitVTS,
		cleanWindow: cfg.CleanTimeWindow,
		vdata:       make(map[uint64]map[format.VideoFormat]Span),
		vssim:       make(map[uint64]map[format.VideoFormat]float64),
		adata:       make(map[uint64]map[format.AudioFormat]Span),
		vinit:       make(map[format.VideoFormat]Span),
		ainit:       make(map[format.AudioFormat]Span),
		logger:      logger.With(slog.String("channel", name)),
	}, nil
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// Root returns the channel's directory root.
func (c *Channel) Root() string { return c.root }

// ReadyDir returns the directory the encoder pipeline renames chunks into.
func (c *Channel) ReadyDir() string { return filepath.Join(c.root, "ready") }

// VideoCodec returns the configured video codec string.
func (c *Channel) VideoCodec() string { return c.videoCodec }

// AudioCodec returns the configured audio codec string.
func (c *Channel) AudioCodec() string { return c.audioCodec }

// Timescale returns ticks per second.
func (c *Channel) Timescale() uint64 { return c.timescale }

// VDuration returns ticks per video chunk.
func (c *Channel) VDuration() uint64 { return c.vduration }

// ADuration returns ticks per audio chunk.
func (c *Channel) ADuration() uint64 { return c.aduration }

// VideoFormats returns the configured video ladder in ascending order.
func (c *Channel) VideoFormats() []format.VideoFormat {
	out := make([]format.VideoFormat, len(c.vformats))
	copy(out, c.vformats)
	return out
}

// AudioFormats returns the configured audio ladder in ascending order.
func (c *Channel) AudioFormats() []format.AudioFormat {
	out := make([]format.AudioFormat, len(c.aformats))
	copy(out, c.aformats)
	return out
}

// VReady reports whether every video format of ts has media, SSIM, and an
// init segment.
func (c *Channel) VReady(ts uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vReadyLocked(ts)
}

func (c *Channel) vReadyLocked(ts uint64) bool {
	if len(c.vinit) != len(c.vformats) {
		return false
	}
	data, ok := c.vdata[ts]
	if !ok || len(data) != len(c.vformats) {
		return false
	}
	ssim, ok := c.vssim[ts]
	return ok && len(ssim) == len(c.vformats)
}

// AReady reports whether every audio format of ts has media and an init
// segment.
func (c *Channel) AReady(ts uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.aReadyLocked(ts)
}

func (c *Channel) aReadyLocked(ts uint64) bool {
	if len(c.ainit) != len(c.aformats) {
		return false
	}
	data, ok := c.adata[ts]
	return ok && len(data) == len(c.aformats)
}

// VReadyFrontier returns the n-th most recent ready video timestamp
// (n=0 is the newest). ok is false if fewer than n+1 ready timestamps exist.
func (c *Channel) VReadyFrontier(n int) (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vReadyFrontierLocked(n)
}

func (c *Channel) vReadyFrontierLocked(n int) (uint64, bool) {
	keys := make([]uint64, 0, len(c.vdata))
	for ts := range c.vdata {
		keys = append(keys, ts)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] > keys[j] })

	seen := 0
	for _, ts := range keys {
		if !c.vReadyLocked(ts) {
			continue
		}
		if seen == n {
			return ts, true
		}
		seen++
	}
	return 0, false
}

// InitVTS resolves the starting video timestamp for a fresh client: the
// configured fixed vts if set, otherwise a ready timestamp far enough
// behind the frontier to leave maxPlaybackBufS seconds of slack.
func (c *Channel) InitVTS(maxPlaybackBufS float64) (uint64, bool) {
	if c.initVTS != nil {
		return *c.initVTS, true
	}
	n := int(math.Ceil(maxPlaybackBufS*float64(c.timescale)/float64(c.vduration))) + 1
	return c.VReadyFrontier(n)
}

// FindATS returns the largest audio timestamp not exceeding vts.
func (c *Channel) FindATS(vts uint64) uint64 {
	return (vts / c.aduration) * c.aduration
}

// VDataAt returns the media span for one (format, timestamp) pair.
func (c *Channel) VDataAt(vf format.VideoFormat, ts uint64) (Span, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.vdata[ts][vf]
	return s, ok
}

// VSSIMAt returns the SSIM value for one (format, timestamp) pair.
func (c *Channel) VSSIMAt(vf format.VideoFormat, ts uint64) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.vssim[ts][vf]
	return v, ok
}

// ADataAt returns the audio span for one (format, timestamp) pair.
func (c *Channel) ADataAt(af format.AudioFormat, ts uint64) (Span, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.adata[ts][af]
	return s, ok
}

// VInit returns the init segment for a video format.
func (c *Channel) VInit(vf format.VideoFormat) (Span, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.vinit[vf]
	return s, ok
}

// AInit returns the init segment for an audio format.
func (c *Channel) AInit(af format.AudioFormat) (Span, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.ainit[af]
	return s, ok
}

// VPayload returns a private copy of the media bytes for one
// (format, timestamp) pair, prefixed by the format's init segment when
// withInit is set. The copy is taken while holding the read lock, so an
// eviction on the ingest goroutine can never unmap the pages under an
// in-flight read. Span accessors hand out mapped memory directly and
// must not outlive the lock; senders go through here.
func (c *Channel) VPayload(vf format.VideoFormat, ts uint64, withInit bool) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, ok := c.vdata[ts][vf]
	if !ok {
		return nil, false
	}
	var init Span
	if withInit {
		if init, ok = c.vinit[vf]; !ok {
			return nil, false
		}
	}
	out := make([]byte, 0, init.Size()+data.Size())
	out = append(out, init.Bytes()...)
	out = append(out, data.Bytes()...)
	return out, true
}

// APayload mirrors VPayload for the audio index.
func (c *Channel) APayload(af format.AudioFormat, ts uint64, withInit bool) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, ok := c.adata[ts][af]
	if !ok {
		return nil, false
	}
	var init Span
	if withInit {
		if init, ok = c.ainit[af]; !ok {
			return nil, false
		}
	}
	out := make([]byte, 0, init.Size()+data.Size())
	out = append(out, init.Bytes()...)
	out = append(out, data.Bytes()...)
	return out, true
}

// VHorizon returns per-format metadata for up to maxSlots consecutive
// ready chunks starting at fromVTS. The whole horizon is captured under
// one read lock, so an ABR decision sees a consistent snapshot. Variants
// are ordered by ascending format.
func (c *Channel) VHorizon(fromVTS uint64, maxSlots int) [][]VariantMeta {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var horizon [][]VariantMeta
	for i := 0; i < maxSlots; i++ {
		ts := fromVTS + uint64(i)*c.vduration
		if !c.vReadyLocked(ts) {
			break
		}
		slot := make([]VariantMeta, 0, len(c.vformats))
		for _, vf := range c.vformats {
			slot = append(slot, VariantMeta{
				Format: vf,
				Size:   c.vdata[ts][vf].Size(),
				SSIM:   c.vssim[ts][vf],
			})
		}
		horizon = append(horizon, slot)
	}
	return horizon
}

// AVariants returns per-format metadata for one ready audio timestamp,
// ordered by ascending format. ok is false if the timestamp is not ready.
func (c *Channel) AVariants(ats uint64) ([]AudioVariantMeta, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.aReadyLocked(ats) {
		return nil, false
	}
	out := make([]AudioVariantMeta, 0, len(c.aformats))
	for _, af := range c.aformats {
		out = append(out, AudioVariantMeta{Format: af, Size: c.adata[ats][af].Size()})
	}
	return out, true
}

// VCleanFrontier returns the highest evicted video timestamp, if any
// eviction has happened.
func (c *Channel) VCleanFrontier() (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.vcleanFrontier == nil {
		return 0, false
	}
	return *c.vcleanFrontier, true
}

// ACleanFrontier returns the highest evicted audio timestamp, if any.
func (c *Channel) ACleanFrontier() (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.acleanFrontier == nil {
		return 0, false
	}
	return *c.acleanFrontier, true
}

// Stats is a point-in-time summary for the operator API and status reports.
type Stats struct {
	Name           string  `json:"name"`
	VideoFormats   int     `json:"video_formats"`
	AudioFormats   int     `json:"audio_formats"`
	VideoChunks    int     `json:"video_chunks"`
	AudioChunks    int     `json:"audio_chunks"`
	ReadyFrontier  *uint64 `json:"ready_frontier,omitempty"`
	VCleanFrontier *uint64 `json:"vclean_frontier,omitempty"`
}

// Stats returns a snapshot summary of the index.
func (c *Channel) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Stats{
		Name:         c.name,
		VideoFormats: len(c.vformats),
		AudioFormats: len(c.aformats),
		VideoChunks:  len(c.vdata),
		AudioChunks:  len(c.adata),
	}
	if ts, ok := c.vReadyFrontierLocked(0); ok {
		st.ReadyFrontier = &ts
	}
	if c.vcleanFrontier != nil {
		f := *c.vcleanFrontier
		st.VCleanFrontier = &f
	}
	return st
}

// putVInit stores (or replaces) a video init segment.
func (c *Channel) putVInit(vf format.VideoFormat, s Span) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.vinit[vf]; ok {
		old.release()
	}
	c.vinit[vf] = s
}

// putAInit stores (or replaces) an audio init segment.
func (c *Channel) putAInit(af format.AudioFormat, s Span) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.ainit[af]; ok {
		old.release()
	}
	c.ainit[af] = s
}

// putVideo stores a video chunk and ages out entries behind the window.
// Re-ingesting an existing (ts, format) replaces the span, so the startup
// scan and a racing watcher event cannot double-insert.
func (c *Channel) putVideo(ts uint64, vf format.VideoFormat, s Span) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictVideoLocked(ts)

	m, ok := c.vdata[ts]
	if !ok {
		m = make(map[format.VideoFormat]Span, len(c.vformats))
		c.vdata[ts] = m
	}
	if old, ok := m[vf]; ok {
		old.release()
	}
	m[vf] = s
}

// putSSIM stores a video chunk's SSIM value.
func (c *Channel) putSSIM(ts uint64, vf format.VideoFormat, val float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.vssim[ts]
	if !ok {
		m = make(map[format.VideoFormat]float64, len(c.vformats))
		c.vssim[ts] = m
	}
	m[vf] = val
}

// putAudio stores an audio chunk and ages out entries behind the window.
func (c *Channel) putAudio(ts uint64, af format.AudioFormat, s Span) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictAudioLocked(ts)

	m, ok := c.adata[ts]
	if !ok {
		m = make(map[format.AudioFormat]Span, len(c.aformats))
		c.adata[ts] = m
	}
	if old, ok := m[af]; ok {
		old.release()
	}
	m[af] = s
}

// evictVideoLocked removes all video entries at or below
// latest - clean_time_window and advances the clean frontier.
func (c *Channel) evictVideoLocked(latest uint64) {
	if c.cleanWindow == nil || latest < *c.cleanWindow {
		return
	}
	obsolete := latest - *c.cleanWindow

	for ts, m := range c.vdata {
		if ts <= obsolete {
			for _, s := range m {
				s.release()
			}
			delete(c.vdata, ts)
		}
	}
	for ts := range c.vssim {
		if ts <= obsolete {
			delete(c.vssim, ts)
		}
	}

	if c.vcleanFrontier == nil || *c.vcleanFrontier < obsolete {
		f := obsolete
		c.vcleanFrontier = &f
	}
}

// evictAudioLocked mirrors evictVideoLocked for the audio index.
func (c *Channel) evictAudioLocked(latest uint64) {
	if c.cleanWindow == nil || latest < *c.cleanWindow {
		return
	}
	obsolete := latest - *c.cleanWindow

	for ts, m := range c.adata {
		if ts <= obsolete {
			for _, s := range m {
				s.release()
			}
			delete(c.adata, ts)
		}
	}

	if c.acleanFrontier == nil || *c.acleanFrontier < obsolete {
		f := obsolete
		c.acleanFrontier = &f
	}
}

// Close releases every mapping held by the index.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, m := range c.vdata {
		for _, s := range m {
			s.release()
		}
	}
	for _, m := range c.adata {
		for _, s := range m {
			s.release()
		}
	}
	c.vdata = make(map[uint64]map[format.VideoFormat]Span)
	c.adata = make(map[uint64]map[format.AudioFormat]Span)
	c.vssim = make(map[uint64]map[format.VideoFormat]float64)
}
