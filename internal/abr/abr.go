// Package abr implements the per-session adaptive-bitrate algorithms.
// Each algorithm decides which encoded video quality to send next from
// a consistent snapshot of the session and channel state; algorithms
// never touch shared state and are safe to fail independently.
package abr

import (
	"errors"
	"fmt"
	"time"

	"github.com/ottlab/media-server/internal/format"
	"github.com/ottlab/media-server/internal/netinfo"
	"github.com/ottlab/media-server/internal/store"
)

var (
	ErrUnknownAlgorithm = errors.New("abr: unknown algorithm")
	ErrNoReadyChunk     = errors.New("abr: no ready chunk to choose from")
)

// Chunk is one fully acknowledged video chunk, fed back to the
// algorithm for throughput estimation.
type Chunk struct {
	Format    format.VideoFormat
	SSIM      float64
	Size      int
	TransTime time.Duration
	TCP       netinfo.TCPInfo
}

// Context is the decision snapshot. Horizon holds the variants of the
// consecutive ready chunks starting at NextVts, each slot sorted in
// ascending format order; it is captured under one store read lock so
// every algorithm sees a consistent view.
type Context struct {
	Buffer    float64 // client playback buffer, seconds
	NextVts   uint64
	Timescale uint64
	VDuration uint64
	Horizon   [][]store.VariantMeta
	Current   *format.VideoFormat // last format sent, nil before the first chunk
	TCP       netinfo.TCPInfo
}

// ChunkSeconds returns the playback length of one video chunk.
func (c *Context) ChunkSeconds() float64 {
	return float64(c.VDuration) / float64(c.Timescale)
}

// Algorithm is the per-session selection contract.
type Algorithm interface {
	SelectVideoFormat(ctx *Context) (format.VideoFormat, error)
	VideoChunkAcked(c Chunk)
}

// Options carries algorithm parameters from the config file.
type Options map[string]any

// Float reads a numeric option, tolerating the int types YAML decoding
// produces.
func (o Options) Float(key string, def float64) float64 {
	v, ok := o[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	default:
		return def
	}
}

// Int reads an integer option.
func (o Options) Int(key string, def int) int {
	v, ok := o[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}

// String reads a string option.
func (o Options) String(key, def string) string {
	if v, ok := o[key].(string); ok {
		return v
	}
	return def
}

// Algorithm names accepted in config.
const (
	NameLinearBBA   = "linear_bba"
	NameBolaBasicV1 = "bola_basic_v1"
	NameBolaBasicV2 = "bola_basic_v2"
	NameMPC         = "mpc"
	NamePuffer      = "puffer"
	NamePufferTTP   = "puffer_ttp"
)

// New builds an algorithm instance by name. maxBuffer is the session's
// maximum playback buffer in seconds.
func New(name string, opts Options, maxBuffer float64) (Algorithm, error) {
	switch name {
	case NameLinearBBA:
		return NewLinearBBA(opts, maxBuffer), nil
	case NameBolaBasicV1:
		return NewBola(BolaV1, opts, maxBuffer), nil
	case NameBolaBasicV2:
		return NewBola(BolaV2, opts, maxBuffer), nil
	case NameMPC:
		return NewMPC(opts, maxBuffer), nil
	case NamePuffer:
		return NewPuffer(opts, maxBuffer), nil
	case NamePufferTTP:
		return NewPufferTTP(opts, maxBuffer)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
	}
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
