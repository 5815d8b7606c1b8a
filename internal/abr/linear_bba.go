package abr

import "github.com/ottlab/media-server/internal/format"

// LinearBBA is the classic buffer-based selector: below the lower
// reservoir serve the smallest chunk, above the upper reservoir the
// largest, and in between the best quality whose size fits under a
// linear interpolation of the two.
type LinearBBA struct {
	lower     float64
	upper     float64
	maxBuffer float64
}

// NewLinearBBA builds the selector. Reservoirs default to 0.2 and 0.8
// of the maximum buffer.
func NewLinearBBA(opts Options, maxBuffer float64) *LinearBBA {
	return &LinearBBA{
		lower:     opts.Float("lower_reservoir", 0.2),
		upper:     opts.Float("upper_reservoir", 0.8),
		maxBuffer: maxBuffer,
	}
}

func (b *LinearBBA) SelectVideoFormat(ctx *Context) (format.VideoFormat, error) {
	if len(ctx.Horizon) == 0 || len(ctx.Horizon[0]) == 0 {
		return format.VideoFormat{}, ErrNoReadyChunk
	}
	variants := ctx.Horizon[0]

	minIdx, maxIdx := 0, 0
	for i, v := range variants {
		if v.Size < variants[minIdx].Size {
			minIdx = i
		}
		if v.Size > variants[maxIdx].Size {
			maxIdx = i
		}
	}

	buf := clamp(ctx.Buffer, 0, b.maxBuffer)
	low := b.lower * b.maxBuffer
	high := b.upper * b.maxBuffer

	if buf <= low {
		return variants[minIdx].Format, nil
	}
	if buf >= high {
		return variants[maxIdx].Format, nil
	}

	minSize := float64(variants[minIdx].Size)
	maxSize := float64(variants[maxIdx].Size)
	slope := (maxSize - minSize) / ((b.upper - b.lower) * b.maxBuffer)
	maxServe := minSize + slope*(buf-low)

	// The smallest chunk always fits, so best is well defined.
	best := minIdx
	for i, v := range variants {
		if float64(v.Size) <= maxServe && v.SSIM > variants[best].SSIM {
			best = i
		}
	}
	return variants[best].Format, nil
}

func (b *LinearBBA) VideoChunkAcked(Chunk) {}
