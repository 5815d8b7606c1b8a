package abr

import (
	"github.com/ottlab/media-server/internal/format"
	"github.com/ottlab/media-server/internal/store"
)

// Audio reservoirs are fixed; audio is cheap enough that no pluggable
// algorithm is warranted.
const (
	audioLowerReservoir = 0.1
	audioUpperReservoir = 0.9
)

// AudioSelector picks the audio bitrate with the same linear-reservoir
// scheme as LinearBBA, but on sizes alone: the largest chunk that fits
// under the budget wins, since audio carries no SSIM.
type AudioSelector struct {
	maxBuffer float64
}

func NewAudioSelector(maxBuffer float64) *AudioSelector {
	return &AudioSelector{maxBuffer: maxBuffer}
}

func (s *AudioSelector) SelectAudioFormat(buffer float64, variants []store.AudioVariantMeta) (format.AudioFormat, error) {
	if len(variants) == 0 {
		return format.AudioFormat{}, ErrNoReadyChunk
	}

	minIdx, maxIdx := 0, 0
	for i, v := range variants {
		if v.Size < variants[minIdx].Size {
			minIdx = i
		}
		if v.Size > variants[maxIdx].Size {
			maxIdx = i
		}
	}

	buf := clamp(buffer, 0, s.maxBuffer)
	low := audioLowerReservoir * s.maxBuffer
	high := audioUpperReservoir * s.maxBuffer

	if buf <= low {
		return variants[minIdx].Format, nil
	}
	if buf >= high {
		return variants[maxIdx].Format, nil
	}

	minSize := float64(variants[minIdx].Size)
	maxSize := float64(variants[maxIdx].Size)
	slope := (maxSize - minSize) / ((audioUpperReservoir - audioLowerReservoir) * s.maxBuffer)
	maxServe := minSize + slope*(buf-low)

	best := minIdx
	for i, v := range variants {
		if float64(v.Size) <= maxServe && v.Size > variants[best].Size {
			best = i
		}
	}
	return variants[best].Format, nil
}
