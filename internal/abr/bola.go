package abr

import (
	"math"

	"github.com/ottlab/media-server/internal/format"
)

// BolaVersion selects the utility function BOLA-Basic runs with.
type BolaVersion int

const (
	// BolaV1 maximizes SSIM in decibels.
	BolaV1 BolaVersion = iota + 1
	// BolaV2 maximizes raw SSIM and falls back to the highest utility
	// when every objective goes negative.
	BolaV2
)

// Size and SSIM ladders of the reference encoding, used only to derive
// the control parameters; the per-chunk decision always uses the real
// sizes and SSIMs of the chunk at hand.
var (
	bolaSizeLadder = [10]float64{
		44319, 93355, 115601, 142904, 196884,
		263965, 353752, 494902, 632193, 889893,
	}
	bolaSSIMLadder = [10]float64{
		0.91050748, 0.94062527, 0.94806355, 0.95498943, 0.96214503,
		0.96717277, 0.97273958, 0.97689813, 0.98004106, 0.98332605,
	}
)

const (
	minSSIMDB = 0.0
	maxSSIMDB = 60.0
)

// SSIMDB converts an SSIM index to decibels, clamped to a sane range.
func SSIMDB(ssim float64) float64 {
	if ssim >= 1 {
		return maxSSIMDB
	}
	return clamp(-10*math.Log10(1-ssim), minSSIMDB, maxSSIMDB)
}

// Bola implements BOLA-Basic with parameters derived at construction
// from the compiled ladders via the paper's closed form.
type Bola struct {
	version BolaVersion
	gamma   float64
	vPrime  float64
	utility func(float64) float64
}

// NewBola derives (V', gamma') for the requested variant. min_buf_s
// defaults to 3 seconds; maxBuffer is the session's buffer cap.
func NewBola(version BolaVersion, opts Options, maxBuffer float64) *Bola {
	minBuf := opts.Float("min_buf_s", 3)

	utility := SSIMDB
	utilityHigh := SSIMDB(bolaSSIMLadder[len(bolaSSIMLadder)-1])
	if version == BolaV2 {
		utility = func(s float64) float64 { return s }
		utilityHigh = 1
	}

	size0, size1 := bolaSizeLadder[0], bolaSizeLadder[1]
	u0, u1 := utility(bolaSSIMLadder[0]), utility(bolaSSIMLadder[1])
	delta := size1 - size0

	gamma := (maxBuffer*(size1*u0-size0*u1) - utilityHigh*minBuf*delta) /
		((minBuf - maxBuffer) * delta)
	vPrime := maxBuffer / (utilityHigh + gamma)

	return &Bola{
		version: version,
		gamma:   gamma,
		vPrime:  vPrime,
		utility: utility,
	}
}

// objective is BOLA's per-format score: higher is better, negative
// means sending it would overfill the buffer for the utility gained.
func (b *Bola) objective(v, q float64, utility, size float64) float64 {
	return (v*(utility+b.gamma) - q) / size
}

func (b *Bola) SelectVideoFormat(ctx *Context) (format.VideoFormat, error) {
	if len(ctx.Horizon) == 0 || len(ctx.Horizon[0]) == 0 {
		return format.VideoFormat{}, ErrNoReadyChunk
	}
	variants := ctx.Horizon[0]

	p := ctx.ChunkSeconds()
	q := math.Max(ctx.Buffer, 0) / p
	v := b.vPrime / p

	best, bestObj := 0, math.Inf(-1)
	for i, variant := range variants {
		obj := b.objective(v, q, b.utility(variant.SSIM), float64(variant.Size))
		if obj > bestObj {
			best, bestObj = i, obj
		}
	}

	if b.version == BolaV1 || bestObj >= 0 {
		return variants[best].Format, nil
	}

	// Every choice overfills; take the highest utility instead.
	bestU := 0
	for i, variant := range variants {
		if b.utility(variant.SSIM) > b.utility(variants[bestU].SSIM) {
			bestU = i
		}
	}
	return variants[bestU].Format, nil
}

func (b *Bola) VideoChunkAcked(Chunk) {}
