package abr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ottlab/media-server/internal/format"
	"github.com/ottlab/media-server/internal/store"
)

// ladder describes one slot of the decision horizon for tests.
type ladder []struct {
	size int
	ssim float64
}

// testContext builds a Context whose horizon repeats the given ladder
// for every slot. Formats are synthesized in ascending order.
func testContext(buffer float64, slots int, l ladder) *Context {
	horizon := make([][]store.VariantMeta, slots)
	for i := range horizon {
		variants := make([]store.VariantMeta, len(l))
		for j, e := range l {
			variants[j] = store.VariantMeta{
				Format: format.VideoFormat{Width: 640 + 320*j, Height: 360 + 180*j, CRF: 23},
				Size:   e.size,
				SSIM:   e.ssim,
			}
		}
		horizon[i] = variants
	}
	return &Context{
		Buffer:    buffer,
		NextVts:   180180,
		Timescale: 90000,
		VDuration: 180180,
		Horizon:   horizon,
	}
}

func TestNewByName(t *testing.T) {
	for _, name := range []string{
		NameLinearBBA, NameBolaBasicV1, NameBolaBasicV2, NameMPC, NamePuffer,
	} {
		algo, err := New(name, nil, 15)
		require.NoError(t, err, name)
		assert.NotNil(t, algo)
	}

	_, err := New("pensieve", nil, 15)
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)

	_, err = New(NamePufferTTP, nil, 15)
	assert.ErrorIs(t, err, ErrModelDirRequired)
}

func TestOptionsCoercion(t *testing.T) {
	opts := Options{
		"f1": 0.5,
		"f2": 3,
		"i1": int64(7),
		"s1": "dir",
	}
	assert.Equal(t, 0.5, opts.Float("f1", 0))
	assert.Equal(t, 3.0, opts.Float("f2", 0))
	assert.Equal(t, 1.25, opts.Float("missing", 1.25))
	assert.Equal(t, 7, opts.Int("i1", 0))
	assert.Equal(t, 9, opts.Int("missing", 9))
	assert.Equal(t, "dir", opts.String("s1", ""))
	assert.Equal(t, "d", opts.String("missing", "d"))
}

func TestAlgorithmsFailOnEmptyHorizon(t *testing.T) {
	algos := map[string]Algorithm{
		"linear_bba": NewLinearBBA(nil, 15),
		"bola_v1":    NewBola(BolaV1, nil, 15),
		"bola_v2":    NewBola(BolaV2, nil, 15),
		"mpc":        NewMPC(nil, 15),
		"puffer":     NewPuffer(nil, 15),
	}
	for name, algo := range algos {
		_, err := algo.SelectVideoFormat(&Context{Timescale: 90000, VDuration: 180180})
		assert.ErrorIs(t, err, ErrNoReadyChunk, name)
	}
}
