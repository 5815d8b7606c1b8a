package abr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPufferRawPMF(t *testing.T) {
	p := NewPuffer(nil, 15)
	p.VideoChunkAcked(Chunk{Size: 500_000, TransTime: time.Second})

	pmf := rawEstimator{}.pmf(p, testContext(5, 1, mpcLadder), 1, 500_000)
	require.Len(t, pmf, p.disSendingTime+1)

	var total float64
	peak := 0
	for st, prob := range pmf {
		total += prob
		if prob > pmf[peak] {
			peak = st
		}
	}
	assert.InDelta(t, 1, total, 1e-9)
	// 1 s at unit_buf 0.15 lands around bucket 7.
	assert.Equal(t, p.discretizeST(1), peak)

	// Neighbours carry the geometric tail.
	assert.InDelta(t, pmf[peak]*pufferSTVarCoeff, pmf[peak+1], 1e-9)
	assert.InDelta(t, pmf[peak+1], pmf[peak-1], 1e-12)
}

func TestPufferNoHistoryPicksSmallest(t *testing.T) {
	p := NewPuffer(nil, 15)
	ctx := testContext(5, 5, mpcLadder)

	// Without history every format saturates the sending-time range and
	// is banned; the cheapest is un-banned and chosen.
	vf, err := p.SelectVideoFormat(ctx)
	require.NoError(t, err)
	assert.Equal(t, ctx.Horizon[0][0].Format, vf)
}

func TestPufferFastLinkPicksBestSSIM(t *testing.T) {
	p := NewPuffer(nil, 15)
	ackFast(p, 5)
	ctx := testContext(10, 5, mpcLadder)

	vf, err := p.SelectVideoFormat(ctx)
	require.NoError(t, err)
	assert.Equal(t, ctx.Horizon[0][2].Format, vf)
}

func TestPufferDeterministic(t *testing.T) {
	p := NewPuffer(nil, 15)
	ackFast(p, 4)
	ctx := testContext(6.7, 5, mpcLadder)

	first, err := p.SelectVideoFormat(ctx)
	require.NoError(t, err)
	second, err := p.SelectVideoFormat(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestPufferBansSaturatedFormats(t *testing.T) {
	p := NewPuffer(nil, 15)
	// ~60 s per 500 kB chunk: every mean bucket saturates.
	ackSlow(p, 5)
	ackSlow(p, 5)
	ctx := testContext(5, 3, mpcLadder)

	vf, err := p.SelectVideoFormat(ctx)
	require.NoError(t, err)
	assert.Equal(t, ctx.Horizon[0][0].Format, vf)
	assert.False(t, p.banned[1][0], "cheapest format must be un-banned")
	assert.True(t, p.banned[1][2])
}

func TestSoftmax(t *testing.T) {
	uniform := softmax([]float64{0, 0, 0, 0})
	for _, v := range uniform {
		assert.InDelta(t, 0.25, v, 1e-9)
	}

	skewed := softmax([]float64{100, 0})
	assert.InDelta(t, 1, skewed[0], 1e-9)

	var total float64
	for _, v := range softmax([]float64{3, -2, 0.5}) {
		total += v
	}
	assert.InDelta(t, 1, total, 1e-9)
}
