package abr

import (
	"math"

	"github.com/ottlab/media-server/internal/format"
)

const (
	pufferDisSendingTime   = 40
	pufferSTVarCoeff       = 0.7
	pufferSTProbEps        = 1e-5
	pufferDrainAttenuation = 0.25
)

// stEstimator produces, for one horizon slot and candidate chunk size,
// a probability distribution of the sending time over discrete buckets.
// The raw estimator spreads a point estimate geometrically; the TTP
// estimator consults a learned model per horizon step.
type stEstimator interface {
	// pmf returns probabilities over buckets [0, disSendingTime]. slot
	// is 1-based within the lookahead horizon.
	pmf(p *Puffer, ctx *Context, slot, size int) []float64
}

// Puffer runs the same lookahead dynamic program as MPC but integrates
// the value function over a distribution of sending times instead of a
// point estimate.
type Puffer struct {
	maxHorizon     int
	disBufLength   int
	disSendingTime int
	rebufCoeff     float64
	ssimDiffCoeff  float64
	maxBuffer      float64
	unitBuf        float64

	estimator stEstimator
	past      []pastChunk

	chunkLen float64
	ssim     [][]float64
	stProb   [][][]float64
	banned   [][]bool

	round      uint64
	numFormats int
	flag       [][][]uint64
	value      [][][]float64
}

func newPufferBase(opts Options, maxBuffer float64, est stEstimator) *Puffer {
	p := &Puffer{
		maxHorizon:     opts.Int("max_lookahead_horizon", 5),
		disBufLength:   opts.Int("dis_buf_length", 100),
		disSendingTime: opts.Int("dis_sending_time", pufferDisSendingTime),
		rebufCoeff:     opts.Float("rebuffer_coeff", 100),
		ssimDiffCoeff:  opts.Float("ssim_diff_coeff", 1),
		maxBuffer:      maxBuffer,
		estimator:      est,
	}
	p.unitBuf = maxBuffer / float64(p.disBufLength)
	return p
}

// NewPuffer builds the variant with the geometric-spread estimator.
func NewPuffer(opts Options, maxBuffer float64) *Puffer {
	return newPufferBase(opts, maxBuffer, &rawEstimator{})
}

func (p *Puffer) discretize(buf float64) int {
	i := int(math.Round((buf + 0.5*p.unitBuf) / p.unitBuf))
	if i < 0 {
		return 0
	}
	if i > p.disBufLength {
		return p.disBufLength
	}
	return i
}

// discretizeST maps a sending time in seconds onto the sending-time
// buckets, saturating at the last one.
func (p *Puffer) discretizeST(st float64) int {
	i := int(math.Round((st + 0.5*p.unitBuf) / p.unitBuf))
	if i < 0 {
		return 0
	}
	if i > p.disSendingTime {
		return p.disSendingTime
	}
	return i
}

func (p *Puffer) unitSendingTime() (float64, bool) {
	if len(p.past) == 0 {
		return 0, false
	}
	var sum float64
	for _, pc := range p.past {
		sum += pc.transTime.Seconds() / float64(pc.size)
	}
	return sum / float64(len(p.past)), true
}

func (p *Puffer) SelectVideoFormat(ctx *Context) (format.VideoFormat, error) {
	horizon := len(ctx.Horizon)
	if horizon > p.maxHorizon {
		horizon = p.maxHorizon
	}
	if horizon == 0 || len(ctx.Horizon[0]) == 0 {
		return format.VideoFormat{}, ErrNoReadyChunk
	}
	nf := len(ctx.Horizon[0])
	p.chunkLen = ctx.ChunkSeconds()
	p.ensureTables(horizon, nf)

	for i := 1; i <= horizon; i++ {
		for j, v := range ctx.Horizon[i-1] {
			p.ssim[i][j] = v.SSIM
			p.stProb[i][j] = p.estimator.pmf(p, ctx, i, v.Size)
		}
		p.applyBans(i, nf)
	}
	copy(p.ssim[0], p.ssim[1])

	currIdx := 0
	if ctx.Current != nil {
		for j, v := range ctx.Horizon[0] {
			if v.Format == *ctx.Current {
				currIdx = j
				break
			}
		}
	}

	curBuf := p.discretize(clamp(ctx.Buffer, 0, p.maxBuffer))
	p.round++

	best, bestQ := -1, math.Inf(-1)
	for j := 0; j < nf; j++ {
		if p.banned[1][j] {
			continue
		}
		if q := p.qValue(0, curBuf, currIdx, j, horizon, nf); q > bestQ {
			best, bestQ = j, q
		}
	}
	if best < 0 {
		return format.VideoFormat{}, ErrNoReadyChunk
	}
	return ctx.Horizon[0][best].Format, nil
}

// applyBans marks formats whose expected sending time saturates the
// bucket range. If that bans everything at a slot, the cheapest one is
// restored with its probability pinned to the last bucket.
func (p *Puffer) applyBans(slot, nf int) {
	allBanned := true
	cheapest, cheapestMean := 0, math.Inf(1)

	for j := 0; j < nf; j++ {
		mean := pmfMean(p.stProb[slot][j])
		p.banned[slot][j] = int(math.Round(mean)) >= p.disSendingTime
		if !p.banned[slot][j] {
			allBanned = false
		}
		if mean < cheapestMean {
			cheapest, cheapestMean = j, mean
		}
	}

	if allBanned {
		p.banned[slot][cheapest] = false
		pinned := make([]float64, p.disSendingTime+1)
		pinned[p.disSendingTime] = 1
		p.stProb[slot][cheapest] = pinned
	}
}

func pmfMean(pmf []float64) float64 {
	var mean float64
	for st, prob := range pmf {
		mean += float64(st) * prob
	}
	return mean
}

func (p *Puffer) qValue(i, buf, fcur, fnext, horizon, nf int) float64 {
	real := float64(buf) * p.unitBuf
	q := p.ssim[i][fcur] - p.ssimDiffCoeff*math.Abs(p.ssim[i][fcur]-p.ssim[i+1][fnext])

	for st, prob := range p.stProb[i+1][fnext] {
		if prob < pufferSTProbEps {
			continue
		}
		stSec := float64(st) * p.unitBuf
		rebuffer := math.Max(0, stSec-real)
		if buf-st == 0 {
			rebuffer = stSec * pufferDrainAttenuation
		}
		nextBuf := p.discretize(math.Max(0, real-stSec) + p.chunkLen)
		q += prob * (p.valueAt(i+1, nextBuf, fnext, horizon, nf) - p.rebufCoeff*rebuffer)
	}
	return q
}

func (p *Puffer) valueAt(i, buf, fcur, horizon, nf int) float64 {
	if i == horizon {
		return p.ssim[i][fcur]
	}
	if p.flag[i][buf][fcur] == p.round {
		return p.value[i][buf][fcur]
	}

	best := math.Inf(-1)
	for fnext := 0; fnext < nf; fnext++ {
		if p.banned[i+1][fnext] {
			continue
		}
		if q := p.qValue(i, buf, fcur, fnext, horizon, nf); q > best {
			best = q
		}
	}
	if math.IsInf(best, -1) {
		best = p.ssim[i][fcur]
	}
	p.flag[i][buf][fcur] = p.round
	p.value[i][buf][fcur] = best
	return best
}

func (p *Puffer) ensureTables(horizon, nf int) {
	if nf == p.numFormats && p.flag != nil {
		return
	}
	p.numFormats = nf

	rows := p.maxHorizon + 1
	p.ssim = make([][]float64, rows)
	p.stProb = make([][][]float64, rows)
	p.banned = make([][]bool, rows)
	for i := range p.ssim {
		p.ssim[i] = make([]float64, nf)
		p.stProb[i] = make([][]float64, nf)
		p.banned[i] = make([]bool, nf)
	}

	p.flag = make([][][]uint64, rows)
	p.value = make([][][]float64, rows)
	for i := range p.flag {
		p.flag[i] = make([][]uint64, p.disBufLength+1)
		p.value[i] = make([][]float64, p.disBufLength+1)
		for b := range p.flag[i] {
			p.flag[i][b] = make([]uint64, nf)
			p.value[i][b] = make([]float64, nf)
		}
	}
}

func (p *Puffer) VideoChunkAcked(c Chunk) {
	if c.Size <= 0 || c.TransTime <= 0 {
		return
	}
	p.past = append(p.past, pastChunk{size: c.Size, transTime: c.TransTime})
	if len(p.past) > ttpHistoryLen {
		p.past = p.past[len(p.past)-ttpHistoryLen:]
	}
}

// rawEstimator puts all probability at the point estimate derived from
// recent acks, then spreads it geometrically to neighbouring buckets.
type rawEstimator struct{}

func (rawEstimator) pmf(p *Puffer, _ *Context, _ int, size int) []float64 {
	pmf := make([]float64, p.disSendingTime+1)

	unitST, ok := p.unitSendingTime()
	if !ok {
		// No throughput history: assume the worst, which saturates the
		// bucket range and lets the ban logic sort it out.
		pmf[p.disSendingTime] = 1
		return pmf
	}

	mean := p.discretizeST(float64(size) * unitST)
	pmf[mean] = 1

	prob := 1.0
	for d := 1; ; d++ {
		prob *= pufferSTVarCoeff
		if prob < pufferSTProbEps {
			break
		}
		spread := false
		if mean-d >= 0 {
			pmf[mean-d] = prob
			spread = true
		}
		if mean+d <= p.disSendingTime {
			pmf[mean+d] = prob
			spread = true
		}
		if !spread {
			break
		}
	}

	var total float64
	for _, q := range pmf {
		total += q
	}
	for i := range pmf {
		pmf[i] /= total
	}
	return pmf
}
