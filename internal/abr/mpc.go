package abr

import (
	"math"
	"time"

	"github.com/ottlab/media-server/internal/format"
)

const (
	mpcMaxPastChunks = 10

	// Pessimistic per-byte sending time assumed before any acks arrive;
	// it scales with chunk size, pushing the first decision toward the
	// smallest format.
	mpcHighSendingTime = 100.0
)

type pastChunk struct {
	size      int
	transTime time.Duration
}

// MPC looks ahead over the ready horizon and picks the format whose
// value function, a memoized dynamic program over discretized buffer
// levels, is maximal. Throughput is estimated from the sending times
// of recently acknowledged chunks.
type MPC struct {
	maxHorizon    int
	disBufLength  int
	rebufCoeff    float64
	ssimDiffCoeff float64
	maxBuffer     float64
	unitBuf       float64

	past []pastChunk

	chunkLen float64
	ssim     [][]float64
	sendTime [][]float64

	// Memoization is invalidated lazily: entries stamped with an older
	// round number are treated as absent.
	round      uint64
	numFormats int
	flag       [][][]uint64
	value      [][][]float64
}

// NewMPC builds the model-predictive selector.
func NewMPC(opts Options, maxBuffer float64) *MPC {
	m := &MPC{
		maxHorizon:    opts.Int("max_lookahead_horizon", 5),
		disBufLength:  opts.Int("dis_buf_length", 100),
		rebufCoeff:    opts.Float("rebuffer_coeff", 100),
		ssimDiffCoeff: opts.Float("ssim_diff_coeff", 1),
		maxBuffer:     maxBuffer,
	}
	m.unitBuf = maxBuffer / float64(m.disBufLength)
	return m
}

// discretize maps a buffer in seconds onto [0, disBufLength].
func (m *MPC) discretize(buf float64) int {
	i := int(math.Round((buf + 0.5*m.unitBuf) / m.unitBuf))
	if i < 0 {
		return 0
	}
	if i > m.disBufLength {
		return m.disBufLength
	}
	return i
}

// unitSendingTime is the mean per-byte sending time over the history
// window, in seconds per byte.
func (m *MPC) unitSendingTime() (float64, bool) {
	if len(m.past) == 0 {
		return 0, false
	}
	var sum float64
	for _, pc := range m.past {
		sum += pc.transTime.Seconds() / float64(pc.size)
	}
	return sum / float64(len(m.past)), true
}

func (m *MPC) SelectVideoFormat(ctx *Context) (format.VideoFormat, error) {
	horizon := len(ctx.Horizon)
	if horizon > m.maxHorizon {
		horizon = m.maxHorizon
	}
	if horizon == 0 || len(ctx.Horizon[0]) == 0 {
		return format.VideoFormat{}, ErrNoReadyChunk
	}
	nf := len(ctx.Horizon[0])
	m.chunkLen = ctx.ChunkSeconds()
	m.ensureTables(horizon, nf)

	// Slot 0 is the chunk currently playing; slots 1..H are the ready
	// chunks starting at NextVts. Before the first send, slot 0 borrows
	// slot 1's SSIMs so the smoothness term stays well defined.
	unitST, haveHistory := m.unitSendingTime()
	if !haveHistory {
		unitST = mpcHighSendingTime
	}
	for i := 1; i <= horizon; i++ {
		for j, v := range ctx.Horizon[i-1] {
			m.ssim[i][j] = v.SSIM
			m.sendTime[i][j] = float64(v.Size) * unitST
		}
	}
	copy(m.ssim[0], m.ssim[1])

	currIdx := 0
	if ctx.Current != nil {
		for j, v := range ctx.Horizon[0] {
			if v.Format == *ctx.Current {
				currIdx = j
				break
			}
		}
	}

	curBuf := m.discretize(clamp(ctx.Buffer, 0, m.maxBuffer))
	m.round++

	best, bestQ := 0, math.Inf(-1)
	for j := 0; j < nf; j++ {
		if q := m.qValue(0, curBuf, currIdx, j, horizon, nf); q > bestQ {
			best, bestQ = j, q
		}
	}
	return ctx.Horizon[0][best].Format, nil
}

func (m *MPC) qValue(i, buf, fcur, fnext, horizon, nf int) float64 {
	real := float64(buf) * m.unitBuf
	st := m.sendTime[i+1][fnext]
	rebuffer := math.Max(0, st-real)
	nextBuf := m.discretize(math.Max(0, real-st) + m.chunkLen)

	q := m.ssim[i][fcur] -
		m.ssimDiffCoeff*math.Abs(m.ssim[i][fcur]-m.ssim[i+1][fnext]) -
		m.rebufCoeff*rebuffer
	return q + m.valueAt(i+1, nextBuf, fnext, horizon, nf)
}

func (m *MPC) valueAt(i, buf, fcur, horizon, nf int) float64 {
	if i == horizon {
		return m.ssim[i][fcur]
	}
	if m.flag[i][buf][fcur] == m.round {
		return m.value[i][buf][fcur]
	}

	best := math.Inf(-1)
	for fnext := 0; fnext < nf; fnext++ {
		if q := m.qValue(i, buf, fcur, fnext, horizon, nf); q > best {
			best = q
		}
	}
	m.flag[i][buf][fcur] = m.round
	m.value[i][buf][fcur] = best
	return best
}

// ensureTables sizes the working arrays for the current format count.
func (m *MPC) ensureTables(horizon, nf int) {
	if nf == m.numFormats && m.flag != nil && len(m.ssim) > horizon {
		return
	}
	m.numFormats = nf

	rows := m.maxHorizon + 1
	m.ssim = make([][]float64, rows)
	m.sendTime = make([][]float64, rows)
	for i := range m.ssim {
		m.ssim[i] = make([]float64, nf)
		m.sendTime[i] = make([]float64, nf)
	}

	m.flag = make([][][]uint64, rows)
	m.value = make([][][]float64, rows)
	for i := range m.flag {
		m.flag[i] = make([][]uint64, m.disBufLength+1)
		m.value[i] = make([][]float64, m.disBufLength+1)
		for b := range m.flag[i] {
			m.flag[i][b] = make([]uint64, nf)
			m.value[i][b] = make([]float64, nf)
		}
	}
}

func (m *MPC) VideoChunkAcked(c Chunk) {
	if c.Size <= 0 || c.TransTime <= 0 {
		return
	}
	m.past = append(m.past, pastChunk{size: c.Size, transTime: c.TransTime})
	if len(m.past) > mpcMaxPastChunks {
		m.past = m.past[len(m.past)-mpcMaxPastChunks:]
	}
}
