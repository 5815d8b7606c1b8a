package abr

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// ttpHistoryLen is how many acknowledged chunks feed the model input.
const ttpHistoryLen = 28

// ttpInputDim = 28 past chunks x (size, transmission time) + five
// TCP_INFO fields + current buffer + candidate chunk size.
const ttpInputDim = 2*ttpHistoryLen + 5 + 1 + 1

// Model loading errors.
var (
	ErrModelDirRequired = errors.New("abr: puffer_ttp requires model_dir")
	ErrModelShape       = errors.New("abr: model shape mismatch")
)

// ttpLayer is one fully-connected layer.
type ttpLayer struct {
	Weights [][]float64 `json:"weights"` // [out][in]
	Bias    []float64   `json:"bias"`
}

// ttpModel is one per-horizon-step transmission-time predictor: an MLP
// with ReLU activations and a softmax over sending-time buckets, plus
// the input normalization captured at training time.
type ttpModel struct {
	Layers  []ttpLayer
	ObsMean []float64
	ObsStd  []float64
}

// loadTTPModels reads cpp-<i>.pt.json and cpp-meta-<i>.json for each
// horizon step from dir. Weights are the JSON export of the trained
// checkpoints; the meta sidecar carries obs_mean/obs_std.
func loadTTPModels(dir string, horizon, inputDim, outputDim int) ([]*ttpModel, error) {
	models := make([]*ttpModel, horizon)
	for i := 0; i < horizon; i++ {
		m, err := loadTTPModel(
			filepath.Join(dir, fmt.Sprintf("cpp-%d.pt.json", i)),
			filepath.Join(dir, fmt.Sprintf("cpp-meta-%d.json", i)),
			inputDim, outputDim,
		)
		if err != nil {
			return nil, fmt.Errorf("abr: load ttp model %d: %w", i, err)
		}
		models[i] = m
	}
	return models, nil
}

func loadTTPModel(weightsPath, metaPath string, inputDim, outputDim int) (*ttpModel, error) {
	var weights struct {
		Layers []ttpLayer `json:"layers"`
	}
	if err := readJSON(weightsPath, &weights); err != nil {
		return nil, err
	}
	var meta struct {
		ObsMean []float64 `json:"obs_mean"`
		ObsStd  []float64 `json:"obs_std"`
	}
	if err := readJSON(metaPath, &meta); err != nil {
		return nil, err
	}

	m := &ttpModel{Layers: weights.Layers, ObsMean: meta.ObsMean, ObsStd: meta.ObsStd}
	if err := m.validate(inputDim, outputDim); err != nil {
		return nil, err
	}
	return m, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (m *ttpModel) validate(inputDim, outputDim int) error {
	if len(m.ObsMean) != inputDim || len(m.ObsStd) != inputDim {
		return fmt.Errorf("%w: obs arrays have %d/%d entries, want %d",
			ErrModelShape, len(m.ObsMean), len(m.ObsStd), inputDim)
	}
	if len(m.Layers) == 0 {
		return fmt.Errorf("%w: no layers", ErrModelShape)
	}

	dim := inputDim
	for i, layer := range m.Layers {
		if len(layer.Weights) == 0 || len(layer.Bias) != len(layer.Weights) {
			return fmt.Errorf("%w: layer %d bias/weight mismatch", ErrModelShape, i)
		}
		for _, row := range layer.Weights {
			if len(row) != dim {
				return fmt.Errorf("%w: layer %d expects input %d, got %d",
					ErrModelShape, i, len(row), dim)
			}
		}
		dim = len(layer.Weights)
	}
	if dim != outputDim {
		return fmt.Errorf("%w: output %d, want %d buckets", ErrModelShape, dim, outputDim)
	}
	return nil
}

// predict runs the network and returns the softmax PMF.
func (m *ttpModel) predict(input []float64) []float64 {
	x := make([]float64, len(input))
	for i, v := range input {
		std := m.ObsStd[i]
		if std == 0 {
			std = 1
		}
		x[i] = (v - m.ObsMean[i]) / std
	}

	for li, layer := range m.Layers {
		out := make([]float64, len(layer.Weights))
		for o, row := range layer.Weights {
			sum := layer.Bias[o]
			for i, w := range row {
				sum += w * x[i]
			}
			if li < len(m.Layers)-1 && sum < 0 {
				sum = 0 // ReLU on hidden layers
			}
			out[o] = sum
		}
		x = out
	}

	return softmax(x)
}

func softmax(logits []float64) []float64 {
	max := math.Inf(-1)
	for _, v := range logits {
		if v > max {
			max = v
		}
	}
	out := make([]float64, len(logits))
	var total float64
	for i, v := range logits {
		out[i] = math.Exp(v - max)
		total += out[i]
	}
	for i := range out {
		out[i] /= total
	}
	return out
}

// ttpEstimator predicts the sending-time distribution with one model
// per horizon step.
type ttpEstimator struct {
	models []*ttpModel
}

func (e *ttpEstimator) pmf(p *Puffer, ctx *Context, slot, size int) []float64 {
	model := e.models[slot-1]
	return model.predict(e.features(p, ctx, size))
}

// features assembles the model input: the (size, transmission time)
// pairs of the last 28 acked chunks oldest-first and zero-padded at the
// front, the TCP_INFO snapshot, the playback buffer and the candidate
// chunk size.
func (e *ttpEstimator) features(p *Puffer, ctx *Context, size int) []float64 {
	in := make([]float64, 0, ttpInputDim)

	pad := ttpHistoryLen - len(p.past)
	for i := 0; i < pad; i++ {
		in = append(in, 0, 0)
	}
	for _, pc := range p.past {
		in = append(in, float64(pc.size), pc.transTime.Seconds())
	}

	in = append(in,
		float64(ctx.TCP.CWND),
		float64(ctx.TCP.InFlight),
		ctx.TCP.MinRTT.Seconds(),
		ctx.TCP.RTT.Seconds(),
		float64(ctx.TCP.DeliveryRate),
	)
	in = append(in, ctx.Buffer, float64(size))
	return in
}

// NewPufferTTP builds the learned-model variant. model_dir is required
// and has no default.
func NewPufferTTP(opts Options, maxBuffer float64) (*Puffer, error) {
	dir := opts.String("model_dir", "")
	if dir == "" {
		return nil, ErrModelDirRequired
	}

	p := newPufferBase(opts, maxBuffer, nil)
	models, err := loadTTPModels(dir, p.maxHorizon, ttpInputDim, p.disSendingTime+1)
	if err != nil {
		return nil, err
	}
	p.estimator = &ttpEstimator{models: models}
	return p, nil
}
