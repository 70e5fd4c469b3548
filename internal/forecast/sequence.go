package forecast

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"time"

	"github.com/lox/tempcast/internal/models"
)

// SequenceOptions tune the recurrent sequence forecaster.
type SequenceOptions struct {
	Window     int
	Hidden     int
	Epochs     int
	Patience   int
	BatchSize  int
	LearnRate  float64
	MinSamples int
	// Inline trains a short-lived model on every call and persists nothing.
	Inline bool
	// MaxAge bounds artifact reuse; zero reuses forever.
	MaxAge time.Duration
}

func DefaultSequenceOptions() SequenceOptions {
	return SequenceOptions{
		Window:     72,
		Hidden:     16,
		Epochs:     20,
		Patience:   3,
		BatchSize:  32,
		LearnRate:  0.005,
		MinSamples: 200,
	}
}

const (
	inlineEpochs   = 5
	validationFrac = 0.15
	recentSpread   = 24
)

// Sequence is a windowed recurrent network forecaster. Each prediction is
// fed back as input for the next step.
type Sequence struct {
	artifacts *Artifacts
	opts      SequenceOptions
}

func NewSequence(artifacts *Artifacts, opts SequenceOptions) *Sequence {
	return &Sequence{artifacts: artifacts, opts: opts}
}

func (q *Sequence) Name() string { return ModelSequence }

func (q *Sequence) Available() error {
	if q.opts.Inline {
		return nil
	}
	return q.artifacts.Check()
}

type scaler struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

func fitScaler(y []float64) scaler {
	s := scaler{Min: math.Inf(1), Max: math.Inf(-1)}
	for _, v := range y {
		s.Min = math.Min(s.Min, v)
		s.Max = math.Max(s.Max, v)
	}
	return s
}

func (s scaler) span() float64 {
	if d := s.Max - s.Min; d > 0 {
		return d
	}
	return 1
}

func (s scaler) scale(v float64) float64   { return (v - s.Min) / s.span() }
func (s scaler) unscale(v float64) float64 { return v*s.span() + s.Min }

type sequenceArtifact struct {
	Window      int     `json:"window"`
	Net         *rnn    `json:"net"`
	TrainPoints int     `json:"train_points"`
	Epochs      int     `json:"epochs"`
	BestEpoch   int     `json:"best_epoch"`
	ValMSE      float64 `json:"val_mse"`
}

func artifactNames(step time.Duration) (model, scale string) {
	if step == 24*time.Hour {
		return "sequence_daily.json", "sequence_scaler_daily.json"
	}
	return "sequence_hourly.json", "sequence_scaler.json"
}

func (q *Sequence) FitAndForecast(ctx context.Context, key string, s models.Series, horizon int) (*models.Candidate, error) {
	if err := q.Available(); err != nil {
		return nil, err
	}
	y := s.Values()
	w := q.opts.Window
	starts := windowStarts(s, w)
	if len(starts) < q.opts.MinSamples {
		return nil, insufficient(ModelSequence, len(starts)+w, q.opts.MinSamples+w)
	}
	if !s.Contiguous(s.Len()-w, w) {
		return nil, fmt.Errorf("%w: sequence: the last %d steps span a gap", ErrInsufficientHistory, w)
	}

	modelName, scalerName := artifactNames(s.Step)
	diag := models.Diagnostics{Model: ModelSequence}
	var art *sequenceArtifact
	var sc scaler
	reused := false

	if !q.opts.Inline {
		art, sc, reused = q.load(key, modelName, scalerName)
	}
	if art == nil {
		sc = fitScaler(y)
		var err error
		art, err = q.train(ctx, scaleAll(sc, y), starts)
		if err != nil {
			return nil, err
		}
	}
	scaled := scaleAll(sc, y)

	_, val := splitStarts(starts)
	residuals := make([]float64, 0, len(val))
	if len(val) > 0 {
		pred, err := predictBatch(art.Net, scaled, w, val)
		if err != nil {
			return nil, fmt.Errorf("sequence: %w", err)
		}
		for i, idx := range val {
			residuals = append(residuals, sc.unscale(pred[i])-y[idx+w])
		}
	}

	var sigma float64
	if q.opts.Inline || len(residuals) == 0 {
		sigma = dispersion(y[len(y)-recentSpread:])
	} else {
		sigma = dispersion(residuals)
	}

	yhat, err := rollout(art.Net, scaled[len(scaled)-w:], horizon)
	if err != nil {
		return nil, fmt.Errorf("sequence: %w", err)
	}
	for i := range yhat {
		yhat[i] = sc.unscale(yhat[i])
	}

	diag.Sigma = sigma
	diag.TrainPoints = art.TrainPoints
	diag.ValidationPoints = len(residuals)
	diag.SetExtra("val_mse", art.ValMSE)
	diag.SetExtra("epochs", float64(art.Epochs))
	diag.SetExtra("best_epoch", float64(art.BestEpoch))
	diag.SetExtra("window", float64(art.Window))
	if q.opts.Inline {
		diag.SetExtra("inline", 1)
	}

	cand := &models.Candidate{
		Points:      constantBand(futureTimes(s.Last(), s.Step, horizon), yhat, z95*sigma),
		Diagnostics: diag,
		Models:      []string{ModelSequence},
	}
	switch {
	case q.opts.Inline:
	case reused:
		cand.Diagnostics.SetExtra("reused", 1)
		cand.ArtifactPath = q.artifacts.Path(key, modelName)
	default:
		path, err := q.artifacts.Save(key, modelName, art)
		if err == nil {
			_, err = q.artifacts.Save(key, scalerName, sc)
		}
		if err != nil {
			log.Printf("sequence: saving artifact for %s: %v", key, err)
		} else {
			cand.ArtifactPath = path
		}
	}
	return cand, nil
}

func (q *Sequence) load(key, modelName, scalerName string) (*sequenceArtifact, scaler, bool) {
	var art sequenceArtifact
	var sc scaler
	mod, err := q.artifacts.Load(key, modelName, &art)
	if err == nil {
		_, err = q.artifacts.Load(key, scalerName, &sc)
	}
	switch {
	case errors.Is(err, ErrArtifactMissing):
		return nil, scaler{}, false
	case err != nil:
		log.Printf("sequence: ignoring artifact for %s: %v", key, err)
		return nil, scaler{}, false
	case !fresh(mod, q.opts.MaxAge):
		return nil, scaler{}, false
	case art.Net == nil || !art.Net.valid() || art.Window != q.opts.Window:
		log.Printf("sequence: artifact for %s does not match current settings, retraining", key)
		return nil, scaler{}, false
	}
	return &art, sc, true
}

func scaleAll(sc scaler, y []float64) []float64 {
	out := make([]float64, len(y))
	for i, v := range y {
		out[i] = sc.scale(v)
	}
	return out
}

// windowStarts lists every i where points i..i+w (the window and its target)
// are on consecutive grid slots. Windows that cross an unfilled gap are left
// out.
func windowStarts(s models.Series, w int) []int {
	var out []int
	for i := 0; i+w < s.Len(); i++ {
		if s.Contiguous(i, w+1) {
			out = append(out, i)
		}
	}
	return out
}

// splitStarts holds out the chronologically last share of windows.
func splitStarts(starts []int) (train, val []int) {
	split := len(starts) - int(math.Round(float64(len(starts))*validationFrac))
	return starts[:split], starts[split:]
}

func gather(scaled []float64, w int, idx []int) (windows [][]float64, targets []float64) {
	windows = make([][]float64, len(idx))
	targets = make([]float64, len(idx))
	for i, at := range idx {
		windows[i] = scaled[at : at+w]
		targets[i] = scaled[at+w]
	}
	return windows, targets
}

// predictBatch predicts the step after each window starting at idx.
func predictBatch(net *rnn, scaled []float64, w int, idx []int) ([]float64, error) {
	p, err := newRNNPredictor(net, w, len(idx))
	if err != nil {
		return nil, err
	}
	defer p.close()
	windows, _ := gather(scaled, w, idx)
	return p.predict(windows)
}

// rollout feeds each prediction back as the newest input.
func rollout(net *rnn, last []float64, horizon int) ([]float64, error) {
	p, err := newRNNPredictor(net, len(last), 1)
	if err != nil {
		return nil, err
	}
	defer p.close()
	window := append([]float64(nil), last...)
	out := make([]float64, horizon)
	for i := range out {
		next, err := p.predict([][]float64{window})
		if err != nil {
			return nil, err
		}
		out[i] = next[0]
		window = append(window[1:], next[0])
	}
	return out, nil
}

// train fits a fresh network with chronological train/validation split and
// early stopping on validation loss.
func (q *Sequence) train(ctx context.Context, scaled []float64, starts []int) (*sequenceArtifact, error) {
	w := q.opts.Window
	trainIdx, valIdx := splitStarts(starts)
	epochs := q.opts.Epochs
	if q.opts.Inline {
		epochs = min(epochs, inlineEpochs)
	}
	batch := min(q.opts.BatchSize, len(trainIdx))

	trainer, err := newRNNTrainer(newRNN(q.opts.Hidden), w, batch, q.opts.LearnRate)
	if err != nil {
		return nil, err
	}
	defer trainer.close()

	order := append([]int(nil), trainIdx...)
	rng := rand.New(rand.NewPCG(7, 11))

	var best *rnn
	bestLoss := math.Inf(1)
	bestEpoch, stale, ran := 0, 0, 0
	for epoch := 1; epoch <= epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("sequence: %w", err)
		}
		ran = epoch
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		// The graph has a fixed batch size; the shuffled tail that does not
		// fill a batch is picked up in a later epoch.
		for start := 0; start+batch <= len(order); start += batch {
			windows, targets := gather(scaled, w, order[start:start+batch])
			if _, err := trainer.step(windows, targets); err != nil {
				return nil, fmt.Errorf("sequence: training step: %w", err)
			}
		}

		net := trainer.weights()
		loss, err := validationLoss(net, scaled, w, valIdx)
		if err != nil {
			return nil, fmt.Errorf("sequence: %w", err)
		}
		if loss < bestLoss {
			best, bestLoss, bestEpoch, stale = net, loss, epoch, 0
			continue
		}
		stale++
		if stale >= q.opts.Patience {
			break
		}
	}
	if best == nil || math.IsInf(bestLoss, 1) || math.IsNaN(bestLoss) {
		return nil, errors.New("sequence: training diverged")
	}
	return &sequenceArtifact{
		Window:      w,
		Net:         best,
		TrainPoints: len(trainIdx),
		Epochs:      ran,
		BestEpoch:   bestEpoch,
		ValMSE:      bestLoss,
	}, nil
}

func validationLoss(net *rnn, scaled []float64, w int, idx []int) (float64, error) {
	if len(idx) == 0 {
		return 0, nil
	}
	pred, err := predictBatch(net, scaled, w, idx)
	if err != nil {
		return 0, err
	}
	var sum float64
	for i, at := range idx {
		d := pred[i] - scaled[at+w]
		sum += d * d
	}
	return sum / float64(len(idx)), nil
}
