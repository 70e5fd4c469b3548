package forecast

import (
	"context"
	"math"

	"gonum.org/v1/gonum/optimize"

	"github.com/lox/tempcast/internal/models"
)

// ETS is additive Holt-Winters exponential smoothing with a weekly season
// on daily series and a diurnal season on hourly series.
//
// When the series is long enough the last season is held out: the smoothing
// parameters are fitted on the rest, sigma comes from the holdout residuals,
// and the model is then re-run over the full series so the forecast starts
// right after the last observation.
type ETS struct{}

func NewETS() *ETS { return &ETS{} }

func (e *ETS) Name() string { return ModelETS }

// Available is always nil; ETS is the fallback of last resort.
func (e *ETS) Available() error { return nil }

type etsLimits struct {
	minPoints    int
	holdoutAbove int
}

var etsByPeriod = map[int]etsLimits{
	7:  {minPoints: 21, holdoutAbove: 28},
	24: {minPoints: 168, holdoutAbove: 192},
}

func (e *ETS) FitAndForecast(ctx context.Context, key string, s models.Series, horizon int) (*models.Candidate, error) {
	period, err := periodFor(s.Step)
	if err != nil {
		return nil, err
	}
	limits := etsByPeriod[period]
	if s.Len() < limits.minPoints {
		return nil, insufficient(ModelETS, s.Len(), limits.minPoints)
	}
	y := s.Grid()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	diag := models.Diagnostics{Model: ModelETS, TrainPoints: s.Len()}
	var params hwParams
	var sigma float64

	if len(y) > limits.holdoutAbove {
		train, holdout := y[:len(y)-period], y[len(y)-period:]
		params = fitHoltWinters(train, period)
		state := params.run(train, period, nil)
		pred := state.forecast(len(train), period, len(holdout))
		residuals := observedResiduals(holdout, pred)
		sigma = dispersion(residuals)
		diag.TrainPoints = countObserved(train)
		diag.ValidationPoints = len(residuals)
	} else {
		params = fitHoltWinters(y, period)
		fitted := make([]float64, len(y))
		params.run(y, period, fitted)
		sigma = dispersion(observedResiduals(y, fitted))
	}

	state := params.run(y, period, nil)
	yhat := state.forecast(len(y), period, horizon)
	times := futureTimes(s.Last(), s.Step, horizon)

	diag.Sigma = sigma
	diag.SetExtra("alpha", params.alpha)
	diag.SetExtra("beta", params.beta)
	diag.SetExtra("gamma", params.gamma)
	diag.SetExtra("sse", params.sse(y, period))
	diag.SetExtra("period", float64(period))

	return &models.Candidate{
		Points:      constantBand(times, yhat, z95*sigma),
		Diagnostics: diag,
		Models:      []string{ModelETS},
	}, nil
}

type hwParams struct {
	alpha, beta, gamma float64
}

type hwState struct {
	level, trend float64
	season       []float64
}

// initState seeds level, trend and season from the first two cycles. Absent
// slots (NaN) are left out of the means and start with a zero seasonal term.
func initState(y []float64, period int) hwState {
	first := mean(y[:period])
	trend := 0.0
	if len(y) >= 2*period {
		if second := mean(y[period : 2*period]); !math.IsNaN(second) {
			trend = (second - first) / float64(period)
		}
	}
	season := make([]float64, period)
	for i := range season {
		if !math.IsNaN(y[i]) {
			season[i] = y[i] - first
		}
	}
	return hwState{level: first, trend: trend, season: season}
}

// run smooths y and returns the final state. When fitted is non-nil it
// receives the one-step-ahead predictions. An absent slot advances the
// state on its own prediction.
func (p hwParams) run(y []float64, period int, fitted []float64) hwState {
	st := initState(y, period)
	for t, v := range y {
		si := t % period
		pred := st.level + st.trend + st.season[si]
		if fitted != nil {
			fitted[t] = pred
		}
		if math.IsNaN(v) {
			st.level += st.trend
			continue
		}
		level := p.alpha*(v-st.season[si]) + (1-p.alpha)*(st.level+st.trend)
		st.trend = p.beta*(level-st.level) + (1-p.beta)*st.trend
		st.season[si] = p.gamma*(v-level) + (1-p.gamma)*st.season[si]
		st.level = level
	}
	return st
}

func (p hwParams) sse(y []float64, period int) float64 {
	fitted := make([]float64, len(y))
	p.run(y, period, fitted)
	var sum float64
	for _, d := range observedResiduals(y, fitted) {
		sum += d * d
	}
	return sum
}

func observedResiduals(y, pred []float64) []float64 {
	out := make([]float64, 0, len(y))
	for i, v := range y {
		if !math.IsNaN(v) {
			out = append(out, v-pred[i])
		}
	}
	return out
}

func countObserved(y []float64) int {
	n := 0
	for _, v := range y {
		if !math.IsNaN(v) {
			n++
		}
	}
	return n
}

// forecast projects h steps past a series of length n.
func (st hwState) forecast(n, period, h int) []float64 {
	out := make([]float64, h)
	for i := range out {
		step := float64(i + 1)
		out[i] = st.level + step*st.trend + st.season[(n+i)%period]
	}
	return out
}

// fitHoltWinters minimises the in-sample SSE over (alpha, beta, gamma).
// Parameters are optimised in logit space so they stay inside (0, 1).
func fitHoltWinters(y []float64, period int) hwParams {
	toParams := func(x []float64) hwParams {
		return hwParams{alpha: logistic(x[0]), beta: logistic(x[1]), gamma: logistic(x[2])}
	}
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			return toParams(x).sse(y, period)
		},
	}
	x0 := []float64{logit(0.3), logit(0.05), logit(0.1)}
	settings := &optimize.Settings{MajorIterations: 300, FuncEvaluations: 2000}
	res, err := optimize.Minimize(problem, x0, settings, &optimize.NelderMead{})
	if err != nil && res == nil {
		return toParams(x0)
	}
	best := toParams(res.X)
	if math.IsNaN(best.sse(y, period)) {
		return toParams(x0)
	}
	return best
}

func logistic(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

func logit(p float64) float64 { return math.Log(p / (1 - p)) }

// mean ignores NaN entries and is NaN when none remain.
func mean(v []float64) float64 {
	var sum float64
	n := 0
	for _, x := range v {
		if !math.IsNaN(x) {
			sum += x
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}
