package forecast

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/lox/tempcast/internal/models"
)

const (
	curveArtifact    = "curve_daily.json"
	curveMinPoints   = 14
	curveHoldoutOver = 30
	curveHoldout     = 7
	weeklyOrder      = 3
	yearlyOrder      = 10
	ridgeLambda      = 0.1
	daysPerYear      = 365.25
)

// Curve is an additive trend-plus-seasonality regression for daily series:
// linear trend, weekly Fourier terms and, once a year of history exists,
// yearly Fourier terms. Coefficients are fitted by ridge least squares and
// intervals come from the parameter covariance at the 80% level.
type Curve struct {
	artifacts *Artifacts
	maxAge    time.Duration
}

// NewCurve returns a curve forecaster persisting fits under artifacts. maxAge
// bounds artifact reuse; zero reuses forever.
func NewCurve(artifacts *Artifacts, maxAge time.Duration) *Curve {
	return &Curve{artifacts: artifacts, maxAge: maxAge}
}

func (c *Curve) Name() string { return ModelCurve }

func (c *Curve) Available() error {
	return c.artifacts.Check()
}

// curveModel is the persisted form of a fit.
type curveModel struct {
	Origin      time.Time `json:"origin"`
	TrendScale  float64   `json:"trend_scale"`
	Yearly      bool      `json:"yearly"`
	Coef        []float64 `json:"coef"`
	Cov         []float64 `json:"cov"` // (X'X + λI)^-1, row-major
	Sigma       float64   `json:"sigma"`
	TrainPoints int       `json:"train_points"`
	MAE         float64   `json:"mae,omitempty"`
	MAPE        float64   `json:"mape,omitempty"`
	Validated   int       `json:"validated,omitempty"`
}

func (c *Curve) FitAndForecast(ctx context.Context, key string, s models.Series, horizon int) (*models.Candidate, error) {
	if s.Step != 24*time.Hour {
		return nil, fmt.Errorf("curve: %w: daily series only", ErrModelUnavailable)
	}
	if err := c.Available(); err != nil {
		return nil, err
	}
	if s.Len() < curveMinPoints {
		return nil, insufficient(ModelCurve, s.Len(), curveMinPoints)
	}

	var model *curveModel
	reused := false
	var m curveModel
	mod, err := c.artifacts.Load(key, curveArtifact, &m)
	switch {
	case err == nil && fresh(mod, c.maxAge) && m.valid():
		model, reused = &m, true
	case err != nil && !errors.Is(err, ErrArtifactMissing):
		log.Printf("curve: ignoring artifact for %s: %v", key, err)
	}

	if model == nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		model, err = fitCurve(s)
		if err != nil {
			return nil, fmt.Errorf("curve: %w", err)
		}
		if s.Len() > curveHoldoutOver {
			validateCurve(model, s)
		}
	}

	times := futureTimes(s.Last(), s.Step, horizon)
	points := make([]models.ForecastPoint, len(times))
	for i, t := range times {
		yhat, se := model.predict(t)
		half := z80 * se
		points[i] = models.ForecastPoint{T: t, Yhat: yhat, Lower: yhat - half, Upper: yhat + half}
	}

	cand := &models.Candidate{
		Points: points,
		Diagnostics: models.Diagnostics{
			Model:            ModelCurve,
			Sigma:            model.Sigma,
			TrainPoints:      model.TrainPoints,
			ValidationPoints: model.Validated,
		},
		Models: []string{ModelCurve},
	}
	if model.Validated > 0 {
		cand.Diagnostics.SetExtra("mae", model.MAE)
		cand.Diagnostics.SetExtra("mape", model.MAPE)
	}
	if model.Yearly {
		cand.Diagnostics.SetExtra("yearly_order", yearlyOrder)
	}
	cand.Diagnostics.SetExtra("weekly_order", weeklyOrder)

	if reused {
		cand.Diagnostics.SetExtra("reused", 1)
		cand.ArtifactPath = c.artifacts.Path(key, curveArtifact)
	} else {
		path, err := c.artifacts.Save(key, curveArtifact, model)
		if err != nil {
			log.Printf("curve: saving artifact for %s: %v", key, err)
		} else {
			cand.ArtifactPath = path
		}
	}
	return cand, nil
}

func (m *curveModel) width() int {
	p := 2 + 2*weeklyOrder
	if m.Yearly {
		p += 2 * yearlyOrder
	}
	return p
}

func (m *curveModel) valid() bool {
	p := m.width()
	return len(m.Coef) == p && len(m.Cov) == p*p && m.TrendScale > 0
}

func (m *curveModel) features(t time.Time) []float64 {
	days := t.Sub(m.Origin).Hours() / 24
	x := make([]float64, 0, m.width())
	x = append(x, 1, days/m.TrendScale)
	for k := 1; k <= weeklyOrder; k++ {
		w := 2 * math.Pi * float64(k) * days / 7
		x = append(x, math.Sin(w), math.Cos(w))
	}
	if m.Yearly {
		for k := 1; k <= yearlyOrder; k++ {
			w := 2 * math.Pi * float64(k) * days / daysPerYear
			x = append(x, math.Sin(w), math.Cos(w))
		}
	}
	return x
}

// predict returns the point forecast and its standard error.
func (m *curveModel) predict(t time.Time) (float64, float64) {
	x := m.features(t)
	p := len(x)
	var yhat, lev float64
	for i := 0; i < p; i++ {
		yhat += m.Coef[i] * x[i]
		var row float64
		for j := 0; j < p; j++ {
			row += m.Cov[i*p+j] * x[j]
		}
		lev += x[i] * row
	}
	if lev < 0 {
		lev = 0
	}
	return yhat, m.Sigma * math.Sqrt(1+lev)
}

func fitCurve(s models.Series) (*curveModel, error) {
	m := &curveModel{
		Origin:      s.Points[0].T,
		TrendScale:  math.Max(1, s.Span().Hours()/24),
		Yearly:      s.Span() >= 365*24*time.Hour,
		TrainPoints: s.Len(),
	}
	n, p := s.Len(), m.width()

	X := mat.NewDense(n, p, nil)
	y := mat.NewVecDense(n, nil)
	for i, pt := range s.Points {
		X.SetRow(i, m.features(pt.T))
		y.SetVec(i, pt.V)
	}

	var xtx mat.Dense
	xtx.Mul(X.T(), X)
	a := mat.NewSymDense(p, nil)
	for i := 0; i < p; i++ {
		for j := i; j < p; j++ {
			a.SetSym(i, j, xtx.At(i, j))
		}
		// intercept is left unpenalised
		if i > 0 {
			a.SetSym(i, i, a.At(i, i)+ridgeLambda)
		}
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(a); !ok {
		return nil, errors.New("design matrix is not positive definite")
	}
	var xty mat.VecDense
	xty.MulVec(X.T(), y)
	var beta mat.VecDense
	if err := chol.SolveVecTo(&beta, &xty); err != nil {
		return nil, err
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return nil, err
	}

	m.Coef = make([]float64, p)
	for i := range m.Coef {
		m.Coef[i] = beta.AtVec(i)
	}
	m.Cov = make([]float64, p*p)
	for i := 0; i < p; i++ {
		for j := 0; j < p; j++ {
			m.Cov[i*p+j] = inv.At(i, j)
		}
	}

	var fitted mat.VecDense
	fitted.MulVec(X, &beta)
	var sse float64
	residuals := make([]float64, n)
	for i := 0; i < n; i++ {
		residuals[i] = y.AtVec(i) - fitted.AtVec(i)
		sse += residuals[i] * residuals[i]
	}
	if n > p {
		m.Sigma = math.Sqrt(sse / float64(n-p))
	} else {
		m.Sigma = dispersion(residuals)
	}
	return m, nil
}

// validateCurve scores a fit of all but the last week against that week and
// records the errors on m.
func validateCurve(m *curveModel, s models.Series) {
	train := models.Series{Step: s.Step, Points: s.Points[:s.Len()-curveHoldout]}
	holdout := s.Points[s.Len()-curveHoldout:]
	hm, err := fitCurve(train)
	if err != nil {
		return
	}
	var absSum, pctSum float64
	pctN := 0
	for _, pt := range holdout {
		yhat, _ := hm.predict(pt.T)
		d := math.Abs(pt.V - yhat)
		absSum += d
		if pt.V != 0 {
			pctSum += d / math.Abs(pt.V)
			pctN++
		}
	}
	m.MAE = absSum / float64(len(holdout))
	if pctN > 0 {
		m.MAPE = 100 * pctSum / float64(pctN)
	}
	m.Validated = len(holdout)
}
