package pglmm

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/phyrgo/phyr/dist"
	"github.com/phyrgo/phyr/optimize"
)

// GaussianEstimator fits Gaussian models. The random effect standard
// deviations relative to the residual one, theta, are optimized; the
// residual variance and the fixed effects are profiled out.
type GaussianEstimator struct {
	settings *Settings
}

// NewGaussian creates a Gaussian estimator.
func NewGaussian(s *Settings) *GaussianEstimator {
	if s == nil {
		s = DefaultSettings()
	}
	return &GaussianEstimator{settings: s}
}

// objective returns minus the profile log-likelihood of theta.
func (e *GaussianEstimator) objective(m *model, y *mat.VecDense) optimize.Objective {
	return func(theta []float64) float64 {
		g, err := m.gls(m.covariance(nil, theta), y)
		if err != nil {
			return math.Inf(+1)
		}
		ll, _ := m.profileLogLik(g)
		return -ll
	}
}

// Fit fits a Gaussian model.
func (e *GaussianEstimator) Fit(ctx context.Context, spec *ModelSpec) (*FitResult, error) {
	if spec.Family != Gaussian {
		return nil, fmt.Errorf("Gaussian estimator cannot fit %s family", spec.Family)
	}
	if err := e.settings.validate(); err != nil {
		return nil, err
	}
	if err := spec.validate(); err != nil {
		return nil, err
	}
	m, err := newModel(spec)
	if err != nil {
		return nil, err
	}
	y := mat.NewVecDense(m.n, append([]float64(nil), spec.Y...))
	log.Infof("Fitting gaussian PGLMM: n=%d, %d fixed effects, random terms: %v", m.n, m.p, m.termNames)

	theta0 := m.startSD(1)
	res, err := optimize.Minimize(ctx, e.objective(m, y), theta0, e.settings.bounds(len(theta0)), e.settings.Optimizer)
	if err != nil {
		return nil, fmt.Errorf("gaussian PGLMM: %w", err)
	}
	theta := res.X
	g, err := m.gls(m.covariance(nil, theta), y)
	if err != nil {
		return nil, err
	}
	ll, s2 := m.profileLogLik(g)

	cov := mat.NewSymDense(m.p, nil)
	cov.ScaleSym(s2, g.xvxInv)
	r := &FitResult{
		Family:           Gaussian,
		REML:             m.reml,
		N:                m.n,
		Coefficients:     coefficients(m.names, g.beta, cov),
		CoefCov:          cov,
		ResidualVariance: s2,
		ZeroInflation:    math.NaN(),
		LogLik:           ll,
		NParams:          m.p + len(theta) + 1,
		Converged:        res.Converged,
		Iterations:       res.Iterations,
	}
	r.Variances = make([]Variance, len(theta))
	for k, th := range theta {
		v := th * th * s2
		r.Variances[k] = Variance{
			Term:     m.termNames[k],
			Kind:     spec.Random.Term(k).Kind,
			Variance: v,
			SD:       math.Sqrt(v),
			LR:       math.NaN(),
			P:        math.NaN(),
		}
	}
	r.Modes = m.modes(theta, g.vinvR)
	r.Fitted = m.linearPredictor(g.beta, r.Modes)
	r.setCriteria(m.p)
	if !r.Converged {
		r.Warning = fmt.Sprintf("variance optimization did not converge (%s)", res.Status)
		log.Warningf("Gaussian PGLMM: %s", r.Warning)
	}

	if e.settings.TestRandom {
		if err := testRandom(ctx, e.settings, r, e.objective(m, y), theta, ll); err != nil {
			return nil, err
		}
	}
	log.Noticef("Gaussian PGLMM logLik=%f, AIC=%f", r.LogLik, r.AIC)
	return r, nil
}

// minimizeWithout minimizes f with x[k] fixed at zero, starting from
// the other entries of x, and returns the minimum.
func minimizeWithout(ctx context.Context, s *Settings, f optimize.Objective, x []float64, k int) (float64, error) {
	free := make([]int, 0, len(x)-1)
	for i := range x {
		if i != k {
			free = append(free, i)
		}
	}
	point := make([]float64, len(x))
	expand := func(y []float64) []float64 {
		for j, i := range free {
			point[i] = y[j]
		}
		point[k] = 0
		return point
	}
	if len(free) == 0 {
		v := f(expand(nil))
		if math.IsInf(v, 0) {
			return 0, fmt.Errorf("singular null model")
		}
		return v, nil
	}
	x0 := make([]float64, len(free))
	for j, i := range free {
		x0[j] = x[i]
	}
	res, err := optimize.Minimize(ctx, func(y []float64) float64 {
		return f(expand(y))
	}, x0, s.bounds(len(free)), s.Optimizer)
	if err != nil {
		return 0, err
	}
	if math.IsInf(res.F, 0) {
		return 0, fmt.Errorf("singular null model")
	}
	return res.F, nil
}

// testRandom sets the boundary likelihood ratio test of every variance.
// f is minus the log-likelihood at the fitted sd, ll its maximum.
func testRandom(ctx context.Context, s *Settings, r *FitResult, f optimize.Objective, sd []float64, ll float64) error {
	for k := range sd {
		f0, err := minimizeWithout(ctx, s, f, sd, k)
		if err != nil {
			return fmt.Errorf("test of %s: %w", r.Variances[k].Term, err)
		}
		lr := math.Max(0, 2*(ll+f0))
		r.Variances[k].LR = lr
		r.Variances[k].P = dist.BoundaryLRTPValue(lr)
		log.Infof("LRT %s: LR=%f, p=%g", r.Variances[k].Term, lr, r.Variances[k].P)
	}
	return nil
}
