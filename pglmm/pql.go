package pglmm

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/phyrgo/phyr/optimize"
)

const (
	// minWeight bounds the working weights away from zero.
	minWeight = 1e-6
	// maxEta bounds the linear predictor.
	maxEta = 30
)

// PQLEstimator fits binomial and Poisson models, optionally zero
// inflated, by penalized quasi-likelihood. Every outer iteration
// linearizes the response around the current linear predictor
// (working response z = eta + (y-mu)/mu'(eta), working weights w),
// iterates the fixed effects and conditional modes for the
// covariance V = W^-1 + sum s_k^2 S_k, and re-optimizes the random
// effect standard deviations s on the working response.
type PQLEstimator struct {
	settings *Settings
}

// NewPQL creates a quasi-likelihood estimator.
func NewPQL(s *Settings) *PQLEstimator {
	if s == nil {
		s = DefaultSettings()
	}
	return &PQLEstimator{settings: s}
}

// working holds the linearized response.
type working struct {
	family Family
	y      []float64
	trials []float64
	// omega are the structural zero weights.
	omega []float64
	z     *mat.VecDense
	// base is W^-1.
	base []float64
}

func newWorking(spec *ModelSpec) *working {
	n := len(spec.Y)
	w := &working{
		family: spec.Family,
		y:      spec.Y,
		trials: make([]float64, n),
		omega:  make([]float64, n),
		z:      mat.NewVecDense(n, nil),
		base:   make([]float64, n),
	}
	for i := range w.trials {
		w.trials[i] = spec.trials(i)
	}
	return w
}

// start returns the initial linear predictor.
func (w *working) start() []float64 {
	eta := make([]float64, len(w.y))
	for i, y := range w.y {
		if w.family.binomial() {
			p := (y + 0.5) / (w.trials[i] + 1)
			eta[i] = math.Log(p / (1 - p))
		} else {
			eta[i] = math.Log(y + 0.5)
		}
	}
	return eta
}

// mean returns the mean and its derivative at eta.
func (w *working) mean(i int, eta float64) (mu, dmu float64) {
	eta = math.Max(-maxEta, math.Min(maxEta, eta))
	if w.family.binomial() {
		p := 1 / (1 + math.Exp(-eta))
		return w.trials[i] * p, w.trials[i] * p * (1 - p)
	}
	mu = math.Exp(eta)
	return mu, mu
}

// zeroProb returns the probability of a zero count given eta.
func (w *working) zeroProb(i int, eta float64) float64 {
	mu, _ := w.mean(i, eta)
	if w.family.binomial() {
		return math.Pow(1-mu/w.trials[i], w.trials[i])
	}
	return math.Exp(-mu)
}

// update linearizes the response around eta.
func (w *working) update(eta []float64) {
	for i, e := range eta {
		mu, dmu := w.mean(i, e)
		dmu = math.Max(dmu, minWeight)
		w.z.SetVec(i, e+(w.y[i]-mu)/dmu)
		// canonical links: the weight equals mu'
		weight := math.Max(dmu*(1-w.omega[i]), minWeight)
		w.base[i] = 1 / weight
	}
}

// expectZeros updates the structural zero weights and returns the
// zero inflation probability.
func (w *working) expectZeros(eta []float64, pi float64) float64 {
	sum := 0.0
	for i, y := range w.y {
		if y != 0 {
			w.omega[i] = 0
			continue
		}
		f0 := w.zeroProb(i, eta[i])
		w.omega[i] = pi / (pi + (1-pi)*f0)
		sum += w.omega[i]
	}
	return sum / float64(len(w.y))
}

// relChange returns the largest change between a and b, relative for
// values above one and absolute below.
func relChange(a, b []float64) float64 {
	d := 0.0
	for i := range a {
		d = math.Max(d, math.Abs(a[i]-b[i])/math.Max(1, math.Abs(a[i])))
	}
	return d
}

// quasiObjective returns minus the restricted log-likelihood of the
// working response as a function of the standard deviations.
func quasiObjective(m *model, w *working) optimize.Objective {
	return func(sd []float64) float64 {
		g, err := m.gls(m.covariance(w.base, sd), w.z)
		if err != nil {
			return math.Inf(+1)
		}
		return -m.fixedLogLik(g)
	}
}

// Fit fits a binomial or Poisson model.
func (e *PQLEstimator) Fit(ctx context.Context, spec *ModelSpec) (*FitResult, error) {
	if spec.Family == Gaussian {
		return nil, fmt.Errorf("quasi-likelihood estimator does not fit the gaussian family")
	}
	if _, ok := familyNames[spec.Family]; !ok {
		return nil, fmt.Errorf("unknown family %v", spec.Family)
	}
	s := e.settings
	if err := s.validate(); err != nil {
		return nil, err
	}
	if err := spec.validate(); err != nil {
		return nil, err
	}
	m, err := newModel(spec)
	if err != nil {
		return nil, err
	}
	log.Infof("Fitting %s PGLMM by PQL: n=%d, %d fixed effects, random terms: %v",
		spec.Family, m.n, m.p, m.termNames)

	w := newWorking(spec)
	eta := w.start()
	sd := m.startSD(0.5)
	bounds := s.bounds(len(sd))

	pi := math.NaN()
	zi := spec.Family.zeroInflated()
	if zi {
		pi = 0
		for _, y := range spec.Y {
			if y == 0 {
				pi = 0.1
				break
			}
		}
	}

	var g *glsFit
	var beta []float64
	converged := false
	it := 0
	for it = 1; it <= s.MaxIterations; it++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%s PGLMM: %w", spec.Family, err)
		}
		if zi && pi > 0 {
			pi = w.expectZeros(eta, pi)
		}

		for inner := 0; inner < s.InnerIterations; inner++ {
			w.update(eta)
			if g, err = m.gls(m.covariance(w.base, sd), w.z); err != nil {
				return nil, err
			}
			next := m.linearPredictor(g.beta, m.modes(sd, g.vinvR))
			change := relChange(eta, next)
			eta = next
			if change < s.Tol {
				break
			}
		}
		w.update(eta)

		objective := quasiObjective(m, w)
		fOld := objective(sd)
		res, err := optimize.Minimize(ctx, objective, sd, bounds, s.Optimizer)
		if err != nil {
			return nil, fmt.Errorf("%s PGLMM: %w", spec.Family, err)
		}
		newSD := sd
		// variances move only on a real improvement of the quasi-likelihood
		if res.F < fOld-s.Tol*(1+math.Abs(fOld)) {
			newSD = res.X
		}

		newBeta := append([]float64(nil), g.beta.RawVector().Data...)
		change := relChange(sd, newSD)
		if beta != nil {
			change = math.Max(change, relChange(beta, newBeta))
		} else {
			change = math.Inf(+1)
		}
		sd, beta = newSD, newBeta
		log.Debugf("PQL iteration %d: change=%g, sd=%v, beta=%v", it, change, sd, beta)
		if change < s.Tol {
			converged = true
			break
		}
	}
	if it > s.MaxIterations {
		it = s.MaxIterations
	}

	w.update(eta)
	if g, err = m.gls(m.covariance(w.base, sd), w.z); err != nil {
		return nil, err
	}
	r := &FitResult{
		Family:           spec.Family,
		REML:             m.reml,
		Quasi:            true,
		N:                m.n,
		Coefficients:     coefficients(m.names, g.beta, g.xvxInv),
		CoefCov:          g.xvxInv,
		ResidualVariance: math.NaN(),
		ZeroInflation:    pi,
		LogLik:           m.fixedLogLik(g),
		NParams:          m.p + len(sd),
		Converged:        converged,
		Iterations:       it,
	}
	if zi {
		r.NParams++
	}
	r.Variances = make([]Variance, len(sd))
	for k, v := range sd {
		r.Variances[k] = Variance{
			Term:     m.termNames[k],
			Kind:     spec.Random.Term(k).Kind,
			Variance: v * v,
			SD:       v,
			LR:       math.NaN(),
			P:        math.NaN(),
		}
	}
	r.Modes = m.modes(sd, g.vinvR)
	r.Fitted = m.linearPredictor(g.beta, r.Modes)
	r.setCriteria(m.p)
	// tests use the quasi-likelihood of the converged working response
	if s.TestRandom {
		if err := testRandom(ctx, s, r, quasiObjective(m, w), sd, r.LogLik); err != nil {
			return nil, err
		}
	}
	if !converged {
		r.Warning = fmt.Sprintf("quasi-likelihood iterations did not converge in %d iterations", s.MaxIterations)
		log.Warningf("%s PGLMM: %s", spec.Family, r.Warning)
	}
	log.Noticef("%s PGLMM quasi logLik=%f, AIC=%f", spec.Family, r.LogLik, r.AIC)
	return r, nil
}
