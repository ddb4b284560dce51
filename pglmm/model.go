// Package pglmm fits phylogenetic generalized linear mixed models:
// a fixed effect design plus random effects with fixed covariance
// structures, by profile REML/ML for Gaussian responses and by
// penalized quasi-likelihood otherwise.
package pglmm

import (
	"context"
	"fmt"
	"math"

	"github.com/op/go-logging"
	"gonum.org/v1/gonum/mat"

	"github.com/phyrgo/phyr/optimize"
	"github.com/phyrgo/phyr/terms"
)

var log = logging.MustGetLogger("pglmm")

// Family is the response distribution.
type Family int

const (
	// Gaussian with identity link.
	Gaussian Family = iota
	// Binomial with logit link; trials default to 1.
	Binomial
	// Poisson with log link.
	Poisson
	// ZIBinomial is a zero-inflated binomial.
	ZIBinomial
	// ZIPoisson is a zero-inflated Poisson.
	ZIPoisson
)

var familyNames = map[Family]string{
	Gaussian:   "gaussian",
	Binomial:   "binomial",
	Poisson:    "poisson",
	ZIBinomial: "zeroinflated.binomial",
	ZIPoisson:  "zeroinflated.poisson",
}

func (f Family) String() string {
	if s, ok := familyNames[f]; ok {
		return s
	}
	return fmt.Sprintf("Family(%d)", int(f))
}

// ParseFamily converts a family name to a Family.
func ParseFamily(s string) (Family, error) {
	for f, name := range familyNames {
		if name == s {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown family: %s", s)
}

// zeroInflated is true for the zero-inflated families.
func (f Family) zeroInflated() bool {
	return f == ZIBinomial || f == ZIPoisson
}

// binomial is true for the binomial families.
func (f Family) binomial() bool {
	return f == Binomial || f == ZIBinomial
}

// ModelSpec is a model with its data.
type ModelSpec struct {
	// Y is the response.
	Y []float64
	// X is the fixed effect design, nil for an intercept only model.
	X *mat.Dense
	// XNames are the column names of X.
	XNames []string
	// Random holds the random effects.
	Random *terms.Registry
	Family Family
	// REML selects restricted maximum likelihood.
	REML bool
	// Trials are the binomial sizes, nil for binary responses.
	Trials []float64
}

// design returns X, adding an intercept column if needed, and the
// column names.
func (s *ModelSpec) design() (*mat.Dense, []string) {
	if s.X == nil {
		x := mat.NewDense(len(s.Y), 1, nil)
		for i := range s.Y {
			x.Set(i, 0, 1)
		}
		return x, []string{"(Intercept)"}
	}
	_, p := s.X.Dims()
	names := s.XNames
	if len(names) != p {
		names = make([]string, p)
		for i := range names {
			names[i] = fmt.Sprintf("x%d", i)
		}
	}
	return s.X, names
}

// validate checks dimensions and response values.
func (s *ModelSpec) validate() error {
	n := len(s.Y)
	if n == 0 {
		return fmt.Errorf("empty response")
	}
	if s.Random == nil || s.Random.Len() == 0 {
		return fmt.Errorf("no random terms")
	}
	if s.Random.NObs() != n {
		return fmt.Errorf("random terms have %d observations, response has %d", s.Random.NObs(), n)
	}
	if s.X != nil {
		r, p := s.X.Dims()
		if r != n {
			return fmt.Errorf("design has %d rows, response has %d", r, n)
		}
		if p >= n {
			return fmt.Errorf("%d fixed effects for %d observations", p, n)
		}
	}
	if s.Trials != nil && len(s.Trials) != n {
		return fmt.Errorf("%d binomial sizes for %d observations", len(s.Trials), n)
	}
	for i, y := range s.Y {
		if math.IsNaN(y) || math.IsInf(y, 0) {
			return fmt.Errorf("response %d is not finite", i)
		}
		switch {
		case s.Family.binomial():
			if y < 0 || y > s.trials(i) || y != math.Trunc(y) {
				return fmt.Errorf("binomial response %d out of range: %g", i, y)
			}
		case s.Family == Poisson || s.Family == ZIPoisson:
			if y < 0 || y != math.Trunc(y) {
				return fmt.Errorf("Poisson response %d is not a count: %g", i, y)
			}
		}
	}
	return nil
}

func (s *ModelSpec) trials(i int) float64 {
	if s.Trials == nil {
		return 1
	}
	return s.Trials[i]
}

// Settings controls the fit.
type Settings struct {
	// Optimizer is used for the variance parameters.
	Optimizer *optimize.Settings
	// ThetaMax bounds the random effect standard deviations (relative
	// to the residual one for Gaussian models).
	ThetaMax float64
	// Tol is the relative tolerance of the quasi-likelihood iterations.
	Tol float64
	// MaxIterations caps the outer quasi-likelihood iterations.
	MaxIterations int
	// InnerIterations caps the fixed effect and mode updates per outer
	// iteration.
	InnerIterations int
	// TestRandom computes likelihood ratio tests of the random effect
	// variances. Quasi-likelihood fits test on the final working
	// response.
	TestRandom bool
}

// DefaultSettings returns the default settings.
func DefaultSettings() *Settings {
	return &Settings{
		Optimizer:       optimize.DefaultSettings(),
		ThetaMax:        1e3,
		Tol:             1e-6,
		MaxIterations:   100,
		InnerIterations: 50,
	}
}

// validate checks the iteration limits and tolerances.
func (s *Settings) validate() error {
	switch {
	case s.Optimizer == nil:
		return fmt.Errorf("no optimizer settings")
	case !(s.ThetaMax > 0):
		return fmt.Errorf("invalid ThetaMax %g", s.ThetaMax)
	case !(s.Tol > 0):
		return fmt.Errorf("invalid tolerance %g", s.Tol)
	case s.MaxIterations < 1:
		return fmt.Errorf("MaxIterations must be positive, got %d", s.MaxIterations)
	case s.InnerIterations < 1:
		return fmt.Errorf("InnerIterations must be positive, got %d", s.InnerIterations)
	}
	return nil
}

// bounds are the box constraints of k standard deviations.
func (s *Settings) bounds(k int) []optimize.Bound {
	b := make([]optimize.Bound, k)
	for i := range b {
		b[i] = optimize.Bound{Min: 0, Max: s.ThetaMax}
	}
	return b
}

// Estimator fits a model.
type Estimator interface {
	Fit(ctx context.Context, spec *ModelSpec) (*FitResult, error)
}

// Dispatcher selects the estimator by family.
type Dispatcher struct {
	gaussian *GaussianEstimator
	pql      *PQLEstimator
}

// New creates an estimator for all families. Nil settings select the
// defaults.
func New(s *Settings) *Dispatcher {
	if s == nil {
		s = DefaultSettings()
	}
	return &Dispatcher{
		gaussian: NewGaussian(s),
		pql:      NewPQL(s),
	}
}

// Fit fits the model with the estimator for its family.
func (d *Dispatcher) Fit(ctx context.Context, spec *ModelSpec) (*FitResult, error) {
	if spec.Family == Gaussian {
		return d.gaussian.Fit(ctx, spec)
	}
	return d.pql.Fit(ctx, spec)
}

// Fit fits the model with the given settings.
func Fit(ctx context.Context, spec *ModelSpec, s *Settings) (*FitResult, error) {
	return New(s).Fit(ctx, spec)
}
