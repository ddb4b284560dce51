package corphylo

import (
	"bytes"
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/phyrgo/phyr/dist"
	"github.com/phyrgo/phyr/matrix"
	"github.com/phyrgo/phyr/optimize"
)

// corrTol is the tolerance of the correlation matrix checks.
const corrTol = 1e-8

// InvalidCorrelationError is returned when the estimated correlation
// matrix is not a valid correlation matrix.
type InvalidCorrelationError struct {
	MinEigen float64
	Reason   string
}

func (e *InvalidCorrelationError) Error() string {
	return fmt.Sprintf("invalid correlation matrix: %s (min eigenvalue %g)", e.Reason, e.MinEigen)
}

// Coefficient is a regression coefficient of a trait on the original
// scale of the trait.
type Coefficient struct {
	Trait    string  `json:"trait"`
	Name     string  `json:"name"`
	Estimate float64 `json:"estimate"`
	SE       float64 `json:"se"`
	Z        float64 `json:"z"`
	P        float64 `json:"p"`
}

// FitResult is the outcome of a fit. It must be treated as read-only.
type FitResult struct {
	Traits []string `json:"traits"`
	N      int      `json:"n"`
	REML   bool     `json:"reml"`

	// Corrs is the trait correlation matrix.
	Corrs *mat.SymDense `json:"-"`
	// R is the trait covariance matrix on the original trait scales,
	// in units of the standardized phylogeny.
	R *mat.SymDense `json:"-"`
	// D is the phylogenetic signal of every trait.
	D []float64 `json:"d"`
	// Alpha is the OU rate of every trait in units of the original
	// phylogeny.
	Alpha []float64 `json:"alpha"`

	Coefficients []Coefficient `json:"coefficients"`
	// BCov is the covariance of the coefficients on the standardized
	// scale.
	BCov *mat.SymDense `json:"-"`

	LogLik  float64 `json:"loglik"`
	AIC     float64 `json:"aic"`
	BIC     float64 `json:"bic"`
	NParams int     `json:"nparams"`

	Converged  bool `json:"converged"`
	Iterations int  `json:"iterations"`
	// RCond is the reciprocal condition number of the joint
	// covariance at the optimum.
	RCond float64 `json:"rcond"`

	spec     *Spec
	settings *Settings
	f        *fitter
	v        *mat.SymDense
	b        *mat.VecDense
}

// Fit estimates the trait correlations and phylogenetic signals.
func Fit(ctx context.Context, spec *Spec, s *Settings) (*FitResult, error) {
	if s == nil {
		s = DefaultSettings()
	}
	if !(s.DMin > 0 && s.DMin < 1) {
		return nil, fmt.Errorf("invalid lower bound of d: %g", s.DMin)
	}
	phy, err := spec.validate()
	if err != nil {
		return nil, err
	}
	f, err := newFitter(spec, phy, s)
	if err != nil {
		return nil, err
	}
	log.Infof("Fitting correlated traits: n=%d, p=%d, %d coefficients", f.n, f.p, len(f.coefNames))

	x0 := f.start()
	if s.Start != nil {
		if len(s.Start) != len(x0) {
			return nil, fmt.Errorf("%d starting values for %d parameters", len(s.Start), len(x0))
		}
		x0 = s.Start
	}
	res, err := optimize.Minimize(ctx, f.objective, x0, f.bounds(), s.Optimizer)
	if err != nil {
		return nil, fmt.Errorf("cor-phylo: %w", err)
	}
	if math.IsInf(res.F, +1) {
		return nil, &matrix.SingularError{Op: "cor-phylo"}
	}
	e, err := f.evaluate(res.X)
	if err != nil {
		return nil, err
	}
	if !res.Converged {
		log.Warningf("Cor-phylo optimizer did not converge after %d iterations", res.Iterations)
	}
	return f.result(spec, s, e, res)
}

// result back-transforms an evaluation to the original scale.
func (f *fitter) result(spec *Spec, s *Settings, e *evaluation, res *optimize.Result) (*FitResult, error) {
	corrs := mat.NewSymDense(f.p, nil)
	r := mat.NewSymDense(f.p, nil)
	for i := 0; i < f.p; i++ {
		for j := i; j < f.p; j++ {
			corrs.SetSym(i, j, e.r.At(i, j)/math.Sqrt(e.r.At(i, i)*e.r.At(j, j)))
			r.SetSym(i, j, e.r.At(i, j)*f.sds[i]*f.sds[j])
		}
	}
	if err := checkCorrelation(corrs); err != nil {
		return nil, err
	}

	traits := make([]string, f.p)
	d := make([]float64, f.p)
	alpha := make([]float64, f.p)
	for i := range traits {
		traits[i] = spec.traitName(i)
		d[i] = math.Exp(-e.alpha[i])
		alpha[i] = e.alpha[i] * f.vScale
	}

	coefs := make([]Coefficient, len(f.coefNames))
	for c, name := range f.coefNames {
		i := f.coefTrait[c]
		est := f.sds[i] * e.b.AtVec(c)
		if name == "(Intercept)" {
			est += f.means[i]
		}
		se := f.sds[i] * math.Sqrt(e.bCov.At(c, c))
		z := est / se
		coefs[c] = Coefficient{
			Trait:    traits[i],
			Name:     name,
			Estimate: est,
			SE:       se,
			Z:        z,
			P:        dist.WaldPValue(z),
		}
	}

	np := f.n * f.p
	q := len(f.coefNames)
	ll := -e.ll
	if f.reml {
		ll += -0.5*float64(np-q)*math.Log(2*math.Pi) + 0.5*f.logDetUU
		for i := 0; i < f.p; i++ {
			ll -= float64(f.n-f.q[i]) * math.Log(f.sds[i])
		}
	} else {
		ll += -0.5 * float64(np) * math.Log(2*math.Pi)
		for i := 0; i < f.p; i++ {
			ll -= float64(f.n) * math.Log(f.sds[i])
		}
	}
	k := f.nParams() + q
	fr := &FitResult{
		Traits:       traits,
		N:            f.n,
		REML:         f.reml,
		Corrs:        corrs,
		R:            r,
		D:            d,
		Alpha:        alpha,
		Coefficients: coefs,
		BCov:         e.bCov,
		LogLik:       ll,
		AIC:          -2*ll + 2*float64(k),
		BIC:          -2*ll + float64(k)*math.Log(float64(np)),
		NParams:      k,
		Converged:    res.Converged,
		Iterations:   res.Iterations,
		RCond:        e.chol.RCond(),
		spec:         spec,
		settings:     s,
		f:            f,
		v:            matrix.Clone(e.v),
		b:            e.b,
	}
	log.Infof("Cor-phylo fit: logLik=%.4f, d=%v", ll, d)
	return fr, nil
}

// checkCorrelation verifies a unit diagonal and positive
// semi-definiteness.
func checkCorrelation(c *mat.SymDense) error {
	n := c.SymmetricDim()
	for i := 0; i < n; i++ {
		if v := c.At(i, i); math.IsNaN(v) || math.Abs(v-1) > corrTol {
			return &InvalidCorrelationError{MinEigen: math.NaN(), Reason: fmt.Sprintf("diagonal element %d is %g", i, v)}
		}
	}
	min, err := matrix.MinEigen(c)
	if err != nil {
		return &InvalidCorrelationError{MinEigen: math.NaN(), Reason: err.Error()}
	}
	if min < -corrTol {
		return &InvalidCorrelationError{MinEigen: min, Reason: "not positive semi-definite"}
	}
	return nil
}

// Corr returns the correlation between two named traits.
func (r *FitResult) Corr(a, b string) (float64, bool) {
	i, j := r.traitIndex(a), r.traitIndex(b)
	if i < 0 || j < 0 {
		return 0, false
	}
	return r.Corrs.At(i, j), true
}

func (r *FitResult) traitIndex(name string) int {
	for i, t := range r.Traits {
		if t == name {
			return i
		}
	}
	return -1
}

// Estimates returns the correlations above the diagonal, the signals
// and the coefficients, in the order of EstimateNames.
func (r *FitResult) Estimates() []float64 {
	var est []float64
	p := len(r.Traits)
	for i := 0; i < p; i++ {
		for j := i + 1; j < p; j++ {
			est = append(est, r.Corrs.At(i, j))
		}
	}
	est = append(est, r.D...)
	for _, c := range r.Coefficients {
		est = append(est, c.Estimate)
	}
	return est
}

// EstimateNames names the values of Estimates.
func (r *FitResult) EstimateNames() []string {
	var names []string
	p := len(r.Traits)
	for i := 0; i < p; i++ {
		for j := i + 1; j < p; j++ {
			names = append(names, fmt.Sprintf("cor(%s,%s)", r.Traits[i], r.Traits[j]))
		}
	}
	for _, t := range r.Traits {
		names = append(names, fmt.Sprintf("d(%s)", t))
	}
	for _, c := range r.Coefficients {
		names = append(names, c.Trait+":"+c.Name)
	}
	return names
}

// CorrTable returns the correlation matrix as rows.
func (r *FitResult) CorrTable() [][]float64 {
	p := len(r.Traits)
	t := make([][]float64, p)
	for i := range t {
		t[i] = make([]float64, p)
		for j := range t[i] {
			t[i][j] = r.Corrs.At(i, j)
		}
	}
	return t
}

// String returns a printable summary.
func (r *FitResult) String() string {
	var b bytes.Buffer
	method := "ML"
	if r.REML {
		method = "REML"
	}
	fmt.Fprintf(&b, "Correlated traits fit by %s, n=%d\n", method, r.N)
	fmt.Fprintf(&b, "logLik=%.4f AIC=%.4f BIC=%.4f\n", r.LogLik, r.AIC, r.BIC)
	fmt.Fprintf(&b, "Correlations:\n")
	for i, t := range r.Traits {
		fmt.Fprintf(&b, "  %-12s", t)
		for j := range r.Traits {
			fmt.Fprintf(&b, " %8.4f", r.Corrs.At(i, j))
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "Phylogenetic signal:\n")
	for i, t := range r.Traits {
		fmt.Fprintf(&b, "  %-12s d=%8.4f alpha=%10.4g\n", t, r.D[i], r.Alpha[i])
	}
	fmt.Fprintf(&b, "Coefficients:\n")
	for _, c := range r.Coefficients {
		fmt.Fprintf(&b, "  %-24s %12.6g %12.6g %8.3f %10.4g\n", c.Trait+":"+c.Name, c.Estimate, c.SE, c.Z, c.P)
	}
	fmt.Fprintf(&b, "rcond=%.3g\n", r.RCond)
	if !r.Converged {
		fmt.Fprintf(&b, "Warning: optimizer did not converge\n")
	}
	return b.String()
}
