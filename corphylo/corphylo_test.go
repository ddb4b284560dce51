package corphylo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/phyrgo/phyr/bootstrap"
	"github.com/phyrgo/phyr/covar"
	"github.com/phyrgo/phyr/matrix"
	"github.com/phyrgo/phyr/tree"
)

// phylogeny returns a coalescent tree covariance of n species.
func phylogeny(t *testing.T, rng *rand.Rand, n int) *covar.Matrix {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("sp%d", i)
	}
	tr, err := tree.Coalescent(names, rng)
	require.NoError(t, err)
	c, err := covar.FromTree(tr, names)
	require.NoError(t, err)
	return c
}

// simulate draws two traits with correlation rho and signals d.
func simulate(t *testing.T, rng *rand.Rand, phy *covar.Matrix, rho float64, d []float64) *Spec {
	std, _, err := covar.Standardize(phy)
	require.NoError(t, err)
	n, p := phy.Dim(), len(d)
	f := &fitter{n: n, p: p, v: std, me2: make([]float64, n*p), work: mat.NewDense(n*p, n*p, nil)}
	r := mat.NewSymDense(p, nil)
	alpha := make([]float64, p)
	for i := 0; i < p; i++ {
		alpha[i] = -math.Log(d[i])
		for j := i; j < p; j++ {
			if i == j {
				r.SetSym(i, j, 1)
			} else {
				r.SetSym(i, j, rho)
			}
		}
	}
	chol, err := matrix.Cholesky(f.covariance(r, alpha))
	require.NoError(t, err)
	e := mat.NewVecDense(n*p, nil)
	for i := 0; i < n*p; i++ {
		e.SetVec(i, rng.NormFloat64())
	}
	var x mat.VecDense
	x.MulVec(chol.L(), e)

	spec := &Spec{Species: phy.Labels(), X: mat.NewDense(n, p, nil)}
	for i := 0; i < p; i++ {
		spec.Traits = append(spec.Traits, fmt.Sprintf("t%d", i+1))
		for k := 0; k < n; k++ {
			spec.X.Set(k, i, 10*float64(i)+2*x.AtVec(i*n+k))
		}
	}
	spec.Phy = phy
	return spec
}

func TestRecovery(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	phy := phylogeny(t, rng, 100)
	spec := simulate(t, rng, phy, 0.7, []float64{0.9, 0.9})

	for _, reml := range []bool{true, false} {
		s := DefaultSettings()
		s.REML = reml
		r, err := Fit(context.Background(), spec, s)
		require.NoError(t, err)
		c, ok := r.Corr("t1", "t2")
		require.True(t, ok)
		require.InDelta(t, 0.7, c, 0.3)
		require.InDelta(t, 1, r.Corrs.At(0, 0), 1e-12)
		for i, d := range r.D {
			require.GreaterOrEqual(t, d, s.DMin)
			require.LessOrEqual(t, d, 1.0)
			require.InDelta(t, -math.Log(d), r.Alpha[i]*phy.Max(), 1e-9)
		}
		require.Equal(t, 7, r.NParams)
		require.InDelta(t, -2*r.LogLik+2*float64(r.NParams), r.AIC, 1e-9)
		require.Len(t, r.Coefficients, 2)
		require.InDelta(t, 10, r.Coefficients[1].Estimate, 5)
		require.Equal(t, len(r.EstimateNames()), len(r.Estimates()))
		require.Greater(t, r.RCond, 0.0)
		require.NotEmpty(t, r.String())
	}
}

func TestSpeciesOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	phy := phylogeny(t, rng, 30)
	spec := simulate(t, rng, phy, 0.3, []float64{0.5, 0.8})
	s := DefaultSettings()
	s.REML = false
	a, err := Fit(context.Background(), spec, s)
	require.NoError(t, err)

	// same data with reversed rows
	n, p := spec.X.Dims()
	rev := &Spec{Traits: spec.Traits, Phy: phy, X: mat.NewDense(n, p, nil)}
	for k := 0; k < n; k++ {
		rev.Species = append(rev.Species, spec.Species[n-1-k])
		rev.X.SetRow(k, mat.Row(nil, n-1-k, spec.X))
	}
	b, err := Fit(context.Background(), rev, s)
	require.NoError(t, err)
	require.InDelta(t, a.LogLik, b.LogLik, 1e-4)
	require.InDelta(t, a.Corrs.At(0, 1), b.Corrs.At(0, 1), 1e-2)
}

func TestBrownianKronecker(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	phy := phylogeny(t, rng, 12)
	std, _, err := covar.Standardize(phy)
	require.NoError(t, err)
	f := &fitter{n: 12, p: 2, v: std, me2: make([]float64, 24), work: mat.NewDense(24, 24, nil)}
	r := mat.NewSymDense(2, []float64{2, 0.5, 0.5, 1})
	v := f.covariance(r, []float64{0, 0})
	want := matrix.Kronecker(r, std.Sym())
	require.True(t, mat.EqualApprox(v, want, 1e-12))

	// measurement error is added to the diagonal only
	f.me2[3] = 0.25
	v = f.covariance(r, []float64{0, 0})
	require.InDelta(t, want.At(3, 3)+0.25, v.At(3, 3), 1e-12)
	require.InDelta(t, want.At(3, 4), v.At(3, 4), 1e-12)
}

func TestProfiledLikelihood(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	phy := phylogeny(t, rng, 20)
	spec := simulate(t, rng, phy, -0.4, []float64{0.6, 0.9})
	s := DefaultSettings()
	s.REML = false
	vsub, err := spec.validate()
	require.NoError(t, err)
	f, err := newFitter(spec, vsub, s)
	require.NoError(t, err)

	par := f.start()
	e, err := f.evaluate(par)
	require.NoError(t, err)
	var mean mat.VecDense
	mean.MulVec(f.uu, e.b)
	normal, ok := distmv.NewNormal(mean.RawVector().Data, matrix.Clone(e.v), nil)
	require.True(t, ok)
	want := normal.LogProb(f.x.RawVector().Data)
	require.InDelta(t, want, -e.ll-0.5*float64(f.n*f.p)*math.Log(2*math.Pi), 1e-6)
	require.Equal(t, e.ll, f.objective(par))
}

func TestCovariatesAndME(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	phy := phylogeny(t, rng, 40)
	spec := simulate(t, rng, phy, 0.5, []float64{0.7, 0.7})
	n, _ := spec.X.Dims()
	u := make([]float64, n)
	me := make([]float64, n)
	for k := range u {
		u[k] = rng.NormFloat64()
		spec.X.Set(k, 1, spec.X.At(k, 1)+3*u[k])
		me[k] = 0.1
	}
	spec.Covariates = [][][]float64{nil, {u}}
	spec.CovariateNames = [][]string{nil, {"u"}}
	spec.ME = [][]float64{me, nil}
	r, err := Fit(context.Background(), spec, nil)
	require.NoError(t, err)
	require.Len(t, r.Coefficients, 3)
	require.Equal(t, "t2", r.Coefficients[2].Trait)
	require.Equal(t, "u", r.Coefficients[2].Name)
	require.InDelta(t, 3, r.Coefficients[2].Estimate, 1)
	require.Less(t, r.Coefficients[2].P, 0.01)

	spec.ME = [][]float64{{-1}, nil}
	_, err = Fit(context.Background(), spec, nil)
	require.Error(t, err)
}

func TestSpeciesMismatch(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	phy := phylogeny(t, rng, 10)
	spec := simulate(t, rng, phy, 0, []float64{0.5, 0.5})

	missing := *spec
	missing.Species = append([]string(nil), spec.Species...)
	missing.Species[0] = "unknown"
	_, err := Fit(context.Background(), &missing, nil)
	var ce *covar.ConstructionError
	require.True(t, errors.As(err, &ce))
	require.Equal(t, []string{"unknown"}, ce.Names)

	dup := *spec
	dup.Species = append([]string(nil), spec.Species...)
	dup.Species[1] = dup.Species[0]
	_, err = Fit(context.Background(), &dup, nil)
	require.True(t, errors.As(err, &ce))

	short := *spec
	short.Species = spec.Species[:9]
	short.X = mat.DenseCopyOf(spec.X.Slice(0, 9, 0, 2))
	_, err = Fit(context.Background(), &short, nil)
	require.True(t, errors.As(err, &ce))
	require.Equal(t, []string{spec.Species[9]}, ce.Names)

	one := *spec
	one.X = mat.DenseCopyOf(spec.X.Slice(0, 10, 0, 1))
	_, err = Fit(context.Background(), &one, nil)
	require.Error(t, err)
}

func TestInvalidCorrelation(t *testing.T) {
	require.NoError(t, checkCorrelation(mat.NewSymDense(2, []float64{1, 0.5, 0.5, 1})))
	err := checkCorrelation(mat.NewSymDense(3, []float64{
		1, 0.9, -0.9,
		0.9, 1, 0.9,
		-0.9, 0.9, 1,
	}))
	var ice *InvalidCorrelationError
	require.True(t, errors.As(err, &ice))
	require.Less(t, ice.MinEigen, 0.0)
	err = checkCorrelation(mat.NewSymDense(2, []float64{2, 0, 0, 1}))
	require.True(t, errors.As(err, &ice))
}

func TestCancelled(t *testing.T) {
	rng := rand.New(rand.NewSource(19))
	phy := phylogeny(t, rng, 15)
	spec := simulate(t, rng, phy, 0.2, []float64{0.5, 0.5})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Fit(ctx, spec, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestBootstrap(t *testing.T) {
	rng := rand.New(rand.NewSource(23))
	phy := phylogeny(t, rng, 30)
	spec := simulate(t, rng, phy, 0.6, []float64{0.8, 0.8})
	fit, err := Fit(context.Background(), spec, nil)
	require.NoError(t, err)

	_, err = Bootstrap(context.Background(), fit, 0, nil)
	require.ErrorIs(t, err, bootstrap.ErrNoReplicates)

	bs := bootstrap.DefaultSettings()
	bs.Workers = 2
	bs.MaxFailFraction = 1
	seq, err := Bootstrap(context.Background(), fit, 8, bs)
	require.NoError(t, err)
	tab, err := fit.Intervals(seq, 0.9)
	require.NoError(t, err)
	require.Equal(t, 8, tab.Used+tab.Failed)
	require.Len(t, tab.Intervals, len(fit.Estimates()))
	iv, ok := tab.Interval("cor(t1,t2)")
	require.True(t, ok)
	require.LessOrEqual(t, iv.Lower, iv.Upper)
	require.GreaterOrEqual(t, iv.Lower, -1.0)
	require.LessOrEqual(t, iv.Upper, 1.0)
}

// TestCoverage checks the coverage of the 90% bootstrap intervals of
// the correlation and the signals on a 50 species coalescent tree. It
// is slow and runs only with PHYR_COVERAGE=1.
func TestCoverage(t *testing.T) {
	if testing.Short() || os.Getenv("PHYR_COVERAGE") != "1" {
		t.Skip("set PHYR_COVERAGE=1 to run")
	}
	const (
		sims  = 100
		reps  = 100
		level = 0.9
		rho   = 0.7
	)
	d := []float64{0.3, 0.95}
	truth := map[string]float64{"cor(t1,t2)": rho, "d(t1)": d[0], "d(t2)": d[1]}
	rng := rand.New(rand.NewSource(29))
	phy := phylogeny(t, rng, 50)
	covered := make(map[string]int, len(truth))
	for i := 0; i < sims; i++ {
		spec := simulate(t, rng, phy, rho, d)
		fit, err := Fit(context.Background(), spec, nil)
		require.NoError(t, err)
		bs := bootstrap.DefaultSettings()
		bs.Seed = int64(1000 * i)
		seq, err := Bootstrap(context.Background(), fit, reps, bs)
		require.NoError(t, err)
		tab, err := fit.Intervals(seq, level)
		require.NoError(t, err)
		for name, v := range truth {
			iv, ok := tab.Interval(name)
			require.True(t, ok, name)
			if iv.Lower <= v && v <= iv.Upper {
				covered[name]++
			}
		}
	}
	for name := range truth {
		t.Logf("coverage of %s: %d/%d", name, covered[name], sims)
		require.GreaterOrEqual(t, float64(covered[name])/sims, level, name)
	}
}

func TestStart(t *testing.T) {
	rng := rand.New(rand.NewSource(31))
	phy := phylogeny(t, rng, 20)
	spec := simulate(t, rng, phy, 0.4, []float64{0.8, 0.6})
	s := DefaultSettings()
	s.Start = []float64{1, 0, 1}
	_, err := Fit(context.Background(), spec, s)
	require.Error(t, err)

	// evaluating at the starting point only
	s.Start = []float64{1, 0.3, 1, 0.7, 0.7}
	s.Optimizer.Method = "none"
	r, err := Fit(context.Background(), spec, s)
	require.NoError(t, err)
	require.InDelta(t, 0.7, r.D[0], 1e-12)
	require.InDelta(t, 0.3/math.Sqrt(1.09), r.Corrs.At(0, 1), 1e-9)
}
