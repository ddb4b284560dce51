package corphylo

import (
	"context"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/phyrgo/phyr/bootstrap"
	"github.com/phyrgo/phyr/matrix"
)

// Bootstrap starts a parametric bootstrap of a fit. Every replicate
// simulates traits from the fitted model and refits it with the same
// species, covariates and measurement errors.
func Bootstrap(ctx context.Context, fit *FitResult, nReps int, s *bootstrap.Settings) (*bootstrap.Sequence, error) {
	if nReps <= 0 {
		return nil, bootstrap.ErrNoReplicates
	}
	chol, err := matrix.Cholesky(fit.v)
	if err != nil {
		return nil, err
	}
	l := chol.L()
	var mean mat.VecDense
	mean.MulVec(fit.f.uu, fit.b)

	return bootstrap.Run(ctx, nReps, s, func(ctx context.Context, index int, rng *rand.Rand) ([]float64, bool, error) {
		rep, err := Fit(ctx, fit.simulate(l, &mean, rng), fit.settings)
		if err != nil {
			return nil, false, err
		}
		return rep.Estimates(), rep.Converged, nil
	})
}

// simulate draws a data set from the fitted model. l is the Cholesky
// factor of the standardized covariance and mean the fitted mean.
func (r *FitResult) simulate(l *mat.TriDense, mean *mat.VecDense, rng *rand.Rand) *Spec {
	f := r.f
	np := f.n * f.p
	eps := mat.NewVecDense(np, nil)
	for i := 0; i < np; i++ {
		eps.SetVec(i, rng.NormFloat64())
	}
	var x mat.VecDense
	x.MulVec(l, eps)
	x.AddVec(&x, mean)

	data := mat.NewDense(f.n, f.p, nil)
	for i := 0; i < f.p; i++ {
		for k := 0; k < f.n; k++ {
			data.Set(k, i, f.means[i]+f.sds[i]*x.AtVec(i*f.n+k))
		}
	}
	spec := *r.spec
	spec.X = data
	return &spec
}

// Intervals consumes a bootstrap sequence of the fit and returns
// quantile intervals of the correlations, the signals and the
// coefficients.
func (r *FitResult) Intervals(seq *bootstrap.Sequence, level float64) (*bootstrap.Table, error) {
	return bootstrap.Intervals(seq, r.EstimateNames(), r.Estimates(), level)
}
