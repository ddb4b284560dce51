// Package corphylo estimates the correlation among traits measured on
// the same species together with the phylogenetic signal of every
// trait, under a multivariate Ornstein-Uhlenbeck model with optional
// covariates and measurement error.
package corphylo

import (
	"fmt"
	"math"

	"github.com/op/go-logging"
	"gonum.org/v1/gonum/mat"

	"github.com/phyrgo/phyr/covar"
	"github.com/phyrgo/phyr/optimize"
)

var log = logging.MustGetLogger("corphylo")

// Spec holds the traits and the phylogeny.
type Spec struct {
	// Species labels the rows of X.
	Species []string
	// Traits names the columns of X.
	Traits []string
	// X is the species by trait matrix.
	X *mat.Dense
	// Phy is the phylogenetic covariance; it must contain exactly the
	// species of X in any order.
	Phy *covar.Matrix
	// Covariates[i] are the covariate columns of trait i, each
	// ordered as Species. Nil for intercept only models.
	Covariates [][][]float64
	// CovariateNames[i] names Covariates[i], optional.
	CovariateNames [][]string
	// ME[i] are the measurement error standard errors of trait i,
	// ordered as Species. Nil for no measurement error.
	ME [][]float64
}

// Settings controls the fit.
type Settings struct {
	// REML selects restricted maximum likelihood.
	REML bool
	// DMin is the lower bound of the phylogenetic signal d = exp(-alpha).
	DMin float64
	// Optimizer is used for the correlation and signal parameters.
	Optimizer *optimize.Settings
	// Start overrides the starting parameters: the upper Cholesky
	// factor of R by rows followed by d of every trait.
	Start []float64
}

// DefaultSettings returns REML settings with the downhill simplex.
func DefaultSettings() *Settings {
	o := optimize.DefaultSettings()
	o.Iterations = 10000
	return &Settings{
		REML:      true,
		DMin:      1e-4,
		Optimizer: o,
	}
}

func (s *Spec) nTraits() int {
	_, p := s.X.Dims()
	return p
}

func (s *Spec) traitName(i int) string {
	if i < len(s.Traits) && s.Traits[i] != "" {
		return s.Traits[i]
	}
	return fmt.Sprintf("trait%d", i+1)
}

func (s *Spec) covariateName(i, j int) string {
	if i < len(s.CovariateNames) && j < len(s.CovariateNames[i]) {
		return s.CovariateNames[i][j]
	}
	return fmt.Sprintf("cov%d", j+1)
}

// validate checks dimensions and resolves the species against the
// phylogeny.
func (s *Spec) validate() (*covar.Matrix, error) {
	const op = "cor-phylo data"
	if s.X == nil || s.Phy == nil {
		return nil, fmt.Errorf("%s: traits and phylogeny are required", op)
	}
	n, p := s.X.Dims()
	if p < 2 {
		return nil, fmt.Errorf("%s: at least two traits are required, got %d", op, p)
	}
	if len(s.Species) != n {
		return nil, &covar.ConstructionError{Op: op, Reason: fmt.Sprintf("%d species names for %d rows", len(s.Species), n)}
	}
	seen := make(map[string]bool, n)
	var dup, missing []string
	for _, sp := range s.Species {
		if seen[sp] {
			dup = append(dup, sp)
		}
		seen[sp] = true
		if _, ok := s.Phy.Index(sp); !ok {
			missing = append(missing, sp)
		}
	}
	if len(dup) > 0 {
		return nil, &covar.ConstructionError{Op: op, Reason: "duplicate species", Names: dup}
	}
	if len(missing) > 0 {
		return nil, &covar.ConstructionError{Op: op, Reason: "species not in the phylogeny", Names: missing}
	}
	if s.Phy.Dim() != n {
		var extra []string
		for _, l := range s.Phy.Labels() {
			if !seen[l] {
				extra = append(extra, l)
			}
		}
		return nil, &covar.ConstructionError{Op: op, Reason: "phylogeny species without traits", Names: extra}
	}
	for i := 0; i < n; i++ {
		for j := 0; j < p; j++ {
			if v := s.X.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%s: trait %s of %s is not finite", op, s.traitName(j), s.Species[i])
			}
		}
	}
	if s.Covariates != nil && len(s.Covariates) != p {
		return nil, fmt.Errorf("%s: covariates for %d traits, expected %d", op, len(s.Covariates), p)
	}
	for i, covs := range s.Covariates {
		for j, c := range covs {
			if len(c) != n {
				return nil, fmt.Errorf("%s: covariate %s of %s has %d values for %d species",
					op, s.covariateName(i, j), s.traitName(i), len(c), n)
			}
		}
		if len(covs)+1 >= n {
			return nil, fmt.Errorf("%s: too many covariates for %s", op, s.traitName(i))
		}
	}
	if s.ME != nil && len(s.ME) != p {
		return nil, fmt.Errorf("%s: measurement errors for %d traits, expected %d", op, len(s.ME), p)
	}
	for i, me := range s.ME {
		if me == nil {
			continue
		}
		if len(me) != n {
			return nil, fmt.Errorf("%s: %d measurement errors of %s for %d species", op, len(me), s.traitName(i), n)
		}
		for _, v := range me {
			if v < 0 || math.IsNaN(v) {
				return nil, fmt.Errorf("%s: invalid measurement error %g of %s", op, v, s.traitName(i))
			}
		}
	}
	// rows of the covariance follow the species order
	return covar.Subset(s.Phy, s.Species)
}
