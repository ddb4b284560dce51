package pglmm

import (
	"bytes"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/phyrgo/phyr/dist"
	"github.com/phyrgo/phyr/terms"
)

// Coefficient is a fixed effect estimate with its Wald test.
type Coefficient struct {
	Name     string  `json:"name"`
	Estimate float64 `json:"estimate"`
	SE       float64 `json:"se"`
	Z        float64 `json:"z"`
	P        float64 `json:"p"`
}

// Variance is a random effect variance. LR and P are NaN unless the
// term was tested.
type Variance struct {
	Term     string     `json:"term"`
	Kind     terms.Kind `json:"-"`
	Variance float64    `json:"variance"`
	SD       float64    `json:"sd"`
	LR       float64    `json:"lr"`
	P        float64    `json:"p"`
}

// FitResult is the outcome of a fit. It is created once per fit and
// must be treated as read-only.
type FitResult struct {
	Family Family `json:"-"`
	REML   bool   `json:"reml"`
	// Quasi is true for penalized quasi-likelihood fits, LogLik is
	// then the quasi-likelihood of the working response.
	Quasi bool `json:"quasi"`
	N     int  `json:"n"`

	Coefficients []Coefficient `json:"coefficients"`
	// CoefCov is the asymptotic covariance of the coefficients.
	CoefCov   *mat.SymDense `json:"-"`
	Variances []Variance    `json:"variances"`
	// ResidualVariance is NaN for non-Gaussian families.
	ResidualVariance float64 `json:"residual_variance"`
	// ZeroInflation is the structural zero probability, NaN for
	// families without zero inflation.
	ZeroInflation float64 `json:"zero_inflation"`

	// Modes are the conditional modes of every random term at
	// observation level.
	Modes [][]float64 `json:"-"`
	// Fitted is the linear predictor including the modes.
	Fitted []float64 `json:"-"`

	LogLik  float64 `json:"loglik"`
	AIC     float64 `json:"aic"`
	BIC     float64 `json:"bic"`
	NParams int     `json:"nparams"`

	Converged  bool   `json:"converged"`
	Iterations int    `json:"iterations"`
	Warning    string `json:"warning,omitempty"`
}

// coefficients builds Wald tests from estimates and their covariance.
func coefficients(names []string, beta *mat.VecDense, cov *mat.SymDense) []Coefficient {
	c := make([]Coefficient, len(names))
	for i, name := range names {
		se := math.Sqrt(cov.At(i, i))
		z := beta.AtVec(i) / se
		c[i] = Coefficient{
			Name:     name,
			Estimate: beta.AtVec(i),
			SE:       se,
			Z:        z,
			P:        dist.WaldPValue(z),
		}
	}
	return c
}

// setCriteria computes AIC and BIC. REML fits use n-p observations.
func (r *FitResult) setCriteria(p int) {
	nEff := float64(r.N)
	if r.REML {
		nEff = float64(r.N - p)
	}
	k := float64(r.NParams)
	r.AIC = -2*r.LogLik + 2*k
	r.BIC = -2*r.LogLik + k*math.Log(nEff)
}

// Coefficient returns the coefficient with the given name.
func (r *FitResult) Coefficient(name string) (Coefficient, bool) {
	for _, c := range r.Coefficients {
		if c.Name == name {
			return c, true
		}
	}
	return Coefficient{}, false
}

// Variance returns the variance of the named term.
func (r *FitResult) Variance(term string) (Variance, bool) {
	for _, v := range r.Variances {
		if v.Term == term {
			return v, true
		}
	}
	return Variance{}, false
}

// String returns a printable summary.
func (r *FitResult) String() string {
	var b bytes.Buffer
	method := "ML"
	if r.REML {
		method = "REML"
	}
	if r.Quasi {
		method = "quasi " + method
	}
	fmt.Fprintf(&b, "%s PGLMM fit by %s, n=%d\n", r.Family, method, r.N)
	fmt.Fprintf(&b, "logLik=%.4f AIC=%.4f BIC=%.4f\n", r.LogLik, r.AIC, r.BIC)
	fmt.Fprintf(&b, "Random effects:\n")
	for _, v := range r.Variances {
		fmt.Fprintf(&b, "  %-20s %12.6g %12.6g", v.Term, v.Variance, v.SD)
		if !math.IsNaN(v.P) {
			fmt.Fprintf(&b, "  p=%.4g", v.P)
		}
		b.WriteByte('\n')
	}
	if !math.IsNaN(r.ResidualVariance) {
		fmt.Fprintf(&b, "  %-20s %12.6g %12.6g\n", "residual", r.ResidualVariance, math.Sqrt(r.ResidualVariance))
	}
	if !math.IsNaN(r.ZeroInflation) {
		fmt.Fprintf(&b, "Zero inflation: %.6g\n", r.ZeroInflation)
	}
	fmt.Fprintf(&b, "Fixed effects:\n")
	for _, c := range r.Coefficients {
		fmt.Fprintf(&b, "  %-20s %12.6g %12.6g %8.3f %10.4g\n", c.Name, c.Estimate, c.SE, c.Z, c.P)
	}
	if !r.Converged {
		fmt.Fprintf(&b, "Warning: %s\n", r.Warning)
	}
	return b.String()
}
