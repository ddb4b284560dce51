package corphylo

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/phyrgo/phyr/covar"
	"github.com/phyrgo/phyr/matrix"
	"github.com/phyrgo/phyr/optimize"
)

// dStart is the starting phylogenetic signal of every trait.
const dStart = 0.5

// fitter holds the standardized data of a fit. Traits are stacked:
// row i*n+k is trait i of species k.
type fitter struct {
	n, p int
	reml bool
	dMin float64
	// v is the phylogenetic covariance scaled to a unit maximum.
	v *covar.Matrix
	// vScale is the applied scaling factor.
	vScale float64
	x      *mat.VecDense
	means  []float64
	sds    []float64
	// me2 are the squared standardized measurement errors.
	me2 []float64
	// uu is the block diagonal covariate design.
	uu *mat.Dense
	// coefTrait and coefNames describe the columns of uu.
	coefTrait []int
	coefNames []string
	// q is the number of columns of uu for every trait.
	q        []int
	logDetUU float64
	work     *mat.Dense
}

func newFitter(spec *Spec, phy *covar.Matrix, s *Settings) (*fitter, error) {
	v, scale, err := covar.Standardize(phy)
	if err != nil {
		return nil, err
	}
	n, p := spec.X.Dims()
	f := &fitter{
		n:      n,
		p:      p,
		reml:   s.REML,
		dMin:   s.DMin,
		v:      v,
		vScale: scale,
		x:      mat.NewVecDense(n*p, nil),
		means:  make([]float64, p),
		sds:    make([]float64, p),
		me2:    make([]float64, n*p),
		q:      make([]int, p),
		work:   mat.NewDense(n*p, n*p, nil),
	}
	col := make([]float64, n)
	for i := 0; i < p; i++ {
		mat.Col(col, i, spec.X)
		f.means[i], f.sds[i] = stat.MeanStdDev(col, nil)
		if !(f.sds[i] > 0) {
			return nil, fmt.Errorf("trait %s has no variance", spec.traitName(i))
		}
		for k, x := range col {
			f.x.SetVec(i*n+k, (x-f.means[i])/f.sds[i])
		}
		if spec.ME != nil && spec.ME[i] != nil {
			for k, se := range spec.ME[i] {
				f.me2[i*n+k] = se * se / (f.sds[i] * f.sds[i])
			}
		}
	}

	cols := 0
	for i := 0; i < p; i++ {
		f.q[i] = 1
		if spec.Covariates != nil {
			f.q[i] += len(spec.Covariates[i])
		}
		cols += f.q[i]
	}
	f.uu = mat.NewDense(n*p, cols, nil)
	c := 0
	for i := 0; i < p; i++ {
		for k := 0; k < n; k++ {
			f.uu.Set(i*n+k, c, 1)
		}
		f.coefTrait = append(f.coefTrait, i)
		f.coefNames = append(f.coefNames, "(Intercept)")
		c++
		if spec.Covariates == nil {
			continue
		}
		for j, u := range spec.Covariates[i] {
			for k := 0; k < n; k++ {
				f.uu.Set(i*n+k, c, u[k])
			}
			f.coefTrait = append(f.coefTrait, i)
			f.coefNames = append(f.coefNames, spec.covariateName(i, j))
			c++
		}
	}
	var uu mat.SymDense
	uu.SymOuterK(1, f.uu.T())
	chol, err := matrix.Cholesky(&uu)
	if err != nil {
		log.Errorf("Covariates are collinear")
		return nil, err
	}
	f.logDetUU = chol.LogDet()
	return f, nil
}

// nL is the number of Cholesky factor parameters.
func (f *fitter) nL() int {
	return f.p * (f.p + 1) / 2
}

// nParams is the number of optimized parameters.
func (f *fitter) nParams() int {
	return f.nL() + f.p
}

// unpack converts parameters to the trait covariance R = L'L with an
// upper triangular L and to the OU rates.
func (f *fitter) unpack(par []float64) (*mat.SymDense, []float64) {
	l := mat.NewTriDense(f.p, mat.Upper, nil)
	c := 0
	for i := 0; i < f.p; i++ {
		for j := i; j < f.p; j++ {
			l.SetTri(i, j, par[c])
			c++
		}
	}
	r := mat.NewSymDense(f.p, nil)
	r.SymOuterK(1, l.T())
	alpha := make([]float64, f.p)
	for i := range alpha {
		alpha[i] = -math.Log(par[c+i])
	}
	return r, alpha
}

// covariance builds the joint covariance of the stacked traits.
func (f *fitter) covariance(r mat.Symmetric, alpha []float64) *mat.SymDense {
	n := f.n
	for i := 0; i < f.p; i++ {
		for j := i; j < f.p; j++ {
			block := f.work.Slice(i*n, (i+1)*n, j*n, (j+1)*n).(*mat.Dense)
			covar.OUCrossTo(block, f.v, alpha[i], alpha[j])
			block.Scale(r.At(i, j), block)
		}
	}
	// the upper triangle of work is complete
	v := mat.NewSymDense(n*f.p, f.work.RawMatrix().Data)
	for k, e := range f.me2 {
		if e != 0 {
			v.SetSym(k, k, v.At(k, k)+e)
		}
	}
	return v
}

// evaluation is the profiled likelihood at a parameter point.
type evaluation struct {
	// ll is minus the log-likelihood up to constants.
	ll    float64
	v     *mat.SymDense
	chol  *matrix.Chol
	b     *mat.VecDense
	bCov  *mat.SymDense
	r     *mat.SymDense
	alpha []float64
}

// evaluate profiles the coefficients by GLS and returns the
// likelihood terms.
func (f *fitter) evaluate(par []float64) (*evaluation, error) {
	r, alpha := f.unpack(par)
	v := f.covariance(r, alpha)
	chol, err := matrix.Cholesky(v)
	if err != nil {
		return nil, err
	}
	vu, err := chol.Solve(f.uu)
	if err != nil {
		return nil, err
	}
	vx, err := chol.SolveVec(f.x)
	if err != nil {
		return nil, err
	}
	var dd mat.Dense
	dd.Mul(f.uu.T(), vu)
	q, _ := dd.Dims()
	denom := mat.NewSymDense(q, nil)
	for i := 0; i < q; i++ {
		for j := i; j < q; j++ {
			denom.SetSym(i, j, (dd.At(i, j)+dd.At(j, i))/2)
		}
	}
	dchol, err := matrix.Cholesky(denom)
	if err != nil {
		return nil, err
	}
	var num mat.VecDense
	num.MulVec(f.uu.T(), vx)
	b, err := dchol.SolveVec(&num)
	if err != nil {
		return nil, err
	}
	// H = X - UB, quad = H'V^-1H
	var ub, h, vub, vh mat.VecDense
	ub.MulVec(f.uu, b)
	h.SubVec(f.x, &ub)
	vub.MulVec(vu, b)
	vh.SubVec(vx, &vub)
	ll := 0.5 * (chol.LogDet() + mat.Dot(&h, &vh))
	if f.reml {
		ll += 0.5 * dchol.LogDet()
	}
	bCov, err := dchol.Inverse()
	if err != nil {
		return nil, err
	}
	return &evaluation{
		ll:    ll,
		v:     v,
		chol:  chol,
		b:     b,
		bCov:  bCov,
		r:     r,
		alpha: alpha,
	}, nil
}

// objective is minus the log-likelihood; infeasible points are +Inf.
func (f *fitter) objective(par []float64) float64 {
	e, err := f.evaluate(par)
	if err != nil {
		return math.Inf(+1)
	}
	return e.ll
}

// bounds leaves the factor free and keeps d in [DMin, 1].
func (f *fitter) bounds() []optimize.Bound {
	b := optimize.Unbounded(f.nParams())
	for i := f.nL(); i < len(b); i++ {
		b[i] = optimize.Bound{Min: f.dMin, Max: 1}
	}
	return b
}

// start returns starting parameters: the trait correlation scaled to
// the OU variance at the starting signal, and d = dStart.
func (f *fitter) start() []float64 {
	par := make([]float64, f.nParams())
	a := -math.Log(dStart)
	var ouVar float64
	for k := 0; k < f.n; k++ {
		vkk := f.v.At(k, k)
		ouVar += -math.Expm1(-2*a*vkk) / (2 * a)
	}
	ouVar /= float64(f.n)

	x := mat.NewDense(f.n, f.p, nil)
	for i := 0; i < f.p; i++ {
		for k := 0; k < f.n; k++ {
			x.Set(k, i, f.x.AtVec(i*f.n+k))
		}
	}
	corr := mat.NewSymDense(f.p, nil)
	stat.CorrelationMatrix(corr, x, nil)
	corr.ScaleSym(1/ouVar, corr)

	l := mat.NewTriDense(f.p, mat.Lower, nil)
	if chol, err := matrix.Cholesky(corr); err == nil {
		l = chol.L()
	} else {
		log.Debugf("Starting from independent traits: %v", err)
		for i := 0; i < f.p; i++ {
			l.SetTri(i, i, 1/math.Sqrt(ouVar))
		}
	}
	c := 0
	for i := 0; i < f.p; i++ {
		for j := i; j < f.p; j++ {
			// upper factor is the transposed lower one
			par[c] = l.At(j, i)
			c++
		}
	}
	for i := 0; i < f.p; i++ {
		par[c+i] = dStart
	}
	return par
}
