package pglmm

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/phyrgo/phyr/matrix"
)

// glsFit is a generalized least squares fit for a given covariance V.
type glsFit struct {
	n, p int
	// logDetV is log|V|.
	logDetV float64
	// logDetXVX is log|X'V^-1X|.
	logDetXVX float64
	// quad is r'V^-1r for the GLS residuals r.
	quad float64
	beta *mat.VecDense
	// xvxInv is (X'V^-1X)^-1.
	xvxInv *mat.SymDense
	// vinvR is V^-1r.
	vinvR *mat.VecDense
}

// model holds the data shared by all the likelihood evaluations of a
// fit.
type model struct {
	x *mat.Dense
	// s are the structure matrices of the random terms.
	s []*mat.SymDense
	// meanDiag is the mean diagonal of every structure.
	meanDiag  []float64
	logDetXX  float64
	n, p      int
	v         *mat.SymDense
	reml      bool
	names     []string
	termNames []string
}

func newModel(spec *ModelSpec) (*model, error) {
	x, names := spec.design()
	n, p := x.Dims()
	var xx mat.SymDense
	xx.SymOuterK(1, x.T())
	chol, err := matrix.Cholesky(&xx)
	if err != nil {
		log.Errorf("Fixed effect design is rank deficient")
		return nil, err
	}
	m := &model{
		x:         x,
		s:         spec.Random.Structures(),
		logDetXX:  chol.LogDet(),
		n:         n,
		p:         p,
		v:         mat.NewSymDense(n, nil),
		reml:      spec.REML,
		names:     names,
		termNames: spec.Random.Names(),
	}
	m.meanDiag = make([]float64, len(m.s))
	for k, s := range m.s {
		for i := 0; i < n; i++ {
			m.meanDiag[k] += s.At(i, i)
		}
		m.meanDiag[k] /= float64(n)
	}
	return m, nil
}

// covariance fills the model work matrix with
// diag(base) + sum sd_k^2 S_k. A nil base is the identity.
func (m *model) covariance(base []float64, sd []float64) *mat.SymDense {
	v := m.v
	v.Zero()
	for i := 0; i < m.n; i++ {
		if base == nil {
			v.SetSym(i, i, 1)
		} else {
			v.SetSym(i, i, base[i])
		}
	}
	for k, s := range m.s {
		matrix.AddScaled(v, sd[k]*sd[k], s)
	}
	return v
}

// gls fits y by generalized least squares with covariance v.
func (m *model) gls(v mat.Symmetric, y mat.Vector) (*glsFit, error) {
	chol, err := matrix.Cholesky(v)
	if err != nil {
		return nil, err
	}
	vx, err := chol.Solve(m.x)
	if err != nil {
		return nil, err
	}
	vy, err := chol.SolveVec(y)
	if err != nil {
		return nil, err
	}
	var xvxd mat.Dense
	xvxd.Mul(m.x.T(), vx)
	xvx := mat.NewSymDense(m.p, nil)
	for i := 0; i < m.p; i++ {
		for j := i; j < m.p; j++ {
			xvx.SetSym(i, j, (xvxd.At(i, j)+xvxd.At(j, i))/2)
		}
	}
	xcol, err := matrix.Cholesky(xvx)
	if err != nil {
		return nil, err
	}
	var xvy mat.VecDense
	xvy.MulVec(m.x.T(), vy)
	beta, err := xcol.SolveVec(&xvy)
	if err != nil {
		return nil, err
	}
	// V^-1 r = V^-1 y - V^-1 X beta
	var vxb, xb, r mat.VecDense
	vxb.MulVec(vx, beta)
	vr := mat.NewVecDense(m.n, nil)
	vr.SubVec(vy, &vxb)
	xb.MulVec(m.x, beta)
	r.SubVec(y, &xb)
	inv, err := xcol.Inverse()
	if err != nil {
		return nil, err
	}
	return &glsFit{
		n:         m.n,
		p:         m.p,
		logDetV:   chol.LogDet(),
		logDetXVX: xcol.LogDet(),
		quad:      mat.Dot(&r, vr),
		beta:      beta,
		xvxInv:    inv,
		vinvR:     vr,
	}, nil
}

// profileLogLik is the Gaussian log-likelihood with the residual
// variance profiled out; V is the covariance relative to it. It
// returns the likelihood and the residual variance estimate.
func (m *model) profileLogLik(g *glsFit) (float64, float64) {
	n, p := float64(m.n), float64(m.p)
	if m.reml {
		s2 := g.quad / (n - p)
		return -0.5 * ((n-p)*math.Log(2*math.Pi) + (n-p)*math.Log(s2) + g.logDetV +
			g.logDetXVX - m.logDetXX + (n - p)), s2
	}
	s2 := g.quad / n
	return -0.5 * (n*math.Log(2*math.Pi) + n*math.Log(s2) + g.logDetV + n), s2
}

// fixedLogLik is the Gaussian log-likelihood with a known covariance
// V (unit dispersion).
func (m *model) fixedLogLik(g *glsFit) float64 {
	n, p := float64(m.n), float64(m.p)
	if m.reml {
		return -0.5 * ((n-p)*math.Log(2*math.Pi) + g.logDetV + g.logDetXVX - m.logDetXX + g.quad)
	}
	return -0.5 * (n*math.Log(2*math.Pi) + g.logDetV + g.quad)
}

// modes returns the conditional modes sd_k^2 S_k V^-1 r of every term.
func (m *model) modes(sd []float64, vinvR *mat.VecDense) [][]float64 {
	modes := make([][]float64, len(m.s))
	for k, s := range m.s {
		b := mat.NewVecDense(m.n, nil)
		if sd[k] != 0 {
			b.MulVec(s, vinvR)
			b.ScaleVec(sd[k]*sd[k], b)
		}
		modes[k] = b.RawVector().Data
	}
	return modes
}

// linearPredictor returns X beta + sum of the modes.
func (m *model) linearPredictor(beta *mat.VecDense, modes [][]float64) []float64 {
	var eta mat.VecDense
	eta.MulVec(m.x, beta)
	res := make([]float64, m.n)
	for i := range res {
		res[i] = eta.AtVec(i)
		for _, b := range modes {
			res[i] += b[i]
		}
	}
	return res
}

// startSD returns starting standard deviations such that each term
// contributes frac of the unit base variance on average.
func (m *model) startSD(frac float64) []float64 {
	sd := make([]float64, len(m.s))
	for k, d := range m.meanDiag {
		if d > 0 {
			sd[k] = math.Sqrt(frac / d)
		}
	}
	return sd
}
