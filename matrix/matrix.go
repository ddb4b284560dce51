// Package matrix implements numerically guarded dense matrix routines
// shared by the estimators: Cholesky factorisation with singularity
// detection, log-determinants, solves and a few constructors.
package matrix

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"

	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/mat"
)

// MinRCond is the smallest tolerated reciprocal condition number of a
// factorised matrix.
const MinRCond = 1e-12

// ErrSingular is matched by every *SingularError with errors.Is.
var ErrSingular = errors.New("singular covariance matrix")

// SingularError reports a matrix which is not positive definite or is
// too close to singular to be factorised reliably.
type SingularError struct {
	// Op is the operation that detected the problem.
	Op string
	// RCond is the reciprocal condition number estimate, 0 if the
	// factorisation failed outright.
	RCond float64
}

func (e *SingularError) Error() string {
	if e.RCond == 0 {
		return fmt.Sprintf("%s: matrix is not positive definite", e.Op)
	}
	return fmt.Sprintf("%s: matrix is near singular (rcond=%g)", e.Op, e.RCond)
}

// Is makes errors.Is(err, ErrSingular) true.
func (e *SingularError) Is(target error) bool {
	return target == ErrSingular
}

// Chol is a checked Cholesky factorisation of a symmetric positive
// definite matrix.
type Chol struct {
	chol  mat.Cholesky
	n     int
	rcond float64
}

// Cholesky factorises a. It returns *SingularError if a is not
// positive definite or its reciprocal condition number is below
// MinRCond.
func Cholesky(a mat.Symmetric) (*Chol, error) {
	c := &Chol{n: a.SymmetricDim()}
	if ok := c.chol.Factorize(a); !ok {
		return nil, &SingularError{Op: "cholesky"}
	}
	cond := c.chol.Cond()
	if math.IsNaN(cond) || math.IsInf(cond, 0) || cond <= 0 {
		return nil, &SingularError{Op: "cholesky"}
	}
	c.rcond = 1 / cond
	if c.rcond < MinRCond {
		return nil, &SingularError{Op: "cholesky", RCond: c.rcond}
	}
	return c, nil
}

// Dim returns the matrix dimension.
func (c *Chol) Dim() int {
	return c.n
}

// RCond returns the reciprocal condition number estimate.
func (c *Chol) RCond() float64 {
	return c.rcond
}

// LogDet returns log(det(A)).
func (c *Chol) LogDet() float64 {
	return c.chol.LogDet()
}

// SolveVec returns A^-1 b.
func (c *Chol) SolveVec(b mat.Vector) (*mat.VecDense, error) {
	x := mat.NewVecDense(c.n, nil)
	if err := c.chol.SolveVecTo(x, b); err != nil {
		return nil, &SingularError{Op: "solve", RCond: c.rcond}
	}
	return x, nil
}

// Solve returns A^-1 B.
func (c *Chol) Solve(b mat.Matrix) (*mat.Dense, error) {
	_, cols := b.Dims()
	x := mat.NewDense(c.n, cols, nil)
	if err := c.chol.SolveTo(x, b); err != nil {
		return nil, &SingularError{Op: "solve", RCond: c.rcond}
	}
	return x, nil
}

// Inverse returns A^-1.
func (c *Chol) Inverse() (*mat.SymDense, error) {
	inv := mat.NewSymDense(c.n, nil)
	if err := c.chol.InverseTo(inv); err != nil {
		return nil, &SingularError{Op: "inverse", RCond: c.rcond}
	}
	return inv, nil
}

// L returns the lower triangular factor, A = L L^T.
func (c *Chol) L() *mat.TriDense {
	l := mat.NewTriDense(c.n, mat.Lower, nil)
	c.chol.LTo(l)
	return l
}

// QuadForm returns x^T A^-1 x.
func (c *Chol) QuadForm(x mat.Vector) (float64, error) {
	s, err := c.SolveVec(x)
	if err != nil {
		return 0, err
	}
	return mat.Dot(x, s), nil
}

// AddScaled adds alpha*a to dst in place. Both matrices must have the
// same dimension.
func AddScaled(dst *mat.SymDense, alpha float64, a *mat.SymDense) {
	if alpha == 0 {
		return
	}
	n := dst.SymmetricDim()
	if a.SymmetricDim() != n {
		panic("matrix: dimension mismatch")
	}
	d := dst.RawSymmetric()
	s := a.RawSymmetric()
	// only the upper triangle is stored
	for i := 0; i < n; i++ {
		blas64.Axpy(alpha,
			blas64.Vector{N: n - i, Data: s.Data[i*s.Stride+i:], Inc: 1},
			blas64.Vector{N: n - i, Data: d.Data[i*d.Stride+i:], Inc: 1})
	}
}

// Identity returns an n by n identity matrix.
func Identity(n int) *mat.SymDense {
	m := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		m.SetSym(i, i, 1)
	}
	return m
}

// Clone returns an independent copy of a.
func Clone(a mat.Symmetric) *mat.SymDense {
	m := mat.NewSymDense(a.SymmetricDim(), nil)
	m.CopySym(a)
	return m
}

// Kronecker returns the Kronecker product of a and b.
func Kronecker(a, b mat.Matrix) *mat.Dense {
	var k mat.Dense
	k.Kronecker(a, b)
	return &k
}

// MinEigen returns the smallest eigenvalue of a symmetric matrix.
func MinEigen(a mat.Symmetric) (float64, error) {
	var es mat.EigenSym
	if ok := es.Factorize(a, false); !ok {
		return math.NaN(), errors.New("eigen decomposition failed")
	}
	vals := es.Values(nil)
	// values are in ascending order
	return vals[0], nil
}

// IsSymmetric checks symmetry of a square matrix with absolute
// tolerance tol.
func IsSymmetric(a mat.Matrix, tol float64) bool {
	r, c := a.Dims()
	if r != c {
		return false
	}
	for i := 0; i < r; i++ {
		for j := i + 1; j < c; j++ {
			if math.Abs(a.At(i, j)-a.At(j, i)) > tol {
				return false
			}
		}
	}
	return true
}

// String formats a matrix for logging, truncated to 10x10.
func String(m mat.Matrix) string {
	var buffer bytes.Buffer
	r, c := m.Dims()
	buffer.WriteString("<Matrix\n")
	for i := 0; i < r; i++ {
		if i == 10 {
			buffer.WriteString("...\n")
			break
		}
		buffer.WriteString("  ")
		for j := 0; j < c; j++ {
			if j == 10 {
				buffer.WriteString("...")
				break
			}
			buffer.WriteString(strconv.FormatFloat(m.At(i, j), 'E', 3, 64))
			if j < c-1 {
				buffer.WriteByte('\t')
			}
		}
		buffer.WriteByte('\n')
	}
	buffer.WriteByte('>')
	return buffer.String()
}
