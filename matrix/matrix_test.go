package matrix

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestCholeskyLogDetAndSolve(t *testing.T) {
	a := mat.NewSymDense(3, []float64{
		4, 2, 0.6,
		2, 2, 0.5,
		0.6, 0.5, 3,
	})
	c, err := Cholesky(a)
	require.NoError(t, err)
	require.InDelta(t, math.Log(mat.Det(a)), c.LogDet(), 1e-10)

	b := mat.NewVecDense(3, []float64{1, 2, 3})
	x, err := c.SolveVec(b)
	require.NoError(t, err)
	var back mat.VecDense
	back.MulVec(a, x)
	for i := 0; i < 3; i++ {
		require.InDelta(t, b.AtVec(i), back.AtVec(i), 1e-10)
	}

	q, err := c.QuadForm(b)
	require.NoError(t, err)
	require.InDelta(t, mat.Dot(b, x), q, 1e-12)
}

func TestCholeskySingular(t *testing.T) {
	a := mat.NewSymDense(2, []float64{
		1, 1,
		1, 1,
	})
	_, err := Cholesky(a)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrSingular))

	var se *SingularError
	require.True(t, errors.As(err, &se))
}

func TestCholeskyNearSingular(t *testing.T) {
	a := mat.NewSymDense(2, []float64{
		1, 1,
		1, 1 + 1e-15,
	})
	_, err := Cholesky(a)
	require.ErrorIs(t, err, ErrSingular)
}

func TestAddScaled(t *testing.T) {
	dst := Identity(3)
	a := mat.NewSymDense(3, []float64{
		1, 2, 3,
		2, 4, 5,
		3, 5, 6,
	})
	AddScaled(dst, 2, a)
	require.Equal(t, 3.0, dst.At(0, 0))
	require.Equal(t, 4.0, dst.At(0, 1))
	require.Equal(t, 4.0, dst.At(1, 0))
	require.Equal(t, 10.0, dst.At(1, 2))
	require.Equal(t, 13.0, dst.At(2, 2))

	// zero weight is a no-op
	before := Clone(dst)
	AddScaled(dst, 0, a)
	require.True(t, mat.Equal(before, dst))
}

func TestMinEigen(t *testing.T) {
	a := mat.NewSymDense(2, []float64{
		2, 1,
		1, 2,
	})
	v, err := MinEigen(a)
	require.NoError(t, err)
	require.InDelta(t, 1.0, v, 1e-12)
}

func TestKronecker(t *testing.T) {
	a := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	k := Kronecker(a, mat.NewDense(2, 2, []float64{0, 1, 1, 0}))
	r, c := k.Dims()
	require.Equal(t, 4, r)
	require.Equal(t, 4, c)
	require.Equal(t, 2.0, k.At(0, 3))
	require.Equal(t, 4.0, k.At(3, 2))
}
