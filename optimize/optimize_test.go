package optimize

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func quadratic(x []float64) float64 {
	return (x[0]-1)*(x[0]-1) + 10*(x[1]+2)*(x[1]+2)
}

func rosenbrock(x []float64) float64 {
	a := 1 - x[0]
	b := x[1] - x[0]*x[0]
	return a*a + 100*b*b
}

var methods = []string{Simplex, LBFGSB, BFGS}

func TestMinimizeQuadratic(t *testing.T) {
	for _, m := range methods {
		s := DefaultSettings()
		s.Method = m
		r, err := Minimize(context.Background(), quadratic, []float64{3, 3}, nil, s)
		require.NoError(t, err, m)
		require.True(t, r.Converged, m)
		require.InDelta(t, 1, r.X[0], 1e-3, m)
		require.InDelta(t, -2, r.X[1], 1e-3, m)
		require.InDelta(t, 0, r.F, 1e-6, m)
	}
}

func TestMinimizeRosenbrock(t *testing.T) {
	s := DefaultSettings()
	s.Iterations = 5000
	r, err := Minimize(context.Background(), rosenbrock, []float64{-1.2, 1}, nil, s)
	require.NoError(t, err)
	require.InDelta(t, 1, r.X[0], 1e-3)
	require.InDelta(t, 1, r.X[1], 1e-3)
}

func TestMinimizeActiveBound(t *testing.T) {
	bounds := []Bound{{0, 10}, {-1, 5}}
	for _, m := range methods {
		s := DefaultSettings()
		s.Method = m
		r, err := Minimize(context.Background(), quadratic, []float64{5, 2}, bounds, s)
		require.NoError(t, err, m)
		require.InDelta(t, 1, r.X[0], 1e-3, m)
		// unconstrained optimum is outside, solution sits on the bound
		require.InDelta(t, -1, r.X[1], 1e-3, m)
		for i, b := range bounds {
			require.True(t, b.Contains(r.X[i]), m)
		}
	}
}

func TestInfeasibleRegion(t *testing.T) {
	f := func(x []float64) float64 {
		if x[0] < 0.5 {
			return math.Inf(+1)
		}
		return x[0] * x[0]
	}
	r, err := Minimize(context.Background(), f, []float64{2}, []Bound{{0, 4}}, nil)
	require.NoError(t, err)
	require.InDelta(t, 0.5, r.X[0], 1e-3)

	_, err = Minimize(context.Background(), f, []float64{0.1}, []Bound{{0, 4}}, nil)
	require.Error(t, err)
}

func TestCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	f := func(x []float64) float64 {
		calls++
		if calls == 50 {
			cancel()
		}
		return rosenbrock(x)
	}
	r, err := Minimize(ctx, f, []float64{-1.2, 1}, nil, nil)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, r)
	require.False(t, r.Converged)
	require.Len(t, r.X, 2)
	require.LessOrEqual(t, r.F, rosenbrock([]float64{-1.2, 1}))
}

func TestNoneAndUnknown(t *testing.T) {
	s := DefaultSettings()
	s.Method = None
	r, err := Minimize(context.Background(), quadratic, []float64{1, 0}, nil, s)
	require.NoError(t, err)
	require.Equal(t, 40.0, r.F)
	require.Equal(t, 1, r.Evaluations)

	s.Method = "annealing"
	_, err = Minimize(context.Background(), quadratic, []float64{1, 0}, nil, s)
	require.Error(t, err)
}

func TestTransform(t *testing.T) {
	for _, b := range []Bound{{0, 1}, {2, math.Inf(1)}, {math.Inf(-1), -3}, {math.Inf(-1), math.Inf(1)}} {
		for _, u := range []float64{-3, 0, 0.5, 4} {
			x := toBounded(b, u)
			require.True(t, b.Contains(x))
			require.InDelta(t, u, fromBounded(b, x), 1e-8)
		}
	}
}

func TestReadFloats(t *testing.T) {
	f, err := ReadFloats("0.1 2  -3e-2\n4")
	require.NoError(t, err)
	require.Equal(t, []float64{0.1, 2, -0.03, 4}, f)
	f, err = ReadFloats("1,2, 3")
	require.NoError(t, err)
	require.Equal(t, []float64{1, 2, 3}, f)
	_, err = ReadFloats("1 x")
	require.Error(t, err)
}

func TestLBFGSBGradient(t *testing.T) {
	l := NewLBFGSB()
	l.init(&Problem{
		F: func(x []float64) float64 {
			return (x[0]-0.3)*(x[0]-0.3) + 3*x[1] + x[2]
		},
		Bounds: []Bound{{0, 1}, {0, 2}, {1, 1}},
	})
	// central inside, forward at the lower and backward at the upper bound
	for _, x := range [][]float64{{0.5, 0, 1}, {0.5, 2, 1}, {0.5, 1, 1}} {
		g := l.EvaluateGradient(x)
		require.InDelta(t, 0.4, g[0], 1e-5)
		require.InDelta(t, 3, g[1], 1e-5)
		require.Equal(t, 0.0, g[2])
	}
}
