package optimize

import (
	"context"
	"fmt"
	"math"

	lbfgsb "github.com/idavydov/go-lbfgsb"
	"gonum.org/v1/gonum/diff/fd"
)

// LBFGSBOptimizer wraps the bound constrained limited memory BFGS with finite
// difference gradients.
type LBFGSBOptimizer struct {
	BaseOptimizer
	ctx   context.Context
	dH    float64
	grad  []float64
	tmp   []float64
	maxIt int
	stop  bool
}

// NewLBFGSB creates an L-BFGS-B optimizer.
func NewLBFGSB() (l *LBFGSBOptimizer) {
	l = &LBFGSBOptimizer{dH: 1e-6}
	l.repPeriod = 10
	l.ftol = 1e-9
	return
}

// Logger receives iteration information from the optimizer.
func (l *LBFGSBOptimizer) Logger(info *lbfgsb.OptimizationIterationInformation) {
	l.i = info.Iteration
	l.PrintLine(info.X, info.F)
	if l.i >= l.maxIt || l.ctx.Err() != nil {
		l.stop = true
	}
}

// EvaluateFunction returns the objective, infinite values are
// replaced by Penalty.
func (l *LBFGSBOptimizer) EvaluateFunction(x []float64) float64 {
	if l.stop {
		return l.minF
	}
	f := l.evaluate(x)
	if math.IsInf(f, 0) {
		return Penalty
	}
	return f
}

// EvaluateGradient uses central differences, falling back to one sided
// differences next to a bound.
func (l *LBFGSBOptimizer) EvaluateGradient(x []float64) []float64 {
	if l.grad == nil {
		l.grad = make([]float64, len(x))
		l.tmp = make([]float64, len(x))
	}
	grad := l.grad
	if l.stop {
		for i := range grad {
			grad[i] = 0
		}
		return grad
	}
	copy(l.tmp, x)
	f0 := l.EvaluateFunction(x)
	for i := range x {
		settings := l.derivativeSettings(i, x[i], f0)
		if settings == nil {
			grad[i] = 0
			continue
		}
		grad[i] = fd.Derivative(func(v float64) float64 {
			l.tmp[i] = v
			return l.EvaluateFunction(l.tmp)
		}, x[i], settings)
		l.tmp[i] = x[i]
	}
	return grad
}

// derivativeSettings chooses the difference formula of coordinate i
// at v, nil if both neighbours are out of bounds.
func (l *LBFGSBOptimizer) derivativeSettings(i int, v, f0 float64) *fd.Settings {
	b := l.problem.Bounds[i]
	h := l.dH * math.Max(1, math.Abs(v))
	s := &fd.Settings{Step: h, OriginKnown: true, OriginValue: f0}
	switch {
	case b.Contains(v+h) && b.Contains(v-h):
		s.Formula = fd.Central
	case b.Contains(v + h):
		s.Formula = fd.Forward
	case b.Contains(v - h):
		s.Formula = fd.Backward
	default:
		return nil
	}
	return s
}

// Run minimises p starting from x0.
func (l *LBFGSBOptimizer) Run(ctx context.Context, p *Problem, x0 []float64, iterations int) (*Result, error) {
	l.init(p)
	l.ctx = ctx
	l.stop = false
	l.grad = nil
	l.maxIt = iterations
	if f := l.evaluate(x0); math.IsInf(f, +1) {
		return nil, fmt.Errorf("objective is not finite at the starting point %v", x0)
	}
	l.PrintHeader()

	bounds := make([][2]float64, len(p.Bounds))
	for i, b := range p.Bounds {
		bounds[i] = [2]float64{b.Min, b.Max}
	}

	opt := lbfgsb.NewLbfgsb(len(x0))
	opt.SetApproximationSize(10)
	opt.SetFTolerance(l.ftol)
	opt.SetGTolerance(1e-9)
	opt.SetBounds(bounds)
	opt.SetLogger(l.Logger)

	_, exitStatus := opt.Minimize(l, x0)
	log.Debugf("Exit status: %v", exitStatus)

	if err := ctx.Err(); err != nil {
		r := l.result(false, "cancelled")
		l.finish("L-BFGS-B", r)
		return r, err
	}
	converged := !l.stop &&
		(exitStatus.Code == lbfgsb.SUCCESS || exitStatus.Code == lbfgsb.APPROXIMATE)
	status := exitStatus.Message
	if l.stop {
		status = "iterations exceeded"
	}
	r := l.result(converged, status)
	l.finish("L-BFGS-B", r)
	if exitStatus.Code == lbfgsb.USAGE_ERROR || exitStatus.Code == lbfgsb.INTERNAL_ERROR {
		return r, fmt.Errorf("L-BFGS-B: %s", exitStatus.Message)
	}
	return r, nil
}
