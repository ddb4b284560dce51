package optimize

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	opt "gonum.org/v1/gonum/optimize"
)

// boundEps keeps transformed parameters away from exact bounds.
const boundEps = 1e-8

// BFGSOptimizer runs the unconstrained quasi-Newton method on parameters
// mapped to the real line: logistic for two sided bounds and
// exponential for one sided bounds.
type BFGSOptimizer struct {
	BaseOptimizer
	ctx   context.Context
	dH    float64
	x     []float64
	stats *opt.Stats
}

// NewBFGS creates a BFGS optimizer.
func NewBFGS() (b *BFGSOptimizer) {
	b = &BFGSOptimizer{dH: 1e-6}
	b.repPeriod = 10
	b.ftol = 1e-9
	return
}

// toBounded maps an unconstrained value to the bound.
func toBounded(bound Bound, u float64) float64 {
	lo, hi := !math.IsInf(bound.Min, 0), !math.IsInf(bound.Max, 0)
	switch {
	case lo && hi:
		return bound.Min + (bound.Max-bound.Min)/(1+math.Exp(-u))
	case lo:
		return bound.Min + math.Exp(u)
	case hi:
		return bound.Max - math.Exp(u)
	}
	return u
}

// fromBounded is the inverse of toBounded. Values at a bound are
// moved inside first.
func fromBounded(bound Bound, x float64) float64 {
	lo, hi := !math.IsInf(bound.Min, 0), !math.IsInf(bound.Max, 0)
	switch {
	case lo && hi:
		w := bound.Max - bound.Min
		if w == 0 {
			return 0
		}
		p := math.Min(math.Max((x-bound.Min)/w, boundEps), 1-boundEps)
		return math.Log(p / (1 - p))
	case lo:
		return math.Log(math.Max(x-bound.Min, boundEps))
	case hi:
		return math.Log(math.Max(bound.Max-x, boundEps))
	}
	return x
}

func (b *BFGSOptimizer) transform(u []float64) []float64 {
	for i, bound := range b.problem.Bounds {
		b.x[i] = bound.Clamp(toBounded(bound, u[i]))
	}
	return b.x
}

// Func is the objective on the unconstrained scale.
func (b *BFGSOptimizer) Func(u []float64) float64 {
	f := b.evaluate(b.transform(u))
	if math.IsInf(f, 0) {
		return Penalty
	}
	return f
}

// Grad is the central difference gradient of Func.
func (b *BFGSOptimizer) Grad(grad, u []float64) {
	fd.Gradient(grad, b.Func, u, &fd.Settings{
		Formula: fd.Central,
		Step:    b.dH,
	})
}

// Status stops the optimization on cancellation.
func (b *BFGSOptimizer) Status() (opt.Status, error) {
	if err := b.ctx.Err(); err != nil {
		return opt.Failure, err
	}
	return opt.NotTerminated, nil
}

// Init implements optimize.Recorder.
func (b *BFGSOptimizer) Init() error {
	return nil
}

// Record implements optimize.Recorder.
func (b *BFGSOptimizer) Record(l *opt.Location, op opt.Operation, s *opt.Stats) error {
	if op&opt.MajorIteration != 0 {
		b.i = s.MajorIterations
		b.PrintLine(b.transform(l.X), l.F)
	}
	b.stats = s
	return nil
}

// Run minimises p starting from x0.
func (b *BFGSOptimizer) Run(ctx context.Context, p *Problem, x0 []float64, iterations int) (*Result, error) {
	b.init(p)
	b.ctx = ctx
	b.x = make([]float64, len(x0))
	if f := b.evaluate(x0); math.IsInf(f, +1) {
		return nil, fmt.Errorf("objective is not finite at the starting point %v", x0)
	}
	b.PrintHeader()

	u0 := make([]float64, len(x0))
	for i, bound := range p.Bounds {
		u0[i] = fromBounded(bound, x0[i])
	}

	settings := &opt.Settings{
		MajorIterations:   iterations,
		GradientThreshold: 1e-6,
		Converger: &opt.FunctionConverge{
			Relative:   b.ftol,
			Iterations: 10,
		},
		Recorder: b,
	}
	problem := opt.Problem{
		Func:   b.Func,
		Grad:   b.Grad,
		Status: b.Status,
	}

	res, err := opt.Minimize(problem, u0, settings, &opt.BFGS{})
	if cerr := ctx.Err(); cerr != nil {
		r := b.result(false, "cancelled")
		b.finish("BFGS", r)
		return r, cerr
	}
	status := "unknown"
	converged := false
	if res != nil {
		status = res.Status.String()
		switch res.Status {
		case opt.Success, opt.FunctionConvergence, opt.GradientThreshold, opt.StepConvergence, opt.MethodConverge:
			converged = true
		}
	}
	r := b.result(converged, status)
	if b.stats != nil {
		r.Iterations = b.stats.MajorIterations
	}
	b.finish("BFGS", r)
	if err != nil && !errors.Is(err, opt.ErrLinesearcherFailure) {
		log.Warningf("Optimization error: %v", err)
	}
	return r, nil
}
