// Package optimize implements box-constrained minimisation of
// likelihood-type objectives: downhill simplex, L-BFGS-B and BFGS on
// transformed parameters.
package optimize

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("optimize")

// Optimization methods.
const (
	Simplex = "simplex"
	LBFGSB  = "lbfgsb"
	BFGS    = "bfgs"
	None    = "none"
)

// Penalty is returned to gradient based methods instead of infinite
// or undefined objective values.
const Penalty = 1e10

// Objective is a function to minimise. It should return +Inf (or
// Penalty) for infeasible points.
type Objective func(x []float64) float64

// Bound is a closed interval for a single parameter. Use math.Inf for
// open ends.
type Bound struct {
	Min float64
	Max float64
}

// Unbounded returns n bounds (-Inf, +Inf).
func Unbounded(n int) []Bound {
	b := make([]Bound, n)
	for i := range b {
		b[i] = Bound{math.Inf(-1), math.Inf(+1)}
	}
	return b
}

// Contains returns true if v is within the bound.
func (b Bound) Contains(v float64) bool {
	return v >= b.Min && v <= b.Max
}

// Clamp returns v moved into the bound.
func (b Bound) Clamp(v float64) float64 {
	return math.Min(math.Max(v, b.Min), b.Max)
}

// Problem is a minimisation problem.
type Problem struct {
	F      Objective
	Bounds []Bound
	// Names are used for logging only, optional.
	Names []string
}

// InRange checks that all the values are within bounds.
func (p *Problem) InRange(x []float64) bool {
	if len(x) != len(p.Bounds) {
		panic("Incorrect number of parameters")
	}
	for i, b := range p.Bounds {
		if !b.Contains(x[i]) {
			return false
		}
	}
	return true
}

// Settings controls the optimisation.
type Settings struct {
	// Method is one of Simplex, LBFGSB, BFGS, None.
	Method string
	// Iterations is the maximum number of iterations.
	Iterations int
	// FTol is the relative tolerance on the objective.
	FTol float64
	// ReportPeriod is how often (in iterations) the trajectory is
	// logged at debug level.
	ReportPeriod int
}

// DefaultSettings returns the downhill simplex settings.
func DefaultSettings() *Settings {
	return &Settings{
		Method:       Simplex,
		Iterations:   2000,
		FTol:         1e-9,
		ReportPeriod: 10,
	}
}

// Result is the outcome of a minimisation.
type Result struct {
	// X is the best point found.
	X []float64
	// F is the objective at X.
	F float64
	// Converged is true if the stopping criteria were satisfied
	// before the iteration limit or cancellation.
	Converged bool
	// Iterations is the number of iterations performed.
	Iterations int
	// Evaluations is the number of objective calls.
	Evaluations int
	// Status is a method specific description of the exit state.
	Status string
}

// Optimizer is a minimisation method.
type Optimizer interface {
	SetReportPeriod(period int)
	SetFTol(ftol float64)
	Run(ctx context.Context, p *Problem, x0 []float64, iterations int) (*Result, error)
}

// NewOptimizer returns an optimizer from its name.
func NewOptimizer(method string) (Optimizer, error) {
	switch method {
	case Simplex, "":
		return NewDS(), nil
	case LBFGSB:
		return NewLBFGSB(), nil
	case BFGS:
		return NewBFGS(), nil
	case None:
		return NewNone(), nil
	}
	return nil, fmt.Errorf("Unknown optimization method: %s", method)
}

// Minimize minimises f starting from x0 within bounds. The starting
// point is moved into the bounds if needed. On cancellation the best
// point found so far is returned together with ctx.Err().
func Minimize(ctx context.Context, f Objective, x0 []float64, bounds []Bound, s *Settings) (*Result, error) {
	if s == nil {
		s = DefaultSettings()
	}
	if len(x0) == 0 {
		return nil, errors.New("no parameters to optimize")
	}
	if bounds == nil {
		bounds = Unbounded(len(x0))
	}
	if len(bounds) != len(x0) {
		return nil, fmt.Errorf("%d bounds for %d parameters", len(bounds), len(x0))
	}
	start := make([]float64, len(x0))
	for i, b := range bounds {
		if b.Min > b.Max {
			return nil, fmt.Errorf("empty bound for parameter %d: [%g, %g]", i, b.Min, b.Max)
		}
		start[i] = b.Clamp(x0[i])
	}
	opt, err := NewOptimizer(s.Method)
	if err != nil {
		return nil, err
	}
	if s.ReportPeriod > 0 {
		opt.SetReportPeriod(s.ReportPeriod)
	}
	if s.FTol > 0 {
		opt.SetFTol(s.FTol)
	}
	return opt.Run(ctx, &Problem{F: f, Bounds: bounds}, start, s.Iterations)
}

// BaseOptimizer keeps the state shared by all the methods: objective
// call counting, best point tracking and trajectory reporting.
type BaseOptimizer struct {
	problem   *Problem
	i         int
	calls     int
	minF      float64
	minX      []float64
	repPeriod int
	ftol      float64
}

func (o *BaseOptimizer) init(p *Problem) {
	o.problem = p
	o.i = 0
	o.calls = 0
	o.minF = math.Inf(+1)
	o.minX = nil
	if o.repPeriod <= 0 {
		o.repPeriod = 10
	}
}

// SetReportPeriod sets how often the trajectory is logged.
func (o *BaseOptimizer) SetReportPeriod(period int) {
	o.repPeriod = period
}

// SetFTol sets the relative function tolerance.
func (o *BaseOptimizer) SetFTol(ftol float64) {
	o.ftol = ftol
}

// evaluate calls the objective; out of range points and NaN values
// are +Inf.
func (o *BaseOptimizer) evaluate(x []float64) float64 {
	if !o.problem.InRange(x) {
		return math.Inf(+1)
	}
	f := o.problem.F(x)
	o.calls++
	if math.IsNaN(f) {
		return math.Inf(+1)
	}
	if f < o.minF {
		o.minF = f
		o.minX = append(o.minX[:0], x...)
	}
	return f
}

// PrintHeader logs the trajectory header.
func (o *BaseOptimizer) PrintHeader() {
	if log.IsEnabledFor(logging.DEBUG) {
		log.Debugf("iteration\tobjective\t%s", o.namesString())
	}
}

// PrintLine logs the current point every report period.
func (o *BaseOptimizer) PrintLine(x []float64, f float64) {
	if o.i%o.repPeriod == 0 && log.IsEnabledFor(logging.DEBUG) {
		log.Debugf("%d\t%f\t%s", o.i, f, valuesString(x))
	}
}

// result builds a result from the best point.
func (o *BaseOptimizer) result(converged bool, status string) *Result {
	return &Result{
		X:           append([]float64(nil), o.minX...),
		F:           o.minF,
		Converged:   converged,
		Iterations:  o.i,
		Evaluations: o.calls,
		Status:      status,
	}
}

func (o *BaseOptimizer) namesString() string {
	if len(o.problem.Names) > 0 {
		return strings.Join(o.problem.Names, "\t")
	}
	s := make([]string, len(o.problem.Bounds))
	for i := range s {
		s[i] = "x" + strconv.Itoa(i)
	}
	return strings.Join(s, "\t")
}

func valuesString(x []float64) string {
	s := make([]string, len(x))
	for i, v := range x {
		s[i] = strconv.FormatFloat(v, 'f', 6, 64)
	}
	return strings.Join(s, "\t")
}

// finish logs a summary of the run.
func (o *BaseOptimizer) finish(method string, r *Result) {
	log.Debugf("Finished %s: f=%v, iterations=%d, calls=%d, converged=%v (%s)",
		method, r.F, r.Iterations, r.Evaluations, r.Converged, r.Status)
	if len(r.X) > 0 {
		log.Debugf("Parameter values: %v", valuesString(r.X))
	}
}
