package optimize

import "context"

// NoneOptimizer is an optimizer which computes the objective at the starting
// point and exits.
type NoneOptimizer struct {
	BaseOptimizer
}

// NewNone creates an optimizer which evaluates the starting point only.
func NewNone() *NoneOptimizer {
	return &NoneOptimizer{}
}

// Run evaluates x0.
func (n *NoneOptimizer) Run(ctx context.Context, p *Problem, x0 []float64, iterations int) (*Result, error) {
	n.init(p)
	f := n.evaluate(x0)
	n.minF = f
	n.minX = append(n.minX[:0], x0...)
	n.PrintHeader()
	n.PrintLine(x0, f)
	return n.result(true, "not optimized"), ctx.Err()
}
