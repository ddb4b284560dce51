package optimize

import (
	"context"
	"fmt"
	"math"
)

const (
	// TINY guards the relative tolerance against zero objectives.
	TINY = 1e-10
	// SMALL is the tolerated change of the optimum after a restart.
	SMALL = 1e-6
)

// DS is the Nelder-Mead downhill simplex. After convergence the
// simplex is rebuilt around the best point once; the run stops when
// the restarted simplex reaches the same optimum.
type DS struct {
	BaseOptimizer
	// delta is the initial simplex edge relative to the parameter
	// scale.
	delta  float64
	repeat bool
	oldF   float64
	points [][]float64
	f      []float64
	psum   []float64
	trial  []float64
}

// NewDS creates a downhill simplex optimizer.
func NewDS() (ds *DS) {
	ds = &DS{delta: 0.1}
	ds.repPeriod = 10
	ds.ftol = TINY
	return
}

// step returns the initial displacement of parameter i at value v. The
// step goes inward when the outward one leaves the bounds.
func (ds *DS) step(i int, v float64) float64 {
	b := ds.problem.Bounds[i]
	d := ds.delta * math.Max(math.Abs(v), 1)
	if !math.IsInf(b.Min, 0) && !math.IsInf(b.Max, 0) {
		d = math.Min(d, ds.delta*(b.Max-b.Min))
	}
	if b.Contains(v + d) {
		return d
	}
	if b.Contains(v - d) {
		return -d
	}
	// very narrow bound
	return (b.Max - b.Min) / 2
}

func (ds *DS) createSimplex(x []float64) {
	n := len(x)
	ds.points = make([][]float64, n+1)
	ds.f = make([]float64, n+1)
	for i := range ds.points {
		ds.points[i] = append([]float64(nil), x...)
		if i > 0 {
			ds.points[i][i-1] += ds.step(i-1, x[i-1])
		}
		ds.f[i] = ds.evaluate(ds.points[i])
	}
	ds.trial = make([]float64, n)
}

func (ds *DS) calcPsum() {
	if ds.psum == nil {
		ds.psum = make([]float64, len(ds.trial))
	}
	for j := range ds.psum {
		ds.psum[j] = 0
		for _, p := range ds.points {
			ds.psum[j] += p[j]
		}
	}
}

// amotry extrapolates by factor fac through the face of the simplex
// across from the high point, tries it, and replaces the high point
// if the new point is better.
func (ds *DS) amotry(ihi int, fac float64) float64 {
	ds.calcPsum()
	ndim := len(ds.trial)
	fac1 := (1 - fac) / float64(ndim)
	fac2 := fac1 - fac
	for j := 0; j < ndim; j++ {
		ds.trial[j] = ds.psum[j]*fac1 - ds.points[ihi][j]*fac2
	}
	f := ds.evaluate(ds.trial)
	if f < ds.f[ihi] {
		ds.points[ihi], ds.trial = ds.trial, ds.points[ihi]
		ds.f[ihi] = f
	}
	return f
}

// Run minimises p starting from x0.
func (ds *DS) Run(ctx context.Context, p *Problem, x0 []float64, iterations int) (*Result, error) {
	ds.init(p)
	ds.repeat = false
	ds.psum = nil
	if f := ds.evaluate(x0); math.IsInf(f, +1) {
		return nil, fmt.Errorf("objective is not finite at the starting point %v", x0)
	}
	ds.createSimplex(x0)
	ds.PrintHeader()

	// Lowest (best), highest (worst) and next-highest points
	var ilo, ihi, inhi int
	converged := false
	status := "iterations exceeded"
Iter:
	for ds.i = 1; ds.i <= iterations; ds.i++ {
		if err := ctx.Err(); err != nil {
			r := ds.result(false, "cancelled")
			ds.finish("downhill simplex", r)
			return r, err
		}
		if ds.f[0] > ds.f[1] {
			ihi, inhi = 0, 1
		} else {
			ihi, inhi = 1, 0
		}
		ilo = 0
		for i := range ds.points {
			if ds.f[i] <= ds.f[ilo] {
				ilo = i
			}
			if ds.f[i] > ds.f[ihi] {
				inhi = ihi
				ihi = i
			} else if ds.f[i] > ds.f[inhi] && i != ihi {
				inhi = i
			}
		}
		flo, fhi := ds.f[ilo], ds.f[ihi]
		ds.PrintLine(ds.points[ilo], flo)

		rtol := 2 * math.Abs(fhi-flo) / (math.Abs(flo) + math.Abs(fhi) + TINY)
		if rtol < ds.ftol {
			if ds.repeat && math.Abs(ds.oldF-flo) < SMALL*math.Max(1, math.Abs(flo)) {
				converged = true
				status = "converged"
				break Iter
			}
			ds.repeat = true
			ds.oldF = flo
			log.Debugf("converged. retrying")
			ds.createSimplex(append([]float64(nil), ds.points[ilo]...))
			continue
		}
		f := ds.amotry(ihi, -1)
		switch {
		case f <= flo:
			ds.amotry(ihi, 2)
		case f >= ds.f[inhi]:
			fsave := ds.f[ihi]
			f = ds.amotry(ihi, 0.5)
			if f >= fsave {
				// contract everything towards the best point
				for i, point := range ds.points {
					if i == ilo {
						continue
					}
					for j := range point {
						point[j] = 0.5 * (point[j] + ds.points[ilo][j])
					}
					ds.f[i] = ds.evaluate(point)
				}
			}
		}
	}
	if !converged {
		ds.i = iterations
		log.Debugf("Iterations exceeded (%d)", iterations)
	}
	r := ds.result(converged, status)
	ds.finish("downhill simplex", r)
	return r, nil
}
