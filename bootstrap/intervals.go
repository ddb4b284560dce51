package bootstrap

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/phyrgo/phyr/dist"
)

// Interval is a bootstrap summary of a single estimate.
type Interval struct {
	Name     string  `json:"name"`
	Estimate float64 `json:"estimate"`
	Lower    float64 `json:"lower"`
	Upper    float64 `json:"upper"`
	Mean     float64 `json:"mean"`
	SD       float64 `json:"sd"`
}

// Table holds the intervals of all the estimates.
type Table struct {
	Level     float64    `json:"level"`
	Intervals []Interval `json:"intervals"`
	// Used is the number of replicates in the intervals.
	Used   int `json:"used"`
	Failed int `json:"failed"`
}

// Collect consumes the sequence and returns the usable estimates, one
// slice per replicate. It fails if the run was cancelled or too many
// replicates failed.
func Collect(seq *Sequence) ([][]float64, error) {
	var est [][]float64
	for {
		r, ok := seq.Next()
		if !ok {
			break
		}
		if r.Err != nil && (errors.Is(r.Err, context.Canceled) || errors.Is(r.Err, context.DeadlineExceeded)) {
			seq.Close()
			return nil, fmt.Errorf("bootstrap: %w", r.Err)
		}
		if r.OK() {
			est = append(est, r.Estimates)
		}
	}
	seq.Close()
	if err := seq.check(len(est)); err != nil {
		return nil, err
	}
	if seq.Failed() > 0 {
		log.Warningf("%d of %d bootstrap replicates were dropped", seq.Failed(), seq.Len())
	}
	return est, nil
}

// Intervals consumes the sequence and computes equal tailed quantile
// intervals at the given level for every named estimate. estimates
// are the point estimates of the original fit.
func Intervals(seq *Sequence, names []string, estimates []float64, level float64) (*Table, error) {
	if level <= 0 || level >= 1 {
		return nil, fmt.Errorf("invalid confidence level %g", level)
	}
	if len(names) != len(estimates) {
		return nil, fmt.Errorf("%d names for %d estimates", len(names), len(estimates))
	}
	reps, err := Collect(seq)
	if err != nil {
		return nil, err
	}
	alpha := (1 - level) / 2
	t := &Table{
		Level:     level,
		Intervals: make([]Interval, len(names)),
		Used:      len(reps),
		Failed:    seq.Failed(),
	}
	col := make([]float64, len(reps))
	for j, name := range names {
		for i, r := range reps {
			if len(r) != len(names) {
				return nil, fmt.Errorf("replicate has %d estimates, expected %d", len(r), len(names))
			}
			col[i] = r[j]
		}
		q := dist.EmpiricalQuantiles(col, []float64{alpha, 1 - alpha})
		mean, sd := dist.MeanSD(col)
		t.Intervals[j] = Interval{
			Name:     name,
			Estimate: estimates[j],
			Lower:    q[0],
			Upper:    q[1],
			Mean:     mean,
			SD:       sd,
		}
	}
	return t, nil
}

// Interval returns the interval of the named estimate.
func (t *Table) Interval(name string) (Interval, bool) {
	for _, iv := range t.Intervals {
		if iv.Name == name {
			return iv, true
		}
	}
	return Interval{}, false
}

func (t *Table) String() string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "Bootstrap %g%% intervals (%d replicates, %d failed)\n", t.Level*100, t.Used, t.Failed)
	for _, iv := range t.Intervals {
		fmt.Fprintf(&b, "  %-16s %12.6g [%12.6g, %12.6g]\n", iv.Name, iv.Estimate, iv.Lower, iv.Upper)
	}
	return b.String()
}
