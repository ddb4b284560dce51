package terms

import (
	"fmt"
	"sort"
)

// Factor is a categorical variable. Levels are numbered in the order
// of first appearance.
type Factor struct {
	Name   string
	values []string
	levels []string
	codes  []int
}

// NewFactor creates a factor from per observation labels.
func NewFactor(name string, values []string) *Factor {
	f := &Factor{
		Name:   name,
		values: append([]string(nil), values...),
		codes:  make([]int, len(values)),
	}
	index := make(map[string]int)
	for i, v := range values {
		c, ok := index[v]
		if !ok {
			c = len(f.levels)
			index[v] = c
			f.levels = append(f.levels, v)
		}
		f.codes[i] = c
	}
	return f
}

// Len returns the number of observations.
func (f *Factor) Len() int {
	return len(f.values)
}

// Value returns the level label of observation i.
func (f *Factor) Value(i int) string {
	return f.values[i]
}

// Levels returns a copy of the distinct levels.
func (f *Factor) Levels() []string {
	return append([]string(nil), f.levels...)
}

// NLevels returns the number of distinct levels.
func (f *Factor) NLevels() int {
	return len(f.levels)
}

// Codes returns the level number of every observation. The slice must
// not be modified.
func (f *Factor) Codes() []int {
	return f.codes
}

// Frame holds the observation level variables referenced by random
// term formulas.
type Frame struct {
	n       int
	factors map[string]*Factor
	numeric map[string][]float64
}

// NewFrame creates an empty frame with n observations.
func NewFrame(n int) *Frame {
	return &Frame{
		n:       n,
		factors: make(map[string]*Factor),
		numeric: make(map[string][]float64),
	}
}

// Len returns the number of observations.
func (f *Frame) Len() int {
	return f.n
}

// AddFactor adds a categorical column.
func (f *Frame) AddFactor(name string, values []string) error {
	if len(values) != f.n {
		return fmt.Errorf("factor %s has %d values, expected %d", name, len(values), f.n)
	}
	f.factors[name] = NewFactor(name, values)
	return nil
}

// AddNumeric adds a numeric column.
func (f *Frame) AddNumeric(name string, values []float64) error {
	if len(values) != f.n {
		return fmt.Errorf("covariate %s has %d values, expected %d", name, len(values), f.n)
	}
	f.numeric[name] = append([]float64(nil), values...)
	return nil
}

// Factor returns a categorical column.
func (f *Frame) Factor(name string) (*Factor, bool) {
	v, ok := f.factors[name]
	return v, ok
}

// Numeric returns a numeric column.
func (f *Frame) Numeric(name string) ([]float64, bool) {
	v, ok := f.numeric[name]
	return v, ok
}

// FactorNames returns the sorted factor names.
func (f *Frame) FactorNames() []string {
	names := make([]string, 0, len(f.factors))
	for name := range f.factors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
