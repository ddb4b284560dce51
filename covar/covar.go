// Package covar builds labelled covariance matrices from phylogenetic
// trees, distance matrices and grouping factors.
//
// A Matrix is immutable once constructed. Every transformation
// (nesting, subsetting, Ornstein-Uhlenbeck transforms) allocates a new
// matrix, so a single Matrix can be shared by any number of random
// effect terms and bootstrap replicates.
package covar

import (
	"fmt"
	"sort"
	"strings"

	"github.com/op/go-logging"
	"gonum.org/v1/gonum/mat"

	"github.com/phyrgo/phyr/matrix"
	"github.com/phyrgo/phyr/tree"
)

var log = logging.MustGetLogger("covar")

// ConstructionError is returned when a covariance matrix cannot be
// built from its inputs.
type ConstructionError struct {
	Op     string
	Reason string
	// Names lists offending labels if any.
	Names []string
}

func (e *ConstructionError) Error() string {
	if len(e.Names) == 0 {
		return fmt.Sprintf("%s: %s", e.Op, e.Reason)
	}
	names := e.Names
	if len(names) > 5 {
		names = append(names[:5:5], "...")
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Reason, strings.Join(names, ", "))
}

// Matrix is a symmetric matrix indexed by labels.
type Matrix struct {
	labels []string
	index  map[string]int
	m      *mat.SymDense
}

// newMatrix takes ownership of m.
func newMatrix(op string, labels []string, m *mat.SymDense) (*Matrix, error) {
	if m.SymmetricDim() != len(labels) {
		return nil, &ConstructionError{
			Op:     op,
			Reason: fmt.Sprintf("%d labels for a %d dimensional matrix", len(labels), m.SymmetricDim()),
		}
	}
	index := make(map[string]int, len(labels))
	var dup []string
	for i, l := range labels {
		if _, ok := index[l]; ok {
			dup = append(dup, l)
		}
		index[l] = i
	}
	if len(dup) > 0 {
		return nil, &ConstructionError{Op: op, Reason: "duplicate labels", Names: dup}
	}
	return &Matrix{
		labels: append([]string(nil), labels...),
		index:  index,
		m:      m,
	}, nil
}

// Dim returns the number of rows (and columns).
func (c *Matrix) Dim() int {
	return len(c.labels)
}

// Labels returns a copy of the row labels.
func (c *Matrix) Labels() []string {
	return append([]string(nil), c.labels...)
}

// Label returns the i-th label.
func (c *Matrix) Label(i int) string {
	return c.labels[i]
}

// Index returns the row of a label.
func (c *Matrix) Index(label string) (int, bool) {
	i, ok := c.index[label]
	return i, ok
}

// At returns the element (i, j).
func (c *Matrix) At(i, j int) float64 {
	return c.m.At(i, j)
}

// Sym returns a read-only view of the matrix. Callers must not modify
// it; use Dense or matrix.Clone to get a mutable copy.
func (c *Matrix) Sym() mat.Symmetric {
	return c.m
}

// Dense returns a mutable copy of the matrix.
func (c *Matrix) Dense() *mat.SymDense {
	return matrix.Clone(c.m)
}

// Max returns the largest element.
func (c *Matrix) Max() (max float64) {
	n := c.Dim()
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			if v := c.m.At(i, j); v > max || (i == 0 && j == 0) {
				max = v
			}
		}
	}
	return
}

// MinEigen returns the smallest eigenvalue.
func (c *Matrix) MinEigen() (float64, error) {
	return matrix.MinEigen(c.m)
}

// String returns a truncated representation of the matrix.
func (c *Matrix) String() string {
	return fmt.Sprintf("%v\n%s", c.labels, matrix.String(c.m))
}

// FromTree computes the Brownian motion covariance of the tree tips:
// element (i, j) is the shared path length from the root to the most
// recent common ancestor of species i and j. Rows follow
// speciesOrder, which must contain exactly the tip names.
func FromTree(t *tree.Tree, speciesOrder []string) (*Matrix, error) {
	const op = "covariance from tree"
	tips := t.Tips()
	tipIndex := make(map[string]*tree.Node, len(tips))
	var dup []string
	for _, tip := range tips {
		if _, ok := tipIndex[tip.Name]; ok {
			dup = append(dup, tip.Name)
		}
		tipIndex[tip.Name] = tip
	}
	if len(dup) > 0 {
		return nil, &ConstructionError{Op: op, Reason: "duplicate tip names", Names: dup}
	}
	if err := checkSameSet(op, tipIndex, speciesOrder); err != nil {
		return nil, err
	}
	for _, node := range t.Nodes() {
		if node.BranchLength < 0 && !node.IsRoot() {
			return nil, &ConstructionError{
				Op:     op,
				Reason: fmt.Sprintf("negative branch length %g", node.BranchLength),
				Names:  []string{node.LongString()},
			}
		}
	}

	row := make(map[*tree.Node]int, len(speciesOrder))
	for i, name := range speciesOrder {
		row[tipIndex[name]] = i
	}

	n := len(speciesOrder)
	m := mat.NewSymDense(n, nil)
	var fill func(node *tree.Node, depth float64) []int
	// fill returns the rows of the tips below node
	fill = func(node *tree.Node, depth float64) []int {
		if node.IsTerminal() {
			i := row[node]
			m.SetSym(i, i, depth)
			return []int{i}
		}
		var below []int
		for _, child := range node.ChildNodes() {
			sub := fill(child, depth+child.BranchLength)
			// pairs across different children share the path to node
			for _, i := range below {
				for _, j := range sub {
					m.SetSym(i, j, depth)
				}
			}
			below = append(below, sub...)
		}
		return below
	}
	fill(t.Node, 0)

	log.Debugf("built %dx%d covariance from tree", n, n)
	return newMatrix(op, speciesOrder, m)
}

// checkSameSet compares tree tips and the requested species order.
func checkSameSet(op string, tips map[string]*tree.Node, order []string) error {
	seen := make(map[string]bool, len(order))
	var dup, missing, extra []string
	for _, name := range order {
		if seen[name] {
			dup = append(dup, name)
		}
		seen[name] = true
		if _, ok := tips[name]; !ok {
			missing = append(missing, name)
		}
	}
	for name := range tips {
		if !seen[name] {
			extra = append(extra, name)
		}
	}
	switch {
	case len(dup) > 0:
		return &ConstructionError{Op: op, Reason: "duplicate species", Names: dup}
	case len(missing) > 0:
		return &ConstructionError{Op: op, Reason: "species not in the tree", Names: missing}
	case len(extra) > 0:
		sort.Strings(extra)
		return &ConstructionError{Op: op, Reason: "tree tips not in the species list", Names: extra}
	}
	return nil
}

// FromDense wraps an explicit covariance matrix given in row-major
// order. The matrix must be symmetric.
func FromDense(labels []string, data []float64) (*Matrix, error) {
	const op = "covariance from data"
	n := len(labels)
	if len(data) != n*n {
		return nil, &ConstructionError{
			Op:     op,
			Reason: fmt.Sprintf("%d values for %d labels", len(data), n),
		}
	}
	d := mat.NewDense(n, n, append([]float64(nil), data...))
	if !matrix.IsSymmetric(d, 1e-10) {
		return nil, &ConstructionError{Op: op, Reason: "matrix is not symmetric"}
	}
	m := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			m.SetSym(i, j, d.At(i, j))
		}
	}
	return newMatrix(op, labels, m)
}

// FromDistance converts an ultrametric (e.g. cophenetic) distance
// matrix into a covariance: C = (max(D) - D)/2.
func FromDistance(labels []string, data []float64) (*Matrix, error) {
	const op = "covariance from distance"
	d, err := FromDense(labels, data)
	if err != nil {
		return nil, err
	}
	n := d.Dim()
	max := d.Max()
	m := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		if d.At(i, i) != 0 {
			return nil, &ConstructionError{Op: op, Reason: "non-zero distance on the diagonal", Names: []string{labels[i]}}
		}
		for j := i; j < n; j++ {
			if d.At(i, j) < 0 {
				return nil, &ConstructionError{Op: op, Reason: "negative distance", Names: []string{labels[i], labels[j]}}
			}
			m.SetSym(i, j, (max-d.At(i, j))/2)
		}
	}
	return newMatrix(op, labels, m)
}

// Identity returns an identity covariance over labels.
func Identity(labels []string) (*Matrix, error) {
	return newMatrix("identity covariance", labels, matrix.Identity(len(labels)))
}

// Nested masks base to a block-diagonal structure: entries for label
// pairs belonging to different groups become zero, the diagonal is
// preserved. groupLevels[i] is the group of row i.
func Nested(base *Matrix, groupLevels []string) (*Matrix, error) {
	const op = "nested covariance"
	n := base.Dim()
	if len(groupLevels) != n {
		return nil, &ConstructionError{
			Op:     op,
			Reason: fmt.Sprintf("%d group levels for a %d dimensional matrix", len(groupLevels), n),
		}
	}
	m := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			if groupLevels[i] == groupLevels[j] {
				m.SetSym(i, j, base.m.At(i, j))
			}
		}
	}
	return newMatrix(op, base.labels, m)
}

// Subset returns the matrix restricted to labels, in the given order.
func Subset(base *Matrix, labels []string) (*Matrix, error) {
	const op = "covariance subset"
	idx := make([]int, len(labels))
	var missing []string
	for k, l := range labels {
		i, ok := base.index[l]
		if !ok {
			missing = append(missing, l)
		}
		idx[k] = i
	}
	if len(missing) > 0 {
		return nil, &ConstructionError{Op: op, Reason: "labels not in the matrix", Names: missing}
	}
	m := mat.NewSymDense(len(labels), nil)
	for a, i := range idx {
		for b := a; b < len(idx); b++ {
			m.SetSym(a, b, base.m.At(i, idx[b]))
		}
	}
	return newMatrix(op, labels, m)
}

// Scale returns f*base.
func Scale(base *Matrix, f float64) *Matrix {
	m := mat.NewSymDense(base.Dim(), nil)
	m.ScaleSym(f, base.m)
	c, _ := newMatrix("scale", base.labels, m)
	return c
}

// Standardize scales the matrix so that its largest element is one.
// It returns the new matrix and the applied factor.
func Standardize(base *Matrix) (*Matrix, float64, error) {
	max := base.Max()
	if max <= 0 {
		return nil, 0, &ConstructionError{Op: "standardize", Reason: "matrix has no positive element"}
	}
	return Scale(base, 1/max), 1 / max, nil
}
