// Package terms represents the random effects of a mixed model as a
// list of typed terms bound to grouping factors and covariance
// matrices.
//
// Terms are resolved once, either with the constructors or with
// Parse, and the estimators only switch over the three kinds.
package terms

import (
	"fmt"
	"strings"

	"github.com/op/go-logging"
	"gonum.org/v1/gonum/mat"

	"github.com/phyrgo/phyr/covar"
)

var log = logging.MustGetLogger("terms")

// Kind is a random effect variant.
type Kind int

const (
	// Simple is an iid effect per level.
	Simple Kind = iota
	// Structured is a level effect with a supplied covariance.
	Structured
	// Nested is an effect restricted to blocks of a second factor.
	Nested
)

func (k Kind) String() string {
	switch k {
	case Simple:
		return "simple"
	case Structured:
		return "structured"
	case Nested:
		return "nested"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Slope is a numeric covariate multiplying a random effect.
type Slope struct {
	Name   string
	Values []float64
}

// Term is a single random effect.
type Term struct {
	Name string
	Kind Kind
	// Group maps observations to the levels of the effect.
	Group *Factor
	// Cov is the covariance among Group levels, nil for iid levels.
	// It is shared and never modified.
	Cov *covar.Matrix
	// Nest defines the blocks of a Nested term.
	Nest *Factor
	// NestCov is the covariance among Nest levels, nil for a plain
	// block mask.
	NestCov *covar.Matrix
	// Slope is nil for random intercepts.
	Slope *Slope
}

// NewSimple creates an iid random effect.
func NewSimple(group *Factor, slope *Slope) Term {
	t := Term{Kind: Simple, Group: group, Slope: slope}
	t.Name = t.label()
	return t
}

// NewStructured creates a random effect with covariance cov among the
// levels of group.
func NewStructured(group *Factor, cov *covar.Matrix, slope *Slope) Term {
	t := Term{Kind: Structured, Group: group, Cov: cov, Slope: slope}
	t.Name = t.label()
	return t
}

// NewNested restricts inner (a Simple or Structured term) to the
// blocks of nest. With a non-nil nestCov the blocks are correlated
// according to it.
func NewNested(inner Term, nest *Factor, nestCov *covar.Matrix) Term {
	t := inner
	t.Kind = Nested
	t.Nest = nest
	t.NestCov = nestCov
	t.Name = t.label()
	return t
}

// label builds the formula-like name of the term, e.g. "1|sp__@site".
func (t Term) label() string {
	var sb strings.Builder
	if t.Slope != nil {
		sb.WriteString(t.Slope.Name)
	} else {
		sb.WriteByte('1')
	}
	sb.WriteByte('|')
	if t.Group != nil {
		sb.WriteString(t.Group.Name)
	}
	if t.Cov != nil {
		sb.WriteString("__")
	}
	if t.Kind == Nested && t.Nest != nil {
		sb.WriteByte('@')
		sb.WriteString(t.Nest.Name)
		if t.NestCov != nil {
			sb.WriteString("__")
		}
	}
	return sb.String()
}

// NObs returns the number of observations of the term.
func (t Term) NObs() int {
	if t.Group == nil {
		return 0
	}
	return t.Group.Len()
}

// Validate checks the term against its data.
func (t Term) Validate() error {
	op := "term " + t.Name
	if t.Group == nil {
		return &covar.ConstructionError{Op: op, Reason: "no grouping factor"}
	}
	n := t.Group.Len()
	if t.Slope != nil && len(t.Slope.Values) != n {
		return &covar.ConstructionError{
			Op:     op,
			Reason: fmt.Sprintf("covariate %s has %d values for %d observations", t.Slope.Name, len(t.Slope.Values), n),
		}
	}
	switch t.Kind {
	case Simple:
	case Structured:
		if t.Cov == nil {
			return &covar.ConstructionError{Op: op, Reason: "structured term without covariance"}
		}
	case Nested:
		if t.Nest == nil {
			return &covar.ConstructionError{Op: op, Reason: "nested term without nesting factor"}
		}
		if t.Nest.Len() != n {
			return &covar.ConstructionError{
				Op:     op,
				Reason: fmt.Sprintf("nesting factor %s has %d values for %d observations", t.Nest.Name, t.Nest.Len(), n),
			}
		}
		if t.NestCov != nil {
			if err := checkCov(op, t.Nest, t.NestCov); err != nil {
				return err
			}
		}
	default:
		return &covar.ConstructionError{Op: op, Reason: "unknown term kind " + t.Kind.String()}
	}
	if t.Kind != Simple && t.Group.NLevels() < 2 {
		return &covar.ConstructionError{
			Op:     op,
			Reason: fmt.Sprintf("grouping factor %s has a single level", t.Group.Name),
			Names:  t.Group.Levels(),
		}
	}
	if t.Cov != nil {
		return checkCov(op, t.Group, t.Cov)
	}
	return nil
}

// checkCov checks that cov is indexed exactly by the levels of f.
func checkCov(op string, f *Factor, cov *covar.Matrix) error {
	if cov.Dim() != f.NLevels() {
		return &covar.ConstructionError{
			Op:     op,
			Reason: fmt.Sprintf("%d dimensional covariance for %d levels of %s", cov.Dim(), f.NLevels(), f.Name),
		}
	}
	var missing []string
	for _, l := range f.Levels() {
		if _, ok := cov.Index(l); !ok {
			missing = append(missing, l)
		}
	}
	if len(missing) > 0 {
		return &covar.ConstructionError{Op: op, Reason: "levels missing from covariance", Names: missing}
	}
	return nil
}

// covIndex maps every observation to its row of cov.
func covIndex(f *Factor, cov *covar.Matrix) []int {
	idx := make([]int, f.Len())
	for a := range idx {
		i, _ := cov.Index(f.Value(a))
		idx[a] = i
	}
	return idx
}

// Structure returns the observation level structure matrix S with
// S[a,b] = x_a x_b C[g(a),g(b)] N[h(a),h(b)], where C is the level
// covariance (identity for iid levels), N the nesting covariance
// (block mask for plain nesting) and x the slope covariate (one for
// intercepts). The term must be valid.
func (t Term) Structure() *mat.SymDense {
	n := t.NObs()
	g := t.Group.Codes()
	var gc, hc []int
	if t.Cov != nil {
		gc = covIndex(t.Group, t.Cov)
	}
	var h []int
	if t.Kind == Nested {
		h = t.Nest.Codes()
		if t.NestCov != nil {
			hc = covIndex(t.Nest, t.NestCov)
		}
	}
	s := mat.NewSymDense(n, nil)
	for a := 0; a < n; a++ {
		for b := a; b < n; b++ {
			var v float64
			if gc != nil {
				v = t.Cov.At(gc[a], gc[b])
			} else if g[a] == g[b] {
				v = 1
			}
			if v == 0 {
				continue
			}
			if h != nil {
				if hc != nil {
					v *= t.NestCov.At(hc[a], hc[b])
				} else if h[a] != h[b] {
					continue
				}
			}
			if t.Slope != nil {
				v *= t.Slope.Values[a] * t.Slope.Values[b]
			}
			s.SetSym(a, b, v)
		}
	}
	return s
}

// Registry is an ordered list of validated random effects over the
// same observations.
type Registry struct {
	terms []Term
	n     int
}

// NewRegistry validates the terms and collects them in order.
func NewRegistry(terms ...Term) (*Registry, error) {
	r := &Registry{n: -1}
	for _, t := range terms {
		if err := r.Add(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add validates and appends a term.
func (r *Registry) Add(t Term) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if r.n >= 0 && t.NObs() != r.n {
		return &covar.ConstructionError{
			Op:     "term " + t.Name,
			Reason: fmt.Sprintf("%d observations, previous terms have %d", t.NObs(), r.n),
		}
	}
	for _, o := range r.terms {
		if o.Name == t.Name {
			return &SpecError{Term: t.Name, Reason: "duplicate random term"}
		}
	}
	r.n = t.NObs()
	r.terms = append(r.terms, t)
	log.Debugf("Added %s random term %s", t.Kind, t.Name)
	return nil
}

// Len returns the number of terms.
func (r *Registry) Len() int {
	return len(r.terms)
}

// NObs returns the number of observations, -1 for an empty registry.
func (r *Registry) NObs() int {
	return r.n
}

// Term returns the i-th term.
func (r *Registry) Term(i int) Term {
	return r.terms[i]
}

// Terms returns a copy of the term list.
func (r *Registry) Terms() []Term {
	return append([]Term(nil), r.terms...)
}

// Names returns the term names in order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.terms))
	for i, t := range r.terms {
		names[i] = t.Name
	}
	return names
}

// Structures returns the structure matrix of every term.
func (r *Registry) Structures() []*mat.SymDense {
	s := make([]*mat.SymDense, len(r.terms))
	for i, t := range r.terms {
		s[i] = t.Structure()
	}
	return s
}

func (r *Registry) String() string {
	return strings.Join(r.Names(), " + ")
}
