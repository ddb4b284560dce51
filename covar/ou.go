package covar

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/phyrgo/phyr/tree"
)

// ouKernel returns the Ornstein-Uhlenbeck cross covariance of two
// tips for two traits with rates ai and aj. vkk and vll are the tip
// depths, vkl the shared path length.
func ouKernel(ai, aj, vkk, vll, vkl float64) float64 {
	s := ai + aj
	if s < 1e-12 {
		return vkl
	}
	return math.Exp(-ai*(vkk-vkl)-aj*(vll-vkl)) * -math.Expm1(-s*vkl) / s
}

// OUCrossTo writes into dst the covariance between trait i (rate ai)
// at row tips and trait j (rate aj) at column tips, given the
// Brownian covariance v. Rates are in units of the depth of v. dst
// must be a v.Dim() square matrix; it may be a view into a larger
// matrix.
func OUCrossTo(dst *mat.Dense, v *Matrix, ai, aj float64) {
	n := v.Dim()
	for k := 0; k < n; k++ {
		vkk := v.m.At(k, k)
		for l := 0; l < n; l++ {
			dst.Set(k, l, ouKernel(ai, aj, vkk, v.m.At(l, l), v.m.At(k, l)))
		}
	}
}

// OU returns the single-rate Ornstein-Uhlenbeck transform of a
// Brownian covariance v with fixed root state. alpha = 0 returns an
// identical copy.
func OU(v *Matrix, alpha float64) (*Matrix, error) {
	if alpha < 0 || math.IsNaN(alpha) {
		return nil, &ConstructionError{Op: "OU transform", Reason: fmt.Sprintf("invalid alpha %g", alpha)}
	}
	n := v.Dim()
	m := mat.NewSymDense(n, nil)
	for k := 0; k < n; k++ {
		vkk := v.m.At(k, k)
		for l := k; l < n; l++ {
			m.SetSym(k, l, ouKernel(alpha, alpha, vkk, v.m.At(l, l), v.m.At(k, l)))
		}
	}
	return newMatrix("OU transform", v.labels, m)
}

type cacheKey struct {
	tree  *tree.Tree
	order string
	alpha float64
}

// Cache memoises tree covariances by (tree, species order, OU alpha).
// Trees must not be modified while cached. Cache is safe for
// concurrent use.
type Cache struct {
	mu sync.Mutex
	m  map[cacheKey]*Matrix
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{m: make(map[cacheKey]*Matrix)}
}

// FromTree returns the (possibly OU transformed) covariance of t,
// building it on first use.
func (c *Cache) FromTree(t *tree.Tree, speciesOrder []string, alpha float64) (*Matrix, error) {
	key := cacheKey{t, strings.Join(speciesOrder, "\x00"), alpha}
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.m[key]; ok {
		return m, nil
	}
	m, err := FromTree(t, speciesOrder)
	if err != nil {
		return nil, err
	}
	if alpha != 0 {
		if m, err = OU(m, alpha); err != nil {
			return nil, err
		}
	}
	c.m[key] = m
	return m, nil
}

// Len returns the number of cached matrices.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}
