package terms

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/phyrgo/phyr/covar"
)

// frame returns 3 species x 2 sites.
func frame(t *testing.T) (*Frame, map[string]*covar.Matrix) {
	f := NewFrame(6)
	require.NoError(t, f.AddFactor("sp", []string{"a", "b", "c", "a", "b", "c"}))
	require.NoError(t, f.AddFactor("site", []string{"s1", "s1", "s1", "s2", "s2", "s2"}))
	require.NoError(t, f.AddFactor("one", []string{"x", "x", "x", "x", "x", "x"}))
	require.NoError(t, f.AddNumeric("env", []float64{1, 2, 3, 4, 5, 6}))
	sp, err := covar.FromDense([]string{"c", "b", "a"}, []float64{
		1, 0.2, 0.1,
		0.2, 1, 0.5,
		0.1, 0.5, 1,
	})
	require.NoError(t, err)
	site, err := covar.FromDense([]string{"s1", "s2"}, []float64{
		1, 0.3,
		0.3, 1,
	})
	require.NoError(t, err)
	return f, map[string]*covar.Matrix{"sp": sp, "site": site}
}

func TestFactor(t *testing.T) {
	f := NewFactor("g", []string{"b", "a", "b", "c"})
	require.Equal(t, []string{"b", "a", "c"}, f.Levels())
	require.Equal(t, []int{0, 1, 0, 2}, f.Codes())
	require.Equal(t, 4, f.Len())
	require.Equal(t, "a", f.Value(1))
}

func TestParseKinds(t *testing.T) {
	data, covs := frame(t)
	r, err := Parse("(1|sp__) + (1|site) + (env|sp) + (1|sp__@site) + (1|sp@site__)", data, covs)
	require.NoError(t, err)
	require.Equal(t, []string{"1|sp", "1|sp__", "1|site", "env|sp", "1|sp__@site", "1|sp@site__"}, r.Names())
	kinds := []Kind{Simple, Structured, Simple, Simple, Nested, Nested}
	for i, k := range kinds {
		require.Equal(t, k, r.Term(i).Kind, r.Term(i).Name)
	}
	require.Equal(t, 6, r.NObs())
	require.Same(t, covs["sp"], r.Term(1).Cov)
}

func TestStructure(t *testing.T) {
	data, covs := frame(t)
	sp, _ := data.Factor("sp")
	site, _ := data.Factor("site")
	env, _ := data.Numeric("env")

	iid := NewSimple(sp, nil).Structure()
	require.Equal(t, 1.0, iid.At(0, 3))
	require.Equal(t, 0.0, iid.At(0, 1))

	phy := NewStructured(sp, covs["sp"], nil).Structure()
	// rows resolved by label, not by covariance order
	require.Equal(t, 0.5, phy.At(0, 1))
	require.Equal(t, 0.1, phy.At(0, 2))
	require.Equal(t, 1.0, phy.At(0, 3))

	nested := NewNested(NewStructured(sp, covs["sp"], nil), site, nil).Structure()
	require.Equal(t, 0.5, nested.At(0, 1))
	require.Equal(t, 0.0, nested.At(0, 4))
	require.Equal(t, 1.0, nested.At(2, 2))

	crossed := NewNested(NewSimple(sp, nil), site, covs["site"]).Structure()
	require.Equal(t, 0.3, crossed.At(0, 3))
	require.Equal(t, 0.0, crossed.At(0, 4))

	slope := NewSimple(sp, &Slope{Name: "env", Values: env}).Structure()
	require.Equal(t, 4.0, slope.At(0, 3))
	require.Equal(t, 36.0, slope.At(5, 5))

	var es mat.EigenSym
	require.True(t, es.Factorize(nested, false))
	require.GreaterOrEqual(t, es.Values(nil)[0], -1e-12)
}

func TestSingleLevelRejected(t *testing.T) {
	data, _ := frame(t)
	one, _ := data.Factor("one")
	cov, err := covar.FromDense([]string{"x"}, []float64{1})
	require.NoError(t, err)

	_, err = NewRegistry(NewStructured(one, cov, nil))
	var ce *covar.ConstructionError
	require.True(t, errors.As(err, &ce))

	site, _ := data.Factor("site")
	_, err = NewRegistry(NewNested(NewSimple(one, nil), site, nil))
	require.True(t, errors.As(err, &ce))

	// iid effects on a single level are allowed
	_, err = NewRegistry(NewSimple(one, nil))
	require.NoError(t, err)
}

func TestCovarianceMismatch(t *testing.T) {
	data, covs := frame(t)
	sp, _ := data.Factor("sp")
	_, err := NewRegistry(NewStructured(sp, covs["site"], nil))
	var ce *covar.ConstructionError
	require.True(t, errors.As(err, &ce))

	other, err := covar.FromDense([]string{"a", "b", "z"}, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	require.NoError(t, err)
	_, err = NewRegistry(NewStructured(sp, other, nil))
	require.True(t, errors.As(err, &ce))
	require.Equal(t, []string{"c"}, ce.Names)
}

func TestParseErrors(t *testing.T) {
	data, covs := frame(t)
	for _, f := range []string{
		"1|sp",
		"(1|sp",
		"(1|sp) +",
		"(1|genus)",
		"(temp|sp)",
		"(1|site@sp__@x)",
		"(1|sp_)",
		"(1|sp@sp)",
		"(1|sp) + (1|sp)",
	} {
		_, err := Parse(f, data, covs)
		var se *SpecError
		require.True(t, errors.As(err, &se), "formula %q: %v", f, err)
	}

	_, err := Parse("(1|sp__)", data, nil)
	var se *SpecError
	require.True(t, errors.As(err, &se))
}
