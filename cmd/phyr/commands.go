package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"

	"gonum.org/v1/gonum/mat"

	"github.com/phyrgo/phyr/bootstrap"
	"github.com/phyrgo/phyr/checkpoint"
	"github.com/phyrgo/phyr/corphylo"
	"github.com/phyrgo/phyr/covar"
	"github.com/phyrgo/phyr/pglmm"
	"github.com/phyrgo/phyr/terms"
)

// cache keeps the tree covariances of a run.
var cache = covar.NewCache()

// runVCV prints the covariance of a tree as a tab separated table.
func runVCV(w io.Writer) error {
	t, err := readTree(*vcvTree)
	if err != nil {
		return err
	}
	c, err := cache.FromTree(t, t.TipNames(), *vcvAlpha)
	if err != nil {
		return err
	}
	if *vcvScale {
		if c, _, err = covar.Standardize(c); err != nil {
			return err
		}
	}
	return writeMatrix(w, c, *vcvDistance)
}

func writeMatrix(w io.Writer, c *covar.Matrix, distance bool) error {
	bw := bufio.NewWriter(w)
	for _, l := range c.Labels() {
		bw.WriteString("\t" + l)
	}
	bw.WriteByte('\n')
	n := c.Dim()
	for i := 0; i < n; i++ {
		bw.WriteString(c.Label(i))
		for j := 0; j < n; j++ {
			v := c.At(i, j)
			if distance {
				v = c.At(i, i) + c.At(j, j) - 2*v
			}
			bw.WriteString("\t" + strconv.FormatFloat(v, 'g', 10, 64))
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// runPGLMM fits a PGLMM to a CSV table.
func runPGLMM(ctx context.Context) (*PGLMMSummary, error) {
	data, err := readTable(*pglmmData)
	if err != nil {
		return nil, err
	}
	log.Infof("Read %d observations of %d columns", data.len(), len(data.header))
	t, err := readTree(*pglmmTree)
	if err != nil {
		return nil, err
	}

	frame := terms.NewFrame(data.len())
	for _, name := range data.header {
		s, _ := data.strings(name)
		if err := frame.AddFactor(name, s); err != nil {
			return nil, err
		}
		// columns are numeric when every value parses
		if f, err := data.floats(name); err == nil {
			if err := frame.AddNumeric(name, f); err != nil {
				return nil, err
			}
		}
	}
	sp, ok := frame.Factor(*pglmmSpecies)
	if !ok {
		return nil, fmt.Errorf("no species column %s", *pglmmSpecies)
	}
	phy, err := cache.FromTree(t, t.TipNames(), *pglmmOU)
	if err != nil {
		return nil, err
	}
	// only the observed species take part in the model
	if phy, err = covar.Subset(phy, sp.Levels()); err != nil {
		return nil, err
	}
	if !*pglmmNoScale {
		if phy, _, err = covar.Standardize(phy); err != nil {
			return nil, err
		}
	}
	covs := map[string]*covar.Matrix{*pglmmSpecies: phy}
	for _, arg := range *pglmmCov {
		name, fn, err := splitPair(arg)
		if err != nil {
			return nil, err
		}
		if covs[name], err = readCovariance(fn); err != nil {
			return nil, err
		}
		log.Infof("Covariance of %s from %s", name, fn)
	}
	reg, err := terms.Parse(*pglmmFormula, frame, covs)
	if err != nil {
		return nil, err
	}

	family, err := pglmm.ParseFamily(*pglmmFamily)
	if err != nil {
		return nil, err
	}
	y, err := data.floats(*pglmmResponse)
	if err != nil {
		return nil, err
	}
	spec := &pglmm.ModelSpec{Y: y, Random: reg, Family: family, REML: !*pglmmML}
	if len(*pglmmFixed) > 0 {
		x := mat.NewDense(data.len(), len(*pglmmFixed)+1, nil)
		spec.XNames = []string{"(Intercept)"}
		for i := 0; i < data.len(); i++ {
			x.Set(i, 0, 1)
		}
		for j, name := range *pglmmFixed {
			col, err := data.floats(name)
			if err != nil {
				return nil, err
			}
			x.SetCol(j+1, col)
			spec.XNames = append(spec.XNames, name)
		}
		spec.X = x
	}
	if *pglmmTrials != "" {
		if spec.Trials, err = data.floats(*pglmmTrials); err != nil {
			return nil, err
		}
	}

	s := pglmm.DefaultSettings()
	s.Optimizer = optimizerSettings()
	s.TestRandom = *pglmmTest
	r, err := pglmm.Fit(ctx, spec, s)
	if err != nil {
		return nil, err
	}
	fmt.Print(r)
	return newPGLMMSummary(r), nil
}

// runCorPhylo fits correlated traits and optionally bootstraps them.
func runCorPhylo(ctx context.Context, workers int) (*CorPhyloSummary, error) {
	data, err := readTable(*corData)
	if err != nil {
		return nil, err
	}
	t, err := readTree(*corTree)
	if err != nil {
		return nil, err
	}
	species, err := data.strings(*corSpecies)
	if err != nil {
		return nil, err
	}
	phy, err := cache.FromTree(t, t.TipNames(), 0)
	if err != nil {
		return nil, err
	}

	spec := &corphylo.Spec{
		Species: species,
		Traits:  *corTraits,
		X:       mat.NewDense(data.len(), len(*corTraits), nil),
		Phy:     phy,
	}
	traitIndex := make(map[string]int, len(*corTraits))
	for j, name := range *corTraits {
		col, err := data.floats(name)
		if err != nil {
			return nil, err
		}
		spec.X.SetCol(j, col)
		traitIndex[name] = j
	}
	pair := func(arg string) (int, []float64, string, error) {
		trait, column, err := splitPair(arg)
		if err != nil {
			return 0, nil, "", err
		}
		j, ok := traitIndex[trait]
		if !ok {
			return 0, nil, "", fmt.Errorf("unknown trait %s in %s", trait, arg)
		}
		col, err := data.floats(column)
		return j, col, column, err
	}
	p := len(*corTraits)
	if len(*corCovariates) > 0 {
		spec.Covariates = make([][][]float64, p)
		spec.CovariateNames = make([][]string, p)
		for _, arg := range *corCovariates {
			j, col, name, err := pair(arg)
			if err != nil {
				return nil, err
			}
			spec.Covariates[j] = append(spec.Covariates[j], col)
			spec.CovariateNames[j] = append(spec.CovariateNames[j], name)
		}
	}
	if len(*corME) > 0 {
		spec.ME = make([][]float64, p)
		for _, arg := range *corME {
			j, col, _, err := pair(arg)
			if err != nil {
				return nil, err
			}
			spec.ME[j] = col
		}
	}

	s := corphylo.DefaultSettings()
	s.REML = !*corML
	s.DMin = *corDMin
	s.Optimizer = optimizerSettings()
	if *corStart != "" {
		if s.Start, err = readStart(*corStart); err != nil {
			return nil, fmt.Errorf("error reading start position: %v", err)
		}
	}
	fit, err := corphylo.Fit(ctx, spec, s)
	if err != nil {
		return nil, err
	}
	fmt.Print(fit)
	summary := newCorPhyloSummary(fit)
	if *corBoot <= 0 {
		return summary, nil
	}

	bs := bootstrap.DefaultSettings()
	bs.Workers = workers
	bs.Seed = *seed
	bs.MaxFailFraction = *corMaxFail
	if *corCheckpoint != "" {
		store, err := checkpoint.Open(*corCheckpoint)
		if err != nil {
			return nil, err
		}
		defer store.Close()
		bs.Store = store
		files := []string{*corData, *corTree}
		if *corStart != "" {
			files = append(files, *corStart)
		}
		bs.RunKey, err = runKey("corphylo", *seed, files,
			*corTraits, *corSpecies, *corCovariates, *corME, *corML, *corDMin,
			*corBoot, *method, *iterations, *ftol)
		if err != nil {
			return nil, err
		}
		log.Infof("Checkpoint run key %s", bs.RunKey)
		if *corRestart {
			if err := store.Delete(bs.RunKey); err != nil {
				return nil, err
			}
		}
	}
	seq, err := corphylo.Bootstrap(ctx, fit, *corBoot, bs)
	if err != nil {
		return nil, err
	}
	tab, err := fit.Intervals(seq, *corLevel)
	if err != nil {
		return nil, err
	}
	fmt.Print(tab)
	summary.Bootstrap = newBootstrapSummary(tab)
	return summary, nil
}
