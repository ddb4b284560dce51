package main

import (
	"encoding/json"
	"math"

	"github.com/phyrgo/phyr/bootstrap"
	"github.com/phyrgo/phyr/corphylo"
	"github.com/phyrgo/phyr/pglmm"
)

// number is a float encoded as null when it is not finite.
type number float64

func (n number) MarshalJSON() ([]byte, error) {
	f := float64(n)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(f)
}

func numbers(fs []float64) []number {
	r := make([]number, len(fs))
	for i, f := range fs {
		r[i] = number(f)
	}
	return r
}

// CallSummary is the JSON output of a run.
type CallSummary struct {
	// Version stores phyr version.
	Version string `json:"version"`
	// CommandLine is an array storing binary name and all command-line parameters.
	CommandLine []string `json:"commandLine"`
	// Command is the executed command.
	Command string `json:"command"`
	// Seed is the bootstrap seed.
	Seed int64 `json:"seed"`
	// NThreads is the number of processes used.
	NThreads int `json:"nThreads"`
	// Time is the computations time in seconds.
	Time float64 `json:"time"`
	// Result is the command specific summary.
	Result interface{} `json:"result,omitempty"`
}

type coefSummary struct {
	Trait    string `json:"trait,omitempty"`
	Name     string `json:"name"`
	Estimate number `json:"estimate"`
	SE       number `json:"se"`
	Z        number `json:"z"`
	P        number `json:"p"`
}

type varianceSummary struct {
	Term     string `json:"term"`
	Variance number `json:"variance"`
	SD       number `json:"sd"`
	LR       number `json:"lr"`
	P        number `json:"p"`
}

// PGLMMSummary stores a PGLMM fit.
type PGLMMSummary struct {
	Family           string            `json:"family"`
	REML             bool              `json:"reml"`
	Quasi            bool              `json:"quasi"`
	N                int               `json:"n"`
	Coefficients     []coefSummary     `json:"coefficients"`
	Variances        []varianceSummary `json:"variances"`
	ResidualVariance number            `json:"residualVariance"`
	ZeroInflation    number            `json:"zeroInflation"`
	LogLik           number            `json:"logLik"`
	AIC              number            `json:"aic"`
	BIC              number            `json:"bic"`
	NParams          int               `json:"nParams"`
	Converged        bool              `json:"converged"`
	Iterations       int               `json:"iterations"`
	Warning          string            `json:"warning,omitempty"`
}

func newPGLMMSummary(r *pglmm.FitResult) *PGLMMSummary {
	s := &PGLMMSummary{
		Family:           r.Family.String(),
		REML:             r.REML,
		Quasi:            r.Quasi,
		N:                r.N,
		ResidualVariance: number(r.ResidualVariance),
		ZeroInflation:    number(r.ZeroInflation),
		LogLik:           number(r.LogLik),
		AIC:              number(r.AIC),
		BIC:              number(r.BIC),
		NParams:          r.NParams,
		Converged:        r.Converged,
		Iterations:       r.Iterations,
		Warning:          r.Warning,
	}
	for _, c := range r.Coefficients {
		s.Coefficients = append(s.Coefficients, coefSummary{
			Name:     c.Name,
			Estimate: number(c.Estimate),
			SE:       number(c.SE),
			Z:        number(c.Z),
			P:        number(c.P),
		})
	}
	for _, v := range r.Variances {
		s.Variances = append(s.Variances, varianceSummary{
			Term:     v.Term,
			Variance: number(v.Variance),
			SD:       number(v.SD),
			LR:       number(v.LR),
			P:        number(v.P),
		})
	}
	return s
}

type intervalSummary struct {
	Name     string `json:"name"`
	Estimate number `json:"estimate"`
	Lower    number `json:"lower"`
	Upper    number `json:"upper"`
	Mean     number `json:"mean"`
	SD       number `json:"sd"`
}

// BootstrapSummary stores bootstrap intervals.
type BootstrapSummary struct {
	Level     float64           `json:"level"`
	Used      int               `json:"used"`
	Failed    int               `json:"failed"`
	Intervals []intervalSummary `json:"intervals"`
}

func newBootstrapSummary(t *bootstrap.Table) *BootstrapSummary {
	s := &BootstrapSummary{Level: t.Level, Used: t.Used, Failed: t.Failed}
	for _, iv := range t.Intervals {
		s.Intervals = append(s.Intervals, intervalSummary{
			Name:     iv.Name,
			Estimate: number(iv.Estimate),
			Lower:    number(iv.Lower),
			Upper:    number(iv.Upper),
			Mean:     number(iv.Mean),
			SD:       number(iv.SD),
		})
	}
	return s
}

// CorPhyloSummary stores a correlated traits fit.
type CorPhyloSummary struct {
	Traits       []string          `json:"traits"`
	N            int               `json:"n"`
	REML         bool              `json:"reml"`
	Corrs        [][]number        `json:"corrs"`
	D            []number          `json:"d"`
	Alpha        []number          `json:"alpha"`
	Coefficients []coefSummary     `json:"coefficients"`
	LogLik       number            `json:"logLik"`
	AIC          number            `json:"aic"`
	BIC          number            `json:"bic"`
	NParams      int               `json:"nParams"`
	Converged    bool              `json:"converged"`
	Iterations   int               `json:"iterations"`
	RCond        number            `json:"rcond"`
	Bootstrap    *BootstrapSummary `json:"bootstrap,omitempty"`
}

func newCorPhyloSummary(r *corphylo.FitResult) *CorPhyloSummary {
	s := &CorPhyloSummary{
		Traits:     r.Traits,
		N:          r.N,
		REML:       r.REML,
		D:          numbers(r.D),
		Alpha:      numbers(r.Alpha),
		LogLik:     number(r.LogLik),
		AIC:        number(r.AIC),
		BIC:        number(r.BIC),
		NParams:    r.NParams,
		Converged:  r.Converged,
		Iterations: r.Iterations,
		RCond:      number(r.RCond),
	}
	for _, row := range r.CorrTable() {
		s.Corrs = append(s.Corrs, numbers(row))
	}
	for _, c := range r.Coefficients {
		s.Coefficients = append(s.Coefficients, coefSummary{
			Trait:    c.Trait,
			Name:     c.Name,
			Estimate: number(c.Estimate),
			SE:       number(c.SE),
			Z:        number(c.Z),
			P:        number(c.P),
		})
	}
	return s
}
