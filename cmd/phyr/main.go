/*
Phyr fits phylogenetic generalized linear mixed models of community
data and estimates correlations between traits measured on the same
species.

Print the covariance of a tree:

	phyr vcv tree.nwk

Fit a PGLMM with phylogenetic and site effects:

	phyr pglmm --response freq --fixed env data.csv tree.nwk "(1|sp__) + (1|site) + (env|sp__)"

Estimate the correlation of two traits with bootstrap intervals:

	phyr corphylo --trait mass --trait length --boot 500 traits.csv tree.nwk

To see all the options run:

	phyr --help
*/
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"time"

	"github.com/op/go-logging"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/phyrgo/phyr/optimize"
)

// These three variables are set during the compilation.
var githash = ""
var gitbranch = ""
var buildstamp = ""
var version = fmt.Sprintf("branch: %s, revision: %s, build time: %s", gitbranch, githash, buildstamp)

// Logger settings.
var log = logging.MustGetLogger("phyr")
var formatter = logging.MustStringFormatter(`%{message}`)

// modules lists the loggers of the packages.
var modules = []string{"phyr", "optimize", "covar", "terms", "pglmm", "corphylo", "bootstrap", "checkpoint"}

// command-line options
var (
	// application
	app = kingpin.New("phyr", "phylogenetic mixed models and correlated trait estimation").Version(version)

	// optimizer parameters
	iterations = app.Flag("iter", "maximum number of optimizer iterations").Default("10000").Int()
	report     = app.Flag("report", "report every N iterations").Default("10").Int()
	method     = app.Flag("method", "optimization method to use "+
		"(simplex: downhill simplex, "+
		"lbfgsb: limited-memory Broyden–Fletcher–Goldfarb–Shanno with bounding constraints, "+
		"bfgs: BFGS on transformed parameters, "+
		"none: just compute likelihood, no optimization"+
		")").Default("simplex").Enum(optimize.Simplex, optimize.LBFGSB, optimize.BFGS, optimize.None)
	ftol = app.Flag("ftol", "relative function tolerance").Default("1e-9").Float64()

	// technical
	nThreads   = app.Flag("nt", "number of threads to use").Int()
	seed       = app.Flag("seed", "bootstrap random generator seed, default time based").Default("-1").Int64()
	cpuProfile = app.Flag("cpuprofile", "write cpu profile to file").String()

	// input/output
	outLogF  = app.Flag("log", "write log to a file").String()
	logLevel = app.Flag("loglevel", "set loglevel "+
		"('critical', 'error', 'warning', 'notice', 'info', 'debug')").
		Default("notice").
		Enum("critical", "error", "warning", "notice", "info", "debug")
	jsonF = app.Flag("json", "write json output to a file").String()

	// vcv
	vcvCmd      = app.Command("vcv", "print the phylogenetic covariance of a tree")
	vcvTree     = vcvCmd.Arg("tree", "newick tree").Required().ExistingFile()
	vcvAlpha    = vcvCmd.Flag("ou", "Ornstein-Uhlenbeck rate").Default("0").Float64()
	vcvScale    = vcvCmd.Flag("scale", "scale the largest element to one").Bool()
	vcvDistance = vcvCmd.Flag("cophenetic", "print the cophenetic distances instead").Bool()

	// pglmm
	pglmmCmd      = app.Command("pglmm", "fit a phylogenetic generalized linear mixed model")
	pglmmData     = pglmmCmd.Arg("data", "observations in CSV format with a header").Required().ExistingFile()
	pglmmTree     = pglmmCmd.Arg("tree", "newick tree of the species").Required().ExistingFile()
	pglmmFormula  = pglmmCmd.Arg("formula", "random terms, e.g. \"(1|sp__) + (1|site)\"").Required().String()
	pglmmResponse = pglmmCmd.Flag("response", "response column").Required().String()
	pglmmFixed    = pglmmCmd.Flag("fixed", "fixed effect covariate column (repeatable)").Strings()
	pglmmSpecies  = pglmmCmd.Flag("species", "species column").Default("sp").String()
	pglmmFamily   = pglmmCmd.Flag("family", "response family").Default("gaussian").
			Enum("gaussian", "binomial", "poisson", "zeroinflated.binomial", "zeroinflated.poisson")
	pglmmTrials  = pglmmCmd.Flag("trials", "binomial size column").String()
	pglmmML      = pglmmCmd.Flag("ml", "use maximum likelihood instead of REML").Bool()
	pglmmTest    = pglmmCmd.Flag("test", "likelihood ratio tests of the random effects").Bool()
	pglmmNoScale = pglmmCmd.Flag("noscale", "don't scale the phylogenetic covariance").Bool()
	pglmmOU      = pglmmCmd.Flag("ou", "Ornstein-Uhlenbeck rate of the phylogenetic covariance").Default("0").Float64()
	pglmmCov     = pglmmCmd.Flag("cov", "factor:file covariance of a factor for group__ terms (repeatable)").Strings()

	// corphylo
	corCmd        = app.Command("corphylo", "estimate correlations between traits")
	corData       = corCmd.Arg("data", "species traits in CSV format with a header").Required().ExistingFile()
	corTree       = corCmd.Arg("tree", "newick tree of the species").Required().ExistingFile()
	corTraits     = corCmd.Flag("trait", "trait column (repeatable, at least two)").Required().Strings()
	corSpecies    = corCmd.Flag("species", "species column").Default("sp").String()
	corCovariates = corCmd.Flag("covariate", "trait:column covariate (repeatable)").Strings()
	corME         = corCmd.Flag("me", "trait:column measurement standard error (repeatable)").Strings()
	corML         = corCmd.Flag("ml", "use maximum likelihood instead of REML").Bool()
	corDMin       = corCmd.Flag("dmin", "lower bound of the phylogenetic signal").Default("1e-4").Float64()
	corStart      = corCmd.Flag("start", "read start position from the last line of a file").ExistingFile()
	corBoot       = corCmd.Flag("boot", "number of bootstrap replicates").Default("0").Int()
	corLevel      = corCmd.Flag("level", "bootstrap interval level").Default("0.95").Float64()
	corMaxFail    = corCmd.Flag("maxfail", "tolerated fraction of failed bootstrap replicates").Default("0.5").Float64()
	corCheckpoint = corCmd.Flag("checkpoint", "keep bootstrap replicates in a database").String()
	corRestart    = corCmd.Flag("restart", "discard the replicates in the checkpoint").Bool()
)

// optimizerSettings creates optimizer settings from the command line.
func optimizerSettings() *optimize.Settings {
	return &optimize.Settings{
		Method:       *method,
		Iterations:   *iterations,
		FTol:         *ftol,
		ReportPeriod: *report,
	}
}

func main() {
	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	// logging
	logging.SetFormatter(formatter)

	var backend *logging.LogBackend
	if *outLogF != "" {
		f, err := os.OpenFile(*outLogF, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			log.Fatal("Error creating log file:", err)
		}
		defer f.Close()
		backend = logging.NewLogBackend(f, "", 0)
	} else {
		backend = logging.NewLogBackend(os.Stderr, "", 0)
	}
	logging.SetBackend(backend)

	level, err := logging.LogLevel(*logLevel)
	if err != nil {
		log.Fatal(err)
	}
	for _, m := range modules {
		logging.SetLevel(level, m)
	}

	// print revision
	log.Info(version)

	// print commandline
	log.Info("Command line:", os.Args)

	if *seed == -1 {
		*seed = time.Now().UnixNano()
		log.Debug("Random seed from time")
	}
	log.Infof("Random seed=%v", *seed)

	runtime.GOMAXPROCS(*nThreads)
	effectiveNThreads := runtime.GOMAXPROCS(0)
	log.Infof("Using threads: %d.", effectiveNThreads)

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	startTime := time.Now()
	var result interface{}
	switch cmd {
	case vcvCmd.FullCommand():
		err = runVCV(os.Stdout)
	case pglmmCmd.FullCommand():
		result, err = runPGLMM(ctx)
	case corCmd.FullCommand():
		result, err = runCorPhylo(ctx, effectiveNThreads)
	}
	if err != nil {
		log.Fatal(err)
	}
	deltaT := time.Since(startTime)
	log.Noticef("Running time: %v", deltaT)

	summary := &CallSummary{
		Version:     version,
		CommandLine: os.Args,
		Command:     cmd,
		Seed:        *seed,
		NThreads:    effectiveNThreads,
		Time:        deltaT.Seconds(),
		Result:      result,
	}

	// output summary in json format
	if *jsonF != "" {
		j, err := json.Marshal(summary)
		if err != nil {
			log.Error(err)
		} else {
			log.Debug(string(j))
			f, err := os.Create(*jsonF)
			if err != nil {
				log.Error("Error creating json output file:", err)
			} else {
				f.Write(j)
				f.Close()
			}
		}
	}
}
