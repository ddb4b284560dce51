// Package bootstrap runs independent replicate fits in parallel and
// summarizes their estimates by empirical quantile intervals.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"sync"

	"github.com/op/go-logging"

	"github.com/phyrgo/phyr/checkpoint"
)

var log = logging.MustGetLogger("bootstrap")

// ErrNoReplicates is returned for a non-positive number of replicates.
var ErrNoReplicates = errors.New("number of bootstrap replicates must be positive")

// InsufficientReplicatesError is returned when too many replicates
// failed to produce estimates.
type InsufficientReplicatesError struct {
	Failed int
	Total  int
	// Cause is a representative failure.
	Cause error
}

func (e *InsufficientReplicatesError) Error() string {
	return fmt.Sprintf("%d of %d bootstrap replicates failed: %v", e.Failed, e.Total, e.Cause)
}

func (e *InsufficientReplicatesError) Unwrap() error {
	return e.Cause
}

// Replicate is the outcome of a single replicate fit.
type Replicate struct {
	Index     int
	Estimates []float64
	Converged bool
	// Err is the failure cause.
	Err error
}

// OK is true for replicates usable in intervals.
func (r Replicate) OK() bool {
	return r.Err == nil && r.Converged
}

// Func fits replicate index using rng as the only source of
// randomness. It returns the estimates and the convergence flag.
type Func func(ctx context.Context, index int, rng *rand.Rand) (estimates []float64, converged bool, err error)

// Settings controls a bootstrap run.
type Settings struct {
	// Workers is the number of concurrent replicate fits.
	Workers int
	// Seed of replicate i is Seed+i.
	Seed int64
	// MaxFailFraction is the largest tolerated fraction of failed
	// replicates. Zero or less selects DefaultMaxFailFraction.
	MaxFailFraction float64
	// Store keeps finished replicates under RunKey, optional.
	Store  *checkpoint.Store
	RunKey string
}

// DefaultMaxFailFraction is the tolerated fraction of failed
// replicates unless set otherwise.
const DefaultMaxFailFraction = 0.5

// DefaultSettings uses one worker per CPU.
func DefaultSettings() *Settings {
	return &Settings{
		Workers:         runtime.NumCPU(),
		Seed:            1,
		MaxFailFraction: DefaultMaxFailFraction,
		RunKey:          "bootstrap",
	}
}

// Sequence is a finite sequence of replicates delivered in index
// order. It can be consumed only once.
type Sequence struct {
	n        int
	next     int
	maxFail  float64
	results  <-chan Replicate
	pending  map[int]Replicate
	cancel   context.CancelFunc
	failed   int
	firstErr error
}

// Run starts n replicates of fn. Replicates are computed in the
// background; Close stops the remaining ones.
func Run(ctx context.Context, n int, s *Settings, fn Func) (*Sequence, error) {
	if n <= 0 {
		return nil, ErrNoReplicates
	}
	if s == nil {
		s = DefaultSettings()
	}
	workers := s.Workers
	if workers <= 0 {
		workers = 1
	}
	if workers > n {
		workers = n
	}
	maxFail := s.MaxFailFraction
	if maxFail <= 0 {
		maxFail = DefaultMaxFailFraction
	}
	runKey := s.RunKey
	if runKey == "" {
		runKey = "bootstrap"
	}

	if s.Store != nil {
		if done, err := s.Store.Count(runKey); err != nil {
			log.Warningf("Cannot read checkpoint %s: %v", runKey, err)
		} else if done > 0 {
			log.Infof("Resuming %s: %d replicates in the checkpoint", runKey, done)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	jobs := make(chan int, n)
	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)
	results := make(chan Replicate, n)

	log.Infof("Starting %d bootstrap replicates on %d workers", n, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results <- replicate(ctx, i, s.Seed, s.Store, runKey, fn)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	return &Sequence{
		n:       n,
		maxFail: maxFail,
		results: results,
		pending: make(map[int]Replicate),
		cancel:  cancel,
	}, nil
}

// replicate computes or restores a single replicate.
func replicate(ctx context.Context, i int, seed int64, store *checkpoint.Store, runKey string, fn Func) Replicate {
	if err := ctx.Err(); err != nil {
		return Replicate{Index: i, Err: err}
	}
	if store != nil {
		rec, err := store.Load(runKey, i)
		if err != nil {
			log.Warningf("Cannot load replicate %d: %v", i, err)
		}
		if rec != nil {
			log.Debugf("Replicate %d restored from checkpoint", i)
			r := Replicate{Index: i, Estimates: rec.Estimates, Converged: rec.Converged}
			if rec.Error != "" {
				r.Err = errors.New(rec.Error)
			}
			return r
		}
	}
	rng := rand.New(rand.NewSource(seed + int64(i)))
	est, converged, err := fn(ctx, i, rng)
	r := Replicate{Index: i, Estimates: est, Converged: converged, Err: err}
	if err != nil && ctx.Err() != nil {
		// interrupted replicates are not saved
		return r
	}
	if store != nil {
		rec := &checkpoint.Record{Index: i, Estimates: est, Converged: converged}
		if err != nil {
			rec.Error = err.Error()
		}
		if serr := store.Save(runKey, rec); serr != nil {
			log.Warningf("Cannot save replicate %d: %v", i, serr)
		}
	}
	return r
}

// Len returns the number of replicates.
func (s *Sequence) Len() int {
	return s.n
}

// Next returns the next replicate in index order, blocking until it
// is available. It returns false after the last replicate.
func (s *Sequence) Next() (Replicate, bool) {
	if s.next >= s.n {
		return Replicate{}, false
	}
	for {
		if r, ok := s.pending[s.next]; ok {
			delete(s.pending, s.next)
			s.next++
			s.record(r)
			return r, true
		}
		r, ok := <-s.results
		if !ok {
			// workers are gone, nothing else will arrive
			r = Replicate{Index: s.next, Err: errors.New("replicate was not computed")}
			s.next++
			s.record(r)
			return r, true
		}
		s.pending[r.Index] = r
	}
}

func (s *Sequence) record(r Replicate) {
	if r.OK() {
		return
	}
	s.failed++
	cause := r.Err
	if cause == nil {
		cause = errors.New("did not converge")
	}
	if s.firstErr == nil {
		s.firstErr = cause
	}
	log.Warningf("Bootstrap replicate %d failed: %v", r.Index, cause)
}

// Close stops the computation of the remaining replicates.
func (s *Sequence) Close() {
	s.cancel()
}

// Failed returns the number of failed replicates consumed so far.
func (s *Sequence) Failed() int {
	return s.failed
}

// check returns an error if too many of the consumed replicates
// failed.
func (s *Sequence) check(used int) error {
	if used == 0 || float64(s.failed) > s.maxFail*float64(s.n) {
		return &InsufficientReplicatesError{Failed: s.failed, Total: s.n, Cause: s.firstErr}
	}
	return nil
}
