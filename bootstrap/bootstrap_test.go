package bootstrap

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/phyrgo/phyr/checkpoint"
)

func normal(ctx context.Context, i int, rng *rand.Rand) ([]float64, bool, error) {
	return []float64{rng.NormFloat64(), float64(i)}, true, nil
}

func TestNoReplicates(t *testing.T) {
	_, err := Run(context.Background(), 0, nil, normal)
	require.ErrorIs(t, err, ErrNoReplicates)
	_, err = Run(context.Background(), -3, nil, normal)
	require.ErrorIs(t, err, ErrNoReplicates)
}

func TestOrderAndDeterminism(t *testing.T) {
	run := func(workers int) []Replicate {
		s := DefaultSettings()
		s.Workers = workers
		s.Seed = 42
		seq, err := Run(context.Background(), 50, s, normal)
		require.NoError(t, err)
		require.Equal(t, 50, seq.Len())
		var reps []Replicate
		for {
			r, ok := seq.Next()
			if !ok {
				break
			}
			reps = append(reps, r)
		}
		// the sequence cannot be restarted
		_, ok := seq.Next()
		require.False(t, ok)
		return reps
	}
	a, b := run(1), run(8)
	require.Len(t, a, 50)
	for i := range a {
		require.Equal(t, i, a[i].Index)
		require.Equal(t, float64(i), a[i].Estimates[1])
		require.Equal(t, a[i].Estimates, b[i].Estimates)
	}
}

func TestIntervals(t *testing.T) {
	s := DefaultSettings()
	seq, err := Run(context.Background(), 2000, s, func(ctx context.Context, i int, rng *rand.Rand) ([]float64, bool, error) {
		return []float64{rng.NormFloat64(), 5 + 2*rng.NormFloat64()}, true, nil
	})
	require.NoError(t, err)
	tab, err := Intervals(seq, []string{"a", "b"}, []float64{0, 5}, 0.95)
	require.NoError(t, err)
	require.Equal(t, 2000, tab.Used)
	a, ok := tab.Interval("a")
	require.True(t, ok)
	require.InDelta(t, -1.96, a.Lower, 0.2)
	require.InDelta(t, 1.96, a.Upper, 0.2)
	b, _ := tab.Interval("b")
	require.InDelta(t, 5, b.Mean, 0.2)
	require.InDelta(t, 2, b.SD, 0.2)
	require.NotEmpty(t, tab.String())
}

func TestFailuresExcluded(t *testing.T) {
	seq, err := Run(context.Background(), 100, nil, func(ctx context.Context, i int, rng *rand.Rand) ([]float64, bool, error) {
		switch i % 4 {
		case 0:
			return nil, false, errors.New("singular")
		case 1:
			return []float64{1000}, false, nil
		}
		return []float64{float64(i % 2)}, true, nil
	})
	require.NoError(t, err)
	tab, err := Intervals(seq, []string{"x"}, []float64{0}, 0.9)
	require.NoError(t, err)
	require.Equal(t, 50, tab.Used)
	require.Equal(t, 50, tab.Failed)
	require.LessOrEqual(t, tab.Intervals[0].Upper, 1.0)
}

func TestAllFailing(t *testing.T) {
	seq, err := Run(context.Background(), 20, nil, func(ctx context.Context, i int, rng *rand.Rand) ([]float64, bool, error) {
		return []float64{1}, false, nil
	})
	require.NoError(t, err)
	_, err = Intervals(seq, []string{"x"}, []float64{0}, 0.9)
	var ie *InsufficientReplicatesError
	require.True(t, errors.As(err, &ie))
	require.Equal(t, 20, ie.Failed)
	require.Equal(t, 20, ie.Total)
}

func TestZeroMaxFailFraction(t *testing.T) {
	failing := func(k int) Func {
		return func(ctx context.Context, i int, rng *rand.Rand) ([]float64, bool, error) {
			if i < k {
				return nil, false, errors.New("singular")
			}
			return []float64{rng.Float64()}, true, nil
		}
	}
	s := &Settings{Workers: 4}
	seq, err := Run(context.Background(), 100, s, failing(1))
	require.NoError(t, err)
	tab, err := Intervals(seq, []string{"x"}, []float64{0.5}, 0.9)
	require.NoError(t, err)
	require.Equal(t, 99, tab.Used)
	require.Equal(t, 1, tab.Failed)

	seq, err = Run(context.Background(), 100, s, failing(60))
	require.NoError(t, err)
	_, err = Intervals(seq, []string{"x"}, []float64{0.5}, 0.9)
	var ie *InsufficientReplicatesError
	require.True(t, errors.As(err, &ie))
	require.Equal(t, 60, ie.Failed)
}

func TestCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	s := DefaultSettings()
	s.Workers = 2
	seq, err := Run(ctx, 1000, s, func(ctx context.Context, i int, rng *rand.Rand) ([]float64, bool, error) {
		if atomic.AddInt32(&calls, 1) == 10 {
			cancel()
		}
		return []float64{1}, true, nil
	})
	require.NoError(t, err)
	_, err = Collect(seq)
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, int(atomic.LoadInt32(&calls)), 1000)
}

func TestCheckpointResume(t *testing.T) {
	store, err := checkpoint.Open(filepath.Join(t.TempDir(), "boot.db"))
	require.NoError(t, err)
	defer store.Close()

	var calls int32
	fn := func(ctx context.Context, i int, rng *rand.Rand) ([]float64, bool, error) {
		atomic.AddInt32(&calls, 1)
		return []float64{rng.Float64()}, true, nil
	}
	s := DefaultSettings()
	s.Store = store
	s.RunKey = "test"

	first, err := Run(context.Background(), 30, s, fn)
	require.NoError(t, err)
	a, err := Collect(first)
	require.NoError(t, err)
	require.Equal(t, int32(30), atomic.LoadInt32(&calls))

	second, err := Run(context.Background(), 40, s, fn)
	require.NoError(t, err)
	b, err := Collect(second)
	require.NoError(t, err)
	// only the new replicates are computed
	require.Equal(t, int32(40), atomic.LoadInt32(&calls))
	require.Equal(t, a, b[:30])
}
