package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roundscan/roundscan/config/params"
	"github.com/roundscan/roundscan/indexer/pipeline"
)

type recordingRunner struct {
	mu     sync.Mutex
	runs   []uint64
	status map[uint64]pipeline.Status
	errAt  map[uint64]error
}

func newRecordingRunner() *recordingRunner {
	return &recordingRunner{
		status: make(map[uint64]pipeline.Status),
		errAt:  make(map[uint64]error),
	}
}

func (r *recordingRunner) Run(_ context.Context, epoch uint64) (pipeline.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, epoch)
	if err, ok := r.errAt[epoch]; ok {
		return pipeline.StatusFailed, err
	}
	if status, ok := r.status[epoch]; ok {
		return status, nil
	}
	return pipeline.StatusDone, nil
}

func (r *recordingRunner) snapshot() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint64, len(r.runs))
	copy(out, r.runs)
	return out
}

type fakeSource struct {
	mu    sync.Mutex
	epoch uint64
	err   error
}

func (f *fakeSource) CurrentEpoch(_ context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.epoch, f.err
}

func (f *fakeSource) set(epoch uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.epoch = epoch
}

func sweepConfig() *params.Config {
	cfg := params.DefaultConfig()
	cfg.SweepBatch = 3
	cfg.SweepPause = time.Millisecond
	cfg.MainRestart = time.Minute
	cfg.TipWarmup = time.Millisecond
	cfg.TipInterval = 5 * time.Millisecond
	return cfg
}

func TestSweeperWalksBackwardFromSettledEpoch(t *testing.T) {
	runner := newRecordingRunner()
	source := &fakeSource{epoch: 10}
	s := NewSweeper(context.Background(), runner, source, sweepConfig(), func(error) {})

	go s.Start()
	require.Eventually(t, func() bool {
		runs := runner.snapshot()
		return len(runs) >= 8
	}, 2*time.Second, time.Millisecond)
	require.NoError(t, s.Stop())

	runs := runner.snapshot()
	// The sweep starts at current-2 and descends to the first epoch.
	assert.Equal(t, []uint64{8, 7, 6, 5, 4, 3, 2, 1}, runs[:8])
}

func TestSweeperSkipsNothingYoung(t *testing.T) {
	runner := newRecordingRunner()
	source := &fakeSource{epoch: 2} // nothing settled yet
	s := NewSweeper(context.Background(), runner, source, sweepConfig(), func(error) {})

	go s.Start()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Stop())
	assert.Empty(t, runner.snapshot())
}

func TestSweeperFatalOnCircuitOpen(t *testing.T) {
	runner := newRecordingRunner()
	runner.errAt[8] = errors.Wrap(pipeline.ErrCircuitOpen, "epoch 8")
	source := &fakeSource{epoch: 10}

	var fatalMu sync.Mutex
	var fatalErr error
	s := NewSweeper(context.Background(), runner, source, sweepConfig(), func(err error) {
		fatalMu.Lock()
		fatalErr = err
		fatalMu.Unlock()
	})

	go s.Start()
	require.Eventually(t, func() bool {
		fatalMu.Lock()
		defer fatalMu.Unlock()
		return fatalErr != nil
	}, 2*time.Second, time.Millisecond)
	require.NoError(t, s.Stop())

	fatalMu.Lock()
	defer fatalMu.Unlock()
	assert.ErrorIs(t, fatalErr, pipeline.ErrCircuitOpen)
	assert.ErrorIs(t, s.Status(), pipeline.ErrCircuitOpen)
}

func TestSweeperRetriesFailedEpochNextGeneration(t *testing.T) {
	runner := newRecordingRunner()
	runner.errAt[8] = errors.New("transient rpc failure")
	source := &fakeSource{epoch: 10}
	cfg := sweepConfig()
	cfg.MainRestart = 20 * time.Millisecond
	s := NewSweeper(context.Background(), runner, source, cfg, func(error) {})

	go s.Start()
	require.Eventually(t, func() bool {
		seen := 0
		for _, e := range runner.snapshot() {
			if e == 8 {
				seen++
			}
		}
		return seen >= 2
	}, 2*time.Second, time.Millisecond)
	require.NoError(t, s.Stop())
}

func TestTipRunnerProcessesSettledBand(t *testing.T) {
	runner := newRecordingRunner()
	source := &fakeSource{epoch: 10}
	tr := NewTipRunner(context.Background(), runner, source, sweepConfig(), func(error) {})

	go tr.Start()
	require.Eventually(t, func() bool {
		return len(runner.snapshot()) >= 3
	}, 2*time.Second, time.Millisecond)

	runs := runner.snapshot()
	assert.Equal(t, []uint64{8, 7, 6}, runs[:3])

	// The attempted set keeps completed epochs from re-running; a new
	// current epoch exposes exactly one new settled epoch.
	source.set(11)
	require.Eventually(t, func() bool {
		for _, e := range runner.snapshot() {
			if e == 9 {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)
	require.NoError(t, tr.Stop())

	counts := make(map[uint64]int)
	for _, e := range runner.snapshot() {
		counts[e]++
	}
	for _, e := range []uint64{8, 7, 6, 9} {
		assert.Equal(t, 1, counts[e], "epoch %d should run once", e)
	}
}

func TestTipRunnerFatalOnCircuitOpen(t *testing.T) {
	runner := newRecordingRunner()
	runner.errAt[8] = errors.Wrap(pipeline.ErrCircuitOpen, "epoch 8")
	source := &fakeSource{epoch: 10}

	var fatalMu sync.Mutex
	var fatalErr error
	tr := NewTipRunner(context.Background(), runner, source, sweepConfig(), func(err error) {
		fatalMu.Lock()
		fatalErr = err
		fatalMu.Unlock()
	})

	go tr.Start()
	require.Eventually(t, func() bool {
		fatalMu.Lock()
		defer fatalMu.Unlock()
		return fatalErr != nil
	}, 2*time.Second, time.Millisecond)
	require.NoError(t, tr.Stop())
}
