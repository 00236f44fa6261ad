// Package scheduler owns the two epoch producers: a historical sweeper that
// walks backward from the chain's current epoch, and a tip runner that keeps
// the most recent settled epochs fresh. Both feed the same pipeline and
// coordinate only through the lock service and the completion table.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/roundscan/roundscan/config/params"
	"github.com/roundscan/roundscan/indexer/pipeline"
)

var log = logrus.WithField("prefix", "scheduler")

var (
	sweepCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roundscan_sweep_cycles_total",
		Help: "Completed historical sweep cycles.",
	})
	sweepGenerations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roundscan_sweep_generations_total",
		Help: "Historical sweeper restarts.",
	})
	tipTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roundscan_tip_ticks_total",
		Help: "Tip runner invocations.",
	})
)

// tipDepth is how many settled epochs behind the current one the tip runner
// re-checks each tick. The two youngest epochs are still open or locking and
// are never touched.
const (
	settledLag = 2
	tipDepth   = 3
)

// EpochRunner drives one epoch through the pipeline.
type EpochRunner interface {
	Run(ctx context.Context, epoch uint64) (pipeline.Status, error)
}

// EpochSource reports the contract's current epoch.
type EpochSource interface {
	CurrentEpoch(ctx context.Context) (uint64, error)
}

// attemptedSet remembers epochs already driven to completion this uptime so
// repeated ticks skip the completion-table round trip. It is an optimization
// only; the completion table remains authoritative.
type attemptedSet struct {
	mu     sync.Mutex
	epochs map[uint64]struct{}
}

func newAttemptedSet() *attemptedSet {
	return &attemptedSet{epochs: make(map[uint64]struct{})}
}

func (a *attemptedSet) has(epoch uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.epochs[epoch]
	return ok
}

func (a *attemptedSet) add(epoch uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.epochs[epoch] = struct{}{}
}

func (a *attemptedSet) clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.epochs = make(map[uint64]struct{})
}

// runOne pushes one epoch through the pipeline and updates the driver's
// attempted set. It returns the error only when it is fatal.
func runOne(ctx context.Context, runner EpochRunner, attempted *attemptedSet, epoch uint64) error {
	status, err := runner.Run(ctx, epoch)
	if err != nil {
		if errors.Is(err, pipeline.ErrCircuitOpen) {
			return err
		}
		// Non-fatal failure: leave the epoch out of the attempted set so a
		// later pass retries it.
		return nil
	}
	if status == pipeline.StatusDone || status == pipeline.StatusSkipped {
		attempted.add(epoch)
	}
	return nil
}

// Sweeper walks epochs backward from currentEpoch-2, a bounded batch per
// cycle with a pause in between, and restarts itself on a fixed period to
// shed accumulated caches and re-read the chain tip.
type Sweeper struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	runner EpochRunner
	source EpochSource
	fatal  func(error)

	batch     int
	pause     time.Duration
	restart   time.Duration
	attempted *attemptedSet

	mu      sync.Mutex
	lastErr error
}

// NewSweeper builds the historical sweeper. fatal is invoked at most once,
// when the pipeline's circuit breaker trips.
func NewSweeper(ctx context.Context, runner EpochRunner, source EpochSource, cfg *params.Config, fatal func(error)) *Sweeper {
	ctx, cancel := context.WithCancel(ctx)
	return &Sweeper{
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		runner:    runner,
		source:    source,
		fatal:     fatal,
		batch:     cfg.SweepBatch,
		pause:     cfg.SweepPause,
		restart:   cfg.MainRestart,
		attempted: newAttemptedSet(),
	}
}

// Start runs sweep generations until the context closes.
func (s *Sweeper) Start() {
	defer close(s.done)
	for {
		if s.ctx.Err() != nil {
			return
		}
		sweepGenerations.Inc()
		if err := s.generation(); err != nil {
			if errors.Is(err, pipeline.ErrCircuitOpen) {
				s.setErr(err)
				s.fatal(err)
				return
			}
			s.setErr(err)
			log.WithError(err).Error("Sweep generation failed, restarting")
			if !s.sleep(s.pause) {
				return
			}
		}
	}
}

// generation reads the current epoch once and sweeps downward until the
// restart period elapses or the genesis epoch is reached.
func (s *Sweeper) generation() error {
	genCtx, cancel := context.WithTimeout(s.ctx, s.restart)
	defer cancel()
	s.attempted.clear()

	current, err := s.source.CurrentEpoch(genCtx)
	if err != nil {
		return errors.Wrap(err, "could not read current epoch")
	}
	if current <= settledLag {
		return nil
	}
	cursor := current - settledLag
	log.WithFields(logrus.Fields{
		"currentEpoch": current,
		"from":         cursor,
	}).Info("Starting historical sweep")

	for cursor >= 1 {
		for i := 0; i < s.batch && cursor >= 1; cursor-- {
			if s.attempted.has(cursor) {
				continue
			}
			if err := runOne(genCtx, s.runner, s.attempted, cursor); err != nil {
				return err
			}
			i++
			if genCtx.Err() != nil {
				return nil // restart period elapsed
			}
		}
		sweepCycles.Inc()
		select {
		case <-genCtx.Done():
			return nil
		case <-time.After(s.pause):
		}
	}
	log.Info("Historical sweep reached the first epoch")
	// Nothing older remains; idle out the rest of the generation.
	<-genCtx.Done()
	return nil
}

func (s *Sweeper) sleep(d time.Duration) bool {
	select {
	case <-s.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (s *Sweeper) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
}

// Stop cancels the sweeper and waits for it to wind down.
func (s *Sweeper) Stop() error {
	s.cancel()
	<-s.done
	return nil
}

// Status surfaces the last generation error, if any.
func (s *Sweeper) Status() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// TipRunner re-processes the {e-2, e-3, e-4} band on a fixed interval after
// an initial warm-up, racing the sweeper to the youngest settled epochs.
type TipRunner struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	runner EpochRunner
	source EpochSource
	fatal  func(error)

	warmup    time.Duration
	interval  time.Duration
	attempted *attemptedSet

	mu      sync.Mutex
	lastErr error
}

// NewTipRunner builds the tip runner.
func NewTipRunner(ctx context.Context, runner EpochRunner, source EpochSource, cfg *params.Config, fatal func(error)) *TipRunner {
	ctx, cancel := context.WithCancel(ctx)
	return &TipRunner{
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		runner:    runner,
		source:    source,
		fatal:     fatal,
		warmup:    cfg.TipWarmup,
		interval:  cfg.TipInterval,
		attempted: newAttemptedSet(),
	}
}

// Start waits out the warm-up and then ticks until the context closes.
func (t *TipRunner) Start() {
	defer close(t.done)
	select {
	case <-t.ctx.Done():
		return
	case <-time.After(t.warmup):
	}
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		if err := t.tick(); err != nil {
			t.setErr(err)
			t.fatal(err)
			return
		}
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick processes the settled band behind the current epoch.
func (t *TipRunner) tick() error {
	tipTicks.Inc()
	current, err := t.source.CurrentEpoch(t.ctx)
	if err != nil {
		t.setErr(err)
		log.WithError(err).Error("Tip runner could not read current epoch")
		return nil
	}
	for k := uint64(settledLag); k < settledLag+tipDepth; k++ {
		if current <= k {
			break
		}
		epoch := current - k
		if t.attempted.has(epoch) {
			continue
		}
		if err := runOne(t.ctx, t.runner, t.attempted, epoch); err != nil {
			return err
		}
		if t.ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

func (t *TipRunner) setErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastErr = err
}

// Stop cancels the runner and waits for it to wind down.
func (t *TipRunner) Stop() error {
	t.cancel()
	<-t.done
	return nil
}

// Status surfaces the last tick error, if any.
func (t *TipRunner) Status() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}
