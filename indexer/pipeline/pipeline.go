// Package pipeline runs the per-epoch state machine: completion check, lock
// acquisition, block-range location, event harvest, validation and the single
// commit transaction, with the failure path writing diagnostics out of band.
// A sliding-window failure counter shared by every caller acts as the
// process's only circuit breaker.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/roundscan/roundscan/config/params"
	"github.com/roundscan/roundscan/indexer/chain"
	"github.com/roundscan/roundscan/indexer/types"
	"github.com/roundscan/roundscan/indexer/validate"
)

var log = logrus.WithField("prefix", "pipeline")

var (
	epochsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roundscan_epochs_processed_total",
		Help: "Epoch pipeline runs by terminal status.",
	}, []string{"status"})
	epochDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "roundscan_epoch_duration_seconds",
		Help:    "End-to-end duration of successful epoch runs.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
	})
)

// ErrCircuitOpen reports that the failure window overflowed. Callers must
// treat it as fatal and stop the process.
var ErrCircuitOpen = errors.New("epoch failure threshold exceeded")

// Status is the terminal state of one pipeline run.
type Status int

const (
	StatusDone Status = iota
	StatusSkipped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusDone:
		return "done"
	case StatusSkipped:
		return "skipped"
	default:
		return "failed"
	}
}

// Store is the persistence surface the pipeline needs.
type Store interface {
	IsEpochDone(ctx context.Context, epoch uint64) (bool, error)
	CommitEpoch(ctx context.Context, epoch uint64, res *validate.Result) error
	LogEpochError(ctx context.Context, epoch uint64, stage, message string) error
}

// Locker is the mutual-exclusion surface.
type Locker interface {
	Acquire(ctx context.Context, epoch uint64, ttl time.Duration) bool
	Release(ctx context.Context, epoch uint64)
	Extend(ctx context.Context, epoch uint64, ttl time.Duration) (bool, error)
}

// Locator resolves an epoch's block range.
type Locator interface {
	RangeForEpoch(ctx context.Context, epoch uint64) (types.BlockRange, error)
}

// Harvester fetches an epoch's grouped events.
type Harvester interface {
	Fetch(ctx context.Context, targetEpoch uint64, r types.BlockRange) (*types.EpochEvents, error)
}

// Validator turns events into canonical records.
type Validator interface {
	Validate(events *types.EpochEvents, targetEpoch uint64, meta *types.RoundMeta) (*validate.Result, error)
}

// MetaReader reads the contract's own round view.
type MetaReader interface {
	RoundMetadata(ctx context.Context, epoch uint64) (*types.RoundMeta, error)
}

// Pipeline processes single epochs end to end. One instance is shared by
// every driver so the failure accounting sees the whole process.
type Pipeline struct {
	store     Store
	locks     Locker
	locator   Locator
	harvester Harvester
	validator Validator
	meta      MetaReader

	lockTTL time.Duration
	breaker *breaker
	now     func() time.Time
}

// New wires the pipeline's collaborators and its circuit breaker.
func New(store Store, locks Locker, locator Locator, harvester Harvester, validator Validator, meta MetaReader, cfg *params.Config) *Pipeline {
	return &Pipeline{
		store:     store,
		locks:     locks,
		locator:   locator,
		harvester: harvester,
		validator: validator,
		meta:      meta,
		lockTTL:   cfg.LockTTL,
		breaker:   newBreaker(cfg.FailureMax, cfg.FailureWindow),
		now:       time.Now,
	}
}

// Run drives one epoch through the state machine. StatusSkipped means the
// epoch is already committed or another worker holds its lock; StatusFailed
// means a stage failed, diagnostics were written out of band, and the
// returned error carries the cause. When the shared failure window
// overflows the error wraps ErrCircuitOpen.
func (p *Pipeline) Run(ctx context.Context, epoch uint64) (Status, error) {
	started := p.now()

	done, err := p.store.IsEpochDone(ctx, epoch)
	if err != nil {
		return p.fail(ctx, epoch, "check", err)
	}
	if done {
		epochsProcessed.WithLabelValues("skipped").Inc()
		return StatusSkipped, nil
	}

	if !p.locks.Acquire(ctx, epoch, p.lockTTL) {
		log.WithField("epoch", epoch).Debug("Epoch lock held elsewhere, skipping")
		epochsProcessed.WithLabelValues("skipped").Inc()
		return StatusSkipped, nil
	}
	defer p.locks.Release(ctx, epoch)

	r, err := p.locator.RangeForEpoch(ctx, epoch)
	if err != nil {
		return p.fail(ctx, epoch, "locate", err)
	}

	events, err := p.harvester.Fetch(ctx, epoch, r)
	if err != nil {
		return p.fail(ctx, epoch, "harvest", err)
	}

	meta, err := p.meta.RoundMetadata(ctx, epoch)
	if err != nil && !errors.Is(err, chain.ErrRoundUnavailable) {
		return p.fail(ctx, epoch, "meta", err)
	}

	res, err := p.validator.Validate(events, epoch, meta)
	if err != nil {
		return p.fail(ctx, epoch, "validate", err)
	}

	// A long harvest can eat most of the TTL budget; refresh it before the
	// commit so the lock cannot lapse mid-transaction.
	if p.now().Sub(started) > p.lockTTL/2 {
		if _, err := p.locks.Extend(ctx, epoch, p.lockTTL); err != nil {
			log.WithError(err).WithField("epoch", epoch).Warn("Could not extend epoch lock")
		}
	}

	if err := p.store.CommitEpoch(ctx, epoch, res); err != nil {
		return p.fail(ctx, epoch, "commit", err)
	}

	p.breaker.reset()
	epochsProcessed.WithLabelValues("done").Inc()
	epochDuration.Observe(p.now().Sub(started).Seconds())
	log.WithFields(logrus.Fields{
		"epoch":     epoch,
		"fromBlock": r.From,
		"toBlock":   r.To,
		"bets":      len(res.Bets),
		"claims":    len(res.Claims),
	}).Info("Epoch committed")
	return StatusDone, nil
}

// fail records the diagnostics on a fresh connection, feeds the failure
// window and reports whether the breaker tripped.
func (p *Pipeline) fail(ctx context.Context, epoch uint64, stage string, cause error) (Status, error) {
	epochsProcessed.WithLabelValues("failed").Inc()
	log.WithError(cause).WithFields(logrus.Fields{
		"epoch": epoch,
		"stage": stage,
	}).Error("Epoch processing failed")

	if logErr := p.store.LogEpochError(ctx, epoch, stage, cause.Error()); logErr != nil {
		log.WithError(logErr).WithField("epoch", epoch).Error("Could not persist epoch error")
	}

	if p.breaker.record(p.now()) {
		return StatusFailed, errors.Wrapf(ErrCircuitOpen, "epoch %d failed in %s: %v", epoch, stage, cause)
	}
	return StatusFailed, errors.Wrapf(cause, "epoch %d failed in %s", epoch, stage)
}

// breaker is a sliding-window failure counter. Failures older than the
// window fall out; a success empties it.
type breaker struct {
	mu       sync.Mutex
	max      int
	window   time.Duration
	failures []time.Time
}

func newBreaker(max int, window time.Duration) *breaker {
	return &breaker{max: max, window: window}
}

// record adds a failure and reports whether the threshold is now exceeded.
func (b *breaker) record(at time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := at.Add(-b.window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = append(kept, at)
	return len(b.failures) >= b.max
}

func (b *breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = b.failures[:0]
}
