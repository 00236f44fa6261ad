// Package harvest pulls the six contract event streams for an epoch's block
// range. Large ranges are split into windows, each window's log queries are
// sliced to respect provider limits, and the six streams of a window are
// fetched in parallel. Block timestamps are attached afterwards through
// batched header lookups.
package harvest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/roundscan/roundscan/config/params"
	"github.com/roundscan/roundscan/indexer/chain"
	"github.com/roundscan/roundscan/indexer/types"
)

var log = logrus.WithField("prefix", "harvest")

// ChainReader is the slice of the chain client the harvester depends on.
type ChainReader interface {
	FilterLogs(ctx context.Context, from, to uint64, kinds []types.EventKind) ([]types.Event, error)
	BatchHeaders(ctx context.Context, heights []uint64) (map[uint64]chain.HeaderInfo, error)
}

// Harvester fetches and normalizes an epoch's events.
type Harvester struct {
	reader        ChainReader
	window        uint64
	slice         uint64
	slicePause    time.Duration
	boundaryDelta uint64
	location      *time.Location
}

// New builds a harvester with the configured window, slice, pause and
// boundary-delta parameters.
func New(reader ChainReader, cfg *params.Config) *Harvester {
	return &Harvester{
		reader:        reader,
		window:        cfg.MaxBlocksPerWindow,
		slice:         cfg.SliceSize,
		slicePause:    cfg.SliceSleep,
		boundaryDelta: cfg.BoundaryDelta,
		location:      cfg.Location(),
	}
}

// Fetch harvests all six streams over the block range and returns them
// grouped, with timestamps attached and wallets/amounts normalized.
//
// Stake events are retained only when their embedded epoch equals the
// target. Round boundary events tolerate a configured epoch distance since the
// window may cross round transitions. Claim events pass through regardless
// of their embedded epoch: a claim observed here settles winnings from the
// epoch it embeds, which is usually an earlier one.
func (h *Harvester) Fetch(ctx context.Context, targetEpoch uint64, r types.BlockRange) (*types.EpochEvents, error) {
	if r.To < r.From {
		return nil, errors.Errorf("inverted block range [%d, %d]", r.From, r.To)
	}

	var all []types.Event
	for from := r.From; from <= r.To; {
		to := from + h.window - 1
		if to > r.To {
			to = r.To
		}
		events, err := h.fetchWindow(ctx, from, to)
		if err != nil {
			return nil, err
		}
		all = append(all, events...)
		if to == r.To {
			break
		}
		from = to + 1
	}

	if err := h.attachTimestamps(ctx, all); err != nil {
		return nil, err
	}

	grouped := h.group(targetEpoch, all)
	log.WithFields(logrus.Fields{
		"epoch":     targetEpoch,
		"fromBlock": r.From,
		"toBlock":   r.To,
		"events":    grouped.Total(),
	}).Debug("Harvested epoch events")
	return grouped, nil
}

// fetchWindow pulls the six streams of one window concurrently, slicing
// each stream's block span and pausing briefly between slices.
func (h *Harvester) fetchWindow(parent context.Context, from, to uint64) ([]types.Event, error) {
	var mu sync.Mutex
	var all []types.Event

	g, ctx := errgroup.WithContext(parent)
	for _, kind := range types.EventKinds {
		kind := kind
		g.Go(func() error {
			events, err := h.fetchStream(ctx, kind, from, to)
			if err != nil {
				return errors.Wrapf(err, "%s stream", kind)
			}
			mu.Lock()
			all = append(all, events...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return all, nil
}

func (h *Harvester) fetchStream(ctx context.Context, kind types.EventKind, from, to uint64) ([]types.Event, error) {
	var out []types.Event
	for lo := from; lo <= to; {
		hi := lo + h.slice - 1
		if hi > to {
			hi = to
		}
		events, err := h.reader.FilterLogs(ctx, lo, hi, []types.EventKind{kind})
		if err != nil {
			return nil, err
		}
		out = append(out, events...)
		if hi == to {
			break
		}
		lo = hi + 1
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(h.slicePause):
		}
	}
	return out, nil
}

// attachTimestamps resolves the distinct block heights the events reference
// and stamps each event with its block time in the configured timezone.
func (h *Harvester) attachTimestamps(ctx context.Context, events []types.Event) error {
	if len(events) == 0 {
		return nil
	}
	distinct := make(map[uint64]struct{}, len(events))
	for _, ev := range events {
		distinct[ev.BlockNumber] = struct{}{}
	}
	heights := make([]uint64, 0, len(distinct))
	for height := range distinct {
		heights = append(heights, height)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })

	headers, err := h.reader.BatchHeaders(ctx, heights)
	if err != nil {
		return errors.Wrap(err, "could not resolve event block headers")
	}
	for i := range events {
		info, ok := headers[events[i].BlockNumber]
		if !ok {
			return errors.Errorf("no header for block %d", events[i].BlockNumber)
		}
		events[i].Timestamp = time.Unix(int64(info.Time), 0).In(h.location)
	}
	return nil
}

func (h *Harvester) group(targetEpoch uint64, events []types.Event) *types.EpochEvents {
	grouped := &types.EpochEvents{}
	for _, ev := range events {
		switch ev.Kind {
		case types.RoundStart, types.RoundLock, types.RoundEnd:
			if epochDistance(ev.Epoch, targetEpoch) > h.boundaryDelta {
				continue
			}
		case types.StakeUp, types.StakeDown:
			if ev.Epoch != targetEpoch {
				continue
			}
		case types.ClaimEvent:
			// kept regardless of embedded epoch
		}
		switch ev.Kind {
		case types.RoundStart:
			grouped.Starts = append(grouped.Starts, ev)
		case types.RoundLock:
			grouped.Locks = append(grouped.Locks, ev)
		case types.RoundEnd:
			grouped.Ends = append(grouped.Ends, ev)
		case types.StakeUp:
			grouped.StakeUps = append(grouped.StakeUps, ev)
		case types.StakeDown:
			grouped.StakeDowns = append(grouped.StakeDowns, ev)
		case types.ClaimEvent:
			grouped.Claims = append(grouped.Claims, ev)
		}
	}
	return grouped
}

func epochDistance(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
