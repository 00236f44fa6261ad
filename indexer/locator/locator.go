// Package locator maps wall-clock timestamps to block heights. The contract
// exposes no timestamp index, so the locator estimates a seed from a cached
// anchor, probes outward in fixed strides, tightens with a short binary
// search and finishes with a bounded linear walk. A slower multi-sample
// fallback bounds the worst case when the fast path lands far off target.
package locator

import (
	"context"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"

	"github.com/roundscan/roundscan/config/params"
	"github.com/roundscan/roundscan/indexer/chain"
	"github.com/roundscan/roundscan/indexer/types"
)

var log = logrus.WithField("prefix", "locator")

const (
	// maximum outward stride probes before the binary tighten.
	maxStrideProbes = 3
	// binary search iterations inside the stride window.
	binaryIterations = 2
	// evenly spaced samples used by the regression fallback.
	fallbackSamples = 5
	// seed lookback when no anchor exists.
	seedLookback = 24 * time.Hour
)

var (
	rangeCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roundscan_locator_range_cache_hits_total",
		Help: "The number of epoch block ranges served from cache.",
	})
	headerProbes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roundscan_locator_header_probes_total",
		Help: "The number of header timestamp probes issued while locating blocks.",
	})
	fallbackSearches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roundscan_locator_fallback_searches_total",
		Help: "The number of times the regression fallback was taken.",
	})
)

// ChainReader is the slice of the chain client the locator depends on.
type ChainReader interface {
	LatestBlockHeight(ctx context.Context) (uint64, error)
	HeaderByHeight(ctx context.Context, height uint64) (chain.HeaderInfo, error)
	RoundMetadata(ctx context.Context, epoch uint64) (*types.RoundMeta, error)
}

// side selects which boundary predicate a search satisfies.
type side int

const (
	// firstAtOrAfter returns h with ts(h) >= T and ts(h-1) < T (or h = 0).
	firstAtOrAfter side = iota
	// lastBefore returns h with ts(h) < T and ts(h+1) >= T (or h = latest).
	lastBefore
)

type anchor struct {
	height uint64
	ts     uint64
	ok     bool
}

// Locator finds the block range spanning an epoch. Safe for concurrent use;
// both caches and the seed anchor are guarded.
type Locator struct {
	reader ChainReader

	rangeCache *gocache.Cache // epoch -> types.BlockRange
	tsCache    *gocache.Cache // height -> uint64 timestamp

	mu     sync.Mutex
	anchor anchor

	stride            uint64
	blocksPerSecond   float64
	residualThreshold uint64 // seconds
}

// New builds a locator over the given reader with the configured cache TTLs
// and search tuning.
func New(reader ChainReader, cfg *params.Config) *Locator {
	return &Locator{
		reader:            reader,
		rangeCache:        gocache.New(cfg.BlockRangeCacheTTL, cfg.BlockRangeCacheTTL),
		tsCache:           gocache.New(cfg.BlockTsCacheTTL, cfg.BlockTsCacheTTL),
		stride:            cfg.StrideBlocks,
		blocksPerSecond:   cfg.BlocksPerSecond,
		residualThreshold: uint64(cfg.ResidualThreshold / time.Second),
	}
}

// RangeForEpoch resolves the inclusive block range [first >= start_ts(e),
// last < start_ts(e+1)) for the epoch. When the next round's metadata is
// unavailable the right edge falls back to the present moment.
func (l *Locator) RangeForEpoch(ctx context.Context, epoch uint64) (types.BlockRange, error) {
	ctx, span := trace.StartSpan(ctx, "locator.RangeForEpoch")
	defer span.End()

	key := fmt.Sprintf("%d", epoch)
	if cached, ok := l.rangeCache.Get(key); ok {
		rangeCacheHits.Inc()
		span.AddAttributes(trace.BoolAttribute("rangeCacheHit", true))
		return cached.(types.BlockRange), nil
	}

	meta, err := l.reader.RoundMetadata(ctx, epoch)
	if err != nil {
		return types.BlockRange{}, errors.Wrapf(err, "epoch %d", epoch)
	}

	rightEdge := uint64(time.Now().Unix())
	next, err := l.reader.RoundMetadata(ctx, epoch+1)
	switch {
	case err == nil:
		rightEdge = next.StartTs
	case errors.Is(err, chain.ErrRoundUnavailable):
		log.WithField("epoch", epoch+1).Debug("Next round unavailable, using current time as right edge")
	default:
		return types.BlockRange{}, errors.Wrapf(err, "epoch %d right edge", epoch)
	}

	start, err := l.locate(ctx, meta.StartTs, firstAtOrAfter)
	if err != nil {
		return types.BlockRange{}, errors.Wrapf(err, "epoch %d start block", epoch)
	}
	end, err := l.locate(ctx, rightEdge, lastBefore)
	if err != nil {
		return types.BlockRange{}, errors.Wrapf(err, "epoch %d end block", epoch)
	}
	if end < start {
		return types.BlockRange{}, errors.Errorf("epoch %d resolved an inverted range [%d, %d]", epoch, start, end)
	}

	r := types.BlockRange{From: start, To: end}
	l.rangeCache.Set(key, r, gocache.DefaultExpiration)
	log.WithFields(logrus.Fields{
		"epoch":     epoch,
		"fromBlock": r.From,
		"toBlock":   r.To,
	}).Debug("Resolved epoch block range")
	return r, nil
}

// FirstAtOrAfter returns the lowest block whose timestamp is >= target.
func (l *Locator) FirstAtOrAfter(ctx context.Context, target uint64) (uint64, error) {
	return l.locate(ctx, target, firstAtOrAfter)
}

// LastBefore returns the highest block whose timestamp is < target.
func (l *Locator) LastBefore(ctx context.Context, target uint64) (uint64, error) {
	return l.locate(ctx, target, lastBefore)
}

func (l *Locator) locate(ctx context.Context, target uint64, s side) (uint64, error) {
	latest, err := l.reader.LatestBlockHeight(ctx)
	if err != nil {
		return 0, err
	}
	headTs, err := l.headerTime(ctx, latest)
	if err != nil {
		return 0, err
	}
	// Past-the-head targets: for the right edge the head itself is the
	// answer; a left edge beyond the head cannot be satisfied.
	if headTs < target {
		if s == lastBefore {
			l.setAnchor(latest, headTs)
			return latest, nil
		}
		return 0, errors.Errorf("target time %d is beyond the chain head (%d)", target, headTs)
	}

	seed, hadAnchor := l.seed(target, latest)

	cursor, err := l.strideProbe(ctx, seed, target, latest)
	if err != nil {
		return 0, err
	}
	cursor, err = l.shortBinary(ctx, cursor, target, latest)
	if err != nil {
		return 0, err
	}
	h, satisfied, err := l.linearCorrect(ctx, cursor, target, latest, s)
	if err != nil {
		return 0, err
	}
	if satisfied {
		ts, err := l.headerTime(ctx, h)
		if err != nil {
			return 0, err
		}
		residual := absDiff(ts, target)
		if residual <= l.residualThreshold || hadAnchor {
			l.setAnchor(h, ts)
			return h, nil
		}
	}

	fallbackSearches.Inc()
	h, err = l.fallbackLocate(ctx, target, latest, s)
	if err != nil {
		return 0, err
	}
	ts, err := l.headerTime(ctx, h)
	if err != nil {
		return 0, err
	}
	l.setAnchor(h, ts)
	return h, nil
}

// seed extrapolates a starting height from the anchor, or falls back to a
// day's lookback from the head.
func (l *Locator) seed(target, latest uint64) (uint64, bool) {
	l.mu.Lock()
	a := l.anchor
	l.mu.Unlock()
	if !a.ok {
		lookback := uint64(seedLookback.Seconds() * l.blocksPerSecond)
		return clampSub(latest, lookback), false
	}
	var est uint64
	if target >= a.ts {
		est = a.height + uint64(float64(target-a.ts)*l.blocksPerSecond)
	} else {
		est = clampSub(a.height, uint64(float64(a.ts-target)*l.blocksPerSecond))
	}
	if est > latest {
		est = latest
	}
	return est, true
}

func (l *Locator) setAnchor(height, ts uint64) {
	l.mu.Lock()
	l.anchor = anchor{height: height, ts: ts, ok: true}
	l.mu.Unlock()
}

// strideProbe steps outward in fixed strides toward the target for at most
// maxStrideProbes hops.
func (l *Locator) strideProbe(ctx context.Context, cursor, target, latest uint64) (uint64, error) {
	for i := 0; i < maxStrideProbes; i++ {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		ts, err := l.headerTime(ctx, cursor)
		if err != nil {
			return 0, err
		}
		switch {
		case ts < target:
			next := cursor + l.stride
			if next > latest {
				return latest, nil
			}
			cursor = next
		case ts > target:
			if cursor == 0 {
				return 0, nil
			}
			cursor = clampSub(cursor, l.stride)
		default:
			return cursor, nil
		}
	}
	return cursor, nil
}

// shortBinary runs a fixed number of bisection steps over the stride window
// around the cursor.
func (l *Locator) shortBinary(ctx context.Context, cursor, target, latest uint64) (uint64, error) {
	lo := clampSub(cursor, l.stride)
	hi := cursor + l.stride
	if hi > latest {
		hi = latest
	}
	for i := 0; i < binaryIterations && lo < hi; i++ {
		mid := lo + (hi-lo)/2
		ts, err := l.headerTime(ctx, mid)
		if err != nil {
			return 0, err
		}
		if ts < target {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo + (hi-lo)/2, nil
}

// linearCorrect walks one block at a time until the side predicate holds,
// giving up after a stride's worth of steps.
func (l *Locator) linearCorrect(ctx context.Context, h, target, latest uint64, s side) (uint64, bool, error) {
	for i := uint64(0); i <= l.stride; i++ {
		if ctx.Err() != nil {
			return 0, false, ctx.Err()
		}
		ok, err := l.satisfies(ctx, h, target, latest, s)
		if err != nil {
			return 0, false, err
		}
		if ok {
			return h, true, nil
		}
		ts, err := l.headerTime(ctx, h)
		if err != nil {
			return 0, false, err
		}
		wantHigher := ts < target
		if s == lastBefore && !wantHigher {
			// walking down when at or past the target time
			if h == 0 {
				return 0, false, nil
			}
			h--
			continue
		}
		if wantHigher {
			if h == latest {
				return h, s == lastBefore, nil
			}
			h++
			continue
		}
		if h == 0 {
			return 0, s == firstAtOrAfter, nil
		}
		h--
	}
	return h, false, nil
}

func (l *Locator) satisfies(ctx context.Context, h, target, latest uint64, s side) (bool, error) {
	ts, err := l.headerTime(ctx, h)
	if err != nil {
		return false, err
	}
	switch s {
	case firstAtOrAfter:
		if ts < target {
			return false, nil
		}
		if h == 0 {
			return true, nil
		}
		prev, err := l.headerTime(ctx, h-1)
		if err != nil {
			return false, err
		}
		return prev < target, nil
	default:
		if ts >= target {
			return false, nil
		}
		if h == latest {
			return true, nil
		}
		next, err := l.headerTime(ctx, h+1)
		if err != nil {
			return false, err
		}
		return next >= target, nil
	}
}

// fallbackLocate estimates the height by linear regression over evenly
// distributed samples, then binary searches a verified bracket. Slower than
// the fast path but bounded and exact.
func (l *Locator) fallbackLocate(ctx context.Context, target, latest uint64, s side) (uint64, error) {
	lo, hi := uint64(0), latest
	est, err := l.regressionEstimate(ctx, lo, hi, target)
	if err != nil {
		return 0, err
	}

	// Verify and expand a bracket around the estimate until it straddles
	// the target time.
	span := l.stride
	bLo, bHi := clampSub(est, span), est+span
	if bHi > latest {
		bHi = latest
	}
	for {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		loTs, err := l.headerTime(ctx, bLo)
		if err != nil {
			return 0, err
		}
		if loTs >= target && bLo > 0 {
			span *= 2
			bLo = clampSub(bLo, span)
			continue
		}
		hiTs, err := l.headerTime(ctx, bHi)
		if err != nil {
			return 0, err
		}
		if hiTs < target && bHi < latest {
			span *= 2
			bHi += span
			if bHi > latest {
				bHi = latest
			}
			continue
		}
		break
	}

	// Smallest height whose timestamp is >= target.
	for bLo < bHi {
		mid := bLo + (bHi-bLo)/2
		ts, err := l.headerTime(ctx, mid)
		if err != nil {
			return 0, err
		}
		if ts < target {
			bLo = mid + 1
		} else {
			bHi = mid
		}
	}
	if s == firstAtOrAfter {
		ts, err := l.headerTime(ctx, bLo)
		if err != nil {
			return 0, err
		}
		if ts < target {
			return 0, errors.Errorf("no block at or after time %d", target)
		}
		return bLo, nil
	}
	// lastBefore: the block just under the boundary.
	ts, err := l.headerTime(ctx, bLo)
	if err != nil {
		return 0, err
	}
	if ts < target {
		return bLo, nil
	}
	if bLo == 0 {
		return 0, errors.Errorf("no block before time %d", target)
	}
	return bLo - 1, nil
}

func (l *Locator) regressionEstimate(ctx context.Context, lo, hi, target uint64) (uint64, error) {
	if hi <= lo {
		return lo, nil
	}
	step := (hi - lo) / uint64(fallbackSamples-1)
	if step == 0 {
		step = 1
	}
	var sumH, sumT, sumHT, sumTT float64
	n := 0
	for h := lo; h <= hi && n < fallbackSamples; h += step {
		ts, err := l.headerTime(ctx, h)
		if err != nil {
			return 0, err
		}
		fh, ft := float64(h), float64(ts)
		sumH += fh
		sumT += ft
		sumHT += fh * ft
		sumTT += ft * ft
		n++
	}
	fn := float64(n)
	denom := fn*sumTT - sumT*sumT
	if denom == 0 {
		return lo + (hi-lo)/2, nil
	}
	// height as a linear function of time
	slope := (fn*sumHT - sumH*sumT) / denom
	intercept := (sumH - slope*sumT) / fn
	est := slope*float64(target) + intercept
	if est < float64(lo) {
		return lo, nil
	}
	if est > float64(hi) {
		return hi, nil
	}
	return uint64(est), nil
}

// headerTime returns a block's timestamp, consulting the TTL cache first.
func (l *Locator) headerTime(ctx context.Context, height uint64) (uint64, error) {
	key := fmt.Sprintf("%d", height)
	if cached, ok := l.tsCache.Get(key); ok {
		return cached.(uint64), nil
	}
	headerProbes.Inc()
	info, err := l.reader.HeaderByHeight(ctx, height)
	if err != nil {
		return 0, err
	}
	l.tsCache.Set(key, info.Time, gocache.DefaultExpiration)
	return info.Time, nil
}

func clampSub(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
