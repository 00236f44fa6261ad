package locator

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roundscan/roundscan/config/params"
	"github.com/roundscan/roundscan/indexer/chain"
	"github.com/roundscan/roundscan/indexer/types"
)

// fakeReader serves a deterministic chain with irregular block intervals.
type fakeReader struct {
	times       []uint64 // timestamp per height
	rounds      map[uint64]*types.RoundMeta
	headerCalls int
}

func newFakeReader(blocks int) *fakeReader {
	times := make([]uint64, blocks)
	ts := uint64(1700000000)
	for h := 0; h < blocks; h++ {
		ts += 2 + uint64(h%5) // gaps of 2..6 seconds
		times[h] = ts
	}
	return &fakeReader{times: times, rounds: make(map[uint64]*types.RoundMeta)}
}

func (f *fakeReader) LatestBlockHeight(_ context.Context) (uint64, error) {
	return uint64(len(f.times) - 1), nil
}

func (f *fakeReader) HeaderByHeight(_ context.Context, height uint64) (chain.HeaderInfo, error) {
	if height >= uint64(len(f.times)) {
		return chain.HeaderInfo{}, errors.New("unknown block")
	}
	f.headerCalls++
	return chain.HeaderInfo{Number: height, Time: f.times[height]}, nil
}

func (f *fakeReader) RoundMetadata(_ context.Context, epoch uint64) (*types.RoundMeta, error) {
	m, ok := f.rounds[epoch]
	if !ok {
		return nil, errors.Wrapf(chain.ErrRoundUnavailable, "epoch %d", epoch)
	}
	return m, nil
}

func newTestLocator(f *fakeReader) *Locator {
	cfg := params.DefaultConfig()
	cfg.BlocksPerSecond = 0.25 // roughly the fake's 4s average spacing
	return New(f, cfg)
}

func checkFirstAtOrAfter(t *testing.T, f *fakeReader, h, target uint64) {
	t.Helper()
	require.GreaterOrEqual(t, f.times[h], target)
	if h > 0 {
		require.Less(t, f.times[h-1], target)
	}
}

func checkLastBefore(t *testing.T, f *fakeReader, h, target uint64) {
	t.Helper()
	require.Less(t, f.times[h], target)
	if int(h) < len(f.times)-1 {
		require.GreaterOrEqual(t, f.times[h+1], target)
	}
}

func TestFirstAtOrAfter(t *testing.T) {
	f := newFakeReader(5000)
	l := newTestLocator(f)
	ctx := context.Background()

	for _, target := range []uint64{
		f.times[0],
		f.times[100],
		f.times[100] + 1,
		f.times[2500] - 1,
		f.times[4998],
	} {
		h, err := l.FirstAtOrAfter(ctx, target)
		require.NoError(t, err)
		checkFirstAtOrAfter(t, f, h, target)
	}
}

func TestLastBefore(t *testing.T) {
	f := newFakeReader(5000)
	l := newTestLocator(f)
	ctx := context.Background()

	for _, target := range []uint64{
		f.times[1],
		f.times[333] + 1,
		f.times[2500],
		f.times[4999],
	} {
		h, err := l.LastBefore(ctx, target)
		require.NoError(t, err)
		checkLastBefore(t, f, h, target)
	}
}

func TestLastBeforeBeyondHead(t *testing.T) {
	f := newFakeReader(1000)
	l := newTestLocator(f)

	h, err := l.LastBefore(context.Background(), f.times[999]+500)
	require.NoError(t, err)
	assert.Equal(t, uint64(999), h)
}

func TestFirstAtOrAfterBeyondHeadFails(t *testing.T) {
	f := newFakeReader(1000)
	l := newTestLocator(f)

	_, err := l.FirstAtOrAfter(context.Background(), f.times[999]+500)
	require.Error(t, err)
}

func TestAnchorReducesProbes(t *testing.T) {
	f := newFakeReader(5000)
	l := newTestLocator(f)
	ctx := context.Background()

	_, err := l.FirstAtOrAfter(ctx, f.times[3000])
	require.NoError(t, err)
	warm := f.headerCalls

	// A nearby follow-up search should ride the anchor and the timestamp
	// cache instead of re-walking the chain.
	_, err = l.FirstAtOrAfter(ctx, f.times[3010])
	require.NoError(t, err)
	assert.Less(t, f.headerCalls-warm, warm)
}

func TestRangeForEpoch(t *testing.T) {
	f := newFakeReader(5000)
	f.rounds[426236] = &types.RoundMeta{Epoch: 426236, StartTs: f.times[1000]}
	f.rounds[426237] = &types.RoundMeta{Epoch: 426237, StartTs: f.times[1100]}
	l := newTestLocator(f)
	ctx := context.Background()

	r, err := l.RangeForEpoch(ctx, 426236)
	require.NoError(t, err)
	checkFirstAtOrAfter(t, f, r.From, f.times[1000])
	checkLastBefore(t, f, r.To, f.times[1100])
	require.LessOrEqual(t, r.From, r.To)

	// Second resolution must come from the range cache.
	calls := f.headerCalls
	again, err := l.RangeForEpoch(ctx, 426236)
	require.NoError(t, err)
	assert.Equal(t, r, again)
	assert.Equal(t, calls, f.headerCalls)
}

func TestRangeForEpochMissingNextRound(t *testing.T) {
	f := newFakeReader(5000)
	f.rounds[500000] = &types.RoundMeta{Epoch: 500000, StartTs: f.times[4000]}
	l := newTestLocator(f)

	// rounds(500001) reverts; the right edge falls back to the present,
	// which is far beyond the fake head, so the range ends at the head.
	r, err := l.RangeForEpoch(context.Background(), 500000)
	require.NoError(t, err)
	checkFirstAtOrAfter(t, f, r.From, f.times[4000])
	assert.Equal(t, uint64(4999), r.To)
}

func TestRangeForEpochUnknownEpoch(t *testing.T) {
	f := newFakeReader(100)
	l := newTestLocator(f)

	_, err := l.RangeForEpoch(context.Background(), 1)
	require.ErrorIs(t, err, chain.ErrRoundUnavailable)
}
