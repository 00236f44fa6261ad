package validate_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roundscan/roundscan/encoding/fixedpoint"
	"github.com/roundscan/roundscan/indexer/types"
	"github.com/roundscan/roundscan/indexer/validate"
)

func amt(t *testing.T, s string) fixedpoint.Amount {
	t.Helper()
	a, err := fixedpoint.Parse(s)
	require.NoError(t, err)
	return a
}

func stake(kind types.EventKind, epoch uint64, wallet, amount string, tx string, logIndex uint) types.Event {
	a, _ := fixedpoint.Parse(amount)
	return types.Event{
		Kind:      kind,
		Epoch:     epoch,
		Sender:    wallet,
		Amount:    a,
		TxHash:    tx,
		LogIndex:  logIndex,
		Timestamp: time.Unix(1700000500, 0),
	}
}

func TestValidateSettledRound(t *testing.T) {
	// Round 426236: 3.0 up against 1.0 down, price moved 500 -> 510.
	events := &types.EpochEvents{
		Starts: []types.Event{{Kind: types.RoundStart, Epoch: 426236}},
		StakeUps: []types.Event{
			stake(types.StakeUp, 426236, "0xaa", "1.5", "0x01", 0),
			stake(types.StakeUp, 426236, "0xbb", "1.5", "0x02", 0),
		},
		StakeDowns: []types.Event{
			stake(types.StakeDown, 426236, "0xcc", "1", "0x03", 0),
		},
	}
	meta := &types.RoundMeta{
		Epoch:      426236,
		StartTs:    1700000000,
		LockTs:     1700000300,
		CloseTs:    1700000600,
		LockPrice:  amt(t, "500"),
		ClosePrice: amt(t, "510"),
	}

	v := validate.New(time.UTC)
	res, err := v.Validate(events, 426236, meta)
	require.NoError(t, err)

	assert.Equal(t, types.Up, res.Round.Outcome)
	assert.Equal(t, "4.00000000", res.Round.Total.String())
	assert.Equal(t, "3.00000000", res.Round.Up.String())
	assert.Equal(t, "1.00000000", res.Round.Down.String())
	assert.Equal(t, "1.2933", res.Round.UpOdds.Text4())
	assert.Equal(t, "3.8800", res.Round.DownOdds.Text4())

	require.Len(t, res.Bets, 3)
	for _, b := range res.Bets {
		if b.Direction == types.Up {
			assert.Equal(t, types.Win, b.Outcome)
		} else {
			assert.Equal(t, types.Loss, b.Outcome)
		}
	}
	assert.Empty(t, res.Warnings)
}

func TestValidateDownOutcome(t *testing.T) {
	events := &types.EpochEvents{
		Starts:     []types.Event{{Kind: types.RoundStart, Epoch: 9}},
		StakeUps:   []types.Event{stake(types.StakeUp, 9, "0xaa", "2", "0x01", 0)},
		StakeDowns: []types.Event{stake(types.StakeDown, 9, "0xbb", "2", "0x02", 0)},
	}
	meta := &types.RoundMeta{Epoch: 9, StartTs: 1, LockPrice: amt(t, "510"), ClosePrice: amt(t, "500")}

	res, err := validate.New(time.UTC).Validate(events, 9, meta)
	require.NoError(t, err)
	assert.Equal(t, types.Down, res.Round.Outcome)
	for _, b := range res.Bets {
		assert.Equal(t, b.Direction == types.Down, b.Outcome == types.Win)
	}
}

func TestValidateZeroBetEpochFails(t *testing.T) {
	events := &types.EpochEvents{
		Starts: []types.Event{{Kind: types.RoundStart, Epoch: 5}},
	}
	_, err := validate.New(time.UTC).Validate(events, 5, nil)
	require.Error(t, err)
	verr, ok := err.(*validate.Error)
	require.True(t, ok)
	assert.Contains(t, verr.Reasons, validate.ReasonNoBets)
}

func TestValidateMissingRoundStartFails(t *testing.T) {
	events := &types.EpochEvents{
		StakeUps: []types.Event{stake(types.StakeUp, 5, "0xaa", "1", "0x01", 0)},
	}
	_, err := validate.New(time.UTC).Validate(events, 5, nil)
	require.Error(t, err)
	verr, ok := err.(*validate.Error)
	require.True(t, ok)
	assert.Contains(t, verr.Reasons, validate.ReasonNoRoundStart)
}

func TestValidateOneSidedRound(t *testing.T) {
	events := &types.EpochEvents{
		Starts:   []types.Event{{Kind: types.RoundStart, Epoch: 7}},
		StakeUps: []types.Event{stake(types.StakeUp, 7, "0xaa", "2", "0x01", 0)},
	}
	meta := &types.RoundMeta{Epoch: 7, StartTs: 1, LockPrice: amt(t, "500"), ClosePrice: amt(t, "501")}

	res, err := validate.New(time.UTC).Validate(events, 7, meta)
	require.NoError(t, err)
	// 2.0 staked, pool after fee 1.94, all of it on the up side.
	assert.Equal(t, "0.9700", res.Round.UpOdds.Text4())
	assert.Equal(t, fixedpoint.Amount(0), res.Round.DownOdds)
	assert.Equal(t, fixedpoint.Amount(0), res.Round.Down)
}

func TestValidateMissingPricesDefaultsUpWithWarning(t *testing.T) {
	events := &types.EpochEvents{
		Starts:   []types.Event{{Kind: types.RoundStart, Epoch: 500000}},
		StakeUps: []types.Event{stake(types.StakeUp, 500000, "0xaa", "1", "0x01", 0)},
	}
	res, err := validate.New(time.UTC).Validate(events, 500000, nil)
	require.NoError(t, err)
	assert.Equal(t, types.Up, res.Round.Outcome)
	require.Len(t, res.Warnings, 1)
}

func TestValidatePricesFallBackToBoundaryEvents(t *testing.T) {
	events := &types.EpochEvents{
		Starts:   []types.Event{{Kind: types.RoundStart, Epoch: 8}},
		Locks:    []types.Event{{Kind: types.RoundLock, Epoch: 8, Price: amt(t, "510")}},
		Ends:     []types.Event{{Kind: types.RoundEnd, Epoch: 8, Price: amt(t, "505")}},
		StakeUps: []types.Event{stake(types.StakeUp, 8, "0xaa", "1", "0x01", 0)},
	}
	res, err := validate.New(time.UTC).Validate(events, 8, nil)
	require.NoError(t, err)
	assert.Equal(t, types.Down, res.Round.Outcome)
	assert.Empty(t, res.Warnings)
}

func TestValidateClaimsKeepObservationEpoch(t *testing.T) {
	// A claim observed while processing 426238 settling winnings from 426236.
	events := &types.EpochEvents{
		Starts:   []types.Event{{Kind: types.RoundStart, Epoch: 426238}},
		StakeUps: []types.Event{stake(types.StakeUp, 426238, "0xaa", "1", "0x01", 0)},
		Claims: []types.Event{
			stake(types.ClaimEvent, 426236, "0xw", "3.876", "0x10", 1),
		},
	}
	res, err := validate.New(time.UTC).Validate(events, 426238, nil)
	require.NoError(t, err)
	require.Len(t, res.Claims, 1)
	c := res.Claims[0]
	assert.Equal(t, uint64(426238), c.Epoch)
	assert.Equal(t, uint64(426236), c.BetEpoch)
	assert.Equal(t, "3.87600000", c.Amount.String())
	assert.NotEqual(t, c.Epoch, c.BetEpoch)
}

func TestValidateClaimDedupeByTriple(t *testing.T) {
	// The same (tx, logIndex, betEpoch) seen twice collapses to one row,
	// but a different betEpoch under the same (tx, logIndex) survives.
	events := &types.EpochEvents{
		Starts:   []types.Event{{Kind: types.RoundStart, Epoch: 10}},
		StakeUps: []types.Event{stake(types.StakeUp, 10, "0xaa", "1", "0x01", 0)},
		Claims: []types.Event{
			stake(types.ClaimEvent, 7, "0xw", "1", "0x10", 1),
			stake(types.ClaimEvent, 7, "0xw", "1", "0x10", 1),
			stake(types.ClaimEvent, 8, "0xw", "1", "0x10", 1),
		},
	}
	res, err := validate.New(time.UTC).Validate(events, 10, nil)
	require.NoError(t, err)
	assert.Len(t, res.Claims, 2)
}

func TestValidateMultiClaimByCount(t *testing.T) {
	events := &types.EpochEvents{
		Starts:   []types.Event{{Kind: types.RoundStart, Epoch: 426238}},
		StakeUps: []types.Event{stake(types.StakeUp, 426238, "0xaa", "1", "0x01", 0)},
	}
	for i := uint(0); i < 5; i++ {
		events.Claims = append(events.Claims,
			stake(types.ClaimEvent, 426230+uint64(i), "0xw", "3.876", "0x10", i))
	}
	res, err := validate.New(time.UTC).Validate(events, 426238, nil)
	require.NoError(t, err)
	require.Len(t, res.MultiClaims, 1)
	mc := res.MultiClaims[0]
	assert.Equal(t, uint64(426238), mc.Epoch)
	assert.Equal(t, "0xw", mc.Wallet)
	assert.Equal(t, 5, mc.Count)
	assert.Equal(t, "19.38000000", mc.Total.String())
}

func TestValidateMultiClaimByTotal(t *testing.T) {
	events := &types.EpochEvents{
		Starts:   []types.Event{{Kind: types.RoundStart, Epoch: 11}},
		StakeUps: []types.Event{stake(types.StakeUp, 11, "0xaa", "1", "0x01", 0)},
		Claims: []types.Event{
			stake(types.ClaimEvent, 9, "0xbig", "1.5", "0x10", 0), // total over one unit
			stake(types.ClaimEvent, 9, "0xsmall", "0.2", "0x11", 0),
		},
	}
	res, err := validate.New(time.UTC).Validate(events, 11, nil)
	require.NoError(t, err)
	require.Len(t, res.MultiClaims, 1)
	assert.Equal(t, "0xbig", res.MultiClaims[0].Wallet)
}

func TestValidateRejectsMalformedEvents(t *testing.T) {
	events := &types.EpochEvents{
		Starts: []types.Event{{Kind: types.RoundStart, Epoch: 12}},
		StakeUps: []types.Event{
			{Kind: types.StakeUp, Epoch: 12, Sender: "", Amount: 0},
		},
		Claims: []types.Event{
			{Kind: types.ClaimEvent, Epoch: 0, Sender: "0xw", Amount: 0},
		},
	}
	_, err := validate.New(time.UTC).Validate(events, 12, nil)
	require.Error(t, err)
	verr, ok := err.(*validate.Error)
	require.True(t, ok)
	assert.Contains(t, verr.Reasons, validate.ReasonEmptyStakeSender)
	assert.Contains(t, verr.Reasons, validate.ReasonNonPositiveStake)
	assert.Contains(t, verr.Reasons, validate.ReasonNonPositiveClaim)
	assert.Contains(t, verr.Reasons, validate.ReasonZeroClaimEpoch)
}
