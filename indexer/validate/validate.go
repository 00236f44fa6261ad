// Package validate checks the structural completeness and cross-stream
// consistency of an epoch's harvested events and produces the canonical
// record sets. Validation never guesses: a missing price is surfaced as a
// warning, never silently replaced.
package validate

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/roundscan/roundscan/encoding/fixedpoint"
	"github.com/roundscan/roundscan/indexer/types"
)

var log = logrus.WithField("prefix", "validate")

// feeNumerator/feeDenominator encode the 3% house fee exactly.
const (
	feeNumerator   = 97
	feeDenominator = 100
)

// multiClaimMinCount and multiClaimMinTotal gate the MultiClaim derivation:
// a wallet is flagged when either threshold is met within one observation
// epoch.
const multiClaimMinCount = 5

var multiClaimMinTotal = fixedpoint.Unit

// sumTolerance is the allowed absolute difference between the round total
// and the bet sum, 10^-4.
var sumTolerance = fixedpoint.Amount(10000)

// Reason enumerates every distinct validation failure.
type Reason int

const (
	ReasonNoRoundStart Reason = iota
	ReasonNoBets
	ReasonEmptyStakeSender
	ReasonNonPositiveStake
	ReasonEmptyClaimSender
	ReasonNonPositiveClaim
	ReasonZeroClaimEpoch
	ReasonSumMismatch
	ReasonUpSideMismatch
	ReasonDownSideMismatch
	ReasonZeroOddsWithStake
	ReasonBetCountMismatch
)

func (r Reason) String() string {
	switch r {
	case ReasonNoRoundStart:
		return "no round start event"
	case ReasonNoBets:
		return "epoch has no bets"
	case ReasonEmptyStakeSender:
		return "stake event with empty sender"
	case ReasonNonPositiveStake:
		return "stake event with non-positive amount"
	case ReasonEmptyClaimSender:
		return "claim event with empty sender"
	case ReasonNonPositiveClaim:
		return "claim event with non-positive amount"
	case ReasonZeroClaimEpoch:
		return "claim event with zero epoch"
	case ReasonSumMismatch:
		return "round total does not match bet sum"
	case ReasonUpSideMismatch:
		return "up-side stake does not match up bets"
	case ReasonDownSideMismatch:
		return "down-side stake does not match down bets"
	case ReasonZeroOddsWithStake:
		return "side with positive stake has zero odds"
	case ReasonBetCountMismatch:
		return "bet count does not equal up plus down bets"
	default:
		return "unknown validation failure"
	}
}

// Error is the validation failure carrying every reason found, so one pass
// reports all problems at once.
type Error struct {
	Epoch   uint64
	Reasons []Reason
}

func (e *Error) Error() string {
	parts := make([]string, len(e.Reasons))
	for i, r := range e.Reasons {
		parts[i] = r.String()
	}
	return fmt.Sprintf("epoch %d failed validation: %s", e.Epoch, strings.Join(parts, "; "))
}

// Result carries the canonical record sets for one validated epoch plus any
// non-fatal warnings.
type Result struct {
	Round       types.Round
	Bets        []types.Bet
	Claims      []types.Claim
	MultiClaims []types.MultiClaim
	Warnings    []string
}

// Validator turns harvested events into canonical records.
type Validator struct {
	location *time.Location
}

// New builds a validator rendering wall-clock fields in the given timezone.
func New(location *time.Location) *Validator {
	if location == nil {
		location = time.UTC
	}
	return &Validator{location: location}
}

// Validate checks the epoch's events and constructs its records. meta may
// carry the contract's own lock/close prices; when both meta and the
// boundary events lack a price the outcome defaults to UP with a warning.
func (v *Validator) Validate(events *types.EpochEvents, targetEpoch uint64, meta *types.RoundMeta) (*Result, error) {
	var reasons []Reason
	var warnings []string

	if len(events.Starts) == 0 {
		reasons = append(reasons, ReasonNoRoundStart)
	}
	if len(events.StakeUps)+len(events.StakeDowns) == 0 {
		reasons = append(reasons, ReasonNoBets)
	}
	reasons = append(reasons, checkStakes(events.StakeUps)...)
	reasons = append(reasons, checkStakes(events.StakeDowns)...)
	reasons = append(reasons, checkClaims(events.Claims)...)
	if len(reasons) > 0 {
		return nil, &Error{Epoch: targetEpoch, Reasons: dedupeReasons(reasons)}
	}

	lockPrice, closePrice, priceWarnings := v.resolvePrices(events, meta)
	warnings = append(warnings, priceWarnings...)

	outcome := types.Up
	if lockPrice > 0 && closePrice > 0 && closePrice <= lockPrice {
		outcome = types.Down
	}

	var up, down fixedpoint.Amount
	for _, ev := range events.StakeUps {
		up += ev.Amount
	}
	for _, ev := range events.StakeDowns {
		down += ev.Amount
	}
	total := up + down
	pool := total.MulFrac(feeNumerator, feeDenominator)

	round := types.Round{
		Epoch:      targetEpoch,
		LockPrice:  lockPrice,
		ClosePrice: closePrice,
		Outcome:    outcome,
		Total:      total,
		Up:         up,
		Down:       down,
		UpOdds:     fixedpoint.DivOdds(pool, up),
		DownOdds:   fixedpoint.DivOdds(pool, down),
	}
	if meta != nil {
		round.StartTime = time.Unix(int64(meta.StartTs), 0).In(v.location)
		round.LockTime = time.Unix(int64(meta.LockTs), 0).In(v.location)
		round.CloseTime = time.Unix(int64(meta.CloseTs), 0).In(v.location)
	}

	bets := make([]types.Bet, 0, len(events.StakeUps)+len(events.StakeDowns))
	bets = append(bets, buildBets(events.StakeUps, types.Up, outcome)...)
	bets = append(bets, buildBets(events.StakeDowns, types.Down, outcome)...)

	claims := buildClaims(events.Claims, targetEpoch)
	multiClaims := deriveMultiClaims(claims)

	if cross := crossCheck(round, bets, len(events.StakeUps), len(events.StakeDowns)); len(cross) > 0 {
		return nil, &Error{Epoch: targetEpoch, Reasons: cross}
	}

	for _, w := range warnings {
		log.WithField("epoch", targetEpoch).Warn(w)
	}
	return &Result{
		Round:       round,
		Bets:        bets,
		Claims:      claims,
		MultiClaims: multiClaims,
		Warnings:    warnings,
	}, nil
}

// resolvePrices prefers the contract's round metadata and falls back to the
// boundary events' embedded prices.
func (v *Validator) resolvePrices(events *types.EpochEvents, meta *types.RoundMeta) (lockPrice, closePrice fixedpoint.Amount, warnings []string) {
	if meta != nil {
		lockPrice, closePrice = meta.LockPrice, meta.ClosePrice
	}
	if lockPrice == 0 {
		for _, ev := range events.Locks {
			if ev.Price > 0 {
				lockPrice = ev.Price
				break
			}
		}
	}
	if closePrice == 0 {
		for _, ev := range events.Ends {
			if ev.Price > 0 {
				closePrice = ev.Price
				break
			}
		}
	}
	if lockPrice == 0 || closePrice == 0 {
		warnings = append(warnings, "lock or close price unavailable, outcome defaults to UP")
	}
	return lockPrice, closePrice, warnings
}

func checkStakes(stakes []types.Event) []Reason {
	var reasons []Reason
	for _, ev := range stakes {
		if ev.Sender == "" {
			reasons = append(reasons, ReasonEmptyStakeSender)
		}
		if ev.Amount <= 0 {
			reasons = append(reasons, ReasonNonPositiveStake)
		}
	}
	return reasons
}

func checkClaims(claims []types.Event) []Reason {
	var reasons []Reason
	for _, ev := range claims {
		if ev.Sender == "" {
			reasons = append(reasons, ReasonEmptyClaimSender)
		}
		if ev.Amount <= 0 {
			reasons = append(reasons, ReasonNonPositiveClaim)
		}
		if ev.Epoch == 0 {
			reasons = append(reasons, ReasonZeroClaimEpoch)
		}
	}
	return reasons
}

func buildBets(stakes []types.Event, direction types.Direction, roundOutcome types.Direction) []types.Bet {
	bets := make([]types.Bet, 0, len(stakes))
	for _, ev := range stakes {
		outcome := types.Loss
		if direction == roundOutcome {
			outcome = types.Win
		}
		bets = append(bets, types.Bet{
			Epoch:       ev.Epoch,
			Time:        ev.Timestamp,
			Wallet:      ev.Sender,
			Direction:   direction,
			Amount:      ev.Amount,
			Outcome:     outcome,
			TxHash:      ev.TxHash,
			LogIndex:    ev.LogIndex,
			BlockNumber: ev.BlockNumber,
		})
	}
	return bets
}

// buildClaims emits one row per claim event, keyed on the observation epoch
// with the event's embedded epoch as the bet epoch. Rows are deduplicated
// in memory on (tx, logIndex, betEpoch) so a legacy pair-only schema key
// cannot admit duplicates.
func buildClaims(claims []types.Event, targetEpoch uint64) []types.Claim {
	type key struct {
		tx       string
		logIndex uint
		betEpoch uint64
	}
	seen := make(map[key]struct{}, len(claims))
	out := make([]types.Claim, 0, len(claims))
	for _, ev := range claims {
		k := key{tx: ev.TxHash, logIndex: ev.LogIndex, betEpoch: ev.Epoch}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, types.Claim{
			Epoch:       targetEpoch,
			BetEpoch:    ev.Epoch,
			Wallet:      ev.Sender,
			Amount:      ev.Amount,
			Time:        ev.Timestamp,
			TxHash:      ev.TxHash,
			LogIndex:    ev.LogIndex,
			BlockNumber: ev.BlockNumber,
		})
	}
	return out
}

func deriveMultiClaims(claims []types.Claim) []types.MultiClaim {
	type agg struct {
		count int
		total fixedpoint.Amount
	}
	byWallet := make(map[string]*agg)
	order := make([]string, 0)
	for _, c := range claims {
		a, ok := byWallet[c.Wallet]
		if !ok {
			a = &agg{}
			byWallet[c.Wallet] = a
			order = append(order, c.Wallet)
		}
		a.count++
		a.total += c.Amount
	}
	var out []types.MultiClaim
	for _, wallet := range order {
		a := byWallet[wallet]
		if a.count >= multiClaimMinCount || a.total >= multiClaimMinTotal {
			out = append(out, types.MultiClaim{
				Epoch:  claims[0].Epoch,
				Wallet: wallet,
				Count:  a.count,
				Total:  a.total,
			})
		}
	}
	return out
}

// crossCheck re-verifies the constructed records against each other; each
// violated law is a distinct reason.
func crossCheck(round types.Round, bets []types.Bet, upCount, downCount int) []Reason {
	var reasons []Reason
	var sum, upSum, downSum fixedpoint.Amount
	for _, b := range bets {
		sum += b.Amount
		if b.Direction == types.Up {
			upSum += b.Amount
		} else {
			downSum += b.Amount
		}
	}
	if !fixedpoint.EqualWithin(round.Total, sum, sumTolerance) {
		reasons = append(reasons, ReasonSumMismatch)
	}
	if upSum.Trunc4() != round.Up.Trunc4() {
		reasons = append(reasons, ReasonUpSideMismatch)
	}
	if downSum.Trunc4() != round.Down.Trunc4() {
		reasons = append(reasons, ReasonDownSideMismatch)
	}
	if (round.Up > 0 && round.UpOdds == 0) || (round.Down > 0 && round.DownOdds == 0) {
		reasons = append(reasons, ReasonZeroOddsWithStake)
	}
	if len(bets) != upCount+downCount {
		reasons = append(reasons, ReasonBetCountMismatch)
	}
	return reasons
}

func dedupeReasons(reasons []Reason) []Reason {
	seen := make(map[Reason]struct{}, len(reasons))
	out := make([]Reason, 0, len(reasons))
	for _, r := range reasons {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
