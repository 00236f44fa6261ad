package db

import (
	"github.com/roundscan/roundscan/indexer/types"
)

// Monetary values are bound as their fixed-point decimal strings so the
// database's NUMERIC columns never see float rounding.

// RoundRow maps a round aggregate to its table columns.
func RoundRow(r types.Round) map[string]any {
	return map[string]any{
		"epoch":        r.Epoch,
		"start_time":   r.StartTime,
		"lock_time":    r.LockTime,
		"close_time":   r.CloseTime,
		"lock_price":   r.LockPrice.String(),
		"close_price":  r.ClosePrice.String(),
		"outcome":      r.Outcome.String(),
		"total_amount": r.Total.String(),
		"up_amount":    r.Up.String(),
		"down_amount":  r.Down.String(),
		"up_odds":      r.UpOdds.Text4(),
		"down_odds":    r.DownOdds.Text4(),
	}
}

// BetColumns is the column set used by bet batch inserts, in insert order.
var BetColumns = []string{
	"epoch", "bet_time", "sender", "direction", "amount", "outcome",
	"tx_hash", "log_index", "block_number",
}

// BetRows renders bets into rows matching BetColumns.
func BetRows(bets []types.Bet) [][]any {
	rows := make([][]any, 0, len(bets))
	for _, b := range bets {
		rows = append(rows, []any{
			b.Epoch, b.Time, b.Wallet, b.Direction.String(), b.Amount.String(),
			b.Outcome.String(), b.TxHash, b.LogIndex, b.BlockNumber,
		})
	}
	return rows
}

// ClaimColumns is the column set used by claim batch inserts, in insert order.
var ClaimColumns = []string{
	"epoch", "bet_epoch", "sender", "amount", "claim_time",
	"tx_hash", "log_index", "block_number",
}

// ClaimRows renders claims into rows matching ClaimColumns.
func ClaimRows(claims []types.Claim) [][]any {
	rows := make([][]any, 0, len(claims))
	for _, c := range claims {
		rows = append(rows, []any{
			c.Epoch, c.BetEpoch, c.Wallet, c.Amount.String(), c.Time,
			c.TxHash, c.LogIndex, c.BlockNumber,
		})
	}
	return rows
}

// MultiClaimColumns is the column set used by multi-claim batch inserts.
var MultiClaimColumns = []string{"epoch", "sender", "claim_count", "total_amount"}

// MultiClaimRows renders multi-claim flags into rows matching
// MultiClaimColumns.
func MultiClaimRows(mcs []types.MultiClaim) [][]any {
	rows := make([][]any, 0, len(mcs))
	for _, mc := range mcs {
		rows = append(rows, []any{mc.Epoch, mc.Wallet, mc.Count, mc.Total.String()})
	}
	return rows
}
