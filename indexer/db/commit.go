package db

import (
	"context"
	"time"

	"github.com/roundscan/roundscan/indexer/validate"
)

// CommitEpoch persists one validated epoch in a single transaction: the
// epoch's provisional live bets are removed, the canonical rows are written,
// and the completion marker lands with them. The marker is what makes
// reprocessing idempotent, so it must never be separated from the data it
// attests to.
func (s *Store) CommitEpoch(ctx context.Context, epoch uint64, res *validate.Result) error {
	return s.WithTx(ctx, func(h *Handle) error {
		if _, err := h.Delete(ctx, TableRealBet, map[string]any{"epoch": epoch}); err != nil {
			return err
		}
		if err := h.Insert(ctx, TableRound, RoundRow(res.Round)); err != nil {
			return err
		}
		if err := h.BatchInsert(ctx, TableBet, BetColumns, BetRows(res.Bets)); err != nil {
			return err
		}
		if err := h.BatchInsert(ctx, TableClaim, ClaimColumns, ClaimRows(res.Claims)); err != nil {
			return err
		}
		if len(res.MultiClaims) > 0 {
			if err := h.BatchInsert(ctx, TableMultiClaim, MultiClaimColumns, MultiClaimRows(res.MultiClaims)); err != nil {
				return err
			}
		}
		return h.Insert(ctx, TableFinEpoch, map[string]any{
			"epoch":       epoch,
			"finished_at": time.Now().In(s.location),
		})
	})
}
