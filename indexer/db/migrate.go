package db

import (
	"context"

	"github.com/pkg/errors"
)

// migrations run in order on startup. Every statement is idempotent, so a
// partially migrated deployment converges on re-run. Bets and claims carry no
// foreign keys to round: the backward sweep commits claims whose bet_epoch
// round has not been backfilled yet, and a referential constraint would wedge
// it.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS "round" (
		"epoch" BIGINT PRIMARY KEY,
		"start_time" TIMESTAMPTZ,
		"lock_time" TIMESTAMPTZ,
		"close_time" TIMESTAMPTZ,
		"lock_price" NUMERIC(30,8) NOT NULL DEFAULT 0,
		"close_price" NUMERIC(30,8) NOT NULL DEFAULT 0,
		"outcome" TEXT NOT NULL,
		"total_amount" NUMERIC(30,8) NOT NULL,
		"up_amount" NUMERIC(30,8) NOT NULL,
		"down_amount" NUMERIC(30,8) NOT NULL,
		"up_odds" NUMERIC(20,4) NOT NULL,
		"down_odds" NUMERIC(20,4) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS "hisBet" (
		"id" BIGSERIAL PRIMARY KEY,
		"epoch" BIGINT NOT NULL,
		"bet_time" TIMESTAMPTZ,
		"sender" TEXT NOT NULL,
		"direction" TEXT NOT NULL,
		"amount" NUMERIC(30,8) NOT NULL,
		"outcome" TEXT NOT NULL,
		"tx_hash" TEXT NOT NULL,
		"log_index" BIGINT NOT NULL,
		"block_number" BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS "claim" (
		"id" BIGSERIAL PRIMARY KEY,
		"epoch" BIGINT NOT NULL,
		"bet_epoch" BIGINT NOT NULL,
		"sender" TEXT NOT NULL,
		"amount" NUMERIC(30,8) NOT NULL,
		"claim_time" TIMESTAMPTZ,
		"tx_hash" TEXT NOT NULL,
		"log_index" BIGINT NOT NULL,
		"block_number" BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS "multiClaim" (
		"id" BIGSERIAL PRIMARY KEY,
		"epoch" BIGINT NOT NULL,
		"sender" TEXT NOT NULL,
		"claim_count" INT NOT NULL,
		"total_amount" NUMERIC(30,8) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS "realBet" (
		"id" BIGSERIAL PRIMARY KEY,
		"epoch" BIGINT NOT NULL,
		"bet_time" TIMESTAMPTZ,
		"sender" TEXT NOT NULL,
		"direction" TEXT NOT NULL,
		"amount" NUMERIC(30,8) NOT NULL,
		"tx_hash" TEXT NOT NULL,
		"log_index" BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS "finEpoch" (
		"epoch" BIGINT PRIMARY KEY,
		"finished_at" TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS "errEpoch" (
		"epoch" BIGINT PRIMARY KEY,
		"stage" TEXT NOT NULL,
		"message" TEXT NOT NULL,
		"fail_count" INT NOT NULL DEFAULT 1,
		"updated_at" TIMESTAMPTZ NOT NULL
	)`,

	// Deployments predating this version may carry foreign keys from bets
	// and claims to round. Drop whatever is found.
	`DO $$
	DECLARE c RECORD;
	BEGIN
		FOR c IN
			SELECT conrelid::regclass AS tbl, conname
			FROM pg_constraint
			WHERE contype = 'f'
			  AND conrelid::regclass::text IN ('"hisBet"', '"claim"', '"realBet"')
			  AND confrelid::regclass::text = 'round'
		LOOP
			EXECUTE format('ALTER TABLE %s DROP CONSTRAINT %I', c.tbl, c.conname);
		END LOOP;
	END $$`,

	`CREATE UNIQUE INDEX IF NOT EXISTS "hisBet_tx_log_uniq" ON "hisBet" ("tx_hash", "log_index")`,
	`CREATE UNIQUE INDEX IF NOT EXISTS "hisclaim_tx_log_bet_epoch_uniq" ON "claim" ("tx_hash", "log_index", "bet_epoch")`,

	`CREATE INDEX IF NOT EXISTS "hisBet_epoch_idx" ON "hisBet" ("epoch")`,
	`CREATE INDEX IF NOT EXISTS "hisBet_sender_idx" ON "hisBet" ("sender")`,
	`CREATE INDEX IF NOT EXISTS "claim_epoch_idx" ON "claim" ("epoch")`,
	`CREATE INDEX IF NOT EXISTS "claim_sender_idx" ON "claim" ("sender")`,
	`CREATE INDEX IF NOT EXISTS "claim_bet_epoch_idx" ON "claim" ("bet_epoch")`,
	`CREATE INDEX IF NOT EXISTS "multiClaim_epoch_idx" ON "multiClaim" ("epoch")`,
	`CREATE INDEX IF NOT EXISTS "realBet_epoch_idx" ON "realBet" ("epoch")`,
}

// Migrate applies the schema. Safe to run on every startup and out of order
// with respect to processing.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return errors.Wrapf(err, "migration %d failed", i)
		}
	}
	log.WithField("statements", len(migrations)).Info("Database schema up to date")
	return nil
}
