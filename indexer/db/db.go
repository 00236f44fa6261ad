// Package db is the Postgres persistence layer. Access goes through a
// two-level interface: WithTx runs a caller function against a transactional
// handle and commits on clean return, and the handle exposes typed insert,
// batch-insert, delete, update and select operations whose table names are
// checked against a closed allow-list before any SQL is built.
package db

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/roundscan/roundscan/config/params"
)

var log = logrus.WithField("prefix", "db")

var (
	txCommits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roundscan_db_tx_commits_total",
		Help: "Number of committed persistence transactions.",
	})
	txRollbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roundscan_db_tx_rollbacks_total",
		Help: "Number of rolled-back persistence transactions.",
	})
)

// Table names the store accepts. Anything else is rejected before SQL is
// assembled.
type Table string

const (
	TableRound      Table = "round"
	TableBet        Table = "hisBet"
	TableClaim      Table = "claim"
	TableMultiClaim Table = "multiClaim"
	TableRealBet    Table = "realBet"
	TableFinEpoch   Table = "finEpoch"
	TableErrEpoch   Table = "errEpoch"
)

var allowedTables = map[Table]struct{}{
	TableRound:      {},
	TableBet:        {},
	TableClaim:      {},
	TableMultiClaim: {},
	TableRealBet:    {},
	TableFinEpoch:   {},
	TableErrEpoch:   {},
}

func checkTable(table Table) error {
	if _, ok := allowedTables[table]; !ok {
		return errors.Errorf("table %q is not in the persistence allow-list", table)
	}
	return nil
}

// querier is the subset of pgx shared by the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Handle carries the typed operations. Inside WithTx it is bound to the
// transaction; the store itself embeds a pool-backed handle for reads and
// out-of-band writes.
type Handle struct {
	q querier
}

// Store owns the connection pool.
type Store struct {
	Handle
	pool     *pgxpool.Pool
	location *time.Location
}

// poolConfig parses the connection string and applies the process's pool
// policy on top of it: bounded connection counts, a connect deadline and a
// server-side statement timeout, so a wedged query cannot hold a pipeline
// transaction open indefinitely.
func poolConfig(cfg *params.Config) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresURL)
	if err != nil {
		return nil, errors.Wrap(err, "could not parse postgres connection string")
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConns)
	poolCfg.MinConns = int32(cfg.DBMinConns)
	poolCfg.ConnConfig.ConnectTimeout = cfg.DBConnectTimeout
	if poolCfg.ConnConfig.RuntimeParams == nil {
		poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
	}
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] =
		strconv.FormatInt(cfg.DBStatementTimeout.Milliseconds(), 10)
	return poolCfg, nil
}

// Open connects the pool and verifies the database is reachable.
func Open(ctx context.Context, cfg *params.Config) (*Store, error) {
	poolCfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.Wrap(err, "could not create postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "could not reach postgres")
	}
	log.WithField("database", poolCfg.ConnConfig.Database).Info("Connected to postgres")
	return &Store{
		Handle:   Handle{q: pool},
		pool:     pool,
		location: cfg.Location(),
	}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// WithTx begins a transaction, hands a transactional handle to fn, commits
// when fn returns nil and rolls back otherwise. The connection is always
// released.
func (s *Store) WithTx(ctx context.Context, fn func(h *Handle) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "could not begin transaction")
	}
	if err := fn(&Handle{q: tx}); err != nil {
		txRollbacks.Inc()
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			log.WithError(rbErr).Error("Could not roll back transaction")
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		txRollbacks.Inc()
		return errors.Wrap(err, "could not commit transaction")
	}
	txCommits.Inc()
	return nil
}

// Insert writes one row.
func (h *Handle) Insert(ctx context.Context, table Table, row map[string]any) error {
	stmt, args, err := buildInsert(table, row)
	if err != nil {
		return err
	}
	_, err = h.q.Exec(ctx, stmt, args...)
	return errors.Wrapf(err, "insert into %s", table)
}

// BatchInsert writes many rows sharing one column set through a pgx batch,
// one round trip for the whole set.
func (h *Handle) BatchInsert(ctx context.Context, table Table, cols []string, rows [][]any) (err error) {
	if len(rows) == 0 {
		return nil
	}
	stmt, err := buildBatchInsert(table, cols)
	if err != nil {
		return err
	}
	batch := &pgx.Batch{}
	for _, row := range rows {
		if len(row) != len(cols) {
			return errors.Errorf("row width %d does not match %d columns", len(row), len(cols))
		}
		batch.Queue(stmt, row...)
	}
	res := h.q.SendBatch(ctx, batch)
	defer func() {
		if closeErr := res.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	for range rows {
		if _, execErr := res.Exec(); execErr != nil {
			return errors.Wrapf(execErr, "batch insert into %s", table)
		}
	}
	return err
}

// Delete removes the rows matching every condition in where and reports how
// many went away.
func (h *Handle) Delete(ctx context.Context, table Table, where map[string]any) (int64, error) {
	stmt, args, err := buildDelete(table, where)
	if err != nil {
		return 0, err
	}
	tag, err := h.q.Exec(ctx, stmt, args...)
	if err != nil {
		return 0, errors.Wrapf(err, "delete from %s", table)
	}
	return tag.RowsAffected(), nil
}

// Update applies set to the rows matching where.
func (h *Handle) Update(ctx context.Context, table Table, set, where map[string]any) (int64, error) {
	stmt, args, err := buildUpdate(table, set, where)
	if err != nil {
		return 0, err
	}
	tag, err := h.q.Exec(ctx, stmt, args...)
	if err != nil {
		return 0, errors.Wrapf(err, "update %s", table)
	}
	return tag.RowsAffected(), nil
}

// Select reads cols from the rows matching where. The caller owns the rows
// and must close them.
func (h *Handle) Select(ctx context.Context, table Table, where map[string]any, cols []string) (pgx.Rows, error) {
	stmt, args, err := buildSelect(table, where, cols)
	if err != nil {
		return nil, err
	}
	rows, err := h.q.Query(ctx, stmt, args...)
	return rows, errors.Wrapf(err, "select from %s", table)
}

// IsEpochDone reports whether the completion marker for the epoch exists.
func (s *Store) IsEpochDone(ctx context.Context, epoch uint64) (bool, error) {
	rows, err := s.Select(ctx, TableFinEpoch, map[string]any{"epoch": epoch}, []string{"epoch"})
	if err != nil {
		return false, err
	}
	defer rows.Close()
	done := rows.Next()
	return done, rows.Err()
}

// LogEpochError upserts the failure record for an epoch. It runs on a fresh
// pool connection so the diagnostics survive the failed transaction's
// rollback.
func (s *Store) LogEpochError(ctx context.Context, epoch uint64, stage, message string) error {
	const stmt = `INSERT INTO "errEpoch" ("epoch", "stage", "message", "fail_count", "updated_at")
VALUES ($1, $2, $3, 1, $4)
ON CONFLICT ("epoch") DO UPDATE
SET "stage" = EXCLUDED."stage",
    "message" = EXCLUDED."message",
    "fail_count" = "errEpoch"."fail_count" + 1,
    "updated_at" = EXCLUDED."updated_at"`
	_, err := s.pool.Exec(ctx, stmt, epoch, stage, message, time.Now().In(s.location))
	return errors.Wrap(err, "could not record epoch error")
}

// quoteIdent renders a double-quoted SQL identifier.
func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// sortedKeys gives the map keys in a stable order so generated SQL is
// deterministic.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func placeholders(n, from int) []string {
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = "$" + strconv.Itoa(from+i)
	}
	return out
}

func buildInsert(table Table, row map[string]any) (string, []any, error) {
	if err := checkTable(table); err != nil {
		return "", nil, err
	}
	if len(row) == 0 {
		return "", nil, errors.Errorf("insert into %s with no columns", table)
	}
	keys := sortedKeys(row)
	cols := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		cols[i] = quoteIdent(k)
		args[i] = row[k]
	}
	stmt := "INSERT INTO " + quoteIdent(string(table)) +
		" (" + strings.Join(cols, ", ") + ") VALUES (" +
		strings.Join(placeholders(len(keys), 1), ", ") + ")"
	return stmt, args, nil
}

func buildBatchInsert(table Table, cols []string) (string, error) {
	if err := checkTable(table); err != nil {
		return "", err
	}
	if len(cols) == 0 {
		return "", errors.Errorf("batch insert into %s with no columns", table)
	}
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	return "INSERT INTO " + quoteIdent(string(table)) +
		" (" + strings.Join(quoted, ", ") + ") VALUES (" +
		strings.Join(placeholders(len(cols), 1), ", ") + ")", nil
}

func buildWhere(where map[string]any, from int) (string, []any) {
	if len(where) == 0 {
		return "", nil
	}
	keys := sortedKeys(where)
	conds := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		conds[i] = quoteIdent(k) + " = $" + strconv.Itoa(from+i)
		args[i] = where[k]
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func buildDelete(table Table, where map[string]any) (string, []any, error) {
	if err := checkTable(table); err != nil {
		return "", nil, err
	}
	if len(where) == 0 {
		return "", nil, errors.Errorf("unconditional delete from %s refused", table)
	}
	cond, args := buildWhere(where, 1)
	return "DELETE FROM " + quoteIdent(string(table)) + cond, args, nil
}

func buildUpdate(table Table, set, where map[string]any) (string, []any, error) {
	if err := checkTable(table); err != nil {
		return "", nil, err
	}
	if len(set) == 0 {
		return "", nil, errors.Errorf("update %s with no assignments", table)
	}
	if len(where) == 0 {
		return "", nil, errors.Errorf("unconditional update of %s refused", table)
	}
	setKeys := sortedKeys(set)
	assigns := make([]string, len(setKeys))
	args := make([]any, 0, len(set)+len(where))
	for i, k := range setKeys {
		assigns[i] = quoteIdent(k) + " = $" + strconv.Itoa(i+1)
		args = append(args, set[k])
	}
	cond, whereArgs := buildWhere(where, len(setKeys)+1)
	args = append(args, whereArgs...)
	return "UPDATE " + quoteIdent(string(table)) + " SET " + strings.Join(assigns, ", ") + cond, args, nil
}

func buildSelect(table Table, where map[string]any, cols []string) (string, []any, error) {
	if err := checkTable(table); err != nil {
		return "", nil, err
	}
	if len(cols) == 0 {
		return "", nil, errors.Errorf("select from %s with no columns", table)
	}
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	cond, args := buildWhere(where, 1)
	return "SELECT " + strings.Join(quoted, ", ") + " FROM " + quoteIdent(string(table)) + cond, args, nil
}
