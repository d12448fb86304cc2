package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"tradebot/internal/backtest"
	"tradebot/internal/domain"
	"tradebot/internal/selection"
	"tradebot/internal/shadow"
	"tradebot/internal/strategy"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

//go:embed schema.sql
var schema string

// Compile-time interface checks.
var (
	_ OrderStore      = (*SQLiteStore)(nil)
	_ PositionStore   = (*SQLiteStore)(nil)
	_ SignalStore     = (*SQLiteStore)(nil)
	_ TradeStore      = (*SQLiteStore)(nil)
	_ BacktestStore   = (*SQLiteStore)(nil)
	_ AssignmentStore = (*SQLiteStore)(nil)
	_ ShadowStore     = (*SQLiteStore)(nil)
	_ EarningsStore   = (*SQLiteStore)(nil)
)

// SQLiteStore implements the relational stores backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates the
// schema and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// SQLite serialises writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode = WAL"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func paramsJSON(p strategy.Params) string {
	if len(p) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(p)
	return string(b)
}

func parseParams(s string) (strategy.Params, error) {
	var p strategy.Params
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, err
	}
	if len(p) == 0 {
		return nil, nil
	}
	return p, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

const orderColumns = `id, client_order_id, symbol, side, type, status, qty, limit_price,
	filled_qty, filled_avg_price, strategy_id, reason, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*domain.Order, error) {
	var o domain.Order
	var created, updated int64
	if err := row.Scan(&o.ID, &o.ClientOrderID, &o.Symbol, &o.Side, &o.Type, &o.Status, &o.Qty,
		&o.LimitPrice, &o.FilledQty, &o.FilledAvgPrice, &o.StrategyID, &o.Reason, &created, &updated); err != nil {
		return nil, err
	}
	o.CreatedAt = fromMillis(created)
	o.UpdatedAt = fromMillis(updated)
	return &o, nil
}

// SaveOrder inserts a new order into the database.
func (s *SQLiteStore) SaveOrder(ctx context.Context, o *domain.Order) error {
	if o.ID == "" {
		return errors.New("saving order: empty id")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.ClientOrderID, o.Symbol, o.Side, o.Type, o.Status, o.Qty, o.LimitPrice,
		o.FilledQty, o.FilledAvgPrice, o.StrategyID, o.Reason, millis(o.CreatedAt), millis(o.UpdatedAt))
	if err != nil {
		return fmt.Errorf("saving order %s: %w", o.ID, err)
	}
	return nil
}

// GetOrder retrieves a single order by its ID.
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting order %s: %w", id, err)
	}
	return o, nil
}

// ListOrders returns orders matching the given status, newest first.
func (s *SQLiteStore) ListOrders(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error) {
	q := `SELECT ` + orderColumns + ` FROM orders`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limitOrDefault(limit))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning order: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// UpdateOrder persists changes to an existing order.
func (s *SQLiteStore) UpdateOrder(ctx context.Context, o *domain.Order) error {
	res, err := s.db.ExecContext(ctx, `UPDATE orders SET status = ?, filled_qty = ?, filled_avg_price = ?,
		reason = ?, updated_at = ? WHERE id = ?`,
		o.Status, o.FilledQty, o.FilledAvgPrice, o.Reason, millis(o.UpdatedAt), o.ID)
	if err != nil {
		return fmt.Errorf("updating order %s: %w", o.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// PositionStore implementation
// ---------------------------------------------------------------------------

const positionColumns = `symbol, qty, side, avg_entry_price, multiplier, strategy_id, opened_at, updated_at`

func scanPosition(row scanner) (*domain.Position, error) {
	var p domain.Position
	var opened, updated int64
	if err := row.Scan(&p.Symbol, &p.Qty, &p.Side, &p.AvgEntryPrice, &p.Multiplier, &p.StrategyID, &opened, &updated); err != nil {
		return nil, err
	}
	p.OpenedAt = fromMillis(opened)
	p.UpdatedAt = fromMillis(updated)
	return &p, nil
}

// SavePosition inserts or updates a position for a symbol.
func (s *SQLiteStore) SavePosition(ctx context.Context, p *domain.Position) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO positions (`+positionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol) DO UPDATE SET qty = excluded.qty, side = excluded.side,
			avg_entry_price = excluded.avg_entry_price, multiplier = excluded.multiplier,
			strategy_id = excluded.strategy_id, opened_at = excluded.opened_at, updated_at = excluded.updated_at`,
		strings.ToUpper(p.Symbol), p.Qty, p.Side, p.AvgEntryPrice, p.Multiplier, p.StrategyID,
		millis(p.OpenedAt), millis(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("saving position %s: %w", p.Symbol, err)
	}
	return nil
}

// GetPosition retrieves the current position for a symbol.
func (s *SQLiteStore) GetPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE symbol = ?`, strings.ToUpper(symbol))
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting position %s: %w", symbol, err)
	}
	return p, nil
}

// ListPositions returns all open positions ordered by symbol.
func (s *SQLiteStore) ListPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+positionColumns+` FROM positions ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("listing positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning position: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// DeletePosition removes the position for a symbol.
func (s *SQLiteStore) DeletePosition(ctx context.Context, symbol string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM positions WHERE symbol = ?`, strings.ToUpper(symbol)); err != nil {
		return fmt.Errorf("deleting position %s: %w", symbol, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// SignalStore implementation
// ---------------------------------------------------------------------------

// SaveSignal inserts a new signal into the database.
func (s *SQLiteStore) SaveSignal(ctx context.Context, sig *domain.Signal) error {
	meta := "{}"
	if len(sig.Metadata) > 0 {
		b, err := json.Marshal(sig.Metadata)
		if err != nil {
			return fmt.Errorf("encoding signal metadata: %w", err)
		}
		meta = string(b)
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO signals (strategy_id, symbol, type, strength, price, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sig.StrategyID, sig.Symbol, sig.Type, sig.Strength, sig.Price, meta, millis(sig.CreatedAt))
	if err != nil {
		return fmt.Errorf("saving signal: %w", err)
	}
	sig.ID, _ = res.LastInsertId()
	return nil
}

// ListSignals returns the most recent signals for a strategy, up to limit.
func (s *SQLiteStore) ListSignals(ctx context.Context, strategyID string, limit int) ([]domain.Signal, error) {
	q := `SELECT id, strategy_id, symbol, type, strength, price, metadata, created_at FROM signals`
	var args []any
	if strategyID != "" {
		q += ` WHERE strategy_id = ?`
		args = append(args, strategyID)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limitOrDefault(limit))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing signals: %w", err)
	}
	defer rows.Close()

	var out []domain.Signal
	for rows.Next() {
		var sig domain.Signal
		var meta string
		var created int64
		if err := rows.Scan(&sig.ID, &sig.StrategyID, &sig.Symbol, &sig.Type, &sig.Strength, &sig.Price, &meta, &created); err != nil {
			return nil, fmt.Errorf("scanning signal: %w", err)
		}
		if meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &sig.Metadata); err != nil {
				return nil, fmt.Errorf("decoding signal metadata: %w", err)
			}
		}
		sig.CreatedAt = fromMillis(created)
		out = append(out, sig)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// TradeStore implementation
// ---------------------------------------------------------------------------

// SaveTrade inserts a closed trade.
func (s *SQLiteStore) SaveTrade(ctx context.Context, t *domain.ClosedTrade) error {
	res, err := s.db.ExecContext(ctx, `INSERT INTO closed_trades (symbol, strategy_id, side, qty, entry_price,
		exit_price, entry_time, exit_time, commission, pnl, shadow) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Symbol, t.StrategyID, t.Side, t.Qty, t.EntryPrice, t.ExitPrice,
		millis(t.EntryTime), millis(t.ExitTime), t.Commission, t.PnL, boolInt(t.Shadow))
	if err != nil {
		return fmt.Errorf("saving trade %s: %w", t.Symbol, err)
	}
	t.ID, _ = res.LastInsertId()
	return nil
}

// ListTrades returns closed trades matching f, newest exit first.
func (s *SQLiteStore) ListTrades(ctx context.Context, f TradeFilter) ([]domain.ClosedTrade, error) {
	q := `SELECT id, symbol, strategy_id, side, qty, entry_price, exit_price, entry_time, exit_time,
		commission, pnl, shadow FROM closed_trades WHERE 1 = 1`
	var args []any
	if f.Symbol != "" {
		q += ` AND symbol = ?`
		args = append(args, strings.ToUpper(f.Symbol))
	}
	if !f.Since.IsZero() {
		q += ` AND exit_time >= ?`
		args = append(args, millis(f.Since))
	}
	if f.Shadow != nil {
		q += ` AND shadow = ?`
		args = append(args, boolInt(*f.Shadow))
	}
	q += ` ORDER BY exit_time DESC, id DESC LIMIT ?`
	args = append(args, limitOrDefault(f.Limit))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing trades: %w", err)
	}
	defer rows.Close()

	var out []domain.ClosedTrade
	for rows.Next() {
		var t domain.ClosedTrade
		var entry, exit int64
		var shadowFlag int
		if err := rows.Scan(&t.ID, &t.Symbol, &t.StrategyID, &t.Side, &t.Qty, &t.EntryPrice, &t.ExitPrice,
			&entry, &exit, &t.Commission, &t.PnL, &shadowFlag); err != nil {
			return nil, fmt.Errorf("scanning trade: %w", err)
		}
		t.EntryTime = fromMillis(entry)
		t.ExitTime = fromMillis(exit)
		t.Shadow = shadowFlag != 0
		out = append(out, t)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// BacktestStore implementation
// ---------------------------------------------------------------------------

// SaveResult stores a backtest result without its equity curve.
func (s *SQLiteStore) SaveResult(ctx context.Context, r *backtest.Result) error {
	metrics, err := json.Marshal(r.Metrics)
	if err != nil {
		return fmt.Errorf("encoding metrics: %w", err)
	}
	trades, err := json.Marshal(r.Trades)
	if err != nil {
		return fmt.Errorf("encoding trades: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO backtests (id, symbol, strategy, params, start_at, end_at,
		bars, signals, sharpe, metrics, trades, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Symbol, r.Strategy, paramsJSON(r.Params), millis(r.Start), millis(r.End),
		r.Bars, r.Signals, r.Metrics.Sharpe, string(metrics), string(trades), millis(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("saving backtest %s: %w", r.ID, err)
	}
	return nil
}

const backtestColumns = `id, symbol, strategy, params, start_at, end_at, bars, signals, metrics, trades, created_at`

func scanResult(row scanner) (*backtest.Result, error) {
	var r backtest.Result
	var params, metrics, trades string
	var start, end, created int64
	if err := row.Scan(&r.ID, &r.Symbol, &r.Strategy, &params, &start, &end, &r.Bars, &r.Signals,
		&metrics, &trades, &created); err != nil {
		return nil, err
	}
	var err error
	if r.Params, err = parseParams(params); err != nil {
		return nil, fmt.Errorf("decoding params: %w", err)
	}
	if err := json.Unmarshal([]byte(metrics), &r.Metrics); err != nil {
		return nil, fmt.Errorf("decoding metrics: %w", err)
	}
	if err := json.Unmarshal([]byte(trades), &r.Trades); err != nil {
		return nil, fmt.Errorf("decoding trades: %w", err)
	}
	r.Start = fromMillis(start)
	r.End = fromMillis(end)
	r.CreatedAt = fromMillis(created)
	return &r, nil
}

// GetResult loads a single backtest result.
func (s *SQLiteStore) GetResult(ctx context.Context, id string) (*backtest.Result, error) {
	r, err := scanResult(s.db.QueryRowContext(ctx, `SELECT `+backtestColumns+` FROM backtests WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting backtest %s: %w", id, err)
	}
	return r, nil
}

// ListResults returns the newest results, optionally for one symbol.
func (s *SQLiteStore) ListResults(ctx context.Context, symbol string, limit int) ([]backtest.Result, error) {
	q := `SELECT ` + backtestColumns + ` FROM backtests`
	var args []any
	if symbol != "" {
		q += ` WHERE symbol = ?`
		args = append(args, strings.ToUpper(symbol))
	}
	q += ` ORDER BY created_at DESC, sharpe DESC LIMIT ?`
	args = append(args, limitOrDefault(limit))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing backtests: %w", err)
	}
	defer rows.Close()

	var out []backtest.Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning backtest: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// AssignmentStore implementation
// ---------------------------------------------------------------------------

const assignmentColumns = `symbol, strategy, params, mode, score, sharpe, total_return, max_drawdown,
	backtest_id, manual, updated_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertAssignment(ctx context.Context, db execer, a selection.Assignment) error {
	_, err := db.ExecContext(ctx, `INSERT INTO assignments (`+assignmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol, strategy, params) DO UPDATE SET mode = excluded.mode, score = excluded.score,
			sharpe = excluded.sharpe, total_return = excluded.total_return, max_drawdown = excluded.max_drawdown,
			backtest_id = excluded.backtest_id, manual = excluded.manual, updated_at = excluded.updated_at`,
		strings.ToUpper(a.Symbol), a.Strategy, paramsJSON(a.Params), a.Mode, a.Score, a.Sharpe,
		a.TotalReturn, a.MaxDrawdown, a.BacktestID, boolInt(a.Manual), millis(a.UpdatedAt))
	return err
}

// ListAssignments returns every assignment, live first within each symbol.
func (s *SQLiteStore) ListAssignments(ctx context.Context) ([]selection.Assignment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+assignmentColumns+` FROM assignments
		ORDER BY symbol, CASE mode WHEN 'live' THEN 0 ELSE 1 END, score DESC, strategy`)
	if err != nil {
		return nil, fmt.Errorf("listing assignments: %w", err)
	}
	defer rows.Close()

	var out []selection.Assignment
	for rows.Next() {
		var a selection.Assignment
		var params string
		var manual int
		var updated int64
		if err := rows.Scan(&a.Symbol, &a.Strategy, &params, &a.Mode, &a.Score, &a.Sharpe, &a.TotalReturn,
			&a.MaxDrawdown, &a.BacktestID, &manual, &updated); err != nil {
			return nil, fmt.Errorf("scanning assignment: %w", err)
		}
		if a.Params, err = parseParams(params); err != nil {
			return nil, fmt.Errorf("decoding assignment params: %w", err)
		}
		a.Manual = manual != 0
		a.UpdatedAt = fromMillis(updated)
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveAssignment upserts one assignment. Saving a live assignment demotes
// any other live assignment for the symbol to shadow.
func (s *SQLiteStore) SaveAssignment(ctx context.Context, a selection.Assignment) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if a.Mode == selection.ModeLive {
			if _, err := tx.ExecContext(ctx, `UPDATE assignments SET mode = ?, manual = 0
				WHERE symbol = ? AND mode = ?`, selection.ModeShadow, strings.ToUpper(a.Symbol), selection.ModeLive); err != nil {
				return fmt.Errorf("demoting live assignment: %w", err)
			}
		}
		if err := insertAssignment(ctx, tx, a); err != nil {
			return fmt.Errorf("saving assignment %s: %w", a.Key(), err)
		}
		return nil
	})
}

// ReplaceAssignments atomically swaps the whole assignment table.
func (s *SQLiteStore) ReplaceAssignments(ctx context.Context, as []selection.Assignment) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM assignments`); err != nil {
			return fmt.Errorf("clearing assignments: %w", err)
		}
		for _, a := range as {
			if err := insertAssignment(ctx, tx, a); err != nil {
				return fmt.Errorf("saving assignment %s: %w", a.Key(), err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ---------------------------------------------------------------------------
// ShadowStore implementation
// ---------------------------------------------------------------------------

// SaveSnapshot upserts the snapshot for a shadow combination.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap shadow.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO shadow_snapshots (key, symbol, strategy, params, mode,
		equity, return_pct, trades, position, bars, started_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.Key, snap.Symbol, snap.Strategy, paramsJSON(snap.Params), snap.Mode, snap.Equity, snap.Return,
		snap.Trades, snap.Position, snap.Bars, millis(snap.StartedAt), millis(snap.UpdatedAt))
	if err != nil {
		return fmt.Errorf("saving shadow snapshot %s: %w", snap.Key, err)
	}
	return nil
}

// ListSnapshots returns every stored snapshot ordered by key.
func (s *SQLiteStore) ListSnapshots(ctx context.Context) ([]shadow.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, symbol, strategy, params, mode, equity, return_pct, trades,
		position, bars, started_at, updated_at FROM shadow_snapshots ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("listing shadow snapshots: %w", err)
	}
	defer rows.Close()

	var out []shadow.Snapshot
	for rows.Next() {
		var snap shadow.Snapshot
		var params string
		var started, updated int64
		if err := rows.Scan(&snap.Key, &snap.Symbol, &snap.Strategy, &params, &snap.Mode, &snap.Equity, &snap.Return,
			&snap.Trades, &snap.Position, &snap.Bars, &started, &updated); err != nil {
			return nil, fmt.Errorf("scanning shadow snapshot: %w", err)
		}
		if snap.Params, err = parseParams(params); err != nil {
			return nil, fmt.Errorf("decoding snapshot params: %w", err)
		}
		snap.StartedAt = fromMillis(started)
		snap.UpdatedAt = fromMillis(updated)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// EarningsStore implementation
// ---------------------------------------------------------------------------

// SaveEarnings upserts earnings dates keyed by symbol and calendar day.
func (s *SQLiteStore) SaveEarnings(ctx context.Context, events []domain.EarningsEvent) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, ev := range events {
			if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO earnings (symbol, date, source) VALUES (?, ?, ?)`,
				strings.ToUpper(ev.Symbol), ev.Date.UTC().Format(time.DateOnly), ev.Source); err != nil {
				return fmt.Errorf("saving earnings %s: %w", ev.Symbol, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) queryEarnings(ctx context.Context, q string, args ...any) ([]domain.EarningsEvent, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing earnings: %w", err)
	}
	defer rows.Close()

	var out []domain.EarningsEvent
	for rows.Next() {
		var ev domain.EarningsEvent
		var date string
		if err := rows.Scan(&ev.Symbol, &date, &ev.Source); err != nil {
			return nil, fmt.Errorf("scanning earnings: %w", err)
		}
		if ev.Date, err = time.Parse(time.DateOnly, date); err != nil {
			return nil, fmt.Errorf("parsing earnings date %q: %w", date, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ListEarnings returns earnings dates within [from, to], by calendar day.
func (s *SQLiteStore) ListEarnings(ctx context.Context, from, to time.Time) ([]domain.EarningsEvent, error) {
	return s.queryEarnings(ctx, `SELECT symbol, date, source FROM earnings WHERE date >= ? AND date <= ?
		ORDER BY date, symbol`, from.UTC().Format(time.DateOnly), to.UTC().Format(time.DateOnly))
}

// EarningsFor returns every known earnings date for symbol.
func (s *SQLiteStore) EarningsFor(ctx context.Context, symbol string) ([]domain.EarningsEvent, error) {
	return s.queryEarnings(ctx, `SELECT symbol, date, source FROM earnings WHERE symbol = ? ORDER BY date`,
		strings.ToUpper(symbol))
}
