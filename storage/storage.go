package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/recomma/arbiter/arbiter"
)

//go:embed schema.sql
var schemaDDL string

// ErrCycleImmutable is returned when saving over a cycle that already
// reached a terminal state.
var ErrCycleImmutable = errors.New("storage: cycle is terminal")

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Storage persists cycles, their leg orders and an audit trail in sqlite.
type Storage struct {
	db     *sql.DB
	logger *slog.Logger
	mu     sync.Mutex
}

type options struct {
	logger       *slog.Logger
	maxOpenConns int
}

type Option func(*options)

// WithLogger logs every statement through logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMaxOpenConns sizes the connection pool for file backed databases.
func WithMaxOpenConns(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxOpenConns = n
		}
	}
}

func New(path string, opts ...Option) (*Storage, error) {
	o := options{maxOpenConns: 4}
	for _, opt := range opts {
		opt(&o)
	}

	memory := path == ":memory:" || strings.Contains(path, "mode=memory")
	dsn := path
	if !memory {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if memory {
		// every connection to :memory: is its own database
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(o.maxOpenConns)
		db.SetMaxIdleConns(o.maxOpenConns)
	}
	db.SetConnMaxLifetime(0)

	ctx := context.Background()

	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s := &Storage{db: db}
	if o.logger != nil {
		s.logger = o.logger.WithGroup("storage").WithGroup("sql")
	}
	return s, nil
}

func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func (s *Storage) conn(q dbtx) dbtx {
	if s.logger != nil {
		return loggingDB{inner: q, logger: s.logger}
	}
	return q
}

const upsertCycleSQL = `
INSERT INTO cycles (
    id, strategy, path, markets, route_key, state, current_step,
    initial_amount, current_amount, current_currency, profit_loss,
    error_message, metadata, in_flight, start_time_utc, end_time_utc, updated_at_utc
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    strategy = excluded.strategy,
    path = excluded.path,
    markets = excluded.markets,
    route_key = excluded.route_key,
    state = excluded.state,
    current_step = excluded.current_step,
    initial_amount = excluded.initial_amount,
    current_amount = excluded.current_amount,
    current_currency = excluded.current_currency,
    profit_loss = excluded.profit_loss,
    error_message = excluded.error_message,
    metadata = excluded.metadata,
    in_flight = excluded.in_flight,
    start_time_utc = excluded.start_time_utc,
    end_time_utc = excluded.end_time_utc,
    updated_at_utc = excluded.updated_at_utc
WHERE cycles.state NOT IN ('completed', 'failed')`

const upsertOrderSQL = `
INSERT INTO cycle_orders (
    cycle_id, leg_index, client_id, exchange_order_id, symbol, side,
    from_currency, to_currency, expected_price, executed_price, amount,
    filled_amount, received_amount, fee_rate, latency_ms, slippage_bps,
    status, panic, submitted_at_utc, settled_at_utc
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (cycle_id, leg_index) DO UPDATE SET
    client_id = excluded.client_id,
    exchange_order_id = excluded.exchange_order_id,
    symbol = excluded.symbol,
    side = excluded.side,
    from_currency = excluded.from_currency,
    to_currency = excluded.to_currency,
    expected_price = excluded.expected_price,
    executed_price = excluded.executed_price,
    amount = excluded.amount,
    filled_amount = excluded.filled_amount,
    received_amount = excluded.received_amount,
    fee_rate = excluded.fee_rate,
    latency_ms = excluded.latency_ms,
    slippage_bps = excluded.slippage_bps,
    status = excluded.status,
    panic = excluded.panic,
    submitted_at_utc = excluded.submitted_at_utc,
    settled_at_utc = excluded.settled_at_utc`

// SaveCycle writes the cycle row and every settled order in one transaction.
func (s *Storage) SaveCycle(ctx context.Context, c *arbiter.Cycle) error {
	if c == nil || c.ID == "" {
		return errors.New("storage: cycle id required")
	}

	path, err := json.Marshal(c.Path)
	if err != nil {
		return fmt.Errorf("encode path: %w", err)
	}
	markets, err := json.Marshal(nonNil(c.Markets))
	if err != nil {
		return fmt.Errorf("encode markets: %w", err)
	}
	meta, err := json.Marshal(nonNilMap(c.Metadata))
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	var inFlight sql.NullString
	if c.InFlight != nil {
		raw, err := json.Marshal(c.InFlight)
		if err != nil {
			return fmt.Errorf("encode in-flight order: %w", err)
		}
		inFlight = sql.NullString{String: string(raw), Valid: true}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	q := s.conn(tx)
	res, err := q.ExecContext(ctx, upsertCycleSQL,
		c.ID, c.StrategyName, string(path), string(markets), c.RouteKey, string(c.State), c.CurrentStep,
		c.InitialAmount.String(), c.CurrentAmount.String(), c.CurrentCurrency, c.ProfitLoss.String(),
		c.ErrorMessage, string(meta), inFlight, toMillis(c.StartTime), nullMillis(c.EndTime), toMillis(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert cycle %s: %w", c.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrCycleImmutable, c.ID)
	}

	for _, o := range c.Orders {
		if err := upsertOrder(ctx, q, c.ID, o); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func upsertOrder(ctx context.Context, q dbtx, cycleID string, o arbiter.Order) error {
	_, err := q.ExecContext(ctx, upsertOrderSQL,
		cycleID, o.LegIndex, o.ClientID, o.ExchangeOrderID, o.Symbol, string(o.Side),
		o.From, o.To, o.ExpectedPrice.String(), o.ExecutedPrice.String(), o.Amount.String(),
		o.FilledAmount.String(), o.ReceivedAmount.String(), o.FeeRate.String(), o.Latency.Milliseconds(), o.SlippageBps,
		string(o.Status), boolToInt(o.Panic), toMillis(o.SubmittedAt), nullMillis(o.SettledAt),
	)
	if err != nil {
		return fmt.Errorf("upsert order %s/%d: %w", cycleID, o.LegIndex, err)
	}
	return nil
}

const cycleColumns = `id, strategy, path, markets, route_key, state, current_step,
    initial_amount, current_amount, current_currency, profit_loss,
    error_message, metadata, in_flight, start_time_utc, end_time_utc, updated_at_utc`

// LoadCycle returns the cycle with its orders; ok is false when unknown.
func (s *Storage) LoadCycle(ctx context.Context, id string) (*arbiter.Cycle, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.conn(s.db)
	row := q.QueryRowContext(ctx, `SELECT `+cycleColumns+` FROM cycles WHERE id = ?`, id)
	c, err := scanCycle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	orders, err := loadOrders(ctx, q, id)
	if err != nil {
		return nil, false, err
	}
	c.Orders = orders
	return c, true, nil
}

// ListOpenCycles returns every cycle that has not reached a terminal state,
// oldest first.
func (s *Storage) ListOpenCycles(ctx context.Context) ([]*arbiter.Cycle, error) {
	return s.listCycles(ctx, `SELECT `+cycleColumns+` FROM cycles
        WHERE state NOT IN ('completed', 'failed')
        ORDER BY start_time_utc, id`)
}

// ListFlaggedCycles returns cycles marked for manual reconciliation or review.
func (s *Storage) ListFlaggedCycles(ctx context.Context) ([]*arbiter.Cycle, error) {
	return s.listCycles(ctx, `SELECT `+cycleColumns+` FROM cycles
        WHERE json_extract(metadata, '$.`+arbiter.MetaNeedsReview+`') IS NOT NULL
           OR json_extract(metadata, '$.`+arbiter.MetaManualReconciliation+`') IS NOT NULL
        ORDER BY updated_at_utc DESC, id`)
}

// CountByState returns the number of persisted cycles per state.
func (s *Storage) CountByState(ctx context.Context) (map[arbiter.CycleState]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn(s.db).QueryContext(ctx, `SELECT state, COUNT(*) FROM cycles GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[arbiter.CycleState]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[arbiter.CycleState(state)] = n
	}
	return out, rows.Err()
}

func (s *Storage) listCycles(ctx context.Context, query string, args ...any) ([]*arbiter.Cycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.conn(s.db)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	var cycles []*arbiter.Cycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		cycles = append(cycles, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// rows must be closed first, the pool may hold a single connection
	for _, c := range cycles {
		orders, err := loadOrders(ctx, q, c.ID)
		if err != nil {
			return nil, err
		}
		c.Orders = orders
	}
	return cycles, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCycle(row scanner) (*arbiter.Cycle, error) {
	var (
		c                          arbiter.Cycle
		path, markets, meta, state string
		initial, current, pnl      string
		inFlight                   sql.NullString
		startMillis, updatedMillis int64
		endMillis                  sql.NullInt64
	)
	err := row.Scan(
		&c.ID, &c.StrategyName, &path, &markets, &c.RouteKey, &state, &c.CurrentStep,
		&initial, &current, &c.CurrentCurrency, &pnl,
		&c.ErrorMessage, &meta, &inFlight, &startMillis, &endMillis, &updatedMillis,
	)
	if err != nil {
		return nil, err
	}

	c.State = arbiter.CycleState(state)
	if err := json.Unmarshal([]byte(path), &c.Path); err != nil {
		return nil, fmt.Errorf("decode path of %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(markets), &c.Markets); err != nil {
		return nil, fmt.Errorf("decode markets of %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(meta), &c.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata of %s: %w", c.ID, err)
	}
	if inFlight.Valid && inFlight.String != "" {
		var o arbiter.Order
		if err := json.Unmarshal([]byte(inFlight.String), &o); err != nil {
			return nil, fmt.Errorf("decode in-flight order of %s: %w", c.ID, err)
		}
		c.InFlight = &o
	}
	if c.InitialAmount, err = decimal.NewFromString(initial); err != nil {
		return nil, fmt.Errorf("decode initial amount of %s: %w", c.ID, err)
	}
	if c.CurrentAmount, err = decimal.NewFromString(current); err != nil {
		return nil, fmt.Errorf("decode current amount of %s: %w", c.ID, err)
	}
	if c.ProfitLoss, err = decimal.NewFromString(pnl); err != nil {
		return nil, fmt.Errorf("decode profit of %s: %w", c.ID, err)
	}
	c.StartTime = fromMillis(startMillis)
	c.UpdatedAt = fromMillis(updatedMillis)
	if endMillis.Valid {
		c.EndTime = fromMillis(endMillis.Int64)
	}
	return &c, nil
}

func loadOrders(ctx context.Context, q dbtx, cycleID string) ([]arbiter.Order, error) {
	rows, err := q.QueryContext(ctx, `SELECT
        leg_index, client_id, exchange_order_id, symbol, side, from_currency, to_currency,
        expected_price, executed_price, amount, filled_amount, received_amount, fee_rate,
        latency_ms, slippage_bps, status, panic, submitted_at_utc, settled_at_utc
        FROM cycle_orders WHERE cycle_id = ? ORDER BY leg_index`, cycleID)
	if err != nil {
		return nil, fmt.Errorf("query orders of %s: %w", cycleID, err)
	}
	defer rows.Close()

	var orders []arbiter.Order
	for rows.Next() {
		var (
			o                                             arbiter.Order
			side, status                                  string
			expected, executed, amount, filled, recv, fee string
			latencyMs, submitted                          int64
			settled                                       sql.NullInt64
			panicFlag                                     int
		)
		if err := rows.Scan(
			&o.LegIndex, &o.ClientID, &o.ExchangeOrderID, &o.Symbol, &side, &o.From, &o.To,
			&expected, &executed, &amount, &filled, &recv, &fee,
			&latencyMs, &o.SlippageBps, &status, &panicFlag, &submitted, &settled,
		); err != nil {
			return nil, err
		}
		o.Side = arbiter.Side(side)
		o.Status = arbiter.OrderStatus(status)
		o.Panic = panicFlag != 0
		o.Latency = time.Duration(latencyMs) * time.Millisecond
		o.SubmittedAt = fromMillis(submitted)
		if settled.Valid {
			o.SettledAt = fromMillis(settled.Int64)
		}
		for _, f := range []struct {
			raw string
			dst *decimal.Decimal
		}{
			{expected, &o.ExpectedPrice},
			{executed, &o.ExecutedPrice},
			{amount, &o.Amount},
			{filled, &o.FilledAmount},
			{recv, &o.ReceivedAmount},
			{fee, &o.FeeRate},
		} {
			v, err := decimal.NewFromString(f.raw)
			if err != nil {
				return nil, fmt.Errorf("decode order %s/%d: %w", cycleID, o.LegIndex, err)
			}
			*f.dst = v
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func nullMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixMilli(), Valid: true}
}

func fromMillis(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
