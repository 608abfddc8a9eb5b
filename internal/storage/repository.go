package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"options-flow-scanner/internal/flow"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertSignalSQL = `INSERT INTO signals (
        signal_ts,
        trade_date,
        ticker,
        strike,
        expiry,
        side,
        volume,
        open_interest,
        last_price,
        estimated_premium,
        risk_score,
        tags,
        description,
        volume_ratio,
        oi_ratio
    ) VALUES (
        $1,$2::text::date,$3,$4,$5::text::date,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
    );`

	selectSignalColumns = `SELECT
        id,
        signal_ts,
        to_char(trade_date, 'YYYY-MM-DD'),
        ticker,
        strike::text,
        to_char(expiry, 'YYYY-MM-DD'),
        side,
        volume,
        open_interest,
        last_price::text,
        estimated_premium::text,
        risk_score,
        tags,
        description,
        volume_ratio,
        oi_ratio,
        created_at
    FROM signals`

	signalsForDateSQL = selectSignalColumns + `
    WHERE trade_date = $1::text::date
    ORDER BY risk_score DESC, estimated_premium DESC, signal_ts
    LIMIT $2;`

	listRecentSignalsSQL = selectSignalColumns + `
    ORDER BY signal_ts DESC, id DESC
    LIMIT $1;`

	listSignalsBetweenSQL = selectSignalColumns + `
    WHERE signal_ts >= $1
      AND signal_ts < $2
    ORDER BY signal_ts
    LIMIT $3;`

	countSignalsSQL = `SELECT COUNT(*) FROM signals;`

	deleteSignalsBeforeSQL = `DELETE FROM signals WHERE signal_ts < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SignalStore persists detected signals.
type SignalStore interface {
	InsertSignals(ctx context.Context, signals []flow.Signal) error
}

// DailySignalSource lists a trading date's signals ranked by risk then premium.
type DailySignalSource interface {
	SignalsForDate(ctx context.Context, date string, limit int) ([]flow.Signal, error)
}

// SignalReader backs the reporting commands.
type SignalReader interface {
	ListRecentSignals(ctx context.Context, limit int) ([]StoredSignal, error)
	ListSignalsBetween(ctx context.Context, from, to time.Time, limit int) ([]StoredSignal, error)
	CountSignals(ctx context.Context) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store is the Postgres-backed signal repository.
type Store struct {
	pool *pgxpool.Pool
	loc  *time.Location
}

// NewStore wires a pgx pool into a Store. Trade dates are derived in loc.
func NewStore(pool *pgxpool.Pool, loc *time.Location) *Store {
	if loc == nil {
		loc = time.UTC
	}
	return &Store{pool: pool, loc: loc}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertSignals writes all signals in one batch round trip.
func (s *Store) InsertSignals(ctx context.Context, signals []flow.Signal) error {
	if len(signals) == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, sig := range signals {
		batch.Queue(insertSignalSQL, insertArgs(sig, s.loc)...)
	}

	results := pool.SendBatch(ctx, batch)
	defer results.Close()
	for i := range signals {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert signal %d (%s): %w", i, signals[i].ContractLabel(), err)
		}
	}
	return nil
}

// SignalsForDate returns the date's signals ordered by risk score then premium, both descending.
func (s *Store) SignalsForDate(ctx context.Context, date string, limit int) ([]flow.Signal, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1000
	}

	rows, err := pool.Query(ctx, signalsForDateSQL, date, limit)
	if err != nil {
		return nil, fmt.Errorf("signals for date: %w", err)
	}
	stored, err := collectSignals(rows)
	if err != nil {
		return nil, err
	}
	out := make([]flow.Signal, len(stored))
	for i, rec := range stored {
		out[i] = rec.Signal
	}
	return out, nil
}

// ListRecentSignals lists the most recent signals.
func (s *Store) ListRecentSignals(ctx context.Context, limit int) ([]StoredSignal, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listRecentSignalsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent signals: %w", err)
	}
	return collectSignals(rows)
}

// ListSignalsBetween returns signals within [from, to).
func (s *Store) ListSignalsBetween(ctx context.Context, from, to time.Time, limit int) ([]StoredSignal, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listSignalsBetweenSQL, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("list signals between: %w", err)
	}
	return collectSignals(rows)
}

// CountSignals returns total persisted signals.
func (s *Store) CountSignals(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countSignalsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count signals: %w", scanErr)
	}
	return count, nil
}

// DeleteSignalsBefore prunes signals older than the cutoff and reports how many were removed.
func (s *Store) DeleteSignalsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteSignalsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete signals before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func insertArgs(sig flow.Signal, loc *time.Location) []any {
	tags := make([]string, len(sig.Tags))
	for i, tag := range sig.Tags {
		tags[i] = string(tag)
	}
	return []any{
		sig.Timestamp,
		sig.Timestamp.In(loc).Format(flow.ExpiryLayout),
		sig.Ticker,
		decimal.NewFromFloat(sig.Strike).String(),
		sig.Expiry,
		string(sig.Side),
		sig.Volume,
		sig.OpenInterest,
		decimal.NewFromFloat(sig.LastPrice).Round(4).String(),
		decimal.NewFromFloat(sig.EstimatedPremium).Round(2).String(),
		sig.RiskScore,
		tags,
		sig.Description,
		sig.VolumeRatio,
		sig.OIRatio,
	}
}

func collectSignals(rows pgx.Rows) ([]StoredSignal, error) {
	defer rows.Close()
	var out []StoredSignal
	for rows.Next() {
		rec, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanSignal(rows pgx.Rows) (StoredSignal, error) {
	var (
		rec                          StoredSignal
		strikeStr, priceStr, premStr string
		side                         string
		tags                         []string
		risk                         int16
	)
	if err := rows.Scan(
		&rec.ID,
		&rec.Timestamp,
		&rec.TradeDate,
		&rec.Ticker,
		&strikeStr,
		&rec.Expiry,
		&side,
		&rec.Volume,
		&rec.OpenInterest,
		&priceStr,
		&premStr,
		&risk,
		&tags,
		&rec.Description,
		&rec.VolumeRatio,
		&rec.OIRatio,
		&rec.CreatedAt,
	); err != nil {
		return StoredSignal{}, err
	}

	strike, err := parseDecimal("strike", strikeStr)
	if err != nil {
		return StoredSignal{}, err
	}
	price, err := parseDecimal("last price", priceStr)
	if err != nil {
		return StoredSignal{}, err
	}
	premium, err := parseDecimal("estimated premium", premStr)
	if err != nil {
		return StoredSignal{}, err
	}

	rec.Strike = strike
	rec.LastPrice = price
	rec.EstimatedPremium = premium
	rec.Side = flow.Side(side)
	rec.RiskScore = int(risk)
	rec.Tags = make([]flow.Tag, len(tags))
	for i, tag := range tags {
		rec.Tags[i] = flow.Tag(tag)
	}
	return rec, nil
}

func parseDecimal(field, raw string) (float64, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	f, _ := d.Float64()
	return f, nil
}

var (
	_ SignalStore       = (*Store)(nil)
	_ DailySignalSource = (*Store)(nil)
	_ SignalReader      = (*Store)(nil)
	_ AdvisoryLocker    = (*Store)(nil)
)
