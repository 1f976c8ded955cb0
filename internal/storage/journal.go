// Package storage is the optional audit journal: fills and account
// snapshots appended to SQLite as they stream in. Disabled by default; the
// feeds never read from it.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"hyperfeed/internal/domain"
	"hyperfeed/pkg/quant"
)

// Journal appends fills and account snapshots to a local SQLite file.
type Journal struct {
	db *sql.DB
}

// NewJournal opens (or creates) the journal database with WAL mode enabled.
func NewJournal(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=-2000;", // 2MB cache
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS fills (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			coin TEXT NOT NULL,
			side TEXT NOT NULL,
			size_sats INTEGER NOT NULL,
			price_micros INTEGER NOT NULL,
			fee_micros INTEGER NOT NULL,
			order_id TEXT NOT NULL,
			closed_pnl_micros INTEGER NOT NULL,
			received_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create fills table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS account_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_value_micros INTEGER NOT NULL,
			withdrawable_micros INTEGER NOT NULL,
			total_margin_used_micros INTEGER NOT NULL,
			total_unrealized_pnl_micros INTEGER NOT NULL,
			recorded_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create account_snapshots table: %w", err)
	}

	return &Journal{db: db}, nil
}

// RecordFill appends one fill.
func (j *Journal) RecordFill(ctx context.Context, f domain.Fill) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO fills (coin, side, size_sats, price_micros, fee_micros, order_id, closed_pnl_micros, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.Coin, f.Side, int64(f.SizeSats), int64(f.PriceMicros),
		f.FeeMicros, f.OrderID, f.ClosedPnlMicros, f.Time.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert fill: %w", err)
	}
	return nil
}

// RecordAccount appends one account snapshot.
func (j *Journal) RecordAccount(ctx context.Context, a domain.AccountState) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO account_snapshots (account_value_micros, withdrawable_micros, total_margin_used_micros, total_unrealized_pnl_micros, recorded_at)
		 VALUES (?, ?, ?, ?, ?)`,
		a.AccountValueMicros, a.WithdrawableMicros,
		a.TotalMarginUsedMicros, a.TotalUnrealizedPnlMicros,
		a.LastUpdate.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert account snapshot: %w", err)
	}
	return nil
}

// RecentFills loads the newest fills first, up to limit.
func (j *Journal) RecentFills(ctx context.Context, limit int) ([]domain.Fill, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT coin, side, size_sats, price_micros, fee_micros, order_id, closed_pnl_micros, received_at
		 FROM fills ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query fills: %w", err)
	}
	defer rows.Close()

	var fills []domain.Fill
	for rows.Next() {
		var f domain.Fill
		var size, price, receivedAt int64
		if err := rows.Scan(&f.Coin, &f.Side, &size, &price, &f.FeeMicros, &f.OrderID, &f.ClosedPnlMicros, &receivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan fill: %w", err)
		}
		f.SizeSats = quant.QtySats(size)
		f.PriceMicros = quant.PriceMicros(price)
		f.Time = time.UnixMicro(receivedAt)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// LastAccount loads the most recent account snapshot, or false when the
// journal is empty.
func (j *Journal) LastAccount(ctx context.Context) (domain.AccountState, bool, error) {
	var a domain.AccountState
	var recordedAt int64
	err := j.db.QueryRowContext(ctx,
		`SELECT account_value_micros, withdrawable_micros, total_margin_used_micros, total_unrealized_pnl_micros, recorded_at
		 FROM account_snapshots ORDER BY id DESC LIMIT 1`).
		Scan(&a.AccountValueMicros, &a.WithdrawableMicros, &a.TotalMarginUsedMicros, &a.TotalUnrealizedPnlMicros, &recordedAt)
	if err == sql.ErrNoRows {
		return domain.AccountState{}, false, nil
	}
	if err != nil {
		return domain.AccountState{}, false, err
	}
	a.LastUpdate = time.UnixMicro(recordedAt)
	return a, true, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}
