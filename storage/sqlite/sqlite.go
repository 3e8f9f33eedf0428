// Package sqlite provides a SQLite implementation of the points.Storage interface
// for single-node deployments and local development.
//
// Units of work are serialized in-process by a mutex and open their SQL transaction
// with BEGIN IMMEDIATE, so a second process sharing the file waits on the write lock
// instead of failing at commit. Timestamps are stored as Unix microseconds.
package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/mihaimyh/gopoints/pkg/points"
)

//go:embed schema.sql
var schema string

// Storage implements points.Storage using SQLite
type Storage struct {
	db *sql.DB
	mu sync.Mutex
}

// Config holds SQLite storage configuration
type Config struct {
	// Path is the database file; ":memory:" opens a private in-memory database
	Path string

	// BusyTimeout is how long a writer waits on another process's lock (default: 5s)
	BusyTimeout time.Duration

	// AutoMigrate creates the schema on startup
	AutoMigrate bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Path:        "gopoints.db",
		BusyTimeout: 5 * time.Second,
		AutoMigrate: true,
	}
}

// New opens the database at config.Path
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5 * time.Second
	}

	memory := config.Path == ":memory:"
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=%d&_txlock=immediate",
		config.Path, config.BusyTimeout.Milliseconds())
	if !memory {
		dsn += "&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if memory {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s, err := NewWithDB(ctx, db, config.AutoMigrate)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing handle, optionally applying the schema
func NewWithDB(ctx context.Context, db *sql.DB, migrate bool) (*Storage, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	s := &Storage{db: db}
	if migrate {
		if err := s.Migrate(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Migrate creates the ledger tables and indexes if they do not exist
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the database
func (s *Storage) Close() error {
	return s.db.Close()
}

// RunInTx implements points.Storage
func (s *Storage) RunInTx(ctx context.Context, userID string, fn func(tx points.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError("begin transaction", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = sqlTx.Rollback()
	}()

	if err := fn(&tx{tx: sqlTx, userID: userID}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return mapError("commit transaction", err)
	}
	return nil
}

// GetBalance implements points.Storage
func (s *Storage) GetBalance(ctx context.Context, userID string) (*points.Balance, error) {
	return getBalance(ctx, s.db, userID)
}

// ListExpiredBlocks implements points.Storage
func (s *Storage) ListExpiredBlocks(ctx context.Context, now time.Time, limit int) ([]*points.CreditBlock, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT block_id, user_id, amount, remaining_amount, earned_at, expires_at
			FROM point_blocks
			WHERE expires_at <= ? AND remaining_amount > 0
			ORDER BY expires_at, block_id
			LIMIT ?`,
		now.UnixMicro(), limit)
	if err != nil {
		return nil, mapError("list expired blocks", err)
	}
	return collectBlocks(rows)
}

// ListUsages implements points.Storage
func (s *Storage) ListUsages(ctx context.Context, userID string, limit int) ([]*points.Usage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT usage_id, amount, used_at FROM point_usages
			WHERE user_id = ?
			ORDER BY used_at DESC, usage_id DESC
			LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, mapError("list usages", err)
	}

	var (
		usages []*points.Usage
		byID   = make(map[string]*points.Usage)
	)
	for rows.Next() {
		var (
			u      = &points.Usage{UserID: userID}
			usedAt int64
		)
		if err := rows.Scan(&u.ID, &u.Amount, &usedAt); err != nil {
			rows.Close()
			return nil, mapError("scan usage", err)
		}
		u.UsedAt = time.UnixMicro(usedAt).UTC()
		usages = append(usages, u)
		byID[u.ID] = u
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, mapError("list usages", err)
	}
	if len(usages) == 0 {
		return usages, nil
	}

	// details for every returned usage in one pass, joined back in seq order
	detailRows, err := s.db.QueryContext(ctx,
		`SELECT d.usage_id, d.seq, d.block_id, d.amount
			FROM point_usage_details d
			JOIN (SELECT usage_id FROM point_usages WHERE user_id = ?
				ORDER BY used_at DESC, usage_id DESC LIMIT ?) u ON u.usage_id = d.usage_id
			ORDER BY d.usage_id, d.seq`,
		userID, limit)
	if err != nil {
		return nil, mapError("list usage details", err)
	}
	defer detailRows.Close()

	for detailRows.Next() {
		var d points.UsageDetail
		if err := detailRows.Scan(&d.UsageID, &d.Seq, &d.BlockID, &d.Amount); err != nil {
			return nil, mapError("scan usage detail", err)
		}
		if u, ok := byID[d.UsageID]; ok {
			u.Details = append(u.Details, d)
		}
	}
	if err := detailRows.Err(); err != nil {
		return nil, mapError("list usage details", err)
	}
	return usages, nil
}

// ListForfeitures implements points.Storage
func (s *Storage) ListForfeitures(ctx context.Context, userID string, limit int) ([]*points.Forfeiture, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT forfeiture_id, block_id, amount, expired_at, forfeited_at
			FROM point_forfeitures
			WHERE user_id = ?
			ORDER BY forfeited_at DESC, forfeiture_id DESC
			LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, mapError("list forfeitures", err)
	}
	defer rows.Close()

	var forfeitures []*points.Forfeiture
	for rows.Next() {
		var (
			f                      = &points.Forfeiture{UserID: userID}
			expiredAt, forfeitedAt int64
		)
		if err := rows.Scan(&f.ID, &f.BlockID, &f.Amount, &expiredAt, &forfeitedAt); err != nil {
			return nil, mapError("scan forfeiture", err)
		}
		f.ExpiredAt = time.UnixMicro(expiredAt).UTC()
		f.ForfeitedAt = time.UnixMicro(forfeitedAt).UTC()
		forfeitures = append(forfeitures, f)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list forfeitures", err)
	}
	return forfeitures, nil
}

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getBalance(ctx context.Context, q querier, userID string) (*points.Balance, error) {
	var (
		b         = &points.Balance{UserID: userID}
		updatedAt int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT total_remaining_points, last_updated_at FROM remaining_points WHERE user_id = ?`,
		userID).Scan(&b.Total, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("get balance", err)
	}
	b.UpdatedAt = time.UnixMicro(updatedAt).UTC()
	return b, nil
}

func collectBlocks(rows *sql.Rows) ([]*points.CreditBlock, error) {
	defer rows.Close()

	var blocks []*points.CreditBlock
	for rows.Next() {
		var (
			b                   = &points.CreditBlock{}
			earnedAt, expiresAt int64
		)
		if err := rows.Scan(&b.ID, &b.UserID, &b.Amount, &b.RemainingAmount, &earnedAt, &expiresAt); err != nil {
			return nil, mapError("scan block", err)
		}
		b.EarnedAt = time.UnixMicro(earnedAt).UTC()
		b.ExpiresAt = time.UnixMicro(expiresAt).UTC()
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("read blocks", err)
	}
	return blocks, nil
}

// mapError classifies SQLite errors into the ledger's storage errors
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch {
		case sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked:
			return fmt.Errorf("failed to %s: %w: %w", op, points.ErrStoreConflict, err)
		case sqliteErr.ExtendedCode == sqlite3.ErrConstraintCheck:
			return fmt.Errorf("failed to %s: %w: %w", op, points.ErrInvariantViolation, err)
		default:
			return fmt.Errorf("failed to %s: %w", op, err)
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("failed to %s: %w: %w", op, points.ErrStorageUnavailable, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
