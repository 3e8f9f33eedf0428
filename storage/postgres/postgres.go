// Package postgres provides a PostgreSQL implementation of the points.Storage interface.
// Every unit of work runs in one SQL transaction that first takes a transaction-scoped
// advisory lock on the user, so units for the same user are serialized while units for
// different users run in parallel.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/gopoints/pkg/points"
)

//go:embed schema.sql
var schema string

// Storage implements points.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate creates the schema on startup
	AutoMigrate bool

	// Cleanup configuration
	CleanupInterval     time.Duration // How often to run cleanup
	ForfeitureRetention time.Duration // Forfeiture records older than this are purged (0 = keep forever)
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
		CleanupInterval: 24 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	// Parse connection string
	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	// Apply pool settings
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{
		pool:   pool,
		config: config,
	}

	if config.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}

	if config.ForfeitureRetention > 0 && config.CleanupInterval > 0 {
		cleanupCtx, cancel := context.WithCancel(context.Background())
		s.stopCleanup = cancel
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Migrate creates the ledger tables and indexes if they do not exist
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies the database is reachable
func (s *Storage) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return mapError("ping database", err)
	}
	return nil
}

// RunInTx implements points.Storage
func (s *Storage) RunInTx(ctx context.Context, userID string, fn func(tx points.Tx) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapError("begin transaction", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = pgTx.Rollback(ctx)
	}()

	if _, err := pgTx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, userID); err != nil {
		return mapError("lock user", err)
	}

	if err := fn(&tx{tx: pgTx}); err != nil {
		return err
	}

	if err := pgTx.Commit(ctx); err != nil {
		return mapError("commit transaction", err)
	}
	return nil
}

// GetBalance implements points.Storage
func (s *Storage) GetBalance(ctx context.Context, userID string) (*points.Balance, error) {
	return getBalance(ctx, s.pool, userID, false)
}

// ListExpiredBlocks implements points.Storage
func (s *Storage) ListExpiredBlocks(ctx context.Context, now time.Time, limit int) ([]*points.CreditBlock, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT block_id, user_id, amount, remaining_amount, earned_at, expires_at
			FROM point_blocks
			WHERE expires_at <= $1 AND remaining_amount > 0
			ORDER BY expires_at, block_id
			LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, mapError("list expired blocks", err)
	}
	return collectBlocks(rows)
}

// ListUsages implements points.Storage
func (s *Storage) ListUsages(ctx context.Context, userID string, limit int) ([]*points.Usage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT usage_id, user_id, amount, used_at
			FROM point_usages
			WHERE user_id = $1
			ORDER BY used_at DESC, usage_id DESC
			LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, mapError("list usages", err)
	}

	usages, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*points.Usage, error) {
		var u points.Usage
		if err := row.Scan(&u.ID, &u.UserID, &u.Amount, &u.UsedAt); err != nil {
			return nil, err
		}
		u.UsedAt = u.UsedAt.UTC()
		return &u, nil
	})
	if err != nil {
		return nil, mapError("scan usages", err)
	}
	if len(usages) == 0 {
		return usages, nil
	}

	ids := make([]string, len(usages))
	byID := make(map[string]*points.Usage, len(usages))
	for i, u := range usages {
		ids[i] = u.ID
		byID[u.ID] = u
	}

	detailRows, err := s.pool.Query(ctx,
		`SELECT usage_id, seq, block_id, amount
			FROM point_usage_details
			WHERE usage_id = ANY($1)
			ORDER BY usage_id, seq`,
		ids)
	if err != nil {
		return nil, mapError("list usage details", err)
	}
	details, err := pgx.CollectRows(detailRows, func(row pgx.CollectableRow) (points.UsageDetail, error) {
		var d points.UsageDetail
		err := row.Scan(&d.UsageID, &d.Seq, &d.BlockID, &d.Amount)
		return d, err
	})
	if err != nil {
		return nil, mapError("scan usage details", err)
	}
	for _, d := range details {
		if u, ok := byID[d.UsageID]; ok {
			u.Details = append(u.Details, d)
		}
	}

	return usages, nil
}

// ListForfeitures implements points.Storage
func (s *Storage) ListForfeitures(ctx context.Context, userID string, limit int) ([]*points.Forfeiture, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT forfeiture_id, user_id, block_id, amount, expired_at, forfeited_at
			FROM point_forfeitures
			WHERE user_id = $1
			ORDER BY forfeited_at DESC, forfeiture_id DESC
			LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, mapError("list forfeitures", err)
	}

	forfeitures, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*points.Forfeiture, error) {
		var f points.Forfeiture
		if err := row.Scan(&f.ID, &f.UserID, &f.BlockID, &f.Amount, &f.ExpiredAt, &f.ForfeitedAt); err != nil {
			return nil, err
		}
		f.ExpiredAt = f.ExpiredAt.UTC()
		f.ForfeitedAt = f.ForfeitedAt.UTC()
		return &f, nil
	})
	if err != nil {
		return nil, mapError("scan forfeitures", err)
	}
	return forfeitures, nil
}

// startCleanup runs periodic cleanup of old forfeiture records
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			//nolint:errcheck // the next tick retries
			_, _ = s.PurgeForfeitures(ctx, time.Now().UTC().Add(-s.config.ForfeitureRetention))
		}
	}
}

// PurgeForfeitures deletes forfeiture records written before cutoff and returns how many were removed
func (s *Storage) PurgeForfeitures(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM point_forfeitures WHERE forfeited_at < $1`, cutoff)
	if err != nil {
		return 0, mapError("purge forfeitures", err)
	}
	return tag.RowsAffected(), nil
}

// querier is the subset of pgx shared by the pool and transactions
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getBalance(ctx context.Context, q querier, userID string, forUpdate bool) (*points.Balance, error) {
	query := `SELECT user_id, total_remaining_points, last_updated_at
		FROM remaining_points WHERE user_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var b points.Balance
	err := q.QueryRow(ctx, query, userID).Scan(&b.UserID, &b.Total, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("get balance", err)
	}
	b.UpdatedAt = b.UpdatedAt.UTC()
	return &b, nil
}

func collectBlocks(rows pgx.Rows) ([]*points.CreditBlock, error) {
	blocks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*points.CreditBlock, error) {
		var b points.CreditBlock
		if err := row.Scan(&b.ID, &b.UserID, &b.Amount, &b.RemainingAmount, &b.EarnedAt, &b.ExpiresAt); err != nil {
			return nil, err
		}
		b.EarnedAt = b.EarnedAt.UTC()
		b.ExpiresAt = b.ExpiresAt.UTC()
		return &b, nil
	})
	if err != nil {
		return nil, mapError("scan blocks", err)
	}
	return blocks, nil
}

// PostgreSQL error codes mapped to ledger errors
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeCheckViolation       = "23514"
)

// mapError wraps a driver error with the ledger error it represents
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
			return fmt.Errorf("failed to %s: %w: %w", op, points.ErrStoreConflict, err)
		case codeCheckViolation:
			return fmt.Errorf("failed to %s: %w: %w", op, points.ErrInvariantViolation, err)
		default:
			return fmt.Errorf("failed to %s: %w", op, err)
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("failed to %s: %w", op, err)
	}

	// anything else never reached the server or lost the connection
	return fmt.Errorf("failed to %s: %w: %w", op, points.ErrStorageUnavailable, err)
}
