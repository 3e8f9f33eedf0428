package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mihaimyh/gopoints/pkg/points"
)

// tx implements points.Tx on top of a database/sql transaction
type tx struct {
	tx     *sql.Tx
	userID string
}

func (t *tx) GetBalance(ctx context.Context, userID string) (*points.Balance, error) {
	return getBalance(ctx, t.tx, userID)
}

func (t *tx) PutBalance(ctx context.Context, balance *points.Balance) error {
	if balance == nil || balance.UserID != t.userID {
		return fmt.Errorf("balance does not belong to user %s", t.userID)
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO remaining_points (user_id, total_remaining_points, last_updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT (user_id) DO UPDATE SET
				total_remaining_points = excluded.total_remaining_points,
				last_updated_at = excluded.last_updated_at`,
		balance.UserID, balance.Total, balance.UpdatedAt.UnixMicro())
	if err != nil {
		return mapError("put balance", err)
	}
	return nil
}

func (t *tx) LiveBlocks(ctx context.Context, userID string, now time.Time) ([]*points.CreditBlock, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT block_id, user_id, amount, remaining_amount, earned_at, expires_at
			FROM point_blocks
			WHERE user_id = ? AND expires_at > ? AND remaining_amount > 0
			ORDER BY expires_at, earned_at, block_id`,
		userID, now.UnixMicro())
	if err != nil {
		return nil, mapError("load live blocks", err)
	}
	return collectBlocks(rows)
}

func (t *tx) SumRemaining(ctx context.Context, userID string, now time.Time) (live, expired int64, err error) {
	err = t.tx.QueryRowContext(ctx,
		`SELECT
				COALESCE(SUM(CASE WHEN expires_at > ? THEN remaining_amount END), 0),
				COALESCE(SUM(CASE WHEN expires_at <= ? THEN remaining_amount END), 0)
			FROM point_blocks
			WHERE user_id = ? AND remaining_amount > 0`,
		now.UnixMicro(), now.UnixMicro(), userID).Scan(&live, &expired)
	if err != nil {
		return 0, 0, mapError("sum remaining", err)
	}
	return live, expired, nil
}

func (t *tx) GetBlock(ctx context.Context, blockID string) (*points.CreditBlock, error) {
	var (
		b                   = &points.CreditBlock{}
		earnedAt, expiresAt int64
	)
	err := t.tx.QueryRowContext(ctx,
		`SELECT block_id, user_id, amount, remaining_amount, earned_at, expires_at
			FROM point_blocks WHERE block_id = ?`,
		blockID).Scan(&b.ID, &b.UserID, &b.Amount, &b.RemainingAmount, &earnedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, points.ErrBlockNotFound
	}
	if err != nil {
		return nil, mapError("get block", err)
	}
	b.EarnedAt = time.UnixMicro(earnedAt).UTC()
	b.ExpiresAt = time.UnixMicro(expiresAt).UTC()
	return b, nil
}

func (t *tx) InsertBlock(ctx context.Context, block *points.CreditBlock) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO point_blocks (block_id, user_id, amount, remaining_amount, earned_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
		block.ID, block.UserID, block.Amount, block.RemainingAmount,
		block.EarnedAt.UnixMicro(), block.ExpiresAt.UnixMicro())
	if err != nil {
		return mapError("insert block", err)
	}
	return nil
}

func (t *tx) UpdateBlockRemaining(ctx context.Context, blockID string, remaining int64) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE point_blocks SET remaining_amount = ? WHERE block_id = ?`,
		remaining, blockID)
	if err != nil {
		return mapError("update block", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapError("update block", err)
	}
	if n == 0 {
		return points.ErrBlockNotFound
	}
	return nil
}

func (t *tx) InsertUsage(ctx context.Context, usage *points.Usage) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO point_usages (usage_id, user_id, amount, used_at) VALUES (?, ?, ?, ?)`,
		usage.ID, usage.UserID, usage.Amount, usage.UsedAt.UnixMicro())
	if err != nil {
		return mapError("insert usage", err)
	}

	for _, d := range usage.Details {
		_, err := t.tx.ExecContext(ctx,
			`INSERT INTO point_usage_details (usage_id, seq, block_id, amount) VALUES (?, ?, ?, ?)`,
			usage.ID, d.Seq, d.BlockID, d.Amount)
		if err != nil {
			return mapError("insert usage detail", err)
		}
	}
	return nil
}

func (t *tx) InsertForfeiture(ctx context.Context, f *points.Forfeiture) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO point_forfeitures (forfeiture_id, user_id, block_id, amount, expired_at, forfeited_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
		f.ID, f.UserID, f.BlockID, f.Amount, f.ExpiredAt.UnixMicro(), f.ForfeitedAt.UnixMicro())
	if err != nil {
		return mapError("insert forfeiture", err)
	}
	return nil
}
