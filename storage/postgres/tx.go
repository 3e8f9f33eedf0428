package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mihaimyh/gopoints/pkg/points"
)

// tx implements points.Tx on top of a pgx transaction
type tx struct {
	tx pgx.Tx
}

func (t *tx) GetBalance(ctx context.Context, userID string) (*points.Balance, error) {
	return getBalance(ctx, t.tx, userID, true)
}

func (t *tx) PutBalance(ctx context.Context, balance *points.Balance) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO remaining_points (user_id, total_remaining_points, last_updated_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (user_id) DO UPDATE SET
				total_remaining_points = EXCLUDED.total_remaining_points,
				last_updated_at = EXCLUDED.last_updated_at`,
		balance.UserID, balance.Total, balance.UpdatedAt)
	if err != nil {
		return mapError("put balance", err)
	}
	return nil
}

func (t *tx) LiveBlocks(ctx context.Context, userID string, now time.Time) ([]*points.CreditBlock, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT block_id, user_id, amount, remaining_amount, earned_at, expires_at
			FROM point_blocks
			WHERE user_id = $1 AND expires_at > $2 AND remaining_amount > 0
			ORDER BY expires_at, earned_at, block_id`,
		userID, now)
	if err != nil {
		return nil, mapError("load live blocks", err)
	}
	return collectBlocks(rows)
}

func (t *tx) SumRemaining(ctx context.Context, userID string, now time.Time) (live, expired int64, err error) {
	err = t.tx.QueryRow(ctx,
		`SELECT
				COALESCE(SUM(remaining_amount) FILTER (WHERE expires_at > $2), 0),
				COALESCE(SUM(remaining_amount) FILTER (WHERE expires_at <= $2), 0)
			FROM point_blocks
			WHERE user_id = $1 AND remaining_amount > 0`,
		userID, now).Scan(&live, &expired)
	if err != nil {
		return 0, 0, mapError("sum remaining", err)
	}
	return live, expired, nil
}

func (t *tx) GetBlock(ctx context.Context, blockID string) (*points.CreditBlock, error) {
	var b points.CreditBlock
	err := t.tx.QueryRow(ctx,
		`SELECT block_id, user_id, amount, remaining_amount, earned_at, expires_at
			FROM point_blocks WHERE block_id = $1
			FOR UPDATE`,
		blockID).Scan(&b.ID, &b.UserID, &b.Amount, &b.RemainingAmount, &b.EarnedAt, &b.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, points.ErrBlockNotFound
	}
	if err != nil {
		return nil, mapError("get block", err)
	}
	b.EarnedAt = b.EarnedAt.UTC()
	b.ExpiresAt = b.ExpiresAt.UTC()
	return &b, nil
}

func (t *tx) InsertBlock(ctx context.Context, block *points.CreditBlock) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO point_blocks (block_id, user_id, amount, remaining_amount, earned_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
		block.ID, block.UserID, block.Amount, block.RemainingAmount, block.EarnedAt, block.ExpiresAt)
	if err != nil {
		return mapError("insert block", err)
	}
	return nil
}

func (t *tx) UpdateBlockRemaining(ctx context.Context, blockID string, remaining int64) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE point_blocks SET remaining_amount = $2 WHERE block_id = $1`,
		blockID, remaining)
	if err != nil {
		return mapError("update block", err)
	}
	if tag.RowsAffected() == 0 {
		return points.ErrBlockNotFound
	}
	return nil
}

func (t *tx) InsertUsage(ctx context.Context, usage *points.Usage) error {
	batch := &pgx.Batch{}
	batch.Queue(
		`INSERT INTO point_usages (usage_id, user_id, amount, used_at) VALUES ($1, $2, $3, $4)`,
		usage.ID, usage.UserID, usage.Amount, usage.UsedAt)
	for _, d := range usage.Details {
		batch.Queue(
			`INSERT INTO point_usage_details (usage_id, seq, block_id, amount) VALUES ($1, $2, $3, $4)`,
			usage.ID, d.Seq, d.BlockID, d.Amount)
	}

	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return mapError(fmt.Sprintf("insert usage %s", usage.ID), err)
	}
	return nil
}

func (t *tx) InsertForfeiture(ctx context.Context, f *points.Forfeiture) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO point_forfeitures (forfeiture_id, user_id, block_id, amount, expired_at, forfeited_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
		f.ID, f.UserID, f.BlockID, f.Amount, f.ExpiredAt, f.ForfeitedAt)
	if err != nil {
		return mapError("insert forfeiture", err)
	}
	return nil
}
