package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gopoints/pkg/points"
)

// tx implements points.Tx. Reads go through the watched connection and
// writes are staged until apply queues them inside MULTI/EXEC.
type tx struct {
	s      *Storage
	rtx    *redis.Tx
	userID string

	blocks      map[string]*points.CreditBlock // staged block state by ID
	order       []string                       // staged block IDs in write order
	balance     *points.Balance
	usages      []*points.Usage
	forfeitures []*points.Forfeiture
}

func newTx(s *Storage, rtx *redis.Tx, userID string) *tx {
	return &tx{
		s:      s,
		rtx:    rtx,
		userID: userID,
		blocks: make(map[string]*points.CreditBlock),
	}
}

func (t *tx) dirty() bool {
	return len(t.blocks) > 0 || t.balance != nil || len(t.usages) > 0 || len(t.forfeitures) > 0
}

func (t *tx) GetBalance(ctx context.Context, userID string) (*points.Balance, error) {
	if t.balance != nil && t.balance.UserID == userID {
		b := *t.balance
		return &b, nil
	}
	return getBalance(ctx, t.rtx, t.s.balanceKey(userID), userID)
}

func (t *tx) PutBalance(_ context.Context, balance *points.Balance) error {
	if balance == nil || balance.UserID != t.userID {
		return fmt.Errorf("balance does not belong to user %s", t.userID)
	}
	if balance.Total < 0 {
		return fmt.Errorf("%w: negative balance %d for user %s", points.ErrInvariantViolation, balance.Total, t.userID)
	}
	b := *balance
	t.balance = &b
	return nil
}

func (t *tx) LiveBlocks(ctx context.Context, userID string, now time.Time) ([]*points.CreditBlock, error) {
	view, err := t.userView(ctx, userID)
	if err != nil {
		return nil, err
	}
	var live []*points.CreditBlock
	for _, b := range view {
		if b.RemainingAmount > 0 && b.IsLive(now) {
			live = append(live, b)
		}
	}
	sortByExpiry(live)
	return live, nil
}

func (t *tx) SumRemaining(ctx context.Context, userID string, now time.Time) (live, expired int64, err error) {
	view, err := t.userView(ctx, userID)
	if err != nil {
		return 0, 0, err
	}
	for _, b := range view {
		if b.IsLive(now) {
			live += b.RemainingAmount
		} else {
			expired += b.RemainingAmount
		}
	}
	return live, expired, nil
}

func (t *tx) GetBlock(ctx context.Context, blockID string) (*points.CreditBlock, error) {
	if b, ok := t.blocks[blockID]; ok {
		blockCopy := *b
		return &blockCopy, nil
	}
	blocks, err := t.s.loadBlocks(ctx, t.rtx, []string{blockID})
	if err != nil {
		return nil, err
	}
	b, ok := blocks[blockID]
	if !ok {
		return nil, points.ErrBlockNotFound
	}
	return b, nil
}

func (t *tx) InsertBlock(ctx context.Context, block *points.CreditBlock) error {
	if block == nil || block.ID == "" {
		return fmt.Errorf("invalid credit block")
	}
	if _, err := t.GetBlock(ctx, block.ID); err == nil {
		return fmt.Errorf("credit block %s already exists", block.ID)
	}
	t.stage(block)
	return nil
}

func (t *tx) UpdateBlockRemaining(ctx context.Context, blockID string, remaining int64) error {
	b, err := t.GetBlock(ctx, blockID)
	if err != nil {
		return err
	}
	if remaining < 0 || remaining > b.Amount {
		return fmt.Errorf("%w: remaining amount %d outside [0, %d] for block %s",
			points.ErrInvariantViolation, remaining, b.Amount, blockID)
	}
	b.RemainingAmount = remaining
	t.stage(b)
	return nil
}

func (t *tx) InsertUsage(_ context.Context, usage *points.Usage) error {
	if usage == nil || usage.ID == "" {
		return fmt.Errorf("invalid usage")
	}
	u := *usage
	u.Details = append([]points.UsageDetail(nil), usage.Details...)
	t.usages = append(t.usages, &u)
	return nil
}

func (t *tx) InsertForfeiture(_ context.Context, forfeiture *points.Forfeiture) error {
	if forfeiture == nil || forfeiture.ID == "" {
		return fmt.Errorf("invalid forfeiture")
	}
	f := *forfeiture
	t.forfeitures = append(t.forfeitures, &f)
	return nil
}

func (t *tx) stage(b *points.CreditBlock) {
	if _, ok := t.blocks[b.ID]; !ok {
		t.order = append(t.order, b.ID)
	}
	blockCopy := *b
	t.blocks[b.ID] = &blockCopy
}

// userView returns the user's blocks with a positive remainder, staged writes applied
func (t *tx) userView(ctx context.Context, userID string) ([]*points.CreditBlock, error) {
	ids, err := t.rtx.ZRange(ctx, t.s.userBlocksKey(userID), 0, -1).Result()
	if err != nil {
		return nil, mapError("list user blocks", err)
	}
	committed, err := t.s.loadBlocks(ctx, t.rtx, ids)
	if err != nil {
		return nil, err
	}

	view := make([]*points.CreditBlock, 0, len(committed)+len(t.blocks))
	for _, id := range ids {
		b, ok := committed[id]
		if !ok {
			continue
		}
		if _, staged := t.blocks[id]; staged {
			continue
		}
		view = append(view, b)
	}
	for _, id := range t.order {
		b := t.blocks[id]
		if b.UserID != userID || b.RemainingAmount <= 0 {
			continue
		}
		blockCopy := *b
		view = append(view, &blockCopy)
	}
	return view, nil
}

// apply queues every staged write on the MULTI pipeline
func (t *tx) apply(ctx context.Context, pipe redis.Pipeliner) error {
	s := t.s
	for _, id := range t.order {
		b := t.blocks[id]
		pipe.HSet(ctx, s.blockKey(id), map[string]interface{}{
			"user_id":    b.UserID,
			"amount":     b.Amount,
			"remaining":  b.RemainingAmount,
			"earned_at":  b.EarnedAt.UnixMicro(),
			"expires_at": b.ExpiresAt.UnixMicro(),
		})
		if b.RemainingAmount > 0 {
			z := redis.Z{Score: float64(b.ExpiresAt.UnixMicro()), Member: id}
			pipe.ZAdd(ctx, s.userBlocksKey(b.UserID), z)
			pipe.ZAdd(ctx, s.expiringKey(), z)
		} else {
			pipe.ZRem(ctx, s.userBlocksKey(b.UserID), id)
			pipe.ZRem(ctx, s.expiringKey(), id)
		}
	}

	if t.balance != nil {
		pipe.HSet(ctx, s.balanceKey(t.userID), map[string]interface{}{
			"total":      t.balance.Total,
			"updated_at": t.balance.UpdatedAt.UnixMicro(),
		})
	}

	for _, u := range t.usages {
		data, err := json.Marshal(newUsageRecord(u))
		if err != nil {
			return fmt.Errorf("failed to marshal usage: %w", err)
		}
		pipe.ZAdd(ctx, s.usagesKey(u.UserID), redis.Z{Score: float64(u.UsedAt.UnixMicro()), Member: string(data)})
		if s.config.HistoryTTL > 0 {
			pipe.Expire(ctx, s.usagesKey(u.UserID), s.config.HistoryTTL)
		}
	}

	for _, f := range t.forfeitures {
		data, err := json.Marshal(forfeitureRecord{
			ID:          f.ID,
			BlockID:     f.BlockID,
			Amount:      f.Amount,
			ExpiredAt:   f.ExpiredAt.UnixMicro(),
			ForfeitedAt: f.ForfeitedAt.UnixMicro(),
		})
		if err != nil {
			return fmt.Errorf("failed to marshal forfeiture: %w", err)
		}
		pipe.ZAdd(ctx, s.forfeituresKey(f.UserID), redis.Z{Score: float64(f.ForfeitedAt.UnixMicro()), Member: string(data)})
		if s.config.HistoryTTL > 0 {
			pipe.Expire(ctx, s.forfeituresKey(f.UserID), s.config.HistoryTTL)
		}
	}

	// any committed write invalidates concurrent watchers of this user
	pipe.Incr(ctx, s.versionKey(t.userID))
	return nil
}
