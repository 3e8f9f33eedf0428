// Package redis provides a Redis implementation of the points.Storage interface.
// Units of work use optimistic locking: the user's version key is watched while the
// unit reads, and all writes are applied in a single MULTI/EXEC that fails if another
// unit for the same user committed first.
package redis

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gopoints/pkg/points"
)

// reader is satisfied by both the client and a watched transaction
type reader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Pipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
}

// Storage implements points.Storage using Redis
type Storage struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "gopoints:")
	KeyPrefix string

	// HistoryTTL expires usage and forfeiture history per user (0 = keep forever)
	HistoryTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "gopoints:",
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client or *redis.Ring; the expiry index is a single key
// so cluster clients are not supported.
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "gopoints:"
	}
	return &Storage{client: client, config: config}, nil
}

// RunInTx implements points.Storage
func (s *Storage) RunInTx(ctx context.Context, userID string, fn func(tx points.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var fnErr error
	err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
		t := newTx(s, rtx, userID)
		if err := fn(t); err != nil {
			fnErr = err
			return err
		}
		if !t.dirty() {
			return nil
		}
		_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return t.apply(ctx, pipe)
		})
		return err
	}, s.versionKey(userID))

	if fnErr != nil {
		return fnErr
	}
	return mapError("commit transaction", err)
}

// GetBalance implements points.Storage
func (s *Storage) GetBalance(ctx context.Context, userID string) (*points.Balance, error) {
	return getBalance(ctx, s.client, s.balanceKey(userID), userID)
}

// ListExpiredBlocks implements points.Storage
func (s *Storage) ListExpiredBlocks(ctx context.Context, now time.Time, limit int) ([]*points.CreditBlock, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.expiringKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMicro(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, mapError("list expired blocks", err)
	}

	blocks, err := s.loadBlocks(ctx, s.client, ids)
	if err != nil {
		return nil, err
	}

	out := make([]*points.CreditBlock, 0, len(ids))
	for _, id := range ids {
		if b, ok := blocks[id]; ok && b.RemainingAmount > 0 {
			out = append(out, b)
		}
	}
	return out, nil
}

// ListUsages implements points.Storage
func (s *Storage) ListUsages(ctx context.Context, userID string, limit int) ([]*points.Usage, error) {
	members, err := s.client.ZRevRange(ctx, s.usagesKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, mapError("list usages", err)
	}

	usages := make([]*points.Usage, 0, len(members))
	for _, m := range members {
		var rec usageRecord
		if err := json.Unmarshal([]byte(m), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal usage: %w", err)
		}
		usages = append(usages, rec.toUsage(userID))
	}
	return usages, nil
}

// ListForfeitures implements points.Storage
func (s *Storage) ListForfeitures(ctx context.Context, userID string, limit int) ([]*points.Forfeiture, error) {
	members, err := s.client.ZRevRange(ctx, s.forfeituresKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, mapError("list forfeitures", err)
	}

	forfeitures := make([]*points.Forfeiture, 0, len(members))
	for _, m := range members {
		var rec forfeitureRecord
		if err := json.Unmarshal([]byte(m), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal forfeiture: %w", err)
		}
		forfeitures = append(forfeitures, rec.toForfeiture(userID))
	}
	return forfeitures, nil
}

// loadBlocks fetches block hashes in one pipeline; missing blocks are omitted
func (s *Storage) loadBlocks(ctx context.Context, c reader, ids []string) (map[string]*points.CreditBlock, error) {
	out := make(map[string]*points.CreditBlock, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := c.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.blockKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, mapError("load blocks", err)
	}

	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		b, err := parseBlock(ids[i], fields)
		if err != nil {
			return nil, err
		}
		out[b.ID] = b
	}
	return out, nil
}

// Key helpers

func (s *Storage) balanceKey(userID string) string {
	return fmt.Sprintf("%sbalance:%s", s.config.KeyPrefix, userID)
}

func (s *Storage) versionKey(userID string) string {
	return fmt.Sprintf("%sversion:%s", s.config.KeyPrefix, userID)
}

func (s *Storage) blockKey(blockID string) string {
	return fmt.Sprintf("%sblock:%s", s.config.KeyPrefix, blockID)
}

// userBlocksKey holds the user's blocks with a positive remainder, scored by expiry
func (s *Storage) userBlocksKey(userID string) string {
	return fmt.Sprintf("%sblocks:%s", s.config.KeyPrefix, userID)
}

// expiringKey holds every block with a positive remainder, scored by expiry
func (s *Storage) expiringKey() string {
	return s.config.KeyPrefix + "expiring"
}

func (s *Storage) usagesKey(userID string) string {
	return fmt.Sprintf("%susages:%s", s.config.KeyPrefix, userID)
}

func (s *Storage) forfeituresKey(userID string) string {
	return fmt.Sprintf("%sforfeitures:%s", s.config.KeyPrefix, userID)
}

func getBalance(ctx context.Context, c reader, key, userID string) (*points.Balance, error) {
	fields, err := c.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, mapError("get balance", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	total, err := strconv.ParseInt(fields["total"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse balance total: %w", err)
	}
	updated, err := strconv.ParseInt(fields["updated_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse balance timestamp: %w", err)
	}
	return &points.Balance{
		UserID:    userID,
		Total:     total,
		UpdatedAt: time.UnixMicro(updated).UTC(),
	}, nil
}

func parseBlock(id string, fields map[string]string) (*points.CreditBlock, error) {
	var nums [4]int64
	for i, name := range []string{"amount", "remaining", "earned_at", "expires_at"} {
		v, err := strconv.ParseInt(fields[name], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse block %s field %s: %w", id, name, err)
		}
		nums[i] = v
	}
	return &points.CreditBlock{
		ID:              id,
		UserID:          fields["user_id"],
		Amount:          nums[0],
		RemainingAmount: nums[1],
		EarnedAt:        time.UnixMicro(nums[2]).UTC(),
		ExpiresAt:       time.UnixMicro(nums[3]).UTC(),
	}, nil
}

func sortByExpiry(blocks []*points.CreditBlock) {
	slices.SortFunc(blocks, func(a, b *points.CreditBlock) int {
		if c := a.ExpiresAt.Compare(b.ExpiresAt); c != 0 {
			return c
		}
		if c := a.EarnedAt.Compare(b.EarnedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

type usageRecord struct {
	ID      string         `json:"id"`
	Amount  int64          `json:"amount"`
	UsedAt  int64          `json:"used_at"`
	Details []detailRecord `json:"details"`
}

type detailRecord struct {
	BlockID string `json:"block_id"`
	Seq     int    `json:"seq"`
	Amount  int64  `json:"amount"`
}

func newUsageRecord(u *points.Usage) usageRecord {
	rec := usageRecord{
		ID:      u.ID,
		Amount:  u.Amount,
		UsedAt:  u.UsedAt.UnixMicro(),
		Details: make([]detailRecord, len(u.Details)),
	}
	for i, d := range u.Details {
		rec.Details[i] = detailRecord{BlockID: d.BlockID, Seq: d.Seq, Amount: d.Amount}
	}
	return rec
}

func (r usageRecord) toUsage(userID string) *points.Usage {
	u := &points.Usage{
		ID:      r.ID,
		UserID:  userID,
		Amount:  r.Amount,
		UsedAt:  time.UnixMicro(r.UsedAt).UTC(),
		Details: make([]points.UsageDetail, len(r.Details)),
	}
	for i, d := range r.Details {
		u.Details[i] = points.UsageDetail{UsageID: r.ID, BlockID: d.BlockID, Seq: d.Seq, Amount: d.Amount}
	}
	return u
}

type forfeitureRecord struct {
	ID          string `json:"id"`
	BlockID     string `json:"block_id"`
	Amount      int64  `json:"amount"`
	ExpiredAt   int64  `json:"expired_at"`
	ForfeitedAt int64  `json:"forfeited_at"`
}

func (r forfeitureRecord) toForfeiture(userID string) *points.Forfeiture {
	return &points.Forfeiture{
		ID:          r.ID,
		UserID:      userID,
		BlockID:     r.BlockID,
		Amount:      r.Amount,
		ExpiredAt:   time.UnixMicro(r.ExpiredAt).UTC(),
		ForfeitedAt: time.UnixMicro(r.ForfeitedAt).UTC(),
	}
}

// mapError classifies Redis errors into the ledger's storage errors
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("failed to %s: %w: %w", op, points.ErrStoreConflict, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		// server replied with an error; the connection itself is fine
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return fmt.Errorf("failed to %s: %w: %w", op, points.ErrStorageUnavailable, err)
}
