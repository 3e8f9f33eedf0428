// Package firestore provides a Firestore implementation of the points.Storage interface.
// Each unit of work is one Firestore transaction; writes are buffered and flushed after
// the unit's reads so the read-before-write rule always holds. A contended transaction
// surfaces as points.ErrStoreConflict and is retried by the manager.
//
// ListExpiredBlocks and the history listings need composite indexes:
// blocks (active ASC, expiresAt ASC), usages (userId ASC, usedAt DESC) and
// forfeitures (userId ASC, forfeitedAt DESC).
package firestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/gopoints/pkg/points"
)

// Storage implements points.Storage using Google Cloud Firestore
type Storage struct {
	client                *firestore.Client
	balancesCollection    string
	blocksCollection      string
	usagesCollection      string
	forfeituresCollection string
}

// Config holds Firestore storage configuration
type Config struct {
	// BalancesCollection holds one document per user
	// Default: "points_balances"
	BalancesCollection string

	// BlocksCollection holds one document per credit block
	// Default: "points_blocks"
	BlocksCollection string

	// UsagesCollection holds debit history with embedded details
	// Default: "points_usages"
	UsagesCollection string

	// ForfeituresCollection holds expiration history
	// Default: "points_forfeitures"
	ForfeituresCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	// Set defaults
	if config.BalancesCollection == "" {
		config.BalancesCollection = "points_balances"
	}
	if config.BlocksCollection == "" {
		config.BlocksCollection = "points_blocks"
	}
	if config.UsagesCollection == "" {
		config.UsagesCollection = "points_usages"
	}
	if config.ForfeituresCollection == "" {
		config.ForfeituresCollection = "points_forfeitures"
	}

	return &Storage{
		client:                client,
		balancesCollection:    config.BalancesCollection,
		blocksCollection:      config.BlocksCollection,
		usagesCollection:      config.UsagesCollection,
		forfeituresCollection: config.ForfeituresCollection,
	}, nil
}

// RunInTx implements points.Storage
func (s *Storage) RunInTx(ctx context.Context, userID string, fn func(tx points.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var fnErr error
	err := s.client.RunTransaction(ctx, func(ctx context.Context, ftx *firestore.Transaction) error {
		t := newTx(s, ftx, userID)
		if err := fn(t); err != nil {
			fnErr = err
			return err
		}
		return t.flush()
	}, firestore.MaxAttempts(1))

	if fnErr != nil {
		return fnErr
	}
	return mapError("run transaction", err)
}

// GetBalance implements points.Storage
func (s *Storage) GetBalance(ctx context.Context, userID string) (*points.Balance, error) {
	snap, err := s.balanceDoc(userID).Get(ctx)
	return s.parseBalance(userID, snap, err)
}

// ListExpiredBlocks implements points.Storage
func (s *Storage) ListExpiredBlocks(ctx context.Context, now time.Time, limit int) ([]*points.CreditBlock, error) {
	snaps, err := s.client.Collection(s.blocksCollection).
		Where("active", "==", true).
		Where("expiresAt", "<=", now).
		OrderBy("expiresAt", firestore.Asc).
		Limit(limit).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, mapError("list expired blocks", err)
	}

	blocks := make([]*points.CreditBlock, 0, len(snaps))
	for _, snap := range snaps {
		blocks = append(blocks, parseBlock(snap))
	}
	return blocks, nil
}

// ListUsages implements points.Storage
func (s *Storage) ListUsages(ctx context.Context, userID string, limit int) ([]*points.Usage, error) {
	snaps, err := s.client.Collection(s.usagesCollection).
		Where("userId", "==", userID).
		OrderBy("usedAt", firestore.Desc).
		Limit(limit).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, mapError("list usages", err)
	}

	usages := make([]*points.Usage, 0, len(snaps))
	for _, snap := range snaps {
		data := snap.Data()
		u := &points.Usage{
			ID:     snap.Ref.ID,
			UserID: userID,
			Amount: getInt64(data, "amount"),
			UsedAt: getTime(data, "usedAt"),
		}
		if details, ok := data["details"].([]interface{}); ok {
			for _, raw := range details {
				d, ok := raw.(map[string]interface{})
				if !ok {
					continue
				}
				u.Details = append(u.Details, points.UsageDetail{
					UsageID: u.ID,
					BlockID: getString(d, "blockId"),
					Seq:     int(getInt64(d, "seq")),
					Amount:  getInt64(d, "amount"),
				})
			}
		}
		usages = append(usages, u)
	}
	return usages, nil
}

// ListForfeitures implements points.Storage
func (s *Storage) ListForfeitures(ctx context.Context, userID string, limit int) ([]*points.Forfeiture, error) {
	snaps, err := s.client.Collection(s.forfeituresCollection).
		Where("userId", "==", userID).
		OrderBy("forfeitedAt", firestore.Desc).
		Limit(limit).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, mapError("list forfeitures", err)
	}

	forfeitures := make([]*points.Forfeiture, 0, len(snaps))
	for _, snap := range snaps {
		data := snap.Data()
		forfeitures = append(forfeitures, &points.Forfeiture{
			ID:          snap.Ref.ID,
			UserID:      userID,
			BlockID:     getString(data, "blockId"),
			Amount:      getInt64(data, "amount"),
			ExpiredAt:   getTime(data, "expiredAt"),
			ForfeitedAt: getTime(data, "forfeitedAt"),
		})
	}
	return forfeitures, nil
}

func (s *Storage) balanceDoc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.balancesCollection).Doc(userID)
}

func (s *Storage) blockDoc(blockID string) *firestore.DocumentRef {
	return s.client.Collection(s.blocksCollection).Doc(blockID)
}

func (s *Storage) parseBalance(userID string, snap *firestore.DocumentSnapshot, err error) (*points.Balance, error) {
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil // No balance yet is not an error
		}
		return nil, mapError("get balance", err)
	}
	if !snap.Exists() {
		return nil, nil
	}
	data := snap.Data()
	return &points.Balance{
		UserID:    userID,
		Total:     getInt64(data, "total"),
		UpdatedAt: getTime(data, "updatedAt"),
	}, nil
}

func parseBlock(snap *firestore.DocumentSnapshot) *points.CreditBlock {
	data := snap.Data()
	return &points.CreditBlock{
		ID:              snap.Ref.ID,
		UserID:          getString(data, "userId"),
		Amount:          getInt64(data, "amount"),
		RemainingAmount: getInt64(data, "remaining"),
		EarnedAt:        getTime(data, "earnedAt"),
		ExpiresAt:       getTime(data, "expiresAt"),
	}
}

func blockData(b *points.CreditBlock) map[string]interface{} {
	return map[string]interface{}{
		"userId":    b.UserID,
		"amount":    b.Amount,
		"remaining": b.RemainingAmount,
		"active":    b.RemainingAmount > 0,
		"earnedAt":  b.EarnedAt,
		"expiresAt": b.ExpiresAt,
	}
}

// mapError classifies Firestore errors into the ledger's storage errors
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	switch status.Code(err) {
	case codes.Aborted:
		return fmt.Errorf("failed to %s: %w: %w", op, points.ErrStoreConflict, err)
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal, codes.Unauthenticated:
		return fmt.Errorf("failed to %s: %w: %w", op, points.ErrStorageUnavailable, err)
	default:
		return fmt.Errorf("failed to %s: %w", op, err)
	}
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt64(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}
