package firestore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/gopoints/pkg/points"
)

// tx implements points.Tx over a Firestore transaction.
// Writes are staged and overlaid on reads until flush.
type tx struct {
	s      *Storage
	ftx    *firestore.Transaction
	userID string

	blocks      map[string]*points.CreditBlock
	inserted    map[string]bool
	order       []string
	balance     *points.Balance
	usages      []*points.Usage
	forfeitures []*points.Forfeiture
}

func newTx(s *Storage, ftx *firestore.Transaction, userID string) *tx {
	return &tx{
		s:        s,
		ftx:      ftx,
		userID:   userID,
		blocks:   make(map[string]*points.CreditBlock),
		inserted: make(map[string]bool),
	}
}

func (t *tx) GetBalance(_ context.Context, userID string) (*points.Balance, error) {
	if t.balance != nil && t.balance.UserID == userID {
		b := *t.balance
		return &b, nil
	}
	snap, err := t.ftx.Get(t.s.balanceDoc(userID))
	return t.s.parseBalance(userID, snap, err)
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

func (t *tx) LiveBlocks(_ context.Context, userID string, now time.Time) ([]*points.CreditBlock, error) {
	view, err := t.userView(userID)
	if err != nil {
		return nil, err
	}
	var live []*points.CreditBlock
	for _, b := range view {
		if b.IsLive(now) {
			live = append(live, b)
		}
	}
	slices.SortFunc(live, func(a, b *points.CreditBlock) int {
		if c := a.ExpiresAt.Compare(b.ExpiresAt); c != 0 {
			return c
		}
		if c := a.EarnedAt.Compare(b.EarnedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return live, nil
}

func (t *tx) SumRemaining(_ context.Context, userID string, now time.Time) (live, expired int64, err error) {
	view, err := t.userView(userID)
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

func (t *tx) GetBlock(_ context.Context, blockID string) (*points.CreditBlock, error) {
	if b, ok := t.blocks[blockID]; ok {
		blockCopy := *b
		return &blockCopy, nil
	}
	snap, err := t.ftx.Get(t.s.blockDoc(blockID))
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, points.ErrBlockNotFound
		}
		return nil, mapError("get block", err)
	}
	if !snap.Exists() {
		return nil, points.ErrBlockNotFound
	}
	return parseBlock(snap), nil
}

func (t *tx) InsertBlock(ctx context.Context, block *points.CreditBlock) error {
	if block == nil || block.ID == "" {
		return fmt.Errorf("invalid credit block")
	}
	if _, ok := t.blocks[block.ID]; ok {
		return fmt.Errorf("credit block %s already exists", block.ID)
	}
	t.inserted[block.ID] = true
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
func (t *tx) userView(userID string) ([]*points.CreditBlock, error) {
	q := t.s.client.Collection(t.s.blocksCollection).
		Where("userId", "==", userID).
		Where("active", "==", true)
	snaps, err := t.ftx.Documents(q).GetAll()
	if err != nil {
		return nil, mapError("load user blocks", err)
	}

	view := make([]*points.CreditBlock, 0, len(snaps)+len(t.order))
	for _, snap := range snaps {
		if _, staged := t.blocks[snap.Ref.ID]; staged {
			continue
		}
		view = append(view, parseBlock(snap))
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

// flush writes every staged change; Firestore requires these to follow all reads
func (t *tx) flush() error {
	for _, id := range t.order {
		b := t.blocks[id]
		ref := t.s.blockDoc(id)
		var err error
		if t.inserted[id] {
			err = t.ftx.Create(ref, blockData(b))
		} else {
			err = t.ftx.Set(ref, blockData(b))
		}
		if err != nil {
			return err
		}
	}

	if t.balance != nil {
		err := t.ftx.Set(t.s.balanceDoc(t.userID), map[string]interface{}{
			"total":     t.balance.Total,
			"updatedAt": t.balance.UpdatedAt,
		})
		if err != nil {
			return err
		}
	}

	for _, u := range t.usages {
		details := make([]map[string]interface{}, len(u.Details))
		for i, d := range u.Details {
			details[i] = map[string]interface{}{
				"blockId": d.BlockID,
				"seq":     d.Seq,
				"amount":  d.Amount,
			}
		}
		err := t.ftx.Create(t.s.client.Collection(t.s.usagesCollection).Doc(u.ID), map[string]interface{}{
			"userId":  u.UserID,
			"amount":  u.Amount,
			"usedAt":  u.UsedAt,
			"details": details,
		})
		if err != nil {
			return err
		}
	}

	for _, f := range t.forfeitures {
		err := t.ftx.Create(t.s.client.Collection(t.s.forfeituresCollection).Doc(f.ID), map[string]interface{}{
			"userId":      f.UserID,
			"blockId":     f.BlockID,
			"amount":      f.Amount,
			"expiredAt":   f.ExpiredAt,
			"forfeitedAt": f.ForfeitedAt,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
