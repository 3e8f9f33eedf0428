// Package memory provides an in-memory implementation of the points.Storage interface.
// This implementation is primarily intended for testing and development.
//
// Units of work for the same user are serialized by a per-user mutex. Writes are staged
// in the unit and applied under the store lock only when the unit returns nil.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/mihaimyh/gopoints/pkg/points"
)

// Storage implements points.Storage using in-memory maps
type Storage struct {
	mu          sync.RWMutex
	blocks      map[string]*points.CreditBlock
	userBlocks  map[string][]string
	balances    map[string]*points.Balance
	usages      map[string][]*points.Usage
	forfeitures map[string][]*points.Forfeiture

	locksMu   sync.Mutex
	userLocks map[string]*sync.Mutex
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		blocks:      make(map[string]*points.CreditBlock),
		userBlocks:  make(map[string][]string),
		balances:    make(map[string]*points.Balance),
		usages:      make(map[string][]*points.Usage),
		forfeitures: make(map[string][]*points.Forfeiture),
		userLocks:   make(map[string]*sync.Mutex),
	}
}

// RunInTx implements points.Storage
func (s *Storage) RunInTx(ctx context.Context, userID string, fn func(tx points.Tx) error) error {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	t := &tx{
		s:       s,
		userID:  userID,
		blocks:  make(map[string]*points.CreditBlock),
		updated: make(map[string]int64),
	}
	if err := fn(t); err != nil {
		return err
	}
	// a unit whose deadline passed while running must not become visible
	if err := ctx.Err(); err != nil {
		return err
	}

	s.commit(t)
	return nil
}

// GetBalance implements points.Storage
func (s *Storage) GetBalance(_ context.Context, userID string) (*points.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyBalance(s.balances[userID]), nil
}

// ListExpiredBlocks implements points.Storage
func (s *Storage) ListExpiredBlocks(_ context.Context, now time.Time, limit int) ([]*points.CreditBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var expired []*points.CreditBlock
	for _, b := range s.blocks {
		if b.RemainingAmount > 0 && !b.ExpiresAt.After(now) {
			blockCopy := *b
			expired = append(expired, &blockCopy)
		}
	}
	sortByExpiry(expired)

	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

// ListUsages implements points.Storage
func (s *Storage) ListUsages(_ context.Context, userID string, limit int) ([]*points.Usage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.usages[userID]
	out := make([]*points.Usage, 0, min(len(all), max(limit, 0)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, copyUsage(all[i]))
	}
	return out, nil
}

// ListForfeitures implements points.Storage
func (s *Storage) ListForfeitures(_ context.Context, userID string, limit int) ([]*points.Forfeiture, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.forfeitures[userID]
	out := make([]*points.Forfeiture, 0, min(len(all), max(limit, 0)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		f := *all[i]
		out = append(out, &f)
	}
	return out, nil
}

// Blocks returns copies of all of the user's blocks in insertion order (useful for testing)
func (s *Storage) Blocks(userID string) []*points.CreditBlock {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.userBlocks[userID]
	out := make([]*points.CreditBlock, 0, len(ids))
	for _, id := range ids {
		b := *s.blocks[id]
		out = append(out, &b)
	}
	return out
}

// SetBalance overwrites a balance record without touching blocks (useful for testing drift)
func (s *Storage) SetBalance(balance *points.Balance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[balance.UserID] = copyBalance(balance)
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.blocks = make(map[string]*points.CreditBlock)
	s.userBlocks = make(map[string][]string)
	s.balances = make(map[string]*points.Balance)
	s.usages = make(map[string][]*points.Usage)
	s.forfeitures = make(map[string][]*points.Forfeiture)
}

func (s *Storage) userLock(userID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	lock, ok := s.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		s.userLocks[userID] = lock
	}
	return lock
}

func (s *Storage) commit(t *tx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range t.inserted {
		s.blocks[b.ID] = b
		s.userBlocks[b.UserID] = append(s.userBlocks[b.UserID], b.ID)
	}
	for id, remaining := range t.updated {
		if b, ok := s.blocks[id]; ok {
			b.RemainingAmount = remaining
		}
	}
	if t.balance != nil {
		s.balances[t.balance.UserID] = t.balance
	}
	for _, u := range t.usages {
		s.usages[u.UserID] = append(s.usages[u.UserID], u)
	}
	for _, f := range t.forfeitures {
		s.forfeitures[f.UserID] = append(s.forfeitures[f.UserID], f)
	}
}

// tx stages the writes of one unit. Reads overlay staged writes on committed state.
type tx struct {
	s      *Storage
	userID string

	blocks      map[string]*points.CreditBlock // staged inserts by ID
	inserted    []*points.CreditBlock
	updated     map[string]int64
	balance     *points.Balance
	usages      []*points.Usage
	forfeitures []*points.Forfeiture
}

func (t *tx) GetBalance(_ context.Context, userID string) (*points.Balance, error) {
	if t.balance != nil && t.balance.UserID == userID {
		return copyBalance(t.balance), nil
	}
	return t.s.GetBalance(context.Background(), userID)
}

func (t *tx) PutBalance(_ context.Context, balance *points.Balance) error {
	if balance == nil || balance.UserID != t.userID {
		return fmt.Errorf("balance does not belong to user %s", t.userID)
	}
	t.balance = copyBalance(balance)
	return nil
}

func (t *tx) LiveBlocks(_ context.Context, userID string, now time.Time) ([]*points.CreditBlock, error) {
	var live []*points.CreditBlock
	for _, b := range t.userView(userID) {
		if b.RemainingAmount > 0 && b.IsLive(now) {
			live = append(live, b)
		}
	}
	sortByExpiry(live)
	return live, nil
}

func (t *tx) SumRemaining(_ context.Context, userID string, now time.Time) (live, expired int64, err error) {
	for _, b := range t.userView(userID) {
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
		t.overlay(&blockCopy)
		return &blockCopy, nil
	}

	t.s.mu.RLock()
	b, ok := t.s.blocks[blockID]
	var blockCopy points.CreditBlock
	if ok {
		blockCopy = *b
	}
	t.s.mu.RUnlock()

	if !ok {
		return nil, points.ErrBlockNotFound
	}
	t.overlay(&blockCopy)
	return &blockCopy, nil
}

func (t *tx) InsertBlock(_ context.Context, block *points.CreditBlock) error {
	if block == nil || block.ID == "" {
		return fmt.Errorf("invalid credit block")
	}
	if _, err := t.GetBlock(context.Background(), block.ID); err == nil {
		return fmt.Errorf("credit block %s already exists", block.ID)
	}

	blockCopy := *block
	t.blocks[block.ID] = &blockCopy
	t.inserted = append(t.inserted, &blockCopy)
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
	t.updated[blockID] = remaining
	return nil
}

func (t *tx) InsertUsage(_ context.Context, usage *points.Usage) error {
	if usage == nil || usage.ID == "" {
		return fmt.Errorf("invalid usage")
	}
	t.usages = append(t.usages, copyUsage(usage))
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

// userView returns copies of the user's committed and staged blocks with staged updates applied
func (t *tx) userView(userID string) []*points.CreditBlock {
	t.s.mu.RLock()
	ids := t.s.userBlocks[userID]
	view := make([]*points.CreditBlock, 0, len(ids)+len(t.inserted))
	for _, id := range ids {
		b := *t.s.blocks[id]
		view = append(view, &b)
	}
	t.s.mu.RUnlock()

	for _, b := range t.inserted {
		if b.UserID == userID {
			blockCopy := *b
			view = append(view, &blockCopy)
		}
	}
	for _, b := range view {
		t.overlay(b)
	}
	return view
}

func (t *tx) overlay(b *points.CreditBlock) {
	if remaining, ok := t.updated[b.ID]; ok {
		b.RemainingAmount = remaining
	}
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

func copyBalance(b *points.Balance) *points.Balance {
	if b == nil {
		return nil
	}
	balanceCopy := *b
	return &balanceCopy
}

func copyUsage(u *points.Usage) *points.Usage {
	usageCopy := *u
	usageCopy.Details = slices.Clone(u.Details)
	return &usageCopy
}
