package points

import (
	"context"
	"errors"
	"sync"
	"time"
)

// UserResolver resolves opaque user identifiers.
// Implementations return ErrUserNotFound for unknown users.
type UserResolver interface {
	ResolveUser(ctx context.Context, userID string) (*User, error)
}

// UserResolverFunc adapts a function to the UserResolver interface
type UserResolverFunc func(ctx context.Context, userID string) (*User, error)

func (f UserResolverFunc) ResolveUser(ctx context.Context, userID string) (*User, error) {
	return f(ctx, userID)
}

// AcceptAllUsers treats every non-empty identifier as an existing user
var AcceptAllUsers UserResolver = UserResolverFunc(func(_ context.Context, userID string) (*User, error) {
	return &User{ID: userID}, nil
})

// StaticUserResolver resolves users from a fixed in-memory set
type StaticUserResolver struct {
	mu    sync.RWMutex
	users map[string]struct{}
}

// NewStaticUserResolver creates a resolver knowing the given user IDs
func NewStaticUserResolver(userIDs ...string) *StaticUserResolver {
	r := &StaticUserResolver{users: make(map[string]struct{}, len(userIDs))}
	for _, id := range userIDs {
		r.users[id] = struct{}{}
	}
	return r
}

// Add registers a user
func (r *StaticUserResolver) Add(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[userID] = struct{}{}
}

// Remove forgets a user
func (r *StaticUserResolver) Remove(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.users, userID)
}

func (r *StaticUserResolver) ResolveUser(_ context.Context, userID string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.users[userID]; !ok {
		return nil, ErrUserNotFound
	}
	return &User{ID: userID}, nil
}

// CachingUserResolverStats holds cache performance statistics
type CachingUserResolverStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

type userCacheEntry struct {
	user       *User
	expiration time.Time
	accessTime time.Time
	sequence   int64 // tiebreak for equal access times
}

// CachingUserResolver caches successful lookups of another resolver with LRU eviction and TTL.
// Failed lookups, including ErrUserNotFound, are never cached.
type CachingUserResolver struct {
	next     UserResolver
	ttl      time.Duration
	maxSize  int
	entries  map[string]*userCacheEntry
	mu       sync.Mutex
	hits     int64
	misses   int64
	evicted  int64
	sequence int64
	now      func() time.Time
}

// NewCachingUserResolver wraps next with a cache holding at most maxSize users for ttl
func NewCachingUserResolver(next UserResolver, maxSize int, ttl time.Duration) *CachingUserResolver {
	if maxSize <= 0 {
		maxSize = 1000 // default
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachingUserResolver{
		next:    next,
		ttl:     ttl,
		maxSize: maxSize,
		entries: make(map[string]*userCacheEntry, maxSize),
		now:     time.Now,
	}
}

func (c *CachingUserResolver) ResolveUser(ctx context.Context, userID string) (*User, error) {
	if user, ok := c.get(userID); ok {
		return user, nil
	}

	user, err := c.next.ResolveUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, errors.New("user resolver returned nil user")
	}
	c.set(userID, user)
	return &User{ID: user.ID}, nil
}

// Invalidate removes a user from the cache
func (c *CachingUserResolver) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
}

// Stats returns cache statistics
func (c *CachingUserResolver) Stats() CachingUserResolverStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CachingUserResolverStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evicted,
		Size:      len(c.entries),
	}
}

func (c *CachingUserResolver) get(userID string) (*User, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry, exists := c.entries[userID]
	if !exists || now.After(entry.expiration) {
		c.misses++
		return nil, false
	}

	// Update access time for LRU
	entry.accessTime = now
	c.sequence++
	entry.sequence = c.sequence
	c.hits++
	return &User{ID: entry.user.ID}, true
}

func (c *CachingUserResolver) set(userID string, user *User) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[userID]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.sequence++
	c.entries[userID] = &userCacheEntry{
		user:       &User{ID: user.ID},
		expiration: now.Add(c.ttl),
		accessTime: now,
		sequence:   c.sequence,
	}
}

// evictOldest removes the least recently used entry. Caller holds c.mu.
func (c *CachingUserResolver) evictOldest() {
	var oldestKey string
	var oldest *userCacheEntry
	for key, entry := range c.entries {
		if oldest == nil ||
			entry.accessTime.Before(oldest.accessTime) ||
			(entry.accessTime.Equal(oldest.accessTime) && entry.sequence < oldest.sequence) {
			oldestKey = key
			oldest = entry
		}
	}
	if oldest != nil {
		delete(c.entries, oldestKey)
		c.evicted++
	}
}
