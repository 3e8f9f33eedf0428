package gin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gongin "github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gopoints/pkg/points"
	"github.com/mihaimyh/gopoints/storage/memory"
)

func init() {
	gongin.SetMode(gongin.TestMode)
}

// errorStorage fails every unit of work with err
type errorStorage struct {
	*memory.Storage
	err error
}

func (s *errorStorage) RunInTx(context.Context, string, func(points.Tx) error) error {
	return s.err
}

// Test helper to create a manager with a funded user
func setupTestManager(t *testing.T, userID string, balance int64) *points.Manager {
	t.Helper()

	manager, err := points.NewManager(memory.New(), nil, points.Config{})
	require.NoError(t, err)

	if balance > 0 {
		_, err = manager.Credit(context.Background(), userID, balance, time.Now().Add(time.Hour))
		require.NoError(t, err)
	}
	return manager
}

func newRouter(cfg Config, called *bool) *gongin.Engine {
	r := gongin.New()
	r.Use(Middleware(cfg))
	r.GET("/api/test", func(c *gongin.Context) {
		*called = true
		c.String(http.StatusOK, "success")
	})
	return r
}

func serve(r *gongin.Engine, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/test", http.NoBody)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_Success(t *testing.T) {
	manager := setupTestManager(t, "user1", 10)

	called := false
	r := newRouter(Config{
		Manager:   manager,
		GetUserID: FromHeader("X-User-ID"),
		GetAmount: FixedAmount(4),
	}, &called)

	rec := serve(r, "user1")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", rec.Body.String())
	assert.True(t, called)
	assert.NotEmpty(t, rec.Header().Get(UsageIDHeader))

	balance, err := manager.GetBalance(context.Background(), "user1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), balance)
}

func TestMiddleware_UsageInContext(t *testing.T) {
	manager := setupTestManager(t, "user1", 10)

	var usage *points.Usage
	r := gongin.New()
	r.Use(Middleware(Config{
		Manager:   manager,
		GetUserID: FromHeader("X-User-ID"),
		GetAmount: FixedAmount(2),
	}))
	r.GET("/api/test", func(c *gongin.Context) {
		if v, ok := c.Get(UsageKey); ok {
			usage, _ = v.(*points.Usage)
		}
		c.Status(http.StatusOK)
	})

	rec := serve(r, "user1")

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, usage)
	assert.Equal(t, int64(2), usage.Amount)
	assert.Equal(t, usage.ID, rec.Header().Get(UsageIDHeader))
}

func TestMiddleware_InsufficientBalance(t *testing.T) {
	manager := setupTestManager(t, "user1", 2)

	called := false
	r := newRouter(Config{
		Manager:   manager,
		GetUserID: FromHeader("X-User-ID"),
		GetAmount: FixedAmount(5),
	}, &called)

	rec := serve(r, "user1")

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.False(t, called)

	var body struct {
		Requested int64 `json:"requested"`
		Available int64 `json:"available"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(5), body.Requested)
	assert.Equal(t, int64(2), body.Available)
}

func TestMiddleware_MissingAuth(t *testing.T) {
	manager := setupTestManager(t, "user1", 10)

	called := false
	r := newRouter(Config{
		Manager:   manager,
		GetUserID: FromHeader("X-User-ID"),
		GetAmount: FixedAmount(1),
	}, &called)

	rec := serve(r, "")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, called)
}

func TestMiddleware_ZeroCostSkipsLedger(t *testing.T) {
	manager := setupTestManager(t, "user1", 0)

	called := false
	r := newRouter(Config{
		Manager:   manager,
		GetUserID: FromHeader("X-User-ID"),
		GetAmount: FixedAmount(0),
	}, &called)

	rec := serve(r, "user1")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, called)
	assert.Empty(t, rec.Header().Get(UsageIDHeader))
}

func TestMiddleware_BadAmount(t *testing.T) {
	manager := setupTestManager(t, "user1", 10)

	tests := []struct {
		name   string
		amount AmountExtractor
	}{
		{"negative", FixedAmount(-1)},
		{"extractor error", func(*gongin.Context) (int64, error) { return 0, errors.New("bad body") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			r := newRouter(Config{
				Manager:   manager,
				GetUserID: FromHeader("X-User-ID"),
				GetAmount: tt.amount,
			}, &called)

			rec := serve(r, "user1")

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.False(t, called)
		})
	}
}

func TestMiddleware_StorageErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"unavailable", points.ErrStorageUnavailable, http.StatusServiceUnavailable},
		{"conflict", points.ErrStoreConflict, http.StatusServiceUnavailable},
		{"unclassified", errors.New("connection refused"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager, err := points.NewManager(&errorStorage{Storage: memory.New(), err: tt.err}, nil, points.Config{
				MaxRetries: -1,
			})
			require.NoError(t, err)

			called := false
			r := newRouter(Config{
				Manager:   manager,
				GetUserID: FromHeader("X-User-ID"),
				GetAmount: FixedAmount(1),
			}, &called)

			rec := serve(r, "user1")

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.False(t, called)
		})
	}
}

func TestMiddleware_CustomHandlers(t *testing.T) {
	manager, err := points.NewManager(&errorStorage{Storage: memory.New(), err: points.ErrStorageUnavailable}, nil, points.Config{})
	require.NoError(t, err)

	var gotErr error
	called := false
	r := newRouter(Config{
		Manager:   manager,
		GetUserID: FromHeader("X-User-ID"),
		GetAmount: FixedAmount(1),
		OnUnauthorized: func(c *gongin.Context) {
			c.String(http.StatusForbidden, "who are you")
		},
		OnError: func(c *gongin.Context, err error) {
			gotErr = err
			c.Status(http.StatusTeapot)
		},
	}, &called)

	assert.Equal(t, http.StatusForbidden, serve(r, "").Code)

	rec := serve(r, "user1")
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.ErrorIs(t, gotErr, points.ErrStorageUnavailable)
	assert.False(t, called)
}

func TestFromContext(t *testing.T) {
	manager := setupTestManager(t, "user1", 5)

	called := false
	r := gongin.New()
	r.Use(func(c *gongin.Context) {
		c.Set("UserID", c.GetHeader("X-User-ID"))
		c.Next()
	})
	r.Use(Middleware(Config{
		Manager:   manager,
		GetUserID: FromContext("UserID"),
		GetAmount: DynamicCost(func(*gongin.Context) int64 { return 2 }),
	}))
	r.GET("/api/test", func(c *gongin.Context) {
		called = true
		c.Status(http.StatusOK)
	})

	rec := serve(r, "user1")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, called)

	balance, err := manager.GetBalance(context.Background(), "user1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), balance)
}
