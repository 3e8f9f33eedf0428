package echo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gopoints/pkg/points"
	"github.com/mihaimyh/gopoints/storage/memory"
)

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

func newServer(cfg Config, called *bool) *echo.Echo {
	e := echo.New()
	e.Use(Middleware(cfg))
	e.GET("/api/test", func(c echo.Context) error {
		*called = true
		return c.String(http.StatusOK, "success")
	})
	return e
}

func serve(e *echo.Echo, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/test", http.NoBody)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_Success(t *testing.T) {
	manager := setupTestManager(t, "user1", 10)

	called := false
	e := newServer(Config{
		Manager:   manager,
		GetUserID: FromHeader("X-User-ID"),
		GetAmount: FixedAmount(4),
	}, &called)

	rec := serve(e, "user1")

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
	e := echo.New()
	e.Use(Middleware(Config{
		Manager:   manager,
		GetUserID: FromHeader("X-User-ID"),
		GetAmount: FixedAmount(2),
	}))
	e.GET("/api/test", func(c echo.Context) error {
		usage, _ = c.Get(UsageKey).(*points.Usage)
		return c.NoContent(http.StatusOK)
	})

	rec := serve(e, "user1")

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, usage)
	assert.Equal(t, int64(2), usage.Amount)
	assert.Equal(t, usage.ID, rec.Header().Get(UsageIDHeader))
}

func TestMiddleware_InsufficientBalance(t *testing.T) {
	manager := setupTestManager(t, "user1", 2)

	called := false
	e := newServer(Config{
		Manager:   manager,
		GetUserID: FromHeader("X-User-ID"),
		GetAmount: FixedAmount(5),
	}, &called)

	rec := serve(e, "user1")

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.False(t, called)

	var body struct {
		Requested int64 `json:"requested"`
		Available int64 `json:"available"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(5), body.Requested)
	assert.Equal(t, int64(2), body.Available)

	balance, err := manager.GetBalance(context.Background(), "user1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), balance)
}

func TestMiddleware_MissingAuth(t *testing.T) {
	manager := setupTestManager(t, "user1", 10)

	called := false
	e := newServer(Config{
		Manager:   manager,
		GetUserID: FromHeader("X-User-ID"),
		GetAmount: FixedAmount(1),
	}, &called)

	rec := serve(e, "")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, called)
}

func TestMiddleware_ZeroCostSkipsLedger(t *testing.T) {
	manager := setupTestManager(t, "user1", 0)

	called := false
	e := newServer(Config{
		Manager:   manager,
		GetUserID: FromHeader("X-User-ID"),
		GetAmount: FixedAmount(0),
	}, &called)

	rec := serve(e, "user1")

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
		{"extractor error", func(echo.Context) (int64, error) { return 0, errors.New("bad body") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			e := newServer(Config{
				Manager:   manager,
				GetUserID: FromHeader("X-User-ID"),
				GetAmount: tt.amount,
			}, &called)

			rec := serve(e, "user1")

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
			e := newServer(Config{
				Manager:   manager,
				GetUserID: FromHeader("X-User-ID"),
				GetAmount: FixedAmount(1),
			}, &called)

			rec := serve(e, "user1")

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
	e := newServer(Config{
		Manager:   manager,
		GetUserID: FromHeader("X-User-ID"),
		GetAmount: FixedAmount(1),
		OnUnauthorized: func(c echo.Context) error {
			return c.String(http.StatusForbidden, "who are you")
		},
		OnError: func(c echo.Context, err error) error {
			gotErr = err
			return c.NoContent(http.StatusTeapot)
		},
	}, &called)

	assert.Equal(t, http.StatusForbidden, serve(e, "").Code)

	rec := serve(e, "user1")
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.ErrorIs(t, gotErr, points.ErrStorageUnavailable)
	assert.False(t, called)
}

func TestMiddleware_OnInsufficient(t *testing.T) {
	manager := setupTestManager(t, "user1", 1)

	var got *points.InsufficientBalanceError
	called := false
	e := newServer(Config{
		Manager:   manager,
		GetUserID: FromHeader("X-User-ID"),
		GetAmount: FixedAmount(3),
		OnInsufficient: func(c echo.Context, err *points.InsufficientBalanceError) error {
			got = err
			return c.NoContent(http.StatusTooManyRequests)
		},
	}, &called)

	rec := serve(e, "user1")

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "user1", got.UserID)
	assert.Equal(t, int64(1), got.Available)
}

func TestFromContext(t *testing.T) {
	manager := setupTestManager(t, "user1", 5)

	called := false
	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("UserID", c.Request().Header.Get("X-User-ID"))
			return next(c)
		}
	})
	e.Use(Middleware(Config{
		Manager:   manager,
		GetUserID: FromContext("UserID"),
		GetAmount: DynamicCost(func(echo.Context) int64 { return 2 }),
	}))
	e.GET("/api/test", func(c echo.Context) error {
		called = true
		return c.NoContent(http.StatusOK)
	})

	rec := serve(e, "user1")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, called)

	balance, err := manager.GetBalance(context.Background(), "user1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), balance)
}

func TestMiddleware_PanicsOnMissingConfig(t *testing.T) {
	manager := setupTestManager(t, "user1", 0)

	assert.Panics(t, func() { Middleware(Config{GetUserID: FromHeader("X"), GetAmount: FixedAmount(1)}) })
	assert.Panics(t, func() { Middleware(Config{Manager: manager, GetAmount: FixedAmount(1)}) })
	assert.Panics(t, func() { Middleware(Config{Manager: manager, GetUserID: FromHeader("X")}) })
}
