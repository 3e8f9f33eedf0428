package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mihaimyh/gopoints/pkg/points"
)

const (
	maxUserIDLen = 255
	maxBodyBytes = 1 << 16
)

// Handler provides HTTP endpoints for the points ledger
type Handler struct {
	config Config
}

// Routes returns a router with every ledger endpoint mounted
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

// Register mounts the ledger endpoints on r
func (h *Handler) Register(r chi.Router) {
	r.Route("/users/{userID}", func(r chi.Router) {
		r.Get("/balance", h.GetBalance)
		r.Post("/credits", h.Credit)
		r.Post("/debits", h.Debit)
		r.Get("/usages", h.ListUsages)
		r.Get("/forfeitures", h.ListForfeitures)
		r.Post("/reconcile", h.Reconcile)
	})
	r.Post("/admin/sweep", h.Sweep)
}

// GetBalance returns the user's cached balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	balance, err := h.config.Manager.GetBalance(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{UserID: userID, Balance: balance})
}

// Credit grants a new block of points
func (h *Handler) Credit(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req CreditRequest
	if !h.decode(w, r, &req) {
		return
	}

	block, err := h.config.Manager.Credit(r.Context(), userID, req.Amount, req.ExpiresAt)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBlockResponse(block))
}

// Debit spends points from the user's live blocks
func (h *Handler) Debit(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req DebitRequest
	if !h.decode(w, r, &req) {
		return
	}

	usage, err := h.config.Manager.Debit(r.Context(), userID, req.Amount)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUsageResponse(usage))
}

// ListUsages returns the user's debits, newest first
func (h *Handler) ListUsages(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	limit, ok := h.limit(w, r)
	if !ok {
		return
	}

	usages, err := h.config.Manager.ListUsages(r.Context(), userID, limit)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	resp := make([]UsageResponse, 0, len(usages))
	for _, u := range usages {
		resp = append(resp, toUsageResponse(u))
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListForfeitures returns the points the sweep removed from the user, newest first
func (h *Handler) ListForfeitures(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	limit, ok := h.limit(w, r)
	if !ok {
		return
	}

	forfeitures, err := h.config.Manager.ListForfeitures(r.Context(), userID, limit)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	resp := make([]ForfeitureResponse, 0, len(forfeitures))
	for _, f := range forfeitures {
		resp = append(resp, ForfeitureResponse{
			ID:          f.ID,
			BlockID:     f.BlockID,
			Amount:      f.Amount,
			ExpiredAt:   f.ExpiredAt,
			ForfeitedAt: f.ForfeitedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// Reconcile recomputes the user's balance from their blocks
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	result, err := h.config.Manager.Reconcile(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReconcileResponse{
		UserID:        result.UserID,
		Before:        result.Before,
		After:         result.After,
		Live:          result.Live,
		PendingExpiry: result.PendingExpiry,
		Repaired:      result.Repaired,
	})
}

// Sweep runs one expiration pass at the manager's current time
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	var (
		report *points.SweepReport
		err    error
	)
	if h.config.Sweeper != nil {
		report, err = h.config.Sweeper.RunOnce(r.Context())
	} else {
		report, err = h.config.Manager.SweepExpired(r.Context(), h.config.Manager.Config().Clock.Now())
	}
	if err != nil {
		if report != nil {
			err = fmt.Errorf("sweep aborted after %d blocks: %w", report.Processed, err)
		}
		h.handleError(w, r, err)
		return
	}

	resp := SweepResponse{
		Processed:  report.Processed,
		Failed:     report.Failed,
		Forfeited:  report.Forfeited,
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
	}
	for _, f := range report.Failures {
		resp.Failures = append(resp.Failures, SweepFailureResponse{
			BlockID: f.BlockID,
			UserID:  f.UserID,
			Error:   f.Err.Error(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := chi.URLParam(r, "userID")
	if userID == "" || len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("%w: invalid user ID format", points.ErrInvalidArgument))
		return "", false
	}
	return userID, true
}

func (h *Handler) limit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		h.handleError(w, r, fmt.Errorf("%w: limit must be a non-negative integer", points.ErrInvalidArgument))
		return 0, false
	}
	return limit, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.handleError(w, r, fmt.Errorf("%w: malformed request body: %w", points.ErrInvalidArgument, err))
		return false
	}
	return true
}

// handleError maps ledger errors to HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	statusCode := StatusCode(err)
	resp := ErrorResponse{Error: err.Error()}

	var insufficient *points.InsufficientBalanceError
	if errors.As(err, &insufficient) {
		resp.Requested = &insufficient.Requested
		resp.Available = &insufficient.Available
	}
	if statusCode == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(h.config.RetryAfter.Seconds()))))
	}
	if statusCode >= http.StatusInternalServerError {
		h.config.Logger.Error("request failed",
			points.Field{Key: "method", Value: r.Method},
			points.Field{Key: "path", Value: r.URL.Path},
			points.Field{Key: "status", Value: statusCode},
			points.Field{Key: "error", Value: err.Error()},
		)
	}
	writeJSON(w, statusCode, resp)
}

// StatusCode returns the HTTP status for a ledger error
func StatusCode(err error) int {
	switch {
	case errors.Is(err, points.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, points.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, points.ErrInsufficientBalance):
		return http.StatusConflict
	case errors.Is(err, points.ErrStoreConflict), errors.Is(err, points.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// response already started
		_ = err
	}
}

func toBlockResponse(b *points.CreditBlock) BlockResponse {
	return BlockResponse{
		ID:              b.ID,
		UserID:          b.UserID,
		Amount:          b.Amount,
		RemainingAmount: b.RemainingAmount,
		EarnedAt:        b.EarnedAt,
		ExpiresAt:       b.ExpiresAt,
	}
}

func toUsageResponse(u *points.Usage) UsageResponse {
	resp := UsageResponse{
		ID:      u.ID,
		UserID:  u.UserID,
		Amount:  u.Amount,
		UsedAt:  u.UsedAt,
		Details: make([]UsageDetailResponse, 0, len(u.Details)),
	}
	for _, d := range u.Details {
		resp.Details = append(resp.Details, UsageDetailResponse{
			BlockID: d.BlockID,
			Seq:     d.Seq,
			Amount:  d.Amount,
		})
	}
	return resp
}
