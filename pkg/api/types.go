package api

import "time"

// BalanceResponse is the cached spendable total of a user
type BalanceResponse struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

// CreditRequest grants points that expire at ExpiresAt
type CreditRequest struct {
	Amount    int64     `json:"amount"`
	ExpiresAt time.Time `json:"expires_at"`
}

// DebitRequest spends points, earliest expiry first
type DebitRequest struct {
	Amount int64 `json:"amount"`
}

// BlockResponse represents a credit block
type BlockResponse struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	Amount          int64     `json:"amount"`
	RemainingAmount int64     `json:"remaining_amount"`
	EarnedAt        time.Time `json:"earned_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// UsageResponse represents a debit and the blocks it drew from
type UsageResponse struct {
	ID      string                `json:"id"`
	UserID  string                `json:"user_id"`
	Amount  int64                 `json:"amount"`
	UsedAt  time.Time             `json:"used_at"`
	Details []UsageDetailResponse `json:"details"`
}

// UsageDetailResponse is the amount one usage took from one block
type UsageDetailResponse struct {
	BlockID string `json:"block_id"`
	Seq     int    `json:"seq"`
	Amount  int64  `json:"amount"`
}

// ForfeitureResponse represents points removed by the expiration sweep
type ForfeitureResponse struct {
	ID          string    `json:"id"`
	BlockID     string    `json:"block_id"`
	Amount      int64     `json:"amount"`
	ExpiredAt   time.Time `json:"expired_at"`
	ForfeitedAt time.Time `json:"forfeited_at"`
}

// ReconcileResponse reports a balance recomputation
type ReconcileResponse struct {
	UserID        string `json:"user_id"`
	Before        int64  `json:"before"`
	After         int64  `json:"after"`
	Live          int64  `json:"live"`
	PendingExpiry int64  `json:"pending_expiry"`
	Repaired      bool   `json:"repaired"`
}

// SweepResponse summarizes one expiration pass
type SweepResponse struct {
	Processed  int                    `json:"processed"`
	Failed     int                    `json:"failed"`
	Forfeited  int64                  `json:"forfeited"`
	Failures   []SweepFailureResponse `json:"failures,omitempty"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
}

// SweepFailureResponse describes a block the pass could not expire
type SweepFailureResponse struct {
	BlockID string `json:"block_id"`
	UserID  string `json:"user_id"`
	Error   string `json:"error"`
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error     string `json:"error"`
	Requested *int64 `json:"requested,omitempty"`
	Available *int64 `json:"available,omitempty"`
}
