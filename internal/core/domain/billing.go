package domain

import "time"

type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// LedgerEntry tracks one user's upload consumption against the tier limit.
// The counter only moves through conditional store operations; application
// code never reads it and writes it back.
type LedgerEntry struct {
	UserID            string    `json:"user_id"`
	Tier              Tier      `json:"tier"`
	PeriodUploadCount int       `json:"period_upload_count"`
	PeriodStart       time.Time `json:"period_start"`
	UploadLimit       int       `json:"upload_limit"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// PaymentConfirmation is the signed event delivered by the payment gateway.
// Reconciliation must stay idempotent under redelivery of the same OrderID.
type PaymentConfirmation struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
	UserID    string `json:"user_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Signature string `json:"signature"`
}

type ReconcileOutcome string

const (
	ReconcileApplied        ReconcileOutcome = "applied"
	ReconcileAlreadyApplied ReconcileOutcome = "already_applied"
	ReconcileRejected       ReconcileOutcome = "rejected"
)
