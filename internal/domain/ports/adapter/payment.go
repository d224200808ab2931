package adapter

import (
	"context"

	"subscription-payments/internal/domain/model"
)

// InitiateRequest is the provider-agnostic order request handed to an adapter.
type InitiateRequest struct {
	OrderID  string
	UserID   string
	Tier     model.Tier
	Region   string
	Amount   int64 // minor units
	Currency string
	Metadata map[string]string // caller supplied, e.g. "phone"
}

// InitiateResult carries what the provider returned synchronously.
// ProviderRef is empty for providers that post their reference later.
type InitiateResult struct {
	ProviderRef string
	Metadata    map[string]string // e.g. "checkout_url", "till_number"
}

// Verification is the outcome of a provider-side payment check.
type Verification struct {
	OK      bool
	Receipt string // provider confirmation id, kept for audit
	Reason  string // why the check failed, when !OK
}

// PaymentGateway is the hex port for payment providers, one implementation per
// model.Provider. Transport failures are reported as domain.ErrProviderUnavailable
// and malformed requests as domain.ErrInvalidRequest. Gateways never retry.
type PaymentGateway interface {
	Kind() model.Provider
	Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error)
	// Verify checks transactionID against the order's expected amount and account.
	Verify(ctx context.Context, order *model.Order, transactionID string) (Verification, error)
}
