package repository

import (
	"context"
	"time"

	"subscription-payments/internal/domain/model"
)

// OrderStore owns the canonical order records and their lookup indices.
// Every mutation is a single conditional write on the underlying KeyedStore.
type OrderStore interface {
	// CreateOrder fails with domain.ErrOrderIDCollision if the id is taken.
	CreateOrder(ctx context.Context, o *model.Order) error
	// IndexByUser points the user's pending pointer at orderID, replacing any previous one.
	IndexByUser(ctx context.Context, userID, orderID string) error
	// IndexByProviderRef fails with domain.ErrProviderRefCollision when another order owns the reference.
	IndexByProviderRef(ctx context.Context, provider model.Provider, providerRef, orderID string) error

	GetByOrderID(ctx context.Context, orderID string) (*model.Order, error)
	GetByUserPending(ctx context.Context, userID string) (*model.Order, error)
	GetByProviderRef(ctx context.Context, provider model.Provider, providerRef string) (*model.Order, error)

	// Transition moves the order from -> to, or fails with domain.ErrStaleState.
	Transition(ctx context.Context, orderID string, from, to model.OrderState, fields model.TransitionFields) (*model.Order, error)
	// AttachProviderRef fills an empty provider reference on a PENDING order.
	AttachProviderRef(ctx context.Context, orderID, providerRef string, at time.Time) (*model.Order, error)
	// ClaimActivation takes the activation lease of a VERIFIED order whose lease lapsed.
	ClaimActivation(ctx context.Context, orderID string, now, leaseUntil time.Time) (*model.Order, error)
}
