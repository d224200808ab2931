package model

import (
	"fmt"
	"strings"
	"time"

	"subscription-payments/internal/domain"
)

type OrderState string

const (
	OrderStatePending   OrderState = "PENDING"   // created, awaiting provider confirmation
	OrderStateVerified  OrderState = "VERIFIED"  // payment confirmed, activation owned by one caller
	OrderStateActivated OrderState = "ACTIVATED" // tier granted
	OrderStateFailed    OrderState = "FAILED"    // provider rejected the payment
	OrderStateExpired   OrderState = "EXPIRED"   // confirmation arrived after expiresAt
)

// Terminal reports whether no transition may leave s.
func (s OrderState) Terminal() bool {
	return s == OrderStateActivated || s == OrderStateFailed || s == OrderStateExpired
}

// CanTransition reports whether from -> to is one of the forward edges
// PENDING->VERIFIED->ACTIVATED, PENDING->FAILED, PENDING->EXPIRED.
func CanTransition(from, to OrderState) bool {
	switch from {
	case OrderStatePending:
		return to == OrderStateVerified || to == OrderStateFailed || to == OrderStateExpired
	case OrderStateVerified:
		return to == OrderStateActivated
	}
	return false
}

// Provider is the closed set of payment provider kinds.
type Provider string

const (
	ProviderRedirectCheckout Provider = "REDIRECT_CHECKOUT"
	ProviderPushToPay        Provider = "PUSH_TO_PAY"
	ProviderManualReference  Provider = "MANUAL_REFERENCE"
	ProviderWalletPay        Provider = "WALLET_PAY"
)

var providers = []Provider{
	ProviderRedirectCheckout,
	ProviderPushToPay,
	ProviderManualReference,
	ProviderWalletPay,
}

// Providers lists every provider kind.
func Providers() []Provider {
	out := make([]Provider, len(providers))
	copy(out, providers)
	return out
}

func (p Provider) Valid() bool {
	for _, known := range providers {
		if p == known {
			return true
		}
	}
	return false
}

// ParseProvider accepts the canonical names case-insensitively, with '-' or '_' separators.
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")))
	if !p.Valid() {
		return "", fmt.Errorf("provider %q: %w", s, domain.ErrInvalidArgument)
	}
	return p, nil
}

// Tier is the subscription tier an order pays for, e.g. "VIP" or "VVIP".
type Tier string

func NormalizeTier(s string) Tier { return Tier(strings.ToUpper(strings.TrimSpace(s))) }

// Order is the canonical record of a single payment attempt.
type Order struct {
	ID          string            `json:"order_id"`
	UserID      string            `json:"user_id"`
	Tier        Tier              `json:"tier"`
	Provider    Provider          `json:"provider"`
	Region      string            `json:"region,omitempty"`
	ProviderRef string            `json:"provider_ref,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Amount      int64             `json:"amount"` // minor units
	Currency    string            `json:"currency"`

	State     OrderState `json:"state"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ExpiresAt time.Time  `json:"expires_at"`

	VerifiedTxID    string     `json:"verified_tx_id,omitempty"`
	ProviderReceipt string     `json:"provider_receipt,omitempty"`
	ActivationTxID  string     `json:"activation_tx_id,omitempty"`
	ActivatedAt     *time.Time `json:"activated_at,omitempty"`
	FailureReason   string     `json:"failure_reason,omitempty"`

	// Activation ownership for VERIFIED orders; a retry may only claim the
	// order after the lease lapses.
	ActivationLeaseUntil *time.Time `json:"activation_lease_until,omitempty"`
	ActivationAttempts   int        `json:"activation_attempts,omitempty"`
}

// NewOrder validates and constructs a PENDING order expiring ttl after now.
func NewOrder(id, userID string, tier Tier, provider Provider, region string, amount int64, currency string, now time.Time, ttl time.Duration) (*Order, error) {
	if id == "" || userID == "" || tier == "" || !provider.Valid() || amount <= 0 || currency == "" || ttl <= 0 {
		return nil, domain.ErrInvalidArgument
	}
	return &Order{
		ID:        id,
		UserID:    userID,
		Tier:      tier,
		Provider:  provider,
		Region:    region,
		Amount:    amount,
		Currency:  currency,
		State:     OrderStatePending,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
	}, nil
}

func (o *Order) IsZero() bool { return o == nil || o.ID == "" }

// ExpiredAt reports whether verification at t must be rejected.
func (o *Order) ExpiredAt(t time.Time) bool { return t.After(o.ExpiresAt) }

// LeaseActiveAt reports whether another caller still owns activation at t.
func (o *Order) LeaseActiveAt(t time.Time) bool {
	return o.ActivationLeaseUntil != nil && t.Before(*o.ActivationLeaseUntil)
}

// Clone returns a deep copy, so callers can mutate without touching cached values.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	cp := *o
	if o.Metadata != nil {
		cp.Metadata = make(map[string]string, len(o.Metadata))
		for k, v := range o.Metadata {
			cp.Metadata[k] = v
		}
	}
	if o.ActivatedAt != nil {
		t := *o.ActivatedAt
		cp.ActivatedAt = &t
	}
	if o.ActivationLeaseUntil != nil {
		t := *o.ActivationLeaseUntil
		cp.ActivationLeaseUntil = &t
	}
	return &cp
}

// TransitionFields carries the auxiliary values written together with a state change.
// Zero values leave the stored field untouched.
type TransitionFields struct {
	VerifiedTxID    string
	ProviderReceipt string
	ActivationTxID  string
	FailureReason   string
	LeaseUntil      *time.Time
	At              time.Time
}

// Apply moves o to state to and copies the non-zero fields.
func (f TransitionFields) Apply(o *Order, to OrderState) {
	o.State = to
	if !f.At.IsZero() {
		o.UpdatedAt = f.At
	}
	if f.VerifiedTxID != "" {
		o.VerifiedTxID = f.VerifiedTxID
	}
	if f.ProviderReceipt != "" {
		o.ProviderReceipt = f.ProviderReceipt
	}
	if f.ActivationTxID != "" {
		o.ActivationTxID = f.ActivationTxID
	}
	if f.FailureReason != "" {
		o.FailureReason = f.FailureReason
	}
	if f.LeaseUntil != nil {
		t := *f.LeaseUntil
		o.ActivationLeaseUntil = &t
	}
	if to == OrderStateActivated {
		at := o.UpdatedAt
		o.ActivatedAt = &at
		o.ActivationLeaseUntil = nil
	}
}

// OrderKey addresses an order either by id or by (provider, provider reference).
type OrderKey struct {
	OrderID     string
	Provider    Provider
	ProviderRef string
}

func ByOrderID(id string) OrderKey { return OrderKey{OrderID: id} }

func ByProviderRef(p Provider, ref string) OrderKey {
	return OrderKey{Provider: p, ProviderRef: ref}
}

func (k OrderKey) IsProviderRef() bool { return k.OrderID == "" && k.ProviderRef != "" }

func (k OrderKey) Validate() error {
	if k.OrderID != "" {
		return nil
	}
	if k.ProviderRef == "" || !k.Provider.Valid() {
		return fmt.Errorf("order key: %w", domain.ErrInvalidArgument)
	}
	return nil
}

func (k OrderKey) String() string {
	if k.OrderID != "" {
		return k.OrderID
	}
	return string(k.Provider) + ":" + k.ProviderRef
}

// ParseOrderKey reads "ORDER_ID" or "PROVIDER:REF".
func ParseOrderKey(s string) (OrderKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return OrderKey{}, fmt.Errorf("order key: %w", domain.ErrInvalidArgument)
	}
	prov, ref, ok := strings.Cut(s, ":")
	if !ok {
		return ByOrderID(s), nil
	}
	p, err := ParseProvider(prov)
	if err != nil {
		return OrderKey{}, err
	}
	if ref == "" {
		return OrderKey{}, fmt.Errorf("order key %q: empty reference: %w", s, domain.ErrInvalidArgument)
	}
	return ByProviderRef(p, ref), nil
}
