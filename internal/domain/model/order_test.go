//go:build !integration

package model

import (
	"errors"
	"testing"
	"time"

	"subscription-payments/internal/domain"
)

func TestCanTransition(t *testing.T) {
	all := []OrderState{OrderStatePending, OrderStateVerified, OrderStateActivated, OrderStateFailed, OrderStateExpired}
	allowed := map[[2]OrderState]bool{
		{OrderStatePending, OrderStateVerified}:   true,
		{OrderStatePending, OrderStateFailed}:     true,
		{OrderStatePending, OrderStateExpired}:    true,
		{OrderStateVerified, OrderStateActivated}: true,
	}
	for _, from := range all {
		for _, to := range all {
			got := CanTransition(from, to)
			if got != allowed[[2]OrderState{from, to}] {
				t.Errorf("CanTransition(%s, %s) = %v", from, to, got)
			}
		}
	}
}

func TestOrderStateTerminal(t *testing.T) {
	if OrderStatePending.Terminal() || OrderStateVerified.Terminal() {
		t.Error("PENDING and VERIFIED must not be terminal")
	}
	if !OrderStateActivated.Terminal() || !OrderStateFailed.Terminal() || !OrderStateExpired.Terminal() {
		t.Error("ACTIVATED, FAILED and EXPIRED must be terminal")
	}
}

func TestParseProvider(t *testing.T) {
	t.Run("should accept canonical and relaxed spellings", func(t *testing.T) {
		cases := map[string]Provider{
			"PUSH_TO_PAY":       ProviderPushToPay,
			"push-to-pay":       ProviderPushToPay,
			" wallet_pay ":      ProviderWalletPay,
			"redirect_checkout": ProviderRedirectCheckout,
			"MANUAL_REFERENCE":  ProviderManualReference,
		}
		for in, want := range cases {
			got, err := ParseProvider(in)
			if err != nil {
				t.Fatalf("ParseProvider(%q): unexpected error %v", in, err)
			}
			if got != want {
				t.Errorf("ParseProvider(%q) = %s, want %s", in, got, want)
			}
		}
	})

	t.Run("should reject unknown providers", func(t *testing.T) {
		_, err := ParseProvider("paypal")
		if !errors.Is(err, domain.ErrInvalidArgument) {
			t.Errorf("expected ErrInvalidArgument, got %v", err)
		}
	})
}

func TestNewOrder(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("should create a pending order with expiry", func(t *testing.T) {
		o, err := NewOrder("o1", "u1", "VVIP", ProviderPushToPay, "KE", 1500, "KES", now, 30*time.Minute)
		if err != nil {
			t.Fatalf("expected no error, but got: %v", err)
		}
		if o.State != OrderStatePending {
			t.Errorf("expected PENDING, got %s", o.State)
		}
		if !o.ExpiresAt.Equal(now.Add(30 * time.Minute)) {
			t.Errorf("unexpected expiresAt %v", o.ExpiresAt)
		}
		if o.ExpiredAt(now.Add(30*time.Minute)) {
			t.Error("order must not be expired exactly at expiresAt")
		}
		if !o.ExpiredAt(now.Add(30*time.Minute + time.Second)) {
			t.Error("order must be expired after expiresAt")
		}
	})

	t.Run("should reject invalid input", func(t *testing.T) {
		_, err := NewOrder("o1", "", "VVIP", ProviderPushToPay, "KE", 1500, "KES", now, time.Minute)
		if !errors.Is(err, domain.ErrInvalidArgument) {
			t.Errorf("expected ErrInvalidArgument for empty user, got %v", err)
		}
		_, err = NewOrder("o1", "u1", "VVIP", Provider("CASH"), "KE", 1500, "KES", now, time.Minute)
		if !errors.Is(err, domain.ErrInvalidArgument) {
			t.Errorf("expected ErrInvalidArgument for unknown provider, got %v", err)
		}
	})
}

func TestTransitionFieldsApply(t *testing.T) {
	now := time.Now().UTC()
	lease := now.Add(time.Minute)
	o := &Order{ID: "o1", State: OrderStatePending}

	TransitionFields{VerifiedTxID: "tx1", LeaseUntil: &lease, At: now}.Apply(o, OrderStateVerified)
	if o.State != OrderStateVerified || o.VerifiedTxID != "tx1" || o.ActivationLeaseUntil == nil {
		t.Fatalf("unexpected order after VERIFIED: %+v", o)
	}

	TransitionFields{ActivationTxID: "tx1", At: now}.Apply(o, OrderStateActivated)
	if o.ActivatedAt == nil || !o.ActivatedAt.Equal(now) {
		t.Errorf("expected activatedAt to be set to %v", now)
	}
	if o.ActivationLeaseUntil != nil {
		t.Error("expected lease to be cleared on activation")
	}
	if o.VerifiedTxID != "tx1" {
		t.Error("expected verified tx id to be kept")
	}
}

func TestOrderClone(t *testing.T) {
	o := &Order{ID: "o1", Metadata: map[string]string{"k": "v"}}
	cp := o.Clone()
	cp.Metadata["k"] = "changed"
	if o.Metadata["k"] != "v" {
		t.Error("clone must not share metadata")
	}
}

func TestParseOrderKey(t *testing.T) {
	k, err := ParseOrderKey("01HZX")
	if err != nil || k.OrderID != "01HZX" || k.IsProviderRef() {
		t.Errorf("unexpected key %+v err %v", k, err)
	}

	k, err = ParseOrderKey("push_to_pay:ws_CO_123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !k.IsProviderRef() || k.Provider != ProviderPushToPay || k.ProviderRef != "ws_CO_123" {
		t.Errorf("unexpected key %+v", k)
	}
	if k.String() != "PUSH_TO_PAY:ws_CO_123" {
		t.Errorf("unexpected String() %q", k.String())
	}

	if _, err := ParseOrderKey("WALLET_PAY:"); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for empty ref, got %v", err)
	}
	if _, err := ParseOrderKey(""); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for empty key, got %v", err)
	}
}

func TestPriceBookLookup(t *testing.T) {
	book := PriceBook{
		"VVIP": {
			"KE":      {Amount: 1500, Currency: "KES"},
			AnyRegion: {Amount: 1200, Currency: "USD"},
		},
	}

	p, err := book.Lookup("VVIP", "ke")
	if err != nil || p.Currency != "KES" || p.Amount != 1500 {
		t.Errorf("unexpected regional price %+v err %v", p, err)
	}
	p, err = book.Lookup("VVIP", "NG")
	if err != nil || p.Currency != "USD" {
		t.Errorf("expected fallback price, got %+v err %v", p, err)
	}
	if _, err := book.Lookup("GOLD", "KE"); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest for unknown tier, got %v", err)
	}
}
