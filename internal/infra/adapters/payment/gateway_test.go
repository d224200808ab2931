//go:build !integration

package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"subscription-payments/internal/config"
	"subscription-payments/internal/domain"
	"subscription-payments/internal/domain/model"
	"subscription-payments/internal/domain/ports/adapter"
)

func testOrder(p model.Provider, ref string) *model.Order {
	return &model.Order{ID: "o1", UserID: "u1", Tier: "VVIP", Provider: p, ProviderRef: ref, Amount: 150000, Currency: "KES"}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestRedirectGateway(t *testing.T) {
	ctx := context.Background()
	var verifyCode int32 = 100
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		switch r.URL.Path {
		case "/payment/request.json":
			if body["merchant_id"] != "m-1" || !strings.Contains(body["callback_url"].(string), "state=") {
				writeJSON(w, http.StatusBadRequest, map[string]any{"errors": "bad"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"code": 100, "authority": "A0001"}})
		case "/payment/verify.json":
			writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"code": atomic.LoadInt32(&verifyCode), "ref_id": 987}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	states, _ := NewStateTokens("s3cret", time.Hour)
	gw, err := NewRedirectGateway(config.RedirectProviderConfig{
		MerchantID:  "m-1",
		BaseURL:     srv.URL,
		StartPayURL: "https://pay.example/StartPay/",
		CallbackURL: "https://svc.example/webhooks/redirect",
	}, states)
	if err != nil {
		t.Fatalf("NewRedirectGateway: %v", err)
	}

	t.Run("should return authority and checkout url", func(t *testing.T) {
		res, err := gw.Initiate(ctx, adapter.InitiateRequest{OrderID: "o1", Tier: "VVIP", Amount: 1000, Currency: "IRR"})
		if err != nil {
			t.Fatalf("expected no error, but got: %v", err)
		}
		if res.ProviderRef != "A0001" || res.Metadata["checkout_url"] != "https://pay.example/StartPay/A0001" {
			t.Errorf("unexpected result %+v", res)
		}
	})

	t.Run("should confirm codes 100 and 101", func(t *testing.T) {
		for _, code := range []int32{100, 101} {
			atomic.StoreInt32(&verifyCode, code)
			v, err := gw.Verify(ctx, testOrder(model.ProviderRedirectCheckout, "A0001"), "A0001")
			if err != nil || !v.OK || v.Receipt != "987" {
				t.Errorf("code %d: unexpected verification %+v err=%v", code, v, err)
			}
		}
	})

	t.Run("should reject other codes and foreign authorities", func(t *testing.T) {
		atomic.StoreInt32(&verifyCode, -51)
		v, err := gw.Verify(ctx, testOrder(model.ProviderRedirectCheckout, "A0001"), "A0001")
		if err != nil || v.OK {
			t.Errorf("expected failed verification, got %+v err=%v", v, err)
		}
		v, _ = gw.Verify(ctx, testOrder(model.ProviderRedirectCheckout, "A0001"), "A9999")
		if v.OK {
			t.Error("expected a different authority to fail")
		}
	})
}

func TestRedirectGateway_Unavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	states, _ := NewStateTokens("s3cret", time.Hour)
	gw, _ := NewRedirectGateway(config.RedirectProviderConfig{MerchantID: "m", BaseURL: srv.URL, CallbackURL: "https://svc.example/cb"}, states)

	_, err := gw.Initiate(context.Background(), adapter.InitiateRequest{OrderID: "o1", Amount: 10, Currency: "IRR"})
	if !errors.Is(err, domain.ErrProviderUnavailable) {
		t.Errorf("expected ErrProviderUnavailable, got %v", err)
	}
	_, err = gw.Verify(context.Background(), testOrder(model.ProviderRedirectCheckout, "A1"), "A1")
	if !errors.Is(err, domain.ErrProviderUnavailable) {
		t.Errorf("expected ErrProviderUnavailable, got %v", err)
	}
}

func TestStateTokens(t *testing.T) {
	s, err := NewStateTokens("s3cret", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	tok, err := s.Sign("o1")
	if err != nil {
		t.Fatal(err)
	}
	id, err := s.Parse(tok)
	if err != nil || id != "o1" {
		t.Fatalf("expected o1, got %q err=%v", id, err)
	}

	other, _ := NewStateTokens("different", time.Minute)
	if _, err := other.Parse(tok); err == nil {
		t.Error("expected a token signed with another secret to be rejected")
	}

	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := s.Parse(tok); err == nil {
		t.Error("expected an expired token to be rejected")
	}
	if _, err := NewStateTokens("", time.Minute); err == nil {
		t.Error("expected an empty secret to be rejected")
	}
}

func TestPushGateway(t *testing.T) {
	ctx := context.Background()
	var authCalls int32
	var queryResult atomic.Value
	queryResult.Store("0")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/v1/generate":
			atomic.AddInt32(&authCalls, 1)
			if user, pass, ok := r.BasicAuth(); !ok || user != "ck" || pass != "cs" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"access_token": "tok", "expires_in": "3599"})
		case "/mpesa/stkpush/v1/processrequest":
			if r.Header.Get("Authorization") != "Bearer tok" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["PhoneNumber"] != "254712345678" || body["Amount"].(float64) != 1500 || body["AccountReference"] != "o1" ||
				body["CallBackURL"] != "https://svc.example/webhooks/push/cb-token" {
				writeJSON(w, http.StatusOK, map[string]string{"ResponseCode": "1", "ResponseDescription": "bad request"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{
				"MerchantRequestID": "m-1",
				"CheckoutRequestID": "ws_CO_1",
				"ResponseCode":      "0",
				"CustomerMessage":   "Success. Request accepted for processing",
			})
		case "/mpesa/stkpushquery/v1/query":
			res := queryResult.Load().(string)
			if res == "processing" {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"errorCode": "500.001.1001", "errorMessage": "The transaction is being processed"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"ResultCode": res, "ResultDesc": "desc"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	gw, err := NewPushGateway(config.PushProviderConfig{BaseURL: srv.URL, ConsumerKey: "ck", ConsumerSecret: "cs", ShortCode: "174379", Passkey: "pk", CallbackURL: "https://svc.example/webhooks/push/", CallbackToken: "cb-token"})
	if err != nil {
		t.Fatal(err)
	}

	t.Run("should send the prompt and cache the token", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			res, err := gw.Initiate(ctx, adapter.InitiateRequest{OrderID: "o1", Tier: "VVIP", Amount: 150000, Currency: "KES", Metadata: map[string]string{"phone": "0712 345 678"}})
			if err != nil {
				t.Fatalf("expected no error, but got: %v", err)
			}
			if res.ProviderRef != "ws_CO_1" || res.Metadata["phone"] != "254712345678" {
				t.Errorf("unexpected result %+v", res)
			}
		}
		if n := atomic.LoadInt32(&authCalls); n != 1 {
			t.Errorf("expected one token request, got %d", n)
		}
	})

	t.Run("should require a phone number", func(t *testing.T) {
		_, err := gw.Initiate(ctx, adapter.InitiateRequest{OrderID: "o1", Amount: 100, Currency: "KES"})
		if !errors.Is(err, domain.ErrInvalidRequest) {
			t.Errorf("expected ErrInvalidRequest, got %v", err)
		}
	})

	t.Run("should map query results", func(t *testing.T) {
		o := testOrder(model.ProviderPushToPay, "ws_CO_1")

		queryResult.Store("0")
		if v, err := gw.Verify(ctx, o, "QK1"); err != nil || !v.OK || v.Receipt != "QK1" {
			t.Errorf("expected paid, got %+v err=%v", v, err)
		}
		queryResult.Store("1032")
		if v, err := gw.Verify(ctx, o, "QK1"); err != nil || v.OK {
			t.Errorf("expected cancelled, got %+v err=%v", v, err)
		}
		queryResult.Store("processing")
		if _, err := gw.Verify(ctx, o, "QK1"); !errors.Is(err, domain.ErrProviderUnavailable) {
			t.Errorf("expected ErrProviderUnavailable while processing, got %v", err)
		}
	})
}

func TestCheckPushCallback(t *testing.T) {
	o := testOrder(model.ProviderPushToPay, "ws_CO_1")
	o.Amount = 149950
	o.Metadata = map[string]string{"phone": "254712345678"}

	if err := CheckPushCallback(o, 1500, "254712345678"); err != nil {
		t.Errorf("expected a matching callback to pass, got %v", err)
	}
	if err := CheckPushCallback(o, 1500, "0712345678"); err != nil {
		t.Errorf("expected local phone format to pass, got %v", err)
	}
	cases := map[string]struct {
		amount float64
		phone  string
	}{
		"short amount": {1499, "254712345678"},
		"no amount":    {-1, "254712345678"},
		"other phone":  {1500, "254700000000"},
		"no phone":     {1500, ""},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			if err := CheckPushCallback(o, c.amount, c.phone); !errors.Is(err, domain.ErrTransactionMismatch) {
				t.Errorf("expected ErrTransactionMismatch, got %v", err)
			}
		})
	}

	t.Run("order without a recorded phone", func(t *testing.T) {
		bare := testOrder(model.ProviderPushToPay, "ws_CO_1")
		if err := CheckPushCallback(bare, 1500, "254712345678"); !errors.Is(err, domain.ErrTransactionMismatch) {
			t.Errorf("expected ErrTransactionMismatch, got %v", err)
		}
	})
}

func TestWalletGateway(t *testing.T) {
	ctx := context.Background()
	var payment atomic.Value
	payment.Store(walletPayment{ID: "w1", Status: "succeeded", Amount: 150000, Currency: "KES", TransactionID: "tx1"})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/payments":
			writeJSON(w, http.StatusCreated, walletPayment{ID: "w1", Status: "pending", CheckoutURL: "https://wallet.example/w1"})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/payments/w1":
			writeJSON(w, http.StatusOK, payment.Load())
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	gw, _ := NewWalletGateway(config.WalletProviderConfig{BaseURL: srv.URL, APIKey: "key"})

	res, err := gw.Initiate(ctx, adapter.InitiateRequest{OrderID: "o1", UserID: "u1", Amount: 150000, Currency: "KES"})
	if err != nil || res.ProviderRef != "w1" || res.Metadata["checkout_url"] == "" {
		t.Fatalf("unexpected initiate %+v err=%v", res, err)
	}

	o := testOrder(model.ProviderWalletPay, "w1")
	cases := []struct {
		name    string
		payment walletPayment
		tx      string
		ok      bool
		wantErr error
	}{
		{"succeeded", walletPayment{ID: "w1", Status: "succeeded", Amount: 150000, Currency: "kes", TransactionID: "tx1"}, "tx1", true, nil},
		{"amount mismatch", walletPayment{ID: "w1", Status: "succeeded", Amount: 100, Currency: "KES"}, "tx1", false, nil},
		{"foreign transaction", walletPayment{ID: "w1", Status: "succeeded", Amount: 150000, Currency: "KES", TransactionID: "tx9"}, "tx1", false, nil},
		{"failed", walletPayment{ID: "w1", Status: "failed", FailureReason: "card declined"}, "tx1", false, nil},
		{"pending", walletPayment{ID: "w1", Status: "pending"}, "tx1", false, domain.ErrProviderUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payment.Store(tc.payment)
			v, err := gw.Verify(ctx, o, tc.tx)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil || v.OK != tc.ok {
				t.Errorf("expected ok=%v, got %+v err=%v", tc.ok, v, err)
			}
		})
	}

	bad, _ := NewWalletGateway(config.WalletProviderConfig{BaseURL: srv.URL, APIKey: "wrong"})
	if _, err := bad.Initiate(ctx, adapter.InitiateRequest{OrderID: "o1", Amount: 1, Currency: "KES"}); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("expected 401 to map to ErrInvalidRequest, got %v", err)
	}
}

func TestManualReferenceGateway(t *testing.T) {
	ctx := context.Background()
	gw, err := NewManualReferenceGateway(config.ManualProviderConfig{TillNumber: "555123", AccountName: "Acme"})
	if err != nil {
		t.Fatal(err)
	}
	res, _ := gw.Initiate(ctx, adapter.InitiateRequest{OrderID: "o1", Amount: 150050, Currency: "KES"})
	if res.ProviderRef != "" || res.Metadata["till_number"] != "555123" || res.Metadata["amount"] != "1500.50 KES" {
		t.Errorf("unexpected initiate result %+v", res)
	}

	if v, _ := gw.Verify(ctx, testOrder(model.ProviderManualReference, ""), "qk7r2x9abc"); !v.OK || v.Receipt != "QK7R2X9ABC" {
		t.Errorf("expected a well-formed code to pass, got %+v", v)
	}
	if v, _ := gw.Verify(ctx, testOrder(model.ProviderManualReference, ""), "short"); v.OK {
		t.Error("expected a malformed code to fail")
	}
	if v, _ := gw.Verify(ctx, testOrder(model.ProviderManualReference, "QK7R2X9ABC"), "ZZ7R2X9ABC"); v.OK {
		t.Error("expected a code different from the attached reference to fail")
	}
}

func TestNoopPaymentGateway(t *testing.T) {
	ctx := context.Background()
	gw := NewNoopPaymentGateway(model.ProviderPushToPay)
	res, _ := gw.Initiate(ctx, adapter.InitiateRequest{OrderID: "o1", Amount: 150000})
	o := testOrder(model.ProviderPushToPay, res.ProviderRef)
	if v, _ := gw.Verify(ctx, o, "tx1"); !v.OK {
		t.Errorf("expected noop verification to pass, got %+v", v)
	}
	gw.Decline("tx2")
	if v, _ := gw.Verify(ctx, o, "tx2"); v.OK {
		t.Error("expected declined transaction to fail")
	}

	manual := NewNoopPaymentGateway(model.ProviderManualReference)
	if res, _ := manual.Initiate(ctx, adapter.InitiateRequest{OrderID: "o1"}); res.ProviderRef != "" {
		t.Errorf("expected manual noop to return no reference, got %q", res.ProviderRef)
	}
}

func TestPayloadSignature(t *testing.T) {
	body := []byte(`{"order_id":"o1"}`)
	sig := SignPayload("whsec", body)
	if !VerifyPayloadSignature("whsec", body, sig) || !VerifyPayloadSignature("whsec", body, "sha256="+strings.ToUpper(sig)) {
		t.Error("expected signature to verify")
	}
	if VerifyPayloadSignature("whsec", []byte(`{"order_id":"o2"}`), sig) {
		t.Error("expected tampered body to fail")
	}
	if VerifyPayloadSignature("", body, sig) || VerifyPayloadSignature("whsec", body, "zz") {
		t.Error("expected empty secret or bad hex to fail")
	}
}

