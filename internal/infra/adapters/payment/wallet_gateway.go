package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"subscription-payments/internal/config"
	"subscription-payments/internal/domain"
	"subscription-payments/internal/domain/model"
	"subscription-payments/internal/domain/ports/adapter"
)

var _ adapter.PaymentGateway = (*WalletGateway)(nil)

// WalletGateway implements WALLET_PAY against a payments REST API keyed by X-API-Key.
type WalletGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewWalletGateway(cfg config.WalletProviderConfig) (*WalletGateway, error) {
	if cfg.BaseURL == "" || cfg.APIKey == "" {
		return nil, errors.New("wallet gateway requires base_url and api_key")
	}
	return &WalletGateway{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: defaultTimeout},
	}, nil
}

func (g *WalletGateway) Kind() model.Provider { return model.ProviderWalletPay }

func (g *WalletGateway) headers() map[string]string {
	return map[string]string{"X-API-Key": g.apiKey}
}

type walletPayment struct {
	ID            string `json:"id"`
	Status        string `json:"status"` // pending|succeeded|failed
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	TransactionID string `json:"transaction_id"`
	CheckoutURL   string `json:"checkout_url"`
	FailureReason string `json:"failure_reason"`
}

func (g *WalletGateway) Initiate(ctx context.Context, req adapter.InitiateRequest) (adapter.InitiateResult, error) {
	if req.Amount <= 0 || req.Currency == "" {
		return adapter.InitiateResult{}, fmt.Errorf("amount and currency required: %w", domain.ErrInvalidRequest)
	}
	payload := map[string]any{
		"amount":      req.Amount,
		"currency":    req.Currency,
		"reference":   req.OrderID,
		"customer_id": req.UserID,
		"description": string(req.Tier) + " subscription",
	}
	var out walletPayment
	if err := doJSON(ctx, g.client, http.MethodPost, g.baseURL+"/v1/payments", g.headers(), payload, &out); err != nil {
		return adapter.InitiateResult{}, err
	}
	if out.ID == "" {
		return adapter.InitiateResult{}, fmt.Errorf("wallet returned no payment id: %w", domain.ErrProviderUnavailable)
	}
	meta := map[string]string{"payment_id": out.ID}
	if out.CheckoutURL != "" {
		meta["checkout_url"] = out.CheckoutURL
	}
	return adapter.InitiateResult{ProviderRef: out.ID, Metadata: meta}, nil
}

// Verify fetches the wallet payment and checks status, amount and transaction.
// A payment still pending is reported as unavailable so the caller retries.
func (g *WalletGateway) Verify(ctx context.Context, o *model.Order, transactionID string) (adapter.Verification, error) {
	if o.ProviderRef == "" {
		return adapter.Verification{OK: false, Reason: "order has no wallet payment"}, nil
	}
	var p walletPayment
	err := doJSON(ctx, g.client, http.MethodGet, g.baseURL+"/v1/payments/"+url.PathEscape(o.ProviderRef), g.headers(), nil, &p)
	if err != nil {
		return adapter.Verification{}, err
	}
	switch strings.ToLower(p.Status) {
	case "succeeded":
	case "pending", "processing":
		return adapter.Verification{}, fmt.Errorf("wallet payment %s still %s: %w", p.ID, p.Status, domain.ErrProviderUnavailable)
	default:
		reason := p.FailureReason
		if reason == "" {
			reason = "status " + p.Status
		}
		return adapter.Verification{OK: false, Reason: reason}, nil
	}
	if p.Amount != o.Amount || !strings.EqualFold(p.Currency, o.Currency) {
		return adapter.Verification{OK: false, Reason: fmt.Sprintf("paid %d %s, expected %d %s", p.Amount, p.Currency, o.Amount, o.Currency)}, nil
	}
	if p.TransactionID != "" && p.TransactionID != transactionID {
		return adapter.Verification{OK: false, Reason: "transaction does not match payment"}, nil
	}
	return adapter.Verification{OK: true, Receipt: p.ID}, nil
}
