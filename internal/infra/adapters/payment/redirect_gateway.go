// File: internal/infra/adapters/payment/redirect_gateway.go
package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"subscription-payments/internal/config"
	"subscription-payments/internal/domain"
	"subscription-payments/internal/domain/model"
	"subscription-payments/internal/domain/ports/adapter"
)

var _ adapter.PaymentGateway = (*RedirectGateway)(nil)

// RedirectGateway implements REDIRECT_CHECKOUT on a ZarinPal-style REST v4 API:
// request.json returns an authority the user is redirected with, verify.json
// settles it once the user returns to the callback.
type RedirectGateway struct {
	merchantID  string
	baseURL     string
	startPayURL string
	callback    string
	states      *StateTokens
	client      *http.Client
}

func NewRedirectGateway(cfg config.RedirectProviderConfig, states *StateTokens) (*RedirectGateway, error) {
	if cfg.MerchantID == "" {
		return nil, errors.New("merchant id empty")
	}
	if _, err := url.ParseRequestURI(cfg.CallbackURL); err != nil {
		return nil, fmt.Errorf("invalid callback url: %w", err)
	}
	if states == nil {
		return nil, errors.New("state tokens required")
	}
	base, startPay := cfg.BaseURL, cfg.StartPayURL
	if base == "" {
		base = "https://api.zarinpal.com/pg/v4"
		if cfg.Sandbox {
			base = "https://sandbox.zarinpal.com/pg/v4"
		}
	}
	if startPay == "" {
		startPay = "https://www.zarinpal.com/pg/StartPay/"
		if cfg.Sandbox {
			startPay = "https://sandbox.zarinpal.com/pg/StartPay/"
		}
	}
	return &RedirectGateway{
		merchantID:  cfg.MerchantID,
		baseURL:     strings.TrimRight(base, "/"),
		startPayURL: startPay,
		callback:    cfg.CallbackURL,
		states:      states,
		client:      &http.Client{Timeout: defaultTimeout},
	}, nil
}

func (g *RedirectGateway) Kind() model.Provider { return model.ProviderRedirectCheckout }

func (g *RedirectGateway) callbackFor(orderID string) (string, error) {
	state, err := g.states.Sign(orderID)
	if err != nil {
		return "", err
	}
	u, _ := url.Parse(g.callback)
	q := u.Query()
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (g *RedirectGateway) Initiate(ctx context.Context, req adapter.InitiateRequest) (adapter.InitiateResult, error) {
	if req.Amount <= 0 {
		return adapter.InitiateResult{}, fmt.Errorf("amount %d: %w", req.Amount, domain.ErrInvalidRequest)
	}
	callback, err := g.callbackFor(req.OrderID)
	if err != nil {
		return adapter.InitiateResult{}, fmt.Errorf("sign state: %w", err)
	}
	payload := map[string]any{
		"merchant_id":  g.merchantID,
		"amount":       req.Amount,
		"currency":     req.Currency,
		"description":  fmt.Sprintf("%s subscription", req.Tier),
		"callback_url": callback,
		"metadata":     map[string]string{"order_id": req.OrderID},
	}
	if m := req.Metadata["mobile"]; m != "" {
		payload["metadata"] = map[string]string{"order_id": req.OrderID, "mobile": m}
	}
	var out struct {
		Data struct {
			Authority string `json:"authority"`
			Code      int    `json:"code"`
			Message   string `json:"message"`
		} `json:"data"`
	}
	if err := doJSON(ctx, g.client, http.MethodPost, g.baseURL+"/payment/request.json", nil, payload, &out); err != nil {
		return adapter.InitiateResult{}, err
	}
	if out.Data.Code != 100 || out.Data.Authority == "" {
		return adapter.InitiateResult{}, fmt.Errorf("redirect request code %d: %w", out.Data.Code, domain.ErrInvalidRequest)
	}
	return adapter.InitiateResult{
		ProviderRef: out.Data.Authority,
		Metadata: map[string]string{
			"checkout_url": g.startPayURL + out.Data.Authority,
			"authority":    out.Data.Authority,
		},
	}, nil
}

// Verify settles the authority. transactionID is the authority echoed on the
// callback; codes 100 and 101 (already verified) both confirm payment.
func (g *RedirectGateway) Verify(ctx context.Context, o *model.Order, transactionID string) (adapter.Verification, error) {
	if o.ProviderRef != "" && transactionID != o.ProviderRef {
		return adapter.Verification{OK: false, Reason: "authority does not match order"}, nil
	}
	payload := map[string]any{
		"merchant_id": g.merchantID,
		"amount":      o.Amount,
		"authority":   transactionID,
	}
	var out struct {
		Data struct {
			Code  int   `json:"code"`
			RefID int64 `json:"ref_id"`
		} `json:"data"`
	}
	err := doJSON(ctx, g.client, http.MethodPost, g.baseURL+"/payment/verify.json", nil, payload, &out)
	var apiErr *apiError
	if errors.As(err, &apiErr) && !errors.Is(err, domain.ErrProviderUnavailable) {
		// 4xx from verify means the authority was not paid
		return adapter.Verification{OK: false, Reason: fmt.Sprintf("verify http %d", apiErr.Status)}, nil
	}
	if err != nil {
		return adapter.Verification{}, err
	}
	if (out.Data.Code != 100 && out.Data.Code != 101) || out.Data.RefID == 0 {
		return adapter.Verification{OK: false, Reason: "verify code " + strconv.Itoa(out.Data.Code)}, nil
	}
	return adapter.Verification{OK: true, Receipt: strconv.FormatInt(out.Data.RefID, 10)}, nil
}

// StateTTL is how long a callback state token stays valid.
func StateTTL(orderTTL time.Duration) time.Duration { return orderTTL + 10*time.Minute }
