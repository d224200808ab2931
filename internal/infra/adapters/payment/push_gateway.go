// File: internal/infra/adapters/payment/push_gateway.go
package payment

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"subscription-payments/internal/config"
	"subscription-payments/internal/domain"
	"subscription-payments/internal/domain/model"
	"subscription-payments/internal/domain/ports/adapter"
)

var _ adapter.PaymentGateway = (*PushGateway)(nil)

// Result codes of the push status query.
const (
	pushResultPaid      = "0"
	pushResultCancelled = "1032"
	// the query endpoint answers 500 with this code while the customer has
	// not yet acted on the prompt
	pushStillProcessing = "500.001.1001"
)

// PushGateway implements PUSH_TO_PAY on an STK-push API: initiate sends a
// payment prompt to the customer's phone, verify queries the prompt's outcome.
// The OAuth client-credentials token is cached until shortly before expiry.
type PushGateway struct {
	baseURL        string
	consumerKey    string
	consumerSecret string
	shortCode      string
	passkey        string
	callback       string
	client         *http.Client
	now            func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewPushGateway(cfg config.PushProviderConfig) (*PushGateway, error) {
	if cfg.BaseURL == "" || cfg.ConsumerKey == "" || cfg.ShortCode == "" {
		return nil, errors.New("push gateway requires base_url, consumer_key and short_code")
	}
	callback := cfg.CallbackURL
	if cfg.CallbackToken != "" {
		callback = strings.TrimRight(callback, "/") + "/" + cfg.CallbackToken
	}
	return &PushGateway{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		consumerKey:    cfg.ConsumerKey,
		consumerSecret: cfg.ConsumerSecret,
		shortCode:      cfg.ShortCode,
		passkey:        cfg.Passkey,
		callback:       callback,
		client:         &http.Client{Timeout: defaultTimeout},
		now:            time.Now,
	}, nil
}

func (g *PushGateway) Kind() model.Provider { return model.ProviderPushToPay }

func (g *PushGateway) accessToken(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.token != "" && g.now().Before(g.tokenExpiry.Add(-time.Minute)) {
		return g.token, nil
	}

	basic := base64.StdEncoding.EncodeToString([]byte(g.consumerKey + ":" + g.consumerSecret))
	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	err := doJSON(ctx, g.client, http.MethodGet, g.baseURL+"/oauth/v1/generate?grant_type=client_credentials",
		map[string]string{"Authorization": "Basic " + basic}, nil, &out)
	if err != nil {
		// a rejected credential is still an outage from the caller's point of view
		if !errors.Is(err, domain.ErrProviderUnavailable) {
			return "", fmt.Errorf("push auth: %v: %w", err, domain.ErrProviderUnavailable)
		}
		return "", fmt.Errorf("push auth: %w", err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("push auth: empty token: %w", domain.ErrProviderUnavailable)
	}
	ttl := time.Hour
	if secs, err := strconv.Atoi(out.ExpiresIn); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	g.token = out.AccessToken
	g.tokenExpiry = g.now().Add(ttl)
	return g.token, nil
}

func (g *PushGateway) password(ts string) string {
	return base64.StdEncoding.EncodeToString([]byte(g.shortCode + g.passkey + ts))
}

// wholeUnits converts minor units to the whole-unit amount the API expects, rounding up.
func wholeUnits(minor int64) int64 { return (minor + 99) / 100 }

func (g *PushGateway) Initiate(ctx context.Context, req adapter.InitiateRequest) (adapter.InitiateResult, error) {
	phone := normalizePhone(req.Metadata["phone"])
	if phone == "" {
		return adapter.InitiateResult{}, fmt.Errorf("phone number required: %w", domain.ErrInvalidRequest)
	}
	if req.Amount <= 0 {
		return adapter.InitiateResult{}, fmt.Errorf("amount %d: %w", req.Amount, domain.ErrInvalidRequest)
	}
	token, err := g.accessToken(ctx)
	if err != nil {
		return adapter.InitiateResult{}, err
	}

	ts := g.now().Format("20060102150405")
	payload := map[string]any{
		"BusinessShortCode": g.shortCode,
		"Password":          g.password(ts),
		"Timestamp":         ts,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            wholeUnits(req.Amount),
		"PartyA":            phone,
		"PartyB":            g.shortCode,
		"PhoneNumber":       phone,
		"CallBackURL":       g.callback,
		"AccountReference":  req.OrderID,
		"TransactionDesc":   string(req.Tier) + " subscription",
	}
	var out struct {
		MerchantRequestID string `json:"MerchantRequestID"`
		CheckoutRequestID string `json:"CheckoutRequestID"`
		ResponseCode      string `json:"ResponseCode"`
		ResponseDesc      string `json:"ResponseDescription"`
		CustomerMessage   string `json:"CustomerMessage"`
	}
	err = doJSON(ctx, g.client, http.MethodPost, g.baseURL+"/mpesa/stkpush/v1/processrequest",
		map[string]string{"Authorization": "Bearer " + token}, payload, &out)
	if err != nil {
		return adapter.InitiateResult{}, err
	}
	if out.ResponseCode != "0" || out.CheckoutRequestID == "" {
		return adapter.InitiateResult{}, fmt.Errorf("push rejected: %s: %w", out.ResponseDesc, domain.ErrInvalidRequest)
	}
	return adapter.InitiateResult{
		ProviderRef: out.CheckoutRequestID,
		Metadata: map[string]string{
			"phone":               phone,
			"merchant_request_id": out.MerchantRequestID,
			"customer_message":    out.CustomerMessage,
		},
	}, nil
}

// Verify queries the prompt identified by the order's CheckoutRequestID.
// transactionID is the receipt number the callback carried.
func (g *PushGateway) Verify(ctx context.Context, o *model.Order, transactionID string) (adapter.Verification, error) {
	if o.ProviderRef == "" {
		return adapter.Verification{OK: false, Reason: "order has no checkout request"}, nil
	}
	token, err := g.accessToken(ctx)
	if err != nil {
		return adapter.Verification{}, err
	}
	ts := g.now().Format("20060102150405")
	payload := map[string]any{
		"BusinessShortCode": g.shortCode,
		"Password":          g.password(ts),
		"Timestamp":         ts,
		"CheckoutRequestID": o.ProviderRef,
	}
	var out struct {
		ResultCode string `json:"ResultCode"`
		ResultDesc string `json:"ResultDesc"`
	}
	err = doJSON(ctx, g.client, http.MethodPost, g.baseURL+"/mpesa/stkpushquery/v1/query",
		map[string]string{"Authorization": "Bearer " + token}, payload, &out)
	var apiErr *apiError
	if errors.As(err, &apiErr) && strings.Contains(apiErr.Body, pushStillProcessing) {
		return adapter.Verification{}, fmt.Errorf("push %s still processing: %w", o.ProviderRef, domain.ErrProviderUnavailable)
	}
	if err != nil {
		return adapter.Verification{}, err
	}
	switch out.ResultCode {
	case pushResultPaid:
		return adapter.Verification{OK: true, Receipt: transactionID}, nil
	case pushResultCancelled:
		return adapter.Verification{OK: false, Reason: "cancelled by customer"}, nil
	default:
		return adapter.Verification{OK: false, Reason: fmt.Sprintf("result %s: %s", out.ResultCode, out.ResultDesc)}, nil
	}
}

// CheckPushCallback compares what a paid push callback reports against the
// order: the amount in whole units and the phone the prompt was sent to.
func CheckPushCallback(o *model.Order, amount float64, phone string) error {
	if want := wholeUnits(o.Amount); amount != float64(want) {
		return fmt.Errorf("push callback amount %v, order expects %d: %w", amount, want, domain.ErrTransactionMismatch)
	}
	want := o.Metadata["phone"]
	if got := normalizePhone(phone); want == "" || got != want {
		return fmt.Errorf("push callback from an unexpected account: %w", domain.ErrTransactionMismatch)
	}
	return nil
}

// normalizePhone turns 07XXXXXXXX, +2547XXXXXXXX and 2547XXXXXXXX into 2547XXXXXXXX.
// Anything else returns "".
func normalizePhone(s string) string {
	s = strings.NewReplacer(" ", "", "-", "", "+", "").Replace(strings.TrimSpace(s))
	if strings.HasPrefix(s, "0") && len(s) == 10 {
		s = "254" + s[1:]
	}
	if len(s) != 12 || !strings.HasPrefix(s, "254") {
		return ""
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return s
}
