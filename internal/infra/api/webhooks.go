package api

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"subscription-payments/internal/domain/model"
	"subscription-payments/internal/infra/adapters/payment"
	"subscription-payments/internal/infra/logging"
	"subscription-payments/internal/infra/metrics"
	"subscription-payments/internal/usecase"
)

const (
	signatureHeader = "X-Signature"
	maxWebhookBody  = 64 << 10
)

// STK push result callback.
type pushCallback struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string `json:"Name"`
					Value any    `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

func (c pushCallback) item(name string) string {
	for _, it := range c.Body.StkCallback.CallbackMetadata.Item {
		if it.Name == name && it.Value != nil {
			return fmt.Sprint(it.Value)
		}
	}
	return ""
}

func (c pushCallback) receipt() string { return c.item("MpesaReceiptNumber") }

// amount is the paid amount in whole units, or -1 when absent.
func (c pushCallback) amount() float64 {
	v, err := strconv.ParseFloat(c.item("Amount"), 64)
	if err != nil {
		return -1
	}
	return v
}

type manualCallback struct {
	OrderID string `json:"order_id"`
	Receipt string `json:"receipt"`
}

type walletCallback struct {
	PaymentID     string `json:"payment_id"`
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
}

func (s *Server) handlePushCallback(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	provider := string(model.ProviderPushToPay)

	// the push API signs nothing; the callback URL carries a path token instead
	if s.opts.PushToken != "" && subtle.ConstantTimeCompare([]byte(chi.URLParam(r, "token")), []byte(s.opts.PushToken)) != 1 {
		metrics.ObserveWebhook(provider, "unauthorized", time.Since(start).Seconds())
		logging.With(r.Context(), s.log).Warn().Str("provider", provider).Msg("push callback token rejected")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	dec := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody))
	dec.UseNumber()
	var cb pushCallback
	if err := dec.Decode(&cb); err != nil || cb.Body.StkCallback.CheckoutRequestID == "" {
		metrics.ObserveWebhook(provider, "bad_request", time.Since(start).Seconds())
		http.Error(w, "invalid callback", http.StatusBadRequest)
		return
	}
	ack := func(status int) {
		// the push API only wants an acknowledgement
		writeJSON(w, status, map[string]any{"ResultCode": 0, "ResultDesc": "Accepted"})
	}
	ref := cb.Body.StkCallback.CheckoutRequestID
	key := model.ByProviderRef(model.ProviderPushToPay, ref)
	tx := cb.receipt()
	if tx == "" {
		// failed pushes carry no receipt; verification settles them by the checkout id
		tx = ref
	} else {
		o, err := s.uc.GetOrder(r.Context(), key)
		if err == nil {
			err = payment.CheckPushCallback(o, cb.amount(), cb.item("PhoneNumber"))
		}
		if err != nil {
			s.ackWebhook(w, r, provider, start, nil, err, ack)
			return
		}
	}

	res, err := s.uc.VerifyAndActivatePayment(r.Context(), key, tx)
	s.ackWebhook(w, r, provider, start, res, err, ack)
}

func (s *Server) handleRedirectCallback(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	provider := string(model.ProviderRedirectCheckout)
	if err := r.ParseForm(); err != nil {
		metrics.ObserveWebhook(provider, "bad_request", time.Since(start).Seconds())
		renderResult(w, http.StatusBadRequest, false, "malformed callback")
		return
	}
	authority := strings.TrimSpace(r.Form.Get("Authority"))
	if authority == "" {
		metrics.ObserveWebhook(provider, "bad_request", time.Since(start).Seconds())
		renderResult(w, http.StatusBadRequest, false, "missing Authority")
		return
	}

	key := model.ByProviderRef(model.ProviderRedirectCheckout, authority)
	if state := r.Form.Get("state"); state != "" && s.opts.States != nil {
		if orderID, err := s.opts.States.Parse(state); err == nil {
			key = model.ByOrderID(orderID)
		} else {
			logging.With(r.Context(), s.log).Warn().Err(err).Msg("ignoring invalid redirect state")
		}
	}

	res, err := s.uc.VerifyAndActivatePayment(r.Context(), key, authority)
	s.ackWebhook(w, r, provider, start, res, err, func(status int) {
		switch {
		case err == nil && res.State == model.OrderStateActivated:
			renderResult(w, status, true, "Payment verified. Your subscription is now active.")
		case err == nil:
			renderResult(w, status, true, "Payment verified. Your subscription will be activated shortly.")
		case status != http.StatusOK:
			renderResult(w, status, false, "We could not confirm your payment yet. Please refresh in a moment.")
		default:
			renderResult(w, status, false, "Payment was not completed.")
		}
	})
}

func (s *Server) handleManualCallback(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	provider := string(model.ProviderManualReference)

	body, ok := s.readSigned(w, r, provider, start, s.opts.ManualSecret)
	if !ok {
		return
	}
	var cb manualCallback
	if err := json.Unmarshal(body, &cb); err != nil || cb.OrderID == "" || strings.TrimSpace(cb.Receipt) == "" {
		metrics.ObserveWebhook(provider, "bad_request", time.Since(start).Seconds())
		http.Error(w, "invalid callback", http.StatusBadRequest)
		return
	}
	receipt := strings.ToUpper(strings.TrimSpace(cb.Receipt))

	ctx := r.Context()
	var res *usecase.VerifyResult
	_, err := s.uc.AttachProviderRef(ctx, cb.OrderID, receipt)
	if err == nil {
		res, err = s.uc.VerifyAndActivatePayment(ctx, model.ByOrderID(cb.OrderID), receipt)
	}
	s.ackWebhook(w, r, provider, start, res, err, nil)
}

func (s *Server) handleWalletCallback(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	provider := string(model.ProviderWalletPay)

	body, ok := s.readSigned(w, r, provider, start, s.opts.WalletSecret)
	if !ok {
		return
	}
	var cb walletCallback
	if err := json.Unmarshal(body, &cb); err != nil || cb.PaymentID == "" || cb.TransactionID == "" {
		metrics.ObserveWebhook(provider, "bad_request", time.Since(start).Seconds())
		http.Error(w, "invalid callback", http.StatusBadRequest)
		return
	}
	res, err := s.uc.VerifyAndActivatePayment(r.Context(), model.ByProviderRef(model.ProviderWalletPay, cb.PaymentID), cb.TransactionID)
	s.ackWebhook(w, r, provider, start, res, err, nil)
}

// readSigned returns the body when its HMAC matches the signature header.
func (s *Server) readSigned(w http.ResponseWriter, r *http.Request, provider string, start time.Time, secret string) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		metrics.ObserveWebhook(provider, "bad_request", time.Since(start).Seconds())
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return nil, false
	}
	if !payment.VerifyPayloadSignature(secret, body, r.Header.Get(signatureHeader)) {
		metrics.ObserveWebhook(provider, "unauthorized", time.Since(start).Seconds())
		logging.With(r.Context(), s.log).Warn().Str("provider", provider).Msg("webhook signature rejected")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return nil, false
	}
	return body, true
}

// ackWebhook records the outcome and answers the provider. write, when set,
// renders a provider specific body; otherwise the engine result is sent as JSON.
func (s *Server) ackWebhook(w http.ResponseWriter, r *http.Request, provider string, start time.Time, res *usecase.VerifyResult, err error, write func(status int)) {
	status, result := webhookStatus(err)
	metrics.ObserveWebhook(provider, result, time.Since(start).Seconds())

	l := logging.With(r.Context(), s.log)
	switch {
	case err == nil:
		l.Info().Str("provider", provider).Str("order_id", res.OrderID).Str("state", string(res.State)).Bool("replayed", res.Replayed).Msg("webhook handled")
	case result == "retry":
		l.Warn().Err(err).Str("provider", provider).Msg("webhook deferred")
	default:
		l.Info().Err(err).Str("provider", provider).Msg("webhook settled without activation")
	}

	if write != nil {
		write(status)
		return
	}
	if err != nil {
		writeError(w, status, err)
		return
	}
	writeJSON(w, status, res)
}

var page = template.Must(template.New("cb").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8" />
<meta name="viewport" content="width=device-width,initial-scale=1" />
<title>Payment {{if .OK}}Success{{else}}Result{{end}}</title>
<style>
body{font-family:system-ui,Arial,sans-serif;margin:2rem;}
.card{max-width:560px;border:1px solid #ddd;border-radius:12px;padding:24px;}
.ok{color:#057a55} .fail{color:#b00020}
</style>
</head>
<body>
<div class="card">
  <h2 class="{{if .OK}}ok{{else}}fail{{end}}">{{if .OK}}✅ Payment Successful{{else}}⚠️ Payment Not Confirmed{{end}}</h2>
  <p>{{.Msg}}</p>
</div>
</body>
</html>`))

func renderResult(w http.ResponseWriter, code int, ok bool, msg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	_ = page.Execute(w, struct {
		OK  bool
		Msg string
	}{OK: ok, Msg: msg})
}
