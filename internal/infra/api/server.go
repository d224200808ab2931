// Package api exposes provider webhooks and the operator API over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"subscription-payments/internal/domain"
	"subscription-payments/internal/infra/logging"
	"subscription-payments/internal/usecase"
)

// StateParser resolves the order id carried by a redirect callback.
type StateParser interface {
	Parse(token string) (string, error)
}

type Options struct {
	AdminAPIKey    string
	ManualSecret   string // HMAC key for /webhooks/manual
	WalletSecret   string // HMAC key for /webhooks/wallet
	PushToken      string // path token of /webhooks/push/{token}; empty accepts /webhooks/push
	RequestTimeout time.Duration
	States         StateParser // nil disables state tokens on /webhooks/redirect
	Metrics        http.Handler
}

type Server struct {
	uc   usecase.PaymentOrderUseCase
	opts Options
	log  *zerolog.Logger
}

func NewServer(uc usecase.PaymentOrderUseCase, opts Options, logger *zerolog.Logger) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = promhttp.Handler()
	}
	return &Server{uc: uc, opts: opts, log: logging.Component(logger, "api")}
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(TraceID(), RequestLog(s.log), Recover(s.log), Timeout(s.opts.RequestTimeout))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", s.opts.Metrics)

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/push", s.handlePushCallback)
		r.Post("/push/{token}", s.handlePushCallback)
		r.Get("/redirect", s.handleRedirectCallback)
		r.Post("/redirect", s.handleRedirectCallback)
		r.Post("/manual", s.handleManualCallback)
		r.Post("/wallet", s.handleWalletCallback)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(BearerAuth(s.opts.AdminAPIKey, s.log))
		r.Post("/orders", s.createOrder)
		r.Get("/orders/{key}", s.getOrder)
		r.Post("/orders/{key}/verify", s.verifyOrder)
		r.Post("/orders/{id}/activate", s.activateOrder)
		r.Get("/users/{userID}/pending", s.pendingOrder)
	})
	return r
}

type errorBody struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error(), Retryable: domain.IsRetryable(err)})
}

// statusFor maps engine errors for operator callers.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnknownOrder), errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnsupportedProvider):
		return http.StatusNotImplemented
	case errors.Is(err, domain.ErrTransactionMismatch),
		errors.Is(err, domain.ErrOrderClosed),
		errors.Is(err, domain.ErrProviderRefCollision),
		errors.Is(err, domain.ErrNotVerified):
		return http.StatusConflict
	case errors.Is(err, domain.ErrOrderExpired):
		return http.StatusGone
	case errors.Is(err, domain.ErrVerificationFailed):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrActivationInProgress):
		return http.StatusAccepted
	case errors.Is(err, domain.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// webhookStatus asks the provider to redeliver only when a retry can change the outcome.
func webhookStatus(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusOK, "ok"
	case domain.IsRetryable(err):
		return http.StatusServiceUnavailable, "retry"
	}
	return http.StatusOK, "terminal"
}
