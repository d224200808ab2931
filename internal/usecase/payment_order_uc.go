// File: internal/usecase/payment_order_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"subscription-payments/internal/domain"
	"subscription-payments/internal/domain/model"
	"subscription-payments/internal/domain/ports/adapter"
	"subscription-payments/internal/domain/ports/repository"
	"subscription-payments/internal/infra/logging"
	"subscription-payments/internal/infra/metrics"
)

// Compile-time check
var _ PaymentOrderUseCase = (*paymentOrderUC)(nil)

// PaymentOrderUseCase creates payment orders and drives them to activation exactly once.
type PaymentOrderUseCase interface {
	CreatePaymentOrder(ctx context.Context, userID string, tier model.Tier, provider model.Provider, region string, metadata map[string]string) (*CreateResult, error)
	// VerifyAndActivatePayment is safe to call any number of times, concurrently,
	// for the same order and transaction.
	VerifyAndActivatePayment(ctx context.Context, key model.OrderKey, transactionID string) (*VerifyResult, error)
	// AttachProviderRef records a reference the provider reported after creation.
	AttachProviderRef(ctx context.Context, orderID, providerRef string) (*model.Order, error)
	// RetryActivation re-runs the activation sink for an order left VERIFIED.
	RetryActivation(ctx context.Context, orderID string) (*VerifyResult, error)
	GetOrder(ctx context.Context, key model.OrderKey) (*model.Order, error)
	PendingOrder(ctx context.Context, userID string) (*model.Order, error)
}

type CreateResult struct {
	OrderID     string            `json:"order_id"`
	ProviderRef string            `json:"provider_ref,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ExpiresAt   time.Time         `json:"expires_at"`
}

type VerifyResult struct {
	OrderID string           `json:"order_id"`
	State   model.OrderState `json:"state"`
	// Replayed is set when the order was already ACTIVATED by the same transaction.
	Replayed bool `json:"replayed,omitempty"`
}

// EngineConfig tunes timing. Zero values fall back to the defaults below.
type EngineConfig struct {
	OrderTTL         time.Duration
	ActivationLease  time.Duration
	ConvergeAttempts int
	ConvergeInterval time.Duration
	Clock            func() time.Time
	NewID            func() string
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.OrderTTL <= 0 {
		c.OrderTTL = 30 * time.Minute
	}
	if c.ActivationLease <= 0 {
		c.ActivationLease = 30 * time.Second
	}
	if c.ConvergeAttempts <= 0 {
		c.ConvergeAttempts = 5
	}
	if c.ConvergeInterval <= 0 {
		c.ConvergeInterval = 100 * time.Millisecond
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.NewID == nil {
		c.NewID = func() string { return ulid.Make().String() }
	}
	return c
}

type noopReporter struct{}

func (noopReporter) ReportStuck(string) {}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, adapter.OrderEvent) error { return nil }

type paymentOrderUC struct {
	orders   repository.OrderStore
	gateways map[model.Provider]adapter.PaymentGateway
	sink     adapter.ActivationSink
	pricing  model.PriceBook
	events   adapter.EventPublisher
	stuck    adapter.StuckActivationReporter
	cfg      EngineConfig
	tracer   trace.Tracer
	log      *zerolog.Logger
}

// NewPaymentOrderUseCase binds each gateway to the provider kind it reports.
// A nil events publisher disables lifecycle events.
func NewPaymentOrderUseCase(
	orders repository.OrderStore,
	gateways []adapter.PaymentGateway,
	sink adapter.ActivationSink,
	pricing model.PriceBook,
	events adapter.EventPublisher,
	cfg EngineConfig,
	logger *zerolog.Logger,
) *paymentOrderUC {
	table := make(map[model.Provider]adapter.PaymentGateway, len(gateways))
	for _, g := range gateways {
		table[g.Kind()] = g
	}
	if events == nil {
		events = noopPublisher{}
	}
	return &paymentOrderUC{
		orders:   orders,
		gateways: table,
		sink:     sink,
		pricing:  pricing,
		events:   events,
		stuck:    noopReporter{},
		cfg:      cfg.withDefaults(),
		tracer:   otel.Tracer("subscription-payments/usecase"),
		log:      logging.Component(logger, "payment_order"),
	}
}

// SetStuckReporter wires the activation retrier after construction, since the
// retrier itself calls back into this use case.
func (u *paymentOrderUC) SetStuckReporter(r adapter.StuckActivationReporter) {
	if r != nil {
		u.stuck = r
	}
}

func (u *paymentOrderUC) CreatePaymentOrder(ctx context.Context, userID string, tier model.Tier, provider model.Provider, region string, metadata map[string]string) (res *CreateResult, err error) {
	defer logging.TraceDuration(u.log, "PaymentOrderUC.CreatePaymentOrder")()
	ctx, span := u.tracer.Start(ctx, "PaymentOrder.Create", trace.WithAttributes(
		attribute.String("order.provider", string(provider)),
		attribute.String("order.tier", string(tier)),
	))
	defer func() { endSpan(span, err) }()

	userID = strings.TrimSpace(userID)
	tier = model.NormalizeTier(string(tier))
	region = strings.ToUpper(strings.TrimSpace(region))
	if userID == "" || tier == "" {
		return nil, fmt.Errorf("user and tier are required: %w", domain.ErrInvalidRequest)
	}
	ctx = logging.WithUserID(ctx, userID)
	if !provider.Valid() {
		return nil, fmt.Errorf("provider %q: %w", provider, domain.ErrInvalidRequest)
	}
	gw, ok := u.gateways[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s: %w", provider, domain.ErrUnsupportedProvider)
	}
	price, err := u.pricing.Lookup(tier, region)
	if err != nil {
		metrics.IncOrderCreateFailure(string(provider), "pricing")
		return nil, err
	}

	orderID := u.cfg.NewID()
	ctx = logging.WithOrderID(ctx, orderID)
	span.SetAttributes(attribute.String("order.id", orderID))
	log := logging.With(ctx, u.log)

	start := time.Now()
	started, err := gw.Initiate(ctx, adapter.InitiateRequest{
		OrderID:  orderID,
		UserID:   userID,
		Tier:     tier,
		Region:   region,
		Amount:   price.Amount,
		Currency: price.Currency,
		Metadata: metadata,
	})
	metrics.ObserveProviderCall(string(provider), "initiate", time.Since(start).Seconds(), err == nil)
	if err != nil {
		metrics.IncOrderCreateFailure(string(provider), failureReason(err))
		log.Warn().Err(err).Str("provider", string(provider)).Msg("provider initiate failed")
		if errors.Is(err, domain.ErrInvalidRequest) || errors.Is(err, domain.ErrProviderUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("initiate %s: %v: %w", provider, err, domain.ErrProviderUnavailable)
	}

	o, err := model.NewOrder(orderID, userID, tier, provider, region, price.Amount, price.Currency, u.cfg.Clock().UTC(), u.cfg.OrderTTL)
	if err != nil {
		return nil, fmt.Errorf("build order: %w", domain.ErrInvalidRequest)
	}
	o.ProviderRef = started.ProviderRef
	o.Metadata = started.Metadata

	if err := u.orders.CreateOrder(ctx, o); err != nil {
		metrics.IncOrderCreateFailure(string(provider), failureReason(err))
		return nil, err
	}
	if err := u.orders.IndexByUser(ctx, userID, orderID); err != nil {
		log.Error().Err(err).Msg("order written but user index failed")
		return nil, err
	}
	if o.ProviderRef != "" {
		if err := u.orders.IndexByProviderRef(ctx, provider, o.ProviderRef, orderID); err != nil {
			metrics.IncOrderCreateFailure(string(provider), failureReason(err))
			log.Error().Err(err).Str("provider_ref", o.ProviderRef).Msg("order left pending without provider reference index")
			return nil, err
		}
	}

	metrics.IncOrderCreated(string(provider))
	u.publish(ctx, adapter.OrderEventCreated, o)
	log.Info().Str("provider", string(provider)).Str("tier", string(tier)).Int64("amount", o.Amount).Str("currency", o.Currency).Msg("payment order created")

	return &CreateResult{
		OrderID:     orderID,
		ProviderRef: o.ProviderRef,
		Metadata:    o.Metadata,
		ExpiresAt:   o.ExpiresAt,
	}, nil
}

func (u *paymentOrderUC) GetOrder(ctx context.Context, key model.OrderKey) (*model.Order, error) {
	defer logging.TraceDuration(u.log, "PaymentOrderUC.GetOrder")()
	return u.resolve(ctx, key)
}

func (u *paymentOrderUC) PendingOrder(ctx context.Context, userID string) (*model.Order, error) {
	defer logging.TraceDuration(u.log, "PaymentOrderUC.PendingOrder")()
	o, err := u.orders.GetByUserPending(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrUnknownOrder
	}
	return o, err
}

func (u *paymentOrderUC) resolve(ctx context.Context, key model.OrderKey) (*model.Order, error) {
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("%v: %w", err, domain.ErrInvalidRequest)
	}
	var (
		o   *model.Order
		err error
	)
	if key.IsProviderRef() {
		o, err = u.orders.GetByProviderRef(ctx, key.Provider, key.ProviderRef)
	} else {
		o, err = u.orders.GetByOrderID(ctx, key.OrderID)
	}
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("order %s: %w", key, domain.ErrUnknownOrder)
	}
	return o, err
}

func (u *paymentOrderUC) publish(ctx context.Context, t adapter.OrderEventType, o *model.Order) {
	if err := u.events.Publish(ctx, adapter.NewOrderEvent(t, o, u.cfg.Clock().UTC())); err != nil {
		logging.With(ctx, u.log).Warn().Err(err).Str("event", string(t)).Msg("order event not published")
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// failureReason maps an error to a low-cardinality metrics label.
func failureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrProviderUnavailable):
		return "provider_unavailable"
	case errors.Is(err, domain.ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, domain.ErrOrderIDCollision):
		return "id_collision"
	case errors.Is(err, domain.ErrProviderRefCollision):
		return "ref_collision"
	case errors.Is(err, domain.ErrTransactionMismatch):
		return "tx_mismatch"
	case errors.Is(err, domain.ErrOrderClosed):
		return "closed"
	case errors.Is(err, domain.ErrOrderExpired):
		return "expired"
	case errors.Is(err, domain.ErrVerificationFailed):
		return "verification_failed"
	case errors.Is(err, domain.ErrUnknownOrder):
		return "unknown_order"
	}
	return "error"
}
