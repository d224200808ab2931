// File: internal/usecase/payment_verify_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"subscription-payments/internal/domain"
	"subscription-payments/internal/domain/model"
	"subscription-payments/internal/domain/ports/adapter"
	"subscription-payments/internal/infra/logging"
	"subscription-payments/internal/infra/metrics"
)

const recordAttempts = 3

// VerifyAndActivatePayment resolves the order, checks the transaction with the
// provider and, if this caller wins PENDING -> VERIFIED, runs the activation
// sink. Losers of the race re-read and answer from the winner's outcome.
func (u *paymentOrderUC) VerifyAndActivatePayment(ctx context.Context, key model.OrderKey, transactionID string) (res *VerifyResult, err error) {
	defer logging.TraceDuration(u.log, "PaymentOrderUC.VerifyAndActivatePayment")()
	ctx, span := u.tracer.Start(ctx, "PaymentOrder.Verify", trace.WithAttributes(attribute.String("order.key", key.String())))
	defer func() { endSpan(span, err) }()

	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return nil, fmt.Errorf("transaction id is required: %w", domain.ErrInvalidRequest)
	}
	o, err := u.resolve(ctx, key)
	if err != nil {
		metrics.IncVerifyOutcome(string(key.Provider), failureReason(err))
		return nil, err
	}
	ctx = logging.WithOrderID(logging.WithUserID(ctx, o.UserID), o.ID)
	span.SetAttributes(attribute.String("order.id", o.ID), attribute.String("order.provider", string(o.Provider)))

	res, err = u.converge(ctx, o, transactionID)
	switch {
	case err != nil:
		metrics.IncVerifyOutcome(string(o.Provider), failureReason(err))
	case res.Replayed:
		metrics.IncVerifyOutcome(string(o.Provider), "replayed")
	default:
		metrics.IncVerifyOutcome(string(o.Provider), strings.ToLower(string(res.State)))
	}
	return res, err
}

// converge walks the state machine until it reaches an answer for this
// transaction. Each lost transition or in-flight activation costs one attempt.
func (u *paymentOrderUC) converge(ctx context.Context, o *model.Order, txID string) (*VerifyResult, error) {
	log := logging.With(ctx, u.log)

	for attempt := 0; ; attempt++ {
		switch o.State {
		case model.OrderStateActivated:
			if o.ActivationTxID == txID {
				return &VerifyResult{OrderID: o.ID, State: o.State, Replayed: true}, nil
			}
			return nil, fmt.Errorf("order %s activated by another transaction: %w", o.ID, domain.ErrTransactionMismatch)

		case model.OrderStateVerified:
			if o.VerifiedTxID != txID {
				return nil, fmt.Errorf("order %s verified by another transaction: %w", o.ID, domain.ErrTransactionMismatch)
			}
			// Another caller owns activation. Answer with VERIFIED once the
			// wait budget is spent; the retrier finishes the job. Reporting
			// again re-queues orders a restarted process no longer tracks.
			if attempt >= u.cfg.ConvergeAttempts {
				u.stuck.ReportStuck(o.ID)
				return &VerifyResult{OrderID: o.ID, State: o.State}, nil
			}
			if err := u.sleep(ctx); err != nil {
				return nil, err
			}

		case model.OrderStateFailed, model.OrderStateExpired:
			return nil, fmt.Errorf("order %s is %s: %w", o.ID, o.State, domain.ErrOrderClosed)

		case model.OrderStatePending:
			if attempt >= u.cfg.ConvergeAttempts {
				return nil, fmt.Errorf("order %s did not settle: %w", o.ID, domain.ErrActivationInProgress)
			}
			res, err := u.settlePending(ctx, o, txID)
			if !errors.Is(err, domain.ErrStaleState) {
				return res, err
			}
			log.Debug().Int("attempt", attempt).Msg("lost pending transition, re-reading")

		default:
			return nil, fmt.Errorf("order %s has unknown state %q", o.ID, o.State)
		}

		fresh, err := u.orders.GetByOrderID(ctx, o.ID)
		if err != nil {
			return nil, err
		}
		o = fresh
	}
}

// settlePending performs one attempt at leaving PENDING. domain.ErrStaleState
// means another caller moved the order first.
func (u *paymentOrderUC) settlePending(ctx context.Context, o *model.Order, txID string) (*VerifyResult, error) {
	log := logging.With(ctx, u.log)
	now := u.cfg.Clock().UTC()

	if o.ExpiredAt(now) {
		expired, err := u.orders.Transition(ctx, o.ID, model.OrderStatePending, model.OrderStateExpired, model.TransitionFields{At: now})
		if err != nil {
			return nil, err
		}
		u.publish(ctx, adapter.OrderEventExpired, expired)
		log.Info().Time("expires_at", o.ExpiresAt).Msg("order expired before confirmation")
		return nil, fmt.Errorf("order %s: %w", o.ID, domain.ErrOrderExpired)
	}

	gw, ok := u.gateways[o.Provider]
	if !ok {
		return nil, fmt.Errorf("provider %s: %w", o.Provider, domain.ErrUnsupportedProvider)
	}
	start := time.Now()
	v, err := gw.Verify(ctx, o, txID)
	metrics.ObserveProviderCall(string(o.Provider), "verify", time.Since(start).Seconds(), err == nil)
	if err != nil {
		log.Warn().Err(err).Msg("provider verification unavailable")
		if errors.Is(err, domain.ErrInvalidRequest) || errors.Is(err, domain.ErrProviderUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("verify %s: %v: %w", o.Provider, err, domain.ErrProviderUnavailable)
	}

	if !v.OK {
		failed, err := u.orders.Transition(ctx, o.ID, model.OrderStatePending, model.OrderStateFailed, model.TransitionFields{
			FailureReason: v.Reason,
			At:            now,
		})
		if err != nil {
			return nil, err
		}
		u.publish(ctx, adapter.OrderEventFailed, failed)
		log.Info().Str("reason", v.Reason).Msg("provider rejected payment")
		return nil, fmt.Errorf("order %s: %s: %w", o.ID, v.Reason, domain.ErrVerificationFailed)
	}

	leaseUntil := now.Add(u.cfg.ActivationLease)
	verified, err := u.orders.Transition(ctx, o.ID, model.OrderStatePending, model.OrderStateVerified, model.TransitionFields{
		VerifiedTxID:    txID,
		ProviderReceipt: v.Receipt,
		LeaseUntil:      &leaseUntil,
		At:              now,
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("receipt", v.Receipt).Msg("payment verified")
	return u.activate(ctx, verified, txID)
}

// activate runs the sink for an order this caller owns and records the
// outcome. A failed sink leaves the order VERIFIED for the retrier; the caller
// still gets a successful response since the payment itself is confirmed.
func (u *paymentOrderUC) activate(ctx context.Context, o *model.Order, txID string) (*VerifyResult, error) {
	log := logging.With(ctx, u.log)

	sinkCtx, cancel := context.WithTimeout(ctx, u.cfg.ActivationLease)
	err := u.sink.Activate(sinkCtx, o.UserID, o.Tier)
	cancel()
	if err != nil {
		metrics.IncActivationFailure(string(o.Tier))
		log.Error().Err(err).Str("tier", string(o.Tier)).Msg("activation sink failed; order stays VERIFIED")
		u.stuck.ReportStuck(o.ID)
		u.publish(ctx, adapter.OrderEventActivationStall, o)
		return &VerifyResult{OrderID: o.ID, State: model.OrderStateVerified}, nil
	}

	// The tier is granted from here on. The ACTIVATED write must outlive the
	// caller, or the retrier would run the sink a second time.
	recCtx, cancelRec := context.WithTimeout(context.WithoutCancel(ctx), u.cfg.ActivationLease)
	defer cancelRec()

	activated, err := u.recordActivated(recCtx, o, txID)
	if errors.Is(err, domain.ErrStaleState) {
		// a retrier whose lease outlived ours finished first
		if cur, gerr := u.orders.GetByOrderID(recCtx, o.ID); gerr == nil && cur.State == model.OrderStateActivated {
			return &VerifyResult{OrderID: cur.ID, State: cur.State}, nil
		}
	}
	if err != nil {
		log.Error().Err(err).Msg("tier granted but ACTIVATED not recorded")
		u.stuck.ReportStuck(o.ID)
		return &VerifyResult{OrderID: o.ID, State: model.OrderStateVerified}, nil
	}

	metrics.IncActivation(string(o.Tier))
	u.publish(recCtx, adapter.OrderEventActivated, activated)
	log.Info().Str("tier", string(o.Tier)).Str("tx_id", txID).Msg("subscription activated")
	return &VerifyResult{OrderID: activated.ID, State: activated.State}, nil
}

// recordActivated writes VERIFIED -> ACTIVATED, retrying storage errors up to
// recordAttempts times. domain.ErrStaleState is returned as is.
func (u *paymentOrderUC) recordActivated(ctx context.Context, o *model.Order, txID string) (*model.Order, error) {
	var err error
	for i := 0; i < recordAttempts; i++ {
		var activated *model.Order
		activated, err = u.orders.Transition(ctx, o.ID, model.OrderStateVerified, model.OrderStateActivated, model.TransitionFields{
			ActivationTxID: txID,
			At:             u.cfg.Clock().UTC(),
		})
		if err == nil || errors.Is(err, domain.ErrStaleState) {
			return activated, err
		}
		logging.With(ctx, u.log).Warn().Err(err).Int("attempt", i).Msg("recording ACTIVATED failed")
		if i < recordAttempts-1 {
			if serr := u.sleep(ctx); serr != nil {
				break
			}
		}
	}
	return nil, err
}

func (u *paymentOrderUC) RetryActivation(ctx context.Context, orderID string) (res *VerifyResult, err error) {
	defer logging.TraceDuration(u.log, "PaymentOrderUC.RetryActivation")()
	ctx, span := u.tracer.Start(ctx, "PaymentOrder.RetryActivation", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer func() { endSpan(span, err) }()
	ctx = logging.WithOrderID(ctx, orderID)

	now := u.cfg.Clock().UTC()
	o, err := u.orders.ClaimActivation(ctx, orderID, now, now.Add(u.cfg.ActivationLease))
	switch {
	case errors.Is(err, domain.ErrNotFound):
		metrics.IncActivationRetry("unknown")
		return nil, fmt.Errorf("order %s: %w", orderID, domain.ErrUnknownOrder)
	case errors.Is(err, domain.ErrNotVerified):
		cur, gerr := u.orders.GetByOrderID(ctx, orderID)
		if gerr == nil && cur.State == model.OrderStateActivated {
			metrics.IncActivationRetry("already_active")
			return &VerifyResult{OrderID: cur.ID, State: cur.State, Replayed: true}, nil
		}
		metrics.IncActivationRetry("not_verified")
		return nil, fmt.Errorf("order %s: %w", orderID, domain.ErrNotVerified)
	case errors.Is(err, domain.ErrActivationInProgress):
		metrics.IncActivationRetry("leased")
		return nil, err
	case err != nil:
		metrics.IncActivationRetry("error")
		return nil, err
	}

	logging.With(ctx, u.log).Info().Int("attempt", o.ActivationAttempts).Msg("retrying activation")
	res, err = u.activate(ctx, o, o.VerifiedTxID)
	if err == nil {
		metrics.IncActivationRetry(strings.ToLower(string(res.State)))
	}
	return res, err
}

func (u *paymentOrderUC) AttachProviderRef(ctx context.Context, orderID, providerRef string) (o *model.Order, err error) {
	defer logging.TraceDuration(u.log, "PaymentOrderUC.AttachProviderRef")()
	ctx, span := u.tracer.Start(ctx, "PaymentOrder.AttachProviderRef", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer func() { endSpan(span, err) }()

	providerRef = strings.TrimSpace(providerRef)
	if orderID == "" || providerRef == "" {
		return nil, fmt.Errorf("order id and provider reference are required: %w", domain.ErrInvalidRequest)
	}
	o, err = u.orders.AttachProviderRef(ctx, orderID, providerRef, u.cfg.Clock().UTC())
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("order %s: %w", orderID, domain.ErrUnknownOrder)
	}
	if err != nil {
		return nil, err
	}
	if err := u.orders.IndexByProviderRef(ctx, o.Provider, providerRef, o.ID); err != nil {
		return nil, err
	}
	return o, nil
}

func (u *paymentOrderUC) sleep(ctx context.Context) error {
	t := time.NewTimer(u.cfg.ConvergeInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
