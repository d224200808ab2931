// Package sched runs the periodic jobs of the service.
package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"subscription-payments/internal/domain"
	"subscription-payments/internal/domain/model"
	"subscription-payments/internal/domain/ports/adapter"
	"subscription-payments/internal/infra/logging"
	"subscription-payments/internal/infra/metrics"
	"subscription-payments/internal/infra/worker"
	"subscription-payments/internal/usecase"
)

var _ adapter.StuckActivationReporter = (*ActivationRetrier)(nil)

// Activator is the engine operation the retrier drives.
type Activator interface {
	RetryActivation(ctx context.Context, orderID string) (*usecase.VerifyResult, error)
}

// Purger removes expired rows from a store that does not expire them itself.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// ActivationRetrier keeps the ids of orders left VERIFIED and retries their
// activation on a cron schedule until each becomes ACTIVATED.
type ActivationRetrier struct {
	uc       Activator
	pool     *worker.Pool
	schedule cron.Schedule
	cron     *cron.Cron
	timeout  time.Duration
	log      *zerolog.Logger

	mu    sync.Mutex
	stuck map[string]struct{}

	purger Purger
}

// NewActivationRetrier parses expr (standard 5-field cron or an @every descriptor).
// timeout bounds one RetryActivation call.
func NewActivationRetrier(uc Activator, pool *worker.Pool, expr string, timeout time.Duration, logger *zerolog.Logger) (*ActivationRetrier, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("parse activation retry schedule %q: %w", expr, err)
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	l := logging.Component(logger, "activation-retrier")
	return &ActivationRetrier{
		uc:       uc,
		pool:     pool,
		schedule: schedule,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger), cron.Recover(cronLogger{l}))),
		timeout:  timeout,
		log:      l,
		stuck:    make(map[string]struct{}),
	}, nil
}

// WithPurger also purges expired store rows on every run.
func (r *ActivationRetrier) WithPurger(p Purger) *ActivationRetrier {
	r.purger = p
	return r
}

func (r *ActivationRetrier) ReportStuck(orderID string) {
	r.mu.Lock()
	r.stuck[orderID] = struct{}{}
	n := len(r.stuck)
	r.mu.Unlock()
	metrics.SetRetryQueue(n)
	r.log.Warn().Str("order_id", orderID).Int("queued", n).Msg("activation stuck; queued for retry")
}

// Pending returns the queued order ids.
func (r *ActivationRetrier) Pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.stuck))
	for id := range r.stuck {
		out = append(out, id)
	}
	return out
}

func (r *ActivationRetrier) Start(ctx context.Context) {
	r.pool.Start(ctx)
	r.cron.Schedule(r.schedule, cron.FuncJob(func() { r.RunOnce(ctx) }))
	r.cron.Start()
	r.log.Info().Msg("activation retrier started")
}

// Stop waits for a running sweep and the pool workers.
func (r *ActivationRetrier) Stop() {
	<-r.cron.Stop().Done()
	r.pool.Stop()
	r.log.Info().Msg("activation retrier stopped")
}

// RunOnce retries every queued order through the pool and waits for the
// results, or until ctx is done. Tasks the pool drops on shutdown stay queued.
func (r *ActivationRetrier) RunOnce(ctx context.Context) {
	ids := r.Pending()
	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		wg.Add(1)
		err := r.pool.Submit(func(ctx context.Context) error {
			defer wg.Done()
			return r.retry(ctx, id)
		})
		if err != nil {
			wg.Done()
			r.log.Warn().Err(err).Str("order_id", id).Msg("retry not scheduled")
		}
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.log.Info().Int("queued", len(ids)).Msg("retry sweep interrupted")
		return
	}

	if r.purger != nil {
		n, err := r.purger.PurgeExpired(ctx)
		if err != nil {
			r.log.Error().Err(err).Msg("purge expired entries")
		} else if n > 0 {
			r.log.Info().Int64("purged", n).Msg("purged expired entries")
		}
	}
}

func (r *ActivationRetrier) retry(ctx context.Context, orderID string) error {
	ctx, cancel := context.WithTimeout(logging.WithOrderID(ctx, orderID), r.timeout)
	defer cancel()

	res, err := r.uc.RetryActivation(ctx, orderID)
	switch {
	case err == nil && res.State == model.OrderStateActivated:
		r.drop(orderID)
		return nil
	case err == nil:
		// sink failed again; the engine has re-reported the order
		return nil
	case errors.Is(err, domain.ErrUnknownOrder), errors.Is(err, domain.ErrNotVerified):
		r.drop(orderID)
		logging.With(ctx, r.log).Info().Err(err).Msg("dropping order from retry queue")
		return nil
	case errors.Is(err, domain.ErrActivationInProgress):
		return nil
	}
	return fmt.Errorf("retry activation %s: %w", orderID, err)
}

func (r *ActivationRetrier) drop(orderID string) {
	r.mu.Lock()
	delete(r.stuck, orderID)
	n := len(r.stuck)
	r.mu.Unlock()
	metrics.SetRetryQueue(n)
}

// cronLogger routes cron panics into zerolog.
type cronLogger struct{ l *zerolog.Logger }

func (c cronLogger) Info(msg string, kv ...interface{}) {
	c.l.Debug().Fields(kv).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, kv ...interface{}) {
	c.l.Error().Err(err).Fields(kv).Msg(msg)
}
