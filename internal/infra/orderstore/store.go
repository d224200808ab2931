// Package orderstore keeps order records and their lookup indices on a
// repository.KeyedStore. Each mutation is one conditional write; the record
// is always written before any index that points at it.
package orderstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"subscription-payments/internal/domain"
	"subscription-payments/internal/domain/model"
	"subscription-payments/internal/domain/ports/repository"
	"subscription-payments/internal/infra/metrics"
)

var _ repository.OrderStore = (*Store)(nil)

const defaultCASAttempts = 8

const (
	prefixOrder       = "order:"
	prefixUserPending = "order_by_user_pending:"
	prefixProviderRef = "order_by_provider_ref:"
)

func orderKey(id string) string { return prefixOrder + id }

func userPendingKey(userID string) string { return prefixUserPending + userID }

func providerRefKey(p model.Provider, ref string) string {
	return prefixProviderRef + string(p) + ":" + ref
}

type Store struct {
	kv          repository.KeyedStore
	retention   time.Duration
	casAttempts int
	log         *zerolog.Logger
}

// New builds a Store whose records and indices expire retention after their last write.
func New(kv repository.KeyedStore, retention time.Duration, logger *zerolog.Logger) *Store {
	return &Store{kv: kv, retention: retention, casAttempts: defaultCASAttempts, log: logger}
}

func (s *Store) CreateOrder(ctx context.Context, o *model.Order) error {
	if o.IsZero() {
		return domain.ErrInvalidArgument
	}
	raw, err := encode(o)
	if err != nil {
		return err
	}
	ok, err := s.kv.SetIfAbsent(ctx, orderKey(o.ID), raw, s.retention)
	if err != nil {
		return fmt.Errorf("create order %s: %w", o.ID, err)
	}
	if !ok {
		metrics.IncStoreConflict("create")
		return domain.ErrOrderIDCollision
	}
	return nil
}

func (s *Store) IndexByUser(ctx context.Context, userID, orderID string) error {
	if err := s.kv.Set(ctx, userPendingKey(userID), orderID, s.retention); err != nil {
		return fmt.Errorf("index user %s: %w", userID, err)
	}
	return nil
}

func (s *Store) IndexByProviderRef(ctx context.Context, provider model.Provider, providerRef, orderID string) error {
	key := providerRefKey(provider, providerRef)
	for attempt := 0; attempt < s.casAttempts; attempt++ {
		ok, err := s.kv.SetIfAbsent(ctx, key, orderID, s.retention)
		if err != nil {
			return fmt.Errorf("index provider ref %s: %w", key, err)
		}
		if ok {
			return nil
		}
		owner, err := s.kv.Get(ctx, key)
		if errors.Is(err, domain.ErrNotFound) {
			// expired between the two calls
			continue
		}
		if err != nil {
			return fmt.Errorf("index provider ref %s: %w", key, err)
		}
		if owner == orderID {
			return nil
		}
		metrics.IncStoreConflict("index_ref")
		s.log.Error().
			Str("provider", string(provider)).
			Str("provider_ref", providerRef).
			Str("order_id", orderID).
			Str("owner_order_id", owner).
			Msg("provider reference already indexed to another order")
		return fmt.Errorf("%s owned by %s: %w", key, owner, domain.ErrProviderRefCollision)
	}
	return fmt.Errorf("index provider ref %s: %w", key, domain.ErrStaleState)
}

func (s *Store) GetByOrderID(ctx context.Context, orderID string) (*model.Order, error) {
	o, _, err := s.load(ctx, orderID)
	return o, err
}

// GetByUserPending follows the user's pending pointer. A pointer to an order
// that has left PENDING reads as domain.ErrNotFound.
func (s *Store) GetByUserPending(ctx context.Context, userID string) (*model.Order, error) {
	id, err := s.kv.Get(ctx, userPendingKey(userID))
	if err != nil {
		return nil, err
	}
	o, err := s.GetByOrderID(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.State != model.OrderStatePending {
		return nil, domain.ErrNotFound
	}
	return o, nil
}

func (s *Store) GetByProviderRef(ctx context.Context, provider model.Provider, providerRef string) (*model.Order, error) {
	id, err := s.kv.Get(ctx, providerRefKey(provider, providerRef))
	if err != nil {
		return nil, err
	}
	return s.GetByOrderID(ctx, id)
}

func (s *Store) Transition(ctx context.Context, orderID string, from, to model.OrderState, fields model.TransitionFields) (*model.Order, error) {
	if !model.CanTransition(from, to) {
		return nil, fmt.Errorf("transition %s -> %s: %w", from, to, domain.ErrInvalidArgument)
	}
	return s.update(ctx, "transition", orderID, func(o *model.Order) error {
		if o.State != from {
			return domain.ErrStaleState
		}
		fields.Apply(o, to)
		return nil
	})
}

func (s *Store) AttachProviderRef(ctx context.Context, orderID, providerRef string, at time.Time) (*model.Order, error) {
	if providerRef == "" {
		return nil, domain.ErrInvalidArgument
	}
	return s.update(ctx, "attach_ref", orderID, func(o *model.Order) error {
		switch {
		case o.ProviderRef == providerRef:
			return errUnchanged
		case o.ProviderRef != "":
			return fmt.Errorf("order %s already carries %s: %w", o.ID, o.ProviderRef, domain.ErrProviderRefCollision)
		case o.State != model.OrderStatePending:
			return domain.ErrOrderClosed
		}
		o.ProviderRef = providerRef
		o.UpdatedAt = at
		return nil
	})
}

func (s *Store) ClaimActivation(ctx context.Context, orderID string, now, leaseUntil time.Time) (*model.Order, error) {
	return s.update(ctx, "claim", orderID, func(o *model.Order) error {
		if o.State != model.OrderStateVerified {
			return domain.ErrNotVerified
		}
		if o.LeaseActiveAt(now) {
			return domain.ErrActivationInProgress
		}
		lu := leaseUntil
		o.ActivationLeaseUntil = &lu
		o.ActivationAttempts++
		o.UpdatedAt = now
		return nil
	})
}

// errUnchanged lets a mutator report that the stored record already matches.
var errUnchanged = errors.New("unchanged")

// update runs a read-modify-CAS loop. A lost CAS means the record moved, so
// mutate is re-evaluated against the fresh copy.
func (s *Store) update(ctx context.Context, op, orderID string, mutate func(o *model.Order) error) (*model.Order, error) {
	for attempt := 0; attempt < s.casAttempts; attempt++ {
		o, raw, err := s.load(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if err := mutate(o); err != nil {
			if errors.Is(err, errUnchanged) {
				return o, nil
			}
			return nil, err
		}
		next, err := encode(o)
		if err != nil {
			return nil, err
		}
		ok, err := s.kv.SetIfMatches(ctx, orderKey(orderID), raw, next, s.retention)
		if err != nil {
			return nil, fmt.Errorf("%s order %s: %w", op, orderID, err)
		}
		if ok {
			return o, nil
		}
		metrics.IncStoreConflict(op)
	}
	return nil, fmt.Errorf("%s order %s: %w", op, orderID, domain.ErrStaleState)
}

func (s *Store) load(ctx context.Context, orderID string) (*model.Order, string, error) {
	raw, err := s.kv.Get(ctx, orderKey(orderID))
	if err != nil {
		return nil, "", err
	}
	var o model.Order
	if err := json.Unmarshal([]byte(raw), &o); err != nil {
		return nil, "", fmt.Errorf("decode order %s: %w", orderID, err)
	}
	return &o, raw, nil
}

func encode(o *model.Order) (string, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return "", fmt.Errorf("encode order %s: %w", o.ID, err)
	}
	return string(b), nil
}
