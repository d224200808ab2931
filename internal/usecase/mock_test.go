//go:build !integration

package usecase_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"subscription-payments/internal/domain/model"
	"subscription-payments/internal/domain/ports/adapter"
	"subscription-payments/internal/infra/memory"
	"subscription-payments/internal/infra/orderstore"
	"subscription-payments/internal/usecase"
)

// newTestLogger creates a silent zerolog.Logger for use in tests.
func newTestLogger() *zerolog.Logger {
	logger := zerolog.New(io.Discard)
	return &logger
}

// ---- Clock ----

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// ---- Payment gateway ----

type MockPaymentGateway struct {
	kind model.Provider

	mu        sync.Mutex
	initiated []adapter.InitiateRequest
	verified  int32

	InitiateFunc func(ctx context.Context, req adapter.InitiateRequest) (adapter.InitiateResult, error)
	VerifyFunc   func(ctx context.Context, o *model.Order, txID string) (adapter.Verification, error)
}

var _ adapter.PaymentGateway = (*MockPaymentGateway)(nil)

func newMockGateway(kind model.Provider, ref string) *MockPaymentGateway {
	return &MockPaymentGateway{
		kind: kind,
		InitiateFunc: func(ctx context.Context, req adapter.InitiateRequest) (adapter.InitiateResult, error) {
			return adapter.InitiateResult{ProviderRef: ref, Metadata: map[string]string{"checkout_url": "https://pay.example/" + ref}}, nil
		},
		VerifyFunc: func(ctx context.Context, o *model.Order, txID string) (adapter.Verification, error) {
			return adapter.Verification{OK: true, Receipt: "rcpt-" + txID}, nil
		},
	}
}

func (m *MockPaymentGateway) Kind() model.Provider { return m.kind }

func (m *MockPaymentGateway) Initiate(ctx context.Context, req adapter.InitiateRequest) (adapter.InitiateResult, error) {
	m.mu.Lock()
	m.initiated = append(m.initiated, req)
	m.mu.Unlock()
	return m.InitiateFunc(ctx, req)
}

func (m *MockPaymentGateway) Verify(ctx context.Context, o *model.Order, txID string) (adapter.Verification, error) {
	atomic.AddInt32(&m.verified, 1)
	return m.VerifyFunc(ctx, o, txID)
}

func (m *MockPaymentGateway) Initiated() []adapter.InitiateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]adapter.InitiateRequest(nil), m.initiated...)
}

// ---- Activation sink ----

type call struct {
	UserID string
	Tier   model.Tier
}

type MockSink struct {
	mu    sync.Mutex
	calls []call
	// fail makes the next N calls return an error.
	fail  int
	delay time.Duration
	// OnActivate runs after a successful grant.
	OnActivate func()
}

var _ adapter.ActivationSink = (*MockSink)(nil)

var errSinkDown = errors.New("sink down")

func (m *MockSink) Activate(ctx context.Context, userID string, tier model.Tier) error {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail > 0 {
		m.fail--
		return errSinkDown
	}
	m.calls = append(m.calls, call{UserID: userID, Tier: tier})
	if m.OnActivate != nil {
		m.OnActivate()
	}
	return nil
}

func (m *MockSink) FailNext(n int) {
	m.mu.Lock()
	m.fail = n
	m.mu.Unlock()
}

func (m *MockSink) Calls() []call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]call(nil), m.calls...)
}

// ---- Events and stuck reporting ----

type MockPublisher struct {
	mu     sync.Mutex
	events []adapter.OrderEvent
}

func (m *MockPublisher) Publish(ctx context.Context, ev adapter.OrderEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *MockPublisher) Types() []adapter.OrderEventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]adapter.OrderEventType, len(m.events))
	for i, ev := range m.events {
		out[i] = ev.Type
	}
	return out
}

type MockReporter struct {
	mu  sync.Mutex
	ids []string
}

func (m *MockReporter) ReportStuck(orderID string) {
	m.mu.Lock()
	m.ids = append(m.ids, orderID)
	m.mu.Unlock()
}

func (m *MockReporter) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ids...)
}

// flakyKV fails conditional writes on demand to exercise storage errors.
type flakyKV struct {
	*memory.KeyedStore
	failCAS atomic.Bool
	// failNextCAS fails that many conditional writes, then recovers.
	failNextCAS atomic.Int32
}

var errStoreDown = errors.New("connection reset")

func (f *flakyKV) SetIfMatches(ctx context.Context, key, expected, value string, ttl time.Duration) (bool, error) {
	if f.failCAS.Load() {
		return false, errStoreDown
	}
	if n := f.failNextCAS.Load(); n > 0 && f.failNextCAS.CompareAndSwap(n, n-1) {
		return false, errStoreDown
	}
	return f.KeyedStore.SetIfMatches(ctx, key, expected, value, ttl)
}

// ---- Wiring ----

type engineDeps struct {
	clock     *fakeClock
	kv        *flakyKV
	store     *orderstore.Store
	push      *MockPaymentGateway
	wallet    *MockPaymentGateway
	manual    *MockPaymentGateway
	sink      *MockSink
	events    *MockPublisher
	reporter  *MockReporter
	ids       []string
	nextIDIdx int32
}

var testPricing = model.PriceBook{
	"VVIP": {
		"KE":            {Amount: 150000, Currency: "KES"},
		model.AnyRegion: {Amount: 1200, Currency: "USD"},
	},
	"VIP": {model.AnyRegion: {Amount: 600, Currency: "USD"}},
}

func newEngineDeps() *engineDeps {
	d := &engineDeps{
		clock:    newFakeClock(),
		push:     newMockGateway(model.ProviderPushToPay, "r1"),
		wallet:   newMockGateway(model.ProviderWalletPay, "w1"),
		manual:   newMockGateway(model.ProviderManualReference, ""),
		sink:     &MockSink{},
		events:   &MockPublisher{},
		reporter: &MockReporter{},
		ids:      []string{"o1", "o2", "o3", "o4"},
	}
	d.kv = &flakyKV{KeyedStore: memory.NewKeyedStore(d.clock.Now)}
	d.store = orderstore.New(d.kv, 7*24*time.Hour, newTestLogger())
	return d
}

func (d *engineDeps) nextID() string {
	i := int(atomic.AddInt32(&d.nextIDIdx, 1)) - 1
	if i < len(d.ids) {
		return d.ids[i]
	}
	return fmt.Sprintf("o%d", i+1)
}

type engine interface {
	usecase.PaymentOrderUseCase
	SetStuckReporter(r adapter.StuckActivationReporter)
}

func (d *engineDeps) build() engine {
	uc := usecase.NewPaymentOrderUseCase(
		d.store,
		[]adapter.PaymentGateway{d.push, d.wallet, d.manual},
		d.sink,
		testPricing,
		d.events,
		usecase.EngineConfig{
			OrderTTL:         30 * time.Minute,
			ActivationLease:  30 * time.Second,
			ConvergeAttempts: 400,
			ConvergeInterval: 5 * time.Millisecond,
			Clock:            d.clock.Now,
			NewID:            d.nextID,
		},
		newTestLogger(),
	)
	uc.SetStuckReporter(d.reporter)
	return uc
}
