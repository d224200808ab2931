package payment

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"subscription-payments/internal/domain/model"
	"subscription-payments/internal/domain/ports/adapter"
)

var _ adapter.PaymentGateway = (*NoopPaymentGateway)(nil)

// NoopPaymentGateway is an in-memory gateway for dev and tests. It hands out
// sequential references and confirms any transaction whose amount matches.
// Manual-reference kinds return no reference, like the real flow.
type NoopPaymentGateway struct {
	kind model.Provider

	mu      sync.Mutex
	seq     int64
	intents map[string]int64 // reference -> expected amount
	// Declined transaction ids are reported as failed payments.
	declined map[string]bool
}

func NewNoopPaymentGateway(kind model.Provider) *NoopPaymentGateway {
	return &NoopPaymentGateway{
		kind:     kind,
		intents:  make(map[string]int64),
		declined: make(map[string]bool),
	}
}

func (g *NoopPaymentGateway) Kind() model.Provider { return g.kind }

// Decline makes Verify reject txID.
func (g *NoopPaymentGateway) Decline(txID string) {
	g.mu.Lock()
	g.declined[txID] = true
	g.mu.Unlock()
}

func (g *NoopPaymentGateway) Initiate(ctx context.Context, req adapter.InitiateRequest) (adapter.InitiateResult, error) {
	meta := map[string]string{"checkout_url": "https://example.test/pay/" + req.OrderID}
	if g.kind == model.ProviderManualReference {
		return adapter.InitiateResult{Metadata: meta}, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	ref := fmt.Sprintf("noop-%s-%d", strings.ToLower(string(g.kind)), g.seq)
	g.intents[ref] = req.Amount
	return adapter.InitiateResult{ProviderRef: ref, Metadata: meta}, nil
}

func (g *NoopPaymentGateway) Verify(ctx context.Context, o *model.Order, transactionID string) (adapter.Verification, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.declined[transactionID] {
		return adapter.Verification{OK: false, Reason: "declined"}, nil
	}
	if o.ProviderRef != "" && g.kind != model.ProviderManualReference {
		exp, ok := g.intents[o.ProviderRef]
		if !ok {
			return adapter.Verification{OK: false, Reason: "reference not found"}, nil
		}
		if exp != o.Amount {
			return adapter.Verification{OK: false, Reason: fmt.Sprintf("amount mismatch: expected %d got %d", exp, o.Amount)}, nil
		}
	}
	return adapter.Verification{OK: true, Receipt: "noop-" + transactionID}, nil
}
