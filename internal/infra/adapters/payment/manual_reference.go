package payment

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"subscription-payments/internal/config"
	"subscription-payments/internal/domain/model"
	"subscription-payments/internal/domain/ports/adapter"
)

var _ adapter.PaymentGateway = (*ManualReferenceGateway)(nil)

// Till receipts are ten upper-case alphanumerics, e.g. QK7R2X9ABC.
var receiptCode = regexp.MustCompile(`^[A-Z0-9]{10}$`)

// ManualReferenceGateway implements MANUAL_REFERENCE: the customer pays a till
// out of band quoting the order id, and the receipt code arrives later through
// a confirmation webhook or an operator. There is no remote API to call.
type ManualReferenceGateway struct {
	tillNumber  string
	accountName string
}

func NewManualReferenceGateway(cfg config.ManualProviderConfig) (*ManualReferenceGateway, error) {
	if cfg.TillNumber == "" {
		return nil, errors.New("till number empty")
	}
	return &ManualReferenceGateway{tillNumber: cfg.TillNumber, accountName: cfg.AccountName}, nil
}

func (g *ManualReferenceGateway) Kind() model.Provider { return model.ProviderManualReference }

func (g *ManualReferenceGateway) Initiate(ctx context.Context, req adapter.InitiateRequest) (adapter.InitiateResult, error) {
	meta := map[string]string{
		"till_number":       g.tillNumber,
		"account_reference": req.OrderID,
		"amount":            fmt.Sprintf("%d.%02d %s", req.Amount/100, req.Amount%100, req.Currency),
	}
	if g.accountName != "" {
		meta["account_name"] = g.accountName
	}
	return adapter.InitiateResult{Metadata: meta}, nil
}

// Verify accepts a well-formed receipt code that matches the attached reference, if any.
func (g *ManualReferenceGateway) Verify(ctx context.Context, o *model.Order, transactionID string) (adapter.Verification, error) {
	code := strings.ToUpper(strings.TrimSpace(transactionID))
	if !receiptCode.MatchString(code) {
		return adapter.Verification{OK: false, Reason: "malformed receipt code"}, nil
	}
	if o.ProviderRef != "" && !strings.EqualFold(o.ProviderRef, code) {
		return adapter.Verification{OK: false, Reason: "receipt does not match attached reference"}, nil
	}
	return adapter.Verification{OK: true, Receipt: code}, nil
}
