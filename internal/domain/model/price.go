package model

import (
	"fmt"
	"strings"

	"subscription-payments/internal/domain"
)

// AnyRegion is the fallback region key in a PriceBook.
const AnyRegion = "*"

// Price is the amount charged for a tier, in minor units of Currency.
type Price struct {
	Amount   int64  `yaml:"amount" json:"amount"`
	Currency string `yaml:"currency" json:"currency"`
}

// PriceBook maps tier -> region -> price.
type PriceBook map[Tier]map[string]Price

// Lookup resolves the price for tier in region, falling back to AnyRegion.
func (b PriceBook) Lookup(tier Tier, region string) (Price, error) {
	regions, ok := b[tier]
	if !ok {
		return Price{}, fmt.Errorf("no price for tier %q: %w", tier, domain.ErrInvalidRequest)
	}
	if p, ok := regions[strings.ToUpper(region)]; ok && p.Amount > 0 {
		return p, nil
	}
	if p, ok := regions[AnyRegion]; ok && p.Amount > 0 {
		return p, nil
	}
	return Price{}, fmt.Errorf("no price for tier %q in region %q: %w", tier, region, domain.ErrInvalidRequest)
}
