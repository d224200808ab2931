package adapter

import (
	"context"

	"subscription-payments/internal/domain/model"
)

// ActivationSink grants a paid tier. Implementations should tolerate a repeated
// call for the same user and tier without double-crediting.
type ActivationSink interface {
	Activate(ctx context.Context, userID string, tier model.Tier) error
}

// StuckActivationReporter receives orders left VERIFIED after a failed activation.
type StuckActivationReporter interface {
	ReportStuck(orderID string)
}
