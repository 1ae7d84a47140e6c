package ports

import (
	"context"

	"github.com/alejandrodnm/lpbot/internal/domain"
)

// Valuation computes USD-normalized fills. Implementations return a
// *domain.NormalizationError when a trustworthy value cannot be produced.
type Valuation interface {
	NormalizeEntry(ctx context.Context, pool string, sizeUSD float64) (domain.EntryFill, error)
	MarkToMarket(ctx context.Context, t domain.Trade) (domain.Valuation, error)
}
