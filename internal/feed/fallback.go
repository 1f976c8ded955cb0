package feed

import (
	"context"
	"errors"

	"hyperfeed/internal/domain"
	"hyperfeed/pkg/quant"
)

// ErrUnavailable is returned by Manager reads when the live feed is stale or
// missing and REST fallback is disallowed by configuration.
var ErrUnavailable = errors.New("market data unavailable")

// AccountSnapshot is the result of a synchronous account fetch: the open
// positions and the margin summary as of one REST call.
type AccountSnapshot struct {
	Positions []domain.Position
	Account   domain.AccountState
}

// Fallback is the synchronous request/response API used to bootstrap the
// user-state feed and to serve Manager reads when live data is stale.
// *rest.Client satisfies it; tests inject fakes. Results are never cached
// by the caller.
type Fallback interface {
	Mids(ctx context.Context) (map[string]quant.PriceMicros, error)
	Book(ctx context.Context, coin string, depth int) (*domain.OrderBook, error)
	Account(ctx context.Context, user string) (*AccountSnapshot, error)
}
