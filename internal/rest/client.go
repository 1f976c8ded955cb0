// Package rest is the synchronous request/response client for the
// exchange's info endpoint. The feed manager uses it as the fallback path
// when live data is stale, and the user-state feed uses it once at start to
// bootstrap positions and account state.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"hyperfeed/internal/domain"
	"hyperfeed/internal/feed"
	"hyperfeed/internal/infra"
	"hyperfeed/pkg/quant"
)

// ErrCircuitOpen is returned when the breaker has the endpoint marked down.
var ErrCircuitOpen = errors.New("rest endpoint circuit open")

// Client talks to the info endpoint. All requests are POSTs with a typed
// JSON body. Requests are rate limited and guarded by a circuit breaker so
// a dead endpoint is not hammered on every stale read.
type Client struct {
	baseURL string
	httpc   *http.Client
	limiter *rate.Limiter
	breaker *infra.CircuitBreaker
}

// NewClient creates a client for the given info endpoint URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		breaker: infra.NewCircuitBreaker(infra.DefaultCircuitBreakerConfig("rest-info")),
	}
}

func (c *Client) post(ctx context.Context, body any, out any) error {
	if !c.breaker.Allow() {
		return ErrCircuitOpen
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.breaker.RecordFailure()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("info endpoint returned %d: %s", resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.breaker.RecordFailure()
		return fmt.Errorf("decoding info response: %w", err)
	}
	c.breaker.RecordSuccess()
	return nil
}

// Mids fetches the current mid price for every listed coin.
func (c *Client) Mids(ctx context.Context) (map[string]quant.PriceMicros, error) {
	var wire map[string]string
	if err := c.post(ctx, map[string]any{"type": "allMids"}, &wire); err != nil {
		return nil, err
	}

	mids := make(map[string]quant.PriceMicros, len(wire))
	for coin, px := range wire {
		p, err := priceMicros(px)
		if err != nil {
			continue
		}
		mids[coin] = p
	}
	return mids, nil
}

// Book fetches the current ladder for one coin, capped at depth per side.
func (c *Client) Book(ctx context.Context, coin string, depth int) (*domain.OrderBook, error) {
	var wire struct {
		Coin   string `json:"coin"`
		Levels [][]struct {
			Px string `json:"px"`
			Sz string `json:"sz"`
			N  int    `json:"n"`
		} `json:"levels"`
		Time int64 `json:"time"`
	}
	if err := c.post(ctx, map[string]any{"type": "l2Book", "coin": coin}, &wire); err != nil {
		return nil, err
	}
	if len(wire.Levels) < 2 {
		return nil, fmt.Errorf("l2Book response for %s missing sides", coin)
	}

	book := &domain.OrderBook{Coin: coin, LastUpdate: time.Now()}
	for side, dst := range []*[]domain.OrderLevel{&book.Bids, &book.Asks} {
		raw := wire.Levels[side]
		if len(raw) > depth {
			raw = raw[:depth]
		}
		levels := make([]domain.OrderLevel, 0, len(raw))
		for _, lvl := range raw {
			px, errPx := priceMicros(lvl.Px)
			sz, errSz := qtySats(lvl.Sz)
			if errPx != nil || errSz != nil {
				continue
			}
			count := lvl.N
			if count <= 0 {
				count = 1
			}
			levels = append(levels, domain.OrderLevel{PriceMicros: px, SizeSats: sz, Count: count})
		}
		*dst = levels
	}
	return book, nil
}

// Account fetches the user's clearinghouse state: open positions plus the
// margin summary.
func (c *Client) Account(ctx context.Context, user string) (*feed.AccountSnapshot, error) {
	var wire struct {
		AssetPositions []struct {
			Position struct {
				Coin           string `json:"coin"`
				Szi            string `json:"szi"`
				EntryPx        string `json:"entryPx"`
				UnrealizedPnl  string `json:"unrealizedPnl"`
				ReturnOnEquity string `json:"returnOnEquity"`
				Leverage       struct {
					Value int64 `json:"value"`
				} `json:"leverage"`
				LiquidationPx *string `json:"liquidationPx"`
				MarginUsed    string  `json:"marginUsed"`
			} `json:"position"`
		} `json:"assetPositions"`
		MarginSummary struct {
			AccountValue    string `json:"accountValue"`
			TotalMarginUsed string `json:"totalMarginUsed"`
			TotalNtlPos     string `json:"totalNtlPos"`
		} `json:"marginSummary"`
		Withdrawable string `json:"withdrawable"`
	}
	if err := c.post(ctx, map[string]any{"type": "clearinghouseState", "user": user}, &wire); err != nil {
		return nil, err
	}

	snap := &feed.AccountSnapshot{}
	var totalPnl int64
	for _, ap := range wire.AssetPositions {
		p := ap.Position
		size, err := qtySats(p.Szi)
		if err != nil || size == 0 {
			continue
		}
		entry, _ := priceMicros(p.EntryPx)
		pos := domain.Position{
			Coin:                 p.Coin,
			SizeSats:             size,
			EntryPriceMicros:     entry,
			UnrealizedPnlMicros:  usdMicros(p.UnrealizedPnl),
			ReturnOnEquityMicros: usdMicros(p.ReturnOnEquity),
			Leverage:             p.Leverage.Value,
			MarginUsedMicros:     usdMicros(p.MarginUsed),
		}
		if p.LiquidationPx != nil {
			if liq, err := priceMicros(*p.LiquidationPx); err == nil {
				pos.LiquidationPxMicros = &liq
			}
		}
		totalPnl += pos.UnrealizedPnlMicros
		snap.Positions = append(snap.Positions, pos)
	}

	snap.Account = domain.AccountState{
		AccountValueMicros:       usdMicros(wire.MarginSummary.AccountValue),
		WithdrawableMicros:       usdMicros(wire.Withdrawable),
		TotalMarginUsedMicros:    usdMicros(wire.MarginSummary.TotalMarginUsed),
		TotalUnrealizedPnlMicros: totalPnl,
	}
	return snap, nil
}

// BreakerState exposes the circuit breaker state for diagnostics.
func (c *Client) BreakerState() infra.State {
	return c.breaker.GetState()
}

func priceMicros(s string) (quant.PriceMicros, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return quant.PriceMicros(d.Shift(6).IntPart()), nil
}

func qtySats(s string) (quant.QtySats, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return quant.QtySats(d.Shift(8).IntPart()), nil
}

// usdMicros parses a USD amount, zero on malformed input. REST amounts feed
// display and threshold logic, not order placement.
func usdMicros(s string) int64 {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	return d.Shift(6).IntPart()
}
