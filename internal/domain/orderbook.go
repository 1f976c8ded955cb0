package domain

import (
	"time"

	"hyperfeed/pkg/quant"
	"hyperfeed/pkg/safe"
)

// BookSide selects one side of an order book ladder.
type BookSide int

const (
	BidSide BookSide = iota
	AskSide
)

// OrderLevel is a single price level in the ladder. Immutable once built;
// a new ladder replaces the old one wholesale on every update.
type OrderLevel struct {
	PriceMicros quant.PriceMicros `json:"price"`
	SizeSats    quant.QtySats     `json:"size"`
	Count       int               `json:"count"` // Orders resting at this level
}

// OrderBook is the bounded-depth ladder for a single coin.
// Bids are sorted descending, asks ascending, both capped at the feed's
// configured depth. Sequence increments by exactly one per processed
// message and never resets while the feed runs.
type OrderBook struct {
	Coin       string       `json:"coin"`
	Bids       []OrderLevel `json:"bids"`
	Asks       []OrderLevel `json:"asks"`
	LastUpdate time.Time    `json:"last_update"`
	Sequence   uint64       `json:"sequence"`
}

// BestBid returns the top bid price, or false if the bid side is empty.
func (b *OrderBook) BestBid() (quant.PriceMicros, bool) {
	if len(b.Bids) == 0 {
		return 0, false
	}
	return b.Bids[0].PriceMicros, true
}

// BestAsk returns the top ask price, or false if the ask side is empty.
func (b *OrderBook) BestAsk() (quant.PriceMicros, bool) {
	if len(b.Asks) == 0 {
		return 0, false
	}
	return b.Asks[0].PriceMicros, true
}

// Mid returns the mid price, or false if either side is empty.
func (b *OrderBook) Mid() (quant.PriceMicros, bool) {
	bb, okB := b.BestBid()
	ba, okA := b.BestAsk()
	if !okB || !okA {
		return 0, false
	}
	return (bb + ba) / 2, true
}

// Spread returns the absolute bid/ask spread, or false if either side is empty.
func (b *OrderBook) Spread() (quant.PriceMicros, bool) {
	bb, okB := b.BestBid()
	ba, okA := b.BestAsk()
	if !okB || !okA {
		return 0, false
	}
	return quant.PriceMicros(safe.SafeSub(int64(ba), int64(bb))), true
}

// SpreadPercent returns the spread as a percentage of the mid price.
func (b *OrderBook) SpreadPercent() (float64, bool) {
	spread, ok := b.Spread()
	if !ok {
		return 0, false
	}
	mid, ok := b.Mid()
	if !ok || mid == 0 {
		return 0, false
	}
	return spread.Float64() / mid.Float64() * 100, true
}

// BidDepth returns the summed size across all bid levels.
func (b *OrderBook) BidDepth() quant.QtySats {
	var total int64
	for _, lvl := range b.Bids {
		total = safe.SafeAdd(total, int64(lvl.SizeSats))
	}
	return quant.QtySats(total)
}

// AskDepth returns the summed size across all ask levels.
func (b *OrderBook) AskDepth() quant.QtySats {
	var total int64
	for _, lvl := range b.Asks {
		total = safe.SafeAdd(total, int64(lvl.SizeSats))
	}
	return quant.QtySats(total)
}

// Imbalance returns (bidDepth - askDepth) / (bidDepth + askDepth) in [-1, 1].
// Zero when both sides are empty. Always recomputed from the current ladder,
// never cached apart from it.
func (b *OrderBook) Imbalance() float64 {
	bid := int64(b.BidDepth())
	ask := int64(b.AskDepth())
	total := safe.SafeAdd(bid, ask)
	if total == 0 {
		return 0
	}
	return float64(safe.SafeSub(bid, ask)) / float64(total)
}

// DepthAtPrice returns the cumulative size at or better than the given price.
func (b *OrderBook) DepthAtPrice(px quant.PriceMicros, side BookSide) quant.QtySats {
	var total int64
	switch side {
	case BidSide:
		for _, lvl := range b.Bids {
			if lvl.PriceMicros >= px {
				total = safe.SafeAdd(total, int64(lvl.SizeSats))
			}
		}
	case AskSide:
		for _, lvl := range b.Asks {
			if lvl.PriceMicros <= px {
				total = safe.SafeAdd(total, int64(lvl.SizeSats))
			}
		}
	}
	return quant.QtySats(total)
}

// Stale reports whether the book is older than maxAge at the given instant.
func (b *OrderBook) Stale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(b.LastUpdate) > maxAge
}

// Clone returns a deep copy safe to hand to callers.
func (b *OrderBook) Clone() *OrderBook {
	cp := *b
	cp.Bids = append([]OrderLevel(nil), b.Bids...)
	cp.Asks = append([]OrderLevel(nil), b.Asks...)
	return &cp
}
