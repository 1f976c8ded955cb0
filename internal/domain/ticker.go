package domain

import (
	"time"

	"hyperfeed/pkg/quant"
)

// Ticker represents the last-known price state for a single coin.
// Mutated only by the price feed; always copied before handing to callers.
type Ticker struct {
	Coin                string            `json:"coin"`
	PriceMicros         quant.PriceMicros `json:"price"` // Mid price
	BidMicros           quant.PriceMicros `json:"bid"`
	AskMicros           quant.PriceMicros `json:"ask"`
	Volume24hSats       quant.QtySats     `json:"volume_24h"`
	ChangeRate24hMicros int64             `json:"change_24h"` // Fraction in micros (1% = 10,000)
	LastUpdate          time.Time         `json:"last_update"`
}

// HasTopOfBook reports whether both bid and ask have been observed.
func (t *Ticker) HasTopOfBook() bool {
	return t.BidMicros > 0 && t.AskMicros > 0
}

// Stale reports whether the ticker is older than maxAge at the given instant.
// The comparison is strictly greater-than: data aged exactly maxAge is fresh.
func (t *Ticker) Stale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(t.LastUpdate) > maxAge
}
