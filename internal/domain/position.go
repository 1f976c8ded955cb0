package domain

import (
	"time"

	"hyperfeed/pkg/quant"
	"hyperfeed/pkg/safe"
)

// Position is an open perp position for the authenticated user.
// Size is signed: positive long, negative short. A position event reporting
// zero size deletes the entry from the live set; there is no soft-close flag.
type Position struct {
	Coin                 string             `json:"coin"`
	SizeSats             quant.QtySats      `json:"size"`
	EntryPriceMicros     quant.PriceMicros  `json:"entry_price"`
	UnrealizedPnlMicros  int64              `json:"unrealized_pnl"` // USD micros
	ReturnOnEquityMicros int64              `json:"return_on_equity"` // Fraction in micros
	Leverage             int64              `json:"leverage"`
	LiquidationPxMicros  *quant.PriceMicros `json:"liquidation_price,omitempty"`
	MarginUsedMicros     int64              `json:"margin_used"` // USD micros
	LastUpdate           time.Time          `json:"last_update"`
}

// IsLong reports whether the position is long.
func (p *Position) IsLong() bool {
	return p.SizeSats > 0
}

// Side returns "LONG" or "SHORT".
func (p *Position) Side() string {
	if p.IsLong() {
		return "LONG"
	}
	return "SHORT"
}

// PnlPercentMicros returns the return on equity as a percentage in micros
// (5% = 5,000,000).
func (p *Position) PnlPercentMicros() int64 {
	return safe.SafeMul(p.ReturnOnEquityMicros, 100)
}

// Stale reports whether the position is older than maxAge at the given instant.
func (p *Position) Stale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(p.LastUpdate) > maxAge
}
