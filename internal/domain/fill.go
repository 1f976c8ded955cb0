package domain

import (
	"time"

	"hyperfeed/pkg/quant"
)

// Fill side markers as the exchange reports them.
const (
	FillSideBuy  = "B"
	FillSideSell = "A"
)

// Fill is a single trade execution for the authenticated user.
// Time is the local wall-clock receipt instant, not the exchange timestamp:
// local ordering matters more here than exchange clock skew.
type Fill struct {
	Coin            string            `json:"coin"`
	Side            string            `json:"side"` // "B" buy, "A" sell
	SizeSats        quant.QtySats     `json:"size"`
	PriceMicros     quant.PriceMicros `json:"price"`
	Time            time.Time         `json:"time"`
	FeeMicros       int64             `json:"fee"` // USD micros
	OrderID         string            `json:"order_id"`
	ClosedPnlMicros int64             `json:"closed_pnl"` // USD micros
}

// IsBuy reports whether the fill was a buy.
func (f *Fill) IsBuy() bool {
	return f.Side == FillSideBuy
}
