package domain

import (
	"testing"
	"time"

	"hyperfeed/pkg/quant"
)

func TestPosition_Side(t *testing.T) {
	long := Position{SizeSats: quant.ToQtySats(0.5)}
	if !long.IsLong() || long.Side() != "LONG" {
		t.Error("positive size should be LONG")
	}

	short := Position{SizeSats: quant.ToQtySats(-0.5)}
	if short.IsLong() || short.Side() != "SHORT" {
		t.Error("negative size should be SHORT")
	}
}

func TestPosition_PnlPercentMicros(t *testing.T) {
	// ROE of 0.05 (5%) = 50,000 micros -> 5% = 5,000,000 percent micros.
	p := Position{ReturnOnEquityMicros: 50000}
	if got := p.PnlPercentMicros(); got != 5000000 {
		t.Errorf("PnlPercentMicros = %d, want 5000000", got)
	}
}

func TestTicker_StaleBoundary(t *testing.T) {
	updated := time.Now()
	tk := Ticker{LastUpdate: updated}
	maxAge := 5 * time.Second

	if tk.Stale(updated.Add(4990*time.Millisecond), maxAge) {
		t.Error("ticker should be fresh at 4.99s")
	}
	if !tk.Stale(updated.Add(5010*time.Millisecond), maxAge) {
		t.Error("ticker should be stale at 5.01s")
	}
}

func TestFill_IsBuy(t *testing.T) {
	buy := Fill{Side: FillSideBuy}
	sell := Fill{Side: FillSideSell}
	if !buy.IsBuy() || sell.IsBuy() {
		t.Error("side markers mismatch")
	}
}
