package feed

import (
	"testing"
	"time"

	"hyperfeed/internal/domain"
	"hyperfeed/internal/transport"
	"hyperfeed/pkg/quant"
)

func midsMsg(pairs map[string]float64) transport.AllMidsMessage {
	msg := transport.AllMidsMessage{Mids: make(map[string]quant.PriceMicros, len(pairs))}
	for coin, px := range pairs {
		msg.Mids[coin] = quant.ToPriceMicros(px)
	}
	return msg
}

func TestPriceFeed_UntrackedCoin(t *testing.T) {
	f := NewPriceFeed(newFakeTransport(), OwnsTransport)

	if _, ok := f.GetPrice("BTC"); ok {
		t.Error("GetPrice should miss for a coin never seen")
	}
	if !f.IsPriceStale("BTC", 5*time.Second) {
		t.Error("unseen coin should report stale")
	}
	if _, ok := f.GetTicker("BTC"); ok {
		t.Error("GetTicker should miss for a coin never seen")
	}
}

func TestPriceFeed_MonitoredSetRestriction(t *testing.T) {
	tr := newFakeTransport()
	f := NewPriceFeed(tr, OwnsTransport)
	f.ConnectTimeout = time.Second

	if !f.Start([]string{"BTC"}) {
		t.Fatal("Start() = false")
	}
	defer f.Stop()

	tr.deliver(midsMsg(map[string]float64{"BTC": 65000, "DOGE": 0.1}))

	if _, ok := f.GetPrice("BTC"); !ok {
		t.Error("monitored coin should be tracked")
	}
	if _, ok := f.GetPrice("DOGE"); ok {
		t.Error("unmonitored coin should be ignored")
	}
}

func TestPriceFeed_UnrestrictedTracksEverything(t *testing.T) {
	tr := newFakeTransport()
	f := NewPriceFeed(tr, OwnsTransport)
	f.ConnectTimeout = time.Second

	if !f.Start(nil) {
		t.Fatal("Start() = false")
	}
	defer f.Stop()

	tr.deliver(midsMsg(map[string]float64{"DOGE": 0.1}))
	if _, ok := f.GetPrice("DOGE"); !ok {
		t.Error("unrestricted feed should track any coin in the stream")
	}
}

func TestPriceFeed_StartIdempotent(t *testing.T) {
	tr := newFakeTransport()
	f := NewPriceFeed(tr, OwnsTransport)
	f.ConnectTimeout = time.Second

	if !f.Start([]string{"BTC"}) {
		t.Fatal("first Start() = false")
	}
	subsAfterFirst := len(tr.subs)
	if !f.Start([]string{"BTC"}) {
		t.Error("second Start() should succeed without restarting")
	}
	if len(tr.subs) != subsAfterFirst {
		t.Error("second Start() must not resubscribe")
	}
	f.Stop()
	f.Stop() // idempotent
	if !tr.closed {
		t.Error("owning feed should close its transport on Stop")
	}
}

func TestPriceFeed_Change24h(t *testing.T) {
	tr := newFakeTransport()
	f := NewPriceFeed(tr, OwnsTransport)
	f.ConnectTimeout = time.Second
	f.Start([]string{"BTC"})
	defer f.Stop()

	tr.deliver(midsMsg(map[string]float64{"BTC": 100}))
	tk, _ := f.GetTicker("BTC")
	if tk.ChangeRate24hMicros != 0 {
		t.Errorf("change with one sample = %d, want 0", tk.ChangeRate24hMicros)
	}

	tr.deliver(midsMsg(map[string]float64{"BTC": 105}))
	tk, _ = f.GetTicker("BTC")
	// (105-100)/100 = 0.05 -> 50,000 rate micros
	if tk.ChangeRate24hMicros != 50000 {
		t.Errorf("change = %d, want 50000", tk.ChangeRate24hMicros)
	}
}

func TestPriceFeed_TopOfBookOverridesMid(t *testing.T) {
	tr := newFakeTransport()
	f := NewPriceFeed(tr, OwnsTransport)
	f.ConnectTimeout = time.Second
	f.Start([]string{"BTC"})
	defer f.Stop()

	tr.deliver(midsMsg(map[string]float64{"BTC": 65000}))

	// Only a bid so far: aggregate mid stays authoritative.
	tr.deliver(transport.BookMessage{Coin: "BTC", Bids: []transport.BookLevel{bookLevel(64990, 1)}})
	if px, _ := f.GetPrice("BTC"); px != quant.ToPriceMicros(65000) {
		t.Errorf("price = %v, want aggregate mid until both sides seen", px)
	}

	tr.deliver(transport.BookMessage{
		Coin: "BTC",
		Bids: []transport.BookLevel{bookLevel(64990, 1)},
		Asks: []transport.BookLevel{bookLevel(65010, 1)},
	})
	if px, _ := f.GetPrice("BTC"); px != quant.ToPriceMicros(65000) {
		t.Errorf("price = %v, want (bid+ask)/2 = 65000", px)
	}

	bid, ask, ok := f.GetBidAsk("BTC")
	if !ok || bid != quant.ToPriceMicros(64990) || ask != quant.ToPriceMicros(65010) {
		t.Errorf("GetBidAsk = %v, %v, %v", bid, ask, ok)
	}

	// A book update that empties the ask side holds the last mid rather
	// than reverting to the aggregate value.
	tr.deliver(midsMsg(map[string]float64{"BTC": 70000}))
	tr.deliver(transport.BookMessage{Coin: "BTC", Bids: []transport.BookLevel{bookLevel(64990, 1)}})
	if px, _ := f.GetPrice("BTC"); px != quant.ToPriceMicros(65000) {
		t.Errorf("price = %v, want last top-of-book mid held", px)
	}
}

func TestPriceFeed_Listeners(t *testing.T) {
	tr := newFakeTransport()
	f := NewPriceFeed(tr, OwnsTransport)
	f.ConnectTimeout = time.Second
	f.Start([]string{"BTC", "ETH"})
	defer f.Stop()

	var perCoin []domain.Ticker
	var batches []map[string]domain.Ticker
	f.AddTickerListener(func(tk domain.Ticker) { perCoin = append(perCoin, tk) })
	f.AddBatchListener(func(snap map[string]domain.Ticker) { batches = append(batches, snap) })

	tr.deliver(midsMsg(map[string]float64{"BTC": 65000, "ETH": 3500}))

	if len(perCoin) != 2 {
		t.Errorf("per-coin emits = %d, want 2", len(perCoin))
	}
	if len(batches) != 1 || len(batches[0]) != 2 {
		t.Errorf("batch emits = %d", len(batches))
	}
}

func TestPriceFeed_ListenerPanicIsolated(t *testing.T) {
	tr := newFakeTransport()
	f := NewPriceFeed(tr, OwnsTransport)
	f.ConnectTimeout = time.Second
	f.Start([]string{"BTC"})
	defer f.Stop()

	called := 0
	f.AddTickerListener(func(domain.Ticker) { panic("boom") })
	f.AddTickerListener(func(domain.Ticker) { called++ })

	tr.deliver(midsMsg(map[string]float64{"BTC": 65000}))
	if called != 1 {
		t.Errorf("second listener calls = %d, want 1 despite first panicking", called)
	}
}

func TestPriceFeed_StaleAfterThreshold(t *testing.T) {
	tr := newFakeTransport()
	f := NewPriceFeed(tr, OwnsTransport)
	f.ConnectTimeout = time.Second
	f.Start([]string{"BTC"})
	defer f.Stop()

	base := time.Now()
	f.now = func() time.Time { return base }
	tr.deliver(midsMsg(map[string]float64{"BTC": 65000}))

	f.now = func() time.Time { return base.Add(4990 * time.Millisecond) }
	if f.IsPriceStale("BTC", 5*time.Second) {
		t.Error("fresh at T+4.99s")
	}
	f.now = func() time.Time { return base.Add(5 * time.Second) }
	if f.IsPriceStale("BTC", 5*time.Second) {
		t.Error("still fresh at exactly T+5s, boundary is strict greater-than")
	}
	f.now = func() time.Time { return base.Add(5010 * time.Millisecond) }
	if !f.IsPriceStale("BTC", 5*time.Second) {
		t.Error("stale at T+5.01s")
	}
}

func TestPriceFeed_ConnectTimeout(t *testing.T) {
	tr := newFakeTransport()
	f := NewPriceFeed(tr, SharedTransport) // shared: nobody calls Connect
	f.ConnectTimeout = 200 * time.Millisecond

	if f.Start([]string{"BTC"}) {
		t.Error("Start() should fail when the transport never connects")
	}
}
