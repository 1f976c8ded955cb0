package feed

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"hyperfeed/internal/domain"
	"hyperfeed/internal/transport"
	"hyperfeed/pkg/quant"
)

// priceHistoryCap bounds the rolling mid-price history per coin. At one
// aggregate snapshot per minute this holds a full day.
const priceHistoryCap = 1440

// PriceFeed maintains last-known mid/bid/ask and 24h change per coin from
// two message kinds: aggregate mid snapshots and top-of-book from ladder
// messages. Once both sides of the book have been seen, the top-of-book mid
// overrides the aggregate mid.
type PriceFeed struct {
	tr        Transport
	ownership Ownership

	// ConnectTimeout bounds the Start wait for the transport. Exported so
	// tests can shorten it.
	ConnectTimeout time.Duration

	mu        sync.Mutex
	running   bool
	tickers   map[string]*domain.Ticker
	history   map[string][]quant.PriceMicros
	monitored map[string]struct{} // nil means unrestricted

	tickerListeners *listenerSet[domain.Ticker]
	batchListeners  *listenerSet[map[string]domain.Ticker]

	now func() time.Time
}

// NewPriceFeed creates a price feed over the given transport. With
// OwnsTransport the feed connects and closes the transport itself; with
// SharedTransport the caller manages the connection and delivers messages
// via HandleMessage.
func NewPriceFeed(tr Transport, ownership Ownership) *PriceFeed {
	return &PriceFeed{
		tr:              tr,
		ownership:       ownership,
		ConnectTimeout:  defaultConnectTimeout,
		tickers:         make(map[string]*domain.Ticker),
		history:         make(map[string][]quant.PriceMicros),
		tickerListeners: newListenerSet[domain.Ticker](),
		batchListeners:  newListenerSet[map[string]domain.Ticker](),
		now:             time.Now,
	}
}

// Start subscribes to the aggregate mid channel and a ladder channel per
// coin. An empty coins slice means unrestricted: every coin in the stream
// gets tracked. Blocks until the transport connects or the timeout elapses;
// returns false on timeout. Idempotent while running.
func (f *PriceFeed) Start(coins []string) bool {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return true
	}
	if len(coins) > 0 {
		f.monitored = make(map[string]struct{}, len(coins))
		for _, c := range coins {
			f.monitored[c] = struct{}{}
		}
	} else {
		f.monitored = nil
	}
	f.mu.Unlock()

	if f.ownership == OwnsTransport {
		f.tr.SetMessageHandler(f.HandleMessage)
		f.tr.Connect()
	}
	if !waitConnected(f.tr, f.ConnectTimeout) {
		slog.Warn("Price feed start timed out waiting for transport")
		if f.ownership == OwnsTransport {
			f.tr.Close()
		}
		return false
	}

	if err := f.tr.SubscribeAllMids(); err != nil {
		slog.Warn("allMids subscribe failed", "err", err)
	}
	for _, coin := range coins {
		if err := f.tr.SubscribeL2Book(coin); err != nil {
			slog.Warn("l2Book subscribe failed", "coin", coin, "err", err)
		}
	}

	f.mu.Lock()
	f.running = true
	f.mu.Unlock()
	slog.Info("Price feed started", "coins", coins)
	return true
}

// Stop unsubscribes and, if this feed owns the transport, closes it.
// Idempotent.
func (f *PriceFeed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	coins := make([]string, 0, len(f.monitored))
	for c := range f.monitored {
		coins = append(coins, c)
	}
	f.mu.Unlock()

	f.tr.UnsubscribeAllMids()
	for _, coin := range coins {
		f.tr.UnsubscribeL2Book(coin)
	}
	if f.ownership == OwnsTransport {
		f.tr.Close()
	}
	slog.Info("Price feed stopped")
}

// AddTickerListener registers a callback fired with a ticker copy on every
// per-coin update.
func (f *PriceFeed) AddTickerListener(fn func(domain.Ticker)) uuid.UUID {
	return f.tickerListeners.Add(fn)
}

// RemoveTickerListener unregisters a ticker listener.
func (f *PriceFeed) RemoveTickerListener(id uuid.UUID) {
	f.tickerListeners.Remove(id)
}

// AddBatchListener registers a callback fired with a full snapshot after
// each aggregate mid message.
func (f *PriceFeed) AddBatchListener(fn func(map[string]domain.Ticker)) uuid.UUID {
	return f.batchListeners.Add(fn)
}

// RemoveBatchListener unregisters a batch listener.
func (f *PriceFeed) RemoveBatchListener(id uuid.UUID) {
	f.batchListeners.Remove(id)
}

// HandleMessage applies one decoded frame. Called from the transport
// delivery goroutine; messages for other feeds are ignored.
func (f *PriceFeed) HandleMessage(msg transport.Message) {
	switch m := msg.(type) {
	case transport.AllMidsMessage:
		f.applyMids(m)
	case transport.BookMessage:
		f.applyTopOfBook(m)
	}
}

func (f *PriceFeed) applyMids(m transport.AllMidsMessage) {
	now := f.now()

	f.mu.Lock()
	updated := make([]domain.Ticker, 0, len(m.Mids))
	for coin, px := range m.Mids {
		t, tracked := f.tickers[coin]
		if !tracked {
			if !f.tracks(coin) {
				continue
			}
			t = &domain.Ticker{Coin: coin}
			f.tickers[coin] = t
		}
		t.PriceMicros = px
		t.LastUpdate = now

		hist := append(f.history[coin], px)
		if len(hist) > priceHistoryCap {
			hist = hist[len(hist)-priceHistoryCap:]
		}
		f.history[coin] = hist
		if len(hist) >= 2 && hist[0] != 0 {
			t.ChangeRate24hMicros = changeRate(hist[0], px)
		}
		updated = append(updated, *t)
	}
	snapshot := f.snapshotLocked()
	f.mu.Unlock()

	for _, t := range updated {
		f.tickerListeners.Emit(t)
	}
	f.batchListeners.Emit(snapshot)
}

func (f *PriceFeed) applyTopOfBook(m transport.BookMessage) {
	f.mu.Lock()
	t, tracked := f.tickers[m.Coin]
	if !tracked {
		f.mu.Unlock()
		return
	}
	if len(m.Bids) > 0 {
		t.BidMicros = m.Bids[0].PriceMicros
	}
	if len(m.Asks) > 0 {
		t.AskMicros = m.Asks[0].PriceMicros
	}
	// The book mid is more authoritative than the aggregate snapshot once
	// both sides have been observed. If a side later empties, the last mid
	// holds rather than reverting to the aggregate value.
	if t.HasTopOfBook() {
		t.PriceMicros = (t.BidMicros + t.AskMicros) / 2
	}
	t.LastUpdate = f.now()
	cp := *t
	f.mu.Unlock()

	f.tickerListeners.Emit(cp)
}

// tracks reports whether a newly seen coin should be admitted. Caller holds
// the lock.
func (f *PriceFeed) tracks(coin string) bool {
	if f.monitored == nil {
		return true
	}
	_, ok := f.monitored[coin]
	return ok
}

func (f *PriceFeed) snapshotLocked() map[string]domain.Ticker {
	out := make(map[string]domain.Ticker, len(f.tickers))
	for coin, t := range f.tickers {
		out[coin] = *t
	}
	return out
}

// changeRate returns (cur-base)/base as a fraction in micros.
func changeRate(base, cur quant.PriceMicros) int64 {
	return int64(float64(cur-base) / float64(base) * quant.RateScale)
}

// GetPrice returns the last mid price, or false for an untracked coin.
func (f *PriceFeed) GetPrice(coin string) (quant.PriceMicros, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tickers[coin]
	if !ok {
		return 0, false
	}
	return t.PriceMicros, true
}

// GetBid returns the last bid, or false when untracked or not yet observed.
func (f *PriceFeed) GetBid(coin string) (quant.PriceMicros, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tickers[coin]
	if !ok || t.BidMicros == 0 {
		return 0, false
	}
	return t.BidMicros, true
}

// GetAsk returns the last ask, or false when untracked or not yet observed.
func (f *PriceFeed) GetAsk(coin string) (quant.PriceMicros, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tickers[coin]
	if !ok || t.AskMicros == 0 {
		return 0, false
	}
	return t.AskMicros, true
}

// GetBidAsk returns both sides of the top of book, or false unless both have
// been observed.
func (f *PriceFeed) GetBidAsk(coin string) (bid, ask quant.PriceMicros, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, found := f.tickers[coin]
	if !found || !t.HasTopOfBook() {
		return 0, 0, false
	}
	return t.BidMicros, t.AskMicros, true
}

// GetTicker returns a copy of the full ticker, or false for an untracked coin.
func (f *PriceFeed) GetTicker(coin string) (domain.Ticker, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tickers[coin]
	if !ok {
		return domain.Ticker{}, false
	}
	return *t, true
}

// GetAllPrices returns a snapshot of every tracked ticker.
func (f *PriceFeed) GetAllPrices() map[string]domain.Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotLocked()
}

// IsPriceStale reports whether the coin is untracked or its last update is
// older than maxAge. Always evaluated against wall-clock now, strictly
// greater-than at the boundary.
func (f *PriceFeed) IsPriceStale(coin string, maxAge time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tickers[coin]
	if !ok {
		return true
	}
	return t.Stale(f.now(), maxAge)
}
