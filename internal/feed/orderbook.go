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

const (
	// DefaultDepthLevels caps the stored ladder per side.
	DefaultDepthLevels = 20
	// DefaultUpdateThrottle rate-limits listener notification per coin.
	// State is always applied immediately; only the emit is gated.
	DefaultUpdateThrottle = 100 * time.Millisecond
)

// OrderBookFeed maintains a bounded-depth ladder per coin. Every ladder
// message replaces the stored book wholesale; there is no incremental
// patching.
type OrderBookFeed struct {
	tr        Transport
	ownership Ownership

	ConnectTimeout time.Duration
	Depth          int
	Throttle       time.Duration

	mu       sync.Mutex
	running  bool
	coins    []string
	books    map[string]*domain.OrderBook
	lastEmit map[string]time.Time

	bookListeners *listenerSet[domain.OrderBook]

	now func() time.Time
}

// NewOrderBookFeed creates an order book feed over the given transport.
func NewOrderBookFeed(tr Transport, ownership Ownership) *OrderBookFeed {
	return &OrderBookFeed{
		tr:             tr,
		ownership:      ownership,
		ConnectTimeout: defaultConnectTimeout,
		Depth:          DefaultDepthLevels,
		Throttle:       DefaultUpdateThrottle,
		books:          make(map[string]*domain.OrderBook),
		lastEmit:       make(map[string]time.Time),
		bookListeners:  newListenerSet[domain.OrderBook](),
		now:            time.Now,
	}
}

// Start subscribes to the ladder channel for each coin. Same connection-wait
// and idempotency contract as the price feed.
func (f *OrderBookFeed) Start(coins []string) bool {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return true
	}
	f.coins = append([]string(nil), coins...)
	f.mu.Unlock()

	if f.ownership == OwnsTransport {
		f.tr.SetMessageHandler(f.HandleMessage)
		f.tr.Connect()
	}
	if !waitConnected(f.tr, f.ConnectTimeout) {
		slog.Warn("Order book feed start timed out waiting for transport")
		if f.ownership == OwnsTransport {
			f.tr.Close()
		}
		return false
	}

	for _, coin := range coins {
		if err := f.tr.SubscribeL2Book(coin); err != nil {
			slog.Warn("l2Book subscribe failed", "coin", coin, "err", err)
		}
	}

	f.mu.Lock()
	f.running = true
	f.mu.Unlock()
	slog.Info("Order book feed started", "coins", coins, "depth", f.Depth)
	return true
}

// Stop unsubscribes and closes the transport if owned. Idempotent.
func (f *OrderBookFeed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	coins := f.coins
	f.mu.Unlock()

	for _, coin := range coins {
		f.tr.UnsubscribeL2Book(coin)
	}
	if f.ownership == OwnsTransport {
		f.tr.Close()
	}
	slog.Info("Order book feed stopped")
}

// AddBookListener registers a callback fired with a book copy on each
// non-throttled update.
func (f *OrderBookFeed) AddBookListener(fn func(domain.OrderBook)) uuid.UUID {
	return f.bookListeners.Add(fn)
}

// RemoveBookListener unregisters a book listener.
func (f *OrderBookFeed) RemoveBookListener(id uuid.UUID) {
	f.bookListeners.Remove(id)
}

// HandleMessage applies one decoded frame. Messages for other feeds are
// ignored.
func (f *OrderBookFeed) HandleMessage(msg transport.Message) {
	m, ok := msg.(transport.BookMessage)
	if !ok {
		return
	}

	now := f.now()

	f.mu.Lock()
	prev := f.books[m.Coin]
	var seq uint64 = 1
	if prev != nil {
		seq = prev.Sequence + 1
	}
	book := &domain.OrderBook{
		Coin:       m.Coin,
		Bids:       toLevels(m.Bids, f.Depth),
		Asks:       toLevels(m.Asks, f.Depth),
		LastUpdate: now,
		Sequence:   seq,
	}
	f.books[m.Coin] = book

	emit := now.Sub(f.lastEmit[m.Coin]) >= f.Throttle
	var cp domain.OrderBook
	if emit {
		f.lastEmit[m.Coin] = now
		cp = *book.Clone()
	}
	f.mu.Unlock()

	if emit {
		f.bookListeners.Emit(cp)
	}
}

func toLevels(raw []transport.BookLevel, depth int) []domain.OrderLevel {
	if len(raw) > depth {
		raw = raw[:depth]
	}
	levels := make([]domain.OrderLevel, len(raw))
	for i, lvl := range raw {
		levels[i] = domain.OrderLevel{
			PriceMicros: lvl.PriceMicros,
			SizeSats:    lvl.SizeSats,
			Count:       lvl.Count,
		}
	}
	return levels
}

// GetOrderBook returns a deep copy of the book, or false for an untracked
// coin.
func (f *OrderBookFeed) GetOrderBook(coin string) (*domain.OrderBook, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.books[coin]
	if !ok {
		return nil, false
	}
	return b.Clone(), true
}

// GetBestBid returns the top bid price, or false when untracked or empty.
func (f *OrderBookFeed) GetBestBid(coin string) (quant.PriceMicros, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.books[coin]
	if !ok {
		return 0, false
	}
	return b.BestBid()
}

// GetBestAsk returns the top ask price, or false when untracked or empty.
func (f *OrderBookFeed) GetBestAsk(coin string) (quant.PriceMicros, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.books[coin]
	if !ok {
		return 0, false
	}
	return b.BestAsk()
}

// GetSpread returns the absolute spread, or false when either side is empty.
func (f *OrderBookFeed) GetSpread(coin string) (quant.PriceMicros, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.books[coin]
	if !ok {
		return 0, false
	}
	return b.Spread()
}

// DepthSummary is the summed size per side plus the normalized imbalance.
type DepthSummary struct {
	BidDepthSats quant.QtySats
	AskDepthSats quant.QtySats
	Imbalance    float64
}

// GetDepth returns summed depth per side and imbalance, or false for an
// untracked coin.
func (f *OrderBookFeed) GetDepth(coin string) (DepthSummary, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.books[coin]
	if !ok {
		return DepthSummary{}, false
	}
	return DepthSummary{
		BidDepthSats: b.BidDepth(),
		AskDepthSats: b.AskDepth(),
		Imbalance:    b.Imbalance(),
	}, true
}

// GetImbalance returns the book imbalance in [-1, 1], or false for an
// untracked coin.
func (f *OrderBookFeed) GetImbalance(coin string) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.books[coin]
	if !ok {
		return 0, false
	}
	return b.Imbalance(), true
}

// GetLevels returns up to limit levels of one side, best first. Limit <= 0
// means all stored levels.
func (f *OrderBookFeed) GetLevels(coin string, side domain.BookSide, limit int) []domain.OrderLevel {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.books[coin]
	if !ok {
		return nil
	}
	src := b.Bids
	if side == domain.AskSide {
		src = b.Asks
	}
	if limit > 0 && limit < len(src) {
		src = src[:limit]
	}
	return append([]domain.OrderLevel(nil), src...)
}

// GetAllOrderBooks returns deep copies of every tracked book.
func (f *OrderBookFeed) GetAllOrderBooks() map[string]*domain.OrderBook {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]*domain.OrderBook, len(f.books))
	for coin, b := range f.books {
		out[coin] = b.Clone()
	}
	return out
}

// IsOrderBookStale reports whether the coin is untracked or its book is
// older than maxAge.
func (f *OrderBookFeed) IsOrderBookStale(coin string, maxAge time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.books[coin]
	if !ok {
		return true
	}
	return b.Stale(f.now(), maxAge)
}
