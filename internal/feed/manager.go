package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"hyperfeed/internal/domain"
	"hyperfeed/internal/infra"
	"hyperfeed/internal/transport"
	"hyperfeed/pkg/quant"
)

// Staleness thresholds applied by the manager before trusting live data.
// Order book data goes stale faster than price data: spread-sensitive reads
// need a tighter bound.
const (
	priceStaleAfter    = 5 * time.Second
	bookStaleAfter     = 2 * time.Second
	positionStaleAfter = 30 * time.Second
)

// PositionSnapshot is the composite shape GetPosition returns on both the
// live and the fallback path, so upstream callers never care which path
// served them.
type PositionSnapshot struct {
	Positions        []domain.Position
	InPosition       bool
	SizeSats         quant.QtySats
	Coin             string
	EntryPriceMicros quant.PriceMicros
	PnlPercentMicros int64
	IsLong           bool
}

// Manager composes the three feeds behind one facade. Every read returns
// live feed data when fresh, falls back to a synchronous REST call when
// permitted, and returns ErrUnavailable otherwise. Fallback results are
// never cached.
type Manager struct {
	cfg      *infra.Config
	tr       Transport
	fallback Fallback

	price *PriceFeed
	book  *OrderBookFeed
	user  *UserStateFeed

	mu      sync.Mutex
	running bool

	now func() time.Time
}

// NewManager wires the three feeds against one shared transport. The feeds
// never close the shared connection themselves; only Stop does.
func NewManager(cfg *infra.Config, tr Transport, fallback Fallback) *Manager {
	m := &Manager{
		cfg:      cfg,
		tr:       tr,
		fallback: fallback,
		price:    NewPriceFeed(tr, SharedTransport),
		book:     NewOrderBookFeed(tr, SharedTransport),
		user:     NewUserStateFeed(tr, SharedTransport, cfg.Hyperliquid.UserAddress, fallback),
		now:      time.Now,
	}

	timeout := time.Duration(cfg.Feeds.ConnectTimeoutSec) * time.Second
	m.price.ConnectTimeout = timeout
	m.book.ConnectTimeout = timeout
	m.user.ConnectTimeout = timeout
	m.book.Depth = cfg.Feeds.DepthLevels
	m.book.Throttle = time.Duration(cfg.Feeds.UpdateThrottleMS) * time.Millisecond
	return m
}

// PriceFeed exposes the underlying price feed for listener registration.
func (m *Manager) PriceFeed() *PriceFeed { return m.price }

// OrderBookFeed exposes the underlying order book feed.
func (m *Manager) OrderBookFeed() *OrderBookFeed { return m.book }

// UserStateFeed exposes the underlying user-state feed.
func (m *Manager) UserStateFeed() *UserStateFeed { return m.user }

// Start connects the shared transport and starts all three feeds against
// it. Returns false immediately when WebSocket mode is disabled (pure
// fallback mode) or when the connection never comes up.
func (m *Manager) Start(coins []string) bool {
	if !m.cfg.Feeds.UseWebSocket {
		slog.Info("WebSocket mode disabled, running in pure fallback mode")
		return false
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return true
	}
	m.mu.Unlock()

	if len(coins) == 0 {
		coins = m.cfg.Hyperliquid.Symbols
	}

	m.tr.SetMessageHandler(m.dispatch)
	m.tr.Connect()
	timeout := time.Duration(m.cfg.Feeds.ConnectTimeoutSec) * time.Second
	if !waitConnected(m.tr, timeout) {
		slog.Warn("Manager start timed out waiting for transport")
		m.tr.Close()
		return false
	}

	if !m.price.Start(coins) || !m.book.Start(coins) {
		m.stopFeeds()
		m.tr.Close()
		return false
	}
	// A missing user address only disables the user-state feed; market data
	// still runs.
	if m.cfg.Hyperliquid.UserAddress != "" {
		m.user.Start()
	}

	m.mu.Lock()
	m.running = true
	m.mu.Unlock()
	slog.Info("Data manager started", "coins", coins)
	return true
}

// dispatch fans one decoded frame out to every feed. Each feed ignores
// message kinds it does not handle.
func (m *Manager) dispatch(msg transport.Message) {
	m.price.HandleMessage(msg)
	m.book.HandleMessage(msg)
	m.user.HandleMessage(msg)
}

// Stop stops all feeds, then closes the shared transport. Safe to call when
// not running.
func (m *Manager) Stop() {
	m.mu.Lock()
	wasRunning := m.running
	m.running = false
	m.mu.Unlock()

	m.stopFeeds()
	if wasRunning {
		m.tr.Close()
		slog.Info("Data manager stopped")
	}
}

func (m *Manager) stopFeeds() {
	m.price.Stop()
	m.book.Stop()
	m.user.Stop()
}

// IsRunning reports whether the manager started successfully and has not
// been stopped.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// DataSource reports which path a price read for the coin would use right
// now: "websocket" or "api". Diagnostics only.
func (m *Manager) DataSource(coin string) string {
	if m.IsRunning() && !m.price.IsPriceStale(coin, priceStaleAfter) {
		return "websocket"
	}
	return "api"
}

// GetCurrentPrice returns the freshest mid price for the coin.
func (m *Manager) GetCurrentPrice(ctx context.Context, coin string) (quant.PriceMicros, error) {
	if m.IsRunning() && !m.price.IsPriceStale(coin, priceStaleAfter) {
		if px, ok := m.price.GetPrice(coin); ok {
			return px, nil
		}
	}
	if !m.cfg.Feeds.FallbackToREST {
		return 0, ErrUnavailable
	}
	mids, err := m.fallback.Mids(ctx)
	if err != nil {
		return 0, err
	}
	px, ok := mids[coin]
	if !ok {
		return 0, ErrUnavailable
	}
	return px, nil
}

// GetAskBid returns the freshest top of book. Live order book data is
// preferred over the price feed's top of book: it carries the tighter
// staleness bound.
func (m *Manager) GetAskBid(ctx context.Context, coin string) (ask, bid quant.PriceMicros, err error) {
	if m.IsRunning() && !m.book.IsOrderBookStale(coin, bookStaleAfter) {
		bb, okB := m.book.GetBestBid(coin)
		ba, okA := m.book.GetBestAsk(coin)
		if okB && okA {
			return ba, bb, nil
		}
	}
	if m.IsRunning() && !m.price.IsPriceStale(coin, priceStaleAfter) {
		if b, a, ok := m.price.GetBidAsk(coin); ok {
			return a, b, nil
		}
	}
	if !m.cfg.Feeds.FallbackToREST {
		return 0, 0, ErrUnavailable
	}
	book, err := m.fallback.Book(ctx, coin, m.cfg.Feeds.DepthLevels)
	if err != nil {
		return 0, 0, err
	}
	bb, okB := book.BestBid()
	ba, okA := book.BestAsk()
	if !okB || !okA {
		return 0, 0, ErrUnavailable
	}
	return ba, bb, nil
}

// GetOrderBook returns the freshest full ladder for the coin.
func (m *Manager) GetOrderBook(ctx context.Context, coin string) (*domain.OrderBook, error) {
	if m.IsRunning() && !m.book.IsOrderBookStale(coin, bookStaleAfter) {
		if b, ok := m.book.GetOrderBook(coin); ok {
			return b, nil
		}
	}
	if !m.cfg.Feeds.FallbackToREST {
		return nil, ErrUnavailable
	}
	return m.fallback.Book(ctx, coin, m.cfg.Feeds.DepthLevels)
}

// GetPosition returns the position snapshot for one coin, shaped
// identically on the live and fallback paths.
func (m *Manager) GetPosition(ctx context.Context, coin string) (PositionSnapshot, error) {
	if m.IsRunning() && !m.user.IsPositionStale(coin, positionStaleAfter) {
		if p, ok := m.user.GetPosition(coin); ok {
			return positionSnapshot(m.user.GetPositionsList(), &p, coin), nil
		}
	}
	// A bootstrapped feed with no position in the coin is known flat, not
	// missing data.
	if m.IsRunning() && m.user.Bootstrapped() && !m.user.HasPosition(coin) {
		return positionSnapshot(m.user.GetPositionsList(), nil, coin), nil
	}
	if !m.cfg.Feeds.FallbackToREST {
		return PositionSnapshot{}, ErrUnavailable
	}
	snap, err := m.fallback.Account(ctx, m.cfg.Hyperliquid.UserAddress)
	if err != nil {
		return PositionSnapshot{}, err
	}
	var match *domain.Position
	for i := range snap.Positions {
		if snap.Positions[i].Coin == coin && snap.Positions[i].SizeSats != 0 {
			match = &snap.Positions[i]
			break
		}
	}
	return positionSnapshot(snap.Positions, match, coin), nil
}

func positionSnapshot(all []domain.Position, p *domain.Position, coin string) PositionSnapshot {
	snap := PositionSnapshot{Positions: all, Coin: coin}
	if p == nil {
		return snap
	}
	snap.InPosition = true
	snap.SizeSats = p.SizeSats
	snap.EntryPriceMicros = p.EntryPriceMicros
	snap.PnlPercentMicros = p.PnlPercentMicros()
	snap.IsLong = p.IsLong()
	return snap
}

// GetAllPositions returns every open position for the user.
func (m *Manager) GetAllPositions(ctx context.Context) ([]domain.Position, error) {
	if m.IsRunning() {
		list := m.user.GetPositionsList()
		if len(list) > 0 || m.user.Bootstrapped() {
			return list, nil
		}
	}
	if !m.cfg.Feeds.FallbackToREST {
		return nil, ErrUnavailable
	}
	snap, err := m.fallback.Account(ctx, m.cfg.Hyperliquid.UserAddress)
	if err != nil {
		return nil, err
	}
	return snap.Positions, nil
}

// GetAccountValue returns the account equity in USD micros.
func (m *Manager) GetAccountValue(ctx context.Context) (int64, error) {
	if m.IsRunning() {
		if acct, ok := m.user.GetAccountState(); ok && !acct.LastUpdate.IsZero() {
			if m.now().Sub(acct.LastUpdate) <= positionStaleAfter {
				return acct.AccountValueMicros, nil
			}
		}
	}
	if !m.cfg.Feeds.FallbackToREST {
		return 0, ErrUnavailable
	}
	snap, err := m.fallback.Account(ctx, m.cfg.Hyperliquid.UserAddress)
	if err != nil {
		return 0, err
	}
	return snap.Account.AccountValueMicros, nil
}

// GetBalance returns the withdrawable balance in USD micros.
func (m *Manager) GetBalance(ctx context.Context) (int64, error) {
	if m.IsRunning() {
		if acct, ok := m.user.GetAccountState(); ok && !acct.LastUpdate.IsZero() {
			if m.now().Sub(acct.LastUpdate) <= positionStaleAfter {
				return acct.WithdrawableMicros, nil
			}
		}
	}
	if !m.cfg.Feeds.FallbackToREST {
		return 0, ErrUnavailable
	}
	snap, err := m.fallback.Account(ctx, m.cfg.Hyperliquid.UserAddress)
	if err != nil {
		return 0, err
	}
	return snap.Account.WithdrawableMicros, nil
}
