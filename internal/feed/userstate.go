package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"hyperfeed/internal/domain"
	"hyperfeed/internal/transport"
	"hyperfeed/pkg/quant"
	"hyperfeed/pkg/safe"
)

// fillBufferCap bounds the recent-fills ring, newest first.
const fillBufferCap = 100

// PositionUpdate is what position listeners receive. Closed updates carry
// zero size and a nil Position: delete-on-zero, not a soft-close flag on the
// record itself.
type PositionUpdate struct {
	Coin     string
	SizeSats quant.QtySats
	Closed   bool
	Position *domain.Position
}

// UserStateFeed maintains the authenticated user's positions, recent fills,
// and account state. Start bootstraps from a synchronous REST snapshot
// before subscribing, so a successful start never exposes an empty state
// window when the account has positions.
type UserStateFeed struct {
	tr        Transport
	ownership Ownership
	user      string
	fallback  Fallback

	ConnectTimeout time.Duration

	mu           sync.Mutex
	running      bool
	bootstrapped bool
	positions    map[string]*domain.Position
	fills        []domain.Fill
	account      domain.AccountState
	hasAccount   bool

	positionListeners *listenerSet[PositionUpdate]
	fillListeners     *listenerSet[domain.Fill]
	accountListeners  *listenerSet[domain.AccountState]
	orderListeners    *listenerSet[transport.OrderUpdate]

	now func() time.Time
}

// NewUserStateFeed creates a user-state feed scoped to the given user
// address. The fallback client is used once at start for the bootstrap
// snapshot; it may be nil, in which case the feed starts empty.
func NewUserStateFeed(tr Transport, ownership Ownership, user string, fallback Fallback) *UserStateFeed {
	return &UserStateFeed{
		tr:                tr,
		ownership:         ownership,
		user:              user,
		fallback:          fallback,
		ConnectTimeout:    defaultConnectTimeout,
		positions:         make(map[string]*domain.Position),
		positionListeners: newListenerSet[PositionUpdate](),
		fillListeners:     newListenerSet[domain.Fill](),
		accountListeners:  newListenerSet[domain.AccountState](),
		orderListeners:    newListenerSet[transport.OrderUpdate](),
		now:               time.Now,
	}
}

// Start bootstraps state from REST, then subscribes to the user's fills,
// order updates, and user events. Returns false without side effects when
// no user address is configured.
func (f *UserStateFeed) Start() bool {
	if f.user == "" {
		slog.Warn("User state feed has no user address, refusing to start")
		return false
	}

	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return true
	}
	f.mu.Unlock()

	f.bootstrap()

	if f.ownership == OwnsTransport {
		f.tr.SetMessageHandler(f.HandleMessage)
		f.tr.Connect()
	}
	if !waitConnected(f.tr, f.ConnectTimeout) {
		slog.Warn("User state feed start timed out waiting for transport")
		if f.ownership == OwnsTransport {
			f.tr.Close()
		}
		return false
	}

	if err := f.tr.SubscribeUserFills(f.user); err != nil {
		slog.Warn("userFills subscribe failed", "err", err)
	}
	if err := f.tr.SubscribeOrderUpdates(f.user); err != nil {
		slog.Warn("orderUpdates subscribe failed", "err", err)
	}
	if err := f.tr.SubscribeUserEvents(f.user); err != nil {
		slog.Warn("userEvents subscribe failed", "err", err)
	}

	f.mu.Lock()
	f.running = true
	f.mu.Unlock()
	slog.Info("User state feed started", "user", f.user)
	return true
}

// bootstrap populates positions and account state from one synchronous
// snapshot. A fetch failure is logged and tolerated: the live stream will
// fill the state in.
func (f *UserStateFeed) bootstrap() {
	if f.fallback == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.ConnectTimeout)
	defer cancel()

	snap, err := f.fallback.Account(ctx, f.user)
	if err != nil {
		slog.Warn("User state bootstrap failed", "err", err)
		return
	}

	now := f.now()
	f.mu.Lock()
	for i := range snap.Positions {
		p := snap.Positions[i]
		if p.SizeSats == 0 {
			continue
		}
		p.LastUpdate = now
		f.positions[p.Coin] = &p
	}
	f.account = snap.Account
	f.account.LastUpdate = now
	f.hasAccount = true
	f.bootstrapped = true
	f.mu.Unlock()
	slog.Info("User state bootstrapped", "positions", len(snap.Positions))
}

// Stop unsubscribes and closes the transport if owned. Idempotent.
func (f *UserStateFeed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	f.mu.Unlock()

	f.tr.UnsubscribeUserFills(f.user)
	f.tr.UnsubscribeOrderUpdates(f.user)
	f.tr.UnsubscribeUserEvents(f.user)
	if f.ownership == OwnsTransport {
		f.tr.Close()
	}
	slog.Info("User state feed stopped")
}

// AddPositionListener registers a callback fired per touched coin on every
// position-bearing event.
func (f *UserStateFeed) AddPositionListener(fn func(PositionUpdate)) uuid.UUID {
	return f.positionListeners.Add(fn)
}

// RemovePositionListener unregisters a position listener.
func (f *UserStateFeed) RemovePositionListener(id uuid.UUID) {
	f.positionListeners.Remove(id)
}

// AddFillListener registers a callback fired once per fill.
func (f *UserStateFeed) AddFillListener(fn func(domain.Fill)) uuid.UUID {
	return f.fillListeners.Add(fn)
}

// RemoveFillListener unregisters a fill listener.
func (f *UserStateFeed) RemoveFillListener(id uuid.UUID) {
	f.fillListeners.Remove(id)
}

// AddAccountListener registers a callback fired on every account overwrite.
func (f *UserStateFeed) AddAccountListener(fn func(domain.AccountState)) uuid.UUID {
	return f.accountListeners.Add(fn)
}

// RemoveAccountListener unregisters an account listener.
func (f *UserStateFeed) RemoveAccountListener(id uuid.UUID) {
	f.accountListeners.Remove(id)
}

// AddOrderListener registers a callback fired per order update. Order
// updates are dispatched, never stored.
func (f *UserStateFeed) AddOrderListener(fn func(transport.OrderUpdate)) uuid.UUID {
	return f.orderListeners.Add(fn)
}

// RemoveOrderListener unregisters an order listener.
func (f *UserStateFeed) RemoveOrderListener(id uuid.UUID) {
	f.orderListeners.Remove(id)
}

// HandleMessage applies one decoded frame. Messages for other feeds are
// ignored.
func (f *UserStateFeed) HandleMessage(msg transport.Message) {
	switch m := msg.(type) {
	case transport.FillsMessage:
		f.applyFills(m)
	case transport.OrderUpdatesMessage:
		for _, u := range m.Updates {
			f.orderListeners.Emit(u)
		}
	case transport.UserEventsMessage:
		f.applyUserEvents(m)
	}
}

func (f *UserStateFeed) applyFills(m transport.FillsMessage) {
	// Fills are stamped with local receive time, not the exchange
	// timestamp: local ordering beats exchange clock skew.
	now := f.now()

	stored := make([]domain.Fill, 0, len(m.Fills))
	f.mu.Lock()
	for _, ev := range m.Fills {
		fill := domain.Fill{
			Coin:            ev.Coin,
			Side:            ev.Side,
			SizeSats:        ev.SizeSats,
			PriceMicros:     ev.PriceMicros,
			Time:            now,
			FeeMicros:       ev.FeeMicros,
			OrderID:         ev.OrderID,
			ClosedPnlMicros: ev.ClosedPnlMicros,
		}
		f.fills = append([]domain.Fill{fill}, f.fills...)
		stored = append(stored, fill)
	}
	if len(f.fills) > fillBufferCap {
		f.fills = f.fills[:fillBufferCap]
	}
	f.mu.Unlock()

	for _, fill := range stored {
		f.fillListeners.Emit(fill)
	}
}

func (f *UserStateFeed) applyUserEvents(m transport.UserEventsMessage) {
	now := f.now()
	var updates []PositionUpdate

	f.mu.Lock()
	if m.HasPositions {
		for _, ev := range m.Positions {
			if ev.SizeSats == 0 {
				if _, open := f.positions[ev.Coin]; open {
					delete(f.positions, ev.Coin)
					updates = append(updates, PositionUpdate{Coin: ev.Coin, Closed: true})
				}
				continue
			}
			p := &domain.Position{
				Coin:                 ev.Coin,
				SizeSats:             ev.SizeSats,
				EntryPriceMicros:     ev.EntryPxMicros,
				UnrealizedPnlMicros:  ev.UnrealizedPnlMicros,
				ReturnOnEquityMicros: ev.ReturnOnEquityMicros,
				Leverage:             ev.Leverage,
				LiquidationPxMicros:  ev.LiquidationPxMicros,
				MarginUsedMicros:     ev.MarginUsedMicros,
				LastUpdate:           now,
			}
			f.positions[ev.Coin] = p
			cp := *p
			updates = append(updates, PositionUpdate{
				Coin:     ev.Coin,
				SizeSats: ev.SizeSats,
				Position: &cp,
			})
		}
	}

	var account *domain.AccountState
	if m.MarginSummary != nil {
		f.account = domain.AccountState{
			AccountValueMicros:       m.MarginSummary.AccountValueMicros,
			WithdrawableMicros:       m.MarginSummary.WithdrawableMicros,
			TotalMarginUsedMicros:    m.MarginSummary.TotalMarginUsedMicros,
			TotalUnrealizedPnlMicros: f.totalPnlLocked(),
			LastUpdate:               now,
		}
		f.hasAccount = true
		cp := f.account
		account = &cp
	}
	f.mu.Unlock()

	for _, u := range updates {
		f.positionListeners.Emit(u)
	}
	if account != nil {
		f.accountListeners.Emit(*account)
	}
}

func (f *UserStateFeed) totalPnlLocked() int64 {
	var total int64
	for _, p := range f.positions {
		total = safe.SafeAdd(total, p.UnrealizedPnlMicros)
	}
	return total
}

// Bootstrapped reports whether the initial snapshot fetch succeeded. A
// bootstrapped feed with no positions is known flat, not missing data.
func (f *UserStateFeed) Bootstrapped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bootstrapped
}

// GetPosition returns a copy of the open position, or false when none.
func (f *UserStateFeed) GetPosition(coin string) (domain.Position, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.positions[coin]
	if !ok {
		return domain.Position{}, false
	}
	return *p, true
}

// GetAllPositions returns a snapshot of every open position keyed by coin.
func (f *UserStateFeed) GetAllPositions() map[string]domain.Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]domain.Position, len(f.positions))
	for coin, p := range f.positions {
		out[coin] = *p
	}
	return out
}

// GetPositionsList returns the open positions as a flat slice.
func (f *UserStateFeed) GetPositionsList() []domain.Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Position, 0, len(f.positions))
	for _, p := range f.positions {
		out = append(out, *p)
	}
	return out
}

// HasPosition reports whether the user has an open position in the coin.
func (f *UserStateFeed) HasPosition(coin string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.positions[coin]
	return ok
}

// GetPositionSize returns the signed size of the open position, zero when
// none.
func (f *UserStateFeed) GetPositionSize(coin string) quant.QtySats {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.positions[coin]
	if !ok {
		return 0
	}
	return p.SizeSats
}

// GetTotalPnl returns the summed unrealized PnL across all open positions.
func (f *UserStateFeed) GetTotalPnl() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.totalPnlLocked()
}

// GetAccountState returns a copy of the account state, or false before the
// first account event or bootstrap.
func (f *UserStateFeed) GetAccountState() (domain.AccountState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hasAccount {
		return domain.AccountState{}, false
	}
	return f.account, true
}

// GetRecentFills returns up to limit fills, newest first. Limit <= 0 means
// all buffered fills.
func (f *UserStateFeed) GetRecentFills(limit int) []domain.Fill {
	f.mu.Lock()
	defer f.mu.Unlock()
	fills := f.fills
	if limit > 0 && limit < len(fills) {
		fills = fills[:limit]
	}
	return append([]domain.Fill(nil), fills...)
}

// IsPositionStale reports whether the coin has no open position or its last
// update is older than maxAge.
func (f *UserStateFeed) IsPositionStale(coin string, maxAge time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.positions[coin]
	if !ok {
		return true
	}
	return p.Stale(f.now(), maxAge)
}
