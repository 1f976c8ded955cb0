package transport

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"hyperfeed/pkg/quant"
)

// Channel names as they appear on the wire.
const (
	ChannelAllMids      = "allMids"
	ChannelL2Book       = "l2Book"
	ChannelUserFills    = "userFills"
	ChannelOrderUpdates = "orderUpdates"
	ChannelUserEvents   = "userEvents"

	channelSubResponse = "subscriptionResponse"
	channelPong        = "pong"
)

// ErrIgnoredChannel marks frames the client handles itself (pong,
// subscription acks). Callers drop these silently.
var ErrIgnoredChannel = fmt.Errorf("ignored channel")

// Message is one decoded frame, tagged by channel. Each channel has its own
// concrete type with fully typed fields; there is no dynamic payload access.
type Message interface {
	Channel() string
}

// AllMidsMessage carries the aggregate mid-price snapshot for every coin.
type AllMidsMessage struct {
	Mids map[string]quant.PriceMicros
}

func (AllMidsMessage) Channel() string { return ChannelAllMids }

// BookLevel is one parsed ladder entry.
type BookLevel struct {
	PriceMicros quant.PriceMicros
	SizeSats    quant.QtySats
	Count       int
}

// BookMessage is a full L2 ladder snapshot for one coin. Bids come first on
// the wire and are already ordered best-first on both sides.
type BookMessage struct {
	Coin   string
	Bids   []BookLevel
	Asks   []BookLevel
	TimeMS int64
}

func (BookMessage) Channel() string { return ChannelL2Book }

// FillEvent is one trade execution as reported by the exchange.
type FillEvent struct {
	Coin            string
	Side            string // "B" buy, "A" sell
	SizeSats        quant.QtySats
	PriceMicros     quant.PriceMicros
	FeeMicros       int64
	OrderID         string
	ClosedPnlMicros int64
}

// FillsMessage carries a batch of fills for the subscribed user.
type FillsMessage struct {
	Fills []FillEvent
}

func (FillsMessage) Channel() string { return ChannelUserFills }

// OrderUpdate is one order status change, flattened from the nested wire shape.
type OrderUpdate struct {
	OrderID       string
	Coin          string
	Side          string
	SizeSats      quant.QtySats
	LimitPxMicros quant.PriceMicros
	Status        string
	FilledSats    quant.QtySats
}

// OrderUpdatesMessage carries a batch of order updates.
type OrderUpdatesMessage struct {
	Updates []OrderUpdate
}

func (OrderUpdatesMessage) Channel() string { return ChannelOrderUpdates }

// PositionEvent is one position row from a user event. SizeSats is signed;
// zero size means the position was closed.
type PositionEvent struct {
	Coin                 string
	SizeSats             quant.QtySats
	EntryPxMicros        quant.PriceMicros
	UnrealizedPnlMicros  int64
	ReturnOnEquityMicros int64
	Leverage             int64
	LiquidationPxMicros  *quant.PriceMicros
	MarginUsedMicros     int64
}

// MarginSummary is the wholesale account snapshot carried by user events.
type MarginSummary struct {
	AccountValueMicros    int64
	WithdrawableMicros    int64
	TotalMarginUsedMicros int64
	TotalNtlPosMicros     int64
}

// UserEventsMessage carries position updates and/or a margin summary.
// Either part may be absent.
type UserEventsMessage struct {
	Positions     []PositionEvent
	HasPositions  bool
	MarginSummary *MarginSummary
}

func (UserEventsMessage) Channel() string { return ChannelUserEvents }

// envelope is the outer wire frame: {"channel": ..., "data": ...}.
type envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// ParseMessage decodes one raw frame into its typed message. Unknown channel
// tags are an error (logged and skipped by the caller); malformed individual
// records inside a frame are skipped here without failing the frame.
func ParseMessage(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	switch env.Channel {
	case ChannelAllMids:
		return parseAllMids(env.Data)
	case ChannelL2Book:
		return parseL2Book(env.Data)
	case ChannelUserFills:
		return parseUserFills(env.Data)
	case ChannelOrderUpdates:
		return parseOrderUpdates(env.Data)
	case ChannelUserEvents:
		return parseUserEvents(env.Data)
	case channelSubResponse, channelPong:
		return nil, ErrIgnoredChannel
	default:
		return nil, fmt.Errorf("unknown channel %q", env.Channel)
	}
}

func parseAllMids(data json.RawMessage) (Message, error) {
	var wire struct {
		Mids map[string]string `json:"mids"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("allMids payload: %w", err)
	}

	msg := AllMidsMessage{Mids: make(map[string]quant.PriceMicros, len(wire.Mids))}
	for coin, px := range wire.Mids {
		price, err := quant.ParsePrice(px)
		if err != nil {
			slog.Debug("Skipping unparseable mid", "coin", coin, "px", px)
			continue
		}
		msg.Mids[coin] = price
	}
	return msg, nil
}

type wireLevel struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
	N  int    `json:"n"`
}

func parseLevels(coin string, raw []wireLevel) []BookLevel {
	levels := make([]BookLevel, 0, len(raw))
	for _, lvl := range raw {
		px, err := quant.ParsePrice(lvl.Px)
		if err != nil {
			slog.Debug("Skipping unparseable level price", "coin", coin, "px", lvl.Px)
			continue
		}
		sz, err := quant.ParseQty(lvl.Sz)
		if err != nil {
			slog.Debug("Skipping unparseable level size", "coin", coin, "sz", lvl.Sz)
			continue
		}
		count := lvl.N
		if count <= 0 {
			count = 1
		}
		levels = append(levels, BookLevel{PriceMicros: px, SizeSats: sz, Count: count})
	}
	return levels
}

func parseL2Book(data json.RawMessage) (Message, error) {
	var wire struct {
		Coin   string        `json:"coin"`
		Levels [][]wireLevel `json:"levels"`
		Time   int64         `json:"time"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("l2Book payload: %w", err)
	}
	if wire.Coin == "" || len(wire.Levels) < 2 {
		return nil, fmt.Errorf("l2Book payload missing coin or sides")
	}

	return BookMessage{
		Coin:   wire.Coin,
		Bids:   parseLevels(wire.Coin, wire.Levels[0]),
		Asks:   parseLevels(wire.Coin, wire.Levels[1]),
		TimeMS: wire.Time,
	}, nil
}

func parseUserFills(data json.RawMessage) (Message, error) {
	var wire []struct {
		Coin      string      `json:"coin"`
		Side      string      `json:"side"`
		Sz        string      `json:"sz"`
		Px        string      `json:"px"`
		Fee       string      `json:"fee"`
		Oid       json.Number `json:"oid"`
		ClosedPnl string      `json:"closedPnl"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("userFills payload: %w", err)
	}

	msg := FillsMessage{Fills: make([]FillEvent, 0, len(wire))}
	for _, f := range wire {
		sz, err := quant.ParseQty(f.Sz)
		if err != nil {
			slog.Debug("Skipping fill with bad size", "coin", f.Coin, "sz", f.Sz)
			continue
		}
		px, err := quant.ParsePrice(f.Px)
		if err != nil {
			slog.Debug("Skipping fill with bad price", "coin", f.Coin, "px", f.Px)
			continue
		}
		fee, _ := quant.ParseUSD(f.Fee)
		pnl, _ := quant.ParseUSD(f.ClosedPnl)
		msg.Fills = append(msg.Fills, FillEvent{
			Coin:            f.Coin,
			Side:            f.Side,
			SizeSats:        sz,
			PriceMicros:     px,
			FeeMicros:       fee,
			OrderID:         f.Oid.String(),
			ClosedPnlMicros: pnl,
		})
	}
	return msg, nil
}

func parseOrderUpdates(data json.RawMessage) (Message, error) {
	var wire []struct {
		Order struct {
			Oid     json.Number `json:"oid"`
			Coin    string      `json:"coin"`
			Side    string      `json:"side"`
			Sz      string      `json:"sz"`
			LimitPx string      `json:"limitPx"`
			Filled  string      `json:"filled"`
		} `json:"order"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("orderUpdates payload: %w", err)
	}

	msg := OrderUpdatesMessage{Updates: make([]OrderUpdate, 0, len(wire))}
	for _, u := range wire {
		sz, err := quant.ParseQty(u.Order.Sz)
		if err != nil {
			slog.Debug("Skipping order update with bad size", "oid", u.Order.Oid, "sz", u.Order.Sz)
			continue
		}
		px, _ := quant.ParsePrice(u.Order.LimitPx)
		filled, _ := quant.ParseQty(u.Order.Filled)
		msg.Updates = append(msg.Updates, OrderUpdate{
			OrderID:       u.Order.Oid.String(),
			Coin:          u.Order.Coin,
			Side:          u.Order.Side,
			SizeSats:      sz,
			LimitPxMicros: px,
			Status:        u.Status,
			FilledSats:    filled,
		})
	}
	return msg, nil
}

func parseUserEvents(data json.RawMessage) (Message, error) {
	var wire struct {
		AssetPositions []struct {
			Position struct {
				Coin           string `json:"coin"`
				Szi            string `json:"szi"`
				EntryPx        string `json:"entryPx"`
				UnrealizedPnl  string `json:"unrealizedPnl"`
				ReturnOnEquity string `json:"returnOnEquity"`
				Leverage       struct {
					Value int64 `json:"value"`
				} `json:"leverage"`
				LiquidationPx string `json:"liquidationPx"`
				MarginUsed    string `json:"marginUsed"`
			} `json:"position"`
		} `json:"assetPositions"`
		MarginSummary *struct {
			AccountValue    string `json:"accountValue"`
			Withdrawable    string `json:"withdrawable"`
			TotalMarginUsed string `json:"totalMarginUsed"`
			TotalNtlPos     string `json:"totalNtlPos"`
		} `json:"marginSummary"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("userEvents payload: %w", err)
	}

	msg := UserEventsMessage{HasPositions: wire.AssetPositions != nil}
	for _, ap := range wire.AssetPositions {
		p := ap.Position
		size, err := quant.ParseQty(p.Szi)
		if err != nil {
			slog.Debug("Skipping position with bad size", "coin", p.Coin, "szi", p.Szi)
			continue
		}
		entry, _ := quant.ParsePrice(p.EntryPx)
		pnl, _ := quant.ParseUSD(p.UnrealizedPnl)
		roe, _ := quant.ParseRate(p.ReturnOnEquity)
		margin, _ := quant.ParseUSD(p.MarginUsed)

		ev := PositionEvent{
			Coin:                 p.Coin,
			SizeSats:             size,
			EntryPxMicros:        entry,
			UnrealizedPnlMicros:  pnl,
			ReturnOnEquityMicros: roe,
			Leverage:             p.Leverage.Value,
			MarginUsedMicros:     margin,
		}
		if p.LiquidationPx != "" {
			if liq, err := quant.ParsePrice(p.LiquidationPx); err == nil {
				ev.LiquidationPxMicros = &liq
			}
		}
		msg.Positions = append(msg.Positions, ev)
	}

	if wire.MarginSummary != nil {
		av, _ := quant.ParseUSD(wire.MarginSummary.AccountValue)
		wd, _ := quant.ParseUSD(wire.MarginSummary.Withdrawable)
		mu, _ := quant.ParseUSD(wire.MarginSummary.TotalMarginUsed)
		ntl, _ := quant.ParseUSD(wire.MarginSummary.TotalNtlPos)
		msg.MarginSummary = &MarginSummary{
			AccountValueMicros:    av,
			WithdrawableMicros:    wd,
			TotalMarginUsedMicros: mu,
			TotalNtlPosMicros:     ntl,
		}
	}

	return msg, nil
}
