package transport

import (
	"errors"
	"testing"
)

func TestParseMessage_AllMids(t *testing.T) {
	raw := []byte(`{"channel":"allMids","data":{"mids":{"BTC":"65000.5","ETH":"3500","BAD":"not-a-number"}}}`)

	msg, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}

	mids, ok := msg.(AllMidsMessage)
	if !ok {
		t.Fatalf("expected AllMidsMessage, got %T", msg)
	}
	if len(mids.Mids) != 2 {
		t.Errorf("expected 2 parseable mids, got %d", len(mids.Mids))
	}
	if got := mids.Mids["BTC"]; got != 65000500000 {
		t.Errorf("BTC mid = %d, want 65000500000", got)
	}
	if got := mids.Mids["ETH"]; got != 3500000000 {
		t.Errorf("ETH mid = %d, want 3500000000", got)
	}
	if _, ok := mids.Mids["BAD"]; ok {
		t.Error("unparseable mid should be skipped")
	}
}

func TestParseMessage_L2Book(t *testing.T) {
	raw := []byte(`{"channel":"l2Book","data":{
		"coin":"BTC",
		"levels":[
			[{"px":"64999","sz":"1.5","n":3},{"px":"64998","sz":"2","n":0}],
			[{"px":"65001","sz":"0.5","n":1},{"px":"bogus","sz":"1","n":1}]
		],
		"time":1700000000000}}`)

	msg, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}

	book, ok := msg.(BookMessage)
	if !ok {
		t.Fatalf("expected BookMessage, got %T", msg)
	}
	if book.Coin != "BTC" {
		t.Errorf("coin = %q, want BTC", book.Coin)
	}
	if len(book.Bids) != 2 {
		t.Fatalf("expected 2 bids, got %d", len(book.Bids))
	}
	if book.Bids[0].PriceMicros != 64999000000 || book.Bids[0].SizeSats != 150000000 {
		t.Errorf("bid[0] = %+v", book.Bids[0])
	}
	// n<=0 defaults to 1 order at the level
	if book.Bids[1].Count != 1 {
		t.Errorf("bid[1].Count = %d, want 1", book.Bids[1].Count)
	}
	// malformed level skipped without failing the frame
	if len(book.Asks) != 1 {
		t.Fatalf("expected 1 ask after skipping bad level, got %d", len(book.Asks))
	}
	if book.TimeMS != 1700000000000 {
		t.Errorf("time = %d", book.TimeMS)
	}
}

func TestParseMessage_L2BookMissingSides(t *testing.T) {
	raw := []byte(`{"channel":"l2Book","data":{"coin":"BTC","levels":[[]],"time":1}}`)
	if _, err := ParseMessage(raw); err == nil {
		t.Error("expected error for ladder with fewer than two sides")
	}

	raw = []byte(`{"channel":"l2Book","data":{"levels":[[],[]],"time":1}}`)
	if _, err := ParseMessage(raw); err == nil {
		t.Error("expected error for ladder without coin")
	}
}

func TestParseMessage_UserFills(t *testing.T) {
	raw := []byte(`{"channel":"userFills","data":[
		{"coin":"ETH","side":"B","sz":"2.0","px":"3500.25","fee":"1.75","oid":12345,"closedPnl":"-10.5"},
		{"coin":"ETH","side":"A","sz":"junk","px":"3500","fee":"0","oid":12346,"closedPnl":"0"}
	]}`)

	msg, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}

	fills, ok := msg.(FillsMessage)
	if !ok {
		t.Fatalf("expected FillsMessage, got %T", msg)
	}
	if len(fills.Fills) != 1 {
		t.Fatalf("expected 1 fill after skipping bad record, got %d", len(fills.Fills))
	}

	f := fills.Fills[0]
	if f.Coin != "ETH" || f.Side != "B" {
		t.Errorf("fill identity = %+v", f)
	}
	if f.SizeSats != 200000000 {
		t.Errorf("size = %d, want 200000000", f.SizeSats)
	}
	if f.PriceMicros != 3500250000 {
		t.Errorf("price = %d, want 3500250000", f.PriceMicros)
	}
	if f.FeeMicros != 1750000 {
		t.Errorf("fee = %d, want 1750000", f.FeeMicros)
	}
	if f.ClosedPnlMicros != -10500000 {
		t.Errorf("closedPnl = %d, want -10500000", f.ClosedPnlMicros)
	}
	if f.OrderID != "12345" {
		t.Errorf("orderID = %q, want 12345", f.OrderID)
	}
}

func TestParseMessage_OrderUpdates(t *testing.T) {
	raw := []byte(`{"channel":"orderUpdates","data":[
		{"order":{"oid":777,"coin":"SOL","side":"B","sz":"10","limitPx":"150.5","filled":"4"},"status":"open"}
	]}`)

	msg, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}

	updates, ok := msg.(OrderUpdatesMessage)
	if !ok {
		t.Fatalf("expected OrderUpdatesMessage, got %T", msg)
	}
	if len(updates.Updates) != 1 {
		t.Fatalf("expected 1 update, got %d", len(updates.Updates))
	}

	u := updates.Updates[0]
	if u.OrderID != "777" || u.Coin != "SOL" || u.Status != "open" {
		t.Errorf("update = %+v", u)
	}
	if u.LimitPxMicros != 150500000 {
		t.Errorf("limitPx = %d", u.LimitPxMicros)
	}
	if u.FilledSats != 400000000 {
		t.Errorf("filled = %d", u.FilledSats)
	}
}

func TestParseMessage_UserEvents(t *testing.T) {
	raw := []byte(`{"channel":"userEvents","data":{
		"assetPositions":[
			{"position":{"coin":"BTC","szi":"-0.5","entryPx":"64000","unrealizedPnl":"120.5",
				"returnOnEquity":"0.05","leverage":{"value":10},"liquidationPx":"70000","marginUsed":"3200"}},
			{"position":{"coin":"ETH","szi":"1","entryPx":"3400","unrealizedPnl":"0",
				"returnOnEquity":"0","leverage":{"value":5},"liquidationPx":"","marginUsed":"680"}}
		],
		"marginSummary":{"accountValue":"10000.5","withdrawable":"8000","totalMarginUsed":"3880","totalNtlPos":"35400"}}}`)

	msg, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}

	ev, ok := msg.(UserEventsMessage)
	if !ok {
		t.Fatalf("expected UserEventsMessage, got %T", msg)
	}
	if !ev.HasPositions {
		t.Error("HasPositions should be true")
	}
	if len(ev.Positions) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(ev.Positions))
	}

	btc := ev.Positions[0]
	if btc.SizeSats != -50000000 {
		t.Errorf("BTC size = %d, want -50000000", btc.SizeSats)
	}
	if btc.ReturnOnEquityMicros != 50000 {
		t.Errorf("BTC roe = %d, want 50000", btc.ReturnOnEquityMicros)
	}
	if btc.Leverage != 10 {
		t.Errorf("BTC leverage = %d", btc.Leverage)
	}
	if btc.LiquidationPxMicros == nil || *btc.LiquidationPxMicros != 70000000000 {
		t.Errorf("BTC liquidationPx = %v", btc.LiquidationPxMicros)
	}

	eth := ev.Positions[1]
	if eth.LiquidationPxMicros != nil {
		t.Error("empty liquidationPx should stay nil")
	}

	if ev.MarginSummary == nil {
		t.Fatal("expected margin summary")
	}
	if ev.MarginSummary.AccountValueMicros != 10000500000 {
		t.Errorf("accountValue = %d", ev.MarginSummary.AccountValueMicros)
	}
	if ev.MarginSummary.WithdrawableMicros != 8000000000 {
		t.Errorf("withdrawable = %d", ev.MarginSummary.WithdrawableMicros)
	}
}

func TestParseMessage_UserEventsWithoutPositions(t *testing.T) {
	raw := []byte(`{"channel":"userEvents","data":{"marginSummary":{"accountValue":"100","withdrawable":"50","totalMarginUsed":"0","totalNtlPos":"0"}}}`)

	msg, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	ev := msg.(UserEventsMessage)
	if ev.HasPositions {
		t.Error("HasPositions should be false when assetPositions is absent")
	}
	if ev.MarginSummary == nil {
		t.Error("margin summary should still parse")
	}
}

func TestParseMessage_IgnoredChannels(t *testing.T) {
	for _, raw := range []string{
		`{"channel":"pong"}`,
		`{"channel":"subscriptionResponse","data":{"method":"subscribe"}}`,
	} {
		_, err := ParseMessage([]byte(raw))
		if !errors.Is(err, ErrIgnoredChannel) {
			t.Errorf("ParseMessage(%s) error = %v, want ErrIgnoredChannel", raw, err)
		}
	}
}

func TestParseMessage_UnknownChannel(t *testing.T) {
	_, err := ParseMessage([]byte(`{"channel":"candle","data":{}}`))
	if err == nil || errors.Is(err, ErrIgnoredChannel) {
		t.Errorf("unknown channel should be a real error, got %v", err)
	}
}

func TestParseMessage_MalformedFrame(t *testing.T) {
	if _, err := ParseMessage([]byte(`not json`)); err == nil {
		t.Error("expected error for non-JSON frame")
	}
}
