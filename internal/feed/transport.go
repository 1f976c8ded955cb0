// Package feed maintains freshness-gated market and account state from the
// exchange WebSocket stream: prices, order book ladders, and the
// authenticated user's positions, fills, and margin. The Manager composes the
// three feeds behind one facade with synchronous REST fallback for stale
// reads.
package feed

import (
	"time"

	"hyperfeed/internal/transport"
)

// Transport is the duplex event source a feed consumes. *transport.Client
// satisfies it; tests inject fakes.
type Transport interface {
	Connect()
	Close()
	IsConnected() bool
	SetMessageHandler(func(transport.Message))

	SubscribeAllMids() error
	UnsubscribeAllMids() error
	SubscribeL2Book(coin string) error
	UnsubscribeL2Book(coin string) error
	SubscribeUserFills(user string) error
	UnsubscribeUserFills(user string) error
	SubscribeOrderUpdates(user string) error
	UnsubscribeOrderUpdates(user string) error
	SubscribeUserEvents(user string) error
	UnsubscribeUserEvents(user string) error
}

// Ownership states who closes the transport. A feed given SharedTransport
// must never close the connection: other feeds are still reading from it,
// and only the component that created it tears it down.
type Ownership int

const (
	OwnsTransport Ownership = iota
	SharedTransport
)

const (
	defaultConnectTimeout = 10 * time.Second
	connectPollInterval   = 100 * time.Millisecond
)

// waitConnected polls the transport until it reports connected or the
// timeout elapses.
func waitConnected(tr Transport, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if tr.IsConnected() {
			return true
		}
		time.Sleep(connectPollInterval)
	}
	return tr.IsConnected()
}
