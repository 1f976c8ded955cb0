package feed

import (
	"context"
	"sync"

	"hyperfeed/internal/domain"
	"hyperfeed/internal/transport"
	"hyperfeed/pkg/quant"
)

// fakeTransport satisfies Transport without a socket. Tests push frames in
// via deliver.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	handler   func(transport.Message)
	subs      []string
	unsubs    []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func (t *fakeTransport) Connect() {
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
}

func (t *fakeTransport) Close() {
	t.mu.Lock()
	t.connected = false
	t.closed = true
	t.mu.Unlock()
}

func (t *fakeTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *fakeTransport) SetMessageHandler(fn func(transport.Message)) {
	t.mu.Lock()
	t.handler = fn
	t.mu.Unlock()
}

func (t *fakeTransport) deliver(msg transport.Message) {
	t.mu.Lock()
	fn := t.handler
	t.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

func (t *fakeTransport) record(list *[]string, entry string) error {
	t.mu.Lock()
	*list = append(*list, entry)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) SubscribeAllMids() error   { return t.record(&t.subs, "allMids") }
func (t *fakeTransport) UnsubscribeAllMids() error { return t.record(&t.unsubs, "allMids") }
func (t *fakeTransport) SubscribeL2Book(coin string) error {
	return t.record(&t.subs, "l2Book:"+coin)
}
func (t *fakeTransport) UnsubscribeL2Book(coin string) error {
	return t.record(&t.unsubs, "l2Book:"+coin)
}
func (t *fakeTransport) SubscribeUserFills(user string) error {
	return t.record(&t.subs, "userFills:"+user)
}
func (t *fakeTransport) UnsubscribeUserFills(user string) error {
	return t.record(&t.unsubs, "userFills:"+user)
}
func (t *fakeTransport) SubscribeOrderUpdates(user string) error {
	return t.record(&t.subs, "orderUpdates:"+user)
}
func (t *fakeTransport) UnsubscribeOrderUpdates(user string) error {
	return t.record(&t.unsubs, "orderUpdates:"+user)
}
func (t *fakeTransport) SubscribeUserEvents(user string) error {
	return t.record(&t.subs, "userEvents:"+user)
}
func (t *fakeTransport) UnsubscribeUserEvents(user string) error {
	return t.record(&t.unsubs, "userEvents:"+user)
}

// fakeFallback satisfies Fallback and counts calls per method.
type fakeFallback struct {
	mu           sync.Mutex
	mids         map[string]quant.PriceMicros
	book         *domain.OrderBook
	snap         *AccountSnapshot
	err          error
	midsCalls    int
	bookCalls    int
	accountCalls int
}

func (f *fakeFallback) Mids(ctx context.Context) (map[string]quant.PriceMicros, error) {
	f.mu.Lock()
	f.midsCalls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.mids, nil
}

func (f *fakeFallback) Book(ctx context.Context, coin string, depth int) (*domain.OrderBook, error) {
	f.mu.Lock()
	f.bookCalls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.book, nil
}

func (f *fakeFallback) Account(ctx context.Context, user string) (*AccountSnapshot, error) {
	f.mu.Lock()
	f.accountCalls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.snap == nil {
		return &AccountSnapshot{}, nil
	}
	return f.snap, nil
}

func (f *fakeFallback) calls() (mids, book, account int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.midsCalls, f.bookCalls, f.accountCalls
}

func bookLevel(px, sz float64) transport.BookLevel {
	return transport.BookLevel{
		PriceMicros: quant.ToPriceMicros(px),
		SizeSats:    quant.ToQtySats(sz),
		Count:       1,
	}
}
