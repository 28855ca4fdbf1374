package application

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

var errUnreachable = fmt.Errorf("connection refused")

// fakeBroker records connect attempts. With auto set it answers each attempt
// with OnConnected or OnTransportError depending on reachable.
type fakeBroker struct {
	mu         sync.Mutex
	auto       bool
	reachable  bool
	connectErr error
	conns      []*fakeConn
}

func (b *fakeBroker) Connect(ctx context.Context, params BrokerConnectParams) (BrokerConn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.connectErr != nil {
		b.conns = append(b.conns, nil)
		return nil, b.connectErr
	}

	c := &fakeConn{params: params}
	b.conns = append(b.conns, c)

	if b.auto {
		if b.reachable {
			go params.Events.OnConnected()
		} else {
			go params.Events.OnTransportError(errUnreachable)
		}
	}
	return c, nil
}

func (b *fakeBroker) setReachable(reachable bool) {
	b.mu.Lock()
	b.reachable = reachable
	b.mu.Unlock()
}

func (b *fakeBroker) attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *fakeBroker) conn(i int) *fakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns[i]
}

func (b *fakeBroker) last() *fakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns[len(b.conns)-1]
}

type fakeConn struct {
	params BrokerConnectParams

	mu           sync.Mutex
	topic        string
	handler      func(body string)
	subscribeErr error

	connected    atomic.Bool
	disconnected atomic.Bool
}

func (c *fakeConn) Subscribe(topic string, handler func(body string)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.subscribeErr != nil {
		return c.subscribeErr
	}
	c.topic = topic
	c.handler = handler
	c.connected.Store(true)
	return nil
}

func (c *fakeConn) IsConnected() bool {
	return c.connected.Load()
}

func (c *fakeConn) Disconnect() error {
	c.connected.Store(false)
	c.disconnected.Store(true)
	return nil
}

func (c *fakeConn) subscribedTopic() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topic
}

func (c *fakeConn) subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler != nil
}

func (c *fakeConn) deliver(body string) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	handler(body)
}
