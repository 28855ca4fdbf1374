package application

import (
	"context"
	"time"
)

// BrokerEvents are the lifecycle callbacks of a single broker connection.
// Implementations may call them from any goroutine, but never after
// BrokerConn.Disconnect has returned.
type BrokerEvents struct {
	OnConnected      func()
	OnClosed         func(err error)
	OnTransportError func(err error)
	OnProtocolError  func(err error)
}

type BrokerConnectParams struct {
	Endpoint  string
	Heartbeat time.Duration

	Events BrokerEvents
}

// Broker opens connections to a message broker. Connect must not block on
// network I/O; the outcome of the attempt is reported through Events.
type Broker interface {
	Connect(ctx context.Context, params BrokerConnectParams) (BrokerConn, error)
}

type BrokerConn interface {
	Subscribe(topic string, handler func(body string)) error
	IsConnected() bool
	Disconnect() error
}
