package adapters

import (
	"context"
	"fmt"
	"resilient-subscriber/application"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

const (
	MQTTDefaultConnectTimeout    = 30 * time.Second
	MQTTDefaultSubscribeTimeout  = 5 * time.Second
	MQTTDefaultDisconnectQuiesce = 250

	mqttSubscribeFailure = 0x80
)

var (
	ErrMQTTNotConnected      = fmt.Errorf("not connected")
	ErrMQTTConnectTimeout    = fmt.Errorf("connect timeout")
	ErrMQTTSubscribeTimeout  = fmt.Errorf("subscribe timeout")
	ErrMQTTSubscribeRejected = fmt.Errorf("subscription rejected by broker")
	ErrMQTTConnectionRefused = fmt.Errorf("connection refused by broker")
	ErrMQTTInvalidQoS        = fmt.Errorf("invalid qos")
)

type MQTTBrokerParams struct {
	ClientID string
	QoS      byte

	ConnectTimeout   time.Duration
	SubscribeTimeout time.Duration

	NewClientFunc func(options *mqtt.ClientOptions) mqtt.Client

	Log zerolog.Logger
}

func (m *MQTTBrokerParams) EnsureDefaults() {
	if m.ClientID == "" {
		m.ClientID = "resilient-subscriber-" + uuid.NewString()
	}

	if m.ConnectTimeout == 0 {
		m.ConnectTimeout = MQTTDefaultConnectTimeout
	}

	if m.SubscribeTimeout == 0 {
		m.SubscribeTimeout = MQTTDefaultSubscribeTimeout
	}

	if m.NewClientFunc == nil {
		m.NewClientFunc = mqtt.NewClient
	}
}

// MQTTBroker opens paho connections with the library's own reconnect logic
// switched off; recovering the session is left to the caller.
type MQTTBroker struct {
	params MQTTBrokerParams

	log zerolog.Logger
}

func NewMQTTBroker(params MQTTBrokerParams) (*MQTTBroker, error) {
	if params.QoS > 2 {
		return nil, ErrMQTTInvalidQoS
	}
	params.EnsureDefaults()

	return &MQTTBroker{params: params, log: params.Log}, nil
}

func (b *MQTTBroker) Connect(ctx context.Context, params application.BrokerConnectParams) (application.BrokerConn, error) {
	c := &mqttConn{
		params:  b.params,
		events:  params.Events,
		closing: make(chan struct{}),
		log:     b.log.With().Str("endpoint", params.Endpoint).Logger(),
	}
	c.client = b.params.NewClientFunc(c.clientOptions(params))

	token := c.client.Connect()
	c.wg.Go(func() {
		c.awaitConnect(ctx, token)
	})

	return c, nil
}

type mqttConn struct {
	params MQTTBrokerParams
	events application.BrokerEvents

	client mqtt.Client

	connected uint64
	closing   chan struct{}
	closeOnce sync.Once
	wg        conc.WaitGroup

	log zerolog.Logger
}

func (c *mqttConn) clientOptions(params application.BrokerConnectParams) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()

	opts.AddBroker(params.Endpoint)
	opts.SetClientID(c.params.ClientID)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(params.Heartbeat)
	opts.SetConnectTimeout(c.params.ConnectTimeout)

	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)

	opts.OnConnect = c.OnConnect
	opts.OnConnectionLost = c.OnConnectionLost

	return opts
}

func (c *mqttConn) awaitConnect(ctx context.Context, token mqtt.Token) {
	tc := time.NewTimer(c.params.ConnectTimeout)
	defer tc.Stop()

	select {
	case <-ctx.Done():
		return
	case <-c.closing:
		return
	case <-tc.C:
		if !c.isClosing() {
			c.events.OnTransportError(ErrMQTTConnectTimeout)
		}
		return
	case <-token.Done():
	}

	err := token.Error()
	if err == nil || c.isClosing() {
		return
	}

	if ct, ok := token.(*mqtt.ConnectToken); ok && ct.ReturnCode() != 0 {
		c.events.OnProtocolError(fmt.Errorf("%w: %v", ErrMQTTConnectionRefused, err))
		return
	}
	c.events.OnTransportError(err)
}

func (c *mqttConn) Subscribe(topic string, handler func(body string)) error {
	if !c.IsConnected() {
		return ErrMQTTNotConnected
	}

	token := c.client.Subscribe(topic, c.params.QoS, func(client mqtt.Client, msg mqtt.Message) {
		handler(string(msg.Payload()))
	})

	tc := time.NewTimer(c.params.SubscribeTimeout)
	defer tc.Stop()

	select {
	case <-tc.C:
		return ErrMQTTSubscribeTimeout
	case <-token.Done():
		if token.Error() != nil {
			return token.Error()
		}
	}

	if st, ok := token.(*mqtt.SubscribeToken); ok {
		for t, code := range st.Result() {
			if code == mqttSubscribeFailure {
				return fmt.Errorf("%w: %s", ErrMQTTSubscribeRejected, t)
			}
		}
	}
	return nil
}

func (c *mqttConn) IsConnected() bool {
	if atomic.LoadUint64(&c.connected) == 0 {
		return false
	}
	return c.client.IsConnectionOpen()
}

func (c *mqttConn) Disconnect() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		atomic.StoreUint64(&c.connected, 0)
		c.client.Disconnect(MQTTDefaultDisconnectQuiesce)
	})
	c.wg.Wait()
	return nil
}

func (c *mqttConn) OnConnect(client mqtt.Client) {
	if c.isClosing() {
		return
	}
	c.log.Info().Msg("connected")
	atomic.StoreUint64(&c.connected, 1)
	c.events.OnConnected()
}

func (c *mqttConn) OnConnectionLost(client mqtt.Client, err error) {
	atomic.StoreUint64(&c.connected, 0)
	if c.isClosing() {
		return
	}
	c.log.Info().Msgf("connection lost: %v", err)
	c.events.OnClosed(err)
}

func (c *mqttConn) isClosing() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

var _ application.Broker = &MQTTBroker{}
