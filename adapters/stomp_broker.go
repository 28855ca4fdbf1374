package adapters

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"resilient-subscriber/application"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

const (
	STOMPDefaultConnectTimeout     = 30 * time.Second
	STOMPDefaultHeartbeatTolerance = 5 * time.Second
	STOMPDefaultReadLimit          = 1 << 20
)

var (
	ErrSTOMPNotConnected       = fmt.Errorf("not connected")
	ErrSTOMPConnectionClosed   = fmt.Errorf("connection closed")
	ErrSTOMPUnsupportedScheme  = fmt.Errorf("unsupported endpoint scheme")
	ErrSTOMPSubscriptionFailed = fmt.Errorf("subscription failed")
)

var stompSubprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

type DialFunc func(ctx context.Context, endpoint string) (io.ReadWriteCloser, error)

type STOMPBrokerParams struct {
	ConnectTimeout time.Duration

	// HeartbeatTolerance is how late a broker heart-beat may be before the
	// connection is considered dead.
	HeartbeatTolerance time.Duration

	// DialFunc opens the byte stream STOMP frames travel over.
	DialFunc DialFunc

	Log zerolog.Logger
}

func (p *STOMPBrokerParams) EnsureDefaults() {
	if p.ConnectTimeout == 0 {
		p.ConnectTimeout = STOMPDefaultConnectTimeout
	}

	if p.HeartbeatTolerance == 0 {
		p.HeartbeatTolerance = STOMPDefaultHeartbeatTolerance
	}

	if p.DialFunc == nil {
		p.DialFunc = DialEndpoint
	}
}

// STOMPBroker speaks STOMP over a WebSocket (ws, wss, http, https) or a plain
// TCP (tcp) stream. It never retries on its own.
type STOMPBroker struct {
	params STOMPBrokerParams

	log zerolog.Logger
}

func NewSTOMPBroker(params STOMPBrokerParams) *STOMPBroker {
	params.EnsureDefaults()

	return &STOMPBroker{params: params, log: params.Log}
}

func (b *STOMPBroker) Connect(ctx context.Context, params application.BrokerConnectParams) (application.BrokerConn, error) {
	if _, err := endpointScheme(params.Endpoint); err != nil {
		return nil, err
	}

	connCtx, cancel := context.WithCancel(ctx)
	c := &stompConn{
		params:   b.params,
		endpoint: params.Endpoint,
		hb:       params.Heartbeat,
		events:   params.Events,
		ctx:      connCtx,
		cancel:   cancel,
		log:      b.log.With().Str("endpoint", params.Endpoint).Logger(),
	}
	c.wg.Go(c.dial)

	return c, nil
}

type stompConn struct {
	params   STOMPBrokerParams
	endpoint string
	hb       time.Duration
	events   application.BrokerEvents

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	conn      *stomp.Conn
	stream    *stompStream
	connected atomic.Bool
	closeOnce sync.Once
	wg        conc.WaitGroup

	log zerolog.Logger
}

func (c *stompConn) dial() {
	dialCtx, cancel := context.WithTimeout(c.ctx, c.params.ConnectTimeout)
	defer cancel()

	rwc, err := c.params.DialFunc(dialCtx, c.endpoint)
	if err != nil {
		if c.ctx.Err() == nil {
			c.events.OnTransportError(err)
		}
		return
	}

	stream := &stompStream{ReadWriteCloser: rwc}

	// stomp.Connect has no context; closing the stream unblocks it
	stopClose := context.AfterFunc(dialCtx, func() {
		stream.Close()
	})

	conn, err := stomp.Connect(stream,
		stomp.ConnOpt.HeartBeat(c.hb, c.hb),
		stomp.ConnOpt.HeartBeatError(c.params.HeartbeatTolerance),
		stomp.ConnOpt.Logger(stompLogger{log: c.log}),
	)
	if !stopClose() && err == nil {
		conn.MustDisconnect()
		err = ErrSTOMPConnectionClosed
	}
	if err != nil {
		stream.Close()
		if c.ctx.Err() != nil {
			return
		}
		if stompErrorFrame(err) != nil {
			c.events.OnProtocolError(err)
			return
		}
		c.events.OnTransportError(err)
		return
	}

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		conn.MustDisconnect()
		return
	}
	c.conn = conn
	c.stream = stream
	c.connected.Store(true)
	c.mu.Unlock()

	c.log.Info().Msg("connected")
	c.events.OnConnected()
}

func (c *stompConn) Subscribe(topic string, handler func(body string)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.connected.Load() {
		return ErrSTOMPNotConnected
	}

	sub, err := c.conn.Subscribe(topic, stomp.AckAuto)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSTOMPSubscriptionFailed, err)
	}

	c.wg.Go(func() {
		c.readLoop(sub, handler)
	})
	return nil
}

func (c *stompConn) readLoop(sub *stomp.Subscription, handler func(body string)) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-sub.C:
			if !ok {
				c.lost(ErrSTOMPConnectionClosed)
				return
			}
			if msg.Err != nil {
				c.lost(msg.Err)
				return
			}
			handler(string(msg.Body))
		}
	}
}

// lost reports the end of the subscription. go-stomp turns every stream
// failure into a locally built ERROR frame, so only frames that did not come
// from the stream count as protocol errors.
func (c *stompConn) lost(err error) {
	c.connected.Store(false)
	if c.ctx.Err() != nil {
		return
	}

	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()

	if ioErr := stream.Err(); ioErr != nil {
		if isClosedErr(ioErr) {
			c.closed(ioErr)
			return
		}
		c.log.Warn().Err(ioErr).Msg("connection failed")
		c.events.OnTransportError(ioErr)
		return
	}

	f := stompErrorFrame(err)
	switch {
	case f == nil:
		c.closed(err)
	case isLocalErrorFrame(f) && f.Header.Get(frame.Message) == stompReadTimeout:
		c.log.Warn().Err(err).Msg("broker heart-beat missed")
		c.events.OnTransportError(err)
	case isLocalErrorFrame(f):
		c.closed(err)
	default:
		c.log.Warn().Err(err).Msg("broker sent error frame")
		c.events.OnProtocolError(err)
	}
}

func (c *stompConn) closed(err error) {
	c.log.Warn().Err(err).Msg("connection closed")
	c.events.OnClosed(err)
}

// go-stomp builds these ERROR frames itself when the stream fails.
const (
	stompConnectionClosed = "connection closed"
	stompReadTimeout      = "read timeout"
)

func isLocalErrorFrame(f *frame.Frame) bool {
	if len(f.Body) != 0 || f.Header.Len() != 1 {
		return false
	}

	switch f.Header.Get(frame.Message) {
	case stompConnectionClosed, stompReadTimeout:
		return true
	default:
		return false
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed)
}

// stompStream remembers the first read or write failure of the underlying
// stream. Failures after Close are ours and are not recorded.
type stompStream struct {
	io.ReadWriteCloser

	mu     sync.Mutex
	err    error
	closed bool
}

func (s *stompStream) Read(p []byte) (int, error) {
	n, err := s.ReadWriteCloser.Read(p)
	if err != nil {
		s.record(err)
	}
	return n, err
}

func (s *stompStream) Write(p []byte) (int, error) {
	n, err := s.ReadWriteCloser.Write(p)
	if err != nil {
		s.record(err)
	}
	return n, err
}

func (s *stompStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.ReadWriteCloser.Close()
}

func (s *stompStream) Err() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stompStream) record(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.err != nil {
		return
	}
	s.err = err
}

// stompLogger routes go-stomp logging into zerolog.
type stompLogger struct {
	log zerolog.Logger
}

func (l stompLogger) Debugf(format string, value ...interface{}) {
	l.log.Debug().Msgf(format, value...)
}

// go-stomp info lines repeat our own lifecycle logs
func (l stompLogger) Infof(format string, value ...interface{}) {
	l.log.Debug().Msgf(format, value...)
}

func (l stompLogger) Warningf(format string, value ...interface{}) {
	l.log.Warn().Msgf(format, value...)
}

func (l stompLogger) Errorf(format string, value ...interface{}) {
	l.log.Error().Msgf(format, value...)
}

func (l stompLogger) Debug(message string) {
	l.log.Debug().Msg(message)
}

func (l stompLogger) Info(message string) {
	l.log.Debug().Msg(message)
}

func (l stompLogger) Warning(message string) {
	l.log.Warn().Msg(message)
}

func (l stompLogger) Error(message string) {
	l.log.Error().Msg(message)
}

func endpointScheme(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "ws", "wss", "http", "https", "tcp":
		return u.Scheme, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrSTOMPUnsupportedScheme, u.Scheme)
	}
}

// DialEndpoint opens a WebSocket for ws/wss/http/https endpoints and a plain
// TCP connection for tcp endpoints.
func DialEndpoint(ctx context.Context, endpoint string) (io.ReadWriteCloser, error) {
	scheme, err := endpointScheme(endpoint)
	if err != nil {
		return nil, err
	}

	if scheme == "tcp" {
		u, _ := url.Parse(endpoint)
		var d net.Dialer
		return d.DialContext(ctx, "tcp", u.Host)
	}

	ws, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		Subprotocols: stompSubprotocols,
	})
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(STOMPDefaultReadLimit)

	return websocket.NetConn(context.Background(), ws, websocket.MessageText), nil
}

var _ application.Broker = &STOMPBroker{}
