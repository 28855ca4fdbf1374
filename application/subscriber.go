package application

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
)

const subscriberEventBuffer = 128

type SubscriberParams struct {
	Config  SubscriptionConfig
	Broker  Broker
	Handler MessageHandler

	// OnStatusChange is called from the event loop after every status
	// change. It must not call Stop.
	OnStatusChange func(Status)

	Log zerolog.Logger
}

type eventKind int

const (
	eventConnected eventKind = iota
	eventClosed
	eventTransportError
	eventProtocolError
	eventMessage
)

type event struct {
	kind eventKind
	gen  uint64
	err  error
	body string
}

// Subscriber keeps one subscription to a broker topic alive until Stop is
// called. All state transitions happen on a single event loop goroutine.
type Subscriber struct {
	cfg    SubscriptionConfig
	broker Broker

	handler        atomic.Pointer[MessageHandler]
	onStatusChange func(Status)

	ctx    context.Context
	cancel context.CancelFunc

	events   chan event
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	statusMu sync.RWMutex
	status   Status

	// owned by the event loop
	gen            uint64
	conn           BrokerConn
	connCtx        context.Context
	connCancel     context.CancelFunc
	reconnectTimer *time.Timer
	reconnectC     <-chan time.Time

	log zerolog.Logger
}

// Start validates the config and makes the first connect attempt. The
// returned Subscriber reconnects on its own until Stop is called.
func Start(params SubscriberParams) (*Subscriber, error) {
	if params.Broker == nil {
		return nil, fmt.Errorf("%w: broker is nil", ErrInvalidConfig)
	}
	if params.Handler == nil {
		return nil, fmt.Errorf("%w: message handler is nil", ErrInvalidConfig)
	}

	cfg := params.Config
	cfg.EnsureDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(params.Log.WithContext(context.Background()))
	s := &Subscriber{
		cfg:            cfg,
		broker:         params.Broker,
		onStatusChange: params.OnStatusChange,
		ctx:            ctx,
		cancel:         cancel,
		events:         make(chan event, subscriberEventBuffer),
		done:           make(chan struct{}),
		stopped:        make(chan struct{}),
		log:            params.Log.With().Str("topic", cfg.Topic).Logger(),
	}
	s.SetHandler(params.Handler)

	s.connect()
	go s.run()

	return s, nil
}

// Stop cancels any pending reconnect and closes the live transport. It is
// safe to call more than once and from any goroutine other than the one
// running the message handler. No callback fires after Stop returns.
func (s *Subscriber) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	<-s.stopped
}

func (s *Subscriber) Status() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

// SetHandler replaces the message handler without re-subscribing. The new
// handler receives every message processed after the call.
func (s *Subscriber) SetHandler(handler MessageHandler) {
	if handler == nil {
		return
	}
	s.handler.Store(&handler)
}

func (s *Subscriber) run() {
	defer close(s.stopped)

	var healthC <-chan time.Time
	if s.cfg.HealthCheckInterval > 0 {
		ticker := time.NewTicker(s.cfg.HealthCheckInterval)
		defer ticker.Stop()
		healthC = ticker.C
	}

	for {
		select {
		case <-s.done:
			s.teardown()
			return
		default:
		}

		select {
		case <-s.done:
			s.teardown()
			return
		case ev := <-s.events:
			s.handleEvent(ev)
		case <-s.reconnectC:
			s.reconnectTimer = nil
			s.reconnectC = nil
			s.log.Info().Msg("attempting reconnection")
			s.connect()
		case <-healthC:
			s.checkHealth()
		}
	}
}

func (s *Subscriber) handleEvent(ev event) {
	if ev.gen != s.gen {
		s.log.Debug().Uint64("generation", ev.gen).Msg("dropping event from previous connection")
		return
	}

	switch ev.kind {
	case eventConnected:
		s.onConnected()
	case eventClosed:
		s.connectionLost(StatusDisconnected, ev.err)
	case eventTransportError:
		s.connectionLost(StatusTransportError, ev.err)
	case eventProtocolError:
		s.connectionLost(StatusProtocolError, ev.err)
	case eventMessage:
		s.deliver(ev.body)
	}
}

func (s *Subscriber) connect() {
	if s.conn != nil && (s.status.Phase == PhaseConnecting || s.status.Phase == PhaseConnected) {
		return
	}

	s.closeConn()

	s.gen++
	gen := s.gen

	connCtx, connCancel := context.WithCancel(s.ctx)
	s.connCtx, s.connCancel = connCtx, connCancel

	s.updateStatus(func(st *Status) {
		st.Phase = PhaseConnecting
		st.LastStatus = StatusConnecting
		st.ConnectAttempts++
	})

	conn, err := s.broker.Connect(connCtx, BrokerConnectParams{
		Endpoint:  s.cfg.Endpoint,
		Heartbeat: s.cfg.HeartbeatInterval,
		Events:    s.brokerEvents(connCtx, gen),
	})
	if err != nil {
		s.connectionLost(StatusTransportError, err)
		return
	}
	s.conn = conn
}

func (s *Subscriber) onConnected() {
	if s.conn == nil || s.status.Phase != PhaseConnecting {
		return
	}

	ctx, gen := s.connCtx, s.gen
	err := s.conn.Subscribe(s.cfg.Topic, func(body string) {
		s.post(ctx, event{kind: eventMessage, gen: gen, body: body})
	})
	if err != nil {
		s.connectionLost(StatusProtocolError, fmt.Errorf("subscribe %s: %w", s.cfg.Topic, err))
		return
	}

	s.log.Info().Str("endpoint", s.cfg.Endpoint).Msg("connected")
	s.updateStatus(func(st *Status) {
		st.Phase = PhaseConnected
		st.LastStatus = StatusConnected
		st.LastError = ""
	})
}

func (s *Subscriber) connectionLost(status ConnectionStatus, err error) {
	s.log.Warn().Err(err).Stringer("status", status).Msg("connection lost")

	s.updateStatus(func(st *Status) {
		st.Phase = PhaseReconnecting
		st.LastStatus = status
		if err != nil {
			st.LastError = err.Error()
		}
	})

	s.scheduleReconnect()
}

// scheduleReconnect arms the reconnect timer unless one is already pending.
func (s *Subscriber) scheduleReconnect() {
	if s.reconnectTimer != nil {
		return
	}

	s.log.Debug().Dur("delay", s.cfg.ReconnectDelay).Msg("reconnect scheduled")
	s.reconnectTimer = time.NewTimer(s.cfg.ReconnectDelay)
	s.reconnectC = s.reconnectTimer.C
}

func (s *Subscriber) checkHealth() {
	if s.status.Phase != PhaseConnected || s.conn == nil {
		return
	}
	if s.conn.IsConnected() {
		return
	}
	s.connectionLost(StatusTransportError, fmt.Errorf("health check: transport is not connected"))
}

func (s *Subscriber) deliver(body string) {
	now := time.Now()

	s.updateStatus(func(st *Status) {
		if !now.After(st.LastMessageTimestamp) {
			now = st.LastMessageTimestamp.Add(time.Nanosecond)
		}
		st.MessageCount++
		st.LastMessage = body
		st.LastMessageTimestamp = now
		// a late message must not hide the loss that is pending a reconnect
		if st.Phase == PhaseConnected {
			st.LastStatus = StatusConnected
		}
	})

	handler := *s.handler.Load()
	msg := &Message{Topic: s.cfg.Topic, Body: body, ReceivedAt: now}

	var pc panics.Catcher
	pc.Try(func() {
		if err := handler(s.ctx, msg); err != nil {
			s.log.Warn().Err(err).Msg("message handler failed")
		}
	})
	if r := pc.Recovered(); r != nil {
		s.log.Error().Err(r.AsError()).Msg("message handler panicked")
	}
}

func (s *Subscriber) teardown() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
		s.reconnectC = nil
	}

	s.closeConn()
	s.cancel()

	s.updateStatus(func(st *Status) {
		st.Phase = PhaseDisconnected
		st.LastStatus = StatusDisconnected
	})
	s.log.Info().Msg("subscriber stopped")
}

func (s *Subscriber) closeConn() {
	if s.connCancel != nil {
		s.connCancel()
		s.connCtx, s.connCancel = nil, nil
	}
	if s.conn == nil {
		return
	}
	if err := s.conn.Disconnect(); err != nil {
		s.log.Debug().Err(err).Msg("disconnect failed")
	}
	s.conn = nil
}

func (s *Subscriber) brokerEvents(ctx context.Context, gen uint64) BrokerEvents {
	return BrokerEvents{
		OnConnected: func() {
			s.post(ctx, event{kind: eventConnected, gen: gen})
		},
		OnClosed: func(err error) {
			s.post(ctx, event{kind: eventClosed, gen: gen, err: err})
		},
		OnTransportError: func(err error) {
			s.post(ctx, event{kind: eventTransportError, gen: gen, err: err})
		},
		OnProtocolError: func(err error) {
			s.post(ctx, event{kind: eventProtocolError, gen: gen, err: err})
		},
	}
}

// post hands an event to the loop. It gives up once the connection the
// event belongs to is discarded, so Disconnect can always join.
func (s *Subscriber) post(ctx context.Context, ev event) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	case <-s.done:
	}
}

func (s *Subscriber) updateStatus(f func(st *Status)) {
	s.statusMu.Lock()
	f(&s.status)
	st := s.status
	s.statusMu.Unlock()

	if s.onStatusChange != nil {
		s.onStatusChange(st)
	}
}
