package application

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type ListenerService interface {
	Run(ctx context.Context) error
	Status() Status
}

type ListenerServiceParams struct {
	Broker  Broker
	Config  SubscriptionConfig
	Handler MessageHandler

	ReportInterval time.Duration

	Log zerolog.Logger
}

type listenerService struct {
	params ListenerServiceParams

	subscriber atomic.Pointer[Subscriber]

	log zerolog.Logger
}

func NewListenerService(params ListenerServiceParams) (ListenerService, error) {
	if params.Broker == nil {
		return nil, fmt.Errorf("Broker is nil")
	}
	if params.Handler == nil {
		return nil, fmt.Errorf("Handler is nil")
	}
	return &listenerService{params: params, log: params.Log}, nil
}

func (l *listenerService) Run(ctx context.Context) error {
	sub, err := Start(SubscriberParams{
		Config:  l.params.Config,
		Broker:  l.params.Broker,
		Handler: l.params.Handler,
		OnStatusChange: func(st Status) {
			l.log.Debug().Stringer("phase", st.Phase).Stringer("last_status", st.LastStatus).Msg("status changed")
		},
		Log: l.log.With().Str("module", "subscriber").Logger(),
	})
	if err != nil {
		return err
	}
	l.subscriber.Store(sub)

	reporter, err := NewStatusReporter(StatusReporterParams{
		Status:   sub,
		Interval: l.params.ReportInterval,
		Log:      l.log.With().Str("module", "status-reporter").Logger(),
	})
	if err != nil {
		sub.Stop()
		return err
	}

	g := errgroup.Group{}

	// subscription lifecycle
	g.Go(func() error {
		l.log.Info().Msgf("start listening on topic: %s", l.params.Config.Topic)
		defer l.log.Info().Msg("stop listening")

		<-ctx.Done()
		sub.Stop()
		return nil
	})

	// status report
	g.Go(func() error {
		return reporter.Run(ctx)
	})

	return g.Wait()
}

func (l *listenerService) Status() Status {
	sub := l.subscriber.Load()
	if sub == nil {
		return Status{Phase: PhaseDisconnected, LastStatus: StatusDisconnected}
	}
	return sub.Status()
}
