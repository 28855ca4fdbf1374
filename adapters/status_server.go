package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"resilient-subscriber/application"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const StatusServerShutdownTimeout = 5 * time.Second

var ErrStatusServerNoProvider = fmt.Errorf("status provider is required")

type StatusServerParams struct {
	Addr   string
	Status application.StatusProvider

	Log zerolog.Logger
}

// StatusServer exposes the subscription status for polling.
type StatusServer struct {
	addr   string
	status application.StatusProvider
	e      *echo.Echo

	log zerolog.Logger
}

type statusResponse struct {
	Phase           application.Phase            `json:"phase"`
	LastStatus      application.ConnectionStatus `json:"last_status"`
	Connected       bool                         `json:"connected"`
	ConnectAttempts uint64                       `json:"connect_attempts"`
	MessageCount    uint64                       `json:"message_count"`
	LastMessage     string                       `json:"last_message,omitempty"`
	LastMessageTime *time.Time                   `json:"last_message_time,omitempty"`
	LastError       string                       `json:"last_error,omitempty"`
}

func NewStatusServer(params StatusServerParams) (*StatusServer, error) {
	if params.Status == nil {
		return nil, ErrStatusServerNoProvider
	}

	s := &StatusServer{
		addr:   params.Addr,
		status: params.Status,
		log:    params.Log,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/status", s.handleStatus)
	e.GET("/healthz", s.handleHealth)

	s.e = e
	return s, nil
}

func (s *StatusServer) Handler() http.Handler {
	return s.e
}

// Run serves until ctx is cancelled.
func (s *StatusServer) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info().Str("addr", s.addr).Msg("status server listening")
		err := s.e.Start(s.addr)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), StatusServerShutdownTimeout)
		defer cancel()
		return s.e.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (s *StatusServer) handleStatus(c echo.Context) error {
	st := s.status.Status()

	resp := statusResponse{
		Phase:           st.Phase,
		LastStatus:      st.LastStatus,
		Connected:       st.Connected(),
		ConnectAttempts: st.ConnectAttempts,
		MessageCount:    st.MessageCount,
		LastMessage:     st.LastMessage,
		LastError:       st.LastError,
	}
	if !st.LastMessageTimestamp.IsZero() {
		ts := st.LastMessageTimestamp
		resp.LastMessageTime = &ts
	}

	return c.JSON(http.StatusOK, resp)
}

func (s *StatusServer) handleHealth(c echo.Context) error {
	st := s.status.Status()
	if !st.Connected() {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"phase": st.Phase.String()})
	}
	return c.JSON(http.StatusOK, map[string]string{"phase": st.Phase.String()})
}
