package application

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const DefaultReportInterval = 30 * time.Second

type StatusReporterParams struct {
	Status   StatusProvider
	Interval time.Duration

	Log zerolog.Logger
}

func (p *StatusReporterParams) EnsureDefaults() {
	if p.Interval <= 0 {
		p.Interval = DefaultReportInterval
	}
}

// StatusReporter periodically logs the health of a subscription.
type StatusReporter struct {
	params StatusReporterParams

	log zerolog.Logger
}

func NewStatusReporter(params StatusReporterParams) (*StatusReporter, error) {
	if params.Status == nil {
		return nil, fmt.Errorf("status provider is nil")
	}
	params.EnsureDefaults()

	return &StatusReporter{params: params, log: params.Log}, nil
}

func (r *StatusReporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.params.Interval)
	defer ticker.Stop()

	lastStatus := r.params.Status.Status()
	lastTick := time.Now()

ReporterLoop:
	for {
		select {
		case <-ctx.Done():
			break ReporterLoop
		case now := <-ticker.C:
			newStatus := r.params.Status.Status()
			r.report(lastStatus, newStatus, now.Sub(lastTick))

			lastStatus = newStatus
			lastTick = now
		}
	}

	return nil
}

func (r *StatusReporter) report(prev, cur Status, elapsed time.Duration) {
	event := r.log.Info().
		Stringer("phase", cur.Phase).
		Stringer("last_status", cur.LastStatus).
		Uint64("message_count", cur.MessageCount).
		Float64("msg_per_min", messagesPerMinute(prev, cur, elapsed)).
		Uint64("connect_attempts", cur.ConnectAttempts)

	if !cur.LastMessageTimestamp.IsZero() {
		event = event.Time("last_message_time", cur.LastMessageTimestamp)
	}
	if cur.LastError != "" {
		event = event.Str("last_error", cur.LastError)
	}

	event.Msg("status report")
}

func messagesPerMinute(prev, cur Status, elapsed time.Duration) float64 {
	if elapsed <= 0 || cur.MessageCount < prev.MessageCount {
		return 0
	}
	return float64(cur.MessageCount-prev.MessageCount) / elapsed.Minutes()
}
