package application

import (
	"context"
	"time"
)

type Message struct {
	Topic      string    `json:"topic"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// MessageHandler is invoked on the subscriber's event loop, one message at a
// time. It must return promptly; long work belongs on another goroutine.
type MessageHandler func(ctx context.Context, msg *Message) error
