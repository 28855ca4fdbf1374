package application

import "time"

type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseReconnecting
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// ConnectionStatus is the category of the last lifecycle event seen by a
// Subscriber.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusReconnecting
	StatusConnected
	StatusTransportError
	StatusProtocolError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusReconnecting:
		return "reconnecting"
	case StatusConnected:
		return "connected"
	case StatusTransportError:
		return "transport_error"
	case StatusProtocolError:
		return "protocol_error"
	default:
		return "unknown"
	}
}

func (s ConnectionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Status struct {
	Phase      Phase
	LastStatus ConnectionStatus
	LastError  string

	ConnectAttempts uint64

	MessageCount         uint64
	LastMessage          string
	LastMessageTimestamp time.Time
}

func (s Status) Connected() bool {
	return s.Phase == PhaseConnected
}

type StatusProvider interface {
	Status() Status
}
