package comm

import (
	"context"
	"time"
)

// ConnectionStatus is the state of a control link.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "disconnected"
	}
}

// ConnectionConfig holds the transport settings shared by every backend.
type ConnectionConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	RetryCount    int           `yaml:"retry_count"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// Link is a control connection to a tuner.
type Link interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	GetStatus() ConnectionStatus
	GetLastError() error
	IsConnected() bool
	AddEventHandler(handler EventHandler)
}

// ErrorHandler decides whether a transport error is worth retrying.
type ErrorHandler interface {
	ShouldRetry(err error) bool
	GetRetryDelay(err error) time.Duration
}

// EventHandler observes a control link.
type EventHandler interface {
	OnConnected()
	OnDisconnected()
	OnError(err error)
}
