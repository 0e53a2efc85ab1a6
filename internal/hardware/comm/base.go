// Package comm provides the connection bookkeeping shared by the tuner
// control backends: link status, last error, event fan-out and bounded retry.
package comm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"tvcard/internal/logging"
)

// BaseCommunication is embedded by every backend.
type BaseCommunication struct {
	config        ConnectionConfig
	status        ConnectionStatus
	lastError     error
	eventHandlers []EventHandler
	errorHandler  ErrorHandler
	mutex         sync.RWMutex
	logger        *logging.Logger
}

// NewBaseCommunication creates the shared state for a link named name.
func NewBaseCommunication(name string, config ConnectionConfig) *BaseCommunication {
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Second
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = 100 * time.Millisecond
	}
	return &BaseCommunication{
		config:       config,
		status:       StatusDisconnected,
		errorHandler: DefaultErrorHandler{},
		logger:       logging.GetLogger("comm").With("link", name),
	}
}

func (bc *BaseCommunication) Config() ConnectionConfig {
	return bc.config
}

func (bc *BaseCommunication) GetStatus() ConnectionStatus {
	bc.mutex.RLock()
	defer bc.mutex.RUnlock()
	return bc.status
}

func (bc *BaseCommunication) SetStatus(status ConnectionStatus) {
	bc.mutex.Lock()
	defer bc.mutex.Unlock()
	bc.status = status
}

func (bc *BaseCommunication) GetLastError() error {
	bc.mutex.RLock()
	defer bc.mutex.RUnlock()
	return bc.lastError
}

func (bc *BaseCommunication) IsConnected() bool {
	return bc.GetStatus() == StatusConnected
}

func (bc *BaseCommunication) AddEventHandler(handler EventHandler) {
	bc.mutex.Lock()
	defer bc.mutex.Unlock()
	bc.eventHandlers = append(bc.eventHandlers, handler)
}

func (bc *BaseCommunication) SetErrorHandler(handler ErrorHandler) {
	bc.mutex.Lock()
	defer bc.mutex.Unlock()
	bc.errorHandler = handler
}

func (bc *BaseCommunication) emitEvent(callback func(EventHandler)) {
	bc.mutex.RLock()
	handlers := make([]EventHandler, len(bc.eventHandlers))
	copy(handlers, bc.eventHandlers)
	bc.mutex.RUnlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					bc.logger.Error("Event handler panic", "panic", r)
				}
			}()
			callback(handler)
		}()
	}
}

func (bc *BaseCommunication) EmitConnected() {
	bc.emitEvent(func(h EventHandler) { h.OnConnected() })
}

func (bc *BaseCommunication) EmitDisconnected() {
	bc.emitEvent(func(h EventHandler) { h.OnDisconnected() })
}

// HandleWithError records err as the last error and notifies handlers.
func (bc *BaseCommunication) HandleWithError(err error) error {
	bc.mutex.Lock()
	bc.lastError = err
	bc.mutex.Unlock()

	bc.emitEvent(func(h EventHandler) { h.OnError(err) })
	return err
}

// RetryWithTimeout runs operation up to RetryCount+1 times, each attempt
// bounded by the configured timeout.
func (bc *BaseCommunication) RetryWithTimeout(ctx context.Context, operation func(ctx context.Context) error) error {
	var lastErr error

	for i := 0; i <= bc.config.RetryCount; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, bc.config.Timeout)
		err := operation(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		bc.mutex.RLock()
		eh := bc.errorHandler
		bc.mutex.RUnlock()
		if eh != nil && !eh.ShouldRetry(err) {
			return err
		}
		if i == bc.config.RetryCount {
			break
		}

		delay := bc.config.RetryInterval
		if eh != nil {
			if custom := eh.GetRetryDelay(err); custom > 0 {
				delay = custom
			}
		}

		bc.logger.Warn("Retry after error", "attempt", i+1, "max_attempts", bc.config.RetryCount+1, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if bc.config.RetryCount == 0 {
		return lastErr
	}
	return fmt.Errorf("operation failed after %d attempts: %w", bc.config.RetryCount+1, lastErr)
}

// DefaultErrorHandler retries timeouts and broken connections.
type DefaultErrorHandler struct{}

func (DefaultErrorHandler) ShouldRetry(err error) bool {
	return isNetworkError(err) || isTimeoutError(err)
}

func (DefaultErrorHandler) GetRetryDelay(error) time.Duration {
	return 0
}

func isNetworkError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}

func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
