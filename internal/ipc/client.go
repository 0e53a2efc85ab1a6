package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"tvcard/internal/logging"
	"tvcard/pkg/types"
)

var ErrNotConnected = errors.New("not connected to server")

type IPCClient struct {
	config       types.IPCConfig
	conn         net.Conn
	decoder      *json.Decoder
	events       chan types.CardEventRecord
	sendChan     chan []byte
	pending      map[string]chan types.CardResponse
	pendingLock  sync.Mutex
	handlers     map[string]func(types.IPCMessage)
	handlersLock sync.RWMutex
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	closeOnce    sync.Once
	logger       *logging.Logger
}

func NewIPCClient(config types.IPCConfig) *IPCClient {
	if config.BufferSize <= 0 {
		config.BufferSize = 64
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &IPCClient{
		config:   config,
		events:   make(chan types.CardEventRecord, config.BufferSize),
		sendChan: make(chan []byte, config.BufferSize),
		pending:  make(map[string]chan types.CardResponse),
		handlers: make(map[string]func(types.IPCMessage)),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logging.GetLogger("ipc_client"),
	}
}

func (c *IPCClient) Connect() error {
	address := net.JoinHostPort(c.config.Address, fmt.Sprintf("%d", c.config.Port))

	conn, err := net.DialTimeout("tcp", address, c.config.Timeout)
	if err != nil {
		return fmt.Errorf("failed to connect to IPC server: %w", err)
	}
	c.conn = conn
	c.decoder = json.NewDecoder(conn)

	c.wg.Add(2)
	go c.receiveMessages()
	go c.sendMessages()

	c.logger.Debug("Connected to IPC server", "address", address)
	return nil
}

func (c *IPCClient) connected() bool {
	return c.conn != nil && c.ctx.Err() == nil
}

// Disconnect closes the connection and waits for the reader and writer.
func (c *IPCClient) Disconnect() {
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			c.conn.Close()
		}

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			c.logger.Warn("Client disconnect timeout")
		}
	})
}

// Send queues a raw message.
func (c *IPCClient) Send(message types.IPCMessage) error {
	if !c.connected() {
		return ErrNotConnected
	}
	data, err := encode(message)
	if err != nil {
		return err
	}

	select {
	case c.sendChan <- data:
		return nil
	case <-c.ctx.Done():
		return ErrNotConnected
	case <-time.After(c.config.Timeout):
		return fmt.Errorf("send timeout")
	}
}

// Request sends req and waits for its response. A missing RequestID is
// filled in.
func (c *IPCClient) Request(ctx context.Context, req types.CardRequest) (types.CardResponse, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	wait := make(chan types.CardResponse, 1)
	c.pendingLock.Lock()
	c.pending[req.RequestID] = wait
	c.pendingLock.Unlock()
	defer func() {
		c.pendingLock.Lock()
		delete(c.pending, req.RequestID)
		c.pendingLock.Unlock()
	}()

	err := c.Send(types.IPCMessage{
		Type:      types.MsgCardRequest,
		Request:   &req,
		Timestamp: time.Now(),
		ID:        uuid.NewString(),
	})
	if err != nil {
		return types.CardResponse{}, err
	}

	select {
	case resp := <-wait:
		return resp, nil
	case <-ctx.Done():
		return types.CardResponse{}, ctx.Err()
	case <-c.ctx.Done():
		return types.CardResponse{}, ErrNotConnected
	}
}

// Done is closed when the connection ends.
func (c *IPCClient) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Events delivers card events broadcast by the server.
func (c *IPCClient) Events() <-chan types.CardEventRecord {
	return c.events
}

func (c *IPCClient) RegisterHandler(messageType string, handler func(types.IPCMessage)) {
	c.handlersLock.Lock()
	defer c.handlersLock.Unlock()
	c.handlers[messageType] = handler
}

func (c *IPCClient) receiveMessages() {
	defer c.wg.Done()
	defer c.cancel()

	for {
		var message types.IPCMessage
		if err := c.decoder.Decode(&message); err != nil {
			switch {
			case c.ctx.Err() != nil:
			case errors.Is(err, io.EOF):
				c.logger.Info("Server disconnected")
			case errors.Is(err, net.ErrClosed):
			default:
				c.logger.Error("Receive error", "error", err)
			}
			return
		}
		c.routeMessage(message)
	}
}

func (c *IPCClient) sendMessages() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.sendChan:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				c.logger.Error("Set write deadline error", "error", err)
				c.cancel()
				return
			}
			if _, err := c.conn.Write(data); err != nil {
				if !errors.Is(err, net.ErrClosed) {
					c.logger.Error("Send error", "error", err)
				}
				c.cancel()
				return
			}
			_ = c.conn.SetWriteDeadline(time.Time{})
		}
	}
}

func (c *IPCClient) routeMessage(message types.IPCMessage) {
	c.handlersLock.RLock()
	handler, exists := c.handlers[message.Type]
	c.handlersLock.RUnlock()
	if exists {
		handler(message)
		return
	}

	switch {
	case message.Type == types.MsgCardResponse && message.Response != nil:
		c.pendingLock.Lock()
		wait, ok := c.pending[message.Response.RequestID]
		c.pendingLock.Unlock()
		if !ok {
			c.logger.Debug("Response for unknown request", "request", message.Response.RequestID)
			return
		}
		wait <- *message.Response
	case message.Type == types.MsgCardEvent && message.Event != nil:
		select {
		case c.events <- *message.Event:
		default:
			c.logger.Warn("Event buffer full, dropping event", "event", message.Event.Type)
		}
	default:
		c.logger.Debug("Unhandled message", "type", message.Type)
	}
}
