// Package ipc carries card requests, responses and events as newline
// delimited JSON over TCP.
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

const (
	readIdleTimeout = 5 * time.Minute
	writeTimeout    = 10 * time.Second
	sendTimeout     = 5 * time.Second
)

// RequestHandler answers card requests.
type RequestHandler interface {
	HandleRequest(ctx context.Context, req types.CardRequest) types.CardResponse
}

type Client struct {
	ID        string
	Conn      net.Conn
	Send      chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func (c *Client) active() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

type IPCServer struct {
	config       types.IPCConfig
	clients      map[string]*Client
	clientsLock  sync.RWMutex
	handlers     map[string]func(types.IPCMessage)
	handlersLock sync.RWMutex
	server       net.Listener
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	logger       *logging.Logger
}

func NewIPCServer(config types.IPCConfig) *IPCServer {
	if config.BufferSize <= 0 {
		config.BufferSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &IPCServer{
		config:   config,
		clients:  make(map[string]*Client),
		handlers: make(map[string]func(types.IPCMessage)),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logging.GetLogger("ipc_server"),
	}
}

func (s *IPCServer) Start() error {
	var err error
	address := net.JoinHostPort(s.config.Address, fmt.Sprintf("%d", s.config.Port))

	s.server, err = net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to start IPC server: %w", err)
	}

	s.logger.Info("IPC server started", "address", s.server.Addr().String())

	s.wg.Add(1)
	go s.acceptConnections()

	return nil
}

// Addr is the listening address, useful when the configured port is 0.
func (s *IPCServer) Addr() net.Addr {
	if s.server == nil {
		return nil
	}
	return s.server.Addr()
}

func (s *IPCServer) Stop() error {
	s.cancel()

	if s.server != nil {
		s.server.Close()
	}

	s.clientsLock.Lock()
	for _, client := range s.clients {
		s.closeClient(client)
	}
	s.clients = make(map[string]*Client)
	s.clientsLock.Unlock()

	s.wg.Wait()
	s.logger.Info("IPC server stopped")
	return nil
}

// closeClient closes the connection once. Send is never closed; writers
// select on closed instead.
func (s *IPCServer) closeClient(client *Client) {
	client.closeOnce.Do(func() {
		close(client.closed)
		if client.Conn != nil {
			client.Conn.Close()
		}
		s.logger.Debug("Client closed", "client", client.ID)
	})
}

func (s *IPCServer) removeClient(client *Client) {
	s.closeClient(client)
	s.clientsLock.Lock()
	delete(s.clients, client.ID)
	s.clientsLock.Unlock()
}

func (s *IPCServer) acceptConnections() {
	defer s.wg.Done()

	for {
		conn, err := s.server.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("Accept error", "error", err)
			continue
		}

		client := &Client{
			ID:     "client-" + uuid.NewString(),
			Conn:   conn,
			Send:   make(chan []byte, s.config.BufferSize),
			closed: make(chan struct{}),
		}

		s.clientsLock.Lock()
		s.clients[client.ID] = client
		s.clientsLock.Unlock()

		s.wg.Add(2)
		go s.handleClient(client)
		go s.sendToClient(client)

		s.logger.Info("Client connected", "client", client.ID, "remote", conn.RemoteAddr().String())
	}
}

func (s *IPCServer) handleClient(client *Client) {
	defer s.wg.Done()
	defer s.removeClient(client)

	decoder := json.NewDecoder(client.Conn)

	for {
		if !client.active() || s.ctx.Err() != nil {
			return
		}
		if err := client.Conn.SetReadDeadline(time.Now().Add(readIdleTimeout)); err != nil {
			s.logger.Warn("Set read deadline failed", "client", client.ID, "error", err)
			return
		}

		var message types.IPCMessage
		if err := decoder.Decode(&message); err != nil {
			switch {
			case errors.Is(err, io.EOF):
				s.logger.Info("Client disconnected", "client", client.ID)
			case errors.Is(err, net.ErrClosed):
			default:
				s.logger.Warn("Decode error", "client", client.ID, "error", err)
			}
			return
		}
		_ = client.Conn.SetReadDeadline(time.Time{})

		message.Source = client.ID
		s.routeMessage(message)
	}
}

func (s *IPCServer) sendToClient(client *Client) {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-client.closed:
			return
		case data := <-client.Send:
			if err := client.Conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				s.logger.Warn("Set write deadline failed", "client", client.ID, "error", err)
				s.closeClient(client)
				return
			}
			if _, err := client.Conn.Write(data); err != nil {
				if !errors.Is(err, net.ErrClosed) {
					s.logger.Warn("Send failed", "client", client.ID, "error", err)
				}
				s.closeClient(client)
				return
			}
			_ = client.Conn.SetWriteDeadline(time.Time{})
		}
	}
}

func (s *IPCServer) routeMessage(message types.IPCMessage) {
	s.handlersLock.RLock()
	handler, exists := s.handlers[message.Type]
	s.handlersLock.RUnlock()

	if !exists {
		s.logger.Debug("No handler for message", "type", message.Type, "client", message.Source)
		return
	}
	handler(message)
}

func encode(message types.IPCMessage) ([]byte, error) {
	data, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return append(data, '\n'), nil
}

// Broadcast queues message for every connected client. Clients whose buffer
// is full miss it.
func (s *IPCServer) Broadcast(message types.IPCMessage) error {
	data, err := encode(message)
	if err != nil {
		return err
	}

	s.clientsLock.RLock()
	defer s.clientsLock.RUnlock()

	for _, client := range s.clients {
		if !client.active() {
			continue
		}
		select {
		case client.Send <- data:
		default:
			s.logger.Warn("Client send buffer full", "client", client.ID, "type", message.Type)
		}
	}
	return nil
}

func (s *IPCServer) SendToClient(clientID string, message types.IPCMessage) error {
	data, err := encode(message)
	if err != nil {
		return err
	}

	s.clientsLock.RLock()
	client, exists := s.clients[clientID]
	s.clientsLock.RUnlock()

	if !exists {
		return fmt.Errorf("client not found: %s", clientID)
	}

	select {
	case client.Send <- data:
		return nil
	case <-client.closed:
		return fmt.Errorf("client closed: %s", clientID)
	case <-time.After(sendTimeout):
		return fmt.Errorf("send timeout for client: %s", clientID)
	}
}

func (s *IPCServer) RegisterHandler(messageType string, handler func(types.IPCMessage)) {
	s.handlersLock.Lock()
	defer s.handlersLock.Unlock()
	s.handlers[messageType] = handler
}

// ServeRequests answers every card request with h. Requests run on their
// own goroutine so a slow tune does not hold up the client's reader.
func (s *IPCServer) ServeRequests(h RequestHandler) {
	s.RegisterHandler(types.MsgCardRequest, func(message types.IPCMessage) {
		if message.Request == nil {
			s.logger.Warn("Card request without payload", "client", message.Source)
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			resp := h.HandleRequest(s.ctx, *message.Request)
			reply := types.IPCMessage{
				Type:      types.MsgCardResponse,
				Source:    "server",
				Target:    message.Source,
				Response:  &resp,
				Timestamp: time.Now(),
				ID:        uuid.NewString(),
			}
			if err := s.SendToClient(message.Source, reply); err != nil {
				s.logger.Warn("Reply failed", "client", message.Source, "request", message.Request.RequestID, "error", err)
			}
		}()
	})
}
