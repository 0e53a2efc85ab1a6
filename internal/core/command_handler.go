package core

import (
	"context"
	"fmt"
	"sort"
	"time"

	"tvcard/internal/logging"
	"tvcard/pkg/types"
)

// CommandHandler answers one group of control commands.
type CommandHandler interface {
	GetHandledCommands() []types.CardCommand
	HandleCommand(ctx context.Context, req *types.CardRequest) *types.CardResponse
	GetName() string
}

// CommandRouter dispatches control requests to the handler registered for
// their command.
type CommandRouter struct {
	handlers map[types.CardCommand]CommandHandler
	logger   *logging.Logger
}

func NewCommandRouter(logger *logging.Logger) *CommandRouter {
	if logger == nil {
		logger = logging.GetLogger("router")
	}
	return &CommandRouter{
		handlers: make(map[types.CardCommand]CommandHandler),
		logger:   logger,
	}
}

// RegisterHandler registers handler for its commands. A later registration
// replaces an earlier one for the same command.
func (cr *CommandRouter) RegisterHandler(handler CommandHandler) {
	for _, cmd := range handler.GetHandledCommands() {
		if existing, exists := cr.handlers[cmd]; exists {
			cr.logger.Warn("Command handler conflict", "command", cmd, "existing_handler", existing.GetName(), "new_handler", handler.GetName())
		}
		cr.handlers[cmd] = handler
		cr.logger.Debug("Registered command handler", "command", cmd, "handler", handler.GetName())
	}
}

func (cr *CommandRouter) UnregisterHandler(handler CommandHandler) {
	for _, cmd := range handler.GetHandledCommands() {
		if cr.handlers[cmd] == handler {
			delete(cr.handlers, cmd)
		}
	}
}

// RouteCommand answers req. The response always carries req's id.
func (cr *CommandRouter) RouteCommand(ctx context.Context, req *types.CardRequest) *types.CardResponse {
	handler, exists := cr.handlers[req.Command]
	if !exists {
		return &types.CardResponse{
			RequestID: req.RequestID,
			Error:     fmt.Sprintf("no handler registered for command: %s", req.Command),
			Timestamp: time.Now(),
		}
	}

	cr.logger.Debug("Routing command", "command", req.Command, "card", req.Card, "handler", handler.GetName())
	resp := handler.HandleCommand(ctx, req)
	if resp == nil {
		resp = &types.CardResponse{Error: "handler returned no response"}
	}
	resp.RequestID = req.RequestID
	if resp.Timestamp.IsZero() {
		resp.Timestamp = time.Now()
	}
	return resp
}

// GetRegisteredHandlers maps handler names to their commands.
func (cr *CommandRouter) GetRegisteredHandlers() map[string][]types.CardCommand {
	result := make(map[string][]types.CardCommand)
	for cmd, handler := range cr.handlers {
		result[handler.GetName()] = append(result[handler.GetName()], cmd)
	}
	for _, cmds := range result {
		sort.Slice(cmds, func(i, j int) bool { return cmds[i] < cmds[j] })
	}
	return result
}
