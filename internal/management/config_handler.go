package management

import (
	"context"
	"fmt"

	"tvcard/internal/config"
	"tvcard/internal/logging"
	"tvcard/pkg/types"
)

// ConfigHandler manages the channel presets of the configuration file.
type ConfigHandler struct {
	configManager *config.ConfigManager
	logger        *logging.Logger
}

func NewConfigHandler(configManager *config.ConfigManager, logger *logging.Logger) *ConfigHandler {
	return &ConfigHandler{
		configManager: configManager,
		logger:        logger,
	}
}

func (ch *ConfigHandler) GetHandledCommands() []types.CardCommand {
	return []types.CardCommand{
		types.CmdPresets,
		types.CmdPresetAdd,
		types.CmdPresetRemove,
	}
}

func (ch *ConfigHandler) GetName() string {
	return "config"
}

func (ch *ConfigHandler) HandleCommand(ctx context.Context, req *types.CardRequest) *types.CardResponse {
	switch req.Command {
	case types.CmdPresets:
		return &types.CardResponse{OK: true, Presets: ch.configManager.ListChannels()}
	case types.CmdPresetAdd:
		return ch.handleAdd(req)
	case types.CmdPresetRemove:
		if req.Preset == "" {
			return failure(fmt.Errorf("preset name is required"))
		}
		if err := ch.configManager.RemoveChannel(req.Preset); err != nil {
			return failure(err)
		}
		ch.logger.Info("Channel preset removed", "preset", req.Preset)
		return &types.CardResponse{OK: true, Presets: ch.configManager.ListChannels()}
	}
	return failure(fmt.Errorf("config handler cannot handle command: %s", req.Command))
}

func (ch *ConfigHandler) handleAdd(req *types.CardRequest) *types.CardResponse {
	if req.Preset == "" || req.Channel == nil {
		return failure(fmt.Errorf("preset name and channel are required"))
	}
	if _, err := req.Channel.Channel(); err != nil {
		return failure(err)
	}
	if err := ch.configManager.AddChannel(req.Preset, *req.Channel); err != nil {
		return failure(err)
	}
	ch.logger.Info("Channel preset added", "preset", req.Preset, "kind", req.Channel.Kind)
	return &types.CardResponse{OK: true, Presets: ch.configManager.ListChannels()}
}
