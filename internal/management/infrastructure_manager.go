package management

import (
	"context"
	"errors"
	"fmt"

	"tvcard/internal/config"
	"tvcard/internal/hal"
	"tvcard/internal/hardware"
	"tvcard/internal/ipc"
	"tvcard/internal/logging"
	"tvcard/pkg/types"
)

// InfrastructureManager owns the layers cards are built on: configuration,
// the opened tuners with their claim registry, and the control socket.
type InfrastructureManager struct {
	configManager   *config.ConfigManager
	hardwareFactory *hardware.HardwareFactory
	hal             *hal.HardwareAbstractionLayer
	ipcServer       *ipc.IPCServer
	watching        bool
	logger          *logging.Logger
}

// NewInfrastructureManager builds the layers from the loaded configuration.
// factory may be nil for the built-in backends.
func NewInfrastructureManager(configManager *config.ConfigManager, factory *hardware.HardwareFactory) *InfrastructureManager {
	if factory == nil {
		factory = hardware.NewHardwareFactory()
	}
	systemConfig := configManager.GetConfig()
	return &InfrastructureManager{
		configManager:   configManager,
		hardwareFactory: factory,
		hal:             hal.NewHardwareAbstractionLayer(systemConfig, factory),
		ipcServer:       ipc.NewIPCServer(systemConfig.IPC),
		logger:          logging.GetLogger("infrastructure"),
	}
}

func (im *InfrastructureManager) GetConfigManager() *config.ConfigManager {
	return im.configManager
}

func (im *InfrastructureManager) GetHardwareFactory() *hardware.HardwareFactory {
	return im.hardwareFactory
}

func (im *InfrastructureManager) GetHAL() *hal.HardwareAbstractionLayer {
	return im.hal
}

func (im *InfrastructureManager) GetIPCServer() *ipc.IPCServer {
	return im.ipcServer
}

func (im *InfrastructureManager) GetSystemConfig() types.SystemConfig {
	return im.configManager.GetConfig()
}

// Start opens the devices, then the control socket, then watches the
// configuration file when there is one.
func (im *InfrastructureManager) Start(ctx context.Context) error {
	im.logger.Info("Starting infrastructure layer")

	if err := im.hal.Start(ctx); err != nil {
		return fmt.Errorf("failed to start HAL: %w", err)
	}

	if err := im.ipcServer.Start(); err != nil {
		_ = im.hal.Stop()
		return fmt.Errorf("failed to start IPC server: %w", err)
	}

	if im.configManager.GetConfigPath() != "" {
		if err := im.configManager.StartWatching(ctx); err != nil {
			im.logger.Warn("Failed to start config watcher", "error", err)
		} else {
			im.watching = true
		}
	}

	im.logger.Info("Infrastructure layer started")
	return nil
}

// Stop shuts down in reverse order, continuing past failures.
func (im *InfrastructureManager) Stop() error {
	im.logger.Info("Stopping infrastructure layer")

	var errs []error
	if err := im.ipcServer.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("IPC server stop error: %w", err))
	}
	if err := im.hal.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("HAL stop error: %w", err))
	}
	if im.watching {
		if err := im.configManager.StopWatching(); err != nil {
			errs = append(errs, fmt.Errorf("config watcher stop error: %w", err))
		}
		im.watching = false
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	im.logger.Info("Infrastructure layer stopped")
	return nil
}

// WatchConfigChanges registers callback for configuration reloads.
func (im *InfrastructureManager) WatchConfigChanges(callback func(types.SystemConfig)) {
	im.configManager.WatchChanges(func(config types.SystemConfig) {
		im.logger.Info("Configuration changed")
		callback(config)
	})
}
