// Package hal owns the physical tuners of the process: it opens them from
// configuration and keeps the registry that lets only one card session hold
// a device at a time.
package hal

import (
	"context"
	"fmt"

	"tvcard/internal/hardware"
	"tvcard/internal/logging"
	"tvcard/pkg/types"
)

type HardwareAbstractionLayer struct {
	deviceManager   *DeviceManager
	resourceManager *ResourceManager
	logger          *logging.Logger
}

func NewHardwareAbstractionLayer(config types.SystemConfig, factory *hardware.HardwareFactory) *HardwareAbstractionLayer {
	rm := NewResourceManager()
	for id := range config.Cards {
		rm.Register(id)
	}
	return &HardwareAbstractionLayer{
		deviceManager:   NewDeviceManager(config.Cards, factory),
		resourceManager: rm,
		logger:          logging.GetLogger("hal"),
	}
}

func (hal *HardwareAbstractionLayer) Start(ctx context.Context) error {
	hal.logger.Info("Starting Hardware Abstraction Layer")

	if err := hal.deviceManager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start device manager: %w", err)
	}

	hal.logger.Info("Hardware Abstraction Layer started", "devices", hal.deviceManager.GetDeviceCount())
	return nil
}

// Stop releases every claim and closes every device.
func (hal *HardwareAbstractionLayer) Stop() error {
	hal.logger.Info("Stopping Hardware Abstraction Layer")

	var errs []error
	if err := hal.resourceManager.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("resource manager stop error: %w", err))
	}
	if err := hal.deviceManager.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("device manager stop error: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("HAL stop errors: %v", errs)
	}
	return nil
}

func (hal *HardwareAbstractionLayer) GetDeviceManager() *DeviceManager {
	return hal.deviceManager
}

func (hal *HardwareAbstractionLayer) GetResourceManager() *ResourceManager {
	return hal.resourceManager
}
