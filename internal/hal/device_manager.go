package hal

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"tvcard/internal/hardware"
	"tvcard/internal/hardware/comm"
	"tvcard/internal/hardware/tuner"
	"tvcard/internal/logging"
	"tvcard/pkg/types"
)

// LinkEvent reports a change on a device's control link.
type LinkEvent struct {
	Device types.DeviceID
	Status comm.ConnectionStatus
	Err    error
}

// DeviceManager opens one tuner per configured card and owns the handles.
type DeviceManager struct {
	devices     map[types.DeviceID]tuner.Device
	devicesLock sync.RWMutex
	cards       map[types.DeviceID]types.CardConfig
	factory     *hardware.HardwareFactory

	links     map[types.DeviceID]comm.ConnectionStatus
	listeners []func(LinkEvent)
	linksLock sync.RWMutex

	logger *logging.Logger
}

func NewDeviceManager(cards map[types.DeviceID]types.CardConfig, factory *hardware.HardwareFactory) *DeviceManager {
	if factory == nil {
		factory = hardware.NewHardwareFactory()
	}
	return &DeviceManager{
		devices: make(map[types.DeviceID]tuner.Device),
		cards:   cards,
		factory: factory,
		links:   make(map[types.DeviceID]comm.ConnectionStatus),
		logger:  logging.GetLogger("device_manager"),
	}
}

// Start opens every configured device. Devices opened before a failure are closed.
func (dm *DeviceManager) Start(ctx context.Context) error {
	dm.logger.Info("Starting device manager", "cards", len(dm.cards))

	ids := make([]types.DeviceID, 0, len(dm.cards))
	for id := range dm.cards {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		dev, err := dm.factory.Open(ctx, id, dm.cards[id])
		if err != nil {
			dm.logger.Error("Failed to open device", "device", id, "error", err)
			_ = dm.Stop()
			return fmt.Errorf("failed to initialize device %s: %w", id, err)
		}
		if err := dm.AddDevice(id, dev); err != nil {
			_ = dev.Close()
			_ = dm.Stop()
			return err
		}
	}
	return nil
}

// Stop closes every device, continuing past failures.
func (dm *DeviceManager) Stop() error {
	dm.devicesLock.Lock()
	defer dm.devicesLock.Unlock()

	var errs []error
	for id, dev := range dm.devices {
		if err := dev.Close(); err != nil {
			dm.logger.Error("Failed to close device", "device", id, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	dm.devices = make(map[types.DeviceID]tuner.Device)

	if len(errs) > 0 {
		return fmt.Errorf("device manager stop errors: %v", errs)
	}
	return nil
}

func (dm *DeviceManager) AddDevice(id types.DeviceID, dev tuner.Device) error {
	dm.devicesLock.Lock()
	defer dm.devicesLock.Unlock()

	if _, exists := dm.devices[id]; exists {
		return fmt.Errorf("device %s already exists", id)
	}
	dm.devices[id] = dev

	if link, ok := dev.(comm.Link); ok {
		dm.linksLock.Lock()
		dm.links[id] = link.GetStatus()
		dm.linksLock.Unlock()
		link.AddEventHandler(&linkMonitor{id: id, link: link, dm: dm})
	}
	return nil
}

// OnLinkEvent registers fn for link changes of every device opened with a
// control link. fn runs on the goroutine that observed the change.
func (dm *DeviceManager) OnLinkEvent(fn func(LinkEvent)) {
	dm.linksLock.Lock()
	defer dm.linksLock.Unlock()
	dm.listeners = append(dm.listeners, fn)
}

// LinkStatus returns the last known link state of id. ok is false for
// devices without a control link, such as the simulator.
func (dm *DeviceManager) LinkStatus(id types.DeviceID) (comm.ConnectionStatus, bool) {
	dm.linksLock.RLock()
	defer dm.linksLock.RUnlock()
	st, ok := dm.links[id]
	return st, ok
}

func (dm *DeviceManager) linkChanged(ev LinkEvent) {
	dm.linksLock.Lock()
	dm.links[ev.Device] = ev.Status
	listeners := append([]func(LinkEvent){}, dm.listeners...)
	dm.linksLock.Unlock()

	switch {
	case ev.Err != nil:
		dm.logger.Error("Device link error", "device", ev.Device, "status", ev.Status.String(), "error", ev.Err)
	case ev.Status == comm.StatusConnected:
		dm.logger.Info("Device link up", "device", ev.Device)
	default:
		dm.logger.Warn("Device link down", "device", ev.Device, "status", ev.Status.String())
	}
	for _, fn := range listeners {
		fn(ev)
	}
}

type linkMonitor struct {
	id   types.DeviceID
	link comm.Link
	dm   *DeviceManager
}

func (m *linkMonitor) OnConnected() {
	m.dm.linkChanged(LinkEvent{Device: m.id, Status: comm.StatusConnected})
}

func (m *linkMonitor) OnDisconnected() {
	m.dm.linkChanged(LinkEvent{Device: m.id, Status: comm.StatusDisconnected})
}

func (m *linkMonitor) OnError(err error) {
	m.dm.linkChanged(LinkEvent{Device: m.id, Status: m.link.GetStatus(), Err: err})
}

func (dm *DeviceManager) GetDevice(id types.DeviceID) (tuner.Device, error) {
	dm.devicesLock.RLock()
	defer dm.devicesLock.RUnlock()

	dev, exists := dm.devices[id]
	if !exists {
		return nil, fmt.Errorf("device %s not found", id)
	}
	return dev, nil
}

func (dm *DeviceManager) CardConfig(id types.DeviceID) (types.CardConfig, bool) {
	c, ok := dm.cards[id]
	return c, ok
}

func (dm *DeviceManager) GetDeviceCount() int {
	dm.devicesLock.RLock()
	defer dm.devicesLock.RUnlock()
	return len(dm.devices)
}
