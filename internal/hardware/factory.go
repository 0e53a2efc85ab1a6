// Package hardware opens tuner devices from card configuration.
package hardware

import (
	"context"
	"fmt"
	"time"

	"tvcard/internal/hardware/comm"
	"tvcard/internal/hardware/protocols/modbus"
	"tvcard/internal/hardware/protocols/serial"
	"tvcard/internal/hardware/sim"
	"tvcard/internal/hardware/tuner"
	"tvcard/internal/logging"
	"tvcard/pkg/types"
)

// Opener creates a connected device for a card.
type Opener func(ctx context.Context, id types.DeviceID, cfg types.CardConfig) (tuner.Device, error)

// HardwareFactory maps a card's protocol onto a backend.
type HardwareFactory struct {
	openers map[string]Opener
	logger  *logging.Logger
}

func NewHardwareFactory() *HardwareFactory {
	hf := &HardwareFactory{
		openers: make(map[string]Opener),
		logger:  logging.GetLogger("hardware"),
	}
	hf.Register("sim", openSim)
	hf.Register("modbus", openModbus)
	hf.Register("serial", openSerial)
	return hf
}

// Register installs or replaces the opener for protocol.
func (hf *HardwareFactory) Register(protocol string, open Opener) {
	hf.openers[protocol] = open
}

// Open connects to the device described by cfg.
func (hf *HardwareFactory) Open(ctx context.Context, id types.DeviceID, cfg types.CardConfig) (tuner.Device, error) {
	protocol := cfg.Protocol
	if protocol == "" {
		protocol = "sim"
	}
	open, ok := hf.openers[protocol]
	if !ok {
		return nil, fmt.Errorf("unknown protocol type: %s", protocol)
	}

	dev, err := open(ctx, id, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s device %s: %w", protocol, id, err)
	}
	hf.logger.Info("Device opened", "device", id, "protocol", protocol, "endpoint", cfg.Endpoint)
	return dev, nil
}

func connectionConfig(cfg types.CardConfig) comm.ConnectionConfig {
	return comm.ConnectionConfig{
		Timeout:       cfg.Timeout,
		RetryCount:    cfg.RetryCount,
		RetryInterval: 200 * time.Millisecond,
	}
}

func openSim(_ context.Context, _ types.DeviceID, cfg types.CardConfig) (tuner.Device, error) {
	kind, err := types.ParseDeliverySystem(cfg.Kind)
	if err != nil {
		return nil, err
	}
	return sim.New(kind), nil
}

func openModbus(ctx context.Context, _ types.DeviceID, cfg types.CardConfig) (tuner.Device, error) {
	mc, err := modbus.ParseEndpoint(cfg.Endpoint, cfg.Parameters, connectionConfig(cfg))
	if err != nil {
		return nil, err
	}
	t := modbus.NewTuner(mc)
	if err := t.Connect(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func openSerial(ctx context.Context, _ types.DeviceID, cfg types.CardConfig) (tuner.Device, error) {
	sc, err := serial.ParseConfig(cfg.Endpoint, cfg.Parameters, connectionConfig(cfg))
	if err != nil {
		return nil, err
	}
	t := serial.NewTuner(sc)
	if err := t.Connect(ctx); err != nil {
		return nil, err
	}
	return t, nil
}
