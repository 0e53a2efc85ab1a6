// Package modbus drives a tuner whose control processor is exposed as a
// Modbus slave. Every tuning parameter is a 32-bit holding register pair and
// each write is followed by a read of the status register pair.
package modbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"github.com/goburrow/modbus"

	"tvcard/internal/hardware/comm"
	"tvcard/internal/hardware/tuner"
)

// Register map of the tuner slave.
const (
	RegStatus      uint16 = 0x0000 // 2 registers, last call status
	RegParamBase   uint16 = 0x0100 // 2 registers per tuner.Param
	RegCommit      uint16 = 0x0040
	RegCheckLock   uint16 = 0x0041
	RegInitialize  uint16 = 0x0042
	RegPidClear    uint16 = 0x0070
	RegPidAdd      uint16 = 0x0071
	RegMotor       uint16 = 0x0080
	InputSignal    uint16 = 0x0000 // input registers: level, quality
	InputTunerType uint16 = 0x0010 // input registers: type, max pids
)

// ModbusConfig describes how to reach the slave.
type ModbusConfig struct {
	comm.ConnectionConfig `yaml:",inline"`

	Type     string `yaml:"type"`    // tcp, rtu, ascii
	Address  string `yaml:"address"` // host:port or serial device path
	BaudRate int    `yaml:"baud_rate"`
	DataBits int    `yaml:"data_bits"`
	StopBits int    `yaml:"stop_bits"`
	Parity   string `yaml:"parity"` // N, E, O
	SlaveID  byte   `yaml:"slave_id"`
}

// ParseEndpoint fills Type and Address from tcp://host:port, rtu:///dev/ttyS0
// or ascii:///dev/ttyS0, and the serial settings from params.
func ParseEndpoint(endpoint string, params map[string]string, cc comm.ConnectionConfig) (ModbusConfig, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return ModbusConfig{}, fmt.Errorf("invalid modbus endpoint %q: %w", endpoint, err)
	}

	cfg := ModbusConfig{
		ConnectionConfig: cc,
		Type:             u.Scheme,
		BaudRate:         19200,
		DataBits:         8,
		StopBits:         1,
		Parity:           "E",
		SlaveID:          1,
	}
	switch u.Scheme {
	case "tcp":
		cfg.Address = u.Host
	case "rtu", "ascii":
		cfg.Address = u.Path
	default:
		return ModbusConfig{}, fmt.Errorf("unsupported Modbus type: %s", u.Scheme)
	}

	ints := map[string]*int{"baud_rate": &cfg.BaudRate, "data_bits": &cfg.DataBits, "stop_bits": &cfg.StopBits}
	for key, dst := range ints {
		if v, ok := params[key]; ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return ModbusConfig{}, fmt.Errorf("modbus %s: %w", key, err)
			}
			*dst = n
		}
	}
	if v, ok := params["parity"]; ok {
		cfg.Parity = v
	}
	if v, ok := params["slave_id"]; ok {
		n, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return ModbusConfig{}, fmt.Errorf("modbus slave_id: %w", err)
		}
		cfg.SlaveID = byte(n)
	}
	return cfg, nil
}

type closer interface {
	Close() error
}

// Tuner implements tuner.Device and tuner.Positioner over Modbus.
type Tuner struct {
	*comm.BaseCommunication
	config  ModbusConfig
	mu      sync.Mutex
	client  modbus.Client
	handler closer
}

var (
	_ tuner.Device     = (*Tuner)(nil)
	_ tuner.Positioner = (*Tuner)(nil)
	_ comm.Link        = (*Tuner)(nil)
)

func NewTuner(config ModbusConfig) *Tuner {
	return &Tuner{
		BaseCommunication: comm.NewBaseCommunication("modbus:"+config.Address, config.ConnectionConfig),
		config:            config,
	}
}

// NewTunerWithClient wraps an already connected client.
func NewTunerWithClient(config ModbusConfig, client modbus.Client) *Tuner {
	t := NewTuner(config)
	t.client = client
	t.SetStatus(comm.StatusConnected)
	return t
}

// Connect opens the handler selected by the configured type.
func (t *Tuner) Connect(ctx context.Context) error {
	t.SetStatus(comm.StatusConnecting)

	var err error
	switch t.config.Type {
	case "tcp":
		err = t.connectTCP()
	case "rtu":
		err = t.connectRTU()
	case "ascii":
		err = t.connectASCII()
	default:
		err = fmt.Errorf("unsupported Modbus type: %s", t.config.Type)
	}

	if err != nil {
		t.SetStatus(comm.StatusError)
		return t.HandleWithError(err)
	}

	t.SetStatus(comm.StatusConnected)
	t.EmitConnected()
	return nil
}

func (t *Tuner) connectTCP() error {
	handler := modbus.NewTCPClientHandler(t.config.Address)
	handler.Timeout = t.config.Timeout
	handler.SlaveId = t.config.SlaveID
	if err := handler.Connect(); err != nil {
		return fmt.Errorf("failed to connect TCP Modbus: %w", err)
	}

	t.mu.Lock()
	t.handler = handler
	t.client = modbus.NewClient(handler)
	t.mu.Unlock()
	return nil
}

func (t *Tuner) connectRTU() error {
	handler := modbus.NewRTUClientHandler(t.config.Address)
	handler.BaudRate = t.config.BaudRate
	handler.DataBits = t.config.DataBits
	handler.StopBits = t.config.StopBits
	handler.Parity = t.config.Parity
	handler.SlaveId = t.config.SlaveID
	handler.Timeout = t.config.Timeout
	if err := handler.Connect(); err != nil {
		return fmt.Errorf("failed to connect RTU Modbus: %w", err)
	}

	t.mu.Lock()
	t.handler = handler
	t.client = modbus.NewClient(handler)
	t.mu.Unlock()
	return nil
}

func (t *Tuner) connectASCII() error {
	handler := modbus.NewASCIIClientHandler(t.config.Address)
	handler.BaudRate = t.config.BaudRate
	handler.DataBits = t.config.DataBits
	handler.StopBits = t.config.StopBits
	handler.Parity = t.config.Parity
	handler.SlaveId = t.config.SlaveID
	handler.Timeout = t.config.Timeout
	if err := handler.Connect(); err != nil {
		return fmt.Errorf("failed to connect ASCII Modbus: %w", err)
	}

	t.mu.Lock()
	t.handler = handler
	t.client = modbus.NewClient(handler)
	t.mu.Unlock()
	return nil
}

func (t *Tuner) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	h := t.handler
	t.handler = nil
	t.client = nil
	t.mu.Unlock()

	t.SetStatus(comm.StatusDisconnected)
	t.EmitDisconnected()
	if h != nil {
		return h.Close()
	}
	return nil
}

func (t *Tuner) Close() error {
	return t.Disconnect(context.Background())
}

func (t *Tuner) withClient(ctx context.Context, op func(modbus.Client) error) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return fmt.Errorf("Modbus client not connected")
	}
	err := t.RetryWithTimeout(ctx, func(context.Context) error {
		return op(client)
	})
	if err != nil {
		return t.HandleWithError(err)
	}
	return nil
}

func encode32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// readStatus returns the status register pair or StatusTransport.
func (t *Tuner) readStatus(ctx context.Context) tuner.Status {
	var raw []byte
	err := t.withClient(ctx, func(c modbus.Client) error {
		var err error
		raw, err = c.ReadHoldingRegisters(RegStatus, 2)
		return err
	})
	if err != nil || len(raw) < 4 {
		return tuner.StatusTransport
	}
	return tuner.Status(binary.BigEndian.Uint32(raw))
}

// writeThenStatus performs a write and reads back the call status.
func (t *Tuner) writeThenStatus(ctx context.Context, write func(modbus.Client) error) tuner.Status {
	if err := t.withClient(ctx, write); err != nil {
		return tuner.StatusTransport
	}
	return t.readStatus(ctx)
}

func (t *Tuner) Set(ctx context.Context, p tuner.Param, value int) tuner.Status {
	addr := RegParamBase + uint16(p)*2
	return t.writeThenStatus(ctx, func(c modbus.Client) error {
		_, err := c.WriteMultipleRegisters(addr, 2, encode32(uint32(int32(value))))
		return err
	})
}

func (t *Tuner) trigger(ctx context.Context, reg uint16, value uint16) tuner.Status {
	return t.writeThenStatus(ctx, func(c modbus.Client) error {
		_, err := c.WriteSingleRegister(reg, value)
		return err
	})
}

func (t *Tuner) Commit(ctx context.Context) tuner.Status {
	return t.trigger(ctx, RegCommit, 1)
}

func (t *Tuner) CheckLock(ctx context.Context) tuner.Status {
	return t.trigger(ctx, RegCheckLock, 1)
}

func (t *Tuner) Initialize(ctx context.Context) tuner.Status {
	return t.trigger(ctx, RegInitialize, 1)
}

func (t *Tuner) GotoPosition(ctx context.Context, index int) tuner.Status {
	return t.trigger(ctx, RegMotor, uint16(index))
}

func (t *Tuner) readInputs(ctx context.Context, reg uint16) (a, b int, st tuner.Status) {
	var raw []byte
	err := t.withClient(ctx, func(c modbus.Client) error {
		var err error
		raw, err = c.ReadInputRegisters(reg, 2)
		return err
	})
	if err != nil || len(raw) < 4 {
		return 0, 0, tuner.StatusTransport
	}
	return int(int16(binary.BigEndian.Uint16(raw[0:2]))), int(int16(binary.BigEndian.Uint16(raw[2:4]))), tuner.StatusOK
}

func (t *Tuner) SignalQuality(ctx context.Context) (level, quality int, st tuner.Status) {
	return t.readInputs(ctx, InputSignal)
}

func (t *Tuner) Capabilities(ctx context.Context) (tuner.Capabilities, tuner.Status) {
	typ, maxPIDs, st := t.readInputs(ctx, InputTunerType)
	if !st.OK() {
		return tuner.Capabilities{}, st
	}
	caps := tuner.CapabilitiesFromType(typ, maxPIDs)
	caps.HasMotor = true
	return caps, st
}

func (t *Tuner) DeleteAllPIDs(ctx context.Context) bool {
	return t.trigger(ctx, RegPidClear, 1).OK()
}

func (t *Tuner) AddPID(ctx context.Context, pid uint16) bool {
	return t.trigger(ctx, RegPidAdd, pid).OK()
}

func (t *Tuner) MaxPIDCount(ctx context.Context) int {
	_, n, st := t.readInputs(ctx, InputTunerType)
	if !st.OK() {
		return 0
	}
	return n
}
