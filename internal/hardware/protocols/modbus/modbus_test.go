package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"tvcard/internal/hardware/comm"
	"tvcard/internal/hardware/tuner"
	"tvcard/pkg/types"
)

// fakeSlave is an in-memory register file implementing modbus.Client.
type fakeSlave struct {
	holding map[uint16]uint16
	input   map[uint16]uint16
	status  uint32
	writes  []uint16
	failAll bool
}

func newFakeSlave() *fakeSlave {
	return &fakeSlave{holding: map[uint16]uint16{}, input: map[uint16]uint16{}}
}

var errLink = errors.New("link down")

func (f *fakeSlave) read(m map[uint16]uint16, address, quantity uint16) ([]byte, error) {
	if f.failAll {
		return nil, errLink
	}
	out := make([]byte, 2*quantity)
	for i := uint16(0); i < quantity; i++ {
		binary.BigEndian.PutUint16(out[2*i:], m[address+i])
	}
	return out, nil
}

func (f *fakeSlave) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	if address == RegStatus {
		f.holding[RegStatus] = uint16(f.status >> 16)
		f.holding[RegStatus+1] = uint16(f.status)
	}
	return f.read(f.holding, address, quantity)
}

func (f *fakeSlave) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	return f.read(f.input, address, quantity)
}

func (f *fakeSlave) WriteSingleRegister(address, value uint16) ([]byte, error) {
	if f.failAll {
		return nil, errLink
	}
	f.holding[address] = value
	f.writes = append(f.writes, address)
	return nil, nil
}

func (f *fakeSlave) WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error) {
	if f.failAll {
		return nil, errLink
	}
	for i := uint16(0); i < quantity; i++ {
		f.holding[address+i] = binary.BigEndian.Uint16(value[2*i:])
	}
	f.writes = append(f.writes, address)
	return nil, nil
}

func (f *fakeSlave) ReadCoils(address, quantity uint16) ([]byte, error)          { return nil, nil }
func (f *fakeSlave) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) { return nil, nil }
func (f *fakeSlave) WriteSingleCoil(address, value uint16) ([]byte, error)       { return nil, nil }
func (f *fakeSlave) WriteMultipleCoils(address, quantity uint16, value []byte) ([]byte, error) {
	return nil, nil
}
func (f *fakeSlave) ReadWriteMultipleRegisters(readAddress, readQuantity, writeAddress, writeQuantity uint16, value []byte) ([]byte, error) {
	return nil, nil
}
func (f *fakeSlave) MaskWriteRegister(address, andMask, orMask uint16) ([]byte, error) {
	return nil, nil
}
func (f *fakeSlave) ReadFIFOQueue(address uint16) ([]byte, error) { return nil, nil }

func TestTunerSetWritesRegisterPair(t *testing.T) {
	slave := newFakeSlave()
	tn := NewTunerWithClient(ModbusConfig{Type: "tcp"}, slave)
	ctx := context.Background()

	if st := tn.Set(ctx, tuner.ParamFrequency, 11494); !st.OK() {
		t.Fatalf("Set() status = %v", st)
	}
	addr := RegParamBase + uint16(tuner.ParamFrequency)*2
	got := uint32(slave.holding[addr])<<16 | uint32(slave.holding[addr+1])
	if got != 11494 {
		t.Errorf("frequency register = %d, want 11494", got)
	}

	slave.status = uint32(tuner.StatusNotLocked)
	if st := tn.Commit(ctx); st != tuner.StatusNotLocked {
		t.Errorf("Commit() status = %v, want not locked", st)
	}
	if slave.holding[RegCommit] != 1 {
		t.Error("commit register not triggered")
	}
}

func TestTunerSignalAndCapabilities(t *testing.T) {
	slave := newFakeSlave()
	slave.input[InputSignal] = 85
	slave.input[InputSignal+1] = 120
	slave.input[InputTunerType] = tuner.TypeCable
	slave.input[InputTunerType+1] = 16
	tn := NewTunerWithClient(ModbusConfig{Type: "tcp"}, slave)
	ctx := context.Background()

	level, quality, st := tn.SignalQuality(ctx)
	if !st.OK() || level != 85 || quality != 120 {
		t.Errorf("SignalQuality() = %d, %d, %v", level, quality, st)
	}

	caps, st := tn.Capabilities(ctx)
	if !st.OK() || !caps.Known || caps.Delivery != types.DeliveryCable || caps.MaxPIDs != 16 {
		t.Errorf("Capabilities() = %+v, %v", caps, st)
	}
	if n := tn.MaxPIDCount(ctx); n != 16 {
		t.Errorf("MaxPIDCount() = %d, want 16", n)
	}
}

func TestTunerTransportFailure(t *testing.T) {
	slave := newFakeSlave()
	slave.failAll = true
	tn := NewTunerWithClient(ModbusConfig{Type: "tcp"}, slave)
	ctx := context.Background()

	if st := tn.Set(ctx, tuner.ParamSymbolRate, 27500); st != tuner.StatusTransport {
		t.Errorf("Set() status = %v, want transport failure", st)
	}
	if tn.AddPID(ctx, 0x11) {
		t.Error("AddPID() should fail on a dead link")
	}
	if !errors.Is(tn.GetLastError(), errLink) {
		t.Errorf("GetLastError() = %v", tn.GetLastError())
	}
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		params   map[string]string
		wantType string
		wantAddr string
		wantErr  bool
	}{
		{"tcp://10.0.0.5:502", nil, "tcp", "10.0.0.5:502", false},
		{"rtu:///dev/ttyUSB0", map[string]string{"baud_rate": "9600", "slave_id": "3"}, "rtu", "/dev/ttyUSB0", false},
		{"udp://10.0.0.5:502", nil, "", "", true},
		{"rtu:///dev/ttyUSB0", map[string]string{"slave_id": "999"}, "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			cfg, err := ParseEndpoint(tt.endpoint, tt.params, comm.ConnectionConfig{})
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseEndpoint() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if cfg.Type != tt.wantType || cfg.Address != tt.wantAddr {
				t.Errorf("got %s %s", cfg.Type, cfg.Address)
			}
			if tt.params["baud_rate"] == "9600" && (cfg.BaudRate != 9600 || cfg.SlaveID != 3) {
				t.Errorf("serial params not applied: %+v", cfg)
			}
		})
	}
}
