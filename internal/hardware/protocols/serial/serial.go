// Package serial drives a tuner through a line-oriented command protocol on a
// serial port. Each request is one ASCII line; the device answers with one
// line whose first field is the hexadecimal status code.
//
//	SET FREQ 11494   -> 00000000
//	COMMIT           -> 90010115
//	SIGNAL           -> 00000000 82 74
//	CAPS             -> 00000000 0 32 1
package serial

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jacobsa/go-serial/serial"

	"tvcard/internal/hardware/comm"
	"tvcard/internal/hardware/tuner"
)

// SerialConfig describes the port.
type SerialConfig struct {
	comm.ConnectionConfig `yaml:",inline"`

	PortName    string `yaml:"port_name"`
	BaudRate    int    `yaml:"baud_rate"`
	DataBits    int    `yaml:"data_bits"`
	StopBits    int    `yaml:"stop_bits"`
	Parity      string `yaml:"parity"` // N, E, O
	FlowControl bool   `yaml:"flow_control"`
}

// ParseConfig builds a SerialConfig from a card's endpoint and parameters.
func ParseConfig(portName string, params map[string]string, cc comm.ConnectionConfig) (SerialConfig, error) {
	cfg := SerialConfig{
		ConnectionConfig: cc,
		PortName:         strings.TrimPrefix(portName, "serial://"),
		BaudRate:         115200,
		DataBits:         8,
		StopBits:         1,
		Parity:           "N",
	}
	ints := map[string]*int{"baud_rate": &cfg.BaudRate, "data_bits": &cfg.DataBits, "stop_bits": &cfg.StopBits}
	for key, dst := range ints {
		if v, ok := params[key]; ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return SerialConfig{}, fmt.Errorf("serial %s: %w", key, err)
			}
			*dst = n
		}
	}
	if v, ok := params["parity"]; ok {
		cfg.Parity = v
	}
	if v, ok := params["flow_control"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return SerialConfig{}, fmt.Errorf("serial flow_control: %w", err)
		}
		cfg.FlowControl = b
	}
	if cfg.PortName == "" {
		return SerialConfig{}, fmt.Errorf("serial port name is required")
	}
	return cfg, nil
}

// Tuner implements tuner.Device and tuner.Positioner over a serial line.
type Tuner struct {
	*comm.BaseCommunication
	config SerialConfig
	mu     sync.Mutex
	port   io.ReadWriteCloser
	reader *bufio.Reader
}

var (
	_ tuner.Device     = (*Tuner)(nil)
	_ tuner.Positioner = (*Tuner)(nil)
	_ comm.Link        = (*Tuner)(nil)
)

func NewTuner(config SerialConfig) *Tuner {
	return &Tuner{
		BaseCommunication: comm.NewBaseCommunication("serial:"+config.PortName, config.ConnectionConfig),
		config:            config,
	}
}

// NewTunerWithPort wraps an already open port.
func NewTunerWithPort(config SerialConfig, port io.ReadWriteCloser) *Tuner {
	t := NewTuner(config)
	t.port = port
	t.reader = bufio.NewReader(port)
	t.SetStatus(comm.StatusConnected)
	return t
}

// Connect opens the serial port.
func (t *Tuner) Connect(ctx context.Context) error {
	t.SetStatus(comm.StatusConnecting)

	opts := serial.OpenOptions{
		PortName:              t.config.PortName,
		BaudRate:              uint(t.config.BaudRate),
		DataBits:              uint(t.config.DataBits),
		StopBits:              uint(t.config.StopBits),
		MinimumReadSize:       0,
		InterCharacterTimeout: uint(t.config.Timeout / time.Millisecond),
		RTSCTSFlowControl:     t.config.FlowControl,
	}
	switch strings.ToUpper(t.config.Parity) {
	case "E":
		opts.ParityMode = serial.PARITY_EVEN
	case "O":
		opts.ParityMode = serial.PARITY_ODD
	default:
		opts.ParityMode = serial.PARITY_NONE
	}

	port, err := serial.Open(opts)
	if err != nil {
		t.SetStatus(comm.StatusError)
		return t.HandleWithError(fmt.Errorf("failed to open serial port %s: %w", t.config.PortName, err))
	}

	t.mu.Lock()
	t.port = port
	t.reader = bufio.NewReader(port)
	t.mu.Unlock()

	t.SetStatus(comm.StatusConnected)
	t.EmitConnected()
	return nil
}

func (t *Tuner) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	port := t.port
	t.port = nil
	t.reader = nil
	t.mu.Unlock()

	t.SetStatus(comm.StatusDisconnected)
	t.EmitDisconnected()
	if port != nil {
		if err := port.Close(); err != nil {
			return t.HandleWithError(fmt.Errorf("failed to close serial port: %w", err))
		}
	}
	return nil
}

func (t *Tuner) Close() error {
	return t.Disconnect(context.Background())
}

// request sends one command line and returns the status and trailing fields
// of the reply.
func (t *Tuner) request(ctx context.Context, format string, args ...any) (tuner.Status, []string) {
	line := fmt.Sprintf(format, args...)

	var reply string
	err := t.RetryWithTimeout(ctx, func(context.Context) error {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.port == nil {
			return fmt.Errorf("serial port not open")
		}
		if _, err := io.WriteString(t.port, line+"\n"); err != nil {
			return fmt.Errorf("failed to write command: %w", err)
		}
		r, err := t.reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		reply = r
		return nil
	})
	if err != nil {
		t.HandleWithError(err)
		return tuner.StatusTransport, nil
	}

	fields := strings.Fields(reply)
	if len(fields) == 0 {
		t.HandleWithError(fmt.Errorf("empty reply to %q", line))
		return tuner.StatusTransport, nil
	}
	code, err := strconv.ParseUint(fields[0], 16, 32)
	if err != nil {
		t.HandleWithError(fmt.Errorf("malformed reply %q: %w", reply, err))
		return tuner.StatusTransport, nil
	}
	return tuner.Status(code), fields[1:]
}

func (t *Tuner) Set(ctx context.Context, p tuner.Param, value int) tuner.Status {
	code := p.Code()
	if code == "" {
		return tuner.StatusUnsupported
	}
	st, _ := t.request(ctx, "SET %s %d", code, value)
	return st
}

func (t *Tuner) Commit(ctx context.Context) tuner.Status {
	st, _ := t.request(ctx, "COMMIT")
	return st
}

func (t *Tuner) CheckLock(ctx context.Context) tuner.Status {
	st, _ := t.request(ctx, "LOCK")
	return st
}

func (t *Tuner) Initialize(ctx context.Context) tuner.Status {
	st, _ := t.request(ctx, "INIT")
	return st
}

func (t *Tuner) GotoPosition(ctx context.Context, index int) tuner.Status {
	st, _ := t.request(ctx, "GOTO %d", index)
	return st
}

func atoiFields(fields []string, n int) ([]int, bool) {
	if len(fields) < n {
		return nil, false
	}
	out := make([]int, n)
	for i := 0; i < n; i++ {
		v, err := strconv.Atoi(fields[i])
		if err != nil {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

func (t *Tuner) SignalQuality(ctx context.Context) (level, quality int, st tuner.Status) {
	st, fields := t.request(ctx, "SIGNAL")
	if !st.OK() {
		return 0, 0, st
	}
	v, ok := atoiFields(fields, 2)
	if !ok {
		return 0, 0, tuner.StatusTransport
	}
	return v[0], v[1], st
}

func (t *Tuner) Capabilities(ctx context.Context) (tuner.Capabilities, tuner.Status) {
	st, fields := t.request(ctx, "CAPS")
	if !st.OK() {
		return tuner.Capabilities{}, st
	}
	v, ok := atoiFields(fields, 3)
	if !ok {
		return tuner.Capabilities{}, tuner.StatusTransport
	}
	caps := tuner.CapabilitiesFromType(v[0], v[1])
	caps.HasMotor = v[2] != 0
	return caps, st
}

func (t *Tuner) DeleteAllPIDs(ctx context.Context) bool {
	st, _ := t.request(ctx, "PIDCLR")
	return st.OK()
}

func (t *Tuner) AddPID(ctx context.Context, pid uint16) bool {
	st, _ := t.request(ctx, "PIDADD %d", pid)
	return st.OK()
}

func (t *Tuner) MaxPIDCount(ctx context.Context) int {
	caps, st := t.Capabilities(ctx)
	if !st.OK() {
		return 0
	}
	return caps.MaxPIDs
}
