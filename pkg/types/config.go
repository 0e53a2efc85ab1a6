package types

import (
	"fmt"
	"strings"
	"time"
)

// SystemConfig is the root of the daemon configuration file.
type SystemConfig struct {
	EventLoopInterval time.Duration           `yaml:"event_loop_interval"`
	Logging           LoggingConfig           `yaml:"logging"`
	Cards             map[DeviceID]CardConfig `yaml:"cards"`
	Channels          map[string]ChannelSpec  `yaml:"channels"`
	IPC               IPCConfig               `yaml:"ipc"`
	HTTP              HTTPConfig              `yaml:"http"`
}

// LoggingConfig mirrors logging.Config so the types package stays free of
// internal imports.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	OutputPath string `yaml:"output_path"`
	AddSource  bool   `yaml:"add_source"`
}

// CardConfig describes one physical tuner and how to reach it.
type CardConfig struct {
	DevicePath     string            `yaml:"device_path"`
	Kind           string            `yaml:"kind"`
	Protocol       string            `yaml:"protocol"` // sim, modbus, serial
	Endpoint       string            `yaml:"endpoint"`
	Parameters     map[string]string `yaml:"parameters"`
	Stream         string            `yaml:"stream"`     // file path or udp://host:port
	Pipeline       string            `yaml:"pipeline"`   // ts, gst
	PidPolicy      string            `yaml:"pid_policy"` // capture_all, explicit
	LnbToneKHz     int               `yaml:"lnb_tone_khz"`
	CommitAttempts int               `yaml:"commit_attempts"`
	SignalInterval time.Duration     `yaml:"signal_interval"`
	Timeout        time.Duration     `yaml:"timeout"`
	RetryCount     int               `yaml:"retry_count"`
}

type IPCConfig struct {
	Type       string        `yaml:"type"`
	Address    string        `yaml:"address"`
	Port       int           `yaml:"port"`
	Timeout    time.Duration `yaml:"timeout"`
	BufferSize int           `yaml:"buffer_size"`
}

type HTTPConfig struct {
	ListenAddress string `yaml:"listen_address"`
	MetricsPath   string `yaml:"metrics_path"`
}

// ChannelSpec is the serialized form of a Channel, used by presets in the
// configuration file and by control requests.
type ChannelSpec struct {
	Kind            string `yaml:"kind" json:"kind"`
	Name            string `yaml:"name" json:"name"`
	Provider        string `yaml:"provider" json:"provider,omitempty"`
	NetworkID       *int   `yaml:"network_id" json:"network_id,omitempty"`
	TransportID     *int   `yaml:"transport_id" json:"transport_id,omitempty"`
	ServiceID       *int   `yaml:"service_id" json:"service_id,omitempty"`
	PmtPID          int    `yaml:"pmt_pid" json:"pmt_pid,omitempty"`
	Frequency       int    `yaml:"frequency" json:"frequency,omitempty"`
	SymbolRate      int    `yaml:"symbol_rate" json:"symbol_rate,omitempty"`
	Polarisation    string `yaml:"polarisation" json:"polarisation,omitempty"`
	Band            string `yaml:"band" json:"band,omitempty"`
	DiSEqC          string `yaml:"diseqc" json:"diseqc,omitempty"`
	SatelliteIndex  int    `yaml:"satellite_index" json:"satellite_index,omitempty"`
	ToneKHz         int    `yaml:"tone_khz" json:"tone_khz,omitempty"`
	Modulation      int    `yaml:"modulation" json:"modulation,omitempty"`
	Bandwidth       int    `yaml:"bandwidth" json:"bandwidth,omitempty"`
	PhysicalChannel int    `yaml:"physical_channel" json:"physical_channel,omitempty"`
}

func idOrUnknown(v *int) int {
	if v == nil {
		return -1
	}
	return *v
}

// Channel converts the spec into a typed descriptor. Missing network,
// transport or service ids become -1.
func (s ChannelSpec) Channel() (Channel, error) {
	kind, err := ParseDeliverySystem(s.Kind)
	if err != nil {
		return nil, err
	}
	svc := Service{
		Name:        s.Name,
		Provider:    s.Provider,
		NetworkID:   idOrUnknown(s.NetworkID),
		TransportID: idOrUnknown(s.TransportID),
		ServiceID:   idOrUnknown(s.ServiceID),
		PmtPID:      s.PmtPID,
	}

	switch kind {
	case DeliverySatellite:
		pol, err := parsePolarisation(s.Polarisation)
		if err != nil {
			return nil, err
		}
		band, err := parseBand(s.Band)
		if err != nil {
			return nil, err
		}
		diseqc, err := parseDiSEqC(s.DiSEqC)
		if err != nil {
			return nil, err
		}
		return SatelliteChannel{
			Service:        svc,
			Frequency:      s.Frequency,
			SymbolRate:     s.SymbolRate,
			Polarisation:   pol,
			Band:           band,
			DiSEqC:         diseqc,
			SatelliteIndex: s.SatelliteIndex,
			ToneKHz:        s.ToneKHz,
		}, nil
	case DeliveryCable:
		mod, err := parseModulation(s.Modulation)
		if err != nil {
			return nil, err
		}
		return CableChannel{Service: svc, Frequency: s.Frequency, SymbolRate: s.SymbolRate, Modulation: mod}, nil
	case DeliveryTerrestrial:
		return TerrestrialChannel{Service: svc, Frequency: s.Frequency, Bandwidth: s.Bandwidth}, nil
	default:
		if s.PhysicalChannel <= 0 {
			return nil, fmt.Errorf("atsc channel %q: physical_channel must be positive", s.Name)
		}
		return ATSCChannel{Service: svc, PhysicalChannel: s.PhysicalChannel}, nil
	}
}

func parsePolarisation(s string) (Polarisation, error) {
	switch strings.ToLower(s) {
	case "", "h", "horizontal":
		return PolarisationHorizontal, nil
	case "v", "vertical":
		return PolarisationVertical, nil
	case "l", "circular_left", "circularl":
		return PolarisationCircularL, nil
	case "r", "circular_right", "circularr":
		return PolarisationCircularR, nil
	}
	return 0, fmt.Errorf("unknown polarisation %q", s)
}

func parseBand(s string) (BandType, error) {
	switch strings.ToLower(s) {
	case "", "universal":
		return BandUniversal, nil
	case "circular":
		return BandCircular, nil
	case "linear":
		return BandLinear, nil
	case "cband", "c-band":
		return BandCBand, nil
	}
	return 0, fmt.Errorf("unknown band type %q", s)
}

func parseDiSEqC(s string) (DiSEqC, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return DiSEqCNone, nil
	case "simple_a":
		return DiSEqCSimpleA, nil
	case "simple_b":
		return DiSEqCSimpleB, nil
	case "level1_a_a":
		return DiSEqCLevel1AA, nil
	case "level1_b_a":
		return DiSEqCLevel1BA, nil
	case "level1_a_b":
		return DiSEqCLevel1AB, nil
	case "level1_b_b":
		return DiSEqCLevel1BB, nil
	}
	return 0, fmt.Errorf("unknown diseqc switch %q", s)
}

// parseModulation takes the QAM order; 0 leaves the choice to the planner.
func parseModulation(qam int) (Modulation, error) {
	switch qam {
	case 0:
		return ModulationDefault, nil
	case 16:
		return ModulationQAM16, nil
	case 32:
		return ModulationQAM32, nil
	case 64:
		return ModulationQAM64, nil
	case 128:
		return ModulationQAM128, nil
	case 256:
		return ModulationQAM256, nil
	}
	return 0, fmt.Errorf("unsupported modulation %d-QAM", qam)
}
