// Package tuner defines the control surface of a broadcast tuner device: the
// per-parameter set calls, lock confirmation, PID filter programming and
// signal queries. Every call reports a device status code instead of an
// error so callers can tell a transient "not locked yet" apart from a failure.
package tuner

import (
	"context"
	"fmt"

	"tvcard/pkg/types"
)

// Param names a tuning parameter the device accepts through Set.
type Param int

const (
	ParamFrequency Param = iota
	ParamSymbolRate
	ParamModulation
	ParamFEC
	ParamPolarity
	ParamLnbTone
	ParamDiSEqC
	ParamLnbFrequency
	ParamGuardInterval
	ParamBandwidth
)

var paramNames = [...]string{
	ParamFrequency:     "frequency",
	ParamSymbolRate:    "symbol_rate",
	ParamModulation:    "modulation",
	ParamFEC:           "fec",
	ParamPolarity:      "polarity",
	ParamLnbTone:       "lnb_tone",
	ParamDiSEqC:        "diseqc",
	ParamLnbFrequency:  "lnb_frequency",
	ParamGuardInterval: "guard_interval",
	ParamBandwidth:     "bandwidth",
}

func (p Param) String() string {
	if p >= 0 && int(p) < len(paramNames) {
		return paramNames[p]
	}
	return fmt.Sprintf("param(%d)", int(p))
}

// Code is the short token used on line-oriented transports.
func (p Param) Code() string {
	switch p {
	case ParamFrequency:
		return "FREQ"
	case ParamSymbolRate:
		return "SR"
	case ParamModulation:
		return "MOD"
	case ParamFEC:
		return "FEC"
	case ParamPolarity:
		return "POL"
	case ParamLnbTone:
		return "TONE"
	case ParamDiSEqC:
		return "DISEQC"
	case ParamLnbFrequency:
		return "LOF"
	case ParamGuardInterval:
		return "GI"
	case ParamBandwidth:
		return "BW"
	}
	return ""
}

// Status is the integer result of a device call. Zero is success.
type Status uint32

const (
	StatusOK Status = 0
	// StatusNotLocked means the demodulator has not acquired lock yet. It is
	// transient and not treated as a failure.
	StatusNotLocked Status = 0x90010115
	// StatusTransport is reported when the control link itself failed.
	StatusTransport Status = 0x8000FFFF
	// StatusUnsupported is reported for calls the backend cannot perform.
	StatusUnsupported Status = 0x80004001
)

func (s Status) OK() bool { return s == StatusOK }

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotLocked:
		return "not locked (0x90010115)"
	}
	return fmt.Sprintf("0x%08X", uint32(s))
}

// Capabilities describes what the device reported about itself.
type Capabilities struct {
	// Known is false when the device returned an unrecognized tuner type.
	Known      bool
	Delivery   types.DeliverySystem
	MaxPIDs    int
	HasMotor   bool
	FirmwareID string
}

// TunerType codes as reported by Capabilities on the wire.
const (
	TypeSatellite   = 0
	TypeCable       = 1
	TypeTerrestrial = 2
	TypeATSC        = 3
)

// CapabilitiesFromType maps a raw tuner type code. Unknown codes fall back to
// satellite with Known unset.
func CapabilitiesFromType(code int, maxPIDs int) Capabilities {
	caps := Capabilities{Known: true, MaxPIDs: maxPIDs}
	switch code {
	case TypeSatellite:
		caps.Delivery = types.DeliverySatellite
	case TypeCable:
		caps.Delivery = types.DeliveryCable
	case TypeTerrestrial:
		caps.Delivery = types.DeliveryTerrestrial
	case TypeATSC:
		caps.Delivery = types.DeliveryATSC
	default:
		caps.Known = false
		caps.Delivery = types.DeliverySatellite
	}
	return caps
}

// Control issues tuning calls to the demodulator.
type Control interface {
	Set(ctx context.Context, p Param, value int) Status
	// Commit asks the device to apply the parameters set so far and confirm lock.
	Commit(ctx context.Context) Status
	CheckLock(ctx context.Context) Status
	SignalQuality(ctx context.Context) (level, quality int, st Status)
	Initialize(ctx context.Context) Status
	Capabilities(ctx context.Context) (Capabilities, Status)
}

// PidFilter programs the hardware PID filter.
type PidFilter interface {
	DeleteAllPIDs(ctx context.Context) bool
	AddPID(ctx context.Context, pid uint16) bool
	MaxPIDCount(ctx context.Context) int
}

// Positioner drives a DiSEqC motor. Devices without a motor do not implement it.
type Positioner interface {
	GotoPosition(ctx context.Context, index int) Status
}

// Device is a complete tuner handle owned by one card session.
type Device interface {
	Control
	PidFilter
	Close() error
}
