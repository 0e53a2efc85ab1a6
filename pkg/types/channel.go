// Package types defines the data structures shared by every layer of the tuner
// card stack: channel descriptors for each delivery system, normalized tuning
// parameters, graph states, signal readings and the system configuration.
package types

import (
	"fmt"
	"strings"
)

// DeliverySystem identifies the broadcast standard a card receives. It is
// fixed when a card session is created.
type DeliverySystem int

const (
	DeliverySatellite DeliverySystem = iota
	DeliveryCable
	DeliveryTerrestrial
	DeliveryATSC
)

func (d DeliverySystem) String() string {
	switch d {
	case DeliverySatellite:
		return "satellite"
	case DeliveryCable:
		return "cable"
	case DeliveryTerrestrial:
		return "terrestrial"
	case DeliveryATSC:
		return "atsc"
	default:
		return fmt.Sprintf("delivery(%d)", int(d))
	}
}

// ParseDeliverySystem maps a configuration string onto a DeliverySystem.
func ParseDeliverySystem(s string) (DeliverySystem, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "satellite", "dvbs", "dvb-s":
		return DeliverySatellite, nil
	case "cable", "dvbc", "dvb-c":
		return DeliveryCable, nil
	case "terrestrial", "dvbt", "dvb-t":
		return DeliveryTerrestrial, nil
	case "atsc":
		return DeliveryATSC, nil
	default:
		return 0, fmt.Errorf("unknown delivery system %q", s)
	}
}

// BandType selects the LNB local oscillator for satellite reception.
type BandType int

const (
	BandUniversal BandType = iota
	BandCircular
	BandLinear
	BandCBand
)

// Polarisation of a satellite transponder.
type Polarisation int

const (
	PolarisationHorizontal Polarisation = iota
	PolarisationVertical
	PolarisationCircularL
	PolarisationCircularR
)

// DiSEqC switch selection.
type DiSEqC int

const (
	DiSEqCNone DiSEqC = iota
	DiSEqCSimpleA
	DiSEqCSimpleB
	DiSEqCLevel1AA
	DiSEqCLevel1BA
	DiSEqCLevel1AB
	DiSEqCLevel1BB
)

// Modulation of a cable multiplex. ModulationDefault lets the planner pick 64-QAM.
type Modulation int

const (
	ModulationDefault Modulation = iota
	ModulationQAM16
	ModulationQAM32
	ModulationQAM64
	ModulationQAM128
	ModulationQAM256
)

// Service carries the fields common to every channel descriptor. A value of
// -1 in NetworkID, TransportID or ServiceID means the descriptor points at a
// transponder rather than a service.
type Service struct {
	Name        string
	Provider    string
	NetworkID   int
	TransportID int
	ServiceID   int
	PmtPID      int
}

// IsService reports whether the identifying transport parameters are present.
func (s Service) IsService() bool {
	return s.NetworkID != -1 && s.TransportID != -1 && s.ServiceID != -1
}

// Channel is a tagged variant with one payload per DeliverySystem. The set of
// implementations is closed: SatelliteChannel, CableChannel,
// TerrestrialChannel and ATSCChannel.
type Channel interface {
	Kind() DeliverySystem
	Info() Service
	isChannel()
}

// SatelliteChannel describes a DVB-S service. Frequency is in kHz.
type SatelliteChannel struct {
	Service
	Frequency      int
	SymbolRate     int
	Polarisation   Polarisation
	Band           BandType
	DiSEqC         DiSEqC
	SatelliteIndex int // motor position, 0 for a fixed dish
	ToneKHz        int // hi-band LNB tone, 0 uses the card default
}

// CableChannel describes a DVB-C service. Frequency is in kHz.
type CableChannel struct {
	Service
	Frequency  int
	SymbolRate int
	Modulation Modulation
}

// TerrestrialChannel describes a DVB-T service. Frequency is in kHz,
// Bandwidth in MHz (6, 7 or 8).
type TerrestrialChannel struct {
	Service
	Frequency int
	Bandwidth int
}

// ATSCChannel describes an ATSC service by its physical channel number.
type ATSCChannel struct {
	Service
	PhysicalChannel int
}

func (SatelliteChannel) Kind() DeliverySystem   { return DeliverySatellite }
func (CableChannel) Kind() DeliverySystem       { return DeliveryCable }
func (TerrestrialChannel) Kind() DeliverySystem { return DeliveryTerrestrial }
func (ATSCChannel) Kind() DeliverySystem        { return DeliveryATSC }

func (c SatelliteChannel) Info() Service   { return c.Service }
func (c CableChannel) Info() Service       { return c.Service }
func (c TerrestrialChannel) Info() Service { return c.Service }
func (c ATSCChannel) Info() Service        { return c.Service }

func (SatelliteChannel) isChannel()   {}
func (CableChannel) isChannel()       {}
func (TerrestrialChannel) isChannel() {}
func (ATSCChannel) isChannel()        {}

func (c SatelliteChannel) String() string {
	return fmt.Sprintf("dvbs:%s freq=%d sr=%d pol=%d band=%d diseqc=%d", c.Name, c.Frequency, c.SymbolRate, c.Polarisation, c.Band, c.DiSEqC)
}

func (c CableChannel) String() string {
	return fmt.Sprintf("dvbc:%s freq=%d sr=%d mod=%d", c.Name, c.Frequency, c.SymbolRate, c.Modulation)
}

func (c TerrestrialChannel) String() string {
	return fmt.Sprintf("dvbt:%s freq=%d bw=%d", c.Name, c.Frequency, c.Bandwidth)
}

func (c ATSCChannel) String() string {
	return fmt.Sprintf("atsc:%s ch=%d", c.Name, c.PhysicalChannel)
}

// SameChannel compares two descriptors with kind-specific equality. Two
// descriptors of different kinds are never equal; nil equals nothing.
func SameChannel(a, b Channel) bool {
	if a == nil || b == nil {
		return false
	}
	if a.Kind() != b.Kind() {
		return false
	}
	switch x := a.(type) {
	case SatelliteChannel:
		y, ok := b.(SatelliteChannel)
		return ok && x == y
	case CableChannel:
		y, ok := b.(CableChannel)
		return ok && x == y
	case TerrestrialChannel:
		y, ok := b.(TerrestrialChannel)
		return ok && x == y
	case ATSCChannel:
		y, ok := b.(ATSCChannel)
		return ok && x == y
	}
	return false
}
