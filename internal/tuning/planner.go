// Package tuning turns channel descriptors into device tuning parameters and
// applies them to a tuner in the order the hardware expects.
//
// Planning is pure: one function per delivery system derives Parameters from
// a channel, and a shared normalization step brings the frequency into device
// units. Applying talks to the hardware and is the only part that can fail at
// runtime.
package tuning

import (
	"errors"
	"fmt"

	"tvcard/pkg/types"
)

// Local oscillator frequencies in kHz.
const (
	UniversalSwitchFrequency = 11700000
	UniversalHighLO          = 10600000
	UniversalLowLO           = 9750000
	CircularLO               = 11250000
	LinearLO                 = 10750000
	CBandLO                  = 5150000
)

// Frequencies above this are scaled down by 1000 before being sent.
const normalizeThreshold = 13000

// Device codes.
const (
	ModulationQAM16  = 3
	ModulationQAM32  = 4
	ModulationQAM64  = 5
	ModulationQAM128 = 6
	ModulationQAM256 = 7

	FECAuto           = 6
	GuardIntervalAuto = 4

	ToneNone = 0
	Tone22k  = 1
	Tone33k  = 2
	Tone44k  = 3

	PolarityHorizontal = 0
	PolarityVertical   = 1

	DefaultBandwidthMHz = 8
)

// Parameters is the normalized, device-ready result of planning. Optional
// fields are nil when the delivery system does not use them.
type Parameters struct {
	Kind          types.DeliverySystem
	Frequency     int
	SymbolRate    *int
	Modulation    *int
	FEC           *int
	GuardInterval *int
	Bandwidth     *int
	Polarity      *int
	LnbTone       *int
	DiSEqC        *int
	LnbFrequency  *int

	// SatelliteIndex is the DiSEqC motor position, 0 when the dish is fixed.
	SatelliteIndex int
	// HighBand is set for Universal LNBs above the switch frequency.
	HighBand bool
}

// Options carries card-level settings that influence planning.
type Options struct {
	// LnbToneKHz is the tone used for Universal hi-band when the channel does
	// not name one: 22, 33 or 44.
	LnbToneKHz int
}

// Plan is the outcome of PlanTune.
type Plan struct {
	Params Parameters
	// NoOp is set when the channel is already tuned; nothing must be applied.
	NoOp bool
	// Warnings lists inconsistencies that did not stop planning.
	Warnings []string
}

var ErrNoChannel = errors.New("no channel")

func intp(v int) *int { return &v }

// PlanTune derives tuning parameters for ch. If ch equals current the plan is
// a no-op.
func PlanTune(ch, current types.Channel, opts Options) (Plan, error) {
	if ch == nil {
		return Plan{}, ErrNoChannel
	}
	if types.SameChannel(ch, current) {
		return Plan{NoOp: true}, nil
	}

	var (
		p        Parameters
		warnings []string
		err      error
	)
	switch c := ch.(type) {
	case types.SatelliteChannel:
		p, warnings = Satellite(c, opts)
	case types.CableChannel:
		p = Cable(c)
	case types.TerrestrialChannel:
		p = Terrestrial(c)
	case types.ATSCChannel:
		p, err = ATSC(c)
	default:
		return Plan{}, fmt.Errorf("unsupported channel type %T", ch)
	}
	if err != nil {
		return Plan{}, err
	}

	p.Frequency = Normalize(p.Frequency)
	return Plan{Params: p, Warnings: warnings}, nil
}

// Normalize scales kHz-range frequencies down to the device's MHz units.
func Normalize(freq int) int {
	if freq > normalizeThreshold {
		return freq / 1000
	}
	return freq
}

// Satellite selects the LNB band and oscillator, polarity, tone and switch.
func Satellite(c types.SatelliteChannel, opts Options) (Parameters, []string) {
	var warnings []string
	p := Parameters{
		Kind:           types.DeliverySatellite,
		Frequency:      c.Frequency,
		SymbolRate:     intp(c.SymbolRate),
		FEC:            intp(FECAuto),
		Polarity:       intp(polarityCode(c.Polarisation)),
		DiSEqC:         intp(diseqcCode(c.DiSEqC)),
		SatelliteIndex: c.SatelliteIndex,
	}

	lo := UniversalLowLO
	tone := ToneNone
	switch c.Band {
	case types.BandCircular:
		lo = CircularLO
	case types.BandLinear:
		lo = LinearLO
	case types.BandCBand:
		lo = CBandLO
	default:
		if c.Frequency >= UniversalSwitchFrequency {
			lo = UniversalHighLO
			p.HighBand = true
			khz := c.ToneKHz
			if khz == 0 {
				khz = opts.LnbToneKHz
			}
			tone = toneCode(khz)
		}
	}

	if c.Band == types.BandUniversal && lo >= c.Frequency {
		warnings = append(warnings, fmt.Sprintf("lnb local oscillator %d is not below transponder frequency %d", lo, c.Frequency))
	}

	p.LnbTone = intp(tone)
	p.LnbFrequency = intp(lo / 1000)
	return p, warnings
}

func polarityCode(pol types.Polarisation) int {
	switch pol {
	case types.PolarisationVertical, types.PolarisationCircularR:
		return PolarityVertical
	default:
		return PolarityHorizontal
	}
}

func toneCode(khz int) int {
	switch khz {
	case 33:
		return Tone33k
	case 44:
		return Tone44k
	default:
		return Tone22k
	}
}

// diseqcCode maps the switch selection one-to-one; out-of-range values mean none.
func diseqcCode(d types.DiSEqC) int {
	if d < types.DiSEqCNone || d > types.DiSEqCLevel1BB {
		return int(types.DiSEqCNone)
	}
	return int(d)
}

// Cable passes frequency and symbol rate through and maps the modulation.
func Cable(c types.CableChannel) Parameters {
	return Parameters{
		Kind:       types.DeliveryCable,
		Frequency:  c.Frequency,
		SymbolRate: intp(c.SymbolRate),
		Modulation: intp(modulationCode(c.Modulation)),
	}
}

func modulationCode(m types.Modulation) int {
	switch m {
	case types.ModulationQAM16:
		return ModulationQAM16
	case types.ModulationQAM32:
		return ModulationQAM32
	case types.ModulationQAM128:
		return ModulationQAM128
	case types.ModulationQAM256:
		return ModulationQAM256
	default:
		return ModulationQAM64
	}
}

// Terrestrial passes frequency and bandwidth through with an automatic guard interval.
func Terrestrial(c types.TerrestrialChannel) Parameters {
	bw := c.Bandwidth
	if bw == 0 {
		bw = DefaultBandwidthMHz
	}
	return Parameters{
		Kind:          types.DeliveryTerrestrial,
		Frequency:     c.Frequency,
		GuardInterval: intp(GuardIntervalAuto),
		Bandwidth:     intp(bw),
	}
}

// ATSC converts the physical channel number using the broadcast plan.
func ATSC(c types.ATSCChannel) (Parameters, error) {
	mhz, err := ATSCFrequencyMHz(c.PhysicalChannel)
	if err != nil {
		return Parameters{}, err
	}
	return Parameters{Kind: types.DeliveryATSC, Frequency: mhz}, nil
}

// ATSCFrequencyMHz returns the carrier frequency of a physical channel.
func ATSCFrequencyMHz(ch int) (int, error) {
	switch {
	case ch < 1:
		return 0, fmt.Errorf("invalid atsc physical channel %d", ch)
	case ch <= 6:
		return 45 + 6*ch, nil
	case ch <= 13:
		return 177 + 6*(ch-7), nil
	default:
		return 473 + 6*(ch-14), nil
	}
}
