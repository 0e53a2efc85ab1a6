package tuning

import (
	"context"
	"errors"
	"fmt"

	"tvcard/internal/hardware/tuner"
	"tvcard/internal/logging"
	"tvcard/pkg/types"
)

// ErrHardware matches every HardwareError.
var ErrHardware = errors.New("hardware call failed")

// HardwareError is a non-success status from a device call.
type HardwareError struct {
	Op     string
	Status tuner.Status
}

func (e *HardwareError) Error() string {
	return fmt.Sprintf("hardware call %s failed: status %s", e.Op, e.Status)
}

func (e *HardwareError) Is(target error) bool {
	return target == ErrHardware
}

// DefaultCommitAttempts is also the upper bound on lock confirmation calls.
const DefaultCommitAttempts = 3

// Step is one parameter write.
type Step struct {
	Param tuner.Param
	Value int
}

// Steps returns the writes for p in the order the device expects them.
// Frequency always comes first; parameters the plan left unset are skipped.
func Steps(p Parameters) []Step {
	steps := []Step{{Param: tuner.ParamFrequency, Value: p.Frequency}}
	add := func(param tuner.Param, v *int) {
		if v != nil {
			steps = append(steps, Step{Param: param, Value: *v})
		}
	}

	switch p.Kind {
	case types.DeliverySatellite:
		add(tuner.ParamSymbolRate, p.SymbolRate)
		add(tuner.ParamFEC, p.FEC)
		add(tuner.ParamPolarity, p.Polarity)
		add(tuner.ParamLnbTone, p.LnbTone)
		add(tuner.ParamDiSEqC, p.DiSEqC)
		add(tuner.ParamLnbFrequency, p.LnbFrequency)
	case types.DeliveryCable:
		add(tuner.ParamSymbolRate, p.SymbolRate)
		add(tuner.ParamModulation, p.Modulation)
	case types.DeliveryTerrestrial:
		add(tuner.ParamGuardInterval, p.GuardInterval)
		add(tuner.ParamBandwidth, p.Bandwidth)
	}
	return steps
}

// Applier writes Parameters to a tuner.
type Applier struct {
	dev      tuner.Control
	attempts int
	logger   *logging.Logger
}

func NewApplier(dev tuner.Control, commitAttempts int, logger *logging.Logger) *Applier {
	if commitAttempts <= 0 {
		commitAttempts = DefaultCommitAttempts
	}
	commitAttempts = min(commitAttempts, DefaultCommitAttempts)
	if logger == nil {
		logger = logging.GetLogger("tuning")
	}
	return &Applier{dev: dev, attempts: commitAttempts, logger: logger}
}

// Apply writes every step, then commits. The first failing status aborts with
// a HardwareError and nothing after it is sent. A not-locked status is
// logged and accepted.
func (a *Applier) Apply(ctx context.Context, p Parameters) error {
	for _, s := range Steps(p) {
		st := a.dev.Set(ctx, s.Param, s.Value)
		switch {
		case st.OK():
		case st == tuner.StatusNotLocked:
			a.logger.Info("Tuner not locked yet", "param", s.Param.String(), "value", s.Value)
		default:
			a.logger.Error("Tuning parameter rejected", "param", s.Param.String(), "value", s.Value, "status", st.String())
			return &HardwareError{Op: "set " + s.Param.String(), Status: st}
		}
	}

	if err := a.commit(ctx); err != nil {
		return err
	}

	if st := a.dev.CheckLock(ctx); !st.OK() {
		a.logger.Info("Lock check after tune", "status", st.String())
	}

	if p.SatelliteIndex > 0 {
		if pos, ok := a.dev.(tuner.Positioner); ok {
			if st := pos.GotoPosition(ctx, p.SatelliteIndex); !st.OK() {
				a.logger.Error("Motor positioning failed", "position", p.SatelliteIndex, "status", st.String())
			}
		} else {
			a.logger.Warn("Channel needs a motor but the tuner has none", "position", p.SatelliteIndex)
		}
	}
	return nil
}

func (a *Applier) commit(ctx context.Context) error {
	var last tuner.Status
	for attempt := 1; attempt <= a.attempts; attempt++ {
		st := a.dev.Commit(ctx)
		switch {
		case st.OK():
			return nil
		case st == tuner.StatusNotLocked:
			a.logger.Info("Tuner not locked yet", "param", "commit", "attempt", attempt)
			return nil
		}
		last = st
		a.logger.Warn("Commit failed", "attempt", attempt, "max_attempts", a.attempts, "status", st.String())
	}

	a.logger.Error("Tuning parameter rejected", "param", "commit", "status", last.String(), "attempts", a.attempts)
	return &HardwareError{Op: "commit", Status: last}
}
