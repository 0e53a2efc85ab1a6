// Package pidfilter programs the hardware PID filter of a tuner.
package pidfilter

import (
	"context"
	"fmt"
	"strings"

	"tvcard/internal/hardware/tuner"
	"tvcard/internal/logging"
	"tvcard/pkg/types"
)

// Policy selects how PIDs are programmed.
type Policy int

const (
	// PolicyCaptureAll programs the single wildcard entry.
	PolicyCaptureAll Policy = iota
	// PolicyExplicit programs each wanted PID, bounded by the filter size.
	PolicyExplicit
)

func (p Policy) String() string {
	if p == PolicyExplicit {
		return "explicit"
	}
	return "capture_all"
}

// ParsePolicy accepts the configuration spelling. Empty means capture-all.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "capture_all", "all":
		return PolicyCaptureAll, nil
	case "explicit":
		return PolicyExplicit, nil
	}
	return PolicyCaptureAll, fmt.Errorf("unknown pid policy %q", s)
}

// Wanted returns the mandatory PIDs plus pmt when it is known (> 0).
func Wanted(pmt int) types.PidSet {
	set := make(types.PidSet, 0, len(types.MandatoryPIDs)+1)
	set = append(set, types.MandatoryPIDs...)
	if pmt > 0 && pmt < int(types.PidAll) && !set.Contains(uint16(pmt)) {
		set = append(set, uint16(pmt))
	}
	return set
}

// Manager keeps track of what is programmed into one filter.
type Manager struct {
	filter  tuner.PidFilter
	policy  Policy
	current types.PidSet
	logger  *logging.Logger
}

func NewManager(filter tuner.PidFilter, policy Policy, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.GetLogger("pidfilter")
	}
	return &Manager{filter: filter, policy: policy, logger: logger}
}

func (m *Manager) Policy() Policy { return m.policy }

// Current returns the PIDs last accepted by the hardware.
func (m *Manager) Current() types.PidSet {
	out := make(types.PidSet, len(m.current))
	copy(out, m.current)
	return out
}

// Program clears the filter and programs it for a channel whose PMT is pmt
// (0 when unknown). Filter failures are logged and do not abort: the returned
// set holds what the hardware accepted.
func (m *Manager) Program(ctx context.Context, pmt int) types.PidSet {
	if !m.filter.DeleteAllPIDs(ctx) {
		m.logger.Error("Clearing hardware pids failed")
	}
	m.current = nil

	wanted := Wanted(pmt)
	switch m.policy {
	case PolicyExplicit:
		m.programExplicit(ctx, wanted)
	default:
		m.logger.Debug("Programming hardware pids", "pids", "all")
		if m.filter.AddPID(ctx, types.PidAll) {
			m.current = append(m.current, types.PidAll)
		} else {
			m.logger.Error("Programming hardware pid failed", "pid", fmt.Sprintf("0x%04X", types.PidAll))
		}
	}
	return m.Current()
}

func (m *Manager) programExplicit(ctx context.Context, wanted types.PidSet) {
	limit := m.filter.MaxPIDCount(ctx)
	if limit <= 0 || limit > len(wanted) {
		limit = len(wanted)
	}
	if limit < len(wanted) {
		m.logger.Warn("Hardware pid filter too small", "max", limit, "wanted", len(wanted))
	}

	for _, pid := range wanted[:limit] {
		m.logger.Debug("Programming hardware pid", "pid", fmt.Sprintf("0x%04X", pid))
		if !m.filter.AddPID(ctx, pid) {
			m.logger.Error("Programming hardware pid failed", "pid", fmt.Sprintf("0x%04X", pid))
			continue
		}
		m.current = append(m.current, pid)
	}
}

// Clear removes every entry.
func (m *Manager) Clear(ctx context.Context) {
	if !m.filter.DeleteAllPIDs(ctx) {
		m.logger.Error("Clearing hardware pids failed")
	}
	m.current = nil
}
