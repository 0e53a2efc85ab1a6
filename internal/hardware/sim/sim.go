// Package sim is an in-memory tuner. It records every call so tests can assert
// on the exact hardware sequence, and lets callers script failing statuses.
package sim

import (
	"context"
	"fmt"
	"sync"

	"tvcard/internal/hardware/tuner"
	"tvcard/pkg/types"
)

// Call is one recorded hardware call.
type Call struct {
	Op    string
	Param tuner.Param
	Value int
}

func (c Call) String() string {
	if c.Op == "set" {
		return fmt.Sprintf("set %s=%d", c.Param, c.Value)
	}
	if c.Value != 0 {
		return fmt.Sprintf("%s %d", c.Op, c.Value)
	}
	return c.Op
}

// Device implements tuner.Device and tuner.Positioner.
type Device struct {
	mu sync.Mutex

	calls      []Call
	failParams map[tuner.Param]tuner.Status
	commits    []tuner.Status
	lockStatus tuner.Status
	initStatus tuner.Status

	level, quality int
	signalStatus   tuner.Status

	caps       tuner.Capabilities
	capsStatus tuner.Status

	pids        []uint16
	deleteFails bool
	addFails    map[uint16]bool
	closed      bool
}

// New creates a locked device of the given kind with room for 32 PIDs.
func New(kind types.DeliverySystem) *Device {
	return &Device{
		failParams: make(map[tuner.Param]tuner.Status),
		addFails:   make(map[uint16]bool),
		level:      80,
		quality:    70,
		caps:       tuner.Capabilities{Known: true, Delivery: kind, MaxPIDs: 32, HasMotor: true},
	}
}

// FailParam makes every Set of p return st until cleared with StatusOK.
func (d *Device) FailParam(p tuner.Param, st tuner.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st.OK() {
		delete(d.failParams, p)
		return
	}
	d.failParams[p] = st
}

// QueueCommit scripts the results of the next Commit calls. Once the queue is
// empty Commit succeeds.
func (d *Device) QueueCommit(statuses ...tuner.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commits = append(d.commits, statuses...)
}

func (d *Device) SetLockStatus(st tuner.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lockStatus = st
}

func (d *Device) SetInitStatus(st tuner.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.initStatus = st
}

// SetSignal scripts the raw values returned by SignalQuality.
func (d *Device) SetSignal(level, quality int, st tuner.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.level, d.quality, d.signalStatus = level, quality, st
}

func (d *Device) SetCapabilities(caps tuner.Capabilities, st tuner.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.caps, d.capsStatus = caps, st
}

// FailPIDs scripts DeleteAllPIDs and AddPID results.
func (d *Device) FailPIDs(deleteFails bool, addFails ...uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleteFails = deleteFails
	d.addFails = make(map[uint16]bool)
	for _, pid := range addFails {
		d.addFails[pid] = true
	}
}

func (d *Device) record(c Call) {
	d.calls = append(d.calls, c)
}

// Calls returns a copy of the recorded calls.
func (d *Device) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Call, len(d.calls))
	copy(out, d.calls)
	return out
}

// ResetCalls forgets the recorded calls.
func (d *Device) ResetCalls() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = nil
}

// Count returns how many recorded calls have the given op.
func (d *Device) Count(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// PIDs returns the PIDs currently programmed.
func (d *Device) PIDs() types.PidSet {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(types.PidSet, len(d.pids))
	copy(out, d.pids)
	return out
}

func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Device) Set(_ context.Context, p tuner.Param, value int) tuner.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(Call{Op: "set", Param: p, Value: value})
	if st, ok := d.failParams[p]; ok {
		return st
	}
	return tuner.StatusOK
}

func (d *Device) Commit(context.Context) tuner.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(Call{Op: "commit"})
	if len(d.commits) == 0 {
		return tuner.StatusOK
	}
	st := d.commits[0]
	d.commits = d.commits[1:]
	return st
}

func (d *Device) CheckLock(context.Context) tuner.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(Call{Op: "check_lock"})
	return d.lockStatus
}

func (d *Device) SignalQuality(context.Context) (int, int, tuner.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(Call{Op: "signal"})
	return d.level, d.quality, d.signalStatus
}

func (d *Device) Initialize(context.Context) tuner.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(Call{Op: "initialize"})
	return d.initStatus
}

func (d *Device) Capabilities(context.Context) (tuner.Capabilities, tuner.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(Call{Op: "capabilities"})
	return d.caps, d.capsStatus
}

func (d *Device) GotoPosition(_ context.Context, index int) tuner.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(Call{Op: "goto", Value: index})
	return tuner.StatusOK
}

func (d *Device) DeleteAllPIDs(context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(Call{Op: "pid_clear"})
	if d.deleteFails {
		return false
	}
	d.pids = nil
	return true
}

func (d *Device) AddPID(_ context.Context, pid uint16) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(Call{Op: "pid_add", Value: int(pid)})
	if d.addFails[pid] {
		return false
	}
	if len(d.pids) >= d.caps.MaxPIDs && pid != types.PidAll {
		return false
	}
	d.pids = append(d.pids, pid)
	return true
}

func (d *Device) MaxPIDCount(context.Context) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.caps.MaxPIDs
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(Call{Op: "close"})
	d.closed = true
	return nil
}
