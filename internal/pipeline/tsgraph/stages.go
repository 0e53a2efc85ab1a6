package tsgraph

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Comcast/gots/packet"
	"github.com/Comcast/gots/psi"

	"tvcard/internal/logging"
	"tvcard/pkg/types"
)

// Demux counts packets per PID and continuity errors.
type Demux struct {
	mu         sync.Mutex
	counts     map[int]uint64
	continuity map[int]int
	ccErrors   uint64
}

func newDemux() *Demux {
	return &Demux{
		counts:     make(map[int]uint64),
		continuity: make(map[int]int),
	}
}

func (d *Demux) consume(pkt *packet.Packet) {
	pid := packet.Pid(pkt)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.counts[pid]++
	if pid == int(types.PidNull) || !packet.ContainsPayload(pkt) {
		return
	}
	cc := int(packet.ContinuityCounter(pkt))
	if last, ok := d.continuity[pid]; ok && cc != (last+1)&0x0F && cc != last {
		d.ccErrors++
	}
	d.continuity[pid] = cc
}

func (d *Demux) close() error { return nil }

// Counts returns a copy of the per-PID packet counters.
func (d *Demux) Counts() map[int]uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[int]uint64, len(d.counts))
	for k, v := range d.counts {
		out[k] = v
	}
	return out
}

func (d *Demux) ContinuityErrors() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ccErrors
}

var ErrAlreadyRecording = errors.New("already recording")

// analyzer parses the PAT, follows the PMT PID and writes the timeshift and
// recording files.
type analyzer struct {
	mu sync.Mutex

	timeshift     *os.File
	timeshiftPath string
	paused        bool

	record     *os.File
	recordPath string
	recordKind types.RecordingType

	pmtPID   int
	pmtCount uint64
	programs map[int]int

	logger *logging.Logger
}

func newAnalyzer(logger *logging.Logger) *analyzer {
	return &analyzer{logger: logger}
}

func (a *analyzer) consume(pkt *packet.Packet) {
	pid := packet.Pid(pkt)

	a.mu.Lock()
	defer a.mu.Unlock()

	if pid == int(types.PidPAT) && packet.PayloadUnitStartIndicator(pkt) {
		a.parsePAT(pkt)
	}
	if a.pmtPID > 0 && pid == a.pmtPID {
		a.pmtCount++
	}

	if a.timeshift != nil && !a.paused {
		if _, err := a.timeshift.Write(pkt[:]); err != nil {
			a.logger.Error("Timeshift write failed", "file", a.timeshiftPath, "error", err)
			a.timeshift.Close()
			a.timeshift = nil
		}
	}
	if a.record != nil {
		if a.recordKind == types.RecordReference && pid == int(types.PidNull) {
			return
		}
		if _, err := a.record.Write(pkt[:]); err != nil {
			a.logger.Error("Recording write failed", "file", a.recordPath, "error", err)
			a.record.Close()
			a.record = nil
		}
	}
}

func (a *analyzer) parsePAT(pkt *packet.Packet) {
	payload, err := packet.Payload(pkt)
	if err != nil {
		return
	}
	pat, err := psi.NewPAT(payload)
	if err != nil {
		a.logger.Debug("Ignoring malformed PAT", "error", err)
		return
	}
	a.programs = pat.ProgramMap()
}

// Programs returns the last PAT as program number to PMT PID.
func (a *analyzer) Programs() map[int]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[int]int, len(a.programs))
	for k, v := range a.programs {
		out[k] = v
	}
	return out
}

// PMTPackets returns how many packets were seen on the watched PMT PID.
func (a *analyzer) PMTPackets() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pmtCount
}

func create(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return os.Create(path)
}

func (a *analyzer) SetTimeShiftFile(path string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.timeshift != nil {
		if err := a.timeshift.Close(); err != nil {
			a.logger.Warn("Closing timeshift file failed", "file", a.timeshiftPath, "error", err)
		}
		a.timeshift = nil
	}
	a.timeshiftPath = path
	a.paused = false
	if path == "" {
		return nil
	}
	f, err := create(path)
	if err != nil {
		return fmt.Errorf("opening timeshift file: %w", err)
	}
	a.timeshift = f
	return nil
}

func (a *analyzer) PauseTimeShift(pause bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paused = pause
	return nil
}

func (a *analyzer) StartRecord(kind types.RecordingType, path string, startHint time.Time) (time.Time, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.record != nil {
		return time.Time{}, ErrAlreadyRecording
	}
	f, err := create(path)
	if err != nil {
		return time.Time{}, fmt.Errorf("opening recording file: %w", err)
	}
	a.record = f
	a.recordPath = path
	a.recordKind = kind

	start := time.Now()
	a.logger.Info("Recording started", "file", path, "type", kind.String(), "start_hint", startHint)
	return start, nil
}

func (a *analyzer) StopRecord() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.record == nil {
		return nil
	}
	err := a.record.Close()
	a.record = nil
	a.logger.Info("Recording stopped", "file", a.recordPath)
	return err
}

func (a *analyzer) WatchPMT(pid int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if pid < 0 || pid >= int(types.PidAll) {
		return fmt.Errorf("invalid pmt pid %d", pid)
	}
	if pid != a.pmtPID {
		a.pmtCount = 0
	}
	a.pmtPID = pid
	return nil
}

func (a *analyzer) close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	if a.record != nil {
		errs = append(errs, a.record.Close())
		a.record = nil
	}
	if a.timeshift != nil {
		errs = append(errs, a.timeshift.Close())
		a.timeshift = nil
	}
	return errors.Join(errs...)
}
