package gstgraph

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"

	"tvcard/internal/logging"
	"tvcard/pkg/types"
)

const idleLocation = os.DevNull

var ErrAlreadyRecording = errors.New("already recording")

// branch is a valve-gated file writer hanging off the analyzer tee.
type branch struct {
	queue, valve, sink *gst.Element
}

func newBranch() (branch, error) {
	queue, err := newElement("queue", nil)
	if err != nil {
		return branch{}, err
	}
	valve, err := newElement("valve", map[string]interface{}{"drop": true})
	if err != nil {
		return branch{}, err
	}
	sink, err := newElement("filesink", map[string]interface{}{
		"location": idleLocation,
		"async":    false,
		"sync":     false,
	})
	if err != nil {
		return branch{}, err
	}
	return branch{queue: queue, valve: valve, sink: sink}, nil
}

// retarget reopens the sink on path. The sink must pass through NULL for
// filesink to accept a new location.
func (b branch) retarget(path string) error {
	if err := b.sink.SetState(gst.StateNull); err != nil {
		return err
	}
	if err := b.sink.SetProperty("location", path); err != nil {
		return err
	}
	b.sink.SyncStateWithParent()
	return nil
}

func (b branch) drop(drop bool) error {
	return b.valve.SetProperty("drop", drop)
}

type analyzer struct {
	mu sync.Mutex

	queue, tee *gst.Element
	timeshift  branch
	record     branch

	timeshiftPath string
	recordPath    string
	pmtPID        int

	logger *logging.Logger
}

func newAnalyzer(logger *logging.Logger) (*analyzer, error) {
	queue, err := newElement("queue", nil)
	if err != nil {
		return nil, err
	}
	tee, err := newElement("tee", map[string]interface{}{"allow-not-linked": true})
	if err != nil {
		return nil, err
	}
	ts, err := newBranch()
	if err != nil {
		return nil, err
	}
	rec, err := newBranch()
	if err != nil {
		return nil, err
	}
	return &analyzer{queue: queue, tee: tee, timeshift: ts, record: rec, logger: logger}, nil
}

// elements lists every element, head chain first.
func (a *analyzer) elements() []*gst.Element {
	return []*gst.Element{
		a.queue, a.tee,
		a.timeshift.queue, a.timeshift.valve, a.timeshift.sink,
		a.record.queue, a.record.valve, a.record.sink,
	}
}

func (a *analyzer) link() error {
	for _, b := range []branch{a.timeshift, a.record} {
		if err := gst.ElementLinkMany(a.tee, b.queue, b.valve, b.sink); err != nil {
			return err
		}
	}
	return nil
}

func ensureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

func (a *analyzer) SetTimeShiftFile(path string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if path == "" {
		a.timeshiftPath = ""
		if err := a.timeshift.drop(true); err != nil {
			return err
		}
		return a.timeshift.retarget(idleLocation)
	}
	if err := ensureDir(path); err != nil {
		return fmt.Errorf("opening timeshift file: %w", err)
	}
	if err := a.timeshift.retarget(path); err != nil {
		return fmt.Errorf("opening timeshift file: %w", err)
	}
	a.timeshiftPath = path
	return a.timeshift.drop(false)
}

func (a *analyzer) PauseTimeShift(pause bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timeshiftPath == "" {
		return nil
	}
	return a.timeshift.drop(pause)
}

func (a *analyzer) StartRecord(kind types.RecordingType, path string, startHint time.Time) (time.Time, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.recordPath != "" {
		return time.Time{}, ErrAlreadyRecording
	}
	if kind == types.RecordReference {
		// filesink cannot filter stuffing; the full multiplex is written
		a.logger.Debug("Reference recording includes null packets", "file", path)
	}
	if err := ensureDir(path); err != nil {
		return time.Time{}, fmt.Errorf("opening recording file: %w", err)
	}
	if err := a.record.retarget(path); err != nil {
		return time.Time{}, fmt.Errorf("opening recording file: %w", err)
	}
	if err := a.record.drop(false); err != nil {
		return time.Time{}, err
	}
	a.recordPath = path
	a.logger.Info("Recording started", "file", path, "type", kind.String(), "start_hint", startHint)
	return time.Now(), nil
}

func (a *analyzer) StopRecord() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.recordPath == "" {
		return nil
	}
	var errs []error
	if err := a.record.drop(true); err != nil {
		errs = append(errs, err)
	}
	if err := a.record.retarget(idleLocation); err != nil {
		errs = append(errs, err)
	}
	a.logger.Info("Recording stopped", "file", a.recordPath)
	a.recordPath = ""
	return errors.Join(errs...)
}

// WatchPMT records the PMT PID; tsdemux follows the program tables itself.
func (a *analyzer) WatchPMT(pid int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if pid < 0 || pid >= int(types.PidAll) {
		return fmt.Errorf("invalid pmt pid %d", pid)
	}
	a.pmtPID = pid
	a.logger.Debug("Watching PMT", "pid", pid)
	return nil
}
