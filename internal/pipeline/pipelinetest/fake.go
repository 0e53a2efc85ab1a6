// Package pipelinetest provides an in-memory pipeline.Graph for tests.
package pipelinetest

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"tvcard/internal/pipeline"
	"tvcard/pkg/types"
)

var ErrInjected = errors.New("injected failure")

// Graph records every construction call. Failures are scripted by stage kind.
type Graph struct {
	mu sync.Mutex

	next    pipeline.StageID
	stages  map[pipeline.StageID]pipeline.StageKind
	links   [][2]pipeline.StageID
	log     []string
	running bool
	closed  bool

	FailAdd    map[pipeline.StageKind]bool
	FailRemove map[pipeline.StageKind]bool
	FailRun    bool
	FailClose  bool

	AnalyzerStage *Analyzer
}

func NewGraph() *Graph {
	return &Graph{
		next:          1,
		stages:        make(map[pipeline.StageID]pipeline.StageKind),
		FailAdd:       make(map[pipeline.StageKind]bool),
		FailRemove:    make(map[pipeline.StageKind]bool),
		AnalyzerStage: &Analyzer{},
	}
}

// Factory returns a NewGraphFunc that always hands out g.
func (g *Graph) Factory() pipeline.NewGraphFunc {
	return func() (pipeline.Graph, error) { return g, nil }
}

func (g *Graph) record(format string, args ...any) {
	g.log = append(g.log, fmt.Sprintf(format, args...))
}

func (g *Graph) AddStage(kind pipeline.StageKind, name string) (pipeline.StageID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("add %s", kind)
	if g.FailAdd[kind] {
		return 0, ErrInjected
	}
	id := g.next
	g.next++
	g.stages[id] = kind
	g.closed = false
	return id, nil
}

func (g *Graph) Connect(from, to pipeline.StageID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.stages[from]; !ok {
		return fmt.Errorf("unknown stage %d", from)
	}
	if _, ok := g.stages[to]; !ok {
		return fmt.Errorf("unknown stage %d", to)
	}
	g.record("connect %s->%s", g.stages[from], g.stages[to])
	g.links = append(g.links, [2]pipeline.StageID{from, to})
	return nil
}

func (g *Graph) RemoveStage(id pipeline.StageID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	kind := g.stages[id]
	g.record("remove %s", kind)
	delete(g.stages, id)
	if g.FailRemove[kind] {
		return ErrInjected
	}
	return nil
}

func (g *Graph) Analyzer(id pipeline.StageID) (pipeline.Analyzer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stages[id] != pipeline.StageAnalyzer {
		return nil, fmt.Errorf("stage %d is not an analyzer", id)
	}
	return g.AnalyzerStage, nil
}

func (g *Graph) Run() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("run")
	if g.FailRun {
		return ErrInjected
	}
	g.running = true
	return nil
}

func (g *Graph) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("stop")
	g.running = false
	return nil
}

func (g *Graph) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

func (g *Graph) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("close")
	g.closed = true
	if g.FailClose {
		return ErrInjected
	}
	return nil
}

// Log returns the recorded calls.
func (g *Graph) Log() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.log))
	copy(out, g.log)
	return out
}

// Live returns the number of stages not yet removed.
func (g *Graph) Live() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.stages)
}

func (g *Graph) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// Analyzer records analyzer calls.
type Analyzer struct {
	mu sync.Mutex

	TimeShiftFile string
	Paused        bool
	Recording     string
	RecordKind    types.RecordingType
	PMT           int
	Calls         []string

	FailRecord    bool
	FailStop      bool
	FailTimeShift bool
}

func (a *Analyzer) call(s string) {
	a.Calls = append(a.Calls, s)
}

func (a *Analyzer) SetTimeShiftFile(path string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.call("timeshift " + path)
	if a.FailTimeShift {
		return ErrInjected
	}
	a.TimeShiftFile = path
	return nil
}

func (a *Analyzer) PauseTimeShift(pause bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.call(fmt.Sprintf("pause %v", pause))
	a.Paused = pause
	return nil
}

func (a *Analyzer) StartRecord(kind types.RecordingType, path string, startHint time.Time) (time.Time, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.call("record " + path)
	if a.FailRecord {
		return time.Time{}, ErrInjected
	}
	a.Recording = path
	a.RecordKind = kind
	if startHint.IsZero() {
		return time.Now(), nil
	}
	return startHint, nil
}

func (a *Analyzer) StopRecord() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.call("stop_record")
	a.Recording = ""
	if a.FailStop {
		return ErrInjected
	}
	return nil
}

func (a *Analyzer) WatchPMT(pid int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.call(fmt.Sprintf("pmt %d", pid))
	a.PMT = pid
	return nil
}

// CallLog returns the recorded analyzer calls.
func (a *Analyzer) CallLog() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.Calls))
	copy(out, a.Calls)
	return out
}
