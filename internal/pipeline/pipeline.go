// Package pipeline builds and tears down the stream processing graph behind a
// tuned card.
//
// The graph is always the same shape:
//
//	source → tee → demux
//	           └─→ analyzer
//
// The Orchestrator owns every stage handle it creates in an arena and releases
// them in reverse order on teardown. Backends implement Graph: tsgraph runs
// in-process on MPEG-TS packets, gstgraph drives a GStreamer pipeline.
package pipeline

import (
	"errors"
	"fmt"
	"time"

	"tvcard/pkg/types"
)

// StageKind names a processing stage.
type StageKind string

const (
	StageSource   StageKind = "source"
	StageTee      StageKind = "tee"
	StageDemux    StageKind = "demux"
	StageAnalyzer StageKind = "analyzer"
)

// StageID is a backend handle for a stage in one graph.
type StageID int

// Graph is the native pipeline-construction API.
type Graph interface {
	AddStage(kind StageKind, name string) (StageID, error)
	Connect(from, to StageID) error
	RemoveStage(id StageID) error
	// Analyzer returns the control surface of an analyzer stage.
	Analyzer(id StageID) (Analyzer, error)
	Run() error
	Stop() error
	Running() bool
	Close() error
}

// Analyzer writes the timeshift buffer and recordings, and watches the
// channel's program tables.
type Analyzer interface {
	SetTimeShiftFile(path string) error
	PauseTimeShift(pause bool) error
	// StartRecord starts writing to path and returns the time the recording
	// effectively starts at.
	StartRecord(kind types.RecordingType, path string, startHint time.Time) (time.Time, error)
	StopRecord() error
	// WatchPMT follows the program map table on pid. Zero stops watching.
	WatchPMT(pid int) error
}

// NewGraphFunc creates a fresh graph for one build.
type NewGraphFunc func() (Graph, error)

// ConstructionError reports the stage that failed to build.
type ConstructionError struct {
	Stage string
	Err   error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("building pipeline stage %s: %v", e.Stage, e.Err)
}

func (e *ConstructionError) Unwrap() error { return e.Err }

var (
	ErrNotBuilt     = errors.New("pipeline not built")
	ErrAlreadyBuilt = errors.New("pipeline already built")
)
