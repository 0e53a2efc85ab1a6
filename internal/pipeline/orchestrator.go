package pipeline

import (
	"errors"
	"fmt"

	"tvcard/internal/logging"
)

type stage struct {
	id   StageID
	kind StageKind
	name string
}

// Orchestrator builds one graph at a time and owns its stages. It is driven
// from a single card loop and does no locking of its own.
type Orchestrator struct {
	name     string
	newGraph NewGraphFunc

	graph    Graph
	stages   []stage
	analyzer Analyzer
	logger   *logging.Logger
}

func NewOrchestrator(name string, newGraph NewGraphFunc, logger *logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.GetLogger("pipeline")
	}
	return &Orchestrator{name: name, newGraph: newGraph, logger: logger}
}

// Built reports whether a graph is in place.
func (o *Orchestrator) Built() bool { return o.graph != nil }

// Build creates the graph and its stages. On failure every stage created so
// far is released and the orchestrator stays unbuilt.
func (o *Orchestrator) Build() error {
	if o.graph != nil {
		return ErrAlreadyBuilt
	}

	g, err := o.newGraph()
	if err != nil {
		return &ConstructionError{Stage: "graph", Err: err}
	}
	o.graph = g

	if err := o.build(); err != nil {
		o.logger.Error("Pipeline construction failed", "pipeline", o.name, "error", err)
		o.release()
		return err
	}

	o.logger.Info("Pipeline built", "pipeline", o.name, "stages", len(o.stages))
	return nil
}

func (o *Orchestrator) build() error {
	source, err := o.add(StageSource, o.name+"-source")
	if err != nil {
		return err
	}
	tee, err := o.add(StageTee, o.name+"-tee")
	if err != nil {
		return err
	}
	demux, err := o.add(StageDemux, o.name+"-demux")
	if err != nil {
		return err
	}
	analyzer, err := o.add(StageAnalyzer, o.name+"-analyzer")
	if err != nil {
		return err
	}

	links := []struct {
		from, to stage
	}{
		{source, tee},
		{tee, demux},
		{tee, analyzer},
	}
	for _, l := range links {
		if err := o.graph.Connect(l.from.id, l.to.id); err != nil {
			return &ConstructionError{Stage: l.from.name + "->" + l.to.name, Err: err}
		}
	}

	a, err := o.graph.Analyzer(analyzer.id)
	if err != nil {
		return &ConstructionError{Stage: analyzer.name, Err: err}
	}
	o.analyzer = a
	return nil
}

func (o *Orchestrator) add(kind StageKind, name string) (stage, error) {
	id, err := o.graph.AddStage(kind, name)
	if err != nil {
		return stage{}, &ConstructionError{Stage: name, Err: err}
	}
	s := stage{id: id, kind: kind, name: name}
	o.stages = append(o.stages, s)
	return s, nil
}

// Run starts the stream flowing. Running an already running graph is a no-op.
func (o *Orchestrator) Run() error {
	if o.graph == nil {
		return ErrNotBuilt
	}
	if o.graph.Running() {
		return nil
	}
	return o.graph.Run()
}

// Stop pauses the stream without releasing stages.
func (o *Orchestrator) Stop() error {
	if o.graph == nil || !o.graph.Running() {
		return nil
	}
	return o.graph.Stop()
}

func (o *Orchestrator) Running() bool {
	return o.graph != nil && o.graph.Running()
}

// Analyzer returns the analyzer of the current graph, nil when unbuilt.
func (o *Orchestrator) Analyzer() Analyzer { return o.analyzer }

// Stages maps stage names to their handles.
func (o *Orchestrator) Stages() map[string]int {
	out := make(map[string]int, len(o.stages))
	for _, s := range o.stages {
		out[s.name] = int(s.id)
	}
	return out
}

// Teardown stops the graph and releases every stage in reverse order. It
// carries on past failures and returns them joined.
func (o *Orchestrator) Teardown() error {
	if o.graph == nil {
		return nil
	}
	var errs []error
	if o.graph.Running() {
		if err := o.graph.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop: %w", err))
		}
	}
	errs = append(errs, o.release()...)
	if err := errors.Join(errs...); err != nil {
		o.logger.Error("Pipeline teardown incomplete", "pipeline", o.name, "error", err)
		return err
	}
	o.logger.Info("Pipeline released", "pipeline", o.name)
	return nil
}

func (o *Orchestrator) release() []error {
	var errs []error
	for i := len(o.stages) - 1; i >= 0; i-- {
		s := o.stages[i]
		if err := o.graph.RemoveStage(s.id); err != nil {
			o.logger.Warn("Releasing stage failed", "stage", s.name, "error", err)
			errs = append(errs, fmt.Errorf("remove %s: %w", s.name, err))
		}
	}
	if err := o.graph.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	o.stages = nil
	o.analyzer = nil
	o.graph = nil
	return errs
}
