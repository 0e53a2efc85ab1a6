package pipeline_test

import (
	"errors"
	"reflect"
	"testing"

	"tvcard/internal/pipeline"
	"tvcard/internal/pipeline/pipelinetest"
)

func TestBuild(t *testing.T) {
	g := pipelinetest.NewGraph()
	o := pipeline.NewOrchestrator("card-0", g.Factory(), nil)

	if err := o.Build(); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	want := []string{
		"add source", "add tee", "add demux", "add analyzer",
		"connect source->tee", "connect tee->demux", "connect tee->analyzer",
	}
	if got := g.Log(); !reflect.DeepEqual(got, want) {
		t.Errorf("graph calls = %v, want %v", got, want)
	}
	if !o.Built() || o.Analyzer() == nil {
		t.Error("orchestrator not built")
	}
	if len(o.Stages()) != 4 {
		t.Errorf("Stages() = %v", o.Stages())
	}
	if err := o.Build(); !errors.Is(err, pipeline.ErrAlreadyBuilt) {
		t.Errorf("second Build() = %v", err)
	}
}

func TestBuildFailureReleasesPartialStages(t *testing.T) {
	for _, kind := range []pipeline.StageKind{pipeline.StageSource, pipeline.StageTee, pipeline.StageDemux, pipeline.StageAnalyzer} {
		t.Run(string(kind), func(t *testing.T) {
			g := pipelinetest.NewGraph()
			g.FailAdd[kind] = true
			o := pipeline.NewOrchestrator("card-0", g.Factory(), nil)

			err := o.Build()
			var cerr *pipeline.ConstructionError
			if !errors.As(err, &cerr) {
				t.Fatalf("Build() error = %v, want ConstructionError", err)
			}
			if cerr.Stage != "card-0-"+string(kind) {
				t.Errorf("Stage = %q", cerr.Stage)
			}
			if !errors.Is(err, pipelinetest.ErrInjected) {
				t.Error("cause not wrapped")
			}
			if g.Live() != 0 || !g.Closed() {
				t.Errorf("live stages = %d, closed = %v", g.Live(), g.Closed())
			}
			if o.Built() || o.Analyzer() != nil {
				t.Error("orchestrator must stay unbuilt")
			}
		})
	}
}

func TestBuildGraphFactoryFailure(t *testing.T) {
	o := pipeline.NewOrchestrator("card-0", func() (pipeline.Graph, error) {
		return nil, pipelinetest.ErrInjected
	}, nil)
	var cerr *pipeline.ConstructionError
	if err := o.Build(); !errors.As(err, &cerr) || cerr.Stage != "graph" {
		t.Errorf("Build() error = %v", err)
	}
}

func TestRun(t *testing.T) {
	g := pipelinetest.NewGraph()
	o := pipeline.NewOrchestrator("card-0", g.Factory(), nil)
	if err := o.Run(); !errors.Is(err, pipeline.ErrNotBuilt) {
		t.Errorf("Run() before Build = %v", err)
	}
	if err := o.Build(); err != nil {
		t.Fatal(err)
	}
	if err := o.Run(); err != nil || !o.Running() {
		t.Fatalf("Run() = %v, running %v", err, o.Running())
	}
	if err := o.Run(); err != nil {
		t.Errorf("second Run() = %v", err)
	}
	runs := 0
	for _, c := range g.Log() {
		if c == "run" {
			runs++
		}
	}
	if runs != 1 {
		t.Errorf("graph run %d times, want 1", runs)
	}
}

func TestTeardownContinuesPastFailures(t *testing.T) {
	g := pipelinetest.NewGraph()
	o := pipeline.NewOrchestrator("card-0", g.Factory(), nil)
	if err := o.Build(); err != nil {
		t.Fatal(err)
	}
	if err := o.Run(); err != nil {
		t.Fatal(err)
	}
	g.FailRemove[pipeline.StageDemux] = true
	g.FailClose = true

	err := o.Teardown()
	if !errors.Is(err, pipelinetest.ErrInjected) {
		t.Fatalf("Teardown() = %v, want joined failures", err)
	}

	log := g.Log()
	tail := log[len(log)-6:]
	want := []string{"stop", "remove analyzer", "remove demux", "remove tee", "remove source", "close"}
	if !reflect.DeepEqual(tail, want) {
		t.Errorf("teardown calls = %v, want %v", tail, want)
	}
	if o.Built() {
		t.Error("orchestrator still built after teardown")
	}
	if err := o.Teardown(); err != nil {
		t.Errorf("second Teardown() = %v", err)
	}
}
