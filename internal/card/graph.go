package card

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tvcard/internal/core"
	"tvcard/internal/hal"
	"tvcard/internal/hardware/tuner"
	"tvcard/internal/logging"
	"tvcard/internal/pidfilter"
	"tvcard/internal/pipeline"
	"tvcard/internal/signalmon"
	"tvcard/internal/tuning"
	"tvcard/pkg/types"
)

// graph is the per-card state machine. Every method takes the Owner of the
// card's loop; a call with any other Owner is ignored and reports false.
//
//	Idle → Created → TimeShifting → Recording
//	Recording → TimeShifting → Created
//	any → Idle (dispose)
type graph struct {
	id      types.DeviceID
	session string
	kind    types.DeliverySystem
	loop    *core.EventLoop

	dev     tuner.Device
	claims  *hal.ResourceManager
	orch    *pipeline.Orchestrator
	applier *tuning.Applier
	pids    *pidfilter.Manager
	signal  *signalmon.Monitor
	opts    tuning.Options
	events  *core.Dispatcher

	state         types.GraphState
	current       types.Channel
	claimed       bool
	timeshiftFile string
	recordingFile string
	recordStart   time.Time
	tuneCount     uint64
	tuneFailures  uint64

	logger *logging.Logger
}

func (g *graph) owns(o *core.Owner, op string) bool {
	if o.Owns(g.loop) {
		return true
	}
	g.logger.Debug("Ignoring call from outside the card loop", "op", op)
	return false
}

func (g *graph) setState(s types.GraphState) {
	if g.state == s {
		return
	}
	ev := core.NewCardEvent(core.EventTypeStateChanged, string(g.id))
	ev.From, ev.To = g.state.String(), s.String()
	g.logger.Info("Graph state changed", "from", ev.From, "to", ev.To)
	g.state = s
	g.events.Publish(ev)
}

func (g *graph) publish(t core.EventType, fill func(*core.CardEvent)) {
	ev := core.NewCardEvent(t, string(g.id))
	if g.current != nil {
		ev.Channel = fmt.Sprint(g.current)
	}
	if fill != nil {
		fill(ev)
	}
	g.events.Publish(ev)
}

func (g *graph) analyzer() pipeline.Analyzer {
	return g.orch.Analyzer()
}

// build claims the device and constructs the pipeline. The card stays Idle
// when either fails.
func (g *graph) build(ctx context.Context) error {
	if g.state != types.GraphIdle {
		return &StateError{Op: "build", State: g.state}
	}
	if err := g.claims.ClaimErr(g.id, g.session); err != nil {
		g.logger.Error("Device claim failed", "error", err)
		return err
	}
	g.claimed = true

	if st := g.dev.Initialize(ctx); !st.OK() {
		g.logger.Error("Tuner initialize failed", "status", st.String())
	}
	g.dev.CheckLock(ctx)

	if err := g.orch.Build(); err != nil {
		g.claims.Release(g.id)
		g.claimed = false
		return err
	}

	g.pids.Program(ctx, 0)
	g.setState(types.GraphCreated)
	return nil
}

func (g *graph) canTune(ch types.Channel) bool {
	return ch != nil && ch.Kind() == g.kind
}

func (g *graph) tune(ctx context.Context, o *core.Owner, ch types.Channel) bool {
	if !g.owns(o, "tune") {
		return false
	}
	if !g.canTune(ch) {
		g.logger.Error("Cannot tune channel", "channel", fmt.Sprint(ch), "card_kind", g.kind.String(), "error", ErrWrongKind)
		return false
	}

	plan, err := tuning.PlanTune(ch, g.current, g.opts)
	if err != nil {
		g.logger.Error("Planning tune failed", "channel", fmt.Sprint(ch), "error", err)
		g.tuneFailures++
		return false
	}
	if plan.NoOp {
		g.logger.Debug("Already tuned", "channel", fmt.Sprint(ch))
		return true
	}
	for _, w := range plan.Warnings {
		g.logger.Warn("Inconsistent tuning configuration", "channel", fmt.Sprint(ch), "warning", w)
	}

	if g.state == types.GraphIdle {
		if err := g.build(ctx); err != nil {
			g.tuneFailures++
			g.publish(core.EventTypeTuneFailed, func(ev *core.CardEvent) { ev.Error = err })
			return false
		}
	}

	if g.state == types.GraphTimeShifting {
		if a := g.analyzer(); a != nil {
			if err := a.PauseTimeShift(true); err != nil {
				g.logger.Warn("Pausing timeshift failed", "error", err)
			}
			defer func() {
				if err := a.PauseTimeShift(false); err != nil {
					g.logger.Warn("Resuming timeshift failed", "error", err)
				}
			}()
		}
	}

	g.logger.Info("Tuning", "channel", fmt.Sprint(ch), "frequency", plan.Params.Frequency)
	if err := g.applier.Apply(ctx, plan.Params); err != nil {
		g.tuneFailures++
		g.publish(core.EventTypeTuneFailed, func(ev *core.CardEvent) { ev.Error = err })
		return false
	}

	g.current = ch
	pmt := ch.Info().PmtPID
	g.pids.Program(ctx, pmt)
	if a := g.analyzer(); a != nil && pmt > 0 {
		if err := a.WatchPMT(pmt); err != nil {
			g.logger.Warn("Watching PMT failed", "pid", pmt, "error", err)
		}
	}
	g.signal.Invalidate()
	g.tuneCount++
	g.logger.Info("Tune done", "channel", fmt.Sprint(ch))
	g.publish(core.EventTypeTuned, nil)
	return true
}

// tuneScan tunes and makes sure the stream is flowing.
func (g *graph) tuneScan(ctx context.Context, o *core.Owner, ch types.Channel) bool {
	if !g.owns(o, "tune_scan") {
		return false
	}
	ok := g.tune(ctx, o, ch)
	if g.state == types.GraphIdle {
		return false
	}
	if err := g.orch.Run(); err != nil {
		g.logger.Error("Starting pipeline failed", "error", err)
		return false
	}
	return ok
}

func (g *graph) startTimeShifting(o *core.Owner, path string) (bool, error) {
	if !g.owns(o, "start_timeshifting") {
		return false, nil
	}
	switch g.state {
	case types.GraphTimeShifting:
		return true, nil
	case types.GraphCreated:
	case types.GraphIdle:
		return false, ErrNotTuned
	default:
		return false, &StateError{Op: "start timeshifting", State: g.state}
	}

	if g.current == nil {
		g.logger.Error("Cannot timeshift without a tuned channel")
		return false, ErrNotTuned
	}
	if !g.current.Info().IsService() {
		g.logger.Error("Cannot timeshift a transponder", "channel", fmt.Sprint(g.current))
		return false, ErrNoService
	}

	a := g.analyzer()
	if a == nil {
		return false, ErrNoAnalyzer
	}
	if err := a.SetTimeShiftFile(path); err != nil {
		g.logger.Error("Setting timeshift file failed", "file", path, "error", err)
		return false, err
	}
	if err := g.orch.Run(); err != nil {
		g.logger.Error("Starting pipeline failed", "error", err)
		if cerr := a.SetTimeShiftFile(""); cerr != nil {
			g.logger.Warn("Closing timeshift file failed", "error", cerr)
		}
		return false, err
	}
	g.timeshiftFile = path
	g.setState(types.GraphTimeShifting)
	return true, nil
}

func (g *graph) stopTimeShifting(o *core.Owner) bool {
	if !g.owns(o, "stop_timeshifting") {
		return false
	}
	if g.state != types.GraphTimeShifting {
		return true
	}
	if err := g.orch.Stop(); err != nil {
		g.logger.Error("Stopping pipeline failed", "error", err)
	}
	if a := g.analyzer(); a != nil {
		if err := a.SetTimeShiftFile(""); err != nil {
			g.logger.Warn("Closing timeshift file failed", "error", err)
		}
	}
	g.timeshiftFile = ""
	g.setState(types.GraphCreated)
	return true
}

// startRecording moves to Recording before asking the analyzer, so a failed
// start still leaves the card in the state the caller asked for.
func (g *graph) startRecording(o *core.Owner, kind types.RecordingType, path string, hint time.Time) (bool, error) {
	if !g.owns(o, "start_recording") {
		return false, nil
	}
	if g.state == types.GraphRecording {
		return false, nil
	}
	if g.state != types.GraphTimeShifting {
		return false, &StateError{Op: "start recording", State: g.state}
	}

	g.setState(types.GraphRecording)
	g.recordingFile = path

	a := g.analyzer()
	if a == nil {
		g.logger.Error("Starting recording failed", "file", path, "error", ErrNoAnalyzer)
		return false, ErrNoAnalyzer
	}
	start, err := a.StartRecord(kind, path, hint)
	if err != nil {
		g.logger.Error("Starting recording failed", "file", path, "error", err)
		return false, err
	}
	g.recordStart = start
	g.logger.Info("Recording started", "file", path, "type", kind.String(), "start", start)
	g.publish(core.EventTypeRecordingStarted, func(ev *core.CardEvent) { ev.Path = path })
	return true, nil
}

func (g *graph) stopRecording(o *core.Owner) bool {
	if !g.owns(o, "stop_recording") {
		return false
	}
	if g.state != types.GraphRecording {
		return false
	}
	g.setState(types.GraphTimeShifting)
	path := g.recordingFile
	g.recordingFile = ""
	g.recordStart = time.Time{}

	if a := g.analyzer(); a != nil {
		if err := a.StopRecord(); err != nil {
			g.logger.Error("Stopping recording failed", "file", path, "error", err)
		}
	}
	g.publish(core.EventTypeRecordingStopped, func(ev *core.CardEvent) { ev.Path = path })
	return true
}

// dispose releases everything the card holds. It never fails and may be
// called in any state, any number of times.
func (g *graph) dispose(ctx context.Context, o *core.Owner) {
	if !g.owns(o, "dispose") {
		return
	}
	if g.state == types.GraphIdle && !g.claimed {
		return
	}

	var errs []error
	if a := g.analyzer(); a != nil {
		if g.state == types.GraphRecording {
			if err := a.StopRecord(); err != nil {
				errs = append(errs, fmt.Errorf("stop recording: %w", err))
			}
		}
		if g.timeshiftFile != "" {
			if err := a.SetTimeShiftFile(""); err != nil {
				errs = append(errs, fmt.Errorf("close timeshift: %w", err))
			}
		}
	}
	if err := g.orch.Teardown(); err != nil {
		errs = append(errs, fmt.Errorf("teardown: %w", err))
	}
	if g.state != types.GraphIdle {
		g.pids.Clear(ctx)
	}
	if g.claimed {
		g.claims.Release(g.id)
		g.claimed = false
	}
	if err := errors.Join(errs...); err != nil {
		g.logger.Error("Dispose incomplete", "error", err)
	}

	g.current = nil
	g.timeshiftFile = ""
	g.recordingFile = ""
	g.recordStart = time.Time{}
	g.signal.Invalidate()
	g.setState(types.GraphIdle)
	g.publish(core.EventTypeDisposed, nil)
}

func (g *graph) signalActive() bool {
	return g.state != types.GraphIdle && g.orch.Running() && g.current != nil
}

func (g *graph) readSignal(ctx context.Context, o *core.Owner) types.SignalReading {
	if !g.owns(o, "signal") {
		return types.SignalReading{}
	}
	return g.signal.Read(ctx, g.signalActive())
}

func (g *graph) status() types.CardStatus {
	st := types.CardStatus{
		ID:           g.id,
		Session:      g.session,
		Kind:         g.kind.String(),
		State:        g.state.String(),
		Signal:       g.signal.Last(),
		PIDs:         g.pids.Current(),
		TimeShift:    g.timeshiftFile,
		Recording:    g.recordingFile,
		TuneCount:    g.tuneCount,
		TuneFailures: g.tuneFailures,
		Updated:      time.Now(),
		Stages:       g.orch.Stages(),
	}
	if g.current != nil {
		st.Channel = fmt.Sprint(g.current)
	}
	if !g.signalActive() {
		st.Signal = types.SignalReading{}
	}
	return st
}
