package card

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"tvcard/internal/core"
	"tvcard/internal/hal"
	"tvcard/internal/hardware/sim"
	"tvcard/internal/hardware/tuner"
	"tvcard/internal/logging"
	"tvcard/internal/pipeline"
	"tvcard/internal/pipeline/pipelinetest"
	"tvcard/pkg/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	card   *Card
	dev    *sim.Device
	graph  *pipelinetest.Graph
	claims *hal.ResourceManager
	clock  *fakeClock
}

func (f *fixture) analyzer() *pipelinetest.Analyzer { return f.graph.AnalyzerStage }

func newFixture(t *testing.T, cfg types.CardConfig) *fixture {
	t.Helper()
	f := &fixture{
		dev:    sim.New(types.DeliverySatellite),
		graph:  pipelinetest.NewGraph(),
		claims: hal.NewResourceManager(),
		clock:  &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	f.card = f.start(t, "card-0", cfg, f.graph.Factory())
	f.dev.ResetCalls()
	return f
}

func (f *fixture) start(t *testing.T, id types.DeviceID, cfg types.CardConfig, factory pipeline.NewGraphFunc) *Card {
	t.Helper()
	c, err := New(context.Background(), Config{
		ID:           id,
		Card:         cfg,
		Device:       f.dev,
		Claims:       f.claims,
		NewGraph:     factory,
		LoopInterval: time.Hour,
		Clock:        f.clock.Now,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func satChannel(name string, freq, pmt int) types.SatelliteChannel {
	return types.SatelliteChannel{
		Service: types.Service{
			Name:        name,
			NetworkID:   1,
			TransportID: 2,
			ServiceID:   3,
			PmtPID:      pmt,
		},
		Frequency:  freq,
		SymbolRate: 27500,
		Band:       types.BandUniversal,
	}
}

func mustTune(t *testing.T, c *Card, ch types.Channel) {
	t.Helper()
	ok, err := c.Tune(context.Background(), ch)
	if err != nil || !ok {
		t.Fatalf("Tune(%v) = %v, %v", ch, ok, err)
	}
}

func mustTimeShift(t *testing.T, c *Card, path string) {
	t.Helper()
	ok, err := c.StartTimeShifting(context.Background(), path)
	if err != nil || !ok {
		t.Fatalf("StartTimeShifting() = %v, %v", ok, err)
	}
}

func TestTuneBuildsGraphAndProgramsPIDs(t *testing.T) {
	f := newFixture(t, types.CardConfig{PidPolicy: "explicit"})
	ch := satChannel("one", 12000000, 0x100)

	mustTune(t, f.card, ch)

	if got := f.card.GraphState(); got != types.GraphCreated {
		t.Errorf("GraphState() = %v, want created", got)
	}
	if !f.claims.InUse("card-0") {
		t.Error("device not claimed after build")
	}
	for _, pid := range []uint16{types.PidPAT, types.PidSDT, types.PidNull, 0x100} {
		if !f.dev.PIDs().Contains(pid) {
			t.Errorf("pid 0x%04X not programmed: %v", pid, f.dev.PIDs())
		}
	}
	if f.analyzer().PMT != 0x100 {
		t.Errorf("analyzer PMT = %d", f.analyzer().PMT)
	}
	if f.dev.Count("initialize") != 1 {
		t.Errorf("initialize calls = %d, want 1", f.dev.Count("initialize"))
	}

	st := f.card.Snapshot()
	if st.TuneCount != 1 || st.Channel == "" || st.State != "created" {
		t.Errorf("Snapshot() = %+v", st)
	}
}

func TestTuneCaptureAllPolicy(t *testing.T) {
	f := newFixture(t, types.CardConfig{})
	mustTune(t, f.card, satChannel("one", 12000000, 0x100))

	if got := f.dev.PIDs(); !got.CaptureAll() || len(got) != 1 {
		t.Errorf("PIDs() = %v, want the wildcard only", got)
	}
}

func TestTuneSameChannelSkipsHardware(t *testing.T) {
	f := newFixture(t, types.CardConfig{})
	ch := satChannel("one", 12000000, 0x100)
	mustTune(t, f.card, ch)
	f.dev.ResetCalls()

	mustTune(t, f.card, ch)

	if calls := f.dev.Calls(); len(calls) != 0 {
		t.Errorf("hardware calls = %v, want none", calls)
	}
	if f.card.Snapshot().TuneCount != 1 {
		t.Errorf("TuneCount = %d, want 1", f.card.Snapshot().TuneCount)
	}
}

func TestTuneFailureKeepsCurrentChannel(t *testing.T) {
	f := newFixture(t, types.CardConfig{})
	first := satChannel("one", 12000000, 0x100)
	mustTune(t, f.card, first)
	before := f.card.Snapshot().Channel

	f.dev.FailParam(tuner.ParamFrequency, tuner.StatusTransport)
	ok, err := f.card.Tune(context.Background(), satChannel("two", 11000000, 0x200))
	if err != nil || ok {
		t.Fatalf("Tune() = %v, %v, want false", ok, err)
	}

	st := f.card.Snapshot()
	if st.Channel != before {
		t.Errorf("current channel = %q, want %q", st.Channel, before)
	}
	if st.TuneFailures != 1 {
		t.Errorf("TuneFailures = %d, want 1", st.TuneFailures)
	}
	if st.State != "created" {
		t.Errorf("State = %s, want created", st.State)
	}
	if f.analyzer().PMT != 0x100 {
		t.Errorf("analyzer PMT = %d, want unchanged", f.analyzer().PMT)
	}
}

func TestTuneWrongKind(t *testing.T) {
	f := newFixture(t, types.CardConfig{})
	cable := types.CableChannel{Service: types.Service{Name: "c"}, Frequency: 346000, SymbolRate: 6900}

	if f.card.CanTune(cable) {
		t.Error("CanTune(cable) on a satellite card")
	}
	if !f.card.CanTune(satChannel("one", 12000000, 0)) {
		t.Error("CanTune(satellite) = false")
	}
	if f.card.CanTune(nil) {
		t.Error("CanTune(nil) = true")
	}

	ok, err := f.card.Tune(context.Background(), cable)
	if err != nil || ok {
		t.Errorf("Tune(cable) = %v, %v", ok, err)
	}
	if len(f.dev.Calls()) != 0 {
		t.Errorf("hardware calls = %v", f.dev.Calls())
	}
	if f.card.GraphState() != types.GraphIdle {
		t.Errorf("GraphState() = %v", f.card.GraphState())
	}
}

func TestBuildFailureStaysIdle(t *testing.T) {
	f := newFixture(t, types.CardConfig{})
	f.graph.FailAdd[pipeline.StageDemux] = true

	ok, err := f.card.Tune(context.Background(), satChannel("one", 12000000, 0x100))
	if err != nil || ok {
		t.Fatalf("Tune() = %v, %v, want false", ok, err)
	}
	if f.card.GraphState() != types.GraphIdle {
		t.Errorf("GraphState() = %v, want idle", f.card.GraphState())
	}
	if f.claims.InUse("card-0") {
		t.Error("claim kept after failed build")
	}
	if f.graph.Live() != 0 {
		t.Errorf("%d stages left after failed build", f.graph.Live())
	}
	if f.dev.Count("set") != 0 {
		t.Error("tuning parameters sent without a pipeline")
	}
}

func TestClaimIsExclusiveAcrossCards(t *testing.T) {
	f := newFixture(t, types.CardConfig{})
	other := f.start(t, "card-0", types.CardConfig{}, pipelinetest.NewGraph().Factory())

	mustTune(t, f.card, satChannel("one", 12000000, 0x100))

	ok, err := other.Tune(context.Background(), satChannel("one", 12000000, 0x100))
	if err != nil || ok {
		t.Fatalf("second card Tune() = %v, %v, want false", ok, err)
	}
	if other.GraphState() != types.GraphIdle {
		t.Errorf("second card state = %v", other.GraphState())
	}

	if err := f.card.Dispose(context.Background()); err != nil {
		t.Fatal(err)
	}
	mustTune(t, other, satChannel("one", 12000000, 0x100))
}

func TestStartRecordingOutsideTimeShifting(t *testing.T) {
	f := newFixture(t, types.CardConfig{})
	mustTune(t, f.card, satChannel("one", 12000000, 0x100))

	ok, err := f.card.StartRecording(context.Background(), types.RecordContent, "/tmp/rec.ts", time.Time{})
	if ok || !errors.Is(err, ErrInvalidState) {
		t.Fatalf("StartRecording() = %v, %v, want invalid state", ok, err)
	}
	var se *StateError
	if !errors.As(err, &se) || se.State != types.GraphCreated {
		t.Errorf("error = %#v", err)
	}
	if f.card.GraphState() != types.GraphCreated {
		t.Errorf("GraphState() = %v, want created", f.card.GraphState())
	}
	if len(f.analyzer().CallLog()) != 1 { // pmt watch from the tune
		t.Errorf("analyzer calls = %v", f.analyzer().CallLog())
	}
}

func TestStopRecordingWhenNotRecording(t *testing.T) {
	f := newFixture(t, types.CardConfig{})

	ok, err := f.card.StopRecording(context.Background())
	if err != nil || ok {
		t.Errorf("StopRecording() from idle = %v, %v", ok, err)
	}
	if len(f.dev.Calls()) != 0 {
		t.Errorf("hardware calls from idle = %v", f.dev.Calls())
	}

	mustTune(t, f.card, satChannel("one", 12000000, 0x100))
	f.dev.ResetCalls()
	analyzerCalls := len(f.analyzer().CallLog())

	ok, err = f.card.StopRecording(context.Background())
	if err != nil || ok {
		t.Errorf("StopRecording() from created = %v, %v", ok, err)
	}
	if len(f.dev.Calls()) != 0 || len(f.analyzer().CallLog()) != analyzerCalls {
		t.Error("StopRecording() from created touched the hardware")
	}
}

func TestTimeShiftAndRecordingLifecycle(t *testing.T) {
	f := newFixture(t, types.CardConfig{})
	ctx := context.Background()
	dir := t.TempDir()
	live := filepath.Join(dir, "live.ts")
	rec := filepath.Join(dir, "rec.ts")

	mustTune(t, f.card, satChannel("one", 12000000, 0x100))
	mustTimeShift(t, f.card, live)
	if f.card.GraphState() != types.GraphTimeShifting {
		t.Fatalf("GraphState() = %v", f.card.GraphState())
	}
	if f.analyzer().TimeShiftFile != live || !f.graph.Running() {
		t.Error("timeshift not started")
	}
	mustTimeShift(t, f.card, live)

	hint := time.Date(2024, 1, 1, 20, 0, 0, 0, time.UTC)
	ok, err := f.card.StartRecording(ctx, types.RecordReference, rec, hint)
	if err != nil || !ok {
		t.Fatalf("StartRecording() = %v, %v", ok, err)
	}
	if f.card.GraphState() != types.GraphRecording || f.analyzer().RecordKind != types.RecordReference {
		t.Errorf("recording not started: %v", f.card.GraphState())
	}
	if f.card.Snapshot().Recording != rec {
		t.Errorf("Snapshot().Recording = %q", f.card.Snapshot().Recording)
	}

	ok, err = f.card.StartRecording(ctx, types.RecordContent, rec, hint)
	if err != nil || ok {
		t.Errorf("second StartRecording() = %v, %v, want false", ok, err)
	}

	if ok, _ := f.card.StopRecording(ctx); !ok {
		t.Error("StopRecording() = false")
	}
	if f.card.GraphState() != types.GraphTimeShifting || f.analyzer().Recording != "" {
		t.Errorf("after StopRecording state = %v", f.card.GraphState())
	}

	if ok, _ := f.card.StopTimeShifting(ctx); !ok {
		t.Error("StopTimeShifting() = false")
	}
	if f.card.GraphState() != types.GraphCreated || f.graph.Running() {
		t.Errorf("after StopTimeShifting state = %v running = %v", f.card.GraphState(), f.graph.Running())
	}
	if ok, _ := f.card.StopTimeShifting(ctx); !ok {
		t.Error("StopTimeShifting() when not timeshifting = false")
	}
}

func TestStartTimeShiftingPreconditions(t *testing.T) {
	f := newFixture(t, types.CardConfig{})
	ctx := context.Background()

	if ok, err := f.card.StartTimeShifting(ctx, "/tmp/x.ts"); ok || !errors.Is(err, ErrNotTuned) {
		t.Errorf("StartTimeShifting() from idle = %v, %v", ok, err)
	}

	transponder := satChannel("mux", 12000000, 0)
	transponder.NetworkID, transponder.TransportID, transponder.ServiceID = -1, -1, -1
	mustTune(t, f.card, transponder)

	if ok, err := f.card.StartTimeShifting(ctx, "/tmp/x.ts"); ok || !errors.Is(err, ErrNoService) {
		t.Errorf("StartTimeShifting() on a transponder = %v, %v", ok, err)
	}
	if f.card.GraphState() != types.GraphCreated {
		t.Errorf("GraphState() = %v", f.card.GraphState())
	}
}

func TestStartRecordingFailureKeepsRecordingState(t *testing.T) {
	f := newFixture(t, types.CardConfig{})
	mustTune(t, f.card, satChannel("one", 12000000, 0x100))
	mustTimeShift(t, f.card, filepath.Join(t.TempDir(), "live.ts"))
	f.analyzer().FailRecord = true

	ok, err := f.card.StartRecording(context.Background(), types.RecordContent, "/tmp/rec.ts", time.Time{})
	if ok || !errors.Is(err, pipelinetest.ErrInjected) {
		t.Fatalf("StartRecording() = %v, %v", ok, err)
	}
	if f.card.GraphState() != types.GraphRecording {
		t.Errorf("GraphState() = %v, want recording", f.card.GraphState())
	}
}

func TestStartRecordingWithoutAnalyzerIsLogged(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "card.log")
	if err := logging.Configure(&logging.Config{Level: "debug", Format: "text", Output: "file", OutputPath: logPath}); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { logging.Configure(logging.DefaultConfig()) })

	f := newFixture(t, types.CardConfig{})
	var (
		ok  bool
		err error
	)
	doErr := f.card.do(context.Background(), func(o *core.Owner) {
		f.card.g.state = types.GraphTimeShifting
		ok, err = f.card.g.startRecording(o, types.RecordContent, "/tmp/rec.ts", time.Time{})
	})
	if doErr != nil {
		t.Fatal(doErr)
	}
	if ok || !errors.Is(err, ErrNoAnalyzer) {
		t.Fatalf("startRecording() = %v, %v, want ErrNoAnalyzer", ok, err)
	}

	data, readErr := os.ReadFile(logPath)
	if readErr != nil {
		t.Fatal(readErr)
	}
	if !strings.Contains(string(data), "Starting recording failed") || !strings.Contains(string(data), ErrNoAnalyzer.Error()) {
		t.Errorf("missing analyzer failure not logged:\n%s", data)
	}
}

func TestRetuneWhileTimeShiftingPausesAnalyzer(t *testing.T) {
	f := newFixture(t, types.CardConfig{})
	mustTune(t, f.card, satChannel("one", 12000000, 0x100))
	mustTimeShift(t, f.card, filepath.Join(t.TempDir(), "live.ts"))

	mustTune(t, f.card, satChannel("two", 11000000, 0x200))

	calls := f.analyzer().CallLog()
	pause := slices.Index(calls, "pause true")
	resume := slices.Index(calls, "pause false")
	if pause < 0 || resume < pause {
		t.Errorf("analyzer calls = %v, want pause then resume", calls)
	}
	if f.analyzer().Paused {
		t.Error("timeshift left paused")
	}
	if f.card.GraphState() != types.GraphTimeShifting {
		t.Errorf("GraphState() = %v", f.card.GraphState())
	}
}

func TestDispose(t *testing.T) {
	f := newFixture(t, types.CardConfig{})
	ctx := context.Background()

	if err := f.card.Dispose(ctx); err != nil {
		t.Fatalf("Dispose() from idle = %v", err)
	}

	mustTune(t, f.card, satChannel("one", 12000000, 0x100))
	mustTimeShift(t, f.card, filepath.Join(t.TempDir(), "live.ts"))
	if ok, err := f.card.StartRecording(ctx, types.RecordContent, "/tmp/rec.ts", time.Time{}); !ok {
		t.Fatalf("StartRecording() = %v, %v", ok, err)
	}
	f.graph.FailRemove[pipeline.StageTee] = true
	f.analyzer().FailStop = true

	if err := f.card.Dispose(ctx); err != nil {
		t.Fatalf("Dispose() = %v", err)
	}

	if f.card.GraphState() != types.GraphIdle {
		t.Errorf("GraphState() = %v, want idle", f.card.GraphState())
	}
	if f.claims.InUse("card-0") {
		t.Error("claim not released")
	}
	if !f.graph.Closed() || f.graph.Running() {
		t.Error("graph not closed")
	}
	if !slices.Contains(f.analyzer().CallLog(), "stop_record") {
		t.Error("recording not stopped")
	}
	if len(f.dev.PIDs()) != 0 {
		t.Errorf("PIDs() = %v after dispose", f.dev.PIDs())
	}
	if st := f.card.Snapshot(); st.Channel != "" || st.Recording != "" || st.TimeShift != "" {
		t.Errorf("Snapshot() = %+v", st)
	}

	if err := f.card.Dispose(ctx); err != nil {
		t.Errorf("second Dispose() = %v", err)
	}
}

func TestSignalThrottle(t *testing.T) {
	f := newFixture(t, types.CardConfig{})
	ctx := context.Background()

	r, err := f.card.Signal(ctx)
	if err != nil || r != (types.SignalReading{}) {
		t.Errorf("Signal() from idle = %+v, %v", r, err)
	}
	if f.dev.Count("signal") != 0 {
		t.Error("signal queried while idle")
	}

	ok, err := f.card.TuneScan(ctx, satChannel("one", 12000000, 0x100))
	if err != nil || !ok {
		t.Fatalf("TuneScan() = %v, %v", ok, err)
	}

	first, _ := f.card.Signal(ctx)
	if !first.Locked || first.Level != 80 || first.Quality != 70 {
		t.Errorf("first reading = %+v", first)
	}

	f.dev.SetSignal(10, 20, tuner.StatusOK)
	f.clock.Advance(4000 * time.Millisecond)
	cached, _ := f.card.Signal(ctx)
	if cached != first {
		t.Errorf("reading after 4s = %+v, want cached %+v", cached, first)
	}
	if f.dev.Count("signal") != 1 {
		t.Errorf("signal queries = %d, want 1", f.dev.Count("signal"))
	}

	f.clock.Advance(1000 * time.Millisecond)
	fresh, _ := f.card.Signal(ctx)
	if fresh.Level != 10 || fresh.Quality != 20 {
		t.Errorf("reading after 5s = %+v", fresh)
	}
	if f.card.Snapshot().Signal != fresh {
		t.Errorf("Snapshot().Signal = %+v", f.card.Snapshot().Signal)
	}
}

func TestEventsPublished(t *testing.T) {
	f := newFixture(t, types.CardConfig{})
	var (
		mu   sync.Mutex
		seen []core.EventType
	)
	f.card.Subscribe(core.HandlerFunc{
		HandlerName: "test",
		Fn: func(ev core.Event) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, ev.Type())
			return nil
		},
	})

	mustTune(t, f.card, satChannel("one", 12000000, 0x100))
	f.card.Dispose(context.Background())

	mu.Lock()
	defer mu.Unlock()
	want := []core.EventType{
		core.EventTypeStateChanged, core.EventTypeTuned,
		core.EventTypeStateChanged, core.EventTypeDisposed,
	}
	if !slices.Equal(seen, want) {
		t.Errorf("events = %v, want %v", seen, want)
	}
}

// foreignOwner returns the Owner of a loop that is not the card's.
func foreignOwner(t *testing.T) *core.Owner {
	t.Helper()
	loop := core.NewEventLoop("other", time.Hour)
	if err := loop.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { loop.Stop() })

	var o *core.Owner
	if err := loop.Submit(context.Background(), func(owner *core.Owner) { o = owner }); err != nil {
		t.Fatal(err)
	}
	return o
}

func TestForeignOwnerIsIgnored(t *testing.T) {
	f := newFixture(t, types.CardConfig{})
	ctx := context.Background()
	mustTune(t, f.card, satChannel("one", 12000000, 0x100))
	f.dev.ResetCalls()
	analyzerCalls := len(f.analyzer().CallLog())

	o := foreignOwner(t)
	g := f.card.g

	if g.tune(ctx, o, satChannel("two", 11000000, 0x200)) {
		t.Error("tune from a foreign owner succeeded")
	}
	if g.tuneScan(ctx, o, satChannel("two", 11000000, 0x200)) {
		t.Error("tuneScan from a foreign owner succeeded")
	}
	if ok, err := g.startTimeShifting(o, "/tmp/x.ts"); ok || err != nil {
		t.Errorf("startTimeShifting = %v, %v", ok, err)
	}
	if ok, err := g.startRecording(o, types.RecordContent, "/tmp/r.ts", time.Time{}); ok || err != nil {
		t.Errorf("startRecording = %v, %v", ok, err)
	}
	if g.stopRecording(o) || g.stopTimeShifting(o) {
		t.Error("stop from a foreign owner succeeded")
	}
	g.dispose(ctx, o)
	if r := g.readSignal(ctx, o); r != (types.SignalReading{}) {
		t.Errorf("readSignal = %+v", r)
	}
	if g.readSignal(ctx, nil) != (types.SignalReading{}) {
		t.Error("nil owner accepted")
	}

	if calls := f.dev.Calls(); len(calls) != 0 {
		t.Errorf("hardware calls = %v", calls)
	}
	if len(f.analyzer().CallLog()) != analyzerCalls {
		t.Errorf("analyzer calls = %v", f.analyzer().CallLog())
	}
	if f.card.GraphState() != types.GraphCreated || !f.claims.InUse("card-0") {
		t.Error("state changed by a foreign owner")
	}
}

func TestProbeKind(t *testing.T) {
	tests := []struct {
		name       string
		caps       tuner.Capabilities
		status     tuner.Status
		configured string
		want       types.DeliverySystem
		wantErr    bool
	}{
		{name: "hardware", caps: tuner.Capabilities{Known: true, Delivery: types.DeliveryCable}, want: types.DeliveryCable},
		{name: "hardware wins", caps: tuner.Capabilities{Known: true, Delivery: types.DeliveryCable}, configured: "satellite", want: types.DeliveryCable},
		{name: "unknown is satellite", caps: tuner.CapabilitiesFromType(99, 16), want: types.DeliverySatellite},
		{name: "probe failed", status: tuner.StatusTransport, configured: "atsc", want: types.DeliveryATSC},
		{name: "probe failed unconfigured", status: tuner.StatusTransport, wantErr: true},
		{name: "bad configured kind", configured: "radio", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := sim.New(types.DeliverySatellite)
			dev.SetCapabilities(tt.caps, tt.status)
			c, err := New(context.Background(), Config{
				ID:       "probe",
				Card:     types.CardConfig{Kind: tt.configured},
				Device:   dev,
				Claims:   hal.NewResourceManager(),
				NewGraph: pipelinetest.NewGraph().Factory(),
			})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if c.Kind() != tt.want {
				t.Errorf("Kind() = %v, want %v", c.Kind(), tt.want)
			}
		})
	}
}
