package management

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tvcard/internal/config"
	"tvcard/internal/hal"
	"tvcard/internal/hardware"
	"tvcard/internal/hardware/comm"
	"tvcard/internal/hardware/sim"
	"tvcard/internal/hardware/tuner"
	"tvcard/internal/ipc"
	"tvcard/internal/pipeline"
	"tvcard/internal/pipeline/pipelinetest"
	"tvcard/pkg/types"
)

type stack struct {
	infra *InfrastructureManager
	app   *ApplicationManager
	dev   *sim.Device
	graph *pipelinetest.Graph
	dir   string
}

func newStack(t *testing.T) *stack {
	t.Helper()
	s := &stack{
		dev:   sim.New(types.DeliverySatellite),
		graph: pipelinetest.NewGraph(),
		dir:   t.TempDir(),
	}

	cm := config.NewConfigManager(filepath.Join(s.dir, "tvcard.yaml"))
	if err := cm.CreateDefaultConfig(); err != nil {
		t.Fatalf("CreateDefaultConfig() error = %v", err)
	}
	cfg := cm.GetConfig()
	cfg.IPC.Port = 0
	if err := cm.SetConfig(cfg); err != nil {
		t.Fatalf("SetConfig() error = %v", err)
	}

	factory := hardware.NewHardwareFactory()
	factory.Register("sim", func(context.Context, types.DeviceID, types.CardConfig) (tuner.Device, error) {
		return s.dev, nil
	})

	ctx := context.Background()
	s.infra = NewInfrastructureManager(cm, factory)
	if err := s.infra.Start(ctx); err != nil {
		t.Fatalf("infrastructure Start() error = %v", err)
	}
	s.app = NewApplicationManager(s.infra, WithGraphFactory(func(types.DeviceID, types.CardConfig) (pipeline.NewGraphFunc, error) {
		return s.graph.Factory(), nil
	}))
	if err := s.app.Start(ctx); err != nil {
		s.infra.Stop()
		t.Fatalf("application Start() error = %v", err)
	}
	t.Cleanup(func() {
		s.app.Stop()
		s.infra.Stop()
	})
	return s
}

func (s *stack) do(t *testing.T, req types.CardRequest) types.CardResponse {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.app.HandleRequest(ctx, req)
}

func TestDefaultGraphFactory(t *testing.T) {
	tests := []struct {
		pipeline string
		wantErr  bool
	}{
		{"", false},
		{"ts", false},
		{"gst", false},
		{"vlc", true},
	}
	for _, tt := range tests {
		f, err := DefaultGraphFactory("card-0", types.CardConfig{Pipeline: tt.pipeline, Stream: "in.ts"})
		if (err != nil) != tt.wantErr {
			t.Errorf("DefaultGraphFactory(%q) error = %v, wantErr %v", tt.pipeline, err, tt.wantErr)
		}
		if err == nil && f == nil {
			t.Errorf("DefaultGraphFactory(%q) returned nil factory", tt.pipeline)
		}
	}
}

func TestListCards(t *testing.T) {
	s := newStack(t)

	resp := s.do(t, types.CardRequest{Command: types.CmdList, RequestID: "r1"})
	if !resp.OK || resp.RequestID != "r1" {
		t.Fatalf("list = %+v", resp)
	}
	if len(resp.Cards) != 1 || resp.Cards[0].ID != "card-0" || resp.Cards[0].State != "idle" {
		t.Errorf("cards = %+v", resp.Cards)
	}
	if got := s.app.Snapshots(); len(got) != 1 || got[0].Kind != types.DeliverySatellite.String() {
		t.Errorf("Snapshots() = %+v", got)
	}
}

func TestCardLifecycleThroughRequests(t *testing.T) {
	s := newStack(t)
	ts := filepath.Join(s.dir, "live.tsbuffer")
	rec := filepath.Join(s.dir, "show.ts")

	steps := []struct {
		req   types.CardRequest
		ok    bool
		state string
	}{
		{types.CardRequest{Command: types.CmdTimeShiftStart, Path: ts}, false, "idle"},
		{types.CardRequest{Command: types.CmdTune, Preset: "das-erste-hd"}, true, "created"},
		{types.CardRequest{Command: types.CmdRecordStart, Path: rec}, false, "created"},
		{types.CardRequest{Command: types.CmdTimeShiftStart, Path: ts}, true, "timeshifting"},
		{types.CardRequest{Command: types.CmdRecordStart, Path: rec, Recording: "reference"}, true, "recording"},
		{types.CardRequest{Command: types.CmdRecordStop}, true, "timeshifting"},
		{types.CardRequest{Command: types.CmdTimeShiftStop}, true, "created"},
		{types.CardRequest{Command: types.CmdDispose}, true, "idle"},
	}
	for i, step := range steps {
		step.req.Card = "card-0"
		resp := s.do(t, step.req)
		if resp.OK != step.ok {
			t.Fatalf("step %d %s: OK = %v, want %v (%s)", i, step.req.Command, resp.OK, step.ok, resp.Error)
		}
		if resp.Status == nil || resp.Status.State != step.state {
			t.Fatalf("step %d %s: status = %+v, want state %s", i, step.req.Command, resp.Status, step.state)
		}
	}

	if calls := strings.Join(s.graph.AnalyzerStage.CallLog(), ","); !strings.Contains(calls, "record") {
		t.Errorf("analyzer calls = %s", calls)
	}
}

func TestStartCardFailureClosesCard(t *testing.T) {
	s := newStack(t)
	cfg := s.infra.GetSystemConfig().Cards["card-0"]

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.app.startCard(ctx, "card-0", cfg, 10*time.Millisecond); !errors.Is(err, context.Canceled) {
		t.Fatalf("startCard() error = %v, want context.Canceled", err)
	}

	if s.infra.GetHAL().GetResourceManager().InUse("card-0") {
		t.Error("failed card left a device claim behind")
	}
	if s.dev.Closed() {
		t.Error("failed card closed the shared device")
	}
	if resp := s.do(t, types.CardRequest{Command: types.CmdTune, Card: "card-0", Preset: "das-erste-hd"}); !resp.OK {
		t.Errorf("running card after failed start = %+v", resp)
	}
}

func TestTuneRequestErrors(t *testing.T) {
	s := newStack(t)

	tests := []struct {
		name string
		req  types.CardRequest
		want string
	}{
		{"unknown card", types.CardRequest{Command: types.CmdTune, Card: "card-9", Preset: "das-erste-hd"}, "unknown card"},
		{"no channel", types.CardRequest{Command: types.CmdTune, Card: "card-0"}, "channel or preset"},
		{"unknown preset", types.CardRequest{Command: types.CmdTune, Card: "card-0", Preset: "nope"}, "not found"},
		{"bad recording type", types.CardRequest{Command: types.CmdRecordStart, Card: "card-0", Recording: "raw"}, "unknown recording type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.do(t, tt.req)
			if resp.OK || !strings.Contains(resp.Error, tt.want) {
				t.Errorf("response = %+v, want error containing %q", resp, tt.want)
			}
		})
	}
}

func TestCanTuneChecksKind(t *testing.T) {
	s := newStack(t)
	s.dev.ResetCalls()

	cable := &types.ChannelSpec{Kind: "cable", Name: "c1", Frequency: 346000, SymbolRate: 6900, Modulation: 64}
	resp := s.do(t, types.CardRequest{Command: types.CmdCanTune, Card: "card-0", Channel: cable})
	if resp.OK {
		t.Error("satellite card accepted a cable channel")
	}
	resp = s.do(t, types.CardRequest{Command: types.CmdCanTune, Card: "card-0", Preset: "das-erste-hd"})
	if !resp.OK {
		t.Errorf("can_tune preset = %+v", resp)
	}
	if n := len(s.dev.Calls()); n != 0 {
		t.Errorf("can_tune touched the device: %v", s.dev.Calls())
	}
}

func TestPresets(t *testing.T) {
	s := newStack(t)

	resp := s.do(t, types.CardRequest{Command: types.CmdPresets})
	if !resp.OK || len(resp.Presets) != 1 || resp.Presets[0] != "das-erste-hd" {
		t.Fatalf("presets = %+v", resp)
	}

	spec := &types.ChannelSpec{Kind: "satellite", Name: "Test", Frequency: 12188000, SymbolRate: 27500, Polarisation: "horizontal", Band: "universal"}
	resp = s.do(t, types.CardRequest{Command: types.CmdPresetAdd, Preset: "test", Channel: spec})
	if !resp.OK || len(resp.Presets) != 2 {
		t.Fatalf("preset_add = %+v", resp)
	}
	resp = s.do(t, types.CardRequest{Command: types.CmdTune, Card: "card-0", Preset: "test"})
	if !resp.OK {
		t.Fatalf("tune new preset = %+v", resp)
	}

	resp = s.do(t, types.CardRequest{Command: types.CmdPresetAdd, Preset: "test", Channel: spec})
	if resp.OK {
		t.Error("duplicate preset accepted")
	}
	resp = s.do(t, types.CardRequest{Command: types.CmdPresetRemove, Preset: "test"})
	if !resp.OK || len(resp.Presets) != 1 {
		t.Errorf("preset_remove = %+v", resp)
	}
}

func TestEventsReachIPCClients(t *testing.T) {
	s := newStack(t)

	port := s.infra.GetIPCServer().Addr().(*net.TCPAddr).Port
	cli := ipc.NewIPCClient(types.IPCConfig{Address: "127.0.0.1", Port: port, Timeout: 2 * time.Second})
	if err := cli.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer cli.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := cli.Request(ctx, types.CardRequest{Command: types.CmdTune, Card: "card-0", Preset: "das-erste-hd"})
	if err != nil || !resp.OK {
		t.Fatalf("tune over IPC = %+v, %v", resp, err)
	}

	for {
		select {
		case ev := <-cli.Events():
			if ev.Type == "tuned" {
				if ev.Card != "card-0" || !strings.Contains(ev.Channel, "Das Erste HD") {
					t.Errorf("tuned event = %+v", ev)
				}
				return
			}
		case <-ctx.Done():
			t.Fatal("no tuned event received")
		}
	}
}

func TestLinkEventsReachIPCClients(t *testing.T) {
	s := newStack(t)

	port := s.infra.GetIPCServer().Addr().(*net.TCPAddr).Port
	cli := ipc.NewIPCClient(types.IPCConfig{Address: "127.0.0.1", Port: port, Timeout: 2 * time.Second})
	if err := cli.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer cli.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// the server only broadcasts to clients it has registered
	if _, err := cli.Request(ctx, types.CardRequest{Command: types.CmdList}); err != nil {
		t.Fatalf("list over IPC: %v", err)
	}

	s.app.forwardLink(hal.LinkEvent{Device: "card-0", Status: comm.StatusError, Err: errors.New("no reply")})
	s.app.forwardLink(hal.LinkEvent{Device: "card-0", Status: comm.StatusDisconnected})

	want := []string{"link_error", "link_down"}
	for len(want) > 0 {
		select {
		case ev := <-cli.Events():
			if ev.Type != want[0] {
				continue
			}
			if ev.Card != "card-0" {
				t.Errorf("%s event card = %q", ev.Type, ev.Card)
			}
			if ev.Type == "link_error" && ev.Error != "no reply" {
				t.Errorf("link_error event = %+v", ev)
			}
			want = want[1:]
		case <-ctx.Done():
			t.Fatalf("missing events %v", want)
		}
	}
}

func TestHTTPAPI(t *testing.T) {
	s := newStack(t)
	srv := httptest.NewServer(NewHTTPHandler(s.app).SetupRoutes())
	defer srv.Close()

	get := func(path string) (int, types.CardResponse) {
		t.Helper()
		res, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		defer res.Body.Close()
		var out types.CardResponse
		if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
			t.Fatal(err)
		}
		return res.StatusCode, out
	}
	post := func(path, body string) (int, types.CardResponse) {
		t.Helper()
		res, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		defer res.Body.Close()
		var out types.CardResponse
		if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
			t.Fatal(err)
		}
		return res.StatusCode, out
	}

	res, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d", res.StatusCode)
	}

	if code, out := get("/api/cards"); code != http.StatusOK || len(out.Cards) != 1 {
		t.Errorf("GET /api/cards = %d %+v", code, out)
	}
	if code, _ := get("/api/cards/card-9"); code != http.StatusNotFound {
		t.Errorf("GET unknown card = %d", code)
	}
	if code, out := post("/api/cards/card-0/tune?preset=das-erste-hd", ""); code != http.StatusOK || out.Status.State != "created" {
		t.Errorf("POST tune preset = %d %+v", code, out)
	}
	if code, _ := post("/api/cards/card-0/tune", "{not json"); code != http.StatusBadRequest {
		t.Errorf("POST bad body = %d", code)
	}
	body := `{"channel":{"kind":"satellite","name":"Other","frequency":12188000,"symbol_rate":27500,"polarisation":"vertical","band":"universal"}}`
	if code, out := post("/api/cards/card-0/tune", body); code != http.StatusOK || !strings.Contains(out.Status.Channel, "Other") {
		t.Errorf("POST tune body = %d %+v", code, out)
	}
	if code, out := post("/api/cards/card-0/recording", "{}"); code != http.StatusConflict {
		t.Errorf("POST recording while not timeshifting = %d %+v", code, out)
	}
	if code, out := get("/api/cards/card-0/signal"); code != http.StatusOK || out.Status == nil {
		t.Errorf("GET signal = %d %+v", code, out)
	}
	if code, out := post("/api/cards/card-0/dispose", ""); code != http.StatusOK || out.Status.State != "idle" {
		t.Errorf("POST dispose = %d %+v", code, out)
	}
}
