package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tvcard/pkg/types"
)

const sampleConfig = `
cards:
  card-0:
    kind: satellite
    stream: testdata/sample.ts
  card-1:
    kind: dvb-c
    protocol: modbus
    endpoint: tcp://10.0.0.5:502
    pid_policy: explicit
    commit_attempts: 2
channels:
  erste:
    kind: satellite
    frequency: 11494000
    symbol_rate: 22000
    polarisation: h
    network_id: 1
    transport_id: 1089
    service_id: 28006
    pmt_pid: 5100
  local:
    kind: atsc
    physical_channel: 20
`

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.EventLoopInterval != DefaultEventLoopInterval {
		t.Errorf("EventLoopInterval = %v, want %v", cfg.EventLoopInterval, DefaultEventLoopInterval)
	}
	if cfg.HTTP.MetricsPath != DefaultMetricsPath {
		t.Errorf("MetricsPath = %q, want %q", cfg.HTTP.MetricsPath, DefaultMetricsPath)
	}

	card := cfg.Cards["card-0"]
	tests := []struct {
		name string
		got  any
		want any
	}{
		{"protocol", card.Protocol, "sim"},
		{"device path", card.DevicePath, "card-0"},
		{"pipeline", card.Pipeline, "ts"},
		{"pid policy", card.PidPolicy, "capture_all"},
		{"lnb tone", card.LnbToneKHz, DefaultLnbToneKHz},
		{"commit attempts", card.CommitAttempts, DefaultCommitAttempts},
		{"signal interval", card.SignalInterval, DefaultSignalInterval},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}

	if got := cfg.Cards["card-1"].CommitAttempts; got != 2 {
		t.Errorf("explicit commit attempts = %d, want 2", got)
	}
	if got := cfg.Channels["erste"].Name; got != "erste" {
		t.Errorf("preset name = %q, want key as default", got)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{"no cards", "channels: {}\n", "at least one card"},
		{"bad kind", "cards:\n  c:\n    kind: radio\n", "unknown delivery system"},
		{"modbus without endpoint", "cards:\n  c:\n    kind: cable\n    protocol: modbus\n", "endpoint"},
		{"bad tone", "cards:\n  c:\n    kind: satellite\n    lnb_tone_khz: 30\n", "lnb tone"},
		{"too many commits", "cards:\n  c:\n    kind: satellite\n    commit_attempts: 10\n", "commit attempts"},
		{"bad preset", "cards:\n  c:\n    kind: cable\nchannels:\n  x:\n    kind: cable\n    modulation: 100\n", "unsupported modulation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Parse() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestGetChannel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tvcard.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0644); err != nil {
		t.Fatal(err)
	}

	cm := NewConfigManager(path)
	if err := cm.LoadConfig(""); err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	ch, err := cm.GetChannel("erste")
	if err != nil {
		t.Fatalf("GetChannel() error = %v", err)
	}
	sat, ok := ch.(types.SatelliteChannel)
	if !ok {
		t.Fatalf("GetChannel() = %T, want SatelliteChannel", ch)
	}
	if sat.Frequency != 11494000 || sat.PmtPID != 5100 || !sat.IsService() {
		t.Errorf("unexpected channel %+v", sat)
	}

	atsc, err := cm.GetChannel("local")
	if err != nil {
		t.Fatalf("GetChannel(local) error = %v", err)
	}
	if atsc.Info().IsService() {
		t.Error("preset without ids should not be a service")
	}

	if _, err := cm.GetChannel("missing"); err == nil {
		t.Error("expected error for unknown preset")
	}

	if got := cm.ListChannels(); len(got) != 2 || got[0] != "erste" {
		t.Errorf("ListChannels() = %v", got)
	}
}

func TestAddChannelPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tvcard.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0644); err != nil {
		t.Fatal(err)
	}
	cm := NewConfigManager(path)
	if err := cm.LoadConfig(""); err != nil {
		t.Fatal(err)
	}

	notified := make(chan types.SystemConfig, 1)
	cm.WatchChanges(func(c types.SystemConfig) { notified <- c })

	if err := cm.AddChannel("mux", types.ChannelSpec{Kind: "cable", Frequency: 346000, SymbolRate: 6900, Modulation: 256}); err != nil {
		t.Fatalf("AddChannel() error = %v", err)
	}
	if err := cm.AddChannel("mux", types.ChannelSpec{Kind: "cable"}); err == nil {
		t.Error("expected duplicate preset to be rejected")
	}

	select {
	case c := <-notified:
		if _, ok := c.Channels["mux"]; !ok {
			t.Error("watcher did not see the new preset")
		}
	case <-time.After(time.Second):
		t.Fatal("watcher not notified")
	}

	reloaded := NewConfigManager(path)
	if err := reloaded.LoadConfig(""); err != nil {
		t.Fatal(err)
	}
	ch, err := reloaded.GetChannel("mux")
	if err != nil {
		t.Fatalf("preset not persisted: %v", err)
	}
	if cable := ch.(types.CableChannel); cable.Modulation != types.ModulationQAM256 {
		t.Errorf("Modulation = %v, want QAM256", cable.Modulation)
	}
}

func TestWatchReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tvcard.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0644); err != nil {
		t.Fatal(err)
	}
	cm := NewConfigManager(path)
	cm.pollInterval = 10 * time.Millisecond
	if err := cm.LoadConfig(""); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan types.SystemConfig, 1)
	cm.WatchChanges(func(c types.SystemConfig) { reloaded <- c })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := cm.StartWatching(ctx); err != nil {
		t.Fatal(err)
	}
	defer cm.StopWatching()

	updated := sampleConfig + "event_loop_interval: 2s\n"
	future := time.Now().Add(time.Minute)
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-reloaded:
		if c.EventLoopInterval != 2*time.Second {
			t.Errorf("EventLoopInterval = %v, want 2s", c.EventLoopInterval)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("config not reloaded")
	}
}
