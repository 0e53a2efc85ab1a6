package signalmon

import (
	"context"
	"testing"
	"time"

	"tvcard/internal/hardware/sim"
	"tvcard/internal/hardware/tuner"
	"tvcard/pkg/types"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newMonitor(dev *sim.Device) (*Monitor, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(dev, DefaultInterval, WithClock(clock.Now)), clock
}

func TestReadThrottle(t *testing.T) {
	ctx := context.Background()
	dev := sim.New(types.DeliverySatellite)
	m, clock := newMonitor(dev)

	first := m.Read(ctx, true)
	if dev.Count("signal") != 1 {
		t.Fatalf("signal queries = %d, want 1", dev.Count("signal"))
	}
	if !first.Locked || first.Level != 80 || first.Quality != 70 {
		t.Errorf("first = %+v", first)
	}

	dev.SetSignal(10, 10, tuner.StatusOK)
	clock.Advance(4000 * time.Millisecond)
	if got := m.Read(ctx, true); got != first {
		t.Errorf("read within 4000ms = %+v, want cached %+v", got, first)
	}
	if dev.Count("signal") != 1 {
		t.Error("hardware queried inside the throttle window")
	}

	clock.Advance(1000 * time.Millisecond)
	got := m.Read(ctx, true)
	if dev.Count("signal") != 2 {
		t.Fatalf("signal queries = %d, want 2", dev.Count("signal"))
	}
	if got.Level != 10 || !got.SampledAt.Equal(clock.Now()) {
		t.Errorf("fresh read = %+v", got)
	}
}

func TestReadInactive(t *testing.T) {
	dev := sim.New(types.DeliverySatellite)
	m, _ := newMonitor(dev)

	if got := m.Read(context.Background(), false); got != (types.SignalReading{}) {
		t.Errorf("inactive read = %+v, want zero", got)
	}
	if len(dev.Calls()) != 0 {
		t.Errorf("inactive read touched hardware: %v", dev.Calls())
	}
}

func TestReadClamps(t *testing.T) {
	tests := []struct {
		name           string
		level, quality int
		st             tuner.Status
		wantL, wantQ   int
	}{
		{"above", 150, 101, tuner.StatusOK, 100, 100},
		{"below", -5, -1, tuner.StatusOK, 0, 0},
		{"in range", 42, 58, tuner.StatusOK, 42, 58},
		{"failed query", 42, 58, tuner.StatusTransport, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := sim.New(types.DeliveryCable)
			dev.SetSignal(tt.level, tt.quality, tt.st)
			m, _ := newMonitor(dev)
			got := m.Read(context.Background(), true)
			if got.Level != tt.wantL || got.Quality != tt.wantQ {
				t.Errorf("Read() = %+v, want level %d quality %d", got, tt.wantL, tt.wantQ)
			}
		})
	}
}

func TestReadNotLocked(t *testing.T) {
	dev := sim.New(types.DeliveryCable)
	dev.SetLockStatus(tuner.StatusNotLocked)
	m, _ := newMonitor(dev)
	if got := m.Read(context.Background(), true); got.Locked {
		t.Errorf("Read() = %+v, want unlocked", got)
	}
}

func TestInvalidate(t *testing.T) {
	dev := sim.New(types.DeliverySatellite)
	m, _ := newMonitor(dev)
	m.Read(context.Background(), true)
	m.Invalidate()
	m.Read(context.Background(), true)
	if dev.Count("signal") != 2 {
		t.Errorf("signal queries = %d, want 2", dev.Count("signal"))
	}
}
