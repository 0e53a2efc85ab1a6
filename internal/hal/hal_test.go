package hal

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"tvcard/internal/hardware"
	"tvcard/internal/hardware/comm"
	"tvcard/internal/hardware/sim"
	"tvcard/internal/hardware/tuner"
	"tvcard/pkg/types"
)

func TestClaimIsExclusive(t *testing.T) {
	rm := NewResourceManager()

	const sessions = 32
	var won atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if rm.Claim("card-0", string(rune('a'+i))) {
				won.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if got := won.Load(); got != 1 {
		t.Fatalf("%d sessions claimed the device, want 1", got)
	}
	if !rm.InUse("card-0") {
		t.Error("device should be in use")
	}
}

func TestClaimRelease(t *testing.T) {
	rm := NewResourceManager()

	t.Run("reclaim by same owner", func(t *testing.T) {
		if !rm.Claim("card-1", "s1") || !rm.Claim("card-1", "s1") {
			t.Error("same owner should be able to claim twice")
		}
	})

	t.Run("other owner refused", func(t *testing.T) {
		err := rm.ClaimErr("card-1", "s2")
		if !errors.Is(err, ErrDeviceInUse) {
			t.Errorf("ClaimErr() = %v, want ErrDeviceInUse", err)
		}
		if holder, _ := rm.Holder("card-1"); holder != "s1" {
			t.Errorf("Holder() = %q, want s1", holder)
		}
	})

	t.Run("release frees", func(t *testing.T) {
		rm.Release("card-1")
		rm.Release("card-1")
		if rm.InUse("card-1") {
			t.Error("device still in use after release")
		}
		if !rm.Claim("card-1", "s2") {
			t.Error("claim after release should succeed")
		}
	})

	t.Run("stop releases all", func(t *testing.T) {
		rm.Claim("card-2", "s3")
		if err := rm.Stop(); err != nil {
			t.Fatal(err)
		}
		for _, r := range rm.Resources() {
			if r.Allocated {
				t.Errorf("%s still allocated after Stop", r.ID)
			}
		}
	})
}

func TestHALStartStop(t *testing.T) {
	cfg := types.SystemConfig{
		Cards: map[types.DeviceID]types.CardConfig{
			"sat":  {Kind: "satellite", Protocol: "sim"},
			"dvbc": {Kind: "cable", Protocol: "sim"},
		},
	}
	h := NewHardwareAbstractionLayer(cfg, hardware.NewHardwareFactory())
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if n := h.GetDeviceManager().GetDeviceCount(); n != 2 {
		t.Errorf("device count = %d, want 2", n)
	}
	if _, err := h.GetDeviceManager().GetDevice("sat"); err != nil {
		t.Error(err)
	}
	if len(h.GetResourceManager().Resources()) != 2 {
		t.Error("configured cards should be registered")
	}
	if err := h.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if _, err := h.GetDeviceManager().GetDevice("sat"); err == nil {
		t.Error("device should be gone after Stop")
	}
}

func TestHALStartFailureClosesOpened(t *testing.T) {
	cfg := types.SystemConfig{
		Cards: map[types.DeviceID]types.CardConfig{
			"a": {Kind: "satellite", Protocol: "sim"},
			"b": {Kind: "satellite", Protocol: "carrier-pigeon"},
		},
	}
	h := NewHardwareAbstractionLayer(cfg, nil)
	if err := h.Start(context.Background()); err == nil {
		t.Fatal("Start() should fail for an unknown protocol")
	}
	if n := h.GetDeviceManager().GetDeviceCount(); n != 0 {
		t.Errorf("device count = %d after failed start, want 0", n)
	}
}

// linkedTuner is a simulated tuner behind a control link.
type linkedTuner struct {
	*sim.Device
	*comm.BaseCommunication
}

func (l *linkedTuner) Connect(context.Context) error {
	l.SetStatus(comm.StatusConnected)
	l.EmitConnected()
	return nil
}

func (l *linkedTuner) Disconnect(context.Context) error {
	l.SetStatus(comm.StatusDisconnected)
	l.EmitDisconnected()
	return nil
}

func (l *linkedTuner) Close() error {
	l.Device.Close()
	return l.Disconnect(context.Background())
}

func TestDeviceManagerReportsLinkChanges(t *testing.T) {
	dev := &linkedTuner{
		Device:            sim.New(types.DeliveryCable),
		BaseCommunication: comm.NewBaseCommunication("test", comm.ConnectionConfig{}),
	}
	factory := hardware.NewHardwareFactory()
	factory.Register("linked", func(ctx context.Context, _ types.DeviceID, _ types.CardConfig) (tuner.Device, error) {
		return dev, dev.Connect(ctx)
	})

	dm := NewDeviceManager(map[types.DeviceID]types.CardConfig{
		"dvbc": {Kind: "cable", Protocol: "linked"},
		"sat":  {Kind: "satellite", Protocol: "sim"},
	}, factory)

	var (
		mu     sync.Mutex
		events []LinkEvent
	)
	dm.OnLinkEvent(func(ev LinkEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})

	if err := dm.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if st, ok := dm.LinkStatus("dvbc"); !ok || st != comm.StatusConnected {
		t.Errorf("LinkStatus(dvbc) = %v, %v, want connected", st, ok)
	}
	if _, ok := dm.LinkStatus("sat"); ok {
		t.Error("simulated tuner should have no link status")
	}

	crc := errors.New("crc mismatch")
	dev.SetStatus(comm.StatusError)
	dev.HandleWithError(crc)
	if st, _ := dm.LinkStatus("dvbc"); st != comm.StatusError {
		t.Errorf("LinkStatus after error = %v", st)
	}

	if err := dm.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("events = %+v, want error then disconnect", events)
	}
	if events[0].Device != "dvbc" || !errors.Is(events[0].Err, crc) || events[0].Status != comm.StatusError {
		t.Errorf("first event = %+v", events[0])
	}
	if events[1].Status != comm.StatusDisconnected || events[1].Err != nil {
		t.Errorf("second event = %+v", events[1])
	}
}
