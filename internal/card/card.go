// Package card runs one tuner card: its graph state machine, tuning, PID
// filter and signal sampling. All mutation happens on the card's own event
// loop; the exported methods submit commands to it and wait for the result.
package card

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

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

// Config wires a card to its device and collaborators.
type Config struct {
	ID       types.DeviceID
	Card     types.CardConfig
	Device   tuner.Device
	Claims   *hal.ResourceManager
	NewGraph pipeline.NewGraphFunc

	// LoopInterval is the tick of the card loop; signal sampling runs on it.
	LoopInterval time.Duration
	// Clock overrides time.Now for signal throttling.
	Clock func() time.Time
}

type Card struct {
	g      *graph
	loop   *core.EventLoop
	status atomic.Pointer[types.CardStatus]
	state  atomic.Int32
	logger *logging.Logger
}

// New probes the device and assembles the card. The loop is not started.
func New(ctx context.Context, cfg Config) (*Card, error) {
	if cfg.Device == nil {
		return nil, fmt.Errorf("card %s: no device", cfg.ID)
	}
	if cfg.Claims == nil {
		return nil, fmt.Errorf("card %s: no claim registry", cfg.ID)
	}
	if cfg.NewGraph == nil {
		return nil, fmt.Errorf("card %s: no pipeline factory", cfg.ID)
	}
	logger := logging.GetLogger("card").With("card", string(cfg.ID))

	kind, err := probeKind(ctx, cfg.Device, cfg.Card.Kind, logger)
	if err != nil {
		return nil, fmt.Errorf("card %s: %w", cfg.ID, err)
	}
	policy, err := pidfilter.ParsePolicy(cfg.Card.PidPolicy)
	if err != nil {
		return nil, fmt.Errorf("card %s: %w", cfg.ID, err)
	}

	var monOpts []signalmon.Option
	monOpts = append(monOpts, signalmon.WithLogger(logger.With("component", "signal")))
	if cfg.Clock != nil {
		monOpts = append(monOpts, signalmon.WithClock(cfg.Clock))
	}

	loop := core.NewEventLoop(string(cfg.ID), cfg.LoopInterval)
	cfg.Claims.Register(cfg.ID)

	g := &graph{
		id:      cfg.ID,
		session: uuid.NewString(),
		kind:    kind,
		loop:    loop,
		dev:     cfg.Device,
		claims:  cfg.Claims,
		orch:    pipeline.NewOrchestrator(string(cfg.ID), cfg.NewGraph, logger.With("component", "pipeline")),
		applier: tuning.NewApplier(cfg.Device, cfg.Card.CommitAttempts, logger.With("component", "tuning")),
		pids:    pidfilter.NewManager(cfg.Device, policy, logger.With("component", "pidfilter")),
		signal:  signalmon.New(cfg.Device, cfg.Card.SignalInterval, monOpts...),
		opts:    tuning.Options{LnbToneKHz: cfg.Card.LnbToneKHz},
		events:  core.NewDispatcher(),
		state:   types.GraphIdle,
		logger:  logger,
	}
	c := &Card{g: g, loop: loop, logger: logger}
	c.refresh()

	if err := loop.RegisterModule(&signalModule{card: c}); err != nil {
		return nil, err
	}
	logger.Info("Card ready", "kind", kind.String(), "pid_policy", policy.String(), "session", g.session)
	return c, nil
}

// probeKind asks the hardware for its delivery system. The hardware answer
// wins over the configured kind; an unrecognized tuner is treated as
// satellite.
func probeKind(ctx context.Context, dev tuner.Device, configured string, logger *logging.Logger) (types.DeliverySystem, error) {
	var (
		want    types.DeliverySystem
		hasWant bool
	)
	if configured != "" {
		k, err := types.ParseDeliverySystem(configured)
		if err != nil {
			return 0, err
		}
		want, hasWant = k, true
	}

	caps, st := dev.Capabilities(ctx)
	if !st.OK() {
		if !hasWant {
			return 0, fmt.Errorf("capability probe failed: %s", st)
		}
		logger.Warn("Capability probe failed, using configured kind", "status", st.String(), "kind", want.String())
		return want, nil
	}
	if !caps.Known {
		logger.Warn("Unknown tuner type, assuming satellite", "firmware", caps.FirmwareID)
	}
	if hasWant && want != caps.Delivery {
		logger.Warn("Configured kind disagrees with hardware", "configured", want.String(), "hardware", caps.Delivery.String())
	}
	return caps.Delivery, nil
}

func (c *Card) ID() types.DeviceID { return c.g.id }

// Kind is the delivery system the card receives. It never changes.
func (c *Card) Kind() types.DeliverySystem { return c.g.kind }

func (c *Card) Start(ctx context.Context) error {
	return c.loop.Start(ctx)
}

// Close disposes the card and stops its loop.
func (c *Card) Close() error {
	if err := c.Dispose(context.Background()); err != nil && err != core.ErrLoopStopped {
		c.logger.Warn("Dispose on close failed", "error", err)
	}
	if err := c.loop.Stop(); err != nil && err != core.ErrLoopStopped {
		return err
	}
	if holder, ok := c.g.claims.Holder(c.g.id); ok && holder == c.g.session {
		c.g.claims.Release(c.g.id)
	}
	return nil
}

// Subscribe registers h for card events.
func (c *Card) Subscribe(h core.EventHandler) { c.g.events.Subscribe(h) }

// Unsubscribe removes the handler registered under name.
func (c *Card) Unsubscribe(name string) { c.g.events.Unsubscribe(name) }

// do runs fn on the card loop and refreshes the published status.
func (c *Card) do(ctx context.Context, fn func(o *core.Owner)) error {
	return c.loop.Submit(ctx, func(o *core.Owner) {
		defer c.refresh()
		fn(o)
	})
}

func (c *Card) refresh() {
	st := c.g.status()
	c.status.Store(&st)
	c.state.Store(int32(c.g.state))
}

// Tune tunes ch, building the pipeline first when the card is idle. It
// reports false when the hardware rejected the tune; the previous channel
// stays current. The error is only set when the loop did not run the call.
func (c *Card) Tune(ctx context.Context, ch types.Channel) (bool, error) {
	var ok bool
	err := c.do(ctx, func(o *core.Owner) { ok = c.g.tune(ctx, o, ch) })
	return ok, err
}

// TuneScan tunes and makes sure the pipeline is running.
func (c *Card) TuneScan(ctx context.Context, ch types.Channel) (bool, error) {
	var ok bool
	err := c.do(ctx, func(o *core.Owner) { ok = c.g.tuneScan(ctx, o, ch) })
	return ok, err
}

// CanTune reports whether ch is of the card's delivery system. It touches
// neither the hardware nor the loop.
func (c *Card) CanTune(ch types.Channel) bool {
	return c.g.canTune(ch)
}

func (c *Card) StartTimeShifting(ctx context.Context, path string) (bool, error) {
	var (
		ok    bool
		opErr error
	)
	if err := c.do(ctx, func(o *core.Owner) { ok, opErr = c.g.startTimeShifting(o, path) }); err != nil {
		return false, err
	}
	return ok, opErr
}

func (c *Card) StopTimeShifting(ctx context.Context) (bool, error) {
	var ok bool
	err := c.do(ctx, func(o *core.Owner) { ok = c.g.stopTimeShifting(o) })
	return ok, err
}

func (c *Card) StartRecording(ctx context.Context, kind types.RecordingType, path string, startHint time.Time) (bool, error) {
	var (
		ok    bool
		opErr error
	)
	if err := c.do(ctx, func(o *core.Owner) { ok, opErr = c.g.startRecording(o, kind, path, startHint) }); err != nil {
		return false, err
	}
	return ok, opErr
}

func (c *Card) StopRecording(ctx context.Context) (bool, error) {
	var ok bool
	err := c.do(ctx, func(o *core.Owner) { ok = c.g.stopRecording(o) })
	return ok, err
}

// Dispose releases the pipeline and the device claim. It never fails on the
// card's side; an error means the loop did not run it.
func (c *Card) Dispose(ctx context.Context) error {
	return c.do(ctx, func(o *core.Owner) { c.g.dispose(ctx, o) })
}

// Signal samples the tuner, throttled to the configured interval.
func (c *Card) Signal(ctx context.Context) (types.SignalReading, error) {
	var r types.SignalReading
	err := c.do(ctx, func(o *core.Owner) { r = c.g.readSignal(ctx, o) })
	return r, err
}

// GraphState is the state after the last completed command.
func (c *Card) GraphState() types.GraphState {
	return types.GraphState(c.state.Load())
}

// Snapshot is the status after the last completed command or signal tick.
func (c *Card) Snapshot() types.CardStatus {
	return *c.status.Load()
}

// signalModule samples the signal on every loop tick so snapshots stay
// current without a caller asking.
type signalModule struct {
	card *Card
	ctx  context.Context
}

func (m *signalModule) Name() string { return "signal" }

func (m *signalModule) Start(ctx context.Context) error {
	m.ctx = ctx
	return nil
}

func (m *signalModule) Stop() error { return nil }

func (m *signalModule) Process(o *core.Owner) error {
	ctx := m.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	m.card.g.readSignal(ctx, o)
	m.card.refresh()
	return nil
}
