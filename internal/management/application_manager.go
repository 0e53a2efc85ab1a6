package management

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tvcard/internal/card"
	"tvcard/internal/config"
	"tvcard/internal/core"
	"tvcard/internal/hal"
	"tvcard/internal/hardware/comm"
	"tvcard/internal/logging"
	"tvcard/internal/pipeline"
	"tvcard/internal/pipeline/gstgraph"
	"tvcard/internal/pipeline/tsgraph"
	"tvcard/pkg/types"
)

// GraphFactory chooses the pipeline implementation for a card.
type GraphFactory func(id types.DeviceID, cfg types.CardConfig) (pipeline.NewGraphFunc, error)

// DefaultGraphFactory builds the pure Go transport stream graph, or the
// GStreamer graph for cards configured with pipeline "gst".
func DefaultGraphFactory(id types.DeviceID, cfg types.CardConfig) (pipeline.NewGraphFunc, error) {
	switch cfg.Pipeline {
	case "", "ts":
		return tsgraph.Factory(tsgraph.Config{Stream: cfg.Stream}), nil
	case "gst":
		return gstgraph.Factory(gstgraph.Config{Stream: cfg.Stream}), nil
	}
	return nil, fmt.Errorf("card %s: unsupported pipeline %q", id, cfg.Pipeline)
}

// ApplicationManager runs the cards on top of the infrastructure and answers
// control requests for them.
type ApplicationManager struct {
	infrastructure *InfrastructureManager
	graphFactory   GraphFactory

	cardsLock sync.RWMutex
	cards     map[types.DeviceID]*card.Card
	order     []types.DeviceID
	cardCfgs  map[types.DeviceID]types.CardConfig

	commandRouter *core.CommandRouter
	logger        *logging.Logger
}

type Option func(*ApplicationManager)

// WithGraphFactory replaces DefaultGraphFactory.
func WithGraphFactory(f GraphFactory) Option {
	return func(am *ApplicationManager) { am.graphFactory = f }
}

func NewApplicationManager(infrastructure *InfrastructureManager, opts ...Option) *ApplicationManager {
	am := &ApplicationManager{
		infrastructure: infrastructure,
		graphFactory:   DefaultGraphFactory,
		cards:          make(map[types.DeviceID]*card.Card),
		logger:         logging.GetLogger("application"),
	}
	for _, opt := range opts {
		opt(am)
	}

	am.commandRouter = core.NewCommandRouter(am.logger)
	am.commandRouter.RegisterHandler(NewCardHandler(am, infrastructure.GetConfigManager()))
	am.commandRouter.RegisterHandler(NewConfigHandler(infrastructure.GetConfigManager(), am.logger))
	for name, commands := range am.commandRouter.GetRegisteredHandlers() {
		am.logger.Debug("Registered handler", "handler", name, "commands", commands)
	}
	return am
}

// Start creates and starts one card per configured device, then begins
// serving control requests. The infrastructure must already be started.
func (am *ApplicationManager) Start(ctx context.Context) error {
	am.logger.Info("Starting application layer")

	systemConfig := am.infrastructure.GetSystemConfig()
	devices := am.infrastructure.GetHAL().GetDeviceManager()

	ids := make([]types.DeviceID, 0, len(systemConfig.Cards))
	for id := range systemConfig.Cards {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		cfg := systemConfig.Cards[id]
		c, err := am.startCard(ctx, id, cfg, systemConfig.EventLoopInterval)
		if err != nil {
			am.stopCards()
			return err
		}
		am.cardsLock.Lock()
		am.cards[id] = c
		am.order = append(am.order, id)
		am.cardsLock.Unlock()
		am.logger.Info("Card started", "card", id, "kind", c.Kind().String(), "pipeline", cfg.Pipeline)
	}
	am.cardsLock.Lock()
	am.cardCfgs = systemConfig.Cards
	am.cardsLock.Unlock()

	devices.OnLinkEvent(am.forwardLink)
	am.infrastructure.GetIPCServer().ServeRequests(am)
	am.infrastructure.WatchConfigChanges(am.onConfigChange)

	am.logger.Info("Application layer started", "cards", len(ids), "devices", devices.GetDeviceCount())
	return nil
}

func (am *ApplicationManager) startCard(ctx context.Context, id types.DeviceID, cfg types.CardConfig, interval time.Duration) (*card.Card, error) {
	dev, err := am.infrastructure.GetHAL().GetDeviceManager().GetDevice(id)
	if err != nil {
		return nil, err
	}
	newGraph, err := am.graphFactory(id, cfg)
	if err != nil {
		return nil, err
	}

	c, err := card.New(ctx, card.Config{
		ID:           id,
		Card:         cfg,
		Device:       dev,
		Claims:       am.infrastructure.GetHAL().GetResourceManager(),
		NewGraph:     newGraph,
		LoopInterval: interval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create card %s: %w", id, err)
	}
	forwarder := am.eventForwarder(id)
	c.Subscribe(forwarder)

	if err := c.Start(ctx); err != nil {
		c.Unsubscribe(forwarder.Name())
		if cerr := c.Close(); cerr != nil {
			am.logger.Warn("Failed to close card after start failure", "card", id, "error", cerr)
		}
		return nil, fmt.Errorf("failed to start card %s: %w", id, err)
	}
	return c, nil
}

// forwardLink broadcasts a tuner control link change as an event of the
// card that owns the tuner.
func (am *ApplicationManager) forwardLink(ev hal.LinkEvent) {
	rec := types.CardEventRecord{
		Card:      ev.Device,
		To:        ev.Status.String(),
		Timestamp: time.Now(),
	}
	switch {
	case ev.Err != nil:
		rec.Type = string(core.EventTypeLinkError)
		rec.Error = ev.Err.Error()
	case ev.Status == comm.StatusConnected:
		rec.Type = string(core.EventTypeLinkUp)
	default:
		rec.Type = string(core.EventTypeLinkDown)
	}
	if err := am.broadcast(rec); err != nil {
		am.logger.Debug("Link event not broadcast", "card", ev.Device, "error", err)
	}
}

// eventForwarder broadcasts the card's events to control clients.
func (am *ApplicationManager) eventForwarder(id types.DeviceID) core.EventHandler {
	return core.HandlerFunc{
		HandlerName: "ipc-" + string(id),
		Fn: func(ev core.Event) error {
			rec := types.CardEventRecord{
				Type:      string(ev.Type()),
				Card:      id,
				Timestamp: ev.Timestamp(),
			}
			if ce, ok := ev.(*core.CardEvent); ok {
				rec.From, rec.To = ce.From, ce.To
				rec.Channel, rec.Path = ce.Channel, ce.Path
				if ce.Error != nil {
					rec.Error = ce.Error.Error()
				}
			}
			return am.broadcast(rec)
		},
	}
}

func (am *ApplicationManager) broadcast(rec types.CardEventRecord) error {
	return am.infrastructure.GetIPCServer().Broadcast(types.IPCMessage{
		Type:      types.MsgCardEvent,
		Source:    "server",
		Event:     &rec,
		Timestamp: time.Now(),
		ID:        uuid.NewString(),
	})
}

// onConfigChange applies what can change at runtime: the logging level and
// channel presets, which are read per request. Card changes need a restart.
func (am *ApplicationManager) onConfigChange(systemConfig types.SystemConfig) {
	if err := logging.GetManager().UpdateConfig(config.LoggingConfig(systemConfig.Logging)); err != nil {
		am.logger.Warn("Failed to apply logging config", "error", err)
	}

	am.cardsLock.RLock()
	changed := !reflect.DeepEqual(am.cardCfgs, systemConfig.Cards)
	am.cardsLock.RUnlock()
	if changed {
		am.logger.Warn("Card configuration changed; restart to apply")
	}

	if err := am.broadcast(types.CardEventRecord{
		Type:      string(core.EventTypeConfigReload),
		Timestamp: time.Now(),
	}); err != nil {
		am.logger.Warn("Failed to broadcast config reload", "error", err)
	}
}

// Stop disposes and stops every card. The infrastructure is left running.
func (am *ApplicationManager) Stop() error {
	am.logger.Info("Stopping application layer")
	if err := am.stopCards(); err != nil {
		return err
	}
	am.logger.Info("Application layer stopped")
	return nil
}

func (am *ApplicationManager) stopCards() error {
	am.cardsLock.Lock()
	cards := am.cards
	order := am.order
	am.cards = make(map[types.DeviceID]*card.Card)
	am.order = nil
	am.cardsLock.Unlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		if err := cards[order[i]].Close(); err != nil {
			errs = append(errs, fmt.Errorf("card %s: %w", order[i], err))
		}
	}
	return errors.Join(errs...)
}

// HandleRequest answers a control request. It serves both the IPC socket
// and the HTTP API.
func (am *ApplicationManager) HandleRequest(ctx context.Context, req types.CardRequest) types.CardResponse {
	return *am.commandRouter.RouteCommand(ctx, &req)
}

// Card looks up a running card.
func (am *ApplicationManager) Card(id types.DeviceID) (*card.Card, bool) {
	am.cardsLock.RLock()
	defer am.cardsLock.RUnlock()
	c, ok := am.cards[id]
	return c, ok
}

// Cards lists the running cards in configuration order.
func (am *ApplicationManager) Cards() []*card.Card {
	am.cardsLock.RLock()
	defer am.cardsLock.RUnlock()
	out := make([]*card.Card, 0, len(am.order))
	for _, id := range am.order {
		out = append(out, am.cards[id])
	}
	return out
}

// Snapshots returns the status of every card without touching their loops.
func (am *ApplicationManager) Snapshots() []types.CardStatus {
	cards := am.Cards()
	out := make([]types.CardStatus, 0, len(cards))
	for _, c := range cards {
		out = append(out, c.Snapshot())
	}
	return out
}
