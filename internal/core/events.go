package core

import (
	"sync"
	"time"

	"tvcard/internal/logging"
)

// Event is something a card reports to its observers.
type Event interface {
	Type() EventType
	Source() string
	Timestamp() time.Time
}

type EventType string

const (
	EventTypeStateChanged     EventType = "state_changed"
	EventTypeTuned            EventType = "tuned"
	EventTypeTuneFailed       EventType = "tune_failed"
	EventTypeRecordingStarted EventType = "recording_started"
	EventTypeRecordingStopped EventType = "recording_stopped"
	EventTypeDisposed         EventType = "disposed"
	EventTypeConfigReload     EventType = "config_reload"
	EventTypeLinkUp           EventType = "link_up"
	EventTypeLinkDown         EventType = "link_down"
	EventTypeLinkError        EventType = "link_error"
)

// BaseEvent is embedded by concrete events.
type BaseEvent struct {
	eventType EventType
	source    string
	timestamp time.Time
}

func NewBaseEvent(eventType EventType, source string) BaseEvent {
	return BaseEvent{
		eventType: eventType,
		source:    source,
		timestamp: time.Now(),
	}
}

func (be BaseEvent) Type() EventType      { return be.eventType }
func (be BaseEvent) Source() string       { return be.source }
func (be BaseEvent) Timestamp() time.Time { return be.timestamp }

// CardEvent carries a card's state after an operation.
type CardEvent struct {
	BaseEvent
	DeviceID string
	From, To string
	Channel  string
	Path     string
	Error    error
}

func NewCardEvent(eventType EventType, deviceID string) *CardEvent {
	return &CardEvent{
		BaseEvent: NewBaseEvent(eventType, "card"),
		DeviceID:  deviceID,
	}
}

// EventHandler receives events it subscribed to. An empty subscription list
// receives everything.
type EventHandler interface {
	HandleEvent(event Event) error
	GetSubscribedEvents() []EventType
	Name() string
}

// Dispatcher fans events out to handlers. Handler errors and panics are
// logged and never reach the publisher.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []EventHandler
	logger   *logging.Logger
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{logger: logging.GetLogger("events")}
}

func (d *Dispatcher) Subscribe(h EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

func (d *Dispatcher) Unsubscribe(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, h := range d.handlers {
		if h.Name() == name {
			d.handlers = append(d.handlers[:i], d.handlers[i+1:]...)
			return
		}
	}
}

func subscribed(h EventHandler, t EventType) bool {
	types := h.GetSubscribedEvents()
	if len(types) == 0 {
		return true
	}
	for _, st := range types {
		if st == t {
			return true
		}
	}
	return false
}

func (d *Dispatcher) Publish(ev Event) {
	d.mu.RLock()
	handlers := make([]EventHandler, len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.RUnlock()

	for _, h := range handlers {
		if !subscribed(h, ev.Type()) {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("Event handler panic", "handler", h.Name(), "panic", r)
				}
			}()
			if err := h.HandleEvent(ev); err != nil {
				d.logger.Warn("Event handler failed", "handler", h.Name(), "event", ev.Type(), "error", err)
			}
		}()
	}
}

// HandlerFunc adapts a function to EventHandler.
type HandlerFunc struct {
	HandlerName string
	Events      []EventType
	Fn          func(Event) error
}

func (f HandlerFunc) HandleEvent(ev Event) error       { return f.Fn(ev) }
func (f HandlerFunc) GetSubscribedEvents() []EventType { return f.Events }
func (f HandlerFunc) Name() string                     { return f.HandlerName }
