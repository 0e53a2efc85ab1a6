package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"tvcard/internal/logging"
)

// ErrLoopStopped is returned by Submit when the loop is not running.
var ErrLoopStopped = errors.New("event loop is not running")

// Owner is the capability to mutate state that belongs to one EventLoop. The
// loop creates exactly one Owner and only passes it to functions executing on
// the loop goroutine, so code holding an Owner is running on that loop.
type Owner struct {
	loop *EventLoop
}

// Owns reports whether o was issued by el.
func (o *Owner) Owns(el *EventLoop) bool {
	return o != nil && el != nil && o.loop == el
}

// Loop returns the loop that issued o.
func (o *Owner) Loop() *EventLoop {
	if o == nil {
		return nil
	}
	return o.loop
}

type command struct {
	fn   func(*Owner)
	done chan struct{}
}

// EventLoop is a single-consumer execution context. Commands submitted from
// any goroutine run one at a time on the loop goroutine, interleaved with
// periodic module ticks.
type EventLoop struct {
	name        string
	interval    time.Duration
	modules     map[string]Module
	modulesLock sync.RWMutex
	commands    chan command
	owner       *Owner
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	stateLock   sync.Mutex
	running     bool
	stopped     chan struct{}
	logger      *logging.Logger
}

func NewEventLoop(name string, interval time.Duration) *EventLoop {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	el := &EventLoop{
		name:     name,
		interval: interval,
		modules:  make(map[string]Module),
		commands: make(chan command),
		stopped:  make(chan struct{}),
		logger:   logging.GetLogger("event_loop").With("loop", name),
	}
	el.owner = &Owner{loop: el}
	return el
}

func (el *EventLoop) Name() string { return el.name }

func (el *EventLoop) Start(ctx context.Context) error {
	el.stateLock.Lock()
	defer el.stateLock.Unlock()

	if el.running {
		return fmt.Errorf("event loop is already running")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	el.ctx, el.cancel = context.WithCancel(ctx)
	el.running = true
	el.stopped = make(chan struct{})

	el.modulesLock.RLock()
	for name, module := range el.modules {
		if err := module.Start(el.ctx); err != nil {
			el.logger.Error("Error starting module", "module", name, "error", err)
		}
	}
	el.modulesLock.RUnlock()

	el.wg.Add(1)
	go el.run()

	el.logger.Debug("Event loop started", "interval", el.interval)
	return nil
}

// Stop cancels the loop and waits for the command in flight to finish.
func (el *EventLoop) Stop() error {
	el.stateLock.Lock()
	if !el.running {
		el.stateLock.Unlock()
		return ErrLoopStopped
	}
	el.running = false
	el.cancel()
	el.stateLock.Unlock()

	el.wg.Wait()

	el.modulesLock.RLock()
	for name, module := range el.modules {
		if err := module.Stop(); err != nil {
			el.logger.Error("Error stopping module", "module", name, "error", err)
		}
	}
	el.modulesLock.RUnlock()

	el.logger.Debug("Event loop stopped")
	return nil
}

func (el *EventLoop) IsRunning() bool {
	el.stateLock.Lock()
	defer el.stateLock.Unlock()
	return el.running
}

// Submit runs fn on the loop goroutine and waits for it to return. It must
// not be called from code already running on the same loop; such code holds
// the Owner and can act directly.
func (el *EventLoop) Submit(ctx context.Context, fn func(*Owner)) error {
	el.stateLock.Lock()
	if !el.running {
		el.stateLock.Unlock()
		return ErrLoopStopped
	}
	stopped := el.stopped
	el.stateLock.Unlock()

	cmd := command{fn: fn, done: make(chan struct{})}
	select {
	case el.commands <- cmd:
	case <-stopped:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	// Once accepted the command always completes; the caller waits for it so
	// that results written by fn are visible.
	<-cmd.done
	return nil
}

func (el *EventLoop) RegisterModule(module Module) error {
	el.stateLock.Lock()
	defer el.stateLock.Unlock()
	el.modulesLock.Lock()
	defer el.modulesLock.Unlock()

	name := module.Name()
	if _, exists := el.modules[name]; exists {
		return fmt.Errorf("module %s already registered", name)
	}
	if el.running {
		if err := module.Start(el.ctx); err != nil {
			return fmt.Errorf("start module %s: %w", name, err)
		}
	}
	el.modules[name] = module
	return nil
}

func (el *EventLoop) run() {
	defer el.wg.Done()
	defer close(el.stopped)

	ticker := time.NewTicker(el.interval)
	defer ticker.Stop()

	for {
		select {
		case <-el.ctx.Done():
			return
		case cmd := <-el.commands:
			el.execute(cmd)
		case <-ticker.C:
			el.processCycle()
		}
	}
}

func (el *EventLoop) execute(cmd command) {
	defer close(cmd.done)
	defer func() {
		if r := recover(); r != nil {
			el.logger.Error("Command panic", "panic", r)
		}
	}()
	cmd.fn(el.owner)
}

func (el *EventLoop) processCycle() {
	el.modulesLock.RLock()
	names := make([]string, 0, len(el.modules))
	for name := range el.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	modules := make([]Module, 0, len(names))
	for _, name := range names {
		modules = append(modules, el.modules[name])
	}
	el.modulesLock.RUnlock()

	for _, module := range modules {
		func() {
			defer func() {
				if r := recover(); r != nil {
					el.logger.Error("Module panic", "module", module.Name(), "panic", r)
				}
			}()
			if err := module.Process(el.owner); err != nil {
				el.logger.Warn("Error processing module", "module", module.Name(), "error", err)
			}
		}()
	}
}
