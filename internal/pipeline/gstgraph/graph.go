// Package gstgraph backs pipeline.Graph with a GStreamer pipeline:
//
//	filesrc|udpsrc → tee → queue → tsdemux
//	                   └─→ queue → tee ┬→ valve → filesink (timeshift)
//	                                   └→ valve → filesink (recording)
package gstgraph

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"

	"tvcard/internal/logging"
	"tvcard/internal/pipeline"
)

// Config selects the transport stream source.
type Config struct {
	// Stream is a file path or udp://host:port.
	Stream string
}

// stage is a chain of elements; the first receives data, the last sends it.
type stage struct {
	kind     pipeline.StageKind
	name     string
	elements []*gst.Element
	analyzer *analyzer
}

func (s *stage) first() *gst.Element { return s.elements[0] }
func (s *stage) last() *gst.Element  { return s.elements[len(s.elements)-1] }

type Graph struct {
	config Config

	mu       sync.Mutex
	pipeline *gst.Pipeline
	next     pipeline.StageID
	stages   map[pipeline.StageID]*stage
	running  bool

	done   chan struct{}
	logger *logging.Logger
}

// New initializes GStreamer and creates an empty pipeline.
func New(config Config) (*Graph, error) {
	gst.Init(nil)

	p, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}
	return &Graph{
		config:   config,
		pipeline: p,
		next:     1,
		stages:   make(map[pipeline.StageID]*stage),
		logger:   logging.GetLogger("gstgraph"),
	}, nil
}

func Factory(config Config) pipeline.NewGraphFunc {
	return func() (pipeline.Graph, error) {
		if config.Stream == "" {
			return nil, errors.New("no transport stream source configured")
		}
		return New(config)
	}
}

func newElement(factory string, props map[string]interface{}) (*gst.Element, error) {
	elem, err := gst.NewElement(factory)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", factory, err)
	}
	for k, v := range props {
		if err := elem.SetProperty(k, v); err != nil {
			return nil, fmt.Errorf("failed to set %s.%s: %w", factory, k, err)
		}
	}
	return elem, nil
}

func (g *Graph) sourceElement() (*gst.Element, error) {
	addr, ok := strings.CutPrefix(g.config.Stream, "udp://")
	if !ok {
		return newElement("filesrc", map[string]interface{}{"location": g.config.Stream})
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid udp source %q: %w", g.config.Stream, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid udp port %q: %w", portStr, err)
	}
	props := map[string]interface{}{"port": port}
	if host != "" {
		props["address"] = host
	}
	return newElement("udpsrc", props)
}

func (g *Graph) AddStage(kind pipeline.StageKind, name string) (pipeline.StageID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := &stage{kind: kind, name: name}
	var err error
	switch kind {
	case pipeline.StageSource:
		var src *gst.Element
		if src, err = g.sourceElement(); err == nil {
			s.elements = []*gst.Element{src}
		}
	case pipeline.StageTee:
		var tee *gst.Element
		if tee, err = newElement("tee", map[string]interface{}{"allow-not-linked": true}); err == nil {
			s.elements = []*gst.Element{tee}
		}
	case pipeline.StageDemux:
		s.elements, err = g.demuxElements()
	case pipeline.StageAnalyzer:
		s.analyzer, err = newAnalyzer(g.logger.With("stage", name))
		if err == nil {
			s.elements = s.analyzer.elements()
		}
	default:
		err = fmt.Errorf("unknown stage kind %q", kind)
	}
	if err != nil {
		return 0, err
	}

	if err := g.pipeline.AddMany(s.elements...); err != nil {
		return 0, fmt.Errorf("failed to add %s: %w", name, err)
	}
	if len(s.elements) > 1 {
		if err := gst.ElementLinkMany(s.elements[:s.linkable()]...); err != nil {
			return 0, fmt.Errorf("failed to link %s: %w", name, err)
		}
	}
	if s.analyzer != nil {
		if err := s.analyzer.link(); err != nil {
			return 0, fmt.Errorf("failed to link %s: %w", name, err)
		}
	}

	id := g.next
	g.next++
	g.stages[id] = s
	return id, nil
}

// linkable is the length of the straight element chain at the head of s.
func (s *stage) linkable() int {
	if s.analyzer != nil {
		return 2 // queue → tee, branches are linked by the analyzer
	}
	return len(s.elements)
}

// demuxElements creates queue → tsdemux. The demuxer's pads appear once the
// stream's PMT is parsed and are terminated in fakesinks.
func (g *Graph) demuxElements() ([]*gst.Element, error) {
	queue, err := newElement("queue", nil)
	if err != nil {
		return nil, err
	}
	demux, err := newElement("tsdemux", nil)
	if err != nil {
		return nil, err
	}
	demux.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		g.terminatePad(srcPad)
	})
	return []*gst.Element{queue, demux}, nil
}

func (g *Graph) terminatePad(srcPad *gst.Pad) {
	sink, err := newElement("fakesink", map[string]interface{}{"sync": false, "async": false})
	if err != nil {
		g.logger.Error("Creating demux sink failed", "pad", srcPad.GetName(), "error", err)
		return
	}
	if err := g.pipeline.Add(sink); err != nil {
		g.logger.Error("Adding demux sink failed", "pad", srcPad.GetName(), "error", err)
		return
	}
	sinkPad := sink.GetStaticPad("sink")
	if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
		g.logger.Error("Linking demux pad failed", "pad", srcPad.GetName(), "ret", ret)
		return
	}
	sink.SyncStateWithParent()
	g.logger.Debug("Demux pad linked", "pad", srcPad.GetName())
}

func (g *Graph) Connect(from, to pipeline.StageID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	src, ok := g.stages[from]
	if !ok {
		return fmt.Errorf("unknown stage %d", from)
	}
	dst, ok := g.stages[to]
	if !ok {
		return fmt.Errorf("unknown stage %d", to)
	}
	if err := src.last().Link(dst.first()); err != nil {
		return fmt.Errorf("failed to link %s to %s: %w", src.name, dst.name, err)
	}
	return nil
}

func (g *Graph) RemoveStage(id pipeline.StageID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.stages[id]
	if !ok {
		return fmt.Errorf("unknown stage %d", id)
	}
	delete(g.stages, id)

	var errs []error
	for _, e := range s.elements {
		if err := e.SetState(gst.StateNull); err != nil {
			errs = append(errs, err)
		}
		if err := g.pipeline.Remove(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (g *Graph) Analyzer(id pipeline.StageID) (pipeline.Analyzer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.stages[id]
	if !ok {
		return nil, fmt.Errorf("unknown stage %d", id)
	}
	if s.analyzer == nil {
		return nil, fmt.Errorf("stage %s is not an analyzer", s.name)
	}
	return s.analyzer, nil
}

func (g *Graph) Run() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return nil
	}
	if err := g.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	g.running = true
	g.done = make(chan struct{})
	go g.watchBus(g.done)
	return nil
}

// watchBus marks the graph stopped on end of stream or error.
func (g *Graph) watchBus(done chan struct{}) {
	bus := g.pipeline.GetPipelineBus()
	for {
		select {
		case <-done:
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			g.logger.Info("End of stream", "stream", g.config.Stream)
			g.markStopped(done)
			return
		case gst.MessageError:
			gerr := msg.ParseError()
			g.logger.Error("Pipeline error", "stream", g.config.Stream, "error", gerr.Error())
			g.markStopped(done)
			return
		}
	}
}

func (g *Graph) markStopped(done chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done == done {
		g.running = false
	}
}

func (g *Graph) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done != nil {
		close(g.done)
		g.done = nil
	}
	if !g.running {
		return nil
	}
	g.running = false
	if err := g.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to stop pipeline: %w", err)
	}
	return nil
}

func (g *Graph) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

func (g *Graph) Close() error {
	err := g.Stop()

	g.mu.Lock()
	defer g.mu.Unlock()
	if serr := g.pipeline.SetState(gst.StateNull); serr != nil && err == nil {
		err = serr
	}
	g.stages = make(map[pipeline.StageID]*stage)
	return err
}
