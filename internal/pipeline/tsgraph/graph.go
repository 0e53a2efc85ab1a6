// Package tsgraph is an in-process pipeline.Graph working directly on MPEG-TS
// packets. The source reads from a file or a UDP socket and pushes every
// packet through the connected stages on one goroutine.
package tsgraph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/Comcast/gots/packet"

	"tvcard/internal/logging"
	"tvcard/internal/pipeline"
)

const (
	syncByte = 0x47
	// readBufferSize holds the largest UDP datagram.
	readBufferSize = 348 * packet.PacketSize
)

// Config selects the transport stream source.
type Config struct {
	// Stream is a file path or udp://host:port.
	Stream string
	// Open overrides Stream.
	Open func() (io.ReadCloser, error)
}

type node interface {
	consume(pkt *packet.Packet)
	close() error
}

type entry struct {
	kind pipeline.StageKind
	name string
	node node
	out  []pipeline.StageID
}

// Graph implements pipeline.Graph.
type Graph struct {
	config Config

	mu     sync.Mutex
	next   pipeline.StageID
	stages map[pipeline.StageID]*entry
	source pipeline.StageID

	cancel  context.CancelFunc
	reader  io.ReadCloser
	done    chan struct{}
	running bool

	logger *logging.Logger
}

func New(config Config) *Graph {
	return &Graph{
		config: config,
		next:   1,
		stages: make(map[pipeline.StageID]*entry),
		logger: logging.GetLogger("tsgraph"),
	}
}

// Factory returns a pipeline.NewGraphFunc building graphs from config.
func Factory(config Config) pipeline.NewGraphFunc {
	return func() (pipeline.Graph, error) {
		if config.Open == nil && config.Stream == "" {
			return nil, errors.New("no transport stream source configured")
		}
		return New(config), nil
	}
}

func (g *Graph) AddStage(kind pipeline.StageKind, name string) (pipeline.StageID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var n node
	switch kind {
	case pipeline.StageSource:
		if g.source != 0 {
			return 0, errors.New("graph already has a source")
		}
		n = nopNode{}
	case pipeline.StageTee:
		n = nopNode{}
	case pipeline.StageDemux:
		n = newDemux()
	case pipeline.StageAnalyzer:
		n = newAnalyzer(g.logger.With("stage", name))
	default:
		return 0, fmt.Errorf("unknown stage kind %q", kind)
	}

	id := g.next
	g.next++
	g.stages[id] = &entry{kind: kind, name: name, node: n}
	if kind == pipeline.StageSource {
		g.source = id
	}
	return id, nil
}

func (g *Graph) Connect(from, to pipeline.StageID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	src, ok := g.stages[from]
	if !ok {
		return fmt.Errorf("unknown stage %d", from)
	}
	if _, ok := g.stages[to]; !ok {
		return fmt.Errorf("unknown stage %d", to)
	}
	switch src.kind {
	case pipeline.StageSource:
		if len(src.out) > 0 {
			return errors.New("source already connected")
		}
	case pipeline.StageTee:
	default:
		return fmt.Errorf("stage %s has no output", src.name)
	}
	src.out = append(src.out, to)
	return nil
}

func (g *Graph) RemoveStage(id pipeline.StageID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.stages[id]
	if !ok {
		return fmt.Errorf("unknown stage %d", id)
	}
	if g.running {
		return errors.New("cannot remove a stage while running")
	}
	delete(g.stages, id)
	if id == g.source {
		g.source = 0
	}
	for _, other := range g.stages {
		other.out = removeID(other.out, id)
	}
	return e.node.close()
}

func removeID(ids []pipeline.StageID, id pipeline.StageID) []pipeline.StageID {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func (g *Graph) Analyzer(id pipeline.StageID) (pipeline.Analyzer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.stages[id]
	if !ok {
		return nil, fmt.Errorf("unknown stage %d", id)
	}
	a, ok := e.node.(*analyzer)
	if !ok {
		return nil, fmt.Errorf("stage %s is not an analyzer", e.name)
	}
	return a, nil
}

// Demux returns the packet counters of a demux stage.
func (g *Graph) Demux(id pipeline.StageID) (*Demux, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.stages[id]
	if !ok {
		return nil, fmt.Errorf("unknown stage %d", id)
	}
	d, ok := e.node.(*Demux)
	if !ok {
		return nil, fmt.Errorf("stage %s is not a demux", e.name)
	}
	return d, nil
}

func (g *Graph) Run() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return nil
	}
	if g.source == 0 {
		return errors.New("graph has no source")
	}
	if g.reader != nil {
		// the previous stream ended on its own
		g.cancel()
		g.reader.Close()
	}

	r, err := g.open()
	if err != nil {
		return fmt.Errorf("opening stream: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.reader = r
	g.done = make(chan struct{})
	g.running = true

	go g.pump(ctx, r, g.done)
	g.logger.Info("Transport stream started", "stream", g.config.Stream)
	return nil
}

func (g *Graph) open() (io.ReadCloser, error) {
	if g.config.Open != nil {
		return g.config.Open()
	}
	if addr, ok := strings.CutPrefix(g.config.Stream, "udp://"); ok {
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return nil, err
		}
		return datagramReader{conn}, nil
	}
	return os.Open(g.config.Stream)
}

type datagramReader struct {
	net.PacketConn
}

func (d datagramReader) Read(p []byte) (int, error) {
	n, _, err := d.ReadFrom(p)
	return n, err
}

// pump reads packets until the stream ends or the graph stops.
func (g *Graph) pump(ctx context.Context, r io.Reader, done chan struct{}) {
	defer close(done)

	buf := make([]byte, readBufferSize)
	pending := make([]byte, 0, 2*readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			pending = g.dispatch(pending)
		}
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				g.logger.Error("Transport stream read failed", "error", err)
			}
			if ctx.Err() == nil {
				g.mu.Lock()
				g.running = false
				g.mu.Unlock()
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// dispatch pushes every complete packet in data downstream and returns the
// unconsumed tail. Bytes before a sync byte are skipped.
func (g *Graph) dispatch(data []byte) []byte {
	g.mu.Lock()
	defer g.mu.Unlock()

	i := 0
	for len(data)-i >= packet.PacketSize {
		if data[i] != syncByte {
			i++
			continue
		}
		var pkt packet.Packet
		copy(pkt[:], data[i:i+packet.PacketSize])
		g.forward(g.source, &pkt)
		i += packet.PacketSize
	}
	return append(data[:0], data[i:]...)
}

func (g *Graph) forward(id pipeline.StageID, pkt *packet.Packet) {
	e, ok := g.stages[id]
	if !ok {
		return
	}
	e.node.consume(pkt)
	for _, next := range e.out {
		g.forward(next, pkt)
	}
}

func (g *Graph) Stop() error {
	g.mu.Lock()
	if !g.running && g.done == nil {
		g.mu.Unlock()
		return nil
	}
	g.running = false
	cancel, r, done := g.cancel, g.reader, g.done
	g.cancel, g.reader, g.done = nil, nil, nil
	g.mu.Unlock()

	cancel()
	err := r.Close()
	<-done
	g.logger.Info("Transport stream stopped", "stream", g.config.Stream)
	return err
}

func (g *Graph) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// Close stops the graph and releases every remaining stage.
func (g *Graph) Close() error {
	var errs []error
	if err := g.Stop(); err != nil {
		errs = append(errs, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for id, e := range g.stages {
		if err := e.node.close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
		}
		delete(g.stages, id)
	}
	g.source = 0
	return errors.Join(errs...)
}

type nopNode struct{}

func (nopNode) consume(*packet.Packet) {}
func (nopNode) close() error           { return nil }
