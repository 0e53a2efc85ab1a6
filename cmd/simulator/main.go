// Command simulator drives a running tvcard daemon with random card activity
// over the IPC socket and reports how the requests fared.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"gopkg.in/alecthomas/kingpin.v2"

	"tvcard/internal/ipc"
	"tvcard/internal/logging"
	"tvcard/pkg/types"
)

type Simulator struct {
	ipcClient *ipc.IPCClient
	outputDir string
	interval  time.Duration

	cards   []types.DeviceID
	presets []string

	statsLock sync.Mutex
	sent      map[types.CardCommand]int
	refused   map[types.CardCommand]int
	events    map[string]int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *logging.Logger
}

func NewSimulator(config types.IPCConfig, outputDir string, interval time.Duration) *Simulator {
	return &Simulator{
		ipcClient: ipc.NewIPCClient(config),
		outputDir: outputDir,
		interval:  interval,
		sent:      make(map[types.CardCommand]int),
		refused:   make(map[types.CardCommand]int),
		events:    make(map[string]int),
		logger:    logging.GetLogger("simulator"),
	}
}

func (s *Simulator) Start() error {
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if err := s.ipcClient.Connect(); err != nil {
		return fmt.Errorf("failed to connect to IPC server: %w", err)
	}

	list, err := s.request(types.CardRequest{Command: types.CmdList})
	if err != nil {
		s.ipcClient.Disconnect()
		return err
	}
	for _, st := range list.Cards {
		s.cards = append(s.cards, st.ID)
	}
	presets, err := s.request(types.CardRequest{Command: types.CmdPresets})
	if err != nil {
		s.ipcClient.Disconnect()
		return err
	}
	s.presets = presets.Presets
	if len(s.cards) == 0 || len(s.presets) == 0 {
		s.ipcClient.Disconnect()
		return fmt.Errorf("daemon has %d cards and %d presets; need at least one of each", len(s.cards), len(s.presets))
	}

	s.wg.Add(2)
	go s.watchEvents()
	go s.runSimulation()

	s.logger.Info("Simulator started", "cards", len(s.cards), "presets", len(s.presets))
	return nil
}

func (s *Simulator) Stop() {
	s.cancel()
	s.wg.Wait()
	s.ipcClient.Disconnect()
	s.printStats()
}

func (s *Simulator) request(req types.CardRequest) (types.CardResponse, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	resp, err := s.ipcClient.Request(ctx, req)
	if err != nil {
		return resp, fmt.Errorf("%s request failed: %w", req.Command, err)
	}

	s.statsLock.Lock()
	s.sent[req.Command]++
	if !resp.OK {
		s.refused[req.Command]++
	}
	s.statsLock.Unlock()
	return resp, nil
}

func (s *Simulator) watchEvents() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.ipcClient.Done():
			s.logger.Warn("Connection to daemon lost")
			return
		case ev := <-s.ipcClient.Events():
			s.statsLock.Lock()
			s.events[ev.Type]++
			s.statsLock.Unlock()
			s.logger.Debug("Event", "card", ev.Card, "type", ev.Type, "from", ev.From, "to", ev.To, "channel", ev.Channel)
		}
	}
}

func (s *Simulator) runSimulation() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.ipcClient.Done():
			return
		case <-ticker.C:
			s.simulateActivity()
		}
	}
}

func (s *Simulator) simulateActivity() {
	card := s.cards[rand.Intn(len(s.cards))]
	req := types.CardRequest{Card: card}

	switch rand.Intn(8) {
	case 0:
		req.Command = types.CmdState
	case 1:
		req.Command = types.CmdSignal
	case 2, 3:
		req.Command = types.CmdTune
		req.Preset = s.presets[rand.Intn(len(s.presets))]
	case 4:
		req.Command = types.CmdTimeShiftStart
		req.Path = filepath.Join(s.outputDir, string(card)+".tsbuffer")
	case 5:
		req.Command = types.CmdRecordStart
		req.Path = filepath.Join(s.outputDir, fmt.Sprintf("%s-%d.ts", card, time.Now().Unix()))
		if rand.Intn(2) == 0 {
			req.Recording = types.RecordReference.String()
		}
	case 6:
		if rand.Intn(2) == 0 {
			req.Command = types.CmdRecordStop
		} else {
			req.Command = types.CmdTimeShiftStop
		}
	case 7:
		req.Command = types.CmdDispose
	}

	resp, err := s.request(req)
	if err != nil {
		s.logger.Warn("Request failed", "command", req.Command, "card", card, "error", err)
		return
	}
	state := ""
	if resp.Status != nil {
		state = resp.Status.State
	}
	s.logger.Info("Request", "command", req.Command, "card", card, "ok", resp.OK, "state", state, "error", resp.Error)
}

func (s *Simulator) printStats() {
	s.statsLock.Lock()
	defer s.statsLock.Unlock()

	fmt.Println("==========================================")
	fmt.Println("  Simulator statistics")
	fmt.Println("==========================================")
	for cmd, n := range s.sent {
		fmt.Printf("  %-16s sent=%d refused=%d\n", cmd, n, s.refused[cmd])
	}
	fmt.Println("------------------------------------------")
	for ev, n := range s.events {
		fmt.Printf("  %-18s events=%d\n", ev, n)
	}
	fmt.Println("==========================================")
}

func main() {
	var (
		address   = kingpin.Flag("address", "Daemon IPC address.").Default("127.0.0.1").String()
		port      = kingpin.Flag("port", "Daemon IPC port.").Default("9560").Int()
		outputDir = kingpin.Flag("output-dir", "Directory for time-shift buffers and recordings.").Default(os.TempDir()).String()
		interval  = kingpin.Flag("interval", "Time between simulated requests.").Default("2s").Duration()
		duration  = kingpin.Flag("duration", "Stop after this long; 0 runs until interrupted.").Default("0s").Duration()
	)
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	sim := NewSimulator(types.IPCConfig{Address: *address, Port: *port, Timeout: 5 * time.Second}, *outputDir, *interval)
	if err := sim.Start(); err != nil {
		logging.Error("Failed to start simulator", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var timeout <-chan time.Time
	if *duration > 0 {
		timeout = time.After(*duration)
	}
	select {
	case <-sigChan:
	case <-timeout:
	}

	sim.Stop()
}
