package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"tvcard/internal/ipc"
	"tvcard/pkg/types"
)

func connect() (*ipc.IPCClient, error) {
	host, portStr, err := net.SplitHostPort(serverAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid server address %q: %w", serverAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid server port %q: %w", portStr, err)
	}
	d, err := time.ParseDuration(timeout)
	if err != nil {
		return nil, fmt.Errorf("invalid timeout %q: %w", timeout, err)
	}

	client := ipc.NewIPCClient(types.IPCConfig{Address: host, Port: port, Timeout: d})
	if err := client.Connect(); err != nil {
		return nil, err
	}
	return client, nil
}

// run sends req and prints the response. A refused operation is an error.
func run(req types.CardRequest) error {
	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Disconnect()

	d, _ := time.ParseDuration(timeout)
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	resp, err := client.Request(ctx, req)
	if err != nil {
		return err
	}
	printResponse(resp)
	if !resp.OK {
		if resp.Error != "" {
			return errors.New(resp.Error)
		}
		return fmt.Errorf("%s refused", req.Command)
	}
	return nil
}

func printResponse(resp types.CardResponse) {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(resp)
		return
	}
	for _, st := range resp.Cards {
		printStatus(st)
	}
	if resp.Status != nil {
		printStatus(*resp.Status)
	}
	for _, name := range resp.Presets {
		fmt.Println(name)
	}
}

func printStatus(st types.CardStatus) {
	fmt.Printf("%s\t%s\t%s", st.ID, st.Kind, st.State)
	if st.Channel != "" {
		fmt.Printf("\t%s", st.Channel)
	}
	if st.Signal.Locked || st.Signal.Level > 0 {
		fmt.Printf("\tlocked=%v level=%d%% quality=%d%%", st.Signal.Locked, st.Signal.Level, st.Signal.Quality)
	}
	if st.Recording != "" {
		fmt.Printf("\trec=%s", st.Recording)
	} else if st.TimeShift != "" {
		fmt.Printf("\tts=%s", st.TimeShift)
	}
	fmt.Println()
}

func cardCommand(use, short string, cmd types.CardCommand) *cobra.Command {
	return &cobra.Command{
		Use:   use + " CARD",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return run(types.CardRequest{Command: cmd, Card: types.DeviceID(args[0])})
		},
	}
}

func listCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cards and their state",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(types.CardRequest{Command: types.CmdList})
		},
	}
}

func stateCommand() *cobra.Command {
	return cardCommand("state", "Show a card's state", types.CmdState)
}

func signalCommand() *cobra.Command {
	return cardCommand("signal", "Sample a card's signal", types.CmdSignal)
}

func disposeCommand() *cobra.Command {
	return cardCommand("dispose", "Release a card's pipeline and device", types.CmdDispose)
}

// channelFlags collects a channel from either --preset or the tuning flags.
type channelFlags struct {
	preset string
	spec   types.ChannelSpec
	onid   int
	tsid   int
	sid    int
}

func (f *channelFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVarP(&f.preset, "preset", "p", "", "Channel preset name")
	fl.StringVar(&f.spec.Kind, "kind", "", "Delivery system: satellite, cable, terrestrial, atsc")
	fl.StringVar(&f.spec.Name, "name", "", "Channel name")
	fl.IntVar(&f.spec.Frequency, "frequency", 0, "Frequency in kHz")
	fl.IntVar(&f.spec.SymbolRate, "symbol-rate", 0, "Symbol rate in ksym/s")
	fl.StringVar(&f.spec.Polarisation, "polarisation", "", "horizontal, vertical, left or right")
	fl.StringVar(&f.spec.Band, "band", "", "LNB band")
	fl.StringVar(&f.spec.DiSEqC, "diseqc", "", "DiSEqC switch input")
	fl.IntVar(&f.spec.SatelliteIndex, "satellite-index", 0, "Motor position")
	fl.IntVar(&f.spec.Modulation, "modulation", 0, "QAM order for cable")
	fl.IntVar(&f.spec.Bandwidth, "bandwidth", 0, "Bandwidth in MHz for terrestrial")
	fl.IntVar(&f.spec.PhysicalChannel, "physical-channel", 0, "ATSC physical channel")
	fl.IntVar(&f.spec.PmtPID, "pmt", 0, "PMT PID of the service")
	fl.IntVar(&f.onid, "onid", -1, "Original network id")
	fl.IntVar(&f.tsid, "tsid", -1, "Transport stream id")
	fl.IntVar(&f.sid, "sid", -1, "Service id")
}

func (f *channelFlags) request(cmd types.CardCommand, card string) (types.CardRequest, error) {
	req := types.CardRequest{Command: cmd, Card: types.DeviceID(card)}
	if f.preset != "" {
		req.Preset = f.preset
		return req, nil
	}
	if f.spec.Kind == "" {
		return req, errors.New("either --preset or --kind is required")
	}
	spec := f.spec
	for _, id := range []struct {
		v   int
		dst **int
	}{{f.onid, &spec.NetworkID}, {f.tsid, &spec.TransportID}, {f.sid, &spec.ServiceID}} {
		if id.v >= 0 {
			v := id.v
			*id.dst = &v
		}
	}
	if _, err := spec.Channel(); err != nil {
		return req, err
	}
	req.Channel = &spec
	return req, nil
}

func tuneCommand() *cobra.Command {
	var f channelFlags
	cmd := &cobra.Command{
		Use:   "tune CARD",
		Short: "Tune a card to a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			req, err := f.request(types.CmdTune, args[0])
			if err != nil {
				return err
			}
			return run(req)
		},
	}
	f.register(cmd)
	return cmd
}

func scanCommand() *cobra.Command {
	var f channelFlags
	cmd := &cobra.Command{
		Use:   "scan CARD",
		Short: "Tune a card and start its pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			req, err := f.request(types.CmdTuneScan, args[0])
			if err != nil {
				return err
			}
			return run(req)
		},
	}
	f.register(cmd)
	return cmd
}

func timeshiftCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timeshift",
		Short: "Start or stop time-shifting",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "start CARD FILE",
		Short: "Start time-shifting into FILE",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return run(types.CardRequest{Command: types.CmdTimeShiftStart, Card: types.DeviceID(args[0]), Path: args[1]})
		},
	})
	cmd.AddCommand(cardCommand("stop", "Stop time-shifting", types.CmdTimeShiftStop))
	return cmd
}

func recordCommand() *cobra.Command {
	var (
		kind  string
		start string
	)
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Start or stop recording",
	}
	startCmd := &cobra.Command{
		Use:   "start CARD FILE",
		Short: "Record the time-shifted stream into FILE",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			req := types.CardRequest{
				Command:   types.CmdRecordStart,
				Card:      types.DeviceID(args[0]),
				Path:      args[1],
				Recording: kind,
			}
			if start != "" {
				t, err := time.Parse(time.RFC3339, start)
				if err != nil {
					return fmt.Errorf("invalid --start: %w", err)
				}
				req.StartHint = t
			}
			return run(req)
		},
	}
	startCmd.Flags().StringVar(&kind, "type", "content", "Recording type: content or reference")
	startCmd.Flags().StringVar(&start, "start", "", "Start the recording from this time in the buffer (RFC 3339)")
	cmd.AddCommand(startCmd)
	cmd.AddCommand(cardCommand("stop", "Stop recording", types.CmdRecordStop))
	return cmd
}

func presetsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "presets",
		Short: "List channel presets",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(types.CardRequest{Command: types.CmdPresets})
		},
	}

	var f channelFlags
	add := &cobra.Command{
		Use:   "add NAME",
		Short: "Add a channel preset",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			f.preset = ""
			req, err := f.request(types.CmdPresetAdd, "")
			if err != nil {
				return err
			}
			req.Preset = args[0]
			return run(req)
		},
	}
	f.register(add)
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "remove NAME",
		Short: "Remove a channel preset",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return run(types.CardRequest{Command: types.CmdPresetRemove, Preset: args[0]})
		},
	})
	return cmd
}

func watchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print card events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			client, err := connect()
			if err != nil {
				return err
			}
			defer client.Disconnect()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt)
			// the server drops clients that stay silent for five minutes
			keepalive := time.NewTicker(time.Minute)
			defer keepalive.Stop()
			for {
				select {
				case <-keepalive.C:
					ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					_, err := client.Request(ctx, types.CardRequest{Command: types.CmdList})
					cancel()
					if err != nil {
						return err
					}
				case <-client.Done():
					return errors.New("connection to server lost")
				case ev := <-client.Events():
					if jsonOutput {
						json.NewEncoder(os.Stdout).Encode(ev)
						continue
					}
					fmt.Printf("%s\t%s\t%s", ev.Timestamp.Format(time.RFC3339), ev.Card, ev.Type)
					if ev.From != "" || ev.To != "" {
						fmt.Printf("\t%s -> %s", ev.From, ev.To)
					}
					if ev.Channel != "" {
						fmt.Printf("\t%s", ev.Channel)
					}
					if ev.Path != "" {
						fmt.Printf("\t%s", ev.Path)
					}
					if ev.Error != "" {
						fmt.Printf("\terror=%s", ev.Error)
					}
					fmt.Println()
				case <-sig:
					return nil
				}
			}
		},
	}
}
