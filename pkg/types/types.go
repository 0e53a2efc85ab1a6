package types

import (
	"fmt"
	"slices"
	"time"
)

// DeviceID names a physical tuner. It is the key of the exclusive-claim registry.
type DeviceID string

// GraphState is the lifecycle state of a card's processing pipeline.
type GraphState int

const (
	GraphIdle GraphState = iota
	GraphCreated
	GraphTimeShifting
	GraphRecording
)

func (s GraphState) String() string {
	switch s {
	case GraphIdle:
		return "idle"
	case GraphCreated:
		return "created"
	case GraphTimeShifting:
		return "timeshifting"
	case GraphRecording:
		return "recording"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// RecordingType selects how the analyzer writes a recording.
type RecordingType int

const (
	// RecordContent writes every packet the card delivers.
	RecordContent RecordingType = iota
	// RecordReference drops null stuffing packets.
	RecordReference
)

func (r RecordingType) String() string {
	if r == RecordReference {
		return "reference"
	}
	return "content"
}

// ParseRecordingType accepts "content" or "reference".
func ParseRecordingType(s string) (RecordingType, error) {
	switch s {
	case "", "content":
		return RecordContent, nil
	case "reference":
		return RecordReference, nil
	}
	return 0, fmt.Errorf("unknown recording type %q", s)
}

// SignalReading is one sample of tuner lock and signal strength. Level and
// Quality are percentages.
type SignalReading struct {
	Locked    bool      `json:"locked"`
	Level     int       `json:"level"`
	Quality   int       `json:"quality"`
	SampledAt time.Time `json:"sampled_at"`
}

// Well-known transport stream PIDs.
const (
	PidPAT  uint16 = 0x0000
	PidSDT  uint16 = 0x0011
	PidNull uint16 = 0x1FFF
	// PidAll is the wildcard filter entry that passes the whole multiplex.
	PidAll uint16 = 0x2000
)

// MandatoryPIDs are programmed on every tune.
var MandatoryPIDs = []uint16{PidPAT, PidSDT, PidNull}

// PidSet is the list of PIDs currently programmed into a hardware filter.
type PidSet []uint16

// Contains reports whether pid is programmed.
func (p PidSet) Contains(pid uint16) bool {
	return slices.Contains(p, pid)
}

// CaptureAll reports whether the wildcard entry is programmed.
func (p PidSet) CaptureAll() bool {
	return p.Contains(PidAll)
}

// Passes reports whether packets on pid reach the host, either through an
// explicit entry or the wildcard.
func (p PidSet) Passes(pid uint16) bool {
	return p.CaptureAll() || p.Contains(pid)
}

// CardStatus is a point-in-time view of a card, safe to share across goroutines.
type CardStatus struct {
	ID           DeviceID       `json:"id"`
	Session      string         `json:"session"`
	Kind         string         `json:"kind"`
	State        string         `json:"state"`
	Channel      string         `json:"channel,omitempty"`
	Signal       SignalReading  `json:"signal"`
	PIDs         []uint16       `json:"pids,omitempty"`
	TimeShift    string         `json:"timeshift_file,omitempty"`
	Recording    string         `json:"recording_file,omitempty"`
	TuneCount    uint64         `json:"tune_count"`
	TuneFailures uint64         `json:"tune_failures"`
	Updated      time.Time      `json:"updated"`
	Stages       map[string]int `json:"stages,omitempty"`
}

// Message types carried in IPCMessage.Type.
const (
	MsgCardRequest  = "card_request"
	MsgCardResponse = "card_response"
	MsgCardEvent    = "card_event"
)

// IPCMessage is the envelope exchanged over the control socket. Exactly one
// of Request, Response and Event is set, matching Type.
type IPCMessage struct {
	Type      string           `json:"type"`
	Source    string           `json:"source"`
	Target    string           `json:"target,omitempty"`
	Request   *CardRequest     `json:"request,omitempty"`
	Response  *CardResponse    `json:"response,omitempty"`
	Event     *CardEventRecord `json:"event,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	ID        string           `json:"id"`
}

// CardEventRecord is a card event as broadcast to control clients.
type CardEventRecord struct {
	Type      string    `json:"type"`
	Card      DeviceID  `json:"card"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Channel   string    `json:"channel,omitempty"`
	Path      string    `json:"path,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CardCommand names a request a control client can send about a card.
type CardCommand string

const (
	CmdTune           CardCommand = "tune"
	CmdTuneScan       CardCommand = "tune_scan"
	CmdCanTune        CardCommand = "can_tune"
	CmdTimeShiftStart CardCommand = "timeshift_start"
	CmdTimeShiftStop  CardCommand = "timeshift_stop"
	CmdRecordStart    CardCommand = "record_start"
	CmdRecordStop     CardCommand = "record_stop"
	CmdSignal         CardCommand = "signal"
	CmdState          CardCommand = "state"
	CmdDispose        CardCommand = "dispose"
	CmdList           CardCommand = "list"
	CmdPresets        CardCommand = "presets"
	CmdPresetAdd      CardCommand = "preset_add"
	CmdPresetRemove   CardCommand = "preset_remove"
)

// CardRequest is the payload of a control request.
type CardRequest struct {
	Command   CardCommand  `json:"command"`
	Card      DeviceID     `json:"card,omitempty"`
	Channel   *ChannelSpec `json:"channel,omitempty"`
	Preset    string       `json:"preset,omitempty"`
	Path      string       `json:"path,omitempty"`
	Recording string       `json:"recording,omitempty"`
	StartHint time.Time    `json:"start_hint,omitempty"`
	RequestID string       `json:"request_id"`
}

// CardResponse answers a CardRequest.
type CardResponse struct {
	RequestID string       `json:"request_id"`
	OK        bool         `json:"ok"`
	Error     string       `json:"error,omitempty"`
	Status    *CardStatus  `json:"status,omitempty"`
	Cards     []CardStatus `json:"cards,omitempty"`
	Presets   []string     `json:"presets,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}
