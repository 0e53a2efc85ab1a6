package management

import (
	"context"
	"errors"
	"fmt"

	"tvcard/internal/card"
	"tvcard/internal/config"
	"tvcard/pkg/types"
)

var errUnknownCard = errors.New("unknown card")

// cardSet is the part of ApplicationManager the handler needs.
type cardSet interface {
	Card(id types.DeviceID) (*card.Card, bool)
	Snapshots() []types.CardStatus
}

// CardHandler runs card operations requested over IPC or HTTP.
type CardHandler struct {
	cards         cardSet
	configManager *config.ConfigManager
}

func NewCardHandler(cards cardSet, configManager *config.ConfigManager) *CardHandler {
	return &CardHandler{cards: cards, configManager: configManager}
}

func (h *CardHandler) GetName() string { return "card" }

func (h *CardHandler) GetHandledCommands() []types.CardCommand {
	return []types.CardCommand{
		types.CmdTune,
		types.CmdTuneScan,
		types.CmdCanTune,
		types.CmdTimeShiftStart,
		types.CmdTimeShiftStop,
		types.CmdRecordStart,
		types.CmdRecordStop,
		types.CmdSignal,
		types.CmdState,
		types.CmdDispose,
		types.CmdList,
	}
}

func failure(err error) *types.CardResponse {
	return &types.CardResponse{Error: err.Error()}
}

// result reports ok with the card's status. A false ok without an error
// becomes "<command> failed".
func result(c *card.Card, cmd types.CardCommand, ok bool, err error) *types.CardResponse {
	st := c.Snapshot()
	resp := &types.CardResponse{OK: ok && err == nil, Status: &st}
	switch {
	case err != nil:
		resp.Error = err.Error()
	case !ok:
		resp.Error = fmt.Sprintf("%s failed", cmd)
	}
	return resp
}

func (h *CardHandler) HandleCommand(ctx context.Context, req *types.CardRequest) *types.CardResponse {
	if req.Command == types.CmdList {
		return &types.CardResponse{OK: true, Cards: h.cards.Snapshots()}
	}

	c, ok := h.cards.Card(req.Card)
	if !ok {
		return failure(fmt.Errorf("%w: %q", errUnknownCard, req.Card))
	}

	switch req.Command {
	case types.CmdTune, types.CmdTuneScan, types.CmdCanTune:
		ch, err := h.resolveChannel(req)
		if err != nil {
			return failure(err)
		}
		switch req.Command {
		case types.CmdTune:
			ok, err := c.Tune(ctx, ch)
			return result(c, req.Command, ok, err)
		case types.CmdTuneScan:
			ok, err := c.TuneScan(ctx, ch)
			return result(c, req.Command, ok, err)
		default:
			st := c.Snapshot()
			return &types.CardResponse{OK: c.CanTune(ch), Status: &st}
		}

	case types.CmdTimeShiftStart:
		ok, err := c.StartTimeShifting(ctx, req.Path)
		return result(c, req.Command, ok, err)

	case types.CmdTimeShiftStop:
		ok, err := c.StopTimeShifting(ctx)
		return result(c, req.Command, ok, err)

	case types.CmdRecordStart:
		kind, err := types.ParseRecordingType(req.Recording)
		if err != nil {
			return failure(err)
		}
		ok, err := c.StartRecording(ctx, kind, req.Path, req.StartHint)
		return result(c, req.Command, ok, err)

	case types.CmdRecordStop:
		ok, err := c.StopRecording(ctx)
		return result(c, req.Command, ok, err)

	case types.CmdSignal:
		reading, err := c.Signal(ctx)
		if err != nil {
			return failure(err)
		}
		st := c.Snapshot()
		st.Signal = reading
		return &types.CardResponse{OK: true, Status: &st}

	case types.CmdState:
		st := c.Snapshot()
		return &types.CardResponse{OK: true, Status: &st}

	case types.CmdDispose:
		err := c.Dispose(ctx)
		return result(c, req.Command, true, err)
	}

	return failure(fmt.Errorf("card handler cannot handle command: %s", req.Command))
}

// resolveChannel takes the inline channel, or the named preset.
func (h *CardHandler) resolveChannel(req *types.CardRequest) (types.Channel, error) {
	switch {
	case req.Channel != nil:
		return req.Channel.Channel()
	case req.Preset != "":
		return h.configManager.GetChannel(req.Preset)
	}
	return nil, errors.New("a channel or preset is required")
}
