package steps

import (
	"fmt"

	"github.com/pablomodernell/lorawan-conformance-testing/internal/teststep"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/lorawan"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/session"
)

// MACCommandPlacement selects where a downlink MAC command request is
// carried: piggybacked in FOpts, stand-alone on FPort 0, or (deliberately
// malformed) both at once, which the DUT must discard outright.
type MACCommandPlacement int

const (
	PlacementFOpts MACCommandPlacement = iota
	PlacementPort0
	PlacementBoth
)

func sendMACCommandRequest(ctx *teststep.Context, dev *session.EndDevice, placement MACCommandPlacement, cmds []lorawan.MACCommand, next teststep.Step) (teststep.Step, error) {
	encoded := lorawan.EncodeMACCommands(cmds)

	var fopts []byte
	var fport *uint8
	var frmPayload []byte
	switch placement {
	case PlacementFOpts:
		fopts = encoded
	case PlacementPort0:
		p := uint8(0)
		fport = &p
		frmPayload = encoded
	case PlacementBoth:
		fopts = encoded
		p := uint8(0)
		fport = &p
		frmPayload = encoded
	}

	phyBytes, err := dev.PrepareLoRaWANData(lorawan.UnconfirmedDataDown, lorawan.FCtrl{}, fopts, fport, frmPayload, nil)
	if err != nil {
		return nil, err
	}
	if err := sendDownlink(ctx, dev, phyBytes, ctx.DefaultRX1Window); err != nil {
		return nil, err
	}
	ctx.DownlinkCounter++
	if placement == PlacementBoth {
		// This frame is malformed by design: the DUT is expected to drop it
		// rather than act on it, so it must not count against the ActOk
		// counter the DUT tracks.
		ctx.DownlinkCounter--
	}
	return next, nil
}

// ActOkToDevStatusReq extends the ActOk check: once it passes, it sends a
// DevStatusReq in the configured placement.
type ActOkToDevStatusReq struct {
	teststep.BaseStep
	Placement MACCommandPlacement
	Next      teststep.Step
}

func NewActOkToDevStatusReq(name string, placement MACCommandPlacement, next teststep.Step) *ActOkToDevStatusReq {
	return &ActOkToDevStatusReq{BaseStep: teststep.BaseStep{StepName: name}, Placement: placement, Next: next}
}

func (s *ActOkToDevStatusReq) Handle(ctx *teststep.Context, dev *session.EndDevice, raw []byte) (teststep.Step, error) {
	if err := checkActOk(ctx, dev, raw); err != nil {
		return nil, err
	}
	return sendMACCommandRequest(ctx, dev, s.Placement, []lorawan.MACCommand{lorawan.NewDevStatusReq()}, s.Next)
}

// DevStatusAnsCheck requires the uplink to carry a DevStatusAns, piggybacked
// or on port 0.
type DevStatusAnsCheck struct {
	teststep.BaseStep
	Next teststep.Step
}

func NewDevStatusAnsCheck(name string, next teststep.Step) *DevStatusAnsCheck {
	return &DevStatusAnsCheck{BaseStep: teststep.BaseStep{StepName: name}, Next: next}
}

func (s *DevStatusAnsCheck) Handle(ctx *teststep.Context, dev *session.EndDevice, raw []byte) (teststep.Step, error) {
	_, mac, err := parseDataUplink(raw)
	if err != nil {
		return nil, err
	}
	found := false
	for _, c := range macCommandsFromUplink(dev, mac) {
		if c.CID == lorawan.CIDDevStatus {
			_ = lorawan.ParseDevStatusAns(c)
			found = true
			break
		}
	}
	if !found {
		return nil, teststep.NewTestFailError(teststep.KindNoMACResponse, "no DevStatusAns in the uplink", raw)
	}
	return s.Next, nil
}

// ActOkToNewChannelReq extends the ActOk check: once it passes, it sends a
// NewChannelReq for Channel in the configured placement, and records the
// requested frequency in the session's channel plan so later steps (e.g.
// FrequencyCheck) can verify the DUT actually uses it.
type ActOkToNewChannelReq struct {
	teststep.BaseStep
	Channel   lorawan.NewChannelReq
	Placement MACCommandPlacement
	Next      teststep.Step
}

func NewActOkToNewChannelReq(name string, channel lorawan.NewChannelReq, placement MACCommandPlacement, next teststep.Step) *ActOkToNewChannelReq {
	return &ActOkToNewChannelReq{BaseStep: teststep.BaseStep{StepName: name}, Channel: channel, Placement: placement, Next: next}
}

func (s *ActOkToNewChannelReq) Handle(ctx *teststep.Context, dev *session.EndDevice, raw []byte) (teststep.Step, error) {
	if err := checkActOk(ctx, dev, raw); err != nil {
		return nil, err
	}
	idx := int(s.Channel.ChIndex)
	_ = dev.Channels.AddFrequency(s.Channel.FreqHz, &idx)
	return sendMACCommandRequest(ctx, dev, s.Placement, []lorawan.MACCommand{lorawan.NewNewChannelReq(s.Channel)}, s.Next)
}

// NewChannelAnsCheck requires the uplink to carry a NewChannelAns matching
// ExpectOK.
type NewChannelAnsCheck struct {
	teststep.BaseStep
	ExpectOK bool
	Next     teststep.Step
}

func NewNewChannelAnsCheck(name string, expectOK bool, next teststep.Step) *NewChannelAnsCheck {
	return &NewChannelAnsCheck{BaseStep: teststep.BaseStep{StepName: name}, ExpectOK: expectOK, Next: next}
}

func (s *NewChannelAnsCheck) Handle(ctx *teststep.Context, dev *session.EndDevice, raw []byte) (teststep.Step, error) {
	_, mac, err := parseDataUplink(raw)
	if err != nil {
		return nil, err
	}
	var found *lorawan.MACCommand
	for _, c := range macCommandsFromUplink(dev, mac) {
		if c.CID == lorawan.CIDNewChannel {
			cc := c
			found = &cc
			break
		}
	}
	if found == nil {
		return nil, teststep.NewTestFailError(teststep.KindNoMACResponse, "no NewChannelAns in the uplink", raw)
	}
	ans := lorawan.ParseNewChannelAns(*found)
	if ans.OK() != s.ExpectOK {
		return nil, teststep.NewTestFailError(teststep.KindMACConfigExchange, fmt.Sprintf("NewChannelAns ok=%v, want %v", ans.OK(), s.ExpectOK), raw)
	}
	return s.Next, nil
}

// NoMACResponseCheck requires that the uplink carry no MAC command of the
// given CID, confirming the DUT silently dropped a deliberately malformed
// downlink command instead of answering it.
type NoMACResponseCheck struct {
	teststep.BaseStep
	CID  byte
	Next teststep.Step
}

func NewNoMACResponseCheck(name string, cid byte, next teststep.Step) *NoMACResponseCheck {
	return &NoMACResponseCheck{BaseStep: teststep.BaseStep{StepName: name}, CID: cid, Next: next}
}

func (s *NoMACResponseCheck) Handle(ctx *teststep.Context, dev *session.EndDevice, raw []byte) (teststep.Step, error) {
	_, mac, err := parseDataUplink(raw)
	if err != nil {
		return nil, err
	}
	for _, c := range macCommandsFromUplink(dev, mac) {
		if c.CID == s.CID {
			return nil, teststep.NewTestFailError(teststep.KindMACConfigExchange, "DUT answered a malformed piggyback+port0 MAC command instead of dropping it", raw)
		}
	}
	return s.Next, nil
}
