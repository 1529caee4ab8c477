package steps

import (
	"github.com/pablomodernell/lorawan-conformance-testing/internal/teststep"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/lorawan"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/session"
)

// ConfirmedPingStep extends the ActOk check: once it passes, it sends a
// CONFIRMED_DOWN frame on the activation FPort, requiring the DUT to ACK it
// on its next uplink.
type ConfirmedPingStep struct {
	teststep.BaseStep
	Next teststep.Step
}

func NewConfirmedPingStep(name string, next teststep.Step) *ConfirmedPingStep {
	return &ConfirmedPingStep{BaseStep: teststep.BaseStep{StepName: name}, Next: next}
}

func (s *ConfirmedPingStep) Handle(ctx *teststep.Context, dev *session.EndDevice, raw []byte) (teststep.Step, error) {
	if err := checkActOk(ctx, dev, raw); err != nil {
		return nil, err
	}
	fport := uint8(TestActivationPort)
	phyBytes, err := dev.PrepareLoRaWANData(lorawan.ConfirmedDataDown, lorawan.FCtrl{}, nil, &fport, []byte{0x01, 0x02}, nil)
	if err != nil {
		return nil, err
	}
	if err := sendDownlink(ctx, dev, phyBytes, ctx.DefaultRX1Window); err != nil {
		return nil, err
	}
	ctx.DownlinkCounter++
	return s.Next, nil
}

// ConfirmedAckCheck requires the uplink's FCtrl.ACK bit to be set, confirming
// the DUT acknowledged the most recently sent confirmed downlink.
type ConfirmedAckCheck struct {
	teststep.BaseStep
	Next teststep.Step
}

func NewConfirmedAckCheck(name string, next teststep.Step) *ConfirmedAckCheck {
	return &ConfirmedAckCheck{BaseStep: teststep.BaseStep{StepName: name}, Next: next}
}

func (s *ConfirmedAckCheck) Handle(ctx *teststep.Context, dev *session.EndDevice, raw []byte) (teststep.Step, error) {
	_, mac, err := parseDataUplink(raw)
	if err != nil {
		return nil, err
	}
	if !mac.FHDR.FCtrl.ACK {
		return nil, teststep.NewTestFailError(teststep.KindFCtrl, "uplink did not set ACK after a confirmed downlink", raw)
	}
	return s.Next, nil
}

// RetransmissionCheck waits for a run of CONFIRMED_UP uplinks carrying the
// same FCnt (the DUT retransmitting because it received no ACK), deliberately
// withholding a downlink for the first MinRetransmits-1 deliveries (the
// original frame counts as the first), then ACKs the MinRetransmits-th and
// hands off to Next.
type RetransmissionCheck struct {
	teststep.BaseStep
	MinRetransmits int
	Next           teststep.Step
	firstFcnt      *uint16
	retransmits    int
}

func NewRetransmissionCheck(name string, minRetransmits int, next teststep.Step) *RetransmissionCheck {
	return &RetransmissionCheck{BaseStep: teststep.BaseStep{StepName: name}, MinRetransmits: minRetransmits, Next: next}
}

func (s *RetransmissionCheck) Handle(ctx *teststep.Context, dev *session.EndDevice, raw []byte) (teststep.Step, error) {
	phy, mac, err := parseDataUplink(raw)
	if err != nil {
		return nil, err
	}
	if phy.MHDR.MType != lorawan.ConfirmedDataUp {
		return nil, teststep.NewTestFailError(teststep.KindFCtrl, "expected a CONFIRMED_UP uplink", raw)
	}
	if s.firstFcnt == nil {
		f := mac.FHDR.FCnt
		s.firstFcnt = &f
	} else if mac.FHDR.FCnt != *s.firstFcnt {
		return nil, teststep.NewTestFailError(teststep.KindFCnt, "DUT advanced FCntUp before receiving an ACK", raw)
	}
	s.retransmits++
	if s.retransmits < s.MinRetransmits {
		return s, nil
	}

	fport := uint8(TestActivationPort)
	phyBytes, err := dev.PrepareLoRaWANData(lorawan.UnconfirmedDataDown, lorawan.FCtrl{}, nil, &fport, []byte{0x00, 0x00}, nil)
	if err != nil {
		return nil, err
	}
	if err := sendDownlink(ctx, dev, phyBytes, ctx.DefaultRX1Window); err != nil {
		return nil, err
	}
	ctx.DownlinkCounter++
	return s.Next, nil
}

// StaleFCntDownCheck extends the ActOk check: once it passes, it sends one
// legitimate downlink, then immediately replays a second downlink pinned at
// a stale (already-used) FCntDown value the DUT must silently discard
// without desynchronizing its own counter.
type StaleFCntDownCheck struct {
	teststep.BaseStep
	Next teststep.Step
}

func NewStaleFCntDownCheck(name string, next teststep.Step) *StaleFCntDownCheck {
	return &StaleFCntDownCheck{BaseStep: teststep.BaseStep{StepName: name}, Next: next}
}

func (s *StaleFCntDownCheck) Handle(ctx *teststep.Context, dev *session.EndDevice, raw []byte) (teststep.Step, error) {
	if err := checkActOk(ctx, dev, raw); err != nil {
		return nil, err
	}

	fport := uint8(TestActivationPort)
	legit, err := dev.PrepareLoRaWANData(lorawan.UnconfirmedDataDown, lorawan.FCtrl{}, nil, &fport, []byte{0x01, 0x01}, nil)
	if err != nil {
		return nil, err
	}
	if err := sendDownlink(ctx, dev, legit, ctx.DefaultRX1Window); err != nil {
		return nil, err
	}
	ctx.DownlinkCounter++

	stale := dev.FCntDown - 2
	staleFrame, err := dev.PrepareLoRaWANData(lorawan.UnconfirmedDataDown, lorawan.FCtrl{}, nil, &fport, []byte{0xFF, 0xFF}, &stale)
	if err != nil {
		return nil, err
	}
	if err := sendDownlink(ctx, dev, staleFrame, ctx.DefaultRX1Window); err != nil {
		return nil, err
	}
	// The replay must not count as delivered: it is expected to be dropped,
	// so ctx.DownlinkCounter is left untouched for it.

	return s.Next, nil
}

// BadMICDownlinkStep extends the ActOk check: once it passes, it sends a
// downlink on the activation FPort with its MIC deliberately corrupted,
// requiring the DUT to discard it outright rather than accept a forged
// frame or desynchronize its counters.
type BadMICDownlinkStep struct {
	teststep.BaseStep
	Next teststep.Step
}

func NewBadMICDownlinkStep(name string, next teststep.Step) *BadMICDownlinkStep {
	return &BadMICDownlinkStep{BaseStep: teststep.BaseStep{StepName: name}, Next: next}
}

func (s *BadMICDownlinkStep) Handle(ctx *teststep.Context, dev *session.EndDevice, raw []byte) (teststep.Step, error) {
	if err := checkActOk(ctx, dev, raw); err != nil {
		return nil, err
	}
	fport := uint8(TestActivationPort)
	phyBytes, err := dev.PrepareLoRaWANData(lorawan.UnconfirmedDataDown, lorawan.FCtrl{}, nil, &fport, []byte{0x00, 0x00}, nil)
	if err != nil {
		return nil, err
	}
	phyBytes[len(phyBytes)-1] ^= 0xFF
	if err := sendDownlink(ctx, dev, phyBytes, ctx.DefaultRX1Window); err != nil {
		return nil, err
	}
	return s.Next, nil
}
