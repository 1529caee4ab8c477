package steps

import (
	"crypto/rand"
	"fmt"

	"github.com/pablomodernell/lorawan-conformance-testing/internal/teststep"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/gwenvelope"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/lorawan"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/session"
)

// JoinRequestHandlerStep waits for a Join-Request, verifies its MIC and
// AppEUI, accepts the join (rejecting DevNonce replays), and schedules the
// Join-Accept reply using the session's *previous* MAC parameters.
type JoinRequestHandlerStep struct {
	teststep.BaseStep
	DLSettings    lorawan.DLSettings
	RxDelay       uint8
	CFListFreqsHz []uint32
	Next          teststep.Step
}

func NewJoinRequestHandlerStep(name string, dlSettings lorawan.DLSettings, rxDelay uint8, cfListFreqsHz []uint32, next teststep.Step) *JoinRequestHandlerStep {
	return &JoinRequestHandlerStep{
		BaseStep:      teststep.BaseStep{StepName: name},
		DLSettings:    dlSettings,
		RxDelay:       rxDelay,
		CFListFreqsHz: cfListFreqsHz,
		Next:          next,
	}
}

func (s *JoinRequestHandlerStep) Handle(ctx *teststep.Context, dev *session.EndDevice, raw []byte) (teststep.Step, error) {
	phy, err := lorawan.Parse(raw)
	if err != nil {
		return nil, teststep.NewTestFailError(teststep.KindMHDR, err.Error(), raw)
	}
	if phy.MHDR.MType != lorawan.JoinRequest {
		return nil, teststep.NewTestFailError(teststep.KindJoinRequest, fmt.Sprintf("expected a JoinRequest, got %s", phy.MHDR.MType), raw)
	}
	jr, err := lorawan.ParseJoinRequestPayload(phy.MACPayload)
	if err != nil {
		return nil, teststep.NewTestFailError(teststep.KindJoinRequest, err.Error(), raw)
	}

	msgWithoutMIC := raw[:len(raw)-4]
	expectedMIC, err := lorawan.ComputeJoinMIC(dev.AppKey, msgWithoutMIC)
	if err != nil {
		return nil, err
	}
	if expectedMIC != phy.MIC {
		return nil, teststep.NewTestFailError(teststep.KindMIC, "JoinRequest MIC mismatch", raw)
	}
	if jr.AppEUI != dev.AppEUI {
		return nil, teststep.NewTestFailError(teststep.KindJoinRequest, "AppEUI does not match the device under test", raw)
	}

	newDevAddr, err := session.NewRandomDevAddr()
	if err != nil {
		return nil, err
	}
	joinAcceptPHY, err := dev.AcceptJoin(jr.DevNonce, newDevAddr, s.DLSettings, s.RxDelay, s.CFListFreqsHz)
	if err != nil {
		if _, ok := err.(*session.ReplayError); ok {
			return nil, teststep.NewTestFailError(teststep.KindJoinRejected, err.Error(), raw)
		}
		return nil, err
	}

	prev := dev.PreviousMACParams()
	offset := int(prev.RX1DROffset)
	envelope, err := gwenvelope.CreateDownlinkReply(ctx.Uplink, joinAcceptPHY, prev.JoinAccDelay1, &offset, "", 0)
	if err != nil {
		return nil, err
	}
	if err := ctx.Sink.Publish(ctx.GatewayID, envelope); err != nil {
		return nil, err
	}
	return s.Next, nil
}

// WaitDataToActivate waits for either a Join-Request (delegated to
// JoinDelegate, if set) or a plain data uplink not on TestActivationPort,
// then replies with TestActivatePayload on TestActivationPort and resets the
// downlink counter to start the ActOk handshake at zero.
type WaitDataToActivate struct {
	teststep.BaseStep
	JoinDelegate teststep.Step
	Next         teststep.Step
}

func NewWaitDataToActivate(name string, joinDelegate teststep.Step, next teststep.Step) *WaitDataToActivate {
	return &WaitDataToActivate{BaseStep: teststep.BaseStep{StepName: name}, JoinDelegate: joinDelegate, Next: next}
}

func (s *WaitDataToActivate) Handle(ctx *teststep.Context, dev *session.EndDevice, raw []byte) (teststep.Step, error) {
	phy, err := lorawan.Parse(raw)
	if err != nil {
		return nil, teststep.NewTestFailError(teststep.KindMHDR, err.Error(), raw)
	}
	if phy.MHDR.MType == lorawan.JoinRequest {
		if s.JoinDelegate == nil {
			return nil, teststep.NewTestFailError(teststep.KindJoinRequest, "unexpected JoinRequest while waiting to activate", raw)
		}
		return s.JoinDelegate.Handle(ctx, dev, raw)
	}

	_, mac, err := parseDataUplink(raw)
	if err != nil {
		return nil, err
	}
	if mac.FPort != nil && *mac.FPort == TestActivationPort {
		return nil, teststep.NewTestFailError(teststep.KindFPort, "unexpected activation-port uplink before the DUT has activated", raw)
	}

	fport := uint8(TestActivationPort)
	phyBytes, err := dev.PrepareLoRaWANData(lorawan.UnconfirmedDataDown, lorawan.FCtrl{}, nil, &fport, TestActivatePayload, nil)
	if err != nil {
		return nil, err
	}
	if err := sendDownlink(ctx, dev, phyBytes, ctx.DefaultRX1Window); err != nil {
		return nil, err
	}
	ctx.DownlinkCounter = 0
	return s.Next, nil
}

// WaitActOk waits for the DUT to echo ctx.DownlinkCounter on
// TestActivationPort, confirming it received and decrypted the last
// scheduled downlink.
type WaitActOk struct {
	teststep.BaseStep
	Next teststep.Step
}

func NewWaitActOk(name string, next teststep.Step) *WaitActOk {
	return &WaitActOk{BaseStep: teststep.BaseStep{StepName: name}, Next: next}
}

func (s *WaitActOk) Handle(ctx *teststep.Context, dev *session.EndDevice, raw []byte) (teststep.Step, error) {
	if err := checkActOk(ctx, dev, raw); err != nil {
		return nil, err
	}
	return s.Next, nil
}

// ActOkToPing extends the ActOk check: once it passes, it sends a random
// 8-byte ping on TestActivationPort and hands off to a freshly built
// WaitPong expecting the byte-incremented pong.
type ActOkToPing struct {
	teststep.BaseStep
	NextAfterPong teststep.Step
}

func NewActOkToPing(name string, nextAfterPong teststep.Step) *ActOkToPing {
	return &ActOkToPing{BaseStep: teststep.BaseStep{StepName: name}, NextAfterPong: nextAfterPong}
}

func (s *ActOkToPing) Handle(ctx *teststep.Context, dev *session.EndDevice, raw []byte) (teststep.Step, error) {
	if err := checkActOk(ctx, dev, raw); err != nil {
		return nil, err
	}

	ping := make([]byte, 9)
	ping[0] = PingPongPrefix
	if _, err := rand.Read(ping[1:]); err != nil {
		return nil, err
	}
	pong := make([]byte, 9)
	pong[0] = PingPongPrefix
	for i := 1; i < len(ping); i++ {
		pong[i] = ping[i] + 1
	}

	fport := uint8(TestActivationPort)
	phyBytes, err := dev.PrepareLoRaWANData(lorawan.UnconfirmedDataDown, lorawan.FCtrl{}, nil, &fport, ping, nil)
	if err != nil {
		return nil, err
	}
	if err := sendDownlink(ctx, dev, phyBytes, ctx.DefaultRX1Window); err != nil {
		return nil, err
	}
	ctx.DownlinkCounter++

	return NewWaitPong("wait_pong", pong, s.NextAfterPong), nil
}

// WaitPong waits for the DUT to echo Expected (a ping byte-incremented by
// the DUT) on TestActivationPort.
type WaitPong struct {
	teststep.BaseStep
	Expected []byte
	Next     teststep.Step
}

func NewWaitPong(name string, expected []byte, next teststep.Step) *WaitPong {
	return &WaitPong{BaseStep: teststep.BaseStep{StepName: name}, Expected: expected, Next: next}
}

func (s *WaitPong) Handle(ctx *teststep.Context, dev *session.EndDevice, raw []byte) (teststep.Step, error) {
	_, mac, err := parseDataUplink(raw)
	if err != nil {
		return nil, err
	}
	if mac.FPort == nil || *mac.FPort != TestActivationPort {
		return nil, teststep.NewTestFailError(teststep.KindUnexpectedResponse, "expected the pong on the activation FPort", raw)
	}
	plaintext, err := decryptFRMPayload(dev, mac)
	if err != nil {
		return nil, teststep.NewTestFailError(teststep.KindFRMPayload, err.Error(), raw)
	}
	if !bytesEqual(plaintext, s.Expected) {
		return nil, teststep.NewTestFailError(teststep.KindEcho, "pong payload does not match the expected ping+1 echo", raw)
	}
	return s.Next, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ResetStep waits for a single valid uplink from the DUT, of any kind, to
// confirm it is still reachable after a prior test-case failure, then
// terminates the case successfully so the coordinator can resume its
// requested-test list.
type ResetStep struct {
	teststep.BaseStep
}

func NewResetStep(name string) *ResetStep {
	return &ResetStep{BaseStep: teststep.BaseStep{StepName: name}}
}

func (s *ResetStep) Handle(ctx *teststep.Context, dev *session.EndDevice, raw []byte) (teststep.Step, error) {
	return nil, nil
}

// DeactivateStep accepts a single valid uplink, zeroes the downlink counter
// bookkeeping, and terminates, returning the DUT to the non-test scheduler.
type DeactivateStep struct {
	teststep.BaseStep
}

func NewDeactivateStep(name string) *DeactivateStep {
	return &DeactivateStep{BaseStep: teststep.BaseStep{StepName: name}}
}

func (s *DeactivateStep) Handle(ctx *teststep.Context, dev *session.EndDevice, raw []byte) (teststep.Step, error) {
	ctx.DownlinkCounter = 0
	return nil, nil
}
