package steps

import (
	"testing"

	"github.com/pablomodernell/lorawan-conformance-testing/internal/teststep"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/crypto"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/gwenvelope"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/lorawan"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/session"
)

type fakeSink struct {
	published [][]byte
}

func (f *fakeSink) Publish(gatewayID string, envelope []byte) error {
	f.published = append(f.published, envelope)
	return nil
}

func testDevice() *session.EndDevice {
	return session.NewEndDevice(
		lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8},
		lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 1},
		lorawan.AES128Key{0: 1, 1: 2, 2: 3},
	)
}

func testContext(sink *fakeSink) *teststep.Context {
	return &teststep.Context{
		GatewayID: "gw-1",
		Uplink: gwenvelope.RXPK{
			Tmst: 1000,
			Freq: 868.1,
			Datr: "SF7BW125",
			Codr: "4/5",
			Modu: "LORA",
		},
		Sink:             sink,
		DefaultRX1Window: true,
	}
}

// buildJoinRequest encodes and MICs a Join-Request for dev.
func buildJoinRequest(t *testing.T, dev *session.EndDevice, devNonce [2]byte) []byte {
	t.Helper()
	jr := &lorawan.JoinRequestPayload{AppEUI: dev.AppEUI, DevEUI: dev.DevEUI, DevNonce: devNonce}
	macBytes := jr.MarshalBinary()
	mhdr := lorawan.MHDR{MType: lorawan.JoinRequest, Major: lorawan.LoRaWAN1_0}
	msgWithoutMIC := append([]byte{mhdr.Byte()}, macBytes...)
	mic, err := lorawan.ComputeJoinMIC(dev.AppKey, msgWithoutMIC)
	if err != nil {
		t.Fatal(err)
	}
	return append(msgWithoutMIC, mic[:]...)
}

// buildUplinkData encodes and MICs a Data uplink carrying plaintext on fport,
// using dev's already-derived session keys.
func buildUplinkData(t *testing.T, dev *session.EndDevice, fcnt uint16, fport uint8, plaintext []byte) []byte {
	t.Helper()
	key := dev.AppSKey
	if fport == 0 {
		key = dev.NwkSKey
	}
	cipher, err := crypto.EncryptFRMPayload(key[:], plaintext, true, [4]byte(dev.DevAddr), uint32(fcnt))
	if err != nil {
		t.Fatal(err)
	}
	mac := &lorawan.MACPayload{
		FHDR:       lorawan.FHDR{DevAddr: dev.DevAddr, FCnt: fcnt},
		FPort:      &fport,
		FRMPayload: cipher,
	}
	macBytes := mac.Marshal(true)
	mhdr := lorawan.MHDR{MType: lorawan.UnconfirmedDataUp, Major: lorawan.LoRaWAN1_0}
	msgWithoutMIC := append([]byte{mhdr.Byte()}, macBytes...)
	mic, err := lorawan.ComputeDataMIC(dev.NwkSKey, msgWithoutMIC, true, dev.DevAddr, uint32(fcnt))
	if err != nil {
		t.Fatal(err)
	}
	return append(msgWithoutMIC, mic[:]...)
}

func joinedDevice(t *testing.T) *session.EndDevice {
	t.Helper()
	dev := testDevice()
	sink := &fakeSink{}
	ctx := testContext(sink)
	step := NewJoinRequestHandlerStep("join", lorawan.DLSettings{}, 1, nil, nil)
	raw := buildJoinRequest(t, dev, [2]byte{0x01, 0x00})
	if _, err := step.Handle(ctx, dev, raw); err != nil {
		t.Fatalf("join handling failed: %v", err)
	}
	return dev
}

func TestJoinRequestHandlerStep_AcceptsAndSchedulesJoinAccept(t *testing.T) {
	dev := testDevice()
	sink := &fakeSink{}
	ctx := testContext(sink)
	next := &fakeTerminalStep{}
	step := NewJoinRequestHandlerStep("join", lorawan.DLSettings{}, 1, nil, next)

	raw := buildJoinRequest(t, dev, [2]byte{0x01, 0x00})
	got, err := step.Handle(ctx, dev, raw)
	if err != nil {
		t.Fatal(err)
	}
	if got != next {
		t.Fatal("expected the configured Next step to be returned")
	}
	if len(sink.published) != 1 {
		t.Fatalf("expected one scheduled downlink, got %d", len(sink.published))
	}
	if dev.DevAddr == (lorawan.DevAddr{}) {
		t.Fatal("expected a DevAddr to be assigned")
	}
}

func TestJoinRequestHandlerStep_RejectsBadMIC(t *testing.T) {
	dev := testDevice()
	sink := &fakeSink{}
	ctx := testContext(sink)
	step := NewJoinRequestHandlerStep("join", lorawan.DLSettings{}, 1, nil, nil)

	raw := buildJoinRequest(t, dev, [2]byte{0x01, 0x00})
	raw[len(raw)-1] ^= 0xFF // corrupt the MIC

	if _, err := step.Handle(ctx, dev, raw); err == nil {
		t.Fatal("expected a MIC mismatch error")
	}
}

func TestJoinRequestHandlerStep_RejectsReplayedDevNonce(t *testing.T) {
	dev := testDevice()
	sink := &fakeSink{}
	ctx := testContext(sink)
	step := NewJoinRequestHandlerStep("join", lorawan.DLSettings{}, 1, nil, nil)

	raw := buildJoinRequest(t, dev, [2]byte{0x02, 0x00})
	if _, err := step.Handle(ctx, dev, raw); err != nil {
		t.Fatal(err)
	}
	_, err := step.Handle(ctx, dev, raw)
	if err == nil {
		t.Fatal("expected the second join with the same DevNonce to fail")
	}
}

func TestWaitActOk_AcceptsMatchingCounter(t *testing.T) {
	dev := joinedDevice(t)
	sink := &fakeSink{}
	ctx := testContext(sink)
	ctx.DownlinkCounter = 0
	next := &fakeTerminalStep{}
	step := NewWaitActOk("wait_act_ok", next)

	raw := buildUplinkData(t, dev, 0, TestActivationPort, []byte{0x00, 0x00})
	got, err := step.Handle(ctx, dev, raw)
	if err != nil {
		t.Fatal(err)
	}
	if got != next {
		t.Fatal("expected the configured Next step")
	}
}

func TestWaitActOk_RejectsMismatchedCounter(t *testing.T) {
	dev := joinedDevice(t)
	sink := &fakeSink{}
	ctx := testContext(sink)
	ctx.DownlinkCounter = 5
	step := NewWaitActOk("wait_act_ok", nil)

	raw := buildUplinkData(t, dev, 0, TestActivationPort, []byte{0x00, 0x00})
	if _, err := step.Handle(ctx, dev, raw); err == nil {
		t.Fatal("expected a counter mismatch error")
	}
}

func TestActOkToPing_SendsPingAndAdvancesToWaitPong(t *testing.T) {
	dev := joinedDevice(t)
	sink := &fakeSink{}
	ctx := testContext(sink)
	ctx.DownlinkCounter = 0
	next := &fakeTerminalStep{}
	step := NewActOkToPing("act_ok_to_ping", next)

	raw := buildUplinkData(t, dev, 0, TestActivationPort, []byte{0x00, 0x00})
	got, err := step.Handle(ctx, dev, raw)
	if err != nil {
		t.Fatal(err)
	}
	waitPong, ok := got.(*WaitPong)
	if !ok {
		t.Fatalf("expected *WaitPong, got %T", got)
	}
	if len(sink.published) != 1 {
		t.Fatalf("expected the ping downlink to be scheduled, got %d publishes", len(sink.published))
	}
	if ctx.DownlinkCounter != 1 {
		t.Fatalf("expected DownlinkCounter to advance to 1, got %d", ctx.DownlinkCounter)
	}

	// Now drive the pong through WaitPong using the exact expected bytes.
	pongRaw := buildUplinkData(t, dev, 1, TestActivationPort, waitPong.Expected)
	gotNext, err := waitPong.Handle(ctx, dev, pongRaw)
	if err != nil {
		t.Fatal(err)
	}
	if gotNext != next {
		t.Fatal("expected WaitPong to hand off to NextAfterPong once the echo matches")
	}
}

func TestWaitPong_RejectsWrongEcho(t *testing.T) {
	dev := joinedDevice(t)
	sink := &fakeSink{}
	ctx := testContext(sink)
	step := NewWaitPong("wait_pong", []byte{PingPongPrefix, 1, 2, 3, 4, 5, 6, 7, 8}, nil)

	raw := buildUplinkData(t, dev, 0, TestActivationPort, []byte{PingPongPrefix, 0, 0, 0, 0, 0, 0, 0, 0})
	if _, err := step.Handle(ctx, dev, raw); err == nil {
		t.Fatal("expected an echo mismatch error")
	}
}

func TestResetStep_TerminatesSuccessfully(t *testing.T) {
	dev := joinedDevice(t)
	ctx := testContext(&fakeSink{})
	step := NewResetStep("reset")
	next, err := step.Handle(ctx, dev, nil)
	if err != nil || next != nil {
		t.Fatalf("expected a clean terminal Handle, got next=%v err=%v", next, err)
	}
}

func TestDeactivateStep_ResetsDownlinkCounterAndTerminates(t *testing.T) {
	dev := joinedDevice(t)
	ctx := testContext(&fakeSink{})
	ctx.DownlinkCounter = 42
	step := NewDeactivateStep("deactivate")
	next, err := step.Handle(ctx, dev, nil)
	if err != nil || next != nil {
		t.Fatalf("expected a clean terminal Handle, got next=%v err=%v", next, err)
	}
	if ctx.DownlinkCounter != 0 {
		t.Fatalf("expected DownlinkCounter reset to 0, got %d", ctx.DownlinkCounter)
	}
}

// fakeTerminalStep is a minimal teststep.Step used as a Next sentinel to
// assert on step-chain wiring without depending on a real step.
type fakeTerminalStep struct {
	teststep.BaseStep
}

func (s *fakeTerminalStep) Handle(ctx *teststep.Context, dev *session.EndDevice, raw []byte) (teststep.Step, error) {
	return nil, nil
}
