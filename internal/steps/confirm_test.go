package steps

import (
	"testing"

	"github.com/pablomodernell/lorawan-conformance-testing/pkg/crypto"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/lorawan"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/session"
)

// buildUplinkDataWithFCtrl is like buildUplinkData but lets the test set the
// FCtrl bits (e.g. ACK) carried in the FHDR.
func buildUplinkDataWithFCtrl(t *testing.T, dev *session.EndDevice, fcnt uint16, fport uint8, plaintext []byte, fctrl lorawan.FCtrl) []byte {
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
		FHDR:       lorawan.FHDR{DevAddr: dev.DevAddr, FCnt: fcnt, FCtrl: fctrl},
		FPort:      &fport,
		FRMPayload: cipher,
	}
	macBytes := mac.Marshal(true)
	mhdr := lorawan.MHDR{MType: lorawan.ConfirmedDataUp, Major: lorawan.LoRaWAN1_0}
	msgWithoutMIC := append([]byte{mhdr.Byte()}, macBytes...)
	mic, err := lorawan.ComputeDataMIC(dev.NwkSKey, msgWithoutMIC, true, dev.DevAddr, uint32(fcnt))
	if err != nil {
		t.Fatal(err)
	}
	return append(msgWithoutMIC, mic[:]...)
}

func TestConfirmedPingStep_SendsConfirmedDownlinkAndAdvances(t *testing.T) {
	dev := joinedDevice(t)
	sink := &fakeSink{}
	ctx := testContext(sink)
	ctx.DownlinkCounter = 0
	next := &fakeTerminalStep{}
	step := NewConfirmedPingStep("confirmed_ping", next)

	raw := buildUplinkData(t, dev, 0, TestActivationPort, []byte{0x00, 0x00})
	got, err := step.Handle(ctx, dev, raw)
	if err != nil {
		t.Fatal(err)
	}
	if got != next {
		t.Fatal("expected the configured Next step")
	}
	if len(sink.published) != 1 {
		t.Fatalf("expected one scheduled downlink, got %d", len(sink.published))
	}
	if ctx.DownlinkCounter != 1 {
		t.Fatalf("expected DownlinkCounter to advance to 1, got %d", ctx.DownlinkCounter)
	}
}

func TestConfirmedAckCheck_AcceptsSetACK(t *testing.T) {
	dev := joinedDevice(t)
	ctx := testContext(&fakeSink{})
	next := &fakeTerminalStep{}
	step := NewConfirmedAckCheck("confirmed_ack", next)

	raw := buildUplinkDataWithFCtrl(t, dev, 0, TestActivationPort, []byte{0x00, 0x00}, lorawan.FCtrl{ACK: true})
	got, err := step.Handle(ctx, dev, raw)
	if err != nil {
		t.Fatal(err)
	}
	if got != next {
		t.Fatal("expected the configured Next step")
	}
}

func TestConfirmedAckCheck_RejectsMissingACK(t *testing.T) {
	dev := joinedDevice(t)
	ctx := testContext(&fakeSink{})
	step := NewConfirmedAckCheck("confirmed_ack", nil)

	raw := buildUplinkDataWithFCtrl(t, dev, 0, TestActivationPort, []byte{0x00, 0x00}, lorawan.FCtrl{ACK: false})
	if _, err := step.Handle(ctx, dev, raw); err == nil {
		t.Fatal("expected an error when ACK is not set")
	}
}

func TestRetransmissionCheck_WithholdsUntilMinRetransmitsThenAcks(t *testing.T) {
	dev := joinedDevice(t)
	sink := &fakeSink{}
	ctx := testContext(sink)
	next := &fakeTerminalStep{}
	step := NewRetransmissionCheck("retransmission", 3, next)

	raw := buildUplinkDataWithFCtrl(t, dev, 5, TestActivationPort, []byte{0x00, 0x00}, lorawan.FCtrl{})

	got, err := step.Handle(ctx, dev, raw)
	if err != nil {
		t.Fatal(err)
	}
	if got != step {
		t.Fatal("expected the step to self-loop before MinRetransmits is reached")
	}
	if len(sink.published) != 0 {
		t.Fatal("expected no downlink to be scheduled before MinRetransmits is reached")
	}

	got, err = step.Handle(ctx, dev, raw)
	if err != nil || got != step {
		t.Fatal("expected a second self-loop")
	}

	got, err = step.Handle(ctx, dev, raw)
	if err != nil {
		t.Fatal(err)
	}
	if got != next {
		t.Fatal("expected to advance to Next once MinRetransmits is reached")
	}
	if len(sink.published) != 1 {
		t.Fatalf("expected exactly one downlink once the retransmission run completed, got %d", len(sink.published))
	}
}

func TestRetransmissionCheck_RejectsFCntAdvanceBeforeAck(t *testing.T) {
	dev := joinedDevice(t)
	ctx := testContext(&fakeSink{})
	step := NewRetransmissionCheck("retransmission", 3, nil)

	first := buildUplinkDataWithFCtrl(t, dev, 5, TestActivationPort, []byte{0x00, 0x00}, lorawan.FCtrl{})
	if _, err := step.Handle(ctx, dev, first); err != nil {
		t.Fatal(err)
	}

	second := buildUplinkDataWithFCtrl(t, dev, 6, TestActivationPort, []byte{0x00, 0x00}, lorawan.FCtrl{})
	if _, err := step.Handle(ctx, dev, second); err == nil {
		t.Fatal("expected an error when FCntUp advances mid-retransmission-run")
	}
}

func TestStaleFCntDownCheck_SchedulesLegitThenStaleWithoutCountingTheReplay(t *testing.T) {
	dev := joinedDevice(t)
	sink := &fakeSink{}
	ctx := testContext(sink)
	ctx.DownlinkCounter = 0
	next := &fakeTerminalStep{}
	step := NewStaleFCntDownCheck("stale_fcntdown", next)

	raw := buildUplinkData(t, dev, 0, TestActivationPort, []byte{0x00, 0x00})
	got, err := step.Handle(ctx, dev, raw)
	if err != nil {
		t.Fatal(err)
	}
	if got != next {
		t.Fatal("expected the configured Next step")
	}
	if len(sink.published) != 2 {
		t.Fatalf("expected a legitimate downlink plus a replayed stale one, got %d publishes", len(sink.published))
	}
	if ctx.DownlinkCounter != 1 {
		t.Fatalf("expected the stale replay to not advance DownlinkCounter, got %d", ctx.DownlinkCounter)
	}
}

func TestBadMICDownlinkStep_CorruptsMICAndStillAdvances(t *testing.T) {
	dev := joinedDevice(t)
	sink := &fakeSink{}
	ctx := testContext(sink)
	ctx.DownlinkCounter = 0
	next := &fakeTerminalStep{}
	step := NewBadMICDownlinkStep("bad_mic_downlink", next)

	raw := buildUplinkData(t, dev, 0, TestActivationPort, []byte{0x00, 0x00})
	got, err := step.Handle(ctx, dev, raw)
	if err != nil {
		t.Fatal(err)
	}
	if got != next {
		t.Fatal("expected the configured Next step")
	}
	if len(sink.published) != 1 {
		t.Fatalf("expected one scheduled (malformed) downlink, got %d", len(sink.published))
	}
}
