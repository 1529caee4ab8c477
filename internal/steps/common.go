// Package steps implements the concrete teststep.Step nodes shared by the
// test-case catalogue: activation, ping-pong echo, channel/frequency
// bookkeeping, and MAC-command request/answer exchanges.
package steps

import (
	"github.com/pablomodernell/lorawan-conformance-testing/internal/teststep"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/crypto"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/gwenvelope"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/lorawan"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/session"
)

// TestActivationPort is the FPort reserved for the activation/ack handshake
// and the ping-pong exchange.
const TestActivationPort = 224

// PingPongPrefix tags the first byte of a ping or pong payload so a step can
// tell the two apart from a plain ActOk counter echo.
const PingPongPrefix = 0x04

// TestActivatePayload is sent on TestActivationPort to kick off the ActOk
// handshake once a device has joined or, for ABP, sent its first uplink.
var TestActivatePayload = []byte{0x01, 0x01, 0x01, 0x01}

func parseDataUplink(raw []byte) (*lorawan.PHYPayload, *lorawan.MACPayload, error) {
	phy, err := lorawan.Parse(raw)
	if err != nil {
		return nil, nil, teststep.NewTestFailError(teststep.KindMHDR, err.Error(), raw)
	}
	mac, err := lorawan.ParseMACPayload(phy.MHDR.MType, phy.MACPayload)
	if err != nil {
		return nil, nil, teststep.NewTestFailError(teststep.KindMACPayload, err.Error(), raw)
	}
	return phy, mac, nil
}

func decryptFRMPayload(dev *session.EndDevice, mac *lorawan.MACPayload) ([]byte, error) {
	if mac.FPort == nil {
		return nil, nil
	}
	key := dev.AppSKey
	if *mac.FPort == 0 {
		key = dev.NwkSKey
	}
	return crypto.EncryptFRMPayload(key[:], mac.FRMPayload, true, [4]byte(mac.FHDR.DevAddr), uint32(mac.FHDR.FCnt))
}

// macCommandsFromUplink gathers MAC commands carried either piggybacked in
// FOpts or on port 0 (the protocol forbids using both at once; this just
// looks in whichever one is actually populated).
func macCommandsFromUplink(dev *session.EndDevice, mac *lorawan.MACPayload) []lorawan.MACCommand {
	var cmds []lorawan.MACCommand
	if len(mac.FHDR.FOpts) > 0 {
		cmds = append(cmds, lorawan.ParseMACCommands(true, mac.FHDR.FOpts)...)
	}
	if mac.FPort != nil && *mac.FPort == 0 {
		if plaintext, err := decryptFRMPayload(dev, mac); err == nil {
			cmds = append(cmds, lorawan.ParseMACCommands(true, plaintext)...)
		}
	}
	return cmds
}

// checkActOk validates that raw is a data uplink on TestActivationPort
// carrying a two-byte big-endian echo of ctx.DownlinkCounter.
func checkActOk(ctx *teststep.Context, dev *session.EndDevice, raw []byte) error {
	_, mac, err := parseDataUplink(raw)
	if err != nil {
		return err
	}
	if mac.FPort == nil || *mac.FPort != TestActivationPort {
		return teststep.NewTestFailError(teststep.KindFPort, "expected an ActOk on the activation FPort", raw)
	}
	plaintext, err := decryptFRMPayload(dev, mac)
	if err != nil {
		return teststep.NewTestFailError(teststep.KindFRMPayload, err.Error(), raw)
	}
	if len(plaintext) != 2 {
		return teststep.NewTestFailError(teststep.KindFRMPayload, "ActOk payload must be 2 bytes", raw)
	}
	if plaintext[0] == PingPongPrefix {
		return teststep.NewTestFailError(teststep.KindActokCounter, "got a ping/pong frame where an ActOk was expected", raw)
	}
	got := uint16(plaintext[0])<<8 | uint16(plaintext[1])
	if got != ctx.DownlinkCounter {
		return teststep.NewTestFailError(teststep.KindActokCounter, "ActOk counter does not match the last scheduled downlink", raw)
	}
	return nil
}

// sendDownlink schedules phyPayload as a reply to ctx.Uplink, in RX1 (same
// frequency, DR shifted by the session's RX1DROffset) or RX2 (the fixed
// RX2 frequency/data rate), per useRX1.
func sendDownlink(ctx *teststep.Context, dev *session.EndDevice, phyPayload []byte, useRX1 bool) error {
	var envelope []byte
	var err error
	if useRX1 {
		offset := int(dev.MACParams.RX1DROffset)
		envelope, err = gwenvelope.CreateDownlinkReply(ctx.Uplink, phyPayload, dev.MACParams.RX1DelayUs, &offset, "", 0)
	} else {
		freqMHz := float64(dev.MACParams.RX2FreqHz) / 1_000_000
		dr := lorawan.DataRateNames[dev.MACParams.RX2DataRate]
		envelope, err = gwenvelope.CreateDownlinkReply(ctx.Uplink, phyPayload, dev.MACParams.RX2DelayUs, nil, dr, freqMHz)
	}
	if err != nil {
		return err
	}
	return ctx.Sink.Publish(ctx.GatewayID, envelope)
}
