// Package dutmock emulates the device side of the conformance protocol: an
// end node (plus its gateway and packet forwarder, collapsed into one) that
// joins, echoes the downlink counter on the activation port, answers pings,
// and sends arbitrary data uplinks on command. It exists so the whole test
// application server can be exercised without DUT hardware on the bench.
package dutmock

import (
	"crypto/rand"
	"fmt"

	"github.com/pablomodernell/lorawan-conformance-testing/pkg/crypto"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/lorawan"
)

// TestActivationPort and the test-protocol codes mirror the values the step
// library keys on; the mock is a separate process, so they are redeclared
// rather than imported from the engine.
const (
	TestActivationPort uint8 = 224
	PingPongPrefix     byte  = 0x04
)

// testActivatePayload is the plaintext that resets the mock's downlink
// counter when received on the activation port.
var testActivatePayload = []byte{0x01, 0x01, 0x01, 0x01}

// Device is the mock's device-side session: identity, keys, counters, and
// the last ping it owes a pong for. Unlike session.EndDevice (the network's
// view), this is the view from inside the DUT: it consumes Join-Accepts
// instead of producing them.
type Device struct {
	DevEUI  lorawan.EUI64
	DevAddr lorawan.DevAddr
	AppKey  lorawan.AES128Key
	NwkSKey lorawan.AES128Key
	AppSKey lorawan.AES128Key

	FCntUp   uint16
	FCntDown uint16

	// DownlinkCounter tracks received activation-port downlinks, the value
	// an ActOk uplink must echo big-endian.
	DownlinkCounter uint16

	// LastPing is the most recent ping payload, kept so BuildPong can
	// answer it.
	LastPing []byte

	// AckPending is raised by a received CONFIRMED_DOWN and consumed by
	// the next uplink.
	AckPending bool

	usedDevNonces map[[2]byte]bool
	lastDevNonce  [2]byte

	// Frequencies is the channel list uplinks rotate over, mirroring a
	// real device's channel hopping.
	Frequencies []float64
	nextFreqIdx int
}

// NewDevice builds a mock with the ABP-style identity given; an OTAA run
// replaces DevAddr and the session keys once a Join-Accept arrives.
func NewDevice(devEUI lorawan.EUI64, devAddr lorawan.DevAddr, appKey, nwkSKey, appSKey lorawan.AES128Key) *Device {
	return &Device{
		DevEUI:        devEUI,
		DevAddr:       devAddr,
		AppKey:        appKey,
		NwkSKey:       nwkSKey,
		AppSKey:       appSKey,
		usedDevNonces: make(map[[2]byte]bool),
		Frequencies:   []float64{868.1, 868.3, 868.5},
	}
}

// NextFrequency rotates over the device's channel list.
func (d *Device) NextFrequency() float64 {
	f := d.Frequencies[d.nextFreqIdx%len(d.Frequencies)]
	d.nextFreqIdx++
	return f
}

// BuildJoinRequest creates a Join-Request PHYPayload with a fresh random
// DevNonce, remembering it for the key derivation that follows the accept.
func (d *Device) BuildJoinRequest(appEUI lorawan.EUI64) ([]byte, error) {
	var devNonce [2]byte
	for {
		if _, err := rand.Read(devNonce[:]); err != nil {
			return nil, err
		}
		if !d.usedDevNonces[devNonce] {
			break
		}
	}
	d.usedDevNonces[devNonce] = true
	d.lastDevNonce = devNonce

	jr := &lorawan.JoinRequestPayload{AppEUI: appEUI, DevEUI: d.DevEUI, DevNonce: devNonce}
	mhdr := lorawan.MHDR{MType: lorawan.JoinRequest, Major: lorawan.LoRaWAN1_0}
	msgWithoutMIC := append([]byte{mhdr.Byte()}, jr.MarshalBinary()...)
	mic, err := lorawan.ComputeJoinMIC(d.AppKey, msgWithoutMIC)
	if err != nil {
		return nil, err
	}
	return append(msgWithoutMIC, mic[:]...), nil
}

// handleJoinAccept verifies and applies a Join-Accept: undoes the on-air
// transform with an AES encrypt under AppKey, checks the MIC, and derives
// the session keys from the raw little-endian wire bytes of
// AppNonce‖NetID‖DevNonce exactly as a real device does.
func (d *Device) handleJoinAccept(raw []byte) error {
	body, err := crypto.AESEncrypt(d.AppKey[:], raw[1:])
	if err != nil {
		return err
	}
	macPayload := body[:len(body)-4]
	var mic [4]byte
	copy(mic[:], body[len(body)-4:])

	wantMIC, err := lorawan.ComputeJoinMIC(d.AppKey, append([]byte{raw[0]}, macPayload...))
	if err != nil {
		return err
	}
	if mic != wantMIC {
		return fmt.Errorf("dutmock: join-accept MIC mismatch")
	}

	ja, err := lorawan.ParseJoinAcceptPayload(macPayload)
	if err != nil {
		return err
	}

	block := make([]byte, 16)
	copy(block[1:7], macPayload[0:6]) // AppNonce‖NetID, already wire order
	block[7], block[8] = d.lastDevNonce[1], d.lastDevNonce[0]

	block[0] = 0x01
	nwk, err := crypto.AESEncrypt(d.AppKey[:], block)
	if err != nil {
		return err
	}
	block[0] = 0x02
	app, err := crypto.AESEncrypt(d.AppKey[:], block)
	if err != nil {
		return err
	}

	copy(d.NwkSKey[:], nwk)
	copy(d.AppSKey[:], app)
	d.DevAddr = ja.DevAddr
	d.FCntUp = 0
	d.FCntDown = 0
	d.DownlinkCounter = 0

	if len(ja.CFList) == 16 {
		if freqs, err := lorawan.DecodeCFList(ja.CFList); err == nil {
			for _, f := range freqs {
				d.Frequencies = append(d.Frequencies, float64(f)/1e6)
			}
		}
	}
	return nil
}

// HandleDownlink consumes one downlink PHYPayload addressed to this device,
// updating the session the way a conformant DUT would: Join-Accepts rekey
// the session, activation-port payloads drive the downlink counter and the
// ping/pong bookkeeping, and CONFIRMED_DOWN raises the pending-ACK flag.
// Frames with a bad MIC are dropped silently, per the MAC specification.
func (d *Device) HandleDownlink(raw []byte) error {
	phy, err := lorawan.Parse(raw)
	if err != nil {
		return err
	}

	if phy.MHDR.MType == lorawan.JoinAccept {
		return d.handleJoinAccept(raw)
	}
	if phy.MHDR.MType != lorawan.UnconfirmedDataDown && phy.MHDR.MType != lorawan.ConfirmedDataDown {
		return fmt.Errorf("dutmock: unexpected downlink mtype %s", phy.MHDR.MType)
	}

	mac, err := lorawan.ParseMACPayload(phy.MHDR.MType, phy.MACPayload)
	if err != nil {
		return err
	}
	if mac.FHDR.DevAddr != d.DevAddr {
		return nil // someone else's frame, not an error
	}

	wantMIC, err := lorawan.ComputeDataMIC(d.NwkSKey, raw[:len(raw)-4], false, d.DevAddr, uint32(mac.FHDR.FCnt))
	if err != nil {
		return err
	}
	if wantMIC != phy.MIC {
		return nil // forged or corrupted, a conformant device stays silent
	}
	if mac.FHDR.FCnt < d.FCntDown {
		return nil // stale FCntDown replay, ignored
	}
	d.FCntDown = mac.FHDR.FCnt + 1

	if phy.MHDR.MType == lorawan.ConfirmedDataDown {
		d.AckPending = true
	}

	if mac.FPort == nil || *mac.FPort != TestActivationPort {
		return nil
	}
	plaintext, err := crypto.EncryptFRMPayload(d.AppSKey[:], mac.FRMPayload, false, [4]byte(d.DevAddr), uint32(mac.FHDR.FCnt))
	if err != nil {
		return err
	}

	d.DownlinkCounter++
	switch {
	case bytesEqual(plaintext, testActivatePayload):
		d.DownlinkCounter = 0
	case len(plaintext) > 0 && plaintext[0] == PingPongPrefix:
		d.LastPing = plaintext
	}
	return nil
}

// BuildActOk creates the activation-port uplink echoing the downlink
// counter big-endian.
func (d *Device) BuildActOk() ([]byte, error) {
	payload := []byte{byte(d.DownlinkCounter >> 8), byte(d.DownlinkCounter)}
	return d.BuildData(TestActivationPort, payload, false, nil)
}

// BuildPong answers the most recent ping: every byte after the prefix
// incremented by one.
func (d *Device) BuildPong() ([]byte, error) {
	if len(d.LastPing) == 0 {
		return nil, fmt.Errorf("dutmock: no ping to answer")
	}
	pong := make([]byte, len(d.LastPing))
	pong[0] = PingPongPrefix
	for i := 1; i < len(d.LastPing); i++ {
		pong[i] = d.LastPing[i] + 1
	}
	return d.BuildData(TestActivationPort, pong, false, nil)
}

// BuildData creates a data uplink on fport carrying payload, consuming the
// next FCntUp and any pending ACK.
func (d *Device) BuildData(fport uint8, payload []byte, confirmed bool, fopts []byte) ([]byte, error) {
	key := d.AppSKey
	if fport == 0 {
		key = d.NwkSKey
	}
	fcnt := d.FCntUp
	d.FCntUp++

	cipher, err := crypto.EncryptFRMPayload(key[:], payload, true, [4]byte(d.DevAddr), uint32(fcnt))
	if err != nil {
		return nil, err
	}

	fctrl := lorawan.FCtrl{ACK: d.AckPending, FOptsLen: uint8(len(fopts))}
	d.AckPending = false

	mac := &lorawan.MACPayload{
		FHDR: lorawan.FHDR{
			DevAddr: d.DevAddr,
			FCtrl:   fctrl,
			FCnt:    fcnt,
			FOpts:   fopts,
		},
		FPort:      &fport,
		FRMPayload: cipher,
	}

	mtype := lorawan.UnconfirmedDataUp
	if confirmed {
		mtype = lorawan.ConfirmedDataUp
	}
	mhdr := lorawan.MHDR{MType: mtype, Major: lorawan.LoRaWAN1_0}
	msgWithoutMIC := append([]byte{mhdr.Byte()}, mac.Marshal(true)...)
	mic, err := lorawan.ComputeDataMIC(d.NwkSKey, msgWithoutMIC, true, d.DevAddr, uint32(fcnt))
	if err != nil {
		return nil, err
	}
	return append(msgWithoutMIC, mic[:]...), nil
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
