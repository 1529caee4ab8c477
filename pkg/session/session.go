// Package session implements the LoRaWAN 1.0.2 end-device session state
// machine: the channel plan, MAC parameters, and the single canonical
// EndDevice type shared by the test coordinator and the downlink scheduler.
package session

import (
	"crypto/rand"
	"fmt"

	"github.com/pablomodernell/lorawan-conformance-testing/pkg/crypto"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/lorawan"
)

// ReplayError reports a DevNonce that has already been accepted for this
// device; the join is a replay attempt and must be rejected.
type ReplayError struct {
	DevNonce [2]byte
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("session: devnonce %x already used", e.DevNonce)
}

// LoRaMACParameters holds the negotiated RX timing and data-rate parameters
// of a device session. A fresh EndDevice starts at the EU868 defaults;
// AcceptJoin updates them from the dlsettings/rxdelay of the join it accepts,
// but the Join-Accept that carries the change is itself sent using the
// *previous* values (see AcceptJoin).
type LoRaMACParameters struct {
	RX1DROffset   uint8
	RX2DataRate   uint8
	RX2FreqHz     uint32
	RX1DelayUs    uint64
	RX2DelayUs    uint64
	JoinAccDelay1 uint64
	JoinAccDelay2 uint64
}

func defaultMACParameters() LoRaMACParameters {
	return LoRaMACParameters{
		RX1DROffset:   0,
		RX2DataRate:   lorawan.DefaultRX2DataRate,
		RX2FreqHz:     lorawan.DefaultRX2FreqHz,
		RX1DelayUs:    lorawan.ReceiveDelay1Us,
		RX2DelayUs:    lorawan.ReceiveDelay2Us,
		JoinAccDelay1: lorawan.JoinAcceptDelay1Us,
		JoinAccDelay2: lorawan.JoinAcceptDelay2Us,
	}
}

// ChannelSlot is one entry of the 16-slot EU868 channel plan. The first
// NumMandatorySlots entries are the fixed 868.1/868.3/868.5 MHz channels and
// can never be cleared or overwritten.
type ChannelSlot struct {
	FreqHz    uint32
	Mandatory bool
}

// ChannelDatabase is the device's negotiated channel plan.
type ChannelDatabase struct {
	slots [lorawan.NumChannelSlots]ChannelSlot
}

// NewChannelDatabase builds the default EU868 plan: the three mandatory
// channels populated, the remaining 13 slots empty.
func NewChannelDatabase() *ChannelDatabase {
	db := &ChannelDatabase{}
	for i, f := range lorawan.MandatoryChannelFreqsHz {
		db.slots[i] = ChannelSlot{FreqHz: f, Mandatory: true}
	}
	return db
}

// AddFrequency inserts freqHz at idx, or at the first empty non-mandatory
// slot if idx is nil. Duplicate frequencies and writes to a mandatory slot
// are rejected.
func (db *ChannelDatabase) AddFrequency(freqHz uint32, idx *int) error {
	for _, s := range db.slots {
		if s.FreqHz == freqHz {
			return fmt.Errorf("session: frequency %d already present in channel plan", freqHz)
		}
	}
	if idx != nil {
		if *idx < 0 || *idx >= lorawan.NumChannelSlots {
			return fmt.Errorf("session: channel index %d out of range", *idx)
		}
		if db.slots[*idx].Mandatory {
			return fmt.Errorf("session: channel index %d is a mandatory slot", *idx)
		}
		db.slots[*idx] = ChannelSlot{FreqHz: freqHz}
		return nil
	}
	for i := range db.slots {
		if db.slots[i].Mandatory {
			continue
		}
		if db.slots[i].FreqHz == 0 {
			db.slots[i] = ChannelSlot{FreqHz: freqHz}
			return nil
		}
	}
	return fmt.Errorf("session: no free channel slot for frequency %d", freqHz)
}

// RemoveFrequency zeroes out the slot(s) matching freqHz (if non-nil) or idx
// (if non-nil). Mandatory slots are left untouched even if targeted.
func (db *ChannelDatabase) RemoveFrequency(freqHz *uint32, idx *int) {
	for i := range db.slots {
		if db.slots[i].Mandatory {
			continue
		}
		match := false
		if freqHz != nil && db.slots[i].FreqHz == *freqHz {
			match = true
		}
		if idx != nil && i == *idx {
			match = true
		}
		if match {
			db.slots[i] = ChannelSlot{}
		}
	}
}

// UsedFrequencies returns the Hz value of every non-empty slot, mandatory or
// not, in slot order.
func (db *ChannelDatabase) UsedFrequencies() []uint32 {
	var out []uint32
	for _, s := range db.slots {
		if s.FreqHz != 0 {
			out = append(out, s.FreqHz)
		}
	}
	return out
}

// EndDevice is the canonical session of one device under test: its identity,
// key material, frame counters, and negotiated MAC/channel state. Both the
// test coordinator and the downlink scheduler construct and update sessions
// exclusively through this type; there is no separate scheduler-side
// session shape.
type EndDevice struct {
	DevEUI lorawan.EUI64
	AppEUI lorawan.EUI64
	AppKey lorawan.AES128Key

	DevAddr lorawan.DevAddr
	NwkSKey lorawan.AES128Key
	AppSKey lorawan.AES128Key

	FCntUp   uint16
	FCntDown uint16

	// MessageToAck is set by Step.BasicCheck when the most recent uplink
	// requested an ACK (CONFIRMED_UP); PrepareLoRaWANData consumes it.
	MessageToAck bool

	MACParams         LoRaMACParameters
	previousMACParams LoRaMACParameters
	Channels          *ChannelDatabase

	usedDevNonces map[[2]byte]bool
	usedAppNonces map[[3]byte]bool
}

// NewEndDevice builds a session for a device identity, with default EU868
// MAC parameters and channel plan. DevAddr/NwkSKey/AppSKey are filled in by
// AcceptJoin (OTAA) or set directly by the caller (ABP).
func NewEndDevice(devEUI, appEUI lorawan.EUI64, appKey lorawan.AES128Key) *EndDevice {
	d := defaultMACParameters()
	return &EndDevice{
		DevEUI:            devEUI,
		AppEUI:            appEUI,
		AppKey:            appKey,
		MACParams:         d,
		previousMACParams: d,
		Channels:          NewChannelDatabase(),
		usedDevNonces:     make(map[[2]byte]bool),
		usedAppNonces:     make(map[[3]byte]bool),
	}
}

// RestoreEndDevice rebuilds a session from persisted state (the downlink
// scheduler's SchedulerSessionStore row joined with its DeviceRegistryStore
// row), so that a restarted scheduler process resumes the same DevNonce
// replay guard and frame counters AcceptJoin/PrepareLoRaWANData depend on.
// This is the one canonical EndDevice shape shared by the coordinator (built
// fresh per test run via NewEndDevice) and the scheduler (restored across
// restarts via RestoreEndDevice); see AcceptJoin's doc comment.
func RestoreEndDevice(devEUI, appEUI lorawan.EUI64, appKey lorawan.AES128Key, devAddr lorawan.DevAddr, nwkSKey, appSKey lorawan.AES128Key, fcntUp, fcntDown uint16, usedDevNonces [][2]byte) *EndDevice {
	d := NewEndDevice(devEUI, appEUI, appKey)
	d.DevAddr = devAddr
	d.NwkSKey = nwkSKey
	d.AppSKey = appSKey
	d.FCntUp = fcntUp
	d.FCntDown = fcntDown
	for _, n := range usedDevNonces {
		d.usedDevNonces[n] = true
	}
	return d
}

// UsedDevNonces returns every DevNonce this session has accepted, in no
// particular order, for the scheduler to persist alongside its session row.
func (d *EndDevice) UsedDevNonces() [][2]byte {
	out := make([][2]byte, 0, len(d.usedDevNonces))
	for n := range d.usedDevNonces {
		out = append(out, n)
	}
	return out
}

// NewRandomDevAddr picks a fresh random 32-bit DevAddr. Callers that own a
// whole device registry (the scheduler) are expected to retry on collision
// against their own table; a single EndDevice has no visibility into other
// sessions' addresses.
func NewRandomDevAddr() (lorawan.DevAddr, error) {
	var d lorawan.DevAddr
	if _, err := rand.Read(d[:]); err != nil {
		return d, err
	}
	return d, nil
}

// randAppNonce picks a 24-bit AppNonce not yet used for this device.
func (d *EndDevice) randAppNonce() ([3]byte, error) {
	for i := 0; i < 32; i++ {
		var n [3]byte
		if _, err := rand.Read(n[:]); err != nil {
			return n, err
		}
		if !d.usedAppNonces[n] {
			return n, nil
		}
	}
	return [3]byte{}, fmt.Errorf("session: could not find an unused AppNonce")
}

// AcceptJoin processes a Join-Request's DevNonce and builds the matching
// Join-Accept PHYPayload. It records the DevNonce to reject replays,
// derives NwkSKey/AppSKey, adopts the caller-chosen newDevAddr, and merges dlsettings/
// rxdelay/cflist into the session's MAC parameters and channel plan.
//
// The returned bytes are encoded as the spec's accept_join step requires:
// the Join-Accept is built and MIC'd in plaintext, then run through
// crypto.AESDecrypt under AppKey (LoRaWAN's decrypt-as-encrypt idiom for
// this one message type). Critically, the caller must use d.PreviousMACParams
// (captured here before the update) to schedule the Join-Accept's own RX1/
// RX2 timing: the new parameters this call negotiates take effect only
// after the device has received this very message.
func (d *EndDevice) AcceptJoin(devNonce [2]byte, newDevAddr lorawan.DevAddr, dlSettings lorawan.DLSettings, rxDelay uint8, cflistFreqsHz []uint32) ([]byte, error) {
	if d.usedDevNonces[devNonce] {
		return nil, &ReplayError{DevNonce: devNonce}
	}
	d.usedDevNonces[devNonce] = true

	appNonce, err := d.randAppNonce()
	if err != nil {
		return nil, err
	}
	d.usedAppNonces[appNonce] = true

	// NwkID is the top 7 bits of the DevAddr; the NetID carried in the
	// Join-Accept must agree with it in its low 7 bits, the rest is random.
	nwkID := newDevAddr[0] >> 1
	var netID [3]byte
	if _, err := rand.Read(netID[:]); err != nil {
		return nil, err
	}
	netID[2] = (netID[2] & 0x80) | nwkID

	join := &lorawan.JoinAcceptPayload{
		AppNonce:   appNonce,
		NetID:      netID,
		DevAddr:    newDevAddr,
		DLSettings: dlSettings,
		RxDelay:    rxDelay,
	}
	if len(cflistFreqsHz) > 0 {
		cflist, err := lorawan.EncodeCFList(cflistFreqsHz)
		if err != nil {
			return nil, err
		}
		join.CFList = cflist
	}

	macPayload := join.MarshalBinary()
	mhdr := lorawan.MHDR{MType: lorawan.JoinAccept, Major: lorawan.LoRaWAN1_0}
	msgWithoutMIC := append([]byte{mhdr.Byte()}, macPayload...)
	mic, err := lorawan.ComputeJoinMIC(d.AppKey, msgWithoutMIC)
	if err != nil {
		return nil, err
	}

	plaintext := append(macPayload, mic[:]...)
	ciphertext, err := crypto.AESDecrypt(d.AppKey[:], plaintext)
	if err != nil {
		return nil, err
	}

	// Session update happens after building the reply: the reply itself
	// must reflect the device's state as of before this join.
	d.previousMACParams = d.MACParams
	d.DevAddr = newDevAddr
	d.NwkSKey, d.AppSKey = deriveSessionKeys(d.AppKey, appNonce, netID, devNonce)
	d.FCntUp = 0
	d.FCntDown = 0
	d.MessageToAck = false

	d.MACParams.RX1DROffset = dlSettings.RX1DROffset
	d.MACParams.RX2DataRate = dlSettings.RX2DataRate
	delayS := uint64(rxDelay & 0x0F)
	if delayS == 0 {
		delayS = 1
	}
	d.MACParams.RX1DelayUs = delayS * 1_000_000
	d.MACParams.RX2DelayUs = d.MACParams.RX1DelayUs + 1_000_000

	for _, f := range cflistFreqsHz {
		_ = d.Channels.AddFrequency(f, nil)
	}

	return append([]byte{mhdr.Byte()}, ciphertext...), nil
}

// PreviousMACParams returns the MAC parameters in effect immediately before
// the most recent AcceptJoin call (or the defaults, if none has happened
// yet). Callers schedule the Join-Accept reply's own RX1/RX2 timing from
// this, not from MACParams.
func (d *EndDevice) PreviousMACParams() LoRaMACParameters {
	return d.previousMACParams
}

// deriveSessionKeys computes NwkSKey/AppSKey per LoRaWAN 1.0.2 §6.2.5:
// AES128Encrypt(AppKey, pad16(type ‖ AppNonce ‖ NetID ‖ DevNonce)), type 0x01
// for NwkSKey and 0x02 for AppSKey. The three nonce fields enter the block
// little-endian, exactly as they travel in the Join-Accept/Join-Request
// MACPayloads; the parameters here are MSB-first like the rest of the API,
// so each is reversed at this boundary.
func deriveSessionKeys(appKey lorawan.AES128Key, appNonce [3]byte, netID [3]byte, devNonce [2]byte) (nwkSKey, appSKey lorawan.AES128Key) {
	build := func(typeByte byte) []byte {
		b := make([]byte, 16)
		b[0] = typeByte
		b[1], b[2], b[3] = appNonce[2], appNonce[1], appNonce[0]
		b[4], b[5], b[6] = netID[2], netID[1], netID[0]
		b[7], b[8] = devNonce[1], devNonce[0]
		return b
	}
	nwk, _ := crypto.AESEncrypt(appKey[:], build(0x01))
	app, _ := crypto.AESEncrypt(appKey[:], build(0x02))
	copy(nwkSKey[:], nwk)
	copy(appSKey[:], app)
	return
}

// PrepareLoRaWANData builds a downlink Data PHYPayload for this session.
// forceFcntDown, when non-nil, pins the counter used for this message
// instead of consuming the next sequential fcnt_down; the internal counter
// still advances past it.
func (d *EndDevice) PrepareLoRaWANData(mtype lorawan.MType, fctrl lorawan.FCtrl, fopts []byte, fport *uint8, frmPayload []byte, forceFcntDown *uint16) ([]byte, error) {
	fcnt := d.FCntDown
	if forceFcntDown != nil {
		fcnt = *forceFcntDown
	}
	d.FCntDown = d.FCntDown + 1

	if d.MessageToAck && (mtype == lorawan.UnconfirmedDataDown || mtype == lorawan.ConfirmedDataDown) {
		fctrl.ACK = true
		d.MessageToAck = false
	}
	fctrl.FOptsLen = uint8(len(fopts))

	m := &lorawan.MACPayload{
		FHDR: lorawan.FHDR{
			DevAddr: d.DevAddr,
			FCtrl:   fctrl,
			FCnt:    fcnt,
			FOpts:   fopts,
		},
	}
	if fport != nil {
		key := d.AppSKey
		if *fport == 0 {
			key = d.NwkSKey
		}
		cipher, err := crypto.EncryptFRMPayload(key[:], frmPayload, false, [4]byte(d.DevAddr), uint32(fcnt))
		if err != nil {
			return nil, err
		}
		m.FPort = fport
		m.FRMPayload = cipher
	}

	macBytes := m.Marshal(false)
	mhdr := lorawan.MHDR{MType: mtype, Major: lorawan.LoRaWAN1_0}
	msgWithoutMIC := append([]byte{mhdr.Byte()}, macBytes...)
	mic, err := lorawan.ComputeDataMIC(d.NwkSKey, msgWithoutMIC, false, d.DevAddr, uint32(fcnt))
	if err != nil {
		return nil, err
	}

	out := append(msgWithoutMIC, mic[:]...)
	return out, nil
}
