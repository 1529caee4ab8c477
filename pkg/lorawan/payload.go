package lorawan

import (
	"fmt"

	"github.com/pablomodernell/lorawan-conformance-testing/pkg/crypto"
)

// MessageFormatError reports a PHYPayload that cannot be parsed: too short,
// an RFU MType, or an internally inconsistent FPort/FOpts combination.
type MessageFormatError struct {
	Reason string
	Bytes  []byte
}

func (e *MessageFormatError) Error() string {
	return fmt.Sprintf("lorawan: malformed PHYPayload (%s): % x", e.Reason, e.Bytes)
}

func reversed(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// Parse decodes a raw PHYPayload. It does not validate the MIC or decrypt
// FRMPayload; callers perform those with the session keys (see pkg/session).
func Parse(data []byte) (*PHYPayload, error) {
	if len(data) < 12 {
		return nil, &MessageFormatError{Reason: "shorter than 12 bytes", Bytes: data}
	}

	mtypeIdx := MType((data[0] & 0xE0) >> 5)
	if mtypeIdx == RFU {
		return nil, &MessageFormatError{Reason: "RFU MType", Bytes: data}
	}

	p := &PHYPayload{
		MHDR: MHDR{
			MType: mtypeIdx,
			Major: Major(data[0] & 0x03),
		},
	}
	p.MACPayload = append([]byte(nil), data[1:len(data)-4]...)
	copy(p.MIC[:], data[len(data)-4:])
	return p, nil
}

// MarshalBinary serializes a PHYPayload back to wire bytes.
func (p *PHYPayload) MarshalBinary() []byte {
	out := make([]byte, 0, 1+len(p.MACPayload)+4)
	out = append(out, p.MHDR.Byte())
	out = append(out, p.MACPayload...)
	out = append(out, p.MIC[:]...)
	return out
}

// ParseFCtrl decodes the frame-control byte. uplink selects which
// direction-dependent bit (ADRACKReq vs FPending) is populated.
func ParseFCtrl(b byte, uplink bool) FCtrl {
	c := FCtrl{
		ADR:      b&0x80 != 0,
		ACK:      b&0x20 != 0,
		FOptsLen: b & 0x0F,
	}
	if uplink {
		c.ADRACKReq = b&0x40 != 0
	} else {
		c.FPending = b&0x10 != 0
	}
	return c
}

// Byte encodes FCtrl back to a wire byte for the given direction.
func (c FCtrl) Byte(uplink bool) byte {
	b := c.FOptsLen & 0x0F
	if c.ADR {
		b |= 0x80
	}
	if c.ACK {
		b |= 0x20
	}
	if uplink && c.ADRACKReq {
		b |= 0x40
	}
	if !uplink && c.FPending {
		b |= 0x10
	}
	return b
}

// ParseMACPayload decodes the Data-message body (FHDR, optional FPort,
// optional FRMPayload) of an already-MHDR/MIC-stripped MACPayload slice.
func ParseMACPayload(mtype MType, raw []byte) (*MACPayload, error) {
	if len(raw) < 7 {
		return nil, &MessageFormatError{Reason: "MACPayload shorter than FHDR", Bytes: raw}
	}
	uplink := mtype.IsUplink()

	var devAddr DevAddr
	copy(devAddr[:], reversed(raw[0:4]))
	fctrl := ParseFCtrl(raw[4], uplink)
	fcnt := uint16(raw[5]) | uint16(raw[6])<<8

	foptsEnd := 7 + int(fctrl.FOptsLen)
	if len(raw) < foptsEnd {
		return nil, &MessageFormatError{Reason: "FOpts truncated", Bytes: raw}
	}
	fopts := append([]byte(nil), raw[7:foptsEnd]...)

	m := &MACPayload{
		FHDR: FHDR{
			DevAddr: devAddr,
			FCtrl:   fctrl,
			FCnt:    fcnt,
			FOpts:   fopts,
		},
	}

	if len(raw) == foptsEnd {
		return m, nil
	}
	if len(raw) < foptsEnd+1 {
		return nil, &MessageFormatError{Reason: "FPort truncated", Bytes: raw}
	}
	fport := raw[foptsEnd]
	if fport == 0 && len(fopts) > 0 {
		return nil, &MessageFormatError{Reason: "MACPiggybackedAndPort0", Bytes: raw}
	}
	m.FPort = &fport
	m.FRMPayload = append([]byte(nil), raw[foptsEnd+1:]...)
	return m, nil
}

// MarshalBinary serializes the MACPayload body (without MHDR/MIC), assuming
// uplink FCtrl framing. Use marshal(false) for downlink messages.
func (m *MACPayload) MarshalBinary() []byte {
	return m.marshal(true)
}

func (m *MACPayload) marshal(uplink bool) []byte {
	out := make([]byte, 0, 7+len(m.FHDR.FOpts)+1+len(m.FRMPayload))
	out = append(out, reversed(m.FHDR.DevAddr[:])...)
	out = append(out, m.FHDR.FCtrl.Byte(uplink))
	out = append(out, byte(m.FHDR.FCnt), byte(m.FHDR.FCnt>>8))
	out = append(out, m.FHDR.FOpts...)
	if m.FPort != nil {
		out = append(out, *m.FPort)
		out = append(out, m.FRMPayload...)
	}
	return out
}

// Marshal serializes the MACPayload with the given direction's FCtrl framing.
func (m *MACPayload) Marshal(uplink bool) []byte {
	return m.marshal(uplink)
}

// ParseJoinRequestPayload decodes the 18-byte Join-Request MACPayload.
func ParseJoinRequestPayload(raw []byte) (*JoinRequestPayload, error) {
	if len(raw) != 18 {
		return nil, &MessageFormatError{Reason: fmt.Sprintf("JoinRequest MACPayload length %d != 18", len(raw)), Bytes: raw}
	}
	j := &JoinRequestPayload{}
	copy(j.AppEUI[:], reversed(raw[0:8]))
	copy(j.DevEUI[:], reversed(raw[8:16]))
	copy(j.DevNonce[:], reversed(raw[16:18]))
	return j, nil
}

// MarshalBinary serializes a Join-Request MACPayload.
func (j *JoinRequestPayload) MarshalBinary() []byte {
	out := make([]byte, 0, 18)
	out = append(out, reversed(j.AppEUI[:])...)
	out = append(out, reversed(j.DevEUI[:])...)
	out = append(out, reversed(j.DevNonce[:])...)
	return out
}

// ParseJoinAcceptPayload decodes an already-decrypted Join-Accept MACPayload
// (see crypto.AESDecrypt / AcceptJoin for the on-air transform).
func ParseJoinAcceptPayload(raw []byte) (*JoinAcceptPayload, error) {
	if len(raw) != 12 && len(raw) != 28 {
		return nil, &MessageFormatError{Reason: fmt.Sprintf("JoinAccept MACPayload length %d", len(raw)), Bytes: raw}
	}
	j := &JoinAcceptPayload{}
	copy(j.AppNonce[:], reversed(raw[0:3]))
	copy(j.NetID[:], reversed(raw[3:6]))
	copy(j.DevAddr[:], reversed(raw[6:10]))
	j.DLSettings = DLSettingsFromByte(raw[10])
	j.RxDelay = raw[11]
	if len(raw) == 28 {
		j.CFList = append([]byte(nil), raw[12:28]...)
	}
	return j, nil
}

// MarshalBinary serializes a Join-Accept MACPayload (plaintext, pre on-air
// transform).
func (j *JoinAcceptPayload) MarshalBinary() []byte {
	out := make([]byte, 0, 28)
	out = append(out, reversed(j.AppNonce[:])...)
	out = append(out, reversed(j.NetID[:])...)
	out = append(out, reversed(j.DevAddr[:])...)
	out = append(out, j.DLSettings.Byte())
	out = append(out, j.RxDelay)
	if j.CFList != nil {
		out = append(out, j.CFList...)
	}
	return out
}

// ComputeDataMIC computes the MIC of a Data message given its full
// MHDR||FHDR[||FPort||FRMPayload] bytes (the MIC itself excluded).
func ComputeDataMIC(key AES128Key, msgWithoutMIC []byte, uplink bool, devAddr DevAddr, fcnt uint32) ([4]byte, error) {
	return crypto.MICData(key[:], msgWithoutMIC, uplink, [4]byte(devAddr), fcnt)
}

// ComputeJoinMIC computes the plain-CMAC MIC used by Join-Request and
// Join-Accept messages.
func ComputeJoinMIC(key AES128Key, msgWithoutMIC []byte) ([4]byte, error) {
	return crypto.MICJoinRequest(key[:], msgWithoutMIC)
}
