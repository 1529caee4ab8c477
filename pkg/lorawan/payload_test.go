package lorawan

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse_RejectsShortPayload(t *testing.T) {
	_, err := Parse(make([]byte, 11))
	require.Error(t, err)
}

func TestParse_RejectsRFUMType(t *testing.T) {
	data := make([]byte, 12)
	data[0] = byte(RFU) << 5
	_, err := Parse(data)
	require.Error(t, err)
}

func TestPHYPayload_MarshalParseRoundtrip(t *testing.T) {
	assert := require.New(t)
	mac := &MACPayload{
		FHDR: FHDR{
			DevAddr: DevAddr{0x01, 0x02, 0x03, 0x04},
			FCtrl:   FCtrl{ADR: true, ACK: true},
			FCnt:    7,
		},
	}
	phy := &PHYPayload{
		MHDR:       MHDR{MType: UnconfirmedDataUp, Major: LoRaWAN1_0},
		MACPayload: mac.Marshal(true),
		MIC:        [4]byte{0xde, 0xad, 0xbe, 0xef},
	}
	wire := phy.MarshalBinary()

	parsed, err := Parse(wire)
	assert.NoError(err)
	assert.Equal(phy.MHDR, parsed.MHDR)
	assert.Equal(phy.MIC, parsed.MIC)
	assert.Equal(phy.MACPayload, parsed.MACPayload)
	assert.Equal(wire, parsed.MarshalBinary())
}

func TestMACPayload_ParseMarshalRoundtrip_WithFPortAndFRMPayload(t *testing.T) {
	assert := require.New(t)
	fport := uint8(10)
	m := &MACPayload{
		FHDR: FHDR{
			DevAddr: DevAddr{0xaa, 0xbb, 0xcc, 0xdd},
			FCtrl:   FCtrl{FOptsLen: 3},
			FCnt:    512,
			FOpts:   []byte{0x06, 0x01, 0x02},
		},
		FPort:      &fport,
		FRMPayload: []byte{0x01, 0x02, 0x03, 0x04},
	}
	wire := m.Marshal(true)

	parsed, err := ParseMACPayload(UnconfirmedDataUp, wire)
	assert.NoError(err)
	assert.Equal(m.FHDR.DevAddr, parsed.FHDR.DevAddr)
	assert.Equal(m.FHDR.FCnt, parsed.FHDR.FCnt)
	assert.Equal(m.FHDR.FOpts, parsed.FHDR.FOpts)
	assert.NotNil(parsed.FPort)
	assert.Equal(fport, *parsed.FPort)
	assert.Equal(m.FRMPayload, parsed.FRMPayload)
	assert.Equal(wire, parsed.Marshal(true))
}

func TestParseMACPayload_RejectsPiggybackedMACWithPort0(t *testing.T) {
	m := &MACPayload{
		FHDR: FHDR{
			DevAddr: DevAddr{1, 2, 3, 4},
			FCtrl:   FCtrl{FOptsLen: 1},
			FOpts:   []byte{0x06},
		},
	}
	fport := uint8(0)
	m.FPort = &fport
	m.FRMPayload = []byte{0x07}
	wire := m.Marshal(true)

	_, err := ParseMACPayload(UnconfirmedDataUp, wire)
	require.Error(t, err)
}

func TestParseMACPayload_RejectsTruncatedFOpts(t *testing.T) {
	m := &MACPayload{
		FHDR: FHDR{
			DevAddr: DevAddr{1, 2, 3, 4},
			FCtrl:   FCtrl{FOptsLen: 5},
		},
	}
	wire := m.Marshal(true) // FOptsLen claims 5 bytes, none present

	_, err := ParseMACPayload(UnconfirmedDataUp, wire)
	require.Error(t, err)
}

func TestJoinRequestPayload_ParseMarshalRoundtrip(t *testing.T) {
	assert := require.New(t)
	jr := &JoinRequestPayload{
		AppEUI:   EUI64{1, 2, 3, 4, 5, 6, 7, 8},
		DevEUI:   EUI64{8, 7, 6, 5, 4, 3, 2, 1},
		DevNonce: [2]byte{0xaa, 0xbb},
	}
	wire := jr.MarshalBinary()
	assert.Len(wire, 18)

	parsed, err := ParseJoinRequestPayload(wire)
	assert.NoError(err)
	assert.Equal(jr, parsed)
}

func TestJoinRequestPayload_WireIsLittleEndian(t *testing.T) {
	assert := require.New(t)
	jr := &JoinRequestPayload{
		AppEUI:   EUI64{1, 2, 3, 4, 5, 6, 7, 8},
		DevEUI:   EUI64{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88},
		DevNonce: [2]byte{0xaa, 0xbb},
	}
	wire := jr.MarshalBinary()
	assert.Equal([]byte{8, 7, 6, 5, 4, 3, 2, 1}, wire[0:8])
	assert.Equal([]byte{0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}, wire[8:16])
	assert.Equal([]byte{0xbb, 0xaa}, wire[16:18])
}

func TestJoinAcceptPayload_ParseMarshalRoundtrip_WithCFList(t *testing.T) {
	assert := require.New(t)
	ja := &JoinAcceptPayload{
		AppNonce:   [3]byte{1, 2, 3},
		NetID:      [3]byte{4, 5, 6},
		DevAddr:    DevAddr{7, 8, 9, 10},
		DLSettings: DLSettings{RX1DROffset: 3, RX2DataRate: 2},
		RxDelay:    5,
		CFList:     make([]byte, 16),
	}
	wire := ja.MarshalBinary()
	assert.Len(wire, 28)

	parsed, err := ParseJoinAcceptPayload(wire)
	assert.NoError(err)
	assert.Equal(ja.DLSettings, parsed.DLSettings)
	assert.Equal(ja.DevAddr, parsed.DevAddr)
	assert.Equal(ja.AppNonce, parsed.AppNonce)
	assert.Equal(ja.NetID, parsed.NetID)
}

func TestParseJoinAcceptPayload_RejectsWrongLength(t *testing.T) {
	_, err := ParseJoinAcceptPayload(make([]byte, 20))
	require.Error(t, err)
}

func TestDLSettings_ByteRoundtrip(t *testing.T) {
	assert := require.New(t)
	for offset := uint8(0); offset <= 5; offset++ {
		for dr := uint8(0); dr <= 6; dr++ {
			d := DLSettings{RX1DROffset: offset, RX2DataRate: dr}
			assert.Equal(d, DLSettingsFromByte(d.Byte()), "offset=%d dr=%d", offset, dr)
		}
	}
}

func TestFCtrl_ByteRoundtrip_BothDirections(t *testing.T) {
	assert := require.New(t)
	up := FCtrl{ADR: true, ADRACKReq: true, ACK: true, FOptsLen: 7}
	assert.Equal(up, ParseFCtrl(up.Byte(true), true))

	down := FCtrl{ADR: true, ACK: true, FPending: true, FOptsLen: 2}
	assert.Equal(down, ParseFCtrl(down.Byte(false), false))
}
