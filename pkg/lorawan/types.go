// Package lorawan implements the LoRaWAN 1.0.2 PHYPayload codec: parsing and
// serialization of Join-Request, Join-Accept, and Data up/down messages, plus
// the MAC command registry and the EU868 regional parameters.
package lorawan

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// EUI64 is an 8-byte Extended Unique Identifier (AppEUI/JoinEUI, DevEUI).
type EUI64 [8]byte

func (e EUI64) String() string { return hex.EncodeToString(e[:]) }

func (e EUI64) MarshalJSON() ([]byte, error) { return json.Marshal(e.String()) }

func (e *EUI64) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != 8 {
		return fmt.Errorf("lorawan: invalid EUI64 length %d", len(b))
	}
	copy(e[:], b)
	return nil
}

// DevAddr is the 4-byte LoRaWAN device address, MSB-first in this
// representation (the codec reverses to LE at the wire boundary).
type DevAddr [4]byte

func (d DevAddr) String() string { return hex.EncodeToString(d[:]) }

func (d DevAddr) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d *DevAddr) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != 4 {
		return fmt.Errorf("lorawan: invalid DevAddr length %d", len(b))
	}
	copy(d[:], b)
	return nil
}

// AES128Key is a 128-bit AES key (AppKey, AppSKey, NwkSKey).
type AES128Key [16]byte

func (k AES128Key) String() string { return hex.EncodeToString(k[:]) }

func (k AES128Key) MarshalJSON() ([]byte, error) { return json.Marshal(k.String()) }

func (k *AES128Key) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != 16 {
		return fmt.Errorf("lorawan: invalid AES128Key length %d", len(b))
	}
	copy(k[:], b)
	return nil
}

// MType is the LoRaWAN message type, the top 3 bits of MHDR.
type MType byte

const (
	JoinRequest MType = iota
	JoinAccept
	UnconfirmedDataUp
	UnconfirmedDataDown
	ConfirmedDataUp
	ConfirmedDataDown
	RFU
	Proprietary
)

func (m MType) String() string {
	switch m {
	case JoinRequest:
		return "JoinRequest"
	case JoinAccept:
		return "JoinAccept"
	case UnconfirmedDataUp:
		return "UnconfirmedDataUp"
	case UnconfirmedDataDown:
		return "UnconfirmedDataDown"
	case ConfirmedDataUp:
		return "ConfirmedDataUp"
	case ConfirmedDataDown:
		return "ConfirmedDataDown"
	case RFU:
		return "RFU"
	default:
		return "Proprietary"
	}
}

// IsUplink reports the message direction derived from MType. RFU has no
// defined direction; callers must reject it before asking.
func (m MType) IsUplink() bool {
	switch m {
	case JoinRequest, UnconfirmedDataUp, ConfirmedDataUp:
		return true
	default:
		return false
	}
}

// Major is the LoRaWAN major version carried in the low 2 bits of MHDR.
type Major byte

const (
	LoRaWAN1_0 Major = 0
)

// PHYPayload is the top-level parsed LoRaWAN message.
type PHYPayload struct {
	MHDR       MHDR
	MACPayload []byte
	MIC        [4]byte
}

// MHDR is the 1-byte MAC header.
type MHDR struct {
	MType MType
	Major Major
}

func (h MHDR) Byte() byte {
	return byte(h.MType)<<5 | byte(h.Major)
}

// MACPayload is the parsed body of a Data message.
type MACPayload struct {
	FHDR       FHDR
	FPort      *uint8
	FRMPayload []byte
}

// FHDR is the frame header embedded in every Data message.
type FHDR struct {
	DevAddr DevAddr
	FCtrl   FCtrl
	FCnt    uint16
	FOpts   []byte
}

// FCtrl is the frame-control byte. Its bit 6 (ADRACKReq on uplinks, RFU on
// downlinks) and bit 4 (RFU on uplinks, FPending on downlinks) are
// direction-dependent; they are modeled by ADRACKReq/FPending and the caller
// is expected to only read the one that matches the message direction.
type FCtrl struct {
	ADR       bool
	ADRACKReq bool
	ACK       bool
	FPending  bool
	FOptsLen  uint8
}

// JoinRequestPayload is the parsed body of a Join-Request message.
type JoinRequestPayload struct {
	AppEUI   EUI64
	DevEUI   EUI64
	DevNonce [2]byte
}

// JoinAcceptPayload is the parsed body of a Join-Accept message (plaintext,
// after the Join-Accept's ECB decrypt-as-encrypt transform has been undone).
type JoinAcceptPayload struct {
	AppNonce   [3]byte
	NetID      [3]byte
	DevAddr    DevAddr
	DLSettings DLSettings
	RxDelay    uint8
	CFList     []byte
}

// DLSettings packs RX1DROffset (bits 4-6) and RX2DataRate (bits 0-3).
type DLSettings struct {
	RX1DROffset uint8
	RX2DataRate uint8
}

func (d DLSettings) Byte() byte {
	return (d.RX1DROffset&0x07)<<4 | (d.RX2DataRate & 0x0F)
}

func DLSettingsFromByte(b byte) DLSettings {
	return DLSettings{
		RX1DROffset: (b >> 4) & 0x07,
		RX2DataRate: b & 0x0F,
	}
}
