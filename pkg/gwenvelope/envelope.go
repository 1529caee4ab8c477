// Package gwenvelope models the Semtech packet-forwarder rxpk/txpk JSON
// bodies and the rule for turning a received rxpk into a scheduled txpk
// reply.
package gwenvelope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// RXPK is one element of a PUSH_DATA frame's rxpk array: a single uplink
// radio packet as reported by the gateway.
type RXPK struct {
	Time string  `json:"time,omitempty"`
	Tmst uint32  `json:"tmst"`
	Freq float64 `json:"freq"`
	Chan int     `json:"chan"`
	RFCh int     `json:"rfch"`
	Stat int     `json:"stat"`
	Modu string  `json:"modu"`
	Datr string  `json:"datr"`
	Codr string  `json:"codr"`
	RSSI int     `json:"rssi"`
	LSNR float64 `json:"lsnr"`
	Size int     `json:"size"`
	Data string  `json:"data"`
}

// Payload base64-decodes the rxpk's data field into the raw PHYPayload bytes.
func (r *RXPK) Payload() ([]byte, error) {
	return base64.StdEncoding.DecodeString(r.Data)
}

// UplinkEnvelope is the bus transport wrapper the gateway bridge publishes
// on gateway.<id>.rx: the originating gateway plus the radio packet itself.
// Consumers need the gateway ID to address a reply back through the same
// bridge, since RXPK alone carries no notion of which gateway reported it.
type UplinkEnvelope struct {
	GatewayID string `json:"gateway_id"`
	RXPK      RXPK   `json:"rxpk"`
}

// TXPK is the single txpk object of a PULL_RESP frame: a scheduled downlink.
type TXPK struct {
	Imme bool    `json:"imme"`
	Tmst uint32  `json:"tmst"`
	Freq float64 `json:"freq"`
	RFCh int     `json:"rfch"`
	Powe int     `json:"powe"`
	Modu string  `json:"modu"`
	Datr string  `json:"datr"`
	Codr string  `json:"codr"`
	IPol bool    `json:"ipol"`
	Size int     `json:"size"`
	Data string  `json:"data"`
}

// PullRespFrame wraps a TXPK as the JSON body of a PULL_RESP message.
type PullRespFrame struct {
	TXPK TXPK `json:"txpk"`
}

// dataRateOrder maps the EU868 DR offset rule onto the "SFxxBWyyy" datr string
// vocabulary used on the wire.
var dataRateOrder = []string{
	"SF12BW125",
	"SF11BW125",
	"SF10BW125",
	"SF9BW125",
	"SF8BW125",
	"SF7BW125",
	"SF7BW250",
}

func dataRateIndex(datr string) (int, error) {
	for i, s := range dataRateOrder {
		if s == datr {
			return i, nil
		}
	}
	return 0, fmt.Errorf("gwenvelope: unknown data rate %q", datr)
}

// CreateDownlinkReply builds the txpk-bearing PULL_RESP JSON body for a
// reply to an uplink rxpk. delayUs sets tmstOut = uplink.Tmst + delayUs,
// wrapping at 2^32 per uint32 arithmetic. Exactly one of dataRateOffset or
// explicitDataRate/explicitFreq must be supplied: the RX1 case derives the
// data rate from the uplink's own datr shifted by offset (same frequency as
// the uplink); the RX2 case uses an explicit data rate and frequency.
func CreateDownlinkReply(uplink RXPK, phyPayload []byte, delayUs uint64, dataRateOffset *int, explicitDataRate string, explicitFreqMHz float64) ([]byte, error) {
	if (dataRateOffset == nil) == (explicitDataRate == "") {
		return nil, fmt.Errorf("gwenvelope: exactly one of dataRateOffset or explicitDataRate must be supplied")
	}

	tmstOut := uplink.Tmst + uint32(delayUs)

	txpk := TXPK{
		Imme: false,
		Tmst: tmstOut,
		Codr: uplink.Codr,
		Modu: uplink.Modu,
		RFCh: 0,
		Powe: 14,
		IPol: true, // downlinks transmit with inverted polarity
		Size: len(phyPayload),
		Data: base64.StdEncoding.EncodeToString(phyPayload),
	}

	if dataRateOffset != nil {
		idx, err := dataRateIndex(uplink.Datr)
		if err != nil {
			return nil, err
		}
		outIdx := idx - *dataRateOffset
		if outIdx < 0 {
			outIdx = 0
		}
		txpk.Datr = dataRateOrder[outIdx]
		txpk.Freq = uplink.Freq
	} else {
		txpk.Datr = explicitDataRate
		txpk.Freq = explicitFreqMHz
	}

	return json.Marshal(PullRespFrame{TXPK: txpk})
}
