package gwenvelope

import (
	"encoding/base64"
	"encoding/json"
	"math"
	"testing"
)

func TestRXPK_Payload_DecodesBase64(t *testing.T) {
	raw := []byte{0x40, 0x01, 0x02, 0x03}
	r := RXPK{Data: base64.StdEncoding.EncodeToString(raw)}
	got, err := r.Payload()
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(raw) {
		t.Fatalf("got % x, want % x", got, raw)
	}
}

func TestCreateDownlinkReply_RejectsBothModesSupplied(t *testing.T) {
	offset := 1
	uplink := RXPK{Datr: "SF7BW125"}
	_, err := CreateDownlinkReply(uplink, nil, 1_000_000, &offset, "SF7BW125", 868.1)
	if err == nil {
		t.Fatal("expected an error when both RX1 offset and explicit RX2 params are supplied")
	}
}

func TestCreateDownlinkReply_RejectsNeitherModeSupplied(t *testing.T) {
	uplink := RXPK{Datr: "SF7BW125"}
	_, err := CreateDownlinkReply(uplink, nil, 1_000_000, nil, "", 0)
	if err == nil {
		t.Fatal("expected an error when neither RX1 offset nor explicit RX2 params are supplied")
	}
}

func TestCreateDownlinkReply_RX1UsesUplinkFrequencyAndOffsetDataRate(t *testing.T) {
	offset := 2
	uplink := RXPK{
		Tmst: 1000,
		Freq: 868.1,
		Datr: "SF7BW125", // index 5
		Codr: "4/5",
		Modu: "LORA",
	}
	phy := []byte{0xde, 0xad, 0xbe, 0xef}

	raw, err := CreateDownlinkReply(uplink, phy, 1_000_000, &offset, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	var frame PullRespFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatal(err)
	}
	if frame.TXPK.Freq != uplink.Freq {
		t.Fatalf("expected RX1 to reuse the uplink frequency: got %v, want %v", frame.TXPK.Freq, uplink.Freq)
	}
	if frame.TXPK.Datr != "SF9BW125" { // index 5-2=3
		t.Fatalf("expected datr SF9BW125 at offset 2 from SF7BW125, got %s", frame.TXPK.Datr)
	}
	if frame.TXPK.Tmst != uplink.Tmst+1_000_000 {
		t.Fatalf("expected tmst to advance by the RX1 delay: got %d", frame.TXPK.Tmst)
	}
	if !frame.TXPK.IPol {
		t.Fatal("expected the downlink to request inverted polarity")
	}
	decoded, err := base64.StdEncoding.DecodeString(frame.TXPK.Data)
	if err != nil {
		t.Fatal(err)
	}
	if string(decoded) != string(phy) {
		t.Fatalf("payload mismatch: got % x, want % x", decoded, phy)
	}
}

func TestCreateDownlinkReply_RX1OffsetClampsAtDR0(t *testing.T) {
	offset := 10
	uplink := RXPK{Datr: "SF9BW125"} // index 3
	raw, err := CreateDownlinkReply(uplink, nil, 2_000_000, &offset, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	var frame PullRespFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatal(err)
	}
	if frame.TXPK.Datr != "SF12BW125" {
		t.Fatalf("expected the offset to clamp at DR0 (SF12BW125), got %s", frame.TXPK.Datr)
	}
}

func TestCreateDownlinkReply_RX2UsesExplicitDataRateAndFrequency(t *testing.T) {
	uplink := RXPK{Tmst: 500, Freq: 868.3, Datr: "SF7BW125"}
	raw, err := CreateDownlinkReply(uplink, nil, 2_000_000, nil, "SF12BW125", 869.525)
	if err != nil {
		t.Fatal(err)
	}
	var frame PullRespFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatal(err)
	}
	if frame.TXPK.Datr != "SF12BW125" {
		t.Fatalf("expected the explicit RX2 data rate, got %s", frame.TXPK.Datr)
	}
	if math.Abs(frame.TXPK.Freq-869.525) > 1e-9 {
		t.Fatalf("expected the explicit RX2 frequency 869.525, got %v", frame.TXPK.Freq)
	}
}

func TestCreateDownlinkReply_TmstWrapsAtUint32Max(t *testing.T) {
	uplink := RXPK{Tmst: math.MaxUint32 - 100, Datr: "SF7BW125"}
	offset := 0
	raw, err := CreateDownlinkReply(uplink, nil, 200, &offset, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	var frame PullRespFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatal(err)
	}
	if frame.TXPK.Tmst != 99 {
		t.Fatalf("expected tmst to wrap to 99, got %d", frame.TXPK.Tmst)
	}
}

func TestCreateDownlinkReply_UnknownUplinkDataRateErrors(t *testing.T) {
	offset := 0
	uplink := RXPK{Datr: "SFBOGUS"}
	if _, err := CreateDownlinkReply(uplink, nil, 0, &offset, "", 0); err == nil {
		t.Fatal("expected an error for an unrecognized uplink data rate")
	}
}
