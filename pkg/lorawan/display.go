package lorawan

import (
	"fmt"
	"strings"
)

// PcapHexDump formats frame as a text2pcap-compatible hex dump, one line of
// 16 bytes prefixed by its offset:
//
//	0000 40 01 02 03 04 00 07 00 01 a3 ff 0e 96 40 6e 42
//	0010 de ad be ef
//
// Captures printed in this format can be fed straight to wireshark via the
// text2pcap utility.
func PcapHexDump(frame []byte) string {
	var b strings.Builder
	for off := 0; off < len(frame); off += 16 {
		end := off + 16
		if end > len(frame) {
			end = len(frame)
		}
		fmt.Fprintf(&b, "%04x", off)
		for _, v := range frame[off:end] {
			fmt.Fprintf(&b, " %02x", v)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// FormatPHYPayload renders a raw PHYPayload as the multi-line human-readable
// block used by the packet sniffer and diagnostic logs. It never fails:
// malformed payloads render with a parse-error line instead, since a sniffer
// must keep printing whatever the DUT actually sent.
func FormatPHYPayload(raw []byte) string {
	var b strings.Builder
	b.WriteString("----------------------------------------------\n")
	b.WriteString("PHY payload information\n")

	phy, err := Parse(raw)
	if err != nil {
		fmt.Fprintf(&b, "unparsable payload (%v): % x\n", err, raw)
		b.WriteString("==============================================\n")
		return b.String()
	}

	fmt.Fprintf(&b, "MHDR: %02x\n", phy.MHDR.Byte())
	fmt.Fprintf(&b, "\tMessage Type: %s\n", phy.MHDR.MType)
	fmt.Fprintf(&b, "MACPayload: % x\n", phy.MACPayload)

	switch phy.MHDR.MType {
	case JoinRequest:
		if jr, err := ParseJoinRequestPayload(phy.MACPayload); err == nil {
			fmt.Fprintf(&b, "\tAppEUI: %s\n", jr.AppEUI)
			fmt.Fprintf(&b, "\tDevEUI: %s\n", jr.DevEUI)
			fmt.Fprintf(&b, "\tDevNonce: % x\n", jr.DevNonce)
		}
	case UnconfirmedDataUp, ConfirmedDataUp, UnconfirmedDataDown, ConfirmedDataDown:
		if mac, err := ParseMACPayload(phy.MHDR.MType, phy.MACPayload); err == nil {
			fmt.Fprintf(&b, "\tDevAddr: %s\n", mac.FHDR.DevAddr)
			fmt.Fprintf(&b, "\tFCtrl: %02x (FOptsLen %d)\n", mac.FHDR.FCtrl.Byte(phy.MHDR.MType.IsUplink()), mac.FHDR.FCtrl.FOptsLen)
			fmt.Fprintf(&b, "\tFCnt: %d\n", mac.FHDR.FCnt)
			if len(mac.FHDR.FOpts) > 0 {
				fmt.Fprintf(&b, "\tFOpts: % x\n", mac.FHDR.FOpts)
			}
			if mac.FPort != nil {
				fmt.Fprintf(&b, "\tFPort: %d\n", *mac.FPort)
				fmt.Fprintf(&b, "\tFRMPayload (encrypted): % x\n", mac.FRMPayload)
			}
		}
	case JoinAccept:
		// The body is encrypted under AppKey; without the key there is
		// nothing more to show than the raw bytes already printed.
	}

	fmt.Fprintf(&b, "MIC: % x\n", phy.MIC)
	b.WriteString("==============================================\n")
	return b.String()
}
