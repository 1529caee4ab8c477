package lorawan

import "fmt"

// EU868 regional parameters, per LoRaWAN 1.0.2 Regional Parameters EU863-870.
// This harness certifies EU868 devices only (§ Non-goals); no other region
// table exists in this package.

// DataRate names DR0 through DR6.
var DataRateNames = [7]string{
	"SF12BW125",
	"SF11BW125",
	"SF10BW125",
	"SF9BW125",
	"SF8BW125",
	"SF7BW125",
	"SF7BW250",
}

const (
	DRMin = 0
	DRMax = 6

	RX1DROffsetMin = 0
	RX1DROffsetMax = 5

	ReceiveDelay1Us    = 1_000_000
	ReceiveDelay2Us    = 2_000_000
	JoinAcceptDelay1Us = 5_000_000
	JoinAcceptDelay2Us = 6_000_000

	DefaultRX2DataRate = 0
	DefaultRX2FreqHz   = 869_525_000

	NumChannelSlots   = 16
	NumMandatorySlots = 3
)

// MandatoryChannelFreqsHz are the three default EU868 channels, in Hz.
var MandatoryChannelFreqsHz = [NumMandatorySlots]uint32{868_100_000, 868_300_000, 868_500_000}

// RX1DataRateIndex applies the EU868 DR-offset rule:
// rx1_dr(initial, offset) = DR[max(index(initial) - offset, 0)].
func RX1DataRateIndex(initialDR int, offset int) int {
	idx := initialDR - offset
	if idx < 0 {
		idx = 0
	}
	return idx
}

// IsValidEU868Frequency reports whether freqHz belongs to the regional
// uplink/downlink plan: 863.1-869.5 MHz in 200 kHz
// steps used by the 125 kHz uplink channels, plus the two named downlink
// frequencies 869.525/869.850 MHz.
func IsValidEU868Frequency(freqHz uint32) bool {
	if freqHz == 869_525_000 || freqHz == 869_850_000 {
		return true
	}
	if freqHz < 863_100_000 || freqHz > 869_500_000 {
		return false
	}
	if (freqHz-863_100_000)%200_000 != 0 {
		return false
	}
	return true
}

// EncodeCFList packs up to 5 frequencies (Hz) into the 16-byte CFList used by
// Join-Accept: each as a 24-bit little-endian value of freqHz/100 (i.e.
// freq_MHz * 10000), zero-padded.
func EncodeCFList(freqsHz []uint32) ([]byte, error) {
	if len(freqsHz) > 5 {
		return nil, fmt.Errorf("lorawan: CFList accepts at most 5 frequencies, got %d", len(freqsHz))
	}
	out := make([]byte, 0, 16)
	for _, f := range freqsHz {
		v := f / 100
		out = append(out, byte(v), byte(v>>8), byte(v>>16))
	}
	for len(out) < 16 {
		out = append(out, 0)
	}
	return out, nil
}

// DecodeCFList is the inverse of EncodeCFList: it returns the non-zero
// frequencies (Hz) present in a 16-byte CFList, in slot order. A non-zero
// entry that IsValidEU868Frequency rejects makes the whole decode fail.
func DecodeCFList(cflist []byte) ([]uint32, error) {
	if len(cflist) != 16 {
		return nil, fmt.Errorf("lorawan: CFList must be 16 bytes, got %d", len(cflist))
	}
	var out []uint32
	for i := 0; i < 5; i++ {
		b := cflist[3*i : 3*i+3]
		if b[0] == 0 && b[1] == 0 && b[2] == 0 {
			continue
		}
		v := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
		if !IsValidEU868Frequency(v * 100) {
			return nil, fmt.Errorf("lorawan: CFList slot %d frequency %d Hz is not in the EU868 plan", i, v*100)
		}
		out = append(out, v*100)
	}
	return out, nil
}
