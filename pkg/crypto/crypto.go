// Package crypto implements the LoRaWAN 1.0.2 cryptographic primitives: AES-128
// ECB, AES-CMAC (RFC 4493), the IEEE 802.15.4 Annex B counter-mode FRMPayload
// cipher, and the two MIC constructions (B0-prefixed for data messages, plain
// CMAC for Join-Request/Join-Accept).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// CMAC computes AES-128-CMAC of msg under key, per RFC 4493.
func CMAC(key, msg []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	k1, k2 := generateSubkeys(block)

	n := len(msg)
	var lastBlock []byte
	completeFinal := n != 0 && n%16 == 0

	if n == 0 {
		lastBlock = make([]byte, 16)
		lastBlock[0] = 0x80
		xorInto(lastBlock, k2)
	} else if completeFinal {
		lastBlock = append([]byte(nil), msg[n-16:]...)
		xorInto(lastBlock, k1)
	} else {
		numBlocks := (n + 15) / 16
		lastBlock = make([]byte, 16)
		copy(lastBlock, msg[(numBlocks-1)*16:])
		lastBlock[n%16] = 0x80
		xorInto(lastBlock, k2)
	}

	numFullBlocks := n / 16
	if completeFinal {
		numFullBlocks--
	}

	x := make([]byte, 16)
	y := make([]byte, 16)
	for i := 0; i < numFullBlocks; i++ {
		for j := 0; j < 16; j++ {
			y[j] = x[j] ^ msg[i*16+j]
		}
		block.Encrypt(x, y)
	}
	for j := 0; j < 16; j++ {
		y[j] = x[j] ^ lastBlock[j]
	}
	block.Encrypt(x, y)
	return x, nil
}

func generateSubkeys(block cipher.Block) (k1, k2 []byte) {
	const rb = 0x87

	k0 := make([]byte, 16)
	block.Encrypt(k0, make([]byte, 16))

	k1 = leftShift(k0)
	if k0[0]&0x80 != 0 {
		k1[15] ^= rb
	}

	k2 = leftShift(k1)
	if k1[0]&0x80 != 0 {
		k2[15] ^= rb
	}
	return k1, k2
}

func leftShift(b []byte) []byte {
	result := make([]byte, len(b))
	var overflow byte
	for i := len(b) - 1; i >= 0; i-- {
		result[i] = b[i]<<1 | overflow
		overflow = (b[i] & 0x80) >> 7
	}
	return result
}

func xorInto(dst, src []byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}

// AESEncrypt encrypts block (a multiple of 16 bytes) under key using AES-128 in
// ECB mode, one block at a time.
func AESEncrypt(key, block []byte) ([]byte, error) {
	if len(block)%16 != 0 {
		return nil, fmt.Errorf("crypto: block length %d is not a multiple of 16", len(block))
	}
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(block))
	for off := 0; off < len(block); off += 16 {
		c.Encrypt(out[off:off+16], block[off:off+16])
	}
	return out, nil
}

// AESDecrypt decrypts block (a multiple of 16 bytes) under key using AES-128 in
// ECB mode. LoRaWAN's Join-Accept is built by running this over the plaintext
// macpayload||mic, which is the spec's deliberate "decrypt as encrypt" idiom —
// not a bug, do not swap it for AESEncrypt.
func AESDecrypt(key, block []byte) ([]byte, error) {
	if len(block)%16 != 0 {
		return nil, fmt.Errorf("crypto: block length %d is not a multiple of 16", len(block))
	}
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(block))
	for off := 0; off < len(block); off += 16 {
		c.Decrypt(out[off:off+16], block[off:off+16])
	}
	return out, nil
}

// EncryptFRMPayload applies the IEEE 802.15.4 Annex B counter-mode cipher used
// for LoRaWAN FRMPayload confidentiality. devAddr is given MSB-first (the
// in-memory representation); it is reversed internally to match the wire's
// A_i block layout. The cipher is its own inverse, so this same function
// serves both encryption and decryption.
func EncryptFRMPayload(key []byte, payload []byte, uplink bool, devAddr [4]byte, fCnt uint32) ([]byte, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	numBlocks := (len(payload) + 15) / 16
	keystream := make([]byte, 16*numBlocks)
	a := make([]byte, 16)
	a[0] = 0x01
	if !uplink {
		a[5] = 0x01
	}
	a[6], a[7], a[8], a[9] = devAddr[3], devAddr[2], devAddr[1], devAddr[0]
	a[10] = byte(fCnt)
	a[11] = byte(fCnt >> 8)
	a[12] = byte(fCnt >> 16)
	a[13] = byte(fCnt >> 24)

	for i := 0; i < numBlocks; i++ {
		a[15] = byte(i + 1)
		block.Encrypt(keystream[i*16:(i+1)*16], a)
	}

	out := make([]byte, len(payload))
	for i := range payload {
		out[i] = payload[i] ^ keystream[i]
	}
	return out, nil
}

// MICData computes the 4-byte MIC of a LoRaWAN data message: CMAC of the B0
// block (flag 0x49) concatenated with msg, truncated to the first 4 bytes.
func MICData(key []byte, msg []byte, uplink bool, devAddr [4]byte, fCnt uint32) ([4]byte, error) {
	var mic [4]byte
	b0 := make([]byte, 16)
	b0[0] = 0x49
	if !uplink {
		b0[5] = 0x01
	}
	b0[6], b0[7], b0[8], b0[9] = devAddr[3], devAddr[2], devAddr[1], devAddr[0]
	b0[10] = byte(fCnt)
	b0[11] = byte(fCnt >> 8)
	b0[12] = byte(fCnt >> 16)
	b0[13] = byte(fCnt >> 24)
	b0[15] = byte(len(msg))

	full, err := CMAC(key, append(b0, msg...))
	if err != nil {
		return mic, err
	}
	copy(mic[:], full[:4])
	return mic, nil
}

// MICJoinRequest computes the 4-byte MIC of a Join-Request or Join-Accept:
// plain CMAC over the full message, no B0 block.
func MICJoinRequest(key []byte, msg []byte) ([4]byte, error) {
	var mic [4]byte
	full, err := CMAC(key, msg)
	if err != nil {
		return mic, err
	}
	copy(mic[:], full[:4])
	return mic, nil
}
