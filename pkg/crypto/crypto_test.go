package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err, "invalid hex %q", s)
	return b
}

// Known vector: the conformance suite's MIC reference scenario.
func TestMICData_KnownVector(t *testing.T) {
	assert := require.New(t)
	key := mustHex(t, "2b7e151628aed2a6abf7158809cf4f3c")
	msg := mustHex(t, "06ae89845fee3bd65e7a84aae3164c15")
	var devAddr [4]byte
	copy(devAddr[:], mustHex(t, "0128299f"))

	mic, err := MICData(key, msg, true, devAddr, 0)
	assert.NoError(err)
	assert.Equal(mustHex(t, "96406e42"), mic[:])
}

// Known vector: the conformance suite's FRMPayload cipher reference scenario.
func TestEncryptFRMPayload_KnownVector(t *testing.T) {
	assert := require.New(t)
	key := mustHex(t, "2b7e151628aed2a6abf7158809cf4f3c")
	plaintext := mustHex(t, "06ae89845fee3bd65e7a84aae3164c15")
	var devAddr [4]byte
	copy(devAddr[:], mustHex(t, "0128299f"))

	cipher, err := EncryptFRMPayload(key, plaintext, true, devAddr, 10)
	assert.NoError(err)
	assert.Equal(mustHex(t, "6be7e0fe35d18c494eb6f43b546dce28"), cipher)
}

func TestEncryptFRMPayload_Involution(t *testing.T) {
	assert := require.New(t)
	key := mustHex(t, "000102030405060708090a0b0c0d0e0f")
	var devAddr [4]byte
	copy(devAddr[:], mustHex(t, "aabbccdd"))
	plaintext := []byte("conformance test payload, 29 b.")

	cipher, err := EncryptFRMPayload(key, plaintext, false, devAddr, 42)
	assert.NoError(err)
	roundTrip, err := EncryptFRMPayload(key, cipher, false, devAddr, 42)
	assert.NoError(err)
	assert.Equal(plaintext, roundTrip)
}

func TestEncryptFRMPayload_EmptyPayload(t *testing.T) {
	assert := require.New(t)
	key := mustHex(t, "000102030405060708090a0b0c0d0e0f")
	var devAddr [4]byte
	out, err := EncryptFRMPayload(key, nil, true, devAddr, 0)
	assert.NoError(err)
	assert.Nil(out)
}

func TestAESEncryptDecrypt_Roundtrip(t *testing.T) {
	assert := require.New(t)
	key := mustHex(t, "2b7e151628aed2a6abf7158809cf4f3c")
	plaintext := mustHex(t, "6bc1bee22e409f96e93d7e117393172a")

	ciphertext, err := AESEncrypt(key, plaintext)
	assert.NoError(err)
	recovered, err := AESDecrypt(key, ciphertext)
	assert.NoError(err)
	assert.Equal(plaintext, recovered)
}

func TestAESEncrypt_RejectsNonBlockMultiple(t *testing.T) {
	key := mustHex(t, "2b7e151628aed2a6abf7158809cf4f3c")
	_, err := AESEncrypt(key, make([]byte, 15))
	require.Error(t, err)
}

// RFC 4493 test vectors for AES-CMAC under the standard NIST key.
func TestCMAC_RFC4493Vectors(t *testing.T) {
	assert := require.New(t)
	key := mustHex(t, "2b7e151628aed2a6abf7158809cf4f3c")

	cases := []struct {
		name string
		msg  string
		want string
	}{
		{"empty", "", "bb1d6929e95937287fa37d129b756746"},
		{"one block", "6bc1bee22e409f96e93d7e117393172a", "070a16b46b4d4144f79bdd9dd04a287c"},
		{"40 bytes", "6bc1bee22e409f96e93d7e117393172aae2d8a571e03ac9c9eb76fac45af8e5130c81c46a35ce411", "dfa66747de9ae63030ca32611497c827"},
	}
	for _, c := range cases {
		var msg []byte
		if c.msg != "" {
			msg = mustHex(t, c.msg)
		}
		mac, err := CMAC(key, msg)
		assert.NoError(err, c.name)
		assert.Equal(mustHex(t, c.want), mac, c.name)
	}
}
