package ntlm

import (
	"crypto/des"
	"math/bits"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/md4"
)

// lmMagic is the plaintext encrypted with the password halves to form the LM hash.
var lmMagic = []byte("KGS!@#$%")

// setOddParity fixes the low bit of b so that b has an odd number of set bits.
func setOddParity(b byte) byte {
	if bits.OnesCount8(b>>1)%2 == 0 {
		return b | 0x01
	}
	return b &^ 0x01
}

// expandKey spreads 56 bits of key material over 8 bytes, most significant
// bit first, leaving the low bit of every byte for parity.
func expandKey(k []byte) []byte {
	key := []byte{
		k[0],
		k[0]<<7 | k[1]>>1,
		k[1]<<6 | k[2]>>2,
		k[2]<<5 | k[3]>>3,
		k[3]<<4 | k[4]>>4,
		k[4]<<3 | k[5]>>5,
		k[5]<<2 | k[6]>>6,
		k[6] << 1,
	}
	for i := range key {
		key[i] = setOddParity(key[i])
	}
	return key
}

// desEncrypt encrypts a single 8 byte block with the key derived from the
// 7 bytes in key7.
func desEncrypt(key7, block []byte) ([]byte, error) {
	c, err := des.NewCipher(expandKey(key7))
	if err != nil {
		return nil, errors.Wrap(err, "des")
	}
	out := make([]byte, des.BlockSize)
	c.Encrypt(out, block)
	return out, nil
}

// LMHash returns the 16 byte LAN Manager hash of password.
func LMHash(password string) ([]byte, error) {
	key := make([]byte, 14)
	copy(key, oemBytes(strings.ToUpper(password)))
	low, err := desEncrypt(key[:7], lmMagic)
	if err != nil {
		return nil, err
	}
	high, err := desEncrypt(key[7:], lmMagic)
	if err != nil {
		return nil, err
	}
	return append(low, high...), nil
}

// NTHash returns the MD4 digest of the UTF-16LE encoded password.
func NTHash(password string) ([]byte, error) {
	b, err := utf16Bytes(password)
	if err != nil {
		return nil, err
	}
	h := md4.New()
	h.Write(b)
	return h.Sum(nil), nil
}

// ChallengeResponse computes the 24 byte response to an 8 byte server
// challenge from a 16 byte LM or NT hash.
func ChallengeResponse(hash []byte, challenge []byte) ([]byte, error) {
	if len(hash) != 16 {
		return nil, errors.Errorf("hash must be 16 bytes, got %d", len(hash))
	}
	if len(challenge) != 8 {
		return nil, errors.Errorf("challenge must be 8 bytes, got %d", len(challenge))
	}
	key := make([]byte, 21)
	copy(key, hash)
	resp := make([]byte, 0, 24)
	for i := 0; i < 21; i += 7 {
		block, err := desEncrypt(key[i:i+7], challenge)
		if err != nil {
			return nil, err
		}
		resp = append(resp, block...)
	}
	return resp, nil
}
