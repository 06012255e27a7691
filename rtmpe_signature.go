// RTMPE - Signature transforms for handshake types 8 (XTEA) and 9 (Blowfish)

package main

import (
	"crypto/cipher"

	"golang.org/x/crypto/blowfish"
	"golang.org/x/crypto/xtea"
)

// Number of keys for each transform
const RTMPE_SIG_TRANSFORM_KEYS = 16

// The key index is taken modulo 15, so the last key is never used
const RTMPE_SIG_TRANSFORM_KEY_MOD = 15

// Size of the blocks of the signature being transformed
const RTMPE_SIG_TRANSFORM_BLOCK_SIZE = 8

// XTEA keys (type 8)
var rtmpeXTEAKeys = [RTMPE_SIG_TRANSFORM_KEYS][4]uint32{
	{0xbff034b2, 0x11d9081f, 0xccdfb795, 0x748de732},
	{0x086a5eb6, 0x1743090e, 0x6ef05ab8, 0xfe5a39e2},
	{0x7b10956f, 0x76ce0521, 0x2388a73a, 0x440149a1},
	{0xa943f317, 0xebf11bb2, 0xa691a5ee, 0x17f36339},
	{0x7a30e00a, 0xb529e22c, 0xa087aea5, 0xc0cb79ac},
	{0xbdce0c23, 0x2febdeff, 0x1cfaae16, 0x1123239d},
	{0x55dd3f7b, 0x77e7e62e, 0x9bb8c499, 0xc9481ee4},
	{0x407bb6b4, 0x71e89136, 0xa7aebf55, 0xca33b839},
	{0xfcf6bdc3, 0xb63c3697, 0x7ce4f825, 0x04d959b2},
	{0x28e091fd, 0x41954c4c, 0x7fb7db00, 0xe3a066f8},
	{0x57845b76, 0x4f251b03, 0x46d45bcd, 0xa2c30d29},
	{0x0acceef8, 0xda55b546, 0x03473452, 0x5863713b},
	{0xb82075dc, 0xa75f1fee, 0xd84268e8, 0xa72a44cc},
	{0x07cf6e9e, 0xa16d7b25, 0x9fa7ae6c, 0xd92f5629},
	{0xfeb1eae4, 0x8c8c3ce1, 0x4e0064a7, 0x6a387c2a},
	{0x893a9427, 0xcc3013a2, 0xf106385b, 0xa829f927},
}

// Blowfish keys (type 9)
var rtmpeBlowfishKeys = [RTMPE_SIG_TRANSFORM_KEYS][24]byte{
	{0x79, 0x34, 0x77, 0x4c, 0x67, 0xd1, 0x38, 0x3a, 0xdf, 0xb3, 0x56, 0xbe, 0x8b, 0x7b, 0xd0, 0x24, 0x38, 0xe0, 0x73, 0x58, 0x41, 0x5d, 0x69, 0x67},
	{0x46, 0xf6, 0xb4, 0xcc, 0x01, 0x93, 0xe3, 0xa1, 0x9e, 0x7d, 0x3c, 0x65, 0x55, 0x86, 0xfd, 0x09, 0x8f, 0xf7, 0xb3, 0xc4, 0x6f, 0x41, 0xca, 0x5c},
	{0x1a, 0xe7, 0xe2, 0xf3, 0xf9, 0x14, 0x79, 0x94, 0xc0, 0xd3, 0x97, 0x43, 0x08, 0x7b, 0xb3, 0x84, 0x43, 0x2f, 0x9d, 0x84, 0x3f, 0x21, 0x01, 0x9b},
	{0xd3, 0xe3, 0x54, 0xb0, 0xf7, 0x1d, 0xf6, 0x2b, 0x5a, 0x43, 0x4d, 0x04, 0x83, 0x64, 0x3e, 0x0d, 0x59, 0x2f, 0x61, 0xcb, 0xb1, 0x6a, 0x59, 0x0d},
	{0xc8, 0xc1, 0xe9, 0xb8, 0x16, 0x56, 0x99, 0x21, 0x7b, 0x5b, 0x36, 0xb7, 0xb5, 0x9b, 0xdf, 0x06, 0x49, 0x2c, 0x97, 0xf5, 0x95, 0x48, 0x85, 0x7e},
	{0xeb, 0xe5, 0xe6, 0x2e, 0xa4, 0xba, 0xd4, 0x2c, 0xf2, 0x16, 0xe0, 0x8f, 0x66, 0x23, 0xa9, 0x43, 0x41, 0xce, 0x38, 0x14, 0x84, 0x95, 0x00, 0x53},
	{0x66, 0xdb, 0x90, 0xf0, 0x3b, 0x4f, 0xf5, 0x6f, 0xe4, 0x9c, 0x20, 0x89, 0x35, 0x5e, 0xd2, 0xb2, 0xc3, 0x9e, 0x9f, 0x7f, 0x63, 0xb2, 0x28, 0x81},
	{0xbb, 0x20, 0xac, 0xed, 0x2a, 0x04, 0x6a, 0x19, 0x94, 0x98, 0x9b, 0xc8, 0xff, 0xcd, 0x93, 0xef, 0xc6, 0x0d, 0x56, 0xa7, 0xeb, 0x13, 0xd9, 0x30},
	{0xbc, 0xf2, 0x43, 0x82, 0x09, 0x40, 0x8a, 0x87, 0x25, 0x43, 0x6d, 0xe6, 0xbb, 0xa4, 0xb9, 0x44, 0x58, 0x3f, 0x21, 0x7c, 0x99, 0xbb, 0x3f, 0x24},
	{0xec, 0x1a, 0xaa, 0xcd, 0xce, 0xbd, 0x53, 0x11, 0xd2, 0xfb, 0x83, 0xb6, 0xc3, 0xba, 0xab, 0x4f, 0x62, 0x79, 0xe8, 0x65, 0xa9, 0x92, 0x28, 0x76},
	{0xc6, 0x0c, 0x30, 0x03, 0x91, 0x18, 0x2d, 0x7b, 0x79, 0xda, 0xe1, 0xd5, 0x64, 0x77, 0x9a, 0x12, 0xc5, 0xb1, 0xd7, 0x91, 0x4f, 0x96, 0x4c, 0xa3},
	{0xd7, 0x7c, 0x2a, 0xbf, 0xa6, 0xe7, 0x85, 0x7c, 0x45, 0xad, 0xff, 0x12, 0x94, 0xd8, 0xde, 0xa4, 0x5c, 0x3d, 0x79, 0xa4, 0x44, 0x02, 0x5d, 0x22},
	{0x16, 0x19, 0x0d, 0x81, 0x6a, 0x4c, 0xc7, 0xf8, 0xb8, 0xf9, 0x4e, 0xcd, 0x2c, 0x9e, 0x90, 0x84, 0xb2, 0x08, 0x25, 0x60, 0xe1, 0x1e, 0xae, 0x18},
	{0xe9, 0x7c, 0x58, 0x26, 0x1b, 0x51, 0x9e, 0x49, 0x82, 0x60, 0x61, 0xfc, 0xa0, 0xa0, 0x1b, 0xcd, 0xf5, 0x05, 0xd6, 0xa6, 0x6d, 0x07, 0x88, 0xa3},
	{0x2b, 0x97, 0x11, 0x8b, 0xd9, 0x4e, 0xd9, 0xdf, 0x20, 0xe3, 0x9c, 0x10, 0xe6, 0xa1, 0x35, 0x21, 0x11, 0xf9, 0x13, 0x0d, 0x0b, 0x24, 0x65, 0xb2},
	{0x53, 0x6a, 0x4c, 0x54, 0xac, 0x8b, 0x9b, 0xb8, 0x97, 0x29, 0xfc, 0x60, 0x2c, 0x5b, 0x3a, 0x85, 0x68, 0xb5, 0xaa, 0x6a, 0x44, 0xcd, 0x3f, 0xa7},
}

var rtmpeXTEACiphers = newXTEASignatureCiphers()
var rtmpeBlowfishCiphers = newBlowfishSignatureCiphers()

func newXTEASignatureCiphers() [RTMPE_SIG_TRANSFORM_KEYS]cipher.Block {
	var ciphers [RTMPE_SIG_TRANSFORM_KEYS]cipher.Block

	for i, words := range rtmpeXTEAKeys {
		key := make([]byte, 16)

		for j, w := range words {
			key[4*j] = byte(w >> 24)
			key[4*j+1] = byte(w >> 16)
			key[4*j+2] = byte(w >> 8)
			key[4*j+3] = byte(w)
		}

		c, err := xtea.NewCipher(key)

		if err != nil {
			// This should never happen
			panic(err)
		}

		ciphers[i] = c
	}

	return ciphers
}

func newBlowfishSignatureCiphers() [RTMPE_SIG_TRANSFORM_KEYS]cipher.Block {
	var ciphers [RTMPE_SIG_TRANSFORM_KEYS]cipher.Block

	for i := range rtmpeBlowfishKeys {
		c, err := blowfish.NewCipher(rtmpeBlowfishKeys[i][:])

		if err != nil {
			// This should never happen
			panic(err)
		}

		ciphers[i] = c
	}

	return ciphers
}

// Checks if a handshake type transforms the C2 / S2 signature
func hasSignatureTransform(handshakeType byte) bool {
	return handshakeType == RTMPE_XTEA_VERSION || handshakeType == RTMPE_BLOWFISH_VERSION
}

// Reverses the byte order of each 32 bit word of a block
// The transforms read the block as two little endian words
func swapBlockWords(b []byte) {
	b[0], b[1], b[2], b[3] = b[3], b[2], b[1], b[0]
	b[4], b[5], b[6], b[7] = b[7], b[6], b[5], b[4]
}

// Applies the signature transform of handshake types 8 and 9
// handshakeType - The handshake type. Other types leave the signature unchanged.
// sig - The signature (SHA256DL bytes). Modified in place.
// key - Key the signature was computed with. Selects the cipher key of each block.
func transformSignature(handshakeType byte, sig []byte, key []byte) {
	var ciphers *[RTMPE_SIG_TRANSFORM_KEYS]cipher.Block

	switch handshakeType {
	case RTMPE_XTEA_VERSION:
		ciphers = &rtmpeXTEACiphers
	case RTMPE_BLOWFISH_VERSION:
		ciphers = &rtmpeBlowfishCiphers
	default:
		return
	}

	for i := 0; i+RTMPE_SIG_TRANSFORM_BLOCK_SIZE <= len(sig); i += RTMPE_SIG_TRANSFORM_BLOCK_SIZE {
		block := sig[i:(i + RTMPE_SIG_TRANSFORM_BLOCK_SIZE)]
		c := ciphers[int(key[i])%RTMPE_SIG_TRANSFORM_KEY_MOD]

		swapBlockWords(block)
		c.Encrypt(block, block)
		swapBlockWords(block)
	}
}
