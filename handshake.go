// RTMP Handshake - Digest engine

package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
)

const RTMP_SIG_SIZE = 1536
const SHA256DL = 32

// Size of the time + version header of a handshake packet
const RTMP_SIG_HEADER_SIZE = 8

// Start of the S2 / C2 signature
const RTMP_SIG_SIGNATURE_OFFSET = RTMP_SIG_SIZE - SHA256DL

var RandomCrud = []byte{
	0xf0, 0xee, 0xc2, 0x4a, 0x80, 0x68, 0xbe, 0xe8,
	0x2e, 0x00, 0xd0, 0xd1, 0x02, 0x9e, 0x7e, 0x57,
	0x6e, 0xec, 0x5d, 0x2d, 0x29, 0x80, 0x6f, 0xab,
	0x93, 0xb8, 0xe6, 0x36, 0xcf, 0xeb, 0x31, 0xae,
}

const GenuineFMSConst = "Genuine Adobe Flash Media Server 001"

var GenuineFMSConstCrud = joinKey(GenuineFMSConst, RandomCrud)

const GenuineFPConst = "Genuine Adobe Flash Player 001"

var GenuineFPConstCrud = joinKey(GenuineFPConst, RandomCrud)

// Partial key lengths. The digests of C1 and S1 are keyed with
// the text part of each constant only.
const GENUINE_FP_KEY_PARTIAL_LENGTH = len(GenuineFPConst)   // 30
const GENUINE_FMS_KEY_PARTIAL_LENGTH = len(GenuineFMSConst) // 36

func joinKey(text string, crud []byte) []byte {
	key := make([]byte, 0, len(text)+len(crud))
	key = append(key, text...)
	return append(key, crud...)
}

// Algorithm used to compute the position of the digest
// inside a handshake packet. It is not sent explicitly,
// so the server tries both.
type HandshakeAlgorithm int

const (
	HANDSHAKE_ALGORITHM_0 HandshakeAlgorithm = 0
	HANDSHAKE_ALGORITHM_1 HandshakeAlgorithm = 1
)

// Trial order used when validating a peer packet
var handshakeAlgorithms = [2]HandshakeAlgorithm{HANDSHAKE_ALGORITHM_0, HANDSHAKE_ALGORITHM_1}

func (a HandshakeAlgorithm) String() string {
	if a == HANDSHAKE_ALGORITHM_1 {
		return "algorithm-1"
	}
	return "algorithm-0"
}

// Calculates HMAC
// message - The message
// key - The key
// Returns the HMAC hash
func calcHmac(message []byte, key []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(message)
	return h.Sum(nil)
}

// Calculates HMAC-SHA256 over a region of a buffer and writes
// the 32 bytes result into another buffer
// data - Source buffer
// dataOffset - Start of the region to hash
// dataLength - Length of the region to hash
// key - Key buffer
// keyLength - Number of key bytes to use
// output - Destination buffer
// outputOffset - Position where the result is written
func calcHmacInto(data []byte, dataOffset int, dataLength int, key []byte, keyLength int, output []byte, outputOffset int) {
	h := hmac.New(sha256.New, key[:keyLength])
	h.Write(data[dataOffset:(dataOffset + dataLength)])
	copy(output[outputOffset:(outputOffset+SHA256DL)], h.Sum(nil))
}

// Compares two signatures
// sig1 - First signature
// sig2 - Second signature
// Returns true only if the two signatures are the same
func compareSignatures(sig1 []byte, sig2 []byte) bool {
	if len(sig1) != len(sig2) {
		return false
	}

	return subtle.ConstantTimeCompare(sig1, sig2) == 1
}

func sumOffsetIndicator(packet []byte, start int) int {
	return int(packet[start]) + int(packet[start+1]) + int(packet[start+2]) + int(packet[start+3])
}

// Gets the position of the digest in a handshake packet
// algorithm - The algorithm
// packet - Buffer containing the packet
// packetBaseOffset - Position of the packet inside the buffer
// Returns the digest position, relative to the packet start
func getDigestOffset(algorithm HandshakeAlgorithm, packet []byte, packetBaseOffset int) int {
	if algorithm == HANDSHAKE_ALGORITHM_1 {
		return (sumOffsetIndicator(packet, packetBaseOffset+772) % 728) + 776
	}

	return (sumOffsetIndicator(packet, packetBaseOffset+8) % 728) + 12
}

// Gets the position of the Diffie-Hellman public key in a handshake packet
// algorithm - The algorithm
// packet - Buffer containing the packet
// packetBaseOffset - Position of the packet inside the buffer
// Returns the key position, relative to the packet start
func getDHOffset(algorithm HandshakeAlgorithm, packet []byte, packetBaseOffset int) int {
	if algorithm == HANDSHAKE_ALGORITHM_1 {
		return (sumOffsetIndicator(packet, packetBaseOffset+768) % 632) + 8
	}

	return (sumOffsetIndicator(packet, packetBaseOffset+1532) % 632) + 772
}

// Calculates the digest of a handshake packet, skipping the
// 32 bytes where the digest is placed
// digestPos - Position of the digest, relative to the packet
// packet - Buffer containing the packet
// packetOffset - Position of the packet inside the buffer
// key - Key buffer
// keyLength - Number of key bytes to use
// output - Destination buffer
// outputOffset - Position where the digest is written
func calculateDigest(digestPos int, packet []byte, packetOffset int, key []byte, keyLength int, output []byte, outputOffset int) {
	h := hmac.New(sha256.New, key[:keyLength])
	h.Write(packet[packetOffset:(packetOffset + digestPos)])
	h.Write(packet[(packetOffset + digestPos + SHA256DL):(packetOffset + RTMP_SIG_SIZE)])
	copy(output[outputOffset:(outputOffset+SHA256DL)], h.Sum(nil))
}

// Checks the digest placed in a handshake packet
// digestPos - Position of the digest
// packet - The packet (1536 bytes)
// key - Key buffer
// keyLength - Number of key bytes to use
// Returns true if the digest is valid
func verifyDigest(digestPos int, packet []byte, key []byte, keyLength int) bool {
	computed := make([]byte, SHA256DL)
	calculateDigest(digestPos, packet, 0, key, keyLength, computed, 0)

	return compareSignatures(computed, packet[digestPos:(digestPos+SHA256DL)])
}
