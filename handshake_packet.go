// RTMP Handshake - Packets (C1, S1, C2, S2)

package main

import (
	"crypto/rand"
	"encoding/binary"
	"strconv"
)

// Handshake packet. Always RTMP_SIG_SIZE bytes:
//
//	[0:4)    time (big endian)
//	[4:8)    version (big endian, or zero)
//	[8:1536) payload
type HandshakePacket []byte

// Checks the length of a received packet
// b - The received bytes
// Returns the packet, or a malformed-packet error
func parseHandshakePacket(b []byte) (HandshakePacket, error) {
	if len(b) != RTMP_SIG_SIZE {
		return nil, newHandshakeError(HANDSHAKE_ERROR_MALFORMED_PACKET, "handshake packet must be "+strconv.Itoa(RTMP_SIG_SIZE)+" bytes, received "+strconv.Itoa(len(b)))
	}

	return HandshakePacket(b), nil
}

// Creates a handshake packet with a random payload
// time - Value for the time field
// version - Value for the version field
// Returns the packet
func createHandshakePacket(time uint32, version uint32) HandshakePacket {
	p := make(HandshakePacket, RTMP_SIG_SIZE)

	binary.BigEndian.PutUint32(p[0:4], time)
	binary.BigEndian.PutUint32(p[4:8], version)

	_, err := rand.Read(p[RTMP_SIG_HEADER_SIZE:])

	if err != nil {
		// This should never happen
		panic(err)
	}

	return p
}

func (p HandshakePacket) Time() uint32 {
	return binary.BigEndian.Uint32(p[0:4])
}

func (p HandshakePacket) Version() uint32 {
	return binary.BigEndian.Uint32(p[4:8])
}

func (p HandshakePacket) Payload() []byte {
	return p[RTMP_SIG_HEADER_SIZE:]
}

// Makes a copy of the packet
func (p HandshakePacket) Clone() HandshakePacket {
	c := make(HandshakePacket, len(p))
	copy(c, p)
	return c
}

// Places the digest into the packet
// algorithm - The algorithm to compute the digest position
// key - The key
// keyLength - Number of key bytes to use
// Returns the digest position
func (p HandshakePacket) imprintDigest(algorithm HandshakeAlgorithm, key []byte, keyLength int) int {
	digestPos := getDigestOffset(algorithm, p, 0)
	calculateDigest(digestPos, p, 0, key, keyLength, p, digestPos)
	return digestPos
}

// Looks for a valid digest, trying algorithm 0 first, then algorithm 1
// key - The key
// keyLength - Number of key bytes to use
// Returns:
//
//	algorithm - The algorithm that verified
//	digestPos - Position of the digest
//	ok - False if no algorithm verified
func (p HandshakePacket) findDigest(key []byte, keyLength int) (algorithm HandshakeAlgorithm, digestPos int, ok bool) {
	for _, a := range handshakeAlgorithms {
		pos := getDigestOffset(a, p, 0)

		if verifyDigest(pos, p, key, keyLength) {
			return a, pos, true
		}
	}

	return HANDSHAKE_ALGORITHM_0, 0, false
}

// Returns the digest bytes at a given position
func (p HandshakePacket) digestAt(digestPos int) []byte {
	return p[digestPos:(digestPos + SHA256DL)]
}

// Reads the Diffie-Hellman public key of the packet
// algorithm - The algorithm used by the peer
// Returns a copy of the key (DH_KEY_LENGTH bytes)
func (p HandshakePacket) dhPublicKey(algorithm HandshakeAlgorithm) []byte {
	pos := getDHOffset(algorithm, p, 0)
	key := make([]byte, DH_KEY_LENGTH)
	copy(key, p[pos:(pos+DH_KEY_LENGTH)])
	return key
}

// Places a Diffie-Hellman public key in the packet
// Must be called before imprinting the digest
func (p HandshakePacket) putDHPublicKey(algorithm HandshakeAlgorithm, publicKey []byte) int {
	pos := getDHOffset(algorithm, p, 0)
	copy(p[pos:(pos+DH_KEY_LENGTH)], publicKey)
	return pos
}

// Computes the 32 bytes signature of a C2 / S2 packet
// key - Key derived from the digest of the packet being answered
// handshakeType - Handshake type (C0). Types 8 and 9 transform the signature.
// Returns the signature
func (p HandshakePacket) computeSignature(key []byte, handshakeType byte) []byte {
	sig := make([]byte, SHA256DL)
	calcHmacInto(p, 0, RTMP_SIG_SIGNATURE_OFFSET, key, len(key), sig, 0)
	transformSignature(handshakeType, sig, key)
	return sig
}

// Writes the signature at the end of a C2 / S2 packet
func (p HandshakePacket) sign(key []byte, handshakeType byte) {
	copy(p[RTMP_SIG_SIGNATURE_OFFSET:], p.computeSignature(key, handshakeType))
}

// Checks the signature at the end of a C2 / S2 packet
func (p HandshakePacket) verifySignature(key []byte, handshakeType byte) bool {
	return compareSignatures(p.computeSignature(key, handshakeType), p[RTMP_SIG_SIGNATURE_OFFSET:])
}

// Derives the key used to sign the response to a digest-bearing packet
// digest - The digest of the packet being answered
// fullKey - Full genuine constant of the responder
// Returns the signing key
func deriveResponseKey(digest []byte, fullKey []byte) []byte {
	key := make([]byte, SHA256DL)
	calcHmacInto(digest, 0, SHA256DL, fullKey, len(fullKey), key, 0)
	return key
}

// Checks if a client handshake packet (C1) was generated
// by a genuine client (Flash Player)
// c1 - The C1 bytes
// Returns true if a digest verifies under any algorithm
func validateClientHandshake(c1 []byte) bool {
	if len(c1) != RTMP_SIG_SIZE {
		return false
	}

	_, _, ok := HandshakePacket(c1).findDigest(GenuineFPConstCrud, GENUINE_FP_KEY_PARTIAL_LENGTH)

	return ok
}
