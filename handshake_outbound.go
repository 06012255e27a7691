// RTMP Handshake - Client side (used to connect to the upstream origin)

package main

import (
	"strconv"
)

// Client side handshake status for one upstream connection
type OutboundHandshake struct {
	config *HandshakeConfig

	handshakeType byte

	c1          HandshakePacket // C1 sent to the server
	c1DigestPos int             // Position of the digest in C1

	keyPair *DHKeyPair // Own DH key pair (RTMPE)

	serverGenuine bool // True if the S1 digest verified
}

// Creates the client side handshake status
// handshakeType - RTMP_VERSION, or an encrypted type (6, 8 or 9)
// config - Handshake configuration
func NewOutboundHandshake(handshakeType byte, config *HandshakeConfig) *OutboundHandshake {
	return &OutboundHandshake{
		config:        config,
		handshakeType: handshakeType,
	}
}

func (h *OutboundHandshake) encrypted() bool {
	return isEncryptedHandshakeType(h.handshakeType)
}

// Generates C0 and C1
// Returns the 1 + RTMP_SIG_SIZE bytes to send
func (h *OutboundHandshake) generateC0C1() ([]byte, error) {
	c1 := createHandshakePacket(0, h.config.ClientVersion)

	if h.encrypted() {
		keyPair, err := generateDHKeyPair()

		if err != nil {
			return nil, err
		}

		h.keyPair = keyPair

		c1.putDHPublicKey(h.config.ClientAlgorithm, keyPair.PublicKeyBytes())
	}

	h.c1DigestPos = c1.imprintDigest(h.config.ClientAlgorithm, GenuineFPConstCrud, GENUINE_FP_KEY_PARTIAL_LENGTH)
	h.c1 = c1

	out := make([]byte, 0, 1+RTMP_SIG_SIZE)
	out = append(out, h.handshakeType)
	out = append(out, c1...)

	return out, nil
}

// Decodes S0, S1 and S2 received from the server
// s0s1s2 - The server response (1 + 2 * RTMP_SIG_SIZE bytes)
// Returns:
//
//	c2 - C2 to send to the server
//	keys - RC4 keys (only for RTMPE)
func (h *OutboundHandshake) decodeServerResponse(s0s1s2 []byte) (c2 HandshakePacket, keys *CipherKeys, err error) {
	if len(s0s1s2) != 1+2*RTMP_SIG_SIZE {
		return nil, nil, newHandshakeError(HANDSHAKE_ERROR_MALFORMED_PACKET, "server response must be "+strconv.Itoa(1+2*RTMP_SIG_SIZE)+" bytes, received "+strconv.Itoa(len(s0s1s2)))
	}

	if h.c1 == nil {
		return nil, nil, newHandshakeError(HANDSHAKE_ERROR_UNEXPECTED_STATE, "server response received before C1 was generated")
	}

	if s0s1s2[0] != h.handshakeType {
		return nil, nil, newHandshakeError(HANDSHAKE_ERROR_UNEXPECTED_STATE, "server answered with handshake type "+handshakeTypeName(s0s1s2[0])+", requested "+handshakeTypeName(h.handshakeType))
	}

	s1 := HandshakePacket(s0s1s2[1:(1 + RTMP_SIG_SIZE)])
	s2 := HandshakePacket(s0s1s2[(1 + RTMP_SIG_SIZE):])

	algorithm, s1DigestPos, ok := s1.findDigest(GenuineFMSConstCrud, GENUINE_FMS_KEY_PARTIAL_LENGTH)

	if !ok {
		if h.encrypted() {
			return nil, nil, newHandshakeError(HANDSHAKE_ERROR_DIGEST_MISMATCH, "encrypted handshake requires a server digest, none verified")
		}

		// Legacy server: C2 is the echo of S1
		h.serverGenuine = false
		return s1.Clone(), nil, nil
	}

	h.serverGenuine = true

	s2Key := deriveResponseKey(h.c1.digestAt(h.c1DigestPos), GenuineFMSConstCrud)
	valid := s2.verifySignature(s2Key, h.handshakeType)
	zeroBytes(s2Key)

	if !valid && h.config.StrictC2 {
		return nil, nil, newHandshakeError(HANDSHAKE_ERROR_DIGEST_MISMATCH, "S2 signature does not answer C1 digest at offset "+strconv.Itoa(h.c1DigestPos))
	}

	if h.encrypted() {
		if h.keyPair == nil {
			return nil, nil, newHandshakeError(HANDSHAKE_ERROR_UNEXPECTED_STATE, "no key pair for the encrypted handshake")
		}

		serverPublicKey := s1.dhPublicKey(algorithm)

		secret, err := h.keyPair.ComputeSharedSecret(serverPublicKey)

		if err != nil {
			return nil, nil, err
		}

		keys = deriveCipherKeys(secret, serverPublicKey, h.keyPair.PublicKeyBytes())
		zeroBytes(secret)
	}

	c2 = createHandshakePacket(s1.Time(), 0)
	c2Key := deriveResponseKey(s1.digestAt(s1DigestPos), GenuineFPConstCrud)
	c2.sign(c2Key, h.handshakeType)
	zeroBytes(c2Key)

	return c2, keys, nil
}

// Releases the key material
func (h *OutboundHandshake) Release() {
	if h.keyPair != nil {
		h.keyPair.Release()
		h.keyPair = nil
	}
}
