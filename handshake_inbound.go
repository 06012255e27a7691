// RTMP Handshake - Server side (C1 -> S1, S2; C2)

package main

import (
	"bytes"
	"strconv"
)

// Classification of a client after checking the C1 digest
type ClientGenuineness int

const (
	CLIENT_NON_GENUINE ClientGenuineness = 0 // No digest (legacy or minimal clients)
	CLIENT_GENUINE     ClientGenuineness = 1 // Digest verified with the Flash Player key
)

func (g ClientGenuineness) String() string {
	if g == CLIENT_GENUINE {
		return "genuine"
	}
	return "non-genuine"
}

// Server side handshake status for one connection
type InboundHandshake struct {
	config *HandshakeConfig

	handshakeType byte // Handshake type (C0)

	genuineness ClientGenuineness  // Client classification
	algorithm   HandshakeAlgorithm // Algorithm the client used

	c1          HandshakePacket // Copy of the client C1
	c1DigestPos int             // Position of the digest in C1

	s1          HandshakePacket // S1 sent to the client
	s1DigestPos int             // Position of the digest in S1

	keyPair       *DHKeyPair // Own DH key pair (RTMPE)
	peerPublicKey []byte     // Client DH public key (RTMPE)

	c2Mismatch bool // True if a non strict C2 check failed
}

// Creates the server side handshake status
// handshakeType - Handshake type requested by the client (C0)
// config - Handshake configuration
func NewInboundHandshake(handshakeType byte, config *HandshakeConfig) *InboundHandshake {
	return &InboundHandshake{
		config:        config,
		handshakeType: handshakeType,
		genuineness:   CLIENT_NON_GENUINE,
		algorithm:     HANDSHAKE_ALGORITHM_0,
	}
}

func (h *InboundHandshake) encrypted() bool {
	return isEncryptedHandshakeType(h.handshakeType)
}

// Decodes the C1 packet and builds S1
// c1 - The client packet. It is not modified.
// Returns S1
func (h *InboundHandshake) decodeClientRequest1(c1 []byte) (HandshakePacket, error) {
	packet, err := parseHandshakePacket(c1)

	if err != nil {
		return nil, err
	}

	h.c1 = packet.Clone()

	algorithm, digestPos, ok := h.c1.findDigest(GenuineFPConstCrud, GENUINE_FP_KEY_PARTIAL_LENGTH)

	if !ok {
		if h.encrypted() {
			return nil, newHandshakeError(HANDSHAKE_ERROR_DIGEST_MISMATCH, "encrypted handshake requires a client digest, none verified with "+HANDSHAKE_ALGORITHM_0.String()+" or "+HANDSHAKE_ALGORITHM_1.String())
		}

		if h.config.RequireGenuine {
			return nil, newHandshakeError(HANDSHAKE_ERROR_DIGEST_MISMATCH, "client digest required, none verified")
		}

		// Legacy clients: echo time and version, random payload
		h.genuineness = CLIENT_NON_GENUINE
		h.s1 = createHandshakePacket(h.c1.Time(), h.c1.Version())

		return h.s1.Clone(), nil
	}

	h.genuineness = CLIENT_GENUINE
	h.algorithm = algorithm
	h.c1DigestPos = digestPos

	s1 := createHandshakePacket(0, h.config.ServerVersion)

	if h.encrypted() {
		h.peerPublicKey = h.c1.dhPublicKey(algorithm)

		if err := validateDHPublicKey(h.peerPublicKey); err != nil {
			return nil, err
		}

		keyPair, err := generateDHKeyPair()

		if err != nil {
			return nil, err
		}

		h.keyPair = keyPair

		s1.putDHPublicKey(algorithm, keyPair.PublicKeyBytes())
	}

	// The digest goes last, since it covers the public key
	h.s1DigestPos = s1.imprintDigest(algorithm, GenuineFMSConstCrud, GENUINE_FMS_KEY_PARTIAL_LENGTH)
	h.s1 = s1

	return s1.Clone(), nil
}

// Generates S2. Requires decodeClientRequest1 to be called first.
// Returns S2
func (h *InboundHandshake) generateS2() HandshakePacket {
	if h.genuineness == CLIENT_NON_GENUINE {
		// S2 is the echo of C1
		return h.c1.Clone()
	}

	s2 := createHandshakePacket(h.c1.Time(), 0)
	key := deriveResponseKey(h.c1.digestAt(h.c1DigestPos), GenuineFMSConstCrud)
	s2.sign(key, h.handshakeType)
	zeroBytes(key)

	return s2
}

// Decodes the C2 packet, checking it answers S1
// c2 - The client packet
func (h *InboundHandshake) decodeClientRequest2(c2 []byte) error {
	packet, err := parseHandshakePacket(c2)

	if err != nil {
		return err
	}

	if h.s1 == nil {
		return newHandshakeError(HANDSHAKE_ERROR_UNEXPECTED_STATE, "C2 received before S1 was generated")
	}

	if h.genuineness == CLIENT_NON_GENUINE {
		if packet.Time() != h.s1.Time() {
			if h.config.StrictC2 {
				return newHandshakeError(HANDSHAKE_ERROR_DIGEST_MISMATCH, "C2 time does not echo S1 time")
			}
			h.c2Mismatch = true
		} else if !bytes.Equal(packet.Payload(), h.s1.Payload()) {
			// Payload echo is not enforced, some clients do not copy it
			h.c2Mismatch = true
		}
		return nil
	}

	key := deriveResponseKey(h.s1.digestAt(h.s1DigestPos), GenuineFPConstCrud)
	valid := packet.verifySignature(key, h.handshakeType)
	zeroBytes(key)

	if !valid {
		if h.config.StrictC2 {
			return newHandshakeError(HANDSHAKE_ERROR_DIGEST_MISMATCH, "C2 signature does not answer S1 digest at offset "+strconv.Itoa(h.s1DigestPos))
		}
		h.c2Mismatch = true
	}

	return nil
}

// Computes the shared secret and derives the RC4 keys (RTMPE)
// Returns the keys
func (h *InboundHandshake) deriveSessionKeys() (*CipherKeys, error) {
	if h.keyPair == nil {
		return nil, newHandshakeError(HANDSHAKE_ERROR_UNEXPECTED_STATE, "no key pair for the encrypted handshake")
	}

	secret, err := h.keyPair.ComputeSharedSecret(h.peerPublicKey)

	if err != nil {
		return nil, err
	}

	keys := deriveCipherKeys(secret, h.peerPublicKey, h.keyPair.PublicKeyBytes())
	zeroBytes(secret)

	return keys, nil
}

// Releases the key material
func (h *InboundHandshake) Release() {
	if h.keyPair != nil {
		h.keyPair.Release()
		h.keyPair = nil
	}
}
