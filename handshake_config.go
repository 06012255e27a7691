// Handshake configuration

package main

import (
	"errors"
	"os"
	"strconv"
	"strings"
)

// Handshake types (C0 / S0)
const (
	RTMP_VERSION           = 3 // Plain RTMP
	RTMPE_VERSION          = 6 // RTMPE, RC4 encryption
	RTMPE_XTEA_VERSION     = 8 // RTMPE, RC4 encryption, XTEA signature transform
	RTMPE_BLOWFISH_VERSION = 9 // RTMPE, RC4 encryption, Blowfish signature transform
)

// Checks if a handshake type negotiates encryption (DH + RC4)
func isEncryptedHandshakeType(handshakeType byte) bool {
	switch handshakeType {
	case RTMPE_VERSION, RTMPE_XTEA_VERSION, RTMPE_BLOWFISH_VERSION:
		return true
	default:
		return false
	}
}

// Version announced in S1
const HANDSHAKE_DEFAULT_SERVER_VERSION = 0x04050001 // 4.5.0.1

// Flash Player version announced in outbound C1
const HANDSHAKE_DEFAULT_CLIENT_VERSION = 0x09007c02 // 9.0.124.2

// Handshake configuration
type HandshakeConfig struct {
	ServerVersion uint32 // Version field of S1

	ClientVersion   uint32             // Version field of outbound C1
	ClientAlgorithm HandshakeAlgorithm // Digest algorithm for outbound C1

	StrictC2          bool // If true, a C2 that does not answer S1 fails the handshake
	RequireGenuine    bool // If true, clients without a valid digest are rejected
	EncryptionEnabled bool // If true, RTMPE handshakes are accepted
}

// Returns the default handshake configuration
func DefaultHandshakeConfig() HandshakeConfig {
	return HandshakeConfig{
		ServerVersion:     HANDSHAKE_DEFAULT_SERVER_VERSION,
		ClientVersion:     HANDSHAKE_DEFAULT_CLIENT_VERSION,
		ClientAlgorithm:   HANDSHAKE_ALGORITHM_0,
		StrictC2:          true,
		RequireGenuine:    false,
		EncryptionEnabled: true,
	}
}

// Loads the handshake configuration from the environment variables
func LoadHandshakeConfig() HandshakeConfig {
	config := DefaultHandshakeConfig()

	customServerVersion := os.Getenv("HANDSHAKE_SERVER_VERSION")
	if customServerVersion != "" {
		v, e := parseHandshakeVersion(customServerVersion)
		if e == nil {
			config.ServerVersion = v
		} else {
			LogWarning("Invalid HANDSHAKE_SERVER_VERSION: " + e.Error())
		}
	}

	if os.Getenv("HANDSHAKE_STRICT_C2") == "NO" {
		config.StrictC2 = false
	}

	if os.Getenv("HANDSHAKE_REQUIRE_GENUINE") == "YES" {
		config.RequireGenuine = true
	}

	if os.Getenv("RTMPE_ENABLED") == "NO" {
		config.EncryptionEnabled = false
	}

	return config
}

// Parses a version string with the format A.B.C.D
// str - The version string
// Returns the version as an unsigned 32 bit integer
func parseHandshakeVersion(str string) (uint32, error) {
	parts := strings.Split(str, ".")

	if len(parts) != 4 {
		return 0, errors.New("version must have the format A.B.C.D")
	}

	var version uint32

	for i := 0; i < 4; i++ {
		n, e := strconv.Atoi(parts[i])

		if e != nil || n < 0 || n > 255 {
			return 0, errors.New("invalid version component: " + parts[i])
		}

		version = (version << 8) | uint32(n)
	}

	return version, nil
}

// Returns a name for a handshake type, for logging
func handshakeTypeName(handshakeType byte) string {
	switch handshakeType {
	case RTMP_VERSION:
		return "rtmp"
	case RTMPE_VERSION:
		return "rtmpe"
	case RTMPE_XTEA_VERSION:
		return "rtmpe-xtea"
	case RTMPE_BLOWFISH_VERSION:
		return "rtmpe-blowfish"
	default:
		return "0x" + strconv.FormatUint(uint64(handshakeType), 16)
	}
}
