package main

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// Loads a C1 captured from a real client
func loadHandshakeFixture(t *testing.T, name string) []byte {
	t.Helper()

	data, err := os.ReadFile(filepath.Join("testdata", name+".hex"))
	if err != nil {
		t.Fatalf("could not read fixture %s: %v", name, err)
	}

	b, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		t.Fatalf("invalid fixture %s: %v", name, err)
	}

	if len(b) != RTMP_SIG_SIZE {
		t.Fatalf("fixture %s has %d bytes", name, len(b))
	}

	return b
}

func TestValidateClientHandshakeBrowsers(t *testing.T) {
	chrome := loadHandshakeFixture(t, "chrome_c1")
	firefox := loadHandshakeFixture(t, "firefox_c1")
	ffmpeg := loadHandshakeFixture(t, "ffmpeg_c1")

	if !validateClientHandshake(chrome) {
		t.Errorf("Chrome Flash Player C1 not recognized")
	}

	if !validateClientHandshake(firefox) {
		t.Errorf("Firefox Flash Player C1 not recognized")
	}

	if validateClientHandshake(ffmpeg) {
		t.Errorf("ffmpeg C1 recognized as genuine")
	}
}

func TestFindDigestFixtures(t *testing.T) {
	cases := []struct {
		fixture   string
		algorithm HandshakeAlgorithm
		digestPos int
	}{
		{"red5_c1", HANDSHAKE_ALGORITHM_0, 460},
		{"chrome_c1", HANDSHAKE_ALGORITHM_1, 1079},
		{"firefox_c1", HANDSHAKE_ALGORITHM_1, 1316},
	}

	for _, c := range cases {
		t.Run(c.fixture, func(t *testing.T) {
			p := HandshakePacket(loadHandshakeFixture(t, c.fixture))

			algorithm, digestPos, ok := p.findDigest(GenuineFPConstCrud, GENUINE_FP_KEY_PARTIAL_LENGTH)

			if !ok {
				t.Fatalf("no digest found")
			}

			if algorithm != c.algorithm || digestPos != c.digestPos {
				t.Fatalf("found %s at %d, expected %s at %d", algorithm, digestPos, c.algorithm, c.digestPos)
			}
		})
	}
}

func TestRed5ClientHeader(t *testing.T) {
	p := HandshakePacket(loadHandshakeFixture(t, "red5_c1"))

	if p.Time() != 5 {
		t.Errorf("time = %d, expected 5", p.Time())
	}

	if p.Version() != 0x80000702 {
		t.Errorf("version = %x, expected 80000702", p.Version())
	}
}

func TestValidateClientHandshakeLengths(t *testing.T) {
	chrome := loadHandshakeFixture(t, "chrome_c1")

	inputs := [][]byte{
		nil,
		{},
		chrome[:RTMP_SIG_SIZE-1],
		append(append([]byte{}, chrome...), 0),
		make([]byte, 8),
	}

	for _, b := range inputs {
		if validateClientHandshake(b) {
			t.Errorf("buffer of %d bytes validated", len(b))
		}
	}
}

func TestParseHandshakePacketLengths(t *testing.T) {
	for _, n := range []int{0, 1, 8, RTMP_SIG_SIZE - 1, RTMP_SIG_SIZE + 1, 2 * RTMP_SIG_SIZE} {
		_, err := parseHandshakePacket(make([]byte, n))

		if !IsHandshakeErrorKind(err, HANDSHAKE_ERROR_MALFORMED_PACKET) {
			t.Errorf("length %d: expected malformed-packet, got %v", n, err)
		}
	}

	p, err := parseHandshakePacket(make([]byte, RTMP_SIG_SIZE))

	if err != nil || len(p) != RTMP_SIG_SIZE {
		t.Errorf("valid length rejected: %v", err)
	}
}

func TestCreateHandshakePacket(t *testing.T) {
	p := createHandshakePacket(0x01020304, HANDSHAKE_DEFAULT_SERVER_VERSION)

	if len(p) != RTMP_SIG_SIZE {
		t.Fatalf("length = %d", len(p))
	}

	if p.Time() != 0x01020304 || p.Version() != HANDSHAKE_DEFAULT_SERVER_VERSION {
		t.Fatalf("header = %x", []byte(p[:8]))
	}

	q := createHandshakePacket(0x01020304, HANDSHAKE_DEFAULT_SERVER_VERSION)

	if bytes.Equal(p.Payload(), q.Payload()) {
		t.Fatalf("two packets with the same random payload")
	}
}

func TestImprintDigest(t *testing.T) {
	for _, a := range handshakeAlgorithms {
		p := createHandshakePacket(0, HANDSHAKE_DEFAULT_SERVER_VERSION)

		pos := p.imprintDigest(a, GenuineFMSConstCrud, GENUINE_FMS_KEY_PARTIAL_LENGTH)

		if pos != getDigestOffset(a, p, 0) {
			t.Fatalf("%s: returned position %d does not match the offset", a, pos)
		}

		found, foundPos, ok := p.findDigest(GenuineFMSConstCrud, GENUINE_FMS_KEY_PARTIAL_LENGTH)

		if !ok || found != a || foundPos != pos {
			t.Fatalf("%s: findDigest = %s, %d, %v", a, found, foundPos, ok)
		}

		// Any change outside the digest breaks it
		p[RTMP_SIG_SIZE-1] ^= 0xff
		if pos+SHA256DL == RTMP_SIG_SIZE {
			p[RTMP_SIG_HEADER_SIZE+4] ^= 0xff
		}

		if verifyDigest(pos, p, GenuineFMSConstCrud, GENUINE_FMS_KEY_PARTIAL_LENGTH) {
			t.Fatalf("%s: digest still valid after changing the packet", a)
		}
	}
}

func TestDHPublicKeyPlacement(t *testing.T) {
	for _, a := range handshakeAlgorithms {
		p := createHandshakePacket(0, 0)
		key := bytes.Repeat([]byte{0x5a}, DH_KEY_LENGTH)

		pos := p.putDHPublicKey(a, key)

		if pos != getDHOffset(a, p, 0) {
			t.Fatalf("%s: key placed at %d, offset is %d", a, pos, getDHOffset(a, p, 0))
		}

		read := p.dhPublicKey(a)

		if !bytes.Equal(read, key) {
			t.Fatalf("%s: key read back does not match", a)
		}

		// A copy is returned
		read[0] = 0
		if p[pos] != 0x5a {
			t.Fatalf("%s: dhPublicKey returned a slice of the packet", a)
		}
	}
}

func TestSignature(t *testing.T) {
	p := createHandshakePacket(10, 0)
	key := deriveResponseKey(bytes.Repeat([]byte{7}, SHA256DL), GenuineFMSConstCrud)

	p.sign(key, RTMP_VERSION)

	if !p.verifySignature(key, RTMP_VERSION) {
		t.Fatalf("signature does not verify")
	}

	other := deriveResponseKey(bytes.Repeat([]byte{8}, SHA256DL), GenuineFMSConstCrud)

	if p.verifySignature(other, RTMP_VERSION) {
		t.Fatalf("signature verifies with another key")
	}

	p[100] ^= 1

	if p.verifySignature(key, RTMP_VERSION) {
		t.Fatalf("signature verifies after changing the packet")
	}
}
