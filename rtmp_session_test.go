package main

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"testing"
	"time"
)

// Starts an origin server that does the server side handshake
// and then echoes everything it receives (decrypted and encrypted again for RTMPE)
func startEchoOrigin(t *testing.T) (host string, port int) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}

			go func(c net.Conn) {
				defer c.Close()

				config := DefaultHandshakeConfig()
				m := NewHandshakeMachine(0, "origin", &config)
				defer m.Release()

				r := bufio.NewReader(c)

				var keys *CipherKeys

				for !m.IsComplete() {
					buf := make([]byte, m.NextExpected())

					if _, err := io.ReadFull(r, buf); err != nil {
						return
					}

					res, err := m.ProcessInbound(buf)
					if err != nil {
						return
					}

					if _, err := c.Write(res.Response); err != nil {
						return
					}

					if res.Keys != nil {
						keys = res.Keys
					}
				}

				if keys == nil {
					_, _ = io.Copy(c, r)
					return
				}

				cipher, err := NewRTMPECipher(keys)
				keys.Zero()

				if err != nil {
					return
				}

				_, _ = io.Copy(&rtmpeWriter{w: c, cipher: cipher}, &rtmpeReader{r: r, cipher: cipher})
			}(c)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)

	return addr.IP.String(), addr.Port
}

func newTestServer(t *testing.T) *RTMPServer {
	t.Setenv("CALLBACK_URL", "")

	host, port := startEchoOrigin(t)

	server := newRTMPServer()
	server.handshakeTimeout = 5 * time.Second
	server.upstream = RTMPUpstreamConfig{
		host:    host,
		port:    port,
		timeout: 5 * time.Second,
	}

	return server
}

func waitForSessions(t *testing.T, server *RTMPServer, count int) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)

	for server.SessionCount() != count {
		if time.Now().After(deadline) {
			t.Fatalf("%d active sessions, expected %d", server.SessionCount(), count)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Connects a client to the gateway using an in-memory connection
// Returns the client side of the stream (decrypted if needed)
func connectTestClient(t *testing.T, server *RTMPServer, id uint64, handshakeType byte) (net.Conn, io.ReadWriter) {
	t.Helper()

	clientConn, gatewayConn := net.Pipe()

	go server.HandleConnection(id, "10.0.0.1", gatewayConn, false)

	if err := clientConn.SetDeadline(time.Now().Add(10 * time.Second)); err != nil {
		t.Fatal(err)
	}

	config := DefaultHandshakeConfig()
	client := NewOutboundHandshake(handshakeType, &config)
	defer client.Release()

	c0c1, err := client.generateC0C1()
	if err != nil {
		t.Fatal(err)
	}

	if _, err := clientConn.Write(c0c1); err != nil {
		t.Fatal(err)
	}

	s0s1s2 := make([]byte, 1+2*RTMP_SIG_SIZE)

	if _, err := io.ReadFull(clientConn, s0s1s2); err != nil {
		t.Fatal(err)
	}

	c2, keys, err := client.decodeServerResponse(s0s1s2)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := clientConn.Write(c2); err != nil {
		t.Fatal(err)
	}

	if keys == nil {
		return clientConn, clientConn
	}

	cipher, err := NewRTMPECipher(keys)
	if err != nil {
		t.Fatal(err)
	}

	return clientConn, &rtmpClientStream{
		Reader: &rtmpeReader{r: clientConn, cipher: cipher},
		Writer: &rtmpeWriter{w: clientConn, cipher: cipher},
	}
}

func expectEcho(t *testing.T, stream io.ReadWriter, msg []byte) {
	t.Helper()

	if _, err := stream.Write(msg); err != nil {
		t.Fatal(err)
	}

	echo := make([]byte, len(msg))

	if _, err := io.ReadFull(stream, echo); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(echo, msg) {
		t.Fatalf("echo = %q, expected %q", echo, msg)
	}
}

func TestSessionRelayPlain(t *testing.T) {
	server := newTestServer(t)

	conn, stream := connectTestClient(t, server, 1, RTMP_VERSION)

	expectEcho(t, stream, []byte("plain chunk data"))

	conn.Close()

	waitForSessions(t, server, 0)
}

func TestSessionRelayEncrypted(t *testing.T) {
	for _, handshakeType := range []byte{RTMPE_VERSION, RTMPE_XTEA_VERSION, RTMPE_BLOWFISH_VERSION} {
		server := newTestServer(t)

		conn, stream := connectTestClient(t, server, 1, handshakeType)

		expectEcho(t, stream, []byte("first encrypted chunk"))
		expectEcho(t, stream, bytes.Repeat([]byte{0xab}, 5000))

		s := server.GetSession(1)

		if s == nil || !s.IsAdmitted() || s.handshakeType != handshakeType {
			t.Fatalf("%s: session not admitted", handshakeTypeName(handshakeType))
		}

		conn.Close()

		waitForSessions(t, server, 0)
	}
}

func TestSessionRelayEncryptedUpstream(t *testing.T) {
	server := newTestServer(t)
	server.upstream.encrypted = true

	conn, stream := connectTestClient(t, server, 1, RTMP_VERSION)

	expectEcho(t, stream, []byte("relayed over RTMPE"))

	conn.Close()

	waitForSessions(t, server, 0)
}

func TestSessionKill(t *testing.T) {
	server := newTestServer(t)

	conn, stream := connectTestClient(t, server, 5, RTMP_VERSION)
	defer conn.Close()

	expectEcho(t, stream, []byte("before kill"))

	if !server.KillSession(5) {
		t.Fatalf("session not found")
	}

	buf := make([]byte, 1)

	if _, err := conn.Read(buf); err == nil {
		t.Fatalf("connection still open after kill")
	}

	waitForSessions(t, server, 0)

	if server.KillSession(5) {
		t.Fatalf("killed a removed session")
	}
}

func TestSessionHandshakeFailure(t *testing.T) {
	server := newTestServer(t)

	clientConn, gatewayConn := net.Pipe()
	defer clientConn.Close()

	go server.HandleConnection(1, "10.0.0.1", gatewayConn, false)

	if err := clientConn.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatal(err)
	}

	if _, err := clientConn.Write([]byte{0x1f}); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 1)

	if _, err := clientConn.Read(buf); err == nil {
		t.Fatalf("connection still open after an invalid handshake type")
	}

	waitForSessions(t, server, 0)
}

func TestSessionHandshakeTimeout(t *testing.T) {
	server := newTestServer(t)
	server.handshakeTimeout = 100 * time.Millisecond

	clientConn, gatewayConn := net.Pipe()
	defer clientConn.Close()

	done := make(chan struct{})

	go func() {
		server.HandleConnection(1, "10.0.0.1", gatewayConn, false)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("handshake did not time out")
	}
}

func TestIPLimit(t *testing.T) {
	server := newRTMPServer()
	server.ipLimit = 2

	if !server.AddIP("10.0.0.1") || !server.AddIP("10.0.0.1") {
		t.Fatalf("IP rejected below the limit")
	}

	if server.AddIP("10.0.0.1") {
		t.Fatalf("IP accepted over the limit")
	}

	if !server.AddIP("10.0.0.2") {
		t.Fatalf("limit shared between IPs")
	}

	server.RemoveIP("10.0.0.1")

	if !server.AddIP("10.0.0.1") {
		t.Fatalf("IP rejected after a session was removed")
	}
}

func TestIPWhitelist(t *testing.T) {
	server := newRTMPServer()

	if server.isIPExempted("10.0.0.1") {
		t.Fatalf("exempted without a whitelist")
	}

	server.ipWhitelist = "10.0.0.0/8, 192.168.1.0/24"

	cases := map[string]bool{
		"10.1.2.3":    true,
		"192.168.1.7": true,
		"192.168.2.7": false,
		"8.8.8.8":     false,
		"invalid":     false,
	}

	for ip, expected := range cases {
		if server.isIPExempted(ip) != expected {
			t.Errorf("%s: exempted = %v", ip, !expected)
		}
	}

	server.ipWhitelist = "*"

	if !server.isIPExempted("8.8.8.8") {
		t.Fatalf("wildcard whitelist not applied")
	}
}
