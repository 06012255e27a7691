// Upstream (origin server) connection

package main

import (
	"bufio"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"
)

// Origin server configuration
type RTMPUpstreamConfig struct {
	host      string        // Origin host
	port      int           // Origin port
	encrypted bool          // True to connect using RTMPE
	timeout   time.Duration // Timeout to connect and handshake
}

const UPSTREAM_DEFAULT_PORT = 1936
const UPSTREAM_DEFAULT_TIMEOUT_SECONDS = 10

// Returns the default origin configuration
func DefaultUpstreamConfig() RTMPUpstreamConfig {
	return RTMPUpstreamConfig{
		host:      "localhost",
		port:      UPSTREAM_DEFAULT_PORT,
		encrypted: false,
		timeout:   UPSTREAM_DEFAULT_TIMEOUT_SECONDS * time.Second,
	}
}

// Loads the origin configuration from the environment variables
func LoadUpstreamConfig() RTMPUpstreamConfig {
	config := DefaultUpstreamConfig()

	customHost := os.Getenv("RTMP_UPSTREAM_HOST")
	if customHost != "" {
		config.host = customHost
	}

	customPort := os.Getenv("RTMP_UPSTREAM_PORT")
	if customPort != "" {
		p, e := strconv.Atoi(customPort)
		if e == nil && p > 0 && p < 65536 {
			config.port = p
		} else {
			LogWarning("Invalid RTMP_UPSTREAM_PORT: " + customPort)
		}
	}

	config.encrypted = (os.Getenv("RTMP_UPSTREAM_RTMPE") == "YES")

	return config
}

// Returns the address of the origin (host:port)
func (c *RTMPUpstreamConfig) Address() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// Connection to the origin server, after the handshake
type RTMPUpstreamConnection struct {
	conn   net.Conn
	reader io.Reader
	writer io.Writer
	cipher *RTMPECipher // Only for RTMPE

	closeOnce sync.Once
}

// Connects to the origin server and does the client side handshake
// config - Origin configuration
// handshakeConfig - Handshake configuration
// Returns the connection
func DialUpstream(config *RTMPUpstreamConfig, handshakeConfig *HandshakeConfig) (*RTMPUpstreamConnection, error) {
	conn, err := net.DialTimeout("tcp", config.Address(), config.timeout)

	if err != nil {
		return nil, err
	}

	handshakeType := byte(RTMP_VERSION)

	if config.encrypted {
		handshakeType = RTMPE_VERSION
	}

	up, err := upstreamHandshake(conn, handshakeType, handshakeConfig, config.timeout)

	if err != nil {
		conn.Close()
		return nil, err
	}

	return up, nil
}

// Runs the client side handshake over a connection
// conn - The connection
// handshakeType - RTMP_VERSION or RTMPE_VERSION
// handshakeConfig - Handshake configuration
// timeout - Max time for the whole handshake
// Returns the connection, ready to relay
func upstreamHandshake(conn net.Conn, handshakeType byte, handshakeConfig *HandshakeConfig, timeout time.Duration) (*RTMPUpstreamConnection, error) {
	h := NewOutboundHandshake(handshakeType, handshakeConfig)
	defer h.Release()

	if timeout > 0 {
		err := conn.SetDeadline(time.Now().Add(timeout))
		if err != nil {
			return nil, err
		}
	}

	c0c1, err := h.generateC0C1()

	if err != nil {
		return nil, err
	}

	_, err = conn.Write(c0c1)

	if err != nil {
		return nil, err
	}

	r := bufio.NewReader(conn)

	s0s1s2 := make([]byte, 1+2*RTMP_SIG_SIZE)

	_, err = io.ReadFull(r, s0s1s2)

	if err != nil {
		return nil, err
	}

	c2, keys, err := h.decodeServerResponse(s0s1s2)

	if err != nil {
		return nil, err
	}

	_, err = conn.Write(c2)

	if err != nil {
		if keys != nil {
			keys.Zero()
		}
		return nil, err
	}

	err = conn.SetDeadline(time.Time{})

	if err != nil {
		if keys != nil {
			keys.Zero()
		}
		return nil, err
	}

	up := &RTMPUpstreamConnection{
		conn:   conn,
		reader: r,
		writer: conn,
	}

	if keys != nil {
		cipher, err := NewRTMPECipher(keys)
		keys.Zero()

		if err != nil {
			return nil, err
		}

		up.cipher = cipher
		up.reader = &rtmpeReader{r: r, cipher: cipher}
		up.writer = &rtmpeWriter{w: conn, cipher: cipher}
	}

	return up, nil
}

func (u *RTMPUpstreamConnection) Read(p []byte) (int, error) {
	return u.reader.Read(p)
}

func (u *RTMPUpstreamConnection) Write(p []byte) (int, error) {
	return u.writer.Write(p)
}

// Closes the connection
func (u *RTMPUpstreamConnection) Close() error {
	var err error
	u.closeOnce.Do(func() {
		err = u.conn.Close()
	})
	return err
}

// Client side of a relayed session
type rtmpClientStream struct {
	io.Reader
	io.Writer
}

// Relays bytes between the client and the origin until any side closes
// client - Client stream (decrypted if needed)
// clientConn - Client connection, closed when the relay ends
// up - Origin connection, closed when the relay ends
// Returns:
//
//	fromClient - Bytes relayed from the client to the origin
//	toClient - Bytes relayed from the origin to the client
func relayStreams(client io.ReadWriter, clientConn io.Closer, up io.ReadWriteCloser) (fromClient int64, toClient int64) {
	var wg sync.WaitGroup
	var closeOnce sync.Once

	closeBoth := func() {
		closeOnce.Do(func() {
			clientConn.Close()
			up.Close()
		})
	}

	wg.Add(2)

	go func() {
		defer wg.Done()
		fromClient, _ = io.Copy(up, client)
		closeBoth()
	}()

	go func() {
		defer wg.Done()
		toClient, _ = io.Copy(client, up)
		closeBoth()
	}()

	wg.Wait()

	return fromClient, toClient
}
