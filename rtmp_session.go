// RTMP session

package main

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"sync"
	"time"
)

// Stores the status of a RTMP session
type RTMPSession struct {
	server *RTMPServer // Reference to the server

	conn net.Conn // TCP connection

	id uint64 // Session ID
	ip string // IP address of the client

	connectTime int64 // Connection time (unix milliseconds)

	mutex *sync.Mutex // Mutex to control access to the session status data

	handshakeType byte              // Handshake type requested by the client (C0)
	genuineness   ClientGenuineness // Client classification

	isAdmitted bool // True if the handshake completed and the session was accepted
	isKilled   bool // True if the session was killed

	upstream *RTMPUpstreamConnection // Connection to the origin server

	bytesIn  int64 // Bytes relayed from the client to the origin (plain)
	bytesOut int64 // Bytes relayed from the origin to the client (plain)
}

// Creates a RTMP session
// server - Server that accepted the connection
// id - Session ID
// ip - Client IP address
// c - TCP connection
// Returns the session
func CreateRTMPSession(server *RTMPServer, id uint64, ip string, c net.Conn) *RTMPSession {
	return &RTMPSession{
		server:      server,
		conn:        c,
		ip:          ip,
		id:          id,
		mutex:       &sync.Mutex{},
		connectTime: time.Now().UnixMilli(),
		isAdmitted:  false,
		isKilled:    false,
		upstream:    nil,
	}
}

// Closes the connection
func (s *RTMPSession) Kill() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.isKilled = true

	s.conn.Close()

	if s.upstream != nil {
		s.upstream.Close()
	}
}

// Returns true if the session passed the handshake and the admission checks
func (s *RTMPSession) IsAdmitted() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.isAdmitted
}

// Marks the session as admitted
// Returns false if the session was killed in the meantime
func (s *RTMPSession) setAdmitted() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.isKilled {
		return false
	}

	s.isAdmitted = true

	return true
}

// Sets the upstream connection, so it is closed if the session is killed
// Returns false if the session was killed in the meantime
func (s *RTMPSession) setUpstream(up *RTMPUpstreamConnection) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.isKilled {
		return false
	}

	s.upstream = up

	return true
}

// Handles the session
// Does the handshake, checks the admission and relays
// the connection to the origin server
func (s *RTMPSession) HandleSession() {
	r := bufio.NewReader(s.conn)

	keys, ok := s.Handshake(r)

	if !ok {
		return
	}

	if keys != nil {
		defer keys.Zero()
	}

	if !s.SendHandshakeCallback() {
		LogRequest(s.id, s.ip, "Session rejected by the callback")
		return
	}

	if s.server.websocketControlConnection != nil {
		accepted := s.server.websocketControlConnection.RequestSession(s.id, s.ip, s.handshakeType, s.genuineness)

		if !accepted {
			LogRequest(s.id, s.ip, "Session rejected by the coordinator")
			return
		}
	}

	if !s.setAdmitted() {
		return
	}

	var client io.ReadWriter = &rtmpClientStream{
		Reader: r,
		Writer: s.conn,
	}

	if keys != nil {
		cipher, err := NewRTMPECipher(keys)

		if err != nil {
			LogRequest(s.id, s.ip, "Could not initialize the encryption: "+err.Error())
			return
		}

		keys.Zero()

		defer cipher.Reset()

		client = &rtmpClientStream{
			Reader: &rtmpeReader{r: r, cipher: cipher},
			Writer: &rtmpeWriter{w: s.conn, cipher: cipher},
		}
	}

	up, err := DialUpstream(&s.server.upstream, &s.server.handshakeConfig)

	if err != nil {
		LogRequest(s.id, s.ip, "Could not connect to the origin "+s.server.upstream.Address()+": "+err.Error())
		return
	}

	defer up.Close()

	if !s.setUpstream(up) {
		return
	}

	LogRequest(s.id, s.ip, "Relaying to "+s.server.upstream.Address())

	bytesIn, bytesOut := relayStreams(client, s.conn, up)

	s.mutex.Lock()
	s.bytesIn = bytesIn
	s.bytesOut = bytesOut
	s.mutex.Unlock()
}

// Runs the server side handshake
// r - Reader for the client connection
// Returns:
//
//	keys - The RC4 keys, if the client requested RTMPE
//	ok - True if the handshake completed
func (s *RTMPSession) Handshake(r *bufio.Reader) (keys *CipherKeys, ok bool) {
	machine := NewHandshakeMachine(s.id, s.ip, &s.server.handshakeConfig)
	defer machine.Release()

	buf := make([]byte, 1+RTMP_SIG_SIZE)

	for !machine.IsComplete() {
		n := machine.NextExpected()

		if n <= 0 || n > len(buf) {
			return nil, false
		}

		if s.server.handshakeTimeout > 0 {
			e := s.conn.SetReadDeadline(time.Now().Add(s.server.handshakeTimeout))
			if e != nil {
				LogDebugSession(s.id, s.ip, "Could not set deadline: "+e.Error())
				return nil, false
			}
		}

		_, e := io.ReadFull(r, buf[:n])

		if e != nil {
			LogDebugSession(s.id, s.ip, "Handshake interrupted in state "+machine.State().String()+": "+e.Error())
			return nil, false
		}

		res, e := machine.ProcessInbound(buf[:n])

		if e != nil {
			LogRequest(s.id, s.ip, "Handshake failed: "+e.Error())
			return nil, false
		}

		if len(res.Response) > 0 {
			if s.server.handshakeTimeout > 0 {
				e = s.conn.SetWriteDeadline(time.Now().Add(s.server.handshakeTimeout))
				if e != nil {
					LogDebugSession(s.id, s.ip, "Could not set deadline: "+e.Error())
					return nil, false
				}
			}

			_, e = s.conn.Write(res.Response)

			if e != nil {
				LogDebugSession(s.id, s.ip, "Could not send the handshake response: "+e.Error())
				return nil, false
			}
		}

		if res.Keys != nil {
			keys = res.Keys
		}
	}

	// The relay has no deadlines
	e := s.conn.SetDeadline(time.Time{})
	if e != nil {
		if keys != nil {
			keys.Zero()
		}
		return nil, false
	}

	s.handshakeType = machine.HandshakeType()
	s.genuineness = machine.Genuineness()

	LogRequest(s.id, s.ip, "Handshake complete: type="+handshakeTypeName(s.handshakeType)+", client="+s.genuineness.String())

	return keys, true
}

// Call after the session is closed
func (s *RTMPSession) OnClose() {
	s.mutex.Lock()
	admitted := s.isAdmitted
	bytesIn := s.bytesIn
	bytesOut := s.bytesOut
	s.mutex.Unlock()

	if !admitted {
		return
	}

	duration := time.Now().UnixMilli() - s.connectTime

	LogRequest(s.id, s.ip, "Session ended. Duration: "+strconv.FormatInt(duration, 10)+" ms, in: "+strconv.FormatInt(bytesIn, 10)+" bytes, out: "+strconv.FormatInt(bytesOut, 10)+" bytes")

	if s.server.websocketControlConnection != nil {
		s.server.websocketControlConnection.SessionEnd(s.id)
	}
}
