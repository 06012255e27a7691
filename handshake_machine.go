// RTMP Handshake - State machine

package main

import (
	"errors"
	"strconv"
)

// Handshake state
type HandshakeState int

const (
	HANDSHAKE_STATE_START    HandshakeState = iota // Nothing received yet
	HANDSHAKE_STATE_AWAIT_C0                       // Waiting for the handshake type byte
	HANDSHAKE_STATE_AWAIT_C1                       // Waiting for C1
	HANDSHAKE_STATE_SENT_S1                        // S0 and S1 built
	HANDSHAKE_STATE_AWAIT_C2                       // S0, S1, S2 sent. Waiting for C2
	HANDSHAKE_STATE_COMPLETE                       // Handshake done
	HANDSHAKE_STATE_FAILED                         // Handshake failed (terminal)
)

func (s HandshakeState) String() string {
	switch s {
	case HANDSHAKE_STATE_START:
		return "start"
	case HANDSHAKE_STATE_AWAIT_C0:
		return "await-c0"
	case HANDSHAKE_STATE_AWAIT_C1:
		return "await-c1"
	case HANDSHAKE_STATE_SENT_S1:
		return "sent-s1"
	case HANDSHAKE_STATE_AWAIT_C2:
		return "await-c2"
	case HANDSHAKE_STATE_COMPLETE:
		return "complete"
	case HANDSHAKE_STATE_FAILED:
		return "failed"
	default:
		return "unknown"
	}
}

// Result of processing inbound bytes
type HandshakeResult struct {
	Response     []byte         // Bytes to send to the client (may be empty)
	NextExpected int            // Number of bytes expected next. 0 if the handshake ended.
	State        HandshakeState // State after processing
	Keys         *CipherKeys    // RC4 keys, set only when an encrypted handshake completes
}

// Server side handshake state machine.
// One per connection, not safe for concurrent use.
type HandshakeMachine struct {
	sessionId uint64 // Session ID, for logging
	ip        string // Client IP, for logging

	config *HandshakeConfig

	state         HandshakeState
	handshakeType byte

	inbound *InboundHandshake

	failure *HandshakeError
}

// Creates a handshake state machine
// sessionId - Session ID
// ip - Client IP address
// config - Handshake configuration
func NewHandshakeMachine(sessionId uint64, ip string, config *HandshakeConfig) *HandshakeMachine {
	return &HandshakeMachine{
		sessionId: sessionId,
		ip:        ip,
		config:    config,
		state:     HANDSHAKE_STATE_START,
	}
}

func (m *HandshakeMachine) State() HandshakeState {
	return m.state
}

func (m *HandshakeMachine) HandshakeType() byte {
	return m.handshakeType
}

// Returns true if the client requested RTMPE
func (m *HandshakeMachine) Encrypted() bool {
	return isEncryptedHandshakeType(m.handshakeType)
}

// Returns the client classification. Valid after C1.
func (m *HandshakeMachine) Genuineness() ClientGenuineness {
	if m.inbound == nil {
		return CLIENT_NON_GENUINE
	}
	return m.inbound.genuineness
}

func (m *HandshakeMachine) IsComplete() bool {
	return m.state == HANDSHAKE_STATE_COMPLETE
}

// Returns the reason of the failure, or nil
func (m *HandshakeMachine) FailureReason() error {
	if m.failure == nil {
		return nil
	}
	return m.failure
}

// Number of bytes the transport must read before the next call to ProcessInbound
func (m *HandshakeMachine) NextExpected() int {
	switch m.state {
	case HANDSHAKE_STATE_START, HANDSHAKE_STATE_AWAIT_C0:
		return 1
	case HANDSHAKE_STATE_AWAIT_C1, HANDSHAKE_STATE_SENT_S1, HANDSHAKE_STATE_AWAIT_C2:
		return RTMP_SIG_SIZE
	default:
		return 0
	}
}

// Processes bytes received from the client
// b - The bytes. C0, C0 + C1, C1 or C2 depending on the state
// Returns the result, or an error. An error moves the machine to the failed state,
// unless the handshake was already complete.
func (m *HandshakeMachine) ProcessInbound(b []byte) (HandshakeResult, error) {
	switch m.state {
	case HANDSHAKE_STATE_START:
		m.transition(HANDSHAKE_STATE_AWAIT_C0)
		return m.processC0(b)
	case HANDSHAKE_STATE_AWAIT_C0:
		return m.processC0(b)
	case HANDSHAKE_STATE_AWAIT_C1:
		return m.processC1(b)
	case HANDSHAKE_STATE_SENT_S1, HANDSHAKE_STATE_AWAIT_C2:
		return m.processC2(b)
	case HANDSHAKE_STATE_COMPLETE:
		return m.result(nil, nil), newHandshakeError(HANDSHAKE_ERROR_UNEXPECTED_STATE, "received "+strconv.Itoa(len(b))+" bytes after the handshake completed")
	case HANDSHAKE_STATE_FAILED:
		// Keeps the original failure reason
		return m.result(nil, nil), newHandshakeError(HANDSHAKE_ERROR_UNEXPECTED_STATE, "handshake already failed")
	default:
		return m.fail(newHandshakeError(HANDSHAKE_ERROR_UNEXPECTED_STATE, "received "+strconv.Itoa(len(b))+" bytes in state "+m.state.String()))
	}
}

func (m *HandshakeMachine) processC0(b []byte) (HandshakeResult, error) {
	if len(b) == 0 {
		return m.fail(newHandshakeError(HANDSHAKE_ERROR_MALFORMED_PACKET, "empty C0"))
	}

	handshakeType := b[0]

	switch handshakeType {
	case RTMP_VERSION:
	case RTMPE_VERSION, RTMPE_XTEA_VERSION, RTMPE_BLOWFISH_VERSION:
		if !m.config.EncryptionEnabled {
			return m.fail(newHandshakeError(HANDSHAKE_ERROR_UNEXPECTED_STATE, "encrypted handshake is disabled"))
		}
	default:
		return m.fail(newHandshakeError(HANDSHAKE_ERROR_MALFORMED_PACKET, "invalid handshake type "+handshakeTypeName(handshakeType)))
	}

	m.handshakeType = handshakeType
	m.inbound = NewInboundHandshake(handshakeType, m.config)
	m.transition(HANDSHAKE_STATE_AWAIT_C1)

	switch len(b) {
	case 1:
		return m.result(nil, nil), nil
	case 1 + RTMP_SIG_SIZE:
		// C0 and C1 received together
		return m.processC1(b[1:])
	default:
		return m.fail(newHandshakeError(HANDSHAKE_ERROR_MALFORMED_PACKET, "C0 must be 1 byte, or 1 byte followed by C1, received "+strconv.Itoa(len(b))))
	}
}

func (m *HandshakeMachine) processC1(b []byte) (HandshakeResult, error) {
	s1, err := m.inbound.decodeClientRequest1(b)

	if err != nil {
		return m.fail(err)
	}

	m.transition(HANDSHAKE_STATE_SENT_S1)

	LogDebugSession(m.sessionId, m.ip, "Handshake C1: type="+handshakeTypeName(m.handshakeType)+", client="+m.inbound.genuineness.String()+", "+m.inbound.algorithm.String()+", digest offset="+strconv.Itoa(m.inbound.c1DigestPos))

	s2 := m.inbound.generateS2()

	response := make([]byte, 0, 1+2*RTMP_SIG_SIZE)
	response = append(response, m.handshakeType)
	response = append(response, s1...)
	response = append(response, s2...)

	m.transition(HANDSHAKE_STATE_AWAIT_C2)

	return m.result(response, nil), nil
}

func (m *HandshakeMachine) processC2(b []byte) (HandshakeResult, error) {
	err := m.inbound.decodeClientRequest2(b)

	if err != nil {
		return m.fail(err)
	}

	if m.inbound.c2Mismatch {
		LogDebugSession(m.sessionId, m.ip, "Handshake C2 does not answer S1 (ignored)")
	}

	var keys *CipherKeys

	if m.Encrypted() {
		keys, err = m.inbound.deriveSessionKeys()

		if err != nil {
			return m.fail(err)
		}
	}

	m.inbound.Release()
	m.transition(HANDSHAKE_STATE_COMPLETE)

	return m.result(nil, keys), nil
}

func (m *HandshakeMachine) result(response []byte, keys *CipherKeys) HandshakeResult {
	return HandshakeResult{
		Response:     response,
		NextExpected: m.NextExpected(),
		State:        m.state,
		Keys:         keys,
	}
}

func (m *HandshakeMachine) fail(err error) (HandshakeResult, error) {
	var he *HandshakeError
	if !errors.As(err, &he) {
		he = wrapHandshakeError(HANDSHAKE_ERROR_UNEXPECTED_STATE, "handshake error", err)
	}

	LogDebugSession(m.sessionId, m.ip, "Handshake failed in state "+m.state.String()+": "+he.Error())

	m.failure = he
	m.Release()
	m.transition(HANDSHAKE_STATE_FAILED)

	return m.result(nil, nil), he
}

func (m *HandshakeMachine) transition(state HandshakeState) {
	if LOG_DEBUG_ENABLED {
		LogDebugSession(m.sessionId, m.ip, "Handshake state: "+m.state.String()+" -> "+state.String())
	}
	m.state = state
}

// Releases the key material. Call when the connection is dropped.
func (m *HandshakeMachine) Release() {
	if m.inbound != nil {
		m.inbound.Release()
	}
}
