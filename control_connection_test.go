package main

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	messages "github.com/AgustinSRG/go-simple-rpc-message"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

// Registers an idle session backed by an in-memory connection
// Returns the client side of the connection
func addTestSession(t *testing.T, server *RTMPServer, id uint64, ip string) net.Conn {
	t.Helper()

	clientConn, gatewayConn := net.Pipe()
	t.Cleanup(func() {
		clientConn.Close()
		gatewayConn.Close()
	})

	server.AddSession(CreateRTMPSession(server, id, ip, gatewayConn))

	return clientConn
}

func isSessionKilled(s *RTMPSession) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.isKilled
}

func newTestControlConnection(server *RTMPServer, enabled bool) *ControlServerConnection {
	return &ControlServerConnection{
		server:   server,
		lock:     &sync.Mutex{},
		requests: make(map[string]*ControlServerPendingRequest),
		enabled:  enabled,
	}
}

func TestControlSessionKill(t *testing.T) {
	server := newRTMPServer()

	addTestSession(t, server, 1, "10.0.0.1")
	addTestSession(t, server, 2, "10.0.0.2")

	c := newTestControlConnection(server, true)

	c.OnSessionKill("invalid")
	c.OnSessionKill("1")

	if !isSessionKilled(server.GetSession(1)) || isSessionKilled(server.GetSession(2)) {
		t.Fatalf("SESSION-KILL did not kill only the requested session")
	}

	c.OnSessionKill("*")

	if !isSessionKilled(server.GetSession(2)) {
		t.Fatalf("SESSION-KILL * did not kill every session")
	}
}

func TestControlRequestSessionWithoutConnection(t *testing.T) {
	server := newRTMPServer()

	if !newTestControlConnection(server, false).RequestSession(1, "10.0.0.1", RTMP_VERSION, CLIENT_GENUINE) {
		t.Fatalf("session rejected in stand-alone mode")
	}

	if newTestControlConnection(server, true).RequestSession(1, "10.0.0.1", RTMP_VERSION, CLIENT_GENUINE) {
		t.Fatalf("session accepted with the coordinator down")
	}
}

func TestControlPendingRequestResolvesOnce(t *testing.T) {
	c := newTestControlConnection(newRTMPServer(), true)

	req := &ControlServerPendingRequest{waiter: make(chan bool, 1)}
	c.requests["7"] = req

	c.OnSessionResponse("7", true)
	c.OnSessionResponse("7", false) // Ignored, already resolved
	c.OnSessionResponse("8", false) // Unknown request

	if !<-req.waiter {
		t.Fatalf("first response lost")
	}
}

// Coordinator that accepts or denies every session request
func startTestCoordinator(t *testing.T, accept bool, received chan<- messages.RPCMessage) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/control/rtmp" {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}

			msg := messages.ParseRPCMessage(string(data))

			if msg.Method != "SESSION-REQUEST" {
				continue
			}

			received <- msg

			method := "SESSION-DENY"
			if accept {
				method = "SESSION-ACCEPT"
			}

			response := messages.RPCMessage{
				Method: method,
				Params: map[string]string{
					"Request-Id": msg.GetParam("Request-Id"),
				},
			}

			if err := conn.WriteMessage(websocket.TextMessage, []byte(response.Serialize())); err != nil {
				return
			}
		}
	}))

	t.Cleanup(ts.Close)

	return ts
}

func connectTestControl(t *testing.T, ts *httptest.Server) *ControlServerConnection {
	t.Helper()

	t.Setenv("CONTROL_BASE_URL", "ws"+strings.TrimPrefix(ts.URL, "http"))
	t.Setenv("CONTROL_SECRET", "")

	c := &ControlServerConnection{}
	c.Initialize(newRTMPServer())

	deadline := time.Now().Add(5 * time.Second)

	for {
		c.lock.Lock()
		connected := c.connection != nil
		c.lock.Unlock()

		if connected {
			return c
		}

		if time.Now().After(deadline) {
			t.Fatalf("could not connect to the coordinator")
		}

		time.Sleep(10 * time.Millisecond)
	}
}

func TestControlRequestSession(t *testing.T) {
	for _, accept := range []bool{true, false} {
		received := make(chan messages.RPCMessage, 1)
		ts := startTestCoordinator(t, accept, received)
		c := connectTestControl(t, ts)

		if c.RequestSession(9, "10.0.0.9", RTMPE_VERSION, CLIENT_GENUINE) != accept {
			t.Fatalf("coordinator answer (accept = %v) not applied", accept)
		}

		msg := <-received

		if msg.GetParam("Session-Id") != "9" || msg.GetParam("User-IP") != "10.0.0.9" || msg.GetParam("Handshake-Type") != "rtmpe" {
			t.Fatalf("unexpected request parameters: %v", msg.Params)
		}
	}
}

func TestControlAuthToken(t *testing.T) {
	token, err := makeControlAuthToken("control-secret", time.Now())
	if err != nil {
		t.Fatal(err)
	}

	claims := jwt.RegisteredClaims{}

	_, err = jwt.ParseWithClaims(token, &claims, func(tk *jwt.Token) (interface{}, error) {
		return []byte("control-secret"), nil
	}, jwt.WithValidMethods([]string{"HS256"}))

	if err != nil {
		t.Fatalf("invalid token: %v", err)
	}

	if claims.Subject != CONTROL_AUTH_SUBJECT {
		t.Fatalf("subject = %s", claims.Subject)
	}

	t.Setenv("CONTROL_SECRET", "")

	if MakeWebsocketAuthenticationToken() != "" {
		t.Fatalf("token generated without a secret")
	}
}
