package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

const testJWTSecret = "callback-test-secret"

func newCallbackTestSession() *RTMPSession {
	server := newRTMPServer()
	server.host = "gateway.local"
	server.port = 1935

	s := CreateRTMPSession(server, 42, "10.1.2.3", nil)
	s.handshakeType = RTMPE_VERSION
	s.genuineness = CLIENT_GENUINE

	return s
}

func parseCallbackToken(t *testing.T, token string) jwt.MapClaims {
	t.Helper()

	parsed, err := jwt.Parse(token, func(tk *jwt.Token) (interface{}, error) {
		return []byte(testJWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))

	if err != nil {
		t.Fatalf("invalid token: %v", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)

	if !ok {
		t.Fatalf("unexpected claims type")
	}

	return claims
}

func TestHandshakeCallbackAccepted(t *testing.T) {
	tokens := make(chan string, 1)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		tokens <- r.Header.Get("rtmp-event")
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	t.Setenv("CALLBACK_URL", ts.URL)
	t.Setenv("JWT_SECRET", testJWTSecret)
	t.Setenv("CUSTOM_JWT_SUBJECT", "")

	s := newCallbackTestSession()

	if !s.SendHandshakeCallback() {
		t.Fatalf("callback rejected")
	}

	claims := parseCallbackToken(t, <-tokens)

	expected := map[string]interface{}{
		"sub":            "rtmp_event",
		"event":          "handshake",
		"session_id":     "42",
		"client_ip":      "10.1.2.3",
		"handshake_type": "rtmpe",
		"genuine":        true,
		"rtmp_host":      "gateway.local",
		"rtmp_port":      float64(1935),
	}

	for name, value := range expected {
		if claims[name] != value {
			t.Errorf("claim %s = %v, expected %v", name, claims[name], value)
		}
	}

	if _, ok := claims["exp"]; !ok {
		t.Errorf("token without expiration")
	}
}

func TestHandshakeCallbackRejected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	t.Setenv("CALLBACK_URL", ts.URL)
	t.Setenv("JWT_SECRET", testJWTSecret)

	if newCallbackTestSession().SendHandshakeCallback() {
		t.Fatalf("callback accepted with status 403")
	}
}

func TestHandshakeCallbackDisabled(t *testing.T) {
	t.Setenv("CALLBACK_URL", "")

	if !newCallbackTestSession().SendHandshakeCallback() {
		t.Fatalf("session rejected without a callback")
	}
}

func TestHandshakeCallbackUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := ts.URL
	ts.Close()

	t.Setenv("CALLBACK_URL", url)
	t.Setenv("JWT_SECRET", testJWTSecret)

	if newCallbackTestSession().SendHandshakeCallback() {
		t.Fatalf("callback accepted with the server down")
	}
}
