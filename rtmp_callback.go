// RTMP callback

package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const JWT_EXPIRATION_TIME_SECONDS = 120
const CALLBACK_TIMEOUT_SECONDS = 20

// Sends the admission callback after a completed handshake
// Returns true if the session is accepted
func (s *RTMPSession) SendHandshakeCallback() bool {
	JWT_SECRET := os.Getenv("JWT_SECRET")
	CALLBACK_URL := os.Getenv("CALLBACK_URL")

	if CALLBACK_URL == "" {
		return true // No callback
	}

	LogDebugSession(s.id, s.ip, "POST "+CALLBACK_URL+" | Event: HANDSHAKE | Type: "+handshakeTypeName(s.handshakeType))

	tokenb64, e := makeHandshakeEventToken(JWT_SECRET, s.id, s.ip, s.handshakeType, s.genuineness, s.server.host, s.server.port)

	if e != nil {
		LogError(e)
		return false
	}

	client := &http.Client{
		Timeout: CALLBACK_TIMEOUT_SECONDS * time.Second,
	}

	req, e := http.NewRequest("POST", CALLBACK_URL, nil)

	if e != nil {
		LogError(e)
		return false
	}

	req.Header.Set("rtmp-event", tokenb64)

	res, e := client.Do(req)

	if e != nil {
		LogError(e)
		return false
	}

	defer res.Body.Close()

	if res.StatusCode != 200 {
		LogDebugSession(s.id, s.ip, "Callback request ended with status code: "+fmt.Sprint(res.StatusCode))
		return false
	}

	return true
}

// Creates the signed token describing a completed handshake
// Returns the token (base 64)
func makeHandshakeEventToken(secret string, sessionId uint64, ip string, handshakeType byte, genuineness ClientGenuineness, host string, port int) (string, error) {
	var subject = os.Getenv("CUSTOM_JWT_SUBJECT")

	if subject == "" {
		subject = "rtmp_event"
	}

	exp := time.Now().Unix() + JWT_EXPIRATION_TIME_SECONDS
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":            subject,
		"event":          "handshake",
		"session_id":     fmt.Sprint(sessionId),
		"client_ip":      ip,
		"handshake_type": handshakeTypeName(handshakeType),
		"genuine":        genuineness == CLIENT_GENUINE,
		"rtmp_host":      host,
		"rtmp_port":      port,
		"exp":            exp,
	})

	return token.SignedString([]byte(secret))
}
