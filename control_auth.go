// Websocket authentication

package main

import (
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const CONTROL_AUTH_SUBJECT = "rtmp-gateway-control"

// Creates an authentication token to connect
// to the coordinator server
// Returns the token (base 64), or an empty string if there is no secret
func MakeWebsocketAuthenticationToken() string {
	secret := os.Getenv("CONTROL_SECRET")

	if secret == "" {
		return ""
	}

	tokenBase64, e := makeControlAuthToken(secret, time.Now())

	if e != nil {
		LogError(e)
		return ""
	}

	return tokenBase64
}

func makeControlAuthToken(secret string, now time.Time) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:  CONTROL_AUTH_SUBJECT,
		IssuedAt: jwt.NewNumericDate(now),
	})

	return token.SignedString([]byte(secret))
}
