// Package auth attaches the externally-issued SIWE session token to the
// signaling handshake. Token issuance and signature validation belong to
// the wallet/auth collaborator; this package only inspects claims to fail
// fast on expired or mismatched tokens before dialing.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"mentorlink-rtc/internal/signaling"
	"mentorlink-rtc/pkg/sanitize"
)

// AuthTypeSIWE is the handshake auth type for wallet-signed sessions
const AuthTypeSIWE = "siwe"

// SessionClaims are the claims the client reads from a session token
type SessionClaims struct {
	Address string `json:"address"`
	jwt.RegisteredClaims
}

// Inspect decodes a session token without verifying its signature.
// Verification is the server's job; the client only wants the expiry and
// bound address.
func Inspect(token string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("malformed session token: %w", err)
	}
	return claims, nil
}

// Credentials builds the handshake credentials after sanity-checking the
// token against the caller's address and the clock
func Credentials(token, address string) (signaling.Credentials, error) {
	claims, err := Inspect(token)
	if err != nil {
		return signaling.Credentials{}, err
	}

	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return signaling.Credentials{}, fmt.Errorf("session token expired at %s", claims.ExpiresAt.Time)
	}

	if claims.Address != "" &&
		sanitize.NormalizeWalletAddress(claims.Address) != sanitize.NormalizeWalletAddress(address) {
		return signaling.Credentials{}, fmt.Errorf("session token bound to a different address")
	}

	return signaling.Credentials{
		Token:    token,
		Address:  address,
		AuthType: AuthTypeSIWE,
	}, nil
}
