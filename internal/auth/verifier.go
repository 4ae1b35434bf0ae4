// Package auth implements the JWT verifier and channel-ACL policy that
// spec.md §6 describes as an external collaborator: bearer tokens carried
// in a chan:join payload's access_token field are validated here, and the
// resulting claim set is checked against the joined topic.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Error codes share the "AUTH_" prefix so clients can distinguish auth
// failures from other join errors and suppress auto-rejoin, per spec.md §4.6.
const (
	CodeAuthMissing    = "AUTH_MISSING"
	CodeAuthInvalid    = "AUTH_INVALID"
	CodeAuthExpired    = "AUTH_EXPIRED"
	CodeAuthForbidden  = "AUTH_FORBIDDEN_CHANNEL"
	authCodePrefix     = "AUTH_"
)

// IsAuthCode reports whether code belongs to the auth error family, the
// signal the client channel state machine uses to suppress auto-rejoin.
func IsAuthCode(code string) bool {
	return strings.HasPrefix(code, authCodePrefix)
}

// Claims is the decoded access-token payload. Channels carries the list of
// topic patterns the bearer may join; "*" matches everything and a trailing
// "*" is a prefix wildcard (spec.md §6).
type Claims struct {
	jwt.RegisteredClaims
	Channels []string `json:"channels,omitempty"`
}

// VerifyResult mirrors the verify(token) -> {valid, payload?, error,
// errorCode} contract from spec.md §6.
type VerifyResult struct {
	Valid     bool
	Payload   *Claims
	Err       error
	ErrorCode string
}

// Verifier validates bearer tokens against a shared secret and optional
// issuer/audience constraints.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
}

// NewVerifier builds a Verifier. issuer/audience may be empty to skip that
// constraint.
func NewVerifier(secret, issuer, audience string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer, audience: audience}
}

// Verify parses and validates token, returning a VerifyResult that never
// panics and never needs the caller to type-switch on error.
func (v *Verifier) Verify(token string) VerifyResult {
	if strings.TrimSpace(token) == "" {
		return VerifyResult{Valid: false, Err: errors.New("missing access token"), ErrorCode: CodeAuthMissing}
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithIssuer(v.issuer), jwt.WithAudience(v.audience), jwt.WithLeeway(5*time.Second))

	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return VerifyResult{Valid: false, Err: err, ErrorCode: CodeAuthExpired}
	case err != nil:
		return VerifyResult{Valid: false, Err: err, ErrorCode: CodeAuthInvalid}
	case !parsed.Valid:
		return VerifyResult{Valid: false, Err: errors.New("token not valid"), ErrorCode: CodeAuthInvalid}
	}

	return VerifyResult{Valid: true, Payload: claims}
}

// CanAccessChannel applies the wildcard matching rules from spec.md §6:
// "*" matches everything, and a trailing "*" is a prefix wildcard.
func CanAccessChannel(claims *Claims, topic string) bool {
	if claims == nil {
		return false
	}
	for _, pattern := range claims.Channels {
		if matchPattern(pattern, topic) {
			return true
		}
	}
	return false
}

func matchPattern(pattern, topic string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(topic, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == topic
}
