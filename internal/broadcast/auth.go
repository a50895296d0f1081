package broadcast

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any token the verifier cannot accept.
var ErrInvalidToken = errors.New("invalid auth token")

// Verifier checks pre-issued client tokens. Token issuance is external; the
// pipeline only verifies. Two forms are accepted: an HS256 JWT signed with
// the shared secret, or (when configured) the literal static token.
type Verifier struct {
	secret      []byte
	staticToken string
}

// NewVerifier builds a Verifier. An empty secret disables JWT verification;
// an empty static token disables the literal form. With both empty every
// token is rejected.
func NewVerifier(secret, staticToken string) *Verifier {
	return &Verifier{secret: []byte(secret), staticToken: staticToken}
}

// Verify validates a presented token and returns the client identity carried
// in its subject claim, or "" for static tokens.
func (v *Verifier) Verify(token string) (subject string, err error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	if v.staticToken != "" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(v.staticToken)) == 1 {
		return "", nil
	}
	if len(v.secret) == 0 {
		return "", ErrInvalidToken
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	subject, _ = parsed.Claims.GetSubject()
	return subject, nil
}
