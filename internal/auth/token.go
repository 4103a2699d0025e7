package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"saleslens.org/internal/ids"
)

const tokenIssuer = "saleslens"

// sessionClaims is the token envelope: jti names the server-side session.
type sessionClaims struct {
	jwt.RegisteredClaims
}

type tokenCodec struct {
	secret []byte
	now    func() time.Time
}

// RandomSecret returns a fresh signing secret for deployments without one.
func RandomSecret() ([]byte, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

func (c *tokenCodec) issue(s Session, notAfter time.Time) (string, error) {
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   strconv.FormatInt(s.UserID, 10),
			IssuedAt:  jwt.NewNumericDate(s.CreatedAt),
			ExpiresAt: jwt.NewNumericDate(notAfter),
			ID:        s.ID,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// parse returns the session id and user id carried by token. Tampered or
// malformed tokens map to ErrSessionNotFound, lapsed ones to ErrSessionExpired.
func (c *tokenCodec) parse(token string) (string, int64, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", 0, ErrSessionNotFound
	}
	parsed, err := jwt.ParseWithClaims(token, &sessionClaims{}, func(*jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", 0, ErrSessionExpired
		}
		return "", 0, ErrSessionNotFound
	}
	claims, ok := parsed.Claims.(*sessionClaims)
	if !ok || !parsed.Valid || !ids.Valid(claims.ID) {
		return "", 0, ErrSessionNotFound
	}
	uid, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return "", 0, ErrSessionNotFound
	}
	return claims.ID, uid, nil
}

// sessionID checks only the signature, so logout still works on lapsed tokens.
func (c *tokenCodec) sessionID(token string) (string, bool) {
	parsed, err := jwt.ParseWithClaims(strings.TrimSpace(token), &sessionClaims{}, func(*jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return "", false
	}
	claims, ok := parsed.Claims.(*sessionClaims)
	if !ok || claims.ID == "" {
		return "", false
	}
	return claims.ID, true
}
