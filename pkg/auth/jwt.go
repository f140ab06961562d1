package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type ctxKey int

const claimsKey ctxKey = 1

// Claims is the identity carried by a verified bearer token.
type Claims struct {
	UserID      string
	DisplayName string
}

// WithClaims adds verified claims to the context
func WithClaims(ctx context.Context, c Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

// FromContext extracts the verified claims, ok=false if absent
func FromContext(ctx context.Context) (Claims, bool) {
	c, ok := ctx.Value(claimsKey).(Claims)
	return c, ok
}

// BearerToken pulls the token from the Authorization header or, for
// browser websocket clients that cannot set headers, the token query param
func BearerToken(r *http.Request) string {
	if b := r.Header.Get("Authorization"); strings.HasPrefix(b, "Bearer ") {
		return strings.TrimPrefix(b, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// JWT wraps a signing secret for issuing/verifying tokens
type JWT struct{ secret []byte }

// New creates a new JWT signer/verifier.
func New(secret string) *JWT { return &JWT{secret: []byte(secret)} }

// Verify checks a token and returns the identity claims
func (j *JWT) Verify(tok string) (Claims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tok, claims, func(token *jwt.Token) (interface{}, error) {
		return j.secret, nil
	})
	if err != nil {
		return Claims{}, err
	}
	uid, _ := claims["sub"].(string)
	if uid == "" {
		return Claims{}, errors.New("no sub")
	}
	name, _ := claims["name"].(string)
	return Claims{UserID: uid, DisplayName: name}, nil
}

// Sign creates a token for uid with the given TTL
func (j *JWT) Sign(uid, displayName string, ttl time.Duration) (string, error) {
	if uid == "" {
		return "", errors.New("empty uid")
	}
	claims := jwt.MapClaims{
		"sub":  uid,
		"name": displayName,
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(ttl).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(j.secret)
}
