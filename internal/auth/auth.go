// Package auth resolves the caller's identity from a bearer token or, in
// development, from plain headers.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Identity is who is calling: the member id used in rooms plus display data.
type Identity struct {
	UserID      string
	DisplayName string
	Avatar      string
}

// Verifier extracts an Identity from a request.
type Verifier interface {
	Identify(r *http.Request) (Identity, error)
}

// Claims is the token body. The subject is the user id.
type Claims struct {
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier accepts HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) (*JWTVerifier, error) {
	if secret == "" {
		return nil, errors.New("auth: jwt secret must not be empty")
	}
	return &JWTVerifier{secret: []byte(secret)}, nil
}

// Identify reads the token from the Authorization header, or from the token
// query parameter since browsers cannot set headers on websocket upgrades.
func (v *JWTVerifier) Identify(r *http.Request) (Identity, error) {
	raw, err := bearer(r)
	if err != nil {
		return Identity{}, err
	}
	return v.Parse(raw)
}

func (v *JWTVerifier) Parse(raw string) (Identity, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return Identity{}, ErrInvalidToken
	}
	id := Identity{UserID: claims.Subject, DisplayName: claims.Name, Avatar: claims.Avatar}
	if id.DisplayName == "" {
		id.DisplayName = id.UserID
	}
	return id, nil
}

func bearer(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			return "", fmt.Errorf("%w: %v", ErrInvalidToken, jwt.ErrTokenMalformed)
		}
		return strings.TrimSpace(parts[1]), nil
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t, nil
	}
	return "", ErrMissingToken
}

// DevVerifier trusts the X-User-ID / X-User-Name headers or the user / name
// query parameters. Only for local development.
type DevVerifier struct{}

func (DevVerifier) Identify(r *http.Request) (Identity, error) {
	q := r.URL.Query()
	id := Identity{
		UserID:      firstNonEmpty(r.Header.Get("X-User-ID"), q.Get("user")),
		DisplayName: firstNonEmpty(r.Header.Get("X-User-Name"), q.Get("name")),
		Avatar:      firstNonEmpty(r.Header.Get("X-User-Avatar"), q.Get("avatar")),
	}
	id.UserID = strings.TrimSpace(id.UserID)
	if id.UserID == "" {
		return Identity{}, ErrMissingToken
	}
	if id.DisplayName == "" {
		id.DisplayName = id.UserID
	}
	return id, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored by WithIdentity.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}
