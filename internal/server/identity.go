package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/alfredjeanlab/huddle/internal/model"
)

// Trusted identity headers, honored only when no JWT secret is configured
// (the service then sits behind an identity-aware proxy).
const (
	HeaderUserID    = "X-User-Id"
	HeaderUserName  = "X-User-Name"
	HeaderUserColor = "X-User-Color"
	HeaderUserRole  = "X-User-Role"
)

// errInvalidToken is returned for a bearer token that fails verification.
var errInvalidToken = errors.New("invalid token")

// Claims carries a participant identity inside a JWT.
type Claims struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"name,omitempty"`
	AvatarColor string `json:"color,omitempty"`
	Role        string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// IdentityResolver extracts the caller's identity from a request.
type IdentityResolver struct {
	secret []byte
}

// NewIdentityResolver returns a resolver verifying HS256 tokens signed with
// secret. An empty secret trusts the X-User-* headers instead.
func NewIdentityResolver(secret string) *IdentityResolver {
	return &IdentityResolver{secret: []byte(secret)}
}

// UsesJWT reports whether bearer tokens carry identities.
func (ir *IdentityResolver) UsesJWT() bool {
	return len(ir.secret) > 0
}

// IssueToken signs a token for who that expires after ttl.
func (ir *IdentityResolver) IssueToken(who model.Identity, ttl time.Duration) (string, error) {
	if !ir.UsesJWT() {
		return "", errors.New("no signing secret configured")
	}
	claims := &Claims{
		UserID:      who.UserID,
		DisplayName: who.DisplayName,
		AvatarColor: who.AvatarColor,
		Role:        string(who.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   who.UserID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(ir.secret)
}

// ValidateToken parses and verifies a token.
func (ir *IdentityResolver) ValidateToken(tokenString string) (model.Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return ir.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return model.Identity{}, fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	if !token.Valid || claims.UserID == "" {
		return model.Identity{}, errInvalidToken
	}
	return model.Identity{
		UserID:      claims.UserID,
		DisplayName: claims.DisplayName,
		AvatarColor: claims.AvatarColor,
		Role:        model.Role(claims.Role),
	}, nil
}

// FromRequest resolves the caller of r. With a secret configured the token
// comes from the Authorization header or, for websocket and SSE clients that
// cannot set headers, the "token" query parameter. A request without any
// identity yields a zero Identity and no error.
func (ir *IdentityResolver) FromRequest(r *http.Request) (model.Identity, error) {
	if !ir.UsesJWT() {
		return model.Identity{
			UserID:      strings.TrimSpace(r.Header.Get(HeaderUserID)),
			DisplayName: r.Header.Get(HeaderUserName),
			AvatarColor: r.Header.Get(HeaderUserColor),
			Role:        model.Role(r.Header.Get(HeaderUserRole)),
		}, nil
	}

	tokenString := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if tokenString == "" {
		tokenString = r.URL.Query().Get("token")
	}
	if tokenString == "" {
		return model.Identity{}, nil
	}
	return ir.ValidateToken(tokenString)
}

type identityKey struct{}

// WithIdentity returns ctx carrying who.
func WithIdentity(ctx context.Context, who model.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, who)
}

// IdentityFrom returns the identity stored by the identity middleware.
func IdentityFrom(ctx context.Context) model.Identity {
	who, _ := ctx.Value(identityKey{}).(model.Identity)
	return who
}
