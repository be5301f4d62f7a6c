package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/zulandar/medconsult/internal/apperr"
)

// Claims is the JWT payload issued to consultation participants.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// JWTVerifier verifies and issues HS256 tokens.
type JWTVerifier struct {
	key    []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// JWTOpts configures a JWTVerifier.
type JWTOpts struct {
	SigningKey string
	Issuer     string
	TTL        time.Duration
}

// NewJWTVerifier returns a verifier for tokens signed with opts.SigningKey.
func NewJWTVerifier(opts JWTOpts) (*JWTVerifier, error) {
	if opts.SigningKey == "" {
		return nil, fmt.Errorf("auth: signing key is required")
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	return &JWTVerifier{
		key:    []byte(opts.SigningKey),
		issuer: opts.Issuer,
		ttl:    opts.TTL,
		now:    time.Now,
	}, nil
}

// GenerateToken signs a token for userID with the given role.
func (v *JWTVerifier) GenerateToken(userID, role string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("auth: user id is required")
	}
	if !validRole(role) {
		return "", fmt.Errorf("auth: unknown role %q", role)
	}
	now := v.now()
	claims := &Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    v.issuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.key)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Verify parses credential and returns its principal. Any failure is an
// ErrUnauthenticated error.
func (v *JWTVerifier) Verify(_ context.Context, credential string) (Principal, error) {
	if credential == "" {
		return Principal{}, apperr.New(apperr.ErrUnauthenticated, "missing credential")
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(credential, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return v.key, nil
	}, parserOpts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, apperr.Wrap(apperr.ErrUnauthenticated, err, "token expired")
		}
		return Principal{}, apperr.Wrap(apperr.ErrUnauthenticated, err, "invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Principal{}, apperr.New(apperr.ErrUnauthenticated, "invalid token")
	}
	if claims.UserID == "" || !validRole(claims.Role) {
		return Principal{}, apperr.New(apperr.ErrUnauthenticated, "token carries no usable identity")
	}
	return Principal{ID: claims.UserID, Role: claims.Role}, nil
}

func validRole(role string) bool {
	switch role {
	case RolePatient, RoleDoctor, RoleAdmin:
		return true
	}
	return false
}
