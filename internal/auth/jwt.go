// Package auth validates session proofs for the realtime channel and the REST API.
package auth

import (
	"errors"
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Platform role tags.
const (
	RoleAdmin    = "admin"
	RoleEmployee = "employee"
	RoleClient   = "client"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrClaimMismatch = errors.New("token does not match handshake identity")
	ErrUnknownRole   = errors.New("unknown role")
)

// ValidRole reports whether role is one of the platform tags.
func ValidRole(role string) bool {
	switch role {
	case RoleAdmin, RoleEmployee, RoleClient:
		return true
	}
	return false
}

// Identity is the authenticated principal behind a connection or request.
type Identity struct {
	UserID string
	Role   string
}

// Claims carry the session user and role next to the registered claims.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwtlib.RegisteredClaims
}

// Service issues and validates HS256 session tokens.
type Service struct {
	secret []byte
	ttl    time.Duration
}

// New signs with secret and issues tokens valid for ttl.
func New(secret string, ttl time.Duration) *Service {
	return &Service{
		secret: []byte(secret),
		ttl:    ttl,
	}
}

// GenerateToken issues an HS256 token for userID. role must be a known role.
func (s *Service) GenerateToken(userID, role string) (string, error) {
	if !ValidRole(role) {
		return "", fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}

	now := time.Now()
	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwtlib.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwtlib.NewNumericDate(now),
		},
	}

	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken checks the signature, algorithm and expiry of tokenStr.
func (s *Service) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwtlib.ParseWithClaims(tokenStr, &Claims{}, func(t *jwtlib.Token) (any, error) {
		return s.secret, nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	if !ValidRole(claims.Role) {
		return nil, ErrUnknownRole
	}

	return claims, nil
}

// Authenticate checks handshake credentials: the token must be valid and name the same
// user and role the client claims.
func (s *Service) Authenticate(userID, role, token string) (Identity, error) {
	if userID == "" || role == "" || token == "" {
		return Identity{}, ErrInvalidToken
	}
	if !ValidRole(role) {
		return Identity{}, ErrUnknownRole
	}

	claims, err := s.ValidateToken(token)
	if err != nil {
		return Identity{}, err
	}
	if claims.UserID != userID || claims.Role != role {
		return Identity{}, ErrClaimMismatch
	}

	return Identity{UserID: claims.UserID, Role: claims.Role}, nil
}
