// Package auth validates the bearer tokens that identify session participants
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

// Common errors
var (
	ErrNoToken      = errors.New("no token provided")
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrInvalidUser  = errors.New("token does not name a valid user")
)

// Config configures token validation
type Config struct {
	Enabled       bool
	JWTSecret     string
	Issuer        string
	JWTExpiration time.Duration
}

// Claims are the JWT claims of a participant token. The user id is taken
// from user_id, falling back to sub.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id,omitempty"`
	Name   string `json:"name,omitempty"`
}

// User is an authenticated participant
type User struct {
	ID   uuid.UUID
	Name string
}

// Service validates and issues HS256 tokens
type Service struct {
	config Config
}

// NewService creates an auth service
func NewService(config Config) *Service {
	if config.JWTExpiration == 0 {
		config.JWTExpiration = 24 * time.Hour
	}
	return &Service{config: config}
}

// Enabled reports whether tokens are required
func (s *Service) Enabled() bool {
	return s != nil && s.config.Enabled
}

// ValidateJWT validates a token and returns the user it names
func (s *Service) ValidateJWT(tokenString string) (*User, error) {
	if tokenString == "" {
		return nil, ErrNoToken
	}
	if s.config.JWTSecret == "" {
		return nil, ErrInvalidToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.JWTSecret), nil
	})
	if err != nil {
		var verr *jwt.ValidationError
		if errors.As(err, &verr) && verr.Errors&jwt.ValidationErrorExpired != 0 {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if s.config.Issuer != "" && !claims.VerifyIssuer(s.config.Issuer, true) {
		return nil, ErrInvalidToken
	}

	raw := claims.UserID
	if raw == "" {
		raw = claims.Subject
	}
	id, err := uuid.Parse(raw)
	if err != nil || id == uuid.Nil {
		return nil, ErrInvalidUser
	}
	return &User{ID: id, Name: claims.Name}, nil
}

// GenerateJWT issues a token for a user
func (s *Service) GenerateJWT(user User) (string, error) {
	if s.config.JWTSecret == "" {
		return "", errors.New("JWT secret not configured")
	}
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			Issuer:    s.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.JWTExpiration)),
			ID:        uuid.NewString(),
		},
		UserID: user.ID.String(),
		Name:   user.Name,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.config.JWTSecret))
}

// ExtractToken reads a bearer token from the Authorization header or the
// token query parameter. Browsers cannot set headers on websocket upgrades.
func ExtractToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if strings.HasPrefix(header, "Bearer ") {
			return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// Authenticate validates the request's token. It returns nil without error
// when auth is disabled and no token was sent.
func (s *Service) Authenticate(r *http.Request) (*User, error) {
	token := ExtractToken(r)
	if !s.Enabled() {
		if token == "" || s == nil || s.config.JWTSecret == "" {
			return nil, nil
		}
	}
	return s.ValidateJWT(token)
}
