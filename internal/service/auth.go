package service

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sumire/homeservices/internal/domain"
)

// AuthConfig holds token configuration.
type AuthConfig struct {
	JWTSecret string
	AccessTTL time.Duration
}

// AuthService verifies the bearer tokens minted by the marketplace's
// identity service and turns them into actors.
type AuthService struct {
	jwtSecret []byte
	accessTTL time.Duration
}

// NewAuthService creates a new AuthService.
func NewAuthService(cfg AuthConfig) *AuthService {
	ttl := cfg.AccessTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &AuthService{
		jwtSecret: []byte(cfg.JWTSecret),
		accessTTL: ttl,
	}
}

// ValidateToken validates a JWT access token and returns the actor it names.
func (s *AuthService) ValidateToken(tokenString string) (domain.Actor, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return domain.Actor{}, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return domain.Actor{}, domain.ErrUnauthorized
	}

	tokenType, _ := claims["type"].(string)
	if tokenType != "access" {
		return domain.Actor{}, domain.ErrUnauthorized
	}

	sub, _ := claims["sub"].(string)
	role, _ := claims["role"].(string)
	actor := domain.Actor{ID: sub, Role: domain.Role(role)}
	if actor.ID == "" || !actor.Role.Valid() {
		return domain.Actor{}, domain.ErrUnauthorized
	}

	return actor, nil
}

// IssueToken signs an access token for the actor. Production tokens come from
// the identity service; this is used by tooling and tests.
func (s *AuthService) IssueToken(actor domain.Actor) (string, error) {
	now := time.Now()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  actor.ID,
		"role": string(actor.Role),
		"type": "access",
		"iat":  now.Unix(),
		"exp":  now.Add(s.accessTTL).Unix(),
	})
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}
