// Package auth authenticates callers of the queued execution API.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Common errors returned by the auth service.
var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token has expired")
	ErrInvalidAPIKey    = errors.New("invalid API key")
	ErrMissingClaims    = errors.New("missing required claims")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrJWTDisabled      = errors.New("JWT authentication is not configured")
)

// Principal is an authenticated caller.
type Principal struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

// Claims represents the JWT claims structure.
type Claims struct {
	UserID string    `json:"user_id"`
	Email  string    `json:"email"`
	Exp    time.Time `json:"exp"`
}

// Config holds authentication configuration.
type Config struct {
	JWTSecret   []byte
	TokenExpiry time.Duration
	// APIKeys are accepted verbatim. Only their hashes are retained.
	APIKeys []string
}

// Service validates JWTs and static API keys.
type Service struct {
	jwtSecret   []byte
	tokenExpiry time.Duration
	keyHashes   []string
	logger      *slog.Logger
}

// NewService creates a new authentication service.
func NewService(cfg *Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	hashes := make([]string, 0, len(cfg.APIKeys))
	for _, key := range cfg.APIKeys {
		if key != "" {
			hashes = append(hashes, HashAPIKey(key))
		}
	}
	return &Service{
		jwtSecret:   cfg.JWTSecret,
		tokenExpiry: cfg.TokenExpiry,
		keyHashes:   hashes,
		logger:      logger,
	}
}

// GenerateToken creates a new JWT token for the given user.
func (s *Service) GenerateToken(userID, email string) (string, error) {
	if len(s.jwtSecret) == 0 {
		return "", ErrJWTDisabled
	}
	if userID == "" {
		return "", ErrMissingClaims
	}

	now := time.Now()
	exp := now.Add(s.tokenExpiry)

	claims := jwt.MapClaims{
		"sub":   userID,
		"email": email,
		"iat":   now.Unix(),
		"exp":   exp.Unix(),
		"nbf":   now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString(s.jwtSecret)
	if err != nil {
		s.logger.Error("failed to sign token", "error", err)
		return "", fmt.Errorf("signing token: %w", err)
	}

	return signedToken, nil
}

// ValidateToken validates a JWT token and returns the claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	if len(s.jwtSecret) == 0 {
		return nil, ErrJWTDisabled
	}
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		if errors.Is(err, jwt.ErrSignatureInvalid) {
			return nil, ErrInvalidSignature
		}
		return nil, ErrInvalidToken
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	userID, ok := mapClaims["sub"].(string)
	if !ok || userID == "" {
		return nil, ErrMissingClaims
	}

	email, _ := mapClaims["email"].(string)

	expFloat, ok := mapClaims["exp"].(float64)
	if !ok {
		return nil, ErrMissingClaims
	}

	return &Claims{
		UserID: userID,
		Email:  email,
		Exp:    time.Unix(int64(expFloat), 0),
	}, nil
}

// ValidateAPIKey checks a raw API key against the configured keys.
func (s *Service) ValidateAPIKey(apiKey string) (*Principal, error) {
	if apiKey == "" {
		return nil, ErrInvalidAPIKey
	}

	hash := HashAPIKey(apiKey)
	matched := false
	for _, stored := range s.keyHashes {
		// Compare against every key so timing does not reveal the index.
		if SecureCompare(hash, stored) {
			matched = true
		}
	}
	if !matched {
		return nil, ErrInvalidAPIKey
	}

	return &Principal{ID: "apikey:" + hash[:12]}, nil
}

// JWTEnabled reports whether bearer tokens can be validated.
func (s *Service) JWTEnabled() bool {
	return len(s.jwtSecret) > 0
}

// GenerateAPIKey generates a new API key and returns the raw key.
func GenerateAPIKey() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generating random bytes: %w", err)
	}
	return "sx_" + base64.RawURLEncoding.EncodeToString(bytes), nil
}

// HashAPIKey creates a SHA256 hash of an API key.
func HashAPIKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// ExtractBearerToken extracts the token from a Bearer authorization header.
func ExtractBearerToken(authHeader string) string {
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}

// SecureCompare performs a constant-time comparison of two strings.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
