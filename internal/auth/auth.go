package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Roles carried in token claims.
const (
	RoleAdmin   = "admin"
	RoleAnalyst = "analyst"
)

// Principal is the authenticated caller attached to a request.
type Principal struct {
	Email string
	Role  string
}

// IsAdmin reports whether the principal holds elevated privilege.
func (p *Principal) IsAdmin() bool {
	return p != nil && p.Role == RoleAdmin
}

// Claims are the JWT claims issued at login.
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// Service issues and validates tokens. The admin credential is
// bootstrapped from configuration as a bcrypt hash.
type Service struct {
	secret            []byte
	tokenTTL          time.Duration
	adminEmail        string
	adminPasswordHash string
}

// NewService creates an auth service.
func NewService(secret string, tokenTTL time.Duration, adminEmail, adminPasswordHash string) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 12 * time.Hour
	}
	return &Service{
		secret:            []byte(secret),
		tokenTTL:          tokenTTL,
		adminEmail:        strings.ToLower(strings.TrimSpace(adminEmail)),
		adminPasswordHash: adminPasswordHash,
	}
}

// ErrInvalidCredentials is returned for any login failure; callers get
// no hint whether the email or the password was wrong.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Login exchanges the admin credential for a signed token.
func (s *Service) Login(email, password string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || email != s.adminEmail {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.adminPasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.GenerateToken(email, RoleAdmin)
}

// GenerateToken signs a token for the given identity and role.
func (s *Service) GenerateToken(email, role string) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: email,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseToken validates a token and returns its principal.
func (s *Service) ParseToken(tokenString string) (*Principal, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	return &Principal{Email: claims.Email, Role: claims.Role}, nil
}

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal attaches a principal to the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// FromContext extracts the principal, if any.
func FromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok && p != nil
}

// Middleware attaches the principal from a bearer token when present.
// It never rejects: enforcement belongs to the gate pipeline so that
// the earliest failing gate owns the response code.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if strings.HasPrefix(header, "Bearer ") {
			if p, err := s.ParseToken(strings.TrimPrefix(header, "Bearer ")); err == nil {
				r = r.WithContext(WithPrincipal(r.Context(), p))
			}
		}
		next.ServeHTTP(w, r)
	})
}
