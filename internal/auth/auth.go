// Package auth identifies callers from HS256 bearer tokens.
//
// Roles:
//   - institution: may submit requests and read its own
//   - admin: may review requests and operate the allow-list
//
// Tokens are minted by the identity provider that fronts the dashboard;
// Issue exists for local development and tests.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors
var (
	ErrNoToken      = errors.New("auth: bearer token required")
	ErrInvalidToken = errors.New("auth: invalid or expired token")
	ErrForbidden    = errors.New("auth: role not permitted")
)

// Role is the caller's privilege level.
type Role string

const (
	RoleAdmin       Role = "admin"
	RoleInstitution Role = "institution"
)

// Identity is the verified caller.
type Identity struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
	Role    Role   `json:"role"`
}

// IsAdmin reports whether the caller may review requests.
func (i *Identity) IsAdmin() bool {
	return i != nil && i.Role == RoleAdmin
}

// Claims is the token payload.
type Claims struct {
	Email string `json:"email"`
	Role  Role   `json:"role"`
	jwt.RegisteredClaims
}

// Manager signs and verifies tokens with a shared secret.
type Manager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewManager creates a token manager.
func NewManager(secret string) *Manager {
	return &Manager{
		secret: []byte(secret),
		ttl:    12 * time.Hour,
		now:    time.Now,
	}
}

// Issue mints a token for email with role.
func (m *Manager) Issue(email string, role Role) (string, error) {
	now := m.now()
	claims := Claims{
		Email: strings.ToLower(strings.TrimSpace(email)),
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strings.ToLower(strings.TrimSpace(email)),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Verify parses a raw token and returns the identity it carries.
func (m *Manager) Verify(raw string) (*Identity, error) {
	if raw == "" {
		return nil, ErrNoToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.Email == "" {
		return nil, ErrInvalidToken
	}
	switch claims.Role {
	case RoleAdmin, RoleInstitution:
	default:
		return nil, ErrInvalidToken
	}

	return &Identity{
		Subject: claims.Subject,
		Email:   strings.ToLower(claims.Email),
		Role:    claims.Role,
	}, nil
}

type contextKey struct{}

// WithIdentity attaches a verified identity to ctx.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity attached to ctx.
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(*Identity)
	return id, ok && id != nil
}

// CurrentUserEmail returns the signed-in caller's email.
func CurrentUserEmail(ctx context.Context) (string, bool) {
	id, ok := FromContext(ctx)
	if !ok {
		return "", false
	}
	return id.Email, true
}
