package auth

import (
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/KevinKickass/OpenPSU/internal/config"
)

type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
)

func (r Role) Valid() bool {
	return r == RoleViewer || r == RoleOperator
}

type Permission string

const (
	PermRead    Permission = "psu:read"
	PermControl Permission = "psu:control"
)

// Permissions returns what the role may do.
func (r Role) Permissions() []Permission {
	switch r {
	case RoleOperator:
		return []Permission{PermRead, PermControl}
	case RoleViewer:
		return []Permission{PermRead}
	default:
		return nil
	}
}

// AuthService issues and checks bearer tokens. When disabled every request
// is granted all permissions.
type AuthService struct {
	enabled    bool
	jwtHandler *JWTHandler
}

func NewAuthService(cfg config.AuthConfig) *AuthService {
	return &AuthService{
		enabled:    cfg.Enabled,
		jwtHandler: NewJWTHandler(cfg.GetJWTSecret(), cfg.AccessTokenTTL),
	}
}

func (a *AuthService) Enabled() bool {
	return a.enabled
}

// MintToken issues a token for a new random subject.
func (a *AuthService) MintToken(name string, role Role) (string, uuid.UUID, error) {
	if !role.Valid() {
		return "", uuid.Nil, fmt.Errorf("unknown role %q", role)
	}

	subject := uuid.New()
	token, err := a.jwtHandler.GenerateAccessToken(subject, name, role)
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("failed to generate access token: %w", err)
	}
	return token, subject, nil
}

// Authenticate validates a token and returns its permissions.
func (a *AuthService) Authenticate(token string) (*JWTClaims, []Permission, error) {
	if !a.enabled {
		return nil, RoleOperator.Permissions(), nil
	}
	claims, err := a.jwtHandler.ValidateAccessToken(token)
	if err != nil {
		return nil, nil, err
	}
	return claims, claims.Role.Permissions(), nil
}

func hasPermission(perms []Permission, required Permission) bool {
	return slices.Contains(perms, required)
}
