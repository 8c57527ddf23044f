package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"

	pkgerrors "blockjudge/pkg/errors"
	"blockjudge/pkg/utils/contextkey"
	"blockjudge/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Auth modes.
const (
	AuthDisabled = "disabled"
	AuthOptional = "optional"
	AuthRequired = "required"
)

// AuthConfig controls bearer token validation.
type AuthConfig struct {
	Mode          string   `yaml:"mode"`
	JWTSecret     string   `yaml:"jwtSecret"`
	JWTIssuer     string   `yaml:"jwtIssuer"`
	ElevatedRoles []string `yaml:"elevatedRoles"`
}

// Principal is the authenticated caller.
type Principal struct {
	Subject  string
	Role     string
	Elevated bool
}

type tokenClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator validates HS256 bearer tokens.
type Authenticator struct {
	secret        []byte
	issuer        string
	elevatedRoles []string
}

func NewAuthenticator(cfg AuthConfig) *Authenticator {
	return &Authenticator{
		secret:        []byte(cfg.JWTSecret),
		issuer:        cfg.JWTIssuer,
		elevatedRoles: cfg.ElevatedRoles,
	}
}

// Authenticate parses raw and returns the caller it identifies.
func (a *Authenticator) Authenticate(raw string) (Principal, error) {
	if raw == "" || len(a.secret) == 0 {
		return Principal{}, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	parsed, err := jwt.ParseWithClaims(raw, &tokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, pkgerrors.New(pkgerrors.TokenExpired)
		}
		return Principal{}, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return Principal{}, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if a.issuer != "" && claims.Issuer != a.issuer {
		return Principal{}, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if claims.Subject == "" {
		return Principal{}, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	return Principal{
		Subject:  claims.Subject,
		Role:     claims.Role,
		Elevated: hasRole(claims.Role, a.elevatedRoles),
	}, nil
}

// Auth resolves the caller from the Authorization header. In optional mode a
// missing header passes through anonymously but a bad token is still rejected.
func Auth(authn *Authenticator, mode string) gin.HandlerFunc {
	mode = strings.ToLower(mode)
	return func(c *gin.Context) {
		if mode == "" || mode == AuthDisabled {
			c.Next()
			return
		}
		token := extractBearerToken(c.GetHeader("Authorization"))
		if token == "" && mode == AuthOptional {
			c.Next()
			return
		}
		if authn == nil {
			response.AbortWithErrorCode(c, pkgerrors.ServiceUnavailable, "auth unavailable")
			return
		}
		principal, err := authn.Authenticate(token)
		if err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}

		c.Set(string(contextkey.UserID), principal.Subject)
		c.Set(string(contextkey.Elevated), principal.Elevated)
		ctx := context.WithValue(c.Request.Context(), contextkey.UserID, principal.Subject)
		ctx = context.WithValue(ctx, contextkey.Elevated, principal.Elevated)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func extractBearerToken(authHeader string) string {
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func hasRole(role string, allowed []string) bool {
	for _, item := range allowed {
		if strings.EqualFold(role, item) {
			return true
		}
	}
	return false
}
