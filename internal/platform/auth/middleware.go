package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
)

// Headers read by HeaderMiddleware when no signing key is configured.
const (
	RequesterHeader = "X-Requester-ID"
	RolesHeader     = "X-Roles"
)

// Claims is the bearer token payload. The requester id is the subject, or
// the numeric account id older tokens carry in "id".
type Claims struct {
	jwt.RegisteredClaims
	AccountID json.Number `json:"id,omitempty"`
	Roles     []string    `json:"roles"`
}

// RequesterID returns the subject, falling back to the account id claim.
func (c *Claims) RequesterID() string {
	if c.Subject != "" {
		return c.Subject
	}
	return c.AccountID.String()
}

type JWTConfig struct {
	Issuer   string
	Audience string
	// SigningKey is the HMAC secret tokens are signed with.
	SigningKey []byte
	Skipper    func(c echo.Context) bool
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
				return cfg.SigningKey, nil
			}, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			requester := claims.RequesterID()
			if requester == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "token has no subject")
			}

			c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), requester, claims.Roles)))
			return next(c)
		}
	}
}

// HeaderMiddleware trusts identity headers set by an upstream gateway. It is
// used when no signing key is configured; requests without the requester
// header are rejected.
func HeaderMiddleware(skipper func(c echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper != nil && skipper(c) {
				return next(c)
			}
			requester := strings.TrimSpace(c.Request().Header.Get(RequesterHeader))
			if requester == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing "+RequesterHeader+" header")
			}
			var roles []string
			for _, r := range strings.Split(c.Request().Header.Get(RolesHeader), ",") {
				if r = strings.TrimSpace(r); r != "" {
					roles = append(roles, r)
				}
			}
			c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), requester, roles)))
			return next(c)
		}
	}
}

// WithIdentity returns ctx carrying the requester id and roles.
func WithIdentity(ctx context.Context, userID string, roles []string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	return context.WithValue(ctx, UserRolesKey, roles)
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}

// HasRole reports whether the context carries role or admin.
func HasRole(ctx context.Context, role string) bool {
	for _, has := range RolesFromContext(ctx) {
		if has == role || has == "admin" {
			return true
		}
	}
	return false
}
