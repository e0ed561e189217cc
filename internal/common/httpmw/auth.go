package httpmw

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/trinity-controlplane/trinity/internal/common/trinityerr"
)

// PrincipalKind distinguishes a human session from a machine MCP key.
type PrincipalKind string

const (
	PrincipalUser PrincipalKind = "user"
	PrincipalKey  PrincipalKind = "mcp_key"
)

// Principal is the authenticated caller attached to the request context
// after Authenticate runs; handlers read it to drive the access matrix.
type Principal struct {
	Kind         PrincipalKind
	UserID       string
	KeyID        string
	SystemScoped bool
}

const principalContextKey = "trinity.principal"

// SessionClaims is the JWT payload minted at login (spec.md §6).
type SessionClaims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

// KeyResolver looks up the principal behind a bearer MCP key's hash.
// Implemented by internal/accessmatrix against the persistence layer so
// this middleware stays free of a database dependency.
type KeyResolver interface {
	ResolveKey(ctx context.Context, rawKey string) (*Principal, error)
}

// Authenticate validates either a session JWT or an MCP-key bearer token
// and attaches the resulting Principal to the Gin context. Grounded on the
// teacher pack's gateway authentication split between header-carried
// bearer tokens and a signed session token.
func Authenticate(jwtSecret string, keys KeyResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			RespondError(c, trinityerr.New(trinityerr.Unauthorized, "missing bearer token"))
			c.Abort()
			return
		}
		raw := strings.TrimPrefix(header, "Bearer ")

		principal, err := AuthenticateToken(c.Request.Context(), jwtSecret, keys, raw)
		if err != nil {
			RespondError(c, err)
			c.Abort()
			return
		}
		c.Set(principalContextKey, principal)
		c.Next()
	}
}

// AuthenticateToken resolves a bearer token to a Principal, trying it
// first as an MCP key and falling back to a session JWT. Shared by the
// HTTP middleware and the WebSocket upgrade handler, which carries its
// token as a query parameter rather than an Authorization header.
func AuthenticateToken(ctx context.Context, jwtSecret string, keys KeyResolver, raw string) (*Principal, error) {
	if raw == "" {
		return nil, trinityerr.New(trinityerr.Unauthorized, "missing bearer token")
	}
	if principal, err := keys.ResolveKey(ctx, raw); err == nil {
		return principal, nil
	}

	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, trinityerr.New(trinityerr.Unauthorized, "unexpected signing method")
		}
		return []byte(jwtSecret), nil
	})
	if err != nil || !token.Valid {
		return nil, trinityerr.New(trinityerr.Unauthorized, "invalid token")
	}
	return &Principal{Kind: PrincipalUser, UserID: claims.UserID}, nil
}

// CurrentPrincipal extracts the Principal set by Authenticate.
func CurrentPrincipal(c *gin.Context) (*Principal, bool) {
	v, ok := c.Get(principalContextKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(*Principal)
	return p, ok
}

// MintSessionToken signs a session JWT for userID valid for ttl.
func MintSessionToken(jwtSecret, userID string, ttl time.Duration) (string, error) {
	claims := &SessionClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "trinity",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(jwtSecret))
}
