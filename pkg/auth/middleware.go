package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Context keys under which RequireAuth stores the authenticated
// identity for downstream handlers.
const (
	ctxClaims = "auth.claims"
	ctxUser   = "auth.user"
)

// AuthMiddleware gates gin routes on JWT validation and RBAC checks.
type AuthMiddleware struct {
	jwt  *JWTService
	rbac *RBAC
}

func NewAuthMiddleware(jwt *JWTService, rbac *RBAC) *AuthMiddleware {
	return &AuthMiddleware{jwt: jwt, rbac: rbac}
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": message})
}

// bearerToken pulls the JWT out of the Authorization header, returning
// "" when the header is absent or not in Bearer form.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}

// RequireAuth validates the request's bearer token and resolves the
// driver behind it. On success the claims and user are stored on the
// request context; on any failure the request is aborted with 401.
func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			abort(c, http.StatusUnauthorized, "token_missing", "authorization bearer token required")
			return
		}

		claims, err := m.jwt.ValidateToken(token)
		if err != nil {
			abort(c, http.StatusUnauthorized, "token_invalid", "invalid or expired token")
			return
		}

		user, err := m.rbac.GetUser(claims.UserID)
		if err != nil {
			abort(c, http.StatusUnauthorized, "unknown_driver", "driver not registered with this node")
			return
		}
		if !user.Active {
			abort(c, http.StatusUnauthorized, "driver_inactive", "driver account is deactivated")
			return
		}

		c.Set(ctxClaims, claims)
		c.Set(ctxUser, user)
		c.Next()
	}
}

// RequirePermission aborts with 403 unless the authenticated driver
// holds the named permission, directly or through a role. Must run
// after RequireAuth on the same route group.
func (m *AuthMiddleware) RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := GetCurrentClaims(c)
		if !ok {
			abort(c, http.StatusUnauthorized, "unauthenticated", "authentication required before permission check")
			return
		}

		ok, err := m.rbac.HasPermission(claims.UserID, permission)
		if err != nil {
			abort(c, http.StatusInternalServerError, "permission_check_failed", err.Error())
			return
		}
		if !ok {
			abort(c, http.StatusForbidden, "insufficient_permissions", "missing permission "+permission)
			return
		}
		c.Next()
	}
}

// RequireRole aborts with 403 unless the authenticated driver carries
// the named role. Must run after RequireAuth.
func (m *AuthMiddleware) RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := GetCurrentUser(c)
		if !ok {
			abort(c, http.StatusUnauthorized, "unauthenticated", "authentication required before role check")
			return
		}
		for _, r := range user.Roles {
			if r == role {
				c.Next()
				return
			}
		}
		abort(c, http.StatusForbidden, "insufficient_role", "role "+role+" required")
	}
}

// GetCurrentClaims returns the validated claims RequireAuth stored.
func GetCurrentClaims(c *gin.Context) (*Claims, bool) {
	v, ok := c.Get(ctxClaims)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}

// GetCurrentUser returns the resolved RBAC user RequireAuth stored.
func GetCurrentUser(c *gin.Context) (*User, bool) {
	v, ok := c.Get(ctxUser)
	if !ok {
		return nil, false
	}
	user, ok := v.(*User)
	return user, ok
}
