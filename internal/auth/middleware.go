package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ContextKeyCaller is the gin context key holding the authenticated *Caller.
const ContextKeyCaller = "caller"

func credential(c *gin.Context) string {
	key := c.GetHeader("Authorization")
	if key == "" {
		key = c.GetHeader("X-API-Key")
	}
	return key
}

// RequireServiceKey rejects requests without a valid service key or admin
// secret. When the manager has no keys configured the request passes
// through as an anonymous caller.
func RequireServiceKey(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.Open() {
			c.Set(ContextKeyCaller, &Caller{Name: "anonymous"})
			c.Next()
			return
		}
		caller, err := m.ValidateServiceKey(credential(c))
		if err != nil {
			abort(c, err)
			return
		}
		c.Set(ContextKeyCaller, caller)
		c.Next()
	}
}

// RequireAdmin rejects requests that do not carry the admin secret.
func RequireAdmin(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, err := m.ValidateAdmin(credential(c))
		if err != nil {
			abort(c, err)
			return
		}
		c.Set(ContextKeyCaller, caller)
		c.Next()
	}
}

// GetCaller returns the authenticated caller, if any.
func GetCaller(c *gin.Context) (*Caller, bool) {
	v, ok := c.Get(ContextKeyCaller)
	if !ok {
		return nil, false
	}
	caller, ok := v.(*Caller)
	return caller, ok
}

// CallerName returns the caller's name, or "unknown".
func CallerName(c *gin.Context) string {
	if caller, ok := GetCaller(c); ok {
		return caller.Name
	}
	return "unknown"
}

func abort(c *gin.Context, err error) {
	msg := "Include 'Authorization: Bearer <key>' or 'X-API-Key' header."
	if errors.Is(err, ErrInvalidKey) {
		msg = "Credentials are not valid."
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "unauthorized",
		"message": msg,
	})
}
