package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/fishmarket/internal/auth"
	"github.com/MarcoPoloResearchLab/fishmarket/internal/identity"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	sessionContextKey = "fishmarket_session"
	claimsContextKey  = "fishmarket_claims"
)

// resolveSession attaches the caller's session. A request without a token, or with
// the token of a signed-out session, gets a fresh anonymous session; a token naming
// an unknown session restores it from the claims.
func (h *httpHandler) resolveSession(c *gin.Context) {
	token := h.validator.TokenFromRequest(c.Request)
	if token == "" {
		h.attachAnonymous(c)
		return
	}

	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	revoked, err := h.revocations.IsRevoked(c.Request.Context(), claims.SessionID())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable"})
		return
	}
	if revoked {
		if session, ok := h.sessions.Lookup(claims.SessionID()); ok {
			if err := session.SignOut(c.Request.Context()); err != nil {
				h.logger.Warn("failed to sign out revoked session", zap.String("session_id", session.ID()), zap.Error(err))
			}
			h.sessions.Forget(session.ID())
		}
		h.attachAnonymous(c)
		return
	}

	session, ok := h.sessions.Lookup(claims.SessionID())
	if !ok {
		session, err = h.sessions.Ensure(claims.SessionID(), claims.ExpiresAtTime())
		if err != nil {
			h.logger.Error("failed to restore session", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
			return
		}
		session.Restore(claims.Identity())
		h.logger.Debug("session restored from token", zap.String("session_id", session.ID()))
	}
	c.Set(sessionContextKey, session)
	c.Set(claimsContextKey, claims)
	c.Next()
}

func (h *httpHandler) attachAnonymous(c *gin.Context) {
	session, err := identity.NewSession("", h.directory, h.logger)
	if err != nil {
		h.logger.Error("failed to open anonymous session", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.Set(sessionContextKey, session)
	c.Next()
}

func sessionFrom(c *gin.Context) *identity.Session {
	value, ok := c.Get(sessionContextKey)
	if !ok {
		return nil
	}
	session, _ := value.(*identity.Session)
	return session
}

func claimsFrom(c *gin.Context) (auth.SessionClaims, bool) {
	value, ok := c.Get(claimsContextKey)
	if !ok {
		return auth.SessionClaims{}, false
	}
	claims, ok := value.(auth.SessionClaims)
	return claims, ok
}
