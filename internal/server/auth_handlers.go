package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fishmarket/internal/domain"
	"github.com/MarcoPoloResearchLab/fishmarket/internal/identity"
	"github.com/MarcoPoloResearchLab/fishmarket/internal/store"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	membersCollection = "members"
	memberRole        = "member"
)

type signUpRequestPayload struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
}

type signInRequestPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	UID         string `json:"uid"`
	Email       string `json:"email"`
}

func (h *httpHandler) handleSignUp(c *gin.Context) {
	var request signUpRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	var problems []domain.FieldError
	problems = appendEmailProblems(problems, request.Email)
	switch {
	case strings.TrimSpace(request.Password) == "":
		problems = append(problems, domain.FieldError{Field: "password", Message: "is required"})
	case len(request.Password) < identity.MinPasswordLength:
		problems = append(problems, domain.FieldError{Field: "password", Message: "must be at least 6 characters"})
	}
	if request.Password != request.ConfirmPassword {
		problems = append(problems, domain.FieldError{Field: "confirm_password", Message: "does not match password"})
	}
	if len(problems) > 0 {
		h.writeError(c, "auth.sign_up", domain.NewValidationErrors(problems))
		return
	}

	session, err := h.sessions.Open()
	if err != nil {
		h.writeError(c, "auth.sign_up", err)
		return
	}
	current, err := session.SignUp(c.Request.Context(), identity.Credentials{Email: request.Email, Password: request.Password})
	if err != nil {
		h.sessions.Forget(session.ID())
		h.writeError(c, "auth.sign_up", err)
		return
	}

	member := store.Record{
		"email":     current.Email,
		"roles":     []string{memberRole},
		"createdAt": h.now().UTC().UnixMilli(),
	}
	if err := h.gateway.Set(c.Request.Context(), membersCollection, current.UID, member); err != nil {
		h.logger.Error("member registration failed", zap.String("uid", current.UID), zap.Error(err))
		h.sessions.Forget(session.ID())
		h.writeError(c, "auth.register_member", err)
		return
	}

	h.respondWithToken(c, http.StatusCreated, session)
}

func (h *httpHandler) handleSignIn(c *gin.Context) {
	var request signInRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	var problems []domain.FieldError
	problems = appendEmailProblems(problems, request.Email)
	if strings.TrimSpace(request.Password) == "" {
		problems = append(problems, domain.FieldError{Field: "password", Message: "is required"})
	}
	if len(problems) > 0 {
		h.writeError(c, "auth.sign_in", domain.NewValidationErrors(problems))
		return
	}

	session, err := h.sessions.Open()
	if err != nil {
		h.writeError(c, "auth.sign_in", err)
		return
	}
	if _, err := session.SignIn(c.Request.Context(), identity.Credentials{Email: request.Email, Password: request.Password}); err != nil {
		h.sessions.Forget(session.ID())
		h.writeError(c, "auth.sign_in", err)
		return
	}

	h.respondWithToken(c, http.StatusOK, session)
}

func (h *httpHandler) handleSignOut(c *gin.Context) {
	session := sessionFrom(c)
	claims, ok := claimsFrom(c)
	if session == nil || session.ID() == "" || !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if err := h.revocations.Revoke(c.Request.Context(), claims.SessionID(), claims.ExpiresAtTime()); err != nil {
		h.writeError(c, "auth.sign_out", err)
		return
	}
	if err := session.SignOut(c.Request.Context()); err != nil {
		h.writeError(c, "auth.sign_out", err)
		return
	}
	h.sessions.Forget(session.ID())
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) respondWithToken(c *gin.Context, status int, session *identity.Session) {
	current, _ := session.CurrentIdentity()
	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), session.ID(), current)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	h.sessions.ExpireAt(session.ID(), h.now().Add(time.Duration(expiresIn)*time.Second))
	c.JSON(status, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		UID:         current.UID,
		Email:       current.Email,
	})
}

func appendEmailProblems(problems []domain.FieldError, email string) []domain.FieldError {
	switch {
	case strings.TrimSpace(email) == "":
		return append(problems, domain.FieldError{Field: "email", Message: "is required"})
	case !identity.ValidEmail(email):
		return append(problems, domain.FieldError{Field: "email", Message: "must be a valid email address"})
	default:
		return problems
	}
}
