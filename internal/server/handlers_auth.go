package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/medledger/backend/internal/accounts"
)

type registerRequestPayload struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	ClinicID  string `json:"clinic_id"`
	PublicKey string `json:"public_key"`
}

type userPayload struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	ClinicID  string `json:"clinic_id"`
	PublicKey string `json:"public_key"`
	IsActive  bool   `json:"is_active"`
	CreatedAt int64  `json:"created_at_s"`
}

func toUserPayload(user *accounts.User) userPayload {
	return userPayload{
		UserID:    user.UserID,
		Email:     user.Email,
		Name:      user.Name,
		Role:      string(user.Role),
		ClinicID:  user.ClinicID,
		PublicKey: user.PublicKey,
		IsActive:  user.IsActive,
		CreatedAt: user.CreatedAtSecs,
	}
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	role, err := accounts.ParseRole(request.Role)
	if err != nil {
		h.writeError(c, err)
		return
	}

	user, err := h.accounts.Register(c.Request.Context(), accounts.RegisterRequest{
		Email:     request.Email,
		Password:  request.Password,
		Name:      request.Name,
		Role:      role,
		ClinicID:  request.ClinicID,
		PublicKey: request.PublicKey,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toUserPayload(user))
}

type loginRequestPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponsePayload struct {
	User  userPayload `json:"user"`
	Token string      `json:"session_token"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	user, token, err := h.sessions.Login(c.Request.Context(), request.Email, request.Password)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, loginResponsePayload{User: toUserPayload(user), Token: token})
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	h.sessions.Logout(token)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleSetUserActive(active bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.requireAdmin(c) == nil {
			return
		}
		var err error
		if active {
			err = h.accounts.Activate(c.Request.Context(), c.Param("id"))
		} else {
			err = h.accounts.Deactivate(c.Request.Context(), c.Param("id"))
		}
		if err != nil {
			h.writeError(c, err)
			return
		}
		if !active {
			// Revoking an account also revokes everything it was assigned to.
			if err := h.access.DeactivateAllForUser(c.Request.Context(), c.Param("id")); err != nil {
				h.writeError(c, err)
				return
			}
		}
		c.Status(http.StatusNoContent)
	}
}

type publicKeyRequestPayload struct {
	PublicKey string `json:"public_key"`
}

func (h *httpHandler) handleUpdatePublicKey(c *gin.Context) {
	user := currentUser(c)
	targetID := c.Param("id")
	if user == nil || (user.UserID != targetID && user.Role != accounts.RoleAdmin) {
		c.JSON(http.StatusForbidden, gin.H{"error": "cannot_update_other_user_key"})
		return
	}
	var request publicKeyRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.PublicKey) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.accounts.UpdatePublicKey(c.Request.Context(), targetID, request.PublicKey); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
