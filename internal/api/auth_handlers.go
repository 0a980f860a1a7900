package api

import (
	"net/http"
	"time"

	"github.com/flowpbx/vmrouter/internal/api/middleware"
	"github.com/flowpbx/vmrouter/internal/database"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	Username  string    `json:"username"`
}

// handleLogin exchanges admin credentials for a bearer token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := firstError(
		validateRequiredStringLen("username", req.Username, maxShortStringLen),
		validateRequiredStringLen("password", req.Password, maxPasswordLen),
	); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	user, err := s.deps.AdminUsers.GetByUsername(r.Context(), req.Username)
	if err != nil {
		s.logger.Error("login: failed to query admin user", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if user == nil {
		s.logger.Warn("login failed", "username", req.Username, "reason", "unknown user", "remote_addr", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	ok, err := database.CheckPassword(req.Password, user.PasswordHash)
	if err != nil {
		s.logger.Error("login: stored password hash unreadable", "error", err, "username", user.Username)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		s.logger.Warn("login failed", "username", req.Username, "reason", "bad password", "remote_addr", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	token, expiresAt, err := middleware.GenerateToken(s.secret, user.Username, s.nowFunc())
	if err != nil {
		s.logger.Error("login: signing token failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("operator logged in", "username", user.Username)
	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt, Username: user.Username})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

func (req *changePasswordRequest) validate() string {
	if msg := firstError(
		validateRequiredStringLen("currentPassword", req.CurrentPassword, maxPasswordLen),
		validatePassword("newPassword", req.NewPassword),
	); msg != "" {
		return msg
	}
	if req.NewPassword == req.CurrentPassword {
		return "newPassword must differ from currentPassword"
	}
	return ""
}

// handleChangePassword replaces the signed-in operator's password after
// checking the current one. Existing tokens stay valid until they expire.
func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	username := middleware.OperatorFromContext(r.Context())
	user, err := s.deps.AdminUsers.GetByUsername(r.Context(), username)
	if err != nil {
		s.logger.Error("change password: failed to query admin user", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if user == nil {
		s.logger.Warn("change password for unknown operator", "username", username)
		writeError(w, http.StatusUnauthorized, "unknown operator")
		return
	}

	ok, err := database.CheckPassword(req.CurrentPassword, user.PasswordHash)
	if err != nil {
		s.logger.Error("change password: stored password hash unreadable", "error", err, "username", username)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		s.logger.Warn("change password rejected", "username", username, "reason", "bad current password", "remote_addr", r.RemoteAddr)
		writeError(w, http.StatusForbidden, "current password is incorrect")
		return
	}

	hash, err := database.HashPassword(req.NewPassword)
	if err != nil {
		s.logger.Error("change password: hashing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := s.deps.AdminUsers.UpdatePassword(r.Context(), user.ID, hash); err != nil {
		s.logger.Error("change password: update failed", "error", err, "username", username)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("operator changed password", "username", username)
	w.WriteHeader(http.StatusNoContent)
}
