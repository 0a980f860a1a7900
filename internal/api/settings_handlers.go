package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/flowpbx/vmrouter/internal/api/middleware"
	"github.com/flowpbx/vmrouter/internal/database"
	"github.com/flowpbx/vmrouter/internal/database/models"
)

// pbxCatchAllVar is the dialplan global mirrored from Settings.CatchAllEnabled.
const pbxCatchAllVar = "CATCH_ALL_ENABLED"

// settingsResponse is the shape returned by GET /settings.
type settingsResponse struct {
	models.Settings
	SMTP *smtpSettingsResponse `json:"smtp,omitempty"`
}

type smtpSettingsResponse struct {
	Host        string `json:"host"`
	Port        string `json:"port"`
	From        string `json:"from"`
	Username    string `json:"username"`
	TLS         string `json:"tls"`
	HasPassword bool   `json:"hasPassword"`
}

// settingsRequest is the shape accepted by PUT /settings. Absent fields keep
// their current value.
type settingsRequest struct {
	CatchAllEnabled      *bool                `json:"catchAllEnabled"`
	CatchAllGreeting     *string              `json:"catchAllGreeting"`
	DefaultGreeting      *string              `json:"defaultGreeting"`
	RetentionDays        *int                 `json:"retentionDays"`
	AlertThresholdDays   *int                 `json:"alertThresholdDays"`
	MaxMessageLength     *int                 `json:"maxMessageLength"`
	TranscriptionEnabled *bool                `json:"transcriptionEnabled"`
	NotificationEmail    *string              `json:"notificationEmail"`
	SMTP                 *smtpSettingsRequest `json:"smtp"`
}

type smtpSettingsRequest struct {
	Host     string  `json:"host"`
	Port     string  `json:"port"`
	From     string  `json:"from"`
	Username string  `json:"username"`
	Password *string `json:"password"` // nil keeps the stored password
	TLS      string  `json:"tls"`
}

func (req *settingsRequest) validate() string {
	str := func(p *string) string {
		if p == nil {
			return ""
		}
		return *p
	}
	if msg := firstError(
		validateGreeting("catchAllGreeting", str(req.CatchAllGreeting)),
		validateGreeting("defaultGreeting", str(req.DefaultGreeting)),
		validateMin("retentionDays", req.RetentionDays, 0),
		validateMin("alertThresholdDays", req.AlertThresholdDays, 1),
		validateMin("maxMessageLength", req.MaxMessageLength, 1),
		validateEmail("notificationEmail", str(req.NotificationEmail)),
	); msg != "" {
		return msg
	}
	if req.CatchAllGreeting != nil && *req.CatchAllGreeting == "" {
		return "catchAllGreeting must not be empty"
	}
	if req.DefaultGreeting != nil && *req.DefaultGreeting == "" {
		return "defaultGreeting must not be empty"
	}

	if smtp := req.SMTP; smtp != nil {
		if smtp.Port != "" {
			port, err := strconv.Atoi(smtp.Port)
			if err != nil || port < 1 || port > 65535 {
				return "smtp port must be a valid port (1-65535)"
			}
		}
		if smtp.TLS != "" && smtp.TLS != "none" && smtp.TLS != "starttls" && smtp.TLS != "tls" {
			return "smtp tls must be none, starttls, or tls"
		}
		return firstError(
			validateStringLen("smtp host", smtp.Host, maxLongStringLen),
			validateNoControlChars("smtp host", smtp.Host),
			validateEmail("smtp from", smtp.From),
			validateStringLen("smtp username", smtp.Username, maxLongStringLen),
			validateStringLen("smtp password", str(smtp.Password), maxPasswordLen),
		)
	}
	return ""
}

func (req *settingsRequest) apply(s *models.Settings) error {
	if req.CatchAllEnabled != nil {
		s.CatchAllEnabled = *req.CatchAllEnabled
	}
	if req.CatchAllGreeting != nil {
		s.CatchAllGreeting = *req.CatchAllGreeting
	}
	if req.DefaultGreeting != nil {
		s.DefaultGreeting = *req.DefaultGreeting
	}
	if req.RetentionDays != nil {
		s.RetentionDays = *req.RetentionDays
	}
	if req.AlertThresholdDays != nil {
		s.AlertThresholdDays = *req.AlertThresholdDays
	}
	if req.MaxMessageLength != nil {
		s.MaxMessageLength = *req.MaxMessageLength
	}
	if req.TranscriptionEnabled != nil {
		s.TranscriptionEnabled = *req.TranscriptionEnabled
	}
	if req.NotificationEmail != nil {
		s.NotificationEmail = strings.TrimSpace(*req.NotificationEmail)
	}
	return nil
}

// handleGetSettings returns the routing settings and, when available, the
// SMTP configuration without its password.
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.settingsResponse(r.Context()))
}

func (s *Server) settingsResponse(ctx context.Context) settingsResponse {
	resp := settingsResponse{Settings: s.deps.Registry.Settings()}
	if repo := s.deps.SystemConfig; repo != nil {
		get := func(key string) string {
			val, _ := repo.Get(ctx, key)
			return val
		}
		resp.SMTP = &smtpSettingsResponse{
			Host:        get(database.ConfigSMTPHost),
			Port:        get(database.ConfigSMTPPort),
			From:        get(database.ConfigSMTPFrom),
			Username:    get(database.ConfigSMTPUsername),
			TLS:         get(database.ConfigSMTPTLS),
			HasPassword: get(database.ConfigSMTPPassword) != "",
		}
	}
	return resp
}

// handleUpdateSettings saves the provided settings. Toggling catch-all also
// updates the PBX global so the dialplan sees it before the next call.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if req.SMTP != nil && s.deps.SystemConfig == nil {
		writeError(w, http.StatusBadRequest, "smtp settings are not supported")
		return
	}

	ctx := r.Context()
	before := s.deps.Registry.Settings()
	after, err := s.deps.Registry.UpdateSettings(ctx, req.apply)
	if err != nil {
		s.writeRegistryError(w, "update settings", err)
		return
	}

	if req.SMTP != nil {
		if err := s.saveSMTP(ctx, req.SMTP); err != nil {
			s.logger.Error("update settings: failed to save smtp config", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
	}

	if after.CatchAllEnabled != before.CatchAllEnabled && s.deps.PBX != nil {
		value := "0"
		if after.CatchAllEnabled {
			value = "1"
		}
		// Each call also gets the flag as a channel variable, so a failure
		// here only affects dialplans that read the global directly.
		if err := s.deps.PBX.SetGlobal(ctx, pbxCatchAllVar, value); err != nil {
			s.logger.Warn("update settings: failed to set pbx global", "error", err, "variable", pbxCatchAllVar)
		}
	}

	s.logger.Info("settings updated", "operator", middleware.OperatorFromContext(ctx))
	writeJSON(w, http.StatusOK, s.settingsResponse(ctx))
}

func (s *Server) saveSMTP(ctx context.Context, smtp *smtpSettingsRequest) error {
	pairs := []struct{ key, value string }{
		{database.ConfigSMTPHost, strings.TrimSpace(smtp.Host)},
		{database.ConfigSMTPPort, smtp.Port},
		{database.ConfigSMTPFrom, smtp.From},
		{database.ConfigSMTPUsername, smtp.Username},
		{database.ConfigSMTPTLS, smtp.TLS},
	}
	if smtp.Password != nil {
		pairs = append(pairs, struct{ key, value string }{database.ConfigSMTPPassword, *smtp.Password})
	}
	for _, p := range pairs {
		if err := s.deps.SystemConfig.Set(ctx, p.key, p.value); err != nil {
			return err
		}
	}
	return nil
}
