package api

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"github.com/flowpbx/vmrouter/internal/api/middleware"
	"github.com/flowpbx/vmrouter/internal/database/models"
	"github.com/flowpbx/vmrouter/internal/dnc"
	"github.com/flowpbx/vmrouter/internal/notify"
)

// voicemailResponse is the JSON shape of one voicemail.
type voicemailResponse struct {
	ID              string        `json:"id"`
	Caller          string        `json:"caller"`
	DID             string        `json:"did"`
	Timestamp       time.Time     `json:"timestamp"`
	CallStartedAt   *time.Time    `json:"callStartedAt,omitempty"`
	DurationSeconds *float64      `json:"durationSeconds"`
	Transcription   *string       `json:"transcription"`
	IsNew           bool          `json:"isNew"`
	IsCatchAll      bool          `json:"isCatchAll"`
	Notes           []models.Note `json:"notes"`
}

// toVoicemailResponse converts a models.Voicemail to the API response. An
// unknown duration is null rather than -1.
func toVoicemailResponse(vm models.Voicemail) voicemailResponse {
	resp := voicemailResponse{
		ID:            vm.ID,
		Caller:        vm.Caller,
		DID:           vm.DID,
		Timestamp:     vm.Timestamp,
		CallStartedAt: vm.CallStartedAt,
		Transcription: vm.Transcription,
		IsNew:         vm.IsNew,
		IsCatchAll:    vm.IsCatchAll,
		Notes:         vm.Notes,
	}
	if vm.DurationKnown() {
		secs := vm.Duration.Seconds()
		resp.DurationSeconds = &secs
	}
	if resp.Notes == nil {
		resp.Notes = []models.Note{}
	}
	return resp
}

// handleVoicemailAudio streams the stored WAV audio for a voicemail.
func (s *Server) handleVoicemailAudio(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	vm, _, err := s.deps.Registry.FindVoicemail(id)
	if err != nil {
		s.writeRegistryError(w, "get voicemail audio", err)
		return
	}

	rc, err := s.deps.Audio.Open(r.Context(), vm.AudioRef)
	if errors.Is(err, fs.ErrNotExist) {
		writeError(w, http.StatusNotFound, "audio not found")
		return
	}
	if err != nil {
		s.logger.Error("get voicemail audio: failed to open", "error", err, "voicemail_id", id, "audio_ref", vm.AudioRef)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer rc.Close()

	name := fmt.Sprintf("voicemail_%s.wav", vm.ID)
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))

	if rs, ok := rc.(io.ReadSeeker); ok {
		http.ServeContent(w, r, name, vm.Timestamp, rs)
		return
	}
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("get voicemail audio: copy interrupted", "error", err, "voicemail_id", id)
	}
}

// handleMarkVoicemailRead clears the new flag on a voicemail.
func (s *Server) handleMarkVoicemailRead(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	changed, err := s.deps.Registry.MarkVoicemailRead(r.Context(), id)
	if err != nil {
		s.writeRegistryError(w, "mark voicemail read", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "isNew": false, "changed": changed})
}

// handleAddVoicemailNote appends an operator note to a voicemail.
func (s *Server) handleAddVoicemailNote(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	note, err := s.deps.Registry.AddVoicemailNote(r.Context(), pathParam(r, "id"), req.Text, middleware.OperatorFromContext(r.Context()))
	if err != nil {
		s.writeRegistryError(w, "add voicemail note", err)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

type dncRequest struct {
	Notes string `json:"notes"`
}

type dncResponse struct {
	Number  string `json:"number"`
	Created bool   `json:"created"`
}

// handleVoicemailDNC puts a voicemail's caller on the do-not-call list. The
// body is optional.
func (s *Server) handleVoicemailDNC(w http.ResponseWriter, r *http.Request) {
	if s.deps.DNC == nil {
		writeError(w, http.StatusServiceUnavailable, "do-not-call list is not configured")
		return
	}

	var req dncRequest
	if r.ContentLength != 0 {
		if msg := readJSON(r, &req); msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
	}
	req.Notes = strings.TrimSpace(req.Notes)
	if msg := firstError(
		validateStringLen("notes", req.Notes, maxNoteLen),
		validateNoControlChars("notes", req.Notes),
	); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	id := pathParam(r, "id")
	vm, _, err := s.deps.Registry.FindVoicemail(id)
	if err != nil {
		s.writeRegistryError(w, "add caller to dnc", err)
		return
	}
	number, err := dnc.Normalize(vm.Caller)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "caller "+vm.Caller+" is not a dialable number")
		return
	}

	created, err := s.deps.DNC.Add(r.Context(), dnc.Entry{
		PhoneNumber: number,
		AddedBy:     middleware.OperatorFromContext(r.Context()),
		Source:      dnc.SourceVoicemail,
		VoicemailID: id,
		Notes:       req.Notes,
	})
	if err != nil {
		s.logger.Error("add caller to dnc failed", "error", err, "voicemail_id", id)
		writeError(w, http.StatusBadGateway, "do-not-call list unavailable")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, dncResponse{Number: number, Created: created})
}

// maxShareRecipients bounds one share request.
const maxShareRecipients = 10

type shareRequest struct {
	Recipients []string `json:"recipients"`
	Message    string   `json:"message"`
}

func (req *shareRequest) validate() string {
	if len(req.Recipients) == 0 {
		return "recipients is required"
	}
	if len(req.Recipients) > maxShareRecipients {
		return fmt.Sprintf("recipients may contain at most %d addresses", maxShareRecipients)
	}
	for i, to := range req.Recipients {
		to = strings.TrimSpace(to)
		if to == "" {
			return "recipients contains an empty address"
		}
		if msg := validateEmail("recipients", to); msg != "" {
			return msg
		}
		req.Recipients[i] = to
	}
	req.Message = strings.TrimSpace(req.Message)
	return firstError(
		validateStringLen("message", req.Message, maxNoteLen),
		validateNoControlChars("message", req.Message),
	)
}

// handleShareVoicemail emails a voicemail, recording attached, to the given
// addresses.
func (s *Server) handleShareVoicemail(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sharer == nil {
		writeError(w, http.StatusServiceUnavailable, "email is not configured")
		return
	}

	var req shareRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	id := pathParam(r, "id")
	vm, owner, err := s.deps.Registry.FindVoicemail(id)
	if err != nil {
		s.writeRegistryError(w, "share voicemail", err)
		return
	}
	project, err := s.deps.Registry.Project(owner)
	if err != nil {
		s.writeRegistryError(w, "share voicemail", err)
		return
	}

	operator := middleware.OperatorFromContext(r.Context())
	err = s.deps.Sharer.ShareVoicemail(r.Context(), project, vm, req.Recipients, operator, req.Message)
	switch {
	case err == nil:
	case errors.Is(err, notify.ErrSMTPNotConfigured):
		writeError(w, http.StatusServiceUnavailable, "smtp is not configured")
		return
	case errors.Is(err, notify.ErrAudioUnavailable):
		s.logger.Warn("share voicemail: audio unavailable", "error", err, "voicemail_id", id)
		writeError(w, http.StatusNotFound, "audio not found")
		return
	default:
		s.logger.Error("share voicemail failed", "error", err, "voicemail_id", id)
		writeError(w, http.StatusBadGateway, "email delivery failed")
		return
	}

	s.logger.Info("voicemail shared via api",
		"voicemail_id", id,
		"recipients", len(req.Recipients),
		"operator", operator,
	)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "recipients": req.Recipients})
}
