package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/flowpbx/vmrouter/internal/dnc"
)

// handleDIDFlags returns the channel variables the dialplan branches on for
// a DID, the same values the router sets on a new call.
func (s *Server) handleDIDFlags(w http.ResponseWriter, r *http.Request) {
	did := strings.TrimSpace(pathParam(r, "did"))
	if did == "" {
		writeError(w, http.StatusBadRequest, "did is required")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Registry.DialplanFlags(did))
}

// numberMeta describes how the system knows a phone number.
type numberMeta struct {
	Number          string `json:"number"`
	ProjectID       string `json:"projectId,omitempty"`
	Active          bool   `json:"active"`
	Archived        bool   `json:"archived"`
	DoNotCall       bool   `json:"doNotCall"`
	DoNotCallStatus string `json:"doNotCallStatus"`
}

// handleNumberMeta reports whether a number is an active or archived DID
// and whether it is on the do-not-call list.
func (s *Server) handleNumberMeta(w http.ResponseWriter, r *http.Request) {
	number := strings.TrimSpace(pathParam(r, "number"))
	if number == "" {
		writeError(w, http.StatusBadRequest, "number is required")
		return
	}

	meta := numberMeta{Number: number, DoNotCallStatus: "unconfigured"}
	for _, p := range s.deps.Registry.Projects() {
		switch {
		case p.HasActiveDID(number):
			meta.ProjectID, meta.Active = p.ID, true
		case p.HasArchivedDID(number):
			meta.ProjectID, meta.Archived = p.ID, true
		}
	}

	if s.deps.DNC != nil {
		meta.DoNotCallStatus = "ok"
		listed, err := s.deps.DNC.Contains(r.Context(), number)
		switch {
		case err == nil:
			meta.DoNotCall = listed
		case errors.Is(err, dnc.ErrInvalidNumber):
			meta.DoNotCallStatus = "invalid_number"
		default:
			s.logger.Warn("number meta: dnc lookup failed", "error", err, "number", number)
			meta.DoNotCallStatus = "unavailable"
		}
	}
	writeJSON(w, http.StatusOK, meta)
}
