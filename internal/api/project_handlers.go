package api

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/flowpbx/vmrouter/internal/api/middleware"
	"github.com/flowpbx/vmrouter/internal/database/models"
	"github.com/flowpbx/vmrouter/internal/registry"
)

// projectSummary is one row of GET /projects.
type projectSummary struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	IsCatchAll    bool      `json:"isCatchAll"`
	ActiveDIDs    int       `json:"activeDids"`
	ArchivedDIDs  int       `json:"archivedDids"`
	Voicemails    int       `json:"voicemails"`
	NewVoicemails int       `json:"newVoicemails"`
	LastVoicemail *string   `json:"lastVoicemailAt"`
	CreatedAt     time.Time `json:"createdAt"`
}

// projectResponse is the full project returned by GET /projects/{id}.
type projectResponse struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	Description  string              `json:"description"`
	GreetingFile string              `json:"greetingFile"`
	IsCatchAll   bool                `json:"isCatchAll"`
	DIDs         []didResponse       `json:"dids"`
	ArchivedDIDs []didResponse       `json:"archivedDids"`
	Voicemails   []voicemailResponse `json:"voicemails"`
	Notes        []models.Note       `json:"notes"`
	CreatedAt    time.Time           `json:"createdAt"`
}

type didResponse struct {
	Number      string     `json:"number"`
	StartDate   time.Time  `json:"startDate"`
	EndDate     *time.Time `json:"endDate"`
	ArchiveDate *time.Time `json:"archiveDate,omitempty"`
	DaysActive  int        `json:"daysActive"`
	LastAlertAt *time.Time `json:"lastAlertAt,omitempty"`
}

func toDIDResponse(d models.DID, now time.Time) didResponse {
	end := now
	if d.ArchiveDate != nil {
		end = *d.ArchiveDate
	}
	return didResponse{
		Number:      d.Number,
		StartDate:   d.StartDate,
		EndDate:     d.EndDate,
		ArchiveDate: d.ArchiveDate,
		DaysActive:  d.DaysActive(end),
		LastAlertAt: d.LastAlertAt,
	}
}

func toProjectResponse(p *models.Project, now time.Time) projectResponse {
	resp := projectResponse{
		ID:           p.ID,
		Name:         p.Name,
		Description:  p.Description,
		GreetingFile: p.GreetingFile,
		IsCatchAll:   p.IsCatchAll,
		DIDs:         make([]didResponse, len(p.DIDs)),
		ArchivedDIDs: make([]didResponse, len(p.ArchivedDIDs)),
		Voicemails:   make([]voicemailResponse, len(p.Voicemails)),
		Notes:        p.Notes,
		CreatedAt:    p.CreatedAt,
	}
	for i, d := range p.DIDs {
		resp.DIDs[i] = toDIDResponse(d, now)
	}
	for i, d := range p.ArchivedDIDs {
		resp.ArchivedDIDs[i] = toDIDResponse(d, now)
	}
	for i := range p.Voicemails {
		resp.Voicemails[i] = toVoicemailResponse(p.Voicemails[i])
	}
	// Newest first, the order the dashboard lists them in.
	sort.SliceStable(resp.Voicemails, func(i, j int) bool {
		return resp.Voicemails[i].Timestamp.After(resp.Voicemails[j].Timestamp)
	})
	if resp.Notes == nil {
		resp.Notes = []models.Note{}
	}
	return resp
}

func toProjectSummary(p *models.Project) projectSummary {
	sum := projectSummary{
		ID:           p.ID,
		Name:         p.Name,
		IsCatchAll:   p.IsCatchAll,
		ActiveDIDs:   len(p.DIDs),
		ArchivedDIDs: len(p.ArchivedDIDs),
		Voicemails:   len(p.Voicemails),
		CreatedAt:    p.CreatedAt,
	}
	var last time.Time
	for _, vm := range p.Voicemails {
		if vm.IsNew {
			sum.NewVoicemails++
		}
		if vm.Timestamp.After(last) {
			last = vm.Timestamp
		}
	}
	if !last.IsZero() {
		ts := last.UTC().Format(time.RFC3339)
		sum.LastVoicemail = &ts
	}
	return sum
}

// handleListProjects returns a summary of every project, catch-all first.
func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects := s.deps.Registry.Projects()
	sort.SliceStable(projects, func(i, j int) bool {
		if projects[i].IsCatchAll != projects[j].IsCatchAll {
			return projects[i].IsCatchAll
		}
		return strings.ToLower(projects[i].Name) < strings.ToLower(projects[j].Name)
	})

	items := make([]projectSummary, len(projects))
	for i, p := range projects {
		items[i] = toProjectSummary(p)
	}
	writeJSON(w, http.StatusOK, items)
}

// handleGetProject returns one project with its DIDs, voicemails and notes.
func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Registry.Project(pathParam(r, "id"))
	if err != nil {
		s.writeRegistryError(w, "get project", err)
		return
	}
	writeJSON(w, http.StatusOK, toProjectResponse(p, s.nowFunc()))
}

type createProjectRequest struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	GreetingFile string   `json:"greetingFile"`
	IsCatchAll   bool     `json:"isCatchAll"`
	DIDs         []string `json:"dids"`
}

func (req *createProjectRequest) validate() string {
	if msg := firstError(
		validateProjectID("id", req.ID),
		validateRequiredStringLen("name", req.Name, maxNameLen),
		validateNoControlChars("name", req.Name),
		validateStringLen("description", req.Description, maxLongStringLen),
		validateNoControlChars("description", req.Description),
		validateGreeting("greetingFile", req.GreetingFile),
	); msg != "" {
		return msg
	}
	seen := make(map[string]bool, len(req.DIDs))
	for _, did := range req.DIDs {
		if msg := validateDID("dids", did); msg != "" {
			return msg
		}
		if seen[did] {
			return "dids contains " + did + " twice"
		}
		seen[did] = true
	}
	return ""
}

// handleCreateProject creates a project with optional initial DIDs.
func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	p, err := s.deps.Registry.CreateProject(r.Context(), registry.NewProject{
		ID:           req.ID,
		Name:         req.Name,
		Description:  req.Description,
		GreetingFile: req.GreetingFile,
		IsCatchAll:   req.IsCatchAll,
		DIDs:         req.DIDs,
	})
	if err != nil {
		s.writeRegistryError(w, "create project", err)
		return
	}

	s.logger.Info("project created via api",
		"project_id", p.ID,
		"operator", middleware.OperatorFromContext(r.Context()),
	)
	writeJSON(w, http.StatusCreated, toProjectResponse(p, s.nowFunc()))
}

type updateProjectRequest struct {
	Name         *string `json:"name"`
	Description  *string `json:"description"`
	GreetingFile *string `json:"greetingFile"`
}

func (req *updateProjectRequest) validate() string {
	if req.Name == nil && req.Description == nil && req.GreetingFile == nil {
		return "at least one of name, description or greetingFile is required"
	}
	var msgs []string
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		req.Name = &name
		msgs = append(msgs,
			validateRequiredStringLen("name", name, maxNameLen),
			validateNoControlChars("name", name),
		)
	}
	if req.Description != nil {
		msgs = append(msgs,
			validateStringLen("description", *req.Description, maxLongStringLen),
			validateNoControlChars("description", *req.Description),
		)
	}
	if req.GreetingFile != nil {
		msgs = append(msgs, validateGreeting("greetingFile", *req.GreetingFile))
	}
	return firstError(msgs...)
}

// handleUpdateProject edits a project's name, description or greeting.
// Omitted fields are left unchanged.
func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	var req updateProjectRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	p, err := s.deps.Registry.UpdateProject(r.Context(), pathParam(r, "id"), registry.ProjectUpdate{
		Name:         req.Name,
		Description:  req.Description,
		GreetingFile: req.GreetingFile,
	})
	if err != nil {
		s.writeRegistryError(w, "update project", err)
		return
	}

	s.logger.Info("project updated via api",
		"project_id", p.ID,
		"operator", middleware.OperatorFromContext(r.Context()),
	)
	writeJSON(w, http.StatusOK, toProjectResponse(p, s.nowFunc()))
}

// handleDeleteProject removes a project and deletes its stored audio.
func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	refs, err := s.deps.Registry.DeleteProject(r.Context(), id)
	if err != nil {
		s.writeRegistryError(w, "delete project", err)
		return
	}

	for _, ref := range refs {
		if err := s.deps.Audio.Remove(r.Context(), ref); err != nil {
			s.logger.Warn("delete project: failed to remove audio", "error", err, "audio_ref", ref, "project_id", id)
		}
	}

	s.logger.Info("project deleted via api",
		"project_id", id,
		"audio_files", len(refs),
		"operator", middleware.OperatorFromContext(r.Context()),
	)
	w.WriteHeader(http.StatusNoContent)
}

type addDIDRequest struct {
	Number string `json:"number"`
}

// handleAddDID assigns a DID to a project.
func (s *Server) handleAddDID(w http.ResponseWriter, r *http.Request) {
	var req addDIDRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	req.Number = strings.TrimSpace(req.Number)
	if msg := validateDID("number", req.Number); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	id := pathParam(r, "id")
	if err := s.deps.Registry.AddDID(r.Context(), id, req.Number); err != nil {
		s.writeRegistryError(w, "add did", err)
		return
	}
	s.writeProject(w, http.StatusCreated, id)
}

// maxBulkDIDs bounds one bulk add request.
const maxBulkDIDs = 500

type bulkDIDEntry struct {
	Number    string  `json:"number"`
	StartDate *string `json:"startDate"`
	EndDate   *string `json:"endDate"`
}

type bulkDIDRequest struct {
	DIDs []bulkDIDEntry `json:"dids"`
}

// parse validates the request and converts it for the registry.
func (req *bulkDIDRequest) parse(now time.Time) ([]registry.BulkDID, string) {
	if len(req.DIDs) == 0 {
		return nil, "dids is required"
	}
	if len(req.DIDs) > maxBulkDIDs {
		return nil, fmt.Sprintf("dids may contain at most %d entries", maxBulkDIDs)
	}

	out := make([]registry.BulkDID, len(req.DIDs))
	for i, e := range req.DIDs {
		number := strings.TrimSpace(e.Number)
		if msg := validateDID(fmt.Sprintf("dids[%d].number", i), number); msg != "" {
			return nil, msg
		}
		d := registry.BulkDID{Number: number}

		start := now
		if e.StartDate != nil {
			t, ok := parseDate(strings.TrimSpace(*e.StartDate))
			if !ok {
				return nil, fmt.Sprintf("dids[%d].startDate must be RFC 3339 or YYYY-MM-DD", i)
			}
			d.StartDate, start = t, t
		}
		if e.EndDate != nil {
			t, ok := parseDate(strings.TrimSpace(*e.EndDate))
			if !ok {
				return nil, fmt.Sprintf("dids[%d].endDate must be RFC 3339 or YYYY-MM-DD", i)
			}
			if !t.After(start) {
				return nil, fmt.Sprintf("dids[%d].endDate must be after its start date", i)
			}
			d.EndDate = &t
		}
		out[i] = d
	}
	return out, ""
}

// handleBulkAddDIDs assigns several DIDs, each with its own schedule, in one
// registry write. Numbers that already exist are reported as skipped.
func (s *Server) handleBulkAddDIDs(w http.ResponseWriter, r *http.Request) {
	var req bulkDIDRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	dids, msg := req.parse(s.nowFunc())
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	id := pathParam(r, "id")
	res, err := s.deps.Registry.BulkAddDIDs(r.Context(), id, dids)
	if err != nil {
		s.writeRegistryError(w, "bulk add dids", err)
		return
	}
	if len(res.Added) == 0 {
		writeError(w, http.StatusConflict, "all DIDs already exist")
		return
	}

	s.logger.Info("dids added via api",
		"project_id", id,
		"added", len(res.Added),
		"skipped", len(res.Skipped),
		"operator", middleware.OperatorFromContext(r.Context()),
	)
	writeJSON(w, http.StatusCreated, res)
}

// handleRemoveDID drops an active or archived DID from a project.
func (s *Server) handleRemoveDID(w http.ResponseWriter, r *http.Request) {
	id, did := pathParam(r, "id"), pathParam(r, "did")
	if err := s.deps.Registry.RemoveDID(r.Context(), id, did); err != nil {
		s.writeRegistryError(w, "remove did", err)
		return
	}
	s.logger.Info("did removed via api",
		"project_id", id,
		"did", did,
		"operator", middleware.OperatorFromContext(r.Context()),
	)
	w.WriteHeader(http.StatusNoContent)
}

// handleArchiveDID archives an active DID immediately.
func (s *Server) handleArchiveDID(w http.ResponseWriter, r *http.Request) {
	id, did := pathParam(r, "id"), pathParam(r, "did")
	if err := s.deps.Registry.ArchiveDID(r.Context(), id, did); err != nil {
		s.writeRegistryError(w, "archive did", err)
		return
	}
	s.writeProject(w, http.StatusOK, id)
}

type endDateRequest struct {
	// EndDate is RFC 3339 or YYYY-MM-DD (midnight UTC). Null clears it.
	EndDate *string `json:"endDate"`
}

// parseDate accepts RFC 3339 or YYYY-MM-DD (midnight UTC).
func parseDate(v string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// handleSetDIDEndDate schedules or clears automatic archival of a DID.
func (s *Server) handleSetDIDEndDate(w http.ResponseWriter, r *http.Request) {
	var req endDateRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	var end *time.Time
	if req.EndDate != nil {
		t, ok := parseDate(strings.TrimSpace(*req.EndDate))
		if !ok {
			writeError(w, http.StatusBadRequest, "endDate must be RFC 3339 or YYYY-MM-DD")
			return
		}
		end = &t
	}

	id, did := pathParam(r, "id"), pathParam(r, "did")
	if err := s.deps.Registry.SetDIDEndDate(r.Context(), id, did, end); err != nil {
		s.writeRegistryError(w, "set did end date", err)
		return
	}
	s.writeProject(w, http.StatusOK, id)
}

type noteRequest struct {
	Text string `json:"text"`
}

func (req *noteRequest) validate() string {
	req.Text = strings.TrimSpace(req.Text)
	return firstError(
		validateRequiredStringLen("text", req.Text, maxNoteLen),
		validateNoControlChars("text", req.Text),
	)
}

// handleAddProjectNote appends an operator note to a project.
func (s *Server) handleAddProjectNote(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	note, err := s.deps.Registry.AddProjectNote(r.Context(), pathParam(r, "id"), req.Text, middleware.OperatorFromContext(r.Context()))
	if err != nil {
		s.writeRegistryError(w, "add project note", err)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

// handleDeleteProjectNote removes one note from a project.
func (s *Server) handleDeleteProjectNote(w http.ResponseWriter, r *http.Request) {
	id, noteID := pathParam(r, "id"), pathParam(r, "noteId")
	if err := s.deps.Registry.DeleteProjectNote(r.Context(), id, noteID); err != nil {
		s.writeRegistryError(w, "delete project note", err)
		return
	}
	s.logger.Info("project note deleted via api",
		"project_id", id,
		"note_id", noteID,
		"operator", middleware.OperatorFromContext(r.Context()),
	)
	w.WriteHeader(http.StatusNoContent)
}

// writeProject responds with the current state of project id after a
// mutation.
func (s *Server) writeProject(w http.ResponseWriter, status int, id string) {
	p, err := s.deps.Registry.Project(id)
	if err != nil {
		s.writeRegistryError(w, "reload project", err)
		return
	}
	writeJSON(w, status, toProjectResponse(p, s.nowFunc()))
}
