package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flowpbx/vmrouter/internal/database/models"
)

// NewProject is the input to CreateProject.
type NewProject struct {
	ID           string
	Name         string
	Description  string
	GreetingFile string
	IsCatchAll   bool
	DIDs         []string
}

// CreateProject adds a project with the given initial DIDs. An empty ID is
// generated; the catch-all project always gets CatchAllProjectID.
func (r *Registry) CreateProject(ctx context.Context, in NewProject) (*models.Project, error) {
	now := r.nowFunc().UTC()
	p := &models.Project{
		ID:           in.ID,
		Name:         strings.TrimSpace(in.Name),
		Description:  in.Description,
		GreetingFile: in.GreetingFile,
		IsCatchAll:   in.IsCatchAll,
		CreatedAt:    now,
	}
	switch {
	case p.IsCatchAll:
		p.ID = models.CatchAllProjectID
	case p.ID == models.CatchAllProjectID:
		return nil, fmt.Errorf("%w: %s is reserved", ErrProjectExists, p.ID)
	case p.ID == "":
		p.ID = uuid.NewString()
	}
	normalize(p)

	err := r.mutate(ctx, func(projects []*models.Project) ([]*models.Project, error) {
		if p.IsCatchAll && findCatchAll(projects) != nil {
			return nil, ErrCatchAllExists
		}
		if findProject(projects, p.ID) != nil {
			return nil, fmt.Errorf("%w: %s", ErrProjectExists, p.ID)
		}
		for _, number := range in.DIDs {
			if err := checkDIDAvailable(projects, p, number); err != nil {
				return nil, err
			}
			p.DIDs = append(p.DIDs, models.DID{Number: number, StartDate: now})
		}
		return append(projects, p), nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("project created", "project_id", p.ID, "name", p.Name, "dids", len(p.DIDs))
	return p.Clone(), nil
}

// Projects returns a snapshot of every project.
func (r *Registry) Projects() []*models.Project {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Project, len(r.projects))
	for i, p := range r.projects {
		out[i] = p.Clone()
	}
	return out
}

// Project returns a copy of the project with the given id.
func (r *Registry) Project(id string) (*models.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p := findProject(r.projects, id); p != nil {
		return p.Clone(), nil
	}
	return nil, ErrProjectNotFound
}

// DeleteProject removes a project together with its DIDs and voicemails and
// returns the audio refs that are no longer referenced.
func (r *Registry) DeleteProject(ctx context.Context, id string) ([]string, error) {
	var refs []string
	err := r.mutate(ctx, func(projects []*models.Project) ([]*models.Project, error) {
		for i, p := range projects {
			if p.ID != id {
				continue
			}
			for _, vm := range p.Voicemails {
				refs = append(refs, vm.AudioRef)
			}
			return append(projects[:i], projects[i+1:]...), nil
		}
		return nil, ErrProjectNotFound
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("project deleted", "project_id", id, "voicemails", len(refs))
	return refs, nil
}

// ProjectUpdate holds the editable fields of a project. Nil fields are left
// unchanged.
type ProjectUpdate struct {
	Name         *string
	Description  *string
	GreetingFile *string
}

// UpdateProject edits a project's name, description and greeting.
func (r *Registry) UpdateProject(ctx context.Context, id string, u ProjectUpdate) (*models.Project, error) {
	var updated *models.Project
	err := r.mutate(ctx, func(projects []*models.Project) ([]*models.Project, error) {
		p := findProject(projects, id)
		if p == nil {
			return nil, ErrProjectNotFound
		}
		if u.Name != nil {
			name := strings.TrimSpace(*u.Name)
			if name == "" {
				return nil, fmt.Errorf("%w: name is empty", ErrInvalidProject)
			}
			p.Name = name
		}
		if u.Description != nil {
			p.Description = *u.Description
		}
		if u.GreetingFile != nil {
			p.GreetingFile = *u.GreetingFile
		}
		updated = p.Clone()
		return projects, nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("project updated", "project_id", id)
	return updated, nil
}

// checkDIDAvailable reports whether number may become active in target.
// Archived entries of target itself do not block re-activation.
func checkDIDAvailable(projects []*models.Project, target *models.Project, number string) error {
	if strings.TrimSpace(number) == "" {
		return ErrInvalidDID
	}
	if number == models.CatchAllDID {
		return ErrCatchAllDID
	}
	if target.HasActiveDID(number) {
		return fmt.Errorf("%w: %s", ErrDuplicateDID, number)
	}
	for _, p := range projects {
		if p.ID == target.ID {
			continue
		}
		if p.HasActiveDID(number) || p.HasArchivedDID(number) {
			return fmt.Errorf("%w: %s belongs to project %s", ErrDuplicateDID, number, p.ID)
		}
	}
	return nil
}

// AddDID assigns number to a project. The number must not be active or
// archived in any other project nor already active in this one. A number
// archived in this same project is re-activated with a fresh start date.
func (r *Registry) AddDID(ctx context.Context, projectID, number string) error {
	now := r.nowFunc().UTC()
	err := r.mutate(ctx, func(projects []*models.Project) ([]*models.Project, error) {
		p := findProject(projects, projectID)
		if p == nil {
			return nil, ErrProjectNotFound
		}
		if err := checkDIDAvailable(projects, p, number); err != nil {
			return nil, err
		}
		p.ArchivedDIDs = removeDID(p.ArchivedDIDs, number)
		p.DIDs = append(p.DIDs, models.DID{Number: number, StartDate: now})
		return projects, nil
	})
	if err != nil {
		return err
	}
	r.logger.Info("did added", "project_id", projectID, "did", number)
	return nil
}

// BulkDID is one entry of a BulkAddDIDs request. A zero StartDate means
// now.
type BulkDID struct {
	Number    string
	StartDate time.Time
	EndDate   *time.Time
}

// BulkResult lists which numbers a bulk add assigned and which it skipped
// because they already exist.
type BulkResult struct {
	Added   []string `json:"added"`
	Skipped []string `json:"skipped"`
}

// BulkAddDIDs assigns several DIDs to a project in one write. Numbers that
// are already active or archived elsewhere, or active in this project, are
// skipped. An empty or sentinel number fails the whole batch.
func (r *Registry) BulkAddDIDs(ctx context.Context, projectID string, dids []BulkDID) (BulkResult, error) {
	now := r.nowFunc().UTC()
	var res BulkResult
	err := r.mutate(ctx, func(projects []*models.Project) ([]*models.Project, error) {
		res = BulkResult{Added: []string{}, Skipped: []string{}}
		p := findProject(projects, projectID)
		if p == nil {
			return nil, ErrProjectNotFound
		}
		for _, in := range dids {
			err := checkDIDAvailable(projects, p, in.Number)
			if errors.Is(err, ErrDuplicateDID) {
				res.Skipped = append(res.Skipped, in.Number)
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("%s: %w", in.Number, err)
			}

			d := models.DID{Number: in.Number, StartDate: now}
			if !in.StartDate.IsZero() {
				d.StartDate = in.StartDate.UTC()
			}
			if in.EndDate != nil {
				end := in.EndDate.UTC()
				d.EndDate = &end
			}
			p.ArchivedDIDs = removeDID(p.ArchivedDIDs, in.Number)
			p.DIDs = append(p.DIDs, d)
			res.Added = append(res.Added, in.Number)
		}
		if len(res.Added) == 0 {
			return nil, errNoChange
		}
		return projects, nil
	})
	if err != nil {
		return BulkResult{}, err
	}
	r.logger.Info("dids added in bulk", "project_id", projectID, "added", len(res.Added), "skipped", len(res.Skipped))
	return res, nil
}

// RemoveDID drops an active or archived DID from a project entirely, freeing
// the number for other projects.
func (r *Registry) RemoveDID(ctx context.Context, projectID, number string) error {
	return r.mutate(ctx, func(projects []*models.Project) ([]*models.Project, error) {
		p := findProject(projects, projectID)
		if p == nil {
			return nil, ErrProjectNotFound
		}
		if !p.HasActiveDID(number) && !p.HasArchivedDID(number) {
			return nil, ErrDIDNotFound
		}
		p.DIDs = removeDID(p.DIDs, number)
		p.ArchivedDIDs = removeDID(p.ArchivedDIDs, number)
		return projects, nil
	})
}

// ArchiveDID moves an active DID to the project's archived list. Archiving a
// number that is already archived is a no-op.
func (r *Registry) ArchiveDID(ctx context.Context, projectID, number string) error {
	now := r.nowFunc().UTC()
	alreadyArchived := false
	err := r.mutate(ctx, func(projects []*models.Project) ([]*models.Project, error) {
		p := findProject(projects, projectID)
		if p == nil {
			return nil, ErrProjectNotFound
		}
		d := p.ActiveDID(number)
		if d == nil {
			if p.HasArchivedDID(number) {
				alreadyArchived = true
				return nil, errNoChange
			}
			return nil, ErrDIDNotFound
		}
		archived := d.Clone()
		archived.Archived = true
		archived.ArchiveDate = &now
		p.DIDs = removeDID(p.DIDs, number)
		p.ArchivedDIDs = append(p.ArchivedDIDs, archived)
		return projects, nil
	})
	if err != nil || alreadyArchived {
		return err
	}
	r.logger.Info("did archived", "project_id", projectID, "did", number)
	return nil
}

// MarkAlerted records that the age alert for an active DID was sent at t.
func (r *Registry) MarkAlerted(ctx context.Context, projectID, number string, t time.Time) error {
	return r.mutate(ctx, func(projects []*models.Project) ([]*models.Project, error) {
		p := findProject(projects, projectID)
		if p == nil {
			return nil, ErrProjectNotFound
		}
		d := p.ActiveDID(number)
		if d == nil {
			return nil, ErrDIDNotFound
		}
		at := t.UTC()
		d.LastAlertAt = &at
		return projects, nil
	})
}

// SetDIDEndDate schedules (or, with nil, clears) the date on which the
// lifecycle monitor archives an active DID.
func (r *Registry) SetDIDEndDate(ctx context.Context, projectID, number string, end *time.Time) error {
	return r.mutate(ctx, func(projects []*models.Project) ([]*models.Project, error) {
		p := findProject(projects, projectID)
		if p == nil {
			return nil, ErrProjectNotFound
		}
		d := p.ActiveDID(number)
		if d == nil {
			return nil, ErrDIDNotFound
		}
		if end == nil {
			d.EndDate = nil
			return projects, nil
		}
		at := end.UTC()
		d.EndDate = &at
		return projects, nil
	})
}

// AddProjectNote appends an operator note to a project.
func (r *Registry) AddProjectNote(ctx context.Context, projectID, text, author string) (models.Note, error) {
	note := r.newNote(text, author)
	err := r.mutate(ctx, func(projects []*models.Project) ([]*models.Project, error) {
		p := findProject(projects, projectID)
		if p == nil {
			return nil, ErrProjectNotFound
		}
		p.Notes = append(p.Notes, note)
		return projects, nil
	})
	return note, err
}

// DeleteProjectNote removes one note from a project.
func (r *Registry) DeleteProjectNote(ctx context.Context, projectID, noteID string) error {
	return r.mutate(ctx, func(projects []*models.Project) ([]*models.Project, error) {
		p := findProject(projects, projectID)
		if p == nil {
			return nil, ErrProjectNotFound
		}
		for i, n := range p.Notes {
			if n.ID == noteID {
				p.Notes = append(p.Notes[:i], p.Notes[i+1:]...)
				return projects, nil
			}
		}
		return nil, ErrNoteNotFound
	})
}

func (r *Registry) newNote(text, author string) models.Note {
	return models.Note{
		ID:        uuid.NewString(),
		Text:      text,
		CreatedAt: r.nowFunc().UTC(),
		CreatedBy: author,
	}
}

func removeDID(dids []models.DID, number string) []models.DID {
	out := dids[:0]
	for _, d := range dids {
		if d.Number != number {
			out = append(out, d)
		}
	}
	return out
}
