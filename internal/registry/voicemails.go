package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/flowpbx/vmrouter/internal/database/models"
)

// AppendVoicemail files vm under projectID. The catch-all project ID (or the
// catch-all sentinel) targets the catch-all project, which is created on
// first use.
func (r *Registry) AppendVoicemail(ctx context.Context, projectID string, vm models.Voicemail) error {
	created := false
	var filedUnder string
	err := r.mutate(ctx, func(projects []*models.Project) ([]*models.Project, error) {
		var p *models.Project
		if projectID == models.CatchAllProjectID || projectID == models.CatchAllDID {
			p = findCatchAll(projects)
			if p == nil {
				p = r.newCatchAll()
				projects = append(projects, p)
				created = true
			}
		} else {
			p = findProject(projects, projectID)
		}
		if p == nil {
			return nil, ErrProjectNotFound
		}
		if vm.Notes == nil {
			vm.Notes = []models.Note{}
		}
		p.Voicemails = append(p.Voicemails, vm.Clone())
		filedUnder = p.ID
		return projects, nil
	})
	if err != nil {
		return err
	}

	if created {
		r.logger.Info("catch-all project created", "project_id", filedUnder)
	}
	r.logger.Debug("voicemail appended", "project_id", filedUnder, "voicemail_id", vm.ID)
	return nil
}

func (r *Registry) newCatchAll() *models.Project {
	p := &models.Project{
		ID:          models.CatchAllProjectID,
		Name:        catchAllName,
		Description: catchAllDescription,
		IsCatchAll:  true,
		CreatedAt:   r.nowFunc().UTC(),
	}
	normalize(p)
	return p
}

// FindVoicemail returns a copy of a voicemail and the ID of its project.
func (r *Registry) FindVoicemail(id string) (models.Voicemail, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.projects {
		for _, vm := range p.Voicemails {
			if vm.ID == id {
				return vm.Clone(), p.ID, nil
			}
		}
	}
	return models.Voicemail{}, "", ErrVoicemailNotFound
}

// MarkVoicemailRead clears IsNew. It reports whether the flag changed so the
// caller can tell a first listen from a repeat.
func (r *Registry) MarkVoicemailRead(ctx context.Context, id string) (bool, error) {
	changed := false
	err := r.mutate(ctx, func(projects []*models.Project) ([]*models.Project, error) {
		vm := findVoicemail(projects, id)
		if vm == nil {
			return nil, ErrVoicemailNotFound
		}
		if !vm.IsNew {
			return nil, errNoChange
		}
		vm.IsNew = false
		changed = true
		return projects, nil
	})
	return changed, err
}

// AddVoicemailNote appends an operator note to a voicemail.
func (r *Registry) AddVoicemailNote(ctx context.Context, id, text, author string) (models.Note, error) {
	note := r.newNote(text, author)
	err := r.mutate(ctx, func(projects []*models.Project) ([]*models.Project, error) {
		vm := findVoicemail(projects, id)
		if vm == nil {
			return nil, ErrVoicemailNotFound
		}
		vm.Notes = append(vm.Notes, note)
		return projects, nil
	})
	return note, err
}

// PurgeVoicemails drops every voicemail recorded before the cutoff and
// returns their audio refs so the caller can delete the files.
func (r *Registry) PurgeVoicemails(ctx context.Context, before time.Time) ([]string, error) {
	var refs []string
	err := r.mutate(ctx, func(projects []*models.Project) ([]*models.Project, error) {
		for _, p := range projects {
			kept := p.Voicemails[:0]
			for _, vm := range p.Voicemails {
				if vm.Timestamp.Before(before) {
					refs = append(refs, vm.AudioRef)
					continue
				}
				kept = append(kept, vm)
			}
			p.Voicemails = kept
		}
		if len(refs) == 0 {
			return nil, errNoChange
		}
		return projects, nil
	})
	if err != nil {
		return nil, fmt.Errorf("purging voicemails: %w", err)
	}
	return refs, nil
}

func findVoicemail(projects []*models.Project, id string) *models.Voicemail {
	for _, p := range projects {
		for i := range p.Voicemails {
			if p.Voicemails[i].ID == id {
				return &p.Voicemails[i]
			}
		}
	}
	return nil
}
