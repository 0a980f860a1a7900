package registry

import "github.com/flowpbx/vmrouter/internal/database/models"

// ProjectDID pairs an active DID with the project that owns it.
type ProjectDID struct {
	ProjectID   string
	ProjectName string
	DID         models.DID
}

// ActiveDIDs returns a point-in-time copy of every active DID. The lifecycle
// monitor scans this copy without holding the registry lock.
func (r *Registry) ActiveDIDs() []ProjectDID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ProjectDID
	for _, p := range r.projects {
		for _, d := range p.DIDs {
			out = append(out, ProjectDID{ProjectID: p.ID, ProjectName: p.Name, DID: d.Clone()})
		}
	}
	return out
}

// Counts summarises the registry for metrics.
type Counts struct {
	Projects      int
	ActiveDIDs    int
	ArchivedDIDs  int
	Voicemails    int
	NewVoicemails int
}

// Counts returns current totals.
func (r *Registry) Counts() Counts {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := Counts{Projects: len(r.projects)}
	for _, p := range r.projects {
		c.ActiveDIDs += len(p.DIDs)
		c.ArchivedDIDs += len(p.ArchivedDIDs)
		c.Voicemails += len(p.Voicemails)
		for _, vm := range p.Voicemails {
			if vm.IsNew {
				c.NewVoicemails++
			}
		}
	}
	return c
}
