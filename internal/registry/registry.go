// Package registry owns the project list: which project each DID belongs to,
// the catch-all fallback, and the voicemails filed under each project.
//
// All mutations are serialised behind one write lock and persisted as a whole
// document before they become visible. Readers get deep copies.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowpbx/vmrouter/internal/database"
	"github.com/flowpbx/vmrouter/internal/database/models"
)

// Document names used in the Store.
const (
	ProjectsDocument = "projects"
	SettingsDocument = "settings"
)

// Catch-all project defaults applied when the project is created lazily.
const (
	catchAllName        = "General Voicemail Box"
	catchAllDescription = "Voicemails from unrecognized DIDs"
)

var (
	ErrNotFound          = errors.New("no project owns this DID")
	ErrDuplicateDID      = errors.New("DID already assigned")
	ErrProjectNotFound   = errors.New("project not found")
	ErrProjectExists     = errors.New("project already exists")
	ErrDIDNotFound       = errors.New("DID not found in project")
	ErrCatchAllExists    = errors.New("a catch-all project already exists")
	ErrCatchAllDID       = errors.New("the catch-all sentinel cannot be assigned as a DID")
	ErrInvalidDID        = errors.New("DID number is empty")
	ErrVoicemailNotFound = errors.New("voicemail not found")
	ErrNoteNotFound      = errors.New("note not found")
	ErrInvalidProject    = errors.New("invalid project")
	ErrInvalidSettings   = errors.New("invalid settings")

	// ErrStore wraps every failure of the durable store.
	ErrStore = errors.New("registry store failure")

	// errNoChange lets a mutation finish successfully without a write.
	errNoChange = errors.New("no change")
)

// Store is the durable document store behind the registry. LoadDocument
// returns database.ErrDocumentNotFound for a document never saved.
type Store interface {
	LoadDocument(ctx context.Context, name string) ([]byte, error)
	SaveDocument(ctx context.Context, name string, body []byte) error
}

// Registry is the in-memory project registry.
type Registry struct {
	store   Store
	logger  *slog.Logger
	nowFunc func() time.Time

	mu       sync.RWMutex
	projects []*models.Project
	byDID    map[string]*models.Project
	settings models.Settings
}

// New creates an empty registry. Call Load before use.
func New(store Store, logger *slog.Logger) *Registry {
	return &Registry{
		store:    store,
		logger:   logger.With("subsystem", "registry"),
		nowFunc:  time.Now,
		byDID:    make(map[string]*models.Project),
		settings: models.DefaultSettings(),
	}
}

// Load reads both documents from the store, replacing in-memory state.
// Missing documents mean no projects and default settings.
func (r *Registry) Load(ctx context.Context) error {
	projects, err := r.loadProjects(ctx)
	if err != nil {
		return err
	}
	settings, err := r.loadSettings(ctx)
	if err != nil {
		return err
	}
	if err := validateProjects(projects); err != nil {
		return fmt.Errorf("loading projects: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.projects = projects
	r.settings = settings
	r.reindex()

	r.logger.Info("registry loaded",
		"projects", len(projects),
		"active_dids", len(r.byDID),
		"catch_all_enabled", settings.CatchAllEnabled,
	)
	return nil
}

func (r *Registry) loadProjects(ctx context.Context) ([]*models.Project, error) {
	body, err := r.store.LoadDocument(ctx, ProjectsDocument)
	if errors.Is(err, database.ErrDocumentNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loading projects: %w", ErrStore, err)
	}

	var projects []*models.Project
	if err := json.Unmarshal(body, &projects); err != nil {
		return nil, fmt.Errorf("decoding projects document: %w", err)
	}
	for _, p := range projects {
		normalize(p)
	}
	return projects, nil
}

func (r *Registry) loadSettings(ctx context.Context) (models.Settings, error) {
	settings := models.DefaultSettings()
	body, err := r.store.LoadDocument(ctx, SettingsDocument)
	if errors.Is(err, database.ErrDocumentNotFound) {
		return settings, nil
	}
	if err != nil {
		return settings, fmt.Errorf("%w: loading settings: %w", ErrStore, err)
	}
	// Fields absent from the stored document keep their defaults.
	if err := json.Unmarshal(body, &settings); err != nil {
		return settings, fmt.Errorf("decoding settings document: %w", err)
	}
	return settings, nil
}

// validateProjects checks the invariants a hand-edited document could break.
func validateProjects(projects []*models.Project) error {
	ids := make(map[string]bool, len(projects))
	owner := make(map[string]string)
	catchAll := ""
	for _, p := range projects {
		if p.ID == "" {
			return errors.New("project with empty id")
		}
		if ids[p.ID] {
			return fmt.Errorf("%w: %s", ErrProjectExists, p.ID)
		}
		ids[p.ID] = true

		if p.IsCatchAll {
			if catchAll != "" {
				return fmt.Errorf("%w: %s and %s", ErrCatchAllExists, catchAll, p.ID)
			}
			catchAll = p.ID
		}
		for _, d := range p.DIDs {
			if prev, ok := owner[d.Number]; ok {
				return fmt.Errorf("%w: %s in %s and %s", ErrDuplicateDID, d.Number, prev, p.ID)
			}
			owner[d.Number] = p.ID
		}
	}
	return nil
}

func normalize(p *models.Project) {
	if p.DIDs == nil {
		p.DIDs = []models.DID{}
	}
	if p.ArchivedDIDs == nil {
		p.ArchivedDIDs = []models.DID{}
	}
	if p.Voicemails == nil {
		p.Voicemails = []models.Voicemail{}
	}
	if p.Notes == nil {
		p.Notes = []models.Note{}
	}
}

// reindex rebuilds the DID lookup. Caller must hold the write lock.
func (r *Registry) reindex() {
	byDID := make(map[string]*models.Project, len(r.byDID))
	for _, p := range r.projects {
		for _, d := range p.DIDs {
			byDID[d.Number] = p
		}
	}
	r.byDID = byDID
}

// mutate runs fn against a private copy of the project list and, if fn
// succeeds, persists the copy and swaps it in. A failed fn or a failed save
// leaves the visible state untouched.
func (r *Registry) mutate(ctx context.Context, fn func(projects []*models.Project) ([]*models.Project, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make([]*models.Project, len(r.projects))
	for i, p := range r.projects {
		next[i] = p.Clone()
	}

	next, err := fn(next)
	if errors.Is(err, errNoChange) {
		return nil
	}
	if err != nil {
		return err
	}

	body, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encoding projects: %w", err)
	}
	if err := r.store.SaveDocument(ctx, ProjectsDocument, body); err != nil {
		return fmt.Errorf("%w: saving projects: %w", ErrStore, err)
	}

	r.projects = next
	r.reindex()
	return nil
}

func findProject(projects []*models.Project, id string) *models.Project {
	for _, p := range projects {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func findCatchAll(projects []*models.Project) *models.Project {
	for _, p := range projects {
		if p.IsCatchAll {
			return p
		}
	}
	return nil
}

// Resolve returns a copy of the project whose active DIDs contain did.
func (r *Registry) Resolve(did string) (*models.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byDID[did]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

// CatchAll returns a copy of the catch-all project if one exists.
func (r *Registry) CatchAll() (*models.Project, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p := findCatchAll(r.projects); p != nil {
		return p.Clone(), true
	}
	return nil, false
}

// Settings returns the current settings.
func (r *Registry) Settings() models.Settings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings
}

// UpdateSettings applies fn to a copy of the settings, validates and persists
// the result. fn may return an error to abort.
func (r *Registry) UpdateSettings(ctx context.Context, fn func(*models.Settings) error) (models.Settings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.settings
	if err := fn(&next); err != nil {
		return r.settings, err
	}
	if err := validateSettings(next); err != nil {
		return r.settings, err
	}

	body, err := json.Marshal(next)
	if err != nil {
		return r.settings, fmt.Errorf("encoding settings: %w", err)
	}
	if err := r.store.SaveDocument(ctx, SettingsDocument, body); err != nil {
		return r.settings, fmt.Errorf("%w: saving settings: %w", ErrStore, err)
	}

	if next.CatchAllEnabled != r.settings.CatchAllEnabled {
		r.logger.Info("catch-all toggled", "enabled", next.CatchAllEnabled)
	}
	r.settings = next
	return next, nil
}

func validateSettings(s models.Settings) error {
	switch {
	case s.RetentionDays < 0:
		return fmt.Errorf("%w: retention days must not be negative", ErrInvalidSettings)
	case s.AlertThresholdDays <= 0:
		return fmt.Errorf("%w: alert threshold must be positive", ErrInvalidSettings)
	case s.MaxMessageLength <= 0:
		return fmt.Errorf("%w: max message length must be positive", ErrInvalidSettings)
	}
	return nil
}

// DialplanFlags returns the channel variables the dialplan branches on.
func (r *Registry) DialplanFlags(did string) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.byDID[did]
	return map[string]string{
		"DID_EXISTS":        flag(exists),
		"CATCH_ALL_ENABLED": flag(r.settings.CatchAllEnabled),
	}
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
