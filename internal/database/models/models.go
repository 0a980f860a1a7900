package models

import "time"

// CatchAllDID is the sentinel DID recorded on voicemails left through the
// catch-all greeting.
const CatchAllDID = "catch-all"

// CatchAllProjectID is the fixed ID of the lazily created catch-all project.
const CatchAllProjectID = "catch-all"

// DurationUnknown marks a voicemail whose length could not be probed.
const DurationUnknown time.Duration = -1

// SystemConfig represents a key-value configuration entry.
type SystemConfig struct {
	ID        int64
	Key       string
	Value     string
	UpdatedAt time.Time
}

// AdminUser represents an operator allowed to use the admin API.
type AdminUser struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Project groups a set of DIDs and the voicemails left on them.
type Project struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Description  string      `json:"description,omitempty"`
	GreetingFile string      `json:"greetingFile,omitempty"`
	DIDs         []DID       `json:"dids"`
	ArchivedDIDs []DID       `json:"archivedDids"`
	Voicemails   []Voicemail `json:"voicemails"`
	Notes        []Note      `json:"notes"`
	IsCatchAll   bool        `json:"isCatchAll"`
	CreatedAt    time.Time   `json:"createdAt"`
}

// HasActiveDID reports whether number is in the project's active DID set.
func (p *Project) HasActiveDID(number string) bool {
	return p.activeIndex(number) >= 0
}

// HasArchivedDID reports whether number was archived from this project.
func (p *Project) HasArchivedDID(number string) bool {
	for _, d := range p.ArchivedDIDs {
		if d.Number == number {
			return true
		}
	}
	return false
}

// ActiveDID returns a pointer into the active DID slice, or nil.
func (p *Project) ActiveDID(number string) *DID {
	if i := p.activeIndex(number); i >= 0 {
		return &p.DIDs[i]
	}
	return nil
}

func (p *Project) activeIndex(number string) int {
	for i, d := range p.DIDs {
		if d.Number == number {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy so callers can read it without holding locks.
func (p *Project) Clone() *Project {
	c := *p
	c.DIDs = cloneDIDs(p.DIDs)
	c.ArchivedDIDs = cloneDIDs(p.ArchivedDIDs)
	c.Notes = make([]Note, len(p.Notes))
	copy(c.Notes, p.Notes)
	c.Voicemails = make([]Voicemail, len(p.Voicemails))
	for i := range p.Voicemails {
		c.Voicemails[i] = p.Voicemails[i].Clone()
	}
	return &c
}

func cloneDIDs(in []DID) []DID {
	out := make([]DID, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}

// DID is a dialed number owned by a project.
type DID struct {
	Number      string     `json:"number"`
	StartDate   time.Time  `json:"startDate"`
	EndDate     *time.Time `json:"endDate,omitempty"`
	Archived    bool       `json:"archived"`
	ArchiveDate *time.Time `json:"archiveDate,omitempty"`

	// LastAlertAt is when the age alert was last emitted for this DID.
	LastAlertAt *time.Time `json:"lastAlertAt,omitempty"`
}

// Clone returns a copy that shares no pointers with d.
func (d DID) Clone() DID {
	d.EndDate = cloneTime(d.EndDate)
	d.ArchiveDate = cloneTime(d.ArchiveDate)
	d.LastAlertAt = cloneTime(d.LastAlertAt)
	return d
}

// DaysActive returns the number of whole days between StartDate and now.
func (d DID) DaysActive(now time.Time) int {
	return int(now.Sub(d.StartDate).Hours() / 24)
}

// Voicemail is a single recorded message. It is created once by ingestion;
// only IsNew and Notes change afterwards.
type Voicemail struct {
	ID            string        `json:"id"`
	Caller        string        `json:"caller"`
	DID           string        `json:"did"`
	Timestamp     time.Time     `json:"timestamp"` // when ingestion filed it
	CallStartedAt *time.Time    `json:"callStartedAt,omitempty"`
	Duration      time.Duration `json:"duration"`
	Transcription *string       `json:"transcription,omitempty"`
	AudioRef      string        `json:"audioRef"`
	IsNew         bool          `json:"isNew"`
	IsCatchAll    bool          `json:"isCatchAll"`
	Notes         []Note        `json:"notes,omitempty"`
}

// Clone returns a deep copy of v.
func (v Voicemail) Clone() Voicemail {
	if v.Transcription != nil {
		t := *v.Transcription
		v.Transcription = &t
	}
	v.CallStartedAt = cloneTime(v.CallStartedAt)
	if v.Notes != nil {
		notes := make([]Note, len(v.Notes))
		copy(notes, v.Notes)
		v.Notes = notes
	}
	return v
}

// DurationKnown reports whether the duration probe succeeded.
func (v Voicemail) DurationKnown() bool {
	return v.Duration >= 0
}

// Note is an operator annotation on a project or voicemail.
type Note struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	CreatedBy string    `json:"createdBy"`
}

// Settings holds the routing and retention options shared by all projects.
type Settings struct {
	CatchAllEnabled      bool   `json:"catchAllEnabled"`
	CatchAllGreeting     string `json:"catchAllGreeting"`
	DefaultGreeting      string `json:"defaultGreeting"`
	RetentionDays        int    `json:"retentionDays"`
	AlertThresholdDays   int    `json:"alertThresholdDays"`
	MaxMessageLength     int    `json:"maxMessageLength"`
	TranscriptionEnabled bool   `json:"transcriptionEnabled"`
	NotificationEmail    string `json:"notificationEmail"`
}

// DefaultSettings returns the settings used before any have been saved.
func DefaultSettings() Settings {
	return Settings{
		CatchAllEnabled:      false,
		CatchAllGreeting:     "catch-all-greeting",
		DefaultGreeting:      "vm-intro",
		RetentionDays:        30,
		AlertThresholdDays:   90,
		MaxMessageLength:     300,
		TranscriptionEnabled: true,
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
