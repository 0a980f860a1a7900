package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/vmrouter/internal/database"
	"github.com/flowpbx/vmrouter/internal/database/models"
	"github.com/flowpbx/vmrouter/internal/notify"
	"github.com/flowpbx/vmrouter/internal/registry"
)

const day = 24 * time.Hour

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingAlerter struct {
	mu      sync.Mutex
	alerts  []notify.DIDAgeAlert
	err     error
	panicOn string
}

func (a *recordingAlerter) DIDAlert(_ context.Context, alert notify.DIDAgeAlert) error {
	if alert.DID == a.panicOn {
		panic("alert transport exploded")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.alerts = append(a.alerts, alert)
	return nil
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

func openRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, t.TempDir())
	if err != nil {
		t.Fatalf("database.Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	reg := registry.New(database.NewDocumentRepository(db), testLogger())
	if err := reg.Load(ctx); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	return reg
}

func newMonitor(reg Registry, alerter Alerter, cooldown time.Duration, now *time.Time) *Monitor {
	m := New(Config{AlertCooldown: cooldown}, reg, alerter, testLogger())
	m.nowFunc = func() time.Time { return *now }
	return m
}

func TestMonitorAlertThenArchive(t *testing.T) {
	ctx := context.Background()
	reg := openRegistry(t)

	p, err := reg.CreateProject(ctx, registry.NewProject{Name: "Sales", DIDs: []string{"+15551230000"}})
	if err != nil {
		t.Fatal(err)
	}
	start := p.DIDs[0].StartDate

	alerter := &recordingAlerter{}
	now := start.Add(90 * day)
	m := newMonitor(reg, alerter, 7*day, &now)

	// Day 90: at the threshold, alert.
	rep := m.RunOnce(ctx)
	if rep.Alerted != 1 || rep.Archived != 0 || rep.Failed != 0 {
		t.Fatalf("day 90 report = %+v, want one alert", rep)
	}
	a := alerter.alerts[0]
	if a.DID != "+15551230000" || a.ProjectName != "Sales" || a.DaysActive != 90 {
		t.Errorf("alert = %+v", a)
	}

	// Day 91 without an end date: still active.
	now = start.Add(91 * day)
	rep = m.RunOnce(ctx)
	if rep.Archived != 0 {
		t.Fatalf("day 91 report = %+v, want no archive", rep)
	}
	if _, err := reg.Resolve("+15551230000"); err != nil {
		t.Fatalf("DID no longer active on day 91: %v", err)
	}

	// End date of day 91: archived on the next scan.
	end := start.Add(91 * day)
	if err := reg.SetDIDEndDate(ctx, p.ID, "+15551230000", &end); err != nil {
		t.Fatal(err)
	}
	rep = m.RunOnce(ctx)
	if rep.Archived != 1 {
		t.Fatalf("report after end date = %+v, want one archive", rep)
	}

	got, _ := reg.Project(p.ID)
	if len(got.DIDs) != 0 || len(got.ArchivedDIDs) != 1 {
		t.Fatalf("dids = %+v, archived = %+v", got.DIDs, got.ArchivedDIDs)
	}
	if got.ArchivedDIDs[0].ArchiveDate == nil {
		t.Error("archived DID has no archive date")
	}
	if _, err := reg.Resolve("+15551230000"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("Resolve() after archive error = %v, want ErrNotFound", err)
	}

	// Re-running immediately is harmless.
	rep = m.RunOnce(ctx)
	if rep.Scanned != 0 || rep.Failed != 0 {
		t.Errorf("rerun report = %+v, want empty", rep)
	}
}

func TestMonitorAlertCooldown(t *testing.T) {
	tests := []struct {
		name     string
		cooldown time.Duration
		days     []int
		want     int
	}{
		{"repeat every scan", 0, []int{90, 91, 92}, 3},
		{"weekly", 7 * day, []int{90, 91, 96, 97, 98}, 2},
		{"below threshold", 7 * day, []int{10, 89}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			reg := openRegistry(t)
			p, err := reg.CreateProject(ctx, registry.NewProject{Name: "Support", DIDs: []string{"+15559990000"}})
			if err != nil {
				t.Fatal(err)
			}
			start := p.DIDs[0].StartDate

			alerter := &recordingAlerter{}
			var now time.Time
			m := newMonitor(reg, alerter, tt.cooldown, &now)
			for _, d := range tt.days {
				now = start.Add(time.Duration(d) * day)
				m.RunOnce(ctx)
			}
			if got := alerter.count(); got != tt.want {
				t.Errorf("alerts = %d, want %d", got, tt.want)
			}
		})
	}
}

// fakeRegistry serves a fixed DID list and can fail archives.
type fakeRegistry struct {
	mu         sync.Mutex
	dids       []registry.ProjectDID
	archiveErr map[string]error
	archived   []string
	marked     []string
}

func (f *fakeRegistry) ActiveDIDs() []registry.ProjectDID { return f.dids }
func (f *fakeRegistry) Settings() models.Settings         { return models.DefaultSettings() }

func (f *fakeRegistry) ArchiveDID(_ context.Context, _, number string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.archiveErr[number]; err != nil {
		return err
	}
	f.archived = append(f.archived, number)
	return nil
}

func (f *fakeRegistry) MarkAlerted(_ context.Context, _, number string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, number)
	return nil
}

func TestMonitorIsolatesFailures(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-day)
	old := now.Add(-200 * day)

	reg := &fakeRegistry{
		dids: []registry.ProjectDID{
			{ProjectID: "a", DID: models.DID{Number: "+1000", StartDate: old, EndDate: &past}},
			{ProjectID: "a", DID: models.DID{Number: "+1001"}},
			{ProjectID: "b", DID: models.DID{Number: "+1002", StartDate: old}},
			{ProjectID: "b", DID: models.DID{Number: "+1003", StartDate: old, EndDate: &past}},
			{ProjectID: "c", DID: models.DID{Number: "+1004", StartDate: old}},
			{ProjectID: "c", DID: models.DID{Number: "+1005", StartDate: now}},
		},
		archiveErr: map[string]error{"+1003": errors.New("disk full")},
	}
	alerter := &recordingAlerter{panicOn: "+1002"}
	m := newMonitor(reg, alerter, 0, &now)

	rep := m.RunOnce(context.Background())
	want := Report{Scanned: 6, Archived: 1, Alerted: 1, Failed: 3}
	if rep != want {
		t.Errorf("report = %+v, want %+v", rep, want)
	}
	if len(reg.archived) != 1 || reg.archived[0] != "+1000" {
		t.Errorf("archived = %v, want [+1000]", reg.archived)
	}
	if len(reg.marked) != 1 || reg.marked[0] != "+1004" {
		t.Errorf("marked = %v, want [+1004]", reg.marked)
	}

	s := m.Stats()
	if s.Runs != 1 || s.Failed != 3 || s.Archived != 1 || s.Alerted != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestMonitorAlertFailureNotStamped(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	reg := &fakeRegistry{
		dids: []registry.ProjectDID{
			{ProjectID: "a", DID: models.DID{Number: "+2000", StartDate: now.Add(-100 * day)}},
		},
	}
	alerter := &recordingAlerter{err: errors.New("smtp down")}
	m := newMonitor(reg, alerter, 7*day, &now)

	rep := m.RunOnce(context.Background())
	if rep.Failed != 1 || rep.Alerted != 0 {
		t.Errorf("report = %+v, want one failure", rep)
	}
	if len(reg.marked) != 0 {
		t.Errorf("marked = %v, want none after failed delivery", reg.marked)
	}
}

func TestMonitorRunSchedules(t *testing.T) {
	reg := &fakeRegistry{}
	m := New(Config{Interval: 10 * time.Millisecond, FirstRunDelay: time.Millisecond}, reg, &recordingAlerter{}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for m.Stats().Runs < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("runs = %d after 2s, want >= 2", m.Stats().Runs)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
