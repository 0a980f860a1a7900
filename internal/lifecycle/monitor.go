// Package lifecycle archives DIDs past their end date and raises alerts for
// DIDs that have been active longer than the configured threshold. It runs on
// its own schedule and never reacts to call traffic.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/flowpbx/vmrouter/internal/database/models"
	"github.com/flowpbx/vmrouter/internal/notify"
	"github.com/flowpbx/vmrouter/internal/registry"
)

const (
	defaultInterval      = 24 * time.Hour
	defaultFirstRunDelay = time.Minute
)

// errMissingStartDate marks a DID whose age cannot be computed.
var errMissingStartDate = errors.New("did has no start date")

// Registry is the part of the project registry the monitor needs.
type Registry interface {
	ActiveDIDs() []registry.ProjectDID
	Settings() models.Settings
	ArchiveDID(ctx context.Context, projectID, number string) error
	MarkAlerted(ctx context.Context, projectID, number string, t time.Time) error
}

// Alerter delivers DID age alerts.
type Alerter interface {
	DIDAlert(ctx context.Context, alert notify.DIDAgeAlert) error
}

// Config holds monitor settings.
type Config struct {
	// Interval between scans. Defaults to 24h.
	Interval time.Duration

	// FirstRunDelay is the wait before the first scan after start.
	FirstRunDelay time.Duration

	// AlertCooldown is the minimum gap between two alerts for the same DID.
	// Zero alerts on every scan.
	AlertCooldown time.Duration
}

// Report summarises one scan.
type Report struct {
	Scanned  int
	Archived int
	Alerted  int
	Failed   int
}

// Stats are cumulative counters across scans.
type Stats struct {
	Runs     uint64
	Archived uint64
	Alerted  uint64
	Failed   uint64
}

// Monitor periodically scans active DIDs.
type Monitor struct {
	reg     Registry
	alerter Alerter
	cfg     Config
	logger  *slog.Logger
	nowFunc func() time.Time

	runs     atomic.Uint64
	archived atomic.Uint64
	alerted  atomic.Uint64
	failed   atomic.Uint64
}

// New creates a Monitor.
func New(cfg Config, reg Registry, alerter Alerter, logger *slog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.FirstRunDelay <= 0 {
		cfg.FirstRunDelay = defaultFirstRunDelay
	}
	return &Monitor{
		reg:     reg,
		alerter: alerter,
		cfg:     cfg,
		logger:  logger.With("subsystem", "did-lifecycle"),
		nowFunc: time.Now,
	}
}

// Start runs the monitor in a background goroutine until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		_ = m.Run(ctx)
	}()
}

// Run scans once after FirstRunDelay and then every Interval. It blocks
// until ctx is cancelled and always returns nil.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("did lifecycle monitor started",
		"interval", m.cfg.Interval.String(),
		"alert_cooldown", m.cfg.AlertCooldown.String(),
	)

	first := time.NewTimer(m.cfg.FirstRunDelay)
	defer first.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-first.C:
		m.RunOnce(ctx)
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeArchived
	outcomeAlerted
)

// RunOnce scans every active DID once. A failure on one DID is logged and
// counted; the scan carries on with the rest. Running it twice in a row is
// safe.
func (m *Monitor) RunOnce(ctx context.Context) Report {
	now := m.nowFunc().UTC()
	settings := m.reg.Settings()
	dids := m.reg.ActiveDIDs()

	var rep Report
	for _, pd := range dids {
		if ctx.Err() != nil {
			break
		}
		rep.Scanned++

		res, err := m.check(ctx, pd, settings, now)
		if err != nil {
			rep.Failed++
			m.logger.Error("did lifecycle check failed",
				"project_id", pd.ProjectID,
				"did", pd.DID.Number,
				"error", err,
			)
			continue
		}
		switch res {
		case outcomeArchived:
			rep.Archived++
		case outcomeAlerted:
			rep.Alerted++
		}
	}

	m.runs.Add(1)
	m.archived.Add(uint64(rep.Archived))
	m.alerted.Add(uint64(rep.Alerted))
	m.failed.Add(uint64(rep.Failed))

	m.logger.Info("did lifecycle scan complete",
		"scanned", rep.Scanned,
		"archived", rep.Archived,
		"alerted", rep.Alerted,
		"failed", rep.Failed,
	)
	return rep
}

// check handles a single DID inside its own panic boundary.
func (m *Monitor) check(ctx context.Context, pd registry.ProjectDID, settings models.Settings, now time.Time) (res outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = outcomeNone
			err = fmt.Errorf("panic during did check: %v", r)
		}
	}()

	d := pd.DID
	if d.EndDate != nil && !d.EndDate.After(now) {
		if err := m.reg.ArchiveDID(ctx, pd.ProjectID, d.Number); err != nil {
			return outcomeNone, fmt.Errorf("archiving did: %w", err)
		}
		m.logger.Info("did reached end date, archived",
			"project_id", pd.ProjectID,
			"did", d.Number,
			"end_date", d.EndDate.Format(time.RFC3339),
		)
		return outcomeArchived, nil
	}

	if d.StartDate.IsZero() {
		return outcomeNone, errMissingStartDate
	}

	days := d.DaysActive(now)
	if days < settings.AlertThresholdDays {
		return outcomeNone, nil
	}
	if m.inCooldown(d, now) {
		m.logger.Debug("did age alert suppressed by cooldown",
			"project_id", pd.ProjectID,
			"did", d.Number,
			"last_alert_at", d.LastAlertAt.Format(time.RFC3339),
		)
		return outcomeNone, nil
	}

	alert := notify.DIDAgeAlert{
		ProjectID:     pd.ProjectID,
		ProjectName:   pd.ProjectName,
		DID:           d.Number,
		StartDate:     d.StartDate,
		DaysActive:    days,
		ThresholdDays: settings.AlertThresholdDays,
	}
	if err := m.alerter.DIDAlert(ctx, alert); err != nil {
		return outcomeNone, fmt.Errorf("sending age alert: %w", err)
	}
	m.logger.Warn("did active past alert threshold",
		"project_id", pd.ProjectID,
		"did", d.Number,
		"days_active", days,
		"threshold_days", settings.AlertThresholdDays,
	)

	// The alert is out; a failed stamp only means it may repeat next scan.
	if err := m.reg.MarkAlerted(ctx, pd.ProjectID, d.Number, now); err != nil {
		m.logger.Warn("recording alert time failed", "project_id", pd.ProjectID, "did", d.Number, "error", err)
	}
	return outcomeAlerted, nil
}

func (m *Monitor) inCooldown(d models.DID, now time.Time) bool {
	if m.cfg.AlertCooldown <= 0 || d.LastAlertAt == nil {
		return false
	}
	return now.Sub(*d.LastAlertAt) < m.cfg.AlertCooldown
}

// Stats returns cumulative counters.
func (m *Monitor) Stats() Stats {
	return Stats{
		Runs:     m.runs.Load(),
		Archived: m.archived.Load(),
		Alerted:  m.alerted.Load(),
		Failed:   m.failed.Load(),
	}
}
