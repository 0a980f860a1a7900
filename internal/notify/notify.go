// Package notify delivers voicemail and DID lifecycle events to operators.
// Sinks are combined with Multi; each one fails independently.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/flowpbx/vmrouter/internal/database/models"
)

// DIDAgeAlert reports a DID that has been active for at least the alert
// threshold.
type DIDAgeAlert struct {
	ProjectID     string    `json:"projectId"`
	ProjectName   string    `json:"projectName"`
	DID           string    `json:"did"`
	StartDate     time.Time `json:"startDate"`
	DaysActive    int       `json:"daysActive"`
	ThresholdDays int       `json:"thresholdDays"`
}

// Notifier is implemented by every sink.
type Notifier interface {
	NotifyVoicemail(ctx context.Context, project *models.Project, vm models.Voicemail) error
	DIDAlert(ctx context.Context, alert DIDAgeAlert) error
}

// Multi sends to every sink and joins their errors.
type Multi []Notifier

// NotifyVoicemail implements Notifier.
func (m Multi) NotifyVoicemail(ctx context.Context, project *models.Project, vm models.Voicemail) error {
	var errs []error
	for _, n := range m {
		if err := n.NotifyVoicemail(ctx, project, vm); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DIDAlert implements Notifier.
func (m Multi) DIDAlert(ctx context.Context, alert DIDAgeAlert) error {
	var errs []error
	for _, n := range m {
		if err := n.DIDAlert(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes every event to a logger. It is always part of the sink set so
// events are visible even with no transport configured.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a logging sink.
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger.With("subsystem", "notify")}
}

// NotifyVoicemail implements Notifier.
func (l *Log) NotifyVoicemail(_ context.Context, project *models.Project, vm models.Voicemail) error {
	l.logger.Info("new voicemail",
		"project_id", project.ID,
		"project", project.Name,
		"voicemail_id", vm.ID,
		"caller", vm.Caller,
		"did", vm.DID,
		"duration", formatDuration(vm.Duration),
		"transcribed", vm.Transcription != nil,
	)
	return nil
}

// DIDAlert implements Notifier.
func (l *Log) DIDAlert(_ context.Context, alert DIDAgeAlert) error {
	l.logger.Warn("did age alert",
		"project_id", alert.ProjectID,
		"project", alert.ProjectName,
		"did", alert.DID,
		"days_active", alert.DaysActive,
		"threshold_days", alert.ThresholdDays,
	)
	return nil
}
