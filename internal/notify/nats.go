package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/flowpbx/vmrouter/internal/database/models"
)

// Subject suffixes appended to the configured subject prefix.
const (
	SubjectVoicemail = "voicemail.received"
	SubjectDIDAlert  = "did.age_alert"
)

// Publisher is the subset of *nats.Conn used by the NATS sink.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// ConnectNATS dials the NATS server with reconnect handling logged through
// logger.
func ConnectNATS(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	logger = logger.With("subsystem", "nats")
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(5*time.Second),
		nats.PingInterval(20*time.Second),
		nats.MaxPingsOutstanding(3),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("nats connection closed", "error", nc.LastError())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return nc, nil
}

// NATS publishes events as JSON under a subject prefix.
type NATS struct {
	pub    Publisher
	prefix string
	logger *slog.Logger
}

// NewNATS creates a NATS sink. Events go to "<prefix>.voicemail.received"
// and "<prefix>.did.age_alert".
func NewNATS(pub Publisher, prefix string, logger *slog.Logger) *NATS {
	return &NATS{
		pub:    pub,
		prefix: prefix,
		logger: logger.With("subsystem", "nats"),
	}
}

// VoicemailEvent is the payload published for a new voicemail.
type VoicemailEvent struct {
	ProjectID       string    `json:"projectId"`
	ProjectName     string    `json:"projectName"`
	VoicemailID     string    `json:"voicemailId"`
	Caller          string    `json:"caller"`
	DID             string    `json:"did"`
	Timestamp       time.Time `json:"timestamp"`
	DurationSeconds *float64  `json:"durationSeconds"`
	Transcription   *string   `json:"transcription"`
	IsCatchAll      bool      `json:"isCatchAll"`
	AudioRef        string    `json:"audioRef"`
}

// NotifyVoicemail implements Notifier.
func (n *NATS) NotifyVoicemail(_ context.Context, project *models.Project, vm models.Voicemail) error {
	ev := VoicemailEvent{
		ProjectID:     project.ID,
		ProjectName:   project.Name,
		VoicemailID:   vm.ID,
		Caller:        vm.Caller,
		DID:           vm.DID,
		Timestamp:     vm.Timestamp,
		Transcription: vm.Transcription,
		IsCatchAll:    vm.IsCatchAll,
		AudioRef:      vm.AudioRef,
	}
	if vm.DurationKnown() {
		secs := vm.Duration.Seconds()
		ev.DurationSeconds = &secs
	}
	return n.publish(SubjectVoicemail, ev)
}

// DIDAlert implements Notifier.
func (n *NATS) DIDAlert(_ context.Context, alert DIDAgeAlert) error {
	return n.publish(SubjectDIDAlert, alert)
}

func (n *NATS) publish(suffix string, v any) error {
	subject := n.prefix + "." + suffix
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", suffix, err)
	}
	if err := n.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	n.logger.Debug("event published", "subject", subject, "bytes", len(data))
	return nil
}
