package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/flowpbx/vmrouter/internal/database"
	"github.com/flowpbx/vmrouter/internal/database/models"
)

// ErrSMTPNotConfigured is returned by Send when system_config lacks the
// minimum SMTP settings.
var ErrSMTPNotConfigured = errors.New("smtp not configured")

// ErrAudioUnavailable is returned by ShareVoicemail when the recording
// cannot be attached.
var ErrAudioUnavailable = errors.New("voicemail audio unavailable")

// maxAttachmentSize keeps oversized recordings out of the mail body.
const maxAttachmentSize = 10 << 20

// SMTPConfig holds the SMTP server configuration loaded from system_config.
type SMTPConfig struct {
	Host     string
	Port     string // 25, 587 or 465
	From     string
	Username string
	Password string
	TLS      string // "none", "starttls" or "tls"
}

// Valid reports whether the minimum required fields are set.
func (c SMTPConfig) Valid() bool {
	return c.Host != "" && c.Port != "" && c.From != ""
}

// LoadSMTPConfig reads the SMTP keys from system_config.
func LoadSMTPConfig(ctx context.Context, repo database.SystemConfigRepository) SMTPConfig {
	get := func(key string) string {
		v, _ := repo.Get(ctx, key)
		return v
	}
	return SMTPConfig{
		Host:     get(database.ConfigSMTPHost),
		Port:     strconv.Itoa(database.GetInt(ctx, repo, database.ConfigSMTPPort, 587)),
		From:     get(database.ConfigSMTPFrom),
		Username: get(database.ConfigSMTPUsername),
		Password: get(database.ConfigSMTPPassword),
		TLS:      get(database.ConfigSMTPTLS),
	}
}

// SettingsSource supplies the notification address.
type SettingsSource interface {
	Settings() models.Settings
}

// AudioSource opens stored voicemail audio for attachment.
type AudioSource interface {
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

// smtpClient abstracts the methods used from *smtp.Client for testing.
type smtpClient interface {
	Hello(localName string) error
	Extension(ext string) (bool, string)
	StartTLS(config *tls.Config) error
	Auth(a smtp.Auth) error
	Mail(from string) error
	Rcpt(to string) error
	Data() (io.WriteCloser, error)
	Quit() error
	Close() error
}

// Email mails voicemail notifications and DID alerts to the address in
// Settings.NotificationEmail. With no address or no SMTP server configured
// it does nothing.
type Email struct {
	config   database.SystemConfigRepository
	settings SettingsSource
	audio    AudioSource
	logger   *slog.Logger
	nowFunc  func() time.Time

	// dialFunc allows injecting a custom dialer for testing.
	dialFunc func(addr string, tlsConfig *tls.Config, tlsMode string) (smtpClient, error)
}

// NewEmail creates an email sink. audio may be nil to never attach
// recordings.
func NewEmail(config database.SystemConfigRepository, settings SettingsSource, audio AudioSource, logger *slog.Logger) *Email {
	return &Email{
		config:   config,
		settings: settings,
		audio:    audio,
		logger:   logger.With("subsystem", "email"),
		nowFunc:  time.Now,
		dialFunc: defaultDial,
	}
}

// NotifyVoicemail implements Notifier.
func (e *Email) NotifyVoicemail(ctx context.Context, project *models.Project, vm models.Voicemail) error {
	to := e.settings.Settings().NotificationEmail
	cfg := LoadSMTPConfig(ctx, e.config)
	if to == "" || !cfg.Valid() {
		e.logger.Debug("email notification skipped", "voicemail_id", vm.ID, "has_recipient", to != "")
		return nil
	}

	subject := fmt.Sprintf("New voicemail for %s from %s", project.Name, callerDisplay(vm.Caller))
	body := voicemailBody(project, vm)

	var att *attachment
	if e.audio != nil && vm.AudioRef != "" {
		a, err := e.loadAttachment(ctx, vm.AudioRef)
		if err != nil {
			e.logger.Warn("voicemail audio not attached", "voicemail_id", vm.ID, "error", err)
		} else {
			att = a
		}
	}

	msg, err := buildMessage(cfg.From, to, subject, body, att, e.nowFunc())
	if err != nil {
		return fmt.Errorf("building email message: %w", err)
	}
	if err := e.send(ctx, cfg, to, msg); err != nil {
		return err
	}

	e.logger.Info("voicemail notification email sent",
		"to", to,
		"project_id", project.ID,
		"voicemail_id", vm.ID,
		"caller", vm.Caller,
		"attach_audio", att != nil,
	)
	return nil
}

// DIDAlert implements Notifier.
func (e *Email) DIDAlert(ctx context.Context, alert DIDAgeAlert) error {
	to := e.settings.Settings().NotificationEmail
	cfg := LoadSMTPConfig(ctx, e.config)
	if to == "" || !cfg.Valid() {
		e.logger.Debug("did alert email skipped", "did", alert.DID)
		return nil
	}

	subject := fmt.Sprintf("DID %s active for %d days", alert.DID, alert.DaysActive)
	body := fmt.Sprintf(
		"DID %s on project %s has been active for %d days (alert threshold %d).\n\n"+
			"Active since: %s\n\n"+
			"Set an end date or archive the number if it is no longer in use.\n",
		alert.DID,
		alert.ProjectName,
		alert.DaysActive,
		alert.ThresholdDays,
		alert.StartDate.Format("Mon, 02 Jan 2006"),
	)

	msg, err := buildMessage(cfg.From, to, subject, body, nil, e.nowFunc())
	if err != nil {
		return fmt.Errorf("building email message: %w", err)
	}
	if err := e.send(ctx, cfg, to, msg); err != nil {
		return err
	}
	e.logger.Info("did alert email sent", "to", to, "did", alert.DID, "days_active", alert.DaysActive)
	return nil
}

// ShareVoicemail mails vm with its recording attached to each recipient.
// Unlike notifications it fails when SMTP is unconfigured or the audio
// cannot be read.
func (e *Email) ShareVoicemail(ctx context.Context, project *models.Project, vm models.Voicemail, recipients []string, sharedBy, message string) error {
	cfg := LoadSMTPConfig(ctx, e.config)
	if !cfg.Valid() {
		return ErrSMTPNotConfigured
	}
	if e.audio == nil || vm.AudioRef == "" {
		return ErrAudioUnavailable
	}
	att, err := e.loadAttachment(ctx, vm.AudioRef)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAudioUnavailable, err)
	}
	att.name = fmt.Sprintf("voicemail_%s.wav", vm.ID)

	subject := fmt.Sprintf("Shared voicemail from %s", callerDisplay(vm.Caller))
	body := sharedBody(project, vm, sharedBy, message)
	for _, to := range recipients {
		msg, err := buildMessage(cfg.From, to, subject, body, att, e.nowFunc())
		if err != nil {
			return fmt.Errorf("building email message: %w", err)
		}
		if err := e.send(ctx, cfg, to, msg); err != nil {
			return fmt.Errorf("sharing with %s: %w", to, err)
		}
	}

	e.logger.Info("voicemail shared by email",
		"voicemail_id", vm.ID,
		"project_id", project.ID,
		"recipients", len(recipients),
		"shared_by", sharedBy,
	)
	return nil
}

func (e *Email) loadAttachment(ctx context.Context, ref string) (*attachment, error) {
	rc, err := e.audio.Open(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxAttachmentSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading audio: %w", err)
	}
	if len(data) > maxAttachmentSize {
		return nil, fmt.Errorf("audio larger than %d bytes", maxAttachmentSize)
	}
	return &attachment{name: ref, data: data}, nil
}

// send runs one SMTP transaction.
func (e *Email) send(_ context.Context, cfg SMTPConfig, to string, msg []byte) error {
	if !cfg.Valid() {
		return ErrSMTPNotConfigured
	}

	addr := net.JoinHostPort(cfg.Host, cfg.Port)
	tlsConfig := &tls.Config{ServerName: cfg.Host}

	client, err := e.dialFunc(addr, tlsConfig, cfg.TLS)
	if err != nil {
		return fmt.Errorf("connecting to smtp server: %w", err)
	}
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return fmt.Errorf("smtp hello: %w", err)
	}

	if strings.EqualFold(cfg.TLS, "starttls") {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("smtp starttls: %w", err)
			}
		}
	}

	if cfg.Username != "" && cfg.Password != "" {
		auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(cfg.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}

	if err := client.Quit(); err != nil {
		e.logger.Warn("smtp quit error (non-fatal)", "error", err)
	}
	return nil
}

// defaultDial connects to the SMTP server using either plain TCP or implicit TLS.
func defaultDial(addr string, tlsConfig *tls.Config, tlsMode string) (smtpClient, error) {
	if strings.EqualFold(tlsMode, "tls") {
		conn, err := tls.DialWithDialer(&net.Dialer{Timeout: 10 * time.Second}, "tcp", addr, tlsConfig)
		if err != nil {
			return nil, err
		}
		return smtp.NewClient(conn, tlsConfig.ServerName)
	}

	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, err
	}
	host, _, _ := net.SplitHostPort(addr)
	return smtp.NewClient(conn, host)
}

type attachment struct {
	name string
	data []byte
}

func voicemailBody(project *models.Project, vm models.Voicemail) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You have a new voicemail for %s.\n\n", project.Name)
	writeVoicemailDetails(&b, project, vm)
	return b.String()
}

func sharedBody(project *models.Project, vm models.Voicemail, sharedBy, message string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s shared a voicemail for %s with you.\n\n", sharedBy, project.Name)
	if message != "" {
		fmt.Fprintf(&b, "%s\n\n", message)
	}
	writeVoicemailDetails(&b, project, vm)
	b.WriteString("\nThe recording is attached.\n")
	return b.String()
}

func writeVoicemailDetails(b *strings.Builder, project *models.Project, vm models.Voicemail) {
	fmt.Fprintf(b, "From: %s\n", callerDisplay(vm.Caller))
	if project.IsCatchAll {
		fmt.Fprintf(b, "Dialed: %s (unassigned number)\n", vm.DID)
	} else {
		fmt.Fprintf(b, "Dialed: %s\n", vm.DID)
	}
	fmt.Fprintf(b, "Date: %s\n", vm.Timestamp.Format("Mon, 02 Jan 2006 3:04 PM"))
	fmt.Fprintf(b, "Duration: %s\n", formatDuration(vm.Duration))
	if vm.Transcription != nil {
		fmt.Fprintf(b, "\nTranscription:\n%s\n", *vm.Transcription)
	} else {
		b.WriteString("\nTranscription: not available\n")
	}
	fmt.Fprintf(b, "\nReference: %s\n", vm.ID)
}

func callerDisplay(caller string) string {
	if caller == "" {
		return "unknown caller"
	}
	return caller
}

// buildMessage constructs the full MIME message, multipart when an
// attachment is present.
func buildMessage(from, to, subject, body string, att *attachment, now time.Time) ([]byte, error) {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	fmt.Fprintf(&buf, "Date: %s\r\n", now.Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")

	if att == nil {
		fmt.Fprintf(&buf, "Content-Type: text/plain; charset=utf-8\r\n")
		fmt.Fprintf(&buf, "\r\n")
		buf.WriteString(body)
		return buf.Bytes(), nil
	}

	// Headers go out before the writer emits its first boundary.
	var parts bytes.Buffer
	writer := multipart.NewWriter(&parts)
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%s\r\n", writer.Boundary())
	fmt.Fprintf(&buf, "\r\n")

	textHeader := make(textproto.MIMEHeader)
	textHeader.Set("Content-Type", "text/plain; charset=utf-8")
	textPart, err := writer.CreatePart(textHeader)
	if err != nil {
		return nil, fmt.Errorf("creating text part: %w", err)
	}
	if _, err := textPart.Write([]byte(body)); err != nil {
		return nil, fmt.Errorf("writing text part: %w", err)
	}

	attachHeader := make(textproto.MIMEHeader)
	attachHeader.Set("Content-Type", "audio/wav; name=\""+att.name+"\"")
	attachHeader.Set("Content-Disposition", "attachment; filename=\""+att.name+"\"")
	attachHeader.Set("Content-Transfer-Encoding", "base64")
	attachPart, err := writer.CreatePart(attachHeader)
	if err != nil {
		return nil, fmt.Errorf("creating attachment part: %w", err)
	}

	encoder := base64.NewEncoder(base64.StdEncoding, attachPart)
	if _, err := encoder.Write(att.data); err != nil {
		return nil, fmt.Errorf("encoding audio attachment: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("closing base64 encoder: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("closing multipart writer: %w", err)
	}

	buf.Write(parts.Bytes())
	return buf.Bytes(), nil
}

// formatDuration renders d like "2m 15s".
func formatDuration(d time.Duration) string {
	if d < 0 {
		return "unknown"
	}
	secs := int(d.Round(time.Second) / time.Second)
	if secs < 60 {
		return fmt.Sprintf("%ds", secs)
	}
	m := secs / 60
	s := secs % 60
	if s == 0 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dm %ds", m, s)
}
