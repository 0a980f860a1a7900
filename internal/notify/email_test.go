package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net/smtp"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/flowpbx/vmrouter/internal/database"
	"github.com/flowpbx/vmrouter/internal/database/models"
)

// mockSMTPClient implements smtpClient for testing.
type mockSMTPClient struct {
	helloCalled  bool
	tlsCalled    bool
	authCalled   bool
	mailFrom     string
	rcptTo       string
	rcpts        []string
	dataWritten  []byte
	quitCalled   bool
	closeCalled  bool
	authErr      error
	rcptErr      error
	dataWriteErr error
}

func (m *mockSMTPClient) Hello(_ string) error { m.helloCalled = true; return nil }
func (m *mockSMTPClient) Extension(ext string) (bool, string) {
	return ext == "STARTTLS", ""
}
func (m *mockSMTPClient) StartTLS(_ *tls.Config) error { m.tlsCalled = true; return nil }
func (m *mockSMTPClient) Auth(_ smtp.Auth) error {
	m.authCalled = true
	return m.authErr
}
func (m *mockSMTPClient) Mail(from string) error { m.mailFrom = from; return nil }
func (m *mockSMTPClient) Rcpt(to string) error {
	m.rcptTo = to
	m.rcpts = append(m.rcpts, to)
	return m.rcptErr
}
func (m *mockSMTPClient) Data() (io.WriteCloser, error) {
	return &mockWriteCloser{mock: m}, nil
}
func (m *mockSMTPClient) Quit() error  { m.quitCalled = true; return nil }
func (m *mockSMTPClient) Close() error { m.closeCalled = true; return nil }

type mockWriteCloser struct {
	mock *mockSMTPClient
}

func (w *mockWriteCloser) Write(p []byte) (int, error) {
	if w.mock.dataWriteErr != nil {
		return 0, w.mock.dataWriteErr
	}
	w.mock.dataWritten = append(w.mock.dataWritten, p...)
	return len(p), nil
}

func (w *mockWriteCloser) Close() error { return nil }

// mapConfig is an in-memory SystemConfigRepository.
type mapConfig map[string]string

func (m mapConfig) Get(_ context.Context, key string) (string, error) { return m[key], nil }
func (m mapConfig) Set(_ context.Context, key, value string) error    { m[key] = value; return nil }
func (m mapConfig) GetAll(context.Context) ([]models.SystemConfig, error) {
	return nil, nil
}

type staticSettings models.Settings

func (s staticSettings) Settings() models.Settings { return models.Settings(s) }

type memAudio map[string][]byte

func (m memAudio) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	b, ok := m[ref]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func smtpConfig() mapConfig {
	return mapConfig{
		database.ConfigSMTPHost:     "mail.example.com",
		database.ConfigSMTPPort:     "587",
		database.ConfigSMTPFrom:     "voicemail@example.com",
		database.ConfigSMTPUsername: "user",
		database.ConfigSMTPPassword: "pass",
		database.ConfigSMTPTLS:      "starttls",
	}
}

func newTestEmail(mock *mockSMTPClient, cfg mapConfig, to string, audio AudioSource) *Email {
	s := models.DefaultSettings()
	s.NotificationEmail = to
	e := NewEmail(cfg, staticSettings(s), audio, testLogger())
	e.nowFunc = func() time.Time { return time.Date(2026, 6, 15, 10, 30, 0, 0, time.UTC) }
	e.dialFunc = func(_ string, _ *tls.Config, _ string) (smtpClient, error) {
		return mock, nil
	}
	return e
}

func testVoicemail() models.Voicemail {
	text := "please call me back about the order"
	return models.Voicemail{
		ID:            "01J0000000000000000000000A",
		Caller:        "+61400000000",
		DID:           "+15551230000",
		Timestamp:     time.Date(2026, 6, 15, 10, 30, 0, 0, time.UTC),
		Duration:      45 * time.Second,
		Transcription: &text,
		AudioRef:      "01J0000000000000000000000A.wav",
		IsNew:         true,
	}
}

func TestEmailVoicemailPlainText(t *testing.T) {
	mock := &mockSMTPClient{}
	e := newTestEmail(mock, smtpConfig(), "ops@example.com", nil)
	project := &models.Project{ID: "p1", Name: "Sales"}

	if err := e.NotifyVoicemail(context.Background(), project, testVoicemail()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !mock.helloCalled || !mock.tlsCalled || !mock.authCalled || !mock.quitCalled {
		t.Errorf("smtp dialogue incomplete: %+v", mock)
	}
	if mock.mailFrom != "voicemail@example.com" {
		t.Errorf("mail from = %q", mock.mailFrom)
	}
	if mock.rcptTo != "ops@example.com" {
		t.Errorf("rcpt to = %q", mock.rcptTo)
	}

	body := string(mock.dataWritten)
	for _, want := range []string{
		"Subject: New voicemail for Sales from +61400000000",
		"Dialed: +15551230000",
		"Duration: 45s",
		"please call me back about the order",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("email missing %q:\n%s", want, body)
		}
	}
	if strings.Contains(body, "multipart/mixed") {
		t.Error("expected plain text email, got multipart")
	}
}

func TestEmailVoicemailWithAttachment(t *testing.T) {
	mock := &mockSMTPClient{}
	cfg := smtpConfig()
	cfg[database.ConfigSMTPUsername] = ""
	vm := testVoicemail()
	vm.Transcription = nil
	vm.Duration = models.DurationUnknown
	audio := memAudio{vm.AudioRef: []byte("RIFF-fake-wav-data")}

	e := newTestEmail(mock, cfg, "ops@example.com", audio)
	if err := e.NotifyVoicemail(context.Background(), &models.Project{ID: "p1", Name: "Sales"}, vm); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	body := string(mock.dataWritten)
	for _, want := range []string{
		"multipart/mixed",
		"audio/wav",
		vm.AudioRef,
		"Content-Transfer-Encoding: base64",
		"Duration: unknown",
		"Transcription: not available",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("email missing %q", want)
		}
	}
	if mock.authCalled {
		t.Error("expected no Auth call when credentials are empty")
	}
}

func TestEmailCatchAllMarksUnassignedNumber(t *testing.T) {
	mock := &mockSMTPClient{}
	e := newTestEmail(mock, smtpConfig(), "ops@example.com", nil)
	vm := testVoicemail()
	vm.DID = "+15559999"

	project := &models.Project{ID: models.CatchAllProjectID, Name: "General Voicemail Box", IsCatchAll: true}
	if err := e.NotifyVoicemail(context.Background(), project, vm); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(mock.dataWritten), "Dialed: +15559999 (unassigned number)") {
		t.Errorf("catch-all email does not flag the unassigned number:\n%s", mock.dataWritten)
	}
}

func TestEmailMissingAudioSendsPlain(t *testing.T) {
	mock := &mockSMTPClient{}
	e := newTestEmail(mock, smtpConfig(), "ops@example.com", memAudio{})

	if err := e.NotifyVoicemail(context.Background(), &models.Project{Name: "Sales"}, testVoicemail()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(string(mock.dataWritten), "multipart/mixed") {
		t.Error("expected plain text fallback when audio cannot be opened")
	}
}

func TestEmailSkippedWhenUnconfigured(t *testing.T) {
	tests := []struct {
		name string
		cfg  mapConfig
		to   string
	}{
		{"no recipient", smtpConfig(), ""},
		{"no smtp host", mapConfig{database.ConfigSMTPFrom: "a@example.com"}, "ops@example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dialed := false
			e := newTestEmail(&mockSMTPClient{}, tt.cfg, tt.to, nil)
			e.dialFunc = func(string, *tls.Config, string) (smtpClient, error) {
				dialed = true
				return nil, errors.New("should not dial")
			}
			if err := e.NotifyVoicemail(context.Background(), &models.Project{Name: "Sales"}, testVoicemail()); err != nil {
				t.Errorf("NotifyVoicemail() error = %v, want nil", err)
			}
			if err := e.DIDAlert(context.Background(), DIDAgeAlert{DID: "+1555"}); err != nil {
				t.Errorf("DIDAlert() error = %v, want nil", err)
			}
			if dialed {
				t.Error("dialled smtp server while unconfigured")
			}
		})
	}
}

func TestEmailErrors(t *testing.T) {
	tests := []struct {
		name    string
		mock    *mockSMTPClient
		dialErr error
		want    string
	}{
		{"dial", &mockSMTPClient{}, errors.New("connection refused"), "connecting to smtp server"},
		{"auth", &mockSMTPClient{authErr: errors.New("bad credentials")}, nil, "smtp auth"},
		{"rcpt", &mockSMTPClient{rcptErr: errors.New("mailbox unavailable")}, nil, "smtp rcpt to"},
		{"write", &mockSMTPClient{dataWriteErr: errors.New("broken pipe")}, nil, "smtp write"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEmail(tt.mock, smtpConfig(), "ops@example.com", nil)
			if tt.dialErr != nil {
				e.dialFunc = func(string, *tls.Config, string) (smtpClient, error) {
					return nil, tt.dialErr
				}
			}
			err := e.NotifyVoicemail(context.Background(), &models.Project{Name: "Sales"}, testVoicemail())
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestEmailShareVoicemail(t *testing.T) {
	mock := &mockSMTPClient{}
	vm := testVoicemail()
	audio := memAudio{vm.AudioRef: []byte("RIFF-fake-wav-data")}
	// No notification address: sharing does not depend on it.
	e := newTestEmail(mock, smtpConfig(), "", audio)

	err := e.ShareVoicemail(context.Background(), &models.Project{ID: "p1", Name: "Sales"}, vm,
		[]string{"a@example.com", "b@example.com"}, "alice", "Can you call them back?")
	if err != nil {
		t.Fatalf("ShareVoicemail() error: %v", err)
	}
	if len(mock.rcpts) != 2 || mock.rcpts[0] != "a@example.com" || mock.rcpts[1] != "b@example.com" {
		t.Errorf("recipients = %v", mock.rcpts)
	}
	body := string(mock.dataWritten)
	for _, want := range []string{
		"Subject: Shared voicemail from +61400000000",
		"alice shared a voicemail for Sales with you.",
		"Can you call them back?",
		"multipart/mixed",
		`filename="voicemail_01J0000000000000000000000A.wav"`,
		"Content-Transfer-Encoding: base64",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("email missing %q", want)
		}
	}
}

func TestEmailShareVoicemailErrors(t *testing.T) {
	vm := testVoicemail()
	project := &models.Project{ID: "p1", Name: "Sales"}

	e := newTestEmail(&mockSMTPClient{}, mapConfig{}, "", memAudio{vm.AudioRef: []byte("x")})
	if err := e.ShareVoicemail(context.Background(), project, vm, []string{"a@example.com"}, "alice", ""); !errors.Is(err, ErrSMTPNotConfigured) {
		t.Errorf("unconfigured smtp: error = %v, want ErrSMTPNotConfigured", err)
	}

	mock := &mockSMTPClient{}
	e = newTestEmail(mock, smtpConfig(), "", memAudio{})
	if err := e.ShareVoicemail(context.Background(), project, vm, []string{"a@example.com"}, "alice", ""); !errors.Is(err, ErrAudioUnavailable) {
		t.Errorf("missing audio: error = %v, want ErrAudioUnavailable", err)
	}
	if mock.helloCalled {
		t.Error("mail sent without the recording")
	}
}

func TestEmailDIDAlert(t *testing.T) {
	mock := &mockSMTPClient{}
	e := newTestEmail(mock, smtpConfig(), "ops@example.com", nil)

	alert := DIDAgeAlert{
		ProjectID:     "p1",
		ProjectName:   "Sales",
		DID:           "+15551230000",
		StartDate:     time.Date(2026, 3, 17, 0, 0, 0, 0, time.UTC),
		DaysActive:    90,
		ThresholdDays: 90,
	}
	if err := e.DIDAlert(context.Background(), alert); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body := string(mock.dataWritten)
	if !strings.Contains(body, "Subject: DID +15551230000 active for 90 days") {
		t.Errorf("unexpected subject:\n%s", body)
	}
	if !strings.Contains(body, "project Sales") {
		t.Errorf("project missing from body:\n%s", body)
	}
}

func TestLoadSMTPConfigDefaultsPort(t *testing.T) {
	cfg := LoadSMTPConfig(context.Background(), mapConfig{database.ConfigSMTPHost: "mx"})
	if cfg.Port != "587" {
		t.Errorf("Port = %q, want 587", cfg.Port)
	}
	if cfg.Valid() {
		t.Error("config without From reported valid")
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0s"},
		{45 * time.Second, "45s"},
		{60 * time.Second, "1m"},
		{125 * time.Second, "2m 5s"},
		{models.DurationUnknown, "unknown"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
