package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/flowpbx/vmrouter/internal/database/models"
)

type countingSink struct {
	voicemails int
	alerts     int
	err        error
}

func (s *countingSink) NotifyVoicemail(context.Context, *models.Project, models.Voicemail) error {
	s.voicemails++
	return s.err
}

func (s *countingSink) DIDAlert(context.Context, DIDAgeAlert) error {
	s.alerts++
	return s.err
}

func TestMultiDeliversToEverySink(t *testing.T) {
	boom := errors.New("smtp down")
	failing := &countingSink{err: boom}
	ok := &countingSink{}
	m := Multi{failing, ok, NewLog(testLogger())}

	err := m.NotifyVoicemail(context.Background(), &models.Project{ID: "p1"}, testVoicemail())
	if !errors.Is(err, boom) {
		t.Errorf("NotifyVoicemail() error = %v, want %v", err, boom)
	}
	if failing.voicemails != 1 || ok.voicemails != 1 {
		t.Errorf("deliveries = %d/%d, want 1/1", failing.voicemails, ok.voicemails)
	}

	if err := m.DIDAlert(context.Background(), DIDAgeAlert{DID: "+1555"}); !errors.Is(err, boom) {
		t.Errorf("DIDAlert() error = %v, want %v", err, boom)
	}
	if ok.alerts != 1 {
		t.Errorf("alerts = %d, want 1", ok.alerts)
	}
}

func TestMultiEmpty(t *testing.T) {
	var m Multi
	if err := m.NotifyVoicemail(context.Background(), &models.Project{}, models.Voicemail{}); err != nil {
		t.Errorf("empty Multi error = %v", err)
	}
}
