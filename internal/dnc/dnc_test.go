package dnc

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+1 (555) 123-0000", "+15551230000", false},
		{" 0400.000.000 ", "0400000000", false},
		{"+", "", true},
		{"", "", true},
		{"555-CALL", "", true},
		{"1+555", "", true},
	}
	for _, tt := range tests {
		got, err := Normalize(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("Normalize(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err != nil && !errors.Is(err, ErrInvalidNumber) {
			t.Errorf("Normalize(%q) error = %v, want ErrInvalidNumber", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// openTestStore connects to the database named by VMROUTER_TEST_PG_DSN.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("VMROUTER_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("VMROUTER_TEST_PG_DSN not set")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s, err := Open(context.Background(), dsn, logger)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestStoreLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	number := "+15550009999"
	_ = s.Remove(ctx, number)

	created, err := s.Add(ctx, Entry{PhoneNumber: "+1 555 000 9999", AddedBy: "admin", Source: SourceVoicemail, VoicemailID: "vm-1"})
	if err != nil || !created {
		t.Fatalf("Add() = %v, %v; want created", created, err)
	}
	created, err = s.Add(ctx, Entry{PhoneNumber: number, AddedBy: "other"})
	if err != nil || created {
		t.Errorf("second Add() = %v, %v; want existing", created, err)
	}

	e, err := s.Get(ctx, number)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if e.AddedBy != "admin" || e.VoicemailID != "vm-1" || e.AddedAt.IsZero() {
		t.Errorf("entry = %+v", e)
	}
	if ok, err := s.Contains(ctx, number); err != nil || !ok {
		t.Errorf("Contains() = %v, %v", ok, err)
	}

	if err := s.Remove(ctx, number); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	if _, err := s.Get(ctx, number); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after remove error = %v, want ErrNotFound", err)
	}
	if err := s.Remove(ctx, number); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Remove() error = %v, want ErrNotFound", err)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	s := openTestStore(t)
	if err := s.migrate(context.Background()); err != nil {
		t.Errorf("re-running migrate() error: %v", err)
	}
}
