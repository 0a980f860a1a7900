// Package dnc keeps the do-not-call list in PostgreSQL. Operators add a
// voicemail's caller to it from the admin API.
package dnc

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SourceVoicemail tags entries added from a voicemail.
const SourceVoicemail = "VOICEMAIL_SYSTEM"

var (
	ErrNotFound      = errors.New("number not on do-not-call list")
	ErrInvalidNumber = errors.New("invalid phone number")
)

// Entry is one do-not-call record.
type Entry struct {
	PhoneNumber string    `json:"phoneNumber"`
	AddedAt     time.Time `json:"addedAt"`
	AddedBy     string    `json:"addedBy"`
	Source      string    `json:"source"`
	VoicemailID string    `json:"voicemailId,omitempty"`
	Notes       string    `json:"notes,omitempty"`
}

// Store is a pgxpool-backed do-not-call list.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects to PostgreSQL and applies pending migrations.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing dnc dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	s := &Store{pool: pool, logger: logger.With("subsystem", "dnc")}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running dnc migrations: %w", err)
	}

	s.logger.Info("do-not-call store opened")
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS dnc_schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("creating dnc_schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version := strings.TrimSuffix(entry.Name(), ".sql")

		var applied bool
		err := s.pool.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM dnc_schema_migrations WHERE version = $1)", version,
		).Scan(&applied)
		if err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if applied {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(content)); err != nil {
				return fmt.Errorf("executing migration %s: %w", version, err)
			}
			if _, err := tx.Exec(ctx, "INSERT INTO dnc_schema_migrations (version) VALUES ($1)", version); err != nil {
				return fmt.Errorf("recording migration %s: %w", version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		s.logger.Info("applied dnc migration", "version", version)
	}
	return nil
}

// Normalize strips formatting from a phone number, keeping a leading "+".
func Normalize(number string) (string, error) {
	number = strings.TrimSpace(number)
	var b strings.Builder
	for i, r := range number {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", fmt.Errorf("%w: %q", ErrInvalidNumber, number)
		}
	}
	out := b.String()
	if strings.TrimPrefix(out, "+") == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidNumber, number)
	}
	return out, nil
}

// Add puts e on the list. It reports false when the number was already
// listed; the existing entry is left unchanged.
func (s *Store) Add(ctx context.Context, e Entry) (bool, error) {
	number, err := Normalize(e.PhoneNumber)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO dnc_numbers (phone_number, added_by, source, voicemail_id, notes)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (phone_number) DO NOTHING`,
		number, e.AddedBy, e.Source, e.VoicemailID, e.Notes,
	)
	if err != nil {
		return false, fmt.Errorf("adding %s to dnc list: %w", number, err)
	}
	created := tag.RowsAffected() == 1
	if created {
		s.logger.Info("number added to do-not-call list",
			"number", number,
			"added_by", e.AddedBy,
			"voicemail_id", e.VoicemailID,
		)
	}
	return created, nil
}

// Get returns the entry for number.
func (s *Store) Get(ctx context.Context, number string) (Entry, error) {
	number, err := Normalize(number)
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	err = s.pool.QueryRow(ctx,
		`SELECT phone_number, added_at, added_by, source, voicemail_id, notes
		 FROM dnc_numbers WHERE phone_number = $1`, number,
	).Scan(&e.PhoneNumber, &e.AddedAt, &e.AddedBy, &e.Source, &e.VoicemailID, &e.Notes)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("querying dnc entry: %w", err)
	}
	return e, nil
}

// Contains reports whether number is listed.
func (s *Store) Contains(ctx context.Context, number string) (bool, error) {
	number, err := Normalize(number)
	if err != nil {
		return false, err
	}
	var listed bool
	err = s.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM dnc_numbers WHERE phone_number = $1)", number,
	).Scan(&listed)
	if err != nil {
		return false, fmt.Errorf("checking dnc list: %w", err)
	}
	return listed, nil
}

// Remove takes number off the list.
func (s *Store) Remove(ctx context.Context, number string) error {
	number, err := Normalize(number)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, "DELETE FROM dnc_numbers WHERE phone_number = $1", number)
	if err != nil {
		return fmt.Errorf("removing %s from dnc list: %w", number, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
