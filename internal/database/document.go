package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// documentRepo implements DocumentRepository on the documents table.
type documentRepo struct {
	db *DB
}

// NewDocumentRepository creates a new DocumentRepository.
func NewDocumentRepository(db *DB) DocumentRepository {
	return &documentRepo{db: db}
}

// LoadDocument returns the stored body for name, or ErrDocumentNotFound.
func (r *documentRepo) LoadDocument(ctx context.Context, name string) ([]byte, error) {
	var body []byte
	err := r.db.QueryRowContext(ctx, `SELECT body FROM documents WHERE name = ?`, name).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying document %q: %w", name, err)
	}
	return body, nil
}

// SaveDocument replaces the document in one transaction, moving the previous
// body into document_history.
func (r *documentRepo) SaveDocument(ctx context.Context, name string, body []byte) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning document transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO document_history (name, revision, body)
		 SELECT name, revision, body FROM documents WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("archiving document %q: %w", name, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO documents (name, body, revision, updated_at)
		 VALUES (?, ?, 1, datetime('now'))
		 ON CONFLICT(name) DO UPDATE SET
			body = excluded.body,
			revision = documents.revision + 1,
			updated_at = excluded.updated_at`,
		name, body,
	)
	if err != nil {
		return fmt.Errorf("writing document %q: %w", name, err)
	}

	// Only the previous revision is worth keeping.
	_, err = tx.ExecContext(ctx,
		`DELETE FROM document_history WHERE name = ? AND id NOT IN (
			SELECT id FROM document_history WHERE name = ? ORDER BY id DESC LIMIT 1)`,
		name, name)
	if err != nil {
		return fmt.Errorf("pruning document history %q: %w", name, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing document %q: %w", name, err)
	}
	return nil
}

// Revision returns how many times name has been written. Zero means never.
func (r *documentRepo) Revision(ctx context.Context, name string) (int64, error) {
	var rev int64
	err := r.db.QueryRowContext(ctx, `SELECT revision FROM documents WHERE name = ?`, name).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("querying document revision %q: %w", name, err)
	}
	return rev, nil
}
