package database

import (
	"context"
	"errors"

	"github.com/flowpbx/vmrouter/internal/database/models"
)

// ErrDocumentNotFound is returned by DocumentRepository.Load when no document
// with the requested name has been saved yet.
var ErrDocumentNotFound = errors.New("document not found")

// DocumentRepository stores whole JSON documents by name. The registry keeps
// its project list and settings in two such documents.
type DocumentRepository interface {
	LoadDocument(ctx context.Context, name string) ([]byte, error)
	SaveDocument(ctx context.Context, name string, body []byte) error
	Revision(ctx context.Context, name string) (int64, error)
}

// SystemConfigRepository manages key-value system configuration.
type SystemConfigRepository interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	GetAll(ctx context.Context) ([]models.SystemConfig, error)
}

// AdminUserRepository manages operators of the admin API.
type AdminUserRepository interface {
	Create(ctx context.Context, user *models.AdminUser) error
	GetByUsername(ctx context.Context, username string) (*models.AdminUser, error)
	UpdatePassword(ctx context.Context, id int64, hash string) error
	Count(ctx context.Context) (int64, error)
}
