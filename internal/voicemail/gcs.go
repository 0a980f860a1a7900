package voicemail

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"

	"google.golang.org/api/option"
	storage "google.golang.org/api/storage/v1"
)

// MirroredStore writes through to a primary store and keeps a best-effort
// copy of every recording in a Google Cloud Storage bucket. The primary is
// authoritative: mirror failures are logged and never fail the caller.
type MirroredStore struct {
	primary AudioStore
	objects *storage.ObjectsService
	bucket  string
	prefix  string
	logger  *slog.Logger
}

// NewMirroredStore connects to Cloud Storage with opts and wraps primary.
func NewMirroredStore(ctx context.Context, primary AudioStore, bucket, prefix string, logger *slog.Logger, opts ...option.ClientOption) (*MirroredStore, error) {
	svc, err := storage.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}
	return &MirroredStore{
		primary: primary,
		objects: svc.Objects,
		bucket:  bucket,
		prefix:  prefix,
		logger:  logger.With("subsystem", "gcs-mirror", "bucket", bucket),
	}, nil
}

func (m *MirroredStore) objectName(ref string) string {
	return path.Join(m.prefix, ref)
}

// Store stores in the primary, then uploads the stored file.
func (m *MirroredStore) Store(ctx context.Context, id, srcPath string) (string, error) {
	ref, err := m.primary.Store(ctx, id, srcPath)
	if err != nil {
		return "", err
	}
	if err := m.upload(ctx, ref); err != nil {
		m.logger.Warn("mirroring voicemail audio failed", "ref", ref, "error", err)
	}
	return ref, nil
}

func (m *MirroredStore) upload(ctx context.Context, ref string) error {
	rc, err := m.primary.Open(ctx, ref)
	if err != nil {
		return fmt.Errorf("opening stored audio: %w", err)
	}
	defer rc.Close()

	obj := &storage.Object{
		Name:        m.objectName(ref),
		ContentType: "audio/wav",
	}
	if _, err := m.objects.Insert(m.bucket, obj).Media(rc).Context(ctx).Do(); err != nil {
		return fmt.Errorf("uploading %s: %w", obj.Name, err)
	}
	m.logger.Debug("voicemail audio mirrored", "object", obj.Name)
	return nil
}

// Open reads from the primary store.
func (m *MirroredStore) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	return m.primary.Open(ctx, ref)
}

// Remove deletes from the primary, then from the bucket.
func (m *MirroredStore) Remove(ctx context.Context, ref string) error {
	if err := m.primary.Remove(ctx, ref); err != nil {
		return err
	}
	if err := m.objects.Delete(m.bucket, m.objectName(ref)).Context(ctx).Do(); err != nil {
		m.logger.Warn("removing mirrored audio failed", "ref", ref, "error", err)
	}
	return nil
}
