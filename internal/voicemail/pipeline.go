// Package voicemail turns finished recordings into persisted voicemail
// records: it stores the audio, probes its length, transcribes it, files the
// record under the owning project and sends notifications.
package voicemail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/flowpbx/vmrouter/internal/database/models"
	"github.com/flowpbx/vmrouter/internal/registry"
)

// ErrIngest marks a failure that lost the voicemail. When it is returned no
// registry record was written.
var ErrIngest = errors.New("voicemail ingestion failed")

// Recording is a finished call recording waiting to be ingested.
type Recording struct {
	Ref       string
	Path      string
	CallerID  string
	DID       string
	StartedAt time.Time
}

// DurationProber measures recorded audio.
type DurationProber interface {
	Probe(r io.Reader) (time.Duration, error)
}

// Transcriber converts recorded audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// Notifier is told about every persisted voicemail.
type Notifier interface {
	NotifyVoicemail(ctx context.Context, project *models.Project, vm models.Voicemail) error
}

// Registry is the subset of the project registry ingestion needs.
type Registry interface {
	Resolve(did string) (*models.Project, error)
	Project(id string) (*models.Project, error)
	CatchAll() (*models.Project, bool)
	Settings() models.Settings
	AppendVoicemail(ctx context.Context, projectID string, vm models.Voicemail) error
}

// Config holds pipeline tuning.
type Config struct {
	// Workers bounds concurrent ingestions started by Submit.
	Workers int64

	// TranscribeTimeout caps one transcription request.
	TranscribeTimeout time.Duration
}

// Stats are cumulative pipeline counters.
type Stats struct {
	Ingested              uint64
	Failed                uint64
	TranscriptionFailures uint64
	NotifyFailures        uint64
	InFlight              int64
}

// Pipeline ingests recordings.
type Pipeline struct {
	reg         Registry
	store       AudioStore
	prober      DurationProber
	transcriber Transcriber
	notifier    Notifier
	ids         *IDGenerator
	logger      *slog.Logger
	nowFunc     func() time.Time

	transcribeTimeout time.Duration
	sem               *semaphore.Weighted
	wg                sync.WaitGroup

	ingested      atomic.Uint64
	failed        atomic.Uint64
	transcribeErr atomic.Uint64
	notifyErr     atomic.Uint64
	inFlight      atomic.Int64
}

// NewPipeline creates a pipeline. transcriber and notifier may be nil.
func NewPipeline(cfg Config, reg Registry, store AudioStore, prober DurationProber, transcriber Transcriber, notifier Notifier, logger *slog.Logger) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.TranscribeTimeout <= 0 {
		cfg.TranscribeTimeout = 30 * time.Second
	}
	return &Pipeline{
		reg:               reg,
		store:             store,
		prober:            prober,
		transcriber:       transcriber,
		notifier:          notifier,
		ids:               NewIDGenerator(),
		logger:            logger.With("subsystem", "voicemail"),
		nowFunc:           time.Now,
		transcribeTimeout: cfg.TranscribeTimeout,
		sem:               semaphore.NewWeighted(cfg.Workers),
	}
}

// Submit ingests rec in the background and returns immediately. Ingestion
// runs on its own context so it is not cut short by the caller.
func (p *Pipeline) Submit(rec Recording) {
	p.wg.Add(1)
	p.inFlight.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.inFlight.Add(-1)

		ctx := context.Background()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer p.sem.Release(1)

		if _, err := p.Ingest(ctx, rec); err != nil {
			p.logger.Error("voicemail ingestion failed",
				"recording_ref", rec.Ref,
				"caller", rec.CallerID,
				"did", rec.DID,
				"error", err,
			)
		}
	}()
}

// Wait blocks until every submitted ingestion has finished or ctx is done.
func (p *Pipeline) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d ingestions: %w", p.inFlight.Load(), ctx.Err())
	}
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Ingested:              p.ingested.Load(),
		Failed:                p.failed.Load(),
		TranscriptionFailures: p.transcribeErr.Load(),
		NotifyFailures:        p.notifyErr.Load(),
		InFlight:              p.inFlight.Load(),
	}
}

// Ingest stores rec and files a voicemail record for it, returning the new
// voicemail id. Only audio storage and the registry write can fail it;
// duration, transcription and notification degrade instead.
func (p *Pipeline) Ingest(ctx context.Context, rec Recording) (string, error) {
	now := p.nowFunc()
	id, err := p.ids.New(now)
	if err != nil {
		p.failed.Add(1)
		return "", fmt.Errorf("%w: generating id: %w", ErrIngest, err)
	}
	logger := p.logger.With("voicemail_id", id, "did", rec.DID, "caller", rec.CallerID)

	ref, err := p.store.Store(ctx, id, rec.Path)
	if err != nil {
		p.failed.Add(1)
		return "", fmt.Errorf("%w: storing audio: %w", ErrIngest, err)
	}

	settings := p.reg.Settings()
	audio, err := p.readAudio(ctx, ref)
	if err != nil {
		logger.Warn("reading stored audio failed", "ref", ref, "error", err)
	}

	vm := models.Voicemail{
		ID:         id,
		Caller:     rec.CallerID,
		DID:        rec.DID,
		Timestamp:  now.UTC(),
		Duration:   p.probe(logger, audio),
		AudioRef:   ref,
		IsNew:      true,
		IsCatchAll: rec.DID == models.CatchAllDID,
	}
	if !rec.StartedAt.IsZero() {
		started := rec.StartedAt.UTC()
		vm.CallStartedAt = &started
	}
	if settings.TranscriptionEnabled {
		vm.Transcription = p.transcribe(ctx, logger, audio)
	}

	if vm.DurationKnown() && settings.MaxMessageLength > 0 &&
		vm.Duration > time.Duration(settings.MaxMessageLength)*time.Second {
		logger.Warn("voicemail longer than configured maximum",
			"duration", vm.Duration, "max_seconds", settings.MaxMessageLength)
	}

	projectID := p.owningProject(logger, rec.DID, settings)
	err = p.reg.AppendVoicemail(ctx, projectID, vm)
	if errors.Is(err, registry.ErrProjectNotFound) && projectID != models.CatchAllProjectID {
		// Deleted between Resolve and the append.
		logger.Warn("owning project disappeared during ingestion, filing under catch-all", "project_id", projectID)
		projectID = models.CatchAllProjectID
		err = p.reg.AppendVoicemail(ctx, projectID, vm)
	}
	if err != nil {
		p.failed.Add(1)
		return "", fmt.Errorf("%w: filing voicemail (audio kept at %s): %w", ErrIngest, ref, err)
	}
	p.ingested.Add(1)

	logger.Info("voicemail saved",
		"project_id", projectID,
		"duration", vm.Duration,
		"transcribed", vm.Transcription != nil,
	)

	p.notify(ctx, logger, projectID, vm)
	return id, nil
}

// owningProject resolves did the same way the router does, falling back to
// the catch-all project.
func (p *Pipeline) owningProject(logger *slog.Logger, did string, settings models.Settings) string {
	if did == models.CatchAllDID {
		return models.CatchAllProjectID
	}
	project, err := p.reg.Resolve(did)
	if err == nil {
		return project.ID
	}
	if !errors.Is(err, registry.ErrNotFound) {
		logger.Warn("resolving DID failed", "error", err)
	}
	if !settings.CatchAllEnabled {
		// The router should not have recorded this call. Keep the audio.
		logger.Warn("unresolved DID recorded while catch-all is disabled, filing under catch-all")
	}
	return models.CatchAllProjectID
}

func (p *Pipeline) readAudio(ctx context.Context, ref string) ([]byte, error) {
	rc, err := p.store.Open(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (p *Pipeline) probe(logger *slog.Logger, audio []byte) time.Duration {
	if audio == nil || p.prober == nil {
		return models.DurationUnknown
	}
	d, err := p.prober.Probe(bytes.NewReader(audio))
	if err != nil {
		logger.Warn("probing voicemail duration failed", "error", err)
		return models.DurationUnknown
	}
	return d
}

func (p *Pipeline) transcribe(ctx context.Context, logger *slog.Logger, audio []byte) *string {
	if audio == nil || p.transcriber == nil {
		return nil
	}
	tctx, cancel := context.WithTimeout(ctx, p.transcribeTimeout)
	defer cancel()

	text, err := p.transcriber.Transcribe(tctx, audio)
	if err != nil {
		p.transcribeErr.Add(1)
		logger.Warn("transcription failed", "error", err)
		return nil
	}
	if text == "" {
		return nil
	}
	return &text
}

func (p *Pipeline) notify(ctx context.Context, logger *slog.Logger, projectID string, vm models.Voicemail) {
	if p.notifier == nil {
		return
	}
	var project *models.Project
	if projectID == models.CatchAllProjectID {
		project, _ = p.reg.CatchAll()
	} else {
		project, _ = p.reg.Project(projectID)
	}
	if project == nil {
		project = &models.Project{ID: projectID, Name: projectID}
	}
	if err := p.notifier.NotifyVoicemail(ctx, project, vm); err != nil {
		p.notifyErr.Add(1)
		logger.Warn("voicemail notification failed", "project_id", projectID, "error", err)
	}
}
