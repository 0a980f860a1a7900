// Package router turns PBX call events into greeting playback and voicemail
// recording, and hands finished recordings to the ingestion pipeline.
//
// Events are read from one queue and fanned out to a goroutine per channel,
// so each channel sees its events in order while a slow PBX command on one
// call never delays another.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/flowpbx/vmrouter/internal/database/models"
	"github.com/flowpbx/vmrouter/internal/registry"
	"github.com/flowpbx/vmrouter/internal/voicemail"
)

// Channel variables set before routing so the dialplan can branch.
const (
	VarDIDExists       = "DID_EXISTS"
	VarCatchAllEnabled = "CATCH_ALL_ENABLED"
)

// Event is a call event from the PBX.
type Event interface {
	ChannelID() string
}

// NewCall is raised when an inbound channel is created.
type NewCall struct {
	Channel  string
	CallerID string
	DID      string
}

// ChannelID implements Event.
func (e NewCall) ChannelID() string { return e.Channel }

// Hangup is raised when a channel is torn down.
type Hangup struct {
	Channel string
}

// ChannelID implements Event.
func (e Hangup) ChannelID() string { return e.Channel }

// Commander issues call-control commands to the PBX.
type Commander interface {
	Playback(ctx context.Context, channel, file string) error
	StartRecording(ctx context.Context, channel, path string) error
	StopRecording(ctx context.Context, channel string) error
	SetVariable(ctx context.Context, channel, name, value string) error
}

// Resolver answers routing questions. *registry.Registry implements it.
type Resolver interface {
	Resolve(did string) (*models.Project, error)
	Settings() models.Settings
	DialplanFlags(did string) map[string]string
}

// Ingester accepts finished recordings without blocking.
type Ingester interface {
	Submit(rec voicemail.Recording)
}

// ErrStopped is returned by Dispatch once Run has exited.
var ErrStopped = errors.New("router stopped")

// Config holds router settings.
type Config struct {
	// SpoolDir receives in-progress recordings.
	SpoolDir string

	// EventBuffer is the capacity of the inbound event queue.
	EventBuffer int
}

// Stats are cumulative call counters.
type Stats struct {
	Routed    uint64
	Missed    uint64
	Completed uint64
	Failed    uint64
	Active    int
}

// Router tracks calls by channel.
type Router struct {
	resolver Resolver
	cmd      Commander
	ingest   Ingester
	spoolDir string
	logger   *slog.Logger
	nowFunc  func() time.Time

	events  chan Event
	stopped chan struct{}

	mu      sync.Mutex
	workers map[string]*worker
	wg      sync.WaitGroup

	routed    atomic.Uint64
	missed    atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
}

// New creates a router. Call Run to start processing.
func New(cfg Config, resolver Resolver, cmd Commander, ingest Ingester, logger *slog.Logger) *Router {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	return &Router{
		resolver: resolver,
		cmd:      cmd,
		ingest:   ingest,
		spoolDir: cfg.SpoolDir,
		logger:   logger.With("subsystem", "router"),
		nowFunc:  time.Now,
		events:   make(chan Event, cfg.EventBuffer),
		stopped:  make(chan struct{}),
		workers:  make(map[string]*worker),
	}
}

// Dispatch queues ev, blocking while the queue is full.
func (r *Router) Dispatch(ctx context.Context, ev Event) error {
	select {
	case r.events <- ev:
		return nil
	case <-r.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes events until ctx is cancelled, then waits for channel
// workers to finish their current step.
func (r *Router) Run(ctx context.Context) error {
	r.logger.Info("call router started", "spool_dir", r.spoolDir)
	defer func() {
		close(r.stopped)
		r.wg.Wait()
		r.logger.Info("call router stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			if n := r.activeCount(); n > 0 {
				r.logger.Warn("router stopping with calls in progress", "active_calls", n)
			}
			return nil
		case ev := <-r.events:
			r.route(ctx, ev)
		}
	}
}

func (r *Router) route(ctx context.Context, ev Event) {
	ch := ev.ChannelID()
	if ch == "" {
		r.logger.Warn("dropping event without channel", "event", fmt.Sprintf("%T", ev))
		return
	}

	r.mu.Lock()
	w, exists := r.workers[ch]
	switch e := ev.(type) {
	case NewCall:
		if exists {
			r.mu.Unlock()
			r.logger.Warn("duplicate new call for active channel ignored", "channel", ch)
			return
		}
		w = newWorker(r, e, r.nowFunc())
		r.workers[ch] = w
		r.wg.Add(1)
		go w.run(ctx)
	case Hangup:
		if !exists {
			r.mu.Unlock()
			r.logger.Debug("hangup for untracked channel", "channel", ch)
			return
		}
	default:
		r.mu.Unlock()
		r.logger.Warn("unknown event type", "event", fmt.Sprintf("%T", ev))
		return
	}
	r.mu.Unlock()

	select {
	case w.events <- ev:
	case <-ctx.Done():
	}
}

// release drops a finished worker.
func (r *Router) release(w *worker) {
	r.mu.Lock()
	if r.workers[w.channel] == w {
		delete(r.workers, w.channel)
	}
	r.mu.Unlock()
}

func (r *Router) activeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// CallInfo is a point-in-time view of one tracked call.
type CallInfo struct {
	Channel      string
	State        State
	ProjectID    string
	DID          string
	CallerID     string
	RecordingRef string
	StartedAt    time.Time
}

// ActiveCalls returns the calls currently tracked, oldest first.
func (r *Router) ActiveCalls() []CallInfo {
	r.mu.Lock()
	workers := make([]*worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.mu.Unlock()

	out := make([]CallInfo, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Stats returns the router counters.
func (r *Router) Stats() Stats {
	return Stats{
		Routed:    r.routed.Load(),
		Missed:    r.missed.Load(),
		Completed: r.completed.Load(),
		Failed:    r.failed.Load(),
		Active:    r.activeCount(),
	}
}

func (r *Router) recordingPath(ref string) string {
	return filepath.Join(r.spoolDir, ref+".wav")
}

func newRecordingRef() string {
	return uuid.NewString()
}

// routeTarget decides where a call goes. ok is false for a routing miss.
func (r *Router) routeTarget(did string) (projectID, greeting, fileDID string, ok bool) {
	settings := r.resolver.Settings()
	project, err := r.resolver.Resolve(did)
	if err == nil {
		greeting = project.GreetingFile
		if greeting == "" {
			greeting = settings.DefaultGreeting
		}
		return project.ID, greeting, did, true
	}
	if !errors.Is(err, registry.ErrNotFound) {
		r.logger.Warn("resolving DID failed", "did", did, "error", err)
	}
	if !settings.CatchAllEnabled {
		return "", "", "", false
	}
	return models.CatchAllProjectID, settings.CatchAllGreeting, models.CatchAllDID, true
}
