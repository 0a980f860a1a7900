package router

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/flowpbx/vmrouter/internal/voicemail"
)

// State is the lifecycle position of a call.
type State int

const (
	StateRinging State = iota
	StateRouted
	StateRecording
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateRinging:
		return "ringing"
	case StateRouted:
		return "routed"
	case StateRecording:
		return "recording"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// call is the per-channel state. Only the owning worker writes it.
type call struct {
	state         State
	projectID     string
	did           string
	callerID      string
	recordingRef  string
	recordingPath string
	startedAt     time.Time
}

// worker owns one channel and applies its events in arrival order.
type worker struct {
	r       *Router
	channel string
	events  chan Event

	mu   sync.Mutex
	call call
}

func newWorker(r *Router, ev NewCall, now time.Time) *worker {
	return &worker{
		r:       r,
		channel: ev.Channel,
		events:  make(chan Event, 4),
		call: call{
			state:     StateRinging,
			did:       ev.DID,
			callerID:  ev.CallerID,
			startedAt: now,
		},
	}
}

func (w *worker) run(ctx context.Context) {
	defer w.r.wg.Done()
	defer w.r.release(w)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-w.events:
			var done bool
			switch e := ev.(type) {
			case NewCall:
				done = w.onNewCall(ctx, e)
			case Hangup:
				done = w.onHangup(ctx)
			}
			if done {
				return
			}
		}
	}
}

func (w *worker) info() CallInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	return CallInfo{
		Channel:      w.channel,
		State:        w.call.state,
		ProjectID:    w.call.projectID,
		DID:          w.call.did,
		CallerID:     w.call.callerID,
		RecordingRef: w.call.recordingRef,
		StartedAt:    w.call.startedAt,
	}
}

func (w *worker) update(fn func(c *call)) {
	w.mu.Lock()
	fn(&w.call)
	w.mu.Unlock()
}

// onNewCall routes the call and starts recording. It returns true when the
// call needs no further tracking.
func (w *worker) onNewCall(ctx context.Context, ev NewCall) bool {
	r := w.r
	logger := r.logger.With("channel", w.channel, "did", ev.DID, "caller", ev.CallerID)

	w.setDialplanFlags(ctx, logger, ev.DID)

	projectID, greeting, fileDID, ok := r.routeTarget(ev.DID)
	if !ok {
		r.missed.Add(1)
		logger.Info("routing miss: unknown DID and catch-all disabled")
		return true
	}

	w.update(func(c *call) {
		c.state = StateRouted
		c.projectID = projectID
		c.did = fileDID
	})
	logger = logger.With("project_id", projectID)

	if greeting != "" {
		if err := r.cmd.Playback(ctx, w.channel, greeting); err != nil {
			logger.Warn("greeting playback failed", "greeting", greeting, "error", err)
		}
	}

	ref := newRecordingRef()
	path := r.recordingPath(ref)
	if err := r.cmd.StartRecording(ctx, w.channel, path); err != nil {
		r.failed.Add(1)
		logger.Error("starting recording failed, dropping call", "error", err)
		return true
	}

	w.update(func(c *call) {
		c.state = StateRecording
		c.recordingRef = ref
		c.recordingPath = path
	})
	r.routed.Add(1)
	logger.Info("call routed to voicemail", "recording_ref", ref)
	return false
}

func (w *worker) setDialplanFlags(ctx context.Context, logger *slog.Logger, did string) {
	flags := w.r.resolver.DialplanFlags(did)
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := w.r.cmd.SetVariable(ctx, w.channel, name, flags[name]); err != nil {
			logger.Warn("setting channel variable failed", "variable", name, "error", err)
		}
	}
}

// onHangup stops the recording and hands it to ingestion.
func (w *worker) onHangup(ctx context.Context) bool {
	r := w.r
	c := w.info()
	logger := r.logger.With("channel", w.channel, "did", c.DID, "project_id", c.ProjectID)

	if c.State != StateRecording {
		logger.Debug("hangup before recording started", "state", c.State.String())
		return true
	}

	if err := r.cmd.StopRecording(ctx, w.channel); err != nil {
		// The PBX closes the file on hangup regardless.
		logger.Warn("stopping recording failed", "error", err)
	}

	var rec voicemail.Recording
	w.update(func(c *call) {
		c.state = StateCompleted
		rec = voicemail.Recording{
			Ref:       c.recordingRef,
			Path:      c.recordingPath,
			CallerID:  c.callerID,
			DID:       c.did,
			StartedAt: c.startedAt,
		}
	})

	r.ingest.Submit(rec)
	r.completed.Add(1)
	logger.Info("call completed, recording queued", "recording_ref", rec.Ref)
	return true
}
