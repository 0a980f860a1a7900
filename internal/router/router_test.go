package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/vmrouter/internal/database/models"
	"github.com/flowpbx/vmrouter/internal/registry"
	"github.com/flowpbx/vmrouter/internal/voicemail"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubResolver struct {
	mu       sync.Mutex
	projects map[string]*models.Project
	settings models.Settings
}

func (s *stubResolver) Resolve(did string) (*models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.projects[did]; ok {
		return p, nil
	}
	return nil, registry.ErrNotFound
}

func (s *stubResolver) Settings() models.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

func (s *stubResolver) DialplanFlags(did string) map[string]string {
	_, err := s.Resolve(did)
	flags := map[string]string{VarDIDExists: "0", VarCatchAllEnabled: "0"}
	if err == nil {
		flags[VarDIDExists] = "1"
	}
	if s.Settings().CatchAllEnabled {
		flags[VarCatchAllEnabled] = "1"
	}
	return flags
}

// fakeCommander logs every command as "verb channel arg".
type fakeCommander struct {
	mu       sync.Mutex
	log      []string
	startErr error
	block    map[string]chan struct{}
}

func (f *fakeCommander) record(s string) {
	f.mu.Lock()
	f.log = append(f.log, s)
	f.mu.Unlock()
}

func (f *fakeCommander) commands(channel string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.log {
		if strings.Contains(c, " "+channel) {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeCommander) Playback(ctx context.Context, channel, file string) error {
	f.mu.Lock()
	gate := f.block[channel]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.record(fmt.Sprintf("playback %s %s", channel, file))
	return nil
}

func (f *fakeCommander) StartRecording(_ context.Context, channel, path string) error {
	f.record(fmt.Sprintf("record %s %s", channel, path))
	return f.startErr
}

func (f *fakeCommander) StopRecording(_ context.Context, channel string) error {
	f.record(fmt.Sprintf("stop %s", channel))
	return nil
}

func (f *fakeCommander) SetVariable(_ context.Context, channel, name, value string) error {
	f.record(fmt.Sprintf("setvar %s %s=%s", channel, name, value))
	return nil
}

type fakeIngester struct {
	recs chan voicemail.Recording
}

func (f *fakeIngester) Submit(rec voicemail.Recording) {
	f.recs <- rec
}

type routerFixture struct {
	resolver *stubResolver
	cmd      *fakeCommander
	ingest   *fakeIngester
	router   *Router
	spool    string
	cancel   context.CancelFunc
	done     chan struct{}
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	f := &routerFixture{
		resolver: &stubResolver{
			projects: map[string]*models.Project{
				"+15551000": {ID: "p1", Name: "Roadworks", GreetingFile: "custom/roadworks"},
				"+15552000": {ID: "p2", Name: "No greeting"},
			},
			settings: models.DefaultSettings(),
		},
		cmd:    &fakeCommander{block: make(map[string]chan struct{})},
		ingest: &fakeIngester{recs: make(chan voicemail.Recording, 16)},
		spool:  t.TempDir(),
		done:   make(chan struct{}),
	}
	f.router = New(Config{SpoolDir: f.spool, EventBuffer: 8}, f.resolver, f.cmd, f.ingest, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() {
		f.router.Run(ctx)
		close(f.done)
	}()
	t.Cleanup(f.stop)
	return f
}

func (f *routerFixture) stop() {
	f.cancel()
	<-f.done
}

func (f *routerFixture) dispatch(t *testing.T, ev Event) {
	t.Helper()
	if err := f.router.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch(%+v) error: %v", ev, err)
	}
}

func (f *routerFixture) nextRecording(t *testing.T) voicemail.Recording {
	t.Helper()
	select {
	case rec := <-f.ingest.recs:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for recording hand-off")
		return voicemail.Recording{}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestKnownDIDRecordsAndIngests(t *testing.T) {
	f := newRouterFixture(t)

	f.dispatch(t, NewCall{Channel: "SIP/trunk-0001", CallerID: "+15550123", DID: "+15551000"})
	waitFor(t, "recording state", func() bool {
		calls := f.router.ActiveCalls()
		return len(calls) == 1 && calls[0].State == StateRecording
	})

	call := f.router.ActiveCalls()[0]
	if call.ProjectID != "p1" || call.DID != "+15551000" || call.CallerID != "+15550123" {
		t.Errorf("active call = %+v", call)
	}

	f.dispatch(t, Hangup{Channel: "SIP/trunk-0001"})
	rec := f.nextRecording(t)

	wantPath := filepath.Join(f.spool, rec.Ref+".wav")
	if rec.Path != wantPath || rec.DID != "+15551000" || rec.CallerID != "+15550123" || rec.StartedAt.IsZero() {
		t.Errorf("recording = %+v", rec)
	}

	want := []string{
		"setvar SIP/trunk-0001 CATCH_ALL_ENABLED=0",
		"setvar SIP/trunk-0001 DID_EXISTS=1",
		"playback SIP/trunk-0001 custom/roadworks",
		"record SIP/trunk-0001 " + wantPath,
		"stop SIP/trunk-0001",
	}
	got := f.cmd.commands("SIP/trunk-0001")
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("commands:\n%s\nwant:\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
	}

	waitFor(t, "call pruned", func() bool { return len(f.router.ActiveCalls()) == 0 })
	if s := f.router.Stats(); s.Routed != 1 || s.Completed != 1 || s.Missed != 0 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestDefaultGreetingWhenProjectHasNone(t *testing.T) {
	f := newRouterFixture(t)
	f.dispatch(t, NewCall{Channel: "c2", CallerID: "1", DID: "+15552000"})
	f.dispatch(t, Hangup{Channel: "c2"})
	f.nextRecording(t)

	found := false
	for _, c := range f.cmd.commands("c2") {
		if c == "playback c2 "+models.DefaultSettings().DefaultGreeting {
			found = true
		}
	}
	if !found {
		t.Errorf("default greeting not played: %v", f.cmd.commands("c2"))
	}
}

func TestUnknownDIDCatchAllDisabledIsRoutingMiss(t *testing.T) {
	f := newRouterFixture(t)

	f.dispatch(t, NewCall{Channel: "c3", CallerID: "+15550123", DID: "+19998887777"})
	waitFor(t, "routing miss", func() bool { return f.router.Stats().Missed == 1 })
	f.dispatch(t, Hangup{Channel: "c3"})

	// Flush the queue through a second, unrelated call.
	f.dispatch(t, NewCall{Channel: "c4", CallerID: "1", DID: "+15551000"})
	waitFor(t, "second call", func() bool { return f.router.Stats().Routed == 1 })

	for _, c := range f.cmd.commands("c3") {
		if !strings.HasPrefix(c, "setvar ") {
			t.Errorf("routing miss issued %q", c)
		}
	}
	if n := len(f.cmd.commands("c3")); n != 2 {
		t.Errorf("routing miss commands = %d, want only the two dialplan variables", n)
	}
	select {
	case rec := <-f.ingest.recs:
		t.Errorf("unexpected ingestion %+v", rec)
	default:
	}
	for _, c := range f.router.ActiveCalls() {
		if c.Channel == "c3" {
			t.Error("routing miss left channel state behind")
		}
	}
}

func TestUnknownDIDCatchAllEnabled(t *testing.T) {
	f := newRouterFixture(t)
	f.resolver.mu.Lock()
	f.resolver.settings.CatchAllEnabled = true
	f.resolver.mu.Unlock()

	f.dispatch(t, NewCall{Channel: "c5", CallerID: "+15550123", DID: "+19998887777"})
	f.dispatch(t, Hangup{Channel: "c5"})
	rec := f.nextRecording(t)

	if rec.DID != models.CatchAllDID {
		t.Errorf("recording DID = %q, want catch-all sentinel", rec.DID)
	}
	cmds := f.cmd.commands("c5")
	if len(cmds) < 3 || cmds[2] != "playback c5 "+models.DefaultSettings().CatchAllGreeting {
		t.Fatalf("commands = %v, want catch-all greeting", cmds)
	}
	if cmds[0] != "setvar c5 CATCH_ALL_ENABLED=1" || cmds[1] != "setvar c5 DID_EXISTS=0" {
		t.Errorf("dialplan variables = %v", cmds[:2])
	}
}

func TestStrayHangupIsNoop(t *testing.T) {
	f := newRouterFixture(t)
	f.dispatch(t, Hangup{Channel: "ghost"})
	f.dispatch(t, NewCall{Channel: "real", CallerID: "1", DID: "+15551000"})
	waitFor(t, "real call", func() bool { return f.router.Stats().Routed == 1 })

	if cmds := f.cmd.commands("ghost"); len(cmds) != 0 {
		t.Errorf("stray hangup issued %v", cmds)
	}
}

func TestStartRecordingFailureDropsCall(t *testing.T) {
	f := newRouterFixture(t)
	f.cmd.startErr = errors.New("channel gone")

	f.dispatch(t, NewCall{Channel: "c6", CallerID: "1", DID: "+15551000"})
	waitFor(t, "failure counted", func() bool { return f.router.Stats().Failed == 1 })
	waitFor(t, "call dropped", func() bool { return len(f.router.ActiveCalls()) == 0 })

	f.dispatch(t, Hangup{Channel: "c6"})
	select {
	case rec := <-f.ingest.recs:
		t.Errorf("dropped call was ingested: %+v", rec)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDuplicateNewCallIgnored(t *testing.T) {
	f := newRouterFixture(t)

	f.dispatch(t, NewCall{Channel: "c7", CallerID: "1", DID: "+15551000"})
	waitFor(t, "recording", func() bool { return f.router.Stats().Routed == 1 })
	f.dispatch(t, NewCall{Channel: "c7", CallerID: "2", DID: "+15552000"})
	f.dispatch(t, Hangup{Channel: "c7"})

	rec := f.nextRecording(t)
	if rec.CallerID != "1" || rec.DID != "+15551000" {
		t.Errorf("recording = %+v, want the original call", rec)
	}
	if s := f.router.Stats(); s.Routed != 1 {
		t.Errorf("Routed = %d, want 1", s.Routed)
	}
}

func TestSlowChannelDoesNotBlockOthers(t *testing.T) {
	f := newRouterFixture(t)
	gate := make(chan struct{})
	f.cmd.mu.Lock()
	f.cmd.block["slow"] = gate
	f.cmd.mu.Unlock()

	f.dispatch(t, NewCall{Channel: "slow", CallerID: "1", DID: "+15551000"})
	f.dispatch(t, NewCall{Channel: "fast", CallerID: "2", DID: "+15552000"})
	f.dispatch(t, Hangup{Channel: "fast"})

	rec := f.nextRecording(t)
	if rec.CallerID != "2" {
		t.Fatalf("first completed call = %+v, want the fast channel", rec)
	}

	close(gate)
	f.dispatch(t, Hangup{Channel: "slow"})
	rec = f.nextRecording(t)
	if rec.CallerID != "1" {
		t.Errorf("second completed call = %+v", rec)
	}
}

func TestDispatchAfterStop(t *testing.T) {
	f := newRouterFixture(t)
	f.stop()

	// Fill the buffer so the stopped channel is the only ready case.
	for i := 0; i < cap(f.router.events); i++ {
		f.router.events <- Hangup{Channel: "x"}
	}
	err := f.router.Dispatch(context.Background(), Hangup{Channel: "y"})
	if !errors.Is(err, ErrStopped) {
		t.Errorf("Dispatch() after stop error = %v, want ErrStopped", err)
	}
}
