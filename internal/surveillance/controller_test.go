package surveillance_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mikeyg42/lockguard/internal/capture"
	"github.com/mikeyg42/lockguard/internal/capture/capturetest"
	"github.com/mikeyg42/lockguard/internal/face"
	"github.com/mikeyg42/lockguard/internal/lockstate"
	"github.com/mikeyg42/lockguard/internal/notification"
	"github.com/mikeyg42/lockguard/internal/surveillance"
)

const (
	clipPath     = "recording.avi"
	snapshotPath = "face.jpg"
)

type scriptedMonitor struct {
	mu      sync.Mutex
	states  []lockstate.State
	polls   int
	panicAt int
}

func (m *scriptedMonitor) Poll(ctx context.Context) lockstate.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.polls++
	if m.polls == m.panicAt {
		panic("probe exploded")
	}
	if i := m.polls - 1; i < len(m.states) {
		return m.states[i]
	}
	return lockstate.Unlocked
}

func (m *scriptedMonitor) Polls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.polls
}

type recordingDispatcher struct {
	mu     sync.Mutex
	errs   []error
	alerts []notification.Alert
	calls  int
}

func (d *recordingDispatcher) Send(ctx context.Context, a notification.Alert) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		if err != nil {
			return err
		}
	}
	d.alerts = append(d.alerts, a)
	return nil
}

func (d *recordingDispatcher) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *recordingDispatcher) Alerts() []notification.Alert {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]notification.Alert(nil), d.alerts...)
}

type panickingFinder struct {
	once sync.Once
	next surveillance.FaceFinder
}

func (p *panickingFinder) Find(ctx context.Context, path string) (face.Match, error) {
	fired := false
	p.once.Do(func() { fired = true })
	if fired {
		panic("classifier crashed")
	}
	return p.next.Find(ctx, path)
}

type harness struct {
	clock      *capturetest.Clock
	monitor    *scriptedMonitor
	source     *capturetest.Source
	motion     *capturetest.Motion
	clips      *capturetest.Clips
	faces      *capturetest.Faces
	finder     surveillance.FaceFinder
	dispatcher *recordingDispatcher
	logger     *zap.Logger
	logs       *observer.ObservedLogs
	cfg        surveillance.Config

	mu      sync.Mutex
	written map[string][]byte
}

// newHarness models scenario B by default: frames 1-10 carry motion above
// the 5000 pixel minimum and the camera delivers 200 frames at 20 fps.
func newHarness() *harness {
	clock := capturetest.NewClock(time.Date(2024, 1, 1, 22, 0, 0, 0, time.UTC))
	core, logs := observer.New(zapcore.DebugLevel)

	sess := capture.DefaultConfig()
	sess.ClipPath = clipPath
	sess.RetryInterval = time.Millisecond

	h := &harness{
		clock:      clock,
		monitor:    &scriptedMonitor{},
		source:     &capturetest.Source{Frames: 200, Clock: clock, Interval: 50 * time.Millisecond},
		motion:     &capturetest.Motion{Deltas: capturetest.Burst(1, 10, 8000), Min: 5000},
		clips:      &capturetest.Clips{},
		faces:      &capturetest.Faces{In: map[int64]bool{3: true}},
		dispatcher: &recordingDispatcher{},
		logger:     zap.New(core),
		logs:       logs,
		cfg: surveillance.Config{
			PollInterval: time.Millisecond,
			// Sessions last seconds on the fake clock; scripted polls
			// belong to the loop unless a test shortens this.
			SessionPollInterval: time.Hour,
			Session:             sess,
			SnapshotPath:        snapshotPath,
			Recipient:           "owner@example.com",
			SystemName:          "desk-1",
		},
		written: make(map[string][]byte),
	}
	h.finder = face.NewScanner(h.clips, h.faces, nil)
	return h
}

func (h *harness) controller(t *testing.T) *surveillance.Controller {
	t.Helper()
	c, err := surveillance.NewController(h.cfg, surveillance.Deps{
		Monitor:    h.monitor,
		Source:     h.source,
		Detector:   h.motion,
		Clips:      h.clips,
		Faces:      h.finder,
		Snapshots:  h.clips,
		Dispatcher: h.dispatcher,
		WriteSnapshot: func(path string, data []byte) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.written[path] = append([]byte(nil), data...)
			return nil
		},
		Logger: h.logger,
		Clock:  h.clock.Now,
	})
	require.NoError(t, err)
	return c
}

func (h *harness) snapshot(path string) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.written[path]
}

func (h *harness) events(name string) int {
	return h.logs.FilterField(zap.String("event", name)).Len()
}

func TestScenarioNoMotionSendsNothing(t *testing.T) {
	h := newHarness()
	h.source.Frames = 50
	h.motion.Deltas = nil
	c := h.controller(t)

	rep, err := c.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, capture.OutcomeNoMotion, rep.Session.Outcome)
	assert.Equal(t, surveillance.EventNoMotion, rep.Event)
	assert.False(t, rep.Session.Recorded)
	assert.Zero(t, h.clips.Creates())
	assert.Empty(t, h.faces.Scanned())
	assert.Zero(t, h.dispatcher.Calls())
	assert.False(t, c.Latched(), "a session without recording never latches")
	assert.Equal(t, 1, h.events(surveillance.EventNoMotion))
}

func TestScenarioFaceTriggersOneAlert(t *testing.T) {
	h := newHarness()
	c := h.controller(t)

	rep, err := c.RunCycle(context.Background())
	require.NoError(t, err)

	require.Equal(t, capture.OutcomeCompleted, rep.Session.Outcome, "err: %v", rep.Session.Err)
	frames := h.clips.Frames(clipPath)
	require.NotEmpty(t, frames)
	assert.Equal(t, int64(1), frames[0])
	assert.Equal(t, int64(111), frames[len(frames)-1])

	assert.True(t, rep.FaceFound)
	assert.Equal(t, int64(3), rep.FaceFrame)
	assert.Equal(t, []int64{1, 2, 3}, h.faces.Scanned(), "scan stops at the first face")

	require.Equal(t, 1, h.dispatcher.Calls())
	a := h.dispatcher.Alerts()[0]
	assert.Equal(t, "owner@example.com", a.Recipient)
	assert.Equal(t, []byte("frame-1"), a.Attachment.Data, "first recorded frame is attached")
	assert.Equal(t, "image/jpeg", a.Attachment.ContentType)
	assert.Contains(t, a.Subject, "desk-1")
	assert.Contains(t, a.Body, rep.Session.SessionID)
	assert.Equal(t, rep.AlertID, a.ID)

	assert.Equal(t, []byte("frame-1"), h.snapshot(snapshotPath))
	assert.True(t, rep.AlertSent)
	assert.Equal(t, surveillance.EventAlertSent, rep.Event)
	assert.Equal(t, 1, h.events(surveillance.EventCompleted))
	assert.Equal(t, 1, h.events(surveillance.EventAlertSent))
	assert.Equal(t, surveillance.StateWatching, c.State())
	assert.Zero(t, h.source.Active())
}

func TestScenarioNoFaceSendsNothing(t *testing.T) {
	h := newHarness()
	h.faces.In = nil
	c := h.controller(t)

	rep, err := c.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, capture.OutcomeCompleted, rep.Session.Outcome)
	assert.False(t, rep.FaceFound)
	assert.Equal(t, surveillance.EventFaceAbsent, rep.Event)
	assert.Len(t, h.faces.Scanned(), len(h.clips.Frames(clipPath)), "every frame is examined")
	assert.Zero(t, h.dispatcher.Calls())
	assert.Nil(t, h.snapshot(snapshotPath))
	assert.Equal(t, 1, h.events(surveillance.EventFaceAbsent))
}

func TestScenarioAuthFailureIsLoggedAndLoopContinues(t *testing.T) {
	h := newHarness()
	h.dispatcher.errs = []error{&notification.DispatchError{
		Kind: notification.KindAuth,
		Op:   "auth",
		Err:  errors.New("535 5.7.8 bad credentials"),
	}}
	c := h.controller(t)

	rep, err := c.RunCycle(context.Background())
	require.NoError(t, err, "dispatch failures do not fail the cycle")
	assert.Equal(t, surveillance.EventAlertFailed, rep.Event)
	assert.Equal(t, notification.KindAuth, notification.KindOf(rep.AlertErr))
	assert.False(t, rep.AlertSent)
	assert.Equal(t, surveillance.StateWatching, c.State())

	failed := h.logs.FilterField(zap.String("event", surveillance.EventAlertFailed)).All()
	require.Len(t, failed, 1)
	assert.Equal(t, "auth", failed[0].ContextMap()["kind"])
	assert.Zero(t, h.events(surveillance.EventFaceAbsent), "delivery failure is not reported as no face")

	rep, err = c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.AlertSent)
	assert.Equal(t, 2, h.dispatcher.Calls())
	assert.Len(t, h.dispatcher.Alerts(), 1)
}

func TestCycleAbortsOnCameraFailure(t *testing.T) {
	h := newHarness()
	h.source.FailOpens = 100
	c := h.controller(t)

	rep, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, capture.OutcomeAborted, rep.Session.Outcome)
	assert.Equal(t, surveillance.EventAborted, rep.Event)
	assert.ErrorIs(t, rep.Session.Err, capturetest.ErrOpen)
	assert.Zero(t, h.dispatcher.Calls())
	assert.False(t, c.Latched())
}

func TestSnapshotFailureSkipsAlert(t *testing.T) {
	h := newHarness()
	c, err := surveillance.NewController(h.cfg, surveillance.Deps{
		Monitor:    h.monitor,
		Source:     h.source,
		Detector:   h.motion,
		Clips:      h.clips,
		Faces:      h.finder,
		Snapshots:  failingSnapshots{},
		Dispatcher: h.dispatcher,
		Logger:     h.logger,
		Clock:      h.clock.Now,
	})
	require.NoError(t, err)

	rep, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.FaceFound)
	assert.Equal(t, surveillance.EventSnapshotFailed, rep.Event)
	assert.Zero(t, h.dispatcher.Calls())
}

type failingSnapshots struct{}

func (failingSnapshots) Snapshot(ctx context.Context, path string) ([]byte, error) {
	return nil, errors.New("no decodable frame")
}

func TestRunCycleIsExclusive(t *testing.T) {
	h := newHarness()
	h.source.Gate = make(chan struct{})
	c := h.controller(t)

	const callers = 8
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, err := c.RunCycle(context.Background())
			errs <- err
		}()
	}

	for i := 0; i < callers-1; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, surveillance.ErrSessionActive)
		case <-time.After(5 * time.Second):
			t.Fatal("concurrent callers were not rejected")
		}
	}
	assert.Equal(t, surveillance.StateSessionActive, c.State())
	close(h.source.Gate)

	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("winning cycle did not finish")
	}
	assert.Equal(t, 1, h.source.MaxOpen())
	assert.Equal(t, 1, h.source.Opens())
	assert.Equal(t, 1, h.dispatcher.Calls())
	assert.Equal(t, surveillance.StateWatching, c.State())
}

func TestRunCycleRecoversPanics(t *testing.T) {
	h := newHarness()
	h.finder = &panickingFinder{next: h.finder}
	c := h.controller(t)

	_, err := c.RunCycle(context.Background())
	require.ErrorIs(t, err, surveillance.ErrCyclePanicked)
	assert.Equal(t, surveillance.StateWatching, c.State())
	assert.Zero(t, h.source.Active(), "camera released despite the panic")

	rep, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.AlertSent)
}

// lockCycle is locked for three polls, unlocked for one, then locked again once.
var lockCycle = []lockstate.State{
	lockstate.Locked, lockstate.Locked, lockstate.Locked,
	lockstate.Unlocked,
	lockstate.Locked,
}

func runUntilPolled(t *testing.T, c *surveillance.Controller, m *scriptedMonitor, polls int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return m.Polls() >= polls }, 10*time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRearmAfterUnlock(t *testing.T) {
	h := newHarness()
	h.monitor.states = lockCycle
	h.cfg.Rearm = surveillance.RearmAfterUnlock
	c := h.controller(t)

	runUntilPolled(t, c, h.monitor, len(lockCycle)+3)

	assert.Equal(t, 2, h.source.Opens(), "latched until the unlock at poll 4")
	assert.Equal(t, 2, h.dispatcher.Calls())
}

func TestRearmImmediate(t *testing.T) {
	h := newHarness()
	h.monitor.states = lockCycle
	h.cfg.Rearm = surveillance.RearmImmediate
	c := h.controller(t)

	runUntilPolled(t, c, h.monitor, len(lockCycle)+3)

	assert.Equal(t, 4, h.source.Opens(), "every locked poll starts a session")
	assert.Equal(t, 4, h.dispatcher.Calls())
	assert.False(t, c.Latched())
}

func TestRelockDuringSessionArmsAgain(t *testing.T) {
	L, U := lockstate.Locked, lockstate.Unlocked
	h := newHarness()
	// Poll 1 starts a session. Its first in-session sample sees the owner
	// unlock, and every later sample sees the screen locked again.
	h.monitor.states = []lockstate.State{L, U, L, L, L, L, L, L, L, L, L, L, L, L, L, L}
	h.cfg.Rearm = surveillance.RearmAfterUnlock
	h.cfg.SessionPollInterval = time.Second
	c := h.controller(t)

	runUntilPolled(t, c, h.monitor, len(h.monitor.states)+4)

	assert.Equal(t, 2, h.source.Opens(), "the lock after the mid-session unlock armed a second session")
	assert.Equal(t, 2, h.dispatcher.Calls())
	assert.Equal(t, 1, h.logs.FilterMessage("unlock observed during session, not latching").Len())
}

func TestSessionWithoutUnlockLatches(t *testing.T) {
	h := newHarness()
	for i := 0; i < 20; i++ {
		h.monitor.states = append(h.monitor.states, lockstate.Locked)
	}
	h.cfg.SessionPollInterval = time.Second

	c := h.controller(t)
	_, err := c.RunCycle(context.Background())
	require.NoError(t, err)

	assert.True(t, c.Latched())
	assert.GreaterOrEqual(t, h.monitor.Polls(), 5, "sampled about once a second during a 5.5s session")
}

func TestRunSurvivesPanickingMonitor(t *testing.T) {
	h := newHarness()
	h.monitor.states = []lockstate.State{lockstate.Unlocked, lockstate.Locked}
	h.monitor.panicAt = 2
	c := h.controller(t)

	runUntilPolled(t, c, h.monitor, 5)

	assert.Equal(t, 1, h.logs.FilterMessage("surveillance loop panicked").Len())
	assert.Zero(t, h.source.Opens())
}

func TestNewControllerRequiresCollaborators(t *testing.T) {
	_, err := surveillance.NewController(surveillance.Config{}, surveillance.Deps{})
	assert.Error(t, err)
}

func TestParseRearmPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    surveillance.RearmPolicy
		wantErr bool
	}{
		{"", surveillance.RearmAfterUnlock, false},
		{"after-unlock", surveillance.RearmAfterUnlock, false},
		{"Immediate", surveillance.RearmImmediate, false},
		{"sometimes", surveillance.RearmAfterUnlock, true},
	}
	for _, tt := range tests {
		got, err := surveillance.ParseRearmPolicy(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
	assert.Equal(t, "immediate", surveillance.RearmImmediate.String())
	assert.Equal(t, "after-unlock", surveillance.RearmAfterUnlock.String())
}
