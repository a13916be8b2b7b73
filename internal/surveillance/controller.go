// Package surveillance ties the lock monitor to capture sessions, the face
// gate and alert delivery. A Controller owns the only camera session the
// process may run.
package surveillance

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/lockguard/internal/capture"
	"github.com/mikeyg42/lockguard/internal/face"
	"github.com/mikeyg42/lockguard/internal/lockstate"
	"github.com/mikeyg42/lockguard/internal/notification"
)

// ErrSessionActive is returned by RunCycle while another cycle holds the camera.
var ErrSessionActive = errors.New("surveillance: session already active")

// ErrCyclePanicked wraps a panic recovered from a cycle.
var ErrCyclePanicked = errors.New("surveillance: cycle panicked")

// RearmPolicy decides when the controller may start another session after
// one that recorded something.
type RearmPolicy int

const (
	// RearmAfterUnlock waits until the screen has been seen unlocked.
	RearmAfterUnlock RearmPolicy = iota
	// RearmImmediate starts the next session on the next locked poll.
	RearmImmediate
)

func (p RearmPolicy) String() string {
	if p == RearmImmediate {
		return "immediate"
	}
	return "after-unlock"
}

// ParseRearmPolicy accepts "after-unlock" and "immediate".
func ParseRearmPolicy(s string) (RearmPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "after-unlock":
		return RearmAfterUnlock, nil
	case "immediate":
		return RearmImmediate, nil
	}
	return RearmAfterUnlock, fmt.Errorf("unknown re-arm policy %q", s)
}

// State of the controller.
type State int32

const (
	StateWatching State = iota
	StateSessionActive
)

func (s State) String() string {
	if s == StateSessionActive {
		return "session-active"
	}
	return "watching"
}

// Event names logged in the "event" field.
const (
	EventNoMotion       = "session.no_motion"
	EventAborted        = "session.aborted"
	EventCompleted      = "session.completed"
	EventFaceAbsent     = "face.absent"
	EventSnapshotFailed = "snapshot.failed"
	EventAlertSent      = "alert.sent"
	EventAlertFailed    = "alert.failed"
)

type Config struct {
	PollInterval time.Duration
	// SessionPollInterval is how often the lock state is sampled between
	// frames while a session runs, on the session clock. Defaults to
	// PollInterval.
	SessionPollInterval time.Duration
	Rearm        RearmPolicy
	Session      capture.Config
	SnapshotPath string
	Recipient    string
	SystemName   string
}

// LockMonitor reports the current lock state. It never fails.
type LockMonitor interface {
	Poll(ctx context.Context) lockstate.State
}

// FaceFinder locates the first face in a finalized clip.
type FaceFinder interface {
	Find(ctx context.Context, path string) (face.Match, error)
}

// Snapshotter extracts the representative JPEG of a finalized clip.
type Snapshotter interface {
	Snapshot(ctx context.Context, path string) ([]byte, error)
}

type Deps struct {
	Monitor    LockMonitor
	Source     capture.Source
	Detector   capture.MotionDetector
	Clips      capture.ClipSink
	Faces      FaceFinder
	Snapshots  Snapshotter
	Dispatcher notification.Dispatcher
	// WriteSnapshot persists the attachment. Nil skips writing.
	WriteSnapshot func(path string, data []byte) error
	Logger        *zap.Logger
	Clock         func() time.Time
}

// Report is what one cycle did.
type Report struct {
	Session   capture.Result
	Event     string
	FaceFound bool
	FaceFrame int64
	AlertID   string
	AlertSent bool
	AlertErr  error
}

type Controller struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
	now  func() time.Time

	active  atomic.Bool
	latched atomic.Bool
}

func NewController(cfg Config, deps Deps) (*Controller, error) {
	switch {
	case deps.Monitor == nil:
		return nil, errors.New("surveillance: lock monitor is required")
	case deps.Source == nil || deps.Detector == nil || deps.Clips == nil:
		return nil, errors.New("surveillance: camera source, motion detector and clip sink are required")
	case deps.Faces == nil || deps.Snapshots == nil:
		return nil, errors.New("surveillance: face finder and snapshotter are required")
	case deps.Dispatcher == nil:
		return nil, errors.New("surveillance: dispatcher is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.SessionPollInterval <= 0 {
		cfg.SessionPollInterval = cfg.PollInterval
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Controller{cfg: cfg, deps: deps, log: logger, now: clock}, nil
}

func (c *Controller) State() State {
	if c.active.Load() {
		return StateSessionActive
	}
	return StateWatching
}

// Latched reports whether the controller is waiting for an unlock before re-arming.
func (c *Controller) Latched() bool { return c.latched.Load() }

// Run polls the lock state every PollInterval and runs a cycle whenever the
// screen is locked and the controller is armed. It returns when ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	c.log.Info("surveillance started",
		zap.Duration("poll_interval", c.cfg.PollInterval),
		zap.Stringer("rearm", c.cfg.Rearm))
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		c.tick(ctx)
		select {
		case <-ctx.Done():
			c.log.Info("surveillance stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Controller) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("surveillance loop panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
	}()
	if ctx.Err() != nil {
		return
	}
	if c.deps.Monitor.Poll(ctx) == lockstate.Unlocked {
		if c.latched.CompareAndSwap(true, false) {
			c.log.Info("unlock observed, re-armed")
		}
		return
	}
	if c.latched.Load() {
		return
	}
	if _, err := c.RunCycle(ctx); err != nil && !errors.Is(err, ErrSessionActive) {
		c.log.Error("surveillance cycle failed", zap.Error(err))
	}
}

// RunCycle runs one session and, when it recorded a clip, the face gate and
// alert. Only one cycle runs at a time; concurrent callers get ErrSessionActive.
func (c *Controller) RunCycle(ctx context.Context) (rep Report, err error) {
	if !c.active.CompareAndSwap(false, true) {
		return Report{}, ErrSessionActive
	}
	defer c.active.Store(false)
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("surveillance cycle panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrCyclePanicked, r)
		}
	}()

	watch := &lockWatch{ctx: ctx, monitor: c.deps.Monitor, every: c.cfg.SessionPollInterval, last: c.now()}
	session := capture.NewSession(c.cfg.Session, capture.Deps{
		Source:   c.deps.Source,
		Detector: c.deps.Detector,
		Clips:    c.deps.Clips,
		Logger:   c.log.Named("session"),
		Clock:    c.now,
		OnFrame:  watch.sample,
	})
	rep.Session = session.Run(ctx)
	res := rep.Session
	log := c.log.With(zap.String("session", res.SessionID))

	// An unlock during the session ends that lock event, so a lock after it
	// must be able to arm a new session.
	if res.Recorded && c.cfg.Rearm == RearmAfterUnlock {
		if watch.unlocked {
			log.Info("unlock observed during session, not latching")
		} else {
			c.latched.Store(true)
		}
	}

	switch res.Outcome {
	case capture.OutcomeNoMotion:
		rep.Event = EventNoMotion
		log.Info("no motion while armed", zap.String("event", rep.Event))
		return rep, nil
	case capture.OutcomeAborted:
		rep.Event = EventAborted
		log.Warn("session aborted", zap.String("event", rep.Event), zap.Error(res.Err))
		return rep, nil
	}
	log.Info("recording finished",
		zap.String("event", EventCompleted),
		zap.Int("frames", res.Frames),
		zap.String("clip", res.ClipPath))

	match, err := c.deps.Faces.Find(ctx, res.ClipPath)
	if err != nil {
		if !errors.Is(err, face.ErrNoFace) {
			log.Warn("face scan failed", zap.Error(err))
		}
		rep.Event = EventFaceAbsent
		log.Info("no face in recording", zap.String("event", rep.Event))
		return rep, nil
	}
	rep.FaceFound = true
	rep.FaceFrame = match.Seq
	log.Info("face detected", zap.Int64("frame", match.Seq), zap.Int("scanned", match.Scanned))

	c.alert(ctx, log, &rep)
	return rep, nil
}

func (c *Controller) alert(ctx context.Context, log *zap.Logger, rep *Report) {
	res := rep.Session
	snapshot, err := c.deps.Snapshots.Snapshot(ctx, res.ClipPath)
	if err != nil {
		rep.Event = EventSnapshotFailed
		rep.AlertErr = err
		log.Error("could not extract snapshot, alert not sent", zap.String("event", rep.Event), zap.Error(err))
		return
	}
	if c.cfg.SnapshotPath != "" && c.deps.WriteSnapshot != nil {
		if err := c.deps.WriteSnapshot(c.cfg.SnapshotPath, snapshot); err != nil {
			log.Warn("write snapshot", zap.String("path", c.cfg.SnapshotPath), zap.Error(err))
		}
	}

	a, err := notification.NewAlert(notification.AlertData{
		SessionID:  res.SessionID,
		SystemName: c.cfg.SystemName,
		DetectedAt: res.RecordingStartedAt,
		Frames:     res.Frames,
		ClipLength: res.EndedAt.Sub(res.RecordingStartedAt),
		FaceFrame:  rep.FaceFrame,
		ClipPath:   res.ClipPath,
	}, c.cfg.Recipient, snapshot)
	if err != nil {
		rep.Event = EventAlertFailed
		rep.AlertErr = err
		log.Error("render alert", zap.String("event", rep.Event), zap.Error(err))
		return
	}
	rep.AlertID = a.ID

	if err := c.deps.Dispatcher.Send(ctx, a); err != nil {
		rep.Event = EventAlertFailed
		rep.AlertErr = err
		log.Error("alert delivery failed",
			zap.String("event", rep.Event),
			zap.Stringer("kind", notification.KindOf(err)),
			zap.String("alert_id", a.ID),
			zap.Error(err))
		return
	}
	rep.Event = EventAlertSent
	rep.AlertSent = true
	log.Info("alert sent", zap.String("event", rep.Event), zap.String("alert_id", a.ID))
}

// lockWatch samples the lock state between session frames.
type lockWatch struct {
	ctx      context.Context
	monitor  LockMonitor
	every    time.Duration
	last     time.Time
	unlocked bool
}

func (w *lockWatch) sample(now time.Time) {
	if w.unlocked || now.Sub(w.last) < w.every {
		return
	}
	w.last = now
	if w.monitor.Poll(w.ctx) == lockstate.Unlocked {
		w.unlocked = true
	}
}
