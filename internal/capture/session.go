package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is the lifecycle position of a Session.
type State int

const (
	StateIdle State = iota
	StateArmed
	StateRecording
	StateFinalizing
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateRecording:
		return "recording"
	case StateFinalizing:
		return "finalizing"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Outcome summarizes how a session ended.
type Outcome int

const (
	// OutcomeNoMotion means the session was armed but nothing crossed the
	// motion threshold before the arm window closed or the stream ended.
	OutcomeNoMotion Outcome = iota
	// OutcomeCompleted means a clip with at least one frame was finalized.
	OutcomeCompleted
	// OutcomeAborted means the camera or clip failed; any partial clip was discarded.
	OutcomeAborted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoMotion:
		return "no-motion"
	case OutcomeCompleted:
		return "completed"
	case OutcomeAborted:
		return "aborted"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Config holds the per-session tunables.
type Config struct {
	Device   int
	ClipPath string
	FPS      float64

	// InactivityTimeout is how long motion must stay below threshold before
	// a recording is finalized.
	InactivityTimeout time.Duration
	// ArmTimeout bounds how long an armed session waits for motion. Zero waits
	// until the stream ends or the context is cancelled.
	ArmTimeout time.Duration

	OpenAttempts  int
	ReadAttempts  int
	RetryInterval time.Duration
}

// DefaultConfig mirrors the timings the daemon ships with.
func DefaultConfig() Config {
	return Config{
		ClipPath:          "recording.avi",
		FPS:               20,
		InactivityTimeout: 5 * time.Second,
		ArmTimeout:        30 * time.Second,
		OpenAttempts:      3,
		ReadAttempts:      10,
		RetryInterval:     200 * time.Millisecond,
	}
}

// Deps are the collaborators a Session drives.
type Deps struct {
	Source   Source
	Detector MotionDetector
	Clips    ClipSink
	Logger   *zap.Logger
	// Clock defaults to time.Now.
	Clock func() time.Time
	// OnFrame, when set, is called after every frame past the baseline with
	// the session clock's time.
	OnFrame func(now time.Time)
}

// Result describes a finished session.
type Result struct {
	SessionID string
	Outcome   Outcome
	Err       error

	ClipPath string
	Frames   int
	Width    int
	Height   int
	// Recorded is true once the session reached Recording, whatever the outcome.
	Recorded bool

	StartedAt          time.Time
	RecordingStartedAt time.Time
	LastMotionAt       time.Time
	EndedAt            time.Time
}

// Session owns one recording attempt. It is single use: Run may be called once.
type Session struct {
	id       string
	cfg      Config
	source   Source
	detector MotionDetector
	clips    ClipSink
	log      *zap.Logger
	now      func() time.Time
	onFrame  func(time.Time)

	mu    sync.Mutex
	state State

	clip               ClipWriter
	frames             int
	width              int
	height             int
	armedAt            time.Time
	recordingStartedAt time.Time
	lastMotionAt       time.Time
}

// NewSession creates an idle session.
func NewSession(cfg Config, deps Deps) *Session {
	id := uuid.NewString()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	if cfg.OpenAttempts < 1 {
		cfg.OpenAttempts = 1
	}
	if cfg.ReadAttempts < 1 {
		cfg.ReadAttempts = 1
	}
	return &Session{
		id:       id,
		cfg:      cfg,
		source:   deps.Source,
		detector: deps.Detector,
		clips:    deps.Clips,
		log:      logger.With(zap.String("session", id)),
		now:      clock,
		onFrame:  deps.OnFrame,
		state:    StateIdle,
	}
}

// ID returns the session identifier used in logs and alerts.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state. Safe for concurrent use.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev != next {
		s.log.Debug("session state", zap.Stringer("from", prev), zap.Stringer("to", next))
	}
}

// Run drives the session to a terminal outcome and returns to Idle. The
// camera stream is released on every path out of Run.
func (s *Session) Run(ctx context.Context) Result {
	res := Result{
		SessionID: s.id,
		ClipPath:  s.cfg.ClipPath,
		StartedAt: s.now(),
	}
	defer s.setState(StateIdle)

	stream, err := s.open(ctx)
	if err != nil {
		return s.abort(res, fmt.Errorf("open camera %d: %w", s.cfg.Device, err))
	}
	release := sync.OnceFunc(func() {
		if err := stream.Close(); err != nil {
			s.log.Warn("camera release failed", zap.Error(err))
		}
	})
	defer release()

	first, err := s.read(ctx, stream)
	if err != nil {
		return s.abort(res, fmt.Errorf("read first frame: %w", err))
	}
	s.width, s.height = first.Size()
	s.detector.Reset()
	_, err = s.detector.Update(first)
	first.Close()
	if err != nil {
		return s.abort(res, fmt.Errorf("establish motion baseline: %w", err))
	}

	s.armedAt = s.now()
	s.setState(StateArmed)
	s.log.Info("session armed", zap.Int("width", s.width), zap.Int("height", s.height))

	for {
		frame, err := s.read(ctx, stream)
		if err != nil {
			if s.State() == StateArmed && errors.Is(err, ErrEndOfStream) {
				return s.noMotion(res, "stream ended")
			}
			return s.abort(res, fmt.Errorf("read frame: %w", err))
		}

		done, err := s.step(frame)
		frame.Close()
		if err != nil {
			return s.abort(res, err)
		}
		if s.onFrame != nil {
			s.onFrame(s.now())
		}
		if done {
			if s.State() == StateArmed {
				return s.noMotion(res, "arm timeout")
			}
			release()
			return s.finalize(res)
		}
	}
}

// step feeds one frame through the state machine. It reports done when the
// session should leave the capture loop.
func (s *Session) step(frame Frame) (bool, error) {
	metrics, err := s.detector.Update(frame)
	if err != nil {
		s.log.Debug("motion update failed", zap.Int64("seq", frame.Seq()), zap.Error(err))
		metrics = MotionMetrics{}
	}
	now := s.now()

	if s.State() == StateArmed {
		if !metrics.Motion {
			return s.cfg.ArmTimeout > 0 && now.Sub(s.armedAt) >= s.cfg.ArmTimeout, nil
		}
		clip, err := s.clips.Create(s.cfg.ClipPath, s.cfg.FPS, s.width, s.height)
		if err != nil {
			return false, fmt.Errorf("create clip %s: %w", s.cfg.ClipPath, err)
		}
		s.clip = clip
		s.recordingStartedAt = now
		s.setState(StateRecording)
		s.log.Info("motion detected, recording",
			zap.Int("pixel_delta", metrics.PixelDeltaCount),
			zap.String("clip", s.cfg.ClipPath))
	}

	if metrics.Motion {
		s.lastMotionAt = now
	}
	if err := s.clip.Append(frame); err != nil {
		return false, fmt.Errorf("append frame %d: %w", frame.Seq(), err)
	}
	s.frames++

	return now.Sub(s.lastMotionAt) > s.cfg.InactivityTimeout, nil
}

func (s *Session) finalize(res Result) Result {
	s.setState(StateFinalizing)
	res = s.fill(res)
	clip := s.clip
	s.clip = nil
	if err := clip.Finalize(); err != nil {
		if derr := clip.Discard(); derr != nil {
			s.log.Warn("discard clip failed", zap.Error(derr))
		}
		res.Outcome = OutcomeAborted
		res.Err = fmt.Errorf("finalize clip: %w", err)
		s.setState(StateAborted)
		s.log.Warn("session aborted", zap.Error(res.Err))
		return res
	}
	res.Outcome = OutcomeCompleted
	s.setState(StateCompleted)
	s.log.Info("recording finished",
		zap.Int("frames", res.Frames),
		zap.Duration("inactivity", s.cfg.InactivityTimeout),
		zap.Duration("length", res.EndedAt.Sub(res.RecordingStartedAt)))
	return res
}

func (s *Session) abort(res Result, err error) Result {
	if s.clip != nil {
		if derr := s.clip.Discard(); derr != nil {
			s.log.Warn("discard clip failed", zap.Error(derr))
		}
		s.clip = nil
	}
	res = s.fill(res)
	res.Outcome = OutcomeAborted
	res.Err = err
	s.setState(StateAborted)
	s.log.Warn("session aborted", zap.Error(err), zap.Bool("recorded", res.Recorded))
	return res
}

func (s *Session) noMotion(res Result, reason string) Result {
	res = s.fill(res)
	res.Outcome = OutcomeNoMotion
	s.log.Info("no motion while armed", zap.String("reason", reason))
	return res
}

func (s *Session) fill(res Result) Result {
	res.Frames = s.frames
	res.Width = s.width
	res.Height = s.height
	res.Recorded = !s.recordingStartedAt.IsZero()
	res.RecordingStartedAt = s.recordingStartedAt
	res.LastMotionAt = s.lastMotionAt
	res.EndedAt = s.now()
	return res
}

func (s *Session) open(ctx context.Context) (Stream, error) {
	var stream Stream
	op := func() error {
		st, err := s.source.Open(ctx, s.cfg.Device)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			s.log.Debug("camera open failed", zap.Error(err))
			return err
		}
		stream = st
		return nil
	}
	if err := backoff.Retry(op, s.retryPolicy(ctx, s.cfg.OpenAttempts)); err != nil {
		return nil, err
	}
	return stream, nil
}

// read retries transient read failures. End of stream and cancellation are final.
func (s *Session) read(ctx context.Context, stream Stream) (Frame, error) {
	var frame Frame
	op := func() error {
		f, err := stream.Read(ctx)
		if err != nil {
			if errors.Is(err, ErrEndOfStream) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			s.log.Debug("camera read failed", zap.Error(err))
			return err
		}
		frame = f
		return nil
	}
	if err := backoff.Retry(op, s.retryPolicy(ctx, s.cfg.ReadAttempts)); err != nil {
		return nil, err
	}
	return frame, nil
}

func (s *Session) retryPolicy(ctx context.Context, attempts int) backoff.BackOff {
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(s.cfg.RetryInterval), uint64(attempts-1))
	return backoff.WithContext(b, ctx)
}
