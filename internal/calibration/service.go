// Package calibration samples the idle scene and suggests a motion pixel
// minimum that the scene's own noise will not cross.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/lockguard/internal/capture"
)

// CalibrationState represents the current state of calibration
type CalibrationState string

const (
	StateIdle     CalibrationState = "idle"
	StateSampling CalibrationState = "sampling"
	StateComplete CalibrationState = "complete"
	StateError    CalibrationState = "error"
)

// MinSamples is the fewest frame deltas a result is computed from.
const MinSamples = 10

var (
	ErrInProgress    = errors.New("calibration already in progress")
	ErrTooFewSamples = errors.New("calibration: too few samples")
)

// CalibrationResult summarizes the pixel deltas of an idle scene.
type CalibrationResult struct {
	Samples int
	Mean    float64
	StdDev  float64
	Max     int
	// SuggestedMinMotionPixels is ceil(mean + 3 stddev), at least 1.
	SuggestedMinMotionPixels int
}

// CalibrationProgress tracks the current progress
type CalibrationProgress struct {
	State    CalibrationState
	Progress float64 // 0-100%
	Message  string
	Result   *CalibrationResult
	Error    error
}

// Service runs one calibration at a time against a camera.
type Service struct {
	source   capture.Source
	detector capture.MotionDetector
	device   int
	duration time.Duration
	now      func() time.Time
	log      *zap.Logger

	mu       sync.RWMutex
	state    CalibrationState
	progress float64
	message  string
	result   *CalibrationResult
	err      error
}

type Options struct {
	Device   int
	Duration time.Duration
	Logger   *zap.Logger
	// Clock defaults to time.Now.
	Clock func() time.Time
}

func NewService(source capture.Source, detector capture.MotionDetector, opts Options) *Service {
	if opts.Duration <= 0 {
		opts.Duration = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Service{
		source:   source,
		detector: detector,
		device:   opts.Device,
		duration: opts.Duration,
		now:      opts.Clock,
		log:      opts.Logger,
		state:    StateIdle,
	}
}

// Run samples frames for the configured duration, or until the stream ends,
// and returns the statistics. The scene should be empty while it runs.
func (s *Service) Run(ctx context.Context) (CalibrationResult, error) {
	s.mu.Lock()
	if s.state == StateSampling {
		s.mu.Unlock()
		return CalibrationResult{}, ErrInProgress
	}
	s.state = StateSampling
	s.progress = 0
	s.message = "Opening camera..."
	s.result = nil
	s.err = nil
	s.mu.Unlock()

	samples, err := s.sample(ctx)
	if err != nil {
		s.setError(err)
		return CalibrationResult{}, err
	}
	result, err := calculateResult(samples)
	if err != nil {
		s.setError(err)
		return CalibrationResult{}, err
	}

	s.mu.Lock()
	s.state = StateComplete
	s.progress = 100
	s.message = "Calibration complete"
	s.result = &result
	s.mu.Unlock()

	s.log.Info("calibration complete",
		zap.Int("samples", result.Samples),
		zap.Float64("mean", result.Mean),
		zap.Float64("stddev", result.StdDev),
		zap.Int("max", result.Max),
		zap.Int("suggested_min_motion_pixels", result.SuggestedMinMotionPixels))
	return result, nil
}

func (s *Service) sample(ctx context.Context) ([]int, error) {
	stream, err := s.source.Open(ctx, s.device)
	if err != nil {
		return nil, fmt.Errorf("open camera %d: %w", s.device, err)
	}
	defer stream.Close()

	s.detector.Reset()
	start := s.now()
	samples := make([]int, 0, 256)
	first := true

	for {
		frame, err := stream.Read(ctx)
		if err != nil {
			if errors.Is(err, capture.ErrEndOfStream) {
				return samples, nil
			}
			return nil, fmt.Errorf("read frame: %w", err)
		}
		m, err := s.detector.Update(frame)
		frame.Close()
		if err != nil {
			s.log.Debug("calibration frame skipped", zap.Error(err))
			continue
		}
		if first {
			// Baseline frame.
			first = false
		} else {
			samples = append(samples, m.PixelDeltaCount)
		}

		elapsed := s.now().Sub(start)
		progress := elapsed.Seconds() / s.duration.Seconds() * 100
		if progress > 100 {
			progress = 100
		}
		s.updateState(StateSampling, progress, fmt.Sprintf("Sampling... %d frames", len(samples)))
		if elapsed >= s.duration {
			return samples, nil
		}
	}
}

// calculateResult computes the statistics of the sampled deltas.
func calculateResult(samples []int) (CalibrationResult, error) {
	if len(samples) < MinSamples {
		return CalibrationResult{}, fmt.Errorf("%w: got %d, need %d", ErrTooFewSamples, len(samples), MinSamples)
	}

	sum, maxDelta := 0.0, 0
	for _, v := range samples {
		sum += float64(v)
		if v > maxDelta {
			maxDelta = v
		}
	}
	mean := sum / float64(len(samples))

	variance := 0.0
	for _, v := range samples {
		diff := float64(v) - mean
		variance += diff * diff
	}
	stddev := math.Sqrt(variance / float64(len(samples)))

	suggested := int(math.Ceil(mean + 3*stddev))
	if suggested < 1 {
		suggested = 1
	}
	return CalibrationResult{
		Samples:                  len(samples),
		Mean:                     mean,
		StdDev:                   stddev,
		Max:                      maxDelta,
		SuggestedMinMotionPixels: suggested,
	}, nil
}

func (s *Service) updateState(state CalibrationState, progress float64, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.progress = progress
	s.message = message
}

func (s *Service) setError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateError
	s.err = err
	s.message = err.Error()
	s.log.Warn("calibration failed", zap.Error(err))
}

// GetProgress returns the current calibration progress
func (s *Service) GetProgress() CalibrationProgress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return CalibrationProgress{
		State:    s.state,
		Progress: s.progress,
		Message:  s.message,
		Result:   s.result,
		Error:    s.err,
	}
}
