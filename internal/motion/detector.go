package motion

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/lockguard/internal/capture"
)

// ErrNotMat is returned when a frame carries no gocv image.
var ErrNotMat = errors.New("motion: frame has no image data")

// MatFrame is a capture.Frame backed by a gocv.Mat.
type MatFrame interface {
	capture.Frame
	Mat() gocv.Mat
}

// Config holds the differencing parameters.
type Config struct {
	// Threshold is the per-pixel intensity difference counted as change.
	Threshold float32
	// MinMotionPixels is the changed-pixel count that must be exceeded.
	MinMotionPixels int
	// BlurSize is the Gaussian kernel edge, odd.
	BlurSize int
}

func DefaultConfig() Config {
	return Config{
		Threshold:       30,
		MinMotionPixels: 5000,
		BlurSize:        21,
	}
}

// Stats are running totals since the detector was created.
type Stats struct {
	FramesProcessed   int64
	MotionFrames      int64
	LastMotionTime    time.Time
	MaxPixelDelta     int
	AveragePixelDelta float64
	ProcessingTime    time.Duration
	LastProcessedTime time.Time
}

// Detector compares each frame with the previous smoothed grayscale frame.
// The baseline drifts: every frame replaces it, so a subject that stops
// moving stops registering.
type Detector struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	baseline gocv.Mat
	hasBase  bool
	stats    Stats
}

func NewDetector(cfg Config) (*Detector, error) {
	if cfg.BlurSize <= 0 || cfg.BlurSize%2 == 0 {
		return nil, fmt.Errorf("blur size must be a positive odd number, got %d", cfg.BlurSize)
	}
	if cfg.MinMotionPixels < 0 {
		return nil, fmt.Errorf("min motion pixels cannot be negative")
	}
	return &Detector{
		cfg:      cfg,
		now:      time.Now,
		baseline: gocv.NewMat(),
	}, nil
}

// Update implements capture.MotionDetector.
func (d *Detector) Update(f capture.Frame) (capture.MotionMetrics, error) {
	mf, ok := f.(MatFrame)
	if !ok {
		return capture.MotionMetrics{}, ErrNotMat
	}
	return d.UpdateMat(mf.Mat())
}

// UpdateMat runs one differencing step against the current baseline.
func (d *Detector) UpdateMat(frame gocv.Mat) (capture.MotionMetrics, error) {
	if frame.Empty() {
		return capture.MotionMetrics{}, ErrNotMat
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	start := d.now()
	metrics := capture.MotionMetrics{Timestamp: start}

	smoothed := gocv.NewMat()
	if err := d.smooth(frame, &smoothed); err != nil {
		smoothed.Close()
		return metrics, err
	}

	if !d.hasBase || d.baseline.Rows() != smoothed.Rows() || d.baseline.Cols() != smoothed.Cols() {
		d.replaceBaseline(smoothed)
		d.stats.FramesProcessed++
		d.stats.LastProcessedTime = start
		return metrics, nil
	}

	delta := gocv.NewMat()
	defer delta.Close()
	gocv.AbsDiff(d.baseline, smoothed, &delta)

	thresh := gocv.NewMat()
	defer thresh.Close()
	gocv.Threshold(delta, &thresh, d.cfg.Threshold, 255, gocv.ThresholdBinary)

	metrics.PixelDeltaCount = gocv.CountNonZero(thresh)
	metrics.Motion = metrics.PixelDeltaCount > d.cfg.MinMotionPixels
	d.replaceBaseline(smoothed)

	d.stats.FramesProcessed++
	if metrics.Motion {
		d.stats.MotionFrames++
		d.stats.LastMotionTime = start
		d.stats.AveragePixelDelta = (d.stats.AveragePixelDelta*float64(d.stats.MotionFrames-1) +
			float64(metrics.PixelDeltaCount)) / float64(d.stats.MotionFrames)
	}
	if metrics.PixelDeltaCount > d.stats.MaxPixelDelta {
		d.stats.MaxPixelDelta = metrics.PixelDeltaCount
	}
	d.stats.LastProcessedTime = start
	d.stats.ProcessingTime = d.now().Sub(start)
	return metrics, nil
}

func (d *Detector) smooth(frame gocv.Mat, dst *gocv.Mat) error {
	gray := frame
	if frame.Channels() > 1 {
		gray = gocv.NewMat()
		defer gray.Close()
		switch frame.Channels() {
		case 3:
			gocv.CvtColor(frame, &gray, gocv.ColorBGRToGray)
		case 4:
			gocv.CvtColor(frame, &gray, gocv.ColorBGRAToGray)
		default:
			return fmt.Errorf("unsupported channel count %d", frame.Channels())
		}
	}
	k := d.cfg.BlurSize
	gocv.GaussianBlur(gray, dst, image.Point{X: k, Y: k}, 0, 0, gocv.BorderDefault)
	return nil
}

// replaceBaseline takes ownership of m.
func (d *Detector) replaceBaseline(m gocv.Mat) {
	d.baseline.Close()
	d.baseline = m
	d.hasBase = true
}

// Reset drops the baseline; the next Update only establishes a new one.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hasBase = false
}

func (d *Detector) GetStats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Close releases the baseline image.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.baseline.Close()
	d.hasBase = false
	return nil
}
