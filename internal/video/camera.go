package video

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/mikeyg42/lockguard/internal/capture"
)

// CameraConfig is the requested capture format. Zero fields keep the
// device defaults.
type CameraConfig struct {
	Width  int
	Height int
	FPS    float64
}

// Camera opens local devices through OpenCV.
type Camera struct {
	cfg CameraConfig
	log *zap.Logger
}

func NewCamera(cfg CameraConfig, logger *zap.Logger) *Camera {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Camera{cfg: cfg, log: logger}
}

// Open implements capture.Source.
func (c *Camera) Open(ctx context.Context, device int) (capture.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vc, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("open video capture: %w", err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("device %d is not available", device)
	}
	if c.cfg.Width > 0 && c.cfg.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(c.cfg.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(c.cfg.Height))
	}
	if c.cfg.FPS > 0 {
		vc.Set(gocv.VideoCaptureFPS, c.cfg.FPS)
	}
	c.log.Debug("camera opened",
		zap.Int("device", device),
		zap.Float64("width", vc.Get(gocv.VideoCaptureFrameWidth)),
		zap.Float64("height", vc.Get(gocv.VideoCaptureFrameHeight)))

	return newStream(captureGrabber(vc, ErrNoFrame), vc.Close), nil
}

// captureGrabber reads from vc. An empty read yields onEmpty.
func captureGrabber(vc *gocv.VideoCapture, onEmpty error) grabber {
	var seq atomic.Int64
	return func() (*Frame, error) {
		m := gocv.NewMat()
		if ok := vc.Read(&m); !ok || m.Empty() {
			m.Close()
			return nil, onEmpty
		}
		return NewFrame(m, seq.Add(1)-1), nil
	}
}
