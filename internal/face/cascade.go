package face

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/lockguard/internal/capture"
)

// CascadeConfig holds the detectMultiScale parameters.
type CascadeConfig struct {
	ModelPath    string
	ScaleFactor  float64
	MinNeighbors int
	// MinSize is the smallest face edge in pixels; 0 leaves it unbounded.
	MinSize int
}

func DefaultCascadeConfig() CascadeConfig {
	return CascadeConfig{
		ModelPath:    "haarcascade_frontalface_default.xml",
		ScaleFactor:  1.1,
		MinNeighbors: 5,
	}
}

// Cascade is a Haar cascade classifier. The model is loaded once.
type Cascade struct {
	cfg CascadeConfig

	mu         sync.Mutex
	classifier gocv.CascadeClassifier
}

func LoadCascade(cfg CascadeConfig) (*Cascade, error) {
	if cfg.ScaleFactor <= 1 {
		return nil, fmt.Errorf("scale factor must be greater than 1, got %g", cfg.ScaleFactor)
	}
	c := gocv.NewCascadeClassifier()
	if !c.Load(cfg.ModelPath) {
		c.Close()
		return nil, fmt.Errorf("load cascade model %q", cfg.ModelPath)
	}
	return &Cascade{cfg: cfg, classifier: c}, nil
}

// Detect implements Classifier.
func (c *Cascade) Detect(f capture.Frame) ([]image.Rectangle, error) {
	mf, ok := f.(interface{ Mat() gocv.Mat })
	if !ok {
		return nil, errors.New("frame has no image data")
	}
	img := mf.Mat()
	if img.Empty() {
		return nil, errors.New("empty frame")
	}

	gray := gocv.NewMat()
	defer gray.Close()
	if img.Channels() == 1 {
		img.CopyTo(&gray)
	} else {
		gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)
	}

	minSize := image.Pt(c.cfg.MinSize, c.cfg.MinSize)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.classifier.DetectMultiScaleWithParams(gray, c.cfg.ScaleFactor, c.cfg.MinNeighbors, 0, minSize, image.Point{}), nil
}

func (c *Cascade) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.classifier.Close()
}
