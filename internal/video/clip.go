package video

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/mikeyg42/lockguard/internal/capture"
)

// DefaultCodec is the FourCC used for clips when none is configured.
const DefaultCodec = "MJPG"

// ClipFiles writes and replays clips as container files on disk.
type ClipFiles struct {
	codec       string
	jpegQuality int
	log         *zap.Logger
}

func NewClipFiles(codec string, jpegQuality int, logger *zap.Logger) *ClipFiles {
	if codec == "" {
		codec = DefaultCodec
	}
	if jpegQuality <= 0 || jpegQuality > 100 {
		jpegQuality = 90
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClipFiles{codec: codec, jpegQuality: jpegQuality, log: logger}
}

// Create implements capture.ClipSink. An existing clip at path is replaced.
func (c *ClipFiles) Create(path string, fps float64, width, height int) (capture.ClipWriter, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid clip size %dx%d", width, height)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create clip directory: %w", err)
		}
	}
	vw, err := gocv.VideoWriterFile(path, c.codec, fps, width, height, true)
	if err != nil {
		return nil, fmt.Errorf("open video writer: %w", err)
	}
	if !vw.IsOpened() {
		vw.Close()
		return nil, fmt.Errorf("codec %s cannot write %s", c.codec, path)
	}
	return &clipFile{vw: vw, path: path, size: image.Pt(width, height), log: c.log}, nil
}

// OpenClip replays a finalized clip. The stream ends with capture.ErrEndOfStream.
func (c *ClipFiles) OpenClip(path string) (capture.Stream, error) {
	vc, err := gocv.OpenVideoCapture(path)
	if err != nil {
		return nil, fmt.Errorf("open clip %s: %w", path, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("clip %s is not readable", path)
	}
	return newStream(captureGrabber(vc, capture.ErrEndOfStream), vc.Close), nil
}

// Snapshot returns the first decodable frame of the clip as JPEG.
func (c *ClipFiles) Snapshot(ctx context.Context, path string) ([]byte, error) {
	st, err := c.OpenClip(path)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	f, err := st.Read(ctx)
	if err != nil {
		if errors.Is(err, capture.ErrEndOfStream) {
			return nil, fmt.Errorf("clip %s has no decodable frame", path)
		}
		return nil, err
	}
	defer f.Close()

	m, err := matOf(f)
	if err != nil {
		return nil, err
	}
	return EncodeJPEG(m, c.jpegQuality)
}

type clipFile struct {
	vw     *gocv.VideoWriter
	path   string
	size   image.Point
	frames int
	closed bool
	log    *zap.Logger
}

func (w *clipFile) Append(f capture.Frame) error {
	if w.closed {
		return errors.New("append to closed clip")
	}
	m, err := matOf(f)
	if err != nil {
		return err
	}
	// The writer silently drops frames whose size differs from the header.
	if m.Cols() != w.size.X || m.Rows() != w.size.Y {
		resized := gocv.NewMat()
		defer resized.Close()
		gocv.Resize(m, &resized, w.size, 0, 0, gocv.InterpolationLinear)
		m = resized
	}
	if err := w.vw.Write(m); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	w.frames++
	return nil
}

func (w *clipFile) Finalize() error {
	if err := w.close(); err != nil {
		return err
	}
	if w.frames == 0 {
		removeQuietly(w.path)
		return errors.New("clip has no frames")
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return fmt.Errorf("verify clip: %w", err)
	}
	if info.Size() == 0 {
		removeQuietly(w.path)
		return errors.New("clip file is empty")
	}
	w.log.Debug("clip written",
		zap.String("path", w.path),
		zap.Int("frames", w.frames),
		zap.Int64("bytes", info.Size()))
	return nil
}

func (w *clipFile) Discard() error {
	w.close()
	if err := os.Remove(w.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove clip: %w", err)
	}
	return nil
}

func (w *clipFile) close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.vw.Close(); err != nil {
		return fmt.Errorf("close video writer: %w", err)
	}
	return nil
}

func removeQuietly(path string) {
	_ = os.Remove(path)
}
