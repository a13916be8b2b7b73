package video

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/lockguard/internal/capture"
)

// EncodeJPEG compresses m at the given quality (1-100).
func EncodeJPEG(m gocv.Mat, quality int) ([]byte, error) {
	if m.Empty() {
		return nil, ErrNotMat
	}
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, m, []int{int(gocv.IMWriteJpegQuality), quality})
	if err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}

// WriteSnapshot stores an encoded image, creating the parent directory.
func WriteSnapshot(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create snapshot directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Grab opens device on src, discards skip frames while the sensor settles
// and returns the next frame as JPEG.
func Grab(ctx context.Context, src capture.Source, device, skip, quality int) ([]byte, error) {
	st, err := src.Open(ctx, device)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	for i := 0; ; i++ {
		f, err := st.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("grab frame: %w", err)
		}
		if i < skip {
			f.Close()
			continue
		}
		defer f.Close()
		m, err := matOf(f)
		if err != nil {
			return nil, err
		}
		return EncodeJPEG(m, quality)
	}
}
