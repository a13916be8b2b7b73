// Package video implements the capture collaborators on top of gocv: camera
// streams, clip files, and JPEG snapshots. A mediadevices camera is available
// as an alternative backend for hosts where OpenCV's capture is unreliable.
package video

import (
	"errors"

	"gocv.io/x/gocv"
)

var (
	// ErrClosed is returned by reads on a released stream.
	ErrClosed = errors.New("video: stream closed")
	// ErrNoFrame means the device answered but delivered no image.
	ErrNoFrame = errors.New("video: camera returned no frame")
	// ErrNotMat means a frame from another backend was handed to a gocv consumer.
	ErrNotMat = errors.New("video: frame has no image data")
)

// Frame is a decoded BGR image. Close releases the underlying Mat.
type Frame struct {
	mat gocv.Mat
	seq int64
}

// NewFrame takes ownership of m.
func NewFrame(m gocv.Mat, seq int64) *Frame {
	return &Frame{mat: m, seq: seq}
}

func (f *Frame) Mat() gocv.Mat { return f.mat }
func (f *Frame) Seq() int64    { return f.seq }

func (f *Frame) Size() (width, height int) {
	return f.mat.Cols(), f.mat.Rows()
}

func (f *Frame) Close() error {
	return f.mat.Close()
}

type matFrame interface {
	Mat() gocv.Mat
}

func matOf(f any) (gocv.Mat, error) {
	mf, ok := f.(matFrame)
	if !ok {
		return gocv.Mat{}, ErrNotMat
	}
	m := mf.Mat()
	if m.Empty() {
		return gocv.Mat{}, ErrNotMat
	}
	return m, nil
}
