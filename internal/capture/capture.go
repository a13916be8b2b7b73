// Package capture runs motion-triggered recording sessions against a single
// camera. The camera, clip container and motion math are collaborators behind
// the interfaces in this file so the session state machine stays free of any
// particular imaging backend.
package capture

import (
	"context"
	"errors"
	"time"
)

// ErrEndOfStream is returned by Stream.Read when no further frames will be produced.
var ErrEndOfStream = errors.New("capture: end of stream")

// Frame is one decoded image. The reader that produced it owns the frame
// until it is handed to a consumer, which must Close it.
type Frame interface {
	Seq() int64
	Size() (width, height int)
	Close() error
}

// Stream yields frames from an opened camera or clip.
type Stream interface {
	// Read blocks until the next frame is available, the stream ends, or ctx is done.
	Read(ctx context.Context) (Frame, error)
	Close() error
}

// Source opens camera devices by index.
type Source interface {
	Open(ctx context.Context, device int) (Stream, error)
}

// ClipWriter accumulates the frames of one session into a single clip.
type ClipWriter interface {
	Append(f Frame) error
	// Finalize flushes and closes the clip. The clip is readable afterwards.
	Finalize() error
	// Discard closes the clip and removes whatever was written.
	Discard() error
}

// ClipSink creates clip writers.
type ClipSink interface {
	Create(path string, fps float64, width, height int) (ClipWriter, error)
}

// MotionMetrics is the verdict for one frame compared to the detector's baseline.
type MotionMetrics struct {
	PixelDeltaCount int
	Timestamp       time.Time
	Motion          bool
}

// MotionDetector compares each frame with the previous one.
type MotionDetector interface {
	// Update reports motion for f and makes f the new baseline.
	// The first call after Reset only establishes the baseline.
	Update(f Frame) (MotionMetrics, error)
	Reset()
}
