// Package face decides whether a recorded clip shows a person.
package face

import (
	"context"
	"errors"
	"fmt"
	"image"

	"go.uber.org/zap"

	"github.com/mikeyg42/lockguard/internal/capture"
)

// Classifier finds face bounding boxes in one frame.
type Classifier interface {
	Detect(f capture.Frame) ([]image.Rectangle, error)
}

// ClipOpener replays a finalized clip.
type ClipOpener interface {
	OpenClip(path string) (capture.Stream, error)
}

// Match is the first frame found to contain a face.
type Match struct {
	Seq   int64
	Faces []image.Rectangle
	// Scanned counts frames examined, the matching one included.
	Scanned int
}

// ErrNoFace is returned by Find when the clip was read to the end without a face.
var ErrNoFace = errors.New("face: no face in clip")

type Scanner struct {
	clips      ClipOpener
	classifier Classifier
	log        *zap.Logger
}

func NewScanner(clips ClipOpener, classifier Classifier, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{clips: clips, classifier: classifier, log: logger}
}

// Scan reports whether any frame of the clip contains a face. An unreadable
// clip counts as no face.
func (s *Scanner) Scan(ctx context.Context, path string) bool {
	m, err := s.Find(ctx, path)
	if err != nil {
		if !errors.Is(err, ErrNoFace) {
			s.log.Warn("face scan failed", zap.String("clip", path), zap.Error(err))
		}
		return false
	}
	s.log.Debug("face found", zap.Int64("frame", m.Seq), zap.Int("faces", len(m.Faces)))
	return true
}

// Find reads the clip in order and stops at the first frame with a face.
func (s *Scanner) Find(ctx context.Context, path string) (Match, error) {
	st, err := s.clips.OpenClip(path)
	if err != nil {
		return Match{}, err
	}
	defer st.Close()

	scanned := 0
	for {
		f, err := st.Read(ctx)
		if err != nil {
			if errors.Is(err, capture.ErrEndOfStream) {
				return Match{Scanned: scanned}, ErrNoFace
			}
			return Match{Scanned: scanned}, fmt.Errorf("read clip frame %d: %w", scanned, err)
		}
		scanned++
		faces, err := s.classifier.Detect(f)
		seq := f.Seq()
		f.Close()
		if err != nil {
			s.log.Debug("classifier skipped frame", zap.Int64("frame", seq), zap.Error(err))
			continue
		}
		if len(faces) > 0 {
			return Match{Seq: seq, Faces: faces, Scanned: scanned}, nil
		}
	}
}
