package face_test

import (
	"context"
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/lockguard/internal/capture"
	"github.com/mikeyg42/lockguard/internal/capture/capturetest"
	"github.com/mikeyg42/lockguard/internal/face"
)

func clip(ids ...int64) *capturetest.Clips {
	c := &capturetest.Clips{}
	c.Put("clip.avi", ids...)
	return c
}

func seq(first, last int64) []int64 {
	var out []int64
	for i := first; i <= last; i++ {
		out = append(out, i)
	}
	return out
}

func TestScanStopsAtFirstFace(t *testing.T) {
	faces := &capturetest.Faces{In: map[int64]bool{3: true, 7: true}}
	s := face.NewScanner(clip(seq(1, 111)...), faces, nil)

	m, err := s.Find(context.Background(), "clip.avi")
	require.NoError(t, err)
	assert.Equal(t, int64(3), m.Seq)
	assert.Equal(t, 3, m.Scanned)
	assert.Len(t, m.Faces, 1)
	assert.Equal(t, []int64{1, 2, 3}, faces.Scanned())
}

func TestScanFindsFaceInLastFrame(t *testing.T) {
	faces := &capturetest.Faces{In: map[int64]bool{20: true}}
	s := face.NewScanner(clip(seq(1, 20)...), faces, nil)

	assert.True(t, s.Scan(context.Background(), "clip.avi"))
	assert.Equal(t, seq(1, 20), faces.Scanned())
}

func TestScanNoFace(t *testing.T) {
	faces := &capturetest.Faces{}
	s := face.NewScanner(clip(seq(1, 50)...), faces, nil)

	assert.False(t, s.Scan(context.Background(), "clip.avi"))
	assert.Len(t, faces.Scanned(), 50)

	_, err := s.Find(context.Background(), "clip.avi")
	assert.ErrorIs(t, err, face.ErrNoFace)
}

func TestScanUnreadableClip(t *testing.T) {
	s := face.NewScanner(&capturetest.Clips{}, &capturetest.Faces{}, nil)

	assert.False(t, s.Scan(context.Background(), "missing.avi"))
	_, err := s.Find(context.Background(), "missing.avi")
	assert.ErrorIs(t, err, capturetest.ErrNoClip)
}

func TestScanCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := face.NewScanner(clip(1, 2, 3), &capturetest.Faces{In: map[int64]bool{1: true}}, nil)

	assert.False(t, s.Scan(ctx, "clip.avi"))
}

type flakyClassifier struct {
	fail map[int64]bool
	face int64
}

func (f flakyClassifier) Detect(fr capture.Frame) ([]image.Rectangle, error) {
	if f.fail[fr.Seq()] {
		return nil, errors.New("bad frame")
	}
	if fr.Seq() == f.face {
		return []image.Rectangle{image.Rect(0, 0, 40, 40)}, nil
	}
	return nil, nil
}

func TestScanSkipsFramesTheClassifierRejects(t *testing.T) {
	cls := flakyClassifier{fail: map[int64]bool{1: true, 2: true}, face: 4}
	s := face.NewScanner(clip(seq(1, 5)...), cls, nil)

	m, err := s.Find(context.Background(), "clip.avi")
	require.NoError(t, err)
	assert.Equal(t, int64(4), m.Seq)
}

func TestDefaultCascadeConfig(t *testing.T) {
	cfg := face.DefaultCascadeConfig()
	assert.Equal(t, 1.1, cfg.ScaleFactor)
	assert.Equal(t, 5, cfg.MinNeighbors)
	assert.Zero(t, cfg.MinSize, "no minimum face size by default")
}

func TestLoadCascadeErrors(t *testing.T) {
	cfg := face.DefaultCascadeConfig()
	cfg.ModelPath = "testdata/does-not-exist.xml"
	_, err := face.LoadCascade(cfg)
	assert.Error(t, err)

	cfg = face.DefaultCascadeConfig()
	cfg.ScaleFactor = 1
	_, err = face.LoadCascade(cfg)
	assert.Error(t, err)
}
