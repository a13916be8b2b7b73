package motion

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func scene(t *testing.T, square image.Rectangle, shade uint8) gocv.Mat {
	t.Helper()
	m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(40, 40, 40, 0), 240, 320, gocv.MatTypeCV8UC3)
	if !square.Empty() {
		gocv.Rectangle(&m, square, color.RGBA{R: shade, G: shade, B: shade, A: 255}, -1)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func newDetector(t *testing.T) *Detector {
	t.Helper()
	d, err := NewDetector(DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestIdenticalFramesReportZero(t *testing.T) {
	d := newDetector(t)
	frame := scene(t, image.Rect(100, 60, 200, 160), 220)

	first, err := d.UpdateMat(frame)
	require.NoError(t, err)
	assert.Zero(t, first.PixelDeltaCount, "first frame only sets the baseline")
	assert.False(t, first.Motion)

	for i := 0; i < 5; i++ {
		m, err := d.UpdateMat(frame)
		require.NoError(t, err)
		assert.Zero(t, m.PixelDeltaCount)
		assert.False(t, m.Motion)
	}
}

func TestLargeChangeIsMotion(t *testing.T) {
	d := newDetector(t)
	empty := scene(t, image.Rectangle{}, 0)
	intruder := scene(t, image.Rect(40, 40, 280, 200), 230)

	_, err := d.UpdateMat(empty)
	require.NoError(t, err)
	m, err := d.UpdateMat(intruder)
	require.NoError(t, err)

	assert.Greater(t, m.PixelDeltaCount, 5000)
	assert.True(t, m.Motion)

	stats := d.GetStats()
	assert.Equal(t, int64(2), stats.FramesProcessed)
	assert.Equal(t, int64(1), stats.MotionFrames)
	assert.Equal(t, m.PixelDeltaCount, stats.MaxPixelDelta)
}

func TestSmallChangeBelowMinimum(t *testing.T) {
	d := newDetector(t)
	_, err := d.UpdateMat(scene(t, image.Rectangle{}, 0))
	require.NoError(t, err)

	m, err := d.UpdateMat(scene(t, image.Rect(150, 110, 170, 130), 230))
	require.NoError(t, err)
	assert.Positive(t, m.PixelDeltaCount)
	assert.False(t, m.Motion)
}

func TestBaselineDrifts(t *testing.T) {
	d := newDetector(t)
	empty := scene(t, image.Rectangle{}, 0)
	intruder := scene(t, image.Rect(40, 40, 280, 200), 230)

	_, err := d.UpdateMat(empty)
	require.NoError(t, err)
	m, err := d.UpdateMat(intruder)
	require.NoError(t, err)
	require.True(t, m.Motion)

	// A stationary intruder stops registering once it is the baseline.
	m, err = d.UpdateMat(intruder)
	require.NoError(t, err)
	assert.Zero(t, m.PixelDeltaCount)
	assert.False(t, m.Motion)
}

func TestResetAndSizeChangeReestablishBaseline(t *testing.T) {
	d := newDetector(t)
	empty := scene(t, image.Rectangle{}, 0)
	intruder := scene(t, image.Rect(40, 40, 280, 200), 230)

	_, err := d.UpdateMat(empty)
	require.NoError(t, err)
	d.Reset()
	m, err := d.UpdateMat(intruder)
	require.NoError(t, err)
	assert.Zero(t, m.PixelDeltaCount)

	small := gocv.NewMatWithSize(120, 160, gocv.MatTypeCV8UC3)
	defer small.Close()
	m, err = d.UpdateMat(small)
	require.NoError(t, err)
	assert.Zero(t, m.PixelDeltaCount, "size change starts a new baseline")
}

func TestUpdateRejectsEmptyFrames(t *testing.T) {
	d := newDetector(t)
	empty := gocv.NewMat()
	defer empty.Close()

	_, err := d.UpdateMat(empty)
	assert.ErrorIs(t, err, ErrNotMat)
}

func TestNewDetectorValidatesBlur(t *testing.T) {
	for _, size := range []int{0, -3, 20} {
		cfg := DefaultConfig()
		cfg.BlurSize = size
		_, err := NewDetector(cfg)
		assert.Error(t, err, "blur %d", size)
	}
}
