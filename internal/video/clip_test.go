package video

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/mikeyg42/lockguard/internal/capture"
	"github.com/mikeyg42/lockguard/internal/capture/capturetest"
)

func testFrame(seq int64, shade uint8) *Frame {
	m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(20, 20, 20, 0), 120, 160, gocv.MatTypeCV8UC3)
	gocv.Rectangle(&m, image.Rect(40, 30, 120, 90), color.RGBA{R: shade, G: shade, B: shade, A: 255}, -1)
	return NewFrame(m, seq)
}

func TestClipRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clips", "session.avi")
	clips := NewClipFiles("", 0, nil)

	w, err := clips.Create(path, 20, 160, 120)
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		f := testFrame(int64(i), uint8(60+i*30))
		require.NoError(t, w.Append(f))
		f.Close()
	}
	require.NoError(t, w.Finalize())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	st, err := clips.OpenClip(path)
	require.NoError(t, err)
	defer st.Close()

	read := 0
	for {
		f, err := st.Read(context.Background())
		if err != nil {
			assert.ErrorIs(t, err, capture.ErrEndOfStream)
			break
		}
		fw, fh := f.Size()
		assert.Equal(t, 160, fw)
		assert.Equal(t, 120, fh)
		f.Close()
		read++
	}
	assert.Equal(t, 6, read)
}

func TestClipResizesMismatchedFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resized.avi")
	clips := NewClipFiles(DefaultCodec, 80, nil)

	w, err := clips.Create(path, 10, 320, 240)
	require.NoError(t, err)
	f := testFrame(0, 200)
	defer f.Close()
	require.NoError(t, w.Append(f))
	require.NoError(t, w.Finalize())

	st, err := clips.OpenClip(path)
	require.NoError(t, err)
	defer st.Close()
	got, err := st.Read(context.Background())
	require.NoError(t, err)
	defer got.Close()
	gw, gh := got.Size()
	assert.Equal(t, 320, gw)
	assert.Equal(t, 240, gh)
}

func TestClipDiscardRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "discard.avi")
	clips := NewClipFiles("", 0, nil)

	w, err := clips.Create(path, 20, 160, 120)
	require.NoError(t, err)
	f := testFrame(0, 100)
	defer f.Close()
	require.NoError(t, w.Append(f))
	require.NoError(t, w.Discard())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestClipFinalizeRejectsEmptyClip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.avi")
	clips := NewClipFiles("", 0, nil)

	w, err := clips.Create(path, 20, 160, 120)
	require.NoError(t, err)
	assert.Error(t, w.Finalize())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestSnapshotIsFirstFrameJPEG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.avi")
	clips := NewClipFiles("", 0, nil)

	w, err := clips.Create(path, 20, 160, 120)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		f := testFrame(int64(i), 250)
		require.NoError(t, w.Append(f))
		f.Close()
	}
	require.NoError(t, w.Finalize())

	data, err := clips.Snapshot(context.Background(), path)
	require.NoError(t, err)
	require.Greater(t, len(data), 2)
	assert.Equal(t, []byte{0xFF, 0xD8}, data[:2])

	img, err := gocv.IMDecode(data, gocv.IMReadColor)
	require.NoError(t, err)
	defer img.Close()
	assert.Equal(t, 160, img.Cols())
	assert.Equal(t, 120, img.Rows())
}

func TestSnapshotMissingClip(t *testing.T) {
	clips := NewClipFiles("", 0, nil)
	_, err := clips.Snapshot(context.Background(), filepath.Join(t.TempDir(), "nope.avi"))
	assert.Error(t, err)
}

func TestAppendRejectsForeignFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreign.avi")
	w, err := NewClipFiles("", 0, nil).Create(path, 20, 160, 120)
	require.NoError(t, err)
	defer w.Discard()

	assert.ErrorIs(t, w.Append(foreignFrame{}), ErrNotMat)
}

type foreignFrame struct{}

func (foreignFrame) Seq() int64                { return 0 }
func (foreignFrame) Size() (width, height int) { return 160, 120 }
func (foreignFrame) Close() error              { return nil }

func TestWriteSnapshotCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "face.jpg")
	require.NoError(t, WriteSnapshot(path, []byte{0xFF, 0xD8, 0xFF}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8, 0xFF}, data)
}

func TestImageToMatYCbCr(t *testing.T) {
	img := image.NewYCbCr(image.Rect(0, 0, 8, 6), image.YCbCrSubsampleRatio420)
	for i := range img.Y {
		img.Y[i] = 128
	}
	for i := range img.Cb {
		img.Cb[i] = 128
		img.Cr[i] = 128
	}
	m, err := imageToMat(img)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, 8, m.Cols())
	assert.Equal(t, 6, m.Rows())
	assert.Equal(t, 3, m.Channels())
	v := m.GetVecbAt(2, 3)
	assert.Equal(t, []uint8{128, 128, 128}, []uint8{v[0], v[1], v[2]})
}

func TestImageToMatRejectsEmpty(t *testing.T) {
	m, err := imageToMat(image.NewRGBA(image.Rectangle{}))
	defer m.Close()
	assert.Error(t, err)
}

func TestGrabSkipsWarmupFrames(t *testing.T) {
	src := &capturetest.Source{Frames: 5}
	_, err := Grab(context.Background(), src, 0, 3, 90)
	assert.ErrorIs(t, err, ErrNotMat, "the fourth frame reached the encoder")
	assert.Equal(t, 0, src.Active())

	_, err = Grab(context.Background(), &capturetest.Source{Frames: 2}, 0, 3, 90)
	assert.ErrorIs(t, err, capture.ErrEndOfStream)

	_, err = Grab(context.Background(), &capturetest.Source{FailOpens: 1}, 0, 0, 90)
	assert.ErrorIs(t, err, capturetest.ErrOpen)
}
