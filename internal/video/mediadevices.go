package video

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/pion/mediadevices"
	_ "github.com/pion/mediadevices/pkg/driver/camera" // registers the camera driver
	"github.com/pion/mediadevices/pkg/prop"
	"go.uber.org/zap"

	"github.com/mikeyg42/lockguard/internal/capture"
)

// MediaDevicesCamera opens cameras through pion/mediadevices and converts
// each image to a Mat so the rest of the pipeline is backend agnostic.
type MediaDevicesCamera struct {
	cfg CameraConfig
	log *zap.Logger
}

func NewMediaDevicesCamera(cfg CameraConfig, logger *zap.Logger) *MediaDevicesCamera {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MediaDevicesCamera{cfg: cfg, log: logger}
}

// Cameras lists the video inputs in enumeration order; Open's device index
// refers to this list.
func Cameras() []mediadevices.MediaDeviceInfo {
	var cams []mediadevices.MediaDeviceInfo
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == mediadevices.VideoInput {
			cams = append(cams, d)
		}
	}
	return cams
}

// Open implements capture.Source.
func (c *MediaDevicesCamera) Open(ctx context.Context, device int) (capture.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cams := Cameras()
	if device < 0 || device >= len(cams) {
		return nil, fmt.Errorf("camera %d not found (%d available)", device, len(cams))
	}
	info := cams[device]

	ms, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(mc *mediadevices.MediaTrackConstraints) {
			mc.DeviceID = prop.String(info.DeviceID)
			if c.cfg.Width > 0 && c.cfg.Height > 0 {
				mc.Width = prop.Int(c.cfg.Width)
				mc.Height = prop.Int(c.cfg.Height)
			}
			if c.cfg.FPS > 0 {
				mc.FrameRate = prop.Float(c.cfg.FPS)
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", err)
	}

	release := func() error {
		var errs []error
		for _, t := range ms.GetTracks() {
			errs = append(errs, t.Close())
		}
		return errors.Join(errs...)
	}

	tracks := ms.GetVideoTracks()
	if len(tracks) == 0 {
		release()
		return nil, errors.New("no video track")
	}
	vt, ok := tracks[0].(*mediadevices.VideoTrack)
	if !ok {
		release()
		return nil, fmt.Errorf("track is %T, not a video track", tracks[0])
	}
	reader := vt.NewReader(false)
	c.log.Debug("camera opened", zap.String("label", info.Label), zap.String("backend", "mediadevices"))

	var seq atomic.Int64
	grab := func() (*Frame, error) {
		img, done, err := reader.Read()
		if err != nil {
			return nil, fmt.Errorf("read track: %w", err)
		}
		m, err := imageToMat(img)
		if done != nil {
			done()
		}
		if err != nil {
			m.Close()
			return nil, err
		}
		return NewFrame(m, seq.Add(1)-1), nil
	}
	return newStream(grab, release), nil
}
