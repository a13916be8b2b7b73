package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/lockguard/internal/autostart"
	"github.com/mikeyg42/lockguard/internal/calibration"
	"github.com/mikeyg42/lockguard/internal/capture"
	"github.com/mikeyg42/lockguard/internal/config"
	"github.com/mikeyg42/lockguard/internal/crypto"
	"github.com/mikeyg42/lockguard/internal/face"
	"github.com/mikeyg42/lockguard/internal/lockstate"
	"github.com/mikeyg42/lockguard/internal/logging"
	"github.com/mikeyg42/lockguard/internal/motion"
	"github.com/mikeyg42/lockguard/internal/notification"
	"github.com/mikeyg42/lockguard/internal/permissions"
	"github.com/mikeyg42/lockguard/internal/surveillance"
	"github.com/mikeyg42/lockguard/internal/validate"
	"github.com/mikeyg42/lockguard/internal/video"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitConfig  = 2

	// Frames discarded before a test snapshot so auto exposure settles.
	warmupFrames = 10
)

// Application holds the wired components.
type Application struct {
	config     *config.Config
	log        *zap.Logger
	camera     capture.Source
	detector   *motion.Detector
	cascade    *face.Cascade
	clips      *video.ClipFiles
	dispatcher notification.Dispatcher
}

type options struct {
	configPath       string
	envPath          string
	envRequired      bool
	installAutostart bool
	calibrate        bool
	calibrateFor     time.Duration
	sealSecret       bool
	testAlert        bool
	gmailAuth        bool
}

func main() {
	os.Exit(run())
}

func run() int {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "path to a TOML or YAML config file")
	flag.StringVar(&opts.envPath, "env", ".env", "dotenv file with credentials")
	flag.BoolVar(&opts.installAutostart, "install-autostart", false, "start lockguard at login and exit")
	flag.BoolVar(&opts.calibrate, "calibrate", false, "sample the empty scene and suggest motion.min_motion_pixels")
	flag.DurationVar(&opts.calibrateFor, "calibrate-for", 10*time.Second, "sampling time for -calibrate")
	flag.BoolVar(&opts.sealSecret, "seal-secret", false, "read a secret from stdin and print it sealed for the config file")
	flag.BoolVar(&opts.testAlert, "test-alert", false, "email a fresh camera frame and exit")
	flag.BoolVar(&opts.gmailAuth, "gmail-auth", false, "authorize the Gmail transport and store its token")
	flag.Parse()
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "env" {
			opts.envRequired = true
		}
	})

	switch {
	case opts.installAutostart:
		return installAutostart(opts)
	case opts.sealSecret:
		return sealSecret()
	}

	cfg, err := config.Load(opts.configPath, opts.envPath, opts.envRequired)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lockguard: %v\n", err)
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.gmailAuth {
		if cfg.Email.Method != "gmail" {
			fmt.Fprintf(os.Stderr, "lockguard: -gmail-auth needs email.method = \"gmail\", got %q\n", cfg.Email.Method)
			return exitConfig
		}
		if err := validate.ValidateEmailConfig(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "lockguard: %v\n", err)
			return exitConfig
		}
		if err := notification.Authorize(ctx, cfg.GmailConfig(), os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "lockguard: gmail authorization: %v\n", err)
			return exitFailure
		}
		return exitOK
	}

	if !opts.calibrate {
		if err := validate.ValidateConfig(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "lockguard: %v\n", err)
			return exitConfig
		}
	}

	logger, closeLog, err := logging.New(logging.Options{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "lockguard: %v\n", err)
		return exitConfig
	}
	defer closeLog()

	if err := permissions.EnsureCamera(logger.Named("permissions")); err != nil {
		logger.Error("camera unavailable", zap.Error(err))
		return exitFailure
	}

	app, err := NewApplication(ctx, cfg, logger, !opts.calibrate)
	if err != nil {
		logger.Error("failed to create application", zap.Error(err))
		return exitFailure
	}
	defer app.Cleanup()

	switch {
	case opts.calibrate:
		err = app.calibrate(ctx, opts.calibrateFor)
	case opts.testAlert:
		err = app.sendTestAlert(ctx)
	default:
		err = app.watch(ctx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("lockguard stopped", zap.Error(err))
		return exitFailure
	}
	return exitOK
}

// NewApplication opens the camera backend, motion detector and, when alerts
// are needed, the face model and the mail transport.
func NewApplication(ctx context.Context, cfg *config.Config, logger *zap.Logger, alerts bool) (*Application, error) {
	app := &Application{config: cfg, log: logger}

	camCfg := video.CameraConfig{Width: cfg.Camera.Width, Height: cfg.Camera.Height, FPS: cfg.Camera.FPS}
	switch cfg.Camera.Backend {
	case "mediadevices":
		app.camera = video.NewMediaDevicesCamera(camCfg, logger.Named("camera"))
	default:
		app.camera = video.NewCamera(camCfg, logger.Named("camera"))
	}

	detector, err := motion.NewDetector(motion.Config{
		Threshold:       cfg.Motion.Threshold,
		MinMotionPixels: cfg.Motion.MinMotionPixels,
		BlurSize:        cfg.Motion.BlurSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create motion detector: %w", err)
	}
	app.detector = detector

	if !alerts {
		return app, nil
	}

	app.clips = video.NewClipFiles(cfg.Session.Codec, cfg.Session.JPEGQuality, logger.Named("clips"))
	cascade, err := face.LoadCascade(face.CascadeConfig{
		ModelPath:    cfg.Face.ModelPath,
		ScaleFactor:  cfg.Face.ScaleFactor,
		MinNeighbors: cfg.Face.MinNeighbors,
		MinSize:      cfg.Face.MinSize,
	})
	if err != nil {
		app.Cleanup()
		return nil, fmt.Errorf("failed to load face model: %w", err)
	}
	app.cascade = cascade

	dispatcher, err := newDispatcher(ctx, cfg, logger.Named("mail"))
	if err != nil {
		app.Cleanup()
		return nil, err
	}
	app.dispatcher = notification.WithRetry(dispatcher, cfg.RetryPolicy(), logger.Named("mail"))
	return app, nil
}

func newDispatcher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (notification.Dispatcher, error) {
	switch cfg.Email.Method {
	case "gmail":
		d, err := notification.NewGmailDispatcher(ctx, cfg.GmailConfig(), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create gmail dispatcher (run with -gmail-auth first): %w", err)
		}
		return d, nil
	default:
		d, err := notification.NewSMTPDispatcher(cfg.SMTPConfig(), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create smtp dispatcher: %w", err)
		}
		return d, nil
	}
}

func (app *Application) Cleanup() {
	if app.cascade != nil {
		app.cascade.Close()
	}
	if app.detector != nil {
		app.detector.Close()
	}
}

// watch runs the surveillance loop until ctx is cancelled.
func (app *Application) watch(ctx context.Context) error {
	cfg := app.config

	probe, err := lockstate.Select(cfg.Lock.Probe, cfg.LockCommand())
	if err != nil {
		return fmt.Errorf("lock probe: %w", err)
	}
	rearm, err := surveillance.ParseRearmPolicy(cfg.Lock.Rearm)
	if err != nil {
		return err
	}

	controller, err := surveillance.NewController(surveillance.Config{
		PollInterval: cfg.Lock.PollInterval,
		Rearm:        rearm,
		Session:      cfg.CaptureConfig(),
		SnapshotPath: cfg.Session.SnapshotPath,
		Recipient:    cfg.Email.Recipient,
		SystemName:   cfg.SystemName,
	}, surveillance.Deps{
		Monitor:       lockstate.NewMonitor(probe, cfg.Lock.ProbeTimeout, app.log.Named("lock")),
		Source:        app.camera,
		Detector:      app.detector,
		Clips:         app.clips,
		Faces:         face.NewScanner(app.clips, app.cascade, app.log.Named("face")),
		Snapshots:     app.clips,
		Dispatcher:    app.dispatcher,
		WriteSnapshot: video.WriteSnapshot,
		Logger:        app.log.Named("controller"),
	})
	if err != nil {
		return err
	}

	app.log.Info("watching for session lock",
		zap.String("system", cfg.SystemName),
		zap.String("probe", cfg.Lock.Probe),
		zap.Stringer("rearm", rearm),
		zap.String("email_method", cfg.Email.Method))
	return controller.Run(ctx)
}

func (app *Application) sendTestAlert(ctx context.Context) error {
	cfg := app.config
	snapshot, err := video.Grab(ctx, app.camera, cfg.Camera.Device, warmupFrames, cfg.Session.JPEGQuality)
	if err != nil {
		return fmt.Errorf("capture test frame: %w", err)
	}
	alert, err := notification.NewAlert(notification.AlertData{
		SystemName: cfg.SystemName,
		Test:       true,
	}, cfg.Email.Recipient, snapshot)
	if err != nil {
		return err
	}
	if err := app.dispatcher.Send(ctx, alert); err != nil {
		return fmt.Errorf("send test alert (%s): %w", notification.KindOf(err), err)
	}
	app.log.Info("test alert sent", zap.String("alert_id", alert.ID), zap.String("recipient", cfg.Email.Recipient))
	return nil
}

func (app *Application) calibrate(ctx context.Context, d time.Duration) error {
	svc := calibration.NewService(app.camera, app.detector, calibration.Options{
		Device:   app.config.Camera.Device,
		Duration: d,
		Logger:   app.log.Named("calibration"),
	})
	fmt.Printf("Sampling the scene for %s. Keep the camera view empty.\n", d)

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				p := svc.GetProgress()
				if p.State == calibration.StateSampling {
					fmt.Printf("  %3.0f%%  %s\n", p.Progress, p.Message)
				}
			}
		}
	}()
	res, err := svc.Run(ctx)
	close(done)
	if err != nil {
		return err
	}
	fmt.Printf("frames sampled:      %d\n", res.Samples)
	fmt.Printf("mean changed pixels: %.1f\n", res.Mean)
	fmt.Printf("standard deviation:  %.1f\n", res.StdDev)
	fmt.Printf("largest change:      %d\n", res.Max)
	fmt.Printf("\n[motion]\nmin_motion_pixels = %d\n", res.SuggestedMinMotionPixels)
	return nil
}

func installAutostart(opts options) int {
	exe, err := os.Executable()
	if err == nil {
		exe, err = filepath.EvalSymlinks(exe)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "lockguard: locate executable: %v\n", err)
		return exitFailure
	}
	entry := autostart.Entry{Executable: exe}
	if opts.configPath != "" {
		p, err := filepath.Abs(opts.configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "lockguard: %v\n", err)
			return exitFailure
		}
		entry.Args = append(entry.Args, "-config", p)
	}
	if opts.envRequired {
		p, err := filepath.Abs(opts.envPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "lockguard: %v\n", err)
			return exitFailure
		}
		entry.Args = append(entry.Args, "-env", p)
	}

	where, err := autostart.Install(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lockguard: %v\n", err)
		return exitFailure
	}
	fmt.Printf("autostart installed: %s\n", where)
	return exitOK
}

// sealSecret reads one line from stdin and prints it sealed with
// LOCKGUARD_MASTER_KEY, generating a key when none is set.
func sealSecret() int {
	key := os.Getenv("LOCKGUARD_MASTER_KEY")
	if key == "" {
		var err error
		if key, err = crypto.GenerateMasterKey(); err != nil {
			fmt.Fprintf(os.Stderr, "lockguard: %v\n", err)
			return exitFailure
		}
		fmt.Fprintf(os.Stderr, "generated master key, export it before starting lockguard:\nLOCKGUARD_MASTER_KEY=%s\n", key)
	}

	fmt.Fprint(os.Stderr, "secret: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		fmt.Fprintf(os.Stderr, "lockguard: read secret: %v\n", err)
		return exitFailure
	}
	secret := strings.TrimRight(line, "\r\n")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "lockguard: empty secret")
		return exitFailure
	}

	sealed, err := crypto.SealString(secret, key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lockguard: %v\n", err)
		return exitFailure
	}
	fmt.Println(sealed)
	return exitOK
}
